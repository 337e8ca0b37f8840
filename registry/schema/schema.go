package schema

import (
	"time"

	"gorm.io/datatypes"
)

// Artifact processing statuses in pipeline order.
const (
	Uploaded       = "uploaded"
	Unpacked       = "unpacked"
	Processed      = "processed"
	TarballCreated = "tarball_created"
	Completed      = "completed"
)

const (
	ReleasePublished   = "published"
	ReleaseUnpublished = "unpublished"
)

const PackageActive = "active"

type Scope struct {
	Id uint `gorm:"primaryKey"`

	Name        string `gorm:"unique;size:100;not null"`
	DisplayName string `gorm:"size:200"`
}

type Package struct {
	Id uint `gorm:"primaryKey"`

	BundleId    string `gorm:"unique;size:214;not null"`
	DisplayName string `gorm:"size:200"`
	Description string

	ScopeId *uint
	Scope   *Scope `gorm:"constraint:OnDelete:SET NULL"`

	Disabled bool   `gorm:"not null;default:false"`
	Status   string `gorm:"size:50;not null;default:'active'"`

	CreatedAt time.Time
	UpdatedAt time.Time

	Releases []Release `gorm:"constraint:OnDelete:CASCADE"`
}

type Release struct {
	Id uint `gorm:"primaryKey"`

	PackageId uint `gorm:"index;uniqueIndex:idx_release_package_version;not null"`
	Package   *Package

	Version string `gorm:"uniqueIndex:idx_release_package_version;size:100;not null"`
	Channel string `gorm:"size:50"`

	// Nil means the status was never set. It is treated as published, see IsPublished.
	Status *string `gorm:"size:50"`

	Changelog string

	CreatedAt time.Time `gorm:"index"`
	UpdatedAt time.Time

	Artifacts    []ReleaseArtifact   `gorm:"constraint:OnDelete:CASCADE"`
	Dependencies []PackageDependency `gorm:"foreignKey:ReleaseId;constraint:OnDelete:CASCADE"`
}

// IsPublished keeps the legacy behavior where a release without a status is
// listed and served as published.
func (r *Release) IsPublished() bool {
	return r.Status == nil || *r.Status == "" || *r.Status == ReleasePublished
}

type ReleaseArtifact struct {
	Id uint `gorm:"primaryKey"`

	ReleaseId uint `gorm:"index;not null"`
	Release   *Release

	// Filename the upload arrived with.
	OriginalFilename string `gorm:"size:255"`
	// Storage key of the preserved original upload, used for reprocessing.
	MetaPath string `gorm:"size:1024"`

	Status string `gorm:"size:50;not null"`

	// Storage key and filename of the published tarball.
	Path     string `gorm:"size:1024"`
	Filename string `gorm:"size:255"`
	Hash     string `gorm:"size:40"`
	Size     int64

	Manifest datatypes.JSON

	UploadedAt time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type PackageDependency struct {
	Id uint `gorm:"primaryKey"`

	ReleaseId uint `gorm:"index;not null"`

	// Internal dependency on another release of this registry.
	DependsOnReleaseId *uint
	DependsOnRelease   *Release `gorm:"foreignKey:DependsOnReleaseId;constraint:OnDelete:SET NULL"`

	// Free text descriptor such as "com.unity.textmeshpro@3.0.6".
	External string `gorm:"size:500"`

	BundleId string `gorm:"size:214"`
	Version  string `gorm:"size:100"`
}

type MetaFile struct {
	Id uint `gorm:"primaryKey"`

	PackageId    uint   `gorm:"uniqueIndex:idx_meta_file_package_path;not null"`
	RelativePath string `gorm:"uniqueIndex:idx_meta_file_package_path;size:1024;not null"`
	Guid         string `gorm:"size:32;not null"`

	CreatedAt time.Time
}

type Admin struct {
	Id uint `gorm:"primaryKey"`

	Username string `gorm:"unique;size:50;not null"`
	Password []byte
}
