package schema

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"gorm.io/gorm"
)

var (
	ErrPackageNotFound  = errors.New("package not found")
	ErrReleaseNotFound  = errors.New("release not found")
	ErrArtifactNotFound = errors.New("artifact not found")
	ErrAdminNotFound    = errors.New("admin not found")
	ErrDbAccessFailed   = errors.New("db access failed")
)

var artifactStatusOrder = []string{Uploaded, Unpacked, Processed, TarballCreated, Completed}

func CheckValidStatus(status string) error {
	if slices.Contains(artifactStatusOrder, status) {
		return nil
	}
	return fmt.Errorf("invalid artifact status '%v', must be one of %v", status, artifactStatusOrder)
}

// StatusRank returns the position of status in the pipeline, or -1.
func StatusRank(status string) int {
	return slices.Index(artifactStatusOrder, status)
}

func GetPackage(packageId uint, db *gorm.DB) (Package, error) {
	var pkg Package

	result := db.Preload("Scope").First(&pkg, "id = ?", packageId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return pkg, ErrPackageNotFound
		}
		slog.Error("sql error in get package", "package_id", packageId, "error", result.Error)
		return pkg, ErrDbAccessFailed
	}

	return pkg, nil
}

func GetPackageByBundleId(bundleId string, db *gorm.DB) (Package, error) {
	var pkg Package

	result := db.Preload("Scope").First(&pkg, "bundle_id = ?", bundleId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return pkg, ErrPackageNotFound
		}
		slog.Error("sql error in get package by bundle id", "bundle_id", bundleId, "error", result.Error)
		return pkg, ErrDbAccessFailed
	}

	return pkg, nil
}

func GetRelease(releaseId uint, db *gorm.DB, loadDeps bool) (Release, error) {
	var release Release

	query := db
	if loadDeps {
		query = query.Preload("Dependencies").Preload("Dependencies.DependsOnRelease").Preload("Dependencies.DependsOnRelease.Package")
	}

	result := query.First(&release, "id = ?", releaseId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return release, ErrReleaseNotFound
		}
		slog.Error("sql error in get release", "release_id", releaseId, "error", result.Error)
		return release, ErrDbAccessFailed
	}

	return release, nil
}

// ListReleases returns every release of a package newest first, ties broken by
// id descending.
func ListReleases(packageId uint, db *gorm.DB, loadDeps bool) ([]Release, error) {
	var releases []Release

	query := db
	if loadDeps {
		query = query.Preload("Dependencies").Preload("Dependencies.DependsOnRelease").Preload("Dependencies.DependsOnRelease.Package")
	}

	result := query.Where("package_id = ?", packageId).Order("created_at DESC").Order("id DESC").Find(&releases)
	if result.Error != nil {
		slog.Error("sql error listing releases", "package_id", packageId, "error", result.Error)
		return nil, ErrDbAccessFailed
	}

	return releases, nil
}

func GetArtifact(artifactId uint, db *gorm.DB) (ReleaseArtifact, error) {
	var artifact ReleaseArtifact

	result := db.First(&artifact, "id = ?", artifactId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return artifact, ErrArtifactNotFound
		}
		slog.Error("sql error in get artifact", "artifact_id", artifactId, "error", result.Error)
		return artifact, ErrDbAccessFailed
	}

	return artifact, nil
}

// GetPrimaryArtifact returns the artifact consumed by serving logic: the most
// recently created one for the release.
func GetPrimaryArtifact(releaseId uint, db *gorm.DB) (ReleaseArtifact, error) {
	var artifact ReleaseArtifact

	result := db.Where("release_id = ?", releaseId).Order("id DESC").Limit(1).Find(&artifact)
	if result.Error != nil {
		slog.Error("sql error in get primary artifact", "release_id", releaseId, "error", result.Error)
		return artifact, ErrDbAccessFailed
	}
	if result.RowsAffected == 0 {
		return artifact, ErrArtifactNotFound
	}

	return artifact, nil
}

func GetAdmin(username string, db *gorm.DB) (Admin, error) {
	var admin Admin

	result := db.First(&admin, "username = ?", username)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return admin, ErrAdminNotFound
		}
		slog.Error("sql error in get admin", "username", username, "error", result.Error)
		return admin, ErrDbAccessFailed
	}

	return admin, nil
}
