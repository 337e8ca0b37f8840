package processing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unity_registry/registry/schema"
	"unity_registry/utils/logging"

	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const metaFileTemplate = "fileFormatVersion: 2\nguid: %s\nTextScriptImporter:\n  externalObjects: {}\n  userData: \n  assetBundleName: \n  assetBundleVariant: \n"

// NewGuid returns 32 lowercase hex characters from a random 128 bit value.
func NewGuid() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("error generating guid: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func IsValidGuid(guid string) bool {
	if len(guid) != 32 {
		return false
	}
	for _, c := range guid {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

type MetaFileStats struct {
	Written int
	Skipped int
	Adopted int
	Created int
}

type MetaFileGenerator struct {
	db *gorm.DB
}

func NewMetaFileGenerator(db *gorm.DB) *MetaFileGenerator {
	return &MetaFileGenerator{db: db}
}

type metaEntry struct {
	relPath  string
	fullPath string
}

func collectMetaEntries(dir string) ([]metaEntry, error) {
	var entries []metaEntry
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir || strings.HasSuffix(d.Name(), ".meta") {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		entries = append(entries, metaEntry{relPath: filepath.ToSlash(rel), fullPath: path})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error walking %v: %w", dir, err)
	}
	return entries, nil
}

// Generate writes a .meta file next to every file and directory under dir
// that lacks one. GUIDs are stored per package and relative path so that
// reprocessing a release, or publishing a new one, keeps asset references
// stable.
func (g *MetaFileGenerator) Generate(ctx context.Context, dir string, packageId uint) (MetaFileStats, error) {
	var stats MetaFileStats

	entries, err := collectMetaEntries(dir)
	if err != nil {
		return stats, err
	}

	known, err := g.loadGuids(packageId)
	if err != nil {
		return stats, err
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		metaPath := entry.fullPath + ".meta"
		if _, err := os.Stat(metaPath); err == nil {
			stats.Skipped++
			if _, ok := known[entry.relPath]; !ok {
				guid, ok := readMetaGuid(metaPath)
				if ok {
					if known[entry.relPath], err = g.storeGuid(packageId, entry.relPath, guid); err != nil {
						return stats, err
					}
					stats.Adopted++
				}
			}
			continue
		} else if !errors.Is(err, fs.ErrNotExist) {
			return stats, fmt.Errorf("error checking %v: %w", metaPath, err)
		}

		guid, ok := known[entry.relPath]
		if !ok {
			fresh, err := NewGuid()
			if err != nil {
				return stats, err
			}
			if guid, err = g.storeGuid(packageId, entry.relPath, fresh); err != nil {
				return stats, err
			}
			known[entry.relPath] = guid
			stats.Created++
		}

		if err := os.WriteFile(metaPath, []byte(fmt.Sprintf(metaFileTemplate, guid)), 0o644); err != nil {
			return stats, fmt.Errorf("error writing %v: %w", metaPath, err)
		}
		stats.Written++
	}

	slog.Info("meta files generated", logging.META_FILES.Attr(), "package_id", packageId,
		"written", stats.Written, "skipped", stats.Skipped, "created", stats.Created, "adopted", stats.Adopted)
	return stats, nil
}

func (g *MetaFileGenerator) loadGuids(packageId uint) (map[string]string, error) {
	var rows []schema.MetaFile
	if err := g.db.Where("package_id = ?", packageId).Find(&rows).Error; err != nil {
		slog.Error("sql error loading meta files", "package_id", packageId, "error", err)
		return nil, schema.ErrDbAccessFailed
	}
	known := make(map[string]string, len(rows))
	for _, row := range rows {
		known[row.RelativePath] = row.Guid
	}
	return known, nil
}

// storeGuid records guid for the path unless a row already exists, and
// returns the guid that ended up stored.
func (g *MetaFileGenerator) storeGuid(packageId uint, relPath, guid string) (string, error) {
	row := schema.MetaFile{PackageId: packageId, RelativePath: relPath, Guid: guid}
	result := g.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if result.Error != nil {
		slog.Error("sql error storing meta file guid", "package_id", packageId, "path", relPath, "error", result.Error)
		return "", schema.ErrDbAccessFailed
	}
	if result.RowsAffected > 0 {
		return guid, nil
	}

	var existing schema.MetaFile
	if err := g.db.First(&existing, "package_id = ? AND relative_path = ?", packageId, relPath).Error; err != nil {
		slog.Error("sql error reading meta file guid", "package_id", packageId, "path", relPath, "error", err)
		return "", schema.ErrDbAccessFailed
	}
	return existing.Guid, nil
}

type metaDocument struct {
	Guid string `yaml:"guid"`
}

func readMetaGuid(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	var doc metaDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return "", false
	}
	guid := strings.ToLower(strings.TrimSpace(doc.Guid))
	return guid, IsValidGuid(guid)
}
