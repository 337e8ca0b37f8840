package processing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"unity_registry/registry/schema"
	"unity_registry/utils/logging"

	"gorm.io/gorm"
)

type manifestAuthor struct {
	Name string `json:"name"`
}

// Field order here is the order written to package.json.
type packageManifest struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	DisplayName  string            `json:"displayName"`
	Description  string            `json:"description"`
	Keywords     []string          `json:"keywords"`
	Author       *manifestAuthor   `json:"author,omitempty"`
	Dependencies map[string]string `json:"dependencies"`
}

type DescriptorBuilder struct {
	db        *gorm.DB
	overwrite bool
}

func NewDescriptorBuilder(db *gorm.DB, overwrite bool) *DescriptorBuilder {
	return &DescriptorBuilder{db: db, overwrite: overwrite}
}

// Build ensures dir contains a package.json and returns its contents. An
// existing manifest is kept unless the builder was configured to overwrite.
func (b *DescriptorBuilder) Build(dir string, pkg schema.Package, release schema.Release, version string) ([]byte, error) {
	manifestPath := filepath.Join(dir, "package.json")

	if !b.overwrite {
		existing, err := os.ReadFile(manifestPath)
		if err == nil {
			slog.Info("keeping uploaded package.json", logging.DESCRIPTOR.Attr(), "bundle_id", pkg.BundleId)
			return existing, nil
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error reading package.json: %w", err)
		}
	}

	deps, err := ResolveDependencies(b.db, release.Id)
	if err != nil {
		return nil, fmt.Errorf("error resolving dependencies: %w", err)
	}

	data, err := renderManifest(pkg, version, deps)
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(manifestPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("error writing package.json: %w", err)
	}
	slog.Info("generated package.json", logging.DESCRIPTOR.Attr(), "bundle_id", pkg.BundleId, "version", version, "dependencies", len(deps))
	return data, nil
}

func renderManifest(pkg schema.Package, version string, deps map[string]string) ([]byte, error) {
	manifest := packageManifest{
		Name:         pkg.BundleId,
		Version:      version,
		DisplayName:  pkg.DisplayName,
		Description:  pkg.Description,
		Keywords:     []string{"unity"},
		Dependencies: deps,
	}
	if manifest.DisplayName == "" {
		manifest.DisplayName = pkg.BundleId
	}
	if manifest.Dependencies == nil {
		manifest.Dependencies = map[string]string{}
	}
	if pkg.Scope != nil && pkg.Scope.DisplayName != "" {
		manifest.Author = &manifestAuthor{Name: pkg.Scope.DisplayName}
	}

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(manifest); err != nil {
		return nil, fmt.Errorf("error encoding package.json: %w", err)
	}
	return buf.Bytes(), nil
}
