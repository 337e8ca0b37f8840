package processing

import (
	"fmt"
	"regexp"
	"strings"
	"unity_registry/registry/schema"

	"gorm.io/gorm"
)

// Accepts "name@1.2.3", "name:1.2.3", "name 1.2.3" and "\"name\": \"1.2.3\"".
var externalDependencyRe = regexp.MustCompile(`^\s*"?([A-Za-z0-9][A-Za-z0-9._-]*)"?\s*(?:@|:|\s)\s*"?([^"\s,]+)"?\s*,?\s*$`)

func parseExternalDependency(text string) (string, string, bool) {
	match := externalDependencyRe.FindStringSubmatch(text)
	if match == nil {
		return "", "", false
	}
	return match[1], match[2], true
}

// collectDependencies builds a bundle id to version map. Explicit pairs win
// over relational links, which win over free text references.
func collectDependencies(rows []schema.PackageDependency) map[string]string {
	deps := make(map[string]string)

	for _, row := range rows {
		if bundleId := strings.TrimSpace(row.BundleId); bundleId != "" {
			deps[bundleId] = strings.TrimSpace(row.Version)
		}
	}

	for _, row := range rows {
		if strings.TrimSpace(row.BundleId) != "" || row.DependsOnRelease == nil || row.DependsOnRelease.Package == nil {
			continue
		}
		bundleId := row.DependsOnRelease.Package.BundleId
		if _, ok := deps[bundleId]; !ok && bundleId != "" {
			deps[bundleId] = row.DependsOnRelease.Version
		}
	}

	for _, row := range rows {
		if strings.TrimSpace(row.BundleId) != "" || row.DependsOnRelease != nil || row.External == "" {
			continue
		}
		name, version, ok := parseExternalDependency(row.External)
		if !ok {
			continue
		}
		if _, exists := deps[name]; !exists {
			deps[name] = version
		}
	}

	return deps
}

func hasExplicitDependency(rows []schema.PackageDependency) bool {
	for _, row := range rows {
		if strings.TrimSpace(row.BundleId) != "" {
			return true
		}
	}
	return false
}

// ResolveDependencies returns the dependency map for a release. A release
// with no dependencies of its own inherits the full set from the nearest
// older release of the same package that declares explicit ones. The result
// is never nil.
func ResolveDependencies(db *gorm.DB, releaseId uint) (map[string]string, error) {
	release, err := schema.GetRelease(releaseId, db, true)
	if err != nil {
		return nil, err
	}

	deps := collectDependencies(release.Dependencies)
	if len(deps) > 0 {
		return deps, nil
	}

	releases, err := schema.ListReleases(release.PackageId, db, true)
	if err != nil {
		return nil, err
	}

	current := -1
	for i, r := range releases {
		if r.Id == release.Id {
			current = i
			break
		}
	}
	if current < 0 {
		return nil, fmt.Errorf("release %d missing from package %d history", release.Id, release.PackageId)
	}

	for _, ancestor := range releases[current+1:] {
		if hasExplicitDependency(ancestor.Dependencies) {
			return collectDependencies(ancestor.Dependencies), nil
		}
	}
	return deps, nil
}
