package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unity_registry/registry/processing"
	"unity_registry/registry/schema"
	"unity_registry/registry/storage"
	"unity_registry/registry/utils"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"
)

type NpmService struct {
	db        *gorm.DB
	storage   storage.Storage
	publicUrl string
}

func (s *NpmService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/{bundle_id}", s.Packument)
	r.Get("/{bundle_id}/-/{filename}", s.Tarball)

	return r
}

func (s *NpmService) baseUrl(r *http.Request) string {
	if s.publicUrl != "" {
		return strings.TrimRight(s.publicUrl, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return fmt.Sprintf("%v://%v", scheme, r.Host)
}

type servedRelease struct {
	release  schema.Release
	artifact schema.ReleaseArtifact
}

// servedReleases lists the published releases of a package whose primary
// artifact finished processing, newest first.
func (s *NpmService) servedReleases(pkg schema.Package) ([]servedRelease, error) {
	releases, err := schema.ListReleases(pkg.Id, s.db, false)
	if err != nil {
		return nil, err
	}

	served := make([]servedRelease, 0, len(releases))
	for _, release := range releases {
		if !release.IsPublished() {
			continue
		}
		artifact, err := schema.GetPrimaryArtifact(release.Id, s.db)
		if err != nil {
			if errors.Is(err, schema.ErrArtifactNotFound) {
				continue
			}
			return nil, err
		}
		if artifact.Status != schema.Completed {
			continue
		}
		served = append(served, servedRelease{release: release, artifact: artifact})
	}
	return served, nil
}

func (s *NpmService) activePackage(r *http.Request) (schema.Package, error) {
	bundleId, err := utils.URLParam(r, "bundle_id")
	if err != nil {
		return schema.Package{}, CodedError(err, http.StatusBadRequest)
	}
	pkg, err := schema.GetPackageByBundleId(bundleId, s.db)
	if err != nil {
		return schema.Package{}, registryError(err)
	}
	if pkg.Disabled {
		return schema.Package{}, CodedError(schema.ErrPackageNotFound, http.StatusNotFound)
	}
	return pkg, nil
}

type distInfo struct {
	Tarball string `json:"tarball"`
	Shasum  string `json:"shasum"`
}

type packument struct {
	Name        string                    `json:"name"`
	Description string                    `json:"description,omitempty"`
	DistTags    map[string]string         `json:"dist-tags"`
	Versions    map[string]map[string]any `json:"versions"`
	Time        map[string]string         `json:"time"`
}

func (s *NpmService) versionEntry(pkg schema.Package, entry servedRelease, baseUrl string) (map[string]any, error) {
	doc := map[string]any{}
	if len(entry.artifact.Manifest) > 0 {
		if err := json.Unmarshal(entry.artifact.Manifest, &doc); err != nil {
			slog.Warn("ignoring unreadable manifest snapshot", "artifact_id", entry.artifact.Id, "error", err)
			doc = map[string]any{}
		}
	}

	deps := processing.ManifestDependencies(entry.artifact.Manifest)
	if len(deps) == 0 {
		resolved, err := processing.ResolveDependencies(s.db, entry.release.Id)
		if err != nil {
			return nil, err
		}
		deps = resolved
	}

	doc["name"] = pkg.BundleId
	doc["version"] = entry.release.Version
	doc["dependencies"] = deps
	if _, ok := doc["displayName"]; !ok && pkg.DisplayName != "" {
		doc["displayName"] = pkg.DisplayName
	}
	if _, ok := doc["description"]; !ok && pkg.Description != "" {
		doc["description"] = pkg.Description
	}
	doc["dist"] = distInfo{
		Tarball: fmt.Sprintf("%v/npm/%v/-/%v", baseUrl, pkg.BundleId, entry.artifact.Filename),
		Shasum:  entry.artifact.Hash,
	}
	return doc, nil
}

func (s *NpmService) Packument(w http.ResponseWriter, r *http.Request) {
	pkg, err := s.activePackage(r)
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	served, err := s.servedReleases(pkg)
	if err != nil {
		err = registryError(err)
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}
	if len(served) == 0 {
		http.Error(w, fmt.Sprintf("no published versions of %v", pkg.BundleId), http.StatusNotFound)
		return
	}

	baseUrl := s.baseUrl(r)
	doc := packument{
		Name:        pkg.BundleId,
		Description: pkg.Description,
		DistTags:    map[string]string{},
		Versions:    make(map[string]map[string]any, len(served)),
		Time:        map[string]string{},
	}

	latest := ""
	for _, entry := range served {
		version := entry.release.Version
		if _, ok := doc.Versions[version]; ok {
			continue
		}
		info, err := s.versionEntry(pkg, entry, baseUrl)
		if err != nil {
			err = registryError(err)
			http.Error(w, err.Error(), GetResponseCode(err))
			return
		}
		doc.Versions[version] = info
		doc.Time[version] = entry.release.CreatedAt.UTC().Format(time.RFC3339)
		if latest == "" || processing.CompareVersions(version, latest) > 0 {
			latest = version
		}
	}
	doc.DistTags["latest"] = latest

	utils.WriteJsonResponse(w, doc)
}

func (s *NpmService) Tarball(w http.ResponseWriter, r *http.Request) {
	pkg, err := s.activePackage(r)
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}
	filename, err := utils.URLParam(r, "filename")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var entry *servedRelease
	served, err := s.servedReleases(pkg)
	if err != nil {
		err = registryError(err)
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}
	for i := range served {
		if served[i].artifact.Filename == filename {
			entry = &served[i]
			break
		}
	}
	if entry == nil {
		http.Error(w, fmt.Sprintf("tarball %v not found", filename), http.StatusNotFound)
		return
	}

	file, err := s.storage.Read(storage.Key(entry.artifact.Path))
	if err != nil {
		slog.Error("unable to open published tarball", "artifact_id", entry.artifact.Id, "path", entry.artifact.Path, "error", err)
		http.Error(w, "unable to read tarball", http.StatusInternalServerError)
		return
	}
	defer file.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	if entry.artifact.Size > 0 {
		w.Header().Set("Content-Length", fmt.Sprint(entry.artifact.Size))
	}
	if _, err := io.Copy(w, file); err != nil {
		slog.Error("error streaming tarball", "artifact_id", entry.artifact.Id, "error", err)
	}
}
