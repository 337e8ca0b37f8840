package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unity_registry/registry/auth"
	"unity_registry/registry/processing"
	"unity_registry/registry/schema"
	"unity_registry/registry/storage"
	"unity_registry/registry/utils"
	"unity_registry/utils/logging"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"gorm.io/gorm"
)

var bundleIdRe = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

const maxUploadMemory = 32 << 20

type AdminService struct {
	db        *gorm.DB
	storage   storage.Storage
	processor *processing.Processor
	adminAuth *auth.AdminProvider
	disk      DiskLimits
}

func (s *AdminService) Routes() chi.Router {
	r := chi.NewRouter()

	r.With(httprate.LimitByIP(10, time.Minute)).Post("/login", s.Login)

	r.Group(func(r chi.Router) {
		r.Use(s.adminAuth.AuthMiddleware()...)

		r.Post("/packages", s.CreatePackage)
		r.Get("/packages/{bundle_id}", s.GetPackage)
		r.With(checkSufficientStorage(s.storage, s.disk)).Post("/packages/{bundle_id}/releases", s.CreateRelease)

		r.Post("/releases/{release_id}/status", s.SetReleaseStatus)
		r.With(checkSufficientStorage(s.storage, s.disk)).Post("/releases/{release_id}/reprocess", s.Reprocess)
		r.With(checkSufficientStorage(s.storage, s.disk)).Post("/releases/{release_id}/reprocess-as-new", s.ReprocessAsNew)
	})

	return r
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
}

func (s *AdminService) Login(w http.ResponseWriter, r *http.Request) {
	var params loginRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	token, err := s.adminAuth.Login(params.Username, params.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		http.Error(w, fmt.Sprintf("login failed: %v", err), http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, loginResponse{AccessToken: token})
}

type createPackageRequest struct {
	BundleId         string `json:"bundle_id"`
	DisplayName      string `json:"display_name"`
	Description      string `json:"description"`
	Scope            string `json:"scope"`
	ScopeDisplayName string `json:"scope_display_name"`
}

type packageInfo struct {
	Id          uint          `json:"id"`
	BundleId    string        `json:"bundle_id"`
	DisplayName string        `json:"display_name"`
	Description string        `json:"description"`
	Scope       string        `json:"scope,omitempty"`
	Disabled    bool          `json:"disabled"`
	CreatedAt   time.Time     `json:"created_at"`
	Releases    []releaseInfo `json:"releases,omitempty"`
}

func convertToPackageInfo(pkg schema.Package) packageInfo {
	info := packageInfo{
		Id:          pkg.Id,
		BundleId:    pkg.BundleId,
		DisplayName: pkg.DisplayName,
		Description: pkg.Description,
		Disabled:    pkg.Disabled,
		CreatedAt:   pkg.CreatedAt,
	}
	if pkg.Scope != nil {
		info.Scope = pkg.Scope.Name
	}
	return info
}

func (s *AdminService) CreatePackage(w http.ResponseWriter, r *http.Request) {
	var params createPackageRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	params.BundleId = strings.TrimSpace(params.BundleId)
	if !bundleIdRe.MatchString(params.BundleId) {
		http.Error(w, fmt.Sprintf("invalid bundle id '%v', must be lowercase alphanumeric with '.', '_' or '-'", params.BundleId), http.StatusUnprocessableEntity)
		return
	}

	pkg := schema.Package{
		BundleId:    params.BundleId,
		DisplayName: params.DisplayName,
		Description: params.Description,
		Status:      schema.PackageActive,
	}

	err := s.db.Transaction(func(txn *gorm.DB) error {
		var count int64
		if err := txn.Model(&schema.Package{}).Where("bundle_id = ?", pkg.BundleId).Count(&count).Error; err != nil {
			slog.Error("sql error checking for duplicate package", "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if count != 0 {
			return CodedError(fmt.Errorf("package %v already exists", pkg.BundleId), http.StatusConflict)
		}

		if params.Scope != "" {
			var scope schema.Scope
			attrs := schema.Scope{Name: params.Scope, DisplayName: params.ScopeDisplayName}
			if err := txn.Where("name = ?", params.Scope).Attrs(attrs).FirstOrCreate(&scope).Error; err != nil {
				slog.Error("sql error creating scope", "error", err)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}
			pkg.ScopeId = &scope.Id
			pkg.Scope = &scope
		}

		if err := txn.Omit("Scope").Create(&pkg).Error; err != nil {
			slog.Error("sql error creating package", "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		http.Error(w, fmt.Sprintf("unable to create package: %v", err), GetResponseCode(err))
		return
	}

	slog.Info("created package", logging.UPLOAD.Attr(), "bundle_id", pkg.BundleId, "package_id", pkg.Id)
	utils.WriteJsonResponse(w, convertToPackageInfo(pkg))
}

func (s *AdminService) GetPackage(w http.ResponseWriter, r *http.Request) {
	bundleId, err := utils.URLParam(r, "bundle_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	pkg, err := schema.GetPackageByBundleId(bundleId, s.db)
	if err != nil {
		err = registryError(err)
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	releases, err := schema.ListReleases(pkg.Id, s.db, false)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	info := convertToPackageInfo(pkg)
	info.Releases = make([]releaseInfo, 0, len(releases))
	for _, release := range releases {
		artifact, err := s.primaryArtifact(release.Id)
		if err != nil {
			http.Error(w, err.Error(), GetResponseCode(err))
			return
		}
		info.Releases = append(info.Releases, convertToReleaseInfo(pkg.BundleId, release, artifact))
	}

	utils.WriteJsonResponse(w, info)
}

type artifactInfo struct {
	Id               uint      `json:"id"`
	Status           string    `json:"status"`
	OriginalFilename string    `json:"original_filename"`
	Filename         string    `json:"filename,omitempty"`
	Hash             string    `json:"shasum,omitempty"`
	Size             int64     `json:"size"`
	UploadedAt       time.Time `json:"uploaded_at"`
}

type releaseInfo struct {
	Id        uint          `json:"id"`
	BundleId  string        `json:"bundle_id"`
	Version   string        `json:"version"`
	Channel   string        `json:"channel,omitempty"`
	Published bool          `json:"published"`
	Changelog string        `json:"changelog,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	Artifact  *artifactInfo `json:"artifact,omitempty"`
}

func convertToArtifactInfo(artifact schema.ReleaseArtifact) *artifactInfo {
	return &artifactInfo{
		Id:               artifact.Id,
		Status:           artifact.Status,
		OriginalFilename: artifact.OriginalFilename,
		Filename:         artifact.Filename,
		Hash:             artifact.Hash,
		Size:             artifact.Size,
		UploadedAt:       artifact.UploadedAt,
	}
}

func convertToReleaseInfo(bundleId string, release schema.Release, artifact *schema.ReleaseArtifact) releaseInfo {
	info := releaseInfo{
		Id:        release.Id,
		BundleId:  bundleId,
		Version:   release.Version,
		Channel:   release.Channel,
		Published: release.IsPublished(),
		Changelog: release.Changelog,
		CreatedAt: release.CreatedAt,
	}
	if artifact != nil {
		info.Artifact = convertToArtifactInfo(*artifact)
	}
	return info
}

func (s *AdminService) primaryArtifact(releaseId uint) (*schema.ReleaseArtifact, error) {
	artifact, err := schema.GetPrimaryArtifact(releaseId, s.db)
	if err != nil {
		if errors.Is(err, schema.ErrArtifactNotFound) {
			return nil, nil
		}
		return nil, CodedError(err, http.StatusInternalServerError)
	}
	return &artifact, nil
}

type dependencyRequest struct {
	BundleId  string `json:"bundle_id"`
	Version   string `json:"version"`
	ReleaseId *uint  `json:"release_id"`
	External  string `json:"external"`
}

func parseReleaseStatus(value string) (*string, error) {
	switch value {
	case "":
		return nil, nil
	case schema.ReleasePublished, schema.ReleaseUnpublished:
		return &value, nil
	}
	return nil, CodedError(fmt.Errorf("invalid release status '%v', must be '%v' or '%v'", value, schema.ReleasePublished, schema.ReleaseUnpublished), http.StatusUnprocessableEntity)
}

func parseDependencies(value string) ([]dependencyRequest, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	var deps []dependencyRequest
	if err := json.Unmarshal([]byte(value), &deps); err != nil {
		return nil, CodedError(fmt.Errorf("invalid dependencies: %w", err), http.StatusBadRequest)
	}
	for _, dep := range deps {
		if dep.BundleId == "" && dep.ReleaseId == nil && dep.External == "" {
			return nil, CodedError(errors.New("each dependency needs a bundle_id, release_id or external reference"), http.StatusBadRequest)
		}
	}
	return deps, nil
}

func (s *AdminService) createRelease(pkg schema.Package, release *schema.Release, deps []dependencyRequest) error {
	return s.db.Transaction(func(txn *gorm.DB) error {
		var count int64
		if err := txn.Model(&schema.Release{}).Where("package_id = ? AND version = ?", pkg.Id, release.Version).Count(&count).Error; err != nil {
			slog.Error("sql error checking for duplicate release", "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if count != 0 {
			return CodedError(fmt.Errorf("release %v of %v already exists", release.Version, pkg.BundleId), http.StatusConflict)
		}

		if err := txn.Create(release).Error; err != nil {
			slog.Error("sql error creating release", "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		for _, dep := range deps {
			if dep.ReleaseId != nil {
				if _, err := schema.GetRelease(*dep.ReleaseId, txn, false); err != nil {
					return registryError(fmt.Errorf("dependency release %d: %w", *dep.ReleaseId, err))
				}
			}
			row := schema.PackageDependency{
				ReleaseId:          release.Id,
				DependsOnReleaseId: dep.ReleaseId,
				External:           dep.External,
				BundleId:           dep.BundleId,
				Version:            dep.Version,
			}
			if err := txn.Create(&row).Error; err != nil {
				slog.Error("sql error creating dependency", "error", err)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}
		}
		return nil
	})
}

func (s *AdminService) CreateRelease(w http.ResponseWriter, r *http.Request) {
	bundleId, err := utils.URLParam(r, "bundle_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		http.Error(w, fmt.Sprintf("error parsing multipart form: %v", err), http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, fmt.Sprintf("missing upload file: %v", err), http.StatusBadRequest)
		return
	}
	defer file.Close()

	status, err := parseReleaseStatus(r.FormValue("status"))
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}
	deps, err := parseDependencies(r.FormValue("dependencies"))
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	pkg, err := schema.GetPackageByBundleId(bundleId, s.db)
	if err != nil {
		err = registryError(err)
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	version, err := s.processor.ResolveVersion(r.FormValue("version"))
	if err != nil {
		err = registryError(err)
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	release := schema.Release{
		PackageId: pkg.Id,
		Version:   version,
		Channel:   r.FormValue("channel"),
		Status:    status,
		Changelog: processing.FormatChangelog(strings.TrimSpace(r.FormValue("changelog"))),
	}
	if err := s.createRelease(pkg, &release, deps); err != nil {
		http.Error(w, fmt.Sprintf("unable to create release: %v", err), GetResponseCode(err))
		return
	}

	slog.Info("processing upload", logging.UPLOAD.Attr(), "bundle_id", pkg.BundleId, "release_id", release.Id, "filename", header.Filename, "size", header.Size)

	artifact, err := s.processor.Upload(context.WithoutCancel(r.Context()), release.Id, header.Filename, file)
	if err != nil {
		err = registryError(err)
		http.Error(w, fmt.Sprintf("release %d created but processing failed: %v", release.Id, err), GetResponseCode(err))
		return
	}

	if updated, err := schema.GetRelease(release.Id, s.db, false); err == nil {
		release = updated
	}
	utils.WriteJsonResponse(w, convertToReleaseInfo(pkg.BundleId, release, &artifact))
}

type releaseStatusRequest struct {
	Status string `json:"status"`
}

func (s *AdminService) SetReleaseStatus(w http.ResponseWriter, r *http.Request) {
	releaseId, err := utils.URLParamUint(r, "release_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params releaseStatusRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}
	if params.Status == "" {
		http.Error(w, "status must be specified", http.StatusUnprocessableEntity)
		return
	}
	status, err := parseReleaseStatus(params.Status)
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	if _, err := schema.GetRelease(releaseId, s.db, false); err != nil {
		err = registryError(err)
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	if err := s.db.Model(&schema.Release{}).Where("id = ?", releaseId).Update("status", *status).Error; err != nil {
		slog.Error("sql error updating release status", "release_id", releaseId, "error", err)
		http.Error(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	utils.WriteSuccess(w)
}

func (s *AdminService) releaseResponse(releaseId uint) (releaseInfo, error) {
	release, err := schema.GetRelease(releaseId, s.db, false)
	if err != nil {
		return releaseInfo{}, registryError(err)
	}
	pkg, err := schema.GetPackage(release.PackageId, s.db)
	if err != nil {
		return releaseInfo{}, registryError(err)
	}
	artifact, err := s.primaryArtifact(release.Id)
	if err != nil {
		return releaseInfo{}, err
	}
	return convertToReleaseInfo(pkg.BundleId, release, artifact), nil
}

func (s *AdminService) Reprocess(w http.ResponseWriter, r *http.Request) {
	releaseId, err := utils.URLParamUint(r, "release_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	slog.Info("reprocess requested", logging.REPROCESS.Attr(), "release_id", releaseId)

	if _, err := s.processor.Reprocess(context.WithoutCancel(r.Context()), releaseId); err != nil {
		err = registryError(err)
		http.Error(w, fmt.Sprintf("reprocessing failed: %v", err), GetResponseCode(err))
		return
	}

	info, err := s.releaseResponse(releaseId)
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}
	utils.WriteJsonResponse(w, info)
}

func (s *AdminService) ReprocessAsNew(w http.ResponseWriter, r *http.Request) {
	releaseId, err := utils.URLParamUint(r, "release_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	slog.Info("reprocess as new release requested", logging.REPROCESS.Attr(), "release_id", releaseId)

	release, _, err := s.processor.ReprocessAsNewRelease(context.WithoutCancel(r.Context()), releaseId)
	if err != nil {
		err = registryError(err)
		if release.Id != 0 {
			http.Error(w, fmt.Sprintf("release %d created but processing failed: %v", release.Id, err), GetResponseCode(err))
			return
		}
		http.Error(w, fmt.Sprintf("reprocessing failed: %v", err), GetResponseCode(err))
		return
	}

	info, err := s.releaseResponse(release.Id)
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}
	utils.WriteJsonResponse(w, info)
}
