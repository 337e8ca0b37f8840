package services

import (
	"archive/zip"
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"unity_registry/registry/auth"
	"unity_registry/registry/processing"
	"unity_registry/registry/schema"
	"unity_registry/registry/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type testEnv struct {
	db     *gorm.DB
	server *httptest.Server
	token  string
}

func setupRegistry(t *testing.T) *testEnv {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "registry.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, schema.Migrate(db))

	store := storage.NewSharedDisk(t.TempDir())

	cfg := processing.DefaultConfig()
	cfg.ScratchDir = t.TempDir()
	processor := processing.NewProcessor(db, store, cfg, processing.NewLocalLocker())

	provider, err := auth.NewAdminProvider(db, auth.AdminProviderArgs{
		Secret:        []byte("test-secret"),
		AdminUsername: "admin",
		AdminPassword: "password",
	})
	require.NoError(t, err)

	registry := NewPackageRegistry(db, store, processor, provider, Options{DiskLimits: DiskLimits{}})
	server := httptest.NewServer(registry.Routes())
	t.Cleanup(server.Close)

	env := &testEnv{db: db, server: server}
	env.token = env.login(t, "admin", "password", http.StatusOK)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, contentType string, body io.Reader) *http.Response {
	req, err := http.NewRequest(method, e.server.URL+path, body)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func (e *testEnv) doJson(t *testing.T, method, path string, body any) *http.Response {
	data, err := json.Marshal(body)
	require.NoError(t, err)
	return e.do(t, method, path, "application/json", bytes.NewReader(data))
}

func decode[T any](t *testing.T, res *http.Response) T {
	var out T
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	return out
}

func (e *testEnv) login(t *testing.T, username, password string, expected int) string {
	data, err := json.Marshal(loginRequest{Username: username, Password: password})
	require.NoError(t, err)
	res, err := http.Post(e.server.URL+"/api/v1/login", "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, expected, res.StatusCode)
	if expected != http.StatusOK {
		return ""
	}
	var out loginResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	return out.AccessToken
}

func (e *testEnv) createPackage(t *testing.T, bundleId string) packageInfo {
	res := e.doJson(t, "POST", "/api/v1/packages", createPackageRequest{BundleId: bundleId, DisplayName: "Widgets", Scope: "com.example"})
	require.Equal(t, http.StatusOK, res.StatusCode)
	return decode[packageInfo](t, res)
}

func zipBytes(t *testing.T, files map[string]string) []byte {
	buf := new(bytes.Buffer)
	zw := zip.NewWriter(buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func (e *testEnv) uploadRelease(t *testing.T, bundleId, filename string, data []byte, fields map[string]string) *http.Response {
	body := new(bytes.Buffer)
	mw := multipart.NewWriter(body)
	for key, value := range fields {
		require.NoError(t, mw.WriteField(key, value))
	}
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	return e.do(t, "POST", fmt.Sprintf("/api/v1/packages/%v/releases", bundleId), mw.FormDataContentType(), body)
}

var widgetFiles = map[string]string{
	"MyPkg/Runtime/Foo.cs": "public class Foo {}",
	"MyPkg/README.md":      "# Widgets",
}

func TestLoginFailure(t *testing.T) {
	env := setupRegistry(t)
	env.login(t, "admin", "wrong", http.StatusUnauthorized)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	env := setupRegistry(t)
	env.token = ""

	res := env.doJson(t, "POST", "/api/v1/packages", createPackageRequest{BundleId: "com.example.widgets"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res = env.uploadRelease(t, "com.example.widgets", "widgets.zip", zipBytes(t, widgetFiles), map[string]string{"version": "1.0.0"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestCreatePackage(t *testing.T) {
	env := setupRegistry(t)

	pkg := env.createPackage(t, "com.example.widgets")
	assert.Equal(t, "com.example.widgets", pkg.BundleId)
	assert.Equal(t, "com.example", pkg.Scope)

	res := env.doJson(t, "POST", "/api/v1/packages", createPackageRequest{BundleId: "com.example.widgets"})
	assert.Equal(t, http.StatusConflict, res.StatusCode)

	res = env.doJson(t, "POST", "/api/v1/packages", createPackageRequest{BundleId: "Com.Example/Bad"})
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)

	var scopes int64
	require.NoError(t, env.db.Model(&schema.Scope{}).Count(&scopes).Error)
	assert.Equal(t, int64(1), scopes)
}

func TestUploadAndServe(t *testing.T) {
	env := setupRegistry(t)
	env.createPackage(t, "com.example.widgets")

	res := env.uploadRelease(t, "com.example.widgets", "widgets.zip", zipBytes(t, widgetFiles), map[string]string{
		"version":   "1.0.0",
		"changelog": "Initial release.",
	})
	require.Equal(t, http.StatusOK, res.StatusCode)
	release := decode[releaseInfo](t, res)
	require.NotNil(t, release.Artifact)
	assert.Equal(t, schema.Completed, release.Artifact.Status)
	assert.True(t, strings.HasPrefix(release.Artifact.Filename, "com.example.widgets-1.0.0-"))

	res = env.do(t, "GET", "/npm/com.example.widgets", "", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	doc := decode[packument](t, res)
	assert.Equal(t, "com.example.widgets", doc.Name)
	assert.Equal(t, "1.0.0", doc.DistTags["latest"])
	require.Contains(t, doc.Versions, "1.0.0")

	version := doc.Versions["1.0.0"]
	assert.Equal(t, "com.example.widgets", version["name"])
	dist := version["dist"].(map[string]any)
	assert.Equal(t, release.Artifact.Hash, dist["shasum"])
	tarballUrl := dist["tarball"].(string)
	assert.Equal(t, env.server.URL+"/npm/com.example.widgets/-/"+release.Artifact.Filename, tarballUrl)

	res = env.do(t, "GET", strings.TrimPrefix(tarballUrl, env.server.URL), "", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	sum := sha1.Sum(data)
	assert.Equal(t, release.Artifact.Hash, hex.EncodeToString(sum[:]))

	res = env.do(t, "GET", "/npm/com.example.widgets/-/missing.tgz", "", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res = env.do(t, "GET", "/api/v1/packages/com.example.widgets", "", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	info := decode[packageInfo](t, res)
	require.Len(t, info.Releases, 1)
	assert.Equal(t, "1.0.0", info.Releases[0].Version)
}

func TestDuplicateReleaseVersion(t *testing.T) {
	env := setupRegistry(t)
	env.createPackage(t, "com.example.widgets")

	res := env.uploadRelease(t, "com.example.widgets", "widgets.zip", zipBytes(t, widgetFiles), map[string]string{"version": "1.0.0"})
	require.Equal(t, http.StatusOK, res.StatusCode)

	res = env.uploadRelease(t, "com.example.widgets", "widgets.zip", zipBytes(t, widgetFiles), map[string]string{"version": "1.0.0"})
	assert.Equal(t, http.StatusConflict, res.StatusCode)
}

func TestUploadUnknownPackage(t *testing.T) {
	env := setupRegistry(t)

	res := env.uploadRelease(t, "com.example.missing", "widgets.zip", zipBytes(t, widgetFiles), map[string]string{"version": "1.0.0"})
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestUploadUnsupportedFormat(t *testing.T) {
	env := setupRegistry(t)
	env.createPackage(t, "com.example.widgets")

	res := env.uploadRelease(t, "com.example.widgets", "notes.txt", []byte("just some text"), map[string]string{"version": "1.0.0"})
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)

	res = env.do(t, "GET", "/npm/com.example.widgets", "", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestUnpublishedReleasesAreHidden(t *testing.T) {
	env := setupRegistry(t)
	env.createPackage(t, "com.example.widgets")

	res := env.uploadRelease(t, "com.example.widgets", "widgets.zip", zipBytes(t, widgetFiles), map[string]string{"version": "1.0.0"})
	require.Equal(t, http.StatusOK, res.StatusCode)
	first := decode[releaseInfo](t, res)

	res = env.uploadRelease(t, "com.example.widgets", "widgets.zip", zipBytes(t, widgetFiles), map[string]string{"version": "1.2.0", "status": schema.ReleaseUnpublished})
	require.Equal(t, http.StatusOK, res.StatusCode)
	second := decode[releaseInfo](t, res)
	assert.False(t, second.Published)

	res = env.do(t, "GET", "/npm/com.example.widgets", "", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	doc := decode[packument](t, res)
	assert.Len(t, doc.Versions, 1)
	assert.Equal(t, "1.0.0", doc.DistTags["latest"])

	res = env.do(t, "GET", "/npm/com.example.widgets/-/"+second.Artifact.Filename, "", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res = env.doJson(t, "POST", fmt.Sprintf("/api/v1/releases/%d/status", second.Id), releaseStatusRequest{Status: schema.ReleasePublished})
	require.Equal(t, http.StatusOK, res.StatusCode)

	res = env.do(t, "GET", "/npm/com.example.widgets", "", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	doc = decode[packument](t, res)
	assert.Len(t, doc.Versions, 2)
	assert.Equal(t, "1.2.0", doc.DistTags["latest"])

	res = env.doJson(t, "POST", fmt.Sprintf("/api/v1/releases/%d/status", first.Id), releaseStatusRequest{Status: "archived"})
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
}

func TestDisabledPackageIsHidden(t *testing.T) {
	env := setupRegistry(t)
	env.createPackage(t, "com.example.widgets")

	res := env.uploadRelease(t, "com.example.widgets", "widgets.zip", zipBytes(t, widgetFiles), map[string]string{"version": "1.0.0"})
	require.Equal(t, http.StatusOK, res.StatusCode)

	require.NoError(t, env.db.Model(&schema.Package{}).Where("bundle_id = ?", "com.example.widgets").Update("disabled", true).Error)

	res = env.do(t, "GET", "/npm/com.example.widgets", "", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestReleaseDependenciesInPackument(t *testing.T) {
	env := setupRegistry(t)
	env.createPackage(t, "com.example.widgets")

	deps := `[{"bundle_id": "com.unity.textmeshpro", "version": "3.0.6"}]`
	res := env.uploadRelease(t, "com.example.widgets", "widgets.zip", zipBytes(t, widgetFiles), map[string]string{"version": "1.0.0", "dependencies": deps})
	require.Equal(t, http.StatusOK, res.StatusCode)

	res = env.do(t, "GET", "/npm/com.example.widgets", "", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	doc := decode[packument](t, res)
	assert.Equal(t, map[string]any{"com.unity.textmeshpro": "3.0.6"}, doc.Versions["1.0.0"]["dependencies"])

	res = env.uploadRelease(t, "com.example.widgets", "widgets.zip", zipBytes(t, widgetFiles), map[string]string{"version": "1.0.1", "dependencies": `[{"version": "1.0.0"}]`})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestReprocessEndpoints(t *testing.T) {
	env := setupRegistry(t)
	env.createPackage(t, "com.example.widgets")

	res := env.uploadRelease(t, "com.example.widgets", "widgets.zip", zipBytes(t, widgetFiles), map[string]string{"version": "1.0.0"})
	require.Equal(t, http.StatusOK, res.StatusCode)
	release := decode[releaseInfo](t, res)

	res = env.do(t, "POST", fmt.Sprintf("/api/v1/releases/%d/reprocess", release.Id), "", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	reprocessed := decode[releaseInfo](t, res)
	assert.Equal(t, release.Id, reprocessed.Id)
	require.NotNil(t, reprocessed.Artifact)
	assert.Equal(t, schema.Completed, reprocessed.Artifact.Status)

	res = env.do(t, "POST", fmt.Sprintf("/api/v1/releases/%d/reprocess-as-new", release.Id), "", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	copied := decode[releaseInfo](t, res)
	assert.NotEqual(t, release.Id, copied.Id)
	assert.Equal(t, "1.0.1", copied.Version)
	require.NotNil(t, copied.Artifact)
	assert.Equal(t, schema.Completed, copied.Artifact.Status)

	res = env.do(t, "GET", "/npm/com.example.widgets", "", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	doc := decode[packument](t, res)
	assert.Equal(t, "1.0.1", doc.DistTags["latest"])

	res = env.do(t, "POST", "/api/v1/releases/9999/reprocess", "", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestInsufficientStorage(t *testing.T) {
	store := storage.NewSharedDisk(t.TempDir())
	err := checkDiskUsage(store, DiskLimits{MinFreeFraction: 1.1, MinFreeBytes: ^uint64(0)})
	require.Error(t, err)
	assert.Equal(t, http.StatusInsufficientStorage, GetResponseCode(err))

	assert.NoError(t, checkDiskUsage(store, DiskLimits{}))
}

func TestHealthAndMetrics(t *testing.T) {
	env := setupRegistry(t)

	res := env.do(t, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res = env.do(t, "GET", "/metrics", "", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestUploadWithoutVersion(t *testing.T) {
	env := setupRegistry(t)
	env.createPackage(t, "com.example.widgets")

	res := env.uploadRelease(t, "com.example.widgets", "widgets.zip", zipBytes(t, widgetFiles), map[string]string{"version": "  "})
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)

	var count int64
	require.NoError(t, env.db.Model(&schema.Release{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}
