package auth_test

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"unity_registry/registry/auth"
	"unity_registry/registry/schema"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupProvider(t *testing.T) (*auth.AdminProvider, *gorm.DB) {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "registry.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, schema.Migrate(db))

	provider, err := auth.NewAdminProvider(db, auth.AdminProviderArgs{
		Secret:        []byte("test-secret"),
		AdminUsername: "admin",
		AdminPassword: "password",
	})
	require.NoError(t, err)
	return provider, db
}

func TestLogin(t *testing.T) {
	provider, _ := setupProvider(t)

	token, err := provider.Login("admin", "password")
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	_, err = provider.Login("admin", "wrong")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)

	_, err = provider.Login("nobody", "password")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestInitialAdminIsCreatedOnce(t *testing.T) {
	_, db := setupProvider(t)

	_, err := auth.NewAdminProvider(db, auth.AdminProviderArgs{
		Secret:        []byte("test-secret"),
		AdminUsername: "admin",
		AdminPassword: "changed",
	})
	require.NoError(t, err)

	var count int64
	require.NoError(t, db.Model(&schema.Admin{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestAuthMiddleware(t *testing.T) {
	provider, _ := setupProvider(t)

	r := chi.NewRouter()
	r.With(provider.AuthMiddleware()...).Get("/private", func(w http.ResponseWriter, r *http.Request) {
		admin, err := auth.AdminFromContext(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Write([]byte(admin.Username))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/private", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := provider.Login("admin", "password")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/private", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "admin", w.Body.String())

	other := auth.NewJwtManager([]byte("other-secret"))
	forged, err := other.CreateAdminJwt(1)
	require.NoError(t, err)

	req = httptest.NewRequest(http.MethodGet, "/private", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
