package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"unity_registry/registry/schema"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrGeneratingJwt      = errors.New("error generating access token")
)

type contextKey string

const adminRequestContextKey contextKey = "admin"

// AdminProvider authenticates the registry administrators that publish
// packages. Package consumers are anonymous.
type AdminProvider struct {
	jwtManager *JwtManager
	db         *gorm.DB
}

type AdminProviderArgs struct {
	Secret        []byte
	AdminUsername string
	AdminPassword string
}

func NewAdminProvider(db *gorm.DB, args AdminProviderArgs) (*AdminProvider, error) {
	if args.AdminUsername != "" {
		hashedPwd, err := bcrypt.GenerateFromPassword([]byte(args.AdminPassword), 10)
		if err != nil {
			return nil, fmt.Errorf("error encrypting admin password: %w", err)
		}

		if err := addInitialAdminToDb(db, args.AdminUsername, hashedPwd); err != nil {
			return nil, fmt.Errorf("error adding inital admin to db: %w", err)
		}
	}

	return &AdminProvider{jwtManager: NewJwtManager(args.Secret), db: db}, nil
}

// The password of an existing admin is left as is so it can be rotated
// without editing the environment.
func addInitialAdminToDb(db *gorm.DB, username string, password []byte) error {
	return db.Transaction(func(txn *gorm.DB) error {
		var existing schema.Admin
		result := txn.Limit(1).Find(&existing, "username = ?", username)
		if result.Error != nil {
			slog.Error("sql error checking for existing admin", "error", result.Error)
			return schema.ErrDbAccessFailed
		}
		if result.RowsAffected != 0 {
			return nil
		}

		result = txn.Create(&schema.Admin{Username: username, Password: password})
		if result.Error != nil {
			slog.Error("sql error creating initial admin", "error", result.Error)
			return schema.ErrDbAccessFailed
		}
		slog.Info("created initial admin", "username", username)
		return nil
	})
}

func (auth *AdminProvider) Login(username, password string) (string, error) {
	admin, err := schema.GetAdmin(username, auth.db)
	if err != nil {
		if errors.Is(err, schema.ErrAdminNotFound) {
			return "", ErrInvalidCredentials
		}
		return "", err
	}

	if err := bcrypt.CompareHashAndPassword(admin.Password, []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	token, err := auth.jwtManager.CreateAdminJwt(admin.Id)
	if err != nil {
		return "", ErrGeneratingJwt
	}
	return token, nil
}

func (auth *AdminProvider) addAdminToContext() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		handler := func(w http.ResponseWriter, r *http.Request) {
			adminId, err := ValueFromContext(r, adminIdKey)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}

			id, err := strconv.ParseUint(adminId, 10, 32)
			if err != nil {
				http.Error(w, fmt.Sprintf("invalid admin id '%v': %v", adminId, err), http.StatusUnauthorized)
				return
			}

			var admin schema.Admin
			result := auth.db.Limit(1).Find(&admin, "id = ?", uint(id))
			if result.Error != nil {
				slog.Error("sql error loading admin", "admin_id", id, "error", result.Error)
				http.Error(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
				return
			}
			if result.RowsAffected == 0 {
				http.Error(w, "admin no longer exists", http.StatusUnauthorized)
				return
			}

			reqCtx := context.WithValue(r.Context(), adminRequestContextKey, admin)
			next.ServeHTTP(w, r.WithContext(reqCtx))
		}

		return http.HandlerFunc(handler)
	}
}

func (auth *AdminProvider) AuthMiddleware() chi.Middlewares {
	return chi.Middlewares{auth.jwtManager.Verifier(), auth.jwtManager.Authenticator(), auth.addAdminToContext()}
}

func AdminFromContext(r *http.Request) (schema.Admin, error) {
	admin, ok := r.Context().Value(adminRequestContextKey).(schema.Admin)
	if !ok {
		return schema.Admin{}, fmt.Errorf("admin not found in request context")
	}
	return admin, nil
}
