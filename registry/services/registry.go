package services

import (
	"log"
	"net/http"
	"os"
	"unity_registry/registry/auth"
	"unity_registry/registry/processing"
	"unity_registry/registry/storage"
	"unity_registry/registry/utils"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

type Options struct {
	// Base url used in tarball links. Derived from the request when empty.
	PublicUrl  string
	DiskLimits DiskLimits
}

type PackageRegistry struct {
	admin AdminService
	npm   NpmService
}

func NewPackageRegistry(db *gorm.DB, store storage.Storage, processor *processing.Processor, adminAuth *auth.AdminProvider, opts Options) *PackageRegistry {
	return &PackageRegistry{
		admin: AdminService{
			db:        db,
			storage:   store,
			processor: processor,
			adminAuth: adminAuth,
			disk:      opts.DiskLimits,
		},
		npm: NpmService{
			db:        db,
			storage:   store,
			publicUrl: opts.PublicUrl,
		},
	}
}

func (p *PackageRegistry) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger: log.New(os.Stderr, "", log.LstdFlags), NoColor: false,
	}))

	r.Mount("/api/v1", p.admin.Routes())
	r.Mount("/npm", p.npm.Routes())

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		utils.WriteSuccess(w)
	})
	r.Handle("/metrics", promhttp.Handler())

	return r
}
