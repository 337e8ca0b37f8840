package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"unity_registry/registry/auth"
	"unity_registry/registry/processing"
	"unity_registry/registry/schema"
	"unity_registry/registry/services"
	"unity_registry/registry/storage"
	"unity_registry/utils/logging"

	"github.com/caarlos0/env/v10"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type registryEnv struct {
	ShareDir  string `env:"SHARE_DIR,required"`
	JwtSecret string `env:"JWT_SECRET,required"`

	AdminUsername string `env:"ADMIN_USERNAME" envDefault:"admin"`
	AdminPassword string `env:"ADMIN_PASSWORD,required"`

	DbDriver    string `env:"DB_DRIVER" envDefault:"sqlite"`
	DatabaseUri string `env:"DATABASE_URI"`

	// Enables the cross process release lock when set.
	RedisUrl string `env:"REDIS_URL"`

	PublicUrl     string   `env:"PUBLIC_URL"`
	AllowedOrigin []string `env:"ALLOWED_ORIGINS" envDefault:"*"`

	LogFile   string `env:"LOG_FILE"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`

	Processing processing.Config
}

func loadEnvFile(envFile string) {
	slog.Info(fmt.Sprintf("loading env from file %v", envFile))
	err := godotenv.Load(envFile)
	if err != nil {
		log.Fatalf("error loading .env file '%v': %v", envFile, err)
	}
}

/**
 * ==========================================================================
 * ==== All variables used by the registry must be loaded here. This is  ====
 * ==== to make the data flow clear so that a user can see what          ====
 * ==== variables are exposed, and how the values are propagated through ====
 * ==== the system.                                                      ====
 * ==========================================================================
 */
func loadEnv() registryEnv {
	var cfg registryEnv
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error loading env: %v", err)
	}

	if cfg.DbDriver != "sqlite" && cfg.DbDriver != "postgres" {
		log.Fatalf("DB_DRIVER must be 'sqlite' or 'postgres', got '%v'", cfg.DbDriver)
	}
	if cfg.DbDriver == "postgres" && cfg.DatabaseUri == "" {
		log.Fatal("DATABASE_URI must be specified when DB_DRIVER is 'postgres'")
	}
	if cfg.DbDriver == "sqlite" && cfg.DatabaseUri == "" {
		cfg.DatabaseUri = filepath.Join(cfg.ShareDir, "registry.db")
	}
	if cfg.LogFile == "" {
		cfg.LogFile = filepath.Join(cfg.ShareDir, "logs/package_registry.log")
	}

	return cfg
}

func (env *registryEnv) postgresDsn() string {
	parts, err := url.Parse(env.DatabaseUri)
	if err != nil {
		log.Fatalf("error parsing db uri: %v", err)
	}
	pwd, _ := parts.User.Password()
	dbname := strings.TrimPrefix(parts.Path, "/")
	return fmt.Sprintf("host=%v user=%v password=%v dbname=%v port=%v", parts.Hostname(), parts.User.Username(), pwd, dbname, parts.Port())
}

func initLogging(logFile *os.File, format, level string) {
	out := io.MultiWriter(logFile, os.Stderr)
	log.SetFlags(log.Lshortfile | log.Ltime | log.Ldate)
	log.SetOutput(out)
	slog.SetDefault(slog.New(logging.NewHandler(out, format, logging.ParseLevel(level))))
	slog.Info("logging initialized", logging.SYSTEM.Attr(), "log_file", logFile.Name())
}

func initDb(env registryEnv) *gorm.DB {
	var dialector gorm.Dialector
	if env.DbDriver == "postgres" {
		dialector = postgres.Open(env.postgresDsn())
	} else {
		dialector = sqlite.Open(env.DatabaseUri)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		log.Fatalf("error opening database connection: %v", err)
	}

	if err := schema.Migrate(db); err != nil {
		log.Fatalf("error migrating db schema: %v", err)
	}

	return db
}

func initLocker(env registryEnv) processing.Locker {
	if env.RedisUrl == "" {
		return processing.NewLocalLocker()
	}
	locker, err := processing.NewRedisLocker(env.RedisUrl)
	if err != nil {
		log.Fatalf("error connecting to redis: %v", err)
	}
	slog.Info("using redis release locks", logging.SYSTEM.Attr())
	return locker
}

func main() {
	envFile := flag.String("env", "", "File to load env variables from. If not specified will just load them from the environment variables already defined.")
	port := flag.Int("port", 8000, "Port to run server on")

	flag.Parse()

	if *envFile != "" {
		loadEnvFile(*envFile)
	}
	env := loadEnv()

	err := os.MkdirAll(filepath.Dir(env.LogFile), 0777)
	if err != nil {
		log.Fatalf("error creating log dir: %v", err)
	}

	logFile, err := os.OpenFile(env.LogFile, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer logFile.Close()

	initLogging(logFile, env.LogFormat, env.LogLevel)

	db := initDb(env)

	sharedStorage := storage.NewSharedDisk(env.ShareDir)

	locker := initLocker(env)
	if closer, ok := locker.(io.Closer); ok {
		defer closer.Close()
	}

	processor := processing.NewProcessor(db, sharedStorage, env.Processing, locker)

	adminAuth, err := auth.NewAdminProvider(db, auth.AdminProviderArgs{
		Secret:        []byte(env.JwtSecret),
		AdminUsername: env.AdminUsername,
		AdminPassword: env.AdminPassword,
	})
	if err != nil {
		log.Fatalf("error creating admin provider: %v", err)
	}

	registry := services.NewPackageRegistry(db, sharedStorage, processor, adminAuth, services.Options{
		PublicUrl:  env.PublicUrl,
		DiskLimits: services.DefaultDiskLimits(),
	})

	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   env.AllowedOrigin,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Mount("/", registry.Routes())

	slog.Info("starting server", logging.SYSTEM.Attr(), "port", *port)
	err = http.ListenAndServe(fmt.Sprintf(":%d", *port), r)
	if err != nil {
		log.Fatalf("listen and serve returned error: %v", err.Error())
	}
}
