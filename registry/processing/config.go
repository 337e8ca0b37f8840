package processing

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

type Config struct {
	// Regenerate package.json even when the upload already carries one.
	OverwritePackageJson bool `env:"OVERWRITE_PACKAGE_JSON" envDefault:"false"`

	// Use DefaultVersionString for releases created without a version.
	GenerateDefaultVersion bool   `env:"GENERATE_DEFAULT_VERSION" envDefault:"false"`
	DefaultVersionString   string `env:"DEFAULT_VERSION" envDefault:"1.0.0"`

	// Upper bound for a single pipeline run, 0 disables it.
	Timeout time.Duration `env:"PROCESSING_TIMEOUT" envDefault:"0s"`

	// Parent directory for scratch directories, defaults to os.TempDir().
	ScratchDir string `env:"SCRATCH_DIR"`
}

func DefaultConfig() Config {
	return Config{DefaultVersionString: "1.0.0"}
}

func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("error parsing processing config: %w", err)
	}
	return cfg, nil
}

func (c Config) ResolveVersion(version string) (string, error) {
	version = strings.TrimSpace(version)
	if version != "" {
		return version, nil
	}
	if c.GenerateDefaultVersion && strings.TrimSpace(c.DefaultVersionString) != "" {
		return strings.TrimSpace(c.DefaultVersionString), nil
	}
	return "", fmt.Errorf("%w: release has no version and default versions are disabled", ErrInvalidVersion)
}
