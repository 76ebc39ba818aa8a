package internal

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/jmw-nz/hoard/internal/channel"
	"github.com/jmw-nz/hoard/internal/crawler"
	"github.com/jmw-nz/hoard/internal/database"
	"github.com/jmw-nz/hoard/internal/downloader"
	"github.com/jmw-nz/hoard/internal/policy"
	"github.com/jmw-nz/hoard/internal/progress"
	"github.com/jmw-nz/hoard/internal/resume"
)

// HoardConfig is the struct used to contain the various user config
// supplied by file, or manually inside the code.
type HoardConfig struct {
	Concurrent ConcurrentConfig        `yaml:"concurrency"`
	Services   ServiceConfig           `yaml:"docker_services"`
	Database   database.DatabaseConfig `yaml:"database" env-required:"true"`
	ChannelAPI channel.Config          `yaml:"channel_api" env-required:"true"`
	Crawler    crawler.Config          `yaml:"crawler" env-required:"true"`
	Downloader downloader.Config       `yaml:"downloader" env-required:"true"`
	Policy     policy.Policy           `yaml:"policy"`
	Resume     resume.Config           `yaml:"resume"`
	Progress   progress.Config         `yaml:"progress"`
}

// ConcurrentConfig bounds the two independent resource pools of the
// pipeline. Downloads are I/O-bound and transcodes CPU-bound, so they
// scale separately.
type ConcurrentConfig struct {
	Downloads  int `yaml:"download_threads" env:"CONCURRENCY_DOWNLOAD_THREADS" env-default:"5" validate:"min=1"`
	Transcodes int `yaml:"transcode_threads" env:"CONCURRENCY_TRANSCODE_THREADS" env-default:"2" validate:"min=1"`
}

// ServiceConfig is used to enable/disable the internal initialisation of
// supporting services for Hoard. By default these are enabled so that
// Hoard will initialise them automatically.
type ServiceConfig struct {
	EnablePostgres bool `yaml:"enable_postgres" env:"SERVICE_ENABLE_POSTGRES" env-default:"true"`
}

// LoadFromFile loads a YAML configuration file into a HoardConfig,
// layering environment variables on top, and validates the result.
func (config *HoardConfig) LoadFromFile(configPath string) error {
	if err := cleanenv.ReadConfig(configPath, config); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validator.New().Struct(config); err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	return nil
}
