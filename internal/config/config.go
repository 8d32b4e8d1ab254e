// Package config defines the ingestor's configuration surface and loads it
// via the shared viper-backed loader.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	bspconfig "github.com/hmcts/bulk-scan-processor/pkg/config"
	"github.com/hmcts/bulk-scan-processor/pkg/database/postgresdb"
)

var validate = validator.New()

// IngestorConfig is the root configuration for the ingestion service.
type IngestorConfig struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Blob      BlobConfig      `mapstructure:"blob"`
	Document  DocumentConfig  `mapstructure:"document"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Signature SignatureConfig `mapstructure:"signature"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`

	// Jurisdictions maps each input container name to its expected
	// jurisdiction short code.
	Jurisdictions map[string]string `mapstructure:"jurisdictions" validate:"required,min=1"`
	// TestContainers lists containers whose archives are test fixtures;
	// notifications for these carry testOnly=true.
	TestContainers []string `mapstructure:"test_containers"`
	// MaxUploadFailures bounds the upload-failure counter above which an
	// envelope is left for operator attention. Defaults to 5 when zero.
	MaxUploadFailures int `mapstructure:"max_upload_failures"`
}

// DatabaseConfig configures the PostgreSQL connection backing the store.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url" validate:"required"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// BlobConfig configures the Blob Store Gateway and input containers.
type BlobConfig struct {
	Endpoint          string        `mapstructure:"endpoint"`
	Region            string        `mapstructure:"region"`
	LeaseTable        string        `mapstructure:"lease_table" validate:"required"`
	LeaseTTL          time.Duration `mapstructure:"lease_ttl"`
	ProcessingDelay   time.Duration `mapstructure:"processing_delay"`
}

// DocumentConfig configures the downstream document store the uploader
// submits PDFs to.
type DocumentConfig struct {
	Endpoint      string `mapstructure:"endpoint" validate:"required"`
	Bucket        string `mapstructure:"bucket" validate:"required"`
	PublicBaseURL string `mapstructure:"public_base_url" validate:"required"`
	AccessKey     string `mapstructure:"access_key"`
	SecretKey     string `mapstructure:"secret_key"`
	UseSSL        bool   `mapstructure:"use_ssl"`
}

// NotifyConfig configures the Error Notifier's message bus.
type NotifyConfig struct {
	QueueURL string `mapstructure:"queue_url" validate:"required"`
}

// SignatureConfig configures the Signed-ZIP Verifier.
type SignatureConfig struct {
	Algorithm     string `mapstructure:"algorithm" validate:"required,oneof=sha256withrsa none"`
	PublicKeyFile string `mapstructure:"public_key_file"`
}

// ScheduleConfig carries the fixed delays between ticks for each driver.
type ScheduleConfig struct {
	IngestionDelay time.Duration `mapstructure:"ingestion_delay"`
	UploadDelay    time.Duration `mapstructure:"upload_delay"`
	SweepDelay     time.Duration `mapstructure:"sweep_delay"`
	SweepGrace     time.Duration `mapstructure:"sweep_grace"`
}

// Validate implements bspconfig.Validatable. Defaults are applied
// separately by Load, after the value is returned, since Validate takes a
// value receiver and cannot mutate the caller's copy.
func (c IngestorConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if len(c.Jurisdictions) == 0 {
		return fmt.Errorf("at least one container-to-jurisdiction mapping is required")
	}
	return nil
}

func (c *IngestorConfig) applyDefaults() {
	if c.MaxUploadFailures <= 0 {
		c.MaxUploadFailures = 5
	}
	if c.Database.MaxOpenConns <= 0 {
		c.Database.MaxOpenConns = postgresdb.DefaultMaxOpenConns
	}
	if c.Database.MaxIdleConns <= 0 {
		c.Database.MaxIdleConns = postgresdb.DefaultMaxIdleConns
	}
	if c.Database.ConnMaxLifetime <= 0 {
		c.Database.ConnMaxLifetime = postgresdb.DefaultConnMaxLifetime
	}
	if c.Blob.LeaseTTL <= 0 {
		c.Blob.LeaseTTL = 5 * time.Minute
	}
	if c.Blob.ProcessingDelay <= 0 {
		c.Blob.ProcessingDelay = 5 * time.Minute
	}
	if c.Schedule.IngestionDelay <= 0 {
		c.Schedule.IngestionDelay = 10 * time.Second
	}
	if c.Schedule.UploadDelay <= 0 {
		c.Schedule.UploadDelay = 10 * time.Second
	}
	if c.Schedule.SweepDelay <= 0 {
		c.Schedule.SweepDelay = time.Minute
	}
	if c.Schedule.SweepGrace <= 0 {
		c.Schedule.SweepGrace = 24 * time.Hour
	}
}

// IsTestContainer reports whether container is in the configured test-only
// list, used to stamp notifications with testOnly.
func (c *IngestorConfig) IsTestContainer(container string) bool {
	for _, name := range c.TestContainers {
		if name == container {
			return true
		}
	}
	return false
}

// Load reads and validates an IngestorConfig from the process's viper
// configuration (flags/env/config file, wired by cmd/ingestor).
func Load() (IngestorConfig, error) {
	cfg, err := bspconfig.Load[IngestorConfig]()
	if err != nil {
		return IngestorConfig{}, fmt.Errorf("loading ingestor config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}
