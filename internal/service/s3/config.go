package s3

import (
	"fmt"
	"time"
)

const (
	BackendS3    = "s3"
	BackendMinio = "minio"
)

type Config struct {
	Backend         string        `mapstructure:"Backend"`
	Endpoint        string        `mapstructure:"Endpoint"`
	Region          string        `mapstructure:"Region"`
	AccessKeyID     string        `mapstructure:"AccessKeyID"`
	SecretAccessKey string        `mapstructure:"SecretAccessKey"`
	Bucket          string        `mapstructure:"Bucket"`
	UseSSL          bool          `mapstructure:"UseSSL"`
	UsePathStyle    bool          `mapstructure:"UsePathStyle"`
	PresignTTL      time.Duration `mapstructure:"PresignTTL"`
	MaxUploadBytes  int64         `mapstructure:"MaxUploadBytes"`
}

// Validate checks the fields every backend needs.
func (c *Config) Validate() error {
	if c.AccessKeyID == "" {
		return fmt.Errorf("AccessKeyID is required")
	}
	if c.SecretAccessKey == "" {
		return fmt.Errorf("SecretAccessKey is required")
	}
	if c.Bucket == "" {
		return fmt.Errorf("Bucket is required")
	}
	switch c.Backend {
	case BackendS3, BackendMinio:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Backend)
	}
	if c.Backend == BackendMinio && c.Endpoint == "" {
		return fmt.Errorf("Endpoint is required for the minio backend")
	}
	return nil
}

// New builds the Storage selected by cfg.Backend.
func New(cfg *Config) (Storage, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Backend == BackendMinio {
		return NewMinioClient(cfg)
	}
	return NewClient(cfg)
}
