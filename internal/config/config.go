package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/spf13/viper"

	"filevault/internal/service/s3"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"Server"`
	Database DatabaseConfig `mapstructure:"Database"`
	Storage  s3.Config      `mapstructure:"Storage"`
	Log      LogConfig      `mapstructure:"Log"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"Port"`
	GRPCPort        string        `mapstructure:"GRPCPort"`
	ShutdownTimeout time.Duration `mapstructure:"ShutdownTimeout"`
}

type DatabaseConfig struct {
	Host         string `mapstructure:"Host"`
	Port         string `mapstructure:"Port"`
	User         string `mapstructure:"User"`
	Password     string `mapstructure:"Password"`
	Name         string `mapstructure:"Name"`
	SSLMode      string `mapstructure:"SSLMode"`
	MaxOpenConns int    `mapstructure:"MaxOpenConns"`
	MaxIdleConns int    `mapstructure:"MaxIdleConns"`
}

type LogConfig struct {
	Level  string `mapstructure:"Level"`
	Pretty bool   `mapstructure:"Pretty"`
}

// envBindings maps config keys to the environment variables that override them.
var envBindings = map[string]string{
	"Server.Port":             "HTTP_PORT",
	"Server.GRPCPort":         "GRPC_PORT",
	"Server.ShutdownTimeout":  "SHUTDOWN_TIMEOUT",
	"Database.Host":           "DATABASE_HOST",
	"Database.Port":           "DATABASE_PORT",
	"Database.User":           "DATABASE_USER",
	"Database.Password":       "DATABASE_PASSWORD",
	"Database.Name":           "DATABASE_NAME",
	"Database.SSLMode":        "DATABASE_SSLMODE",
	"Database.MaxOpenConns":   "DATABASE_MAX_OPEN_CONNS",
	"Database.MaxIdleConns":   "DATABASE_MAX_IDLE_CONNS",
	"Storage.Backend":         "STORAGE_BACKEND",
	"Storage.Endpoint":        "STORAGE_ENDPOINT",
	"Storage.Region":          "AWS_REGION",
	"Storage.AccessKeyID":     "AWS_ACCESS_KEY_ID",
	"Storage.SecretAccessKey": "AWS_SECRET_ACCESS_KEY",
	"Storage.Bucket":          "S3_BUCKET_NAME",
	"Storage.UseSSL":          "STORAGE_USE_SSL",
	"Storage.UsePathStyle":    "STORAGE_USE_PATH_STYLE",
	"Storage.PresignTTL":      "PRESIGN_TTL",
	"Storage.MaxUploadBytes":  "MAX_UPLOAD_BYTES",
	"Log.Level":               "LOG_LEVEL",
	"Log.Pretty":              "LOG_PRETTY",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("Server.Port", "3000")
	v.SetDefault("Server.GRPCPort", "50051")
	v.SetDefault("Server.ShutdownTimeout", 30*time.Second)

	v.SetDefault("Database.Port", "5432")
	v.SetDefault("Database.SSLMode", "disable")
	v.SetDefault("Database.MaxOpenConns", 25)
	v.SetDefault("Database.MaxIdleConns", 5)

	v.SetDefault("Storage.Backend", s3.BackendS3)
	v.SetDefault("Storage.Region", "us-east-1")
	v.SetDefault("Storage.Bucket", "my-files-bucket")
	v.SetDefault("Storage.UseSSL", true)
	v.SetDefault("Storage.PresignTTL", time.Hour)
	v.SetDefault("Storage.MaxUploadBytes", int64(5<<30))

	v.SetDefault("Log.Level", "info")
}

// NewConfig loads configuration from the optional file at path and the
// environment. Environment variables win over the file, the file over
// defaults. A dotenv file may use either the nested keys or the variable
// names from envBindings.
func NewConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
		for key, env := range envBindings {
			if raw := v.GetString(env); raw != "" {
				v.SetDefault(key, raw)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Database.Host == "" || c.Database.User == "" || c.Database.Name == "" {
		return fmt.Errorf("database configuration is incomplete: host=%s, port=%s, user=%s, name=%s",
			c.Database.Host, c.Database.Port, c.Database.User, c.Database.Name)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage configuration: %w", err)
	}
	return nil
}

func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host,
		c.Port,
		c.User,
		c.Password,
		c.Name,
		c.SSLMode,
	)
}

// MigrateURL is the connection string form golang-migrate expects.
func (c *DatabaseConfig) MigrateURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.Name,
		c.SSLMode,
	)
}
