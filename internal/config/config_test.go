package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Setenv("DATABASE_HOST", "db")
	t.Setenv("DATABASE_USER", "files")
	t.Setenv("DATABASE_PASSWORD", "secret")
	t.Setenv("DATABASE_NAME", "filemanager")
	t.Setenv("AWS_ACCESS_KEY_ID", "AKIA")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "shh")
}

func TestNewConfigDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := NewConfig(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "3000", cfg.Server.Port)
	assert.Equal(t, "50051", cfg.Server.GRPCPort)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "5432", cfg.Database.Port)
	assert.Equal(t, "disable", cfg.Database.SSLMode)
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
	assert.Equal(t, "s3", cfg.Storage.Backend)
	assert.Equal(t, "us-east-1", cfg.Storage.Region)
	assert.Equal(t, "my-files-bucket", cfg.Storage.Bucket)
	assert.Equal(t, time.Hour, cfg.Storage.PresignTTL)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestNewConfigEnvOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("HTTP_PORT", "8080")
	t.Setenv("S3_BUCKET_NAME", "uploads")
	t.Setenv("PRESIGN_TTL", "15m")
	t.Setenv("MAX_UPLOAD_BYTES", "1048576")
	t.Setenv("STORAGE_BACKEND", "minio")
	t.Setenv("STORAGE_ENDPOINT", "localhost:9000")
	t.Setenv("STORAGE_USE_SSL", "false")

	cfg, err := NewConfig("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "uploads", cfg.Storage.Bucket)
	assert.Equal(t, 15*time.Minute, cfg.Storage.PresignTTL)
	assert.EqualValues(t, 1<<20, cfg.Storage.MaxUploadBytes)
	assert.Equal(t, "minio", cfg.Storage.Backend)
	assert.Equal(t, "localhost:9000", cfg.Storage.Endpoint)
	assert.False(t, cfg.Storage.UseSSL)
}

func TestNewConfigReadsDotenvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".app.env")
	content := "DATABASE_HOST=filedb\n" +
		"DATABASE_USER=files\n" +
		"DATABASE_NAME=filemanager\n" +
		"AWS_ACCESS_KEY_ID=AKIA\n" +
		"AWS_SECRET_ACCESS_KEY=shh\n" +
		"HTTP_PORT=4000\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("HTTP_PORT", "5000")

	cfg, err := NewConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "filedb", cfg.Database.Host)
	assert.Equal(t, "5000", cfg.Server.Port, "environment wins over the file")
}

func TestNewConfigIncomplete(t *testing.T) {
	tests := []struct {
		name  string
		unset string
	}{
		{name: "database host", unset: "DATABASE_HOST"},
		{name: "access key", unset: "AWS_ACCESS_KEY_ID"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tt.unset, "")

			_, err := NewConfig("")
			assert.Error(t, err)
		})
	}
}

func TestDatabaseURLs(t *testing.T) {
	db := DatabaseConfig{Host: "h", Port: "5432", User: "u", Password: "p", Name: "n", SSLMode: "disable"}

	assert.Equal(t, "host=h port=5432 user=u password=p dbname=n sslmode=disable", db.GetDSN())
	assert.Equal(t, "postgres://u:p@h:5432/n?sslmode=disable", db.MigrateURL())
}
