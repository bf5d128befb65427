package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ESCROW_DATABASE_URL", "")
	t.Setenv("DATABASE_URL", "postgres://localhost/escrow")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/escrow", cfg.Database.URL)
	assert.Equal(t, 7*24*time.Hour, cfg.Escrow.ConfirmationGrace)
	assert.Equal(t, time.Minute, cfg.Scanner.Interval)
	assert.Equal(t, 500, cfg.Scanner.BatchSize)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "escrow:notify:", cfg.Redis.ChannelPrefix)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
app:
  name: escrow-test
  log_level: debug
database:
  url: postgres://file/escrow
  max_conns: 4
scanner:
  interval: 30s
  workers: 2
stan:
  cluster_id: test-cluster
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("ESCROW_DATABASE_URL", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("ESCROW_SCANNER_WORKERS", "16")
	t.Setenv("ESCROW_HTTP_JWT_SECRET", "s3cret")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "escrow-test", cfg.App.Name)
	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, "postgres://file/escrow", cfg.Database.URL)
	assert.Equal(t, int32(4), cfg.Database.MaxConns)
	assert.Equal(t, 30*time.Second, cfg.Scanner.Interval)
	assert.Equal(t, 16, cfg.Scanner.Workers)
	assert.Equal(t, "test-cluster", cfg.STAN.ClusterID)
	assert.Equal(t, "s3cret", cfg.HTTP.JWTSecret)
	assert.NoError(t, cfg.ValidateHTTP())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.url is required")
	assert.Contains(t, err.Error(), "scanner.interval must be positive")

	cfg = &Config{
		Database: DatabaseConfig{URL: "postgres://x"},
		Escrow:   EscrowConfig{ConfirmationGrace: time.Hour},
		Scanner:  ScannerConfig{Interval: time.Minute, BatchSize: 1, Workers: 1},
	}
	require.NoError(t, cfg.Validate())
	assert.EqualError(t, cfg.ValidateHTTP(), "http.jwt_secret is required")
}
