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
	t.Helper()
	t.Setenv("QBO_CLIENT_ID", "client")
	t.Setenv("QBO_CLIENT_SECRET", "secret")
	t.Setenv("QBO_REDIRECT_URI", "https://app.example.com/api/quickbooks/auth/callback")
	t.Setenv("QBO_STATE_SECRET", "state-secret")
	t.Setenv("AUTH_JWT_SECRET", "jwt-secret")
	t.Setenv("POSTGRES_HOST", "localhost")
	t.Setenv("POSTGRES_DB", "ledgerlink")
}

func TestLoad_DefaultsFromEnvironment(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv(FileEnvVar, "")

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "/api/quickbooks", cfg.BasePath)
	assert.Equal(t, "client", cfg.ClientID)
	assert.Equal(t, SandboxAPIBaseURL, cfg.APIBaseURL)
	assert.Equal(t, DefaultMinorVersion, cfg.MinorVersion)
	assert.Equal(t, []string{DefaultAccountingScope}, cfg.ScopeList())
	assert.Equal(t, 30*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 24*time.Hour, cfg.EntityTTL)
	assert.Equal(t, 5432, cfg.Postgres.Port)
	assert.Equal(t, "disable", cfg.Postgres.SSLMode)
	assert.Equal(t, "http", cfg.Receipts.Store)
}

func TestLoad_EnvironmentValues(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv(FileEnvVar, "")
	t.Setenv("QBO_ENVIRONMENT", "production")
	t.Setenv("QBO_HTTP_TIMEOUT", "5s")
	t.Setenv("POSTGRES_PORT", "6543")
	t.Setenv("HTTP_BASE_PATH", "qbo/")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ProductionAPIBaseURL, cfg.APIBaseURL)
	assert.Equal(t, 5*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 6543, cfg.Postgres.Port)
	assert.Equal(t, "/qbo", cfg.BasePath)
}

func TestLoad_FileOverlayedByEnvironment(t *testing.T) {
	setRequiredEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{"HTTP_ADDR": ":9999", "QBO_MINOR_VERSION": "70", "QBO_CLIENT_ID": "from-file"}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv(FileEnvVar, path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.HTTPAddr)
	assert.Equal(t, "70", cfg.MinorVersion)
	// environment wins over the file
	assert.Equal(t, "client", cfg.ClientID)
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv(FileEnvVar, filepath.Join(t.TempDir(), "missing.json"))

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate_ReportsEveryMissingValue(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	cfg.Receipts.Store = "s3"

	err := cfg.Validate()
	require.Error(t, err)
	for _, name := range []string{
		"QBO_CLIENT_ID", "QBO_CLIENT_SECRET", "QBO_REDIRECT_URI",
		"QBO_STATE_SECRET", "AUTH_JWT_SECRET", "POSTGRES_HOST", "S3_BUCKET",
	} {
		assert.Contains(t, err.Error(), name)
	}
}

func TestPostgresDSN(t *testing.T) {
	p := Postgres{Host: "db", Port: 5432, Database: "d", User: "u", Password: "p", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=d sslmode=disable", p.DSN())
}
