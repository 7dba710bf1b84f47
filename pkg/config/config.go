// Package config loads ledgerlink configuration from the environment and an
// optional JSON file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// FileEnvVar names the environment variable pointing at an optional JSON config file.
const FileEnvVar = "LEDGERLINK_CONFIG_FILE"

// Intuit endpoints.
const (
	DefaultAuthURL           = "https://appcenter.intuit.com/connect/oauth2"
	DefaultTokenURL          = "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer"
	DefaultRevokeURL         = "https://developer.api.intuit.com/v2/oauth2/tokens/revoke"
	SandboxAPIBaseURL        = "https://sandbox-quickbooks.api.intuit.com"
	ProductionAPIBaseURL     = "https://quickbooks.api.intuit.com"
	DefaultMinorVersion      = "75"
	DefaultAccountingScope   = "com.intuit.quickbooks.accounting"
	EnvironmentSandbox       = "sandbox"
	EnvironmentProduction    = "production"
	defaultHTTPAddr          = ":8080"
	defaultBasePath          = "/api/quickbooks"
	defaultRedirect          = "/settings"
	defaultHTTPTimeout       = 30 * time.Second
	defaultEntityTTL         = 24 * time.Hour
	defaultReceiptStore      = "http"
	defaultPostgresPort      = 5432
	defaultPostgresSSLMode   = "disable"
	defaultPostgresPoolConns = 10
)

// Config holds the application configuration.
type Config struct {
	// HTTPAddr is the listen address of the HTTP service.
	// Environment variable: HTTP_ADDR
	HTTPAddr string `koanf:"HTTP_ADDR"`

	// BasePath prefixes every route of the integration.
	// Environment variable: HTTP_BASE_PATH
	BasePath string `koanf:"HTTP_BASE_PATH"`

	// JWTSecret verifies bearer tokens issued by the upstream application.
	// Environment variable: AUTH_JWT_SECRET
	JWTSecret string `koanf:"AUTH_JWT_SECRET"`

	LogLevel  string `koanf:"LOG_LEVEL"`
	LogFormat string `koanf:"LOG_FORMAT"`

	QuickBooks `koanf:",squash"`
	Postgres   `koanf:",squash"`
	Receipts   `koanf:",squash"`
}

// QuickBooks configures the ledger provider integration.
type QuickBooks struct {
	ClientID     string `koanf:"QBO_CLIENT_ID"`
	ClientSecret string `koanf:"QBO_CLIENT_SECRET"`
	RedirectURI  string `koanf:"QBO_REDIRECT_URI"`
	// Environment is "sandbox" or "production" and picks the API base URL.
	Environment  string        `koanf:"QBO_ENVIRONMENT"`
	APIBaseURL   string        `koanf:"QBO_API_BASE_URL"`
	AuthURL      string        `koanf:"QBO_AUTH_URL"`
	TokenURL     string        `koanf:"QBO_TOKEN_URL"`
	RevokeURL    string        `koanf:"QBO_REVOKE_URL"`
	MinorVersion string        `koanf:"QBO_MINOR_VERSION"`
	Scopes       string        `koanf:"QBO_SCOPES"`
	StateSecret  string        `koanf:"QBO_STATE_SECRET"`
	SuccessURL   string        `koanf:"QBO_SUCCESS_REDIRECT"`
	ErrorURL     string        `koanf:"QBO_ERROR_REDIRECT"`
	HTTPTimeout  time.Duration `koanf:"QBO_HTTP_TIMEOUT"`
	EntityTTL    time.Duration `koanf:"QBO_ENTITY_TTL"`
}

// ScopeList splits the space separated scope string.
func (q QuickBooks) ScopeList() []string {
	return strings.Fields(q.Scopes)
}

// Postgres holds PostgreSQL connection configuration.
type Postgres struct {
	Host        string `koanf:"POSTGRES_HOST"`
	Port        int    `koanf:"POSTGRES_PORT"`
	Database    string `koanf:"POSTGRES_DB"`
	User        string `koanf:"POSTGRES_USER"`
	Password    string `koanf:"POSTGRES_PASSWORD"`
	SSLMode     string `koanf:"POSTGRES_SSLMODE"`
	MaxPoolSize int    `koanf:"POSTGRES_MAX_POOL_SIZE"`
}

// DSN renders the keyword/value connection string understood by pgx.
func (p Postgres) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// Receipts selects where receipt images are fetched from.
type Receipts struct {
	// Store is "s3" or "http".
	Store string `koanf:"RECEIPT_STORE"`
	// BaseURL prefixes relative receipt paths for the http store.
	BaseURL string `koanf:"RECEIPT_BASE_URL"`

	S3Bucket    string `koanf:"S3_BUCKET"`
	S3Region    string `koanf:"S3_REGION"`
	S3Endpoint  string `koanf:"S3_ENDPOINT"`
	S3AccessKey string `koanf:"S3_ACCESS_KEY"`
	S3SecretKey string `koanf:"S3_SECRET_KEY"`
}

// Load reads the optional JSON file named by LEDGERLINK_CONFIG_FILE, overlays
// the environment, and applies defaults.
func Load() (Config, error) {
	k := koanf.New(".")

	if path := os.Getenv(FileEnvVar); path != "" {
		if err := k.Load(file.Provider(path), kjson.Parser()); err != nil {
			return Config{}, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", nil), nil); err != nil {
		return Config{}, fmt.Errorf("loading environment: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf", FlatPaths: true}); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.HTTPAddr == "" {
		c.HTTPAddr = defaultHTTPAddr
	}
	if c.BasePath == "" {
		c.BasePath = defaultBasePath
	}
	c.BasePath = "/" + strings.Trim(c.BasePath, "/")

	q := &c.QuickBooks
	if q.Environment == "" {
		q.Environment = EnvironmentSandbox
	}
	if q.APIBaseURL == "" {
		q.APIBaseURL = SandboxAPIBaseURL
		if q.Environment == EnvironmentProduction {
			q.APIBaseURL = ProductionAPIBaseURL
		}
	}
	q.APIBaseURL = strings.TrimRight(q.APIBaseURL, "/")
	if q.AuthURL == "" {
		q.AuthURL = DefaultAuthURL
	}
	if q.TokenURL == "" {
		q.TokenURL = DefaultTokenURL
	}
	if q.RevokeURL == "" {
		q.RevokeURL = DefaultRevokeURL
	}
	if q.MinorVersion == "" {
		q.MinorVersion = DefaultMinorVersion
	}
	if q.Scopes == "" {
		q.Scopes = DefaultAccountingScope
	}
	if q.SuccessURL == "" {
		q.SuccessURL = defaultRedirect
	}
	if q.ErrorURL == "" {
		q.ErrorURL = defaultRedirect
	}
	if q.HTTPTimeout <= 0 {
		q.HTTPTimeout = defaultHTTPTimeout
	}
	if q.EntityTTL <= 0 {
		q.EntityTTL = defaultEntityTTL
	}

	p := &c.Postgres
	if p.Port == 0 {
		p.Port = defaultPostgresPort
	}
	if p.SSLMode == "" {
		p.SSLMode = defaultPostgresSSLMode
	}
	if p.MaxPoolSize == 0 {
		p.MaxPoolSize = defaultPostgresPoolConns
	}

	if c.Receipts.Store == "" {
		c.Receipts.Store = defaultReceiptStore
	}
}

// Validate reports every missing required setting at once.
func (c *Config) Validate() error {
	var errs []error
	required := []struct{ name, value string }{
		{"QBO_CLIENT_ID", c.ClientID},
		{"QBO_CLIENT_SECRET", c.ClientSecret},
		{"QBO_REDIRECT_URI", c.RedirectURI},
		{"QBO_STATE_SECRET", c.StateSecret},
		{"AUTH_JWT_SECRET", c.JWTSecret},
		{"POSTGRES_HOST", c.Postgres.Host},
		{"POSTGRES_DB", c.Postgres.Database},
	}
	for _, r := range required {
		if r.value == "" {
			errs = append(errs, fmt.Errorf("%s is required", r.name))
		}
	}

	if c.Environment != EnvironmentSandbox && c.Environment != EnvironmentProduction {
		errs = append(errs, fmt.Errorf("QBO_ENVIRONMENT must be %q or %q, got %q",
			EnvironmentSandbox, EnvironmentProduction, c.Environment))
	}

	switch c.Receipts.Store {
	case "http":
	case "s3":
		if c.S3Bucket == "" {
			errs = append(errs, errors.New("S3_BUCKET is required when RECEIPT_STORE=s3"))
		}
	default:
		errs = append(errs, fmt.Errorf("RECEIPT_STORE must be \"s3\" or \"http\", got %q", c.Receipts.Store))
	}

	return errors.Join(errs...)
}
