package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backends
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendValkey   = "valkey"
)

// Identity providers
const (
	ProviderOIDC   = "oidc"
	ProviderGitHub = "github"
)

// Config is the complete binary configuration.
type Config struct {
	// ListenAddr is the HTTP listen address. Default: ":8080"
	ListenAddr string `yaml:"listen_addr"`

	// Issuer is the public base URL of the authorization server.
	Issuer string `yaml:"issuer"`

	// ResourceBaseURL is the public base URL of the gateway. Default: Issuer
	ResourceBaseURL string `yaml:"resource_base_url"`

	// ToolServers are mounted under /mcp/{name}.
	ToolServers []string `yaml:"tool_servers"`

	// Scopes advertised in the metadata documents.
	Scopes []string `yaml:"scopes"`

	// ShutdownTimeout bounds graceful shutdown. Default: 15s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Log             LogConfig             `yaml:"log"`
	Storage         StorageConfig         `yaml:"storage"`
	OAuth           OAuthConfig           `yaml:"oauth"`
	RateLimit       RateLimitConfig       `yaml:"rate_limit"`
	Session         SessionConfig         `yaml:"session"`
	Provider        ProviderConfig        `yaml:"provider"`
	Instrumentation InstrumentationConfig `yaml:"instrumentation"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	// Format is "json" or "text". Default: json
	Format string `yaml:"format"`

	// Level is debug, info, warn or error. Default: info
	Level string `yaml:"level"`
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	// Backend is memory, sqlite, postgres or valkey. Default: sqlite
	Backend string `yaml:"backend"`

	// DSN for the sqlite and postgres backends.
	DSN string `yaml:"dsn"`

	// AutoMigrate applies pending migrations at startup. Default: true
	AutoMigrate bool `yaml:"auto_migrate"`

	// MaxOpenConns bounds the postgres connection pool.
	MaxOpenConns int `yaml:"max_open_conns"`

	// QueryTimeout bounds each statement. Default: 5s
	QueryTimeout time.Duration `yaml:"query_timeout"`

	Valkey ValkeyConfig `yaml:"valkey"`
}

// ValkeyConfig configures the valkey backend.
type ValkeyConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// OAuthConfig holds the authorization server settings.
type OAuthConfig struct {
	AuthorizationCodeTTL time.Duration `yaml:"authorization_code_ttl"`
	AccessTokenTTL       time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL      time.Duration `yaml:"refresh_token_ttl"`

	// ClientSecretTTL of zero issues secrets that never expire.
	ClientSecretTTL time.Duration `yaml:"client_secret_ttl"`

	StrictResourceBinding   bool   `yaml:"strict_resource_binding"`
	AllowInsecureHTTP       bool   `yaml:"allow_insecure_http"`
	AllowPublicRegistration bool   `yaml:"allow_public_registration"`
	RegistrationToken       string `yaml:"registration_token"`
	TrustProxy              bool   `yaml:"trust_proxy"`
	TrustedProxyCount       int    `yaml:"trusted_proxy_count"`
	AuditEnabled            bool   `yaml:"audit_enabled"`
}

// RateLimitConfig holds the limiter settings. Zero disables a limiter.
type RateLimitConfig struct {
	// Rate is requests per second per client IP on the OAuth endpoints.
	Rate  int `yaml:"rate"`
	Burst int `yaml:"burst"`

	RegistrationsPerHour int `yaml:"registrations_per_hour"`

	// ToolCallRate is tool calls per second per user on the gateway.
	ToolCallRate  int `yaml:"tool_call_rate"`
	ToolCallBurst int `yaml:"tool_call_burst"`

	MaxEntries int `yaml:"max_entries"`
}

// SessionConfig configures the sign-in cookie.
type SessionConfig struct {
	// HashKey signs the cookie; at least 32 bytes. A random key is generated
	// when empty, which signs everyone out on restart.
	HashKey string `yaml:"hash_key"`

	// BlockKey encrypts the cookie; 16, 24 or 32 bytes, optional.
	BlockKey string `yaml:"block_key"`

	CookieName string        `yaml:"cookie_name"`
	MaxAge     time.Duration `yaml:"max_age"`
}

// ProviderConfig configures upstream sign-in.
type ProviderConfig struct {
	// Type is oidc or github. Default: oidc
	Type string `yaml:"type"`

	// IssuerURL of the OIDC provider.
	IssuerURL    string   `yaml:"issuer_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`

	// RedirectURL defaults to Issuer + the sign-in callback path.
	RedirectURL string `yaml:"redirect_url"`

	// AllowedOrganizations restricts GitHub sign-in to members.
	AllowedOrganizations []string `yaml:"allowed_organizations"`

	// Timeout bounds each call to the provider. Default: 15s
	Timeout time.Duration `yaml:"timeout"`
}

// InstrumentationConfig configures OpenTelemetry.
type InstrumentationConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ServiceName  string `yaml:"service_name"`
	LogClientIPs bool   `yaml:"log_client_ips"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddr:      ":8080",
		ShutdownTimeout: 15 * time.Second,
		Log: LogConfig{
			Format: "json",
			Level:  "info",
		},
		Storage: StorageConfig{
			Backend:      BackendSQLite,
			DSN:          "file:gatekeeper.db",
			AutoMigrate:  true,
			QueryTimeout: 5 * time.Second,
		},
		OAuth: OAuthConfig{
			AuthorizationCodeTTL: 10 * time.Minute,
			AccessTokenTTL:       time.Hour,
			RefreshTokenTTL:      90 * 24 * time.Hour,
			TrustedProxyCount:    1,
			AuditEnabled:         true,
		},
		RateLimit: RateLimitConfig{
			Rate:                 10,
			Burst:                20,
			RegistrationsPerHour: 10,
			ToolCallRate:         20,
			ToolCallBurst:        40,
		},
		Provider: ProviderConfig{
			Type:    ProviderOIDC,
			Timeout: 15 * time.Second,
		},
		Instrumentation: InstrumentationConfig{
			ServiceName: "mcp-gatekeeper",
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path and the environment. envFiles are loaded with godotenv first; with
// none given, ./.env is loaded when present.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if err := loadEnvFiles(envFiles); err != nil {
		return nil, err
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the binary cannot start with.
func (c *Config) Validate() error {
	var errs []error

	if c.Issuer == "" {
		errs = append(errs, errors.New("issuer is required"))
	}
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}

	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendSQLite, BackendPostgres:
		if c.Storage.DSN == "" {
			errs = append(errs, fmt.Errorf("storage.dsn is required for the %s backend", c.Storage.Backend))
		}
	case BackendValkey:
		if c.Storage.Valkey.Address == "" {
			errs = append(errs, errors.New("storage.valkey.address is required for the valkey backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}

	switch c.Provider.Type {
	case ProviderOIDC:
		if c.Provider.IssuerURL == "" {
			errs = append(errs, errors.New("provider.issuer_url is required for the oidc provider"))
		}
	case ProviderGitHub:
	default:
		errs = append(errs, fmt.Errorf("unknown provider type %q", c.Provider.Type))
	}
	if c.Provider.ClientID == "" {
		errs = append(errs, errors.New("provider.client_id is required"))
	}

	if c.Session.HashKey != "" && len(c.Session.HashKey) < 32 {
		errs = append(errs, errors.New("session.hash_key must be at least 32 bytes"))
	}

	seen := make(map[string]bool, len(c.ToolServers))
	for _, name := range c.ToolServers {
		if name == "" || seen[name] {
			errs = append(errs, fmt.Errorf("tool server names must be unique and non-empty, got %q", name))
		}
		seen[name] = true
	}

	return errors.Join(errs...)
}
