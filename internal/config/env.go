package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "GATEKEEPER_"

const defaultEnvFile = ".env"

func loadEnvFiles(files []string) error {
	if len(files) == 0 {
		if err := godotenv.Load(defaultEnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", defaultEnvFile, err)
		}
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("loading env files: %w", err)
	}
	return nil
}

type lookupFunc func(key string) (string, bool)

// applyEnv overrides cfg from GATEKEEPER_* variables.
func applyEnv(cfg *Config, lookup lookupFunc) error {
	e := envReader{lookup: lookup}

	e.str("LISTEN_ADDR", &cfg.ListenAddr)
	e.str("ISSUER", &cfg.Issuer)
	e.str("RESOURCE_BASE_URL", &cfg.ResourceBaseURL)
	e.list("TOOL_SERVERS", &cfg.ToolServers)
	e.list("SCOPES", &cfg.Scopes)
	e.duration("SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)

	e.str("LOG_FORMAT", &cfg.Log.Format)
	e.str("LOG_LEVEL", &cfg.Log.Level)

	e.str("STORAGE_BACKEND", &cfg.Storage.Backend)
	e.str("STORAGE_DSN", &cfg.Storage.DSN)
	e.boolean("STORAGE_AUTO_MIGRATE", &cfg.Storage.AutoMigrate)
	e.str("VALKEY_ADDRESS", &cfg.Storage.Valkey.Address)
	e.str("VALKEY_PASSWORD", &cfg.Storage.Valkey.Password)
	e.integer("VALKEY_DB", &cfg.Storage.Valkey.DB)

	e.duration("ACCESS_TOKEN_TTL", &cfg.OAuth.AccessTokenTTL)
	e.duration("REFRESH_TOKEN_TTL", &cfg.OAuth.RefreshTokenTTL)
	e.boolean("STRICT_RESOURCE_BINDING", &cfg.OAuth.StrictResourceBinding)
	e.boolean("ALLOW_PUBLIC_REGISTRATION", &cfg.OAuth.AllowPublicRegistration)
	e.str("REGISTRATION_TOKEN", &cfg.OAuth.RegistrationToken)
	e.boolean("TRUST_PROXY", &cfg.OAuth.TrustProxy)

	e.integer("RATE_LIMIT", &cfg.RateLimit.Rate)
	e.integer("RATE_LIMIT_BURST", &cfg.RateLimit.Burst)

	e.str("SESSION_HASH_KEY", &cfg.Session.HashKey)
	e.str("SESSION_BLOCK_KEY", &cfg.Session.BlockKey)

	e.str("PROVIDER_TYPE", &cfg.Provider.Type)
	e.str("PROVIDER_ISSUER_URL", &cfg.Provider.IssuerURL)
	e.str("PROVIDER_CLIENT_ID", &cfg.Provider.ClientID)
	e.str("PROVIDER_CLIENT_SECRET", &cfg.Provider.ClientSecret)
	e.str("PROVIDER_REDIRECT_URL", &cfg.Provider.RedirectURL)

	e.boolean("METRICS_ENABLED", &cfg.Instrumentation.Enabled)

	return errors.Join(e.errs...)
}

type envReader struct {
	lookup lookupFunc
	errs   []error
}

func (e *envReader) get(name string) (string, bool) {
	v, ok := e.lookup(EnvPrefix + name)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) str(name string, dst *string) {
	if v, ok := e.get(name); ok {
		*dst = v
	}
}

func (e *envReader) list(name string, dst *[]string) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

func (e *envReader) boolean(name string, dst *bool) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		return
	}
	*dst = b
}

func (e *envReader) integer(name string, dst *int) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		return
	}
	*dst = n
}

func (e *envReader) duration(name string, dst *time.Duration) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		return
	}
	*dst = d
}
