package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalYAML = `
issuer: https://auth.example.com
tool_servers: [eloa, otto]
provider:
  issuer_url: https://idp.example.com
  client_id: gatekeeper
`

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeFile(t, "config.yaml", minimalYAML+`
listen_addr: ":9000"
log:
  format: text
  level: debug
storage:
  backend: postgres
  dsn: postgres://localhost/gatekeeper?sslmode=disable
oauth:
  access_token_ttl: 30m
  strict_resource_binding: true
`)
	envFile := writeFile(t, "empty.env", "")

	cfg, err := Load(path, envFile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.ListenAddr != ":9000" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.Log.Format != "text" || cfg.Log.Level != "debug" {
		t.Errorf("Log = %+v", cfg.Log)
	}
	if cfg.Storage.Backend != BackendPostgres {
		t.Errorf("Storage.Backend = %q", cfg.Storage.Backend)
	}
	if cfg.OAuth.AccessTokenTTL != 30*time.Minute {
		t.Errorf("AccessTokenTTL = %v", cfg.OAuth.AccessTokenTTL)
	}
	if !cfg.OAuth.StrictResourceBinding {
		t.Error("StrictResourceBinding not set")
	}
	// untouched defaults survive
	if cfg.OAuth.RefreshTokenTTL != 90*24*time.Hour {
		t.Errorf("RefreshTokenTTL = %v", cfg.OAuth.RefreshTokenTTL)
	}
	if len(cfg.ToolServers) != 2 {
		t.Errorf("ToolServers = %v", cfg.ToolServers)
	}
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	path := writeFile(t, "config.yaml", minimalYAML)
	envFile := writeFile(t, "test.env", "GATEKEEPER_REGISTRATION_TOKEN=from-dotenv\nGATEKEEPER_LOG_LEVEL=warn\n")
	t.Cleanup(func() { _ = os.Unsetenv("GATEKEEPER_REGISTRATION_TOKEN") })

	t.Setenv("GATEKEEPER_ISSUER", "https://other.example.com")
	t.Setenv("GATEKEEPER_TOOL_SERVERS", "alpha, beta ,,gamma")
	t.Setenv("GATEKEEPER_ALLOW_PUBLIC_REGISTRATION", "true")
	t.Setenv("GATEKEEPER_ACCESS_TOKEN_TTL", "2h")
	// set in the process environment, so the .env value must not win
	t.Setenv("GATEKEEPER_LOG_LEVEL", "error")

	cfg, err := Load(path, envFile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Issuer != "https://other.example.com" {
		t.Errorf("Issuer = %q", cfg.Issuer)
	}
	if strings.Join(cfg.ToolServers, ",") != "alpha,beta,gamma" {
		t.Errorf("ToolServers = %v", cfg.ToolServers)
	}
	if !cfg.OAuth.AllowPublicRegistration {
		t.Error("AllowPublicRegistration not overridden")
	}
	if cfg.OAuth.AccessTokenTTL != 2*time.Hour {
		t.Errorf("AccessTokenTTL = %v", cfg.OAuth.AccessTokenTTL)
	}
	if cfg.OAuth.RegistrationToken != "from-dotenv" {
		t.Errorf("RegistrationToken = %q", cfg.OAuth.RegistrationToken)
	}
	if cfg.Log.Level != "error" {
		t.Errorf("Log.Level = %q, want the process value", cfg.Log.Level)
	}
}

func TestLoad_Errors(t *testing.T) {
	emptyEnv := writeFile(t, "empty.env", "")

	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "missing issuer",
			yaml:    "provider: {issuer_url: https://idp.example.com, client_id: x}",
			wantErr: "issuer is required",
		},
		{
			name:    "unknown backend",
			yaml:    minimalYAML + "storage: {backend: mongo}",
			wantErr: `unknown storage backend "mongo"`,
		},
		{
			name:    "valkey without address",
			yaml:    minimalYAML + "storage: {backend: valkey}",
			wantErr: "storage.valkey.address",
		},
		{
			name:    "oidc without issuer url",
			yaml:    "issuer: https://auth.example.com\nprovider: {client_id: x}",
			wantErr: "provider.issuer_url",
		},
		{
			name:    "short session key",
			yaml:    minimalYAML + "session: {hash_key: short}",
			wantErr: "session.hash_key",
		},
		{
			name:    "duplicate tool server",
			yaml:    "issuer: https://auth.example.com\ntool_servers: [eloa, eloa]\nprovider: {issuer_url: https://idp.example.com, client_id: x}",
			wantErr: "unique",
		},
		{
			name:    "bad log level",
			yaml:    minimalYAML + "log: {level: loud}",
			wantErr: "unknown log level",
		},
		{
			name:    "malformed yaml",
			yaml:    "issuer: [",
			wantErr: "parsing config file",
		},
		{
			name:    "bad env bool",
			yaml:    minimalYAML,
			env:     map[string]string{"GATEKEEPER_TRUST_PROXY": "maybe"},
			wantErr: "GATEKEEPER_TRUST_PROXY",
		},
		{
			name:    "bad env duration",
			yaml:    minimalYAML,
			env:     map[string]string{"GATEKEEPER_REFRESH_TOKEN_TTL": "forever"},
			wantErr: "GATEKEEPER_REFRESH_TOKEN_TTL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(writeFile(t, "config.yaml", tt.yaml), emptyEnv)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load() of a missing file should fail")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"trace", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, %v", tt.in, got, err)
		}
	}
}

func TestNewLogger(t *testing.T) {
	var buf strings.Builder
	LogConfig{Format: "json", Level: "warn"}.NewLogger(&buf).Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("info written at warn level: %s", buf.String())
	}

	LogConfig{Format: "text", Level: "debug"}.NewLogger(&buf).Debug("shown", "k", "v")
	if !strings.Contains(buf.String(), "msg=shown k=v") {
		t.Errorf("text output = %q", buf.String())
	}
}

func TestConversions(t *testing.T) {
	cfg := Default()
	cfg.Issuer = "https://auth.example.com"
	cfg.ToolServers = []string{"eloa"}
	cfg.OAuth.AllowPublicRegistration = true

	sc := cfg.ServerConfig()
	if sc.AccessTokenTTL != 3600 || sc.AuthorizationCodeTTL != 600 || sc.RefreshTokenTTL != 90*86400 {
		t.Errorf("server TTLs = %d/%d/%d", sc.AuthorizationCodeTTL, sc.AccessTokenTTL, sc.RefreshTokenTTL)
	}
	if !sc.AllowPublicClientRegistration || sc.Issuer != cfg.Issuer {
		t.Errorf("server config = %+v", sc)
	}

	hc := cfg.HandlerConfig()
	if len(hc.ResourceServers) != 1 || hc.RateLimit.Rate != 10 || hc.Login.ProviderTimeout != 15*time.Second {
		t.Errorf("handler config = %+v", hc)
	}

	generated := []byte(strings.Repeat("g", 32))
	sess := cfg.SessionConfig(generated)
	if string(sess.HashKey) != string(generated) || !sess.Secure {
		t.Errorf("session config = %+v", sess)
	}
	cfg.Session.HashKey = strings.Repeat("c", 32)
	if sess := cfg.SessionConfig(generated); string(sess.HashKey) != cfg.Session.HashKey {
		t.Error("configured hash key not used")
	}
}
