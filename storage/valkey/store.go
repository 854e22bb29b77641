package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mcp-gatekeeper/instrumentation"
	"github.com/giantswarm/mcp-gatekeeper/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "gatekeeper:"

	connectionVerifyTimeout = 5 * time.Second
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g. "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "gatekeeper:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed storage.Store.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	closeOnce sync.Once
}

var _ storage.Store = (*Store)(nil)

// New connects to Valkey. Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
		Password:    cfg.Password,
		TLSConfig:   cfg.TLS,
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation enables storage spans and operation metrics.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
}

// Ping checks server connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Do(ctx, s.client.B().Ping().Build()).Error()
}

// Close closes the Valkey client connection. Safe to call more than once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.client.Close()
		s.logger.Info("Valkey storage connection closed")
	})
	return nil
}

func (s *Store) clientKey(clientID string) string {
	return s.prefix + "client:" + clientID
}

func (s *Store) codeKey(codeHash string) string {
	return s.prefix + "code:" + codeHash
}

func (s *Store) tokenKey(id string) string {
	return s.prefix + "token:" + id
}

func (s *Store) accessIndexKey(hash string) string {
	return s.prefix + "token:access:" + hash
}

func (s *Store) refreshIndexKey(hash string) string {
	return s.prefix + "token:refresh:" + hash
}

func (s *Store) apiKeyKey(keyHash string) string {
	return s.prefix + "apikey:" + keyHash
}

// setNX writes value only if key is absent. Records never get a TTL: codes
// and token pairs stay as an audit trail like in the SQL backend.
func (s *Store) setNX(ctx context.Context, key, value string) error {
	err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(value).Nx().Build()).Error()
	if isNilError(err) {
		return storage.ErrAlreadyExists
	}
	return err
}

func (s *Store) get(ctx context.Context, key string) (string, error) {
	return s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
}

// eval runs a script that answers 1 on effect and 0 otherwise.
func (s *Store) eval(ctx context.Context, script string, keys []string, args ...string) (bool, error) {
	n, err := s.client.Do(ctx,
		s.client.B().Eval().Script(script).
			Numkeys(int64(len(keys))).
			Key(keys...).
			Arg(args...).
			Build(),
	).AsInt64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// isNilError reports a nil reply (missing key, SET NX not applied).
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

func (s *Store) startSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "valkey"),
		))
}

func (s *Store) finish(ctx context.Context, span trace.Span, operation string, start time.Time, errp *error) {
	if s.instrumentation == nil {
		return
	}
	defer span.End()
	instrumentation.RecordStorageResult(ctx, s.instrumentation, span, operation, start, *errp)
}
