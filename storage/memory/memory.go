package memory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mcp-gatekeeper/instrumentation"
	"github.com/giantswarm/mcp-gatekeeper/internal/util"
	"github.com/giantswarm/mcp-gatekeeper/storage"
)

const hashLogLength = 8

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu sync.RWMutex

	clients map[string]*storage.Client
	codes   map[string]*storage.AuthorizationCode // code hash -> code

	tokens       map[string]*storage.Token // record ID -> token
	accessIndex  map[string]string         // access token hash -> record ID
	refreshIndex map[string]string         // refresh token hash -> record ID
	apiKeys      map[string]*storage.APIKey // key hash -> key

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	logger          *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		clients:      make(map[string]*storage.Client),
		codes:        make(map[string]*storage.AuthorizationCode),
		tokens:       make(map[string]*storage.Token),
		accessIndex:  make(map[string]string),
		refreshIndex: make(map[string]string),
		apiKeys:      make(map[string]*storage.APIKey),
		logger:       slog.Default(),
	}
}

// SetLogger sets a custom logger.
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

// Ping always succeeds.
func (s *Store) Ping(_ context.Context) error {
	return nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

// SaveClient stores a copy of client.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer s.finishStorageOperation(ctx, span, "save_client", time.Now(), &err)

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[client.ClientID]; exists {
		return storage.ErrAlreadyExists
	}
	s.clients[client.ClientID] = cloneClient(client)
	return nil
}

// GetClient returns a copy of the stored client.
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer s.finishStorageOperation(ctx, span, "get_client", time.Now(), &err)

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrClientNotFound
	}
	return cloneClient(client), nil
}

// SaveAuthorizationCode stores a copy of code.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer s.finishStorageOperation(ctx, span, "save_authorization_code", time.Now(), &err)

	if code == nil || code.CodeHash == "" {
		return fmt.Errorf("code hash is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.codes[code.CodeHash]; exists {
		return storage.ErrAlreadyExists
	}
	c := *code
	s.codes[code.CodeHash] = &c
	return nil
}

// GetUnusedAuthorizationCode returns the unused code issued to clientID.
func (s *Store) GetUnusedAuthorizationCode(ctx context.Context, codeHash, clientID string) (_ *storage.AuthorizationCode, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_authorization_code")
	defer s.finishStorageOperation(ctx, span, "get_authorization_code", time.Now(), &err)

	s.mu.RLock()
	defer s.mu.RUnlock()

	code, ok := s.codes[codeHash]
	if !ok || code.ClientID != clientID || code.Used {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	c := *code
	return &c, nil
}

// MarkAuthorizationCodeUsed flips the used flag under the write lock.
func (s *Store) MarkAuthorizationCodeUsed(ctx context.Context, codeHash, clientID string) (_ bool, err error) {
	ctx, span := s.startStorageSpan(ctx, "mark_authorization_code_used")
	defer s.finishStorageOperation(ctx, span, "mark_authorization_code_used", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	code, ok := s.codes[codeHash]
	if !ok || code.ClientID != clientID || code.Used {
		return false, nil
	}
	code.Used = true

	s.logger.Debug("Marked authorization code as used",
		"code_hash_prefix", util.SafeTruncate(codeHash, hashLogLength))
	return true, nil
}

// SaveToken stores a copy of token and indexes its digests.
func (s *Store) SaveToken(ctx context.Context, token *storage.Token) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_token")
	defer s.finishStorageOperation(ctx, span, "save_token", time.Now(), &err)

	if token == nil || token.ID == "" || token.AccessTokenHash == "" {
		return fmt.Errorf("token ID and access token hash are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tokens[token.ID]; exists {
		return storage.ErrAlreadyExists
	}
	if _, exists := s.accessIndex[token.AccessTokenHash]; exists {
		return storage.ErrAlreadyExists
	}

	t := *token
	s.tokens[t.ID] = &t
	s.accessIndex[t.AccessTokenHash] = t.ID
	if t.RefreshTokenHash != "" {
		s.refreshIndex[t.RefreshTokenHash] = t.ID
	}
	return nil
}

// GetActiveTokenByAccessToken looks up an unrevoked record by access token digest.
func (s *Store) GetActiveTokenByAccessToken(ctx context.Context, accessTokenHash string) (_ *storage.Token, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_token_by_access")
	defer s.finishStorageOperation(ctx, span, "get_token_by_access", time.Now(), &err)

	s.mu.RLock()
	defer s.mu.RUnlock()

	token := s.lookupLocked(s.accessIndex, accessTokenHash)
	if token == nil || token.Revoked() {
		return nil, storage.ErrTokenNotFound
	}
	t := *token
	return &t, nil
}

// GetActiveTokenByRefreshToken looks up an unrevoked record by (refresh digest, client).
func (s *Store) GetActiveTokenByRefreshToken(ctx context.Context, refreshTokenHash, clientID string) (_ *storage.Token, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_token_by_refresh")
	defer s.finishStorageOperation(ctx, span, "get_token_by_refresh", time.Now(), &err)

	s.mu.RLock()
	defer s.mu.RUnlock()

	token := s.lookupLocked(s.refreshIndex, refreshTokenHash)
	if token == nil || token.Revoked() || token.ClientID != clientID {
		return nil, storage.ErrTokenNotFound
	}
	t := *token
	return &t, nil
}

// RevokeToken revokes the record with the given ID if still active.
func (s *Store) RevokeToken(ctx context.Context, id string, at time.Time) (_ bool, err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_token")
	defer s.finishStorageOperation(ctx, span, "revoke_token", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	return revokeLocked(s.tokens[id], at), nil
}

// RevokeByAccessToken revokes the active record holding the access token digest.
func (s *Store) RevokeByAccessToken(ctx context.Context, accessTokenHash string, at time.Time) (_ bool, err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_by_access")
	defer s.finishStorageOperation(ctx, span, "revoke_by_access", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	return revokeLocked(s.lookupLocked(s.accessIndex, accessTokenHash), at), nil
}

// RevokeByRefreshToken revokes the active record holding the refresh token digest.
func (s *Store) RevokeByRefreshToken(ctx context.Context, refreshTokenHash string, at time.Time) (_ bool, err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_by_refresh")
	defer s.finishStorageOperation(ctx, span, "revoke_by_refresh", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	return revokeLocked(s.lookupLocked(s.refreshIndex, refreshTokenHash), at), nil
}

// SaveAPIKey stores a copy of key.
func (s *Store) SaveAPIKey(ctx context.Context, key *storage.APIKey) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_api_key")
	defer s.finishStorageOperation(ctx, span, "save_api_key", time.Now(), &err)

	if key == nil || key.KeyHash == "" || key.ServerName == "" {
		return fmt.Errorf("key hash and server name are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.apiKeys[key.KeyHash]; exists {
		return storage.ErrAlreadyExists
	}
	k := *key
	s.apiKeys[key.KeyHash] = &k
	return nil
}

// GetEnabledAPIKey returns the enabled key bound to serverName.
func (s *Store) GetEnabledAPIKey(ctx context.Context, keyHash, serverName string) (_ *storage.APIKey, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_api_key")
	defer s.finishStorageOperation(ctx, span, "get_api_key", time.Now(), &err)

	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.apiKeys[keyHash]
	if !ok || !key.Enabled || key.ServerName != serverName {
		return nil, storage.ErrAPIKeyNotFound
	}
	k := *key
	return &k, nil
}

// SetAPIKeyEnabled toggles a key.
func (s *Store) SetAPIKeyEnabled(ctx context.Context, keyHash string, enabled bool) (err error) {
	ctx, span := s.startStorageSpan(ctx, "set_api_key_enabled")
	defer s.finishStorageOperation(ctx, span, "set_api_key_enabled", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.apiKeys[keyHash]
	if !ok {
		return storage.ErrAPIKeyNotFound
	}
	key.Enabled = enabled
	return nil
}

// lookupLocked resolves a digest through an index. Caller holds s.mu.
func (s *Store) lookupLocked(index map[string]string, hash string) *storage.Token {
	if hash == "" {
		return nil
	}
	id, ok := index[hash]
	if !ok {
		return nil
	}
	return s.tokens[id]
}

func revokeLocked(token *storage.Token, at time.Time) bool {
	if token == nil || token.Revoked() {
		return false
	}
	token.RevokedAt = at
	return true
}

func cloneClient(c *storage.Client) *storage.Client {
	cp := *c
	cp.RedirectURIs = slices.Clone(c.RedirectURIs)
	cp.GrantTypes = slices.Clone(c.GrantTypes)
	cp.ResponseTypes = slices.Clone(c.ResponseTypes)
	return &cp
}

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "memory"),
		))
}

func (s *Store) finishStorageOperation(ctx context.Context, span trace.Span, operation string, start time.Time, errp *error) {
	if s.instrumentation == nil {
		return
	}
	defer span.End()
	instrumentation.RecordStorageResult(ctx, s.instrumentation, span, operation, start, *errp)
}
