package testutil

import (
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

// MockTime is a clock that only moves when told to. Pass its Now method to
// server.SetClock to drive expiry deterministically.
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

func NewMockTime(start time.Time) *MockTime {
	return &MockTime{now: start}
}

func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward, e.g. past a code or token lifetime.
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// GeneratePKCEPair returns an S256 code_challenge and its code_verifier.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = oauth2.GenerateVerifier()
	return oauth2.S256ChallengeFromVerifier(verifier), verifier
}

// AssertEqual reports got != want without stopping the test.
func AssertEqual(t *testing.T, got, want any) {
	t.Helper()
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
