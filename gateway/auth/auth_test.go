package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"optionchain/crypto"
)

func TestNonceStoreCapacityEviction(t *testing.T) {
	store := newNonceStore(5*time.Minute, 3)
	base := time.Unix(1700000000, 0).UTC()

	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("nonce-%d", i)
		if seen := store.Seen(key, base); seen {
			t.Fatalf("expected first observation of %s to be false", key)
		}
	}
	if got := len(store.entries); got != 3 {
		t.Fatalf("expected 3 entries after initial fill, got %d", got)
	}

	if seen := store.Seen("nonce-3", base); seen {
		t.Fatalf("expected new key to be accepted after capacity eviction")
	}
	if got := len(store.entries); got != 3 {
		t.Fatalf("expected capacity to remain at 3, got %d", got)
	}
	if _, exists := store.entries["nonce-0"]; exists {
		t.Fatalf("expected oldest nonce to be evicted when capacity exceeded")
	}
	if seen := store.Seen("nonce-1", base); !seen {
		t.Fatalf("expected recently seen nonce to be reported as duplicate")
	}

	if seen := store.Seen("nonce-4", base); seen {
		t.Fatalf("expected new key to be accepted after second eviction")
	}
	if got := len(store.entries); got != 3 {
		t.Fatalf("expected capacity to remain bounded at 3, got %d", got)
	}
}

func TestNewAuthenticatorClampsSecurityParameters(t *testing.T) {
	auth := NewAuthenticator(15*time.Minute, 30*time.Minute, 1_000_000, time.Now, nil)
	if auth.allowedTimestampSkew != maxAllowedTimestampSkew {
		t.Fatalf("expected timestamp skew to clamp to %s, got %s", maxAllowedTimestampSkew, auth.allowedTimestampSkew)
	}
	if auth.nonceTTL != maxNonceWindow {
		t.Fatalf("expected nonce TTL to clamp to %s, got %s", maxNonceWindow, auth.nonceTTL)
	}
	if auth.nonceCapacity != maxNonceCapacity {
		t.Fatalf("expected nonce capacity to clamp to %d, got %d", maxNonceCapacity, auth.nonceCapacity)
	}
}

func TestNonceStoreExpiresOldEntries(t *testing.T) {
	store := newNonceStore(30*time.Second, 5)
	base := time.Unix(1700000000, 0).UTC()

	if store.Seen("nonce-a", base) {
		t.Fatalf("expected first nonce to be new")
	}
	if store.Seen("nonce-b", base.Add(5*time.Second)) {
		t.Fatalf("expected second nonce to be new")
	}

	future := base.Add(1 * time.Minute)
	if store.Seen("nonce-c", future) {
		t.Fatalf("expected new nonce to be accepted after expiration window")
	}
	if _, exists := store.entries["nonce-a"]; exists {
		t.Fatalf("expected expired nonce-a to be pruned")
	}
	if _, exists := store.entries["nonce-b"]; exists {
		t.Fatalf("expected expired nonce-b to be pruned")
	}

	if store.Seen("nonce-b", future) {
		t.Fatalf("expected nonce-b to be treated as new after expiration")
	}
}

func newSignedRequest(t *testing.T, key *crypto.PrivateKey, now time.Time, nonce string, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "https://example.test/v1/options/spy/fund?b=2&a=1", nil)
	if err := SignRequest(req, key, body, now, nonce); err != nil {
		t.Fatalf("sign request: %v", err)
	}
	return req
}

func TestAuthenticateRecoversSigner(t *testing.T) {
	key := mustKey(t)
	now := time.Unix(1_700_000_000, 0).UTC()
	body := []byte(`{"side":"buyer"}`)
	auth := NewAuthenticator(time.Minute, 5*time.Minute, 16, func() time.Time { return now }, nil)

	principal, err := auth.Authenticate(newSignedRequest(t, key, now, "n-1", body), body)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if !principal.Address.Equal(key.PubKey().Address()) {
		t.Fatalf("unexpected signer %s", principal.Address)
	}

	if _, err := auth.Authenticate(newSignedRequest(t, key, now, "n-1", body), body); !errors.Is(err, ErrReplay) {
		t.Fatalf("expected replay, got %v", err)
	}
}

func TestAuthenticateRejectsTamperedRequests(t *testing.T) {
	key := mustKey(t)
	now := time.Unix(1_700_000_000, 0).UTC()
	body := []byte(`{"qty":"10"}`)
	auth := NewAuthenticator(time.Minute, 5*time.Minute, 16, func() time.Time { return now }, nil)

	// A modified body still recovers an address, just not the signer's.
	principal, err := auth.Authenticate(newSignedRequest(t, key, now, "n-body", body), []byte(`{"qty":"99"}`))
	if err == nil && principal.Address.Equal(key.PubKey().Address()) {
		t.Fatalf("tampered body authenticated as the signer")
	}

	stale := newSignedRequest(t, key, now.Add(-10*time.Minute), "n-stale", body)
	if _, err := auth.Authenticate(stale, body); !errors.Is(err, ErrStaleTimestamp) {
		t.Fatalf("expected stale timestamp, got %v", err)
	}

	unsigned := httptest.NewRequest(http.MethodPost, "/v1/options/spy/fund", nil)
	if _, err := auth.Authenticate(unsigned, body); !errors.Is(err, ErrMissingSignature) {
		t.Fatalf("expected missing signature, got %v", err)
	}

	garbled := newSignedRequest(t, key, now, "n-garbled", body)
	garbled.Header.Set(HeaderSignature, "zz")
	if _, err := auth.Authenticate(garbled, body); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}
}

func TestCanonicalQuerySortsParameters(t *testing.T) {
	if got := CanonicalQuery("b=2&a=1"); got != "a=1&b=2" {
		t.Fatalf("unexpected canonical query %q", got)
	}
}

func TestAuthenticatorPersistsNonceUsage(t *testing.T) {
	backend := newFakePersistence()
	key := mustKey(t)
	now := time.Unix(1_700_000_000, 0).UTC()
	payload := []byte("payload")
	nowFn := func() time.Time { return now }
	cutoff := now.Add(-5 * time.Minute)

	auth := NewAuthenticator(2*time.Minute, 5*time.Minute, 16, nowFn, backend)
	if err := auth.HydrateNonces(context.Background(), cutoff); err != nil {
		t.Fatalf("hydrate nonces: %v", err)
	}
	if _, err := auth.Authenticate(newSignedRequest(t, key, now, "nonce-42", payload), payload); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if count := backend.Count(); count != 1 {
		t.Fatalf("unexpected persisted nonce count: %d", count)
	}

	authRestart := NewAuthenticator(2*time.Minute, 5*time.Minute, 16, nowFn, backend)
	if err := authRestart.HydrateNonces(context.Background(), cutoff); err != nil {
		t.Fatalf("hydrate restart: %v", err)
	}
	if _, err := authRestart.Authenticate(newSignedRequest(t, key, now, "nonce-42", payload), payload); !errors.Is(err, ErrReplay) {
		t.Fatalf("expected nonce replay after hydration, got %v", err)
	}

	authCold := NewAuthenticator(2*time.Minute, 5*time.Minute, 16, nowFn, backend)
	if _, err := authCold.Authenticate(newSignedRequest(t, key, now, "nonce-42", payload), payload); !errors.Is(err, ErrReplay) {
		t.Fatalf("expected nonce replay via persistence, got %v", err)
	}
}

func mustKey(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

type fakePersistence struct {
	mu      sync.Mutex
	records map[string]NonceRecord
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{records: make(map[string]NonceRecord)}
}

func (f *fakePersistence) EnsureNonce(ctx context.Context, record NonceRecord) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.records == nil {
		f.records = make(map[string]NonceRecord)
	}
	key := record.Signer + "|" + record.Timestamp + "|" + record.Nonce
	if existing, ok := f.records[key]; ok {
		if record.ObservedAt.After(existing.ObservedAt) {
			f.records[key] = record
		}
		return true, nil
	}
	f.records[key] = record
	return false, nil
}

func (f *fakePersistence) RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]NonceRecord, 0, len(f.records))
	for _, rec := range f.records {
		if rec.ObservedAt.Before(cutoff) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakePersistence) PruneNonces(ctx context.Context, cutoff time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, rec := range f.records {
		if rec.ObservedAt.Before(cutoff) {
			delete(f.records, key)
		}
	}
	return nil
}

func (f *fakePersistence) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}
