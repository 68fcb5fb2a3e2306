package auth

import (
	"container/list"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"optionchain/crypto"
)

const (
	// HeaderTimestamp is the unix timestamp (seconds) used when signing the request.
	HeaderTimestamp = "X-Timestamp"
	// HeaderNonce provides replay protection when combined with the timestamp.
	HeaderNonce = "X-Nonce"
	// HeaderSignature carries the hex-encoded recoverable secp256k1 signature.
	HeaderSignature = "X-Signature"
	// MaxBodyForSignature is the maximum body size we will hash when authenticating.
	MaxBodyForSignature int = 1 << 20 // 1 MiB

	maxAllowedTimestampSkew  = 2 * time.Minute
	defaultTimestampSkew     = maxAllowedTimestampSkew
	maxNonceWindow           = 10 * time.Minute
	defaultNonceWindow       = maxNonceWindow
	defaultNonceCapacity     = 4096
	maxNonceCapacity         = 65536
	persistencePruneInterval = time.Minute
)

var (
	ErrMissingSignature = errors.New("auth: missing signature headers")
	ErrInvalidSignature = errors.New("auth: invalid signature")
	ErrStaleTimestamp   = errors.New("auth: timestamp outside allowed skew")
	ErrReplay           = errors.New("auth: request replayed")
)

// Principal represents the address that signed a request.
type Principal struct {
	Address crypto.Address
}

// NonceRecord captures persisted nonce usage metadata.
type NonceRecord struct {
	Signer     string
	Timestamp  string
	Nonce      string
	ObservedAt time.Time
}

// NoncePersistence provides durable storage for signer nonce usage.
type NoncePersistence interface {
	EnsureNonce(ctx context.Context, record NonceRecord) (bool, error)
	RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error)
	PruneNonces(ctx context.Context, cutoff time.Time) error
}

// Authenticator recovers the signing address from request signatures and
// rejects replays.
type Authenticator struct {
	allowedTimestampSkew time.Duration
	nonceTTL             time.Duration
	nonceCapacity        int
	nowFn                func() time.Time

	nonceMu sync.Mutex
	nonces  map[string]*nonceStore

	persistMu   sync.Mutex
	persistence NoncePersistence
	lastPruned  time.Time
}

// NewAuthenticator builds an Authenticator. Zero values select the defaults;
// larger values are clamped to the maximum window.
func NewAuthenticator(skew time.Duration, nonceTTL time.Duration, nonceCapacity int, nowFn func() time.Time, persistence NoncePersistence) *Authenticator {
	if nowFn == nil {
		nowFn = time.Now
	}
	if skew <= 0 {
		skew = defaultTimestampSkew
	}
	if skew > maxAllowedTimestampSkew {
		skew = maxAllowedTimestampSkew
	}
	if nonceTTL <= 0 {
		nonceTTL = defaultNonceWindow
	}
	if nonceTTL > maxNonceWindow {
		nonceTTL = maxNonceWindow
	}
	if nonceCapacity <= 0 {
		nonceCapacity = defaultNonceCapacity
	}
	if nonceCapacity > maxNonceCapacity {
		nonceCapacity = maxNonceCapacity
	}
	return &Authenticator{
		allowedTimestampSkew: skew,
		nonceTTL:             nonceTTL,
		nonceCapacity:        nonceCapacity,
		nowFn:                nowFn,
		nonces:               make(map[string]*nonceStore),
		persistence:          persistence,
	}
}

// Authenticate validates the signature headers against the request and body
// and returns the recovered signer.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (*Principal, error) {
	if len(body) > MaxBodyForSignature {
		return nil, fmt.Errorf("request body exceeds %d bytes", MaxBodyForSignature)
	}
	timestampHeader := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	providedSig := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if timestampHeader == "" || nonce == "" || providedSig == "" {
		return nil, ErrMissingSignature
	}
	ts, err := parseUnixTimestamp(timestampHeader)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %w", err)
	}
	now := a.nowFn().UTC()
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > a.allowedTimestampSkew {
		return nil, fmt.Errorf("%w of %s", ErrStaleTimestamp, a.allowedTimestampSkew)
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(providedSig, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	digest := SigningDigest(timestampHeader, nonce, r.Method, CanonicalRequestPath(r), body)
	signer, err := crypto.RecoverAddress(digest, sig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	duplicate, err := a.registerNonce(r.Context(), signer.String(), timestampHeader, nonce, now)
	if err != nil {
		return nil, err
	}
	if duplicate {
		return nil, fmt.Errorf("%w: nonce already used", ErrReplay)
	}
	return &Principal{Address: signer}, nil
}

// HydrateNonces warms the in-memory cache with persisted nonce usage records.
func (a *Authenticator) HydrateNonces(ctx context.Context, cutoff time.Time) error {
	if a == nil || a.persistence == nil {
		return nil
	}
	records, err := a.persistence.RecentNonces(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("load persistent nonces: %w", err)
	}
	for _, rec := range records {
		if strings.TrimSpace(rec.Signer) == "" || strings.TrimSpace(rec.Timestamp) == "" || strings.TrimSpace(rec.Nonce) == "" {
			continue
		}
		observed := rec.ObservedAt
		if observed.IsZero() {
			observed = cutoff
		}
		a.nonceStore(rec.Signer).Add(rec.Timestamp+"|"+rec.Nonce, observed)
	}
	return nil
}

func (a *Authenticator) registerNonce(ctx context.Context, signer, timestamp, nonce string, now time.Time) (bool, error) {
	cache := a.nonceStore(signer)
	composite := timestamp + "|" + nonce
	if cache.Contains(composite, now) {
		return true, nil
	}
	if a.persistence != nil {
		if err := a.prunePersistent(ctx, now); err != nil {
			return false, err
		}
		existed, err := a.persistence.EnsureNonce(ctx, NonceRecord{
			Signer:     signer,
			Timestamp:  timestamp,
			Nonce:      nonce,
			ObservedAt: now,
		})
		if err != nil {
			return false, fmt.Errorf("persist nonce: %w", err)
		}
		if existed {
			cache.Add(composite, now)
			return true, nil
		}
	}
	cache.Add(composite, now)
	return false, nil
}

func (a *Authenticator) prunePersistent(ctx context.Context, now time.Time) error {
	a.persistMu.Lock()
	defer a.persistMu.Unlock()
	if a.lastPruned.IsZero() || now.Sub(a.lastPruned) >= persistencePruneInterval {
		if err := a.persistence.PruneNonces(ctx, now.Add(-a.nonceTTL)); err != nil {
			return fmt.Errorf("prune persistent nonces: %w", err)
		}
		a.lastPruned = now
	}
	return nil
}

func (a *Authenticator) nonceStore(signer string) *nonceStore {
	a.nonceMu.Lock()
	defer a.nonceMu.Unlock()
	cache, ok := a.nonces[signer]
	if ok {
		return cache
	}
	cache = newNonceStore(a.nonceTTL, a.nonceCapacity)
	a.nonces[signer] = cache
	return cache
}

// CanonicalRequestPath normalises URL paths and query ordering for signing.
func CanonicalRequestPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		path += "?" + CanonicalQuery(r.URL.RawQuery)
	}
	return path
}

// CanonicalQuery normalises raw query strings for stable signing.
func CanonicalQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	sort.Strings(parts)
	return strings.Join(parts, "&")
}

// SigningDigest is the keccak digest a client signs for a request.
func SigningDigest(timestamp, nonce, method, path string, body []byte) []byte {
	return crypto.Digest(
		[]byte(timestamp), []byte("\n"),
		[]byte(nonce), []byte("\n"),
		[]byte(strings.ToUpper(method)), []byte("\n"),
		[]byte(path), []byte("\n"),
		body,
	)
}

// SignRequest sets the signature headers on an outgoing request. body must be
// the exact bytes sent.
func SignRequest(r *http.Request, key *crypto.PrivateKey, body []byte, now time.Time, nonce string) error {
	if key == nil {
		return errors.New("auth: signing key required")
	}
	if strings.TrimSpace(nonce) == "" {
		return errors.New("auth: nonce required")
	}
	timestamp := strconv.FormatInt(now.Unix(), 10)
	sig, err := key.Sign(SigningDigest(timestamp, nonce, r.Method, CanonicalRequestPath(r), body))
	if err != nil {
		return err
	}
	r.Header.Set(HeaderTimestamp, timestamp)
	r.Header.Set(HeaderNonce, nonce)
	r.Header.Set(HeaderSignature, hex.EncodeToString(sig))
	return nil
}

func parseUnixTimestamp(v string) (time.Time, error) {
	secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}

type nonceStore struct {
	ttl      time.Duration
	capacity int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type nonceEntry struct {
	key string
	ts  time.Time
}

func newNonceStore(ttl time.Duration, capacity int) *nonceStore {
	if ttl <= 0 {
		ttl = defaultNonceWindow
	}
	if capacity <= 0 {
		capacity = defaultNonceCapacity
	}
	return &nonceStore{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Seen returns true if the nonce was already observed within the TTL window
// and records it otherwise.
func (n *nonceStore) Seen(key string, now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.evictExpired(now.Add(-n.ttl))
	if _, exists := n.entries[key]; exists {
		return true
	}
	n.insertLocked(key, now)
	return false
}

// Contains reports whether the nonce has been observed without recording it.
func (n *nonceStore) Contains(key string, now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.evictExpired(now.Add(-n.ttl))
	_, exists := n.entries[key]
	return exists
}

// Add registers a nonce in the cache, applying eviction as required.
func (n *nonceStore) Add(key string, now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.evictExpired(now.Add(-n.ttl))
	n.insertLocked(key, now)
}

func (n *nonceStore) insertLocked(key string, now time.Time) {
	if elem, exists := n.entries[key]; exists {
		elem.Value = nonceEntry{key: key, ts: now}
		n.order.MoveToBack(elem)
		return
	}
	for n.order.Len() >= n.capacity {
		n.evictFront()
	}
	n.entries[key] = n.order.PushBack(nonceEntry{key: key, ts: now})
}

func (n *nonceStore) evictExpired(cutoff time.Time) {
	for {
		front := n.order.Front()
		if front == nil {
			return
		}
		entry := front.Value.(nonceEntry)
		if !entry.ts.Before(cutoff) {
			return
		}
		n.order.Remove(front)
		delete(n.entries, entry.key)
	}
}

func (n *nonceStore) evictFront() {
	front := n.order.Front()
	if front == nil {
		return
	}
	entry := front.Value.(nonceEntry)
	n.order.Remove(front)
	delete(n.entries, entry.key)
}
