package auth

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	seen/<digest>               -> observed unix nanos (8 bytes) || signer|timestamp|nonce
//	at/<20 digit nanos>/<digest> -> empty
//
// The at/ index is ordered by observation time so recent scans and pruning
// are range reads.
var (
	seenPrefix = []byte("seen/")
	atPrefix   = []byte("at/")
)

// LevelDBNoncePersistence keeps signer nonces in LevelDB so replays are
// rejected across optiond restarts.
type LevelDBNoncePersistence struct {
	db *leveldb.DB
}

// NewLevelDBNoncePersistence opens or creates the nonce log at path.
func NewLevelDBNoncePersistence(path string) (*LevelDBNoncePersistence, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, errors.New("auth: nonce log path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("auth: resolve nonce log path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("auth: open nonce log: %w", err)
	}
	return &LevelDBNoncePersistence{db: db}, nil
}

// Close releases the underlying LevelDB handle.
func (p *LevelDBNoncePersistence) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *LevelDBNoncePersistence) ready() error {
	if p == nil || p.db == nil {
		return errors.New("auth: nonce log not open")
	}
	return nil
}

// EnsureNonce records the nonce and reports whether it had been seen before.
// A repeated nonce refreshes its observation time.
func (p *LevelDBNoncePersistence) EnsureNonce(_ context.Context, record NonceRecord) (bool, error) {
	if err := p.ready(); err != nil {
		return false, err
	}
	composite, err := record.composite()
	if err != nil {
		return false, err
	}
	observed := record.ObservedAt.UTC()
	if observed.IsZero() {
		observed = time.Now().UTC()
	}
	digest := nonceDigest(composite)
	seen := append(append([]byte(nil), seenPrefix...), digest...)

	batch := new(leveldb.Batch)
	existed := false
	prev, err := p.db.Get(seen, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return false, fmt.Errorf("auth: load nonce: %w", err)
	default:
		existed = true
		prevNanos, _, ok := decodeSeen(prev)
		if ok && prevNanos >= observed.UnixNano() {
			return true, nil
		}
		if ok {
			batch.Delete(atKey(prevNanos, digest))
		}
	}
	batch.Put(seen, encodeSeen(observed.UnixNano(), composite))
	batch.Put(atKey(observed.UnixNano(), digest), nil)
	if err := p.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("auth: record nonce: %w", err)
	}
	return existed, nil
}

// RecentNonces returns the nonces observed at or after cutoff, oldest first.
func (p *LevelDBNoncePersistence) RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	rng := util.BytesPrefix(atPrefix)
	rng.Start = atKey(cutoff.UTC().UnixNano(), "")
	iter := p.db.NewIterator(rng, nil)
	defer iter.Release()

	var records []NonceRecord
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		digest := digestFromAt(iter.Key())
		raw, err := p.db.Get(append(append([]byte(nil), seenPrefix...), digest...), nil)
		if err != nil {
			continue
		}
		nanos, composite, ok := decodeSeen(raw)
		if !ok {
			continue
		}
		parts := strings.SplitN(composite, "|", 3)
		if len(parts) != 3 {
			continue
		}
		records = append(records, NonceRecord{
			Signer:     parts[0],
			Timestamp:  parts[1],
			Nonce:      parts[2],
			ObservedAt: time.Unix(0, nanos).UTC(),
		})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("auth: scan nonce log: %w", err)
	}
	return records, nil
}

// PruneNonces deletes nonces observed before cutoff.
func (p *LevelDBNoncePersistence) PruneNonces(ctx context.Context, cutoff time.Time) error {
	if err := p.ready(); err != nil {
		return err
	}
	iter := p.db.NewIterator(&util.Range{Start: atPrefix, Limit: atKey(cutoff.UTC().UnixNano(), "")}, nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
		batch.Delete(append(append([]byte(nil), seenPrefix...), digestFromAt(iter.Key())...))
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("auth: scan nonce log: %w", err)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := p.db.Write(batch, nil); err != nil {
		return fmt.Errorf("auth: prune nonce log: %w", err)
	}
	return nil
}

// RunPruner drops nonces older than window every interval until ctx is done.
func (p *LevelDBNoncePersistence) RunPruner(ctx context.Context, window, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = window
	}
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := p.PruneNonces(ctx, now.Add(-window)); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("nonce prune failed", slog.Any("error", err))
			}
		}
	}
}

func (r NonceRecord) composite() (string, error) {
	signer := strings.TrimSpace(r.Signer)
	ts := strings.TrimSpace(r.Timestamp)
	nonce := strings.TrimSpace(r.Nonce)
	if signer == "" || ts == "" || nonce == "" {
		return "", errors.New("auth: nonce record incomplete")
	}
	return signer + "|" + ts + "|" + nonce, nil
}

func nonceDigest(composite string) string {
	sum := sha256.Sum256([]byte(composite))
	return hex.EncodeToString(sum[:16])
}

func atKey(nanos int64, digest string) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", atPrefix, nanos, digest))
}

func digestFromAt(key []byte) string {
	idx := strings.LastIndexByte(string(key), '/')
	if idx < 0 {
		return ""
	}
	return string(key[idx+1:])
}

func encodeSeen(nanos int64, composite string) []byte {
	buf := make([]byte, 8+len(composite))
	binary.BigEndian.PutUint64(buf, uint64(nanos))
	copy(buf[8:], composite)
	return buf
}

func decodeSeen(raw []byte) (int64, string, bool) {
	if len(raw) < 8 {
		return 0, "", false
	}
	return int64(binary.BigEndian.Uint64(raw[:8])), string(raw[8:]), true
}
