package state

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"optionchain/storage"
)

var errTxClosed = errors.New("state: transaction already closed")

// KV is the record-level view handed to engine code. Get reports whether the
// key exists; deleting a missing key is a no-op.
type KV interface {
	Get(key []byte) ([]byte, bool, error)
	Has(key []byte) (bool, error)
	Set(key, value []byte) error
	Delete(key []byte) error
}

// Instance scopes a storage database to a single contract instance. Every key
// is prefixed with the instance identifier and hashed with keccak256 before it
// reaches the database, so instances never collide.
//
// Writes go through Update, which stages them in a Tx and commits them as one
// storage batch. Update calls are serialized.
type Instance struct {
	db     storage.Database
	prefix []byte
	mu     sync.Mutex
}

// NewInstance binds the instance identifier to the database.
func NewInstance(db storage.Database, id string) *Instance {
	prefix := make([]byte, 0, len(id)+len("instance/")+1)
	prefix = append(prefix, "instance/"...)
	prefix = append(prefix, id...)
	prefix = append(prefix, '/')
	return &Instance{db: db, prefix: prefix}
}

func (i *Instance) hashKey(key []byte) []byte {
	buf := make([]byte, len(i.prefix)+len(key))
	copy(buf, i.prefix)
	copy(buf[len(i.prefix):], key)
	return ethcrypto.Keccak256(buf)
}

func (i *Instance) get(key []byte) ([]byte, bool, error) {
	if i == nil || i.db == nil {
		return nil, false, errors.New("state: instance not configured")
	}
	value, err := i.db.Get(i.hashKey(key))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// View runs fn against the committed state. Writes made through the view are
// rejected.
func (i *Instance) View(fn func(KV) error) error {
	return fn(readOnlyKV{inst: i})
}

// Update runs fn inside a staged transaction. The transaction commits only
// when fn returns nil; otherwise every staged write is discarded.
func (i *Instance) Update(fn func(KV) error) error {
	if i == nil {
		return errors.New("state: instance not configured")
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	tx := i.begin()
	if err := fn(tx); err != nil {
		tx.Discard()
		return err
	}
	return tx.Commit()
}

func (i *Instance) begin() *Tx {
	return &Tx{
		inst:   i,
		writes: make(map[string][]byte),
		dels:   make(map[string]struct{}),
	}
}

type readOnlyKV struct {
	inst *Instance
}

func (r readOnlyKV) Get(key []byte) ([]byte, bool, error) { return r.inst.get(key) }

func (r readOnlyKV) Has(key []byte) (bool, error) {
	_, ok, err := r.inst.get(key)
	return ok, err
}

func (readOnlyKV) Set([]byte, []byte) error { return errors.New("state: read-only view") }
func (readOnlyKV) Delete([]byte) error      { return errors.New("state: read-only view") }

// Tx overlays staged writes on top of the committed instance state.
type Tx struct {
	inst   *Instance
	writes map[string][]byte
	dels   map[string]struct{}
	closed bool
}

func (t *Tx) Get(key []byte) ([]byte, bool, error) {
	if t.closed {
		return nil, false, errTxClosed
	}
	k := string(key)
	if _, deleted := t.dels[k]; deleted {
		return nil, false, nil
	}
	if value, ok := t.writes[k]; ok {
		return append([]byte(nil), value...), true, nil
	}
	return t.inst.get(key)
}

func (t *Tx) Has(key []byte) (bool, error) {
	_, ok, err := t.Get(key)
	return ok, err
}

func (t *Tx) Set(key, value []byte) error {
	if t.closed {
		return errTxClosed
	}
	k := string(key)
	delete(t.dels, k)
	t.writes[k] = append([]byte(nil), value...)
	return nil
}

func (t *Tx) Delete(key []byte) error {
	if t.closed {
		return errTxClosed
	}
	k := string(key)
	delete(t.writes, k)
	t.dels[k] = struct{}{}
	return nil
}

// Commit flushes staged writes as a single batch.
func (t *Tx) Commit() error {
	if t.closed {
		return errTxClosed
	}
	t.closed = true
	batch := storage.NewBatch()
	keys := make([]string, 0, len(t.writes))
	for k := range t.writes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		batch.Put(t.inst.hashKey([]byte(k)), t.writes[k])
	}
	dels := make([]string, 0, len(t.dels))
	for k := range t.dels {
		dels = append(dels, k)
	}
	sort.Strings(dels)
	for _, k := range dels {
		batch.Delete(t.inst.hashKey([]byte(k)))
	}
	if err := t.inst.db.Write(batch); err != nil {
		return fmt.Errorf("state: commit: %w", err)
	}
	return nil
}

// Discard drops every staged write.
func (t *Tx) Discard() {
	t.closed = true
	t.writes = nil
	t.dels = nil
}
