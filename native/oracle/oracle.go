package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"optionchain/core/events"
	"optionchain/core/state"
	"optionchain/core/types"
	"optionchain/crypto"
	"optionchain/native/option"
)

const (
	EventTypeUpdate   = "oracle.update"
	EventTypeRetrieve = "oracle.retrieve"
)

var (
	ErrAlreadyInitialized = errors.New("oracle: already initialized")
	ErrNotInitialized     = errors.New("oracle: not initialized")
	ErrPumpUserNotSet     = errors.New("oracle: price pump user not set")
	ErrUnauthorized       = errors.New("oracle: unauthorized")
	ErrNoQuote            = errors.New("oracle: no quote published")
	ErrInvalidQuote       = errors.New("oracle: invalid quote")

	errNilState = errors.New("oracle: state not configured")
	errNilAuth  = errors.New("oracle: authorizer not configured")
)

var (
	keyInit     = []byte("Init")
	keyOwner    = []byte("Owner")
	keyPumpUser = []byte("PxPumpUser")
	keyPumpHash = []byte("PxPumpHash")
	keyQuote    = []byte("Quote")
)

// Quote is one published price.
type Quote struct {
	Symbol    string
	Price     *big.Int
	Timestamp uint64
	Flags     uint32
	Decimals  uint32
}

type storedQuote struct {
	Symbol    string
	Price     state.SignedInt
	Timestamp uint64
	Flags     uint32
	Decimals  uint32
}

// Store is the record store backing the oracle instance.
type Store interface {
	View(fn func(state.KV) error) error
	Update(fn func(state.KV) error) error
}

// Authorizer verifies that addr authenticated the current call.
type Authorizer interface {
	RequireAuth(ctx context.Context, addr crypto.Address) error
}

type oracleEvent struct {
	evt *types.Event
}

func (e oracleEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e oracleEvent) Event() *types.Event { return e.evt }

// Engine is a single-feed price oracle. An owner registers the price pump
// account; only the pump may publish quotes and anyone may read them.
type Engine struct {
	mu      sync.Mutex
	name    string
	address crypto.Address
	store   Store
	auth    Authorizer
	emitter events.Emitter
	nowFn   func() int64
}

// NewEngine creates the oracle named name. Its address is derived from the
// name.
func NewEngine(name string) *Engine {
	name = strings.TrimSpace(name)
	return &Engine{
		name:    name,
		address: crypto.ContractAddress("oracle/" + name),
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetStore configures the oracle record store.
func (e *Engine) SetStore(store Store) { e.store = store }

// SetAuthorizer configures the caller verification primitive.
func (e *Engine) SetAuthorizer(a Authorizer) { e.auth = a }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the clock used to stamp retrieve events.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// Name returns the oracle name.
func (e *Engine) Name() string { return e.name }

// Address returns the reference listings use to point at this oracle.
func (e *Engine) Address() crypto.Address { return e.address }

func (e *Engine) emit(evt *types.Event) {
	if e.emitter != nil && evt != nil {
		e.emitter.Emit(oracleEvent{evt: evt})
	}
}

func (e *Engine) requireAuth(ctx context.Context, addr crypto.Address) error {
	if e.auth == nil {
		return errNilAuth
	}
	if addr.IsZero() {
		return fmt.Errorf("%w: empty address", ErrUnauthorized)
	}
	if err := e.auth.RequireAuth(ctx, addr); err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return nil
}

func requireInit(kv state.KV) error {
	ok, err := kv.Has(keyInit)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotInitialized
	}
	return nil
}

func loadAddress(kv state.KV, key []byte) (crypto.Address, error) {
	var encoded string
	ok, err := state.GetRLP(kv, key, &encoded)
	if err != nil || !ok || encoded == "" {
		return crypto.Address{}, err
	}
	return crypto.DecodeAddress(encoded)
}

// Init initializes the oracle and records the owner allowed to configure the
// price pump. It fails when called twice.
func (e *Engine) Init(ctx context.Context, owner crypto.Address) error {
	if e.store == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Update(func(kv state.KV) error {
		ok, err := kv.Has(keyInit)
		if err != nil {
			return err
		}
		if ok {
			return ErrAlreadyInitialized
		}
		if err := e.requireAuth(ctx, owner); err != nil {
			return err
		}
		if err := state.PutRLP(kv, keyInit, true); err != nil {
			return err
		}
		return state.PutRLP(kv, keyOwner, owner.String())
	})
}

func (e *Engine) requireOwner(ctx context.Context, kv state.KV, caller crypto.Address) error {
	if err := requireInit(kv); err != nil {
		return err
	}
	owner, err := loadAddress(kv, keyOwner)
	if err != nil {
		return err
	}
	if err := e.requireAuth(ctx, caller); err != nil {
		return err
	}
	if !owner.Equal(caller) {
		return fmt.Errorf("%w: %s is not the owner", ErrUnauthorized, caller)
	}
	return nil
}

// SetPumpUser registers the account allowed to publish quotes.
func (e *Engine) SetPumpUser(ctx context.Context, owner, user crypto.Address) error {
	if e.store == nil {
		return errNilState
	}
	if user.IsZero() {
		return fmt.Errorf("%w: pump user required", ErrInvalidQuote)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Update(func(kv state.KV) error {
		if err := e.requireOwner(ctx, kv, owner); err != nil {
			return err
		}
		return state.PutRLP(kv, keyPumpUser, user.String())
	})
}

// SetPumpHash records the SHA-256 digest of the pump build in use.
func (e *Engine) SetPumpHash(ctx context.Context, owner crypto.Address, hash [32]byte) error {
	if e.store == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Update(func(kv state.KV) error {
		if err := e.requireOwner(ctx, kv, owner); err != nil {
			return err
		}
		return state.PutRLP(kv, keyPumpHash, hash)
	})
}

// PumpHash returns the registered pump digest, if any.
func (e *Engine) PumpHash(ctx context.Context) ([32]byte, bool, error) {
	var hash [32]byte
	if e.store == nil {
		return hash, false, errNilState
	}
	var found bool
	err := e.store.View(func(kv state.KV) error {
		if err := requireInit(kv); err != nil {
			return err
		}
		var err error
		found, err = state.GetRLP(kv, keyPumpHash, &hash)
		return err
	})
	return hash, found, err
}

// PumpUser returns the registered pump account.
func (e *Engine) PumpUser(ctx context.Context) (crypto.Address, error) {
	if e.store == nil {
		return crypto.Address{}, errNilState
	}
	var user crypto.Address
	err := e.store.View(func(kv state.KV) error {
		if err := requireInit(kv); err != nil {
			return err
		}
		var err error
		user, err = loadAddress(kv, keyPumpUser)
		if err == nil && user.IsZero() {
			return ErrPumpUserNotSet
		}
		return err
	})
	return user, err
}

// Update publishes a quote. The registered pump user must sign the call.
func (e *Engine) Update(ctx context.Context, pump crypto.Address, q Quote) error {
	if e.store == nil {
		return errNilState
	}
	if q.Price == nil || q.Price.Sign() < 0 {
		return fmt.Errorf("%w: price must not be negative", ErrInvalidQuote)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.store.Update(func(kv state.KV) error {
		if err := requireInit(kv); err != nil {
			return err
		}
		user, err := loadAddress(kv, keyPumpUser)
		if err != nil {
			return err
		}
		if user.IsZero() {
			return ErrPumpUserNotSet
		}
		if err := e.requireAuth(ctx, pump); err != nil {
			return err
		}
		if !user.Equal(pump) {
			return fmt.Errorf("%w: %s is not the pump user", ErrUnauthorized, pump)
		}
		return state.PutRLP(kv, keyQuote, storedQuote{
			Symbol:    strings.TrimSpace(q.Symbol),
			Price:     state.NewSignedInt(q.Price),
			Timestamp: q.Timestamp,
			Flags:     q.Flags,
			Decimals:  q.Decimals,
		})
	})
	if err != nil {
		return err
	}
	e.emit(&types.Event{
		Type: EventTypeUpdate,
		Attributes: map[string]string{
			"oracle":    e.name,
			"symbol":    q.Symbol,
			"price":     q.Price.String(),
			"timestamp": strconv.FormatUint(q.Timestamp, 10),
			"flags":     strconv.FormatUint(uint64(q.Flags), 10),
		},
	})
	return nil
}

// Latest returns the last published quote.
func (e *Engine) Latest(ctx context.Context) (Quote, error) {
	if e.store == nil {
		return Quote{}, errNilState
	}
	var stored storedQuote
	err := e.store.View(func(kv state.KV) error {
		if err := requireInit(kv); err != nil {
			return err
		}
		ok, err := state.GetRLP(kv, keyQuote, &stored)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNoQuote
		}
		return nil
	})
	if err != nil {
		return Quote{}, err
	}
	return Quote{
		Symbol:    stored.Symbol,
		Price:     stored.Price.Int(),
		Timestamp: stored.Timestamp,
		Flags:     stored.Flags,
		Decimals:  stored.Decimals,
	}, nil
}

// Retrieve returns the last quote as an option snapshot and records the read.
func (e *Engine) Retrieve(ctx context.Context) (option.OracleSnapshot, error) {
	q, err := e.Latest(ctx)
	if err != nil {
		return option.OracleSnapshot{}, err
	}
	e.emit(&types.Event{
		Type: EventTypeRetrieve,
		Attributes: map[string]string{
			"oracle":    e.name,
			"symbol":    q.Symbol,
			"timestamp": strconv.FormatInt(e.nowFn(), 10),
		},
	})
	return option.OracleSnapshot{
		Symbol:    q.Symbol,
		Price:     q.Price,
		Timestamp: q.Timestamp,
		Flags:     q.Flags,
		Decimals:  q.Decimals,
	}, nil
}

var _ option.PriceOracle = (*Engine)(nil)
