package option

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"optionchain/core/events"
	"optionchain/core/state"
	"optionchain/core/types"
	"optionchain/crypto"
	nativecommon "optionchain/native/common"
)

// GateLevel is the kill-switch setting of the instance.
type GateLevel = nativecommon.GateLevel

// Store is the per-instance record store. Update must apply every write made
// by fn atomically, or none of them when fn fails.
type Store interface {
	View(fn func(state.KV) error) error
	Update(fn func(state.KV) error) error
}

// Authorizer verifies that addr authenticated the current call.
type Authorizer interface {
	RequireAuth(ctx context.Context, addr crypto.Address) error
}

// Ledger moves collateral between accounts. A transfer either completes or
// leaves both balances untouched.
type Ledger interface {
	Transfer(ctx context.Context, token string, from, to crypto.Address, amount *big.Int) error
}

// PriceOracle supplies the reference price used for settlement.
type PriceOracle interface {
	Retrieve(ctx context.Context) (OracleSnapshot, error)
}

// OracleRegistry resolves the oracle reference stored in a listing.
type OracleRegistry interface {
	Lookup(ref crypto.Address) (PriceOracle, bool)
}

// StaticOracles is a fixed OracleRegistry keyed by oracle address bytes.
type StaticOracles map[[crypto.AddressLength]byte]PriceOracle

// Lookup implements OracleRegistry.
func (s StaticOracles) Lookup(ref crypto.Address) (PriceOracle, bool) {
	oracle, ok := s[ref.Raw()]
	return oracle, ok && oracle != nil
}

// Engine runs the option escrow lifecycle for a single contract instance.
// Operations are serialized; each either commits all of its writes or none.
type Engine struct {
	mu       sync.Mutex
	instance string
	custody  crypto.Address
	store    Store
	ledger   Ledger
	oracles  OracleRegistry
	auth     Authorizer
	emitter  events.Emitter
	nowFn    func() int64
}

// NewEngine creates an engine for the named instance with a no-op emitter.
// Collaborators are wired with the Set* methods.
func NewEngine(instance string) *Engine {
	instance = strings.TrimSpace(instance)
	return &Engine{
		instance: instance,
		custody:  crypto.ContractAddress("option/" + instance),
		emitter:  events.NoopEmitter{},
		nowFn:    func() int64 { return time.Now().Unix() },
	}
}

// SetStore configures the instance record store.
func (e *Engine) SetStore(store Store) { e.store = store }

// SetLedger configures the collateral ledger.
func (e *Engine) SetLedger(ledger Ledger) { e.ledger = ledger }

// SetOracles configures the oracle registry used to resolve listings.
func (e *Engine) SetOracles(oracles OracleRegistry) { e.oracles = oracles }

// SetAuthorizer configures the caller verification primitive.
func (e *Engine) SetAuthorizer(auth Authorizer) { e.auth = auth }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the clock, in unix seconds. Intended for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// Instance returns the instance identifier.
func (e *Engine) Instance() string { return e.instance }

// Custody returns the address holding escrowed collateral.
func (e *Engine) Custody() crypto.Address { return e.custody }

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(optionEvent{evt: event})
}

func (e *Engine) now() uint64 {
	var ts int64
	if e == nil || e.nowFn == nil {
		ts = time.Now().Unix()
	} else {
		ts = e.nowFn()
	}
	if ts < 0 {
		return 0
	}
	return uint64(ts)
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

func (e *Engine) resolveOracle(ref crypto.Address) (PriceOracle, error) {
	if e.oracles == nil {
		return nil, errNilOracle
	}
	oracle, ok := e.oracles.Lookup(ref)
	if !ok {
		return nil, fmt.Errorf("%w: unknown oracle %s", ErrInvalidParameter, ref)
	}
	return oracle, nil
}

func guard(kv state.KV, op nativecommon.OpClass) error {
	level, err := loadGate(kv)
	if err != nil {
		return err
	}
	return nativecommon.Guard(level, op)
}

// requireListed applies the gate and loads the listing.
func requireListed(kv state.KV, op nativecommon.OpClass) (*ContractDefinition, error) {
	if err := guard(kv, op); err != nil {
		return nil, err
	}
	listed, err := isListed(kv)
	if err != nil {
		return nil, err
	}
	if !listed {
		return nil, ErrNotInitialized
	}
	return loadDefinition(kv)
}

// Init marks the instance initialized and opens the gate. Calling it again is
// a no-op and leaves the gate untouched.
func (e *Engine) Init(ctx context.Context) error {
	if e == nil || e.store == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fresh := false
	err := e.store.Update(func(kv state.KV) error {
		initialized, err := isInitialized(kv)
		if err != nil || initialized {
			return err
		}
		fresh = true
		if err := putBool(kv, keyInit, true); err != nil {
			return err
		}
		return putUint(kv, keyGate, uint64(nativecommon.GateOpen))
	})
	if err != nil {
		return err
	}
	if fresh {
		e.emit(newInitializedEvent(e.instance))
	}
	return nil
}

// GateLevel returns the stored kill-switch level. It is readable at every
// level so operators can observe a closed gate.
func (e *Engine) GateLevel(ctx context.Context) (GateLevel, error) {
	if e == nil || e.store == nil {
		return 0, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	var level GateLevel
	err := e.store.View(func(kv state.KV) error {
		var err error
		level, err = loadGate(kv)
		return err
	})
	return level, err
}

// ListRequest carries the listing parameters.
type ListRequest struct {
	Admin            crypto.Address
	OptionType       uint32
	Strike           *big.Int
	Decimals         uint32
	Expiration       uint64
	Oracle           crypto.Address
	Token            string
	UnderlyingToken  string
	UnderlyingSymbol string
}

func (e *Engine) validateListing(req ListRequest) (*ContractDefinition, error) {
	if req.Admin.IsZero() {
		return nil, fmt.Errorf("%w: admin required", ErrInvalidParameter)
	}
	optType, err := ParseOptionType(req.OptionType)
	if err != nil {
		return nil, err
	}
	if !optType.Supported() {
		return nil, fmt.Errorf("%w: unsupported option type %s", ErrInvalidParameter, optType)
	}
	if req.Strike == nil || req.Strike.Sign() <= 0 {
		return nil, fmt.Errorf("%w: strike must be positive", ErrInvalidParameter)
	}
	if req.Expiration <= e.now() {
		return nil, fmt.Errorf("%w: expiration must be in the future", ErrInvalidParameter)
	}
	if req.Oracle.IsZero() {
		return nil, fmt.Errorf("%w: oracle required", ErrInvalidParameter)
	}
	if _, err := e.resolveOracle(req.Oracle); err != nil {
		return nil, err
	}
	token, err := state.NormalizeToken(req.Token)
	if err != nil {
		return nil, fmt.Errorf("%w: collateral token: %v", ErrInvalidParameter, err)
	}
	underlying := strings.ToUpper(strings.TrimSpace(req.UnderlyingToken))
	return &ContractDefinition{
		CollateralToken:  token,
		UnderlyingToken:  underlying,
		UnderlyingSymbol: strings.TrimSpace(req.UnderlyingSymbol),
		Strike:           new(big.Int).Set(req.Strike),
		Decimals:         req.Decimals,
		Type:             optType,
		Expiration:       Expiration(req.Expiration),
		Oracle:           req.Oracle,
		Admin:            req.Admin,
	}, nil
}

// List stores the contract definition and resets deposits, trade metadata and
// the oracle snapshot. An existing listing may only be replaced by its admin
// while no collateral is posted.
func (e *Engine) List(ctx context.Context, req ListRequest) (*ContractDefinition, error) {
	if e == nil || e.store == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	var def *ContractDefinition
	err := e.store.Update(func(kv state.KV) error {
		if err := guard(kv, nativecommon.OpAdmin); err != nil {
			return err
		}
		initialized, err := isInitialized(kv)
		if err != nil {
			return err
		}
		if !initialized {
			return ErrNotInitialized
		}
		if err := e.requireAuth(ctx, req.Admin); err != nil {
			return err
		}
		candidate, err := e.validateListing(req)
		if err != nil {
			return err
		}
		listed, err := isListed(kv)
		if err != nil {
			return err
		}
		if listed {
			if err := ensureRelistable(kv, req.Admin); err != nil {
				return err
			}
		}
		if err := writeDefinition(kv, candidate); err != nil {
			return err
		}
		if err := resetInstance(kv); err != nil {
			return err
		}
		def = candidate
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(NewListedEvent(e.instance, def))
	return def.Clone(), nil
}

func ensureRelistable(kv state.KV, admin crypto.Address) error {
	stored, err := getAddress(kv, keyAdmin)
	if err != nil {
		return err
	}
	if !stored.Equal(admin) {
		return fmt.Errorf("%w: only the listing admin may relist", ErrUnauthorized)
	}
	for _, side := range []Side{SideSeller, SideBuyer} {
		dep, err := loadDeposit(kv, side)
		if err != nil {
			return err
		}
		if dep.Funded() && !dep.Settled {
			return fmt.Errorf("%w: %s collateral is posted", ErrDepositExists, side)
		}
	}
	return nil
}

// SetKillswitch changes the gate level. Only the listing admin may call it and
// it is never blocked by the gate itself.
func (e *Engine) SetKillswitch(ctx context.Context, admin crypto.Address, level GateLevel) error {
	if e == nil || e.store == nil {
		return errNilState
	}
	if !level.Valid() {
		return fmt.Errorf("%w: gate level %d", ErrInvalidParameter, level)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.store.Update(func(kv state.KV) error {
		listed, err := isListed(kv)
		if err != nil {
			return err
		}
		if !listed {
			return ErrNotInitialized
		}
		if err := e.requireAuth(ctx, admin); err != nil {
			return err
		}
		stored, err := getAddress(kv, keyAdmin)
		if err != nil {
			return err
		}
		if !stored.Equal(admin) {
			return fmt.Errorf("%w: caller is not the admin", ErrUnauthorized)
		}
		return putUint(kv, keyGate, uint64(level))
	})
	if err != nil {
		return err
	}
	e.emit(NewKillswitchEvent(e.instance, level))
	return nil
}

// Specs returns a read-only projection of the instance.
func (e *Engine) Specs(ctx context.Context) (Specs, error) {
	if e == nil || e.store == nil {
		return Specs{}, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := Specs{Custody: e.custody}
	err := e.store.View(func(kv state.KV) error {
		if err := guard(kv, nativecommon.OpRead); err != nil {
			return err
		}
		var err error
		if out.Initialized, err = isInitialized(kv); err != nil {
			return err
		}
		if out.Gate, err = loadGate(kv); err != nil {
			return err
		}
		if out.Listed, err = isListed(kv); err != nil {
			return err
		}
		if !out.Listed {
			return nil
		}
		if out.Definition, err = loadDefinition(kv); err != nil {
			return err
		}
		if out.Buyer, err = loadDeposit(kv, SideBuyer); err != nil {
			return err
		}
		if out.Seller, err = loadDeposit(kv, SideSeller); err != nil {
			return err
		}
		if out.Trade, err = loadTrade(kv); err != nil {
			return err
		}
		out.Snapshot, err = loadSnapshot(kv)
		return err
	})
	if err != nil {
		return Specs{}, err
	}
	return out, nil
}

// compensate reverses a completed collateral transfer after the state commit
// failed.
func (e *Engine) compensate(ctx context.Context, token string, from, to crypto.Address, amount *big.Int, cause error) error {
	if err := e.ledger.Transfer(ctx, token, from, to, amount); err != nil {
		return errors.Join(cause, fmt.Errorf("option: reverse transfer of %s %s: %w", amount, token, err))
	}
	return cause
}
