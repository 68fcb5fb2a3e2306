package optiond

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"optionchain/core/events"
	"optionchain/core/state"
	"optionchain/crypto"
	"optionchain/native/bank"
	nativecommon "optionchain/native/common"
	"optionchain/native/option"
	"optionchain/native/oracle"
	"optionchain/storage"
)

// InstanceSpec names one option instance and the oracle it reads from.
type InstanceSpec struct {
	ID     string
	Oracle string
}

// OracleSpec names one oracle and its optional pump user.
type OracleSpec struct {
	Name     string
	PumpUser crypto.Address
}

// NodeConfig lists the engines a node hosts.
type NodeConfig struct {
	Instances []InstanceSpec
	Oracles   []OracleSpec
	Emitter   events.Emitter
	NowFn     func() int64
	Logger    *slog.Logger
}

// Node hosts the option instances, their oracles and the collateral ledger on
// one database.
type Node struct {
	db      storage.Database
	ledger  *bank.Ledger
	options map[string]*option.Engine
	oracles map[string]*oracle.Engine
	pumps   map[string]crypto.Address
	logger  *slog.Logger
}

// NewNode wires every configured engine onto db.
func NewNode(db storage.Database, cfg NodeConfig) (*Node, error) {
	if db == nil {
		return nil, errors.New("optiond: database required")
	}
	emitter := cfg.Emitter
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ledger := bank.NewLedger(state.NewManager(db))
	ledger.SetEmitter(emitter)

	node := &Node{
		db:      db,
		ledger:  ledger,
		options: make(map[string]*option.Engine, len(cfg.Instances)),
		oracles: make(map[string]*oracle.Engine, len(cfg.Oracles)),
		pumps:   make(map[string]crypto.Address, len(cfg.Oracles)),
		logger:  logger,
	}
	registry := option.StaticOracles{}
	for _, spec := range cfg.Oracles {
		name := strings.TrimSpace(spec.Name)
		if name == "" {
			return nil, errors.New("optiond: oracle name required")
		}
		if _, dup := node.oracles[name]; dup {
			return nil, fmt.Errorf("optiond: duplicate oracle %q", name)
		}
		engine := oracle.NewEngine(name)
		engine.SetStore(state.NewInstance(db, "oracle/"+name))
		engine.SetAuthorizer(nativecommon.ContextAuthorizer{})
		engine.SetEmitter(emitter)
		if cfg.NowFn != nil {
			engine.SetNowFunc(cfg.NowFn)
		}
		node.oracles[name] = engine
		node.pumps[name] = spec.PumpUser
		registry[engine.Address().Raw()] = engine
	}
	for _, spec := range cfg.Instances {
		id := strings.TrimSpace(spec.ID)
		if id == "" {
			return nil, errors.New("optiond: instance id required")
		}
		if _, dup := node.options[id]; dup {
			return nil, fmt.Errorf("optiond: duplicate instance %q", id)
		}
		if _, ok := node.oracles[spec.Oracle]; !ok {
			return nil, fmt.Errorf("optiond: instance %q references unknown oracle %q", id, spec.Oracle)
		}
		engine := option.NewEngine(id)
		engine.SetStore(state.NewInstance(db, "option/"+id))
		engine.SetLedger(ledger)
		engine.SetOracles(registry)
		engine.SetAuthorizer(nativecommon.ContextAuthorizer{})
		engine.SetEmitter(emitter)
		if cfg.NowFn != nil {
			engine.SetNowFunc(cfg.NowFn)
		}
		node.options[id] = engine
	}
	return node, nil
}

// Bootstrap initializes every oracle with operator as owner, registers the
// configured pump users and initializes every option instance. It is safe to
// run on every start.
func (n *Node) Bootstrap(ctx context.Context, operator crypto.Address) error {
	ctx = nativecommon.WithSigners(ctx, operator)
	for _, name := range n.OracleNames() {
		engine := n.oracles[name]
		if err := engine.Init(ctx, operator); err != nil && !errors.Is(err, oracle.ErrAlreadyInitialized) {
			return fmt.Errorf("init oracle %s: %w", name, err)
		}
		pump := n.pumps[name]
		if pump.IsZero() {
			continue
		}
		current, err := engine.PumpUser(ctx)
		if err != nil && !errors.Is(err, oracle.ErrPumpUserNotSet) {
			return fmt.Errorf("read pump user %s: %w", name, err)
		}
		if current.Equal(pump) {
			continue
		}
		if err := engine.SetPumpUser(ctx, operator, pump); err != nil {
			return fmt.Errorf("set pump user %s: %w", name, err)
		}
		n.logger.Info("pump user registered", slog.String("oracle", name), slog.String("pump", pump.String()))
	}
	for _, id := range n.InstanceIDs() {
		if err := n.options[id].Init(ctx); err != nil {
			return fmt.Errorf("init instance %s: %w", id, err)
		}
	}
	return nil
}

// ApplyAllocations credits the configured balances once per set name.
func (n *Node) ApplyAllocations(name string, allocs []bank.Allocation) (bool, error) {
	return n.ledger.ApplyAllocations(name, allocs)
}

// Option returns the named option instance.
func (n *Node) Option(id string) (*option.Engine, bool) {
	engine, ok := n.options[id]
	return engine, ok
}

// Oracle returns the named oracle.
func (n *Node) Oracle(name string) (*oracle.Engine, bool) {
	engine, ok := n.oracles[name]
	return engine, ok
}

// ResolveOracle accepts either an oracle name or its address.
func (n *Node) ResolveOracle(ref string) (crypto.Address, error) {
	ref = strings.TrimSpace(ref)
	if engine, ok := n.oracles[ref]; ok {
		return engine.Address(), nil
	}
	addr, err := crypto.DecodeAddress(ref)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%w: unknown oracle %q", option.ErrInvalidParameter, ref)
	}
	return addr, nil
}

// Ledger exposes the collateral ledger.
func (n *Node) Ledger() *bank.Ledger { return n.ledger }

// InstanceIDs returns the hosted instance ids in sorted order.
func (n *Node) InstanceIDs() []string {
	ids := make([]string, 0, len(n.options))
	for id := range n.options {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// OracleNames returns the hosted oracle names in sorted order.
func (n *Node) OracleNames() []string {
	names := make([]string, 0, len(n.oracles))
	for name := range n.oracles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
