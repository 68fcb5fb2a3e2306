package config

import (
	"fmt"
	"math/big"
	"strings"

	"optionchain/core/state"
	"optionchain/crypto"
)

// Validate checks cross references between instances, oracles and
// allocations.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil config")
	}
	if len(cfg.Instances) == 0 {
		return fmt.Errorf("config: at least one instance required")
	}
	oracles := make(map[string]struct{}, len(cfg.Oracles))
	for _, o := range cfg.Oracles {
		name := strings.TrimSpace(o.Name)
		if name == "" {
			return fmt.Errorf("config: oracle name required")
		}
		if _, dup := oracles[name]; dup {
			return fmt.Errorf("config: duplicate oracle %q", name)
		}
		if o.PumpUser != "" {
			if _, err := crypto.DecodeAddress(o.PumpUser); err != nil {
				return fmt.Errorf("config: oracle %q pump user: %w", name, err)
			}
		}
		oracles[name] = struct{}{}
	}
	seen := make(map[string]struct{}, len(cfg.Instances))
	for _, inst := range cfg.Instances {
		id := strings.TrimSpace(inst.ID)
		if id == "" {
			return fmt.Errorf("config: instance id required")
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("config: duplicate instance %q", id)
		}
		if _, ok := oracles[inst.Oracle]; !ok {
			return fmt.Errorf("config: instance %q references unknown oracle %q", id, inst.Oracle)
		}
		seen[id] = struct{}{}
	}
	for i, alloc := range cfg.Allocations {
		if _, err := alloc.Parse(); err != nil {
			return fmt.Errorf("config: allocation %d: %w", i, err)
		}
	}
	if cfg.RateLimitPerSecond <= 0 || cfg.RateLimitBurst <= 0 {
		return fmt.Errorf("config: rate limit must be positive")
	}
	return nil
}

// ParsedAllocation is an Allocation with its fields decoded.
type ParsedAllocation struct {
	Token   string
	Address crypto.Address
	Amount  *big.Int
}

// Parse decodes the allocation's address, token and base-unit amount.
func (a Allocation) Parse() (ParsedAllocation, error) {
	token, err := state.NormalizeToken(a.Token)
	if err != nil {
		return ParsedAllocation{}, err
	}
	addr, err := crypto.DecodeAddress(a.Address)
	if err != nil {
		return ParsedAllocation{}, err
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(a.Amount), 10)
	if !ok || amount.Sign() <= 0 {
		return ParsedAllocation{}, fmt.Errorf("invalid amount %q", a.Amount)
	}
	return ParsedAllocation{Token: token, Address: addr, Amount: amount}, nil
}
