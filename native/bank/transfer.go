package bank

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"optionchain/core/events"
	"optionchain/core/state"
	"optionchain/crypto"
)

var errNilState = errors.New("bank: state manager required")

// Ledger moves collateral balances held in the state manager.
type Ledger struct {
	state   *state.Manager
	emitter events.Emitter
}

// NewLedger wraps the state manager with a no-op emitter.
func NewLedger(manager *state.Manager) *Ledger {
	return &Ledger{state: manager, emitter: events.NoopEmitter{}}
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		l.emitter = events.NoopEmitter{}
		return
	}
	l.emitter = emitter
}

// Balance returns the balance of addr in token.
func (l *Ledger) Balance(token string, addr crypto.Address) (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	return l.state.Balance(token, addr)
}

// Transfer debits from and credits to atomically.
func (l *Ledger) Transfer(ctx context.Context, token string, from, to crypto.Address, amount *big.Int) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if from.IsZero() || to.IsZero() {
		return fmt.Errorf("bank: transfer requires both parties")
	}
	if err := l.state.Transfer(token, from, to, amount); err != nil {
		return fmt.Errorf("bank: transfer %s %s: %w", amount, strings.ToUpper(token), err)
	}
	l.emitter.Emit(events.Transfer{Asset: token, From: from, To: to, Amount: new(big.Int).Set(amount)})
	return nil
}

// Allocation credits an account when the ledger is first provisioned.
type Allocation struct {
	Token   string
	Address crypto.Address
	Amount  *big.Int
}

// ApplyAllocations credits every allocation exactly once per name. It reports
// false when the named set was already applied.
func (l *Ledger) ApplyAllocations(name string, allocs []Allocation) (bool, error) {
	if l == nil || l.state == nil {
		return false, errNilState
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return false, fmt.Errorf("bank: allocation set name required")
	}
	for i, alloc := range allocs {
		if alloc.Address.IsZero() {
			return false, fmt.Errorf("bank: allocation %d: address required", i)
		}
		if alloc.Amount == nil || alloc.Amount.Sign() <= 0 {
			return false, fmt.Errorf("bank: allocation %d: amount must be positive", i)
		}
		if _, err := state.NormalizeToken(alloc.Token); err != nil {
			return false, fmt.Errorf("bank: allocation %d: %w", i, err)
		}
	}
	credits := make([]state.Credit, 0, len(allocs))
	for _, alloc := range allocs {
		credits = append(credits, state.Credit{Token: alloc.Token, Address: alloc.Address, Amount: alloc.Amount})
	}
	fresh, err := l.state.CreditOnce("allocations:"+name, credits)
	if err != nil {
		return false, fmt.Errorf("bank: apply allocations %q: %w", name, err)
	}
	if !fresh {
		return false, nil
	}
	for _, alloc := range allocs {
		l.emitter.Emit(events.Mint{Asset: alloc.Token, To: alloc.Address, Amount: new(big.Int).Set(alloc.Amount), Reason: name})
	}
	return true, nil
}
