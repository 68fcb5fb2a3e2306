package option

import (
	"context"
	"fmt"
	"math/big"

	"optionchain/core/state"
	"optionchain/crypto"
	nativecommon "optionchain/native/common"
)

// FundRequest is one counterparty's side of the trade.
type FundRequest struct {
	Counterparty crypto.Address
	Token        string
	Side         Side
	Price        *big.Int
	Decimals     uint32
	Qty          *big.Int
	TradeID      uint64
}

// RequiredDeposit returns the collateral a side must post: the seller covers
// (strike - price) * qty and the buyer pays price * qty.
func RequiredDeposit(side Side, strike, price, qty *big.Int) (*big.Int, error) {
	switch side {
	case SideSeller:
		diff := new(big.Int).Sub(strike, price)
		return diff.Mul(diff, qty), nil
	case SideBuyer:
		return new(big.Int).Mul(price, qty), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidSide, side)
	}
}

// Fund transfers the side's required collateral into custody and records the
// deposit together with the trade economics. A failed transfer leaves the
// instance unchanged.
func (e *Engine) Fund(ctx context.Context, req FundRequest) (Deposit, error) {
	if e == nil || e.store == nil {
		return Deposit{}, errNilState
	}
	if e.ledger == nil {
		return Deposit{}, errNilLedger
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var (
		dep         Deposit
		trade       TradeEconomics
		token       string
		transferred bool
	)
	err := e.store.Update(func(kv state.KV) error {
		def, err := requireListed(kv, nativecommon.OpTrade)
		if err != nil {
			return err
		}
		if err := e.requireAuth(ctx, req.Counterparty); err != nil {
			return err
		}
		now := e.now()
		if def.Expiration.Satisfied(now) {
			return fmt.Errorf("%w: expired at %d", ErrExpired, def.Expiration.Timestamp)
		}
		if req.Decimals != def.Decimals {
			return fmt.Errorf("%w: got %d want %d", ErrDecimalsMismatch, req.Decimals, def.Decimals)
		}
		if !req.Side.Valid() {
			return fmt.Errorf("%w: %s", ErrInvalidSide, req.Side)
		}
		if req.TradeID == 0 {
			return fmt.Errorf("%w: trade id required", ErrInvalidParameter)
		}
		existing, err := loadTrade(kv)
		if err != nil {
			return err
		}
		if existing.TradeID != 0 && existing.TradeID != req.TradeID {
			return fmt.Errorf("%w: recorded %d got %d", ErrTradeIDConflict, existing.TradeID, req.TradeID)
		}
		current, err := loadDeposit(kv, req.Side)
		if err != nil {
			return err
		}
		if current.Funded() {
			return fmt.Errorf("%w: %s", ErrDepositExists, req.Side)
		}
		if token, err = state.NormalizeToken(req.Token); err != nil || token != def.CollateralToken {
			return fmt.Errorf("%w: collateral token must be %s", ErrInvalidParameter, def.CollateralToken)
		}
		if req.Price == nil || req.Price.Sign() < 0 {
			return fmt.Errorf("%w: price must not be negative", ErrInvalidParameter)
		}
		if req.Qty == nil || req.Qty.Sign() <= 0 {
			return fmt.Errorf("%w: quantity must be positive", ErrInvalidParameter)
		}
		if existing.TradeID != 0 && (existing.Price.Cmp(req.Price) != 0 || existing.Qty.Cmp(req.Qty) != 0) {
			return fmt.Errorf("%w: trade %d was funded at a different price or quantity", ErrTradeIDConflict, req.TradeID)
		}
		amount, err := RequiredDeposit(req.Side, def.Strike, req.Price, req.Qty)
		if err != nil {
			return err
		}
		if amount.Sign() <= 0 {
			return fmt.Errorf("%w: required deposit %s is not positive", ErrInvalidParameter, amount)
		}

		if err := e.ledger.Transfer(ctx, token, req.Counterparty, e.custody, amount); err != nil {
			return fmt.Errorf("option: collect %s collateral: %w", req.Side, err)
		}
		transferred = true

		dep = Deposit{Amount: amount, Owner: req.Counterparty, TradeID: req.TradeID}
		if err := writeDeposit(kv, req.Side, dep); err != nil {
			return err
		}
		trade = TradeEconomics{
			Price:    new(big.Int).Set(req.Price),
			Qty:      new(big.Int).Set(req.Qty),
			TradeID:  req.TradeID,
			FundedAt: now,
		}
		if existing.TradeID != 0 {
			trade.FundedAt = existing.FundedAt
		}
		return writeTrade(kv, trade)
	})
	if err != nil {
		if transferred {
			return Deposit{}, e.compensate(ctx, token, e.custody, req.Counterparty, dep.Amount, err)
		}
		return Deposit{}, err
	}
	e.emit(NewFundedEvent(e.instance, req.Side, dep, trade))
	return dep, nil
}
