package option

import (
	"context"
	"fmt"
	"math/big"

	"optionchain/core/state"
	"optionchain/crypto"
	nativecommon "optionchain/native/common"
	"optionchain/native/option/payoff"
)

// RefreshPrice pulls a snapshot from the listed oracle and stores it over the
// previous one. Anyone may call it.
func (e *Engine) RefreshPrice(ctx context.Context) (OracleSnapshot, error) {
	if e == nil || e.store == nil {
		return OracleSnapshot{}, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	var snap OracleSnapshot
	err := e.store.Update(func(kv state.KV) error {
		def, err := requireListed(kv, nativecommon.OpOracle)
		if err != nil {
			return err
		}
		snap, err = e.ingest(ctx, kv, def)
		return err
	})
	if err != nil {
		return OracleSnapshot{}, err
	}
	e.emit(NewPriceEvent(e.instance, snap))
	return snap, nil
}

func (e *Engine) ingest(ctx context.Context, kv state.KV, def *ContractDefinition) (OracleSnapshot, error) {
	oracle, err := e.resolveOracle(def.Oracle)
	if err != nil {
		return OracleSnapshot{}, err
	}
	snap, err := oracle.Retrieve(ctx)
	if err != nil {
		return OracleSnapshot{}, fmt.Errorf("option: retrieve price: %w", err)
	}
	if snap.Price == nil {
		snap.Price = big.NewInt(0)
	}
	if snap.Decimals != 0 && snap.Decimals != def.Decimals {
		return OracleSnapshot{}, fmt.Errorf("%w: oracle reports %d decimals, contract uses %d", ErrDecimalsMismatch, snap.Decimals, def.Decimals)
	}
	if err := writeSnapshot(kv, snap); err != nil {
		return OracleSnapshot{}, err
	}
	return snap, nil
}

// isParty reports whether caller is the admin or a recorded counterparty.
func isParty(kv state.KV, def *ContractDefinition, caller crypto.Address) (bool, error) {
	if def.Admin.Equal(caller) {
		return true, nil
	}
	for _, side := range []Side{SideBuyer, SideSeller} {
		dep, err := loadDeposit(kv, side)
		if err != nil {
			return false, err
		}
		if !dep.Owner.IsZero() && dep.Owner.Equal(caller) {
			return true, nil
		}
	}
	return false, nil
}

// MarkToMarket refreshes the price and values the open trade against it.
// Restricted to the admin and the counterparties.
func (e *Engine) MarkToMarket(ctx context.Context, caller crypto.Address) (MarkToMarket, error) {
	if e == nil || e.store == nil {
		return MarkToMarket{}, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	var out MarkToMarket
	err := e.store.Update(func(kv state.KV) error {
		def, err := requireListed(kv, nativecommon.OpOracle)
		if err != nil {
			return err
		}
		if err := e.requireAuth(ctx, caller); err != nil {
			return err
		}
		allowed, err := isParty(kv, def, caller)
		if err != nil {
			return err
		}
		if !allowed {
			return fmt.Errorf("%w: %s is not a party to the contract", ErrUnauthorized, caller)
		}
		snap, err := e.ingest(ctx, kv, def)
		if err != nil {
			return err
		}
		trade, err := loadTrade(kv)
		if err != nil {
			return err
		}
		out = valueTrade(def.Strike, trade, snap)
		return nil
	})
	if err != nil {
		return MarkToMarket{}, err
	}
	e.emit(NewPriceEvent(e.instance, out.Snapshot))
	return out, nil
}

func valueTrade(strike *big.Int, trade TradeEconomics, snap OracleSnapshot) MarkToMarket {
	mul := func(a, b *big.Int) *big.Int {
		diff := new(big.Int).Sub(a, b)
		return diff.Mul(diff, trade.Qty)
	}
	return MarkToMarket{
		BuyerObligation:  mul(strike, trade.Price),
		SellerObligation: mul(trade.Price, strike),
		BuyerPayout:      mul(snap.Price, strike),
		SellerPayout:     mul(strike, snap.Price),
		Snapshot:         snap,
	}
}

// SettlementAmounts computes the payout owed to each side at the given market
// price. buyer = buyerDeposit - qty*(put - price), seller = sellerDeposit +
// qty*(price - put).
func SettlementAmounts(strike, market *big.Int, trade TradeEconomics, buyerDeposit, sellerDeposit *big.Int) (buyer, seller *big.Int, err error) {
	put, err := payoff.Put(strike, market)
	if err != nil {
		return nil, nil, err
	}
	buyerSettle := new(big.Int).Sub(put, trade.Price)
	buyerSettle.Mul(buyerSettle, trade.Qty)
	sellerSettle := new(big.Int).Sub(trade.Price, put)
	sellerSettle.Mul(sellerSettle, trade.Qty)
	buyer = new(big.Int).Sub(cloneBigInt(buyerDeposit), buyerSettle)
	seller = new(big.Int).Add(cloneBigInt(sellerDeposit), sellerSettle)
	return buyer, seller, nil
}

// Settle pays out the claimant's side once the contract has expired and a
// settlement price is available. The admin settles every funded side to its
// owner. Each side settles once; the side is marked in the same commit as the
// payout.
func (e *Engine) Settle(ctx context.Context, claimant crypto.Address) ([]Payout, error) {
	if e == nil || e.store == nil {
		return nil, errNilState
	}
	if e.ledger == nil {
		return nil, errNilLedger
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var (
		token   string
		payouts []Payout
		paid    []Payout
	)
	err := e.store.Update(func(kv state.KV) error {
		def, err := requireListed(kv, nativecommon.OpTrade)
		if err != nil {
			return err
		}
		token = def.CollateralToken
		if !def.Expiration.Satisfied(e.now()) {
			return fmt.Errorf("%w: expires at %d", ErrNotYetExpired, def.Expiration.Timestamp)
		}
		if err := e.requireAuth(ctx, claimant); err != nil {
			return err
		}
		deposits := make(map[Side]Deposit, 2)
		for _, side := range []Side{SideBuyer, SideSeller} {
			if deposits[side], err = loadDeposit(kv, side); err != nil {
				return err
			}
		}
		sides, err := claimSides(def, deposits, claimant)
		if err != nil {
			return err
		}
		snap, err := loadSnapshot(kv)
		if err != nil {
			return err
		}
		if !snap.SettlementReady() {
			return fmt.Errorf("%w: oracle flags %d", ErrNoSettlementPrice, snap.Flags)
		}
		trade, err := loadTrade(kv)
		if err != nil {
			return err
		}
		buyerAmt, sellerAmt, err := SettlementAmounts(def.Strike, snap.Price, trade, deposits[SideBuyer].Amount, deposits[SideSeller].Amount)
		if err != nil {
			return err
		}
		amounts := map[Side]*big.Int{SideBuyer: buyerAmt, SideSeller: sellerAmt}

		pending := 0
		for _, side := range sides {
			dep := deposits[side]
			if dep.Settled {
				continue
			}
			pending++
			if amounts[side].Sign() < 0 {
				return fmt.Errorf("%w: %s payout %s", ErrNegativePayout, side, amounts[side])
			}
			payouts = append(payouts, Payout{Side: side, Recipient: dep.Owner, Amount: amounts[side]})
		}
		if pending == 0 {
			return ErrAlreadySettled
		}

		for _, p := range payouts {
			if p.Amount.Sign() > 0 {
				if err := e.ledger.Transfer(ctx, token, e.custody, p.Recipient, p.Amount); err != nil {
					return fmt.Errorf("option: pay %s: %w", p.Side, err)
				}
				paid = append(paid, p)
			}
			dep := deposits[p.Side]
			dep.Settled = true
			if err := writeDeposit(kv, p.Side, dep); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		for i := len(paid) - 1; i >= 0; i-- {
			err = e.compensate(ctx, token, paid[i].Recipient, e.custody, paid[i].Amount, err)
		}
		return nil, err
	}
	for _, p := range payouts {
		e.emit(NewSettledEvent(e.instance, p))
	}
	return payouts, nil
}

// claimSides returns the sides the claimant may settle.
func claimSides(def *ContractDefinition, deposits map[Side]Deposit, claimant crypto.Address) ([]Side, error) {
	admin := def.Admin.Equal(claimant)
	var sides []Side
	for _, side := range []Side{SideBuyer, SideSeller} {
		dep := deposits[side]
		if dep.Owner.IsZero() {
			continue
		}
		if admin || dep.Owner.Equal(claimant) {
			sides = append(sides, side)
		}
	}
	if len(sides) > 0 {
		return sides, nil
	}
	if admin {
		return nil, fmt.Errorf("%w: no collateral posted", ErrInvalidParameter)
	}
	return nil, fmt.Errorf("%w: %s is neither buyer, seller nor admin", ErrUnauthorized, claimant)
}
