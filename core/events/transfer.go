package events

import (
	"math/big"

	"optionchain/core/types"
	"optionchain/crypto"
)

const (
	// TypeTransfer is emitted for collateral balance movements.
	TypeTransfer = "transfer.collateral"
	// TypeMint is emitted when balances are credited from outside the ledger,
	// such as configured genesis allocations.
	TypeMint = "transfer.mint"
)

type Transfer struct {
	Asset  string
	From   crypto.Address
	To     crypto.Address
	Amount *big.Int
}

func (Transfer) EventType() string { return TypeTransfer }

func (e Transfer) Event() *types.Event {
	attrs := map[string]string{}
	if asset := normalizeAsset(e.Asset); asset != "" {
		attrs["asset"] = asset
	}
	attrs["from"] = e.From.String()
	attrs["to"] = e.To.String()
	attrs["amount"] = formatAmount(e.Amount)
	return &types.Event{Type: TypeTransfer, Attributes: attrs}
}

type Mint struct {
	Asset  string
	To     crypto.Address
	Amount *big.Int
	Reason string
}

func (Mint) EventType() string { return TypeMint }

func (e Mint) Event() *types.Event {
	attrs := map[string]string{
		"to":     e.To.String(),
		"amount": formatAmount(e.Amount),
	}
	if asset := normalizeAsset(e.Asset); asset != "" {
		attrs["asset"] = asset
	}
	if e.Reason != "" {
		attrs["reason"] = e.Reason
	}
	return &types.Event{Type: TypeMint, Attributes: attrs}
}
