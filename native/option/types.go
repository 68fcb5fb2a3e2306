package option

import (
	"fmt"
	"math/big"

	"optionchain/crypto"
	"optionchain/native/option/payoff"
)

// Side identifies the counterparty leg of the trade.
type Side uint8

const (
	SideSeller Side = 0
	SideBuyer  Side = 1
)

func (s Side) Valid() bool { return s == SideSeller || s == SideBuyer }

func (s Side) String() string {
	switch s {
	case SideSeller:
		return "seller"
	case SideBuyer:
		return "buyer"
	default:
		return fmt.Sprintf("side(%d)", uint8(s))
	}
}

// Option type bits as they appear on the wire.
const (
	TypeAmerican   uint32 = 1
	TypeEuropean   uint32 = 2
	TypeCall       uint32 = 4
	TypePut        uint32 = 8
	TypeBinary     uint32 = 16
	TypeCallSpread uint32 = 32
	TypePutSpread  uint32 = 64
)

// ExerciseStyle says when the holder may exercise.
type ExerciseStyle uint8

const (
	StyleEuropean ExerciseStyle = iota + 1
	StyleAmerican
)

func (s ExerciseStyle) String() string {
	switch s {
	case StyleEuropean:
		return "european"
	case StyleAmerican:
		return "american"
	default:
		return "unknown"
	}
}

// OptionType pairs a payoff shape with an exercise style.
type OptionType struct {
	Kind  payoff.Kind
	Style ExerciseStyle
}

// ParseOptionType decodes the wire bitmask. Exactly one style bit and exactly
// one shape bit must be set.
func ParseOptionType(mask uint32) (OptionType, error) {
	var out OptionType
	switch mask & (TypeAmerican | TypeEuropean) {
	case TypeEuropean:
		out.Style = StyleEuropean
	case TypeAmerican:
		out.Style = StyleAmerican
	default:
		return OptionType{}, fmt.Errorf("%w: option type %#x needs exactly one exercise style", ErrInvalidParameter, mask)
	}
	switch mask &^ (TypeAmerican | TypeEuropean) {
	case TypePut:
		out.Kind = payoff.KindPut
	case TypeCall:
		out.Kind = payoff.KindCall
	case TypeBinary:
		out.Kind = payoff.KindBinary
	case TypeCallSpread:
		out.Kind = payoff.KindCallSpread
	case TypePutSpread:
		out.Kind = payoff.KindPutSpread
	default:
		return OptionType{}, fmt.Errorf("%w: option type %#x needs exactly one shape", ErrInvalidParameter, mask)
	}
	return out, nil
}

// Mask re-encodes the option type as the wire bitmask.
func (t OptionType) Mask() uint32 {
	var mask uint32
	switch t.Style {
	case StyleEuropean:
		mask |= TypeEuropean
	case StyleAmerican:
		mask |= TypeAmerican
	}
	switch t.Kind {
	case payoff.KindPut:
		mask |= TypePut
	case payoff.KindCall:
		mask |= TypeCall
	case payoff.KindBinary:
		mask |= TypeBinary
	case payoff.KindCallSpread:
		mask |= TypeCallSpread
	case payoff.KindPutSpread:
		mask |= TypePutSpread
	}
	return mask
}

// Supported reports whether the engine can list and settle this type. Only
// European puts settle today.
func (t OptionType) Supported() bool {
	switch t {
	case OptionType{Kind: payoff.KindPut, Style: StyleEuropean}:
		return true
	default:
		return false
	}
}

func (t OptionType) String() string { return t.Style.String() + "_" + t.Kind.String() }

// ContractDefinition holds the listing parameters of the contract instance.
type ContractDefinition struct {
	CollateralToken  string
	UnderlyingToken  string
	UnderlyingSymbol string
	Strike           *big.Int
	Decimals         uint32
	Type             OptionType
	Expiration       TimeBound
	Oracle           crypto.Address
	Admin            crypto.Address
}

// Clone returns a deep copy of the definition.
func (d *ContractDefinition) Clone() *ContractDefinition {
	if d == nil {
		return nil
	}
	clone := *d
	clone.Strike = cloneBigInt(d.Strike)
	return &clone
}

// Deposit is the collateral one side has locked.
type Deposit struct {
	Amount  *big.Int
	Owner   crypto.Address
	TradeID uint64
	Settled bool
}

// Funded reports whether collateral has been posted for this side.
func (d Deposit) Funded() bool { return d.Amount != nil && d.Amount.Sign() != 0 }

// TradeEconomics records the agreed price and quantity of the single trade.
type TradeEconomics struct {
	Price    *big.Int
	Qty      *big.Int
	TradeID  uint64
	FundedAt uint64
}

// FlagSettlement marks an oracle snapshot as carrying a valid settlement price.
const FlagSettlement uint32 = 1

// OracleSnapshot is the last price ingested from the oracle.
type OracleSnapshot struct {
	Symbol    string
	Price     *big.Int
	Timestamp uint64
	Flags     uint32
	Decimals  uint32
}

// SettlementReady reports whether the snapshot can settle the contract.
func (s OracleSnapshot) SettlementReady() bool { return s.Flags == FlagSettlement }

// Specs is the read-only projection returned by Engine.Specs.
type Specs struct {
	Initialized bool
	Listed      bool
	Gate        GateLevel
	Definition  *ContractDefinition
	Custody     crypto.Address
	Buyer       Deposit
	Seller      Deposit
	Trade       TradeEconomics
	Snapshot    OracleSnapshot
}

// MarkToMarket is the informational valuation returned by Engine.MarkToMarket.
type MarkToMarket struct {
	BuyerObligation  *big.Int
	SellerObligation *big.Int
	BuyerPayout      *big.Int
	SellerPayout     *big.Int
	Snapshot         OracleSnapshot
}

// Values returns the four amounts in wire order.
func (m MarkToMarket) Values() []*big.Int {
	return []*big.Int{m.BuyerObligation, m.SellerObligation, m.BuyerPayout, m.SellerPayout}
}

// Payout describes one transfer made by Settle.
type Payout struct {
	Side      Side
	Recipient crypto.Address
	Amount    *big.Int
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
