package optiond

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"optionchain/crypto"
	"optionchain/native/option"
	"optionchain/native/oracle"
)

// ListBody is the JSON body of a listing request.
type ListBody struct {
	Admin            string `json:"admin"`
	OptionType       uint32 `json:"optionType"`
	Strike           string `json:"strike"`
	Decimals         uint32 `json:"decimals"`
	Expiration       uint64 `json:"expiration"`
	Oracle           string `json:"oracle"`
	Token            string `json:"token"`
	UnderlyingToken  string `json:"underlyingToken,omitempty"`
	UnderlyingSymbol string `json:"underlyingSymbol,omitempty"`
}

// FundBody is the JSON body of a funding request.
type FundBody struct {
	Counterparty string `json:"counterparty"`
	Token        string `json:"token"`
	Side         string `json:"side"`
	Price        string `json:"price"`
	Decimals     uint32 `json:"decimals"`
	Qty          string `json:"qty"`
	TradeID      uint64 `json:"tradeId"`
}

// CallerBody identifies the caller of settle and mark-to-market.
type CallerBody struct {
	Caller string `json:"caller"`
}

// KillswitchBody sets the operational gate.
type KillswitchBody struct {
	Admin string `json:"admin"`
	Level uint8  `json:"level"`
}

// QuoteBody is a quote pushed by the price pump.
type QuoteBody struct {
	Pump      string `json:"pump"`
	Symbol    string `json:"symbol"`
	Price     string `json:"price"`
	Timestamp uint64 `json:"timestamp"`
	Flags     uint32 `json:"flags"`
	Decimals  uint32 `json:"decimals"`
}

// PumpHashBody registers the digest of the pump build.
type PumpHashBody struct {
	Owner string `json:"owner"`
	Hash  string `json:"hash"`
}

// DefinitionView renders a listing.
type DefinitionView struct {
	Admin            string `json:"admin"`
	Type             string `json:"type"`
	OptionType       uint32 `json:"optionType"`
	Strike           string `json:"strike"`
	StrikeDisplay    string `json:"strikeDisplay"`
	Decimals         uint32 `json:"decimals"`
	Expiration       uint64 `json:"expiration"`
	Oracle           string `json:"oracle"`
	Token            string `json:"token"`
	UnderlyingToken  string `json:"underlyingToken,omitempty"`
	UnderlyingSymbol string `json:"underlyingSymbol,omitempty"`
}

// DepositView renders one side's collateral.
type DepositView struct {
	Owner         string `json:"owner,omitempty"`
	Amount        string `json:"amount"`
	AmountDisplay string `json:"amountDisplay"`
	TradeID       uint64 `json:"tradeId"`
	Settled       bool   `json:"settled"`
}

// TradeView renders the trade economics.
type TradeView struct {
	TradeID      uint64 `json:"tradeId"`
	Price        string `json:"price"`
	PriceDisplay string `json:"priceDisplay"`
	Qty          string `json:"qty"`
	FundedAt     uint64 `json:"fundedAt"`
}

// SnapshotView renders an oracle snapshot.
type SnapshotView struct {
	Symbol          string `json:"symbol"`
	Price           string `json:"price"`
	PriceDisplay    string `json:"priceDisplay"`
	Timestamp       uint64 `json:"timestamp"`
	Flags           uint32 `json:"flags"`
	Decimals        uint32 `json:"decimals"`
	SettlementReady bool   `json:"settlementReady"`
}

// SpecsView is the response of the specs endpoint.
type SpecsView struct {
	Instance    string          `json:"instance"`
	Initialized bool            `json:"initialized"`
	Listed      bool            `json:"listed"`
	Gate        uint8           `json:"gate"`
	Custody     string          `json:"custody"`
	Definition  *DefinitionView `json:"definition,omitempty"`
	Buyer       *DepositView    `json:"buyer,omitempty"`
	Seller      *DepositView    `json:"seller,omitempty"`
	Trade       *TradeView      `json:"trade,omitempty"`
	Snapshot    *SnapshotView   `json:"snapshot,omitempty"`
}

// MarkView is the response of the mark-to-market endpoint. Values keeps the
// four amounts in buyer obligation, seller obligation, buyer payout, seller
// payout order.
type MarkView struct {
	BuyerObligation  string       `json:"buyerObligation"`
	SellerObligation string       `json:"sellerObligation"`
	BuyerPayout      string       `json:"buyerPayout"`
	SellerPayout     string       `json:"sellerPayout"`
	Values           []string     `json:"values"`
	Snapshot         SnapshotView `json:"snapshot"`
}

// PayoutView renders one settlement transfer.
type PayoutView struct {
	Side          string `json:"side"`
	Recipient     string `json:"recipient"`
	Amount        string `json:"amount"`
	AmountDisplay string `json:"amountDisplay"`
}

// SettleView is the response of the settle endpoint.
type SettleView struct {
	Payouts []PayoutView `json:"payouts"`
}

// OracleView is the response of the oracle info endpoint.
type OracleView struct {
	Name     string        `json:"name"`
	Address  string        `json:"address"`
	PumpUser string        `json:"pumpUser,omitempty"`
	PumpHash string        `json:"pumpHash,omitempty"`
	Quote    *SnapshotView `json:"quote,omitempty"`
}

// ErrorView is the body of every error response.
type ErrorView struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

// FormatFixed renders a fixed-point integer with the given decimals.
func FormatFixed(v *big.Int, decimals uint32) string {
	if v == nil {
		v = big.NewInt(0)
	}
	return decimal.NewFromBigInt(v, -int32(decimals)).StringFixed(int32(decimals))
}

// ParseFixed converts a human decimal such as "101.25" into a fixed-point
// integer with the given decimals. Extra precision is rejected.
func ParseFixed(s string, decimals uint32) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	scaled := d.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("amount %q has more than %d decimals", s, decimals)
	}
	return scaled.BigInt(), nil
}

// ScaleFloor converts a human decimal into a fixed-point integer, discarding
// precision beyond decimals.
func ScaleFloor(d decimal.Decimal, decimals uint32) *big.Int {
	return d.Shift(int32(decimals)).Floor().BigInt()
}

func parseInt(field, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be an integer, got %q", option.ErrInvalidParameter, field, s)
	}
	return v, nil
}

func parseAddress(field, s string) (crypto.Address, error) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(s))
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%w: %s: %v", option.ErrInvalidParameter, field, err)
	}
	return addr, nil
}

// ParseSide accepts "buyer" or "seller".
func ParseSide(s string) (option.Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buyer":
		return option.SideBuyer, nil
	case "seller":
		return option.SideSeller, nil
	default:
		return 0, fmt.Errorf("%w: %q", option.ErrInvalidSide, s)
	}
}

func definitionView(def *option.ContractDefinition) *DefinitionView {
	if def == nil {
		return nil
	}
	return &DefinitionView{
		Admin:            def.Admin.String(),
		Type:             def.Type.String(),
		OptionType:       def.Type.Mask(),
		Strike:           def.Strike.String(),
		StrikeDisplay:    FormatFixed(def.Strike, def.Decimals),
		Decimals:         def.Decimals,
		Expiration:       def.Expiration.Timestamp,
		Oracle:           def.Oracle.String(),
		Token:            def.CollateralToken,
		UnderlyingToken:  def.UnderlyingToken,
		UnderlyingSymbol: def.UnderlyingSymbol,
	}
}

func depositView(dep option.Deposit, decimals uint32) *DepositView {
	amount := dep.Amount
	if amount == nil {
		amount = big.NewInt(0)
	}
	return &DepositView{
		Owner:         dep.Owner.String(),
		Amount:        amount.String(),
		AmountDisplay: FormatFixed(amount, decimals),
		TradeID:       dep.TradeID,
		Settled:       dep.Settled,
	}
}

func tradeView(trade option.TradeEconomics, decimals uint32) *TradeView {
	price, qty := trade.Price, trade.Qty
	if price == nil {
		price = big.NewInt(0)
	}
	if qty == nil {
		qty = big.NewInt(0)
	}
	return &TradeView{
		TradeID:      trade.TradeID,
		Price:        price.String(),
		PriceDisplay: FormatFixed(price, decimals),
		Qty:          qty.String(),
		FundedAt:     trade.FundedAt,
	}
}

func snapshotView(snap option.OracleSnapshot, decimals uint32) SnapshotView {
	price := snap.Price
	if price == nil {
		price = big.NewInt(0)
	}
	if snap.Decimals != 0 {
		decimals = snap.Decimals
	}
	return SnapshotView{
		Symbol:          snap.Symbol,
		Price:           price.String(),
		PriceDisplay:    FormatFixed(price, decimals),
		Timestamp:       snap.Timestamp,
		Flags:           snap.Flags,
		Decimals:        snap.Decimals,
		SettlementReady: snap.SettlementReady(),
	}
}

func specsView(instance string, specs option.Specs) SpecsView {
	view := SpecsView{
		Instance:    instance,
		Initialized: specs.Initialized,
		Listed:      specs.Listed,
		Gate:        uint8(specs.Gate),
		Custody:     specs.Custody.String(),
	}
	if !specs.Listed || specs.Definition == nil {
		return view
	}
	decimals := specs.Definition.Decimals
	view.Definition = definitionView(specs.Definition)
	view.Buyer = depositView(specs.Buyer, decimals)
	view.Seller = depositView(specs.Seller, decimals)
	view.Trade = tradeView(specs.Trade, decimals)
	snap := snapshotView(specs.Snapshot, decimals)
	view.Snapshot = &snap
	return view
}

func markView(mtm option.MarkToMarket, decimals uint32) MarkView {
	values := mtm.Values()
	out := MarkView{
		BuyerObligation:  values[0].String(),
		SellerObligation: values[1].String(),
		BuyerPayout:      values[2].String(),
		SellerPayout:     values[3].String(),
		Values:           make([]string, len(values)),
		Snapshot:         snapshotView(mtm.Snapshot, decimals),
	}
	for i, v := range values {
		out.Values[i] = v.String()
	}
	return out
}

func payoutView(p option.Payout, decimals uint32) PayoutView {
	return PayoutView{
		Side:          p.Side.String(),
		Recipient:     p.Recipient.String(),
		Amount:        p.Amount.String(),
		AmountDisplay: FormatFixed(p.Amount, decimals),
	}
}

func quoteSnapshot(q oracle.Quote) option.OracleSnapshot {
	return option.OracleSnapshot{
		Symbol:    q.Symbol,
		Price:     q.Price,
		Timestamp: q.Timestamp,
		Flags:     q.Flags,
		Decimals:  q.Decimals,
	}
}
