package option

import (
	"math/big"
	"strconv"

	"optionchain/core/types"
)

const (
	EventTypeInitialized = "option.initialized"
	EventTypeListed      = "option.listed"
	EventTypeFunded      = "option.funded"
	EventTypePrice       = "option.price"
	EventTypeSettled     = "option.settled"
	EventTypeKillswitch  = "option.killswitch"
)

type optionEvent struct {
	evt *types.Event
}

func (e optionEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e optionEvent) Event() *types.Event { return e.evt }

func newInitializedEvent(instance string) *types.Event {
	return &types.Event{
		Type:       EventTypeInitialized,
		Attributes: map[string]string{"instance": instance},
	}
}

// NewListedEvent returns the payload emitted when a contract is listed.
func NewListedEvent(instance string, def *ContractDefinition) *types.Event {
	attrs := map[string]string{"instance": instance}
	if def != nil {
		attrs["admin"] = def.Admin.String()
		attrs["type"] = def.Type.String()
		attrs["strike"] = formatAmount(def.Strike)
		attrs["decimals"] = strconv.FormatUint(uint64(def.Decimals), 10)
		attrs["expiration"] = strconv.FormatUint(def.Expiration.Timestamp, 10)
		attrs["oracle"] = def.Oracle.String()
		attrs["token"] = def.CollateralToken
		if def.UnderlyingSymbol != "" {
			attrs["underlying"] = def.UnderlyingSymbol
		}
	}
	return &types.Event{Type: EventTypeListed, Attributes: attrs}
}

// NewFundedEvent returns the payload emitted when one side posts collateral.
func NewFundedEvent(instance string, side Side, dep Deposit, trade TradeEconomics) *types.Event {
	return &types.Event{
		Type: EventTypeFunded,
		Attributes: map[string]string{
			"instance": instance,
			"side":     side.String(),
			"owner":    dep.Owner.String(),
			"amount":   formatAmount(dep.Amount),
			"tradeId":  strconv.FormatUint(trade.TradeID, 10),
			"price":    formatAmount(trade.Price),
			"qty":      formatAmount(trade.Qty),
		},
	}
}

// NewPriceEvent returns the payload emitted after an oracle refresh.
func NewPriceEvent(instance string, snap OracleSnapshot) *types.Event {
	return &types.Event{
		Type: EventTypePrice,
		Attributes: map[string]string{
			"instance":  instance,
			"symbol":    snap.Symbol,
			"price":     formatAmount(snap.Price),
			"timestamp": strconv.FormatUint(snap.Timestamp, 10),
			"flags":     strconv.FormatUint(uint64(snap.Flags), 10),
		},
	}
}

// NewSettledEvent returns the payload emitted for each settled side.
func NewSettledEvent(instance string, p Payout) *types.Event {
	return &types.Event{
		Type: EventTypeSettled,
		Attributes: map[string]string{
			"instance":  instance,
			"side":      p.Side.String(),
			"recipient": p.Recipient.String(),
			"amount":    formatAmount(p.Amount),
		},
	}
}

// NewKillswitchEvent returns the payload emitted when the gate level changes.
func NewKillswitchEvent(instance string, level GateLevel) *types.Event {
	return &types.Event{
		Type: EventTypeKillswitch,
		Attributes: map[string]string{
			"instance": instance,
			"level":    strconv.FormatUint(uint64(level), 10),
		},
	}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
