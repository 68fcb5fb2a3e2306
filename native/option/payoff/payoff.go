// Package payoff maps a strike structure and a market price to the payout of
// a single unit of a cash-settled option shape. All values are fixed-point
// integers sharing one decimals scale chosen by the caller.
package payoff

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	ErrInvalidPrice          = errors.New("payoff: price must not be negative")
	ErrInvalidStrikeOrdering = errors.New("payoff: strikes out of order")
	ErrStrikeCount           = errors.New("payoff: wrong number of strikes")
	ErrUnsupportedKind       = errors.New("payoff: unsupported option kind")
)

// Kind identifies a payoff shape.
type Kind uint8

const (
	KindPut Kind = iota + 1
	KindCall
	KindCallSpread
	KindPutSpread
	KindButterfly
	KindCondor
	KindStrangle
	KindStraddle
	KindBinary
)

func (k Kind) String() string {
	switch k {
	case KindPut:
		return "put"
	case KindCall:
		return "call"
	case KindCallSpread:
		return "call_spread"
	case KindPutSpread:
		return "put_spread"
	case KindButterfly:
		return "butterfly"
	case KindCondor:
		return "condor"
	case KindStrangle:
		return "strangle"
	case KindStraddle:
		return "straddle"
	case KindBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// Strikes reports how many strikes the shape takes.
func (k Kind) Strikes() int {
	switch k {
	case KindPut, KindCall, KindStraddle, KindBinary:
		return 1
	case KindCallSpread, KindPutSpread, KindStrangle:
		return 2
	case KindButterfly:
		return 3
	case KindCondor:
		return 4
	default:
		return 0
	}
}

func checkPrice(px *big.Int) error {
	if px == nil || px.Sign() < 0 {
		return ErrInvalidPrice
	}
	return nil
}

func checkOrdered(strikes ...*big.Int) error {
	for i, k := range strikes {
		if k == nil {
			return fmt.Errorf("%w: strike %d missing", ErrInvalidStrikeOrdering, i+1)
		}
		if i > 0 && strikes[i-1].Cmp(k) > 0 {
			return fmt.Errorf("%w: k%d > k%d", ErrInvalidStrikeOrdering, i, i+1)
		}
	}
	return nil
}

func sub(a, b *big.Int) *big.Int { return new(big.Int).Sub(a, b) }

func zero() *big.Int { return big.NewInt(0) }

// Put pays strike - price when the price finishes below the strike.
func Put(strike, px *big.Int) (*big.Int, error) {
	if err := checkPrice(px); err != nil {
		return nil, err
	}
	if err := checkOrdered(strike); err != nil {
		return nil, err
	}
	if px.Cmp(strike) >= 0 {
		return zero(), nil
	}
	return sub(strike, px), nil
}

// Call pays price - strike when the price finishes above the strike.
func Call(strike, px *big.Int) (*big.Int, error) {
	if err := checkPrice(px); err != nil {
		return nil, err
	}
	if err := checkOrdered(strike); err != nil {
		return nil, err
	}
	if px.Cmp(strike) <= 0 {
		return zero(), nil
	}
	return sub(px, strike), nil
}

// CallSpread is long a call at k1 and short a call at k2.
func CallSpread(k1, k2, px *big.Int) (*big.Int, error) {
	if err := checkPrice(px); err != nil {
		return nil, err
	}
	if err := checkOrdered(k1, k2); err != nil {
		return nil, err
	}
	switch {
	case px.Cmp(k1) <= 0:
		return zero(), nil
	case px.Cmp(k2) >= 0:
		return sub(k2, k1), nil
	default:
		return sub(px, k1), nil
	}
}

// PutSpread is long a put at k2 and short a put at k1.
func PutSpread(k1, k2, px *big.Int) (*big.Int, error) {
	if err := checkPrice(px); err != nil {
		return nil, err
	}
	if err := checkOrdered(k1, k2); err != nil {
		return nil, err
	}
	switch {
	case px.Cmp(k2) >= 0:
		return zero(), nil
	case px.Cmp(k1) <= 0:
		return sub(k2, k1), nil
	default:
		return sub(k2, px), nil
	}
}

// Butterfly peaks at k2 and pays nothing outside (k1, k3).
func Butterfly(k1, k2, k3, px *big.Int) (*big.Int, error) {
	if err := checkPrice(px); err != nil {
		return nil, err
	}
	if err := checkOrdered(k1, k2, k3); err != nil {
		return nil, err
	}
	switch {
	case px.Cmp(k1) <= 0, px.Cmp(k3) >= 0:
		return zero(), nil
	case px.Cmp(k2) <= 0:
		return sub(px, k1), nil
	default:
		return sub(k3, px), nil
	}
}

// Condor pays nothing inside [k2, k3] and ramps out to the k2-k1 and k4-k3
// plateaus on either wing.
func Condor(k1, k2, k3, k4, px *big.Int) (*big.Int, error) {
	if err := checkPrice(px); err != nil {
		return nil, err
	}
	if err := checkOrdered(k1, k2, k3, k4); err != nil {
		return nil, err
	}
	switch {
	case px.Cmp(k1) <= 0:
		return sub(k2, k1), nil
	case px.Cmp(k4) >= 0:
		return sub(k4, k3), nil
	case px.Cmp(k2) <= 0:
		return sub(k2, px), nil
	case px.Cmp(k3) >= 0:
		return sub(px, k3), nil
	default:
		return zero(), nil
	}
}

// Strangle pays the distance beyond whichever bound is breached.
func Strangle(k1, k2, px *big.Int) (*big.Int, error) {
	if err := checkPrice(px); err != nil {
		return nil, err
	}
	if err := checkOrdered(k1, k2); err != nil {
		return nil, err
	}
	switch {
	case px.Cmp(k1) < 0:
		return sub(k1, px), nil
	case px.Cmp(k2) > 0:
		return sub(px, k2), nil
	default:
		return zero(), nil
	}
}

// Straddle pays |price - strike|.
func Straddle(strike, px *big.Int) (*big.Int, error) {
	if err := checkPrice(px); err != nil {
		return nil, err
	}
	if err := checkOrdered(strike); err != nil {
		return nil, err
	}
	return new(big.Int).Abs(sub(px, strike)), nil
}

// Evaluate dispatches to the payoff function for kind.
func Evaluate(kind Kind, strikes []*big.Int, px *big.Int) (*big.Int, error) {
	want := kind.Strikes()
	if want == 0 || kind == KindBinary {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}
	if len(strikes) != want {
		return nil, fmt.Errorf("%w: %s takes %d, got %d", ErrStrikeCount, kind, want, len(strikes))
	}
	switch kind {
	case KindPut:
		return Put(strikes[0], px)
	case KindCall:
		return Call(strikes[0], px)
	case KindCallSpread:
		return CallSpread(strikes[0], strikes[1], px)
	case KindPutSpread:
		return PutSpread(strikes[0], strikes[1], px)
	case KindButterfly:
		return Butterfly(strikes[0], strikes[1], strikes[2], px)
	case KindCondor:
		return Condor(strikes[0], strikes[1], strikes[2], strikes[3], px)
	case KindStrangle:
		return Strangle(strikes[0], strikes[1], px)
	case KindStraddle:
		return Straddle(strikes[0], px)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}
}
