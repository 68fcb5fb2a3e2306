package option

// TimeBoundKind is the direction of a time bound.
type TimeBoundKind uint8

const (
	Before TimeBoundKind = iota
	After
)

// TimeBound is a timelock predicate over ledger time in unix seconds.
type TimeBound struct {
	Kind      TimeBoundKind
	Timestamp uint64
}

// Expiration builds the bound that every listed contract uses.
func Expiration(ts uint64) TimeBound { return TimeBound{Kind: After, Timestamp: ts} }

// Satisfied reports whether now satisfies the bound. Both directions include
// the boundary instant.
func (b TimeBound) Satisfied(now uint64) bool {
	switch b.Kind {
	case Before:
		return now <= b.Timestamp
	case After:
		return now >= b.Timestamp
	default:
		return false
	}
}
