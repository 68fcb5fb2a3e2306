package common

import (
	"errors"
	"fmt"
)

var ErrGateClosed = errors.New("operational gate closed")

// GateLevel is the kill-switch setting of a contract instance.
type GateLevel uint8

const (
	// GateOpen lets every operation through.
	GateOpen GateLevel = 0
	// GateTrading blocks funding and settlement.
	GateTrading GateLevel = 1
	// GateAll additionally blocks listing, oracle refreshes and reads.
	GateAll GateLevel = 2
)

func (l GateLevel) Valid() bool { return l <= GateAll }

// OpClass groups operations by the gate level that blocks them.
type OpClass uint8

const (
	OpRead OpClass = iota
	OpOracle
	OpAdmin
	OpTrade
)

func (c OpClass) String() string {
	switch c {
	case OpRead:
		return "read"
	case OpOracle:
		return "oracle"
	case OpAdmin:
		return "admin"
	case OpTrade:
		return "trade"
	default:
		return "unknown"
	}
}

// Guard returns ErrGateClosed when the gate level blocks the operation class.
func Guard(level GateLevel, op OpClass) error {
	switch {
	case level >= GateAll:
		return fmt.Errorf("%w: level %d blocks %s", ErrGateClosed, level, op)
	case level >= GateTrading && op == OpTrade:
		return fmt.Errorf("%w: level %d blocks %s", ErrGateClosed, level, op)
	default:
		return nil
	}
}
