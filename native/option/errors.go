package option

import (
	"errors"

	nativecommon "optionchain/native/common"
)

var (
	ErrNotInitialized    = errors.New("option: contract not initialized")
	ErrUnauthorized      = errors.New("option: unauthorized")
	ErrInvalidParameter  = errors.New("option: invalid parameter")
	ErrDecimalsMismatch  = errors.New("option: decimals mismatch")
	ErrExpired           = errors.New("option: past expiration")
	ErrNotYetExpired     = errors.New("option: not yet expired")
	ErrTradeIDConflict   = errors.New("option: trade id conflict")
	ErrDepositExists     = errors.New("option: deposit already exists")
	ErrInvalidSide       = errors.New("option: invalid side")
	ErrNoSettlementPrice = errors.New("option: no settlement price")
	ErrNegativePayout    = errors.New("option: negative payout")
	ErrAlreadySettled    = errors.New("option: side already settled")
	ErrGateClosed        = nativecommon.ErrGateClosed

	errNilState  = errors.New("option engine: state not configured")
	errNilLedger = errors.New("option engine: ledger not configured")
	errNilOracle = errors.New("option engine: oracle registry not configured")
	errNilAuth   = errors.New("option engine: authorizer not configured")
)
