package state

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"
)

// SignedInt carries a signed integer through RLP, which only encodes
// non-negative big integers.
type SignedInt struct {
	Neg bool
	Abs *big.Int
}

// NewSignedInt splits v into sign and magnitude. A nil value encodes zero.
func NewSignedInt(v *big.Int) SignedInt {
	if v == nil {
		return SignedInt{Abs: big.NewInt(0)}
	}
	return SignedInt{Neg: v.Sign() < 0, Abs: new(big.Int).Abs(v)}
}

// Int reassembles the signed value.
func (s SignedInt) Int() *big.Int {
	if s.Abs == nil {
		return big.NewInt(0)
	}
	out := new(big.Int).Set(s.Abs)
	if s.Neg {
		out.Neg(out)
	}
	return out
}

// GetRLP decodes the value stored under key into out. It reports false when
// the key is absent.
func GetRLP(kv KV, key []byte, out interface{}) (bool, error) {
	raw, ok, err := kv.Get(key)
	if err != nil || !ok {
		return false, err
	}
	if err := rlp.DecodeBytes(raw, out); err != nil {
		return false, fmt.Errorf("state: decode %s: %w", key, err)
	}
	return true, nil
}

// PutRLP encodes v and stores it under key.
func PutRLP(kv KV, key []byte, v interface{}) error {
	encoded, err := rlp.EncodeToBytes(v)
	if err != nil {
		return fmt.Errorf("state: encode %s: %w", key, err)
	}
	return kv.Set(key, encoded)
}

// GetInt loads a signed integer, returning zero when absent.
func GetInt(kv KV, key []byte) (*big.Int, error) {
	var stored SignedInt
	ok, err := GetRLP(kv, key, &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return stored.Int(), nil
}

// PutInt stores a signed integer.
func PutInt(kv KV, key []byte, v *big.Int) error {
	return PutRLP(kv, key, NewSignedInt(v))
}

// GetUint64 loads an unsigned integer, returning zero when absent.
func GetUint64(kv KV, key []byte) (uint64, error) {
	var v uint64
	if _, err := GetRLP(kv, key, &v); err != nil {
		return 0, err
	}
	return v, nil
}

// PutUint64 stores an unsigned integer.
func PutUint64(kv KV, key []byte, v uint64) error {
	return PutRLP(kv, key, v)
}
