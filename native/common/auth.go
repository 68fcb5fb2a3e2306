package common

import (
	"context"
	"errors"
	"fmt"

	"optionchain/crypto"
)

var ErrNotAuthenticated = errors.New("address did not authorize this call")

type signersKey struct{}

// WithSigners records the addresses that authenticated the current call.
// Transport layers add them after verifying signatures.
func WithSigners(ctx context.Context, signers ...crypto.Address) context.Context {
	existing := Signers(ctx)
	merged := make([]crypto.Address, 0, len(existing)+len(signers))
	merged = append(merged, existing...)
	for _, s := range signers {
		if !s.IsZero() {
			merged = append(merged, s)
		}
	}
	return context.WithValue(ctx, signersKey{}, merged)
}

// Signers returns the authenticated addresses carried by ctx.
func Signers(ctx context.Context) []crypto.Address {
	if ctx == nil {
		return nil
	}
	signers, _ := ctx.Value(signersKey{}).([]crypto.Address)
	return signers
}

// ContextAuthorizer checks addresses against the signers carried in the
// context.
type ContextAuthorizer struct{}

// RequireAuth fails unless addr signed the current call.
func (ContextAuthorizer) RequireAuth(ctx context.Context, addr crypto.Address) error {
	if addr.IsZero() {
		return fmt.Errorf("%w: empty address", ErrNotAuthenticated)
	}
	for _, signer := range Signers(ctx) {
		if signer.Equal(addr) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotAuthenticated, addr)
}
