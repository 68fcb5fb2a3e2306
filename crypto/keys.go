package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix defines the different types of human-readable address prefixes.
type AddressPrefix string

const (
	// AccountPrefix marks externally owned accounts (buyers, sellers, admins).
	AccountPrefix AddressPrefix = "opt"
	// ContractPrefix marks engine-owned addresses such as escrow custody.
	ContractPrefix AddressPrefix = "optc"
)

// AddressLength is the raw byte length of every address.
const AddressLength = 20

// SignatureLength is the length of a recoverable secp256k1 signature.
const SignatureLength = 65

var ErrInvalidSignature = errors.New("crypto: invalid signature")

// Address represents a 20-byte address with a specific prefix. The zero value is
// the empty address. Addresses are comparable; equality ignores the prefix.
type Address struct {
	prefix AddressPrefix
	bytes  [AddressLength]byte
}

func NewAddress(prefix AddressPrefix, b []byte) Address {
	if len(b) != AddressLength {
		panic("address must be 20 bytes long")
	}
	addr := Address{prefix: prefix}
	copy(addr.bytes[:], b)
	return addr
}

// ContractAddress derives a deterministic engine-owned address from a label.
func ContractAddress(label string) Address {
	hash := crypto.Keccak256([]byte(label))
	return NewAddress(ContractPrefix, hash[len(hash)-AddressLength:])
}

func (a Address) String() string {
	if a.IsZero() {
		return ""
	}
	prefix := a.prefix
	if prefix == "" {
		prefix = AccountPrefix
	}
	conv, err := bech32.ConvertBits(a.bytes[:], 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(string(prefix), conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

func (a Address) Bytes() []byte {
	out := make([]byte, AddressLength)
	copy(out, a.bytes[:])
	return out
}

// Raw returns the fixed-size byte form used for map keys and storage.
func (a Address) Raw() [AddressLength]byte { return a.bytes }

// Prefix returns the human-readable prefix associated with the address.
func (a Address) Prefix() AddressPrefix {
	return a.prefix
}

// IsZero reports whether the address is the empty address.
func (a Address) IsZero() bool { return a.bytes == [AddressLength]byte{} }

// Equal compares the underlying bytes, ignoring the prefix.
func (a Address) Equal(other Address) bool { return a.bytes == other.bytes }

func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	if len(conv) != AddressLength {
		return Address{}, fmt.Errorf("invalid address length %d", len(conv))
	}
	return NewAddress(AddressPrefix(prefix), conv), nil
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

func (k *PublicKey) Address() Address {
	addrBytes := crypto.PubkeyToAddress(*k.PublicKey).Bytes()
	return NewAddress(AccountPrefix, addrBytes)
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// --- Signatures ---

// Digest hashes the concatenation of parts with keccak256.
func Digest(parts ...[]byte) []byte {
	return crypto.Keccak256(parts...)
}

// Sign produces a recoverable signature over a 32-byte digest.
func (k *PrivateKey) Sign(digest []byte) ([]byte, error) {
	if k == nil || k.PrivateKey == nil {
		return nil, errors.New("crypto: nil private key")
	}
	return crypto.Sign(digest, k.PrivateKey)
}

// RecoverAddress returns the address whose key produced sig over digest.
func RecoverAddress(digest, sig []byte) (Address, error) {
	if len(sig) != SignatureLength {
		return Address{}, ErrInvalidSignature
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return NewAddress(AccountPrefix, crypto.PubkeyToAddress(*pub).Bytes()), nil
}
