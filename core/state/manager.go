package state

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"optionchain/crypto"
	"optionchain/storage"
)

// ErrInsufficientBalance is returned when a debit exceeds the account balance.
var ErrInsufficientBalance = errors.New("state: insufficient balance")

var (
	balancePrefix = []byte("balance:")
	markerPrefix  = []byte("marker:")
)

// Manager owns the token balance table shared by every contract instance.
// Balance mutations are applied under a single lock and flushed as one batch.
type Manager struct {
	db storage.Database
	mu sync.Mutex
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// Database exposes the underlying store so instances can share it.
func (m *Manager) Database() storage.Database { return m.db }

// NormalizeToken canonicalises token symbols to trimmed upper case.
func NormalizeToken(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if trimmed == "" {
		return "", fmt.Errorf("state: token symbol must not be empty")
	}
	return trimmed, nil
}

func balanceKey(addr crypto.Address, symbol string) []byte {
	raw := addr.Raw()
	buf := make([]byte, len(balancePrefix)+len(symbol)+1+len(raw))
	copy(buf, balancePrefix)
	copy(buf[len(balancePrefix):], symbol)
	buf[len(balancePrefix)+len(symbol)] = ':'
	copy(buf[len(balancePrefix)+len(symbol)+1:], raw[:])
	return ethcrypto.Keccak256(buf)
}

func markerKey(name string) []byte {
	buf := make([]byte, len(markerPrefix)+len(name))
	copy(buf, markerPrefix)
	copy(buf[len(markerPrefix):], name)
	return ethcrypto.Keccak256(buf)
}

func (m *Manager) loadBigInt(key []byte) (*big.Int, error) {
	data, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	value := new(big.Int)
	if err := rlp.DecodeBytes(data, value); err != nil {
		return nil, err
	}
	return value, nil
}

// Balance returns the balance of addr in the supplied token.
func (m *Manager) Balance(token string, addr crypto.Address) (*big.Int, error) {
	symbol, err := NormalizeToken(token)
	if err != nil {
		return nil, err
	}
	return m.loadBigInt(balanceKey(addr, symbol))
}

// Credit increases the balance of addr.
func (m *Manager) Credit(token string, addr crypto.Address, amount *big.Int) error {
	symbol, err := NormalizeToken(token)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: credit amount must be non-negative")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := balanceKey(addr, symbol)
	current, err := m.loadBigInt(key)
	if err != nil {
		return err
	}
	encoded, err := rlp.EncodeToBytes(new(big.Int).Add(current, amount))
	if err != nil {
		return err
	}
	return m.db.Put(key, encoded)
}

// Transfer debits from and credits to in one atomic batch.
func (m *Manager) Transfer(token string, from, to crypto.Address, amount *big.Int) error {
	symbol, err := NormalizeToken(token)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("state: transfer amount must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	fromKey := balanceKey(from, symbol)
	toKey := balanceKey(to, symbol)
	fromBal, err := m.loadBigInt(fromKey)
	if err != nil {
		return err
	}
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, fromBal, amount)
	}
	if from.Equal(to) {
		return nil
	}
	toBal, err := m.loadBigInt(toKey)
	if err != nil {
		return err
	}
	fromEnc, err := rlp.EncodeToBytes(new(big.Int).Sub(fromBal, amount))
	if err != nil {
		return err
	}
	toEnc, err := rlp.EncodeToBytes(new(big.Int).Add(toBal, amount))
	if err != nil {
		return err
	}
	batch := storage.NewBatch()
	batch.Put(fromKey, fromEnc)
	batch.Put(toKey, toEnc)
	return m.db.Write(batch)
}

// Credit is one balance increase applied by CreditOnce.
type Credit struct {
	Token   string
	Address crypto.Address
	Amount  *big.Int
}

// CreditOnce applies credits together with the named one-shot marker in a
// single batch. It reports false without writing when the marker is already
// set, so a failed attempt can be retried in full.
func (m *Manager) CreditOnce(marker string, credits []Credit) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mk := markerKey(marker)
	ok, err := m.db.Has(mk)
	if err != nil {
		return false, err
	}
	if ok {
		return false, nil
	}
	pending := make(map[string]*big.Int)
	var order [][]byte
	for i, c := range credits {
		symbol, err := NormalizeToken(c.Token)
		if err != nil {
			return false, err
		}
		if c.Amount == nil || c.Amount.Sign() < 0 {
			return false, fmt.Errorf("state: credit %d amount must be non-negative", i)
		}
		key := balanceKey(c.Address, symbol)
		bal, seen := pending[string(key)]
		if !seen {
			if bal, err = m.loadBigInt(key); err != nil {
				return false, err
			}
			pending[string(key)] = bal
			order = append(order, key)
		}
		bal.Add(bal, c.Amount)
	}
	batch := storage.NewBatch()
	for _, key := range order {
		encoded, err := rlp.EncodeToBytes(pending[string(key)])
		if err != nil {
			return false, err
		}
		batch.Put(key, encoded)
	}
	batch.Put(mk, []byte{1})
	if err := m.db.Write(batch); err != nil {
		return false, err
	}
	return true, nil
}
