package option

import (
	"math/big"

	"optionchain/core/state"
	"optionchain/crypto"
)

func getBool(kv state.KV, key dataKey) (bool, error) {
	var v bool
	if _, err := state.GetRLP(kv, key.bytes(), &v); err != nil {
		return false, err
	}
	return v, nil
}

func putBool(kv state.KV, key dataKey, v bool) error {
	return state.PutRLP(kv, key.bytes(), v)
}

func getString(kv state.KV, key dataKey) (string, error) {
	var v string
	if _, err := state.GetRLP(kv, key.bytes(), &v); err != nil {
		return "", err
	}
	return v, nil
}

func putString(kv state.KV, key dataKey, v string) error {
	return state.PutRLP(kv, key.bytes(), v)
}

// Addresses are stored in their bech32 form so the prefix survives.
func getAddress(kv state.KV, key dataKey) (crypto.Address, error) {
	encoded, err := getString(kv, key)
	if err != nil || encoded == "" {
		return crypto.Address{}, err
	}
	return crypto.DecodeAddress(encoded)
}

func putAddress(kv state.KV, key dataKey, addr crypto.Address) error {
	return putString(kv, key, addr.String())
}

func getInt(kv state.KV, key dataKey) (*big.Int, error) {
	return state.GetInt(kv, key.bytes())
}

func putInt(kv state.KV, key dataKey, v *big.Int) error {
	return state.PutInt(kv, key.bytes(), v)
}

func getUint(kv state.KV, key dataKey) (uint64, error) {
	return state.GetUint64(kv, key.bytes())
}

func putUint(kv state.KV, key dataKey, v uint64) error {
	return state.PutUint64(kv, key.bytes(), v)
}

func isInitialized(kv state.KV) (bool, error) {
	return kv.Has(keyInit.bytes())
}

func isListed(kv state.KV) (bool, error) {
	return kv.Has(keyStrike.bytes())
}

func loadGate(kv state.KV) (GateLevel, error) {
	v, err := getUint(kv, keyGate)
	if err != nil {
		return 0, err
	}
	return GateLevel(v), nil
}

func loadDefinition(kv state.KV) (*ContractDefinition, error) {
	def := &ContractDefinition{}
	var err error
	if def.Strike, err = getInt(kv, keyStrike); err != nil {
		return nil, err
	}
	decimals, err := getUint(kv, keyDecimals)
	if err != nil {
		return nil, err
	}
	def.Decimals = uint32(decimals)
	mask, err := getUint(kv, keyOptionType)
	if err != nil {
		return nil, err
	}
	if def.Type, err = ParseOptionType(uint32(mask)); err != nil {
		return nil, err
	}
	exp, err := getUint(kv, keyExpiration)
	if err != nil {
		return nil, err
	}
	def.Expiration = Expiration(exp)
	if def.Oracle, err = getAddress(kv, keyOracle); err != nil {
		return nil, err
	}
	if def.Admin, err = getAddress(kv, keyAdmin); err != nil {
		return nil, err
	}
	if def.CollateralToken, err = getString(kv, keyToken); err != nil {
		return nil, err
	}
	if def.UnderlyingToken, err = getString(kv, keyUnderlying); err != nil {
		return nil, err
	}
	if def.UnderlyingSymbol, err = getString(kv, keyUnderlyingSym); err != nil {
		return nil, err
	}
	return def, nil
}

func writeDefinition(kv state.KV, def *ContractDefinition) error {
	if err := putInt(kv, keyStrike, def.Strike); err != nil {
		return err
	}
	if err := putUint(kv, keyDecimals, uint64(def.Decimals)); err != nil {
		return err
	}
	if err := putUint(kv, keyOptionType, uint64(def.Type.Mask())); err != nil {
		return err
	}
	if err := putUint(kv, keyExpiration, def.Expiration.Timestamp); err != nil {
		return err
	}
	if err := putAddress(kv, keyOracle, def.Oracle); err != nil {
		return err
	}
	if err := putAddress(kv, keyAdmin, def.Admin); err != nil {
		return err
	}
	if err := putString(kv, keyToken, def.CollateralToken); err != nil {
		return err
	}
	if err := putString(kv, keyUnderlying, def.UnderlyingToken); err != nil {
		return err
	}
	return putString(kv, keyUnderlyingSym, def.UnderlyingSymbol)
}

func loadDeposit(kv state.KV, side Side) (Deposit, error) {
	addrKey, amountKey, settledKey := depositKeys(side)
	var (
		dep Deposit
		err error
	)
	if dep.Amount, err = getInt(kv, amountKey); err != nil {
		return Deposit{}, err
	}
	if dep.Owner, err = getAddress(kv, addrKey); err != nil {
		return Deposit{}, err
	}
	if dep.Settled, err = getBool(kv, settledKey); err != nil {
		return Deposit{}, err
	}
	if dep.TradeID, err = getUint(kv, keyTradeID); err != nil {
		return Deposit{}, err
	}
	return dep, nil
}

func writeDeposit(kv state.KV, side Side, dep Deposit) error {
	addrKey, amountKey, settledKey := depositKeys(side)
	if err := putInt(kv, amountKey, dep.Amount); err != nil {
		return err
	}
	if err := putAddress(kv, addrKey, dep.Owner); err != nil {
		return err
	}
	return putBool(kv, settledKey, dep.Settled)
}

func clearDeposit(kv state.KV, side Side) error {
	addrKey, amountKey, settledKey := depositKeys(side)
	for _, key := range []dataKey{addrKey, settledKey} {
		if err := kv.Delete(key.bytes()); err != nil {
			return err
		}
	}
	return putInt(kv, amountKey, big.NewInt(0))
}

func loadTrade(kv state.KV) (TradeEconomics, error) {
	var (
		tr  TradeEconomics
		err error
	)
	if tr.Price, err = getInt(kv, keyTradePrice); err != nil {
		return TradeEconomics{}, err
	}
	if tr.Qty, err = getInt(kv, keyTradeQty); err != nil {
		return TradeEconomics{}, err
	}
	if tr.TradeID, err = getUint(kv, keyTradeID); err != nil {
		return TradeEconomics{}, err
	}
	if tr.FundedAt, err = getUint(kv, keyTradeTs); err != nil {
		return TradeEconomics{}, err
	}
	return tr, nil
}

func writeTrade(kv state.KV, tr TradeEconomics) error {
	if err := putInt(kv, keyTradePrice, tr.Price); err != nil {
		return err
	}
	if err := putInt(kv, keyTradeQty, tr.Qty); err != nil {
		return err
	}
	if err := putUint(kv, keyTradeID, tr.TradeID); err != nil {
		return err
	}
	return putUint(kv, keyTradeTs, tr.FundedAt)
}

func loadSnapshot(kv state.KV) (OracleSnapshot, error) {
	var (
		snap OracleSnapshot
		err  error
	)
	if snap.Symbol, err = getString(kv, keyOracleSymbol); err != nil {
		return OracleSnapshot{}, err
	}
	if snap.Price, err = getInt(kv, keyMarketPrice); err != nil {
		return OracleSnapshot{}, err
	}
	if snap.Timestamp, err = getUint(kv, keyOracleTs); err != nil {
		return OracleSnapshot{}, err
	}
	flags, err := getUint(kv, keyOracleFlags)
	if err != nil {
		return OracleSnapshot{}, err
	}
	snap.Flags = uint32(flags)
	decimals, err := getUint(kv, keyOracleDecimals)
	if err != nil {
		return OracleSnapshot{}, err
	}
	snap.Decimals = uint32(decimals)
	return snap, nil
}

func writeSnapshot(kv state.KV, snap OracleSnapshot) error {
	if err := putString(kv, keyOracleSymbol, snap.Symbol); err != nil {
		return err
	}
	if err := putInt(kv, keyMarketPrice, snap.Price); err != nil {
		return err
	}
	if err := putUint(kv, keyOracleTs, snap.Timestamp); err != nil {
		return err
	}
	if err := putUint(kv, keyOracleFlags, uint64(snap.Flags)); err != nil {
		return err
	}
	return putUint(kv, keyOracleDecimals, uint64(snap.Decimals))
}

// resetInstance zeroes deposits, trade metadata and the oracle snapshot when a
// contract is (re)listed.
func resetInstance(kv state.KV) error {
	for _, side := range []Side{SideSeller, SideBuyer} {
		if err := clearDeposit(kv, side); err != nil {
			return err
		}
	}
	if err := writeTrade(kv, TradeEconomics{}); err != nil {
		return err
	}
	return writeSnapshot(kv, OracleSnapshot{})
}
