package option

// dataKey enumerates the fields persisted for a contract instance.
type dataKey string

// The strike doubles as the listed marker; the expiration is always stored as
// an After bound.
const (
	keyInit           dataKey = "Init"
	keyGate           dataKey = "Gate"
	keyAdmin          dataKey = "Admin"
	keyOptionType     dataKey = "OptType"
	keyStrike         dataKey = "Strike"
	keyDecimals       dataKey = "Decimals"
	keyExpiration     dataKey = "Expiration"
	keyOracle         dataKey = "Oracle"
	keyToken          dataKey = "Token"
	keyUnderlying     dataKey = "UToken"
	keyUnderlyingSym  dataKey = "USymbol"
	keyBuyerAddr      dataKey = "BAdr"
	keySellerAddr     dataKey = "SAdr"
	keyBuyerDeposit   dataKey = "BDep"
	keySellerDeposit  dataKey = "SDep"
	keyBuyerSettled   dataKey = "BSettled"
	keySellerSettled  dataKey = "SSettled"
	keyTradeID        dataKey = "TradeId"
	keyTradePrice     dataKey = "TradePx"
	keyTradeQty       dataKey = "TradeQty"
	keyTradeTs        dataKey = "TradeTs"
	keyMarketPrice    dataKey = "MktPrice"
	keyOracleTs       dataKey = "OracleTs"
	keyOracleFlags    dataKey = "OracleFlags"
	keyOracleSymbol   dataKey = "OracleSymbol"
	keyOracleDecimals dataKey = "OracleDecimals"
)

func (k dataKey) bytes() []byte { return []byte(k) }

func depositKeys(side Side) (addr, amount, settled dataKey) {
	if side == SideBuyer {
		return keyBuyerAddr, keyBuyerDeposit, keyBuyerSettled
	}
	return keySellerAddr, keySellerDeposit, keySellerSettled
}
