package observability

import (
	"bytes"
	"log/slog"
	"math/big"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"optionchain/core/events"
	"optionchain/crypto"
)

func TestEventLoggerWritesAttributesAndCounts(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	emitter := NewEventLogger(logger)

	before := testutil.ToFloat64(Events().transfers.WithLabelValues("USDC"))
	emitter.Emit(events.Transfer{
		Asset:  "usdc",
		From:   crypto.NewAddress(crypto.AccountPrefix, bytes.Repeat([]byte{1}, 20)),
		To:     crypto.ContractAddress("option/demo"),
		Amount: big.NewInt(900),
	})

	require.Equal(t, before+1, testutil.ToFloat64(Events().transfers.WithLabelValues("USDC")))
	require.Contains(t, buf.String(), `"type":"transfer.collateral"`)
	require.Contains(t, buf.String(), `"amount":"900"`)
}

func TestOptionMetricsNilSafe(t *testing.T) {
	var m *OptionMetrics
	m.ObserveOperation("fund", nil)
	m.RecordPrice("demo", "spy", big.NewInt(1))

	Options().ObserveOperation("fund", nil)
	require.GreaterOrEqual(t, testutil.ToFloat64(Options().operations.WithLabelValues("fund", "success")), 1.0)
}
