package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, ParseLevel(" warning "))
	require.Equal(t, slog.LevelError, ParseLevel("error"))
	require.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestMaskField(t *testing.T) {
	require.Equal(t, RedactedValue, MaskField("signature", "0xdeadbeef").Value.String())
	require.Equal(t, "fund", MaskField("operation", "fund").Value.String())
	require.Equal(t, "", MaskField("signature", "").Value.String())
}

func TestMaskHex(t *testing.T) {
	masked := MaskHex("0x0123456789abcdef0123456789abcdef")
	require.True(t, strings.HasPrefix(masked, "0x01"))
	require.True(t, strings.HasSuffix(masked, "cdef"))
	require.Equal(t, RedactedValue, MaskHex("0xabc"))
}

func TestSetupWithFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "optiond.log")
	logger := SetupWithConfig(Config{Service: "optiond", Env: "test", File: path, MaxSizeMB: 1})
	logger.Info("listed", slog.String("instance", "demo"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := string(data)
	require.Contains(t, line, `"message":"listed"`)
	require.Contains(t, line, `"severity":"INFO"`)
	require.Contains(t, line, `"service":"optiond"`)
	require.Contains(t, line, `"instance":"demo"`)
}
