package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
LedgerURL = "http://127.0.0.1:8545"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "acpd", cfg.Service)
	require.Equal(t, ":8090", cfg.ListenAddress)
	require.Equal(t, "USDC", cfg.Token)
	require.Equal(t, filepath.Join("./acp-data", "acp.db"), cfg.DatabasePath)
	require.Equal(t, 24*time.Hour, cfg.NegotiationTimeout())
	require.Equal(t, 72*time.Hour, cfg.ExecutionTimeout())
	require.Equal(t, 24*time.Hour, cfg.EvaluationTimeout())
	require.Equal(t, uint32(168), cfg.EscrowDeadlineHours)
	require.Equal(t, time.Minute, cfg.SweepInterval())
}

func TestLoadCreatesDefaultFileWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, uint32(250), cfg.FeeBps)
	require.FileExists(t, path)

	// The generated file loads back unchanged.
	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.LedgerURL, reloaded.LedgerURL)
	require.Equal(t, cfg.FeeBps, reloaded.FeeBps)
}

func TestLoadRejectsFeeAboveFullAmount(t *testing.T) {
	path := writeConfig(t, `
LedgerURL = "http://127.0.0.1:8545"
FeeBps = 10001
`)
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "FeeBps")
}

func TestLoadRequiresLedgerURL(t *testing.T) {
	path := writeConfig(t, `
Service = "acpd"
`)
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "LedgerURL")
}

func TestLedgerTokenEnvOverride(t *testing.T) {
	path := writeConfig(t, `
LedgerURL = "http://127.0.0.1:8545"
LedgerToken = "from-file"
`)
	t.Setenv("ACP_LEDGER_TOKEN", "from-env")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.LedgerToken)
}
