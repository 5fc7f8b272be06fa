package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/graphops/tap-agent/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tap-agent.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const minimalConfig = `
[database]
url = "postgres://localhost/tap"

[indexer]
address = "0x0000000000000000000000000000000000000001"

[chain]
id = 1337
escrow_contract = "0x0000000000000000000000000000000000000002"

[subgraphs]
escrow_url = "https://example.test/escrow"
network_url = "https://example.test/network"

[aggregator]
current_endpoint = "https://example.test:8080"
`

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	require.Equal(t, 30*time.Second, cfg.RavRequestBuffer)
	require.Equal(t, 10_000, cfg.RavRequestReceiptLimit)
	require.Equal(t, ":7300", cfg.MetricsListenAddr)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, uint64(1337), cfg.ChainID)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, "log_level = \"debug\"\n"+minimalConfig+`
[accounting]
rav_request_buffer = "1m"
trigger_value = "500"
max_amount_willing_to_lose_grt = "1000"
receipt_max_value = "10000"

[metrics]
listen_addr = ":9999"
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	require.Equal(t, time.Minute, cfg.RavRequestBuffer)
	require.Equal(t, "500", cfg.TriggerValue.String())
	require.Equal(t, "1000", cfg.MaxAmountWillingToLose.String())
	require.Equal(t, ":9999", cfg.MetricsListenAddr)
	require.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	path := writeConfig(t, `
[indexer]
address = "0x0000000000000000000000000000000000000001"
[chain]
id = 1
escrow_contract = "0x0000000000000000000000000000000000000002"
[subgraphs]
escrow_url = "https://example.test/escrow"
network_url = "https://example.test/network"
[aggregator]
current_endpoint = "https://example.test:8080"
`)
	_, err := config.Load(path)
	require.ErrorContains(t, err, "database.url")
}

func TestLoadRequiresChainID(t *testing.T) {
	path := writeConfig(t, `
[database]
url = "postgres://localhost/tap"
[indexer]
address = "0x0000000000000000000000000000000000000001"
[chain]
escrow_contract = "0x0000000000000000000000000000000000000002"
[subgraphs]
escrow_url = "https://example.test/escrow"
network_url = "https://example.test/network"
[aggregator]
current_endpoint = "https://example.test:8080"
`)
	_, err := config.Load(path)
	require.ErrorContains(t, err, "chain.id")
}

func TestLoadRequiresAtLeastOneAggregatorEndpoint(t *testing.T) {
	path := writeConfig(t, `
[database]
url = "postgres://localhost/tap"
[indexer]
address = "0x0000000000000000000000000000000000000001"
[chain]
id = 1
escrow_contract = "0x0000000000000000000000000000000000000002"
[subgraphs]
escrow_url = "https://example.test/escrow"
network_url = "https://example.test/network"
`)
	_, err := config.Load(path)
	require.ErrorContains(t, err, "aggregator")
}

func TestLoadRejectsMalformedDuration(t *testing.T) {
	path := writeConfig(t, minimalConfig+`
[accounting]
rav_request_buffer = "not-a-duration"
`)
	_, err := config.Load(path)
	require.Error(t, err)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}
