package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.NotEmpty(t, cfg.Ethereum.RPCURL)
	assert.Greater(t, cfg.Matching.MaxPendingOrders, 0)
	assert.Greater(t, cfg.Networking.ListenPort, 0)
	assert.Greater(t, cfg.Proofs.MaxProofSize, 0)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Ethereum.OperatorAddress = "0xabc0000000000000000000000000000000000001"
	require.NoError(t, cfg.Validate())

	t.Run("zero operator address", func(t *testing.T) {
		c := Default()
		assert.Error(t, c.Validate())
	})

	t.Run("zero matching interval", func(t *testing.T) {
		c := Default()
		c.Ethereum.OperatorAddress = "0xabc0000000000000000000000000000000000001"
		c.Matching.MatchingIntervalMs = 0
		assert.Error(t, c.Validate())
	})

	t.Run("min peers above max", func(t *testing.T) {
		c := Default()
		c.Ethereum.OperatorAddress = "0xabc0000000000000000000000000000000000001"
		c.Networking.MinPeers = 100
		c.Networking.MaxPeers = 10
		assert.Error(t, c.Validate())
	})
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	original := Default()
	original.Matching.MaxPendingOrders = 4242
	require.NoError(t, original.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, original.Ethereum.RPCURL, loaded.Ethereum.RPCURL)
	assert.Equal(t, 4242, loaded.Matching.MaxPendingOrders)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ETHEREUM_RPC_URL", "http://example.invalid:8545")
	t.Setenv("LISTEN_PORT", "9999")
	t.Setenv("BOOTSTRAP_PEERS", "10.0.0.1:9000, 10.0.0.2:9000")

	cfg := Default()
	cfg.ApplyEnvOverrides()

	assert.Equal(t, "http://example.invalid:8545", cfg.Ethereum.RPCURL)
	assert.Equal(t, 9999, cfg.Networking.ListenPort)
	assert.Equal(t, []string{"10.0.0.1:9000", "10.0.0.2:9000"}, cfg.Networking.BootstrapPeers)
}

func TestPresets(t *testing.T) {
	dev := Development()
	assert.Equal(t, "http://localhost:8545", dev.Ethereum.RPCURL)
	assert.Equal(t, 1, dev.Networking.MinPeers)

	prod := Production()
	assert.Contains(t, prod.Ethereum.RPCURL, "mainnet")
	assert.GreaterOrEqual(t, prod.Networking.MinPeers, 10)

	testnet := Testnet()
	assert.LessOrEqual(t, testnet.Networking.MaxPeers, 20)
}

func TestLoadEnvFileMissingIsFine(t *testing.T) {
	assert.NoError(t, LoadEnvFile(filepath.Join(t.TempDir(), "nope.env")))
}
