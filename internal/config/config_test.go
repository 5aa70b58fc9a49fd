package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PayLinkRelay/internal/chain"
)

const sample = `
server:
  addr: ":8080"
db:
  dsn: "postgres://relay@localhost/relay"
sponsor:
  xprv: "xprv-test"
  derivation_index: 2
relay:
  confirm_timeout_seconds: 30
  min_sponsor_balance_wei: "1000000000000000"
networks:
  - chain_id: 2810
    name: holesky
    rpc_endpoints: ["https://rpc-a.example", "https://rpc-b.example"]
    ledger_address: "0xD6d13Fd49eF678b692eAd8EdfC85646E2e0C3195"
    rpc_failover_threshold: 5
  - chain_id: 31337
    name: local
    ledger_address: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
    local:
      path: /tmp/ledger.db
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, uint32(2), cfg.Sponsor.DerivationIndex)
	assert.Equal(t, 30*time.Second, cfg.ConfirmTimeout())
	assert.Equal(t, time.Second, cfg.PollInterval())
	assert.Equal(t, 30*time.Second, cfg.WorkerInterval())
	assert.Equal(t, time.Minute, cfg.StaleAfter())

	min, err := cfg.MinSponsorBalance()
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000", min.String())

	nets, err := cfg.ChainNetworks()
	require.NoError(t, err)
	require.Len(t, nets, 2)
	assert.Equal(t, int64(2810), nets[0].ChainID)
	assert.Equal(t, "wss://rpc-a.example", nets[0].WSURL)
	assert.Equal(t, 5, nets[0].FailoverThreshold)
	assert.Equal(t, common.HexToAddress("0xD6d13Fd49eF678b692eAd8EdfC85646E2e0C3195"), nets[0].LedgerAddress)

	path, ok := cfg.LocalLedger(31337)
	assert.True(t, ok)
	assert.Equal(t, "/tmp/ledger.db", path)
	_, ok = cfg.LocalLedger(2810)
	assert.False(t, ok)
}

func TestParse_DefaultNetworks(t *testing.T) {
	cfg, err := Parse([]byte("server:\n  addr: \":9000\"\n"))
	require.NoError(t, err)
	nets, err := cfg.ChainNetworks()
	require.NoError(t, err)
	assert.Equal(t, chain.DefaultNetworks(), nets)

	min, err := cfg.MinSponsorBalance()
	require.NoError(t, err)
	assert.Nil(t, min)
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv("SERVER_ADDR", ":7000")
	t.Setenv("PK_SPONSOR", "0xabc")
	t.Setenv("SPONSOR_XPRV", "")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("RELAY_POLL_INTERVAL_MS", "250")
	t.Setenv("WORKER_STALE_AFTER_SECONDS", "nope")
	t.Setenv("RPC_ENDPOINTS_2810", " https://x.example , ,https://y.example")

	cfg, err := Parse([]byte(`
server:
  addr: ":8080"
networks:
  - chain_id: 2810
    rpc_endpoints: ["https://rpc-a.example"]
`))
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, "0xabc", cfg.Sponsor.PrivateKey)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval())
	assert.Equal(t, time.Minute, cfg.StaleAfter(), "unparsable values keep the default")
	assert.Equal(t, []string{"https://x.example", "https://y.example"}, cfg.Networks[0].RPCEndpoints)
}

func TestParse_Errors(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{"no addr", "db:\n  dsn: x\n", "server.addr is required"},
		{"two sponsor keys", "server: {addr: ':1'}\nsponsor: {private_key: '0x1', xprv: 'xprv'}\n", "mutually exclusive"},
		{"bad balance", "server: {addr: ':1'}\nrelay: {min_sponsor_balance_wei: 'lots'}\n", "invalid amount"},
		{"no chain id", "server: {addr: ':1'}\nnetworks: [{rpc_endpoints: ['http://a']}]\n", "chain_id is required"},
		{"duplicate", "server: {addr: ':1'}\nnetworks: [{chain_id: 1, rpc_endpoints: ['http://a']}, {chain_id: 1, rpc_endpoints: ['http://b']}]\n", "duplicate chain_id"},
		{"no endpoints", "server: {addr: ':1'}\nnetworks: [{chain_id: 1}]\n", "rpc_endpoints or local"},
		{"bad ledger", "server: {addr: ':1'}\nnetworks: [{chain_id: 1, rpc_endpoints: ['http://a'], ledger_address: '0x12'}]\n", "invalid ledger_address"},
		{"local without ledger", "server: {addr: ':1'}\nnetworks: [{chain_id: 1, local: {path: ''}}]\n", "needs ledger_address"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoad_ConfigPathEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	t.Setenv("CONFIG_PATH", path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
