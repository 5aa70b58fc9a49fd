package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"PayLinkRelay/internal/chain"
)

type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	DB struct {
		DSN string `yaml:"dsn"`
	} `yaml:"db"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Sponsor struct {
		PrivateKey      string `yaml:"private_key"`
		XPrv            string `yaml:"xprv"`
		DerivationIndex uint32 `yaml:"derivation_index"`
	} `yaml:"sponsor"`
	Relay struct {
		ConfirmTimeoutSeconds int64  `yaml:"confirm_timeout_seconds"`
		PollIntervalMs        int64  `yaml:"poll_interval_ms"`
		MinSponsorBalanceWei  string `yaml:"min_sponsor_balance_wei"`
	} `yaml:"relay"`
	Networks []Network `yaml:"networks"`
	Worker   struct {
		IntervalSeconds   int64 `yaml:"interval_seconds"`
		StaleAfterSeconds int64 `yaml:"stale_after_seconds"`
		BatchSize         int   `yaml:"batch_size"`
		Concurrency       int   `yaml:"concurrency"`
	} `yaml:"worker"`
}

// Network is one entry of the networks list. With Local set the relay runs
// an in-process ledger for the chain instead of dialing RPC endpoints; its
// log is kept at Local.Path, or in memory when the path is empty.
type Network struct {
	ChainID              int64    `yaml:"chain_id"`
	Name                 string   `yaml:"name"`
	RPCEndpoints         []string `yaml:"rpc_endpoints"`
	WSEndpoint           string   `yaml:"ws_endpoint"`
	LedgerAddress        string   `yaml:"ledger_address"`
	ExplorerURL          string   `yaml:"explorer_url"`
	RPCFailoverThreshold int      `yaml:"rpc_failover_threshold"`
	Local                *struct {
		Path string `yaml:"path"`
	} `yaml:"local"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a YAML document, applies env overrides and defaults, and
// validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if cfg.Server.Addr == "" {
		return nil, errors.New("server.addr is required")
	}
	if cfg.Sponsor.PrivateKey != "" && cfg.Sponsor.XPrv != "" {
		return nil, errors.New("sponsor.private_key and sponsor.xprv are mutually exclusive")
	}
	if _, err := cfg.MinSponsorBalance(); err != nil {
		return nil, err
	}
	if _, err := cfg.ChainNetworks(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Relay.ConfirmTimeoutSeconds <= 0 {
		cfg.Relay.ConfirmTimeoutSeconds = int64(chain.DefaultConfirmTimeout / time.Second)
	}
	if cfg.Relay.PollIntervalMs <= 0 {
		cfg.Relay.PollIntervalMs = chain.DefaultPollInterval.Milliseconds()
	}
	if cfg.Worker.IntervalSeconds <= 0 {
		cfg.Worker.IntervalSeconds = 30
	}
	if cfg.Worker.StaleAfterSeconds <= 0 {
		cfg.Worker.StaleAfterSeconds = 60
	}
	if cfg.Worker.BatchSize <= 0 {
		cfg.Worker.BatchSize = 100
	}
}

func (c *Config) ConfirmTimeout() time.Duration {
	return time.Duration(c.Relay.ConfirmTimeoutSeconds) * time.Second
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Relay.PollIntervalMs) * time.Millisecond
}

func (c *Config) WorkerInterval() time.Duration {
	return time.Duration(c.Worker.IntervalSeconds) * time.Second
}

func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.Worker.StaleAfterSeconds) * time.Second
}

// MinSponsorBalance returns the configured floor, or nil when unset.
func (c *Config) MinSponsorBalance() (*big.Int, error) {
	if c.Relay.MinSponsorBalanceWei == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(c.Relay.MinSponsorBalanceWei, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("relay.min_sponsor_balance_wei: invalid amount %q", c.Relay.MinSponsorBalanceWei)
	}
	return v, nil
}

// ChainNetworks converts the networks list, falling back to the built-in
// networks when none is configured.
func (c *Config) ChainNetworks() ([]chain.Network, error) {
	if len(c.Networks) == 0 {
		return chain.DefaultNetworks(), nil
	}
	seen := map[int64]bool{}
	out := make([]chain.Network, 0, len(c.Networks))
	for i, n := range c.Networks {
		if n.ChainID <= 0 {
			return nil, fmt.Errorf("networks[%d]: chain_id is required", i)
		}
		if seen[n.ChainID] {
			return nil, fmt.Errorf("networks[%d]: duplicate chain_id %d", i, n.ChainID)
		}
		seen[n.ChainID] = true
		if n.Local == nil && len(n.RPCEndpoints) == 0 {
			return nil, fmt.Errorf("networks[%d]: rpc_endpoints or local is required", i)
		}
		var ledger common.Address
		if n.LedgerAddress != "" {
			if !common.IsHexAddress(n.LedgerAddress) {
				return nil, fmt.Errorf("networks[%d]: invalid ledger_address %q", i, n.LedgerAddress)
			}
			ledger = common.HexToAddress(n.LedgerAddress)
		}
		if n.Local != nil && ledger == (common.Address{}) {
			return nil, fmt.Errorf("networks[%d]: local ledger needs ledger_address", i)
		}
		ws := n.WSEndpoint
		if ws == "" && len(n.RPCEndpoints) > 0 {
			ws = chain.DefaultWSEndpoint(n.RPCEndpoints[0])
		}
		out = append(out, chain.Network{
			ChainID:           n.ChainID,
			Name:              n.Name,
			RPCURLs:           n.RPCEndpoints,
			WSURL:             ws,
			LedgerAddress:     ledger,
			ExplorerURL:       n.ExplorerURL,
			FailoverThreshold: n.RPCFailoverThreshold,
		})
	}
	return out, nil
}

// LocalLedger reports whether chainID runs in process and where its log
// lives.
func (c *Config) LocalLedger(chainID int64) (path string, ok bool) {
	for _, n := range c.Networks {
		if n.ChainID == chainID && n.Local != nil {
			return n.Local.Path, true
		}
	}
	return "", false
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("PK_SPONSOR"); v != "" {
		cfg.Sponsor.PrivateKey = v
	}
	if v := os.Getenv("SPONSOR_XPRV"); v != "" {
		cfg.Sponsor.XPrv = v
	}
	if v := os.Getenv("SPONSOR_DERIVATION_INDEX"); v != "" {
		cfg.Sponsor.DerivationIndex = atou32Or(cfg.Sponsor.DerivationIndex, v)
	}
	if v := os.Getenv("RELAY_CONFIRM_TIMEOUT_SECONDS"); v != "" {
		cfg.Relay.ConfirmTimeoutSeconds = atoi64Or(cfg.Relay.ConfirmTimeoutSeconds, v)
	}
	if v := os.Getenv("RELAY_POLL_INTERVAL_MS"); v != "" {
		cfg.Relay.PollIntervalMs = atoi64Or(cfg.Relay.PollIntervalMs, v)
	}
	if v := os.Getenv("MIN_SPONSOR_BALANCE_WEI"); v != "" {
		cfg.Relay.MinSponsorBalanceWei = v
	}
	if v := os.Getenv("WORKER_INTERVAL_SECONDS"); v != "" {
		cfg.Worker.IntervalSeconds = atoi64Or(cfg.Worker.IntervalSeconds, v)
	}
	if v := os.Getenv("WORKER_STALE_AFTER_SECONDS"); v != "" {
		cfg.Worker.StaleAfterSeconds = atoi64Or(cfg.Worker.StaleAfterSeconds, v)
	}
	if v := os.Getenv("WORKER_BATCH_SIZE"); v != "" {
		cfg.Worker.BatchSize = atoiOr(cfg.Worker.BatchSize, v)
	}
	for i := range cfg.Networks {
		n := &cfg.Networks[i]
		if v := os.Getenv(fmt.Sprintf("RPC_ENDPOINTS_%d", n.ChainID)); v != "" {
			n.RPCEndpoints = splitCommaList(v)
		}
		if v := os.Getenv(fmt.Sprintf("WS_ENDPOINT_%d", n.ChainID)); v != "" {
			n.WSEndpoint = v
		}
	}
}

func splitCommaList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func atoiOr(fallback int, v string) int {
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func atoi64Or(fallback int64, v string) int64 {
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func atou32Or(fallback uint32, v string) uint32 {
	i, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return fallback
	}
	return uint32(i)
}
