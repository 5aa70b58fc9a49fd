package main

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/rs/zerolog"

	"PayLinkRelay/internal/chain"
	"PayLinkRelay/internal/config"
	"PayLinkRelay/internal/ledger"
)

// openNetworks registers every configured network: local ones get an
// in-process ledger, the rest a failover RPC client whose chain id is
// checked against the configuration.
func openNetworks(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*chain.Registry, []*ledger.Ledger, error) {
	networks, err := cfg.ChainNetworks()
	if err != nil {
		return nil, nil, err
	}
	reg := chain.NewRegistry()
	var ledgers []*ledger.Ledger
	fail := func(err error) (*chain.Registry, []*ledger.Ledger, error) {
		reg.Close()
		for _, l := range ledgers {
			_ = l.Close()
		}
		return nil, nil, err
	}

	for _, n := range networks {
		log := logger.With().Int64("chain", n.ChainID).Str("network", n.Name).Logger()
		if path, ok := cfg.LocalLedger(n.ChainID); ok {
			l, err := openLocalLedger(n, path, logger)
			if err != nil {
				return fail(err)
			}
			ledgers = append(ledgers, l)
			if _, err := reg.Register(n, chain.NewLocalNode(l)); err != nil {
				return fail(err)
			}
			log.Info().Str("ledger", n.LedgerAddress.Hex()).Str("log", path).Msg("local ledger started")
			continue
		}

		b, err := reg.Dial(n)
		if err != nil {
			return fail(err)
		}
		checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		got, err := b.Client.ChainID(checkCtx)
		cancel()
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("network unreachable at start-up")
		case got.Int64() != n.ChainID:
			return fail(fmt.Errorf("network %s reports chain id %s, configured %d", n.Name, got, n.ChainID))
		default:
			log.Info().Strs("rpc", n.RPCURLs).Msg("network connected")
		}
	}
	return reg, ledgers, nil
}

func openLocalLedger(n chain.Network, path string, logger zerolog.Logger) (*ledger.Ledger, error) {
	var journal ledger.Journal = ledger.NewMemoryJournal()
	if path != "" {
		bj, err := ledger.OpenBoltJournal(path)
		if err != nil {
			return nil, fmt.Errorf("ledger log %s: %w", path, err)
		}
		journal = bj
	}
	l, err := ledger.Open(ledger.Config{
		ChainID: big.NewInt(n.ChainID),
		Address: n.LedgerAddress,
		Journal: journal,
		Logger:  logger,
	})
	if err != nil {
		_ = journal.Close()
		return nil, err
	}
	return l, nil
}

// watchHeads starts a head watcher for every network with a websocket
// endpoint.
func watchHeads(ctx context.Context, reg *chain.Registry, logger zerolog.Logger) map[int64]*chain.HeadWatcher {
	heads := map[int64]*chain.HeadWatcher{}
	for _, id := range reg.ChainIDs() {
		b, _ := reg.Lookup(big.NewInt(id))
		if b.Network.WSURL == "" {
			continue
		}
		h := chain.NewHeadWatcher(b.Network.WSURL, logger.With().Int64("chain", id).Logger())
		heads[id] = h
		go h.Run(ctx)
	}
	return heads
}
