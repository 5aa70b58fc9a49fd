package worker

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"PayLinkRelay/internal/chain"
	"PayLinkRelay/internal/ledger"
	"PayLinkRelay/internal/models"
)

// SubmissionStore is the part of the submission journal the reconciler
// needs.
type SubmissionStore interface {
	ListUnresolved(ctx context.Context, olderThan time.Time, limit int) ([]*models.Submission, error)
	MarkOutcome(ctx context.Context, id string, status models.SubmissionStatus, code string, blockNumber uint64) error
	Touch(ctx context.Context, id string) error
}

// Worker resolves relay submissions whose outcome was still unknown when the
// relay answered, by looking up their receipts.
type Worker struct {
	Store       SubmissionStore
	Registry    *chain.Registry
	Interval    time.Duration
	StaleAfter  time.Duration
	BatchSize   int
	Concurrency int
	Log         zerolog.Logger
	Now         func() time.Time
}

func (w *Worker) Run(ctx context.Context) {
	interval := w.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if n, err := w.SyncOnce(ctx); err != nil {
			w.Log.Error().Err(err).Msg("reconcile failed")
		} else if n > 0 {
			w.Log.Info().Int("resolved", n).Msg("reconcile pass")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SyncOnce checks one batch of unresolved submissions and returns how many
// reached a final status.
func (w *Worker) SyncOnce(ctx context.Context) (int, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	subs, err := w.Store.ListUnresolved(ctx, now().Add(-w.StaleAfter), w.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(subs) == 0 {
		return 0, nil
	}

	limit := w.Concurrency
	if limit <= 0 {
		limit = 4
	}
	resolved := make([]bool, len(subs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, sub := range subs {
		g.Go(func() error {
			ok, err := w.resolve(gctx, sub)
			if err != nil {
				w.Log.Warn().Err(err).Str("submission", sub.ID).Msg("resolve failed")
				return nil
			}
			resolved[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	n := 0
	for _, ok := range resolved {
		if ok {
			n++
		}
	}
	return n, nil
}

func (w *Worker) resolve(ctx context.Context, sub *models.Submission) (bool, error) {
	chainID, ok := new(big.Int).SetString(sub.ChainID, 10)
	if !ok {
		return false, errors.New("bad chain id " + sub.ChainID)
	}
	binding, ok := w.Registry.Lookup(chainID)
	if !ok {
		return false, errors.New("no client for chain " + sub.ChainID)
	}
	if sub.TxHash == nil {
		return false, nil
	}
	hash := common.HexToHash(*sub.TxHash)
	log := w.Log.With().Str("submission", sub.ID).Str("tx", hash.Hex()).Str("bill", sub.BillID).Logger()

	r, err := binding.Client.TransactionReceipt(ctx, hash)
	if errors.Is(err, chain.ErrReceiptNotFound) {
		if err := w.Store.Touch(ctx, sub.ID); err != nil {
			return false, err
		}
		log.Debug().Msg("still not included")
		return false, nil
	}
	if err != nil {
		return false, err
	}

	status, code := models.SubmissionConfirmed, ""
	if !r.Succeeded() {
		status, code = models.SubmissionReverted, ledger.Code(r.Reason)
	}
	if err := w.Store.MarkOutcome(ctx, sub.ID, status, code, r.BlockNumber); err != nil {
		return false, err
	}
	log.Info().Str("status", string(status)).Uint64("block", r.BlockNumber).Msg("submission resolved")
	return true, nil
}
