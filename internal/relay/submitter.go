package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"PayLinkRelay/internal/chain"
	"PayLinkRelay/internal/ledger"
)

type submitRequest struct {
	ctx  context.Context
	call chain.Call
	resp chan submitResult
}

type submitResult struct {
	hash common.Hash
	err  error
}

// Submitter is the single writer for the sponsor account on one network.
// It owns the account's transaction nonce; all sends go through its queue.
type Submitter struct {
	client  chain.Client
	sponsor *Sponsor
	log     zerolog.Logger

	queue chan submitRequest
	done  chan struct{}

	// owned by run
	nonce  uint64
	synced bool
}

func newSubmitter(client chain.Client, sponsor *Sponsor, logger zerolog.Logger) *Submitter {
	return &Submitter{
		client:  client,
		sponsor: sponsor,
		log:     logger,
		queue:   make(chan submitRequest),
		done:    make(chan struct{}),
	}
}

func (s *Submitter) run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.queue:
			hash, err := s.send(req.ctx, req.call)
			req.resp <- submitResult{hash: hash, err: err}
		}
	}
}

// Submit queues call and returns its transaction hash once broadcast.
func (s *Submitter) Submit(ctx context.Context, call chain.Call) (common.Hash, error) {
	req := submitRequest{ctx: ctx, call: call, resp: make(chan submitResult, 1)}
	select {
	case s.queue <- req:
	case <-ctx.Done():
		return common.Hash{}, ctx.Err()
	case <-s.done:
		return common.Hash{}, ErrClosed
	}
	r := <-req.resp
	return r.hash, r.err
}

func (s *Submitter) send(ctx context.Context, call chain.Call) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}
	for attempt := 0; ; attempt++ {
		if !s.synced {
			n, err := s.client.PendingNonceAt(ctx, s.sponsor.address)
			if err != nil {
				return common.Hash{}, fmt.Errorf("sponsor nonce: %w", err)
			}
			s.nonce, s.synced = n, true
		}
		hash, err := s.client.SendTransaction(ctx, s.sponsor.key, s.nonce, call)
		switch {
		case err == nil:
			s.log.Debug().Uint64("nonce", s.nonce).Str("tx", hash.Hex()).Msg("sponsor tx sent")
			s.nonce++
			return hash, nil
		case ledger.Code(err) != "":
			// rejected during simulation, nothing went out
			return common.Hash{}, err
		case isInsufficientFunds(err):
			return common.Hash{}, fmt.Errorf("%w: %v", ErrInsufficientSponsorFunds, err)
		case isNonceConflict(err) && attempt == 0:
			s.log.Warn().Uint64("nonce", s.nonce).Err(err).Msg("sponsor nonce out of sync, resyncing")
			s.synced = false
		default:
			// unknown whether the node took it; resync before the next send
			s.synced = false
			return common.Hash{}, err
		}
	}
}

func isNonceConflict(err error) bool {
	if errors.Is(err, chain.ErrNonceMismatch) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") || strings.Contains(msg, "nonce too high") ||
		strings.Contains(msg, "replacement transaction underpriced")
}

func isInsufficientFunds(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "insufficient funds")
}
