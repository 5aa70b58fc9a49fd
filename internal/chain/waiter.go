package chain

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type Outcome int

const (
	// Indeterminate means no receipt was seen before the deadline. The
	// transaction may still be included later.
	Indeterminate Outcome = iota
	Confirmed
	Reverted
)

func (o Outcome) String() string {
	switch o {
	case Confirmed:
		return "confirmed"
	case Reverted:
		return "reverted"
	default:
		return "indeterminate"
	}
}

const (
	DefaultConfirmTimeout = 60 * time.Second
	DefaultPollInterval   = time.Second
)

type Waiter struct {
	Client       Client
	Timeout      time.Duration
	PollInterval time.Duration
	// Heads, when set, triggers a poll as soon as a new block arrives.
	Heads *HeadWatcher
}

// Wait blocks until hash has a receipt or the timeout passes. A timeout is
// reported as Indeterminate with a nil error; the error is only set when ctx
// itself is cancelled.
func (w Waiter) Wait(ctx context.Context, hash common.Hash) (Outcome, *Receipt, error) {
	timeout := w.Timeout
	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}
	poll := w.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		r, err := w.Client.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && r.Succeeded():
			return Confirmed, r, nil
		case err == nil:
			return Reverted, r, nil
		case ctx.Err() != nil:
			return Indeterminate, nil, ctx.Err()
		case !errors.Is(err, ErrReceiptNotFound):
			// transient; keep polling until the deadline
		}

		var head <-chan struct{}
		if w.Heads != nil {
			head = w.Heads.Next()
		}
		select {
		case <-ctx.Done():
			return Indeterminate, nil, ctx.Err()
		case <-deadline.C:
			return Indeterminate, nil, nil
		case <-ticker.C:
		case <-head:
		}
	}
}
