// Package relay executes bill creations and authorized payments on behalf of
// clients, paying the network fee from a sponsor account.
//
// Requests are re-validated against the ledger before anything is sent, but
// the ledger's own verdict at execution time is final. Sends from the sponsor
// account go through one Submitter per network; everything else, including
// waiting for confirmation, runs concurrently.
package relay

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"PayLinkRelay/internal/authz"
	"PayLinkRelay/internal/chain"
	"PayLinkRelay/internal/ledger"
	"PayLinkRelay/internal/models"
)

type Config struct {
	Registry *chain.Registry
	// Sponsor may be nil; the relay then rejects every request with
	// ErrSponsorNotConfigured and reports itself unavailable.
	Sponsor        *Sponsor
	Journal        Journal
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	// MinSponsorBalance is the native balance below which the relay stops
	// submitting. Nil or zero disables the check.
	MinSponsorBalance *big.Int
	// Heads optionally maps chain ids to head watchers used to speed up
	// confirmation polling.
	Heads  map[int64]*chain.HeadWatcher
	Logger zerolog.Logger
}

type CreateRequest struct {
	BillID common.Hash
	Token  common.Address
	Amount *big.Int
	// Receiver defaults to the sponsor account when zero.
	Receiver        common.Address
	ContractAddress common.Address
	ChainID         *big.Int
}

type PaymentRequest struct {
	BillID          common.Hash
	ContractAddress common.Address
	ChainID         *big.Int
	Authorization   *models.Authorization
}

// Result describes a relayed transaction. It is also returned next to
// ErrRelayTimeout and ErrTransactionReverted so callers learn the hash.
type Result struct {
	TxHash      common.Hash
	BlockNumber uint64
	Outcome     chain.Outcome
	// AlreadySettled is set when the request had already been carried out
	// and nothing new was submitted.
	AlreadySettled bool
}

type Executor struct {
	registry   *chain.Registry
	sponsor    *Sponsor
	journal    Journal
	timeout    time.Duration
	poll       time.Duration
	minBalance *big.Int
	heads      map[int64]*chain.HeadWatcher
	log        zerolog.Logger

	flights    singleflight.Group
	submitters map[int64]*Submitter
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func New(cfg Config) (*Executor, error) {
	if cfg.Registry == nil {
		return nil, errors.New("relay needs a network registry")
	}
	if cfg.Journal == nil {
		cfg.Journal = NewMemoryJournal()
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = chain.DefaultConfirmTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = chain.DefaultPollInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		registry:   cfg.Registry,
		sponsor:    cfg.Sponsor,
		journal:    cfg.Journal,
		timeout:    cfg.ConfirmTimeout,
		poll:       cfg.PollInterval,
		minBalance: cfg.MinSponsorBalance,
		heads:      cfg.Heads,
		log:        cfg.Logger.With().Str("module", "relay").Logger(),
		submitters: map[int64]*Submitter{},
		cancel:     cancel,
	}
	if e.sponsor != nil {
		for _, id := range cfg.Registry.ChainIDs() {
			b, _ := cfg.Registry.Lookup(big.NewInt(id))
			s := newSubmitter(b.Client, e.sponsor, e.log.With().Int64("chain", id).Logger())
			e.submitters[id] = s
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				s.run(ctx)
			}()
		}
		e.log.Info().Str("sponsor", e.sponsor.Address().Hex()).Ints64("chains", cfg.Registry.ChainIDs()).Msg("relay ready")
	} else {
		e.log.Warn().Msg("no sponsor key configured, relay unavailable")
	}
	return e, nil
}

// Available reports whether a sponsor key is configured.
func (e *Executor) Available() bool {
	return e.sponsor != nil
}

func (e *Executor) SponsorAddress() common.Address {
	if e.sponsor == nil {
		return common.Address{}
	}
	return e.sponsor.Address()
}

// Close stops the submitters. Requests in flight fail with ErrClosed.
func (e *Executor) Close() {
	e.cancel()
	e.wg.Wait()
}

// Bill reads a bill from the given deployment.
func (e *Executor) Bill(ctx context.Context, chainID *big.Int, contract common.Address, billID common.Hash) (models.Bill, error) {
	b, ok := e.registry.Lookup(chainID)
	if !ok {
		return models.Bill{}, ErrUnsupportedChain
	}
	return chain.NewContract(b.Client, contract).GetBill(ctx, billID)
}

// Nonce reads an account's authorization nonce from the given deployment.
func (e *Executor) Nonce(ctx context.Context, chainID *big.Int, contract, account common.Address) (*big.Int, error) {
	b, ok := e.registry.Lookup(chainID)
	if !ok {
		return nil, ErrUnsupportedChain
	}
	return chain.NewContract(b.Client, contract).GetNonce(ctx, account)
}

func (e *Executor) HandleCreate(ctx context.Context, req CreateRequest) (*Result, error) {
	if req.BillID == (common.Hash{}) || req.ContractAddress == (common.Address{}) || req.ChainID == nil || req.Amount == nil {
		return nil, ErrMissingFields
	}
	binding, ok := e.registry.Lookup(req.ChainID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChain, req.ChainID)
	}
	if e.sponsor == nil {
		return nil, ErrSponsorNotConfigured
	}
	if req.Amount.Sign() <= 0 {
		return nil, ledger.ErrInvalidAmount
	}
	if req.Receiver == (common.Address{}) {
		req.Receiver = e.sponsor.Address()
	}

	key := fmt.Sprintf("create/%s/%s/%s/%s/%s/%s", req.ChainID, req.ContractAddress.Hex(), req.BillID.Hex(),
		req.Receiver.Hex(), req.Token.Hex(), req.Amount)
	v, err, shared := e.flights.Do(key, func() (any, error) {
		return e.create(context.WithoutCancel(ctx), binding, req)
	})
	if shared {
		e.log.Debug().Str("bill", req.BillID.Hex()).Msg("create request coalesced")
	}
	res, _ := v.(*Result)
	return res, err
}

func (e *Executor) create(ctx context.Context, binding *chain.Binding, req CreateRequest) (*Result, error) {
	log := e.log.With().Str("op", "create").Int64("chain", binding.Network.ChainID).Str("bill", req.BillID.Hex()).Logger()
	contract := chain.NewContract(binding.Client, req.ContractAddress)

	existing, err := contract.GetBill(ctx, req.BillID)
	if err != nil {
		return nil, fmt.Errorf("read bill: %w", err)
	}
	if existing.Exists() {
		if existing.Receiver == req.Receiver && existing.Token == req.Token && existing.Amount.Cmp(req.Amount) == 0 {
			log.Info().Msg("bill already created, returning settled state")
			return e.settled(ctx, models.SubmissionCreate, req.ChainID, req.ContractAddress, req.BillID), nil
		}
		return nil, ledger.ErrBillAlreadyExists
	}

	data, err := chain.PackCreateBill(req.BillID, req.Receiver, req.Token, req.Amount)
	if err != nil {
		return nil, fmt.Errorf("encode createBill: %w", err)
	}
	sub := &models.Submission{
		Kind:     models.SubmissionCreate,
		ChainID:  req.ChainID.String(),
		Contract: req.ContractAddress.Hex(),
		BillID:   req.BillID.Hex(),
	}
	return e.submitAndWait(ctx, log, binding, sub, chain.Call{To: req.ContractAddress, Data: data})
}

func (e *Executor) HandlePayment(ctx context.Context, req PaymentRequest) (*Result, error) {
	auth := req.Authorization
	if req.BillID == (common.Hash{}) || req.ContractAddress == (common.Address{}) || req.ChainID == nil || auth == nil ||
		auth.Authorizer == (common.Address{}) || auth.BillID == (common.Hash{}) || auth.Nonce == nil ||
		auth.ChainID == nil || auth.ContractAddress == (common.Address{}) || len(auth.Signature) == 0 {
		return nil, ErrMissingFields
	}
	if auth.BillID != req.BillID {
		return nil, ErrBillMismatch
	}
	if auth.ChainID.Cmp(req.ChainID) != 0 {
		return nil, ledger.ErrWrongChain
	}
	if auth.ContractAddress != req.ContractAddress {
		return nil, ledger.ErrWrongContract
	}
	binding, ok := e.registry.Lookup(req.ChainID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChain, req.ChainID)
	}
	if e.sponsor == nil {
		return nil, ErrSponsorNotConfigured
	}
	if !authz.Verify(*auth) {
		return nil, ledger.ErrInvalidSignature
	}

	key := fmt.Sprintf("pay/%s/%s/%s/%s/%s", req.ChainID, req.ContractAddress.Hex(), auth.Authorizer.Hex(),
		auth.Nonce, crypto.Keccak256Hash(auth.Signature).Hex())
	v, err, shared := e.flights.Do(key, func() (any, error) {
		return e.pay(context.WithoutCancel(ctx), binding, req.ChainID, auth.Clone())
	})
	if shared {
		e.log.Debug().Str("bill", req.BillID.Hex()).Msg("payment request coalesced")
	}
	res, _ := v.(*Result)
	return res, err
}

func (e *Executor) pay(ctx context.Context, binding *chain.Binding, chainID *big.Int, auth models.Authorization) (*Result, error) {
	log := e.log.With().Str("op", "payment").Int64("chain", binding.Network.ChainID).
		Str("bill", auth.BillID.Hex()).Str("authorizer", auth.Authorizer.Hex()).Logger()
	contract := chain.NewContract(binding.Client, auth.ContractAddress)

	bill, err := contract.GetBill(ctx, auth.BillID)
	if err != nil {
		return nil, fmt.Errorf("read bill: %w", err)
	}
	if !bill.Exists() {
		return nil, ledger.ErrBillNotFound
	}
	nonce, err := contract.GetNonce(ctx, auth.Authorizer)
	if err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	if bill.Paid {
		// A retry of a payment that already went through: same payer, and
		// the authorization's nonce has been consumed.
		if bill.Payer == auth.Authorizer && nonce.Cmp(auth.Nonce) > 0 {
			log.Info().Msg("bill already paid by this authorizer, returning settled state")
			return e.settled(ctx, models.SubmissionPayment, chainID, auth.ContractAddress, auth.BillID), nil
		}
		return nil, ledger.ErrAlreadyPaid
	}
	if bill.IsNative() {
		return nil, ledger.ErrUnsupportedAsset
	}
	if nonce.Cmp(auth.Nonce) != 0 {
		return nil, fmt.Errorf("%w: account is at %s, authorization has %s", ledger.ErrNonceReplay, nonce, auth.Nonce)
	}

	data, err := chain.PackPayBillWithAuthorization(auth)
	if err != nil {
		return nil, fmt.Errorf("encode payBillWithAuthorization: %w", err)
	}
	authorizer, authNonce := auth.Authorizer.Hex(), auth.Nonce.String()
	sub := &models.Submission{
		Kind:       models.SubmissionPayment,
		ChainID:    chainID.String(),
		Contract:   auth.ContractAddress.Hex(),
		BillID:     auth.BillID.Hex(),
		Authorizer: &authorizer,
		AuthNonce:  &authNonce,
	}
	// the sponsor attaches no value; the authorizer's tokens move
	return e.submitAndWait(ctx, log, binding, sub, chain.Call{To: auth.ContractAddress, Data: data, Value: new(big.Int)})
}

func (e *Executor) submitAndWait(ctx context.Context, log zerolog.Logger, binding *chain.Binding, sub *models.Submission, call chain.Call) (*Result, error) {
	if err := e.checkSponsorFunds(ctx, binding.Client); err != nil {
		return nil, err
	}
	submitter, ok := e.submitters[binding.Network.ChainID]
	if !ok {
		return nil, ErrUnsupportedChain
	}
	if err := e.journal.Begin(ctx, sub); err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}
	log = log.With().Str("submission", sub.ID).Logger()

	hash, err := submitter.Submit(ctx, call)
	if err != nil {
		e.markOutcome(ctx, log, sub.ID, models.SubmissionRejected, Code(err), 0)
		log.Warn().Err(err).Msg("submission rejected")
		return nil, err
	}
	if err := e.journal.MarkSubmitted(ctx, sub.ID, hash); err != nil {
		log.Error().Err(err).Str("tx", hash.Hex()).Msg("journal mark submitted failed")
	}
	log = log.With().Str("tx", hash.Hex()).Logger()
	log.Info().Msg("transaction submitted")

	waiter := chain.Waiter{
		Client:       binding.Client,
		Timeout:      e.timeout,
		PollInterval: e.poll,
		Heads:        e.heads[binding.Network.ChainID],
	}
	outcome, receipt, err := waiter.Wait(ctx, hash)
	res := &Result{TxHash: hash, Outcome: outcome}
	switch {
	case err != nil || outcome == chain.Indeterminate:
		e.markOutcome(ctx, log, sub.ID, models.SubmissionIndeterminate, "RelayTimeout", 0)
		log.Warn().Dur("timeout", e.timeout).Msg("confirmation wait timed out")
		return res, ErrRelayTimeout
	case outcome == chain.Reverted:
		res.BlockNumber = receipt.BlockNumber
		e.markOutcome(ctx, log, sub.ID, models.SubmissionReverted, ledger.Code(receipt.Reason), receipt.BlockNumber)
		log.Warn().AnErr("reason", receipt.Reason).Uint64("block", receipt.BlockNumber).Msg("transaction reverted")
		if receipt.Reason != nil {
			return res, fmt.Errorf("%w: %w", ErrTransactionReverted, receipt.Reason)
		}
		return res, ErrTransactionReverted
	default:
		res.BlockNumber = receipt.BlockNumber
		e.markOutcome(ctx, log, sub.ID, models.SubmissionConfirmed, "", receipt.BlockNumber)
		log.Info().Uint64("block", receipt.BlockNumber).Msg("transaction confirmed")
		return res, nil
	}
}

func (e *Executor) checkSponsorFunds(ctx context.Context, client chain.Client) error {
	if e.minBalance == nil || e.minBalance.Sign() <= 0 {
		return nil
	}
	bal, err := client.BalanceAt(ctx, e.sponsor.Address())
	if err != nil {
		return fmt.Errorf("sponsor balance: %w", err)
	}
	if bal.Cmp(e.minBalance) < 0 {
		return fmt.Errorf("%w: have %s wei, need %s", ErrInsufficientSponsorFunds, bal, e.minBalance)
	}
	return nil
}

// settled builds the result for a request that was already carried out,
// using the journal to recover the original transaction when it has one.
func (e *Executor) settled(ctx context.Context, kind models.SubmissionKind, chainID *big.Int, contract common.Address, billID common.Hash) *Result {
	res := &Result{Outcome: chain.Confirmed, AlreadySettled: true}
	sub, err := e.journal.FindConfirmed(ctx, kind, chainID.String(), contract.Hex(), billID.Hex())
	if err != nil {
		e.log.Warn().Err(err).Str("bill", billID.Hex()).Msg("journal lookup failed")
		return res
	}
	if sub != nil {
		if sub.TxHash != nil {
			res.TxHash = common.HexToHash(*sub.TxHash)
		}
		if sub.BlockNumber != nil {
			res.BlockNumber = uint64(*sub.BlockNumber)
		}
	}
	return res
}

func (e *Executor) markOutcome(ctx context.Context, log zerolog.Logger, id string, status models.SubmissionStatus, code string, block uint64) {
	if err := e.journal.MarkOutcome(ctx, id, status, code, block); err != nil {
		log.Error().Err(err).Str("status", string(status)).Msg("journal mark outcome failed")
	}
}
