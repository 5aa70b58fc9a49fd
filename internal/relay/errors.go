package relay

import (
	"errors"

	"PayLinkRelay/internal/ledger"
)

var (
	ErrMissingFields            = errors.New("missing required fields")
	ErrBillMismatch             = errors.New("authorization is for a different bill than the request")
	ErrUnsupportedChain         = errors.New("unsupported chain id")
	ErrSponsorNotConfigured     = errors.New("sponsor private key not configured")
	ErrInsufficientSponsorFunds = errors.New("sponsor balance too low to pay network fees")
	ErrRelayTimeout             = errors.New("transaction not confirmed before timeout; outcome unknown, re-read the bill")
	ErrTransactionReverted      = errors.New("transaction reverted")
	ErrClosed                   = errors.New("relay is shut down")
)

var codes = []struct {
	err  error
	code string
}{
	// checked first: a revert wraps the ledger reason behind it
	{ErrTransactionReverted, "TransactionReverted"},
	{ErrRelayTimeout, "RelayTimeout"},
	{ErrMissingFields, "MissingFields"},
	{ErrBillMismatch, "BillMismatch"},
	{ErrUnsupportedChain, "UnsupportedChain"},
	{ErrSponsorNotConfigured, "SponsorNotConfigured"},
	{ErrInsufficientSponsorFunds, "InsufficientSponsorFunds"},
}

// Code returns the stable error code for err: a relay code, else the ledger
// code, else "Internal".
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	if code := ledger.Code(err); code != "" {
		return code
	}
	return "Internal"
}

// Reason returns the ledger code behind a reverted transaction, if known.
func Reason(err error) string {
	if !errors.Is(err, ErrTransactionReverted) {
		return ""
	}
	return ledger.Code(err)
}
