package ledger

import "errors"

var (
	ErrBillNotFound      = errors.New("bill not found")
	ErrBillAlreadyExists = errors.New("bill already exists")
	ErrAlreadyPaid       = errors.New("bill already paid")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrInvalidReceiver   = errors.New("receiver must not be the zero address")
	ErrAmountMismatch    = errors.New("attached value does not match bill amount")

	ErrInvalidSignature = errors.New("authorization signature does not match authorizer")
	ErrNonceReplay      = errors.New("authorization nonce is not the authorizer's current nonce")
	ErrWrongChain       = errors.New("authorization is bound to another chain")
	ErrWrongContract    = errors.New("authorization is bound to another ledger deployment")
	ErrUnsupportedAsset = errors.New("native currency bills cannot be paid by authorization")

	ErrTransferFailed = errors.New("token transfer failed")

	ErrClosed  = errors.New("ledger is closed")
	ErrJournal = errors.New("ledger journal write failed")
)

// Revert reasons in the order they are matched; the names double as the
// contract's custom error names and as stable API codes.
var codes = []struct {
	err  error
	code string
}{
	{ErrBillNotFound, "BillNotFound"},
	{ErrBillAlreadyExists, "BillAlreadyExists"},
	{ErrAlreadyPaid, "AlreadyPaid"},
	{ErrInvalidAmount, "InvalidAmount"},
	{ErrInvalidReceiver, "InvalidReceiver"},
	{ErrAmountMismatch, "AmountMismatch"},
	{ErrInvalidSignature, "InvalidSignature"},
	{ErrNonceReplay, "NonceReplay"},
	{ErrWrongChain, "WrongChain"},
	{ErrWrongContract, "WrongContract"},
	{ErrUnsupportedAsset, "UnsupportedAsset"},
	{ErrTransferFailed, "TransferFailed"},
}

// Code returns the stable code of a ledger error, or "" when err is not one.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return ""
}

// FromCode is the inverse of Code.
func FromCode(code string) error {
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}

// Codes lists all ledger error codes.
func Codes() []string {
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		out = append(out, c.code)
	}
	return out
}
