package http

import (
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"PayLinkRelay/internal/ledger"
	"PayLinkRelay/internal/relay"
)

type Handler struct {
	Relay *relay.Executor
	Log   zerolog.Logger
	Now   func() time.Time
}

// RelayResponse is the success body of the relay endpoints.
type RelayResponse struct {
	Success        bool   `json:"success"`
	TxHash         string `json:"txHash"`
	BlockNumber    string `json:"blockNumber,omitempty"`
	AlreadySettled bool   `json:"alreadySettled,omitempty"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
	TxHash  string `json:"txHash,omitempty"`
	// Reason is the ledger error behind a reverted transaction.
	Reason string `json:"reason,omitempty"`
}

type probeResponse struct {
	Message   string `json:"message"`
	Available bool   `json:"available"`
	Timestamp string `json:"timestamp"`
}

// BillResponse is the body of GET /bills/{billId}.
type BillResponse struct {
	BillID    string `json:"billId"`
	Exists    bool   `json:"exists"`
	Receiver  string `json:"receiver"`
	Token     string `json:"token"`
	Amount    string `json:"amount"`
	Paid      bool   `json:"paid"`
	CreatedAt uint64 `json:"createdAt"`
	PaidAt    uint64 `json:"paidAt"`
	Payer     string `json:"payer"`
}

type NonceResponse struct {
	Account string `json:"account"`
	Nonce   string `json:"nonce"`
}

func NewHandler(r *relay.Executor, logger zerolog.Logger) *Handler {
	return &Handler{Relay: r, Log: logger, Now: time.Now}
}

func (h *Handler) CreateBill(w http.ResponseWriter, r *http.Request) {
	var body CreateBillBody
	if err := decode(r, &body); err != nil {
		h.fail(w, r, err, nil)
		return
	}
	res, err := h.Relay.HandleCreate(r.Context(), body.request())
	if err != nil {
		h.fail(w, r, err, res)
		return
	}
	writeJSON(w, http.StatusOK, relayResponse(res))
}

func (h *Handler) PayBill(w http.ResponseWriter, r *http.Request) {
	var body PaymentBody
	if err := decode(r, &body); err != nil {
		h.fail(w, r, err, nil)
		return
	}
	res, err := h.Relay.HandlePayment(r.Context(), body.request())
	if err != nil {
		h.fail(w, r, err, res)
		return
	}
	writeJSON(w, http.StatusOK, relayResponse(res))
}

func (h *Handler) probe(message string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, probeResponse{
			Message:   message,
			Available: h.Relay.Available(),
			Timestamp: h.Now().UTC().Format(time.RFC3339),
		})
	}
}

func (h *Handler) GetBill(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "billId")
	billID, err := hexBytes32(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "billId must be 32 bytes of hex")
		return
	}
	chainID, contract, ok := deployment(w, r)
	if !ok {
		return
	}
	bill, err := h.Relay.Bill(r.Context(), chainID, contract, billID)
	if err != nil {
		h.fail(w, r, err, nil)
		return
	}
	if !bill.Exists() {
		writeError(w, http.StatusNotFound, ledger.Code(ledger.ErrBillNotFound), ledger.ErrBillNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, BillResponse{
		BillID:    billID.Hex(),
		Exists:    true,
		Receiver:  bill.Receiver.Hex(),
		Token:     bill.Token.Hex(),
		Amount:    bill.Amount.String(),
		Paid:      bill.Paid,
		CreatedAt: bill.CreatedAt,
		PaidAt:    bill.PaidAt,
		Payer:     bill.Payer.Hex(),
	})
}

func (h *Handler) GetNonce(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "account")
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "account must be an address")
		return
	}
	chainID, contract, ok := deployment(w, r)
	if !ok {
		return
	}
	account := common.HexToAddress(raw)
	nonce, err := h.Relay.Nonce(r.Context(), chainID, contract, account)
	if err != nil {
		h.fail(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, NonceResponse{Account: account.Hex(), Nonce: nonce.String()})
}

// deployment reads the chainId and contractAddress query parameters.
func deployment(w http.ResponseWriter, r *http.Request) (*big.Int, common.Address, bool) {
	q := r.URL.Query()
	chainID, ok := parseUint256(q.Get("chainId"))
	if !ok || !common.IsHexAddress(q.Get("contractAddress")) {
		writeError(w, http.StatusBadRequest, relay.Code(relay.ErrMissingFields), "chainId and contractAddress query parameters are required")
		return nil, common.Address{}, false
	}
	return chainID, common.HexToAddress(q.Get("contractAddress")), true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error, res *relay.Result) {
	status, code := statusFor(err)
	resp := errorResponse{Error: err.Error(), Code: code, Reason: relay.Reason(err)}
	if res != nil && res.TxHash != (common.Hash{}) {
		resp.TxHash = res.TxHash.Hex()
	}
	ev := h.Log.Debug()
	if status >= http.StatusInternalServerError {
		ev = h.Log.Error()
	}
	ev.Err(err).Str("path", r.URL.Path).Str("code", code).Str("tx", resp.TxHash).Msg("relay request failed")
	writeJSON(w, status, resp)
}

func statusFor(err error) (int, string) {
	if errors.Is(err, errMalformed) {
		return http.StatusBadRequest, "InvalidRequest"
	}
	code := relay.Code(err)
	switch {
	case errors.Is(err, relay.ErrRelayTimeout):
		return http.StatusGatewayTimeout, code
	case errors.Is(err, relay.ErrTransactionReverted):
		return http.StatusBadRequest, code
	case errors.Is(err, relay.ErrInsufficientSponsorFunds):
		return http.StatusServiceUnavailable, code
	case errors.Is(err, relay.ErrUnsupportedChain), errors.Is(err, relay.ErrSponsorNotConfigured):
		return http.StatusInternalServerError, code
	case errors.Is(err, ledger.ErrBillNotFound):
		return http.StatusNotFound, code
	case errors.Is(err, ledger.ErrBillAlreadyExists):
		return http.StatusConflict, code
	case code == "Internal":
		return http.StatusInternalServerError, code
	}
	// the remaining relay and ledger codes describe a bad request
	return http.StatusBadRequest, code
}

func relayResponse(res *relay.Result) RelayResponse {
	out := RelayResponse{
		Success:        true,
		TxHash:         res.TxHash.Hex(),
		AlreadySettled: res.AlreadySettled,
	}
	if res.BlockNumber > 0 {
		out.BlockNumber = strconv.FormatUint(res.BlockNumber, 10)
	}
	return out
}

func hexBytes32(s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, errMalformed
	}
	return common.BytesToHash(b), nil
}
