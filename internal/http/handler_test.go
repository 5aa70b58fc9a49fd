package http

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PayLinkRelay/internal/authz"
	"PayLinkRelay/internal/chain"
	"PayLinkRelay/internal/ledger"
	"PayLinkRelay/internal/models"
	"PayLinkRelay/internal/relay"
)

var (
	testChainID  = big.NewInt(31337)
	testContract = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	testToken    = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
	merchant     = common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
	fixedNow     = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
)

type fixture struct {
	ledger *ledger.Ledger
	srv    *httptest.Server
	client *Client
}

func newFixture(t *testing.T, withSponsor bool) *fixture {
	t.Helper()
	l, err := ledger.Open(ledger.Config{ChainID: testChainID, Address: testContract, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	reg := chain.NewRegistry()
	_, err = reg.Register(chain.Network{ChainID: testChainID.Int64(), Name: "local", LedgerAddress: testContract}, chain.NewLocalNode(l))
	require.NoError(t, err)

	cfg := relay.Config{Registry: reg, PollInterval: 5 * time.Millisecond, ConfirmTimeout: 2 * time.Second, Logger: zerolog.Nop()}
	if withSponsor {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		cfg.Sponsor = relay.NewSponsor(key)
	}
	exec, err := relay.New(cfg)
	require.NoError(t, err)
	t.Cleanup(exec.Close)

	h := NewHandler(exec, zerolog.Nop())
	h.Now = func() time.Time { return fixedNow }
	srv := httptest.NewServer(NewServer(h).Router)
	t.Cleanup(srv.Close)
	return &fixture{ledger: l, srv: srv, client: NewClient(srv.URL, srv.Client())}
}

func (f *fixture) post(t *testing.T, path, body string) (int, map[string]any) {
	t.Helper()
	resp, err := f.srv.Client().Post(f.srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (f *fixture) tokenBill(t *testing.T, seed, amount int64) common.Hash {
	t.Helper()
	id := ledger.GenerateBillID(merchant, big.NewInt(seed))
	_, err := f.ledger.CreateBill(context.Background(), ledger.Msg{From: merchant}, id, merchant, testToken, big.NewInt(amount))
	require.NoError(t, err)
	return id
}

func (f *fixture) fundedPayer(t *testing.T, amount int64) *ecdsa.PrivateKey {
	t.Helper()
	ctx := context.Background()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)
	_, err = f.ledger.Credit(ctx, testToken, addr, big.NewInt(amount))
	require.NoError(t, err)
	_, err = f.ledger.Approve(ctx, ledger.Msg{From: addr}, testToken, big.NewInt(amount))
	require.NoError(t, err)
	return key
}

func paymentBody(t *testing.T, key *ecdsa.PrivateKey, billID common.Hash, nonce int64) PaymentBody {
	t.Helper()
	auth, err := authz.Sign(key, billID, big.NewInt(nonce), testChainID, testContract)
	require.NoError(t, err)
	return PaymentBody{
		BillID:          billID.Hex(),
		ContractAddress: testContract.Hex(),
		ChainID:         json.Number(testChainID.String()),
		Authorization:   NewAuthorizationBody(auth),
	}
}

func apiError(t *testing.T, err error) *APIError {
	t.Helper()
	var e *APIError
	require.True(t, errors.As(err, &e), "want APIError, got %v", err)
	return e
}

func TestGaslessCreate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	id := ledger.GenerateBillID(merchant, big.NewInt(1))
	body := CreateBillBody{
		BillID:          id.Hex(),
		Token:           testToken.Hex(),
		Amount:          "2500",
		ContractAddress: testContract.Hex(),
		ChainID:         json.Number(testChainID.String()),
		Receiver:        merchant.Hex(),
	}

	res, err := f.client.CreateBill(ctx, body)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.TxHash)
	assert.NotEmpty(t, res.BlockNumber)
	assert.False(t, res.AlreadySettled)

	again, err := f.client.CreateBill(ctx, body)
	require.NoError(t, err)
	assert.True(t, again.AlreadySettled)
	assert.Equal(t, res.TxHash, again.TxHash)

	body.Amount = "2501"
	_, err = f.client.CreateBill(ctx, body)
	e := apiError(t, err)
	assert.Equal(t, http.StatusConflict, e.Status)
	assert.Equal(t, "BillAlreadyExists", e.Code)

	bill, err := f.client.Bill(ctx, testChainID, testContract, id)
	require.NoError(t, err)
	assert.True(t, bill.Exists)
	assert.Equal(t, merchant.Hex(), bill.Receiver)
	assert.Equal(t, "2500", bill.Amount)
	assert.False(t, bill.Paid)
}

func TestGaslessPayment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	id := f.tokenBill(t, 1, 700)
	key := f.fundedPayer(t, 700)
	payer := crypto.PubkeyToAddress(key.PublicKey)

	body := paymentBody(t, key, id, 0)
	res, err := f.client.PayBill(ctx, body)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.AlreadySettled)

	again, err := f.client.PayBill(ctx, body)
	require.NoError(t, err)
	assert.True(t, again.AlreadySettled)
	assert.Equal(t, res.TxHash, again.TxHash)

	bill, err := f.client.Bill(ctx, testChainID, testContract, id)
	require.NoError(t, err)
	assert.True(t, bill.Paid)
	assert.Equal(t, payer.Hex(), bill.Payer)

	nonce, err := f.client.Nonce(ctx, testChainID, testContract, payer)
	require.NoError(t, err)
	assert.Equal(t, int64(1), nonce.Int64())
}

func TestGaslessPayment_Errors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	key := f.fundedPayer(t, 1000)

	native := ledger.GenerateBillID(merchant, big.NewInt(50))
	_, err := f.ledger.CreateBill(ctx, ledger.Msg{From: merchant}, native, merchant, models.NativeToken, big.NewInt(10))
	require.NoError(t, err)
	tokenBill := f.tokenBill(t, 51, 10)

	tests := []struct {
		name   string
		body   func() PaymentBody
		status int
		code   string
	}{
		{
			name:   "unknown bill",
			body:   func() PaymentBody { return paymentBody(t, key, common.HexToHash("0x0bad"), 0) },
			status: http.StatusNotFound,
			code:   "BillNotFound",
		},
		{
			name:   "native bill",
			body:   func() PaymentBody { return paymentBody(t, key, native, 0) },
			status: http.StatusBadRequest,
			code:   "UnsupportedAsset",
		},
		{
			name:   "nonce ahead of account",
			body:   func() PaymentBody { return paymentBody(t, key, tokenBill, 3) },
			status: http.StatusBadRequest,
			code:   "NonceReplay",
		},
		{
			name: "envelope names another bill",
			body: func() PaymentBody {
				b := paymentBody(t, key, tokenBill, 0)
				b.BillID = native.Hex()
				return b
			},
			status: http.StatusBadRequest,
			code:   "BillMismatch",
		},
		{
			name: "tampered signature",
			body: func() PaymentBody {
				b := paymentBody(t, key, tokenBill, 0)
				b.Authorization.Nonce = "1"
				return b
			},
			status: http.StatusBadRequest,
			code:   "InvalidSignature",
		},
		{
			name: "unsupported chain",
			body: func() PaymentBody {
				b := paymentBody(t, key, tokenBill, 0)
				b.ChainID = "1"
				b.Authorization.ChainID = "1"
				return b
			},
			status: http.StatusInternalServerError,
			code:   "UnsupportedChain",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.client.PayBill(ctx, tc.body())
			e := apiError(t, err)
			assert.Equal(t, tc.status, e.Status)
			assert.Equal(t, tc.code, e.Code)
		})
	}
}

func TestStrictDecoding(t *testing.T) {
	f := newFixture(t, true)
	id := common.HexToHash("0x01").Hex()
	addr := testContract.Hex()

	tests := []struct {
		name string
		path string
		body string
		code string
	}{
		{"not json", "/gasless-create", `{`, "InvalidRequest"},
		{"unknown field", "/gasless-create",
			fmt.Sprintf(`{"billId":%q,"token":%q,"amount":"1","contractAddress":%q,"chainId":31337,"extra":1}`, id, addr, addr), "InvalidRequest"},
		{"missing amount", "/gasless-create",
			fmt.Sprintf(`{"billId":%q,"token":%q,"contractAddress":%q,"chainId":31337}`, id, addr, addr), "MissingFields"},
		{"short bill id", "/gasless-create",
			fmt.Sprintf(`{"billId":"0x01","token":%q,"amount":"1","contractAddress":%q,"chainId":31337}`, addr, addr), "InvalidRequest"},
		{"bad address", "/gasless-create",
			fmt.Sprintf(`{"billId":%q,"token":"0x12","amount":"1","contractAddress":%q,"chainId":31337}`, id, addr), "InvalidRequest"},
		{"negative amount", "/gasless-create",
			fmt.Sprintf(`{"billId":%q,"token":%q,"amount":-5,"contractAddress":%q,"chainId":31337}`, id, addr, addr), "InvalidRequest"},
		{"missing authorization", "/gasless-payment",
			fmt.Sprintf(`{"billId":%q,"contractAddress":%q,"chainId":31337}`, id, addr), "MissingFields"},
		{"short signature", "/gasless-payment",
			fmt.Sprintf(`{"billId":%q,"contractAddress":%q,"chainId":31337,"authorization":{"authorizer":%q,"billId":%q,"nonce":0,"chainId":31337,"contractAddress":%q,"signature":"0x1234"}}`,
				id, addr, addr, id, addr), "InvalidRequest"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			status, out := f.post(t, tc.path, tc.body)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.Equal(t, false, out["success"])
			assert.Equal(t, tc.code, out["code"])
		})
	}
}

func TestProbeAndHealth(t *testing.T) {
	for _, withSponsor := range []bool{true, false} {
		f := newFixture(t, withSponsor)
		resp, err := f.srv.Client().Get(f.srv.URL + "/gasless-payment")
		require.NoError(t, err)
		var probe probeResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&probe))
		resp.Body.Close()
		assert.Equal(t, "Gasless Payment API", probe.Message)
		assert.Equal(t, withSponsor, probe.Available)
		assert.Equal(t, "2025-01-02T03:04:05Z", probe.Timestamp)

		resp, err = f.srv.Client().Get(f.srv.URL + "/health")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
}

func TestNoSponsor(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.client.CreateBill(context.Background(), CreateBillBody{
		BillID:          common.HexToHash("0x01").Hex(),
		Token:           testToken.Hex(),
		Amount:          "1",
		ContractAddress: testContract.Hex(),
		ChainID:         json.Number(testChainID.String()),
	})
	e := apiError(t, err)
	assert.Equal(t, http.StatusInternalServerError, e.Status)
	assert.Equal(t, "SponsorNotConfigured", e.Code)
}

func TestReads_Errors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	_, err := f.client.Bill(ctx, testChainID, testContract, common.HexToHash("0x77"))
	e := apiError(t, err)
	assert.Equal(t, http.StatusNotFound, e.Status)
	assert.Equal(t, "BillNotFound", e.Code)

	resp, err := f.srv.Client().Get(f.srv.URL + "/bills/0x1234?chainId=31337&contractAddress=" + testContract.Hex())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = f.srv.Client().Get(f.srv.URL + "/nonces/" + merchant.Hex())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, err = f.client.Nonce(ctx, big.NewInt(5), testContract, merchant)
	e = apiError(t, err)
	assert.Equal(t, "UnsupportedChain", e.Code)
}

func TestStatusFor(t *testing.T) {
	reverted := fmt.Errorf("%w: %w", relay.ErrTransactionReverted, ledger.ErrAlreadyPaid)
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{relay.ErrRelayTimeout, http.StatusGatewayTimeout, "RelayTimeout"},
		{reverted, http.StatusBadRequest, "TransactionReverted"},
		{relay.ErrInsufficientSponsorFunds, http.StatusServiceUnavailable, "InsufficientSponsorFunds"},
		{relay.ErrMissingFields, http.StatusBadRequest, "MissingFields"},
		{ledger.ErrAlreadyPaid, http.StatusBadRequest, "AlreadyPaid"},
		{ledger.ErrBillNotFound, http.StatusNotFound, "BillNotFound"},
		{errors.New("boom"), http.StatusInternalServerError, "Internal"},
	}
	for _, tc := range tests {
		status, code := statusFor(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
		assert.Equal(t, tc.code, code, tc.err.Error())
	}
	assert.Equal(t, "AlreadyPaid", relay.Reason(reverted))
}

func TestFail_IncludesTxHash(t *testing.T) {
	h := NewHandler(nil, zerolog.Nop())
	rec := httptest.NewRecorder()
	hash := common.HexToHash("0xabc")
	h.fail(rec, httptest.NewRequest(http.MethodPost, "/gasless-payment", nil), relay.ErrRelayTimeout, &relay.Result{TxHash: hash})

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	var out errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "RelayTimeout", out.Code)
	assert.Equal(t, hash.Hex(), out.TxHash)
	assert.False(t, out.Success)
}
