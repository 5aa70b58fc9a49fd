package main

import (
	"bytes"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PayLinkRelay/internal/authz"
	internalhttp "PayLinkRelay/internal/http"
	"PayLinkRelay/internal/ledger"
	"PayLinkRelay/internal/models"
)

// hardhat account #0
const devKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestBillID(t *testing.T) {
	creator := "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	out, err := run(t, "bill-id", "--creator", creator, "--seed", "1700000000")
	require.NoError(t, err)
	want := ledger.GenerateBillID(common.HexToAddress(creator), big.NewInt(1700000000))
	assert.Equal(t, want.Hex()+"\n", out)

	_, err = run(t, "bill-id", "--creator", "0x12", "--seed", "1")
	assert.ErrorContains(t, err, "invalid --creator")
}

func TestSign(t *testing.T) {
	bill := common.HexToHash("0x1234").Hex()
	out, err := run(t, "sign", "--key", "0x"+devKey, "--bill", bill, "--nonce", "4",
		"--chain-id", "2810", "--contract", "0xD6d13Fd49eF678b692eAd8EdfC85646E2e0C3195")
	require.NoError(t, err)

	var body internalhttp.AuthorizationBody
	require.NoError(t, json.Unmarshal([]byte(out), &body))
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", body.Authorizer)
	assert.Equal(t, json.Number("4"), body.Nonce)
	assert.Equal(t, json.Number("2810"), body.ChainID)

	sig, err := hexutil.Decode(body.Signature)
	require.NoError(t, err)
	assert.True(t, authz.Verify(models.Authorization{
		Authorizer:      common.HexToAddress(body.Authorizer),
		BillID:          common.HexToHash(bill),
		Nonce:           big.NewInt(4),
		ChainID:         big.NewInt(2810),
		ContractAddress: common.HexToAddress(body.ContractAddress),
		Signature:       sig,
	}))
}

func TestSign_KeyFromEnv(t *testing.T) {
	t.Setenv(keyEnv, devKey)
	_, err := run(t, "sign", "--bill", common.HexToHash("0x01").Hex())
	require.NoError(t, err)

	t.Setenv(keyEnv, "")
	_, err = run(t, "sign", "--bill", common.HexToHash("0x01").Hex())
	assert.ErrorContains(t, err, "no payer key")
}

func TestPay_ReadsNonceFromRelay(t *testing.T) {
	key, err := crypto.HexToECDSA(devKey)
	require.NoError(t, err)
	payer := crypto.PubkeyToAddress(key.PublicKey)
	bill := common.HexToHash("0xabcd")

	var got internalhttp.PaymentBody
	mux := http.NewServeMux()
	mux.HandleFunc("/nonces/", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, payer.Hex()) || r.URL.Query().Get("chainId") != "31337" {
			http.Error(w, `{"success":false,"code":"InvalidRequest","error":"unexpected"}`, http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(internalhttp.NonceResponse{Account: payer.Hex(), Nonce: "7"})
	})
	mux.HandleFunc("/gasless-payment", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, `{"success":false,"code":"InvalidRequest","error":"bad body"}`, http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(internalhttp.RelayResponse{Success: true, TxHash: common.HexToHash("0x99").Hex(), BlockNumber: "12"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	out, err := run(t, "pay", "--relay", srv.URL, "--key", devKey, "--bill", bill.Hex(),
		"--chain-id", "31337", "--contract", "0x5FbDB2315678afecb367f032d93F642f64180aa3")
	require.NoError(t, err)
	assert.Contains(t, out, `"blockNumber": "12"`)

	require.NotNil(t, got.Authorization)
	assert.Equal(t, json.Number("7"), got.Authorization.Nonce)
	assert.Equal(t, bill.Hex(), got.BillID)
	assert.Equal(t, got.BillID, got.Authorization.BillID)
}

func TestPay_RelayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGatewayTimeout)
		_, _ = w.Write([]byte(`{"success":false,"error":"timeout","code":"RelayTimeout","txHash":"0x01"}`))
	}))
	defer srv.Close()

	_, err := run(t, "pay", "--relay", srv.URL, "--key", devKey, "--nonce", "0",
		"--bill", common.HexToHash("0x01").Hex())
	var apiErr *internalhttp.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusGatewayTimeout, apiErr.Status)
	assert.Equal(t, "RelayTimeout", apiErr.Code)
	assert.Equal(t, "0x01", apiErr.TxHash)
}
