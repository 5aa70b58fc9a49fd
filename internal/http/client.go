package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Client calls a relay over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// APIError is a non-2xx relay answer.
type APIError struct {
	Status  int
	Code    string
	Message string
	TxHash  string
	Reason  string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("relay: %d %s: %s", e.Status, e.Code, e.Message)
	if e.TxHash != "" {
		msg += " (tx " + e.TxHash + ")"
	}
	return msg
}

func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 90 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

func (c *Client) CreateBill(ctx context.Context, body CreateBillBody) (*RelayResponse, error) {
	var out RelayResponse
	if err := c.do(ctx, http.MethodPost, "/gasless-create", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) PayBill(ctx context.Context, body PaymentBody) (*RelayResponse, error) {
	var out RelayResponse
	if err := c.do(ctx, http.MethodPost, "/gasless-payment", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Bill(ctx context.Context, chainID *big.Int, contract common.Address, billID common.Hash) (*BillResponse, error) {
	var out BillResponse
	path := "/bills/" + billID.Hex() + "?" + deploymentQuery(chainID, contract)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Nonce(ctx context.Context, chainID *big.Int, contract, account common.Address) (*big.Int, error) {
	var out NonceResponse
	path := "/nonces/" + account.Hex() + "?" + deploymentQuery(chainID, contract)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	n, ok := new(big.Int).SetString(out.Nonce, 10)
	if !ok {
		return nil, fmt.Errorf("relay: bad nonce %q", out.Nonce)
	}
	return n, nil
}

func deploymentQuery(chainID *big.Int, contract common.Address) string {
	q := url.Values{}
	q.Set("chainId", chainID.String())
	q.Set("contractAddress", contract.Hex())
	return q.Encode()
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		var e errorResponse
		if json.Unmarshal(data, &e) != nil || e.Code == "" {
			return &APIError{Status: resp.StatusCode, Code: "Internal", Message: strings.TrimSpace(string(data))}
		}
		return &APIError{Status: resp.StatusCode, Code: e.Code, Message: e.Error, TxHash: e.TxHash, Reason: e.Reason}
	}
	return json.Unmarshal(data, out)
}
