package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-playground/validator/v10"

	"PayLinkRelay/internal/authz"
	"PayLinkRelay/internal/models"
	"PayLinkRelay/internal/relay"
)

const maxBodyBytes = 64 << 10

// CreateBillBody is the JSON body of POST /gasless-create.
type CreateBillBody struct {
	BillID          string      `json:"billId" validate:"required,bytes32"`
	Token           string      `json:"token" validate:"required,eth_addr"`
	Amount          json.Number `json:"amount" validate:"required,uint256"`
	ContractAddress string      `json:"contractAddress" validate:"required,eth_addr"`
	ChainID         json.Number `json:"chainId" validate:"required,uint256"`
	Receiver        string      `json:"receiver,omitempty" validate:"omitempty,eth_addr"`
}

// AuthorizationBody is the signed authorization as sent by payers.
type AuthorizationBody struct {
	Authorizer      string      `json:"authorizer" validate:"required,eth_addr"`
	BillID          string      `json:"billId" validate:"required,bytes32"`
	Nonce           json.Number `json:"nonce" validate:"required,uint256"`
	ChainID         json.Number `json:"chainId" validate:"required,uint256"`
	ContractAddress string      `json:"contractAddress" validate:"required,eth_addr"`
	Signature       string      `json:"signature" validate:"required,signature"`
}

// PaymentBody is the JSON body of POST /gasless-payment.
type PaymentBody struct {
	BillID          string             `json:"billId" validate:"required,bytes32"`
	ContractAddress string             `json:"contractAddress" validate:"required,eth_addr"`
	ChainID         json.Number        `json:"chainId" validate:"required,uint256"`
	Authorization   *AuthorizationBody `json:"authorization" validate:"required"`
}

// NewAuthorizationBody renders a signed authorization for the wire.
func NewAuthorizationBody(a models.Authorization) *AuthorizationBody {
	return &AuthorizationBody{
		Authorizer:      a.Authorizer.Hex(),
		BillID:          a.BillID.Hex(),
		Nonce:           json.Number(a.Nonce.String()),
		ChainID:         json.Number(a.ChainID.String()),
		ContractAddress: a.ContractAddress.Hex(),
		Signature:       hexutil.Encode(a.Signature),
	}
}

var errMalformed = errors.New("malformed request")

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	_ = v.RegisterValidation("bytes32", func(fl validator.FieldLevel) bool {
		b, err := hexutil.Decode(fl.Field().String())
		return err == nil && len(b) == common.HashLength
	})
	_ = v.RegisterValidation("uint256", func(fl validator.FieldLevel) bool {
		_, ok := parseUint256(fl.Field().String())
		return ok
	})
	_ = v.RegisterValidation("signature", func(fl validator.FieldLevel) bool {
		b, err := hexutil.Decode(fl.Field().String())
		return err == nil && len(b) == authz.SignatureLen
	})
	return v
}

func parseUint256(s string) (*big.Int, bool) {
	v, ok := new(big.Int).SetString(s, 0)
	if !ok || v.Sign() < 0 || v.BitLen() > 256 {
		return nil, false
	}
	return v, true
}

// decode reads a strict JSON body into dst and validates it. A failing
// "required" rule is reported as relay.ErrMissingFields.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data after body", errMalformed)
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				if fe.Tag() == "required" {
					return fmt.Errorf("%w: %s", relay.ErrMissingFields, fe.Namespace())
				}
			}
			fe := verrs[0]
			return fmt.Errorf("%w: %s fails %s", errMalformed, fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	return nil
}

func (b *CreateBillBody) request() relay.CreateRequest {
	amount, _ := parseUint256(b.Amount.String())
	chainID, _ := parseUint256(b.ChainID.String())
	req := relay.CreateRequest{
		BillID:          common.HexToHash(b.BillID),
		Token:           common.HexToAddress(b.Token),
		Amount:          amount,
		ContractAddress: common.HexToAddress(b.ContractAddress),
		ChainID:         chainID,
	}
	if b.Receiver != "" {
		req.Receiver = common.HexToAddress(b.Receiver)
	}
	return req
}

func (b *PaymentBody) request() relay.PaymentRequest {
	chainID, _ := parseUint256(b.ChainID.String())
	a := b.Authorization
	nonce, _ := parseUint256(a.Nonce.String())
	authChain, _ := parseUint256(a.ChainID.String())
	sig, _ := hexutil.Decode(a.Signature)
	return relay.PaymentRequest{
		BillID:          common.HexToHash(b.BillID),
		ContractAddress: common.HexToAddress(b.ContractAddress),
		ChainID:         chainID,
		Authorization: &models.Authorization{
			Authorizer:      common.HexToAddress(a.Authorizer),
			BillID:          common.HexToHash(a.BillID),
			Nonce:           nonce,
			ChainID:         authChain,
			ContractAddress: common.HexToAddress(a.ContractAddress),
			Signature:       sig,
		},
	}
}
