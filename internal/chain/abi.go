package chain

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"PayLinkRelay/internal/ledger"
	"PayLinkRelay/internal/models"
)

const ledgerABIJSON = `[
 {"type":"function","name":"createBill","stateMutability":"payable","inputs":[
  {"name":"billId","type":"bytes32"},{"name":"receiver","type":"address"},
  {"name":"token","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"payBill","stateMutability":"payable","inputs":[
  {"name":"billId","type":"bytes32"}],"outputs":[]},
 {"type":"function","name":"payBillWithAuthorization","stateMutability":"payable","inputs":[
  {"name":"auth","type":"tuple","components":[
   {"name":"authorizer","type":"address"},{"name":"billId","type":"bytes32"},
   {"name":"nonce","type":"uint256"},{"name":"chainId","type":"uint256"},
   {"name":"contractAddress","type":"address"},{"name":"signature","type":"bytes"}]}],"outputs":[]},
 {"type":"function","name":"getBill","stateMutability":"view","inputs":[
  {"name":"billId","type":"bytes32"}],"outputs":[
  {"name":"bill","type":"tuple","components":[
   {"name":"receiver","type":"address"},{"name":"token","type":"address"},
   {"name":"amount","type":"uint256"},{"name":"paid","type":"bool"},
   {"name":"createdAt","type":"uint256"},{"name":"paidAt","type":"uint256"},
   {"name":"payer","type":"address"}]}]},
 {"type":"function","name":"getNonce","stateMutability":"view","inputs":[
  {"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"getUserBills","stateMutability":"view","inputs":[
  {"name":"account","type":"address"}],"outputs":[{"name":"","type":"bytes32[]"}]},
 {"type":"function","name":"generateBillId","stateMutability":"pure","inputs":[
  {"name":"creator","type":"address"},{"name":"seed","type":"uint256"}],"outputs":[{"name":"","type":"bytes32"}]},
 {"type":"function","name":"totalBills","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"totalPaidBills","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"event","name":"BillCreated","anonymous":false,"inputs":[
  {"name":"billId","type":"bytes32","indexed":true},{"name":"creator","type":"address","indexed":true},
  {"name":"receiver","type":"address","indexed":false},{"name":"token","type":"address","indexed":false},
  {"name":"amount","type":"uint256","indexed":false}]},
 {"type":"event","name":"BillPaid","anonymous":false,"inputs":[
  {"name":"billId","type":"bytes32","indexed":true},{"name":"payer","type":"address","indexed":true},
  {"name":"token","type":"address","indexed":false},{"name":"amount","type":"uint256","indexed":false},
  {"name":"gasless","type":"bool","indexed":false}]},
 {"type":"error","name":"BillNotFound","inputs":[]},
 {"type":"error","name":"BillAlreadyExists","inputs":[]},
 {"type":"error","name":"AlreadyPaid","inputs":[]},
 {"type":"error","name":"InvalidAmount","inputs":[]},
 {"type":"error","name":"InvalidReceiver","inputs":[]},
 {"type":"error","name":"AmountMismatch","inputs":[]},
 {"type":"error","name":"InvalidSignature","inputs":[]},
 {"type":"error","name":"NonceReplay","inputs":[]},
 {"type":"error","name":"WrongChain","inputs":[]},
 {"type":"error","name":"WrongContract","inputs":[]},
 {"type":"error","name":"UnsupportedAsset","inputs":[]},
 {"type":"error","name":"TransferFailed","inputs":[]}
]`

// LedgerABI is the interface of the settlement ledger contract. The
// in-process node serves the same ABI, so calldata built here is valid
// against both.
var LedgerABI = mustParseABI(ledgerABIJSON)

var ErrUnknownMethod = errors.New("unknown ledger method")

func mustParseABI(src string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(src))
	if err != nil {
		panic(fmt.Sprintf("ledger abi: %v", err))
	}
	return parsed
}

// authTuple mirrors the payBillWithAuthorization argument.
type authTuple struct {
	Authorizer      common.Address
	BillId          [32]byte
	Nonce           *big.Int
	ChainId         *big.Int
	ContractAddress common.Address
	Signature       []byte
}

// billTuple mirrors the getBill return value.
type billTuple struct {
	Receiver  common.Address
	Token     common.Address
	Amount    *big.Int
	Paid      bool
	CreatedAt *big.Int
	PaidAt    *big.Int
	Payer     common.Address
}

func PackCreateBill(billID common.Hash, receiver, token common.Address, amount *big.Int) ([]byte, error) {
	return LedgerABI.Pack("createBill", [32]byte(billID), receiver, token, orZero(amount))
}

func PackPayBill(billID common.Hash) ([]byte, error) {
	return LedgerABI.Pack("payBill", [32]byte(billID))
}

func PackPayBillWithAuthorization(auth models.Authorization) ([]byte, error) {
	return LedgerABI.Pack("payBillWithAuthorization", authTuple{
		Authorizer:      auth.Authorizer,
		BillId:          auth.BillID,
		Nonce:           orZero(auth.Nonce),
		ChainId:         orZero(auth.ChainID),
		ContractAddress: auth.ContractAddress,
		Signature:       auth.Signature,
	})
}

func PackGetBill(billID common.Hash) ([]byte, error) {
	return LedgerABI.Pack("getBill", [32]byte(billID))
}

func PackGetNonce(account common.Address) ([]byte, error) {
	return LedgerABI.Pack("getNonce", account)
}

func PackGetUserBills(account common.Address) ([]byte, error) {
	return LedgerABI.Pack("getUserBills", account)
}

func UnpackBill(billID common.Hash, data []byte) (models.Bill, error) {
	out, err := LedgerABI.Unpack("getBill", data)
	if err != nil {
		return models.Bill{}, fmt.Errorf("unpack getBill: %w", err)
	}
	t := *abi.ConvertType(out[0], new(billTuple)).(*billTuple)
	b := models.Bill{
		Receiver:  t.Receiver,
		Token:     t.Token,
		Amount:    orZero(t.Amount),
		Paid:      t.Paid,
		CreatedAt: orZero(t.CreatedAt).Uint64(),
		PaidAt:    orZero(t.PaidAt).Uint64(),
		Payer:     t.Payer,
	}
	if b.Exists() {
		b.ID = billID
	}
	return b, nil
}

func UnpackNonce(data []byte) (*big.Int, error) {
	out, err := LedgerABI.Unpack("getNonce", data)
	if err != nil {
		return nil, fmt.Errorf("unpack getNonce: %w", err)
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

func UnpackUserBills(data []byte) ([]common.Hash, error) {
	out, err := LedgerABI.Unpack("getUserBills", data)
	if err != nil {
		return nil, fmt.Errorf("unpack getUserBills: %w", err)
	}
	raw := *abi.ConvertType(out[0], new([][32]byte)).(*[][32]byte)
	ids := make([]common.Hash, len(raw))
	for i, r := range raw {
		ids[i] = r
	}
	return ids, nil
}

// RevertData encodes a ledger error the way the contract reverts with it:
// the 4-byte selector of the matching custom error. Errors without a code
// return nil.
func RevertData(err error) []byte {
	code := ledger.Code(err)
	if code == "" {
		return nil
	}
	e, ok := LedgerABI.Errors[code]
	if !ok {
		return nil
	}
	return common.CopyBytes(e.ID[:4])
}

// DecodeRevert maps contract revert data back to the ledger error it stands
// for. It returns nil when the data carries no known selector.
func DecodeRevert(data []byte) error {
	if len(data) < 4 {
		return nil
	}
	for name, e := range LedgerABI.Errors {
		if string(e.ID[:4]) == string(data[:4]) {
			return ledger.FromCode(name)
		}
	}
	return nil
}

// ParseLogs decodes BillCreated and BillPaid logs emitted by the ledger at
// address. Other logs are skipped.
func ParseLogs(address common.Address, logs []*types.Log) []ledger.Event {
	var out []ledger.Event
	for _, lg := range logs {
		if lg.Address != address || len(lg.Topics) < 3 {
			continue
		}
		ev, err := LedgerABI.EventByID(lg.Topics[0])
		if err != nil {
			continue
		}
		fields := map[string]any{}
		if err := ev.Inputs.UnpackIntoMap(fields, lg.Data); err != nil {
			continue
		}
		e := ledger.Event{
			BillID:      lg.Topics[1],
			BlockNumber: lg.BlockNumber,
			TxHash:      lg.TxHash,
		}
		e.Amount, _ = fields["amount"].(*big.Int)
		e.Token, _ = fields["token"].(common.Address)
		switch ev.Name {
		case "BillCreated":
			e.Kind = ledger.EventBillCreated
			e.Creator = common.BytesToAddress(lg.Topics[2].Bytes())
			e.Receiver, _ = fields["receiver"].(common.Address)
		case "BillPaid":
			e.Kind = ledger.EventBillPaid
			e.Payer = common.BytesToAddress(lg.Topics[2].Bytes())
			e.Gasless, _ = fields["gasless"].(bool)
		default:
			continue
		}
		out = append(out, e)
	}
	return out
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
