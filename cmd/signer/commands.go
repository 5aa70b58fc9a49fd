package main

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"PayLinkRelay/internal/authz"
	internalhttp "PayLinkRelay/internal/http"
	"PayLinkRelay/internal/ledger"
)

const keyEnv = "PAYER_PRIVATE_KEY"

type deploymentFlags struct {
	chainID  string
	contract string
}

func (d *deploymentFlags) add(cmd *cobra.Command) {
	cmd.Flags().StringVar(&d.chainID, "chain-id", "2810", "chain id the ledger is deployed on")
	cmd.Flags().StringVar(&d.contract, "contract", "0xD6d13Fd49eF678b692eAd8EdfC85646E2e0C3195", "ledger contract address")
}

func (d *deploymentFlags) parse() (*big.Int, common.Address, error) {
	id, ok := new(big.Int).SetString(d.chainID, 10)
	if !ok || id.Sign() <= 0 {
		return nil, common.Address{}, fmt.Errorf("invalid --chain-id %q", d.chainID)
	}
	contract, err := parseAddress("--contract", d.contract)
	if err != nil {
		return nil, common.Address{}, err
	}
	return id, contract, nil
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "signer",
		Short:         "Sign bill payment authorizations and talk to a relay",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newBillIDCmd(), newSignCmd(), newPayCmd(), newCreateCmd(), newBillCmd())
	return root
}

func newBillIDCmd() *cobra.Command {
	var creator, seed string
	cmd := &cobra.Command{
		Use:   "bill-id",
		Short: "Derive a bill id from a creator address and a seed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			addr, err := parseAddress("--creator", creator)
			if err != nil {
				return err
			}
			s, ok := new(big.Int).SetString(seed, 0)
			if !ok {
				return fmt.Errorf("invalid --seed %q", seed)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), ledger.GenerateBillID(addr, s).Hex())
			return err
		},
	}
	cmd.Flags().StringVar(&creator, "creator", "", "creator address")
	cmd.Flags().StringVar(&seed, "seed", "", "numeric seed, usually a timestamp")
	_ = cmd.MarkFlagRequired("creator")
	_ = cmd.MarkFlagRequired("seed")
	return cmd
}

func newSignCmd() *cobra.Command {
	var (
		dep            deploymentFlags
		keyHex, billID string
		nonce          string
	)
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a payment authorization and print it as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := loadKey(keyHex)
			if err != nil {
				return err
			}
			chainID, contract, err := dep.parse()
			if err != nil {
				return err
			}
			id, err := parseHash("--bill", billID)
			if err != nil {
				return err
			}
			n, ok := new(big.Int).SetString(nonce, 10)
			if !ok {
				return fmt.Errorf("invalid --nonce %q", nonce)
			}
			auth, err := authz.Sign(key, id, n, chainID, contract)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), internalhttp.NewAuthorizationBody(auth))
		},
	}
	dep.add(cmd)
	cmd.Flags().StringVar(&keyHex, "key", "", "payer private key in hex (default $"+keyEnv+")")
	cmd.Flags().StringVar(&billID, "bill", "", "bill id")
	cmd.Flags().StringVar(&nonce, "nonce", "0", "payer's current authorization nonce")
	_ = cmd.MarkFlagRequired("bill")
	return cmd
}

func newPayCmd() *cobra.Command {
	var (
		dep                      deploymentFlags
		relayURL, keyHex, billID string
		nonce                    string
	)
	cmd := &cobra.Command{
		Use:   "pay",
		Short: "Authorize a token bill payment and have the relay submit it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := loadKey(keyHex)
			if err != nil {
				return err
			}
			chainID, contract, err := dep.parse()
			if err != nil {
				return err
			}
			id, err := parseHash("--bill", billID)
			if err != nil {
				return err
			}
			client := internalhttp.NewClient(relayURL, nil)
			ctx := cmd.Context()

			var n *big.Int
			if nonce == "" {
				// ask the ledger for the account's current nonce
				if n, err = client.Nonce(ctx, chainID, contract, crypto.PubkeyToAddress(key.PublicKey)); err != nil {
					return err
				}
			} else if n, _ = new(big.Int).SetString(nonce, 10); n == nil {
				return fmt.Errorf("invalid --nonce %q", nonce)
			}

			auth, err := authz.Sign(key, id, n, chainID, contract)
			if err != nil {
				return err
			}
			res, err := client.PayBill(ctx, internalhttp.PaymentBody{
				BillID:          id.Hex(),
				ContractAddress: contract.Hex(),
				ChainID:         json.Number(chainID.String()),
				Authorization:   internalhttp.NewAuthorizationBody(auth),
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	dep.add(cmd)
	cmd.Flags().StringVar(&relayURL, "relay", "http://localhost:8080", "relay base URL")
	cmd.Flags().StringVar(&keyHex, "key", "", "payer private key in hex (default $"+keyEnv+")")
	cmd.Flags().StringVar(&billID, "bill", "", "bill id")
	cmd.Flags().StringVar(&nonce, "nonce", "", "authorization nonce (default: read from the relay)")
	_ = cmd.MarkFlagRequired("bill")
	return cmd
}

func newCreateCmd() *cobra.Command {
	var (
		dep                               deploymentFlags
		relayURL, billID, token, receiver string
		amount                            string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Have the relay create a bill at its own expense",
		RunE: func(cmd *cobra.Command, _ []string) error {
			chainID, contract, err := dep.parse()
			if err != nil {
				return err
			}
			id, err := parseHash("--bill", billID)
			if err != nil {
				return err
			}
			tok, err := parseAddress("--token", token)
			if err != nil {
				return err
			}
			body := internalhttp.CreateBillBody{
				BillID:          id.Hex(),
				Token:           tok.Hex(),
				Amount:          json.Number(amount),
				ContractAddress: contract.Hex(),
				ChainID:         json.Number(chainID.String()),
			}
			if receiver != "" {
				r, err := parseAddress("--receiver", receiver)
				if err != nil {
					return err
				}
				body.Receiver = r.Hex()
			}
			res, err := internalhttp.NewClient(relayURL, nil).CreateBill(cmd.Context(), body)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	dep.add(cmd)
	cmd.Flags().StringVar(&relayURL, "relay", "http://localhost:8080", "relay base URL")
	cmd.Flags().StringVar(&billID, "bill", "", "bill id")
	cmd.Flags().StringVar(&token, "token", common.Address{}.Hex(), "token address, zero for the native currency")
	cmd.Flags().StringVar(&amount, "amount", "", "amount in base units")
	cmd.Flags().StringVar(&receiver, "receiver", "", "receiver address (default: the relay's sponsor)")
	_ = cmd.MarkFlagRequired("bill")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func newBillCmd() *cobra.Command {
	var (
		dep              deploymentFlags
		relayURL, billID string
	)
	cmd := &cobra.Command{
		Use:   "bill",
		Short: "Show a bill",
		RunE: func(cmd *cobra.Command, _ []string) error {
			chainID, contract, err := dep.parse()
			if err != nil {
				return err
			}
			id, err := parseHash("--bill", billID)
			if err != nil {
				return err
			}
			bill, err := internalhttp.NewClient(relayURL, nil).Bill(cmd.Context(), chainID, contract, id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), bill)
		},
	}
	dep.add(cmd)
	cmd.Flags().StringVar(&relayURL, "relay", "http://localhost:8080", "relay base URL")
	cmd.Flags().StringVar(&billID, "bill", "", "bill id")
	_ = cmd.MarkFlagRequired("bill")
	return cmd
}

func loadKey(keyHex string) (*ecdsa.PrivateKey, error) {
	if keyHex == "" {
		keyHex = os.Getenv(keyEnv)
	}
	if keyHex == "" {
		return nil, errors.New("no payer key: pass --key or set " + keyEnv)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(keyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("payer key: %w", err)
	}
	return key, nil
}

func parseAddress(flag, v string) (common.Address, error) {
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("invalid %s %q", flag, v)
	}
	return common.HexToAddress(v), nil
}

func parseHash(flag, v string) (common.Hash, error) {
	if len(v) != 66 || !strings.HasPrefix(v, "0x") {
		return common.Hash{}, fmt.Errorf("invalid %s %q: want 0x-prefixed 32 bytes", flag, v)
	}
	return common.HexToHash(v), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
