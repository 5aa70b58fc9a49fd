// Package authz implements the canonical authorization message shared by
// payers, relays and the settlement ledger.
//
// The signed payload is the fixed-width concatenation
//
//	billId[32] || uint256be(nonce)[32] || uint256be(chainId)[32] || contract[20]
//
// hashed with Keccak-256. Wallets sign that digest as an EIP-191 personal
// message. Changing field order or widths invalidates every outstanding
// signature, so any change must bump LayoutVersion.
package authz

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"PayLinkRelay/internal/models"
)

const (
	LayoutVersion = 1

	// EncodedLen is the size of the canonical encoding.
	EncodedLen = common.HashLength + 32 + 32 + common.AddressLength

	SignatureLen = crypto.SignatureLength
)

var (
	ErrFieldOverflow    = errors.New("field does not fit 256 bits")
	ErrInvalidSignature = errors.New("invalid signature")
)

// Encode returns the canonical byte layout of the bound authorization fields.
func Encode(billID common.Hash, nonce, chainID *big.Int, contract common.Address) ([]byte, error) {
	n, err := word(nonce)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	c, err := word(chainID)
	if err != nil {
		return nil, fmt.Errorf("chainId: %w", err)
	}
	out := make([]byte, 0, EncodedLen)
	out = append(out, billID[:]...)
	out = append(out, n[:]...)
	out = append(out, c[:]...)
	out = append(out, contract[:]...)
	return out, nil
}

func Hash(encoded []byte) common.Hash {
	return crypto.Keccak256Hash(encoded)
}

// Digest encodes and hashes the bound fields in one step.
func Digest(billID common.Hash, nonce, chainID *big.Int, contract common.Address) (common.Hash, error) {
	enc, err := Encode(billID, nonce, chainID, contract)
	if err != nil {
		return common.Hash{}, err
	}
	return Hash(enc), nil
}

// SigningHash is the hash actually signed by wallets: the digest wrapped as
// an EIP-191 personal message.
func SigningHash(digest common.Hash) common.Hash {
	return common.BytesToHash(accounts.TextHash(digest[:]))
}

// RecoverSigner returns the account that produced signature over digest.
func RecoverSigner(digest common.Hash, signature []byte) (common.Address, error) {
	if len(signature) != SignatureLen {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(signature))
	}
	sig := make([]byte, SignatureLen)
	copy(sig, signature)
	switch sig[crypto.RecoveryIDOffset] {
	case 0, 1:
	case 27, 28:
		sig[crypto.RecoveryIDOffset] -= 27
	default:
		return common.Address{}, fmt.Errorf("%w: recovery id %d", ErrInvalidSignature, signature[crypto.RecoveryIDOffset])
	}
	hash := SigningHash(digest)
	pub, err := crypto.SigToPub(hash[:], sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify recomputes the digest of auth and checks it was signed by
// auth.Authorizer. It does not look at nonce state.
func Verify(auth models.Authorization) bool {
	if auth.Authorizer == (common.Address{}) {
		return false
	}
	digest, err := Digest(auth.BillID, auth.Nonce, auth.ChainID, auth.ContractAddress)
	if err != nil {
		return false
	}
	signer, err := RecoverSigner(digest, auth.Signature)
	if err != nil {
		return false
	}
	return signer == auth.Authorizer
}

// Sign produces an authorization for key's account the way a wallet would.
func Sign(key *ecdsa.PrivateKey, billID common.Hash, nonce, chainID *big.Int, contract common.Address) (models.Authorization, error) {
	digest, err := Digest(billID, nonce, chainID, contract)
	if err != nil {
		return models.Authorization{}, err
	}
	hash := SigningHash(digest)
	sig, err := crypto.Sign(hash[:], key)
	if err != nil {
		return models.Authorization{}, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return models.Authorization{
		Authorizer:      crypto.PubkeyToAddress(key.PublicKey),
		BillID:          billID,
		Nonce:           new(big.Int).Set(nonce),
		ChainID:         new(big.Int).Set(chainID),
		ContractAddress: contract,
		Signature:       sig,
	}, nil
}

func word(v *big.Int) ([32]byte, error) {
	if v == nil {
		return [32]byte{}, nil
	}
	if v.Sign() < 0 {
		return [32]byte{}, ErrFieldOverflow
	}
	u, overflow := uint256.FromBig(v)
	if overflow {
		return [32]byte{}, ErrFieldOverflow
	}
	return u.Bytes32(), nil
}
