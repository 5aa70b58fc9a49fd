package chain

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/ethereum/go-ethereum/crypto"
)

// SponsorDeriver derives sponsor signing keys from an extended private key.
//
// XPrv is either a master key (depth 0), in which case the full
// m/44'/60'/0'/0/index path is derived, or the account-level key at
// m/44'/60'/0'/0 (depth 4), in which case only the index is derived.
type SponsorDeriver struct {
	XPrv string
}

var ethAccountPath = []uint32{
	hdkeychain.HardenedKeyStart + 44,
	hdkeychain.HardenedKeyStart + 60,
	hdkeychain.HardenedKeyStart + 0,
	0,
}

func (d SponsorDeriver) Derive(index uint32) (*ecdsa.PrivateKey, error) {
	if d.XPrv == "" {
		return nil, errors.New("xprv is not configured")
	}
	key, err := hdkeychain.NewKeyFromString(d.XPrv)
	if err != nil {
		return nil, err
	}
	if !key.IsPrivate() {
		return nil, errors.New("sponsor key must be an extended private key")
	}
	switch key.Depth() {
	case 0:
		for _, step := range ethAccountPath {
			if key, err = key.Derive(step); err != nil {
				return nil, err
			}
		}
	case uint8(len(ethAccountPath)):
	default:
		return nil, fmt.Errorf("unsupported xprv depth %d, want 0 or %d", key.Depth(), len(ethAccountPath))
	}
	child, err := key.Derive(index)
	if err != nil {
		return nil, err
	}
	priv, err := child.ECPrivKey()
	if err != nil {
		return nil, err
	}
	return crypto.ToECDSA(priv.Serialize())
}
