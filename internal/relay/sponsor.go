package relay

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"PayLinkRelay/internal/chain"
)

// Sponsor is the funded account that signs and pays for relayed
// transactions.
type Sponsor struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func NewSponsor(key *ecdsa.PrivateKey) *Sponsor {
	return &Sponsor{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

func (s *Sponsor) Address() common.Address {
	return s.address
}

// LoadSponsor builds the sponsor from a hex private key or, failing that,
// from an extended private key at the given derivation index. It returns
// nil without error when neither is set.
func LoadSponsor(hexKey, xprv string, index uint32) (*Sponsor, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey != "" {
		key, err := crypto.HexToECDSA(hexKey)
		if err != nil {
			return nil, fmt.Errorf("sponsor key: %w", err)
		}
		return NewSponsor(key), nil
	}
	if strings.TrimSpace(xprv) != "" {
		key, err := chain.SponsorDeriver{XPrv: strings.TrimSpace(xprv)}.Derive(index)
		if err != nil {
			return nil, fmt.Errorf("sponsor xprv: %w", err)
		}
		return NewSponsor(key), nil
	}
	return nil, nil
}
