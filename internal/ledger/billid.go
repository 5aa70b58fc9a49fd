package ledger

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"
)

// GenerateBillID returns keccak256(creator[20] || uint256be(seed)). Seeds
// wider than 256 bits are reduced mod 2^256; negative seeds use their
// absolute value.
func GenerateBillID(creator common.Address, seed *big.Int) common.Hash {
	var word [32]byte
	if seed != nil {
		u, _ := uint256.FromBig(new(big.Int).Abs(seed))
		word = u.Bytes32()
	}
	h := sha3.NewLegacyKeccak256()
	h.Write(creator[:])
	h.Write(word[:])
	var id common.Hash
	h.Sum(id[:0])
	return id
}
