package chain

import (
	"crypto/sha512"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/pbkdf2"
)

// Well-known development mnemonic; its first accounts are funded on every
// local EVM devnet.
const devMnemonic = "test test test test test test test test test test test junk"

func devMaster(t *testing.T) *hdkeychain.ExtendedKey {
	t.Helper()
	seed := pbkdf2.Key([]byte(devMnemonic), []byte("mnemonic"), 2048, 64, sha512.New)
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	require.NoError(t, err)
	return master
}

func TestSponsorDeriver_Master(t *testing.T) {
	d := SponsorDeriver{XPrv: devMaster(t).String()}

	key, err := d.Derive(0)
	require.NoError(t, err)
	require.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", crypto.PubkeyToAddress(key.PublicKey).Hex())

	key, err = d.Derive(1)
	require.NoError(t, err)
	require.Equal(t, "0x70997970C51812dc3A010C7d01b50e0d17dc79C8", crypto.PubkeyToAddress(key.PublicKey).Hex())
}

func TestSponsorDeriver_AccountLevel(t *testing.T) {
	key := devMaster(t)
	var err error
	for _, step := range ethAccountPath {
		key, err = key.Derive(step)
		require.NoError(t, err)
	}
	d := SponsorDeriver{XPrv: key.String()}
	priv, err := d.Derive(1)
	require.NoError(t, err)
	require.Equal(t, "0x70997970C51812dc3A010C7d01b50e0d17dc79C8", crypto.PubkeyToAddress(priv.PublicKey).Hex())
}

func TestSponsorDeriver_Rejects(t *testing.T) {
	_, err := SponsorDeriver{}.Derive(0)
	require.Error(t, err)

	_, err = SponsorDeriver{XPrv: "not-a-key"}.Derive(0)
	require.Error(t, err)

	pub, err := devMaster(t).Neuter()
	require.NoError(t, err)
	_, err = SponsorDeriver{XPrv: pub.String()}.Derive(0)
	require.ErrorContains(t, err, "extended private key")

	child, err := devMaster(t).Derive(hdkeychain.HardenedKeyStart + 44)
	require.NoError(t, err)
	_, err = SponsorDeriver{XPrv: child.String()}.Derive(0)
	require.ErrorContains(t, err, "depth")
}
