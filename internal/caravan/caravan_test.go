package caravan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/neverDefined/regtest-scenarios/internal/keys"
	"github.com/neverDefined/regtest-scenarios/internal/multisig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext(t *testing.T, required, total int) *multisig.Context {
	t.Helper()

	ctx := &multisig.Context{
		Scenario: "privacy-good",
		Required: required,
		Total:    total,
	}
	for i := 0; i < total; i++ {
		priv, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		m := keys.Placeholder(&chaincfg.RegressionNetParams, i, priv.PubKey())
		ctx.Signers = append(ctx.Signers, multisig.Signer{
			Material: *m,
			Name:     multisig.SignerName(ctx.Scenario, i+1),
		})
	}
	return ctx
}

func TestNewFixture(t *testing.T) {
	ctx := testContext(t, 2, 3)
	f := NewFixture(ctx, "regtest")

	assert.Equal(t, "privacy-good multisig", f.Name)
	assert.Equal(t, AddressTypeP2WSH, f.AddressType)
	assert.Equal(t, "regtest", f.Network)
	assert.Equal(t, Quorum{RequiredSigners: 2, TotalSigners: 3}, f.Quorum)
	assert.Equal(t, 0, f.StartingAddressIndex)
	require.Len(t, f.ExtendedPublicKeys, 3)

	for i, k := range f.ExtendedPublicKeys {
		s := ctx.Signers[i]
		assert.Equal(t, s.Name, k.Name)
		assert.Equal(t, s.XPub, k.XPub)
		assert.Equal(t, s.Fingerprint, k.XFP)
		assert.Equal(t, "m/84'/1'/0'", k.BIP32Path)
		assert.Equal(t, MethodText, k.Method)
	}
	require.NoError(t, f.Validate())
}

func TestNetworkName(t *testing.T) {
	tests := map[string]string{
		"main":     "mainnet",
		"mainnet":  "mainnet",
		"test":     "testnet",
		"testnet3": "testnet",
		"signet":   "signet",
		"regtest":  "regtest",
		"":         "regtest",
	}
	for in, want := range tests {
		assert.Equal(t, want, NetworkName(in), in)
	}
}

func TestWriteAndRead(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "fixtures")
	f := NewFixture(testContext(t, 2, 2), "regtest")

	path, err := Write(dir, "privacy-good", f)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "privacy-good_caravan.json"), path)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, byte('\n'), raw[len(raw)-1])
	assert.Contains(t, string(raw), `"requiredSigners": 2`)
	assert.Contains(t, string(raw), `"bip32Path": "m/84'/1'/0'"`)

	read, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, f, read)

	// a second write replaces the file
	f.Name = "renamed"
	_, err = Write(dir, "privacy-good", f)
	require.NoError(t, err)
	read, err = Read(path)
	require.NoError(t, err)
	assert.Equal(t, "renamed", read.Name)
}

func TestWriteInvalid(t *testing.T) {
	dir := t.TempDir()
	f := NewFixture(testContext(t, 2, 2), "regtest")
	f.Quorum.RequiredSigners = 3

	_, err := Write(dir, "broken", f)
	assert.ErrorIs(t, err, ErrInvalidFixture)
	_, err = os.Stat(filepath.Join(dir, FileName("broken")))
	assert.True(t, os.IsNotExist(err))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *Fixture)
	}{
		{"no signatures required", func(f *Fixture) { f.Quorum.RequiredSigners = 0 }},
		{"key count", func(f *Fixture) { f.Quorum.TotalSigners = 3 }},
		{"xpub", func(f *Fixture) { f.ExtendedPublicKeys[0].XPub = "tpubnotakey" }},
		{"short xfp", func(f *Fixture) { f.ExtendedPublicKeys[1].XFP = "abcd" }},
		{"non-hex xfp", func(f *Fixture) { f.ExtendedPublicKeys[1].XFP = "zzzzzzzz" }},
		{"path", func(f *Fixture) { f.ExtendedPublicKeys[0].BIP32Path = "m//0" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFixture(testContext(t, 2, 2), "regtest")
			tt.mutate(f)
			assert.ErrorIs(t, f.Validate(), ErrInvalidFixture)
		})
	}
}
