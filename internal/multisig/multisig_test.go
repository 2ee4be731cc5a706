package multisig

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	regtest "github.com/neverDefined/regtest-scenarios"
	"github.com/neverDefined/regtest-scenarios/internal/keys"
	"github.com/neverDefined/regtest-scenarios/internal/simnode"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegtest(t *testing.T) (*regtest.Regtest, *simnode.Node) {
	t.Helper()

	node := simnode.New(simnode.Options{})
	t.Cleanup(node.Close)

	rt, err := regtest.New(&regtest.Config{
		Network: "regtest",
		Host:    node.Host(),
		User:    "user",
		Pass:    "pass",
		Sync:    regtest.RetryPolicy{Attempts: 3},
	})
	require.NoError(t, err)
	t.Cleanup(rt.Close)

	return rt, node
}

func randomPubKeys(t *testing.T, n int) []string {
	t.Helper()

	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		priv, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		out = append(out, hex.EncodeToString(priv.PubKey().SerializeCompressed()))
	}
	return out
}

func TestScriptFor(t *testing.T) {
	params := &chaincfg.RegressionNetParams
	pks := randomPubKeys(t, 3)

	script, addr, err := ScriptFor(params, 2, pks)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(addr.EncodeAddress(), "bcrt1q"))

	class, addrs, required, err := txscript.ExtractPkScriptAddrs(script, params)
	require.NoError(t, err)
	assert.Equal(t, txscript.MultiSigTy, class)
	assert.Equal(t, 2, required)
	assert.Len(t, addrs, 3)

	sameScript, sameAddr, err := ScriptFor(params, 2, pks)
	require.NoError(t, err)
	assert.Equal(t, script, sameScript)
	assert.Equal(t, addr.EncodeAddress(), sameAddr.EncodeAddress())

	// key order is part of the script
	reordered := []string{pks[1], pks[0], pks[2]}
	_, otherAddr, err := ScriptFor(params, 2, reordered)
	require.NoError(t, err)
	assert.NotEqual(t, addr.EncodeAddress(), otherAddr.EncodeAddress())

	_, _, err = ScriptFor(params, 4, pks)
	assert.ErrorIs(t, err, ErrInvalidQuorum)
	_, _, err = ScriptFor(params, 0, pks)
	assert.ErrorIs(t, err, ErrInvalidQuorum)
	_, _, err = ScriptFor(params, 1, randomPubKeys(t, 16))
	assert.ErrorIs(t, err, ErrInvalidQuorum)
	_, _, err = ScriptFor(params, 1, []string{"zz"})
	assert.Error(t, err)
}

func TestAssemble(t *testing.T) {
	rt, node := newTestRegtest(t)
	a := NewAssembler(rt, DefaultPolicy())

	ctx, err := a.Assemble("quorum", 2, 3)
	require.NoError(t, err)

	assert.Equal(t, "quorum", ctx.Scenario)
	assert.Equal(t, 2, ctx.Required)
	assert.Equal(t, 3, ctx.Total)
	require.Len(t, ctx.Signers, 3)
	for i, s := range ctx.Signers {
		assert.Equal(t, SignerName("quorum", i+1), s.Name)
		assert.Equal(t, s.Name, s.Wallet.Name())
		assert.Equal(t, keys.TrustDescriptor, s.Trust)
		assert.True(t, node.Loaded(s.Name))
	}

	assert.Same(t, ctx.Signers[0].Wallet, ctx.Coordinator)
	cosigners := ctx.Cosigners()
	require.Len(t, cosigners, 2)
	assert.Equal(t, "quorum_signer_2", cosigners[0].Name)

	script, addr, err := ScriptFor(rt.Params(), 2, ctx.PubKeys())
	require.NoError(t, err)
	assert.Equal(t, addr.EncodeAddress(), ctx.Address)
	assert.Equal(t, hex.EncodeToString(script), ctx.RedeemScript)
	assert.True(t, strings.HasPrefix(ctx.Descriptor, "wsh(multi(2,"))

	funding, ok := node.Tx(ctx.FundingTxID)
	require.True(t, ok)
	assert.True(t, funding.Confirmed)
	var paid bool
	for _, o := range funding.Outputs {
		if o.Address == ctx.Address {
			paid = o.Amount.Equal(decimal.NewFromInt(1))
		}
	}
	assert.True(t, paid, "funding transaction does not pay the multisig")
	assert.True(t, ctx.FundedAmount.Equal(decimal.NewFromInt(1)))

	utxos, err := rt.ScanTxOutSetForAddress(ctx.Address)
	require.NoError(t, err)
	assert.Len(t, utxos, 1)

	for _, s := range ctx.Signers {
		balance, err := s.Wallet.Balance()
		require.NoError(t, err)
		assert.True(t, balance.GreaterThanOrEqual(decimal.NewFromInt(20)), s.Name)
	}
}

func TestAssembleReusesWallets(t *testing.T) {
	rt, node := newTestRegtest(t)
	a := NewAssembler(rt, DefaultPolicy())

	first, err := a.Assemble("again", 2, 2)
	require.NoError(t, err)
	creates := node.Calls("createwallet")

	second, err := a.Assemble("again", 2, 2)
	require.NoError(t, err)
	assert.Equal(t, creates, node.Calls("createwallet"))
	assert.Equal(t, first.Signers[0].XPub, second.Signers[0].XPub)
}

func TestAssembleInvalidQuorum(t *testing.T) {
	rt, node := newTestRegtest(t)
	a := NewAssembler(rt, DefaultPolicy())

	for _, q := range [][2]int{{0, 2}, {3, 2}, {1, 16}} {
		_, err := a.Assemble("bad", q[0], q[1])
		assert.ErrorIs(t, err, ErrInvalidQuorum)
	}
	assert.Equal(t, 0, node.Calls("createwallet"))
}

func TestAssembleMismatch(t *testing.T) {
	rt, node := newTestRegtest(t)
	node.Inject("createmultisig", func(string, []json.RawMessage) (interface{}, *btcjson.RPCError) {
		return map[string]string{
			"address":      "bcrt1qw508d6qejxtdg4y5r3zarvary0c5xw7kygt080",
			"redeemScript": "51",
			"descriptor":   "raw(51)",
		}, nil
	})

	_, err := NewAssembler(rt, DefaultPolicy()).Assemble("forged", 1, 2)
	assert.ErrorIs(t, err, ErrMultisigMismatch)
	assert.Equal(t, 0, node.Calls("sendtoaddress"))
}

func TestFundSignerInsufficientFunds(t *testing.T) {
	rt, node := newTestRegtest(t)

	policy := DefaultPolicy()
	policy.FundingThreshold = decimal.NewFromInt(1000)
	policy.FundingRounds = []int{101, 10}

	w, err := rt.EnsureWallet("poor")
	require.NoError(t, err)

	err = NewAssembler(rt, policy).FundSigner(w)
	var fundsErr *regtest.InsufficientFundsError
	require.True(t, errors.As(err, &fundsErr))
	assert.Equal(t, "poor", fundsErr.Wallet)
	assert.True(t, fundsErr.Need.Equal(decimal.NewFromInt(1000)))
	assert.True(t, fundsErr.Have.IsPositive())

	assert.Equal(t, int64(111), node.Height())
	assert.GreaterOrEqual(t, node.Rescans(), 1)
}

func TestFundSignerAlreadyFunded(t *testing.T) {
	rt, node := newTestRegtest(t)
	a := NewAssembler(rt, DefaultPolicy())

	w, err := rt.EnsureWallet("rich")
	require.NoError(t, err)
	require.NoError(t, a.FundSigner(w))
	height := node.Height()

	require.NoError(t, a.FundSigner(w))
	assert.Equal(t, height, node.Height())
}

func TestAssembleTopsUpCoordinator(t *testing.T) {
	rt, node := newTestRegtest(t)

	// each signer stops funding at one mature coinbase; once the second
	// signer is funded the coordinator holds 101 mature coinbases (5050)
	policy := DefaultPolicy()
	policy.FundingThreshold = decimal.NewFromInt(1)
	policy.SpendThreshold = decimal.NewFromInt(6000)

	ctx, err := NewAssembler(rt, policy).Assemble("topup", 2, 2)
	require.NoError(t, err)

	// two funding rounds, one top-up round per signer and the funding block
	assert.Equal(t, int64(2*101+2*policy.TopUpBlocks+1), node.Height())

	coordinator, err := ctx.Coordinator.Balance()
	require.NoError(t, err)
	assert.True(t, coordinator.GreaterThan(policy.SpendThreshold), coordinator.String())

	cosigner, err := ctx.Signers[1].Wallet.Balance()
	require.NoError(t, err)
	assert.True(t, cosigner.GreaterThan(decimal.NewFromInt(50)), cosigner.String())

	utxos, err := rt.ScanTxOutSetForAddress(ctx.Address)
	require.NoError(t, err)
	assert.Len(t, utxos, 1)
}

func TestAssembleCoordinatorInsufficientFunds(t *testing.T) {
	rt, node := newTestRegtest(t)

	policy := DefaultPolicy()
	policy.FundingThreshold = decimal.NewFromInt(1)
	policy.SpendThreshold = decimal.NewFromInt(1000000)

	_, err := NewAssembler(rt, policy).Assemble("broke", 1, 1)
	var fundsErr *regtest.InsufficientFundsError
	require.True(t, errors.As(err, &fundsErr))
	assert.Equal(t, "broke_signer_1", fundsErr.Wallet)
	assert.True(t, fundsErr.Need.Equal(policy.SpendThreshold))
	// one funding round and one top-up round mature 101 coinbases
	assert.True(t, fundsErr.Have.Equal(decimal.NewFromInt(5050)), fundsErr.Have.String())

	assert.Equal(t, int64(101+policy.TopUpBlocks), node.Height())
	assert.Equal(t, 0, node.Calls("createmultisig"))
	assert.Equal(t, 0, node.Calls("sendtoaddress"))
}

func TestSelectCoordinator(t *testing.T) {
	_, err := SelectCoordinator(nil)
	assert.ErrorIs(t, err, ErrNoSigners)

	signers := []Signer{{Name: "first"}, {Name: "second"}}
	s, err := SelectCoordinator(signers)
	require.NoError(t, err)
	assert.Equal(t, "first", s.Name)
}
