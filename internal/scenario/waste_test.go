package scenario

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/btcjson"
	regtest "github.com/neverDefined/regtest-scenarios"
	"github.com/neverDefined/regtest-scenarios/internal/simnode"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWasteHeavy(t *testing.T) {
	env, node := newTestEnv(t)
	s, _ := Lookup("waste-heavy")

	res, err := Execute(env, s, false)
	require.NoError(t, err)

	assert.Equal(t, len(wasteSteps), res.BlocksMined)
	assert.Equal(t, 0, node.MempoolSize())
	require.NotEmpty(t, res.TxIDs)
	assert.Equal(t, 1, node.Calls("getmempoolinfo"))

	dust, ok := node.Tx(res.TxIDs[0])
	require.True(t, ok)
	var dustOuts int
	for _, o := range dust.Outputs {
		if o.Amount.Equal(dustAmount) {
			dustOuts++
		}
	}
	assert.Equal(t, dustOutputs, dustOuts)

	var consolidated, withData int
	for _, txid := range res.TxIDs {
		tx, ok := node.Tx(txid)
		require.True(t, ok, txid)
		assert.True(t, tx.Confirmed, txid)
		if tx.Inputs == maxConsolidateInput {
			consolidated++
		}
		for _, o := range tx.Outputs {
			if o.Data != "" {
				withData++
			}
		}
	}
	assert.Equal(t, 1, consolidated)
	assert.Equal(t, maxDataTxs, withData)

	// the chain step records three transactions after the final bump
	require.GreaterOrEqual(t, len(res.TxIDs), 4)
	final, ok := node.Tx(res.TxIDs[len(res.TxIDs)-4])
	require.True(t, ok)
	assert.True(t, final.Replaceable)
	assert.False(t, final.Replaced)
	assert.True(t, final.Fee.Equal(decimal.New(20*141, -8)), final.Fee.String())
}

// assertLaterPatternsRan checks that the fee bump and the unconfirmed chain
// patterns recorded and confirmed their transactions.
func assertLaterPatternsRan(t *testing.T, node *simnode.Node, res *Result) {
	t.Helper()

	assert.Equal(t, len(wasteSteps), res.BlocksMined)
	assert.Equal(t, 0, node.MempoolSize())
	require.GreaterOrEqual(t, len(res.TxIDs), 4)

	final, ok := node.Tx(res.TxIDs[len(res.TxIDs)-4])
	require.True(t, ok)
	assert.True(t, final.Replaceable)
	assert.False(t, final.Replaced)

	for _, txid := range res.TxIDs[len(res.TxIDs)-3:] {
		tx, ok := node.Tx(txid)
		require.True(t, ok)
		assert.True(t, tx.Confirmed)
	}
}

func TestWasteHeavyFailingPattern(t *testing.T) {
	env, node := newTestEnv(t)
	node.Inject("sendmany", func(string, []json.RawMessage) (interface{}, *btcjson.RPCError) {
		return nil, btcjson.NewRPCError(-6, "Insufficient funds")
	})
	s, _ := Lookup("waste-heavy")

	res, err := Execute(env, s, false)
	require.NoError(t, err)
	assert.Equal(t, 1, node.Calls("sendmany"))

	for _, txid := range res.TxIDs {
		tx, ok := node.Tx(txid)
		require.True(t, ok)
		for _, o := range tx.Outputs {
			assert.False(t, o.Amount.Equal(dustAmount), "dust output in %s", txid)
		}
	}
	assertLaterPatternsRan(t, node, res)
}

func TestWasteHeavyFailingDataTransaction(t *testing.T) {
	env, node := newTestEnv(t)

	// reject the first broadcast carrying the first OP_RETURN payload
	payload := hex.EncodeToString([]byte("waste-heavy 1"))
	var rejected int
	node.Inject("sendrawtransaction", func(_ string, params []json.RawMessage) (interface{}, *btcjson.RPCError) {
		var txHex string
		if len(params) == 0 || json.Unmarshal(params[0], &txHex) != nil {
			return nil, nil
		}
		raw, err := hex.DecodeString(txHex)
		if err != nil || rejected > 0 || !bytes.Contains(raw, []byte(payload)) {
			return nil, nil
		}
		rejected++
		return nil, btcjson.NewRPCError(-26, "min relay fee not met")
	})
	s, _ := Lookup("waste-heavy")

	res, err := Execute(env, s, false)
	require.NoError(t, err)
	assert.Equal(t, 1, rejected)

	// the rejected attempt is skipped and the next inputs are used
	var withData int
	for _, txid := range res.TxIDs {
		tx, ok := node.Tx(txid)
		require.True(t, ok)
		for _, o := range tx.Outputs {
			if o.Data != "" {
				withData++
			}
		}
	}
	assert.Equal(t, maxDataTxs, withData)
	assertLaterPatternsRan(t, node, res)
}

func TestDustStep(t *testing.T) {
	env, node := newTestEnv(t)
	r := newTestRun(t, env)

	require.NoError(t, dustStep(r))
	require.Len(t, r.result.TxIDs, 1)

	tx, ok := node.Tx(r.result.TxIDs[0])
	require.True(t, ok)
	assert.False(t, tx.Confirmed)
	assert.GreaterOrEqual(t, len(tx.Outputs), dustOutputs)

	seen := make(map[string]bool)
	for _, o := range tx.Outputs {
		if o.Amount.Equal(dustAmount) {
			seen[o.Address] = true
		}
	}
	assert.Len(t, seen, dustOutputs)
}

func TestConsolidateNothingToSpend(t *testing.T) {
	env, _ := newTestEnv(t)
	r := newTestRun(t, env)

	// freshly mined coinbase outputs are all above the threshold
	assert.ErrorIs(t, consolidateStep(r), errNothingToSpend)
	assert.Empty(t, r.result.TxIDs)
}

// fakeBumper replaces txid with tx<n> and fails the attempts listed in fail.
type fakeBumper struct {
	fail  map[int]bool
	calls []string
}

func (b *fakeBumper) BumpFee(txid string, _ int64) (*regtest.BumpResult, error) {
	b.calls = append(b.calls, txid)
	n := len(b.calls)
	if b.fail[n] {
		return nil, errors.New("insufficient fee")
	}
	return &regtest.BumpResult{TxID: fmt.Sprintf("tx%d", n)}, nil
}

func TestBumpChain(t *testing.T) {
	logger := log.WithField("test", t.Name())

	t.Run("all succeed", func(t *testing.T) {
		b := &fakeBumper{}
		final, bumped := bumpChain(b, "tx0", []int64{10, 15, 20}, logger)
		assert.Equal(t, "tx3", final)
		assert.Equal(t, 3, bumped)
		assert.Equal(t, []string{"tx0", "tx1", "tx2"}, b.calls)
	})

	t.Run("failed bump is skipped", func(t *testing.T) {
		b := &fakeBumper{fail: map[int]bool{2: true}}
		final, bumped := bumpChain(b, "tx0", []int64{10, 15, 20}, logger)
		assert.Equal(t, "tx3", final)
		assert.Equal(t, 2, bumped)
		assert.Equal(t, []string{"tx0", "tx1", "tx1"}, b.calls)
	})

	t.Run("all fail", func(t *testing.T) {
		b := &fakeBumper{fail: map[int]bool{1: true, 2: true}}
		final, bumped := bumpChain(b, "tx0", []int64{10, 15}, logger)
		assert.Equal(t, "tx0", final)
		assert.Equal(t, 0, bumped)
	})
}
