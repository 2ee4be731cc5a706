package regtest

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/neverDefined/regtest-scenarios/internal/simnode"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	minerWallet = "miner"
	userWallet  = "user"
)

// newTestRegtest starts a simulated node and connects to it without any
// settle, poll or rescan delay.
func newTestRegtest(t *testing.T, opts ...Option) (*Regtest, *simnode.Node) {
	t.Helper()

	node := simnode.New(simnode.Options{})
	t.Cleanup(node.Close)

	cfg := &Config{
		Network: "regtest",
		Host:    node.Host(),
		User:    "user",
		Pass:    "pass",
		Sync:    RetryPolicy{Attempts: 3},
	}
	rt, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(rt.Close)

	return rt, node
}

// fundedWallet returns a wallet holding one mature coinbase output.
func fundedWallet(t *testing.T, rt *Regtest, name string) *Wallet {
	t.Helper()

	w, err := rt.EnsureWallet(name)
	require.NoError(t, err)
	_, err = rt.Warp(w, 101)
	require.NoError(t, err)
	require.True(t, rt.Sync(w))
	return w
}

func TestRPC_Connection(t *testing.T) {
	rt, _ := newTestRegtest(t)

	require.NoError(t, rt.HealthCheck())

	info, err := rt.BlockchainInfo()
	require.NoError(t, err)
	assert.Equal(t, "regtest", info.Chain)
	assert.Equal(t, int64(0), info.Blocks)
}

func TestRPC_HealthCheckWrongCredentials(t *testing.T) {
	node := simnode.New(simnode.Options{})
	defer node.Close()

	rt, err := New(&Config{Network: "regtest", Host: node.Host(), User: "user", Pass: "wrong"})
	require.NoError(t, err)
	defer rt.Close()

	require.Error(t, rt.HealthCheck())
}

func TestRPC_EnsureWallet(t *testing.T) {
	rt, node := newTestRegtest(t)

	t.Run("unknown wallet is created", func(t *testing.T) {
		w, err := rt.EnsureWallet(minerWallet)
		require.NoError(t, err)
		assert.Equal(t, minerWallet, w.Name())
		assert.True(t, node.Loaded(minerWallet))
		assert.Equal(t, 1, node.Calls("createwallet"))

		info, err := w.Info()
		require.NoError(t, err)
		assert.Equal(t, minerWallet, info.WalletName)
		assert.True(t, info.Descriptors)
	})

	t.Run("loaded wallet is reused", func(t *testing.T) {
		loads, creates := node.Calls("loadwallet"), node.Calls("createwallet")

		first, err := rt.EnsureWallet(minerWallet)
		require.NoError(t, err)
		second, err := rt.EnsureWallet(minerWallet)
		require.NoError(t, err)

		assert.Same(t, first, second)
		assert.Equal(t, loads, node.Calls("loadwallet"))
		assert.Equal(t, creates, node.Calls("createwallet"))
	})

	t.Run("wallet on disk is loaded", func(t *testing.T) {
		node.AddWalletOnDisk(userWallet)
		creates := node.Calls("createwallet")

		_, err := rt.EnsureWallet(userWallet)
		require.NoError(t, err)
		assert.True(t, node.Loaded(userWallet))
		assert.Equal(t, creates, node.Calls("createwallet"))
	})

	t.Run("unloaded wallet is loaded again", func(t *testing.T) {
		require.NoError(t, rt.UnloadWallet(userWallet))
		assert.False(t, node.Loaded(userWallet))
		_, ok := rt.Wallet(userWallet)
		assert.False(t, ok)

		_, err := rt.EnsureWallet(userWallet)
		require.NoError(t, err)
		assert.True(t, node.Loaded(userWallet))
	})

	t.Run("a new process reuses loaded wallets", func(t *testing.T) {
		other, err := New(rt.Config())
		require.NoError(t, err)
		defer other.Close()

		creates := node.Calls("createwallet")
		_, err = other.EnsureWallet(minerWallet)
		require.NoError(t, err)
		assert.Equal(t, creates, node.Calls("createwallet"))
	})

	wallets, err := rt.ListWallets()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{minerWallet, userWallet}, wallets)
}

func TestRPC_EnsureWalletDatabaseExists(t *testing.T) {
	rt, node := newTestRegtest(t)
	node.AddWalletOnDisk("racy")

	// The first load fails as when another process holds the wallet.
	var loads int
	node.Inject("loadwallet", func(string, []json.RawMessage) (interface{}, *btcjson.RPCError) {
		loads++
		if loads == 1 {
			return nil, btcjson.NewRPCError(-4, "Wallet file verification failed. SQLiteDatabase: Unable to obtain an exclusive lock on the database")
		}
		return nil, nil
	})

	w, err := rt.EnsureWallet("racy")
	require.NoError(t, err)
	assert.Equal(t, "racy", w.Name())
	assert.Equal(t, 2, loads)
	assert.Equal(t, 1, node.Calls("createwallet"))
	assert.True(t, node.Loaded("racy"))
}

func TestRPC_EnsureWalletFailure(t *testing.T) {
	rt, node := newTestRegtest(t)
	node.Inject("createwallet", func(string, []json.RawMessage) (interface{}, *btcjson.RPCError) {
		return nil, btcjson.NewRPCError(-1, "disk full")
	})

	_, err := rt.EnsureWallet("doomed")
	require.Error(t, err)

	var acqErr *WalletAcquisitionError
	require.True(t, errors.As(err, &acqErr))
	assert.Equal(t, "doomed", acqErr.Name)
	assert.Equal(t, "createwallet", acqErr.Op)
	assert.True(t, IsRPCError(err, -1))
}

func TestRPC_GenerateAddress(t *testing.T) {
	rt, _ := newTestRegtest(t)

	w, err := rt.EnsureWallet(minerWallet)
	require.NoError(t, err)

	addr, err := w.NewAddress("")
	require.NoError(t, err)
	decoded, err := btcutil.DecodeAddress(addr, rt.Params())
	require.NoError(t, err)
	_, ok := decoded.(*btcutil.AddressWitnessPubKeyHash)
	assert.True(t, ok, "expected a P2WPKH address, got %T", decoded)

	info, err := w.AddressInfo(addr)
	require.NoError(t, err)
	assert.True(t, info.IsMine)
	assert.Len(t, info.PubKey, 66)
	assert.Len(t, info.HDMasterFingerprint, 8)
	assert.True(t, strings.HasPrefix(info.HDKeyPath, "m/84h/1h/0h/0/"))

	next, err := w.NewAddress("")
	require.NoError(t, err)
	assert.NotEqual(t, addr, next)
}

func TestRPC_Descriptors(t *testing.T) {
	rt, _ := newTestRegtest(t)

	w, err := rt.EnsureWallet(minerWallet)
	require.NoError(t, err)

	descs, err := w.ListDescriptors()
	require.NoError(t, err)
	require.NotEmpty(t, descs)

	var receive int
	for _, d := range descs {
		if d.Active && !d.Internal && strings.HasPrefix(d.Desc, "wpkh(") {
			receive++
			assert.Contains(t, d.Desc, "/0/*)#")
		}
	}
	assert.Equal(t, 1, receive)
}

func TestRPC_Warp(t *testing.T) {
	var slept []time.Duration
	rt, node := newTestRegtest(t, WithSleeper(func(d time.Duration) {
		slept = append(slept, d)
	}))
	rt.Config().SettleDelay = 5 * time.Millisecond

	w, err := rt.EnsureWallet(minerWallet)
	require.NoError(t, err)

	hashes, err := rt.Warp(w, 0)
	require.NoError(t, err)
	assert.Empty(t, hashes)
	assert.Equal(t, 0, node.Calls("generatetoaddress"))
	assert.Empty(t, slept)

	startHeight, err := rt.GetBlockCount()
	require.NoError(t, err)

	hashes, err = rt.Warp(w, 10)
	require.NoError(t, err)
	assert.Len(t, hashes, 10)
	assert.Equal(t, []time.Duration{5 * time.Millisecond}, slept)

	endHeight, err := rt.GetBlockCount()
	require.NoError(t, err)
	assert.Equal(t, startHeight+10, endHeight)

	// coinbase rewards are immature below 101 confirmations
	balance, err := w.Balance()
	require.NoError(t, err)
	assert.True(t, balance.IsZero())

	_, err = rt.Warp(w, 91)
	require.NoError(t, err)
	balance, err = w.Balance()
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(50)), balance.String())
}

func TestRPC_Sync(t *testing.T) {
	t.Run("converges once the balance is visible", func(t *testing.T) {
		rt, node := newTestRegtest(t)
		fundedWallet(t, rt, minerWallet)
		assert.Equal(t, 0, node.Rescans())
	})

	t.Run("falls back to a rescan", func(t *testing.T) {
		var slept []time.Duration
		rt, node := newTestRegtest(t, WithSleeper(func(d time.Duration) {
			slept = append(slept, d)
		}))
		rt.Config().RescanDelay = time.Millisecond

		w, err := rt.EnsureWallet(minerWallet)
		require.NoError(t, err)
		_, err = rt.Warp(w, 101)
		require.NoError(t, err)

		node.DelayBalance(100)
		assert.False(t, rt.Sync(w))
		assert.Equal(t, 1, node.Rescans())
		assert.Equal(t, 3, node.Calls("getbalance"))
		assert.Equal(t, []time.Duration{time.Millisecond}, slept)

		balance, err := w.Balance()
		require.NoError(t, err)
		assert.True(t, balance.IsPositive())
	})

	t.Run("polls through the sleeper", func(t *testing.T) {
		var slept []time.Duration
		rt, _ := newTestRegtest(t, WithSleeper(func(d time.Duration) {
			slept = append(slept, d)
		}))
		rt.Config().Sync.Interval = time.Minute
		rt.Config().RescanDelay = time.Millisecond

		w, err := rt.EnsureWallet(minerWallet)
		require.NoError(t, err)

		assert.False(t, rt.Sync(w))
		assert.Equal(t, []time.Duration{time.Minute, time.Minute, time.Millisecond}, slept)
	})

	t.Run("empty wallet never converges", func(t *testing.T) {
		rt, node := newTestRegtest(t)
		w, err := rt.EnsureWallet(minerWallet)
		require.NoError(t, err)

		assert.False(t, rt.Sync(w))
		assert.Equal(t, 1, node.Rescans())
	})

	t.Run("works without lastprocessedblock", func(t *testing.T) {
		rt, node := newTestRegtest(t)
		node.SetOptions(func(o *simnode.Options) { o.OmitLastProcessed = true })

		w := fundedWallet(t, rt, minerWallet)
		info, err := w.Info()
		require.NoError(t, err)
		assert.Nil(t, info.LastProcessedBlock)
		assert.Equal(t, 0, node.Rescans())
	})
}

func TestRPC_SendToAddress(t *testing.T) {
	rt, node := newTestRegtest(t)
	miner := fundedWallet(t, rt, minerWallet)

	user, err := rt.EnsureWallet(userWallet)
	require.NoError(t, err)
	addr, err := user.NewAddress("")
	require.NoError(t, err)

	txid, err := miner.SendToAddress(addr, decimal.NewFromInt(1), false)
	require.NoError(t, err)
	assert.Len(t, txid, 64)

	tx, ok := node.Tx(txid)
	require.True(t, ok)
	assert.False(t, tx.Confirmed)
	assert.False(t, tx.Replaceable)
	assert.True(t, tx.Fee.IsPositive())

	mempool, err := rt.MempoolInfo()
	require.NoError(t, err)
	assert.Equal(t, 1, mempool.Size)

	_, err = rt.Warp(miner, 1)
	require.NoError(t, err)
	tx, _ = node.Tx(txid)
	assert.True(t, tx.Confirmed)

	balance, err := user.Balance()
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(1)), balance.String())

	unspents, err := user.ListUnspent(1, 9999999, addr)
	require.NoError(t, err)
	require.Len(t, unspents, 1)
	assert.Equal(t, txid, unspents[0].TxID)

	_, err = user.SendToAddress(addr, decimal.NewFromInt(5), false)
	assert.True(t, IsRPCError(err, -6))
}

func TestRPC_SendMany(t *testing.T) {
	rt, node := newTestRegtest(t)
	miner := fundedWallet(t, rt, minerWallet)

	amounts := make(Amounts)
	for i := 0; i < 3; i++ {
		addr, err := miner.NewAddress("")
		require.NoError(t, err)
		amounts[addr] = decimal.RequireFromString("0.00001")
	}

	txid, err := miner.SendMany(amounts)
	require.NoError(t, err)

	tx, ok := node.Tx(txid)
	require.True(t, ok)
	paid := 0
	for _, o := range tx.Outputs {
		if _, ok := amounts[o.Address]; ok {
			paid++
			assert.True(t, o.Amount.Equal(decimal.RequireFromString("0.00001")))
		}
	}
	assert.Equal(t, 3, paid)
}

func TestRPC_ScanTxOutSetForAddress(t *testing.T) {
	rt, _ := newTestRegtest(t)
	miner := fundedWallet(t, rt, minerWallet)

	user, err := rt.EnsureWallet(userWallet)
	require.NoError(t, err)
	addr, err := user.NewAddress("")
	require.NoError(t, err)

	results, err := rt.ScanTxOutSetForAddress(addr)
	require.NoError(t, err)
	assert.Empty(t, results)

	txid, err := miner.SendToAddress(addr, decimal.RequireFromString("0.5"), false)
	require.NoError(t, err)

	// unconfirmed outputs are not part of the UTXO set
	results, err = rt.ScanTxOutSetForAddress(addr)
	require.NoError(t, err)
	assert.Empty(t, results)

	_, err = rt.Warp(miner, 1)
	require.NoError(t, err)
	results, err = rt.ScanTxOutSetForAddress(addr)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, txid, results[0].TxID)
	assert.True(t, results[0].Amount.Equal(decimal.RequireFromString("0.5")))
	assert.NotEmpty(t, results[0].ScriptPubKey)
}

func TestRPC_Spend(t *testing.T) {
	rt, node := newTestRegtest(t)
	miner, err := rt.EnsureWallet(minerWallet)
	require.NoError(t, err)
	_, err = rt.Warp(miner, 102)
	require.NoError(t, err)

	user, err := rt.EnsureWallet(userWallet)
	require.NoError(t, err)
	dest, err := user.NewAddress("")
	require.NoError(t, err)

	unspents, err := miner.ListUnspent(1, 9999999)
	require.NoError(t, err)
	require.Len(t, unspents, 2)

	in := Input{TxID: unspents[0].TxID, Vout: unspents[0].Vout}
	out := []Output{
		{Address: dest, Amount: decimal.RequireFromString("49.999")},
		{Data: "6869"},
	}
	txid, err := miner.Spend([]Input{in}, out)
	require.NoError(t, err)

	tx, ok := node.Tx(txid)
	require.True(t, ok)
	assert.Equal(t, 1, tx.Inputs)
	require.Len(t, tx.Outputs, 2)
	assert.Equal(t, "6869", tx.Outputs[1].Data)
	assert.True(t, tx.Fee.Equal(decimal.RequireFromString("0.001")))

	// the same input cannot be spent twice
	_, err = miner.Spend([]Input{in}, out)
	assert.True(t, IsRPCError(err, -25))

	// user holds no key for the miner's output
	other := Input{TxID: unspents[1].TxID, Vout: unspents[1].Vout}
	_, err = user.Spend([]Input{other}, out[:1])
	assert.ErrorIs(t, err, ErrIncompleteSignature)
}

func TestRPC_BumpFee(t *testing.T) {
	rt, node := newTestRegtest(t)
	miner := fundedWallet(t, rt, minerWallet)

	addr, err := miner.NewAddress("")
	require.NoError(t, err)

	txid, err := miner.SendToAddress(addr, decimal.RequireFromString("0.5"), true)
	require.NoError(t, err)

	res, err := miner.BumpFee(txid, 10)
	require.NoError(t, err)
	assert.NotEqual(t, txid, res.TxID)
	assert.True(t, res.Fee.GreaterThan(res.OrigFee))
	assert.Empty(t, res.Errors)

	orig, _ := node.Tx(txid)
	assert.True(t, orig.Replaced)

	// a replaced transaction cannot be bumped again
	_, err = miner.BumpFee(txid, 20)
	assert.True(t, IsRPCError(err, -4))

	// the fee rate must go up
	_, err = miner.BumpFee(res.TxID, 10)
	assert.True(t, IsRPCError(err, -8))

	final, err := miner.BumpFee(res.TxID, 20)
	require.NoError(t, err)
	assert.True(t, final.Fee.GreaterThan(res.Fee))

	plain, err := miner.SendToAddress(addr, decimal.RequireFromString("0.5"), false)
	require.NoError(t, err)
	_, err = miner.BumpFee(plain, 10)
	assert.True(t, IsRPCError(err, -4))
}

func TestRPC_CreateMultisig(t *testing.T) {
	rt, _ := newTestRegtest(t)

	var pubKeys []string
	for _, name := range []string{"alice", "bob", "carol"} {
		w, err := rt.EnsureWallet(name)
		require.NoError(t, err)
		addr, err := w.NewAddress("")
		require.NoError(t, err)
		info, err := w.AddressInfo(addr)
		require.NoError(t, err)
		pubKeys = append(pubKeys, info.PubKey)
	}

	ms, err := rt.CreateMultisig(2, pubKeys)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ms.Address, "bcrt1q"))
	assert.True(t, strings.HasPrefix(ms.Descriptor, "wsh(multi(2,"))
	assert.NotEmpty(t, ms.RedeemScript)

	again, err := rt.CreateMultisig(2, pubKeys)
	require.NoError(t, err)
	assert.Equal(t, ms.Address, again.Address)

	_, err = rt.CreateMultisig(4, pubKeys)
	assert.True(t, IsRPCError(err, -8))
}
