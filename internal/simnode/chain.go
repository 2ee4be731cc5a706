package simnode

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/shopspring/decimal"
)

const (
	// coinbaseMaturity is the number of confirmations a coinbase output
	// needs before it can be spent.
	coinbaseMaturity = 101
	// halvingInterval is the regtest subsidy halving interval.
	halvingInterval = 150
	baseSubsidySats = 50 * btcutil.SatoshiPerBitcoin
)

type outpoint struct {
	txid string
	vout uint32
}

type txOut struct {
	address string
	script  string
	amount  decimal.Decimal
	data    string
}

type tx struct {
	id          string
	inputs      []outpoint
	outputs     []txOut
	height      int64
	coinbase    bool
	replaceable bool
	replacedBy  string
	fee         decimal.Decimal
	vsize       int64
	// wallet is the wallet that funded the transaction, if any. Its
	// unconfirmed outputs are trusted by that wallet.
	wallet      string
	changeIndex int
}

type chain struct {
	params *chaincfg.Params
	blocks []string
	txs    map[string]*tx
	order  []*tx
	spent  map[outpoint]string
	seq    int
}

func newChain(params *chaincfg.Params) *chain {
	return &chain{
		params: params,
		txs:    make(map[string]*tx),
		spent:  make(map[outpoint]string),
	}
}

func (c *chain) height() int64 {
	return int64(len(c.blocks))
}

func (c *chain) bestHash() string {
	if len(c.blocks) == 0 {
		return chainhash.Hash{}.String()
	}
	return c.blocks[len(c.blocks)-1]
}

func (c *chain) mempool() []*tx {
	var pool []*tx
	for _, t := range c.order {
		if t.height == 0 && t.replacedBy == "" {
			pool = append(pool, t)
		}
	}
	return pool
}

func (c *chain) newTxID() string {
	c.seq++
	return chainhash.HashH([]byte(fmt.Sprintf("simnode tx %d", c.seq))).String()
}

func (c *chain) add(t *tx) {
	c.txs[t.id] = t
	c.order = append(c.order, t)
	for _, op := range t.inputs {
		c.spent[op] = t.id
	}
}

// replace evicts old from the mempool in favour of repl.
func (c *chain) replace(old, repl *tx) {
	old.replacedBy = repl.id
	for _, op := range old.inputs {
		if c.spent[op] == old.id {
			delete(c.spent, op)
		}
	}
	c.add(repl)
}

func subsidy(height int64) decimal.Decimal {
	shift := height / halvingInterval
	if shift >= 64 {
		return decimal.Zero
	}
	return decimal.New(int64(baseSubsidySats)>>uint(shift), -8)
}

// mine appends n blocks paying their coinbase to addr. The first block
// confirms the whole mempool.
func (c *chain) mine(n int, addr, script string) []string {
	hashes := make([]string, 0, n)
	for i := 0; i < n; i++ {
		h := c.height() + 1

		fees := decimal.Zero
		for _, t := range c.mempool() {
			t.height = h
			fees = fees.Add(t.fee)
		}

		c.add(&tx{
			id:       c.newTxID(),
			outputs:  []txOut{{address: addr, script: script, amount: subsidy(h).Add(fees)}},
			height:   h,
			coinbase: true,
		})

		hash := chainhash.HashH([]byte(fmt.Sprintf("simnode block %d %s", h, c.bestHash()))).String()
		c.blocks = append(c.blocks, hash)
		hashes = append(hashes, hash)
	}
	return hashes
}

func (c *chain) confirmations(t *tx) int64 {
	if t.height == 0 {
		return 0
	}
	return c.height() - t.height + 1
}

func (c *chain) mature(t *tx) bool {
	return !t.coinbase || c.confirmations(t) >= coinbaseMaturity
}

// output returns the output at op of a live transaction.
func (c *chain) output(op outpoint) (*tx, *txOut, bool) {
	t, ok := c.txs[op.txid]
	if !ok || t.replacedBy != "" || int(op.vout) >= len(t.outputs) {
		return nil, nil, false
	}
	return t, &t.outputs[op.vout], true
}

// unspent reports whether op is spent by no live transaction.
func (c *chain) unspent(op outpoint) bool {
	_, ok := c.spent[op]
	return !ok
}

// unspentOnChain ignores spends that are still in the mempool.
func (c *chain) unspentOnChain(op outpoint) bool {
	spender, ok := c.spent[op]
	if !ok {
		return true
	}
	return c.txs[spender].height == 0
}

func (c *chain) decodeAddress(addr string) (btcutil.Address, error) {
	a, err := btcutil.DecodeAddress(addr, c.params)
	if err != nil {
		return nil, err
	}
	if !a.IsForNet(c.params) {
		return nil, fmt.Errorf("address %s is not for %s", addr, c.params.Name)
	}
	return a, nil
}

func (c *chain) scriptFor(addr string) (string, error) {
	a, err := c.decodeAddress(addr)
	if err != nil {
		return "", err
	}
	script, err := txscript.PayToAddrScript(a)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(script), nil
}

func dataScript(data string) (string, error) {
	b, err := hex.DecodeString(data)
	if err != nil {
		return "", err
	}
	script, err := txscript.NullDataScript(b)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(script), nil
}

// estimateVSize approximates the virtual size of a P2WPKH transaction.
func estimateVSize(inputs, outputs, dataBytes int) int64 {
	return int64(11 + 68*inputs + 31*outputs + dataBytes)
}

func sats(n int64) decimal.Decimal {
	return decimal.New(n, -8)
}
