package simnode

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/shopspring/decimal"
)

const (
	// walletFeeRate is the sat/vB rate paid by wallet-funded transactions.
	walletFeeRate = 2
	dustLimitSats = 546
)

var errInsufficientFunds = errors.New("insufficient funds")

type address struct {
	address  string
	script   string
	pubKey   string
	path     string
	label    string
	internal bool
}

type wallet struct {
	name        string
	params      *chaincfg.Params
	seedID      string
	fingerprint string
	xpub        string
	external    *hdkeychain.ExtendedKey
	internal    *hdkeychain.ExtendedKey
	nextExt     uint32
	nextInt     uint32
	addrs       map[string]*address
	pubKeys     map[string]string
	created     int64
}

func must(k *hdkeychain.ExtendedKey, err error) *hdkeychain.ExtendedKey {
	if err != nil {
		panic(fmt.Sprintf("simnode: key derivation: %v", err))
	}
	return k
}

// newWallet derives the wallet's keys from its name, so that a wallet keeps
// its keys across unload and load.
func newWallet(name string, params *chaincfg.Params) *wallet {
	seed := sha256.Sum256([]byte("simnode wallet " + name))
	master := must(hdkeychain.NewMaster(seed[:], params))

	masterPub, err := master.ECPubKey()
	if err != nil {
		panic(fmt.Sprintf("simnode: master pubkey: %v", err))
	}

	account := must(master.Derive(hdkeychain.HardenedKeyStart + 84))
	account = must(account.Derive(hdkeychain.HardenedKeyStart + 1))
	account = must(account.Derive(hdkeychain.HardenedKeyStart + 0))
	accountPub := must(account.Neuter())

	return &wallet{
		name:        name,
		params:      params,
		seedID:      hex.EncodeToString(btcutil.Hash160(seed[:])),
		fingerprint: hex.EncodeToString(btcutil.Hash160(masterPub.SerializeCompressed())[:4]),
		xpub:        accountPub.String(),
		external:    must(accountPub.Derive(0)),
		internal:    must(accountPub.Derive(1)),
		addrs:       make(map[string]*address),
		pubKeys:     make(map[string]string),
		created:     1700000000,
	}
}

func (w *wallet) newAddress(label string, internal bool) *address {
	branch, index, change := w.external, w.nextExt, 0
	if internal {
		branch, index, change = w.internal, w.nextInt, 1
		w.nextInt++
	} else {
		w.nextExt++
	}

	key := must(branch.Derive(index))
	pub, err := key.ECPubKey()
	if err != nil {
		panic(fmt.Sprintf("simnode: pubkey: %v", err))
	}
	serialized := pub.SerializeCompressed()

	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(serialized), w.params)
	if err != nil {
		panic(fmt.Sprintf("simnode: address: %v", err))
	}
	script := append([]byte{0x00, 0x14}, addr.ScriptAddress()...)

	a := &address{
		address:  addr.EncodeAddress(),
		script:   hex.EncodeToString(script),
		pubKey:   hex.EncodeToString(serialized),
		path:     fmt.Sprintf("m/84h/1h/0h/%d/%d", change, index),
		label:    label,
		internal: internal,
	}
	w.addrs[a.address] = a
	w.pubKeys[a.pubKey] = a.address
	return a
}

func (w *wallet) owns(addr string) bool {
	_, ok := w.addrs[addr]
	return ok
}

func descriptorChecksum(desc string) string {
	sum := sha256.Sum256([]byte(desc))
	return hex.EncodeToString(sum[:4])
}

type descriptor struct {
	Desc      string  `json:"desc"`
	Timestamp int64   `json:"timestamp"`
	Active    bool    `json:"active"`
	Internal  bool    `json:"internal"`
	Range     []int64 `json:"range"`
	Next      uint32  `json:"next"`
}

// descriptors lists the wallet's active descriptors. The wpkh receive
// descriptor is deliberately not first.
func (w *wallet) descriptors() []descriptor {
	origin := func(purpose int) string {
		return fmt.Sprintf("[%s/%dh/1h/0h]%s", w.fingerprint, purpose, w.xpub)
	}
	mk := func(body string, internal bool, next uint32) descriptor {
		return descriptor{
			Desc:      body + "#" + descriptorChecksum(body),
			Timestamp: w.created,
			Active:    true,
			Internal:  internal,
			Range:     []int64{0, int64(next) + 999},
			Next:      next,
		}
	}
	return []descriptor{
		mk(fmt.Sprintf("pkh(%s/0/*)", origin(44)), false, 0),
		mk(fmt.Sprintf("wpkh(%s/1/*)", origin(84)), true, w.nextInt),
		mk(fmt.Sprintf("wpkh(%s/0/*)", origin(84)), false, w.nextExt),
		mk(fmt.Sprintf("tr(%s/0/*)", origin(86)), false, 0),
	}
}

type coin struct {
	op     outpoint
	tx     *tx
	out    *txOut
	amount decimal.Decimal
}

// spendable reports whether the wallet may spend an unspent output of t.
// Unconfirmed outputs are only trusted when the wallet funded t.
func (n *Node) spendable(w *wallet, t *tx) bool {
	if t.height == 0 {
		return t.wallet == w.name
	}
	return n.mature(t)
}

// coins returns the wallet's unspent outputs, oldest first.
func (n *Node) coins(w *wallet, filter func(t *tx) bool) []coin {
	var out []coin
	for _, t := range n.order {
		if t.replacedBy != "" || !filter(t) {
			continue
		}
		for i := range t.outputs {
			o := &t.outputs[i]
			op := outpoint{txid: t.id, vout: uint32(i)}
			if o.data != "" || !w.owns(o.address) || !n.unspent(op) {
				continue
			}
			out = append(out, coin{op: op, tx: t, out: o, amount: o.amount})
		}
	}
	return out
}

func (n *Node) balance(w *wallet) decimal.Decimal {
	total := decimal.Zero
	for _, c := range n.coins(w, func(t *tx) bool { return n.spendable(w, t) }) {
		total = total.Add(c.amount)
	}
	return total
}

// fund builds and adds a wallet transaction paying outs, with change to a
// fresh internal address.
func (n *Node) fund(w *wallet, outs []txOut, replaceable bool) (*tx, error) {
	target := decimal.Zero
	dataBytes := 0
	for _, o := range outs {
		target = target.Add(o.amount)
		dataBytes += len(o.data) / 2
	}

	candidates := n.coins(w, func(t *tx) bool { return n.spendable(w, t) })
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].amount.GreaterThan(candidates[j].amount)
	})

	var (
		inputs []outpoint
		total  = decimal.Zero
		fee    decimal.Decimal
		vsize  int64
	)
	for _, c := range candidates {
		inputs = append(inputs, c.op)
		total = total.Add(c.amount)
		vsize = estimateVSize(len(inputs), len(outs)+1, dataBytes)
		fee = sats(vsize * walletFeeRate)
		if total.GreaterThanOrEqual(target.Add(fee)) {
			break
		}
	}
	if total.LessThan(target.Add(fee)) || len(inputs) == 0 {
		return nil, errInsufficientFunds
	}

	t := &tx{
		id:          n.newTxID(),
		inputs:      inputs,
		outputs:     append([]txOut(nil), outs...),
		replaceable: replaceable,
		vsize:       vsize,
		wallet:      w.name,
		changeIndex: -1,
	}
	change := total.Sub(target).Sub(fee)
	if change.GreaterThan(sats(dustLimitSats)) {
		a := w.newAddress("", true)
		t.changeIndex = len(t.outputs)
		t.outputs = append(t.outputs, txOut{address: a.address, script: a.script, amount: change})
		t.fee = fee
	} else {
		t.fee = fee.Add(change)
	}

	n.add(t)
	return t, nil
}

// owner returns the wallet holding addr, if any.
func (n *Node) owner(addr string) *wallet {
	for _, w := range n.wallets {
		if w.owns(addr) {
			return w
		}
	}
	return nil
}
