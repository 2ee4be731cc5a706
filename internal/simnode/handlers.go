package simnode

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/shopspring/decimal"
)

type chainHandler func(n *Node, params []json.RawMessage) (interface{}, *btcjson.RPCError)

type walletHandler func(n *Node, w *wallet, params []json.RawMessage) (interface{}, *btcjson.RPCError)

var chainHandlers map[string]chainHandler

var walletHandlers map[string]walletHandler

func init() {
	chainHandlers = map[string]chainHandler{
		"getblockchaininfo":    (*Node).getBlockchainInfo,
		"getblockcount":        (*Node).getBlockCount,
		"getmempoolinfo":       (*Node).getMempoolInfo,
		"generatetoaddress":    (*Node).generateToAddress,
		"createmultisig":       (*Node).createMultisig,
		"createrawtransaction": (*Node).createRawTransaction,
		"sendrawtransaction":   (*Node).sendRawTransaction,
		"scantxoutset":         (*Node).scanTxOutSet,
		"listwallets":          (*Node).listWallets,
		"loadwallet":           (*Node).loadWallet,
		"createwallet":         (*Node).createWallet,
		"unloadwallet":         (*Node).unloadWallet,
	}
	walletHandlers = map[string]walletHandler{
		"getnewaddress":                (*Node).getNewAddress,
		"getaddressinfo":               (*Node).getAddressInfo,
		"listdescriptors":              (*Node).listDescriptors,
		"getwalletinfo":                (*Node).getWalletInfo,
		"getbalance":                   (*Node).getBalance,
		"listunspent":                  (*Node).listUnspent,
		"signrawtransactionwithwallet": (*Node).signRawTransaction,
		"sendtoaddress":                (*Node).sendToAddress,
		"sendmany":                     (*Node).sendMany,
		"bumpfee":                      (*Node).bumpFee,
		"rescanblockchain":             (*Node).rescanBlockchain,
	}
}

func rpcErr(code btcjson.RPCErrorCode, format string, args ...interface{}) *btcjson.RPCError {
	return btcjson.NewRPCError(code, fmt.Sprintf(format, args...))
}

// ---------------------------------------------------------------
//  Chain
// ---------------------------------------------------------------

func (n *Node) getBlockchainInfo(_ []json.RawMessage) (interface{}, *btcjson.RPCError) {
	return map[string]interface{}{
		"chain":         "regtest",
		"blocks":        n.height(),
		"headers":       n.height(),
		"bestblockhash": n.bestHash(),
	}, nil
}

func (n *Node) getBlockCount(_ []json.RawMessage) (interface{}, *btcjson.RPCError) {
	return n.height(), nil
}

func (n *Node) getMempoolInfo(_ []json.RawMessage) (interface{}, *btcjson.RPCError) {
	pool := n.mempool()
	var size int64
	for _, t := range pool {
		size += t.vsize
	}
	return map[string]interface{}{
		"loaded": true,
		"size":   len(pool),
		"bytes":  size,
	}, nil
}

func (n *Node) generateToAddress(params []json.RawMessage) (interface{}, *btcjson.RPCError) {
	var (
		blocks int
		addr   string
	)
	if err := parseParams(params, &blocks, &addr); err != nil {
		return nil, err
	}
	script, err := n.scriptFor(addr)
	if err != nil {
		return nil, rpcErr(codeInvalidAddress, "Error: Invalid address")
	}
	return n.mine(blocks, addr, script), nil
}

func (n *Node) createMultisig(params []json.RawMessage) (interface{}, *btcjson.RPCError) {
	var (
		required int
		keys     []string
		addrType string
	)
	if err := parseParams(params, &required, &keys, &addrType); err != nil {
		return nil, err
	}
	if addrType != "" && addrType != "bech32" {
		return nil, rpcErr(codeInvalidParameter, "Unknown address type '%s'", addrType)
	}
	if required < 1 {
		return nil, rpcErr(codeInvalidParameter,
			"a multisignature address must require at least one key to redeem")
	}
	if required > len(keys) {
		return nil, rpcErr(codeInvalidParameter,
			"not enough keys supplied (got %d keys, but need at least %d to redeem)", len(keys), required)
	}

	pubs := make([]*btcutil.AddressPubKey, 0, len(keys))
	for _, k := range keys {
		b, err := hex.DecodeString(k)
		if err != nil {
			return nil, rpcErr(codeInvalidAddress, "Pubkey \"%s\" must be a hex string", k)
		}
		if _, err := btcec.ParsePubKey(b); err != nil {
			return nil, rpcErr(codeInvalidAddress, "Pubkey \"%s\" must have a length of either 33 or 65 bytes", k)
		}
		pk, err := btcutil.NewAddressPubKey(b, n.params)
		if err != nil {
			return nil, rpcErr(codeInvalidAddress, "Invalid public key: %s", k)
		}
		pubs = append(pubs, pk)
	}

	script, err := txscript.MultiSigScript(pubs, required)
	if err != nil {
		return nil, rpcErr(codeInvalidParameter, "%v", err)
	}
	hash := sha256.Sum256(script)
	addr, err := btcutil.NewAddressWitnessScriptHash(hash[:], n.params)
	if err != nil {
		return nil, rpcErr(codeMisc, "%v", err)
	}

	desc := fmt.Sprintf("wsh(multi(%d,%s))", required, strings.Join(keys, ","))
	return map[string]interface{}{
		"address":      addr.EncodeAddress(),
		"redeemScript": hex.EncodeToString(script),
		"descriptor":   desc + "#" + descriptorChecksum(desc),
	}, nil
}

type rawInput struct {
	TxID     string   `json:"txid"`
	Vout     uint32   `json:"vout"`
	Signers  []string `json:"signers,omitempty"`
	Complete bool     `json:"complete"`
}

type rawOutput struct {
	Address string          `json:"address,omitempty"`
	Amount  decimal.Decimal `json:"amount"`
	Data    string          `json:"data,omitempty"`
}

type rawTx struct {
	Inputs  []rawInput  `json:"inputs"`
	Outputs []rawOutput `json:"outputs"`
}

func (r *rawTx) encode() string {
	b, _ := json.Marshal(r)
	return hex.EncodeToString(b)
}

func decodeRaw(s string) (*rawTx, *btcjson.RPCError) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, rpcErr(codeDeserialization, "TX decode failed")
	}
	var r rawTx
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, rpcErr(codeDeserialization, "TX decode failed")
	}
	return &r, nil
}

func (n *Node) createRawTransaction(params []json.RawMessage) (interface{}, *btcjson.RPCError) {
	var (
		inputs  []rawInput
		outputs []map[string]json.RawMessage
	)
	if err := parseParams(params, &inputs, &outputs); err != nil {
		return nil, err
	}

	r := &rawTx{}
	for _, in := range inputs {
		if len(in.TxID) != 64 {
			return nil, rpcErr(codeInvalidParameter, "txid must be of length 64 (not %d, for '%s')",
				len(in.TxID), in.TxID)
		}
		r.Inputs = append(r.Inputs, rawInput{TxID: in.TxID, Vout: in.Vout})
	}

	for _, out := range outputs {
		for key, val := range out {
			if key == "data" {
				var data string
				if err := json.Unmarshal(val, &data); err != nil {
					return nil, rpcErr(codeInvalidParameter, "Data must be hexadecimal string")
				}
				if _, err := hex.DecodeString(data); err != nil {
					return nil, rpcErr(codeInvalidParameter, "Data must be hexadecimal string (not '%s')", data)
				}
				r.Outputs = append(r.Outputs, rawOutput{Data: data})
				continue
			}
			if _, err := n.decodeAddress(key); err != nil {
				return nil, rpcErr(codeInvalidAddress, "Invalid Bitcoin address: %s", key)
			}
			var amt decimal.Decimal
			if err := json.Unmarshal(val, &amt); err != nil || amt.IsNegative() {
				return nil, rpcErr(-3, "Invalid amount")
			}
			r.Outputs = append(r.Outputs, rawOutput{Address: key, Amount: amt})
		}
	}
	return r.encode(), nil
}

func (n *Node) sendRawTransaction(params []json.RawMessage) (interface{}, *btcjson.RPCError) {
	var txHex string
	if err := parseParams(params, &txHex); err != nil {
		return nil, err
	}
	r, rerr := decodeRaw(txHex)
	if rerr != nil {
		return nil, rerr
	}

	t := &tx{id: n.newTxID(), changeIndex: -1}
	totalIn := decimal.Zero
	var funder *wallet
	for i, in := range r.Inputs {
		op := outpoint{txid: in.TxID, vout: in.Vout}
		prev, out, ok := n.output(op)
		if !ok || !n.unspent(op) {
			return nil, rpcErr(codeVerify, "bad-txns-inputs-missingorspent")
		}
		if !n.mature(prev) {
			return nil, rpcErr(codeVerifyRejected, "bad-txns-premature-spend-of-coinbase")
		}
		if !in.Complete {
			return nil, rpcErr(codeVerifyRejected,
				"mandatory-script-verify-flag-failed (Operation not valid with the current stack size)")
		}
		totalIn = totalIn.Add(out.amount)

		w := n.owner(out.address)
		if i == 0 {
			funder = w
		} else if w != funder {
			funder = nil
		}
		t.inputs = append(t.inputs, op)
	}

	totalOut := decimal.Zero
	dataBytes := 0
	for _, o := range r.Outputs {
		out := txOut{address: o.Address, amount: o.Amount, data: o.Data}
		var err error
		if o.Data != "" {
			out.script, err = dataScript(o.Data)
			dataBytes += len(o.Data) / 2
		} else {
			out.script, err = n.scriptFor(o.Address)
		}
		if err != nil {
			return nil, rpcErr(codeDeserialization, "TX decode failed")
		}
		totalOut = totalOut.Add(o.Amount)
		t.outputs = append(t.outputs, out)
	}
	if totalIn.LessThan(totalOut) {
		return nil, rpcErr(codeVerifyRejected, "bad-txns-in-belowout")
	}

	t.fee = totalIn.Sub(totalOut)
	t.vsize = estimateVSize(len(t.inputs), len(t.outputs), dataBytes)
	if funder != nil {
		t.wallet = funder.name
	}
	n.add(t)
	return t.id, nil
}

func (n *Node) scanTxOutSet(params []json.RawMessage) (interface{}, *btcjson.RPCError) {
	var (
		action  string
		objects []string
	)
	if err := parseParams(params, &action, &objects); err != nil {
		return nil, err
	}
	if action != "start" {
		return nil, rpcErr(codeInvalidParameter, "Invalid action '%s'", action)
	}

	wanted := make(map[string]string, len(objects))
	for _, obj := range objects {
		if !strings.HasPrefix(obj, "addr(") || !strings.HasSuffix(obj, ")") {
			return nil, rpcErr(codeInvalidAddress, "scanobject %q is not supported", obj)
		}
		addr := strings.TrimSuffix(strings.TrimPrefix(obj, "addr("), ")")
		wanted[addr] = obj
	}

	unspents := []map[string]interface{}{}
	total := decimal.Zero
	for _, t := range n.order {
		if t.height == 0 || t.replacedBy != "" {
			continue
		}
		for i, o := range t.outputs {
			desc, ok := wanted[o.address]
			op := outpoint{txid: t.id, vout: uint32(i)}
			if !ok || !n.unspentOnChain(op) {
				continue
			}
			unspents = append(unspents, map[string]interface{}{
				"txid":         t.id,
				"vout":         i,
				"scriptPubKey": o.script,
				"desc":         desc,
				"amount":       amount(o.amount),
				"coinbase":     t.coinbase,
				"height":       t.height,
			})
			total = total.Add(o.amount)
		}
	}

	return map[string]interface{}{
		"success":      true,
		"txouts":       len(n.order),
		"height":       n.height(),
		"bestblock":    n.bestHash(),
		"unspents":     unspents,
		"total_amount": amount(total),
	}, nil
}

// ---------------------------------------------------------------
//  Wallet management
// ---------------------------------------------------------------

func (n *Node) listWallets(_ []json.RawMessage) (interface{}, *btcjson.RPCError) {
	return append([]string{}, n.loaded...), nil
}

func (n *Node) loadWallet(params []json.RawMessage) (interface{}, *btcjson.RPCError) {
	var name string
	if err := parseParams(params, &name); err != nil {
		return nil, err
	}
	if _, ok := n.wallets[name]; !ok {
		return nil, rpcErr(codeWalletNotFound,
			"Wallet file verification failed. Failed to load database path '%s'. Path does not exist.", name)
	}
	if n.isLoaded(name) {
		return nil, rpcErr(codeAlreadyLoaded, "Wallet \"%s\" is already loaded.", name)
	}
	n.loaded = append(n.loaded, name)
	return map[string]string{"name": name, "warning": ""}, nil
}

func (n *Node) createWallet(params []json.RawMessage) (interface{}, *btcjson.RPCError) {
	var name string
	if err := parseParams(params, &name); err != nil {
		return nil, err
	}
	if _, ok := n.wallets[name]; ok {
		return nil, rpcErr(codeWallet,
			"Wallet file verification failed. Failed to create database path '%s'. Database already exists.", name)
	}
	n.wallets[name] = newWallet(name, n.params)
	n.loaded = append(n.loaded, name)
	return map[string]string{"name": name, "warning": ""}, nil
}

func (n *Node) unloadWallet(params []json.RawMessage) (interface{}, *btcjson.RPCError) {
	var name string
	if err := parseParams(params, &name); err != nil {
		return nil, err
	}
	for i, l := range n.loaded {
		if l == name {
			n.loaded = append(n.loaded[:i], n.loaded[i+1:]...)
			return map[string]string{"warning": ""}, nil
		}
	}
	return nil, rpcErr(codeWalletNotFound, "Requested wallet does not exist or is not loaded")
}

// ---------------------------------------------------------------
//  Wallet
// ---------------------------------------------------------------

func (n *Node) getNewAddress(w *wallet, params []json.RawMessage) (interface{}, *btcjson.RPCError) {
	var label, addrType string
	if err := parseParams(params, &label, &addrType); err != nil {
		return nil, err
	}
	if addrType != "" && addrType != "bech32" {
		return nil, rpcErr(codeInvalidAddress, "Unknown address type '%s'", addrType)
	}
	return w.newAddress(label, false).address, nil
}

func (n *Node) getAddressInfo(w *wallet, params []json.RawMessage) (interface{}, *btcjson.RPCError) {
	var addr string
	if err := parseParams(params, &addr); err != nil {
		return nil, err
	}
	script, err := n.scriptFor(addr)
	if err != nil {
		return nil, rpcErr(codeInvalidAddress, "Invalid address")
	}

	a, ok := w.addrs[addr]
	if !ok {
		return map[string]interface{}{
			"address":      addr,
			"scriptPubKey": script,
			"ismine":       false,
			"solvable":     false,
			"iswatchonly":  false,
		}, nil
	}

	info := map[string]interface{}{
		"address":      a.address,
		"scriptPubKey": a.script,
		"ismine":       true,
		"solvable":     true,
		"iswatchonly":  false,
		"isscript":     false,
		"iswitness":    true,
		"pubkey":       a.pubKey,
		"iscompressed": true,
		"ischange":     a.internal,
		"timestamp":    w.created,
		"hdkeypath":    a.path,
		"labels":       []string{a.label},
	}
	if !n.opts.HideFingerprint {
		info["hdmasterfingerprint"] = w.fingerprint
	}
	return info, nil
}

func (n *Node) listDescriptors(w *wallet, _ []json.RawMessage) (interface{}, *btcjson.RPCError) {
	if n.opts.HideDescriptors {
		return nil, rpcErr(codeWallet, "listdescriptors is not available for non-descriptor wallets")
	}
	return map[string]interface{}{
		"wallet_name": w.name,
		"descriptors": w.descriptors(),
	}, nil
}

func (n *Node) getWalletInfo(w *wallet, _ []json.RawMessage) (interface{}, *btcjson.RPCError) {
	var txCount int
	for _, t := range n.order {
		if t.replacedBy != "" {
			continue
		}
		if t.wallet == w.name {
			txCount++
			continue
		}
		for _, o := range t.outputs {
			if w.owns(o.address) {
				txCount++
				break
			}
		}
	}

	info := map[string]interface{}{
		"walletname":           w.name,
		"walletversion":        169900,
		"format":               "sqlite",
		"balance":              amount(n.balance(w)),
		"txcount":              txCount,
		"keypoolsize":          1000,
		"private_keys_enabled": true,
		"avoid_reuse":          false,
		"scanning":             false,
		"descriptors":          true,
	}
	if !n.opts.HideSeedID {
		info["hdseedid"] = w.seedID
	}
	if !n.opts.OmitLastProcessed {
		info["lastprocessedblock"] = map[string]interface{}{
			"hash":   n.bestHash(),
			"height": n.height(),
		}
	}
	return info, nil
}

func (n *Node) getBalance(w *wallet, _ []json.RawMessage) (interface{}, *btcjson.RPCError) {
	if n.balanceLag > 0 {
		n.balanceLag--
		return amount(decimal.Zero), nil
	}
	return amount(n.balance(w)), nil
}

func (n *Node) listUnspent(w *wallet, params []json.RawMessage) (interface{}, *btcjson.RPCError) {
	minConf, maxConf := int64(1), int64(9999999)
	var addrs []string
	if err := parseParams(params, &minConf, &maxConf, &addrs); err != nil {
		return nil, err
	}
	only := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		only[a] = true
	}

	coins := n.coins(w, func(t *tx) bool {
		conf := n.confirmations(t)
		return n.mature(t) && conf >= minConf && conf <= maxConf
	})

	out := []map[string]interface{}{}
	for _, c := range coins {
		if len(only) > 0 && !only[c.out.address] {
			continue
		}
		out = append(out, map[string]interface{}{
			"txid":          c.op.txid,
			"vout":          c.op.vout,
			"address":       c.out.address,
			"label":         w.addrs[c.out.address].label,
			"scriptPubKey":  c.out.script,
			"amount":        amount(c.amount),
			"confirmations": n.confirmations(c.tx),
			"spendable":     true,
			"solvable":      true,
			"safe":          c.tx.height > 0 || c.tx.wallet == w.name,
		})
	}
	return out, nil
}

type prevTx struct {
	TxID          string          `json:"txid"`
	Vout          uint32          `json:"vout"`
	ScriptPubKey  string          `json:"scriptPubKey"`
	WitnessScript string          `json:"witnessScript"`
	Amount        decimal.Decimal `json:"amount"`
}

func (n *Node) signRawTransaction(w *wallet, params []json.RawMessage) (interface{}, *btcjson.RPCError) {
	var (
		txHex   string
		prevTxs []prevTx
	)
	if err := parseParams(params, &txHex, &prevTxs); err != nil {
		return nil, err
	}
	r, rerr := decodeRaw(txHex)
	if rerr != nil {
		return nil, rerr
	}

	var signErrors []map[string]interface{}
	for i := range r.Inputs {
		in := &r.Inputs[i]
		if in.Complete {
			continue
		}
		msg := n.signInput(w, in, prevTxs)
		if in.Complete {
			continue
		}
		signErrors = append(signErrors, map[string]interface{}{
			"txid":      in.TxID,
			"vout":      in.Vout,
			"witness":   []string{},
			"scriptSig": "",
			"sequence":  4294967293,
			"error":     msg,
		})
	}

	res := map[string]interface{}{
		"hex":      r.encode(),
		"complete": len(signErrors) == 0,
	}
	if len(signErrors) > 0 {
		res["errors"] = signErrors
	}
	return res, nil
}

// signInput adds w's signatures to in and returns the error reported when
// in stays incomplete.
func (n *Node) signInput(w *wallet, in *rawInput, prevTxs []prevTx) string {
	op := outpoint{txid: in.TxID, vout: in.Vout}

	var outAddr string
	if _, out, ok := n.output(op); ok {
		outAddr = out.address
	}
	if a, ok := w.addrs[outAddr]; ok {
		in.Signers = appendUnique(in.Signers, a.pubKey)
		in.Complete = true
		return ""
	}

	var prev *prevTx
	for i := range prevTxs {
		if prevTxs[i].TxID == in.TxID && prevTxs[i].Vout == in.Vout {
			prev = &prevTxs[i]
		}
	}
	if prev == nil || prev.WitnessScript == "" {
		if outAddr == "" {
			return "Input not found or already spent"
		}
		return "Unable to sign input, missing key"
	}

	script, err := hex.DecodeString(prev.WitnessScript)
	if err != nil {
		return "Witness script is not hex"
	}
	hash := sha256.Sum256(script)
	p2wsh, err := btcutil.NewAddressWitnessScriptHash(hash[:], n.params)
	if err != nil || (outAddr != "" && p2wsh.EncodeAddress() != outAddr) {
		return "Witness program hash mismatch"
	}

	class, addrs, required, err := txscript.ExtractPkScriptAddrs(script, n.params)
	if err != nil || class != txscript.MultiSigTy {
		return "Unable to sign input, unsupported witness script"
	}

	scriptKeys := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		pk, ok := a.(*btcutil.AddressPubKey)
		if !ok {
			continue
		}
		key := hex.EncodeToString(pk.PubKey().SerializeCompressed())
		scriptKeys[key] = true
		if _, mine := w.pubKeys[key]; mine {
			in.Signers = appendUnique(in.Signers, key)
		}
	}

	var valid int
	for _, s := range in.Signers {
		if scriptKeys[s] {
			valid++
		}
	}
	in.Complete = valid >= required
	return "Unable to sign input, invalid stack size (possibly missing key)"
}

func appendUnique(list []string, s string) []string {
	for _, item := range list {
		if item == s {
			return list
		}
	}
	return append(list, s)
}

func (n *Node) sendToAddress(w *wallet, params []json.RawMessage) (interface{}, *btcjson.RPCError) {
	var (
		addr                  string
		amt                   decimal.Decimal
		comment, commentTo    string
		subtractFeeFromAmount bool
		replaceable           bool
	)
	if err := parseParams(params, &addr, &amt, &comment, &commentTo,
		&subtractFeeFromAmount, &replaceable); err != nil {
		return nil, err
	}
	out, rerr := n.payment(addr, amt)
	if rerr != nil {
		return nil, rerr
	}
	t, err := n.fund(w, []txOut{out}, replaceable)
	if err != nil {
		return nil, rpcErr(codeInsufficientFunds, "Insufficient funds")
	}
	return t.id, nil
}

func (n *Node) sendMany(w *wallet, params []json.RawMessage) (interface{}, *btcjson.RPCError) {
	var (
		dummy   string
		amounts map[string]decimal.Decimal
	)
	if err := parseParams(params, &dummy, &amounts); err != nil {
		return nil, err
	}
	if len(amounts) == 0 {
		return nil, rpcErr(codeInvalidParameter, "Transaction must have at least one recipient")
	}

	addrs := make([]string, 0, len(amounts))
	for addr := range amounts {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	outs := make([]txOut, 0, len(amounts))
	for _, addr := range addrs {
		out, rerr := n.payment(addr, amounts[addr])
		if rerr != nil {
			return nil, rerr
		}
		outs = append(outs, out)
	}
	t, err := n.fund(w, outs, false)
	if err != nil {
		return nil, rpcErr(codeInsufficientFunds, "Insufficient funds")
	}
	return t.id, nil
}

func (n *Node) payment(addr string, amt decimal.Decimal) (txOut, *btcjson.RPCError) {
	script, err := n.scriptFor(addr)
	if err != nil {
		return txOut{}, rpcErr(codeInvalidAddress, "Invalid address: %s", addr)
	}
	if !amt.IsPositive() {
		return txOut{}, rpcErr(-3, "Invalid amount for send")
	}
	return txOut{address: addr, script: script, amount: amt}, nil
}

func (n *Node) bumpFee(w *wallet, params []json.RawMessage) (interface{}, *btcjson.RPCError) {
	var (
		txid string
		opts struct {
			FeeRate int64 `json:"fee_rate"`
		}
	)
	if err := parseParams(params, &txid, &opts); err != nil {
		return nil, err
	}

	orig, ok := n.txs[txid]
	if !ok || orig.wallet != w.name {
		return nil, rpcErr(codeInvalidAddress, "Invalid or non-wallet transaction id")
	}
	if orig.replacedBy != "" {
		return nil, rpcErr(codeWallet, "Cannot bump transaction %s which was already bumped by transaction %s",
			txid, orig.replacedBy)
	}
	if orig.height > 0 {
		return nil, rpcErr(codeWallet, "Transaction has been mined, or is conflicted with a mined transaction")
	}
	if !orig.replaceable {
		return nil, rpcErr(codeWallet, "Transaction is not BIP 125 replaceable")
	}
	if orig.changeIndex < 0 {
		return nil, rpcErr(codeWallet, "Transaction does not have a change output")
	}

	newFee := sats(opts.FeeRate * orig.vsize)
	if !newFee.GreaterThan(orig.fee) {
		return nil, rpcErr(codeInvalidParameter, "Insufficient total fee %s, must be at least %s",
			newFee.StringFixed(8), orig.fee.Add(sats(orig.vsize)).StringFixed(8))
	}
	delta := newFee.Sub(orig.fee)
	change := orig.outputs[orig.changeIndex].amount.Sub(delta)
	if change.LessThan(sats(dustLimitSats)) {
		return nil, rpcErr(codeWallet, "Change output is too small to bump the fee")
	}

	repl := &tx{
		id:          n.newTxID(),
		inputs:      append([]outpoint(nil), orig.inputs...),
		outputs:     append([]txOut(nil), orig.outputs...),
		replaceable: true,
		fee:         newFee,
		vsize:       orig.vsize,
		wallet:      w.name,
		changeIndex: orig.changeIndex,
	}
	repl.outputs[repl.changeIndex].amount = change
	n.replace(orig, repl)

	return map[string]interface{}{
		"txid":    repl.id,
		"origfee": amount(orig.fee),
		"fee":     amount(newFee),
		"errors":  []string{},
	}, nil
}

func (n *Node) rescanBlockchain(_ *wallet, _ []json.RawMessage) (interface{}, *btcjson.RPCError) {
	n.rescans++
	n.balanceLag = 0
	return map[string]interface{}{
		"start_height": 0,
		"stop_height":  n.height(),
	}, nil
}
