// Package simnode is an in-process stand-in for a regtest bitcoind. It
// serves the JSON-RPC subset used by this module over HTTP, including the
// /wallet/<name> endpoints, so that tests exercise the real rpcclient.
//
// Keys are derived deterministically from wallet names. Signatures are not
// real: a raw transaction is an opaque hex blob that records which keys
// signed each input.
package simnode

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/shopspring/decimal"
)

// Bitcoin Core error codes returned by the node.
const (
	codeMisc              btcjson.RPCErrorCode = -1
	codeWallet            btcjson.RPCErrorCode = -4
	codeInvalidAddress    btcjson.RPCErrorCode = -5
	codeInsufficientFunds btcjson.RPCErrorCode = -6
	codeInvalidParameter  btcjson.RPCErrorCode = -8
	codeWalletNotFound    btcjson.RPCErrorCode = -18
	codeWalletNotSpecifed btcjson.RPCErrorCode = -19
	codeDeserialization   btcjson.RPCErrorCode = -22
	codeVerify            btcjson.RPCErrorCode = -25
	codeVerifyRejected    btcjson.RPCErrorCode = -26
	codeAlreadyLoaded     btcjson.RPCErrorCode = -35
	codeMethodNotFound    btcjson.RPCErrorCode = -32601
	codeInvalidParams     btcjson.RPCErrorCode = -32602
)

// Hook intercepts a method before the node handles it. Returning a non-nil
// error or result short-circuits the call; returning (nil, nil) lets the node
// handle it.
type Hook func(wallet string, params []json.RawMessage) (interface{}, *btcjson.RPCError)

// Options toggles wallet metadata the node reports, to reach the fallback
// paths of callers.
type Options struct {
	User string
	Pass string

	// HideDescriptors makes listdescriptors fail as on legacy wallets.
	HideDescriptors bool
	// HideFingerprint drops hdmasterfingerprint from getaddressinfo.
	HideFingerprint bool
	// HideSeedID drops hdseedid from getwalletinfo.
	HideSeedID bool
	// OmitLastProcessed drops lastprocessedblock from getwalletinfo.
	OmitLastProcessed bool
}

// Node is a simulated regtest node.
type Node struct {
	srv    *httptest.Server
	opts   Options
	params *chaincfg.Params

	hookMtx sync.Mutex
	hooks   map[string]Hook

	mtx sync.Mutex
	*chain
	wallets    map[string]*wallet
	loaded     []string
	calls      map[string]int
	balanceLag int
	rescans    int
}

// New starts a node listening on a local port. Close must be called when
// done.
func New(opts Options) *Node {
	if opts.User == "" {
		opts.User = "user"
	}
	if opts.Pass == "" {
		opts.Pass = "pass"
	}
	n := &Node{
		opts:    opts,
		params:  &chaincfg.RegressionNetParams,
		hooks:   make(map[string]Hook),
		chain:   newChain(&chaincfg.RegressionNetParams),
		wallets: make(map[string]*wallet),
		calls:   make(map[string]int),
	}
	n.srv = httptest.NewServer(http.HandlerFunc(n.serveHTTP))
	return n
}

// Close stops the HTTP server.
func (n *Node) Close() {
	n.srv.Close()
}

// Host returns the host:port the node listens on.
func (n *Node) Host() string {
	return strings.TrimPrefix(n.srv.URL, "http://")
}

// Params returns the chain parameters of the node.
func (n *Node) Params() *chaincfg.Params {
	return n.params
}

// Inject installs hook for method, replacing any previous one. A nil hook
// removes it.
func (n *Node) Inject(method string, hook Hook) {
	n.hookMtx.Lock()
	defer n.hookMtx.Unlock()

	if hook == nil {
		delete(n.hooks, method)
		return
	}
	n.hooks[method] = hook
}

// SetOptions replaces the metadata toggles.
func (n *Node) SetOptions(fn func(*Options)) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	fn(&n.opts)
}

// DelayBalance makes the next calls getbalance calls report zero, as a
// wallet that has not indexed its latest blocks yet. A rescan clears it.
func (n *Node) DelayBalance(calls int) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.balanceLag = calls
}

// Calls returns how many times method reached the node.
func (n *Node) Calls(method string) int {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.calls[method]
}

// Rescans returns the number of rescanblockchain calls handled.
func (n *Node) Rescans() int {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.rescans
}

// Height returns the chain height.
func (n *Node) Height() int64 {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.height()
}

// AddWalletOnDisk creates a wallet that exists on disk but is not loaded.
func (n *Node) AddWalletOnDisk(name string) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	if _, ok := n.wallets[name]; !ok {
		n.wallets[name] = newWallet(name, n.params)
	}
}

// Loaded reports whether the named wallet is loaded.
func (n *Node) Loaded(name string) bool {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.isLoaded(name)
}

// LoadedWallets returns the loaded wallet names, sorted.
func (n *Node) LoadedWallets() []string {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	names := append([]string(nil), n.loaded...)
	sort.Strings(names)
	return names
}

// TxOutput is an output of a transaction known to the node.
type TxOutput struct {
	Address string
	Amount  decimal.Decimal
	Data    string
}

// TxInfo describes a transaction known to the node.
type TxInfo struct {
	TxID        string
	Inputs      int
	Outputs     []TxOutput
	Confirmed   bool
	Replaceable bool
	Replaced    bool
	Fee         decimal.Decimal
}

// Tx returns the transaction with id txid.
func (n *Node) Tx(txid string) (TxInfo, bool) {
	n.mtx.Lock()
	defer n.mtx.Unlock()

	t, ok := n.txs[txid]
	if !ok {
		return TxInfo{}, false
	}
	info := TxInfo{
		TxID:        t.id,
		Inputs:      len(t.inputs),
		Confirmed:   t.height > 0,
		Replaceable: t.replaceable,
		Replaced:    t.replacedBy != "",
		Fee:         t.fee,
	}
	for _, o := range t.outputs {
		info.Outputs = append(info.Outputs, TxOutput{Address: o.address, Amount: o.amount, Data: o.data})
	}
	return info, true
}

// TxsPaying returns the ids of live transactions with an output paying addr.
func (n *Node) TxsPaying(addr string) []string {
	n.mtx.Lock()
	defer n.mtx.Unlock()

	var ids []string
	for _, t := range n.order {
		if t.replacedBy != "" {
			continue
		}
		for _, o := range t.outputs {
			if o.address == addr {
				ids = append(ids, t.id)
				break
			}
		}
	}
	return ids
}

// MempoolSize returns the number of unconfirmed transactions.
func (n *Node) MempoolSize() int {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return len(n.mempool())
}

type request struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
	ID     json.RawMessage   `json:"id"`
}

type response struct {
	Result interface{}       `json:"result"`
	Error  *btcjson.RPCError `json:"error"`
	ID     json.RawMessage   `json:"id"`
}

// serveHTTP always answers 200 and carries node errors in the JSON-RPC
// error member.
func (n *Node) serveHTTP(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || user != n.opts.User || pass != n.opts.Pass {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	wallet := ""
	if strings.HasPrefix(r.URL.Path, "/wallet/") {
		wallet = strings.TrimPrefix(r.URL.Path, "/wallet/")
	}

	result, rpcErr := n.dispatch(wallet, req.Method, req.Params)
	resp := response{ID: req.ID}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		resp.Result = result
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (n *Node) dispatch(walletName, method string,
	params []json.RawMessage) (interface{}, *btcjson.RPCError) {

	n.hookMtx.Lock()
	hook := n.hooks[method]
	n.hookMtx.Unlock()

	n.mtx.Lock()
	n.calls[method]++
	n.mtx.Unlock()

	if hook != nil {
		if res, err := hook(walletName, params); res != nil || err != nil {
			return res, err
		}
	}

	n.mtx.Lock()
	defer n.mtx.Unlock()

	if h, ok := chainHandlers[method]; ok {
		return h(n, params)
	}
	if h, ok := walletHandlers[method]; ok {
		w, err := n.walletFor(walletName)
		if err != nil {
			return nil, err
		}
		return h(n, w, params)
	}
	return nil, btcjson.NewRPCError(codeMethodNotFound, "Method not found")
}

func (n *Node) isLoaded(name string) bool {
	for _, l := range n.loaded {
		if l == name {
			return true
		}
	}
	return false
}

// walletFor resolves the wallet a wallet-scoped request targets.
func (n *Node) walletFor(name string) (*wallet, *btcjson.RPCError) {
	if name == "" {
		switch len(n.loaded) {
		case 0:
			return nil, btcjson.NewRPCError(codeWalletNotFound,
				"No wallet is loaded. Load a wallet using loadwallet or create a new one with createwallet.")
		case 1:
			name = n.loaded[0]
		default:
			return nil, btcjson.NewRPCError(codeWalletNotSpecifed,
				"Wallet file not specified (must request wallet RPC through /wallet/<filename> uri-path).")
		}
	}
	if !n.isLoaded(name) {
		return nil, btcjson.NewRPCError(codeWalletNotFound,
			"Requested wallet does not exist or is not loaded")
	}
	return n.wallets[name], nil
}

// amount renders d as a JSON number with eight decimals.
func amount(d decimal.Decimal) json.RawMessage {
	return json.RawMessage(d.StringFixed(8))
}

func parseParams(params []json.RawMessage, dst ...interface{}) *btcjson.RPCError {
	for i, d := range dst {
		if i >= len(params) {
			break
		}
		if string(params[i]) == "null" {
			continue
		}
		if err := json.Unmarshal(params[i], d); err != nil {
			return btcjson.NewRPCError(codeInvalidParams, "Invalid params: "+err.Error())
		}
	}
	return nil
}
