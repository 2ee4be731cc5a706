package regtest

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// AddressInfo is the subset of getaddressinfo used by this module.
type AddressInfo struct {
	Address             string `json:"address"`
	ScriptPubKey        string `json:"scriptPubKey"`
	IsMine              bool   `json:"ismine"`
	Solvable            bool   `json:"solvable"`
	IsWitness           bool   `json:"iswitness"`
	PubKey              string `json:"pubkey"`
	HDKeyPath           string `json:"hdkeypath"`
	HDMasterFingerprint string `json:"hdmasterfingerprint"`
}

// Descriptor is one entry of listdescriptors.
type Descriptor struct {
	Desc      string `json:"desc"`
	Timestamp int64  `json:"timestamp"`
	Active    bool   `json:"active"`
	Internal  bool   `json:"internal"`
	Range     []int  `json:"range,omitempty"`
	Next      int    `json:"next,omitempty"`
}

// BlockRef identifies a block by hash and height.
type BlockRef struct {
	Hash   string `json:"hash"`
	Height int64  `json:"height"`
}

// WalletInfo is the subset of getwalletinfo used by this module.
// LastProcessedBlock is nil on nodes that do not report it.
type WalletInfo struct {
	WalletName         string          `json:"walletname"`
	Balance            decimal.Decimal `json:"balance"`
	TxCount            int             `json:"txcount"`
	Descriptors        bool            `json:"descriptors"`
	HDSeedID           string          `json:"hdseedid"`
	LastProcessedBlock *BlockRef       `json:"lastprocessedblock"`
}

// Unspent is one entry of listunspent.
type Unspent struct {
	TxID          string          `json:"txid"`
	Vout          uint32          `json:"vout"`
	Address       string          `json:"address"`
	Label         string          `json:"label"`
	ScriptPubKey  string          `json:"scriptPubKey"`
	Amount        decimal.Decimal `json:"amount"`
	Confirmations int64           `json:"confirmations"`
	Spendable     bool            `json:"spendable"`
	Solvable      bool            `json:"solvable"`
}

// Input references a previous output in createrawtransaction.
type Input struct {
	TxID string `json:"txid"`
	Vout uint32 `json:"vout"`
}

// PrevTx supplies the details of an input the signing wallet does not
// know about, such as a P2WSH multisig output.
type PrevTx struct {
	TxID          string          `json:"txid"`
	Vout          uint32          `json:"vout"`
	ScriptPubKey  string          `json:"scriptPubKey"`
	WitnessScript string          `json:"witnessScript,omitempty"`
	RedeemScript  string          `json:"redeemScript,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
}

// MarshalJSON writes Amount as a JSON number.
func (p PrevTx) MarshalJSON() ([]byte, error) {
	type alias PrevTx
	return json.Marshal(struct {
		alias
		Amount json.RawMessage `json:"amount"`
	}{alias(p), amountJSON(p.Amount)})
}

// SignError is one entry of the errors array of signrawtransactionwithwallet.
type SignError struct {
	TxID  string `json:"txid"`
	Vout  uint32 `json:"vout"`
	Error string `json:"error"`
}

// SignResult is the result of signrawtransactionwithwallet.
type SignResult struct {
	Hex      string      `json:"hex"`
	Complete bool        `json:"complete"`
	Errors   []SignError `json:"errors,omitempty"`
}

// BumpResult is the result of bumpfee.
type BumpResult struct {
	TxID    string          `json:"txid"`
	OrigFee decimal.Decimal `json:"origfee"`
	Fee     decimal.Decimal `json:"fee"`
	Errors  []string        `json:"errors"`
}

// RescanResult is the result of rescanblockchain.
type RescanResult struct {
	StartHeight int64 `json:"start_height"`
	StopHeight  int64 `json:"stop_height"`
}

// NewAddress returns a fresh bech32 receiving address.
func (w *Wallet) NewAddress(label string) (string, error) {
	var addr string
	if err := w.call("getnewaddress", &addr, label, "bech32"); err != nil {
		return "", err
	}
	return addr, nil
}

// AddressInfo describes addr from the wallet's point of view.
func (w *Wallet) AddressInfo(addr string) (*AddressInfo, error) {
	var info AddressInfo
	if err := w.call("getaddressinfo", &info, addr); err != nil {
		return nil, err
	}
	return &info, nil
}

// ListDescriptors returns the wallet's public output descriptors.
func (w *Wallet) ListDescriptors() ([]Descriptor, error) {
	var res struct {
		WalletName  string       `json:"wallet_name"`
		Descriptors []Descriptor `json:"descriptors"`
	}
	if err := w.call("listdescriptors", &res); err != nil {
		return nil, err
	}
	return res.Descriptors, nil
}

// Info returns the wallet's getwalletinfo metadata.
func (w *Wallet) Info() (*WalletInfo, error) {
	var info WalletInfo
	if err := w.call("getwalletinfo", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Balance returns the wallet's trusted spendable balance.
func (w *Wallet) Balance() (decimal.Decimal, error) {
	var balance decimal.Decimal
	if err := w.call("getbalance", &balance); err != nil {
		return decimal.Zero, err
	}
	return balance, nil
}

// ListUnspent returns the wallet's outputs with a confirmation count in
// [minConf, maxConf], optionally restricted to addrs.
func (w *Wallet) ListUnspent(minConf, maxConf int, addrs ...string) ([]Unspent, error) {
	if addrs == nil {
		addrs = []string{}
	}
	var unspents []Unspent
	if err := w.call("listunspent", &unspents, minConf, maxConf, addrs); err != nil {
		return nil, err
	}
	return unspents, nil
}

// SignRawTransaction signs every input the wallet can sign. prevTxs may be
// nil when the wallet knows all inputs.
func (w *Wallet) SignRawTransaction(txHex string, prevTxs []PrevTx) (*SignResult, error) {
	args := []interface{}{txHex}
	if len(prevTxs) > 0 {
		args = append(args, prevTxs)
	}
	var res SignResult
	if err := w.call("signrawtransactionwithwallet", &res, args...); err != nil {
		return nil, err
	}
	return &res, nil
}

// SendToAddress pays amount to addr and returns the txid. replaceable
// signals BIP125 opt-in RBF.
func (w *Wallet) SendToAddress(addr string, amount decimal.Decimal,
	replaceable bool) (string, error) {

	const (
		comment               = ""
		commentTo             = ""
		subtractFeeFromAmount = false
	)
	var txid string
	err := w.call("sendtoaddress", &txid, addr, amount, comment, commentTo,
		subtractFeeFromAmount, replaceable)
	if err != nil {
		return "", err
	}
	return txid, nil
}

// SendMany pays every address in amounts within a single transaction.
func (w *Wallet) SendMany(amounts Amounts) (string, error) {
	const dummy = ""
	var txid string
	if err := w.call("sendmany", &txid, dummy, amounts); err != nil {
		return "", err
	}
	return txid, nil
}

// BumpFee replaces txid with a higher-fee version paying feeRate sat/vB.
func (w *Wallet) BumpFee(txid string, feeRate int64) (*BumpResult, error) {
	opts := map[string]interface{}{"fee_rate": feeRate}
	var res BumpResult
	if err := w.call("bumpfee", &res, txid, opts); err != nil {
		return nil, err
	}
	return &res, nil
}

// Rescan rescans the whole chain for wallet transactions.
func (w *Wallet) Rescan() (*RescanResult, error) {
	var res RescanResult
	if err := w.call("rescanblockchain", &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Spend builds a transaction from inputs and outputs, signs it with the
// wallet and broadcasts it. Every input must be signable by the wallet.
func (w *Wallet) Spend(inputs []Input, outputs []Output) (string, error) {
	txHex, err := w.rt.CreateRawTransaction(inputs, outputs)
	if err != nil {
		return "", err
	}
	signed, err := w.SignRawTransaction(txHex, nil)
	if err != nil {
		return "", err
	}
	if !signed.Complete {
		return "", ErrIncompleteSignature
	}
	return w.rt.SendRawTransaction(signed.Hex)
}
