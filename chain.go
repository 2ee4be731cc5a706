package regtest

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// ---------------------------------------------------------------
//  Chain state
// ---------------------------------------------------------------

// BlockchainInfo is the subset of getblockchaininfo used by this module.
type BlockchainInfo struct {
	Chain         string `json:"chain"`
	Blocks        int64  `json:"blocks"`
	Headers       int64  `json:"headers"`
	BestBlockHash string `json:"bestblockhash"`
}

// MempoolInfo is the subset of getmempoolinfo used by this module.
type MempoolInfo struct {
	Loaded bool  `json:"loaded"`
	Size   int   `json:"size"`
	Bytes  int64 `json:"bytes"`
}

// BlockchainInfo returns the node's view of the active chain.
func (rt *Regtest) BlockchainInfo() (*BlockchainInfo, error) {
	var info BlockchainInfo
	if err := rt.call(rt.base, "getblockchaininfo", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetBlockCount returns the height of the chain tip.
func (rt *Regtest) GetBlockCount() (int64, error) {
	var count int64
	if err := rt.call(rt.base, "getblockcount", &count); err != nil {
		return 0, err
	}
	return count, nil
}

// MempoolInfo returns the size of the node's mempool.
func (rt *Regtest) MempoolInfo() (*MempoolInfo, error) {
	var info MempoolInfo
	if err := rt.call(rt.base, "getmempoolinfo", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ---------------------------------------------------------------
//  Mining
// ---------------------------------------------------------------

// GenerateToAddress mines n blocks paying their coinbase to addr and returns
// the block hashes.
func (rt *Regtest) GenerateToAddress(n int, addr string) ([]string, error) {
	var hashes []string
	if err := rt.call(rt.base, "generatetoaddress", &hashes, n, addr); err != nil {
		return nil, err
	}
	return hashes, nil
}

// Warp mines n blocks to a fresh address of w, then waits for the configured
// settle delay so that the wallet can index them.
//
// Parameters:
//   - w: wallet receiving the coinbase rewards
//   - n: number of blocks; 101 matures the first reward
//
// Returns:
//   - []string: hashes of the mined blocks
//   - error: if no address could be derived or mining failed
func (rt *Regtest) Warp(w *Wallet, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	addr, err := w.NewAddress("mining")
	if err != nil {
		return nil, fmt.Errorf("failed to get mining address for %q: %w", w.Name(), err)
	}
	hashes, err := rt.GenerateToAddress(n, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to mine %d blocks: %w", n, err)
	}
	log.WithFields(log.Fields{
		"wallet": w.Name(),
		"blocks": n,
	}).Debug("mined blocks")

	rt.wait(rt.cfg.SettleDelay)
	return hashes, nil
}

// Mine mines n blocks to a throwaway address of w without waiting. It is
// used to confirm pending transactions.
func (rt *Regtest) Mine(w *Wallet, n int) error {
	addr, err := w.NewAddress("")
	if err != nil {
		return err
	}
	_, err = rt.GenerateToAddress(n, addr)
	return err
}

// ---------------------------------------------------------------
//  Scripts and raw transactions
// ---------------------------------------------------------------

// MultisigInfo is the result of createmultisig.
type MultisigInfo struct {
	Address      string `json:"address"`
	RedeemScript string `json:"redeemScript"`
	Descriptor   string `json:"descriptor"`
}

// CreateMultisig asks the node for the bech32 P2WSH address of a
// required-of-len(pubKeys) multisig over the hex-encoded public keys.
func (rt *Regtest) CreateMultisig(required int, pubKeys []string) (*MultisigInfo, error) {
	var info MultisigInfo
	if err := rt.call(rt.base, "createmultisig", &info, required, pubKeys, "bech32"); err != nil {
		return nil, err
	}
	return &info, nil
}

// Output is one createrawtransaction output: either a payment to Address or,
// when Data is set, an OP_RETURN output carrying Data (hex).
type Output struct {
	Address string
	Amount  decimal.Decimal
	Data    string
}

// MarshalJSON writes {"<address>": amount} or {"data": "<hex>"}.
func (o Output) MarshalJSON() ([]byte, error) {
	if o.Data != "" {
		return json.Marshal(map[string]string{"data": o.Data})
	}
	return json.Marshal(map[string]json.RawMessage{o.Address: amountJSON(o.Amount)})
}

// CreateRawTransaction returns the unsigned transaction hex spending inputs
// to outputs.
func (rt *Regtest) CreateRawTransaction(inputs []Input, outputs []Output) (string, error) {
	if inputs == nil {
		inputs = []Input{}
	}
	var txHex string
	if err := rt.call(rt.base, "createrawtransaction", &txHex, inputs, outputs); err != nil {
		return "", err
	}
	return txHex, nil
}

// SendRawTransaction broadcasts a signed transaction and returns its txid.
func (rt *Regtest) SendRawTransaction(txHex string) (string, error) {
	var txid string
	if err := rt.call(rt.base, "sendrawtransaction", &txid, txHex); err != nil {
		return "", err
	}
	return txid, nil
}

// ScanUnspent is one confirmed output found by scantxoutset.
type ScanUnspent struct {
	TxID         string          `json:"txid"`
	Vout         uint32          `json:"vout"`
	ScriptPubKey string          `json:"scriptPubKey"`
	Desc         string          `json:"desc"`
	Amount       decimal.Decimal `json:"amount"`
	Height       int64           `json:"height"`
}

// ScanTxOutSetForAddress returns the confirmed outputs paying addr, found by
// scanning the UTXO set. Outputs still in the mempool are not reported.
func (rt *Regtest) ScanTxOutSetForAddress(addr string) ([]ScanUnspent, error) {
	var res struct {
		Success     bool            `json:"success"`
		Unspents    []ScanUnspent   `json:"unspents"`
		TotalAmount decimal.Decimal `json:"total_amount"`
	}
	descs := []string{fmt.Sprintf("addr(%s)", addr)}
	if err := rt.call(rt.base, "scantxoutset", &res, "start", descs); err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, fmt.Errorf("scantxoutset for %s did not complete", addr)
	}
	return res.Unspents, nil
}
