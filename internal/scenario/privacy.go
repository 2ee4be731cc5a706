package scenario

import (
	"fmt"

	regtest "github.com/neverDefined/regtest-scenarios"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

const (
	goodRounds   = 10
	reuseSends   = 5
	maxMixInputs = 5
	maxConf      = 9999999
)

var (
	goodAmount  = decimal.NewFromInt(1)
	reuseAmount = decimal.RequireFromString("0.5")
	mixFee      = decimal.RequireFromString("0.0001")
)

// privacyGood pays a fresh address in every round and confirms each payment
// in its own block.
func privacyGood(r *Run) error {
	w := r.Coordinator()
	seen := make(map[string]struct{}, goodRounds)

	for i := 0; i < goodRounds; i++ {
		addr, err := w.NewAddress(fmt.Sprintf("good-%d", i))
		if err != nil {
			return err
		}
		if _, ok := seen[addr]; ok {
			return fmt.Errorf("wallet handed out address %s twice", addr)
		}
		seen[addr] = struct{}{}

		txid, err := w.SendToAddress(addr, goodAmount, false)
		if err != nil {
			return fmt.Errorf("round %d: %w", i+1, err)
		}
		r.record(txid)
		if err := r.confirm(); err != nil {
			return err
		}
		r.log.WithFields(log.Fields{"round": i + 1, "txid": txid}).Debug("payment confirmed")
	}
	return nil
}

// privacyModerate reuses one address and mixes its outputs into a new one.
func privacyModerate(r *Run) error {
	reused, err := reuseAddress(r)
	if err != nil {
		return err
	}
	dest, err := r.Coordinator().NewAddress("mixed")
	if err != nil {
		return err
	}
	return mix(r, reused, dest)
}

// privacyBad reuses one address and mixes its outputs back into it.
func privacyBad(r *Run) error {
	reused, err := reuseAddress(r)
	if err != nil {
		return err
	}
	return mix(r, reused, reused)
}

// reuseAddress sends to the same address several times and confirms the
// payments in one block.
func reuseAddress(r *Run) (string, error) {
	w := r.Coordinator()
	addr, err := w.NewAddress("reused")
	if err != nil {
		return "", err
	}

	for i := 0; i < reuseSends; i++ {
		txid, err := w.SendToAddress(addr, reuseAmount, false)
		if err != nil {
			return "", fmt.Errorf("send %d to reused address: %w", i+1, err)
		}
		r.record(txid)
	}
	if err := r.confirm(); err != nil {
		return "", err
	}
	return addr, nil
}

// mix spends up to maxMixInputs confirmed outputs of from into a single
// output paying dest. It does nothing when the fee eats the whole amount.
func mix(r *Run, from, dest string) error {
	w := r.Coordinator()
	unspents, err := w.ListUnspent(1, maxConf, from)
	if err != nil {
		return err
	}
	if len(unspents) > maxMixInputs {
		unspents = unspents[:maxMixInputs]
	}

	inputs, total := collect(unspents)
	amount := total.Sub(mixFee)
	if !amount.IsPositive() {
		r.log.WithField("total", total.StringFixed(8)).Debug("nothing to mix")
		return nil
	}

	txid, err := w.Spend(inputs, []regtest.Output{{Address: dest, Amount: amount}})
	if err != nil {
		return fmt.Errorf("failed to mix: %w", err)
	}
	r.record(txid)
	r.log.WithFields(log.Fields{
		"inputs": len(inputs),
		"amount": amount.StringFixed(8),
		"txid":   txid,
	}).Info("outputs mixed")
	return r.confirm()
}

func collect(unspents []regtest.Unspent) ([]regtest.Input, decimal.Decimal) {
	inputs := make([]regtest.Input, 0, len(unspents))
	total := decimal.Zero
	for _, u := range unspents {
		inputs = append(inputs, regtest.Input{TxID: u.TxID, Vout: u.Vout})
		total = total.Add(u.Amount)
	}
	return inputs, total
}
