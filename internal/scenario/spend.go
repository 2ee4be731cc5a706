package scenario

import (
	"errors"
	"fmt"

	regtest "github.com/neverDefined/regtest-scenarios"
	"github.com/neverDefined/regtest-scenarios/internal/multisig"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

var spendFee = decimal.RequireFromString("0.0001")

// ErrNoMultisigOutput is reported when the multisig address holds no
// confirmed output.
var ErrNoMultisigOutput = errors.New("no confirmed output at multisig address")

// SpendOutcome reports what the multisig spend check achieved.
type SpendOutcome struct {
	// Signers are the wallets that signed, in order.
	Signers []string
	// Complete is true when the signatures met the quorum.
	Complete bool
	// TxID is set once a complete transaction was broadcast.
	TxID string
	// Err is nil on broadcast, a *regtest.PartialSignatureError when the
	// signers could not reach the quorum, or the failure that stopped the
	// check.
	Err error
}

// Expected reports whether the check ended in a broadcast or in the partial
// signature expected when the cosigners are fewer than the quorum.
func (o *SpendOutcome) Expected() bool {
	var partial *regtest.PartialSignatureError
	return o.Err == nil || errors.As(o.Err, &partial)
}

// SpendTest spends one output of the multisig back to the coordinator,
// signing with every signer but the coordinator in turn. It broadcasts and
// confirms the transaction when it is complete. Failures are logged and
// returned in the outcome, never as an error.
func SpendTest(rt *regtest.Regtest, ms *multisig.Context) *SpendOutcome {
	logger := log.WithFields(log.Fields{
		"scenario": ms.Scenario,
		"address":  ms.Address,
	})
	out := &SpendOutcome{}
	out.Err = spend(rt, ms, out)

	var partial *regtest.PartialSignatureError
	switch {
	case out.Err == nil:
		logger.WithField("txid", out.TxID).Info("multisig spend broadcast")
	case errors.As(out.Err, &partial):
		logger.WithError(out.Err).Info("multisig spend partially signed, as expected below quorum")
	default:
		logger.WithError(out.Err).Warn("multisig spend test failed")
	}
	return out
}

func spend(rt *regtest.Regtest, ms *multisig.Context, out *SpendOutcome) error {
	cosigners := ms.Cosigners()
	for _, s := range cosigners {
		if _, err := rt.EnsureWallet(s.Name); err != nil {
			return err
		}
	}

	utxos, err := rt.ScanTxOutSetForAddress(ms.Address)
	if err != nil {
		return err
	}
	if len(utxos) == 0 {
		return ErrNoMultisigOutput
	}
	utxo := utxos[0]

	amount := utxo.Amount.Sub(spendFee)
	if !amount.IsPositive() {
		return fmt.Errorf("output %s:%d too small to spend", utxo.TxID, utxo.Vout)
	}
	dest, err := ms.Coordinator.NewAddress("multisig-spend")
	if err != nil {
		return err
	}
	txHex, err := rt.CreateRawTransaction(
		[]regtest.Input{{TxID: utxo.TxID, Vout: utxo.Vout}},
		[]regtest.Output{{Address: dest, Amount: amount}},
	)
	if err != nil {
		return err
	}

	prevTxs := []regtest.PrevTx{{
		TxID:          utxo.TxID,
		Vout:          utxo.Vout,
		ScriptPubKey:  utxo.ScriptPubKey,
		WitnessScript: ms.RedeemScript,
		Amount:        utxo.Amount,
	}}
	for _, s := range cosigners {
		res, err := s.Wallet.SignRawTransaction(txHex, prevTxs)
		if err != nil {
			return fmt.Errorf("%s failed to sign: %w", s.Name, err)
		}
		txHex = res.Hex
		out.Signers = append(out.Signers, s.Name)
		if res.Complete {
			out.Complete = true
			break
		}
	}

	if !out.Complete {
		return &regtest.PartialSignatureError{
			Signers:  out.Signers,
			Required: ms.Required,
			Hex:      txHex,
		}
	}

	txid, err := rt.SendRawTransaction(txHex)
	if err != nil {
		return err
	}
	out.TxID = txid
	if _, err := rt.Warp(ms.Coordinator, 1); err != nil {
		return err
	}
	return nil
}
