package scenario

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	regtest "github.com/neverDefined/regtest-scenarios"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

const (
	dustOutputs         = 20
	fragmentSends       = 15
	oddSends            = 8
	maxConsolidateInput = 10
	maxDataTxs          = 5
)

var (
	dustAmount        = decimal.RequireFromString("0.00001")
	fragmentAmount    = decimal.RequireFromString("0.1")
	oddAmount         = decimal.RequireFromString("0.12345678")
	consolidateBelow  = decimal.RequireFromString("0.5")
	consolidateFee    = decimal.RequireFromString("0.01")
	dataInputAbove    = decimal.RequireFromString("0.01")
	dataFee           = decimal.RequireFromString("0.0001")
	replaceableAmount = decimal.RequireFromString("0.5")
	chainAmount       = decimal.NewFromInt(1)
	chainFee          = decimal.RequireFromString("0.0001")

	// bumpFeeRates are the sat/vB rates of the successive fee bumps.
	bumpFeeRates = []int64{10, 15, 20}
)

var errNothingToSpend = errors.New("no suitable unspent output")

type wasteStep struct {
	name string
	run  func(r *Run) error
}

var wasteSteps = []wasteStep{
	{"dust outputs", dustStep},
	{"fragmentation", fragmentStep},
	{"odd amounts", oddAmountStep},
	{"consolidation", consolidateStep},
	{"op_return", dataStep},
	{"fee bumps", bumpStep},
	{"unconfirmed chain", chainStep},
}

// wasteHeavy runs every waste pattern in turn. A failing pattern is logged
// and the next one still runs; only mining failures abort the scenario.
func wasteHeavy(r *Run) error {
	for i, step := range wasteSteps {
		logger := r.log.WithFields(log.Fields{"step": i + 1, "pattern": step.name})

		if err := step.run(r); err != nil {
			if errors.Is(err, errNothingToSpend) {
				logger.Info("pattern skipped, no suitable unspent output")
			} else {
				logger.WithError(err).Warn("pattern failed")
			}
		} else {
			logger.Info("pattern done")
		}

		if err := r.confirm(); err != nil {
			return err
		}
	}
	return nil
}

// dustStep pays many fresh addresses a dust amount in a single transaction.
func dustStep(r *Run) error {
	w := r.Coordinator()
	amounts := make(regtest.Amounts, dustOutputs)
	for i := 0; i < dustOutputs; i++ {
		addr, err := w.NewAddress(fmt.Sprintf("dust-%d", i))
		if err != nil {
			return err
		}
		amounts[addr] = dustAmount
	}

	txid, err := w.SendMany(amounts)
	if err != nil {
		return err
	}
	r.record(txid)
	return nil
}

func fragmentStep(r *Run) error {
	return repeatSend(r, fragmentSends, fragmentAmount, "fragment")
}

func oddAmountStep(r *Run) error {
	return repeatSend(r, oddSends, oddAmount, "odd")
}

func repeatSend(r *Run, n int, amount decimal.Decimal, label string) error {
	w := r.Coordinator()
	for i := 0; i < n; i++ {
		addr, err := w.NewAddress(fmt.Sprintf("%s-%d", label, i))
		if err != nil {
			return err
		}
		txid, err := w.SendToAddress(addr, amount, false)
		if err != nil {
			return fmt.Errorf("send %d of %d: %w", i+1, n, err)
		}
		r.record(txid)
	}
	return nil
}

// consolidateStep merges the largest outputs below consolidateBelow into one
// while overpaying the fee.
func consolidateStep(r *Run) error {
	w := r.Coordinator()
	unspents, err := w.ListUnspent(1, maxConf)
	if err != nil {
		return err
	}

	small := make([]regtest.Unspent, 0, len(unspents))
	for _, u := range unspents {
		if u.Amount.LessThan(consolidateBelow) {
			small = append(small, u)
		}
	}
	// largest first
	sort.SliceStable(small, func(i, j int) bool {
		return small[i].Amount.GreaterThan(small[j].Amount)
	})
	if len(small) > maxConsolidateInput {
		small = small[:maxConsolidateInput]
	}
	inputs, total := collect(small)
	amount := total.Sub(consolidateFee)
	if len(inputs) == 0 || !amount.IsPositive() {
		return errNothingToSpend
	}

	dest, err := w.NewAddress("consolidated")
	if err != nil {
		return err
	}
	txid, err := w.Spend(inputs, []regtest.Output{{Address: dest, Amount: amount}})
	if err != nil {
		return err
	}
	r.record(txid)
	r.log.WithFields(log.Fields{
		"inputs": len(inputs),
		"txid":   txid,
	}).Debug("outputs consolidated")
	return nil
}

// dataStep spends distinct inputs to a payment plus an OP_RETURN output.
// Each transaction is attempted on its own.
func dataStep(r *Run) error {
	w := r.Coordinator()
	unspents, err := w.ListUnspent(1, maxConf)
	if err != nil {
		return err
	}

	var sent int
	for _, u := range unspents {
		if sent == maxDataTxs {
			break
		}
		if !u.Amount.GreaterThan(dataInputAbove) {
			continue
		}

		payload := fmt.Sprintf("waste-heavy %d", sent+1)
		txid, err := sendWithData(w, u, payload)
		if err != nil {
			r.log.WithError(err).WithField("input", fmt.Sprintf("%s:%d", u.TxID, u.Vout)).
				Warn("op_return transaction failed")
			continue
		}
		r.record(txid)
		sent++
	}
	if sent == 0 {
		return errNothingToSpend
	}
	return nil
}

func sendWithData(w *regtest.Wallet, u regtest.Unspent, payload string) (string, error) {
	dest, err := w.NewAddress("data")
	if err != nil {
		return "", err
	}
	outputs := []regtest.Output{
		{Address: dest, Amount: u.Amount.Sub(dataFee)},
		{Data: hex.EncodeToString([]byte(payload))},
	}
	return w.Spend([]regtest.Input{{TxID: u.TxID, Vout: u.Vout}}, outputs)
}

// bumpStep sends an opt-in RBF payment and bumps its fee several times.
func bumpStep(r *Run) error {
	w := r.Coordinator()
	addr, err := w.NewAddress("replaceable")
	if err != nil {
		return err
	}
	txid, err := w.SendToAddress(addr, replaceableAmount, true)
	if err != nil {
		return err
	}

	final, bumped := bumpChain(w, txid, bumpFeeRates, r.log)
	r.record(final)
	r.log.WithFields(log.Fields{
		"original": txid,
		"final":    final,
		"bumps":    bumped,
	}).Debug("fee bumps done")
	return nil
}

// bumper is implemented by *regtest.Wallet.
type bumper interface {
	BumpFee(txid string, feeRate int64) (*regtest.BumpResult, error)
}

// bumpChain bumps txid once per rate. A failed bump is logged and the next
// rate is tried against the last successful replacement. It returns that
// replacement's txid and the number of successful bumps.
func bumpChain(b bumper, txid string, rates []int64, logger *log.Entry) (string, int) {
	current := txid
	var bumped int
	for i, rate := range rates {
		res, err := b.BumpFee(current, rate)
		if err != nil {
			logger.WithError(err).WithFields(log.Fields{
				"attempt":  i + 1,
				"fee_rate": rate,
			}).Warn("fee bump failed")
			continue
		}
		current = res.TxID
		bumped++
	}
	return current, bumped
}

// chainStep builds parent, child and grandchild transactions without mining
// in between. The confirming block is mined by wasteHeavy.
func chainStep(r *Run) error {
	w := r.Coordinator()
	addrs := make([]string, 3)
	for i, label := range []string{"parent", "child", "grandchild"} {
		addr, err := w.NewAddress(label)
		if err != nil {
			return err
		}
		addrs[i] = addr
	}

	parent, err := w.SendToAddress(addrs[0], chainAmount, false)
	if err != nil {
		return fmt.Errorf("parent: %w", err)
	}
	r.record(parent)

	vout, err := findOutput(w, parent, addrs[0])
	if err != nil {
		return fmt.Errorf("parent: %w", err)
	}

	childAmount := chainAmount.Sub(chainFee)
	child, err := w.Spend(
		[]regtest.Input{{TxID: parent, Vout: vout}},
		[]regtest.Output{{Address: addrs[1], Amount: childAmount}},
	)
	if err != nil {
		return fmt.Errorf("child: %w", err)
	}
	r.record(child)

	grandchild, err := w.Spend(
		[]regtest.Input{{TxID: child, Vout: 0}},
		[]regtest.Output{{Address: addrs[2], Amount: childAmount.Sub(chainFee)}},
	)
	if err != nil {
		return fmt.Errorf("grandchild: %w", err)
	}
	r.record(grandchild)

	if info, err := r.env.RT.MempoolInfo(); err == nil {
		r.log.WithField("mempool", info.Size).Debug("unconfirmed chain pending")
	}
	return nil
}

// findOutput returns the index of the unconfirmed output of txid paying addr.
func findOutput(w *regtest.Wallet, txid, addr string) (uint32, error) {
	unspents, err := w.ListUnspent(0, 0, addr)
	if err != nil {
		return 0, err
	}
	for _, u := range unspents {
		if u.TxID == txid {
			return u.Vout, nil
		}
	}
	return 0, fmt.Errorf("output of %s paying %s not found", txid, addr)
}
