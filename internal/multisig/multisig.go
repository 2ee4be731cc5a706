// Package multisig assembles a funded k-of-n P2WSH multisig out of node
// wallets.
package multisig

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	regtest "github.com/neverDefined/regtest-scenarios"
	"github.com/neverDefined/regtest-scenarios/internal/keys"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// maxSigners is the largest n accepted by CHECKMULTISIG in standard scripts.
const maxSigners = 15

var (
	// ErrMultisigMismatch is returned when the node derives a different
	// address or script than the local derivation for the same keys.
	ErrMultisigMismatch = errors.New("node multisig does not match local derivation")
	// ErrInvalidQuorum is returned for quorums outside 1 <= k <= n <= 15.
	ErrInvalidQuorum = errors.New("invalid multisig quorum")
	// ErrNoSigners is returned when selecting a coordinator among no signers.
	ErrNoSigners = errors.New("no signers")
)

// Signer is one wallet taking part in a multisig with its key material.
type Signer struct {
	keys.Material
	Name   string
	Wallet *regtest.Wallet
}

// Context describes an assembled and funded multisig. Address and
// RedeemScript only depend on Required and the ordered signer pubkeys.
type Context struct {
	Scenario     string
	Address      string
	RedeemScript string
	Descriptor   string
	Required     int
	Total        int
	Signers      []Signer
	Coordinator  *regtest.Wallet
	FundingTxID  string
	FundedAmount decimal.Decimal
}

// Cosigners returns the signers other than the coordinator.
func (c *Context) Cosigners() []Signer {
	out := make([]Signer, 0, len(c.Signers))
	for _, s := range c.Signers {
		if s.Wallet != c.Coordinator {
			out = append(out, s)
		}
	}
	return out
}

// PubKeys returns the signer pubkeys in multisig order.
func (c *Context) PubKeys() []string {
	return pubKeys(c.Signers)
}

// Policy holds the funding amounts and mining budgets used while assembling.
type Policy struct {
	// FundingThreshold is the balance every signer must reach.
	FundingThreshold decimal.Decimal
	// FundingRounds are the block counts of the escalating mining rounds used
	// to reach FundingThreshold.
	FundingRounds []int
	// SpendThreshold is the balance the coordinator must exceed before it
	// funds the multisig.
	SpendThreshold decimal.Decimal
	// TopUpBlocks are mined to every signer when the coordinator is below
	// SpendThreshold.
	TopUpBlocks int
	// FundingAmount is sent from the coordinator to the multisig address.
	FundingAmount decimal.Decimal
}

// DefaultPolicy returns the thresholds used by the scenarios.
func DefaultPolicy() Policy {
	return Policy{
		FundingThreshold: decimal.NewFromInt(20),
		FundingRounds:    []int{101, 200},
		SpendThreshold:   decimal.NewFromInt(15),
		TopUpBlocks:      101,
		FundingAmount:    decimal.NewFromInt(1),
	}
}

// Assembler builds multisig contexts on one node.
type Assembler struct {
	rt     *regtest.Regtest
	policy Policy
}

// NewAssembler returns an Assembler using rt and policy.
func NewAssembler(rt *regtest.Regtest, policy Policy) *Assembler {
	return &Assembler{rt: rt, policy: policy}
}

// Policy returns the assembler's funding policy.
func (a *Assembler) Policy() Policy {
	return a.policy
}

// SignerName returns the wallet name of the 1-based signer slot of scenario.
func SignerName(scenario string, slot int) string {
	return fmt.Sprintf("%s_signer_%d", scenario, slot)
}

// Assemble acquires, funds and extracts total signer wallets for scenario,
// builds the required-of-total multisig over their keys and funds it from the
// coordinator. Every error is fatal to the scenario.
func (a *Assembler) Assemble(scenario string, required, total int) (*Context, error) {
	if required < 1 || required > total || total > maxSigners {
		return nil, fmt.Errorf("%w: %d-of-%d", ErrInvalidQuorum, required, total)
	}
	logger := log.WithField("scenario", scenario)

	signers := make([]Signer, 0, total)
	for i := 0; i < total; i++ {
		name := SignerName(scenario, i+1)

		w, err := a.rt.EnsureWallet(name)
		if err != nil {
			return nil, err
		}
		if err := a.FundSigner(w); err != nil {
			return nil, err
		}
		m, err := keys.Extract(w, a.rt.Params(), i)
		if err != nil {
			return nil, err
		}
		logger.WithFields(log.Fields{
			"signer": name,
			"xfp":    m.Fingerprint,
			"trust":  m.Trust.String(),
		}).Info("signer ready")

		signers = append(signers, Signer{Material: *m, Name: name, Wallet: w})
	}

	coordinator, err := SelectCoordinator(signers)
	if err != nil {
		return nil, err
	}
	if err := a.ensureSpendable(coordinator, signers); err != nil {
		return nil, err
	}

	ctx, err := a.build(scenario, required, signers)
	if err != nil {
		return nil, err
	}
	ctx.Coordinator = coordinator.Wallet

	if err := a.fund(ctx); err != nil {
		return nil, err
	}
	logger.WithFields(log.Fields{
		"address": ctx.Address,
		"quorum":  fmt.Sprintf("%d-of-%d", required, total),
		"txid":    ctx.FundingTxID,
	}).Info("multisig funded")

	return ctx, nil
}

// FundSigner mines to w until its balance reaches the funding threshold,
// escalating through the policy's mining rounds and forcing a final rescan.
// It returns an *regtest.InsufficientFundsError if the threshold is still not
// met.
func (a *Assembler) FundSigner(w *regtest.Wallet) error {
	need := a.policy.FundingThreshold

	balance, err := w.Balance()
	if err != nil {
		return fmt.Errorf("failed to get balance of %q: %w", w.Name(), err)
	}
	if balance.GreaterThanOrEqual(need) {
		return nil
	}

	for _, blocks := range a.policy.FundingRounds {
		if _, err := a.rt.Warp(w, blocks); err != nil {
			return err
		}
		a.rt.Sync(w)

		balance, err = w.Balance()
		if err != nil {
			return fmt.Errorf("failed to get balance of %q: %w", w.Name(), err)
		}
		if balance.GreaterThanOrEqual(need) {
			return nil
		}
	}

	log.WithField("wallet", w.Name()).Warn("signer still underfunded, forcing rescan")
	if _, err := w.Rescan(); err != nil {
		log.WithError(err).WithField("wallet", w.Name()).Warn("rescan failed")
	}
	balance, err = w.Balance()
	if err != nil {
		return fmt.Errorf("failed to get balance of %q: %w", w.Name(), err)
	}
	if balance.LessThan(need) {
		return &regtest.InsufficientFundsError{Wallet: w.Name(), Have: balance, Need: need}
	}
	return nil
}

// SelectCoordinator returns the signer whose wallet funds the multisig and
// receives scenario transactions. The choice is always the first signer so
// that runs are reproducible.
func SelectCoordinator(signers []Signer) (Signer, error) {
	if len(signers) == 0 {
		return Signer{}, ErrNoSigners
	}
	return signers[0], nil
}

func (a *Assembler) ensureSpendable(coordinator Signer, signers []Signer) error {
	need := a.policy.SpendThreshold

	balance, err := coordinator.Wallet.Balance()
	if err != nil {
		return err
	}
	if balance.GreaterThan(need) {
		return nil
	}

	log.WithFields(log.Fields{
		"coordinator": coordinator.Name,
		"balance":     balance.StringFixed(8),
	}).Warn("coordinator below spend threshold, mining to every signer")
	for _, s := range signers {
		if _, err := a.rt.Warp(s.Wallet, a.policy.TopUpBlocks); err != nil {
			return err
		}
	}
	for _, s := range signers {
		a.rt.Sync(s.Wallet)
	}

	balance, err = coordinator.Wallet.Balance()
	if err != nil {
		return err
	}
	if !balance.GreaterThan(need) {
		return &regtest.InsufficientFundsError{Wallet: coordinator.Name, Have: balance, Need: need}
	}
	return nil
}

// build derives the multisig locally and checks the node agrees.
func (a *Assembler) build(scenario string, required int, signers []Signer) (*Context, error) {
	pks := pubKeys(signers)

	script, addr, err := ScriptFor(a.rt.Params(), required, pks)
	if err != nil {
		return nil, err
	}
	info, err := a.rt.CreateMultisig(required, pks)
	if err != nil {
		return nil, fmt.Errorf("failed to create multisig: %w", err)
	}

	scriptHex := hex.EncodeToString(script)
	if info.Address != addr.EncodeAddress() || info.RedeemScript != scriptHex {
		return nil, fmt.Errorf("%w: node %s, local %s", ErrMultisigMismatch,
			info.Address, addr.EncodeAddress())
	}

	return &Context{
		Scenario:     scenario,
		Address:      info.Address,
		RedeemScript: scriptHex,
		Descriptor:   info.Descriptor,
		Required:     required,
		Total:        len(signers),
		Signers:      signers,
	}, nil
}

func (a *Assembler) fund(ctx *Context) error {
	txid, err := ctx.Coordinator.SendToAddress(ctx.Address, a.policy.FundingAmount, false)
	if err != nil {
		return fmt.Errorf("failed to fund multisig: %w", err)
	}
	if _, err := a.rt.Warp(ctx.Coordinator, 1); err != nil {
		return err
	}
	for _, s := range ctx.Signers {
		a.rt.Sync(s.Wallet)
	}

	ctx.FundingTxID = txid
	ctx.FundedAmount = a.policy.FundingAmount
	return nil
}

// ScriptFor returns the required-of-len(pubKeys) CHECKMULTISIG witness
// script over the hex pubkeys, in the given order, and its P2WSH address.
func ScriptFor(params *chaincfg.Params, required int,
	pubKeys []string) ([]byte, *btcutil.AddressWitnessScriptHash, error) {

	if required < 1 || required > len(pubKeys) || len(pubKeys) > maxSigners {
		return nil, nil, fmt.Errorf("%w: %d-of-%d", ErrInvalidQuorum, required, len(pubKeys))
	}

	addrs := make([]*btcutil.AddressPubKey, 0, len(pubKeys))
	for _, k := range pubKeys {
		b, err := hex.DecodeString(k)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid pubkey %q: %w", k, err)
		}
		pk, err := btcutil.NewAddressPubKey(b, params)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid pubkey %q: %w", k, err)
		}
		addrs = append(addrs, pk)
	}

	script, err := txscript.MultiSigScript(addrs, required)
	if err != nil {
		return nil, nil, err
	}
	hash := sha256.Sum256(script)
	addr, err := btcutil.NewAddressWitnessScriptHash(hash[:], params)
	if err != nil {
		return nil, nil, err
	}
	return script, addr, nil
}

func pubKeys(signers []Signer) []string {
	out := make([]string, 0, len(signers))
	for _, s := range signers {
		out = append(out, s.PubKey)
	}
	return out
}
