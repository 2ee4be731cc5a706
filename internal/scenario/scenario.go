// Package scenario runs the transaction-graph generators against an
// assembled multisig and exports the resulting Caravan fixtures.
package scenario

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	regtest "github.com/neverDefined/regtest-scenarios"
	"github.com/neverDefined/regtest-scenarios/internal/caravan"
	"github.com/neverDefined/regtest-scenarios/internal/multisig"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// All selects every registered scenario.
const All = "all"

// Scenario is a named generator together with the quorum it needs.
type Scenario struct {
	Name        string
	Required    int
	Total       int
	Description string
	Run         func(r *Run) error
}

// registry lists scenarios in the order "all" runs them.
var registry = []Scenario{
	{
		Name:        "privacy-good",
		Required:    2,
		Total:       2,
		Description: "ten payments to ten fresh addresses, one block each",
		Run:         privacyGood,
	},
	{
		Name:        "privacy-moderate",
		Required:    2,
		Total:       2,
		Description: "address reuse, mixed into a fresh address",
		Run:         privacyModerate,
	},
	{
		Name:        "privacy-bad",
		Required:    2,
		Total:       3,
		Description: "address reuse, mixed back into the reused address",
		Run:         privacyBad,
	},
	{
		Name:        "waste-heavy",
		Required:    2,
		Total:       3,
		Description: "dust, fragmentation, consolidation, OP_RETURN, RBF and unconfirmed chains",
		Run:         wasteHeavy,
	},
}

// Names returns the registered scenario names in run order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for _, s := range registry {
		names = append(names, s.Name)
	}
	return names
}

// Lookup returns the scenario called name.
func Lookup(name string) (Scenario, bool) {
	for _, s := range registry {
		if s.Name == name {
			return s, true
		}
	}
	return Scenario{}, false
}

// Resolve expands a --scenario value into the scenarios to run.
func Resolve(name string) ([]Scenario, error) {
	if name == All {
		return append([]Scenario(nil), registry...), nil
	}
	s, ok := Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown scenario %q, expected one of: %s, %s",
			name, strings.Join(Names(), ", "), All)
	}
	return []Scenario{s}, nil
}

// Env is what every scenario run needs from the outside.
type Env struct {
	RT        *regtest.Regtest
	Assembler *multisig.Assembler
	Network   string
	OutputDir string
}

// Result summarizes the on-chain effects of one scenario run.
type Result struct {
	Scenario    string
	RunID       uuid.UUID
	Address     string
	TxIDs       []string
	BlocksMined int
	Height      int64
	Balances    map[string]decimal.Decimal
	FixturePath string
	Spend       *SpendOutcome
}

// Run is the state handed to a generator: the multisig it works on and the
// result it fills in.
type Run struct {
	env    Env
	ms     *multisig.Context
	log    *log.Entry
	result *Result
}

// Coordinator returns the wallet that funds every scenario transaction.
func (r *Run) Coordinator() *regtest.Wallet {
	return r.ms.Coordinator
}

func (r *Run) record(txids ...string) {
	r.result.TxIDs = append(r.result.TxIDs, txids...)
}

// confirm mines one block to the coordinator and waits for it to be
// indexed.
func (r *Run) confirm() error {
	if _, err := r.env.RT.Warp(r.Coordinator(), 1); err != nil {
		return fmt.Errorf("failed to confirm: %w", err)
	}
	r.result.BlocksMined++
	r.env.RT.Sync(r.Coordinator())
	return nil
}

// Execute assembles the multisig of s, runs its generator and writes its
// fixture. With spendTest set the multisig spend check runs afterwards; its
// outcome is reported in the result and never fails the run.
func Execute(env Env, s Scenario, spendTest bool) (*Result, error) {
	result := &Result{
		Scenario: s.Name,
		RunID:    uuid.New(),
		Balances: make(map[string]decimal.Decimal),
	}
	logger := log.WithFields(log.Fields{
		"scenario": s.Name,
		"run":      result.RunID.String(),
	})
	logger.Infof("running scenario: %s", s.Description)

	ms, err := env.Assembler.Assemble(s.Name, s.Required, s.Total)
	if err != nil {
		return nil, fmt.Errorf("failed to assemble multisig for %s: %w", s.Name, err)
	}
	result.Address = ms.Address

	r := &Run{env: env, ms: ms, log: logger, result: result}
	if err := s.Run(r); err != nil {
		return nil, fmt.Errorf("scenario %s failed: %w", s.Name, err)
	}

	fixture := caravan.NewFixture(ms, env.Network)
	path, err := caravan.Write(env.OutputDir, s.Name, fixture)
	if err != nil {
		return nil, fmt.Errorf("failed to write fixture for %s: %w", s.Name, err)
	}
	result.FixturePath = path
	logger.WithField("path", path).Info("caravan fixture written")

	if spendTest {
		result.Spend = SpendTest(env.RT, ms)
	}

	for _, signer := range ms.Signers {
		balance, err := signer.Wallet.Balance()
		if err != nil {
			logger.WithError(err).WithField("wallet", signer.Name).Warn("failed to read balance")
			continue
		}
		result.Balances[signer.Name] = balance
	}

	if height, err := env.RT.GetBlockCount(); err == nil {
		result.Height = height
	} else {
		logger.WithError(err).Warn("failed to read chain height")
	}

	logger.WithFields(log.Fields{
		"txs":    len(result.TxIDs),
		"blocks": result.BlocksMined,
		"height": result.Height,
	}).Info("scenario completed")
	return result, nil
}
