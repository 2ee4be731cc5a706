// Package caravan writes multisig wallet configurations in the format
// imported by the Caravan coordinator.
package caravan

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/neverDefined/regtest-scenarios/internal/keys"
	"github.com/neverDefined/regtest-scenarios/internal/multisig"
)

const (
	// AddressTypeP2WSH is the only address type produced by the assembler.
	AddressTypeP2WSH = "P2WSH"
	// MethodText marks keys entered as text rather than from a device.
	MethodText = "text"
)

var (
	// ErrInvalidFixture is wrapped by every Validate failure.
	ErrInvalidFixture = errors.New("invalid caravan fixture")
)

// Quorum is the k-of-n of the wallet.
type Quorum struct {
	RequiredSigners int `json:"requiredSigners"`
	TotalSigners    int `json:"totalSigners"`
}

// ExtendedPublicKey is one cosigner entry.
type ExtendedPublicKey struct {
	Name      string `json:"name"`
	XPub      string `json:"xpub"`
	BIP32Path string `json:"bip32Path"`
	XFP       string `json:"xfp"`
	Method    string `json:"method"`
}

// Fixture is a Caravan wallet configuration.
type Fixture struct {
	Name                 string              `json:"name"`
	AddressType          string              `json:"addressType"`
	Network              string              `json:"network"`
	Quorum               Quorum              `json:"quorum"`
	ExtendedPublicKeys   []ExtendedPublicKey `json:"extendedPublicKeys"`
	StartingAddressIndex int                 `json:"startingAddressIndex"`
}

// NewFixture describes the multisig in ctx for network, which may be a
// bitcoind chain name.
func NewFixture(ctx *multisig.Context, network string) *Fixture {
	xpubs := make([]ExtendedPublicKey, 0, len(ctx.Signers))
	for _, s := range ctx.Signers {
		path := s.Path
		if len(path) == 0 {
			path = keys.DefaultAccountPath
		}
		xpubs = append(xpubs, ExtendedPublicKey{
			Name:      s.Name,
			XPub:      s.XPub,
			BIP32Path: path.String(),
			XFP:       s.Fingerprint,
			Method:    MethodText,
		})
	}

	return &Fixture{
		Name:        fmt.Sprintf("%s multisig", ctx.Scenario),
		AddressType: AddressTypeP2WSH,
		Network:     NetworkName(network),
		Quorum: Quorum{
			RequiredSigners: ctx.Required,
			TotalSigners:    ctx.Total,
		},
		ExtendedPublicKeys:   xpubs,
		StartingAddressIndex: 0,
	}
}

// NetworkName maps bitcoind chain names to Caravan network names.
func NetworkName(network string) string {
	switch strings.ToLower(network) {
	case "main", "mainnet":
		return "mainnet"
	case "test", "testnet", "testnet3":
		return "testnet"
	case "signet":
		return "signet"
	default:
		return "regtest"
	}
}

// FileName returns the fixture file name of scenario.
func FileName(scenario string) string {
	return scenario + "_caravan.json"
}

// Validate checks the quorum and every cosigner entry.
func (f *Fixture) Validate() error {
	q := f.Quorum
	if q.RequiredSigners < 1 || q.RequiredSigners > q.TotalSigners {
		return fmt.Errorf("%w: quorum %d-of-%d", ErrInvalidFixture,
			q.RequiredSigners, q.TotalSigners)
	}
	if len(f.ExtendedPublicKeys) != q.TotalSigners {
		return fmt.Errorf("%w: %d keys for %d signers", ErrInvalidFixture,
			len(f.ExtendedPublicKeys), q.TotalSigners)
	}

	for _, k := range f.ExtendedPublicKeys {
		if _, err := hdkeychain.NewKeyFromString(k.XPub); err != nil {
			return fmt.Errorf("%w: xpub of %q: %v", ErrInvalidFixture, k.Name, err)
		}
		if b, err := hex.DecodeString(k.XFP); err != nil || len(b) != 4 {
			return fmt.Errorf("%w: xfp %q of %q", ErrInvalidFixture, k.XFP, k.Name)
		}
		if _, err := keys.ParseDerivationPath(k.BIP32Path); err != nil {
			return fmt.Errorf("%w: path of %q: %v", ErrInvalidFixture, k.Name, err)
		}
	}
	return nil
}

// Write validates f and writes it as indented JSON to
// <dir>/<scenario>_caravan.json, creating dir and replacing any previous
// file. It returns the written path.
func Write(dir, scenario string, f *Fixture) (string, error) {
	if err := f.Validate(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, FileName(scenario))
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return "", err
	}
	return path, nil
}

// Read loads a fixture written by Write.
func Read(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return &f, nil
}
