// Package keys extracts the public key material of a node wallet needed to
// describe it as a multisig signer.
package keys

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	regtest "github.com/neverDefined/regtest-scenarios"
	log "github.com/sirupsen/logrus"
)

// Trust tells how the key material was obtained, from most to least
// reliable.
type Trust int

const (
	// TrustDescriptor means the xpub and fingerprint were parsed from the
	// wallet's own active descriptor.
	TrustDescriptor Trust = iota
	// TrustMetadata means the fingerprint comes from wallet metadata and the
	// xpub is a placeholder.
	TrustMetadata
	// TrustPlaceholder means both xpub and fingerprint are synthesized. They
	// are well formed but cannot be re-derived from the wallet seed.
	TrustPlaceholder
)

func (t Trust) String() string {
	switch t {
	case TrustDescriptor:
		return "descriptor"
	case TrustMetadata:
		return "metadata"
	case TrustPlaceholder:
		return "placeholder"
	default:
		return fmt.Sprintf("Trust(%d)", int(t))
	}
}

// Source is the subset of wallet calls the extractor relies on.
// *regtest.Wallet implements it.
type Source interface {
	Name() string
	NewAddress(label string) (string, error)
	AddressInfo(addr string) (*regtest.AddressInfo, error)
	ListDescriptors() ([]regtest.Descriptor, error)
	Info() (*regtest.WalletInfo, error)
}

// Material is the key triple of one signer plus the path of its xpub.
type Material struct {
	PubKey      string
	XPub        string
	Fingerprint string
	Path        DerivationPath
	Trust       Trust
}

// keyOriginPattern matches "[fingerprint/path]xpub" inside a descriptor.
var keyOriginPattern = regexp.MustCompile(
	`\[([0-9a-fA-F]{8})(/[^\]]*)?\]([xt]pub[1-9A-HJ-NP-Za-km-z]+)`)

// Extract returns the key material of src. It tries, in order:
//
//  1. the first active receive descriptor of the form wpkh([fp/path]xpub/0/*);
//  2. the master fingerprint or seed id reported by the wallet, with a
//     placeholder xpub;
//  3. a placeholder xpub and fingerprint derived from index and the pubkey.
//
// The public key always comes from a fresh bech32 address of src, so an
// error is only returned when the wallet cannot hand one out.
func Extract(src Source, params *chaincfg.Params, index int) (*Material, error) {
	logger := log.WithField("wallet", src.Name())

	addr, err := src.NewAddress("")
	if err != nil {
		return nil, fmt.Errorf("failed to get address for %q: %w", src.Name(), err)
	}
	info, err := src.AddressInfo(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to get address info for %q: %w", src.Name(), err)
	}
	pubKey, err := parsePubKey(info.PubKey)
	if err != nil {
		return nil, fmt.Errorf("wallet %q returned invalid pubkey: %w", src.Name(), err)
	}

	m, err := fromDescriptors(src, params)
	if err == nil {
		m.PubKey = info.PubKey
		return m, nil
	}
	logger.WithError(err).Debug("no usable descriptor, falling back to wallet metadata")

	m, err = fromMetadata(src, info, params, index, pubKey)
	if err == nil {
		return m, nil
	}
	logger.WithError(err).Warn("no wallet metadata, using placeholder key material")

	return Placeholder(params, index, pubKey), nil
}

func fromDescriptors(src Source, params *chaincfg.Params) (*Material, error) {
	descs, err := src.ListDescriptors()
	if err != nil {
		return nil, err
	}

	desc, ok := SelectReceiveDescriptor(descs)
	if !ok {
		return nil, fmt.Errorf("no active wpkh receive descriptor")
	}
	m, err := ParseKeyOrigin(desc.Desc)
	if err != nil {
		return nil, err
	}

	key, err := hdkeychain.NewKeyFromString(m.XPub)
	if err != nil {
		return nil, fmt.Errorf("invalid xpub in descriptor: %w", err)
	}
	if !key.IsForNet(params) {
		return nil, fmt.Errorf("xpub is not for network %s", params.Name)
	}
	return m, nil
}

// SelectReceiveDescriptor returns the first active, external descriptor for
// single-key native segwit outputs on the unhardened receive branch.
func SelectReceiveDescriptor(descs []regtest.Descriptor) (regtest.Descriptor, bool) {
	for _, d := range descs {
		if !d.Active || d.Internal {
			continue
		}
		if strings.HasPrefix(d.Desc, "wpkh(") && strings.Contains(d.Desc, "/0/*)") {
			return d, true
		}
	}
	return regtest.Descriptor{}, false
}

// ParseKeyOrigin extracts fingerprint, path and xpub from the first key
// origin found in desc. A missing path yields DefaultAccountPath.
func ParseKeyOrigin(desc string) (*Material, error) {
	match := keyOriginPattern.FindStringSubmatch(desc)
	if match == nil {
		return nil, fmt.Errorf("no key origin in descriptor %q", desc)
	}

	path := DefaultAccountPath
	if match[2] != "" {
		p, err := ParseDerivationPath(match[2])
		if err != nil {
			return nil, err
		}
		path = p
	}
	return &Material{
		XPub:        match[3],
		Fingerprint: strings.ToLower(match[1]),
		Path:        path,
		Trust:       TrustDescriptor,
	}, nil
}

func fromMetadata(src Source, info *regtest.AddressInfo, params *chaincfg.Params,
	index int, pubKey *btcec.PublicKey) (*Material, error) {

	fingerprint := info.HDMasterFingerprint
	if len(fingerprint) != 8 {
		wi, err := src.Info()
		if err != nil {
			return nil, err
		}
		if len(wi.HDSeedID) < 8 {
			return nil, fmt.Errorf("wallet reports neither fingerprint nor seed id")
		}
		fingerprint = wi.HDSeedID[:8]
	}

	m := Placeholder(params, index, pubKey)
	m.Fingerprint = strings.ToLower(fingerprint)
	m.Trust = TrustMetadata
	if p, err := ParseDerivationPath(info.HDKeyPath); err == nil && p.Account() != nil {
		m.Path = p.Account()
	}
	return m, nil
}

// Placeholder synthesizes a deterministic account-level xpub around pubKey.
// The chain code is sha256(index || pubkey) and the fingerprint the first
// four bytes of hash160(index || pubkey).
func Placeholder(params *chaincfg.Params, index int, pubKey *btcec.PublicKey) *Material {
	serialized := pubKey.SerializeCompressed()

	seed := make([]byte, 4, 4+len(serialized))
	binary.BigEndian.PutUint32(seed, uint32(index))
	seed = append(seed, serialized...)

	chainCode := sha256.Sum256(seed)
	fingerprint := btcutil.Hash160(seed)[:4]

	path := DefaultAccountPath
	key := hdkeychain.NewExtendedKey(params.HDPublicKeyID[:], serialized,
		chainCode[:], fingerprint, uint8(len(path)), path[len(path)-1], false)

	return &Material{
		PubKey:      hex.EncodeToString(serialized),
		XPub:        key.String(),
		Fingerprint: hex.EncodeToString(fingerprint),
		Path:        path,
		Trust:       TrustPlaceholder,
	}
}

func parsePubKey(s string) (*btcec.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return btcec.ParsePubKey(b)
}
