package keys

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

var (
	// ErrNullDerivationPath is returned when parsing an empty path.
	ErrNullDerivationPath = errors.New("derivation path must not be null")
	// ErrMalformedDerivationPath is returned for paths with empty elements.
	ErrMalformedDerivationPath = errors.New("malformed derivation path")
)

// DerivationPath is the binary form of a bip32 path.
type DerivationPath []uint32

// DefaultAccountPath is m/84'/1'/0', the native segwit account on test
// networks.
var DefaultAccountPath = DerivationPath{
	hdkeychain.HardenedKeyStart + 84,
	hdkeychain.HardenedKeyStart + 1,
	hdkeychain.HardenedKeyStart + 0,
}

// ParseDerivationPath parses absolute ("m/84'/1'/0'") and relative
// ("/84h/1h/0h", as found in descriptor key origins) paths. Both ' and h
// mark hardened elements.
func ParseDerivationPath(strPath string) (DerivationPath, error) {
	strPath = strings.TrimSpace(strPath)
	if strPath == "" {
		return nil, ErrNullDerivationPath
	}

	elems := strings.Split(strPath, "/")
	switch {
	case strings.TrimSpace(elems[0]) == "m":
		elems = elems[1:]
	case elems[0] == "":
		// key origin form: leading slash after the fingerprint
		elems = elems[1:]
	}
	if len(elems) == 0 || containsEmptyString(elems) {
		return nil, ErrMalformedDerivationPath
	}

	path := make(DerivationPath, 0, len(elems))
	for _, elem := range elems {
		elem = strings.TrimSpace(elem)
		var value uint32

		if strings.HasSuffix(elem, "'") || strings.HasSuffix(elem, "h") {
			value = hdkeychain.HardenedKeyStart
			elem = elem[:len(elem)-1]
		}

		n, err := strconv.ParseUint(elem, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid elem '%s' in path", elem)
		}
		if value != 0 && n >= hdkeychain.HardenedKeyStart {
			return nil, fmt.Errorf("elem %d must be in hardened range [0, %d]",
				n, hdkeychain.HardenedKeyStart-1)
		}
		path = append(path, value+uint32(n))
	}

	return path, nil
}

// String converts a binary derivation path to its canonical representation.
func (path DerivationPath) String() string {
	if len(path) == 0 {
		return ""
	}

	result := "m"
	for _, component := range path {
		var hardened bool
		if component >= hdkeychain.HardenedKeyStart {
			component -= hdkeychain.HardenedKeyStart
			hardened = true
		}
		result = fmt.Sprintf("%s/%d", result, component)
		if hardened {
			result += "'"
		}
	}
	return result
}

// Account returns the first three elements of path, or nil if path is
// shorter. Key paths reported for addresses (m/84'/1'/0'/0/5) reduce to the
// account the extended key was exported at.
func (path DerivationPath) Account() DerivationPath {
	if len(path) < 3 {
		return nil
	}
	return path[:3]
}

func containsEmptyString(composedPath []string) bool {
	for _, s := range composedPath {
		if strings.TrimSpace(s) == "" {
			return true
		}
	}
	return false
}
