package regtest

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotConverged is returned by RetryPolicy.Poll when the condition was
	// still false after the last attempt.
	ErrNotConverged = errors.New("condition not met within retry budget")
	// ErrIncompleteSignature is returned when a wallet-owned input could not
	// be signed by the wallet.
	ErrIncompleteSignature = errors.New("transaction not fully signed")
)

// Bitcoin Core error codes this package reacts to.
const (
	codeWalletError         = -4
	codeWalletNotFound      = -18
	codeWalletAlreadyLoaded = -35
)

// RPCError is an error reported by the node for a specific method.
type RPCError struct {
	Method  string
	Code    int
	Message string

	err error
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s: %s (code %d)", e.Method, e.Message, e.Code)
}

func (e *RPCError) Unwrap() error {
	return e.err
}

// IsRPCError reports whether err carries a node error with the given code.
func IsRPCError(err error, code int) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == code
}

// isDatabaseExists matches the createwallet failure returned when the wallet
// directory is already on disk but not loaded.
func isDatabaseExists(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == codeWalletError &&
		strings.Contains(strings.ToLower(rpcErr.Message), "database already exists")
}

func isAlreadyLoaded(err error) bool {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	return rpcErr.Code == codeWalletAlreadyLoaded ||
		strings.Contains(strings.ToLower(rpcErr.Message), "already loaded")
}

// WalletAcquisitionError is returned when a wallet could neither be reused,
// loaded nor created.
type WalletAcquisitionError struct {
	Name string
	Op   string
	Err  error
}

func (e *WalletAcquisitionError) Error() string {
	return fmt.Sprintf("acquire wallet %q: %s: %v", e.Name, e.Op, e.Err)
}

func (e *WalletAcquisitionError) Unwrap() error {
	return e.Err
}

// InsufficientFundsError is returned when a wallet cannot reach a balance
// threshold even after mining.
type InsufficientFundsError struct {
	Wallet string
	Have   decimal.Decimal
	Need   decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("wallet %q has %s BTC, needs %s BTC",
		e.Wallet, e.Have.StringFixed(8), e.Need.StringFixed(8))
}

// SyncTimeoutError describes a synchronizer that gave up polling. It is only
// ever logged as a warning.
type SyncTimeoutError struct {
	Wallet   string
	Attempts int
	Err      error
}

func (e *SyncTimeoutError) Error() string {
	return fmt.Sprintf("wallet %q not synced after %d attempts: %v",
		e.Wallet, e.Attempts, e.Err)
}

func (e *SyncTimeoutError) Unwrap() error {
	return e.Err
}

// PartialSignatureError reports a multisig transaction that the available
// signers could not complete. Below the quorum this is the expected outcome.
type PartialSignatureError struct {
	Signers  []string
	Required int
	Hex      string
}

func (e *PartialSignatureError) Error() string {
	return fmt.Sprintf("transaction partially signed by %s (%d signatures required)",
		strings.Join(e.Signers, ", "), e.Required)
}
