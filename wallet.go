package regtest

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Wallet is a handle on one node-managed wallet. Its connection is bound to
// the wallet's /wallet/<name> endpoint.
type Wallet struct {
	name     string
	rt       *Regtest
	client   requester
	shutdown func()
}

// Name returns the wallet name on the node.
func (w *Wallet) Name() string {
	return w.name
}

func (w *Wallet) call(method string, result interface{}, args ...interface{}) error {
	return w.rt.call(w.client, method, result, args...)
}

// EnsureWallet returns a handle on the named wallet, making sure the node has
// it loaded. It is idempotent across calls and process runs:
//
//   - loaded on the node: the wallet is reused;
//   - on disk but not loaded: the wallet is loaded;
//   - unknown: the wallet is created as a descriptor wallet.
//
// When createwallet reports that the database already exists (the wallet
// was written to disk but is not loaded, e.g. after a crash or a concurrent
// load), the load is retried once more. Any other failure is returned as a
// *WalletAcquisitionError.
func (rt *Regtest) EnsureWallet(name string) (*Wallet, error) {
	loaded, err := rt.ListWallets()
	if err != nil {
		return nil, &WalletAcquisitionError{Name: name, Op: "listwallets", Err: err}
	}

	if !contains(loaded, name) {
		if err := rt.loadOrCreate(name); err != nil {
			return nil, err
		}
	}

	w, err := rt.walletHandle(name)
	if err != nil {
		return nil, &WalletAcquisitionError{Name: name, Op: "connect", Err: err}
	}
	return w, nil
}

func (rt *Regtest) loadOrCreate(name string) error {
	logger := log.WithField("wallet", name)

	loadErr := rt.LoadWallet(name)
	if loadErr == nil || isAlreadyLoaded(loadErr) {
		logger.Debug("wallet loaded")
		return nil
	}
	if !IsRPCError(loadErr, codeWalletNotFound) {
		logger.WithError(loadErr).Debug("load failed, trying to create wallet")
	}

	createErr := rt.CreateWallet(name)
	if createErr == nil {
		logger.Info("wallet created")
		return nil
	}
	if !isDatabaseExists(createErr) {
		return &WalletAcquisitionError{Name: name, Op: "createwallet", Err: createErr}
	}

	logger.WithError(createErr).Warn("wallet database exists but is not loaded, loading again")
	if err := rt.LoadWallet(name); err != nil && !isAlreadyLoaded(err) {
		return &WalletAcquisitionError{Name: name, Op: "loadwallet", Err: err}
	}
	return nil
}

// walletHandle returns the cached handle for name, dialing a new wallet
// connection on first use.
func (rt *Regtest) walletHandle(name string) (*Wallet, error) {
	rt.mtx.Lock()
	defer rt.mtx.Unlock()

	if w, ok := rt.wallets[name]; ok {
		return w, nil
	}

	client, shutdown, err := rt.dial(rt.cfg.WalletConnConfig(name))
	if err != nil {
		return nil, err
	}
	w := &Wallet{
		name:     name,
		rt:       rt,
		client:   client,
		shutdown: shutdown,
	}
	rt.wallets[name] = w
	return w, nil
}

// Wallet returns the handle of a wallet previously acquired with
// EnsureWallet.
func (rt *Regtest) Wallet(name string) (*Wallet, bool) {
	rt.mtx.Lock()
	defer rt.mtx.Unlock()

	w, ok := rt.wallets[name]
	return w, ok
}

// UnloadWallet unloads the named wallet from the node and drops its handle.
func (rt *Regtest) UnloadWallet(name string) error {
	rt.mtx.Lock()
	if w, ok := rt.wallets[name]; ok {
		w.shutdown()
		delete(rt.wallets, name)
	}
	rt.mtx.Unlock()

	if err := rt.call(rt.base, "unloadwallet", nil, name); err != nil {
		return fmt.Errorf("failed to unload wallet %q: %w", name, err)
	}
	return nil
}

// ListWallets returns the names of the wallets currently loaded by the node.
func (rt *Regtest) ListWallets() ([]string, error) {
	var names []string
	if err := rt.call(rt.base, "listwallets", &names); err != nil {
		return nil, err
	}
	return names, nil
}

// LoadWallet loads a wallet that exists on the node's disk.
func (rt *Regtest) LoadWallet(name string) error {
	return rt.call(rt.base, "loadwallet", nil, name)
}

// CreateWallet creates a descriptor wallet with private keys that is loaded
// on node startup.
func (rt *Regtest) CreateWallet(name string) error {
	const (
		disablePrivateKeys = false
		blank              = false
		passphrase         = ""
		avoidReuse         = false
		descriptors        = true
		loadOnStartup      = true
	)
	return rt.call(rt.base, "createwallet", nil, name, disablePrivateKeys,
		blank, passphrase, avoidReuse, descriptors, loadOnStartup)
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
