package regtest

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"go.uber.org/ratelimit"
)

// ---------------------------------------------------------------
//  Configuration
// ---------------------------------------------------------------

// Config describes how to reach a Bitcoin Core node and how patient the
// wallet synchronizer should be with it.
type Config struct {
	// Network is the chain name reported by the node: regtest, testnet,
	// signet or main.
	Network string
	// Host is the RPC endpoint as host:port, without scheme.
	Host string
	User string
	Pass string

	// DataDir and ExtraArgs are only used when the node is managed through
	// the bitcoind manager script.
	DataDir    string
	ExtraArgs  []string
	ScriptPath string

	// RateLimit caps RPC calls per second. Zero disables limiting.
	RateLimit int
	// SettleDelay is waited after every mining call.
	SettleDelay time.Duration
	// Sync is the polling budget used by Sync before it falls back to a
	// rescan.
	Sync RetryPolicy
	// RescanDelay is waited after a forced rescan.
	RescanDelay time.Duration
}

// DefaultConfig returns the settings of a stock local regtest node.
//
// Returns:
//   - *Config: a fresh copy that callers may modify freely
//
// Configuration details:
//   - Host: 127.0.0.1:18443 (standard regtest RPC port)
//   - Authentication: user/pass (default regtest credentials)
//   - Sync: 20 attempts, one second apart, then a rescan and a 2s pause
func DefaultConfig() *Config {
	return &Config{
		Network:     "regtest",
		Host:        "127.0.0.1:18443",
		User:        "user",
		Pass:        "pass",
		DataDir:     "./bitcoind_regtest",
		ScriptPath:  defaultScriptPath(),
		SettleDelay: 500 * time.Millisecond,
		Sync: RetryPolicy{
			Attempts: 20,
			Interval: time.Second,
		},
		RescanDelay: 2 * time.Second,
	}
}

// ConnConfig returns the wallet-less RPC connection config for the node.
// HTTP POST mode is enabled and TLS disabled, as bitcoind serves plain
// JSON-RPC over HTTP.
func (c *Config) ConnConfig() *rpcclient.ConnConfig {
	return &rpcclient.ConnConfig{
		Host:         c.Host,
		User:         c.User,
		Pass:         c.Pass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}
}

// WalletConnConfig returns a connection config whose requests are scoped to
// the named wallet through bitcoind's /wallet/<name> endpoint.
func (c *Config) WalletConnConfig(name string) *rpcclient.ConnConfig {
	cc := c.ConnConfig()
	cc.Host = strings.TrimSuffix(c.Host, "/") + "/wallet/" + name
	return cc
}

// Params maps the configured network name to btcd chain parameters.
func (c *Config) Params() (*chaincfg.Params, error) {
	return NetworkParams(c.Network)
}

// NetworkParams maps a bitcoind chain name to btcd chain parameters.
func NetworkParams(network string) (*chaincfg.Params, error) {
	switch strings.ToLower(network) {
	case "regtest", "":
		return &chaincfg.RegressionNetParams, nil
	case "testnet", "testnet3", "test":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "main", "mainnet":
		return &chaincfg.MainNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", network)
	}
}

// defaultScriptPath finds scripts/bitcoind_manager.sh by walking up from the
// working directory to the module root (the directory holding go.mod).
func defaultScriptPath() string {
	workDir, _ := os.Getwd()

	for {
		if _, err := os.Stat(filepath.Join(workDir, "go.mod")); err == nil {
			break
		}
		parent := filepath.Dir(workDir)
		if parent == workDir {
			break
		}
		workDir = parent
	}

	return filepath.Join(workDir, "scripts", "bitcoind_manager.sh")
}

// ---------------------------------------------------------------
//  Regtest context
// ---------------------------------------------------------------

// Regtest owns the base (wallet-less) RPC connection to one node and every
// per-wallet connection created during a run. It is the single value that
// scenario code receives; nothing in this package keeps global state.
type Regtest struct {
	cfg    *Config
	params *chaincfg.Params

	base     requester
	shutdown func()
	dial     dialer

	breaker *gobreaker.CircuitBreaker
	limiter ratelimit.Limiter
	metrics *Metrics
	sleep   func(time.Duration)

	// nodeMtx serialises start/stop/status calls to the manager script.
	nodeMtx sync.Mutex

	mtx     sync.Mutex
	wallets map[string]*Wallet
}

// Option customises a Regtest built by New.
type Option func(*Regtest)

// WithRegisterer registers the RPC metrics on reg instead of a private
// registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(rt *Regtest) {
		rt.metrics = NewMetrics(reg)
	}
}

// WithSleeper replaces time.Sleep for every settle, sync poll and rescan
// delay.
func WithSleeper(sleep func(time.Duration)) Option {
	return func(rt *Regtest) {
		rt.sleep = sleep
	}
}

// New connects to the node described by cfg. A nil cfg means DefaultConfig.
// No request is sent until the first call; use HealthCheck to probe the
// node.
func New(cfg *Config, opts ...Option) (*Regtest, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	params, err := cfg.Params()
	if err != nil {
		return nil, err
	}

	rt := &Regtest{
		cfg:     cfg,
		params:  params,
		dial:    dialRPC,
		breaker: newCircuitBreaker(cfg.Host),
		sleep:   time.Sleep,
		wallets: make(map[string]*Wallet),
	}
	for _, opt := range opts {
		opt(rt)
	}
	if rt.metrics == nil {
		rt.metrics = NewMetrics(prometheus.NewRegistry())
	}
	if cfg.RateLimit > 0 {
		rt.limiter = ratelimit.New(cfg.RateLimit)
	} else {
		rt.limiter = ratelimit.NewUnlimited()
	}

	base, shutdown, err := rt.dial(cfg.ConnConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to connect via rpc client: %w", err)
	}
	rt.base = base
	rt.shutdown = shutdown

	return rt, nil
}

// Config returns the configuration the instance was built with.
func (rt *Regtest) Config() *Config {
	return rt.cfg
}

// Params returns the chain parameters of the configured network.
func (rt *Regtest) Params() *chaincfg.Params {
	return rt.params
}

// Metrics returns the RPC metrics collected by this instance.
func (rt *Regtest) Metrics() *Metrics {
	return rt.metrics
}

// Close shuts down every RPC connection owned by the instance.
func (rt *Regtest) Close() {
	rt.mtx.Lock()
	defer rt.mtx.Unlock()

	for name, w := range rt.wallets {
		w.shutdown()
		delete(rt.wallets, name)
	}
	if rt.shutdown != nil {
		rt.shutdown()
		rt.shutdown = nil
	}
}

// HealthCheck verifies that the node answers RPC calls.
func (rt *Regtest) HealthCheck() error {
	if _, err := rt.BlockchainInfo(); err != nil {
		return fmt.Errorf("failed to get blockchain info (health check): %w", err)
	}
	return nil
}

// wait blocks for d using the configured sleeper. Non-positive durations
// return immediately.
func (rt *Regtest) wait(d time.Duration) {
	if d > 0 {
		rt.sleep(d)
	}
}

// ---------------------------------------------------------------
//  Bitcoin Core Node Management
// ---------------------------------------------------------------

// StartNode starts the regtest node using the bitcoind manager script.
// Concurrent start/stop/status calls on the same instance are serialised.
//
// The script receives the data directory, RPC port, credentials and extra
// arguments through environment variables (BITCOIND_DATADIR,
// BITCOIND_RPCPORT, BITCOIND_RPCUSER, BITCOIND_RPCPASS, BITCOIND_EXTRA_ARGS).
//
// Returns:
//   - error: detailed error if the script is missing or startup fails
//
// Example:
//
//	if err := rt.StartNode(); err != nil {
//	    log.Fatalf("Failed to start Bitcoin node: %v", err)
//	}
//	defer rt.StopNode()
func (rt *Regtest) StartNode() error {
	_, err := rt.runScript("start")
	return err
}

// StopNode stops the node started by StartNode.
func (rt *Regtest) StopNode() error {
	_, err := rt.runScript("stop")
	return err
}

// NodeRunning reports whether the manager script sees a running node.
//
// Returns:
//   - bool: true if bitcoind is running, false otherwise
//   - error: error if the status check fails or script execution fails
func (rt *Regtest) NodeRunning() (bool, error) {
	output, err := rt.runScript("status")
	if err != nil {
		return false, err
	}
	return strings.Contains(output, "is running"), nil
}

func (rt *Regtest) runScript(command string) (string, error) {
	rt.nodeMtx.Lock()
	defer rt.nodeMtx.Unlock()

	scriptPath := rt.cfg.ScriptPath
	if _, err := os.Stat(scriptPath); os.IsNotExist(err) {
		return "", fmt.Errorf("bitcoind manager script not found at: %s", scriptPath)
	}

	cmd := exec.Command("bash", scriptPath, command)
	cmd.Env = append(os.Environ(), rt.scriptEnv()...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("failed to %s bitcoind (script: %s): %s",
			command, scriptPath, string(output))
	}

	return string(output), nil
}

func (rt *Regtest) scriptEnv() []string {
	port := "18443"
	if i := strings.LastIndex(rt.cfg.Host, ":"); i >= 0 {
		if _, err := strconv.Atoi(rt.cfg.Host[i+1:]); err == nil {
			port = rt.cfg.Host[i+1:]
		}
	}
	return []string{
		"BITCOIND_DATADIR=" + rt.cfg.DataDir,
		"BITCOIND_RPCPORT=" + port,
		"BITCOIND_RPCUSER=" + rt.cfg.User,
		"BITCOIND_RPCPASS=" + rt.cfg.Pass,
		"BITCOIND_EXTRA_ARGS=" + strings.Join(rt.cfg.ExtraArgs, " "),
	}
}
