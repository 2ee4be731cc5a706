// Package config loads the run configuration from defaults, an optional
// config file and REGTEST_ environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	regtest "github.com/neverDefined/regtest-scenarios"
	"github.com/neverDefined/regtest-scenarios/internal/multisig"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	// NetworkKey is the chain the node runs: regtest, testnet, signet or main
	NetworkKey = "network"
	// HostKey is the RPC host of the node, without port
	HostKey = "host"
	// PortKey is the RPC port of the node
	PortKey = "port"
	// UsernameKey is the RPC user
	UsernameKey = "username"
	// PasswordKey is the RPC password
	PasswordKey = "password"
	// WalletKey is a wallet acquired at start-up to check that wallet RPCs work
	WalletKey = "wallet"
	// OutputDirKey is the directory where fixtures are written
	OutputDirKey = "output_dir"
	// LogLevelKey is a logrus level name, ie. debug, info, warn
	LogLevelKey = "log_level"
	// RPCRateLimitKey caps RPC calls per second, 0 disables the limiter
	RPCRateLimitKey = "rpc_rate_limit"
	// SettleDelayKey is waited after every mining call
	SettleDelayKey = "settle_delay"
	// SyncAttemptsKey is the number of balance polls before a forced rescan
	SyncAttemptsKey = "sync_attempts"
	// SyncIntervalKey is the pause between two balance polls
	SyncIntervalKey = "sync_interval"
	// RescanDelayKey is waited after a forced rescan
	RescanDelayKey = "rescan_delay"
	// FundingThresholdKey is the balance (BTC) every signer must reach
	FundingThresholdKey = "funding_threshold"
	// SpendThresholdKey is the balance (BTC) the coordinator must exceed
	SpendThresholdKey = "spend_threshold"
	// MultisigAmountKey is the amount (BTC) sent to the multisig
	MultisigAmountKey = "multisig_amount"
	// NodeScriptKey is the path of the bitcoind manager script
	NodeScriptKey = "node_script"
	// DatadirKey is the data directory of a node managed by the script
	DatadirKey = "datadir"
	// ExtraArgsKey are extra bitcoind arguments for a managed node
	ExtraArgsKey = "extra_args"

	envPrefix = "REGTEST"
)

var (
	// ErrMissingHost is returned when no RPC host is configured.
	ErrMissingHost = errors.New("missing rpc host")
	// ErrInvalidPort is returned for ports outside 1-65535.
	ErrInvalidPort = errors.New("rpc port must be in range [1, 65535]")
	// ErrMissingCredentials is returned when user or password is empty.
	ErrMissingCredentials = errors.New("missing rpc username or password")
	// ErrInvalidSyncAttempts is returned when sync_attempts is not positive.
	ErrInvalidSyncAttempts = errors.New("sync_attempts must be positive")
)

// Config is the resolved configuration of a run.
type Config struct {
	Network  string
	Host     string
	Port     int
	Username string
	Password string
	Wallet   string

	OutputDir string
	LogLevel  log.Level

	RPCRateLimit int
	SettleDelay  time.Duration
	SyncAttempts int
	SyncInterval time.Duration
	RescanDelay  time.Duration

	FundingThreshold decimal.Decimal
	SpendThreshold   decimal.Decimal
	MultisigAmount   decimal.Decimal

	NodeScript string
	Datadir    string
	ExtraArgs  []string
}

// Load reads the config file at path, if any, on top of the defaults. Every
// key can be overridden by an environment variable named REGTEST_<KEY>, ie.
// REGTEST_HOST.
func Load(path string) (*Config, error) {
	vip := viper.New()
	vip.SetEnvPrefix(envPrefix)
	vip.AutomaticEnv()
	setDefaults(vip)

	if path != "" {
		vip.SetConfigFile(path)
		if err := vip.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error while reading config file %s: %w", path, err)
		}
	}

	cfg, err := fromViper(vip)
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("error while validating config: %w", err)
	}
	return cfg, nil
}

func setDefaults(vip *viper.Viper) {
	def := regtest.DefaultConfig()
	host, port, _ := net.SplitHostPort(def.Host)

	vip.SetDefault(NetworkKey, def.Network)
	vip.SetDefault(HostKey, host)
	vip.SetDefault(PortKey, port)
	vip.SetDefault(UsernameKey, def.User)
	vip.SetDefault(PasswordKey, def.Pass)
	vip.SetDefault(WalletKey, "")
	vip.SetDefault(OutputDirKey, ".")
	vip.SetDefault(LogLevelKey, log.InfoLevel.String())
	vip.SetDefault(RPCRateLimitKey, 0)
	vip.SetDefault(SettleDelayKey, def.SettleDelay)
	vip.SetDefault(SyncAttemptsKey, def.Sync.Attempts)
	vip.SetDefault(SyncIntervalKey, def.Sync.Interval)
	vip.SetDefault(RescanDelayKey, def.RescanDelay)

	policy := multisig.DefaultPolicy()
	vip.SetDefault(FundingThresholdKey, policy.FundingThreshold.String())
	vip.SetDefault(SpendThresholdKey, policy.SpendThreshold.String())
	vip.SetDefault(MultisigAmountKey, policy.FundingAmount.String())

	vip.SetDefault(NodeScriptKey, def.ScriptPath)
	vip.SetDefault(DatadirKey, def.DataDir)
	vip.SetDefault(ExtraArgsKey, []string{})
}

func fromViper(vip *viper.Viper) (*Config, error) {
	level, err := log.ParseLevel(vip.GetString(LogLevelKey))
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", LogLevelKey, err)
	}

	amounts := make(map[string]decimal.Decimal, 3)
	for _, key := range []string{FundingThresholdKey, SpendThresholdKey, MultisigAmountKey} {
		d, err := decimal.NewFromString(vip.GetString(key))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", key, err)
		}
		amounts[key] = d
	}

	return &Config{
		Network:          vip.GetString(NetworkKey),
		Host:             vip.GetString(HostKey),
		Port:             vip.GetInt(PortKey),
		Username:         vip.GetString(UsernameKey),
		Password:         vip.GetString(PasswordKey),
		Wallet:           vip.GetString(WalletKey),
		OutputDir:        vip.GetString(OutputDirKey),
		LogLevel:         level,
		RPCRateLimit:     vip.GetInt(RPCRateLimitKey),
		SettleDelay:      vip.GetDuration(SettleDelayKey),
		SyncAttempts:     vip.GetInt(SyncAttemptsKey),
		SyncInterval:     vip.GetDuration(SyncIntervalKey),
		RescanDelay:      vip.GetDuration(RescanDelayKey),
		FundingThreshold: amounts[FundingThresholdKey],
		SpendThreshold:   amounts[SpendThresholdKey],
		MultisigAmount:   amounts[MultisigAmountKey],
		NodeScript:       vip.GetString(NodeScriptKey),
		Datadir:          vip.GetString(DatadirKey),
		ExtraArgs:        vip.GetStringSlice(ExtraArgsKey),
	}, nil
}

func (c *Config) validate() error {
	if c.Host == "" {
		return ErrMissingHost
	}
	if c.Port < 1 || c.Port > 65535 {
		return ErrInvalidPort
	}
	if c.Username == "" || c.Password == "" {
		return ErrMissingCredentials
	}
	if _, err := regtest.NetworkParams(c.Network); err != nil {
		return err
	}
	if c.SyncAttempts < 1 {
		return ErrInvalidSyncAttempts
	}
	if c.RPCRateLimit < 0 {
		return fmt.Errorf("%s must not be negative", RPCRateLimitKey)
	}
	if !c.MultisigAmount.IsPositive() {
		return fmt.Errorf("%s must be positive", MultisigAmountKey)
	}
	if c.SpendThreshold.LessThan(c.MultisigAmount) {
		return fmt.Errorf("%s must be at least %s", SpendThresholdKey, MultisigAmountKey)
	}
	if c.OutputDir == "" {
		return fmt.Errorf("missing %s", OutputDirKey)
	}
	return nil
}

// RegtestConfig returns the node connection settings.
func (c *Config) RegtestConfig() *regtest.Config {
	return &regtest.Config{
		Network:     c.Network,
		Host:        net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		User:        c.Username,
		Pass:        c.Password,
		DataDir:     c.Datadir,
		ExtraArgs:   c.ExtraArgs,
		ScriptPath:  c.NodeScript,
		RateLimit:   c.RPCRateLimit,
		SettleDelay: c.SettleDelay,
		Sync: regtest.RetryPolicy{
			Attempts: c.SyncAttempts,
			Interval: c.SyncInterval,
		},
		RescanDelay: c.RescanDelay,
	}
}

// Policy returns the multisig funding policy, keeping the default mining
// rounds.
func (c *Config) Policy() multisig.Policy {
	policy := multisig.DefaultPolicy()
	policy.FundingThreshold = c.FundingThreshold
	policy.SpendThreshold = c.SpendThreshold
	policy.FundingAmount = c.MultisigAmount
	return policy
}
