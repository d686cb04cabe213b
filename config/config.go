// Package config loads depositd's configuration: a single struct tagged
// for github.com/btcsuite/go-flags, parsed from the command line and an
// optional config file, with defaults baked in.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	flags "github.com/btcsuite/go-flags"
)

const (
	defaultConfigFilename = "depositd.conf"
	defaultDataDir        = "data"
	defaultLogDir         = "logs"
	defaultLogFilename    = "depositd.log"
)

// GasWalletConfig is one chain's dedicated gas-fee wallet.
type GasWalletConfig struct {
	Address string `long:"address" description:"gas-fee wallet address for this chain"`
	KeyFile string `long:"keyfile" description:"path to the gas-fee wallet's signing key"`
}

// ChainOptions is the set of flags shared by every enabled chain adapter.
type ChainOptions struct {
	Enabled      bool            `long:"enabled" description:"enable this chain's adapter"`
	RPCURL       string          `long:"rpcurl" description:"chain RPC endpoint"`
	Custody      string          `long:"custody" description:"custody address batch sweeps settle to"`
	GasWallet    GasWalletConfig `group:"gaswallet" namespace:"gaswallet"`
	BatchMin     int             `long:"batchmin" description:"minimum batch size trigger"`
	BatchMax     int             `long:"batchmax" description:"maximum number of items one sweep executes"`
	BatchMaxWait time.Duration   `long:"batchmaxwait" description:"maximum queue age trigger"`
	GasThreshold string          `long:"gasthreshold" description:"standard-fee ceiling trigger, as a decimal string"`
	Priority     bool            `long:"priority" description:"always execute this chain's batch, size/age notwithstanding"`

	// TokenAddresses maps a token symbol (USDT, BUSD) to its contract
	// address (or mint, for Solana) on this chain.
	TokenAddresses map[string]string `long:"tokenaddress" description:"token=address pairs, repeatable"`
	TokenDecimals  map[string]uint8  `long:"tokendecimals" description:"token=decimals pairs, repeatable"`
}

// Config is the daemon's full option surface: one flat, flags-tagged
// struct loaded once at startup.
type Config struct {
	ConfigFile string `short:"C" long:"configfile" description:"path to configuration file"`
	DataDir    string `short:"d" long:"datadir" description:"directory to store depositd's state in"`
	LogDir     string `long:"logdir" description:"directory to log output to"`
	DebugLevel string `long:"debuglevel" description:"logging level for all subsystems"`

	// Watch Engine.
	WatchDuration         time.Duration `long:"watchduration" description:"lifetime of a new watch"`
	RequiredConfirmations uint32        `long:"requiredconfirmations" description:"confirmations required before a watch is CONFIRMED"`
	PollInterval          time.Duration `long:"pollinterval" description:"watch engine tick interval"`
	ScanWindowBlocks      uint64        `long:"scanwindowblocks" description:"maximum blocks behind the tip a scan starts"`
	MaxFanout             int           `long:"maxfanout" description:"bounded per-tick watch concurrency"`

	// Callback Dispatcher.
	CallbackRetryDelays []time.Duration `long:"callbackretrydelay" description:"per-call retry schedule, repeatable"`
	CallbackExhaust     time.Duration   `long:"callbackexhaust" description:"force-stop horizon past expiry"`
	SharedSecret        string          `long:"sharedsecret" description:"HMAC key for outbound webhook signatures"`

	// Batch Scheduler / Gas Monitor.
	BatchPeriod    time.Duration `long:"batchperiod" description:"batch scheduler tick interval"`
	GasSampleEvery time.Duration `long:"gassampleevery" description:"gas monitor sampling interval"`

	// Maintenance loop.
	MaintenanceEvery time.Duration `long:"maintenanceevery" description:"maintenance loop tick interval"`

	// Storage.
	PostgresDSN string `long:"postgresdsn" description:"Postgres connection string; if empty, SQLite under datadir is used"`

	Ethereum *ChainOptions `group:"ethereum" namespace:"ethereum"`
	BSC      *ChainOptions `group:"bsc" namespace:"bsc"`
	Polygon  *ChainOptions `group:"polygon" namespace:"polygon"`
	Solana   *ChainOptions `group:"solana" namespace:"solana"`
	Tron     *ChainOptions `group:"tron" namespace:"tron"`
	BUSD     *ChainOptions `group:"busd" namespace:"busd"`

	// Chains indexes the per-chain option groups by chain name. Built by
	// LoadConfig after parsing; carries no flags of its own.
	Chains map[string]*ChainOptions

	Profile string `long:"profile" description:"write CPU profile to the given port"`
}

// DefaultConfig returns a Config populated with every option's default.
func DefaultConfig() Config {
	return Config{
		DataDir:    defaultDataDir,
		LogDir:     defaultLogDir,
		DebugLevel: "info",

		WatchDuration:         time.Hour,
		RequiredConfirmations: 5,
		PollInterval:          30 * time.Second,
		ScanWindowBlocks:      1000,
		MaxFanout:             16,

		CallbackRetryDelays: []time.Duration{0, time.Second, 5 * time.Second, 15 * time.Second},
		CallbackExhaust:     3 * time.Hour,

		BatchPeriod:    5 * time.Minute,
		GasSampleEvery: 5 * time.Minute,

		MaintenanceEvery: 10 * time.Minute,

		Ethereum: defaultChainOptions(6),
		BSC:      defaultChainOptions(18),
		Polygon:  defaultChainOptions(6),
		Solana:   defaultChainOptions(6),
		Tron:     defaultChainOptions(6),
		BUSD:     defaultChainOptions(18),
	}
}

// defaultChainOptions seeds one chain's options with its token's canonical
// decimals: 6 for USDT on Ethereum/Polygon/Solana/Tron, 18 for USDT and
// BUSD on BSC.
func defaultChainOptions(decimals uint8) *ChainOptions {
	return &ChainOptions{
		TokenDecimals: map[string]uint8{"USDT": decimals, "BUSD": decimals},
	}
}

// LoadConfig parses the command line (and, if present, a config file)
// into a Config seeded with defaults: flags first to discover
// -C/--configfile, then the file, then flags again so command-line
// options win.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	preCfg := cfg
	if _, err := flags.NewParser(&preCfg, flags.Default).Parse(); err != nil {
		return nil, err
	}

	if preCfg.ConfigFile != "" {
		cfgPath := cleanAndExpandPath(preCfg.ConfigFile)
		parser := flags.NewParser(&cfg, flags.Default)
		if err := flags.NewIniParser(parser).ParseFile(cfgPath); err != nil {
			if _, ok := err.(*os.PathError); !ok {
				return nil, fmt.Errorf("unable to parse config file: %w", err)
			}
		}
	}

	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		return nil, err
	}

	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)

	cfg.Chains = map[string]*ChainOptions{
		"ethereum": cfg.Ethereum,
		"bsc":      cfg.BSC,
		"polygon":  cfg.Polygon,
		"solana":   cfg.Solana,
		"tron":     cfg.Tron,
		"busd":     cfg.BUSD,
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.SharedSecret == "" {
		return fmt.Errorf("sharedsecret is required")
	}
	if cfg.RequiredConfirmations == 0 {
		return fmt.Errorf("requiredconfirmations must be positive")
	}
	for name, cc := range cfg.Chains {
		if cc != nil && cc.Enabled && cc.RPCURL == "" {
			return fmt.Errorf("chain %s enabled without an rpcurl", name)
		}
	}
	return nil
}

// cleanAndExpandPath expands environment variables and a leading ~ in
// the passed path and cleans the result.
func cleanAndExpandPath(path string) string {
	if path == "" {
		return path
	}

	if path[0] == '~' {
		path = filepath.Join(os.Getenv("HOME"), path[1:])
	}

	return filepath.Clean(os.ExpandEnv(path))
}
