package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/ethereum/go-ethereum/common"
	"github.com/lightningnetwork/lnd/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/lightningnetwork/depositd/amount"
	"github.com/lightningnetwork/depositd/batch"
	"github.com/lightningnetwork/depositd/chain"
	"github.com/lightningnetwork/depositd/chain/evm"
	"github.com/lightningnetwork/depositd/chain/solana"
	"github.com/lightningnetwork/depositd/chain/tron"
	"github.com/lightningnetwork/depositd/config"
	"github.com/lightningnetwork/depositd/dispatch"
	"github.com/lightningnetwork/depositd/gasmonitor"
	"github.com/lightningnetwork/depositd/lifecycle"
	"github.com/lightningnetwork/depositd/maintenance"
	"github.com/lightningnetwork/depositd/store"
	"github.com/lightningnetwork/depositd/watch"
)

// Semantic version reported in the webhook User-Agent header.
const (
	version   = "0.4.0-beta"
	userAgent = "depositd/" + version
)

// depositdMain is the true entry point, nested so deferred cleanups run
// even when os.Exit is called from main.
func depositdMain() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	if err := initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilenameFor(cfg))); err != nil {
		return fmt.Errorf("unable to init log rotator: %w", err)
	}
	setLogLevels(cfg.DebugLevel)
	defer flushLog()

	ltndLog.Info("Starting depositd")

	st, err := openStore(*cfg)
	if err != nil {
		return fmt.Errorf("unable to open store: %w", err)
	}
	defer st.Close()

	registry := chain.NewRegistry()
	for name, cc := range cfg.Chains {
		if cc == nil || !cc.Enabled {
			continue
		}
		id := chain.ID(name)
		adapter, err := buildAdapter(context.Background(), id, cc)
		if err != nil {
			return fmt.Errorf("unable to build %s adapter: %w", name, err)
		}
		registry.Register(id, adapter)
		ltndLog.Infof("chain %s enabled at %s", id, cc.RPCURL)
	}

	metricsReg := prometheus.NewRegistry()

	disp := dispatch.New(dispatch.Config{
		Secret:      []byte(cfg.SharedSecret),
		UserAgent:   userAgent,
		RetryDelays: cfg.CallbackRetryDelays,
		Log:         dispLog,
		MetricsReg:  metricsReg,
	})

	tower := lifecycle.NewTower(st)

	engine := watch.New(watch.Config{
		PollInterval:          cfg.PollInterval,
		RequiredConfirmations: cfg.RequiredConfirmations,
		ScanWindowBlocks:      cfg.ScanWindowBlocks,
		CallbackExhaust:       cfg.CallbackExhaust,
		MaxFanout:             cfg.MaxFanout,
	}, watch.Deps{
		Store:      st,
		Chains:     registry,
		Dispatcher: disp,
		Tower:      tower,
		Log:        watchLog,
		MetricsReg: metricsReg,
	})

	scheduler := batch.New(batch.Config{
		Period:     cfg.BatchPeriod,
		Chains:     buildChainConfigs(*cfg),
		MetricsReg: metricsReg,
	}, st, registry, noopKeySource{}, batchLog)

	monitor := gasmonitor.New(gasmonitor.Config{
		SampleInterval: cfg.GasSampleEvery,
		MetricsReg:     metricsReg,
	}, registry, gasLog, func(id chain.ID, standard decimal.Decimal) {
		gasLog.Warnf("gas: %s standard fee dropped to %s", id, standard)
	})

	maint := maintenance.New(maintenance.Config{
		Interval:        cfg.MaintenanceEvery,
		CallbackExhaust: cfg.CallbackExhaust,
	}, st, disp, tower, maintLog)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const subsystems = 4
	errCh := make(chan error, subsystems)
	go func() { errCh <- engine.Run(ctx) }()
	go func() { errCh <- scheduler.Run(ctx) }()
	go func() { errCh <- monitor.Run(ctx) }()
	go func() { errCh <- maint.Run(ctx) }()

	healthMonitor := buildHealthMonitor(registry, st)
	if err := healthMonitor.Start(); err != nil {
		return fmt.Errorf("unable to start health checks: %w", err)
	}
	defer healthMonitor.Stop()

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		ltndLog.Warnf("systemd notify failed: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	remaining := subsystems
	select {
	case sig := <-sigCh:
		ltndLog.Infof("received %v, shutting down", sig)
	case err := <-errCh:
		remaining--
		if err != nil && err != context.Canceled {
			ltndLog.Errorf("subsystem exited: %v", err)
		}
	}

	cancel()
	for i := 0; i < remaining; i++ {
		<-errCh
	}

	ltndLog.Info("Shutdown complete")
	return nil
}

func main() {
	if err := depositdMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultLogFilenameFor(cfg *config.Config) string {
	return "depositd.log"
}

func openStore(cfg config.Config) (store.Store, error) {
	if cfg.PostgresDSN != "" {
		return store.NewPostgres(context.Background(), cfg.PostgresDSN, "store/migrations")
	}
	return store.NewSQLite(filepath.Join(cfg.DataDir, "depositd.db"))
}

// buildHealthMonitor wires one healthcheck Observation per registered
// chain adapter (RPC reachability via CurrentHeight) plus one for the
// Store. A check that keeps failing past its retry budget logs through
// the Shutdown callback rather than killing the process outright, since
// depositd has no graceful-restart supervisor to hand a hard failure to.
func buildHealthMonitor(registry *chain.Registry, st store.Store) *healthcheck.Monitor {
	const (
		interval = time.Minute
		timeout  = 15 * time.Second
		backoff  = 10 * time.Second
		retries  = 2
	)

	checks := make([]*healthcheck.Observation, 0, len(registry.Enabled())+1)
	for _, id := range registry.Enabled() {
		id := id
		adapter, ok := registry.Lookup(id)
		if !ok {
			continue
		}
		checks = append(checks, healthcheck.NewObservation(
			fmt.Sprintf("%s rpc", id),
			func() error {
				_, err := adapter.CurrentHeight(context.Background())
				return err
			},
			interval, timeout, backoff, retries,
		))
	}

	checks = append(checks, healthcheck.NewObservation(
		"store",
		func() error {
			_, err := st.ListActiveWatches(context.Background())
			return err
		},
		interval, timeout, backoff, retries,
	))

	return healthcheck.NewMonitor(&healthcheck.Config{
		Checks:   checks,
		Shutdown: ltndLog.Criticalf,
	})
}

// noopKeySource is a placeholder WalletKeySource: key custody and
// derivation live in an external service, so this is where a KMS/HSM-
// backed implementation plugs in.
type noopKeySource struct{}

func (noopKeySource) WalletSigningKey(ctx context.Context, walletID string) ([]byte, string, error) {
	return nil, "", fmt.Errorf("wallet key custody is not configured")
}

func buildChainConfigs(cfg config.Config) map[chain.ID]batch.ChainConfig {
	out := make(map[chain.ID]batch.ChainConfig)
	for name, cc := range cfg.Chains {
		if cc == nil || !cc.Enabled {
			continue
		}
		thresholds := batch.DefaultThresholds()
		if cc.BatchMin > 0 {
			thresholds.MinBatchSize = cc.BatchMin
		}
		if cc.BatchMax > 0 {
			thresholds.MaxBatchSize = cc.BatchMax
		}
		if cc.BatchMaxWait > 0 {
			thresholds.MaxWait = cc.BatchMaxWait
		}
		if cc.GasThreshold != "" {
			if d, err := decimal.NewFromString(cc.GasThreshold); err == nil {
				thresholds.FeeThreshold = d
			}
		}
		thresholds.PriorityChain = cc.Priority

		gasWallet := batch.GasWallet{Address: cc.GasWallet.Address}
		if cc.GasWallet.KeyFile != "" {
			key, err := os.ReadFile(cc.GasWallet.KeyFile)
			if err != nil {
				ltndLog.Warnf("chain %s: gas wallet key unreadable: %v", name, err)
			} else {
				gasWallet.Key = key
			}
		}

		out[chain.ID(name)] = batch.ChainConfig{
			Custody:    cc.Custody,
			GasWallet:  gasWallet,
			Thresholds: thresholds,
		}
	}
	return out
}

// buildAdapter constructs the right chain.Adapter family for id.
func buildAdapter(ctx context.Context, id chain.ID, cc *config.ChainOptions) (chain.Adapter, error) {
	switch id.Family() {
	case chain.FamilyEVM:
		chainInt, err := evmChainInt(id)
		if err != nil {
			return nil, err
		}
		return evm.New(ctx, evm.Config{
			ChainID:  id,
			RPCURL:   cc.RPCURL,
			Tokens:   evmTokenContracts(cc),
			ChainInt: chainInt,
		})
	case chain.FamilyTron:
		return tron.New(tron.Config{
			FullNodeURL: cc.RPCURL,
			Tokens:      tronTokenContracts(cc),
		}), nil
	case chain.FamilySolana:
		return solana.New(solana.Config{
			RPCURL: cc.RPCURL,
			Mints:  solanaTokenMints(cc),
		}), nil
	default:
		return nil, fmt.Errorf("unsupported chain family for %q", id)
	}
}

func evmTokenContracts(cc *config.ChainOptions) []evm.TokenContract {
	out := make([]evm.TokenContract, 0, len(cc.TokenAddresses))
	for token, addr := range cc.TokenAddresses {
		out = append(out, evm.TokenContract{
			Token:    chain.Token(token),
			Address:  common.HexToAddress(addr),
			Decimals: amount.Decimals(cc.TokenDecimals[token]),
		})
	}
	return out
}

func tronTokenContracts(cc *config.ChainOptions) []tron.TokenContract {
	out := make([]tron.TokenContract, 0, len(cc.TokenAddresses))
	for token, addr := range cc.TokenAddresses {
		out = append(out, tron.TokenContract{
			Token:           chain.Token(token),
			ContractAddress: addr,
			Decimals:        amount.Decimals(cc.TokenDecimals[token]),
		})
	}
	return out
}

func solanaTokenMints(cc *config.ChainOptions) []solana.TokenMint {
	out := make([]solana.TokenMint, 0, len(cc.TokenAddresses))
	for token, mint := range cc.TokenAddresses {
		out = append(out, solana.TokenMint{
			Token:    chain.Token(token),
			Mint:     mint,
			Decimals: amount.Decimals(cc.TokenDecimals[token]),
		})
	}
	return out
}

// evmChainInt maps a configured EVM chain ID to its EIP-155 chain ID.
func evmChainInt(id chain.ID) (*big.Int, error) {
	switch id {
	case chain.Ethereum:
		return big.NewInt(1), nil
	case chain.BSC, chain.BUSD:
		return big.NewInt(56), nil
	case chain.Polygon:
		return big.NewInt(137), nil
	default:
		return nil, fmt.Errorf("no EIP-155 chain id known for %q", id)
	}
}
