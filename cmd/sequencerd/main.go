package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"swapSequencer/internal/asset"
	"swapSequencer/internal/config"
	"swapSequencer/internal/indexer"
	"swapSequencer/internal/inscribe"
	"swapSequencer/internal/observer"
	"swapSequencer/internal/operator"
	"swapSequencer/internal/pricing"
	"swapSequencer/internal/reward"
	"swapSequencer/internal/scheduler"
	"swapSequencer/internal/space"
	"swapSequencer/internal/stake"
	"swapSequencer/internal/storage"
	"swapSequencer/internal/storage/postgres"
)

func main() {
	root := &cobra.Command{
		Use:          "sequencerd",
		Short:        "Swap module commit sequencer",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sequencer",
		RunE:  runSequencer,
	}

	runCmd.Flags().String("module", "", "module inscription id")
	runCmd.Flags().String("network", "mainnet", "chain network (mainnet, testnet, regtest)")
	runCmd.Flags().String("pg-dsn", "", "Postgres DSN")
	runCmd.Flags().String("indexer-url", "", "module indexer base URL")
	runCmd.Flags().String("pricing-url", "", "pricing service base URL")
	runCmd.Flags().String("inscriber-url", "", "inscription service base URL")
	runCmd.Flags().String("fee-address", "", "sequencing fee collector address")
	runCmd.Flags().Uint32("swap-fee-rate-bps", 30, "swap fee rate in basis points")
	runCmd.Flags().Int("max-commit-ops", 100, "operations per commit before sealing")
	runCmd.Flags().Duration("commit-window", 10*time.Minute, "max age of an open commit before sealing")
	runCmd.Flags().Int("max-unconfirmed", 5, "published commits awaiting indexing before backpressure")
	runCmd.Flags().Int("max-ops-per-address", 0, "per-address operations per commit, 0 disables")
	runCmd.Flags().Bool("verify-per-operation", false, "verify the pending chain before every operation")
	runCmd.Flags().Bool("strict-verify", true, "reset the pending ledger on verification mismatch")
	runCmd.Flags().Int("health-failure-limit", 10, "consecutive indexer health failures before halting")
	runCmd.Flags().Float64("gas-price-min", 1.0, "gas price floor (sat/vB)")
	runCmd.Flags().Float64("gas-price-max", 500.0, "gas price ceiling (sat/vB)")
	runCmd.Flags().Duration("quote-ttl", 5*time.Minute, "fee quote lifetime")
	runCmd.Flags().Int("quote-capacity", 4096, "fee quote cache capacity")
	runCmd.Flags().Duration("tick-interval", 30*time.Second, "reward and health tick interval")
	runCmd.Flags().Duration("commit-interval", 5*time.Second, "seal condition poll interval")
	runCmd.Flags().Duration("rotate-interval", 5*time.Second, "commit rotation poll interval")
	runCmd.Flags().Int("max-retries", 5, "maximum retry attempts for the indexer client")
	runCmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
	runCmd.Flags().StringSlice("tick-decimals", nil, "display precision per tick as tick:decimals")
	runCmd.Flags().String("listen-addr", ":8085", "HTTP listen address")
	runCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(runCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runSequencer(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.PGDSN == "" {
		return fmt.Errorf("pg-dsn is required")
	}
	if cfg.IndexerURL == "" {
		return fmt.Errorf("indexer-url is required")
	}

	params, err := chainParams(cfg.Network)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := postgres.NewStore(ctx, cfg.PGDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer store.Close()

	verifier := indexer.NewClient(cfg.IndexerURL, 15*time.Second, cfg.MaxRetries, cfg.RetryBackoff, logger)
	pricer := pricing.NewClient(cfg.PricingURL, 10*time.Second, logger)
	sender := inscribe.NewClient(cfg.InscriberURL, 30*time.Second, logger)

	reg := prometheus.NewRegistry()
	obs := observer.Multi{
		observer.Log{Logger: logger},
		observer.NewMetrics(reg),
	}

	sp := space.New()
	rewards := reward.NewEngine(cfg.FeeAddress, logger)
	stakeLedger := reward.NewStakeLedger(logger)

	op := operator.New(operator.Config{
		Module:             cfg.Module,
		Params:             params,
		MaxCommitOps:       cfg.MaxCommitOps,
		CommitWindow:       cfg.CommitWindow,
		MaxUnconfirmed:     cfg.MaxUnconfirmed,
		VerifyPerOperation: cfg.VerifyPerOperation,
		StrictVerify:       cfg.StrictVerify,
		SwapFeeRateBps:     cfg.SwapFeeRateBps,
		FeeAddress:         cfg.FeeAddress,
		GasPriceMin:        cfg.GasPriceMin,
		GasPriceMax:        cfg.GasPriceMax,
		QuoteTTL:           cfg.QuoteTTL,
		QuoteCapacity:      cfg.QuoteCapacity,
		MaxOpsPerAddress:   cfg.MaxOpsPerAddress,
		HealthFailureLimit: cfg.HealthFailureLimit,
	}, sp, rewards, stakeLedger, store, verifier, pricer, sender, obs, logger)

	if err := bootstrap(ctx, cfg, store, op, pricer, logger); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	coordinator := stake.New(op, store, logger)

	sched := scheduler.New(time.Second, op.Fatal, logger)
	sched.Register(scheduler.Task{
		Name:     "tick",
		Every:    cfg.TickInterval,
		Mutating: true,
		Run: func(ctx context.Context) error {
			op.Tick(ctx)
			return nil
		},
	})
	sched.Register(scheduler.Task{
		Name:     "commit",
		Every:    cfg.CommitInterval,
		Mutating: true,
		Run:      op.TryCommit,
	})
	sched.Register(scheduler.Task{
		Name:     "rotate",
		Every:    cfg.RotateInterval,
		Mutating: true,
		Run:      op.TryNewCommitOp,
	})
	sched.Register(scheduler.Task{
		Name:     "recover",
		Every:    cfg.CommitInterval,
		Mutating: true,
		Run: func(context.Context) error {
			return op.TryRecover()
		},
	})
	sched.Register(scheduler.Task{
		Name:  "reward-projection",
		Every: cfg.TickInterval,
		Run: func(ctx context.Context) error {
			return flushRewardProjections(ctx, store, op)
		},
	})

	assets, err := buildAssetRegistry(cfg.TickDecimals)
	if err != nil {
		return err
	}

	api := newAPI(op, coordinator, assets, logger)
	mux := http.NewServeMux()
	api.register(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	logger.Info("sequencer start",
		zap.String("module", cfg.Module),
		zap.String("network", cfg.Network),
		zap.String("listen", cfg.ListenAddr),
		zap.Int("max_commit_ops", cfg.MaxCommitOps),
		zap.Duration("commit_window", cfg.CommitWindow),
		zap.Bool("strict_verify", cfg.StrictVerify),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(ctx) })
	g.Go(func() error {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// bootstrap rebuilds the session from durable state: the confirmed
// ledger snapshot first, then published-but-unconfirmed commits, then a
// persisted open commit if one survived the last shutdown, otherwise a
// new one.
func bootstrap(ctx context.Context, cfg config.Config, store *postgres.Store, op *operator.Operator, pricer pricing.Service, logger *zap.Logger) error {
	var confirmed *space.Snapshot
	if raw, ok, err := store.LoadState(ctx, operator.StateConfirmedSnapshot); err != nil {
		return err
	} else if ok {
		snap := new(space.Snapshot)
		if err := json.Unmarshal([]byte(raw), snap); err != nil {
			return fmt.Errorf("decode confirmed snapshot: %w", err)
		}
		confirmed = snap
	}

	unconfirmed, err := store.UnindexedCommits(ctx)
	if err != nil {
		return err
	}

	parent := cfg.Module
	if v, ok, err := store.LoadState(ctx, operator.StateLastInscription); err != nil {
		return err
	} else if ok {
		parent = v
	}
	if len(unconfirmed) > 0 {
		parent = unconfirmed[len(unconfirmed)-1].InscriptionID
	}

	open, err := store.CommitByParent(ctx, parent)
	if err != nil {
		return err
	}
	if open != nil && open.Published() {
		// Already inscribed; it belongs to the unconfirmed chain, not
		// the open slot.
		unconfirmed = append(unconfirmed, open)
		parent = open.InscriptionID
		open = nil
	}

	if err := op.Restore(confirmed, unconfirmed, open); err != nil {
		return err
	}
	if open == nil {
		gasPrice := ""
		if rate, perr := pricer.FeeRate(ctx); perr == nil {
			gasPrice = fmt.Sprintf("%g", rate)
		}
		satsPrice, _ := pricer.SatsPrice(ctx)
		op.StartCommit(parent, gasPrice, satsPrice)
	}

	logger.Info("state restored",
		zap.String("parent", parent),
		zap.Bool("snapshot", confirmed != nil),
		zap.Int("unconfirmed", len(unconfirmed)),
		zap.Bool("open_recovered", open != nil),
	)
	return nil
}

func flushRewardProjections(ctx context.Context, store storage.Store, op *operator.Operator) error {
	pools, users := op.RewardProjection()
	for _, rec := range pools {
		if err := store.UpsertRewardPool(ctx, rec); err != nil {
			return err
		}
	}
	for _, rec := range users {
		if err := store.UpsertRewardUser(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// buildAssetRegistry parses "tick:decimals" entries into the display
// precision registry used by the balance endpoint.
func buildAssetRegistry(entries []string) (*asset.Registry, error) {
	reg := asset.NewRegistry()
	for _, entry := range entries {
		tick, decStr, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("tick-decimals entry %q: want tick:decimals", entry)
		}
		dec, err := strconv.ParseUint(decStr, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("tick-decimals entry %q: %w", entry, err)
		}
		if err := reg.Register(strings.TrimSpace(tick), uint8(dec)); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func chainParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", network)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
