package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli"

	"github.com/graphops/tap-agent/accounts"
	"github.com/graphops/tap-agent/aggregator"
	"github.com/graphops/tap-agent/allocation"
	"github.com/graphops/tap-agent/checks"
	"github.com/graphops/tap-agent/config"
	"github.com/graphops/tap-agent/core"
	"github.com/graphops/tap-agent/escrow"
	"github.com/graphops/tap-agent/logutil"
	"github.com/graphops/tap-agent/metrics"
	"github.com/graphops/tap-agent/network"
	"github.com/graphops/tap-agent/sender"
	"github.com/graphops/tap-agent/store"
	"github.com/graphops/tap-agent/subgraph"
)

var runCommand = cli.Command{
	Name:  "run",
	Usage: "start the agent: aggregate receipts, request RAVs, serve metrics",
	Flags: []cli.Flag{
		cli.BoolFlag{
			Name:  "migrate",
			Usage: "apply embedded schema migrations before starting",
		},
	},
	Action: runAction,
}

func runAction(c *cli.Context) error {
	cfg, err := config.Load(c.GlobalString("config"))
	if err != nil {
		return err
	}

	level, ok := btclog.LevelFromString(cfg.LogLevel)
	if !ok {
		level = btclog.InfoLevel
	}
	installLoggers(level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if c.Bool("migrate") {
		if err := store.ApplyMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
	}

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close()

	domain := core.NewDomainSeparator(cfg.ChainID, cfg.EscrowContract)

	aggregators, err := dialAggregators(cfg)
	if err != nil {
		return err
	}

	escrowClient := subgraph.NewClient(cfg.EscrowSubgraphURL, cfg.TapSenderTimeout)
	networkClient := subgraph.NewClient(cfg.NetworkSubgraphURL, cfg.TapSenderTimeout)

	escrowFetcher := subgraph.NewEscrowFetcher(escrowClient, cfg.Indexer)
	networkFetcher := subgraph.NewNetworkFetcher(networkClient, cfg.Indexer)
	redemptions := subgraph.NewRedemptionWatcher(networkClient)

	onError := func(err error) {
		log.Errorf("watcher poll failed: %v", err)
	}

	escrowWatcher, err := escrow.Watch(ctx, escrowFetcher, cfg.EscrowPollingInterval, onError)
	if err != nil {
		return fmt.Errorf("start escrow watcher: %w", err)
	}
	allocWatcher, err := network.WatchActiveAllocations(ctx, networkFetcher, cfg.EscrowPollingInterval, onError)
	if err != nil {
		return fmt.Errorf("start allocation watcher: %w", err)
	}

	appraiser := subgraph.StaticAppraiser{Minimum: core.U128{}}

	manager := accounts.New(accounts.Config{
		Store:            st,
		Aggregators:      aggregators,
		Domain:           domain,
		Pipeline:         checks.DefaultPipeline(),
		Transactions:     redemptions,
		ClosureConfirmer: networkFetcher,
		Appraiser:        appraiser,
		EscrowWatcher:    escrowWatcher,
		AllocWatcher:     allocWatcher,
		SenderConfig: sender.Config{
			RavRequestBuffer:       cfg.RavRequestBuffer,
			TriggerValue:           cfg.TriggerValue,
			MaxAmountWillingToLose: cfg.MaxAmountWillingToLose,
			RavRequestTimeout:      cfg.RavRequestTimeout,
			ReceiptLimit:           cfg.RavRequestReceiptLimit,
			RetryInterval:          cfg.RetryInterval,
			TimestampTolerance:     cfg.TimestampErrorTolerance,
			ReceiptMaxValue:        cfg.ReceiptMaxValue,
			AllocationGracePeriod:  cfg.AllocationGracePeriod,
			RecentlyClosedWindow:   cfg.RecentlyClosedWindow,
			CloseRetryWait:         cfg.RetryInterval,
			MaxConcurrentSpawns:    cfg.MaxConcurrentSenderSpawn,
		},
		DSN: cfg.DatabaseURL,
	})

	metrics.MustRegister(prometheus.DefaultRegisterer)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler(st))
	metricsSrv := &http.Server{Addr: cfg.MetricsListenAddr, Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("metrics server: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Infof("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}()

	return manager.Run(ctx)
}

func dialAggregators(cfg *config.Config) (*aggregator.Selector, error) {
	var sel aggregator.Selector
	if cfg.AggregatorLegacyEndpoint != "" {
		c, err := aggregator.DialLegacy(cfg.AggregatorLegacyEndpoint, cfg.AggregatorUseZstd)
		if err != nil {
			return nil, err
		}
		sel.Legacy = c
	}
	if cfg.AggregatorCurrentEndpoint != "" {
		c, err := aggregator.DialCurrent(cfg.AggregatorCurrentEndpoint, cfg.AggregatorUseZstd)
		if err != nil {
			return nil, err
		}
		sel.Current = c
	}
	return &sel, nil
}

var log = logutil.Disabled

func installLoggers(level btclog.Level) {
	log = logutil.NewSubsystemLogger("MAIN", level)
	accounts.UseLogger(logutil.NewSubsystemLogger("ACCT", level))
	sender.UseLogger(logutil.NewSubsystemLogger("SNDR", level))
	allocation.UseLogger(logutil.NewSubsystemLogger("ALOC", level))
	store.UseLogger(logutil.NewSubsystemLogger("STOR", level))
	aggregator.UseLogger(logutil.NewSubsystemLogger("AGGR", level))
}
