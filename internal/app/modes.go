package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/sync/errgroup"

	s3blob "github.com/raceswap/raced/internal/blob/s3"
	"github.com/raceswap/raced/internal/crypto"
	"github.com/raceswap/raced/internal/domain"
	"github.com/raceswap/raced/internal/engine"
	"github.com/raceswap/raced/internal/feed"
	"github.com/raceswap/raced/internal/platform/coingecko"
	"github.com/raceswap/raced/internal/pricing"
	"github.com/raceswap/raced/internal/server"
	"github.com/raceswap/raced/internal/server/handler"
	"github.com/raceswap/raced/internal/server/ws"
	"github.com/raceswap/raced/internal/settlement"
	"github.com/raceswap/raced/internal/transfer"
)

// retryBatchSize bounds how many failed transfers one retry pass re-drives.
const retryBatchSize = 100

// EngineMode runs the race lifecycle headless: the scheduler, the
// reconciliation sweep, the failed-transfer retrier, the live price feed, and
// the archive worker. The HTTP server is started too when enabled, so a
// single engine process can also serve the API.
func (a *App) EngineMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting engine mode")

	g, ctx := errgroup.WithContext(ctx)

	executor, err := a.buildExecutor(ctx)
	if err != nil {
		return fmt.Errorf("engine mode: %w", err)
	}
	machine, settleEngine := a.buildCore(deps, executor)

	a.startEngineWorkers(ctx, g, deps, machine, settleEngine)
	a.startPriceFeed(ctx, g, deps)

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, machine)
	}

	return g.Wait()
}

// ServerMode runs only the HTTP + WebSocket API. The state machine is still
// wired so signed admin transitions execute with full invariants; the
// distributed locks keep them safe next to a separate engine process sharing
// the same Postgres and Redis.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)

	executor, err := a.buildExecutor(ctx)
	if err != nil {
		return fmt.Errorf("server mode: %w", err)
	}
	machine, _ := a.buildCore(deps, executor)

	a.startHTTPServer(ctx, g, deps, machine)

	return g.Wait()
}

// MonitorMode runs the read API and the live price feed with a dry-run
// transfer executor. Settlement logic is fully exercised on admin request,
// but no money moves.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)

	machine, _ := a.buildCore(deps, transfer.NewDryRunExecutor(a.logger))

	a.startPriceFeed(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps, machine)

	return g.Wait()
}

// FullMode runs everything in one process: lifecycle workers, price feed,
// archive worker, and the HTTP + WebSocket API.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	executor, err := a.buildExecutor(ctx)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}
	machine, settleEngine := a.buildCore(deps, executor)

	a.startEngineWorkers(ctx, g, deps, machine, settleEngine)
	a.startPriceFeed(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps, machine)

	return g.Wait()
}

// buildExecutor creates the transfer executor: dry-run when configured, and
// otherwise an EVM executor over the operator key and RPC endpoint.
func (a *App) buildExecutor(ctx context.Context) (domain.TransferExecutor, error) {
	if a.cfg.Chain.DryRun {
		a.logger.InfoContext(ctx, "chain.dry_run is set; transfers will not be sent")
		return transfer.NewDryRunExecutor(a.logger), nil
	}

	keyHex, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    a.cfg.Chain.PrivateKey,
		EncryptedKeyPath: a.cfg.Chain.EncryptedKeyPath,
		KeyPassword:      a.cfg.Chain.KeyPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("build executor: load key: %w", err)
	}
	signer, err := crypto.NewTxSigner(keyHex, a.cfg.Chain.ChainID)
	if err != nil {
		return nil, fmt.Errorf("build executor: create signer: %w", err)
	}

	rpcClient, err := ethclient.DialContext(ctx, a.cfg.Chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("build executor: dial rpc: %w", err)
	}
	a.closers = append(a.closers, rpcClient.Close)

	return transfer.NewEVMExecutor(rpcClient, signer, transfer.EVMConfig{
		TokenContracts: a.cfg.Chain.TokenContracts,
		TokenDecimals:  a.cfg.Engine.CurrencyDecimals,
		ConfirmTimeout: a.cfg.Chain.ConfirmTimeout.Duration,
	}, a.logger), nil
}

// buildCore assembles the settlement engine and the state machine on top of
// the given transfer executor.
func (a *App) buildCore(deps *Dependencies, executor domain.TransferExecutor) (*engine.Machine, *settlement.Engine) {
	scorer := settlement.NewScorer(settlement.ScoringParams{
		ParticipationBase: a.cfg.Scoring.ParticipationBase,
		WinBonus:          a.cfg.Scoring.WinBonus,
		StakeCoefficient:  a.cfg.Scoring.StakeCoefficient,
		PayoutCoefficient: a.cfg.Scoring.PayoutCoefficient,
		EfficiencyCap:     a.cfg.Scoring.EfficiencyCap,
		PotBonusPer100:    a.cfg.Scoring.PotBonusPer100,
		LoserFraction:     a.cfg.Scoring.LoserFraction,
		LoserFloor:        a.cfg.Scoring.LoserFloor,
	})

	settleEngine := settlement.NewEngine(
		settlement.Config{
			JackpotShareBps:   a.cfg.Engine.JackpotShareBps,
			TreasuryRecipient: a.cfg.Chain.TreasuryAddress,
			CurrencyDecimals:  a.cfg.Engine.CurrencyDecimals,
		},
		deps.BetStore,
		deps.TransferStore,
		deps.ResultStore,
		deps.TreasuryStore,
		executor,
		deps.LockManager,
		scorer,
		deps.AuditStore,
		deps.SignalBus,
		deps.Notifier,
		a.logger,
	)

	machine := engine.NewMachine(
		a.engineConfig(),
		deps.RaceStore,
		deps.RaceCache,
		deps.TreasuryStore,
		a.buildPriceSource(deps),
		settleEngine,
		deps.LockManager,
		deps.AuditStore,
		deps.SignalBus,
		a.logger,
	)

	return machine, settleEngine
}

// buildPriceSource assembles the baseline/final price source: the CoinGecko
// REST client behind a short-TTL read-through cache.
func (a *App) buildPriceSource(deps *Dependencies) domain.PriceSource {
	cg := coingecko.NewClient(a.cfg.Pricing.BaseURL, a.cfg.Pricing.APIKey)
	return pricing.NewCachedSource(cg, deps.PriceCache, a.cfg.Pricing.CacheTTL.Duration, a.logger)
}

// engineConfig maps the timing configuration onto the state machine.
func (a *App) engineConfig() engine.Config {
	return engine.Config{
		GraceInterval:  a.cfg.Engine.GraceInterval.Duration,
		ProgressWindow: a.cfg.Engine.ProgressWindow.Duration,
		PriceTimeout:   a.cfg.Pricing.FetchTimeout.Duration,
		PriceRetries:   a.cfg.Pricing.FetchRetries,
	}
}

// startEngineWorkers adds the lifecycle workers to the errgroup: per-race
// timers, the reconciliation sweep, the failed-transfer retrier, and the
// archive worker when S3 is wired.
func (a *App) startEngineWorkers(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	machine *engine.Machine,
	settleEngine *settlement.Engine,
) {
	scheduler := engine.NewScheduler(machine, a.engineConfig(), a.logger)
	g.Go(func() error {
		return scheduler.Run(ctx, deps.RaceStore)
	})

	sweep := engine.NewSweep(
		machine,
		deps.RaceStore,
		scheduler,
		a.cfg.Engine.SweepInterval.Duration,
		a.engineConfig(),
		a.logger,
	)
	g.Go(func() error {
		return sweep.Run(ctx)
	})

	retrier := settlement.NewRetrier(
		settleEngine,
		a.cfg.Engine.RetryInterval.Duration,
		retryBatchSize,
		a.logger,
	)
	g.Go(func() error {
		return retrier.Run(ctx)
	})

	if deps.Archiver != nil {
		worker := s3blob.NewWorker(deps.Archiver, a.cfg.Engine.ArchiveRetentionDays, 24*time.Hour, a.logger)
		g.Go(func() error {
			return worker.Run(ctx)
		})
	}
}

// startPriceFeed adds the exchange websocket feed goroutine when enabled. The
// feed keeps display prices warm and publishes ticks on the "prices" channel;
// authoritative captures still go through the REST source.
func (a *App) startPriceFeed(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !a.cfg.Feed.Enabled {
		return
	}
	pf := feed.NewPriceFeed(a.cfg.Feed.WsURL, a.cfg.Feed.Symbols, deps.PriceCache, deps.SignalBus, a.logger)
	g.Go(func() error {
		defer pf.Close()
		return pf.Run(ctx)
	})
}

// startHTTPServer adds the HTTP server and WebSocket hub goroutines to the
// errgroup. The server is shut down gracefully when the context is cancelled.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	machine *engine.Machine,
) {
	hub := ws.NewHub(deps.SignalBus, a.cfg.Mode, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	var adminAuth *crypto.HMACAuth
	if a.cfg.Server.AdminKey != "" && a.cfg.Server.AdminSecret != "" {
		adminAuth = &crypto.HMACAuth{
			Key:    a.cfg.Server.AdminKey,
			Secret: a.cfg.Server.AdminSecret,
		}
	}

	srv := server.NewServer(
		server.Config{
			Port:          a.cfg.Server.Port,
			CORSOrigins:   a.cfg.Server.CORSOrigins,
			APIKey:        a.cfg.Server.APIKey,
			AdminAuth:     adminAuth,
			RatePerMinute: a.cfg.Server.RatePerMinute,
		},
		server.Handlers{
			Health:   handler.NewHealthHandler(deps.HealthChecks, a.logger),
			Races:    handler.NewRaceHandler(deps.RaceStore, deps.RaceCache, deps.BetStore, deps.TransferStore, deps.ResultStore, a.logger),
			Treasury: handler.NewTreasuryHandler(deps.TreasuryStore, a.logger),
			Stats:    handler.NewStatsHandler(deps.ResultStore, a.logger),
			Admin:    handler.NewAdminHandler(machine, deps.TreasuryStore, deps.AuditStore, deps.BlobReader, a.logger),
		},
		hub,
		deps.RateLimiter,
		a.logger,
	)

	g.Go(func() error {
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
