package app

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"enerx-readmodel/internal/alerting"
	"enerx-readmodel/internal/cache"
	"enerx-readmodel/internal/chain"
	"enerx-readmodel/internal/config"
	"enerx-readmodel/internal/dispatcher"
	"enerx-readmodel/internal/history"
	"enerx-readmodel/internal/repository"
	"enerx-readmodel/internal/scheduler"
	"enerx-readmodel/internal/server"
	"enerx-readmodel/internal/service"
	"enerx-readmodel/internal/storage"
	"enerx-readmodel/internal/version"
	"enerx-readmodel/internal/wallet"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

// runtime is the wired object graph behind one command.
type runtime struct {
	adapter    *chain.Adapter
	listings   *repository.ListingRepository
	profiles   *repository.ProfileRepository
	history    *history.Aggregator
	account    *wallet.Account
	dispatcher *dispatcher.Dispatcher
	readModel  *service.ReadModel
	store      *storage.Store
	cache      *cache.SnapshotCache
}

type buildOptions struct {
	scheduler *scheduler.Scheduler
	store     bool
	cache     bool
}

func (a *App) newAdapter() (*chain.Adapter, error) {
	eth := a.Config.Ethereum
	return chain.NewAdapter(chain.Options{
		RPCURL:            eth.RPCURL,
		ContractAddress:   eth.ContractAddress,
		PrivateKey:        eth.PrivateKey,
		ChainID:           eth.ChainID,
		RequestTimeout:    eth.RequestTimeout,
		ConfirmTimeout:    eth.ConfirmTimeout,
		PollInterval:      eth.PollInterval,
		RequestsPerSecond: eth.RequestsPerSecond,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) openCache(ctx context.Context) (*cache.SnapshotCache, func(), error) {
	if a.Config.Redis.Addr == "" {
		return nil, nil, nil
	}
	rc := a.Config.Redis
	c, err := cache.Connect(ctx, cache.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
		Prefix:   rc.KeyPrefix,
		TTL:      rc.TTL,
	}, a.Logger)
	if err != nil {
		return nil, nil, err
	}
	closer := func() {
		if err := c.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("close redis")
		}
	}
	return c, closer, nil
}

// initialAccount is the configured account, else the wallet signer.
func (a *App) initialAccount(adapter *chain.Adapter) common.Address {
	if acct := a.Config.Ethereum.Account; acct != "" {
		return common.HexToAddress(acct)
	}
	return adapter.Signer()
}

// build wires the object graph. The returned closer releases the store and
// cache connections; it is never nil.
func (a *App) build(ctx context.Context, opts buildOptions) (*runtime, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	adapter, err := a.newAdapter()
	if err != nil {
		return nil, closeAll, err
	}

	rt := &runtime{adapter: adapter}
	repoOpts := repository.Options{
		Concurrency: a.Config.Ethereum.ScanConcurrency,
		MaxListings: a.Config.Ethereum.MaxListings,
	}
	rt.listings = repository.NewListingRepository(adapter, repoOpts, a.Logger)
	rt.profiles = repository.NewProfileRepository(adapter, repoOpts, a.Logger)
	rt.history = history.NewAggregator(adapter, rt.listings, a.Config.Ethereum.ScanConcurrency, a.Logger)
	rt.account = wallet.NewAccount(a.initialAccount(adapter))

	rt.dispatcher = dispatcher.New(adapter, a.Logger)
	rt.dispatcher.Register(rt.listings, rt.profiles, rt.history)
	rt.dispatcher.SetChecker(adapter)
	if notifier := a.newNotifier(); notifier != nil {
		rt.dispatcher.SetNotifier(notifier)
	}
	if opts.scheduler != nil {
		// republish to the shared cache and store right after a confirmed write
		sched := opts.scheduler
		rt.dispatcher.OnSuccess(func(*dispatcher.Mutation) { sched.Kick() })
	}

	deps := service.Deps{
		Listings:  rt.listings,
		Profiles:  rt.profiles,
		History:   rt.history,
		Platform:  adapter,
		Account:   rt.account,
		Scheduler: opts.scheduler,
	}

	if opts.store {
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			return nil, closeAll, err
		}
		if store == nil {
			a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
		} else {
			closers = append(closers, closeStore)
			rt.store = store
			rt.dispatcher.SetStore(store)
			deps.Store = store
			deps.Locker = store
		}
	}

	if opts.cache {
		c, closeCache, err := a.openCache(ctx)
		if err != nil {
			return nil, closeAll, err
		}
		if c == nil {
			a.Logger.Debug().Msg("redis.addr not configured; snapshot cache disabled")
		} else {
			closers = append(closers, closeCache)
			rt.cache = c
			deps.Cache = c
		}
	}

	rt.readModel = service.New(a.Config, deps, a.Logger)
	return rt, closeAll, nil
}

// Run executes the long-running refresh loop and HTTP API.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		RunOnStart:   true,
	}, a.Logger)

	rt, closeAll, err := a.build(ctx, buildOptions{scheduler: sched, store: true, cache: true})
	defer closeAll()
	if err != nil {
		return err
	}

	var mutator server.Mutator
	if rt.adapter.HasWallet() {
		mutator = rt.dispatcher
	} else if a.Config.Server.EnableWrites {
		a.Logger.Warn().Msg("server.enable_writes set without ethereum.private_key; writes disabled")
	}
	srv := server.New(a.Config.Server, rt.readModel, mutator, a.Logger)

	a.Logger.Info().
		Str("version", version.Version).
		Str("account", rt.account.Current().Hex()).
		Msg("starting read model service")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rt.readModel.Run(gctx)
	})
	g.Go(func() error {
		return srv.Run(gctx)
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("read model service stopped")
	return nil
}
