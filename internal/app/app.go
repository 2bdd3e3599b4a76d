// Package app wires configuration to adapters, use cases and lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"MarketSignals/internal/api"
	"MarketSignals/internal/clock"
	"MarketSignals/internal/collector"
	"MarketSignals/internal/config"
	"MarketSignals/internal/dedupe"
	"MarketSignals/internal/domain"
	"MarketSignals/internal/infrastructure/lexicon"
	"MarketSignals/internal/infrastructure/llm"
	"MarketSignals/internal/infrastructure/ml"
	"MarketSignals/internal/infrastructure/parser"
	"MarketSignals/internal/infrastructure/scheduler"
	"MarketSignals/internal/infrastructure/storage"
	"MarketSignals/internal/infrastructure/telegram"
	"MarketSignals/internal/logging"
	"MarketSignals/internal/metrics"
	"MarketSignals/internal/ports"
	"MarketSignals/internal/ratelimit"
	"MarketSignals/internal/scanner"
	"MarketSignals/internal/signal"
	"MarketSignals/internal/usecase"
	"MarketSignals/internal/validator"
	stdlogger "MarketSignals/pkg/logger"
)

const serviceName = "marketsignals"

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg        config.Config
	logger     logging.Logger
	registry   *prometheus.Registry
	metrics    *metrics.Pipeline
	gate       *ratelimit.Gate
	aggregator *signal.Aggregator
	pipeline   *usecase.Pipeline
	windows    ports.WindowReader
	closers    []func() error
}

// New builds every adapter named by cfg. Storage connections are opened here,
// so Close must be called when New succeeds.
func New(ctx context.Context, cfg config.Config, log logging.Logger) (*Application, error) {
	if log == nil {
		log = logging.NewNop()
	}
	a := &Application{
		cfg:      cfg,
		logger:   log,
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.NewPipeline(a.registry)

	if err := a.build(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *Application) build(ctx context.Context) error {
	cfg := a.cfg
	clk := clock.Real{}

	gateCfg := cfg.GateConfig()
	gateLog := logging.Component(a.logger, "gate")
	gateCfg.OnStateChange = func(from, to ratelimit.State) {
		a.metrics.GateStateChanged(from, to)
		gateLog.Warn("Circuit state changed", logging.String("from", from.String()), logging.String("to", to.String()))
	}
	gate, err := ratelimit.New(gateCfg, clk)
	if err != nil {
		return err
	}
	a.gate = gate

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}

	scorer, err := newScorer(cfg)
	if err != nil {
		return err
	}

	agg, err := signal.New(cfg.SignalConfig(), scorer,
		signal.WithStore(store),
		signal.WithClock(clk),
		signal.WithLogger(logging.Component(a.logger, "aggregator")),
	)
	if err != nil {
		return err
	}
	a.aggregator = agg

	val, err := validator.New(cfg.ValidatorConfig(), clk)
	if err != nil {
		return err
	}
	dd, err := dedupe.New(cfg.DedupeConfig(), logging.Component(a.logger, "dedupe"))
	if err != nil {
		return err
	}

	registry, names, err := newSourceRegistry(cfg.Sources, clk)
	if err != nil {
		return err
	}

	var notifier ports.Notifier
	if cfg.Notifications.Telegram.Enabled() {
		n := telegram.NewNotifier(cfg.Notifications.Telegram.BotToken, cfg.Notifications.Telegram.ChatID)
		if cfg.Notifications.Telegram.APIBase != "" {
			n.WithAPIBase(cfg.Notifications.Telegram.APIBase)
		}
		notifier = n
	}
	minAbs := cfg.Notifications.MinAbsScore

	var index ports.PostIndex
	if idx, ok := store.(ports.PostIndex); ok {
		index = idx
	}

	pipeline, err := usecase.NewPipeline(usecase.PipelineDeps{
		Source: parser.NewStrategySource(registry, names, logging.Component(a.logger, "source")),
		Collector: collector.New(gate, cfg.CollectorConfig(),
			collector.WithClock(clk),
			collector.WithLogger(logging.Component(a.logger, "collector")),
			collector.WithRecorder(a.metrics),
		),
		Validator:     val,
		Dedupe:        dd,
		Aggregator:    agg,
		Store:         store,
		Index:         index,
		Notifier:      notifier,
		Digest:        func(ws []domain.SignalWindow) string { return telegram.FormatDigest(ws, minAbs) },
		Observer:      a.metrics,
		FlushOnFinish: cfg.Signal.FlushOnFinish,
		Clock:         clk,
		Logger:        logging.Component(a.logger, "pipeline"),
	})
	if err != nil {
		return err
	}
	a.pipeline = pipeline
	return nil
}

// openStore returns the configured store; every driver also serves PostIndex and WindowReader.
func (a *Application) openStore(ctx context.Context) (ports.SignalStore, error) {
	sc := a.cfg.Storage
	switch sc.Driver {
	case config.StoragePostgres:
		db, err := storage.OpenPostgres(ctx, sc.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		repo := storage.NewPostgresRepository(db)
		if sc.Migrate {
			if err := repo.Migrate(ctx); err != nil {
				return nil, err
			}
		}
		a.windows = repo
		return repo, nil
	case config.StorageRedis:
		client, err := storage.OpenRedis(ctx, sc.RedisAddress, sc.RedisPassword, sc.RedisDB)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		store := storage.NewRedisStore(client, a.cfg.StorageTTL())
		a.windows = store
		return store, nil
	case config.StorageMemory, "":
		store := storage.NewMemoryStore()
		a.windows = store
		return store, nil
	default:
		return nil, fmt.Errorf("%w: unknown storage driver %q", domain.ErrInvalidConfig, sc.Driver)
	}
}

func newScorer(cfg config.Config) (ports.SentimentScorer, error) {
	switch cfg.Sentiment.Kind {
	case config.SentimentLexicon, "":
		return lexicon.New(cfg.Sentiment.Lexicon), nil
	case config.SentimentML:
		return ml.NewClient(cfg.Sentiment.Endpoint, cfg.Sentiment.APIKey, cfg.SentimentTimeout()), nil
	case config.SentimentChat:
		return llm.NewChatGPTClient(cfg.ChatGPT), nil
	default:
		return nil, fmt.Errorf("%w: unknown sentiment kind %q", domain.ErrInvalidConfig, cfg.Sentiment.Kind)
	}
}

func newSourceRegistry(sources []config.SourceConfig, clk clock.Clock) (*scanner.Registry, []string, error) {
	registry := scanner.NewRegistry()
	names := make([]string, 0, len(sources))
	for _, s := range sources {
		switch s.Kind {
		case config.SourceHTML:
			registry.Register(parser.NewHTMLSource(s.Name, s.BaseURL, nil))
		case config.SourceMock:
			registry.Register(parser.NewMockSource(parser.MockConfig{
				Name:      s.Name,
				Total:     s.Total,
				FailEvery: s.FailEvery,
				Seed:      s.Seed,
			}, clk))
		default:
			return nil, nil, fmt.Errorf("%w: source %s has unknown kind %q", domain.ErrInvalidConfig, s.Name, s.Kind)
		}
		names = append(names, s.Name)
	}
	return registry, names, nil
}

// RunOnce executes a single pipeline pass for q.
func (a *Application) RunOnce(ctx context.Context, q domain.Query) (*domain.RunReport, error) {
	if q.MaxItems == 0 {
		q.MaxItems = a.cfg.Collect.MaxItems
	}
	return a.pipeline.Run(ctx, q)
}

// Flush emits every window still open, e.g. after a one-shot run.
func (a *Application) Flush(ctx context.Context) ([]domain.SignalWindow, error) {
	return a.pipeline.Flush(ctx)
}

// Serve runs the cron schedule and the status server until ctx is cancelled.
func (a *Application) Serve(ctx context.Context) error {
	var opts []scheduler.Option
	opts = append(opts, scheduler.WithLogger(stdlogger.New(a.logger.Zap(), "cron")))
	if a.cfg.Scheduler.RunOnStart {
		opts = append(opts, scheduler.WithRunOnStart())
	}
	driver := scheduler.NewCronScheduler(a.cfg.Scheduler.CronExpression, a.cfg.Scheduler.Location(), opts...)
	sched := usecase.NewScheduler(driver, a.pipeline, a.cfg.Queries(), logging.Component(a.logger, "scheduler"))

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if next, err := driver.Next(time.Now()); err == nil {
		a.logger.Info("Scheduler started",
			logging.String("cron", a.cfg.Scheduler.CronExpression),
			logging.Time("next_run", next),
			logging.Int("queries", len(a.cfg.Queries())),
		)
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.cfg.Server.Addr != "" {
		srv := api.NewServer(
			api.ServerConfig{Addr: a.cfg.Server.Addr},
			logging.Component(a.logger, "http"),
			a.Handler(),
			a.registry,
		)
		g.Go(func() error { return srv.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	runErr := g.Wait()

	//nolint:contextcheck // ctx is done; stopping needs a live context
	stopErr := sched.Stop(context.Background())
	return errors.Join(runErr, stopErr)
}

// Handler exposes the HTTP handler set for the status server.
func (a *Application) Handler() *api.Handler {
	return api.NewHandler(serviceName, a.gate, a.windows, a.aggregator, a.pipeline).WithScorer(a.aggregator)
}

// Close releases storage connections.
func (a *Application) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
