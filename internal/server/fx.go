// Package server wires configuration into a running scout process.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/scout/internal/api"
	"github.com/JakeFAU/scout/internal/classifier"
	"github.com/JakeFAU/scout/internal/clock"
	"github.com/JakeFAU/scout/internal/config"
	"github.com/JakeFAU/scout/internal/credential"
	"github.com/JakeFAU/scout/internal/crawler"
	"github.com/JakeFAU/scout/internal/dedup"
	dedupredis "github.com/JakeFAU/scout/internal/dedup/redis"
	"github.com/JakeFAU/scout/internal/dispatcher"
	"github.com/JakeFAU/scout/internal/engine"
	"github.com/JakeFAU/scout/internal/events"
	eventsinks "github.com/JakeFAU/scout/internal/events/sinks"
	collyfetcher "github.com/JakeFAU/scout/internal/fetcher/colly"
	"github.com/JakeFAU/scout/internal/fetcher/headless"
	"github.com/JakeFAU/scout/internal/fetcher/impersonate"
	"github.com/JakeFAU/scout/internal/frontier"
	neo4jgraph "github.com/JakeFAU/scout/internal/graph/neo4j"
	"github.com/JakeFAU/scout/internal/hash/sha256"
	"github.com/JakeFAU/scout/internal/id/uuid"
	memoryjobs "github.com/JakeFAU/scout/internal/jobstore/memory"
	postgresjobs "github.com/JakeFAU/scout/internal/jobstore/postgres"
	sqlitejobs "github.com/JakeFAU/scout/internal/jobstore/sqlite"
	"github.com/JakeFAU/scout/internal/logging"
	"github.com/JakeFAU/scout/internal/notify"
	memorynotify "github.com/JakeFAU/scout/internal/notify/memory"
	pubsubnotify "github.com/JakeFAU/scout/internal/notify/pubsub"
	"github.com/JakeFAU/scout/internal/policy/ratelimit"
	"github.com/JakeFAU/scout/internal/relevance"
	"github.com/JakeFAU/scout/internal/scheduler"
	"github.com/JakeFAU/scout/internal/search"
	"github.com/JakeFAU/scout/internal/sink"
	gcssink "github.com/JakeFAU/scout/internal/sink/gcs"
	kafkasink "github.com/JakeFAU/scout/internal/sink/kafka"
	localsink "github.com/JakeFAU/scout/internal/sink/local"
	memorysink "github.com/JakeFAU/scout/internal/sink/memory"
	postgressink "github.com/JakeFAU/scout/internal/sink/postgres"
	"github.com/JakeFAU/scout/internal/spider"
	"github.com/JakeFAU/scout/internal/strategy"
	"github.com/JakeFAU/scout/internal/telemetry"
	"github.com/JakeFAU/scout/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	clock      crawler.Clock
	ids        crawler.IDGenerator
	registerer prometheus.Registerer

	jobStore   crawler.JobStore
	hub        *events.Hub
	dedup      *dedup.Cache
	classifier *classifier.Classifier
	limiter    *ratelimit.Limiter
	creds      *credential.Pool
	tracker    *strategy.Tracker
	registry   *frontier.Registry
	scheduler  *scheduler.Scheduler
	engine     *engine.Engine
	apiServer  *api.Server

	// closers run in reverse order once the hub has flushed.
	closers        []namedCloser
	tracerShutdown func(context.Context) error
}

type namedCloser struct {
	name  string
	close func(context.Context) error
}

// Build creates the application's dependencies. Everything that opens a
// connection does so here, so configuration errors surface before any work
// is scheduled.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	return build(ctx, cfg, prometheus.DefaultRegisterer)
}

func build(ctx context.Context, cfg config.Config, reg prometheus.Registerer) (_ *App, err error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{
		cfg:        cfg,
		logger:     logger,
		clock:      clock.New(),
		ids:        uuid.New(),
		registerer: reg,
	}
	defer func() {
		if err != nil {
			app.closeInfrastructure(context.Background())
		}
	}()

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Sample:      cfg.Telemetry.Tracing,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	logger.Info("building application dependencies", zap.Int("server_port", cfg.Server.Port))

	if err = app.setupJobStore(ctx); err != nil {
		return nil, err
	}
	if err = app.setupEvents(ctx); err != nil {
		return nil, err
	}
	if err = app.setupDedup(); err != nil {
		return nil, err
	}
	if err = app.setupRouting(); err != nil {
		return nil, err
	}
	results, err := app.setupSinks(ctx)
	if err != nil {
		return nil, err
	}
	fetchers, err := app.setupFetchers()
	if err != nil {
		return nil, err
	}
	runner, err := app.setupWorkers(fetchers, results)
	if err != nil {
		return nil, err
	}
	if err = app.setupEngine(ctx, fetchers, runner); err != nil {
		return nil, err
	}

	app.apiServer, err = api.NewServer(api.Deps{
		Scheduler:       app.scheduler,
		Credentials:     app.creds,
		Classifications: app.classifier,
		Frontier:        app.registry,
		Discoverer:      app.engine,
		Ready:           app.ready,
		BaseContext:     ctx,
		APIKey:          cfg.Server.APIKey,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("api init failed: %w", err)
	}
	return app, nil
}

// Handler exposes the admin API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Serve runs the admin API and the worker pools until ctx is cancelled,
// then drains in-flight work.
func (a *App) Serve(ctx context.Context) error {
	a.logger.Info("application started")
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	runErr := a.engine.Run(runCtx)
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

// Discover runs one discovery pass and retrieves everything it admits.
func (a *App) Discover(ctx context.Context, query string) (engine.Report, error) {
	return a.engine.Crawl(ctx, query)
}

// Close flushes events and releases every backend.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("event hub close failed", zap.Error(err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

func (a *App) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, namedCloser{name: name, close: fn})
}

func (a *App) ready(ctx context.Context) error {
	if _, err := a.jobStore.Len(ctx); err != nil {
		return fmt.Errorf("job store: %w", err)
	}
	return nil
}

func (a *App) setupJobStore(ctx context.Context) error {
	switch a.cfg.JobStore.Driver {
	case "sqlite":
		store, err := sqlitejobs.Open(ctx, a.cfg.JobStore.DSN)
		if err != nil {
			return fmt.Errorf("sqlite job store init failed: %w", err)
		}
		a.onClose("sqlite job store", func(context.Context) error { return store.Close() })
		a.jobStore = store
	case "postgres":
		store, err := postgresjobs.Open(ctx, postgresjobs.Config{DSN: a.cfg.JobStore.DSN})
		if err != nil {
			return fmt.Errorf("postgres job store init failed: %w", err)
		}
		a.onClose("postgres job store", func(context.Context) error {
			store.Close()
			return nil
		})
		a.jobStore = store
	default:
		a.logger.Warn("using in-memory job store; queued work will not survive a restart")
		a.jobStore = memoryjobs.New()
	}
	a.logger.Info("job store initialized", zap.String("driver", a.cfg.JobStore.Driver))
	return nil
}

func (a *App) setupEvents(ctx context.Context) error {
	prom, err := eventsinks.NewPrometheusSink(a.registerer)
	if err != nil {
		return fmt.Errorf("prometheus event sink init failed: %w", err)
	}
	sinkList := []events.Sink{
		eventsinks.NewLogSink(a.logger.Named("events_log")),
		prom,
	}
	notifier, err := a.setupNotifier(ctx)
	if err != nil {
		return err
	}
	sinkList = append(sinkList, notifier)

	a.hub = events.NewHub(events.Config{
		BaseContext: ctx,
		Logger:      a.logger,
	}, sinkList...)
	a.logger.Info("event hub initialized", zap.Int("sinks", len(sinkList)))
	return nil
}

func (a *App) setupNotifier(ctx context.Context) (*notify.Notifier, error) {
	topic := a.cfg.Notify.Topic
	if topic == "" || a.cfg.Notify.ProjectID == "" {
		a.logger.Warn("No Pub/Sub topic configured, dead letters are kept in memory")
		return notify.New(memorynotify.New(), "dead-letters", nil, a.logger)
	}
	publisher, closer, err := pubsubnotify.Open(ctx, a.cfg.Notify.ProjectID, topic)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.Notify.ProjectID),
		zap.String("topic", topic),
	)
	return notify.New(publisher, topic, closer, a.logger)
}

func (a *App) setupDedup() error {
	var remote dedup.Remote
	if addr := a.cfg.Dedup.RedisAddr; addr != "" {
		store, err := dedupredis.New(dedupredis.Config{
			Addr:   addr,
			Prefix: a.cfg.Dedup.RedisPrefix,
			TTL:    a.cfg.Dedup.RedisTTL,
		})
		if err != nil {
			return fmt.Errorf("redis dedup init failed: %w", err)
		}
		a.onClose("redis dedup", func(context.Context) error { return store.Close() })
		remote = store
		a.logger.Info("shared dedup tier enabled", zap.String("addr", addr))
	}
	cache, err := dedup.New(dedup.Config{
		Capacity: a.cfg.Dedup.Capacity,
		Remote:   remote,
		Logger:   a.logger,
	})
	if err != nil {
		return fmt.Errorf("dedup init failed: %w", err)
	}
	a.dedup = cache
	a.registry = frontier.New(frontier.Config{
		Retention: a.cfg.Frontier.Retention,
		Dedup:     cache,
		Clock:     a.clock,
		Logger:    a.logger,
	})
	return nil
}

// setupRouting builds the components that decide where a job goes: the
// credential pool, the success tracker, and the scheduler.
func (a *App) setupRouting() error {
	var err error
	a.creds, err = credential.New(credential.Config{
		Cooldown: a.cfg.CredentialPool.Cooldown,
		Clock:    a.clock,
		Logger:   a.logger,
	}, a.cfg.PoolCredentials())
	if err != nil {
		return fmt.Errorf("credential pool init failed: %w", err)
	}
	a.tracker = strategy.NewTracker(a.cfg.Strategy.EMAAlpha)
	a.scheduler, err = scheduler.New(scheduler.Config{
		MaxAttempts:           a.cfg.Scheduler.MaxAttempts,
		RetryPenalty:          a.cfg.Scheduler.RetryPenalty,
		FailuresPerCapability: a.cfg.Scheduler.FailuresPerCapability,
		PollInterval:          a.cfg.Scheduler.PollInterval,
		Backoff: scheduler.Backoff{
			Base: a.cfg.Scheduler.BackoffBase,
			Cap:  a.cfg.Scheduler.BackoffCap,
		},
		Clock:  a.clock,
		IDs:    uuid.NewWithPrefix("job-"),
		Events: a.hub,
		Logger: a.logger,
	}, a.jobStore)
	if err != nil {
		return fmt.Errorf("scheduler init failed: %w", err)
	}
	return nil
}

func (a *App) setupSinks(ctx context.Context) (crawler.ResultSink, error) {
	prefix := a.cfg.Sink.Prefix
	var multi sink.Multi
	for _, driver := range a.cfg.Sink.Drivers {
		var (
			store sink.BlobStore
			err   error
		)
		switch driver {
		case "kafka":
			k, kerr := kafkasink.New(a.cfg.Sink.Brokers, a.cfg.Sink.Topic)
			if kerr != nil {
				return nil, fmt.Errorf("kafka sink init failed: %w", kerr)
			}
			a.onClose("kafka sink", func(context.Context) error { return k.Close() })
			multi = append(multi, k)
			a.logger.Info("kafka sink enabled", zap.String("topic", a.cfg.Sink.Topic))
			continue
		case "postgres":
			pg, perr := postgressink.Open(ctx, postgressink.Config{DSN: a.cfg.Sink.DSN, Table: a.cfg.Sink.Table})
			if perr != nil {
				return nil, fmt.Errorf("postgres sink init failed: %w", perr)
			}
			a.onClose("postgres sink", func(context.Context) error {
				pg.Close()
				return nil
			})
			multi = append(multi, pg)
			a.logger.Info("retrieval rows enabled", zap.String("table", a.cfg.Sink.Table))
			continue
		case "gcs":
			var closer func() error
			store, closer, err = gcssink.Open(ctx, gcssink.Config{Bucket: a.cfg.Sink.Bucket})
			if err == nil {
				a.onClose("gcs sink", func(context.Context) error { return closer() })
			}
		case "local":
			store, err = localsink.New(localsink.Config{BaseDir: a.cfg.Sink.Dir})
		default:
			store = memorysink.NewBlobStore()
		}
		if err != nil {
			return nil, fmt.Errorf("%s sink init failed: %w", driver, err)
		}
		blob, err := sink.NewBlob(store, prefix)
		if err != nil {
			return nil, fmt.Errorf("%s sink init failed: %w", driver, err)
		}
		multi = append(multi, blob)
		a.logger.Info("blob sink enabled", zap.String("driver", driver), zap.String("prefix", prefix))
	}
	if len(multi) == 1 {
		return multi[0], nil
	}
	return multi, nil
}

// setupFetchers builds one fetcher per capability. Capabilities whose
// backend is switched off get an Unavailable stand-in and are filtered out
// of every chain.
func (a *App) setupFetchers() (map[crawler.Capability]crawler.Fetcher, error) {
	specs, err := a.cfg.CapabilitySpecs()
	if err != nil {
		return nil, err
	}
	fc := a.cfg.Fetch
	fetchers := map[crawler.Capability]crawler.Fetcher{
		crawler.CapabilityPlainHTTP: collyfetcher.New(collyfetcher.Config{
			UserAgent:     fc.UserAgent,
			RespectRobots: fc.RespectRobots,
			Timeout:       specs[crawler.CapabilityPlainHTTP].Timeout,
		}),
		crawler.CapabilityTLSImpersonation: impersonate.New(impersonate.Config{
			Timeout: specs[crawler.CapabilityTLSImpersonation].Timeout,
		}),
		crawler.CapabilityManagedProxy: collyfetcher.NewManagedProxy(collyfetcher.Config{
			UserAgent: fc.UserAgent,
			Timeout:   specs[crawler.CapabilityManagedProxy].Timeout,
		}),
	}
	if !fc.Headless {
		a.logger.Info("headless capabilities disabled")
		fetchers[crawler.CapabilityHeadlessBrowser] = headless.NewUnavailable(crawler.CapabilityHeadlessBrowser)
		fetchers[crawler.CapabilityBrowserCaptcha] = headless.NewUnavailable(crawler.CapabilityBrowserCaptcha)
		return fetchers, nil
	}
	browser, err := headless.NewChromedp(headless.Config{
		MaxParallel:       specs[crawler.CapabilityHeadlessBrowser].Concurrency + specs[crawler.CapabilityBrowserCaptcha].Concurrency,
		UserAgent:         fc.UserAgent,
		NavigationTimeout: fc.NavigationTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("headless fetcher init failed: %w", err)
	}
	a.onClose("headless browser", func(context.Context) error {
		browser.Close()
		return nil
	})
	captcha, err := headless.NewCaptcha(browser, headless.NewTwoCaptcha(headless.TwoCaptchaConfig{
		Endpoint: fc.CaptchaEndpoint,
	}))
	if err != nil {
		return nil, fmt.Errorf("captcha fetcher init failed: %w", err)
	}
	fetchers[crawler.CapabilityHeadlessBrowser] = browser
	fetchers[crawler.CapabilityBrowserCaptcha] = captcha
	a.logger.Info("using headless fetcher", zap.Duration("navigation_timeout", fc.NavigationTimeout))
	return fetchers, nil
}

func (a *App) setupWorkers(
	fetchers map[crawler.Capability]crawler.Fetcher,
	results crawler.ResultSink,
) (*dispatcher.Dispatcher, error) {
	specs, err := a.cfg.CapabilitySpecs()
	if err != nil {
		return nil, err
	}
	chains, err := a.cfg.ChainTable()
	if err != nil {
		return nil, err
	}
	a.limiter = ratelimit.New(ratelimit.Config{
		Domain:     ratelimit.Limit{RPS: a.cfg.RateLimit.DomainRPS, Burst: a.cfg.RateLimit.DomainBurst},
		Credential: ratelimit.Limit{RPS: a.cfg.RateLimit.CredentialRPS, Burst: a.cfg.RateLimit.CredentialBurst},
	})
	a.logger.Info("rate limiter configured",
		zap.Float64("domain_rps", a.cfg.RateLimit.DomainRPS),
		zap.Float64("credential_rps", a.cfg.RateLimit.CredentialRPS),
	)

	a.classifier, err = classifier.New(classifier.Config{
		TTL:              a.cfg.Classifier.TTL,
		ProbeTimeout:     a.cfg.Classifier.ProbeTimeout,
		ErrorTTL:         a.cfg.Classifier.ErrorTTL,
		FailureThreshold: a.cfg.Classifier.FailureThreshold,
		Chains:           chains,
		Clock:            a.clock,
		Logger:           a.logger,
		OnClassified:     a.emitClassified,
	}, ratelimit.NewFetcher(fetchers[crawler.CapabilityPlainHTTP], a.limiter))
	if err != nil {
		return nil, fmt.Errorf("classifier init failed: %w", err)
	}

	hasher := sha256.New()
	pools := make([]*worker.Pool, 0, len(crawler.AllCapabilities))
	for _, capability := range crawler.AllCapabilities {
		pool, err := worker.New(capability, specs[capability], worker.Deps{
			Scheduler:   a.scheduler,
			Fetcher:     fetchers[capability],
			Sink:        results,
			Hasher:      hasher,
			Clock:       a.clock,
			Credentials: a.creds,
			Limiter:     a.limiter,
			Dedup:       a.dedup,
			Outcomes:    a.classifier,
			Strategy:    a.tracker,
			Candidates:  a.registry,
			Logger:      a.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("worker pool %s init failed: %w", capability, err)
		}
		pools = append(pools, pool)
		a.logger.Debug("worker pool ready",
			zap.String("capability", string(capability)),
			zap.Int("concurrency", specs[capability].Concurrency),
		)
	}
	d, err := dispatcher.New(a.scheduler, pools, dispatcher.Config{
		Grace:  a.cfg.Shutdown.Grace,
		Logger: a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("dispatcher init failed: %w", err)
	}
	return d, nil
}

func (a *App) emitClassified(c crawler.Classification) {
	a.hub.Emit(events.Event{
		TS:     c.ClassifiedAt,
		Stage:  events.StageClassified,
		Domain: c.Domain,
		Reason: string(c.Category),
		Note:   strings.Join(c.Signals, ","),
	})
}

func (a *App) setupEngine(ctx context.Context, fetchers map[crawler.Capability]crawler.Fetcher, runner engine.Runner) error {
	searcher, err := a.setupSearch()
	if err != nil {
		return err
	}
	scorer, err := a.setupScorer()
	if err != nil {
		return err
	}
	specs, err := a.cfg.CapabilitySpecs()
	if err != nil {
		return err
	}
	withCredentials := strategy.Availability(specs, a.creds)
	available := func(c crawler.Capability) bool {
		if _, off := fetchers[c].(headless.Unavailable); off {
			return false
		}
		return withCredentials(c)
	}

	deps := engine.Deps{
		Searcher:   searcher,
		Gate:       scorer,
		Classifier: a.classifier,
		History:    a.tracker,
		Scheduler:  a.scheduler,
		Runner:     runner,
		Candidates: a.registry,
	}
	if a.cfg.Spider.Enabled {
		expander, err := a.setupSpider(ctx, ratelimit.NewFetcher(fetchers[crawler.CapabilityPlainHTTP], a.limiter), scorer)
		if err != nil {
			return err
		}
		deps.Expander = expander
	}
	a.engine, err = engine.New(engine.Config{
		MaxResults: a.cfg.Discovery.MaxResults,
		Available:  available,
		IDs:        a.ids,
		Logger:     a.logger,
	}, deps)
	if err != nil {
		return fmt.Errorf("engine init failed: %w", err)
	}
	return nil
}

func (a *App) setupSearch() (*search.Aggregator, error) {
	dc := a.cfg.Discovery
	sources := make([]crawler.DiscoverySource, 0, len(dc.Sources))
	for _, name := range dc.Sources {
		switch name {
		case "serper":
			serper, err := search.NewSerper(dc.SerperAPIKey, dc.SerperEndpoint, dc.SourceTimeout)
			if err != nil {
				return nil, fmt.Errorf("serper source init failed: %w", err)
			}
			sources = append(sources, serper)
		case "bing":
			bing, err := search.NewBing(dc.BingAPIKey, dc.BingEndpoint, dc.SourceTimeout)
			if err != nil {
				return nil, fmt.Errorf("bing source init failed: %w", err)
			}
			sources = append(sources, bing)
		case "brave":
			brave, err := search.NewBrave(dc.BraveAPIKey, dc.BraveEndpoint, dc.SourceTimeout)
			if err != nil {
				return nil, fmt.Errorf("brave source init failed: %w", err)
			}
			sources = append(sources, brave)
		case "duckduckgo":
			sources = append(sources, search.NewDuckDuckGo(dc.DuckDuckGoEndpoint, dc.SourceTimeout))
		default:
			sources = append(sources, search.Static{URLs: dc.Seeds})
		}
		a.logger.Info("search source enabled", zap.String("source", name))
	}
	agg, err := search.New(search.Config{
		SourceTimeout: dc.SourceTimeout,
		IDs:           a.ids,
		Clock:         a.clock,
		Logger:        a.logger,
	}, sources...)
	if err != nil {
		return nil, fmt.Errorf("search init failed: %w", err)
	}
	return agg, nil
}

func (a *App) setupScorer() (*relevance.Scorer, error) {
	rc := a.cfg.Relevance
	var oracle crawler.RelevanceOracle = relevance.Heuristic{}
	if rc.Oracle == "ollama" {
		ollama, err := relevance.NewOllama(rc.OllamaHost, rc.OllamaModel, rc.OracleTimeout)
		if err != nil {
			return nil, fmt.Errorf("ollama oracle init failed: %w", err)
		}
		oracle = ollama
	}
	scorer, err := relevance.New(relevance.Config{
		Threshold: rc.Threshold,
		BatchSize: rc.BatchSize,
		Timeout:   rc.OracleTimeout,
		CacheSize: rc.CacheSize,
		CacheTTL:  rc.CacheTTL,
		Logger:    a.logger,
	}, oracle)
	if err != nil {
		return nil, fmt.Errorf("relevance scorer init failed: %w", err)
	}
	a.logger.Info("relevance scorer configured", zap.String("oracle", rc.Oracle), zap.Int("threshold", rc.Threshold))
	return scorer, nil
}

func (a *App) setupSpider(ctx context.Context, fetcher crawler.Fetcher, scorer spider.Scorer) (*spider.Expander, error) {
	sc := a.cfg.Spider
	cfg := spider.Config{
		MaxDepth:    sc.MaxDepth,
		MaxTotal:    sc.MaxTotalURLs,
		MaxFanout:   sc.MaxFanout,
		Concurrency: sc.LinkConcurrency,
		IDs:         a.ids,
		Clock:       a.clock,
		Seen:        a.dedup,
		Logger:      a.logger,
	}
	if gc := a.cfg.Graph; gc.URI != "" {
		graph, err := neo4jgraph.Open(ctx, gc.URI, gc.User, gc.Password, a.logger)
		if err != nil {
			return nil, fmt.Errorf("neo4j graph init failed: %w", err)
		}
		a.onClose("neo4j graph", graph.Close)
		cfg.Edges = graph
		a.logger.Info("link graph recording enabled", zap.String("uri", gc.URI))
	}
	expander, err := spider.New(cfg, spider.NewPageLinks(fetcher, sc.FetchTimeout), scorer)
	if err != nil {
		return nil, fmt.Errorf("spider init failed: %w", err)
	}
	return expander, nil
}
