package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"quote_scanner/internal/clock"
	"quote_scanner/internal/domain"
	"quote_scanner/internal/engine"
	"quote_scanner/internal/feed"
	"quote_scanner/internal/hub"
	"quote_scanner/internal/infra"
	"quote_scanner/internal/infra/push"
	"quote_scanner/internal/pair"
	"quote_scanner/internal/resilience"
	"quote_scanner/internal/service"
	"quote_scanner/internal/session"

	"github.com/robfig/cron/v3"
)

// Deps are the external collaborators of a Scanner.
type Deps struct {
	Prices    domain.PriceStore
	Directory domain.InstrumentDirectory
	Client    feed.Client
	Trades    domain.TradeRecorder // optional
	Clock     clock.Clock          // defaults to the wall clock
}

// Scanner owns the streaming pipeline: feed connection, processor, hubs,
// pair comparator and the scheduled reference reload.
type Scanner struct {
	cfg     *infra.Config
	deps    Deps
	clock   clock.Clock
	sched   *clock.Scheduler
	logger  *slog.Logger
	metrics *infra.Metrics

	gate      *session.Gate
	refs      *service.ReferenceCache
	state     *service.StateCache
	universe  *service.Universe
	processor *service.Processor

	ingest *engine.Dispatcher
	notify *engine.Dispatcher
	pairs  *engine.Dispatcher

	quotes     *hub.Hub[domain.EnrichedQuote]
	pairHub    *hub.Hub[domain.PairComparison]
	comparator *pair.Comparator

	feed *feed.Connection
	push *push.Server

	// "scanner" guards admin calls, "pipeline" tick processing and
	// "upstream" the feed client
	shield   *resilience.Shield
	pipeline *resilience.Shield
	upstream *resilience.Shield
	shields  map[string]*resilience.Shield
	reload   cron.Schedule

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScanner builds the component graph. Nothing runs until Start.
func NewScanner(cfg *infra.Config, deps Deps) (*Scanner, error) {
	if deps.Prices == nil || deps.Directory == nil || deps.Client == nil {
		return nil, errors.New("scanner requires a price store, a directory and a feed client")
	}
	c := deps.Clock
	if c == nil {
		c = clock.Real()
	}

	sessCfg, err := cfg.SessionConfig()
	if err != nil {
		return nil, err
	}
	reload, err := cfg.ReloadSchedule()
	if err != nil {
		return nil, err
	}

	s := &Scanner{
		cfg:     cfg,
		deps:    deps,
		clock:   c,
		sched:   clock.NewScheduler(c),
		logger:  slog.Default().With("module", "scanner"),
		metrics: infra.NewMetrics(),
		gate:    session.NewGate(sessCfg),
		state:   service.NewStateCache(),
		reload:  reload,
	}
	s.shield = s.newShield("scanner")
	s.pipeline = s.newShield("pipeline")
	s.upstream = s.newShield("upstream")

	ingestWorkers := cfg.Scanner.IngestWorkers
	if ingestWorkers <= 0 {
		ingestWorkers = runtime.GOMAXPROCS(0)
	}
	s.ingest = engine.NewDispatcher("ingest", ingestWorkers, cfg.Scanner.QueueSize)
	s.notify = engine.NewDispatcher("notify", cfg.Scanner.NotifyWorkers, cfg.Scanner.QueueSize)
	s.pairs = engine.NewDispatcher("pairs", cfg.Scanner.PairWorkers, cfg.Scanner.QueueSize)

	indices := cfg.Indices
	if len(indices) == 0 {
		indices = service.DefaultIndices()
	}
	s.universe = service.NewUniverse(service.NewIndexRegistry(indices))
	s.refs = service.NewReferenceCache(deps.Prices, c)

	s.quotes = hub.NewQuoteHub(s.notify)
	s.pairHub = hub.NewPairHub(s.notify)
	s.comparator = pair.NewComparator(s.pairs, s.pairHub)
	for _, p := range cfg.Pairs {
		if !s.comparator.AddPair(p) {
			s.logger.Warn("Configured pair skipped", slog.String("pair", p.PairID))
		}
	}

	s.processor = service.NewProcessor(service.ProcessorDeps{
		Gate:           s.gate,
		State:          s.state,
		Refs:           s.refs,
		Enricher:       service.NewEnricher(s.state, s.refs, s.universe, s.gate.Location()),
		Exec:           s.ingest,
		Clock:          c,
		Quotes:         s.quotes,
		Prices:         s.comparator,
		Trades:         deps.Trades,
		Shield:         s.pipeline,
		MinInterval:    cfg.Dedup.MinInterval,
		CleanupHorizon: cfg.Dedup.CleanupHorizon,
	})

	client := feed.NewGuardedClient(deps.Client, s.upstream)
	s.feed = feed.NewConnection(cfg.FeedConfig(), client, s.universe, s.gate, s.processor, s.sched)

	s.quotes.OnFailure(s.recordFailure)
	s.pairHub.OnFailure(s.recordFailure)

	s.quotes.Subscribe("metrics", func(q domain.EnrichedQuote) error {
		s.metrics.RecordQuote(s.clock.Now().Sub(q.Timestamp).Nanoseconds())
		return nil
	})
	s.pairHub.Subscribe("metrics", func(domain.PairComparison) error {
		s.metrics.RecordPair()
		return nil
	})

	if cfg.Push.Enabled {
		s.push = push.NewServer(cfg.Push.Addr, cfg.Push.SessionBuffer, func() any {
			return s.SafeStats(context.Background())
		}, s.metrics)
		s.quotes.Subscribe("push", s.push.SendQuote)
		s.pairHub.Subscribe("push", s.push.SendPair)
	}
	return s, nil
}

func (s *Scanner) newShield(name string) *resilience.Shield {
	sh := resilience.NewShield(name, s.cfg.ShieldConfig(), s.clock)
	sh.OnFailure(func(op string, err error) { s.metrics.RecordError() })
	if s.shields == nil {
		s.shields = make(map[string]*resilience.Shield, 3)
	}
	s.shields[name] = sh
	return sh
}

func (s *Scanner) recordFailure(string, error) { s.metrics.RecordError() }

// healthy reports whether every circuit lets calls through.
func (s *Scanner) healthy() bool {
	for _, sh := range s.shields {
		if !sh.Breaker().Healthy() {
			return false
		}
	}
	return true
}

// Load refreshes the universe and the reference caches. The first load at
// startup must succeed.
func (s *Scanner) Load(ctx context.Context) error {
	if err := s.universe.Refresh(ctx, s.deps.Directory); err != nil {
		return err
	}
	if err := s.refs.Load(ctx, nil); err != nil {
		return fmt.Errorf("load reference prices: %w", err)
	}
	return s.seedVolumes(ctx)
}

func (s *Scanner) seedVolumes(ctx context.Context) error {
	today := s.clock.Now().In(s.gate.Location())
	vols, err := s.deps.Prices.TradedVolumes(ctx, today)
	if err != nil {
		return fmt.Errorf("load traded volumes: %w", err)
	}
	s.state.SeedVolumes(vols)
	return nil
}

// Start launches the pipeline. It returns an error only when the push
// listener cannot bind.
func (s *Scanner) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.ingest.Start(s.ctx)
	s.pairs.Start(s.ctx)
	s.notify.Start(s.ctx)

	if s.push != nil {
		if err := s.push.Start(s.ctx); err != nil {
			s.cancel()
			return err
		}
	}

	s.feed.Start(s.ctx)

	s.sched.Cron("reference-reload", s.reload, func() {
		if err := s.ReloadCaches(s.ctx); err != nil {
			s.logger.Error("Scheduled reload failed", slog.Any("error", err))
		}
	})
	s.sched.Every("health", s.cfg.Scanner.HealthInterval, s.logHealth)

	s.running = true
	s.logger.Info("Scanner started",
		slog.Int("instruments", len(s.universe.Instruments())),
		slog.Int("pairs", len(s.comparator.Pairs())),
		slog.String("session", string(s.gate.Current(s.clock.Now()))),
	)
	return nil
}

// Stop shuts the pipeline down upstream first, so queued work drains into
// components that are still running.
func (s *Scanner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false

	s.feed.Stop()
	s.sched.Stop()
	s.ingest.Stop()
	s.pairs.Stop()
	s.notify.Stop()

	if s.push != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.push.Stop(ctx); err != nil {
			s.logger.Warn("Push server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}
	s.cancel()
	s.logger.Info("Scanner stopped")
}

func (s *Scanner) logHealth() {
	now := s.clock.Now()
	b := s.upstream.Breaker().Metrics()
	s.metrics.SetCircuitState(!s.healthy())
	fs := s.feed.Stats()
	ps := s.processor.Stats()

	s.logger.Info("Scanner health",
		slog.String("session", string(s.gate.Current(now))),
		slog.Bool("connected", fs.Connected),
		slog.String("feed_state", fs.State),
		slog.Uint64("received", fs.TotalReceived),
		slog.Uint64("processed", ps.Processed),
		slog.Uint64("dropped_overflow", ps.DroppedOverflow),
		slog.String("circuit", b.State),
	)
}

// SubscribeQuotes registers a consumer of enriched quotes.
func (s *Scanner) SubscribeQuotes(name string, fn hub.Handler[domain.EnrichedQuote]) hub.SubscriptionID {
	return s.quotes.Subscribe(name, fn)
}

// SubscribePairs registers a consumer of pair comparisons.
func (s *Scanner) SubscribePairs(name string, fn hub.Handler[domain.PairComparison]) hub.SubscriptionID {
	return s.comparator.Subscribe(name, fn)
}

// Metrics returns process-level counters.
func (s *Scanner) Metrics() *infra.Metrics { return s.metrics }
