// Package pipeline wires market data, detection, execution and the event
// sinks into one start/stop unit.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"crossarb/internal/arbitrage"
	"crossarb/internal/exchange"
	"crossarb/internal/execution"
	"crossarb/internal/marketdata"
	"crossarb/internal/model"
	"crossarb/internal/risk"
	"crossarb/internal/stream"
)

var (
	ErrAlreadyRunning = errors.New("pipeline already running")
	ErrNoFeeds        = errors.New("no market data feed could be subscribed")
)

const sinkTimeout = 5 * time.Second

// Venues is the exchange registry seen by the pipeline. *exchange.Registry
// satisfies it.
type Venues interface {
	Get(name string) (exchange.ExchangeClient, error)
	Names() []string
}

// Sink receives every detected opportunity and every finished trade.
// database.PostgresRepository and notify.RedisPublisher implement it.
type Sink interface {
	SaveOpportunity(ctx context.Context, opp model.ArbitrageOpportunity) error
	SaveTradeResult(ctx context.Context, result model.TradeResult) error
}

// Config holds the pipeline settings.
type Config struct {
	Detector     arbitrage.DetectorConfig
	Executor     execution.ExecutorConfig
	BookDepth    int
	StreamBuffer int
	SinkQueue    int
}

// Stats summarizes the pipeline since the last Start.
type Stats struct {
	Running               bool
	StartedAt             time.Time
	OpportunitiesDetected int64
	OpportunitiesDropped  int64
	ScansSkipped          int64
	ScanErrors            int64
	ExecutionsAttempted   int64
	ExecutionsSucceeded   int64
	ExecutionsFailed      int64
	Stranded              int64
	Rejected              map[string]int64
	StreamDropped         int64
	SinkDropped           int64
	SinkErrors            int64
	VenueErrors           map[string]string
	Feeds                 []marketdata.FeedStatus
}

type sinkEvent struct {
	opp   *model.ArbitrageOpportunity
	trade *model.TradeResult
}

// Pipeline owns the aggregator, the detector, the executor and the sinks.
type Pipeline struct {
	logger *slog.Logger
	venues Venues
	risk   *risk.Controller
	cfg    Config
	sinks  []Sink

	market        *marketdata.Aggregator
	opportunities *stream.Broadcaster[model.ArbitrageOpportunity]
	trades        *stream.Broadcaster[model.TradeResult]
	sinkQueue     chan sinkEvent

	sinkDropped atomic.Int64
	sinkErrors  atomic.Int64
	venueErrors sync.Map // exchange id -> string

	mu        sync.Mutex
	cancel    context.CancelFunc
	group     *errgroup.Group
	startedAt time.Time
	detector  *arbitrage.Detector
	executor  *execution.Executor
}

// New creates a stopped Pipeline.
func New(logger *slog.Logger, venues Venues, controller *risk.Controller, cfg Config, sinks ...Sink) *Pipeline {
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = 256
	}
	if cfg.SinkQueue <= 0 {
		cfg.SinkQueue = 1024
	}
	return &Pipeline{
		logger:        logger.With("component", "pipeline"),
		venues:        venues,
		risk:          controller,
		cfg:           cfg,
		sinks:         sinks,
		market:        marketdata.NewAggregator(logger, venues, cfg.BookDepth),
		opportunities: stream.NewBroadcaster[model.ArbitrageOpportunity](cfg.StreamBuffer),
		trades:        stream.NewBroadcaster[model.TradeResult](cfg.StreamBuffer),
		sinkQueue:     make(chan sinkEvent, cfg.SinkQueue),
	}
}

// Market exposes the aggregated order books.
func (p *Pipeline) Market() *marketdata.Aggregator {
	return p.market
}

// Start subscribes every venue to every pair and begins detection and
// execution. Feeds that fail to subscribe are logged and skipped; Start only
// fails when none succeed.
func (p *Pipeline) Start(ctx context.Context, pairs []model.TradingPair) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	var (
		subscribed int
		errs       []error
	)
	for _, name := range p.venues.Names() {
		for _, pair := range pairs {
			if err := p.market.Subscribe(runCtx, name, pair); err != nil {
				errs = append(errs, err)
				p.recordVenueError(name, err.Error())
				p.logger.Error("Feed subscription failed", "exchange", name, "pair", pair.String(), "error", err)
				continue
			}
			subscribed++
		}
	}
	if subscribed == 0 {
		cancel()
		p.market.UnsubscribeAll()
		if len(errs) == 0 {
			return fmt.Errorf("pipeline: start: %w", ErrNoFeeds)
		}
		return fmt.Errorf("pipeline: start: %w: %w", ErrNoFeeds, errors.Join(errs...))
	}

	p.detector = arbitrage.NewDetector(p.logger, p.market, p.risk, p.cfg.Detector)
	p.executor = execution.NewExecutor(p.logger, p.venues, p.market, p.risk, p.cfg.Executor)
	p.startedAt = time.Now()

	g, gctx := errgroup.WithContext(runCtx)
	execIn := make(chan model.ArbitrageOpportunity)

	p.detector.Start(gctx)
	g.Go(func() error {
		<-gctx.Done()
		p.detector.Stop()
		return nil
	})
	g.Go(func() error {
		defer close(execIn)
		p.forward(gctx, p.detector.Opportunities(), execIn)
		return nil
	})
	g.Go(func() error {
		p.executor.Run(gctx, execIn, p.onResult)
		return nil
	})
	g.Go(func() error {
		p.deliver(gctx)
		return nil
	})

	p.cancel, p.group = cancel, g
	p.logger.Info("Pipeline started", "feeds", subscribed, "pairs", len(pairs))
	return nil
}

// Stop halts detection, waits for in-flight trades and unsubscribes every
// feed. Calling Stop while stopped is a no-op.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel == nil {
		return
	}
	p.cancel()
	_ = p.group.Wait()
	p.market.UnsubscribeAll()
	p.cancel, p.group = nil, nil
	p.logger.Info("Pipeline stopped")
}

// IsRunning reports whether the pipeline has been started and not stopped.
func (p *Pipeline) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// Opportunities streams detected opportunities until ctx ends.
func (p *Pipeline) Opportunities(ctx context.Context) <-chan model.ArbitrageOpportunity {
	return p.opportunities.Subscribe(ctx)
}

// TradeResults streams finished trades until ctx ends.
func (p *Pipeline) TradeResults(ctx context.Context) <-chan model.TradeResult {
	return p.trades.Subscribe(ctx)
}

// forward fans each opportunity out to subscribers and sinks, then hands it
// to the executor.
func (p *Pipeline) forward(ctx context.Context, in <-chan model.ArbitrageOpportunity, out chan<- model.ArbitrageOpportunity) {
	for {
		select {
		case <-ctx.Done():
			return
		case opp, ok := <-in:
			if !ok {
				return
			}
			p.opportunities.Publish(opp)
			p.enqueue(sinkEvent{opp: &opp})
			select {
			case out <- opp:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (p *Pipeline) onResult(result model.TradeResult) {
	switch {
	case !result.BuyResult.Success:
		p.recordVenueError(result.Opportunity.BuyExchange, result.BuyResult.Error)
	case !result.SellResult.Success:
		p.recordVenueError(result.Opportunity.SellExchange, result.SellResult.Error)
	}
	p.trades.Publish(result)
	p.enqueue(sinkEvent{trade: &result})
}

func (p *Pipeline) recordVenueError(name, msg string) {
	p.venueErrors.Store(name, msg)
}

func (p *Pipeline) enqueue(ev sinkEvent) {
	if len(p.sinks) == 0 {
		return
	}
	select {
	case p.sinkQueue <- ev:
	default:
		p.sinkDropped.Add(1)
		p.logger.Warn("Sink queue full, event dropped")
	}
}

// deliver writes queued events to the sinks. Events still queued when ctx
// ends are flushed before returning.
func (p *Pipeline) deliver(ctx context.Context) {
	for {
		select {
		case ev := <-p.sinkQueue:
			p.write(ctx, ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-p.sinkQueue:
					p.write(ctx, ev)
				default:
					return
				}
			}
		}
	}
}

func (p *Pipeline) write(ctx context.Context, ev sinkEvent) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	defer cancel()
	for _, sink := range p.sinks {
		var err error
		if ev.opp != nil {
			err = sink.SaveOpportunity(wctx, *ev.opp)
		} else {
			err = sink.SaveTradeResult(wctx, *ev.trade)
		}
		if err != nil {
			p.sinkErrors.Add(1)
			p.logger.Error("Sink write failed", "error", err)
		}
	}
}

// Stats reports the counters of the current or last run.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	st := Stats{
		Running:   p.cancel != nil,
		StartedAt: p.startedAt,
		Rejected:  map[string]int64{},
	}
	detector, executor := p.detector, p.executor
	p.mu.Unlock()

	if detector != nil {
		ds := detector.Stats()
		st.OpportunitiesDetected = ds.Detected
		st.OpportunitiesDropped = ds.Dropped
		st.ScansSkipped = ds.Skipped
		st.ScanErrors = ds.ScanErrors
	}
	if executor != nil {
		es := executor.Stats()
		st.ExecutionsAttempted = es.Attempted
		st.ExecutionsSucceeded = es.Succeeded
		st.ExecutionsFailed = es.Failed
		st.Stranded = es.Stranded
		st.Rejected = es.Rejected
	}
	st.StreamDropped = p.opportunities.Dropped() + p.trades.Dropped()
	st.SinkDropped = p.sinkDropped.Load()
	st.SinkErrors = p.sinkErrors.Load()

	st.VenueErrors = make(map[string]string)
	p.venueErrors.Range(func(k, v any) bool {
		st.VenueErrors[k.(string)] = v.(string)
		return true
	})
	st.Feeds = p.market.FeedStatuses()
	for _, f := range st.Feeds {
		if f.LastError != "" {
			st.VenueErrors[f.Exchange] = f.LastError
		}
	}
	return st
}
