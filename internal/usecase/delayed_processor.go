package usecase

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/models"
	domrepo "github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/repository"
	applogger "github.com/stefluhh/realtime-stock-exchange-analysis/pkg/logger"
)

const (
	DefaultBatchDelay = 5000 * time.Millisecond
	MinuteBatchDelay  = 250 * time.Millisecond
)

// BarPostProcessor enriches bars with their statistical features.
type BarPostProcessor interface {
	Process(ctx context.Context, bars []*models.Bar, recalculation bool) []*models.Bar
}

// BarWriter persists bars of one granularity.
type BarWriter interface {
	Granularity() models.Granularity
	InsertAll(ctx context.Context, bars []*models.Bar) error
}

// BarAnalyzer runs the analysis strategies on persisted bars.
type BarAnalyzer interface {
	Analyze(ctx context.Context, bars []*models.Bar, g models.Granularity) error
	Dispatch(bars []*models.Bar, g models.Granularity)
}

// DelayedProcessor collects closed candles for a short delay and handles them
// as one batch: enrich, persist, then hand off to analysis.
type DelayedProcessor struct {
	post     BarPostProcessor
	writer   BarWriter
	analyzer BarAnalyzer
	metrics  domrepo.Metrics
	log      *applogger.Logger
	delay    time.Duration

	mu      sync.Mutex
	order   []string
	pending map[string]*models.Bar
	timer   *time.Timer
	wg      sync.WaitGroup
}

func NewDelayedProcessor(
	post BarPostProcessor,
	writer BarWriter,
	analyzer BarAnalyzer,
	metrics domrepo.Metrics,
	delay time.Duration,
	log *applogger.Logger,
) *DelayedProcessor {
	if delay <= 0 {
		delay = DefaultBatchDelay
	}
	return &DelayedProcessor{
		post:     post,
		writer:   writer,
		analyzer: analyzer,
		metrics:  metrics,
		log:      log.Named("delayed_processor_" + strings.ToLower(string(writer.Granularity()))),
		delay:    delay,
		pending:  make(map[string]*models.Bar),
	}
}

// OnCandle buffers c. The first candle after an idle period arms the timer.
func (p *DelayedProcessor) OnCandle(ctx context.Context, c *models.Candle) {
	if c == nil {
		return
	}
	bar := models.BarFromCandle(c)
	p.metrics.RecordCandle(p.writer.Granularity())

	p.mu.Lock()
	defer p.mu.Unlock()

	key := bar.Key()
	if _, ok := p.pending[key]; ok {
		return
	}
	p.pending[key] = bar
	p.order = append(p.order, key)

	if p.timer == nil {
		flushCtx := context.WithoutCancel(ctx)
		p.wg.Add(1)
		p.timer = time.AfterFunc(p.delay, func() {
			defer p.wg.Done()
			p.flush(flushCtx)
		})
	}
}

func (p *DelayedProcessor) swap() []*models.Bar {
	p.mu.Lock()
	defer p.mu.Unlock()

	bars := make([]*models.Bar, 0, len(p.order))
	for _, key := range p.order {
		bars = append(bars, p.pending[key])
	}
	p.order = nil
	p.pending = make(map[string]*models.Bar)
	p.timer = nil
	return bars
}

func (p *DelayedProcessor) flush(ctx context.Context) {
	bars := p.swap()
	if len(bars) == 0 {
		return
	}
	start := time.Now()
	g := p.writer.Granularity()

	enriched := p.post.Process(ctx, bars, false)
	if len(enriched) == 0 {
		p.log.Warn("no bars left after post-processing", applogger.Int("received", len(bars)))
		return
	}
	if err := p.writer.InsertAll(ctx, enriched); err != nil {
		p.metrics.RecordError("persist_bars")
		p.log.Error("persist batch failed", applogger.Int("count", len(enriched)), applogger.Error(err))
		return
	}
	p.metrics.RecordBarsPersisted(g, len(enriched))
	p.metrics.RecordLatency("batch_flush_"+string(g), time.Since(start).Seconds())

	p.analyzer.Dispatch(enriched, g)
}

// Pending returns the number of buffered bars.
func (p *DelayedProcessor) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}

// Stop flushes what is buffered right away and waits for running flushes.
func (p *DelayedProcessor) Stop(ctx context.Context) {
	p.mu.Lock()
	t := p.timer
	p.mu.Unlock()

	if t != nil && t.Stop() {
		p.flush(ctx)
		p.wg.Done()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.log.Warn("stop timed out with a flush still running")
	}
}

// SequentialProcessor handles every bar on its own and synchronously. It is
// meant for bulk imports where the order of history matters.
type SequentialProcessor struct {
	post     BarPostProcessor
	writer   BarWriter
	analyzer BarAnalyzer
	log      *applogger.Logger
}

func NewSequentialProcessor(post BarPostProcessor, writer BarWriter, analyzer BarAnalyzer, log *applogger.Logger) *SequentialProcessor {
	return &SequentialProcessor{
		post:     post,
		writer:   writer,
		analyzer: analyzer,
		log:      log.Named("sequential_processor"),
	}
}

// ProcessCandles maps candles to bars and processes them one by one.
func (p *SequentialProcessor) ProcessCandles(ctx context.Context, candles []*models.Candle) (int, error) {
	bars := make([]*models.Bar, 0, len(candles))
	for _, c := range candles {
		bars = append(bars, models.BarFromCandle(c))
	}
	return p.ProcessBars(ctx, bars)
}

// ProcessBars enriches, persists and analyzes each bar before the next one.
// It returns the number of stored bars.
func (p *SequentialProcessor) ProcessBars(ctx context.Context, bars []*models.Bar) (int, error) {
	g := p.writer.Granularity()
	stored := 0
	for _, b := range bars {
		if err := ctx.Err(); err != nil {
			return stored, err
		}
		enriched := p.post.Process(ctx, []*models.Bar{b}, false)
		if len(enriched) == 0 {
			continue
		}
		if err := p.writer.InsertAll(ctx, enriched); err != nil {
			return stored, fmt.Errorf("persist %s bar %s: %w", g, b.Key(), err)
		}
		stored++
		if err := p.analyzer.Analyze(ctx, enriched, g); err != nil {
			p.log.Error("analysis failed", applogger.String("symbol", b.Symbol), applogger.Error(err))
		}
	}
	return stored, nil
}
