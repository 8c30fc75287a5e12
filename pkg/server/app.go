package server

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/scheduler"
	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/usecase"
	"github.com/stefluhh/realtime-stock-exchange-analysis/pkg/config"
	xhttp "github.com/stefluhh/realtime-stock-exchange-analysis/pkg/http"
	pkgkafka "github.com/stefluhh/realtime-stock-exchange-analysis/pkg/kafka"
	applogger "github.com/stefluhh/realtime-stock-exchange-analysis/pkg/logger"
)

// Pipeline groups the stages between the trade feed and the analysis.
type Pipeline struct {
	Aggregator   *usecase.TradeAggregator
	Rollup       *usecase.CandleRollup
	Minute       *usecase.DelayedProcessor
	ThirtyMinute *usecase.DelayedProcessor
}

// Feeds are the trade sources. Both are optional.
type Feeds struct {
	Collector *usecase.StreamCollector
	Consumer  *pkgkafka.Consumer
	Trades    pkgkafka.MessageHandler
}

type namedCloser struct {
	name string
	c    io.Closer
}

// App encapsulates the entire application lifecycle.
type App struct {
	cfg        *config.Config
	log        *applogger.Logger
	feeds      Feeds
	pipeline   Pipeline
	scheduler  *scheduler.Scheduler
	analysis   *usecase.AnalysisService
	notifier   *usecase.NotificationService
	httpServer *xhttp.Server
	closers    []namedCloser
	fatal      chan error
}

// New creates a new App instance with all dependencies.
func New(
	cfg *config.Config,
	log *applogger.Logger,
	feeds Feeds,
	pipeline Pipeline,
	sched *scheduler.Scheduler,
	analysis *usecase.AnalysisService,
	notifier *usecase.NotificationService,
	httpServer *xhttp.Server,
) *App {
	return &App{
		cfg:        cfg,
		log:        log.Named("app"),
		feeds:      feeds,
		pipeline:   pipeline,
		scheduler:  sched,
		analysis:   analysis,
		notifier:   notifier,
		httpServer: httpServer,
		fatal:      make(chan error, 1),
	}
}

// AddCloser registers an infrastructure client closed last on shutdown, in
// reverse registration order. Nil closers are ignored.
func (a *App) AddCloser(name string, c io.Closer) {
	if c == nil {
		return
	}
	a.closers = append(a.closers, namedCloser{name: name, c: c})
}

// Run starts the application and blocks until interrupted or the feed gives
// up reconnecting.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.start(ctx); err != nil {
		a.shutdown()
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		a.log.Info("shutdown signal received", applogger.String("signal", sig.String()))
	case err := <-a.fatal:
		a.log.Error("feed failed permanently", applogger.Error(err))
		runErr = err
	}

	a.shutdown()
	return runErr
}

func (a *App) start(ctx context.Context) error {
	a.analysis.Start(ctx)
	a.pipeline.Rollup.Start(ctx)

	if a.feeds.Consumer != nil && a.feeds.Trades != nil {
		a.feeds.Consumer.RegisterHandler(a.feeds.Trades)
		if err := a.feeds.Consumer.Start(); err != nil {
			return fmt.Errorf("start kafka consumer: %w", err)
		}
		a.log.Info("kafka consumer started", applogger.String("topic", a.feeds.Trades.Topic()))
	}

	if c := a.feeds.Collector; c != nil {
		go func() {
			if err := c.Start(ctx); err != nil {
				a.raise(err)
				return
			}
			select {
			case err := <-c.Fatal():
				a.raise(err)
			case <-ctx.Done():
			}
		}()
	}

	a.scheduler.Start()

	if err := a.httpServer.Start(); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}
	a.log.Info("started", applogger.String("environment", a.cfg.Environment))
	return nil
}

func (a *App) raise(err error) {
	select {
	case a.fatal <- err:
	default:
	}
}

// shutdown stops the components front to back so that every stage can hand
// its remaining work to the next one before that one stops.
func (a *App) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	a.log.Info("shutting down", applogger.Duration("timeout", a.cfg.ShutdownTimeout))

	if a.feeds.Collector != nil {
		if err := a.feeds.Collector.Shutdown(ctx); err != nil {
			a.log.Warn("collector stop error", applogger.Error(err))
		}
	}
	if a.feeds.Consumer != nil {
		if err := a.feeds.Consumer.Stop(ctx); err != nil {
			a.log.Warn("kafka consumer stop error", applogger.Error(err))
		}
	}

	if err := a.scheduler.Stop(ctx); err != nil {
		a.log.Warn("scheduler stop error", applogger.Error(err))
	}

	a.pipeline.Aggregator.Wait()
	a.pipeline.Rollup.Stop()
	a.pipeline.Minute.Stop(ctx)
	a.pipeline.ThirtyMinute.Stop(ctx)

	if err := a.analysis.Shutdown(ctx); err != nil {
		a.log.Warn("analysis drain incomplete", applogger.Error(err))
	}
	if err := a.notifier.Shutdown(ctx); err != nil {
		a.log.Warn("notification drain incomplete", applogger.Error(err))
	}

	if err := a.httpServer.Stop(ctx); err != nil {
		a.log.Error("http shutdown error", applogger.Error(err))
	}

	for i := len(a.closers) - 1; i >= 0; i-- {
		nc := a.closers[i]
		if err := nc.c.Close(); err != nil {
			a.log.Warn("close error", applogger.String("client", nc.name), applogger.Error(err))
		}
	}

	a.log.Info("shutdown complete")
}
