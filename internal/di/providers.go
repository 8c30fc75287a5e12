package di

import (
	"context"
	"fmt"
	"time"

	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/models"
	domrepo "github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/repository"
	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/handler/api"
	mid "github.com/stefluhh/realtime-stock-exchange-analysis/internal/middleware"
	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/repository"
	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/scheduler"
	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/service/notify"
	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/service/polygon"
	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/service/ratelimit"
	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/services/analytics"
	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/services/features"
	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/usecase"
	"github.com/stefluhh/realtime-stock-exchange-analysis/pkg/cache"
	pkgch "github.com/stefluhh/realtime-stock-exchange-analysis/pkg/clickhouse"
	"github.com/stefluhh/realtime-stock-exchange-analysis/pkg/config"
	pkghttp "github.com/stefluhh/realtime-stock-exchange-analysis/pkg/http"
	pkgkafka "github.com/stefluhh/realtime-stock-exchange-analysis/pkg/kafka"
	"github.com/stefluhh/realtime-stock-exchange-analysis/pkg/logger"
	"github.com/stefluhh/realtime-stock-exchange-analysis/pkg/metrics"
	"github.com/stefluhh/realtime-stock-exchange-analysis/pkg/postgres"
	"github.com/stefluhh/realtime-stock-exchange-analysis/pkg/queue"
	"github.com/stefluhh/realtime-stock-exchange-analysis/pkg/server"

	"github.com/segmentio/kafka-go"
)

const initTimeout = 30 * time.Second

// Repositories holds the stockprice repository of every granularity.
type Repositories struct {
	Minute       *repository.StockpriceRepository
	ThirtyMinute *repository.StockpriceRepository
	Daily        *repository.StockpriceRepository
}

func (r Repositories) histories() map[models.Granularity]usecase.BarHistory {
	return map[models.Granularity]usecase.BarHistory{
		models.GranularityMinute:       r.Minute,
		models.GranularityThirtyMinute: r.ThirtyMinute,
		models.GranularityDaily:        r.Daily,
	}
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics() domrepo.Metrics {
	return metrics.New()
}

// ProvideClickHouseClient creates a ClickHouse client. It returns nil for the
// memory backend.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, error) {
	if cfg.Storage.Backend != config.StorageClickHouse {
		return nil, nil
	}
	client, err := pkgch.NewClient(
		pkgch.WithHost(cfg.ClickHouse.Host),
		pkgch.WithPort(cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithMaxConnections(cfg.ClickHouse.MaxOpenConns, cfg.ClickHouse.MaxIdleConns),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert, cfg.ClickHouse.WaitForAsync),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout, cfg.ClickHouse.WriteTimeout),
		pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime),
	)
	if err != nil {
		return nil, fmt.Errorf("clickhouse client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()
	if err := client.InitSchema(ctx, []string{
		"CREATE DATABASE IF NOT EXISTS " + cfg.ClickHouse.Database,
	}); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	return client, nil
}

// ProvidePostgresClient connects to the ticker database. It returns nil when
// Postgres is disabled.
func ProvidePostgresClient(cfg *config.Config) (*postgres.Client, error) {
	if !cfg.Postgres.Enabled {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()
	client, err := postgres.NewClient(ctx,
		postgres.WithHost(cfg.Postgres.Host, cfg.Postgres.Port),
		postgres.WithDatabase(cfg.Postgres.Database),
		postgres.WithCredentials(cfg.Postgres.User, cfg.Postgres.Password),
		postgres.WithSSLMode(cfg.Postgres.SSLMode),
		postgres.WithPool(cfg.Postgres.MaxOpenConns, cfg.Postgres.MaxIdleConns, cfg.Postgres.ConnMaxLifetime, cfg.Postgres.ConnMaxIdleTime),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres client: %w", err)
	}
	return client, nil
}

// ProvideRedisCache connects to Redis. It returns nil when Redis is disabled.
func ProvideRedisCache(cfg *config.Config) (*cache.RedisCache, error) {
	if !cfg.Redis.Enabled {
		return nil, nil
	}
	rc, err := cache.NewRedisCache(
		cache.WithRedisHost(cfg.Redis.Host),
		cache.WithRedisPort(cfg.Redis.Port),
		cache.WithRedisPassword(cfg.Redis.Password),
		cache.WithRedisDB(cfg.Redis.DB),
		cache.WithRedisPool(cfg.Redis.PoolSize, cfg.Redis.MinIdleConns, cfg.Redis.Timeout),
		cache.WithRedisPrefix(cfg.Redis.Prefix),
	)
	if err != nil {
		return nil, fmt.Errorf("redis cache: %w", err)
	}
	return rc, nil
}

// ProvideKafkaProducer creates a Kafka producer. It returns nil when the
// producer is disabled.
func ProvideKafkaProducer(cfg *config.Config) (*pkgkafka.Producer, error) {
	if !cfg.Kafka.Producer.Enabled {
		return nil, nil
	}
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
		pkgkafka.WithBatchSize(cfg.Kafka.Producer.BatchSize),
		pkgkafka.WithBatchBytes(cfg.Kafka.Producer.BatchBytes),
		pkgkafka.WithBatchTimeout(cfg.Kafka.Producer.Linger),
		pkgkafka.WithTimeouts(cfg.Kafka.Producer.WriteTimeout, cfg.Kafka.Producer.ReadTimeout),
		pkgkafka.WithMaxAttempts(cfg.Kafka.Producer.MaxAttempts),
		pkgkafka.WithAsync(cfg.Kafka.Producer.Async),
		pkgkafka.WithHashByKey(true),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, nil
}

// ProvideTickerRepository uses Postgres when available and an in-memory
// table otherwise.
func ProvideTickerRepository(pg *postgres.Client) (domrepo.TickerRepository, error) {
	if pg == nil {
		return repository.NewMemoryTickerRepository(), nil
	}
	repo := repository.NewPGTickerRepository(pg.DB())
	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()
	if err := repo.Init(ctx); err != nil {
		return nil, fmt.Errorf("ticker schema: %w", err)
	}
	return repo, nil
}

// ProvideTickerCache layers an in-process cache over Redis, or runs memory
// only when rc is nil.
func ProvideTickerCache(cfg *config.Config, rc *cache.RedisCache) *cache.LayeredCache {
	opts := []cache.LayeredOption{cache.WithLayeredMemoryTTL(cfg.Tickers.CacheTTL)}
	if cfg.Tickers.MemorySize > 0 {
		opts = append(opts, cache.WithLayeredMemorySize(cfg.Tickers.MemorySize))
	}
	return cache.NewLayeredCache(rc, opts...)
}

func ProvideTickerProvider(cfg *config.Config, repo domrepo.TickerRepository, c *cache.LayeredCache, log *logger.Logger) *repository.CachedTickerProvider {
	return repository.NewCachedTickerProvider(repo, c, cfg.Tickers.CacheTTL, log)
}

// ProvideRepositories creates and initialises the stockprice repositories.
func ProvideRepositories(cfg *config.Config, ch *pkgch.Client, tickers *repository.CachedTickerProvider, log *logger.Logger) (Repositories, error) {
	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()

	build := func(g models.Granularity) (*repository.StockpriceRepository, error) {
		var store domrepo.BarStore = repository.NewMemoryBarStore()
		if ch != nil {
			store = repository.NewCHBarStore(ch.DB(), repository.BarTableFor(g), log)
		}
		repo := repository.NewStockpriceRepository(g, store, tickers, cfg.Pipeline.CacheRetention, log)
		if err := repo.Init(ctx); err != nil {
			return nil, err
		}
		return repo, nil
	}

	var (
		repos Repositories
		err   error
	)
	if repos.Minute, err = build(models.GranularityMinute); err != nil {
		return Repositories{}, err
	}
	if repos.ThirtyMinute, err = build(models.GranularityThirtyMinute); err != nil {
		return Repositories{}, err
	}
	if repos.Daily, err = build(models.GranularityDaily); err != nil {
		return Repositories{}, err
	}
	return repos, nil
}

func ProvideAnalysisRepository(cfg *config.Config, ch *pkgch.Client) (domrepo.AnalysisRepository, error) {
	if ch == nil {
		return repository.NewMemoryAnalysisRepository(), nil
	}
	repo := repository.NewCHAnalysisRepository(ch.DB(), cfg.ClickHouse.AnalysisTable)
	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()
	if err := repo.Init(ctx); err != nil {
		return nil, fmt.Errorf("analysis schema: %w", err)
	}
	return repo, nil
}

// ProvideNotificationService subscribes every configured channel. Logging is
// always on.
func ProvideNotificationService(
	cfg *config.Config,
	m domrepo.Metrics,
	producer *pkgkafka.Producer,
	rc *cache.RedisCache,
	log *logger.Logger,
) (*usecase.NotificationService, error) {
	var subs []domrepo.Subscriber
	if cfg.Telegram.Enabled {
		tg, err := notify.NewTelegramSubscriber(cfg.Telegram.Token, cfg.Telegram.ChatID)
		if err != nil {
			return nil, fmt.Errorf("telegram subscriber: %w", err)
		}
		subs = append(subs, tg)
	}
	if producer != nil && cfg.Kafka.NotifyTopic != "" {
		subs = append(subs, notify.NewKafkaSubscriber(producer, cfg.Kafka.NotifyTopic))
	}
	if rc != nil && cfg.Redis.NotifyChannel != "" {
		subs = append(subs, notify.NewRedisSubscriber(rc.Client(), cfg.Redis.NotifyChannel))
	}
	return usecase.NewNotificationService(m, log, subs...), nil
}

func ProvideAnalysisService(
	cfg *config.Config,
	tickers *repository.CachedTickerProvider,
	repos Repositories,
	results domrepo.AnalysisRepository,
	notifier *usecase.NotificationService,
	m domrepo.Metrics,
	log *logger.Logger,
) *usecase.AnalysisService {
	return usecase.NewAnalysisService(
		cfg.Analysis.Enabled,
		tickers,
		repos.histories(),
		analytics.NewDefaultRegistry(log),
		results,
		notifier,
		m,
		log,
		usecase.WithAnalysisPool(queue.QueueConfig{Workers: cfg.Analysis.Workers, QueueSize: cfg.Analysis.Backlog}),
	)
}

func ProvideVenueStats() *usecase.VenueStats {
	return usecase.NewVenueStats()
}

// ProvidePipeline connects aggregator, router, rollup and the delayed
// processors of both realtime granularities.
func ProvidePipeline(
	cfg *config.Config,
	repos Repositories,
	analysis *usecase.AnalysisService,
	stats *usecase.VenueStats,
	m domrepo.Metrics,
	log *logger.Logger,
) server.Pipeline {
	minute := usecase.NewDelayedProcessor(
		features.NewPostProcessor(repos.Minute, log),
		repos.Minute, analysis, m, cfg.Pipeline.MinuteDelay, log,
	)
	thirty := usecase.NewDelayedProcessor(
		features.NewPostProcessor(repos.ThirtyMinute, log),
		repos.ThirtyMinute, analysis, m, cfg.Pipeline.ThirtyMinuteDelay, log,
	)
	rollup := usecase.NewCandleRollup(thirty.OnCandle, log, usecase.WithDebounce(cfg.Pipeline.RollupDebounce))
	router := usecase.NewCandleRouter(repos.Minute, minute.OnCandle, rollup.Buffer, stats, log)

	return server.Pipeline{
		Aggregator:   usecase.NewTradeAggregator(router.Route, m, log),
		Rollup:       rollup,
		Minute:       minute,
		ThirtyMinute: thirty,
	}
}

// ProvideRealtimePipeline filters feed trades to the lit venues before they
// reach the aggregator.
func ProvideRealtimePipeline(cfg *config.Config, p server.Pipeline, m domrepo.Metrics) *mid.RealtimePipeline {
	opts := []mid.PipelineOption{mid.WithTransform(mid.UpperSymbol)}
	if len(cfg.Pipeline.LitVenues) > 0 {
		opts = append(opts, mid.WithVenues(cfg.Pipeline.LitVenues))
	}
	return mid.NewRealtimePipeline(p.Aggregator, m, opts...)
}

// ProvideStreamCollector creates the websocket feed. It returns nil when the
// feed is disabled.
func ProvideStreamCollector(cfg *config.Config, pipe *mid.RealtimePipeline, m domrepo.Metrics, log *logger.Logger) *usecase.StreamCollector {
	if !cfg.Polygon.Enabled {
		return nil
	}
	var opts []polygon.Option
	if cfg.Polygon.WebSocketURL != "" {
		opts = append(opts, polygon.WithURL(cfg.Polygon.WebSocketURL))
	}
	if cfg.Polygon.Subscription != "" {
		opts = append(opts, polygon.WithSubscription(cfg.Polygon.Subscription))
	}
	if cfg.Polygon.PingInterval > 0 {
		opts = append(opts, polygon.WithPingInterval(cfg.Polygon.PingInterval))
	}
	stream := polygon.New(cfg.Polygon.APIKey, log, opts...)
	return usecase.NewStreamCollector(stream, pipe, m, log)
}

// ProvideKafkaConsumer creates the trade replay consumer. It returns nil when
// the consumer is disabled.
func ProvideKafkaConsumer(cfg *config.Config, m domrepo.Metrics, log *logger.Logger) (*pkgkafka.Consumer, error) {
	if !cfg.Kafka.Consumer.Enabled {
		return nil, nil
	}
	consumer, err := pkgkafka.NewConsumer(
		pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithConsumerGroupID(cfg.Kafka.Consumer.GroupID),
		pkgkafka.WithConsumerWorkers(cfg.Kafka.Consumer.Workers),
		pkgkafka.WithConsumerBufferSize(cfg.Kafka.Consumer.BufferSize),
		pkgkafka.WithConsumerRetry(cfg.Kafka.Consumer.RetryMax, cfg.Kafka.Consumer.BackoffMin, cfg.Kafka.Consumer.BackoffMax),
		pkgkafka.WithConsumerDLQ(cfg.Kafka.Consumer.DLQTopic),
		pkgkafka.WithConsumerFetch(cfg.Kafka.Consumer.MinBytes, cfg.Kafka.Consumer.MaxBytes),
		pkgkafka.WithConsumerAutoOffsetReset(cfg.Kafka.Consumer.Offset),
		pkgkafka.WithConsumerLogger(log),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	consumer.WithConsumerHook(pkgkafka.HookFuncs{
		Err: func(_ context.Context, _ string, _ kafka.Message, _ []byte, _ error) {
			m.RecordError("kafka_consumer")
		},
	})
	return consumer, nil
}

func ProvideKafkaTradesHandler(cfg *config.Config, pipe *mid.RealtimePipeline, m domrepo.Metrics) *usecase.KafkaTradesHandler {
	if !cfg.Kafka.Consumer.Enabled {
		return nil
	}
	return usecase.NewKafkaTradesHandler(cfg.Kafka.Consumer.Topic, pipe, m)
}

func ProvideFeeds(collector *usecase.StreamCollector, consumer *pkgkafka.Consumer, trades *usecase.KafkaTradesHandler) server.Feeds {
	feeds := server.Feeds{Collector: collector, Consumer: consumer}
	if trades != nil {
		feeds.Trades = trades
	}
	return feeds
}

// ProvideTickerRefresher returns nil when the daily refresh is disabled.
func ProvideTickerRefresher(
	cfg *config.Config,
	repo domrepo.TickerRepository,
	tickers *repository.CachedTickerProvider,
	log *logger.Logger,
) *usecase.TickerRefresher {
	if !cfg.Tickers.RefreshEnabled {
		return nil
	}
	var opts []pkghttp.ClientOption
	if cfg.Polygon.RestTimeout > 0 {
		opts = append(opts, pkghttp.WithTimeout(cfg.Polygon.RestTimeout))
	}
	source := polygon.NewReferenceClient(pkghttp.NewClient(opts...), cfg.Polygon.RestURL, cfg.Polygon.APIKey, log)
	throttle := ratelimit.New(cfg.Tickers.DetailsPerSecond, 1)
	return usecase.NewTickerRefresher(repo, source, throttle, tickers, log)
}

func ProvideScheduler(
	cfg *config.Config,
	p server.Pipeline,
	stats *usecase.VenueStats,
	collector *usecase.StreamCollector,
	refresher *usecase.TickerRefresher,
	log *logger.Logger,
) (*scheduler.Scheduler, error) {
	var (
		health scheduler.HealthProber
		jobs   scheduler.TickerJobs
	)
	if collector != nil {
		health = collector
	}
	if refresher != nil {
		jobs = refresher
	}
	s := scheduler.New(p.Aggregator, stats, health, jobs, log)
	if err := s.RegisterAll(scheduler.Specs{
		Drain:          cfg.Scheduler.Drain,
		Health:         cfg.Scheduler.Health,
		TickerRefresh:  cfg.Scheduler.TickerRefresh,
		DetailsRefresh: cfg.Scheduler.DetailsRefresh,
	}); err != nil {
		return nil, err
	}
	return s, nil
}

// ProvideAdminService backs the admin API with the minute repository.
func ProvideAdminService(
	repos Repositories,
	analysis *usecase.AnalysisService,
	repo domrepo.TickerRepository,
	tickers *repository.CachedTickerProvider,
	log *logger.Logger,
) *usecase.AdminService {
	post := features.NewPostProcessor(repos.Minute, log)
	sequential := usecase.NewSequentialProcessor(post, repos.Minute, analysis, log)
	return usecase.NewAdminService(repos.Minute, post, sequential, repo, tickers, log)
}

func ProvideHTTPServer(cfg *config.Config, admin *usecase.AdminService, collector *usecase.StreamCollector, log *logger.Logger) *pkghttp.Server {
	var feed api.FeedStatus
	if collector != nil {
		feed = collector
	}
	handler := api.NewAdminHandler(admin, feed, log)

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	opts := []pkghttp.ServerOption{
		pkghttp.WithPort(cfg.Server.Port),
		pkghttp.WithCORS(cfg.Server.CORS),
		pkghttp.WithMetricsRegistry(nil, metricsPath),
	}
	if cfg.Server.ReadTimeout > 0 && cfg.Server.WriteTimeout > 0 && cfg.Server.ShutdownTimeout > 0 {
		opts = append(opts, pkghttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout))
	}
	if rl := cfg.Server.RateLimit; rl.PerSecond > 0 {
		opts = append(opts, pkghttp.WithRateLimit(ratelimit.New(rl.PerSecond, rl.Burst)))
	}
	return pkghttp.NewServer(handler, log, opts...)
}

// ProvideApp creates the application server and hands it the clients to
// close on shutdown.
func ProvideApp(
	cfg *config.Config,
	log *logger.Logger,
	feeds server.Feeds,
	p server.Pipeline,
	sched *scheduler.Scheduler,
	analysis *usecase.AnalysisService,
	notifier *usecase.NotificationService,
	httpServer *pkghttp.Server,
	tickerCache *cache.LayeredCache,
	ch *pkgch.Client,
	pg *postgres.Client,
	producer *pkgkafka.Producer,
) *server.App {
	app := server.New(cfg, log, feeds, p, sched, analysis, notifier, httpServer)
	if ch != nil {
		app.AddCloser("clickhouse", ch)
	}
	if pg != nil {
		app.AddCloser("postgres", pg)
	}
	// closes the Redis client as well
	app.AddCloser("ticker_cache", tickerCache)
	if producer != nil {
		app.AddCloser("kafka_producer", producer)
	}
	return app
}
