//go:build wireinject
// +build wireinject

package di

import (
	"github.com/google/wire"

	"github.com/stefluhh/realtime-stock-exchange-analysis/pkg/config"
	"github.com/stefluhh/realtime-stock-exchange-analysis/pkg/logger"
	"github.com/stefluhh/realtime-stock-exchange-analysis/pkg/server"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config, log *logger.Logger) (*server.App, error) {
	wire.Build(
		// Metrics
		ProvideMetrics,

		// Infrastructure clients
		ProvideClickHouseClient,
		ProvidePostgresClient,
		ProvideRedisCache,
		ProvideKafkaProducer,

		// Repositories
		ProvideTickerRepository,
		ProvideTickerCache,
		ProvideTickerProvider,
		ProvideRepositories,
		ProvideAnalysisRepository,

		// Use cases
		ProvideNotificationService,
		ProvideAnalysisService,
		ProvideVenueStats,
		ProvidePipeline,
		ProvideRealtimePipeline,
		ProvideStreamCollector,
		ProvideKafkaConsumer,
		ProvideKafkaTradesHandler,
		ProvideFeeds,
		ProvideTickerRefresher,
		ProvideScheduler,
		ProvideAdminService,

		// Application server
		ProvideHTTPServer,
		ProvideApp,
	)
	return &server.App{}, nil
}
