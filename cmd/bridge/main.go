package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"hermes/internal/admin"
	"hermes/internal/bridge"
	"hermes/internal/chain"
	"hermes/internal/events"
	"hermes/internal/gascredit"
	"hermes/internal/handlers"
	"hermes/internal/ledger"
	"hermes/internal/momo"
	"hermes/internal/rates"
	"hermes/internal/reconciler"
	"hermes/pkg/config"
	"hermes/pkg/database"
	"hermes/pkg/kafka"
	"hermes/pkg/logging"
	"hermes/pkg/monitoring"
	"hermes/pkg/redis"
	"hermes/pkg/server"
	"hermes/pkg/version"
)

const serviceName = "hermes"

func main() {
	logger := logging.NewLoggerWithService(serviceName)

	config.LoadEnv(logger)

	logger.WithField("version", version.Version).Info("Starting Hermes (payment bridge)")

	dbURL := config.RequireEnv("DATABASE_URL")
	jwtSecret := config.RequireEnv("JWT_SECRET")
	serviceToken := config.RequireEnv("SERVICE_TOKEN")
	momoBaseURL := config.RequireEnv("MOMO_BASE_URL")
	momoAPIKey := config.RequireEnv("MOMO_API_KEY")
	webhookSecret := config.RequireEnv("MOMO_WEBHOOK_SECRET")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dbConfig := database.ConfigFromEnv()
	dbConfig.URL = dbURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	if config.GetEnvBool("DB_AUTO_MIGRATE", false) {
		if err := database.Migrate(ctx, db, logger); err != nil {
			logger.WithError(err).Fatal("Schema migration failed")
		}
	}

	healthChecker := monitoring.NewHealthChecker(serviceName, version.Version)
	metricsCollector := monitoring.NewMetricsCollector(serviceName, version.Version, version.GitCommit)

	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL":        dbURL,
		"JWT_SECRET":          jwtSecret,
		"SERVICE_TOKEN":       serviceToken,
		"MOMO_BASE_URL":       momoBaseURL,
		"MOMO_WEBHOOK_SECRET": webhookSecret,
	}))

	var redisClient goredis.UniversalClient
	if redisURL := config.GetEnv("REDIS_URL", ""); redisURL != "" {
		client, err := redis.NewClientFromURL(ctx, redisURL)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, rates are cached in process")
		} else {
			redisClient = client
			defer client.Close()
			healthChecker.AddOptionalCheck("redis", monitoring.RedisHealthCheck(client))
		}
	}

	var publisher events.Publisher = events.Noop{}
	if brokers := config.GetEnvList("KAFKA_BROKERS"); len(brokers) > 0 {
		producer, err := kafka.NewProducer(brokers, serviceName, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create Kafka producer")
		}
		defer producer.Close()
		publisher = events.NewKafkaPublisher(producer, config.GetEnv("KAFKA_TOPIC", events.Topic), logger)
		healthChecker.AddOptionalCheck("kafka", monitoring.KafkaProducerHealthCheck(producer.Client()))
	}

	chainCfg := chain.ConfigFromEnv()
	relay, err := chain.Dial(ctx, chainCfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect chain relay")
	}
	defer relay.Close()
	relay.WithCallMetrics(metricsCollector.NewHistogram("chain_call_duration_seconds", "Chain relay call latency", []string{"method", "status"}, prometheus.DefBuckets))
	healthChecker.AddCheck("chain", monitoring.ChainHealthCheck(relay))

	walletMonitor := chain.NewWalletMonitor(relay, chain.WalletMonitorConfig{
		Address:      relay.Address().Hex(),
		Interval:     config.GetEnvDuration("RELAY_WALLET_CHECK_INTERVAL", 0),
		BalanceGauge: metricsCollector.NewGauge("relay_wallet_balance_native", "Relay wallet native token balance", []string{"address"}),
		LowGauge:     metricsCollector.NewGauge("relay_wallet_balance_low", "1 when the relay wallet is below threshold", []string{"address"}),
	}, logger)
	go walletMonitor.Start(ctx)
	defer walletMonitor.Stop()

	bridgeCfg := bridge.ConfigFromEnv()
	if err := bridgeCfg.Validate(chainCfg.TxTimeout); err != nil {
		logger.WithError(err).Fatal("Invalid settlement configuration")
	}

	store := ledger.NewPostgresStore(db)
	gasLedger := gascredit.NewPostgresLedger(db, bridgeCfg.NativeUGXRate).
		WithDebitCounter(metricsCollector.NewCounter("gas_credit_debited_ugx_total", "Gas credit debited in UGX", nil).WithLabelValues())
	rateService := rates.NewService(relay, redisClient, rates.Config{
		TTL:      bridgeCfg.RateCacheTTL,
		Fallback: bridgeCfg.DefaultUGXPerUSD,
	}, logger)
	gateway := momo.NewClient(momoBaseURL, momoAPIKey, bridgeCfg.Provider)

	svc := bridge.New(bridgeCfg, bridge.Deps{
		Store:     store,
		Relay:     relay,
		Gateway:   gateway,
		GasCredit: gasLedger,
		Rates:     rateService,
		Events:    publisher,
		Metrics:   bridge.NewMetrics(metricsCollector),
		Logger:    logger,
	})
	adminSvc := admin.NewService(svc, store, relay, walletMonitor, logger)

	reconcilerCfg := reconciler.ConfigFromEnv()
	reconcilerCfg.Outcomes = metricsCollector.NewCounter("send_reconciliations_total", "Send reconciliation checks by outcome", []string{"outcome"})
	sendReconciler := reconciler.New(store, relay, publisher, reconcilerCfg, logger)
	go sendReconciler.Start(ctx)
	defer sendReconciler.Stop()

	logger.Info("Background workers started - wallet monitor and send reconciler active")

	router := server.SetupServiceRouter(logger, serviceName, healthChecker, metricsCollector)
	handlers.New(serviceName, svc, adminSvc, webhookSecret, logger).
		RegisterRoutes(router, handlers.RouteConfig{JWTSecret: []byte(jwtSecret), ServiceToken: serviceToken})

	serverConfig := server.DefaultConfig(serviceName, "18030")
	if err := server.Start(ctx, serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
