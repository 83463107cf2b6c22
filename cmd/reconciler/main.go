package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/venda/license-gateway/internal/catalog"
	"github.com/venda/license-gateway/internal/config"
	gateway "github.com/venda/license-gateway/internal/gateways"
	"github.com/venda/license-gateway/internal/processor"
	"github.com/venda/license-gateway/internal/queue"
	"github.com/venda/license-gateway/internal/reconciler"
	"github.com/venda/license-gateway/internal/repository"
	"github.com/venda/license-gateway/pkg/logger"
	"github.com/venda/license-gateway/pkg/pg"
	"github.com/venda/license-gateway/pkg/prom"
	"github.com/venda/license-gateway/pkg/redis"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {

	err := config.Load(argContainsEnvPath())
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return
	}

	cat, err := catalog.Load(config.Get().CatalogPath)
	if err != nil {
		logger.Error("failed to load catalog", "error", err)
		return
	}

	readConf := pg.Config{
		User:     config.Get().PostgresReadUser,
		Host:     config.Get().PostgresReadHost,
		Port:     config.Get().PostgresReadPort,
		Password: config.Get().PostgresReadPassword,
		Database: config.Get().PostgresReadDatabase,
	}
	writeConf := pg.Config{
		User:     config.Get().PostgresWriteUser,
		Host:     config.Get().PostgresWriteHost,
		Port:     config.Get().PostgresWritePort,
		Password: config.Get().PostgresWritePassword,
		Database: config.Get().PostgresWriteDatabase,
	}

	pgDebug := false
	if config.Get().AppEnv == "dev" {
		pgDebug = true
	}
	db, err := pg.CreateReadWrite(readConf, writeConf, pgDebug)
	if err != nil {
		logger.Error("failed connecting to pg", "error", err)
		return
	}

	redisAdap, err := redis.NewRedisAdapter("default", config.Get().RedisUniversalKeyPrefix, &redis.Options{
		Addrs:      []string{config.Get().RedisAddr},
		ClientName: "default",
		DB:         config.Get().RedisDatabase,
		Username:   config.Get().RedisUsername,
		Password:   config.Get().RedisPassword,
	})
	if err != nil {
		logger.Error("failed connecting to redis", "error", err)
		return
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	licenseClient, err := gateway.NewLicenseClient(&gateway.LicenseConfig{
		IssueURL:  config.Get().LicenseIssueURL,
		LookupURL: config.Get().LicenseLookupURL,
		APIKey:    config.Get().LicenseAPIKey,
	})
	if err != nil {
		logger.Error("failed creating license client", "error", err)
		return
	}

	transactionRepo := repository.NewTransactionRepository(db)
	customerRepo := repository.NewCustomerRepository(db)

	idempotencyService := processor.NewIdempotencyService(redisAdap, processor.DefaultIdempotencyConfig())

	service, err := processor.NewProcessorService(redisAdap)
	if err != nil {
		logger.Error("failed to create the processor", "error", err)
		return
	}
	service.RegisterProcessor(processor.NewReconcileProcessor(transactionRepo, customerRepo, licenseClient, cat, idempotencyService))

	// The sweep publishes through a producer-only queue handle.
	sweepQueue, err := queue.NewQueue(redisAdap, queue.QueueConfig{
		Name:          config.Get().QueueName,
		ConsumerGroup: config.Get().QueueConsumerGroup,
		ConsumerName:  config.Get().QueueConsumerName + "-sweeper",
		MaxLen:        config.Get().QueueMaxLen,
		EnableDLQ:     config.Get().QueueEnableDLQ,
	})
	if err != nil {
		logger.Error("failed creating sweep queue", "error", err)
		return
	}

	sweeper := reconciler.NewSweeper(transactionRepo, sweepQueue, reconciler.SweeperConfig{
		Interval:   config.Get().ReconcileSweepInterval,
		StaleAfter: config.Get().ReconcileStaleAfter,
		BatchSize:  config.Get().ReconcileSweepBatch,
	})

	var hostname string
	hostname, err = os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	err = prom.Create(hostname, config.Get().AppEnv, config.Get().PromNamespace)
	if err != nil {
		logger.Error("failed to create prometheus metrics", "error", err)
		return
	}

	go func() {
		prom.ListenAndServer(":9100", "/metrics")
	}()

	go func() {
		err := service.Start()
		if err != nil {
			logger.Error("failed to start processor", "error", err)
		}
	}()
	sweeper.Start()

	logger.Info("reconciler started", "version", version, "commit", commit, "built", date)

	<-c
	sweeper.Stop()
	service.Stop()
}

func argContainsEnvPath() string {
	for _, v := range os.Args {
		if strings.Contains(v, "--env=") {
			s := strings.Split(v, "=")
			if _, err := os.Open(s[1]); err != nil {
				logger.Error("failed to open the passed env file, got error" + err.Error())
				return ""
			}
			return s[1]
		}
	}
	return ""
}
