package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/venda/license-gateway/internal/catalog"
	"github.com/venda/license-gateway/internal/config"
	gateway "github.com/venda/license-gateway/internal/gateways"
	"github.com/venda/license-gateway/internal/handlers"
	"github.com/venda/license-gateway/internal/processor"
	"github.com/venda/license-gateway/internal/repository"
	"github.com/venda/license-gateway/internal/services"
	xhttp "github.com/venda/license-gateway/pkg/http"
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

	// transport (tcp for now)
	s := xhttp.NewServer(xhttp.DefaultServerOption)
	s.Server.ReadBufferSize = 1024 * 16
	s.Server.WriteBufferSize = 1024 * 16
	s.Use(xhttp.CompressMiddleware(6))
	s.Use(xhttp.TimeoutMiddleware(time.Second * 30))
	s.Use(xhttp.RequestLoggerMiddleware)
	s.Use(xhttp.RecoverMiddleware)
	s.Router = xhttp.CreateDefaultRouter()

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

	if config.Get().AppDebugMetricsAddr != "" {
		host, _ := os.Hostname()
		if err := prom.Create(host, config.Get().AppEnv, config.Get().PromNamespace); err != nil {
			logger.Error("failed registering metrics", "error", err)
		}
		go prom.ListenAndServer(config.Get().AppDebugMetricsAddr, config.Get().AppDebugMetricsURI)
	}

	licenseClient, err := gateway.NewLicenseClient(&gateway.LicenseConfig{
		IssueURL:  config.Get().LicenseIssueURL,
		LookupURL: config.Get().LicenseLookupURL,
		APIKey:    config.Get().LicenseAPIKey,
	})
	if err != nil {
		logger.Error("failed creating license client", "error", err)
		return
	}

	identityClient, err := gateway.NewIdentityClient(&gateway.IdentityConfig{
		BaseURL: config.Get().IdentityAPIBaseURL,
	})
	if err != nil {
		logger.Error("failed creating identity client", "error", err)
		return
	}

	transactionRepo := repository.NewTransactionRepository(db)
	customerRepo := repository.NewCustomerRepository(db)

	// services
	orderService := services.NewOrderService(customerRepo, transactionRepo, licenseClient, cat, services.PaymentConfig{
		CheckoutURL: config.Get().PaymentCheckoutURL,
		Business:    config.Get().PaymentBusiness,
		Currency:    config.Get().PaymentCurrency,
		ReturnURL:   config.Get().PaymentReturnURL,
		CancelURL:   config.Get().PaymentCancelURL,
	})
	healthService := services.NewHealthService(db, redisAdap)
	dedup := processor.NewIdempotencyService(redisAdap, processor.DefaultIdempotencyConfig())

	// v1 handlers
	orderHandler := handlers.NewOrderHandler(orderService, identityClient, customerRepo, cat)
	paymentHandler := handlers.NewPaymentHandler(orderService, dedup)
	healthHandler := handlers.NewHealthHandler(healthService)

	g := s.Router.Group("/api/v1")
	handlers.RegisterOrderRoutes(g, orderHandler)
	handlers.RegisterPaymentRoutes(g, paymentHandler)
	handlers.RegisterHealthRoutes(g, healthHandler)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		var err = s.ListenAndServe(config.Get().HttpListenAddr)
		if err != nil {
			logger.Error("error in running http-server", "error", err)
		}
	}()

	logger.Info("api started", "version", version, "commit", commit, "built", date)

	<-c
	s.Shutdown()
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
