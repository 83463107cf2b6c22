package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/venda/license-gateway/internal/bot"
	"github.com/venda/license-gateway/internal/catalog"
	"github.com/venda/license-gateway/internal/config"
	gateway "github.com/venda/license-gateway/internal/gateways"
	"github.com/venda/license-gateway/internal/repository"
	"github.com/venda/license-gateway/internal/services"
	"github.com/venda/license-gateway/pkg/logger"
	"github.com/venda/license-gateway/pkg/pg"
	"github.com/venda/license-gateway/pkg/prom"
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

	chatClient, err := gateway.NewChatClient(&gateway.ChatConfig{
		BaseURL:  config.Get().ChatAPIBaseURL,
		BotToken: config.Get().ChatBotToken,
	})
	if err != nil {
		logger.Error("failed creating chat client", "error", err)
		return
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

	transactionRepo := repository.NewTransactionRepository(db)
	customerRepo := repository.NewCustomerRepository(db)

	syncService := services.NewSyncService(customerRepo, transactionRepo, chatClient, cat)
	dispatcher := bot.NewDispatcher(config.Get().ChatCommandPrefix, syncService, licenseClient, chatClient, cat)

	var hostname string
	hostname, err = os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if err := prom.Create(hostname, config.Get().AppEnv, config.Get().PromNamespace); err != nil {
		logger.Error("failed to create prometheus metrics", "error", err)
		return
	}
	go prom.ListenAndServer(":9101", "/metrics")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		pollEvents(ctx, chatClient, dispatcher)
	}()

	logger.Info("bot started", "version", version, "commit", commit, "built", date)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	cancel()
	<-done
}

// pollEvents drains the chat platform's command feed until ctx is done.
// Poll failures back off to the next tick; the cursor only advances on a
// successful read, so no event is skipped.
func pollEvents(ctx context.Context, chatClient *gateway.ChatClient, dispatcher *bot.Dispatcher) {
	interval := config.Get().ChatPollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	cursor := ""
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		events, next, err := chatClient.PollEvents(ctx, cursor)
		if err != nil {
			logger.Warn("failed polling command events", "error", err)
			continue
		}
		cursor = next

		for _, event := range events {
			if err := dispatcher.Dispatch(ctx, event); err != nil {
				logger.Error("command dispatch failed", "event", event.ID, "error", err)
			}
		}
	}
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
