package main

import (
	"os"
	"strings"

	"github.com/venda/license-gateway/internal/config"
	"github.com/venda/license-gateway/pkg/logger"
	"github.com/venda/license-gateway/pkg/pg"
)

// Migration runner: cli --env=.env --dir=./migrations
func main() {
	if err := config.Load(envPath()); err != nil {
		logger.Fatal(err)
	}

	pgConf := pg.Config{
		User:     config.Get().PostgresWriteUser,
		Host:     config.Get().PostgresWriteHost,
		Port:     config.Get().PostgresWritePort,
		Password: config.Get().PostgresWritePassword,
		Database: config.Get().PostgresWriteDatabase,
	}

	if err := pg.Migrate(pgConf, migrationPath()); err != nil {
		logger.Fatal(err)
	}
	logger.Info("migrations applied")
}

func envPath() string {
	return argPath("--env=", ".env", "env file")
}

func migrationPath() string {
	return argPath("--dir=", "./migrations", "migration dir")
}

func argPath(flag, fallback, what string) string {
	for _, v := range os.Args {
		if strings.HasPrefix(v, flag) {
			path := strings.TrimPrefix(v, flag)
			if _, err := os.Stat(path); err != nil {
				logger.Error("cannot open "+what, "path", path, "error", err)
				return ""
			}
			return path
		}
	}
	if _, err := os.Stat(fallback); err != nil {
		logger.Error("cannot open default "+what, "path", fallback, "error", err)
		return ""
	}
	return fallback
}
