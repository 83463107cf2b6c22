package config

import (
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/venda/license-gateway/pkg/logger"
)

const ConfigTagName = "env"
const ConfigDefaultTagName = "default"

var config *Config

// Configuration This struct holds config envs and values.
// Only this struct must be used to hold any configuration values,
// no direct access to env, ini or any other config source should be made.
type Config struct {
	AppEnv              string `env:"APP_ENV" default:"dev"`
	AppName             string `env:"APP_NAME" default:"license_gateway"`
	AppDebug            bool   `env:"APP_DEBUG" default:"1"`
	AppDebugMetricsAddr string `env:"APP_DEBUG_METRIC_ADDR"`
	AppDebugMetricsURI  string `env:"APP_DEBUG_METRIC_URI"`
	AppBaseUrl          string `env:"APP_BASE_URL"`

	HttpListenAddr            string `env:"HTTP_LISTEN_ADDR" validation:"mustExists"`
	HttpServerReadTimeout     int    `env:"HTTP_SERVER_READ_TIMEOUT"`
	HttpServerWriteTimeout    int    `env:"HTTP_SERVER_WRITE_TIMEOUT"`
	HttpServerReadBufferSize  int    `env:"HTTP_SERVER_READ_BUFFER_SIZE"`
	HttpServerWriteBufferSize int    `env:"HTTP_SERVER_WRITE_BUFFER_SIZE"`

	PostgresReadHost     string `env:"POSTGRES_READ_HOST"`
	PostgresReadPort     string `env:"POSTGRES_READ_PORT"`
	PostgresReadUser     string `env:"POSTGRES_READ_USER"`
	PostgresReadPassword string `env:"POSTGRES_READ_PASSWORD"`
	PostgresReadDatabase string `env:"POSTGRES_READ_DBNAME"`

	PostgresWriteHost     string `env:"POSTGRES_WRITE_HOST"`
	PostgresWritePort     string `env:"POSTGRES_WRITE_PORT"`
	PostgresWriteUser     string `env:"POSTGRES_WRITE_USER"`
	PostgresWritePassword string `env:"POSTGRES_WRITE_PASSWORD"`
	PostgresWriteDatabase string `env:"POSTGRES_WRITE_DBNAME"`

	RedisAddr               string `env:"REDIS_ADDR"`
	RedisUsername           string `env:"REDIS_USER"`
	RedisPassword           string `env:"REDIS_PASS"`
	RedisDatabase           int    `env:"REDIS_DATABASE"`
	RedisUniversalKeyPrefix string `env:"REDIS_UNIVERSAL_KEY_PREFIX"`

	PromNamespace string `env:"PROM_NAMESPACE"`

	LogLevel []string `env:"LOG_LEVEL"`

	// Product catalog and admin list, one JSON file read at boot.
	CatalogPath string `env:"CATALOG_PATH" default:"catalog.json"`

	// External key-issuing service.
	LicenseIssueURL  string `env:"LICENSE_ISSUE_URL"`
	LicenseLookupURL string `env:"LICENSE_LOOKUP_URL"`
	LicenseAPIKey    string `env:"LICENSE_API_KEY"`

	// Identity provider used to resolve session tokens.
	IdentityAPIBaseURL string `env:"IDENTITY_API_BASE_URL"`

	// Chat platform REST API and bot credentials.
	ChatAPIBaseURL    string        `env:"CHAT_API_BASE_URL"`
	ChatBotToken      string        `env:"CHAT_BOT_TOKEN"`
	ChatCommandPrefix string        `env:"CHAT_COMMAND_PREFIX" default:"!"`
	ChatPollInterval  time.Duration `env:"CHAT_POLL_INTERVAL" default:"2s"`

	// Payment provider checkout redirect and callback endpoints.
	PaymentCheckoutURL string `env:"PAYMENT_CHECKOUT_URL"`
	PaymentBusiness    string `env:"PAYMENT_BUSINESS"`
	PaymentCurrency    string `env:"PAYMENT_CURRENCY" default:"USD"`
	PaymentReturnURL   string `env:"PAYMENT_RETURN_URL"`
	PaymentCancelURL   string `env:"PAYMENT_CANCEL_URL"`

	QueueName              string        `env:"QUEUE_NAME" default:"reconcile"`
	QueueConsumerGroup     string        `env:"QUEUE_CONSUMER_GROUP"`
	QueueConsumerName      string        `env:"QUEUE_CONSUMER_NAME"`
	QueueMaxRetries        int           `env:"QUEUE_MAX_RETRIES"`
	QueueVisibilityTimeout time.Duration `env:"QUEUE_VISIBILITY_TIMEOUT"`
	QueuePollInterval      time.Duration `env:"QUEUE_POLL_INTERVAL"`
	QueueBatchSize         int64         `env:"QUEUE_BATCH_SIZE"`
	QueueMaxLen            int64         `env:"QUEUE_MAX_LEN"`
	QueueEnableDLQ         bool          `env:"QUEUE_ENABLE_DLQ"`

	ReconcileSweepInterval time.Duration `env:"RECONCILE_SWEEP_INTERVAL" default:"5m"`
	ReconcileStaleAfter    time.Duration `env:"RECONCILE_STALE_AFTER" default:"10m"`
	ReconcileSweepBatch    int           `env:"RECONCILE_SWEEP_BATCH" default:"100"`
}

func Load(path string) error {
	logger.Info("loading configs..", "path", path)
	c := &Config{}
	var err error
	if path != "" {
		logger.Info("trying to publish env from file", "path", path)
		err = godotenv.Load(path)
		if err != nil {
			return errors.New("failed to load configuration file " + path + " error: " + err.Error())
		}
	}

	_, err = env.UnmarshalFromEnviron(c)

	if err != nil {
		return errors.New("failed to map env variables to Configuration object " + " error: " + err.Error())
	}

	config = c
	return nil
}

func Get() *Config {
	if config == nil {
		logger.Panic("Config is not initialized")
	}
	return config
}
