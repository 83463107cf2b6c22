package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// NoSerialFound is the sentinel body returned when a lookup misses.
const NoSerialFound = "NO_SERIAL_FOUND"

// IssueResponse is returned when a license is created.
type IssueResponse struct {
	Success   bool      `json:"success"`
	Serial    string    `json:"serial"`
	ServiceID string    `json:"serviceId"`
	IssuedAt  time.Time `json:"issuedAt"`
}

// MockLicenseServer simulates the external key-issuing service for local
// development. Serials live in memory, so lookups after a restart miss.
type MockLicenseServer struct {
	mu        sync.RWMutex
	serials   map[string]string
	issueRate float64
	minDelay  time.Duration
	maxDelay  time.Duration
	apiKey    string
	rng       *rand.Rand
}

func NewMockLicenseServer(issueRate float64, minDelay, maxDelay time.Duration, apiKey string) *MockLicenseServer {
	return &MockLicenseServer{
		serials:   make(map[string]string),
		issueRate: issueRate,
		minDelay:  minDelay,
		maxDelay:  maxDelay,
		apiKey:    apiKey,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (m *MockLicenseServer) newSerial() string {
	raw := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", ""))
	return fmt.Sprintf("%s-%s-%s-%s", raw[0:4], raw[4:8], raw[8:12], raw[12:16])
}

func (m *MockLicenseServer) randomDelay() time.Duration {
	if m.maxDelay <= m.minDelay {
		return m.minDelay
	}
	delta := m.maxDelay - m.minDelay
	return m.minDelay + time.Duration(m.rng.Int63n(int64(delta)))
}

func (m *MockLicenseServer) shouldSucceed() bool {
	return m.rng.Float64() < m.issueRate
}

type Handler struct {
	server *MockLicenseServer
}

func NewHandler(server *MockLicenseServer) *Handler {
	return &Handler{server: server}
}

// Issue handles form-encoded license creation requests.
func (h *Handler) Issue(c *gin.Context) {
	serviceID := c.PostForm("serviceID")
	customer := c.PostForm("customerName")
	email := c.PostForm("email")
	productID := c.PostForm("productID")

	if h.server.apiKey != "" && c.PostForm("apiKey") != h.server.apiKey {
		c.String(http.StatusForbidden, "invalid api key")
		return
	}
	if serviceID == "" || customer == "" || productID == "" {
		c.String(http.StatusBadRequest, "serviceID, customerName and productID are required")
		return
	}

	time.Sleep(h.server.randomDelay())

	if !h.server.shouldSucceed() {
		log.Warn().
			Str("service_id", serviceID).
			Str("customer", customer).
			Msg("Simulated issue failure")
		c.String(http.StatusBadGateway, "license generation failed")
		return
	}

	h.server.mu.Lock()
	serial, exists := h.server.serials[serviceID]
	if !exists {
		serial = h.server.newSerial()
		h.server.serials[serviceID] = serial
	}
	h.server.mu.Unlock()

	log.Info().
		Str("service_id", serviceID).
		Str("customer", customer).
		Str("email", email).
		Str("product_id", productID).
		Str("serial", serial).
		Bool("reissued", exists).
		Msg("License issued")

	c.JSON(http.StatusOK, IssueResponse{
		Success:   true,
		Serial:    serial,
		ServiceID: serviceID,
		IssuedAt:  time.Now(),
	})
}

// Lookup returns the serial for a service id, or the sentinel body.
func (h *Handler) Lookup(c *gin.Context) {
	serviceID := c.PostForm("serviceID")
	if serviceID == "" {
		c.String(http.StatusBadRequest, "serviceID is required")
		return
	}

	h.server.mu.RLock()
	serial, ok := h.server.serials[serviceID]
	h.server.mu.RUnlock()

	if !ok {
		log.Info().Str("service_id", serviceID).Msg("Lookup miss")
		c.String(http.StatusOK, NoSerialFound)
		return
	}

	log.Info().Str("service_id", serviceID).Str("serial", serial).Msg("Lookup hit")
	c.JSON(http.StatusOK, gin.H{"serial": serial, "serviceId": serviceID})
}

// HealthCheck reports the in-memory store size.
func (h *Handler) HealthCheck(c *gin.Context) {
	h.server.mu.RLock()
	count := len(h.server.serials)
	h.server.mu.RUnlock()

	c.JSON(http.StatusOK, gin.H{
		"status":     "healthy",
		"serials":    count,
		"issue_rate": h.server.issueRate,
		"timestamp":  time.Now(),
	})
}

// UpdateConfig allows changing the simulated failure rate at runtime.
func (h *Handler) UpdateConfig(c *gin.Context) {
	var config struct {
		IssueRate *float64 `json:"issue_rate"`
	}

	if err := c.ShouldBindJSON(&config); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": err.Error(),
		})
		return
	}

	if config.IssueRate != nil && *config.IssueRate >= 0 && *config.IssueRate <= 1.0 {
		h.server.issueRate = *config.IssueRate
		log.Info().Float64("rate", *config.IssueRate).Msg("Updated issue rate")
	}

	c.JSON(http.StatusOK, gin.H{
		"message":    "Configuration updated",
		"issue_rate": h.server.issueRate,
	})
}

func SetupRouter(handler *Handler) *gin.Engine {
	router := gin.Default()

	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", duration).
			Msg("Request processed")
	})

	router.POST("/licenses/issue", handler.Issue)
	router.POST("/licenses/lookup", handler.Lookup)
	router.GET("/health", handler.HealthCheck)
	router.PUT("/config", handler.UpdateConfig)

	return router
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	port := getEnv("PORT", "8082")
	issueRate := getEnvFloat("ISSUE_RATE", 1)
	minDelay := getEnvDuration("MIN_DELAY", 50*time.Millisecond)
	maxDelay := getEnvDuration("MAX_DELAY", 500*time.Millisecond)
	apiKey := getEnv("API_KEY", "")

	log.Info().
		Str("port", port).
		Float64("issue_rate", issueRate).
		Dur("min_delay", minDelay).
		Dur("max_delay", maxDelay).
		Msg("Starting Mock License Server")

	server := NewMockLicenseServer(issueRate, minDelay, maxDelay, apiKey)
	handler := NewHandler(server)
	router := SetupRouter(handler)

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var f float64
		if _, err := fmt.Sscanf(value, "%f", &f); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
