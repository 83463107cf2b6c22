package processor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/venda/license-gateway/pkg/logger"
	"github.com/venda/license-gateway/pkg/redis"
)

var (
	ErrAlreadyProcessed   = errors.New("work already settled")
	ErrLockAcquireFailed  = errors.New("dedup lock not acquired")
	ErrMaxRetriesExceeded = errors.New("retry budget exhausted")
)

// IdempotencyConfig tunes the redis guards around one unit of provisioning
// work. The key is whatever uniquely identifies that unit: a serviceId for
// reconcile jobs, an invoice-scoped key for payment notifications.
type IdempotencyConfig struct {
	// LockTTL bounds how long a single consumer may hold a unit of work.
	LockTTL time.Duration

	// ProcessedTTL is how long the settled marker survives. Replays inside
	// this window are no-ops.
	ProcessedTTL time.Duration

	MaxRetries int

	RetryKeyPrefix     string
	LockKeyPrefix      string
	ProcessedKeyPrefix string
}

func DefaultIdempotencyConfig() IdempotencyConfig {
	return IdempotencyConfig{
		LockTTL:            30 * time.Second,
		ProcessedTTL:       24 * time.Hour,
		MaxRetries:         3,
		RetryKeyPrefix:     "retry:",
		LockKeyPrefix:      "lock:",
		ProcessedKeyPrefix: "processed:",
	}
}

// IdempotencyService serializes provisioning work per key so that a license
// is never issued twice for the same service: a short lock keeps two
// consumers off the same key, a settled marker absorbs replays, and a retry
// counter that outlives redeliveries enforces the retry budget.
type IdempotencyService struct {
	redis  redis.RedisAdapter
	config IdempotencyConfig
}

func NewIdempotencyService(redisAdapter redis.RedisAdapter, config IdempotencyConfig) *IdempotencyService {
	return &IdempotencyService{
		redis:  redisAdapter,
		config: config,
	}
}

// ProcessingContext is the claim a consumer holds while working one key.
type ProcessingContext struct {
	Key          string
	RetryCount   int
	IsRetry      bool
	lockAcquired bool
}

func (s *IdempotencyService) processedKey(key string) string {
	return s.config.ProcessedKeyPrefix + key
}

func (s *IdempotencyService) lockKey(key string) string {
	return s.config.LockKeyPrefix + key
}

func (s *IdempotencyService) retryKey(key string) string {
	return s.config.RetryKeyPrefix + key
}

func (s *IdempotencyService) readRetryCount(key string) int {
	raw, err := s.redis.Get(s.retryKey(key))
	if err != nil || len(raw) == 0 {
		return 0
	}
	n, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0
	}
	return n
}

// AcquireProcessingLock claims the key for this consumer. It returns
// ErrAlreadyProcessed when the key has settled, ErrMaxRetriesExceeded when
// the retry budget is spent, and ErrLockAcquireFailed when another consumer
// currently holds the key.
func (s *IdempotencyService) AcquireProcessingLock(ctx context.Context, key string) (*ProcessingContext, error) {
	exists, err := s.redis.Exist(s.processedKey(key))
	if err != nil {
		// A failed read must not stall provisioning; a duplicate issue is
		// absorbed downstream by the license server's per-service serial.
		logger.Warn("Settled-marker check failed", "key", key, "error", err)
	} else if exists > 0 {
		logger.Info("Already settled, skipping", "key", key)
		return nil, ErrAlreadyProcessed
	}

	retryCount := s.readRetryCount(key)
	if retryCount >= s.config.MaxRetries {
		logger.Error("Retry budget exhausted", "key", key, "retry_count", retryCount)
		return nil, fmt.Errorf("%w: key=%s, retries=%d", ErrMaxRetriesExceeded, key, retryCount)
	}

	lockValue := []byte(strconv.FormatInt(time.Now().UnixNano(), 10))
	acquired, err := s.redis.SetNX(s.lockKey(key), lockValue, s.config.LockTTL)
	if err != nil {
		logger.Error("Dedup lock write failed", "key", key, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrLockAcquireFailed, err)
	}
	if !acquired {
		logger.Info("Key held by another consumer", "key", key)
		return nil, ErrLockAcquireFailed
	}

	logger.Info("Claimed key for provisioning",
		"key", key,
		"retry_count", retryCount,
		"lock_ttl", s.config.LockTTL)

	return &ProcessingContext{
		Key:          key,
		RetryCount:   retryCount,
		IsRetry:      retryCount > 0,
		lockAcquired: true,
	}, nil
}

// MarkSuccess settles the key: future claims short-circuit for ProcessedTTL,
// and the lock plus retry counter are discarded.
func (s *IdempotencyService) MarkSuccess(ctx context.Context, pc *ProcessingContext) error {
	if err := s.redis.Set(s.processedKey(pc.Key), []byte("1"), s.config.ProcessedTTL); err != nil {
		logger.Error("Failed to write settled marker", "key", pc.Key, "error", err)
		return fmt.Errorf("mark settled: %w", err)
	}

	s.discard(pc)

	logger.Info("Key settled", "key", pc.Key, "retry_count", pc.RetryCount)
	return nil
}

// MarkFailure burns one retry and frees the key so a later delivery can try
// again. The counter is written with ProcessedTTL so it survives the gap
// between redeliveries.
func (s *IdempotencyService) MarkFailure(ctx context.Context, pc *ProcessingContext, reason error) error {
	newRetryCount := pc.RetryCount + 1
	retryValue := []byte(strconv.Itoa(newRetryCount))

	if err := s.redis.Set(s.retryKey(pc.Key), retryValue, s.config.ProcessedTTL); err != nil {
		logger.Error("Failed to advance retry counter", "key", pc.Key, "error", err)
	}

	if err := s.redis.Del(s.lockKey(pc.Key)); err != nil {
		logger.Warn("Failed to free key after failure", "key", pc.Key, "error", err)
	}

	logger.Warn("Provisioning attempt failed, key freed for retry",
		"key", pc.Key,
		"retry_count", newRetryCount,
		"max_retries", s.config.MaxRetries,
		"reason", reason)

	return nil
}

// ReleaseLock frees a claimed key without settling it or burning a retry.
// Safe to defer; a nil or already-released context is a no-op.
func (s *IdempotencyService) ReleaseLock(ctx context.Context, pc *ProcessingContext) error {
	if pc == nil || !pc.lockAcquired {
		return nil
	}

	if err := s.redis.Del(s.lockKey(pc.Key)); err != nil {
		logger.Warn("Failed to release key", "key", pc.Key, "error", err)
		return err
	}

	pc.lockAcquired = false
	logger.Debug("Key released", "key", pc.Key)
	return nil
}

func (s *IdempotencyService) discard(pc *ProcessingContext) {
	if err := s.redis.Del(s.lockKey(pc.Key)); err != nil {
		logger.Warn("Failed to discard lock", "key", pc.Key, "error", err)
	}
	if err := s.redis.Del(s.retryKey(pc.Key)); err != nil {
		logger.Warn("Failed to discard retry counter", "key", pc.Key, "error", err)
	}
	pc.lockAcquired = false
}

func (s *IdempotencyService) GetRetryCount(ctx context.Context, key string) (int, error) {
	raw, err := s.redis.Get(s.retryKey(key))
	if err != nil {
		if err == redis.NilError {
			return 0, nil
		}
		return 0, err
	}
	n, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// IsProcessed reports whether the key has settled inside the marker window.
func (s *IdempotencyService) IsProcessed(ctx context.Context, key string) (bool, error) {
	exists, err := s.redis.Exist(s.processedKey(key))
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}
