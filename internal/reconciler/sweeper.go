package reconciler

import (
	"context"
	"time"

	"github.com/venda/license-gateway/internal/model"
	"github.com/venda/license-gateway/internal/processor"
	"github.com/venda/license-gateway/pkg/logger"
)

type TransactionLister interface {
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*model.Transaction, error)
}

type JobPublisher interface {
	PublishJSON(ctx context.Context, data interface{}, metadata map[string]string) (string, error)
}

type SweeperConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
	BatchSize  int
}

// Sweeper periodically queues transactions that never reached provisioned
// state. It only publishes; the queue consumers decide per serviceId whether
// anything still needs repairing, so re-queueing the same transaction across
// consecutive sweeps is harmless.
type Sweeper struct {
	transactions TransactionLister
	publisher    JobPublisher
	config       SweeperConfig
	now          func() time.Time
	cancel       context.CancelFunc
	done         chan struct{}
}

func NewSweeper(transactions TransactionLister, publisher JobPublisher, config SweeperConfig) *Sweeper {
	if config.Interval <= 0 {
		config.Interval = 5 * time.Minute
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = 10 * time.Minute
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	return &Sweeper{
		transactions: transactions,
		publisher:    publisher,
		config:       config,
		now:          time.Now,
		done:         make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called. The first sweep happens
// after one full interval so a restarting fleet does not stampede the queue.
func (s *Sweeper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.config.Interval)
		defer ticker.Stop()

		logger.Info("Reconciliation sweeper started",
			"interval", s.config.Interval,
			"stale_after", s.config.StaleAfter,
			"batch", s.config.BatchSize)

		for {
			select {
			case <-ticker.C:
				if n, err := s.Sweep(ctx); err != nil {
					logger.Error("Reconciliation sweep failed", "error", err)
				} else if n > 0 {
					logger.Info("Reconciliation sweep queued transactions", "count", n)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	logger.Info("Reconciliation sweeper stopped")
}

// Sweep runs one pass and returns how many transactions were queued.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.config.StaleAfter)

	stale, err := s.transactions.ListStale(ctx, cutoff, s.config.BatchSize)
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, txn := range stale {
		job := processor.ReconcileJob{
			TransactionID: txn.ID,
			ServiceID:     txn.ServiceID,
		}
		if _, err := s.publisher.PublishJSON(ctx, job, map[string]string{"status": string(txn.Status)}); err != nil {
			logger.Error("Failed to queue stale transaction",
				"service_id", txn.ServiceID, "error", err)
			continue
		}
		queued++
	}

	return queued, nil
}
