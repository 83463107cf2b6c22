package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/venda/license-gateway/internal/config"
	"github.com/venda/license-gateway/internal/queue"
	"github.com/venda/license-gateway/pkg/logger"
	"github.com/venda/license-gateway/pkg/redis"
	"github.com/venda/license-gateway/pkg/worker"
)

// ProcessingTimeout must exceed the provisioning client timeout so a slow
// license server surfaces as a classified provisioning error, not a worker
// deadline.
const ProcessingTimeout = time.Second * 25

const (
	healthInterval  = time.Second * 30
	reportInterval  = time.Second * 30
	shutdownTimeout = time.Minute

	consumerInstances = 10
	workerQueueDepth  = 10_000
	workerCount       = 100

	// Pending deliveries above this on any consumer mean the sweep is
	// producing faster than the pool drains.
	pendingAlertThreshold = 10_000
)

// Processor handles one delivery from the reconcile queue.
type Processor interface {
	Process(ctx context.Context, message *queue.Message) error
	GetType() string
}

// ProcessorService runs the consuming side of reconciliation: a set of
// consumer-group readers on the reconcile stream feeding a shared worker
// pool, with periodic throughput and health reporting.
type ProcessorService struct {
	adapter   redis.RedisAdapter
	queues    []*queue.Queue
	processor Processor
	meter     *throughputMeter
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	worker    *worker.WorkerManager
}

func NewProcessorService(redis redis.RedisAdapter) (*ProcessorService, error) {
	ctx, cancel := context.WithCancel(context.Background())
	service := &ProcessorService{
		adapter: redis,
		queues:  make([]*queue.Queue, 0, consumerInstances),
		meter:   newThroughputMeter(),
		ctx:     ctx,
		cancel:  cancel,
		worker:  worker.NewWorkerManager(workerQueueDepth, workerCount, nil),
	}
	return service, nil
}

// RegisterProcessor installs the handler that works each delivery.
func (s *ProcessorService) RegisterProcessor(processor Processor) {
	s.processor = processor
	logger.Info("Registered processor", "type", processor.GetType())
}

// Start spins up the worker pool, the consumer instances and the background
// reporters. Consumers share one group, so deliveries spread across them.
func (s *ProcessorService) Start() error {
	logger.Info("Starting reconcile consumers...")

	s.worker.SetWorker(s.workJob)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.worker.Start(); err != nil {
			logger.Error("Worker manager stopped", "error", err)
		}
	}()

	for i := 0; i < consumerInstances; i++ {
		cfg := queue.QueueConfig{
			Name:              config.Get().QueueName,
			ConsumerGroup:     config.Get().QueueConsumerGroup,
			ConsumerName:      fmt.Sprintf("%s-instance-%d", config.Get().QueueConsumerName, i),
			MaxRetries:        config.Get().QueueMaxRetries,
			VisibilityTimeout: config.Get().QueueVisibilityTimeout,
			PollInterval:      config.Get().QueuePollInterval,
			BatchSize:         config.Get().QueueBatchSize,
			MaxLen:            config.Get().QueueMaxLen,
			EnableDLQ:         config.Get().QueueEnableDLQ,
		}

		q, err := queue.NewQueue(s.adapter, cfg)
		if err != nil {
			return fmt.Errorf("failed to create queue %d: %w", i, err)
		}

		if err := q.Consume(s.dispatch); err != nil {
			return fmt.Errorf("failed to start consumer %d: %w", i, err)
		}

		s.queues = append(s.queues, q)
		logger.Info("Started consumer instance", "instance", i)
	}

	s.wg.Add(2)
	go s.reportLoop()
	go s.healthLoop()

	logger.Info("Reconcile consumers started", "consumers", len(s.queues), "workers", workerCount)
	return nil
}

func (s *ProcessorService) reportLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(reportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.report()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *ProcessorService) report() {
	snap := s.meter.snapshot()
	logger.Info("Reconcile throughput",
		"settled", snap.Settled,
		"failed", snap.Failed,
		"per_second", snap.PerSecond,
		"avg_duration_ms", snap.AvgDuration.Milliseconds(),
		"uptime_seconds", snap.Uptime.Seconds())

	for i, q := range s.queues {
		if qStats, err := q.GetStats(); err == nil {
			logger.Info("Queue stats", "queue", i, "total", qStats.TotalMessages, "pending", qStats.PendingMessages)
		}
	}
}

func (s *ProcessorService) healthLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.checkHealth()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *ProcessorService) checkHealth() {
	if err := s.adapter.Client().Ping(context.Background()).Err(); err != nil {
		logger.Error("Health check failed: redis unreachable", "error", err)
		return
	}

	for i, q := range s.queues {
		stats, err := q.GetStats()
		if err != nil {
			logger.Warn("Health check: queue stats unavailable", "queue", i, "error", err)
			continue
		}
		if stats.PendingMessages > pendingAlertThreshold {
			logger.Warn("Health check: reconcile backlog high", "queue", i, "pending_messages", stats.PendingMessages)
		}
	}

	logger.Info("Health check: ok")
}

// Stop drains the consumers, stops the worker pool and reports final
// throughput.
func (s *ProcessorService) Stop() {
	logger.Info("Shutting down reconcile consumers...")

	s.cancel()

	stopChan := make(chan bool, len(s.queues))
	for i, q := range s.queues {
		go func(index int, queue *queue.Queue) {
			if err := queue.Stop(shutdownTimeout); err != nil {
				logger.Error("Error stopping queue", "queue", index, "error", err)
			}
			stopChan <- true
		}(i, q)
	}

	for range s.queues {
		select {
		case <-stopChan:
		case <-time.After(shutdownTimeout + 5*time.Second):
			logger.Warn("Timeout waiting for queues to stop")
		}
	}

	s.worker.Exit()
	s.wg.Wait()
	s.report()

	logger.Info("Reconcile consumers stopped")
}

type dispatchedJob struct {
	msg        *queue.Message
	resultChan chan error
	ctx        context.Context
}

// dispatch hands a delivery to the worker pool and blocks until a worker
// settles it, so the queue's ack/nack decision reflects the real outcome.
func (s *ProcessorService) dispatch(ctx context.Context, msg *queue.Message) error {
	resultChan := make(chan error, 1)

	msgCtx, cancel := context.WithTimeout(ctx, ProcessingTimeout+time.Second)
	defer cancel()

	s.worker.Enqueue(&dispatchedJob{
		msg:        msg,
		resultChan: resultChan,
		ctx:        msgCtx,
	})

	select {
	case err := <-resultChan:
		return err
	case <-msgCtx.Done():
		return fmt.Errorf("timeout waiting for worker: %w", msgCtx.Err())
	}
}

func (s *ProcessorService) workJob(workerIndex int, job interface{}) {
	dj, ok := job.(*dispatchedJob)
	if !ok {
		logger.Error("Invalid job type in worker", "worker", workerIndex)
		return
	}

	select {
	case <-dj.ctx.Done():
		logger.Warn("Job cancelled before processing started", "worker", workerIndex)
		return
	default:
	}

	start := time.Now()
	var resultErr error

	if s.processor == nil {
		logger.Warn("No processor registered, acking delivery", "worker", workerIndex)
		s.meter.fail()
		// Ack: a retry cannot succeed until a processor is registered, and
		// registration happens before Start in every binary.
	} else if err := s.processor.Process(dj.ctx, dj.msg); err != nil {
		s.meter.fail()
		logger.Error("Failed to process delivery", "worker", workerIndex, "error", err)
		resultErr = err
	} else {
		s.meter.settle(time.Since(start))
	}

	// The dispatcher may already have timed out, in which case nobody is
	// reading the result channel.
	select {
	case dj.resultChan <- resultErr:
	case <-dj.ctx.Done():
		logger.Warn("Dispatcher gone while sending result", "worker", workerIndex)
	}
}
