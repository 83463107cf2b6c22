package processor

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/venda/license-gateway/internal/catalog"
	gateway "github.com/venda/license-gateway/internal/gateways"
	"github.com/venda/license-gateway/internal/model"
	"github.com/venda/license-gateway/internal/queue"
	"github.com/venda/license-gateway/internal/repository"
	"github.com/venda/license-gateway/pkg/logger"
	"github.com/venda/license-gateway/pkg/prom"
)

type TransactionStore interface {
	GetByServiceID(ctx context.Context, serviceID string) (*model.Transaction, error)
	MarkProvisioned(ctx context.Context, id int64, serial string) error
	IncrementAttempts(ctx context.Context, id int64) error
}

type CustomerStore interface {
	FindByID(ctx context.Context, id int64) (*model.Customer, error)
}

type LicenseClient interface {
	Issue(ctx context.Context, req *gateway.IssueRequest) (*gateway.ProvisionResult, error)
	Lookup(ctx context.Context, serviceID string) (*gateway.ProvisionResult, error)
}

// ReconcileJob is one stale transaction queued by the sweep.
type ReconcileJob struct {
	TransactionID int64  `json:"transaction_id"`
	ServiceID     string `json:"service_id"`
}

// ReconcileProcessor repairs transactions whose provisioning never
// completed. It looks the service id up first, because "issued but
// recorded failed" drift is repaired without a second issue call; only
// a genuinely absent serial triggers a fresh issue.
type ReconcileProcessor struct {
	transactions TransactionStore
	customers    CustomerStore
	licenses     LicenseClient
	catalog      *catalog.Catalog
	idempotency  *IdempotencyService
}

func NewReconcileProcessor(transactions TransactionStore, customers CustomerStore, licenses LicenseClient, cat *catalog.Catalog, idempotency *IdempotencyService) *ReconcileProcessor {
	return &ReconcileProcessor{
		transactions: transactions,
		customers:    customers,
		licenses:     licenses,
		catalog:      cat,
		idempotency:  idempotency,
	}
}

func (p *ReconcileProcessor) GetType() string {
	return "reconcile"
}

// Process handles one queued reconcile job with idempotency guarantees.
func (p *ReconcileProcessor) Process(ctx context.Context, queueMessage *queue.Message) error {
	var job ReconcileJob
	if err := json.Unmarshal(queueMessage.Data, &job); err != nil {
		logger.Error("Failed to unmarshal reconcile job", "error", err)
		return err
	}

	procCtx, err := p.idempotency.AcquireProcessingLock(ctx, job.ServiceID)
	if err != nil {
		if errors.Is(err, ErrAlreadyProcessed) {
			logger.Info("Transaction already reconciled, skipping", "service_id", job.ServiceID)
			return nil
		}
		if errors.Is(err, ErrLockAcquireFailed) {
			return errors.New("lock held by another consumer")
		}
		// Max retries exceeded or redis trouble: keep nacking, the queue's
		// own attempt budget moves the message to the operator DLQ.
		logger.Error("Reconcile lock not acquired", "service_id", job.ServiceID, "error", err)
		return err
	}

	defer func() {
		if procCtx.lockAcquired {
			p.idempotency.ReleaseLock(ctx, procCtx)
		}
	}()

	txn, err := p.transactions.GetByServiceID(ctx, job.ServiceID)
	if err != nil {
		if errors.Is(err, repository.ErrTransactionNotFound) {
			logger.Warn("Queued transaction no longer exists", "service_id", job.ServiceID)
			return nil
		}
		return err
	}

	// Second sweep pass over an already repaired transaction is a no-op.
	if txn.Status == model.TransactionStatusProvisioned {
		prom.IncReconcileResult("noop")
		p.markSuccess(ctx, procCtx, job.ServiceID)
		return nil
	}

	logger.Info("Reconciling transaction",
		"service_id", job.ServiceID,
		"status", string(txn.Status),
		"attempts", txn.Attempts,
		"is_retry", procCtx.IsRetry)

	lookup, err := p.licenses.Lookup(ctx, job.ServiceID)
	if err != nil {
		return p.retryLater(ctx, procCtx, txn, err)
	}
	if lookup.Success {
		// License exists upstream; only our record was stale.
		if err := p.transactions.MarkProvisioned(ctx, txn.ID, lookup.Serial); err != nil {
			return p.retryLater(ctx, procCtx, txn, err)
		}
		prom.IncReconcileResult("repaired")
		logger.Info("Repaired drifted transaction", "service_id", job.ServiceID, "serial", lookup.Serial)
		p.markSuccess(ctx, procCtx, job.ServiceID)
		return nil
	}

	customer, err := p.customers.FindByID(ctx, txn.CustomerID)
	if err != nil {
		return p.retryLater(ctx, procCtx, txn, err)
	}

	product := p.catalog.Product(txn.ProductID)
	if product == nil {
		// Nothing to provision against; leave the record for the operator.
		prom.IncReconcileResult("orphaned")
		logger.Warn("Transaction references product missing from catalog",
			"service_id", job.ServiceID, "product", txn.ProductID)
		p.markSuccess(ctx, procCtx, job.ServiceID)
		return nil
	}

	issued, err := p.licenses.Issue(ctx, &gateway.IssueRequest{
		ServiceID:    txn.ServiceID,
		CustomerName: customer.ExternalID,
		Email:        customer.Email,
		ProductID:    strconv.Itoa(product.Provisioning.TargetID),
		SlotLimit:    product.Provisioning.SlotLimit,
	})
	if err != nil {
		return p.retryLater(ctx, procCtx, txn, err)
	}
	if !issued.Success {
		return p.retryLater(ctx, procCtx, txn, errors.New("license server refused issue"))
	}

	if err := p.transactions.MarkProvisioned(ctx, txn.ID, issued.Serial); err != nil {
		return p.retryLater(ctx, procCtx, txn, err)
	}

	prom.IncReconcileResult("provisioned")
	logger.Info("Reconciled transaction provisioned", "service_id", job.ServiceID, "serial", issued.Serial)
	p.markSuccess(ctx, procCtx, job.ServiceID)
	return nil
}

// retryLater records the failed attempt and nacks the message so the queue
// redelivers it, or dead-letters it once the budget runs out.
func (p *ReconcileProcessor) retryLater(ctx context.Context, procCtx *ProcessingContext, txn *model.Transaction, cause error) error {
	logger.Warn("Reconcile attempt failed", "service_id", txn.ServiceID, "error", cause)
	prom.IncReconcileResult("retry")

	if err := p.transactions.IncrementAttempts(ctx, txn.ID); err != nil {
		logger.Error("Failed to count reconcile attempt", "service_id", txn.ServiceID, "error", err)
	}
	if err := p.idempotency.MarkFailure(ctx, procCtx, cause); err != nil {
		logger.Error("Failed to mark reconcile failure", "service_id", txn.ServiceID, "error", err)
	}
	return cause
}

func (p *ReconcileProcessor) markSuccess(ctx context.Context, procCtx *ProcessingContext, serviceID string) {
	if err := p.idempotency.MarkSuccess(ctx, procCtx); err != nil {
		logger.Error("Failed to mark reconcile success", "service_id", serviceID, "error", err)
	}
}
