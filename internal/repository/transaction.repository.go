package repository

import (
	"context"
	"errors"
	"time"

	"github.com/venda/license-gateway/internal/model"
	"github.com/venda/license-gateway/pkg/pg"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrDuplicateServiceID  = errors.New("service id already exists")
	ErrOrderLimitReached   = errors.New("order limit reached")
)

type TransactionRepository struct {
	*pg.DB
}

func NewTransactionRepository(db *pg.DB) *TransactionRepository {
	return &TransactionRepository{
		db,
	}
}

// Create records a provisioning attempt with status pending. The unique
// index on service_id is the last line of defense against correlation-key
// collisions.
func (r *TransactionRepository) Create(ctx context.Context, p model.TransactionCreateRequest) (*model.Transaction, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	entity := &TransactionEntity{
		CustomerID: p.CustomerID,
		ProductID:  p.ProductID,
		ServiceID:  p.ServiceID,
		InvoiceID:  p.InvoiceID,
		Status:     string(model.TransactionStatusPending),
	}

	if err := r.Write(ctx).WithContext(ctx).Create(entity).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateServiceID
		}
		return nil, err
	}

	return toTransactionModel(entity), nil
}

// CreateWithLimit counts and inserts under one store transaction so that two
// concurrent orders cannot both pass the limit check. The customer row is
// locked for the duration, serializing orders per customer.
func (r *TransactionRepository) CreateWithLimit(ctx context.Context, p model.TransactionCreateRequest, limit int) (*model.Transaction, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	var created *model.Transaction
	err := r.WithinTransaction(ctx, func(ctx context.Context) error {
		var customer CustomerEntity
		err := r.Write(ctx).WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", p.CustomerID).
			First(&customer).
			Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrCustomerNotFound
			}
			return err
		}

		var count int64
		err = r.Write(ctx).WithContext(ctx).
			Model(&TransactionEntity{}).
			Where("customer_id = ? AND product_id = ?", p.CustomerID, p.ProductID).
			Count(&count).
			Error
		if err != nil {
			return err
		}

		if count >= int64(limit) {
			return ErrOrderLimitReached
		}

		entity := &TransactionEntity{
			CustomerID: p.CustomerID,
			ProductID:  p.ProductID,
			ServiceID:  p.ServiceID,
			InvoiceID:  p.InvoiceID,
			Status:     string(model.TransactionStatusPending),
		}
		if err := r.Write(ctx).WithContext(ctx).Create(entity).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicateServiceID
			}
			return err
		}

		created = toTransactionModel(entity)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (r *TransactionRepository) CountByProduct(ctx context.Context, customerID int64, productID string) (int64, error) {
	var count int64
	err := r.Read(ctx).WithContext(ctx).
		Model(&TransactionEntity{}).
		Where("customer_id = ? AND product_id = ?", customerID, productID).
		Count(&count).
		Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

// ListByCustomer returns all of a customer's transactions. Callers must not
// assume insertion order.
func (r *TransactionRepository) ListByCustomer(ctx context.Context, customerID int64) ([]*model.Transaction, error) {
	var entities []*TransactionEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("customer_id = ?", customerID).
		Find(&entities).
		Error
	if err != nil {
		return nil, err
	}
	return toTransactionModels(entities), nil
}

func (r *TransactionRepository) GetByServiceID(ctx context.Context, serviceID string) (*model.Transaction, error) {
	var entity TransactionEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("service_id = ?", serviceID).
		First(&entity).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return toTransactionModel(&entity), nil
}

// ListStale returns transactions that never reached provisioned state and
// have not been touched since the cutoff. Feed for the reconciliation sweep.
func (r *TransactionRepository) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*model.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}

	var entities []*TransactionEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("status <> ?", string(model.TransactionStatusProvisioned)).
		Where("updated_at < ?", cutoff).
		Order("updated_at ASC").
		Limit(limit).
		Find(&entities).
		Error
	if err != nil {
		return nil, err
	}
	return toTransactionModels(entities), nil
}

func (r *TransactionRepository) MarkProvisioned(ctx context.Context, id int64, serial string) error {
	return r.updateStatus(ctx, id, map[string]interface{}{
		"status": string(model.TransactionStatusProvisioned),
		"serial": serial,
	})
}

func (r *TransactionRepository) MarkFailed(ctx context.Context, id int64) error {
	return r.updateStatus(ctx, id, map[string]interface{}{
		"status": string(model.TransactionStatusFailed),
	})
}

func (r *TransactionRepository) IncrementAttempts(ctx context.Context, id int64) error {
	return r.updateStatus(ctx, id, map[string]interface{}{
		"attempts": gorm.Expr("attempts + 1"),
	})
}

func (r *TransactionRepository) updateStatus(ctx context.Context, id int64, updates map[string]interface{}) error {
	result := r.Write(ctx).WithContext(ctx).
		Model(&TransactionEntity{}).
		Where("id = ?", id).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTransactionNotFound
	}
	return nil
}
