package repository

import (
	"context"
	"errors"

	"github.com/venda/license-gateway/internal/model"
	"github.com/venda/license-gateway/pkg/pg"
	"gorm.io/gorm"
)

var (
	ErrCustomerNotFound    = errors.New("customer not found")
	ErrDuplicateExternalID = errors.New("external id already exists")
	ErrDuplicateEmail      = errors.New("email already exists")
)

type CustomerRepository struct {
	*pg.DB
}

func NewCustomerRepository(db *pg.DB) *CustomerRepository {
	return &CustomerRepository{
		db,
	}
}

func (r *CustomerRepository) FindByID(ctx context.Context, id int64) (*model.Customer, error) {
	var entity CustomerEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("id = ?", id).
		First(&entity).
		Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCustomerNotFound
		}
		return nil, err
	}

	return toCustomerModel(&entity), nil
}

func (r *CustomerRepository) FindByExternalID(ctx context.Context, externalID string) (*model.Customer, error) {
	var entity CustomerEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("external_id = ?", externalID).
		First(&entity).
		Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCustomerNotFound
		}
		return nil, err
	}

	return toCustomerModel(&entity), nil
}

// Create persists a new customer. Uniqueness of both the external identity
// and the email is enforced by the store.
func (r *CustomerRepository) Create(ctx context.Context, externalID, email string) (*model.Customer, error) {
	entity := &CustomerEntity{
		ExternalID: externalID,
		Email:      email,
	}

	if err := r.Write(ctx).WithContext(ctx).Create(entity).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, r.classifyDuplicate(ctx, externalID)
		}
		return nil, err
	}

	return toCustomerModel(entity), nil
}

// classifyDuplicate decides which unique key collided. The translated
// duplicate-key error carries no constraint name, so probe for the external
// id; if that row exists the identity collided, otherwise the email did.
func (r *CustomerRepository) classifyDuplicate(ctx context.Context, externalID string) error {
	var count int64
	err := r.Read(ctx).WithContext(ctx).
		Model(&CustomerEntity{}).
		Where("external_id = ?", externalID).
		Count(&count).
		Error
	if err == nil && count == 0 {
		return ErrDuplicateEmail
	}
	return ErrDuplicateExternalID
}

// FindOrCreate resolves the customer for an external identity, creating the
// record on first sight. A concurrent first login loses the insert race and
// falls back to the winner's row.
func (r *CustomerRepository) FindOrCreate(ctx context.Context, externalID, email string) (*model.Customer, error) {
	customer, err := r.FindByExternalID(ctx, externalID)
	if err == nil {
		return customer, nil
	}
	if !errors.Is(err, ErrCustomerNotFound) {
		return nil, err
	}

	customer, err = r.Create(ctx, externalID, email)
	if err != nil {
		if errors.Is(err, ErrDuplicateExternalID) || errors.Is(err, ErrDuplicateEmail) {
			return r.FindByExternalID(ctx, externalID)
		}
		return nil, err
	}
	return customer, nil
}
