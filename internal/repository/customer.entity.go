package repository

import (
	"time"

	"github.com/venda/license-gateway/internal/model"
)

type CustomerEntity struct {
	ID         int64     `db:"id"          gorm:"primaryKey;autoIncrement;column:id"`
	ExternalID string    `db:"external_id" gorm:"column:external_id;not null;unique"`
	Email      string    `db:"email"       gorm:"column:email;not null;unique"`
	CreatedAt  time.Time `db:"created_at"  gorm:"column:created_at;autoCreateTime"`
}

func (CustomerEntity) TableName() string {
	return "customers"
}

func toCustomerEntity(m *model.Customer) *CustomerEntity {
	if m == nil {
		return nil
	}
	return &CustomerEntity{
		ID:         m.ID,
		ExternalID: m.ExternalID,
		Email:      m.Email,
		CreatedAt:  m.CreatedAt,
	}
}

func toCustomerModel(e *CustomerEntity) *model.Customer {
	if e == nil {
		return nil
	}
	return &model.Customer{
		ID:         e.ID,
		ExternalID: e.ExternalID,
		Email:      e.Email,
		CreatedAt:  e.CreatedAt,
	}
}
