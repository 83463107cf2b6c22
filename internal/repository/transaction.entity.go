package repository

import (
	"time"

	"github.com/venda/license-gateway/internal/model"
)

type TransactionEntity struct {
	ID         int64           `db:"id"          gorm:"primaryKey;autoIncrement;column:id"`
	CustomerID int64           `db:"customer_id" gorm:"column:customer_id;not null;index"`
	Customer   *CustomerEntity `db:"-"           gorm:"foreignKey:CustomerID;references:ID;constraint:OnDelete:CASCADE"`
	ProductID  string          `db:"product_id"  gorm:"column:product_id;not null;index"`
	ServiceID  string          `db:"service_id"  gorm:"column:service_id;not null;unique"`
	InvoiceID  string          `db:"invoice_id"  gorm:"column:invoice_id;not null"`
	Status     string          `db:"status"      gorm:"column:status;not null;index;default:pending"`
	Serial     *string         `db:"serial"      gorm:"column:serial"` // nullable
	Attempts   int             `db:"attempts"    gorm:"column:attempts;not null;default:0"`
	CreatedAt  time.Time       `db:"created_at"  gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time       `db:"updated_at"  gorm:"column:updated_at;autoUpdateTime"`
}

func (TransactionEntity) TableName() string {
	return "transactions"
}

func toTransactionEntity(m *model.Transaction) *TransactionEntity {
	if m == nil {
		return nil
	}
	return &TransactionEntity{
		ID:         m.ID,
		CustomerID: m.CustomerID,
		ProductID:  m.ProductID,
		ServiceID:  m.ServiceID,
		InvoiceID:  m.InvoiceID,
		Status:     string(m.Status),
		Serial:     m.Serial,
		Attempts:   m.Attempts,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

func toTransactionModel(e *TransactionEntity) *model.Transaction {
	if e == nil {
		return nil
	}
	return &model.Transaction{
		ID:         e.ID,
		CustomerID: e.CustomerID,
		ProductID:  e.ProductID,
		ServiceID:  e.ServiceID,
		InvoiceID:  e.InvoiceID,
		Status:     model.TransactionStatus(e.Status),
		Serial:     e.Serial,
		Attempts:   e.Attempts,
		CreatedAt:  e.CreatedAt,
		UpdatedAt:  e.UpdatedAt,
	}
}

func toTransactionModels(entities []*TransactionEntity) []*model.Transaction {
	if entities == nil {
		return nil
	}
	models := make([]*model.Transaction, len(entities))
	for i, e := range entities {
		models[i] = toTransactionModel(e)
	}
	return models
}
