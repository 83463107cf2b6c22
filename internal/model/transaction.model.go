package model

import (
	"errors"
	"time"
)

// TransactionStatus is the provisioning lifecycle state of a transaction.
type TransactionStatus string

const (
	TransactionStatusPending     TransactionStatus = "pending"
	TransactionStatusProvisioned TransactionStatus = "provisioned"
	TransactionStatusFailed      TransactionStatus = "failed"
)

// Transaction is the unit of entitlement. It is created before the
// provisioning call and kept afterwards whatever the outcome; the status
// field records provisioning truth.
type Transaction struct {
	ID         int64             `json:"id"`
	CustomerID int64             `json:"customer_id"`
	ProductID  string            `json:"product_id"`
	ServiceID  string            `json:"service_id"` // correlation key with the key-issuing service, unique
	InvoiceID  string            `json:"invoice_id"` // payment provider reference; equals ServiceID for free orders
	Status     TransactionStatus `json:"status"`
	Serial     *string           `json:"serial,omitempty"` // recorded once provisioning succeeds
	Attempts   int               `json:"attempts"`         // reconcile retries so far
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

func (Transaction) TableName() string { return "transactions" }

// TransactionCreateRequest is the input for recording a provisioning attempt.
type TransactionCreateRequest struct {
	CustomerID int64
	ProductID  string
	ServiceID  string
	InvoiceID  string
}

func (p TransactionCreateRequest) Validate() error {
	if p.CustomerID == 0 {
		return errors.New("customer_id is required")
	}
	if p.ProductID == "" {
		return errors.New("product_id is required")
	}
	if p.ServiceID == "" {
		return errors.New("service_id is required")
	}
	if p.InvoiceID == "" {
		return errors.New("invoice_id is required")
	}
	return nil
}
