package fixtures

import (
	"fmt"
	"time"

	"github.com/venda/license-gateway/internal/model"
)

var (
	TestCustomer1 = model.Customer{
		ID:         1,
		ExternalID: "ext-1",
		Email:      "one@example.com",
	}

	TestCustomer2 = model.Customer{
		ID:         2,
		ExternalID: "ext-2",
		Email:      "two@example.com",
	}

	TestAdminCustomer = model.Customer{
		ID:         3,
		ExternalID: "admin-1",
		Email:      "admin@example.com",
	}
)

// CatalogJSON is a small catalog covering the interesting shapes: a free
// limited product with a chat role, a priced product, and a free add-on
// with no role.
const CatalogJSON = `{
	"products": {
		"trial": {
			"title": "Trial",
			"price": 0,
			"orderLimit": 2,
			"provisioning": {"targetId": 7, "slotLimit": 1},
			"roleId": "role-trial"
		},
		"vps-basic": {
			"title": "VPS Basic",
			"price": 10,
			"provisioning": {"targetId": 3, "slotLimit": 2},
			"roleId": "role-vps"
		},
		"addon": {
			"title": "Add-on",
			"price": 0,
			"provisioning": {"targetId": 9, "slotLimit": 1}
		}
	},
	"admins": ["admin-1"]
}`

func NewTestTransaction(customerID int64, productID, serviceID string, status model.TransactionStatus) *model.Transaction {
	return &model.Transaction{
		CustomerID: customerID,
		ProductID:  productID,
		ServiceID:  serviceID,
		InvoiceID:  serviceID,
		Status:     status,
		CreatedAt:  time.Now(),
	}
}

func NewTransactionCreateRequest(customerID int64, productID, serviceID string) model.TransactionCreateRequest {
	return model.TransactionCreateRequest{
		CustomerID: customerID,
		ProductID:  productID,
		ServiceID:  serviceID,
		InvoiceID:  serviceID,
	}
}

// NewPaymentNotification builds a completion callback the way the payment
// provider sends it, with custom data "externalID|productID".
func NewPaymentNotification(invoiceID, externalID, productID string, amount float64) model.PaymentNotification {
	return model.PaymentNotification{
		InvoiceID: invoiceID,
		Amount:    amount,
		Currency:  "USD",
		Custom:    fmt.Sprintf("%s|%s", externalID, productID),
	}
}

func ServiceID(n int) string {
	return fmt.Sprintf("svc-%06d", n)
}
