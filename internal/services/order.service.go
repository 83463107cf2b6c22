package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/venda/license-gateway/internal/catalog"
	gateway "github.com/venda/license-gateway/internal/gateways"
	"github.com/venda/license-gateway/internal/model"
	"github.com/venda/license-gateway/internal/repository"
	"github.com/venda/license-gateway/pkg/logger"
	"github.com/venda/license-gateway/pkg/prom"
)

var (
	ErrUnknownCustomer = errors.New("unknown customer")
	ErrUnknownProduct  = errors.New("unknown product")
	ErrAmountMismatch  = errors.New("paid amount does not match product price")
)

type CustomerRepository interface {
	FindByExternalID(ctx context.Context, externalID string) (*model.Customer, error)
	FindOrCreate(ctx context.Context, externalID, email string) (*model.Customer, error)
}

type TransactionRepository interface {
	Create(ctx context.Context, p model.TransactionCreateRequest) (*model.Transaction, error)
	CreateWithLimit(ctx context.Context, p model.TransactionCreateRequest, limit int) (*model.Transaction, error)
	ListByCustomer(ctx context.Context, customerID int64) ([]*model.Transaction, error)
	GetByServiceID(ctx context.Context, serviceID string) (*model.Transaction, error)
	MarkProvisioned(ctx context.Context, id int64, serial string) error
	MarkFailed(ctx context.Context, id int64) error
}

type LicenseProvisioner interface {
	Issue(ctx context.Context, req *gateway.IssueRequest) (*gateway.ProvisionResult, error)
	Lookup(ctx context.Context, serviceID string) (*gateway.ProvisionResult, error)
}

// PaymentConfig describes the provider's hosted checkout page.
type PaymentConfig struct {
	CheckoutURL string
	Business    string
	Currency    string
	ReturnURL   string
	CancelURL   string
}

// OrderService runs one order workflow per request: eligibility, the
// durable transaction record and the provisioning call. Priced products
// detour through the payment provider and come back via CompletePayment.
type OrderService struct {
	customers    CustomerRepository
	transactions TransactionRepository
	provisioner  LicenseProvisioner
	catalog      *catalog.Catalog
	payment      PaymentConfig
	now          func() time.Time
}

func NewOrderService(customers CustomerRepository, transactions TransactionRepository, provisioner LicenseProvisioner, cat *catalog.Catalog, payment PaymentConfig) *OrderService {
	return &OrderService{
		customers:    customers,
		transactions: transactions,
		provisioner:  provisioner,
		catalog:      cat,
		payment:      payment,
		now:          time.Now,
	}
}

func (s *OrderService) PlaceOrder(ctx context.Context, customer *model.Customer, productID string) (*model.OrderOutcome, error) {
	product := s.catalog.Product(productID)
	if product == nil {
		prom.IncOrderOutcome(string(model.OrderRejected))
		return &model.OrderOutcome{Status: model.OrderRejected, Message: "unknown product"}, nil
	}

	if !product.Free() {
		prom.IncOrderOutcome(string(model.OrderAwaitingPayment))
		logger.Info("Order awaiting payment", "customer", customer.ExternalID, "product", product.ID)
		return &model.OrderOutcome{
			Status:      model.OrderAwaitingPayment,
			Message:     "redirecting to checkout",
			RedirectURL: s.checkoutURL(customer, product),
		}, nil
	}

	txn, err := s.createTransaction(ctx, customer, product)
	if err != nil {
		if errors.Is(err, repository.ErrOrderLimitReached) {
			prom.IncOrderOutcome(string(model.OrderRejected))
			return &model.OrderOutcome{Status: model.OrderRejected, Message: "limit reached"}, nil
		}
		return nil, fmt.Errorf("create transaction: %w", err)
	}

	return s.provision(ctx, customer, product, txn), nil
}

// CompletePayment runs the provisioning step for a provider completion
// callback, with the provider's invoice id doubling as the service id.
func (s *OrderService) CompletePayment(ctx context.Context, notif model.PaymentNotification) (*model.OrderOutcome, error) {
	externalID, productID, ok := splitCustomData(notif.Custom)
	if !ok {
		return nil, fmt.Errorf("malformed custom data %q", notif.Custom)
	}

	customer, err := s.customers.FindByExternalID(ctx, externalID)
	if err != nil {
		if errors.Is(err, repository.ErrCustomerNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCustomer, externalID)
		}
		return nil, err
	}

	product := s.catalog.Product(productID)
	if product == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProduct, productID)
	}
	if notif.Amount < product.Price || !strings.EqualFold(notif.Currency, s.payment.Currency) {
		return nil, fmt.Errorf("%w: got %.2f %s, want %.2f %s",
			ErrAmountMismatch, notif.Amount, notif.Currency, product.Price, s.payment.Currency)
	}

	txn, err := s.transactions.Create(ctx, model.TransactionCreateRequest{
		CustomerID: customer.ID,
		ProductID:  product.ID,
		ServiceID:  notif.InvoiceID,
		InvoiceID:  notif.InvoiceID,
	})
	if errors.Is(err, repository.ErrDuplicateServiceID) {
		// Duplicate provider notification: reuse the recorded transaction.
		existing, getErr := s.transactions.GetByServiceID(ctx, notif.InvoiceID)
		if getErr != nil {
			return nil, getErr
		}
		if existing.Status == model.TransactionStatusProvisioned {
			logger.Info("Payment already provisioned", "invoice", notif.InvoiceID)
			return &model.OrderOutcome{Status: model.OrderFulfilled, Transaction: existing}, nil
		}
		txn, err = existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("create transaction: %w", err)
	}

	logger.Info("Payment completed", "customer", customer.ExternalID, "product", product.ID, "invoice", notif.InvoiceID)

	return s.provision(ctx, customer, product, txn), nil
}

// ListEntitlements returns a customer's transactions.
func (s *OrderService) ListEntitlements(ctx context.Context, customerID int64) ([]*model.Transaction, error) {
	return s.transactions.ListByCustomer(ctx, customerID)
}

// createTransaction persists the pending record, enforcing the product's
// order limit inside the store transaction when one is set. The timestamp
// derived service id can collide under load; one retry with a fresh id.
func (s *OrderService) createTransaction(ctx context.Context, customer *model.Customer, product *catalog.Product) (*model.Transaction, error) {
	var txn *model.Transaction
	var err error

	for attempt := 0; attempt < 2; attempt++ {
		serviceID := s.newServiceID()
		req := model.TransactionCreateRequest{
			CustomerID: customer.ID,
			ProductID:  product.ID,
			ServiceID:  serviceID,
			InvoiceID:  serviceID,
		}

		if product.OrderLimit != nil {
			txn, err = s.transactions.CreateWithLimit(ctx, req, *product.OrderLimit)
		} else {
			txn, err = s.transactions.Create(ctx, req)
		}
		if !errors.Is(err, repository.ErrDuplicateServiceID) {
			break
		}
		logger.Warn("Service id collision, retrying", "service_id", serviceID)
	}

	return txn, err
}

func (s *OrderService) provision(ctx context.Context, customer *model.Customer, product *catalog.Product, txn *model.Transaction) *model.OrderOutcome {
	result, err := s.provisioner.Issue(ctx, &gateway.IssueRequest{
		ServiceID:    txn.ServiceID,
		CustomerName: customer.ExternalID,
		Email:        customer.Email,
		ProductID:    strconv.Itoa(product.Provisioning.TargetID),
		SlotLimit:    product.Provisioning.SlotLimit,
	})
	if err != nil || !result.Success {
		if err != nil {
			logger.Error("Provisioning failed", "service_id", txn.ServiceID, "error", err)
		} else {
			logger.Error("Provisioning refused", "service_id", txn.ServiceID, "raw", string(result.Raw))
		}
		if markErr := s.transactions.MarkFailed(ctx, txn.ID); markErr != nil {
			logger.Error("Failed to record provisioning failure", "service_id", txn.ServiceID, "error", markErr)
		}
		txn.Status = model.TransactionStatusFailed
		prom.IncOrderOutcome(string(model.OrderFailed))
		return &model.OrderOutcome{Status: model.OrderFailed, Message: "provisioning failed", Transaction: txn}
	}

	if err := s.transactions.MarkProvisioned(ctx, txn.ID, result.Serial); err != nil {
		logger.Error("Failed to record serial", "service_id", txn.ServiceID, "error", err)
	}
	txn.Status = model.TransactionStatusProvisioned
	txn.Serial = &result.Serial

	prom.IncOrderOutcome(string(model.OrderFulfilled))
	logger.Info("Order fulfilled", "customer", customer.ExternalID, "product", product.ID, "service_id", txn.ServiceID)

	return &model.OrderOutcome{Status: model.OrderFulfilled, Transaction: txn}
}

func (s *OrderService) checkoutURL(customer *model.Customer, product *catalog.Product) string {
	values := url.Values{}
	values.Set("cmd", "_xclick")
	values.Set("business", s.payment.Business)
	values.Set("item_name", product.Title)
	values.Set("amount", strconv.FormatFloat(product.Price, 'f', 2, 64))
	values.Set("currency_code", s.payment.Currency)
	values.Set("custom", customer.ExternalID+"|"+product.ID)
	values.Set("return", s.payment.ReturnURL)
	values.Set("cancel_return", s.payment.CancelURL)
	return s.payment.CheckoutURL + "?" + values.Encode()
}

func (s *OrderService) newServiceID() string {
	return strconv.FormatInt(s.now().UnixNano(), 10)
}

func splitCustomData(custom string) (externalID, productID string, ok bool) {
	parts := strings.SplitN(custom, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
