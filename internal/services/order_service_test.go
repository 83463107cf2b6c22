package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/venda/license-gateway/internal/catalog"
	gateway "github.com/venda/license-gateway/internal/gateways"
	"github.com/venda/license-gateway/internal/model"
	"github.com/venda/license-gateway/internal/repository"
)

const testCatalogJSON = `{
  "products": {
    "trial": {
      "title": "Trial License",
      "price": 0,
      "orderLimit": 2,
      "provisioning": {"targetId": 7, "slotLimit": 1},
      "roleId": "role-trial"
    },
    "vps-basic": {
      "title": "VPS Basic",
      "price": 10,
      "provisioning": {"targetId": 3, "slotLimit": 5},
      "roleId": "role-vps"
    },
    "addon": {
      "title": "Addon Pack",
      "price": 0,
      "provisioning": {"targetId": 9, "slotLimit": 1}
    }
  },
  "admins": ["admin-1"]
}`

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Parse([]byte(testCatalogJSON))
	require.NoError(t, err)
	return cat
}

func testPaymentConfig() PaymentConfig {
	return PaymentConfig{
		CheckoutURL: "https://pay.example.com/checkout",
		Business:    "shop@example.com",
		Currency:    "USD",
		ReturnURL:   "https://shop.example.com/return",
		CancelURL:   "https://shop.example.com/cancel",
	}
}

type MockCustomerRepository struct {
	mock.Mock
}

func (m *MockCustomerRepository) FindByExternalID(ctx context.Context, externalID string) (*model.Customer, error) {
	args := m.Called(ctx, externalID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Customer), args.Error(1)
}

func (m *MockCustomerRepository) FindOrCreate(ctx context.Context, externalID, email string) (*model.Customer, error) {
	args := m.Called(ctx, externalID, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Customer), args.Error(1)
}

type MockTransactionRepository struct {
	mock.Mock
}

func (m *MockTransactionRepository) Create(ctx context.Context, p model.TransactionCreateRequest) (*model.Transaction, error) {
	args := m.Called(ctx, p)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Transaction), args.Error(1)
}

func (m *MockTransactionRepository) CreateWithLimit(ctx context.Context, p model.TransactionCreateRequest, limit int) (*model.Transaction, error) {
	args := m.Called(ctx, p, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Transaction), args.Error(1)
}

func (m *MockTransactionRepository) ListByCustomer(ctx context.Context, customerID int64) ([]*model.Transaction, error) {
	args := m.Called(ctx, customerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Transaction), args.Error(1)
}

func (m *MockTransactionRepository) GetByServiceID(ctx context.Context, serviceID string) (*model.Transaction, error) {
	args := m.Called(ctx, serviceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Transaction), args.Error(1)
}

func (m *MockTransactionRepository) MarkProvisioned(ctx context.Context, id int64, serial string) error {
	args := m.Called(ctx, id, serial)
	return args.Error(0)
}

func (m *MockTransactionRepository) MarkFailed(ctx context.Context, id int64) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

type MockLicenseProvisioner struct {
	mock.Mock
}

func (m *MockLicenseProvisioner) Issue(ctx context.Context, req *gateway.IssueRequest) (*gateway.ProvisionResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.ProvisionResult), args.Error(1)
}

func (m *MockLicenseProvisioner) Lookup(ctx context.Context, serviceID string) (*gateway.ProvisionResult, error) {
	args := m.Called(ctx, serviceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.ProvisionResult), args.Error(1)
}

func newOrderServiceForTest(t *testing.T) (*OrderService, *MockCustomerRepository, *MockTransactionRepository, *MockLicenseProvisioner) {
	custRepo := new(MockCustomerRepository)
	txnRepo := new(MockTransactionRepository)
	provisioner := new(MockLicenseProvisioner)
	svc := NewOrderService(custRepo, txnRepo, provisioner, testCatalog(t), testPaymentConfig())
	return svc, custRepo, txnRepo, provisioner
}

func testCustomer() *model.Customer {
	return &model.Customer{ID: 1, ExternalID: "ext-1", Email: "cust@example.com"}
}

func TestOrderService_PlaceOrder_UnknownProduct(t *testing.T) {
	svc, _, txnRepo, provisioner := newOrderServiceForTest(t)

	outcome, err := svc.PlaceOrder(context.Background(), testCustomer(), "no-such-product")
	require.NoError(t, err)
	assert.Equal(t, model.OrderRejected, outcome.Status)
	assert.Equal(t, "unknown product", outcome.Message)

	txnRepo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	provisioner.AssertNotCalled(t, "Issue", mock.Anything, mock.Anything)
}

func TestOrderService_PlaceOrder_PricedProductRedirects(t *testing.T) {
	svc, _, txnRepo, provisioner := newOrderServiceForTest(t)

	outcome, err := svc.PlaceOrder(context.Background(), testCustomer(), "vps-basic")
	require.NoError(t, err)
	assert.Equal(t, model.OrderAwaitingPayment, outcome.Status)
	assert.Contains(t, outcome.RedirectURL, "https://pay.example.com/checkout?")
	assert.Contains(t, outcome.RedirectURL, "custom=ext-1%7Cvps-basic")
	assert.Contains(t, outcome.RedirectURL, "amount=10.00")

	// priced products never provision synchronously
	txnRepo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	provisioner.AssertNotCalled(t, "Issue", mock.Anything, mock.Anything)
}

func TestOrderService_PlaceOrder_FreeHappyPath(t *testing.T) {
	svc, _, txnRepo, provisioner := newOrderServiceForTest(t)
	ctx := context.Background()

	txn := &model.Transaction{ID: 10, CustomerID: 1, ProductID: "trial", ServiceID: "svc-10", InvoiceID: "svc-10", Status: model.TransactionStatusPending}
	txnRepo.On("CreateWithLimit", mock.Anything, mock.MatchedBy(func(p model.TransactionCreateRequest) bool {
		return p.ProductID == "trial" && p.ServiceID == p.InvoiceID && p.ServiceID != ""
	}), 2).Return(txn, nil).Once()

	provisioner.On("Issue", mock.Anything, mock.MatchedBy(func(req *gateway.IssueRequest) bool {
		return req.ServiceID == "svc-10" && req.CustomerName == "ext-1" && req.ProductID == "7" && req.SlotLimit == 1
	})).Return(&gateway.ProvisionResult{Success: true, Serial: "SER-10"}, nil).Once()

	txnRepo.On("MarkProvisioned", mock.Anything, int64(10), "SER-10").Return(nil).Once()

	outcome, err := svc.PlaceOrder(ctx, testCustomer(), "trial")
	require.NoError(t, err)
	assert.Equal(t, model.OrderFulfilled, outcome.Status)
	require.NotNil(t, outcome.Transaction)
	assert.Equal(t, model.TransactionStatusProvisioned, outcome.Transaction.Status)
	require.NotNil(t, outcome.Transaction.Serial)
	assert.Equal(t, "SER-10", *outcome.Transaction.Serial)

	txnRepo.AssertExpectations(t)
	provisioner.AssertExpectations(t)
}

func TestOrderService_PlaceOrder_LimitReached(t *testing.T) {
	svc, _, txnRepo, provisioner := newOrderServiceForTest(t)

	txnRepo.On("CreateWithLimit", mock.Anything, mock.Anything, 2).
		Return(nil, repository.ErrOrderLimitReached).Once()

	outcome, err := svc.PlaceOrder(context.Background(), testCustomer(), "trial")
	require.NoError(t, err)
	assert.Equal(t, model.OrderRejected, outcome.Status)
	assert.Equal(t, "limit reached", outcome.Message)

	provisioner.AssertNotCalled(t, "Issue", mock.Anything, mock.Anything)
	txnRepo.AssertExpectations(t)
}

func TestOrderService_PlaceOrder_UnlimitedProductUsesPlainCreate(t *testing.T) {
	svc, _, txnRepo, provisioner := newOrderServiceForTest(t)

	txn := &model.Transaction{ID: 11, CustomerID: 1, ProductID: "addon", ServiceID: "svc-11", Status: model.TransactionStatusPending}
	txnRepo.On("Create", mock.Anything, mock.Anything).Return(txn, nil).Once()
	provisioner.On("Issue", mock.Anything, mock.Anything).
		Return(&gateway.ProvisionResult{Success: true, Serial: "SER-11"}, nil).Once()
	txnRepo.On("MarkProvisioned", mock.Anything, int64(11), "SER-11").Return(nil).Once()

	outcome, err := svc.PlaceOrder(context.Background(), testCustomer(), "addon")
	require.NoError(t, err)
	assert.Equal(t, model.OrderFulfilled, outcome.Status)

	txnRepo.AssertNotCalled(t, "CreateWithLimit", mock.Anything, mock.Anything, mock.Anything)
	txnRepo.AssertExpectations(t)
}

func TestOrderService_PlaceOrder_ProvisioningFailure(t *testing.T) {
	svc, _, txnRepo, provisioner := newOrderServiceForTest(t)

	txn := &model.Transaction{ID: 12, CustomerID: 1, ProductID: "trial", ServiceID: "svc-12", Status: model.TransactionStatusPending}
	txnRepo.On("CreateWithLimit", mock.Anything, mock.Anything, 2).Return(txn, nil).Once()
	provisioner.On("Issue", mock.Anything, mock.Anything).
		Return(nil, &gateway.ProvisionError{Kind: gateway.ProvisionTimeout, Op: "issue"}).Once()
	txnRepo.On("MarkFailed", mock.Anything, int64(12)).Return(nil).Once()

	outcome, err := svc.PlaceOrder(context.Background(), testCustomer(), "trial")
	require.NoError(t, err)
	assert.Equal(t, model.OrderFailed, outcome.Status)
	require.NotNil(t, outcome.Transaction)
	assert.Equal(t, model.TransactionStatusFailed, outcome.Transaction.Status)

	txnRepo.AssertExpectations(t)
}

func TestOrderService_PlaceOrder_ServiceIDCollisionRetries(t *testing.T) {
	svc, _, txnRepo, provisioner := newOrderServiceForTest(t)

	txn := &model.Transaction{ID: 13, CustomerID: 1, ProductID: "trial", ServiceID: "svc-13", Status: model.TransactionStatusPending}
	txnRepo.On("CreateWithLimit", mock.Anything, mock.Anything, 2).
		Return(nil, repository.ErrDuplicateServiceID).Once()
	txnRepo.On("CreateWithLimit", mock.Anything, mock.Anything, 2).Return(txn, nil).Once()
	provisioner.On("Issue", mock.Anything, mock.Anything).
		Return(&gateway.ProvisionResult{Success: true, Serial: "SER-13"}, nil).Once()
	txnRepo.On("MarkProvisioned", mock.Anything, int64(13), "SER-13").Return(nil).Once()

	outcome, err := svc.PlaceOrder(context.Background(), testCustomer(), "trial")
	require.NoError(t, err)
	assert.Equal(t, model.OrderFulfilled, outcome.Status)

	txnRepo.AssertExpectations(t)
}

func TestOrderService_CompletePayment(t *testing.T) {
	t.Run("malformed custom data", func(t *testing.T) {
		svc, _, _, _ := newOrderServiceForTest(t)

		_, err := svc.CompletePayment(context.Background(), model.PaymentNotification{
			InvoiceID: "inv-1", Amount: 10, Currency: "USD", Custom: "garbage",
		})
		assert.Error(t, err)
	})

	t.Run("unknown customer", func(t *testing.T) {
		svc, custRepo, _, _ := newOrderServiceForTest(t)
		custRepo.On("FindByExternalID", mock.Anything, "ghost").
			Return(nil, repository.ErrCustomerNotFound).Once()

		_, err := svc.CompletePayment(context.Background(), model.PaymentNotification{
			InvoiceID: "inv-1", Amount: 10, Currency: "USD", Custom: "ghost|vps-basic",
		})
		assert.ErrorIs(t, err, ErrUnknownCustomer)
	})

	t.Run("amount mismatch", func(t *testing.T) {
		svc, custRepo, _, _ := newOrderServiceForTest(t)
		custRepo.On("FindByExternalID", mock.Anything, "ext-1").Return(testCustomer(), nil).Once()

		_, err := svc.CompletePayment(context.Background(), model.PaymentNotification{
			InvoiceID: "inv-1", Amount: 2, Currency: "USD", Custom: "ext-1|vps-basic",
		})
		assert.ErrorIs(t, err, ErrAmountMismatch)
	})

	t.Run("happy path uses invoice id as service id", func(t *testing.T) {
		svc, custRepo, txnRepo, provisioner := newOrderServiceForTest(t)
		custRepo.On("FindByExternalID", mock.Anything, "ext-1").Return(testCustomer(), nil).Once()

		txn := &model.Transaction{ID: 20, CustomerID: 1, ProductID: "vps-basic", ServiceID: "inv-20", InvoiceID: "inv-20", Status: model.TransactionStatusPending}
		txnRepo.On("Create", mock.Anything, mock.MatchedBy(func(p model.TransactionCreateRequest) bool {
			return p.ServiceID == "inv-20" && p.InvoiceID == "inv-20" && p.ProductID == "vps-basic"
		})).Return(txn, nil).Once()
		provisioner.On("Issue", mock.Anything, mock.Anything).
			Return(&gateway.ProvisionResult{Success: true, Serial: "SER-20"}, nil).Once()
		txnRepo.On("MarkProvisioned", mock.Anything, int64(20), "SER-20").Return(nil).Once()

		outcome, err := svc.CompletePayment(context.Background(), model.PaymentNotification{
			InvoiceID: "inv-20", Amount: 10, Currency: "USD", Custom: "ext-1|vps-basic",
		})
		require.NoError(t, err)
		assert.Equal(t, model.OrderFulfilled, outcome.Status)

		txnRepo.AssertExpectations(t)
		provisioner.AssertExpectations(t)
	})

	t.Run("duplicate notification is idempotent", func(t *testing.T) {
		svc, custRepo, txnRepo, provisioner := newOrderServiceForTest(t)
		custRepo.On("FindByExternalID", mock.Anything, "ext-1").Return(testCustomer(), nil).Once()

		serial := "SER-21"
		existing := &model.Transaction{ID: 21, CustomerID: 1, ProductID: "vps-basic", ServiceID: "inv-21", Status: model.TransactionStatusProvisioned, Serial: &serial}
		txnRepo.On("Create", mock.Anything, mock.Anything).
			Return(nil, repository.ErrDuplicateServiceID).Once()
		txnRepo.On("GetByServiceID", mock.Anything, "inv-21").Return(existing, nil).Once()

		outcome, err := svc.CompletePayment(context.Background(), model.PaymentNotification{
			InvoiceID: "inv-21", Amount: 10, Currency: "USD", Custom: "ext-1|vps-basic",
		})
		require.NoError(t, err)
		assert.Equal(t, model.OrderFulfilled, outcome.Status)

		provisioner.AssertNotCalled(t, "Issue", mock.Anything, mock.Anything)
		txnRepo.AssertExpectations(t)
	})
}
