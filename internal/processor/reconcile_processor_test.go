package processor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/venda/license-gateway/internal/catalog"
	gateway "github.com/venda/license-gateway/internal/gateways"
	"github.com/venda/license-gateway/internal/model"
	"github.com/venda/license-gateway/internal/queue"
	"github.com/venda/license-gateway/internal/repository"
)

const reconcileCatalogJSON = `{
	"products": {
		"vps-basic": {
			"title": "VPS Basic",
			"price": 10,
			"provisioning": {"targetId": 3, "slotLimit": 2},
			"roleId": "role-vps"
		}
	},
	"admins": []
}`

type MockTransactionStore struct {
	mock.Mock
}

func (m *MockTransactionStore) GetByServiceID(ctx context.Context, serviceID string) (*model.Transaction, error) {
	args := m.Called(ctx, serviceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Transaction), args.Error(1)
}

func (m *MockTransactionStore) MarkProvisioned(ctx context.Context, id int64, serial string) error {
	args := m.Called(ctx, id, serial)
	return args.Error(0)
}

func (m *MockTransactionStore) IncrementAttempts(ctx context.Context, id int64) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

type MockCustomerStore struct {
	mock.Mock
}

func (m *MockCustomerStore) FindByID(ctx context.Context, id int64) (*model.Customer, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Customer), args.Error(1)
}

type MockLicenseClient struct {
	mock.Mock
}

func (m *MockLicenseClient) Issue(ctx context.Context, req *gateway.IssueRequest) (*gateway.ProvisionResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.ProvisionResult), args.Error(1)
}

func (m *MockLicenseClient) Lookup(ctx context.Context, serviceID string) (*gateway.ProvisionResult, error) {
	args := m.Called(ctx, serviceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.ProvisionResult), args.Error(1)
}

type reconcileFixture struct {
	processor    *ReconcileProcessor
	transactions *MockTransactionStore
	customers    *MockCustomerStore
	licenses     *MockLicenseClient
	idempotency  *IdempotencyService
}

func setupReconcile(t *testing.T) *reconcileFixture {
	t.Helper()

	cat, err := catalog.Parse([]byte(reconcileCatalogJSON))
	require.NoError(t, err)

	transactions := new(MockTransactionStore)
	customers := new(MockCustomerStore)
	licenses := new(MockLicenseClient)
	idem := NewIdempotencyService(newMockRedisAdapter(), DefaultIdempotencyConfig())

	return &reconcileFixture{
		processor:    NewReconcileProcessor(transactions, customers, licenses, cat, idem),
		transactions: transactions,
		customers:    customers,
		licenses:     licenses,
		idempotency:  idem,
	}
}

func reconcileMessage(t *testing.T, job ReconcileJob) *queue.Message {
	t.Helper()
	data, err := json.Marshal(job)
	require.NoError(t, err)
	return &queue.Message{ID: "msg-" + job.ServiceID, Data: data}
}

func pendingTransaction(serviceID string) *model.Transaction {
	return &model.Transaction{
		ID:         42,
		CustomerID: 7,
		ProductID:  "vps-basic",
		ServiceID:  serviceID,
		InvoiceID:  serviceID,
		Status:     model.TransactionStatusPending,
	}
}

func TestReconcileProcessor_LookupRepairsDrift(t *testing.T) {
	f := setupReconcile(t)
	ctx := context.Background()

	txn := pendingTransaction("svc-1")
	f.transactions.On("GetByServiceID", mock.Anything, "svc-1").Return(txn, nil)
	f.licenses.On("Lookup", mock.Anything, "svc-1").
		Return(&gateway.ProvisionResult{Success: true, Serial: "AAAA-BBBB"}, nil)
	f.transactions.On("MarkProvisioned", mock.Anything, int64(42), "AAAA-BBBB").Return(nil)

	err := f.processor.Process(ctx, reconcileMessage(t, ReconcileJob{TransactionID: 42, ServiceID: "svc-1"}))
	assert.NoError(t, err)

	// Repaired jobs are marked processed, so a redelivery is a no-op.
	processed, err := f.idempotency.IsProcessed(ctx, "svc-1")
	require.NoError(t, err)
	assert.True(t, processed)

	f.licenses.AssertNotCalled(t, "Issue", mock.Anything, mock.Anything)
	f.transactions.AssertExpectations(t)
}

func TestReconcileProcessor_IssuesWhenNoSerialExists(t *testing.T) {
	f := setupReconcile(t)
	ctx := context.Background()

	txn := pendingTransaction("svc-2")
	f.transactions.On("GetByServiceID", mock.Anything, "svc-2").Return(txn, nil)
	f.licenses.On("Lookup", mock.Anything, "svc-2").
		Return(&gateway.ProvisionResult{Success: false}, nil)
	f.customers.On("FindByID", mock.Anything, int64(7)).
		Return(&model.Customer{ID: 7, ExternalID: "ext-7", Email: "seven@example.com"}, nil)
	f.licenses.On("Issue", mock.Anything, mock.MatchedBy(func(req *gateway.IssueRequest) bool {
		return req.ServiceID == "svc-2" &&
			req.CustomerName == "ext-7" &&
			req.Email == "seven@example.com" &&
			req.ProductID == "3" &&
			req.SlotLimit == 2
	})).Return(&gateway.ProvisionResult{Success: true, Serial: "CCCC-DDDD"}, nil)
	f.transactions.On("MarkProvisioned", mock.Anything, int64(42), "CCCC-DDDD").Return(nil)

	err := f.processor.Process(ctx, reconcileMessage(t, ReconcileJob{TransactionID: 42, ServiceID: "svc-2"}))
	assert.NoError(t, err)

	f.transactions.AssertExpectations(t)
	f.licenses.AssertExpectations(t)
}

func TestReconcileProcessor_AlreadyProvisionedIsNoop(t *testing.T) {
	f := setupReconcile(t)
	ctx := context.Background()

	serial := "EEEE-FFFF"
	txn := pendingTransaction("svc-3")
	txn.Status = model.TransactionStatusProvisioned
	txn.Serial = &serial
	f.transactions.On("GetByServiceID", mock.Anything, "svc-3").Return(txn, nil)

	err := f.processor.Process(ctx, reconcileMessage(t, ReconcileJob{TransactionID: 42, ServiceID: "svc-3"}))
	assert.NoError(t, err)

	f.licenses.AssertNotCalled(t, "Lookup", mock.Anything, mock.Anything)
	f.licenses.AssertNotCalled(t, "Issue", mock.Anything, mock.Anything)
}

func TestReconcileProcessor_MissingTransactionIsAcked(t *testing.T) {
	f := setupReconcile(t)
	ctx := context.Background()

	f.transactions.On("GetByServiceID", mock.Anything, "svc-gone").
		Return(nil, repository.ErrTransactionNotFound)

	err := f.processor.Process(ctx, reconcileMessage(t, ReconcileJob{TransactionID: 99, ServiceID: "svc-gone"}))
	assert.NoError(t, err)
}

func TestReconcileProcessor_RetiredProductIsOrphaned(t *testing.T) {
	f := setupReconcile(t)
	ctx := context.Background()

	txn := pendingTransaction("svc-4")
	txn.ProductID = "retired-product"
	f.transactions.On("GetByServiceID", mock.Anything, "svc-4").Return(txn, nil)
	f.licenses.On("Lookup", mock.Anything, "svc-4").
		Return(&gateway.ProvisionResult{Success: false}, nil)
	f.customers.On("FindByID", mock.Anything, int64(7)).
		Return(&model.Customer{ID: 7, ExternalID: "ext-7"}, nil)

	err := f.processor.Process(ctx, reconcileMessage(t, ReconcileJob{TransactionID: 42, ServiceID: "svc-4"}))
	assert.NoError(t, err)

	// Orphans are settled, not retried forever.
	processed, err := f.idempotency.IsProcessed(ctx, "svc-4")
	require.NoError(t, err)
	assert.True(t, processed)
	f.licenses.AssertNotCalled(t, "Issue", mock.Anything, mock.Anything)
}

func TestReconcileProcessor_IssueFailureNacksAndCountsAttempt(t *testing.T) {
	f := setupReconcile(t)
	ctx := context.Background()

	txn := pendingTransaction("svc-5")
	f.transactions.On("GetByServiceID", mock.Anything, "svc-5").Return(txn, nil)
	f.licenses.On("Lookup", mock.Anything, "svc-5").
		Return(&gateway.ProvisionResult{Success: false}, nil)
	f.customers.On("FindByID", mock.Anything, int64(7)).
		Return(&model.Customer{ID: 7, ExternalID: "ext-7"}, nil)
	f.licenses.On("Issue", mock.Anything, mock.Anything).
		Return(nil, &gateway.ProvisionError{Kind: gateway.ProvisionTimeout, Op: "issue"})
	f.transactions.On("IncrementAttempts", mock.Anything, int64(42)).Return(nil)

	err := f.processor.Process(ctx, reconcileMessage(t, ReconcileJob{TransactionID: 42, ServiceID: "svc-5"}))
	assert.Error(t, err)

	// Failure releases the lock and records a retry, not a processed marker.
	processed, perr := f.idempotency.IsProcessed(ctx, "svc-5")
	require.NoError(t, perr)
	assert.False(t, processed)

	count, cerr := f.idempotency.GetRetryCount(ctx, "svc-5")
	require.NoError(t, cerr)
	assert.Equal(t, 1, count)

	f.transactions.AssertExpectations(t)
}

func TestReconcileProcessor_ProcessedMarkerShortCircuits(t *testing.T) {
	f := setupReconcile(t)
	ctx := context.Background()

	pc, err := f.idempotency.AcquireProcessingLock(ctx, "svc-6")
	require.NoError(t, err)
	require.NoError(t, f.idempotency.MarkSuccess(ctx, pc))

	err = f.processor.Process(ctx, reconcileMessage(t, ReconcileJob{TransactionID: 42, ServiceID: "svc-6"}))
	assert.NoError(t, err)

	f.transactions.AssertNotCalled(t, "GetByServiceID", mock.Anything, mock.Anything)
}

func TestReconcileProcessor_MalformedJobIsRejected(t *testing.T) {
	f := setupReconcile(t)

	err := f.processor.Process(context.Background(), &queue.Message{ID: "bad", Data: []byte("{not json")})
	assert.Error(t, err)
}
