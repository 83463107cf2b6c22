package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/venda/license-gateway/internal/model"
	"github.com/venda/license-gateway/internal/repository"
)

type MockChatGateway struct {
	mock.Mock
}

func (m *MockChatGateway) GetMemberRoles(ctx context.Context, guildID, memberID string) ([]string, error) {
	args := m.Called(ctx, guildID, memberID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockChatGateway) SetMemberRoles(ctx context.Context, guildID, memberID string, roles []string) error {
	args := m.Called(ctx, guildID, memberID, roles)
	return args.Error(0)
}

func (m *MockChatGateway) SendMessage(ctx context.Context, channelID, text string) error {
	args := m.Called(ctx, channelID, text)
	return args.Error(0)
}

func newSyncServiceForTest(t *testing.T) (*SyncService, *MockCustomerRepository, *MockTransactionRepository, *MockChatGateway) {
	custRepo := new(MockCustomerRepository)
	txnRepo := new(MockTransactionRepository)
	chat := new(MockChatGateway)
	svc := NewSyncService(custRepo, txnRepo, chat, testCatalog(t))
	return svc, custRepo, txnRepo, chat
}

func syncRequest() SyncRequest {
	return SyncRequest{IssuerID: "ext-1", GuildID: "g1", ChannelID: "c1"}
}

func TestSyncService_UnknownIssuer(t *testing.T) {
	svc, custRepo, _, chat := newSyncServiceForTest(t)

	custRepo.On("FindByExternalID", mock.Anything, "ext-1").
		Return(nil, repository.ErrCustomerNotFound).Once()
	chat.On("SendMessage", mock.Anything, "c1", msgNotRecognized).Return(nil).Once()

	err := svc.Sync(context.Background(), syncRequest())
	require.NoError(t, err)

	chat.AssertNotCalled(t, "GetMemberRoles", mock.Anything, mock.Anything, mock.Anything)
	chat.AssertExpectations(t)
}

func TestSyncService_NoPurchases(t *testing.T) {
	svc, custRepo, txnRepo, chat := newSyncServiceForTest(t)

	custRepo.On("FindByExternalID", mock.Anything, "ext-1").Return(testCustomer(), nil).Once()
	txnRepo.On("ListByCustomer", mock.Anything, int64(1)).Return([]*model.Transaction{}, nil).Once()
	chat.On("SendMessage", mock.Anything, "c1", msgNoPurchases).Return(nil).Once()

	err := svc.Sync(context.Background(), syncRequest())
	require.NoError(t, err)

	chat.AssertNotCalled(t, "GetMemberRoles", mock.Anything, mock.Anything, mock.Anything)
	chat.AssertNotCalled(t, "SetMemberRoles", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	chat.AssertExpectations(t)
}

func TestSyncService_GrantsMissingRoles(t *testing.T) {
	svc, custRepo, txnRepo, chat := newSyncServiceForTest(t)

	custRepo.On("FindByExternalID", mock.Anything, "ext-1").Return(testCustomer(), nil).Once()
	// role-less and catalog-missing products are skipped silently, and a
	// duplicate purchase does not produce a duplicate grant
	txnRepo.On("ListByCustomer", mock.Anything, int64(1)).Return([]*model.Transaction{
		{ID: 1, CustomerID: 1, ProductID: "trial"},
		{ID: 2, CustomerID: 1, ProductID: "trial"},
		{ID: 3, CustomerID: 1, ProductID: "addon"},
		{ID: 4, CustomerID: 1, ProductID: "retired-product"},
		{ID: 5, CustomerID: 1, ProductID: "vps-basic"},
	}, nil).Once()

	chat.On("GetMemberRoles", mock.Anything, "g1", "ext-1").Return([]string{"role-vps", "unrelated"}, nil).Once()
	// one batch call with held plus newly granted roles
	chat.On("SetMemberRoles", mock.Anything, "g1", "ext-1", []string{"role-vps", "unrelated", "role-trial"}).Return(nil).Once()
	chat.On("SendMessage", mock.Anything, "c1", "<@ext-1> was granted the Trial License role!").Return(nil).Once()

	err := svc.Sync(context.Background(), syncRequest())
	require.NoError(t, err)

	chat.AssertExpectations(t)
}

func TestSyncService_AllRolesHeld(t *testing.T) {
	svc, custRepo, txnRepo, chat := newSyncServiceForTest(t)

	custRepo.On("FindByExternalID", mock.Anything, "ext-1").Return(testCustomer(), nil)
	txnRepo.On("ListByCustomer", mock.Anything, int64(1)).Return([]*model.Transaction{
		{ID: 1, CustomerID: 1, ProductID: "trial"},
	}, nil)
	chat.On("GetMemberRoles", mock.Anything, "g1", "ext-1").Return([]string{"role-trial"}, nil)
	chat.On("SendMessage", mock.Anything, "c1", msgNoNewRoles).Return(nil)

	// running twice produces zero mutation calls and the same reply both times
	require.NoError(t, svc.Sync(context.Background(), syncRequest()))
	require.NoError(t, svc.Sync(context.Background(), syncRequest()))

	chat.AssertNotCalled(t, "SetMemberRoles", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	chat.AssertNumberOfCalls(t, "SendMessage", 2)
}

func TestSyncService_RoleAPIFailuresAreSwallowed(t *testing.T) {
	t.Run("read failure", func(t *testing.T) {
		svc, custRepo, txnRepo, chat := newSyncServiceForTest(t)

		custRepo.On("FindByExternalID", mock.Anything, "ext-1").Return(testCustomer(), nil).Once()
		txnRepo.On("ListByCustomer", mock.Anything, int64(1)).Return([]*model.Transaction{
			{ID: 1, CustomerID: 1, ProductID: "trial"},
		}, nil).Once()
		chat.On("GetMemberRoles", mock.Anything, "g1", "ext-1").
			Return(nil, errors.New("gateway timeout")).Once()

		err := svc.Sync(context.Background(), syncRequest())
		require.NoError(t, err)

		chat.AssertNotCalled(t, "SetMemberRoles", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		chat.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("grant failure", func(t *testing.T) {
		svc, custRepo, txnRepo, chat := newSyncServiceForTest(t)

		custRepo.On("FindByExternalID", mock.Anything, "ext-1").Return(testCustomer(), nil).Once()
		txnRepo.On("ListByCustomer", mock.Anything, int64(1)).Return([]*model.Transaction{
			{ID: 1, CustomerID: 1, ProductID: "trial"},
		}, nil).Once()
		chat.On("GetMemberRoles", mock.Anything, "g1", "ext-1").Return([]string{}, nil).Once()
		chat.On("SetMemberRoles", mock.Anything, "g1", "ext-1", []string{"role-trial"}).
			Return(errors.New("missing permissions")).Once()

		err := svc.Sync(context.Background(), syncRequest())
		require.NoError(t, err)

		// no ack for a grant that never happened
		chat.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestSyncService_StoreErrorPropagates(t *testing.T) {
	svc, custRepo, _, chat := newSyncServiceForTest(t)

	custRepo.On("FindByExternalID", mock.Anything, "ext-1").
		Return(nil, errors.New("connection reset")).Once()

	err := svc.Sync(context.Background(), syncRequest())
	assert.Error(t, err)

	chat.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything, mock.Anything)
}
