package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/venda/license-gateway/internal/catalog"
	"github.com/venda/license-gateway/internal/repository"
	"github.com/venda/license-gateway/pkg/logger"
	"github.com/venda/license-gateway/pkg/prom"
)

const (
	msgNotRecognized = "Sorry, I don't recognize you. Log in to the store first."
	msgNoPurchases   = "You haven't purchased any licenses yet."
	msgNoNewRoles    = "You don't qualify for any customer roles."
)

type ChatGateway interface {
	GetMemberRoles(ctx context.Context, guildID, memberID string) ([]string, error)
	SetMemberRoles(ctx context.Context, guildID, memberID string, roles []string) error
	SendMessage(ctx context.Context, channelID, text string) error
}

// SyncRequest scopes one reconciliation to a command issuer and guild.
type SyncRequest struct {
	IssuerID  string
	GuildID   string
	ChannelID string
}

// SyncService closes the delta between the roles a customer's transactions
// entitle them to and the roles they currently hold in the guild.
type SyncService struct {
	customers    CustomerRepository
	transactions TransactionRepository
	chat         ChatGateway
	catalog      *catalog.Catalog
}

func NewSyncService(customers CustomerRepository, transactions TransactionRepository, chat ChatGateway, cat *catalog.Catalog) *SyncService {
	return &SyncService{
		customers:    customers,
		transactions: transactions,
		chat:         chat,
		catalog:      cat,
	}
}

// Sync grants the issuer every entitled role they do not yet hold, in one
// batch role set call, and announces each newly granted role. Role API
// failures are logged and swallowed; the command silently does not complete.
func (s *SyncService) Sync(ctx context.Context, req SyncRequest) error {
	customer, err := s.customers.FindByExternalID(ctx, req.IssuerID)
	if err != nil {
		if errors.Is(err, repository.ErrCustomerNotFound) {
			s.reply(ctx, req.ChannelID, msgNotRecognized)
			return nil
		}
		return fmt.Errorf("resolve customer: %w", err)
	}

	txns, err := s.transactions.ListByCustomer(ctx, customer.ID)
	if err != nil {
		return fmt.Errorf("list transactions: %w", err)
	}
	if len(txns) == 0 {
		s.reply(ctx, req.ChannelID, msgNoPurchases)
		return nil
	}

	// Entitled roles, deduplicated, with the product title kept for the
	// announcement. Products missing from the catalog or without a role
	// are skipped silently.
	entitled := make(map[string]string)
	var entitledOrder []string
	for _, txn := range txns {
		product := s.catalog.Product(txn.ProductID)
		if product == nil || product.RoleID == "" {
			continue
		}
		if _, seen := entitled[product.RoleID]; !seen {
			entitled[product.RoleID] = product.Title
			entitledOrder = append(entitledOrder, product.RoleID)
		}
	}

	held, err := s.chat.GetMemberRoles(ctx, req.GuildID, req.IssuerID)
	if err != nil {
		logger.Warn("Failed to read member roles", "guild", req.GuildID, "issuer", req.IssuerID, "error", err)
		return nil
	}
	heldSet := make(map[string]bool, len(held))
	for _, roleID := range held {
		heldSet[roleID] = true
	}

	var granted []string
	for _, roleID := range entitledOrder {
		if !heldSet[roleID] {
			granted = append(granted, roleID)
		}
	}

	if len(granted) == 0 {
		s.reply(ctx, req.ChannelID, msgNoNewRoles)
		return nil
	}

	// One batch call with the full resulting role set.
	union := append(append([]string{}, held...), granted...)
	if err := s.chat.SetMemberRoles(ctx, req.GuildID, req.IssuerID, union); err != nil {
		logger.Warn("Failed to grant roles", "guild", req.GuildID, "issuer", req.IssuerID, "error", err)
		return nil
	}

	prom.AddRolesGranted(req.GuildID, float64(len(granted)))
	logger.Info("Roles granted", "guild", req.GuildID, "issuer", req.IssuerID, "count", len(granted))

	for _, roleID := range granted {
		s.reply(ctx, req.ChannelID, fmt.Sprintf("<@%s> was granted the %s role!", req.IssuerID, entitled[roleID]))
	}

	return nil
}

func (s *SyncService) reply(ctx context.Context, channelID, text string) {
	if err := s.chat.SendMessage(ctx, channelID, text); err != nil {
		logger.Warn("Failed to send chat reply", "channel", channelID, "error", err)
	}
}
