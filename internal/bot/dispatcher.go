package bot

import (
	"context"
	"fmt"
	"strings"

	"github.com/venda/license-gateway/internal/catalog"
	gateway "github.com/venda/license-gateway/internal/gateways"
	"github.com/venda/license-gateway/internal/services"
	"github.com/venda/license-gateway/pkg/logger"
)

type SyncService interface {
	Sync(ctx context.Context, req services.SyncRequest) error
}

type LicenseLookup interface {
	Lookup(ctx context.Context, serviceID string) (*gateway.ProvisionResult, error)
}

type Messenger interface {
	SendMessage(ctx context.Context, channelID, text string) error
}

// Dispatcher routes polled command events to their handlers. Events that
// do not start with the command prefix are not commands and are dropped.
type Dispatcher struct {
	prefix   string
	sync     SyncService
	licenses LicenseLookup
	chat     Messenger
	catalog  *catalog.Catalog
}

func NewDispatcher(prefix string, sync SyncService, licenses LicenseLookup, chat Messenger, cat *catalog.Catalog) *Dispatcher {
	if prefix == "" {
		prefix = "!"
	}
	return &Dispatcher{
		prefix:   prefix,
		sync:     sync,
		licenses: licenses,
		chat:     chat,
		catalog:  cat,
	}
}

// Dispatch handles one command event. Unknown commands and non-commands
// return nil; only infrastructure failures propagate.
func (d *Dispatcher) Dispatch(ctx context.Context, event gateway.CommandEvent) error {
	tokens := Tokenize(event.RawText)
	if len(tokens) == 0 || !strings.HasPrefix(tokens[0], d.prefix) {
		return nil
	}

	command := strings.ToLower(strings.TrimPrefix(tokens[0], d.prefix))
	args := tokens[1:]

	logger.Info("Dispatching chat command",
		"command", command,
		"issuer", event.IssuerID,
		"guild", event.GuildID)

	switch command {
	case "sync":
		return d.sync.Sync(ctx, services.SyncRequest{
			IssuerID:  event.IssuerID,
			GuildID:   event.GuildID,
			ChannelID: event.ChannelID,
		})
	case "lookup":
		return d.lookup(ctx, event, args)
	default:
		logger.Debug("Ignoring unknown command", "command", command)
		return nil
	}
}

// lookup surfaces a provisioning lookup to operators. Non-admins get no
// response at all, so the command's existence is not advertised.
func (d *Dispatcher) lookup(ctx context.Context, event gateway.CommandEvent, args []string) error {
	if !d.catalog.IsAdmin(event.IssuerID) {
		logger.Warn("Lookup refused for non-admin", "issuer", event.IssuerID)
		return nil
	}
	if len(args) != 1 || args[0] == "" {
		d.reply(ctx, event.ChannelID, "Usage: "+d.prefix+"lookup <serviceId>")
		return nil
	}

	serviceID := args[0]
	result, err := d.licenses.Lookup(ctx, serviceID)
	if err != nil {
		logger.Error("Lookup command failed", "service_id", serviceID, "error", err)
		d.reply(ctx, event.ChannelID, "Lookup failed, try again later.")
		return nil
	}
	if !result.Success {
		d.reply(ctx, event.ChannelID, fmt.Sprintf("No license found for %s.", serviceID))
		return nil
	}

	d.reply(ctx, event.ChannelID, fmt.Sprintf("Serial for %s: %s", serviceID, result.Serial))
	return nil
}

func (d *Dispatcher) reply(ctx context.Context, channelID, text string) {
	if err := d.chat.SendMessage(ctx, channelID, text); err != nil {
		logger.Warn("Failed to send command reply", "channel", channelID, "error", err)
	}
}
