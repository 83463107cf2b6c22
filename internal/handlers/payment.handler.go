package handlers

import (
	"context"
	"errors"
	"strconv"

	"github.com/fasthttp/router"
	"github.com/venda/license-gateway/internal/model"
	"github.com/venda/license-gateway/internal/processor"
	xhttp "github.com/venda/license-gateway/pkg/http"
	"github.com/venda/license-gateway/pkg/logger"
)

type PaymentCompleter interface {
	CompletePayment(ctx context.Context, notif model.PaymentNotification) (*model.OrderOutcome, error)
}

type NotificationDeduper interface {
	AcquireProcessingLock(ctx context.Context, id string) (*processor.ProcessingContext, error)
	MarkSuccess(ctx context.Context, pc *processor.ProcessingContext) error
	MarkFailure(ctx context.Context, pc *processor.ProcessingContext, reason error) error
}

// PaymentHandler receives the payment provider's server-to-server callbacks.
// The provider retries anything that is not a 2xx, so every response here is
// an acknowledgment; bad notifications are logged and dropped.
type PaymentHandler struct {
	svc   PaymentCompleter
	dedup NotificationDeduper
}

func RegisterPaymentRoutes(e *router.Group, h *PaymentHandler) {
	e.POST("/payments/callback", h.Complete)
	e.POST("/payments/cancel", h.Cancel)
}

func NewPaymentHandler(orderService PaymentCompleter, dedup NotificationDeduper) *PaymentHandler {
	return &PaymentHandler{
		svc:   orderService,
		dedup: dedup,
	}
}

func (h *PaymentHandler) Complete(ctx *xhttp.RequestCtx) {
	notif := parseNotification(ctx)
	if notif.InvoiceID == "" {
		logger.Warn("Payment callback without invoice id, ignoring", "body", string(ctx.PostBody()))
		ack(ctx)
		return
	}

	pc, err := h.dedup.AcquireProcessingLock(ctx, "ipn:"+notif.InvoiceID)
	if err != nil {
		if errors.Is(err, processor.ErrAlreadyProcessed) {
			logger.Info("Duplicate payment notification, ignoring", "invoice", notif.InvoiceID)
		} else {
			logger.Warn("Payment notification not processed", "invoice", notif.InvoiceID, "error", err)
		}
		ack(ctx)
		return
	}

	outcome, err := h.svc.CompletePayment(ctx, notif)
	if err != nil {
		logger.Error("Payment completion failed", "invoice", notif.InvoiceID, "error", err)
		if markErr := h.dedup.MarkFailure(ctx, pc, err); markErr != nil {
			logger.Warn("Failed to record notification failure", "invoice", notif.InvoiceID, "error", markErr)
		}
		ack(ctx)
		return
	}

	if err := h.dedup.MarkSuccess(ctx, pc); err != nil {
		logger.Warn("Failed to record notification success", "invoice", notif.InvoiceID, "error", err)
	}

	logger.Info("Payment callback handled", "invoice", notif.InvoiceID, "status", outcome.Status)
	ack(ctx)
}

// Cancel is invoked when the customer abandons checkout. Logged only.
func (h *PaymentHandler) Cancel(ctx *xhttp.RequestCtx) {
	logger.Info("Payment cancelled",
		"invoice", string(ctx.PostArgs().Peek("invoice")),
		"body", string(ctx.PostBody()))
	ack(ctx)
}

func parseNotification(ctx *xhttp.RequestCtx) model.PaymentNotification {
	args := ctx.PostArgs()
	amount, _ := strconv.ParseFloat(string(args.Peek("mc_gross")), 64)
	return model.PaymentNotification{
		InvoiceID: string(args.Peek("invoice")),
		Amount:    amount,
		Currency:  string(args.Peek("mc_currency")),
		Custom:    string(args.Peek("custom")),
	}
}

func ack(ctx *xhttp.RequestCtx) {
	ctx.Response.SetStatusCode(xhttp.StatusOK)
	ctx.Response.SetBodyString("ok")
}
