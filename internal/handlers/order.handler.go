package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/fasthttp/router"
	"github.com/venda/license-gateway/internal/catalog"
	gateway "github.com/venda/license-gateway/internal/gateways"
	"github.com/venda/license-gateway/internal/model"
	xhttp "github.com/venda/license-gateway/pkg/http"
)

type OrderService interface {
	PlaceOrder(ctx context.Context, customer *model.Customer, productID string) (*model.OrderOutcome, error)
	ListEntitlements(ctx context.Context, customerID int64) ([]*model.Transaction, error)
}

type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (*gateway.Identity, error)
}

type CustomerResolver interface {
	FindOrCreate(ctx context.Context, externalID, email string) (*model.Customer, error)
}

type OrderHandler struct {
	svc       OrderService
	identity  IdentityVerifier
	customers CustomerResolver
	catalog   *catalog.Catalog
}

func RegisterOrderRoutes(e *router.Group, h *OrderHandler) {
	e.GET("/products", h.ListProducts)
	e.POST("/orders", h.PlaceOrder)
	e.GET("/orders", h.ListOrders)
}

func NewOrderHandler(orderService OrderService, identity IdentityVerifier, customers CustomerResolver, cat *catalog.Catalog) *OrderHandler {
	return &OrderHandler{
		svc:       orderService,
		identity:  identity,
		customers: customers,
		catalog:   cat,
	}
}

type placeOrderRequest struct {
	ProductID string `json:"product_id"`
}

type productResponse struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Image       string  `json:"image,omitempty"`
	Price       float64 `json:"price"`
}

type listOrdersResponse struct {
	Items []*model.Transaction `json:"items"`
}

/* --------------------------------- Routes ----------------------------------- */

func (h *OrderHandler) ListProducts(ctx *xhttp.RequestCtx) {
	products := h.catalog.Products()
	items := make([]productResponse, 0, len(products))
	for _, p := range products {
		items = append(items, productResponse{
			ID:          p.ID,
			Title:       p.Title,
			Description: p.Description,
			Image:       p.Image,
			Price:       p.Price,
		})
	}
	writeJSON(ctx, xhttp.StatusOK, items)
}

func (h *OrderHandler) PlaceOrder(ctx *xhttp.RequestCtx) {
	customer, ok := h.resolveCustomer(ctx)
	if !ok {
		return
	}

	var req placeOrderRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, xhttp.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.ProductID == "" {
		writeError(ctx, xhttp.StatusBadRequest, "product_id is required")
		return
	}

	outcome, err := h.svc.PlaceOrder(ctx, customer, req.ProductID)
	if err != nil {
		writeError(ctx, xhttp.StatusInternalServerError, "order failed")
		return
	}

	switch outcome.Status {
	case model.OrderFulfilled:
		writeJSON(ctx, xhttp.StatusCreated, outcome)
	case model.OrderAwaitingPayment:
		writeJSON(ctx, xhttp.StatusOK, outcome)
	case model.OrderRejected:
		writeJSON(ctx, xhttp.StatusBadRequest, outcome)
	default:
		writeJSON(ctx, xhttp.StatusBadGateway, outcome)
	}
}

func (h *OrderHandler) ListOrders(ctx *xhttp.RequestCtx) {
	customer, ok := h.resolveCustomer(ctx)
	if !ok {
		return
	}

	items, err := h.svc.ListEntitlements(ctx, customer.ID)
	if err != nil {
		writeError(ctx, xhttp.StatusInternalServerError, "failed to list orders")
		return
	}
	writeJSON(ctx, xhttp.StatusOK, listOrdersResponse{Items: items})
}

// resolveCustomer verifies the bearer token and lazily creates the customer
// record on first sight. Writes the error response itself when it fails.
func (h *OrderHandler) resolveCustomer(ctx *xhttp.RequestCtx) (*model.Customer, bool) {
	token := bearerToken(ctx)
	if token == "" {
		writeError(ctx, xhttp.StatusUnauthorized, "missing bearer token")
		return nil, false
	}

	identity, err := h.identity.Verify(ctx, token)
	if err != nil {
		if errors.Is(err, gateway.ErrIdentityUnverified) {
			writeError(ctx, xhttp.StatusUnauthorized, "invalid session")
		} else {
			writeError(ctx, xhttp.StatusInternalServerError, "identity provider unavailable")
		}
		return nil, false
	}

	customer, err := h.customers.FindOrCreate(ctx, identity.ID, identity.Email)
	if err != nil {
		writeError(ctx, xhttp.StatusInternalServerError, "failed to resolve customer")
		return nil, false
	}
	return customer, true
}

func bearerToken(ctx *xhttp.RequestCtx) string {
	auth := string(ctx.Request.Header.Peek("Authorization"))
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
}

func readJSON(ctx *xhttp.RequestCtx, dst any) error {
	body := ctx.PostBody()
	return json.Unmarshal(body, dst)
}

func writeJSON(ctx *xhttp.RequestCtx, status int, v any) {
	b, _ := json.Marshal(v)
	ctx.Response.Header.Set("Content-Type", "application/json; charset=utf-8")
	ctx.Response.SetStatusCode(status)
	ctx.Response.SetBodyRaw(b)
}

func writeError(ctx *xhttp.RequestCtx, status int, msg string) {
	writeJSON(ctx, status, map[string]string{"error": msg})
}
