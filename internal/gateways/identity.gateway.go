package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/venda/license-gateway/pkg/logger"
)

var ErrIdentityUnverified = errors.New("identity token rejected")

// Identity is the identity provider's view of an authenticated customer.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type IdentityConfig struct {
	BaseURL string
	Timeout time.Duration
}

type IdentityClient struct {
	config *IdentityConfig
	client *fasthttp.Client
}

func NewIdentityClient(config *IdentityConfig) (*IdentityClient, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if config.BaseURL == "" {
		return nil, errors.New("base url is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	return &IdentityClient{
		config: config,
		client: &fasthttp.Client{
			ReadTimeout:         config.Timeout,
			WriteTimeout:        config.Timeout,
			MaxIdleConnDuration: 60 * time.Second,
		},
	}, nil
}

// Verify resolves a bearer token to the identity it was issued for.
// An invalid or expired token returns ErrIdentityUnverified.
func (c *IdentityClient) Verify(ctx context.Context, token string) (*Identity, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.config.BaseURL + "/v1/verify")
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set(fasthttp.HeaderAuthorization, "Bearer "+token)

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.config.Timeout)
	}

	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		logger.Warn("Identity provider request failed", "error", err)
		return nil, fmt.Errorf("identity provider unreachable: %w", err)
	}

	statusCode := resp.StatusCode()
	if statusCode == fasthttp.StatusUnauthorized || statusCode == fasthttp.StatusForbidden {
		return nil, ErrIdentityUnverified
	}
	if statusCode != fasthttp.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", statusCode, resp.Body())
	}

	var identity Identity
	if err := json.Unmarshal(resp.Body(), &identity); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if identity.ID == "" {
		return nil, ErrIdentityUnverified
	}

	return &identity, nil
}
