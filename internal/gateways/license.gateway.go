package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/venda/license-gateway/pkg/logger"
	"github.com/venda/license-gateway/pkg/prom"
)

// NoSerialFound is the license server's sentinel for "no license exists for
// this service id". It is a valid answer, not a transport failure.
const NoSerialFound = "NO_SERIAL_FOUND"

const defaultProvisionTimeout = 20 * time.Second

type ProvisionErrorKind string

const (
	ProvisionTimeout     ProvisionErrorKind = "TIMEOUT"
	ProvisionUnreachable ProvisionErrorKind = "UNREACHABLE"
	ProvisionRejected    ProvisionErrorKind = "REJECTED"
)

type ProvisionError struct {
	Kind ProvisionErrorKind
	Op   string
	Err  error
}

func (e *ProvisionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provisioning %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("provisioning %s: %s", e.Op, e.Kind)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

type ProvisionResult struct {
	Success bool
	Serial  string
	Raw     []byte
}

type IssueRequest struct {
	ServiceID    string
	CustomerName string
	Email        string
	ProductID    string
	SlotLimit    int
}

type LicenseConfig struct {
	IssueURL  string
	LookupURL string
	APIKey    string
	Timeout   time.Duration
	MaxConns  int
}

// LicenseClient talks to the external key-issuing service. It is constructed
// once at startup and is safe for concurrent use.
type LicenseClient struct {
	config *LicenseConfig
	client *fasthttp.Client
}

func NewLicenseClient(config *LicenseConfig) (*LicenseClient, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if config.IssueURL == "" || config.LookupURL == "" {
		return nil, errors.New("issue and lookup urls are required")
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultProvisionTimeout
	}
	if config.MaxConns <= 0 {
		config.MaxConns = 32
	}

	client := &LicenseClient{
		config: config,
		client: &fasthttp.Client{
			MaxConnsPerHost:     config.MaxConns,
			ReadTimeout:         config.Timeout,
			WriteTimeout:        config.Timeout,
			MaxIdleConnDuration: 60 * time.Second,
		},
	}

	logger.Info("License client initialized", "issue_url", config.IssueURL, "timeout", config.Timeout)

	return client, nil
}

// Issue requests a new license for the given service id. There is no
// automatic retry; the caller decides what to do with a failure.
func (c *LicenseClient) Issue(ctx context.Context, req *IssueRequest) (*ProvisionResult, error) {
	form := fasthttp.AcquireArgs()
	defer fasthttp.ReleaseArgs(form)

	form.Set("serviceID", req.ServiceID)
	form.Set("customerName", req.CustomerName)
	form.Set("email", req.Email)
	form.Set("productID", req.ProductID)
	form.Set("slotLimit", strconv.Itoa(req.SlotLimit))
	form.Set("apiKey", c.config.APIKey)

	body, err := c.doForm(ctx, "issue", c.config.IssueURL, form)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Success bool   `json:"success"`
		Serial  string `json:"serial"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &ProvisionError{Kind: ProvisionRejected, Op: "issue", Err: fmt.Errorf("malformed response: %w", err)}
	}

	logger.Info("License issue completed", "service_id", req.ServiceID, "success", resp.Success)

	return &ProvisionResult{Success: resp.Success, Serial: resp.Serial, Raw: body}, nil
}

// Lookup queries the license recorded for a service id. The server's
// NO_SERIAL_FOUND sentinel maps to an unsuccessful result, not an error.
func (c *LicenseClient) Lookup(ctx context.Context, serviceID string) (*ProvisionResult, error) {
	form := fasthttp.AcquireArgs()
	defer fasthttp.ReleaseArgs(form)

	form.Set("serviceID", serviceID)
	form.Set("apiKey", c.config.APIKey)

	body, err := c.doForm(ctx, "lookup", c.config.LookupURL, form)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(string(body)) == NoSerialFound {
		return &ProvisionResult{Success: false, Raw: body}, nil
	}

	var resp struct {
		Serial string `json:"serial"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &ProvisionError{Kind: ProvisionRejected, Op: "lookup", Err: fmt.Errorf("malformed response: %w", err)}
	}
	if resp.Serial == "" || resp.Serial == NoSerialFound {
		return &ProvisionResult{Success: false, Raw: body}, nil
	}

	return &ProvisionResult{Success: true, Serial: resp.Serial, Raw: body}, nil
}

func (c *LicenseClient) doForm(ctx context.Context, op, url string, form *fasthttp.Args) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/x-www-form-urlencoded")
	req.Header.Set(fasthttp.HeaderExpect, "100-continue")
	req.SetBody(form.QueryString())

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.config.Timeout)
	}

	startTime := time.Now()
	err := c.client.DoDeadline(req, resp, deadline)
	elapsed := time.Since(startTime).Seconds()

	if err != nil {
		kind := ProvisionUnreachable
		if errors.Is(err, fasthttp.ErrTimeout) || errors.Is(err, fasthttp.ErrDialTimeout) || errors.Is(err, context.DeadlineExceeded) {
			kind = ProvisionTimeout
		}
		prom.ObserveProvisioningCall(op, elapsed, "failure")
		logger.Warn("License server request failed", "operation", op, "error", err)
		return nil, &ProvisionError{Kind: kind, Op: op, Err: err}
	}

	statusCode := resp.StatusCode()
	if statusCode < fasthttp.StatusOK || statusCode >= 300 {
		prom.ObserveProvisioningCall(op, elapsed, "failure")
		logger.Warn("License server rejected request", "operation", op, "status", statusCode)
		return nil, &ProvisionError{Kind: ProvisionRejected, Op: op,
			Err: fmt.Errorf("unexpected status code: %d, body: %s", statusCode, resp.Body())}
	}

	prom.ObserveProvisioningCall(op, elapsed, "success")

	result := make([]byte, len(resp.Body()))
	copy(result, resp.Body())

	return result, nil
}
