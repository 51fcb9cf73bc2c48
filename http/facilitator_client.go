package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	x402 "github.com/fluxa-network/x402/go"
)

// DefaultRequestTimeout bounds each facilitator call.
const DefaultRequestTimeout = 30 * time.Second

// maxResponseBytes caps facilitator response bodies.
const maxResponseBytes = 1 << 20

// HTTPFacilitatorClient implements x402.FacilitatorClient against a
// facilitator's HTTP endpoints.
type HTTPFacilitatorClient struct {
	baseURL    string
	httpClient *http.Client
}

// FacilitatorClientOption configures the client.
type FacilitatorClientOption func(*HTTPFacilitatorClient)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) FacilitatorClientOption {
	return func(c *HTTPFacilitatorClient) {
		c.httpClient = client
	}
}

// NewFacilitatorClient creates a client for the facilitator at baseURL.
func NewFacilitatorClient(baseURL string, opts ...FacilitatorClientOption) *HTTPFacilitatorClient {
	c := &HTTPFacilitatorClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: DefaultRequestTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Verify calls POST /verify.
func (c *HTTPFacilitatorClient) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.VerifyResponse, error) {
	var resp x402.VerifyResponse
	err := c.post(ctx, "/verify", x402.VerifyRequest{
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	}, &resp)
	return resp, err
}

// Settle calls POST /settle.
func (c *HTTPFacilitatorClient) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.SettleResponse, error) {
	var resp x402.SettleResponse
	err := c.post(ctx, "/settle", x402.SettleRequest{
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	}, &resp)
	return resp, err
}

// GetSupported calls GET /supported.
func (c *HTTPFacilitatorClient) GetSupported(ctx context.Context) (x402.SupportedResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/supported", nil)
	if err != nil {
		return x402.SupportedResponse{}, err
	}

	var resp x402.SupportedResponse
	if err := c.do(req, &resp); err != nil {
		return x402.SupportedResponse{}, err
	}
	return resp, nil
}

func (c *HTTPFacilitatorClient) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *HTTPFacilitatorClient) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("facilitator request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read facilitator response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("facilitator returned %d: %s", resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to unmarshal facilitator response: %w", err)
	}
	return nil
}
