// Package client implements the payer side of the fluxacredit scheme. The
// payload itself carries only the agent identity; trust comes from the
// Web-Bot-Auth headers signed over the encoded PAYMENT-SIGNATURE bytes,
// which the caller attaches to the request after encoding.
package client

import (
	"context"

	x402 "github.com/fluxa-network/x402/go"
	"github.com/fluxa-network/x402/go/mechanisms/credit"
	"github.com/fluxa-network/x402/go/webbotauth"
)

// FluxaCreditClient implements x402.SchemeNetworkClient for credit charges.
type FluxaCreditClient struct {
	signer *webbotauth.Signer
}

// NewFluxaCreditClient creates the client-side scheme around a header
// signer.
func NewFluxaCreditClient(signer *webbotauth.Signer) *FluxaCreditClient {
	return &FluxaCreditClient{signer: signer}
}

// Scheme returns the scheme identifier.
func (c *FluxaCreditClient) Scheme() string {
	return credit.Scheme
}

// CreatePaymentPayload builds the credit payload. The signature headers are
// produced separately by SignHeaders once the payload has been encoded,
// since the signature covers the exact header bytes.
func (c *FluxaCreditClient) CreatePaymentPayload(
	ctx context.Context,
	requirements x402.PaymentRequirements,
	resource *x402.ResourceInfo,
) (x402.PaymentPayload, error) {
	return x402.PaymentPayload{
		X402Version: x402.X402Version,
		Payload: map[string]interface{}{
			credit.AgentIDKey: c.signer.Thumbprint(),
		},
		Accepted: requirements,
		Resource: resource,
	}, nil
}

// SignHeaders signs the encoded PAYMENT-SIGNATURE header value for the
// resource URL and returns the three auxiliary headers to send with it.
func (c *FluxaCreditClient) SignHeaders(paymentSignatureHeader, resourceURL string) (webbotauth.Headers, error) {
	return c.signer.SignRequest(paymentSignatureHeader, resourceURL)
}
