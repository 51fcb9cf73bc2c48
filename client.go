package x402

import (
	"context"
	"fmt"
)

// X402Client holds the client-side payment mechanisms and creates payment
// payloads in response to PaymentRequired offers.
type X402Client struct {
	schemes *registry[SchemeNetworkClient]

	// Chooses which payment option to use when several are supported.
	requirementsSelector PaymentRequirementsSelector
}

// PaymentRequirementsSelector chooses one of the supported payment options.
type PaymentRequirementsSelector func(requirements []PaymentRequirements) PaymentRequirements

// ClientOption configures the client.
type ClientOption func(*X402Client)

// WithPaymentSelector sets a custom payment requirements selector.
func WithPaymentSelector(selector PaymentRequirementsSelector) ClientOption {
	return func(c *X402Client) {
		c.requirementsSelector = selector
	}
}

// NewClient creates a new x402 client.
func NewClient(opts ...ClientOption) *X402Client {
	c := &X402Client{
		schemes:              newRegistry[SchemeNetworkClient](),
		requirementsSelector: defaultPaymentSelector,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// defaultPaymentSelector keeps the server's preference order.
func defaultPaymentSelector(requirements []PaymentRequirements) PaymentRequirements {
	return requirements[0]
}

// Register registers a payment mechanism for a network or network family.
// Registering the same (scheme, network) pair twice panics.
func (c *X402Client) Register(network Network, client SchemeNetworkClient) *X402Client {
	c.schemes.add(client.Scheme(), network, client)
	return c
}

// SelectPaymentRequirements filters the offered requirements to those this
// client can fulfill and picks one via the configured selector.
func (c *X402Client) SelectPaymentRequirements(requirements []PaymentRequirements) (PaymentRequirements, error) {
	var supported []PaymentRequirements
	for _, req := range requirements {
		if _, ok := c.schemes.find(req.Scheme, req.Network); ok {
			supported = append(supported, req)
		}
	}

	if len(supported) == 0 {
		return PaymentRequirements{}, &PaymentError{
			Code:    ReasonUnsupportedScheme,
			Message: "no supported payment schemes available",
		}
	}
	return c.requirementsSelector(supported), nil
}

// CreatePaymentPayload creates a signed payment payload for the given
// requirements.
func (c *X402Client) CreatePaymentPayload(ctx context.Context, requirements PaymentRequirements, resource *ResourceInfo) (PaymentPayload, error) {
	if err := ValidatePaymentRequirements(requirements); err != nil {
		return PaymentPayload{}, fmt.Errorf("invalid payment requirements: %w", err)
	}

	client, ok := c.schemes.find(requirements.Scheme, requirements.Network)
	if !ok {
		return PaymentPayload{}, &PaymentError{
			Code:    ReasonUnsupportedScheme,
			Message: fmt.Sprintf("no client registered for scheme %s on network %s", requirements.Scheme, requirements.Network),
		}
	}

	payload, err := client.CreatePaymentPayload(ctx, requirements, resource)
	if err != nil {
		return PaymentPayload{}, fmt.Errorf("failed to create payment payload: %w", err)
	}

	if err := ValidatePaymentPayload(payload); err != nil {
		return PaymentPayload{}, fmt.Errorf("invalid payment payload created: %w", err)
	}
	return payload, nil
}

// CreatePaymentForRequired selects from a PaymentRequired offer and creates
// the matching payment payload.
func (c *X402Client) CreatePaymentForRequired(ctx context.Context, required PaymentRequired) (PaymentPayload, error) {
	if len(required.Accepts) == 0 {
		return PaymentPayload{}, fmt.Errorf("payment required carries no accepted payment kinds")
	}
	selected, err := c.SelectPaymentRequirements(required.Accepts)
	if err != nil {
		return PaymentPayload{}, err
	}
	return c.CreatePaymentPayload(ctx, selected, required.Resource)
}

// CanPay reports whether the client can fulfill any of the requirements.
func (c *X402Client) CanPay(requirements []PaymentRequirements) bool {
	_, err := c.SelectPaymentRequirements(requirements)
	return err == nil
}
