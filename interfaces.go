package x402

import "context"

// SchemeNetworkClient is implemented by client-side payment mechanisms.
type SchemeNetworkClient interface {
	Scheme() string
	CreatePaymentPayload(ctx context.Context, requirements PaymentRequirements, resource *ResourceInfo) (PaymentPayload, error)
}

// SchemeNetworkServer is implemented by server-side payment mechanisms.
type SchemeNetworkServer interface {
	Scheme() string

	// ParsePrice converts a user-supplied price into an asset amount in the
	// asset's smallest unit.
	ParsePrice(price Price, network Network) (AssetAmount, error)

	// EnhancePaymentRequirements finalizes requirements before they are
	// offered to clients (e.g. injecting a unique charge id).
	EnhancePaymentRequirements(ctx context.Context, requirements PaymentRequirements) (PaymentRequirements, error)
}

// SchemeNetworkFacilitator is implemented by facilitator-side payment
// mechanisms.
type SchemeNetworkFacilitator interface {
	Scheme() string

	// GetExtra returns mechanism-specific metadata for the supported kinds
	// endpoint, or nil.
	GetExtra(network Network) map[string]interface{}

	// GetSigners returns the addresses this facilitator may sign with on the
	// given network. Included in the supported response.
	GetSigners(network Network) []string

	Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (VerifyResponse, error)
	Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (SettleResponse, error)
}

// FacilitatorClient is the resource server's view of a facilitator,
// typically backed by HTTP (see the http package).
type FacilitatorClient interface {
	Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (VerifyResponse, error)
	Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (SettleResponse, error)
	GetSupported(ctx context.Context) (SupportedResponse, error)
}
