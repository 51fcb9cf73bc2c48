package x402

import "context"

// X402Facilitator routes verification and settlement to the scheme
// implementation registered for (scheme, network). The registry is populated
// during startup and read without locks afterwards.
type X402Facilitator struct {
	schemes *registry[SchemeNetworkFacilitator]
}

// NewFacilitator creates a new x402 facilitator.
func NewFacilitator() *X402Facilitator {
	return &X402Facilitator{schemes: newRegistry[SchemeNetworkFacilitator]()}
}

// Register registers a facilitator mechanism for a network or network
// family (e.g. "eip155:*"). Registering the same (scheme, network) pair
// twice panics.
func (f *X402Facilitator) Register(network Network, facilitator SchemeNetworkFacilitator) *X402Facilitator {
	f.schemes.add(facilitator.Scheme(), network, facilitator)
	return f
}

// Verify routes a payment to the matching scheme implementation.
func (f *X402Facilitator) Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (VerifyResponse, error) {
	if err := ValidatePaymentPayload(payload); err != nil {
		return VerifyResponse{IsValid: false, InvalidReason: ReasonUnsupportedScheme}, nil
	}
	if err := ValidatePaymentRequirements(requirements); err != nil {
		return VerifyResponse{IsValid: false, InvalidReason: ReasonUnsupportedScheme}, nil
	}

	impl, ok := f.schemes.find(requirements.Scheme, requirements.Network)
	if !ok {
		return VerifyResponse{IsValid: false, InvalidReason: ReasonUnsupportedScheme}, nil
	}
	return impl.Verify(ctx, payload, requirements)
}

// Settle routes a settlement request to the matching scheme implementation.
func (f *X402Facilitator) Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (SettleResponse, error) {
	if err := ValidatePaymentPayload(payload); err != nil {
		return SettleResponse{Success: false, ErrorReason: ReasonUnsupportedScheme, Network: requirements.Network}, nil
	}
	if err := ValidatePaymentRequirements(requirements); err != nil {
		return SettleResponse{Success: false, ErrorReason: ReasonUnsupportedScheme, Network: requirements.Network}, nil
	}

	impl, ok := f.schemes.find(requirements.Scheme, requirements.Network)
	if !ok {
		return SettleResponse{Success: false, ErrorReason: ReasonUnsupportedScheme, Network: requirements.Network}, nil
	}
	return impl.Settle(ctx, payload, requirements)
}

// GetSupported enumerates the registered payment kinds with scheme-provided
// extra and signer metadata, in registration order.
func (f *X402Facilitator) GetSupported() SupportedResponse {
	var kinds []SupportedKind
	for _, key := range f.schemes.keys() {
		impl, _ := f.schemes.find(key.scheme, key.network)
		kinds = append(kinds, SupportedKind{
			X402Version: X402Version,
			Scheme:      key.scheme,
			Network:     key.network,
			Extra:       impl.GetExtra(key.network),
			Signers:     impl.GetSigners(key.network),
		})
	}
	return SupportedResponse{Kinds: kinds}
}
