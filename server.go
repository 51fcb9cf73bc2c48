package x402

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// X402ResourceServer manages payment requirements for protected resources
// and forwards payment payloads to a facilitator for verification and
// settlement. The server never owns session state; it passes payloads
// through.
type X402ResourceServer struct {
	schemes     *registry[SchemeNetworkServer]
	facilitator FacilitatorClient
}

// ResourceServerOption configures the resource server.
type ResourceServerOption func(*X402ResourceServer)

// WithFacilitatorClient sets the facilitator used for verify and settle.
func WithFacilitatorClient(client FacilitatorClient) ResourceServerOption {
	return func(s *X402ResourceServer) {
		s.facilitator = client
	}
}

// NewResourceServer creates a new x402 resource server.
func NewResourceServer(opts ...ResourceServerOption) *X402ResourceServer {
	s := &X402ResourceServer{schemes: newRegistry[SchemeNetworkServer]()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register registers a server-side payment mechanism for a network or
// network family. Registering the same (scheme, network) pair twice panics.
func (s *X402ResourceServer) Register(network Network, server SchemeNetworkServer) *X402ResourceServer {
	s.schemes.add(server.Scheme(), network, server)
	return s
}

// BuildPaymentRequired turns the resource's payment configurations into the
// PaymentRequired offer sent with a 402 response.
func (s *X402ResourceServer) BuildPaymentRequired(ctx context.Context, resource ResourceInfo, configs ...ResourceConfig) (PaymentRequired, error) {
	if len(configs) == 0 {
		return PaymentRequired{}, fmt.Errorf("at least one resource config is required")
	}

	accepts := make([]PaymentRequirements, 0, len(configs))
	for _, config := range configs {
		server, ok := s.schemes.find(config.Scheme, config.Network)
		if !ok {
			return PaymentRequired{}, &PaymentError{
				Code:    ReasonUnsupportedScheme,
				Message: fmt.Sprintf("no server registered for scheme %s on network %s", config.Scheme, config.Network),
			}
		}

		amount, err := server.ParsePrice(config.Price, config.Network)
		if err != nil {
			return PaymentRequired{}, fmt.Errorf("failed to parse price: %w", err)
		}

		requirements := PaymentRequirements{
			Scheme:            config.Scheme,
			Network:           config.Network,
			Asset:             amount.Asset,
			Amount:            amount.Amount,
			PayTo:             config.PayTo,
			MaxTimeoutSeconds: config.MaxTimeoutSeconds,
			Extra:             amount.Extra,
		}
		if requirements.MaxTimeoutSeconds == 0 {
			requirements.MaxTimeoutSeconds = 60
		}

		requirements, err = server.EnhancePaymentRequirements(ctx, requirements)
		if err != nil {
			return PaymentRequired{}, fmt.Errorf("failed to enhance payment requirements: %w", err)
		}
		accepts = append(accepts, requirements)
	}

	return PaymentRequired{
		X402Version: X402Version,
		Resource:    &resource,
		Accepts:     accepts,
	}, nil
}

// FindAcceptedRequirements matches a decoded payment payload back to one of
// the offered requirements via deep equality of the accepted block. The
// per-issuance charge id is ignored so a payment created against an earlier
// offer still matches the equivalent current one; the payload's own accepted
// block is returned, keeping the original id for idempotent settlement.
func (s *X402ResourceServer) FindAcceptedRequirements(payload PaymentPayload, offered []PaymentRequirements) (PaymentRequirements, error) {
	accepted := withoutChargeID(payload.Accepted)
	for _, req := range offered {
		if DeepEqual(accepted, withoutChargeID(req)) {
			return payload.Accepted, nil
		}
	}
	return PaymentRequirements{}, fmt.Errorf("payment payload does not match any offered requirements")
}

func withoutChargeID(req PaymentRequirements) PaymentRequirements {
	if _, ok := req.Extra["id"]; !ok {
		return req
	}
	extra := make(map[string]interface{}, len(req.Extra))
	for k, v := range req.Extra {
		if k != "id" {
			extra[k] = v
		}
	}
	if len(extra) == 0 {
		extra = nil
	}
	req.Extra = extra
	return req
}

// VerifyPayment forwards the payment to the facilitator for verification.
func (s *X402ResourceServer) VerifyPayment(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (VerifyResponse, error) {
	if s.facilitator == nil {
		return VerifyResponse{}, fmt.Errorf("no facilitator client configured")
	}
	return s.facilitator.Verify(ctx, payload, requirements)
}

// SettlePayment forwards the payment to the facilitator for settlement.
func (s *X402ResourceServer) SettlePayment(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (SettleResponse, error) {
	if s.facilitator == nil {
		return SettleResponse{}, fmt.Errorf("no facilitator client configured")
	}
	return s.facilitator.Settle(ctx, payload, requirements)
}

// BuildPaymentResponse assembles the PAYMENT-RESPONSE confirmation for a
// served request.
func (s *X402ResourceServer) BuildPaymentResponse(requirements PaymentRequirements, settle *SettleResponse) PaymentResponse {
	resp := PaymentResponse{
		Scheme:    requirements.Scheme,
		Network:   requirements.Network,
		Timestamp: strconv.FormatInt(time.Now().Unix(), 10),
	}
	if id, ok := requirements.Extra["id"].(string); ok {
		resp.ID = id
	}
	if settle != nil {
		resp.Transaction = settle.Transaction
	}
	// Credit charges report the amount; chain schemes report the transaction.
	if requirements.Asset == CreditAsset {
		resp.ChargedCredits = requirements.Amount
	}
	return resp
}
