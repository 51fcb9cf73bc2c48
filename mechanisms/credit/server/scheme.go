// Package server implements the resource-server side of the fluxacredit
// scheme: price parsing and requirement finalization.
package server

import (
	"context"
	"fmt"
	"math"
	"math/big"

	"github.com/google/uuid"

	x402 "github.com/fluxa-network/x402/go"
	"github.com/fluxa-network/x402/go/encoding"
	"github.com/fluxa-network/x402/go/mechanisms/credit"
)

// FluxaCreditServer implements x402.SchemeNetworkServer for credit charges.
type FluxaCreditServer struct{}

// NewFluxaCreditServer creates the server-side scheme.
func NewFluxaCreditServer() *FluxaCreditServer {
	return &FluxaCreditServer{}
}

// Scheme returns the scheme identifier.
func (s *FluxaCreditServer) Scheme() string {
	return credit.Scheme
}

// ParsePrice converts a price into a credit amount. Numeric prices are
// truncated toward zero; string prices must already be strict decimals;
// asset amounts must name the credit asset.
func (s *FluxaCreditServer) ParsePrice(price x402.Price, network x402.Network) (x402.AssetAmount, error) {
	switch p := price.(type) {
	case x402.AssetAmount:
		if p.Asset != credit.Asset {
			return x402.AssetAmount{}, fmt.Errorf("asset %q is not %s", p.Asset, credit.Asset)
		}
		if _, err := encoding.ParseAmount(p.Amount); err != nil {
			return x402.AssetAmount{}, fmt.Errorf("invalid credit amount: %w", err)
		}
		return p, nil
	case string:
		if _, err := encoding.ParseAmount(p); err != nil {
			return x402.AssetAmount{}, fmt.Errorf("invalid credit amount: %w", err)
		}
		return x402.AssetAmount{Asset: credit.Asset, Amount: p}, nil
	case int:
		if p < 0 {
			return x402.AssetAmount{}, fmt.Errorf("credit amount cannot be negative: %d", p)
		}
		return x402.AssetAmount{Asset: credit.Asset, Amount: big.NewInt(int64(p)).String()}, nil
	case float64:
		if p < 0 || math.IsNaN(p) || math.IsInf(p, 0) {
			return x402.AssetAmount{}, fmt.Errorf("invalid credit amount: %v", p)
		}
		truncated, _ := big.NewFloat(math.Trunc(p)).Int(nil)
		return x402.AssetAmount{Asset: credit.Asset, Amount: truncated.String()}, nil
	default:
		return x402.AssetAmount{}, fmt.Errorf("unsupported price type %T", price)
	}
}

// EnhancePaymentRequirements injects a random charge id into extra.id when
// the caller did not supply one. The id keys settlement idempotency.
func (s *FluxaCreditServer) EnhancePaymentRequirements(ctx context.Context, requirements x402.PaymentRequirements) (x402.PaymentRequirements, error) {
	if requirements.Extra == nil {
		requirements.Extra = map[string]interface{}{}
	}
	if id, ok := requirements.Extra["id"].(string); !ok || id == "" {
		requirements.Extra["id"] = uuid.NewString()
	}
	return requirements, nil
}
