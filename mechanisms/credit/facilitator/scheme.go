// Package facilitator implements the facilitator side of the fluxacredit
// scheme: structural binding of the payload to the offered requirements,
// Web-Bot-Auth signature verification, and idempotent ledger settlement.
package facilitator

import (
	"context"
	"errors"
	"log/slog"

	x402 "github.com/fluxa-network/x402/go"
	"github.com/fluxa-network/x402/go/mechanisms/credit"
	"github.com/fluxa-network/x402/go/webbotauth"
)

// Config holds the credit facilitator configuration.
type Config struct {
	// Verifier checks Web-Bot-Auth signatures. A default verifier is used
	// when nil.
	Verifier *webbotauth.Verifier

	// Ledger records charges. The in-memory ledger is used when nil.
	Ledger Ledger

	Logger *slog.Logger
}

// FluxaCreditFacilitator implements x402.SchemeNetworkFacilitator for
// credit charges.
type FluxaCreditFacilitator struct {
	verifier *webbotauth.Verifier
	ledger   Ledger
	logger   *slog.Logger
}

// NewFluxaCreditFacilitator creates the facilitator-side scheme.
func NewFluxaCreditFacilitator(config Config) *FluxaCreditFacilitator {
	if config.Verifier == nil {
		config.Verifier = webbotauth.NewVerifier()
	}
	if config.Ledger == nil {
		config.Ledger = NewMemoryLedger()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &FluxaCreditFacilitator{
		verifier: config.Verifier,
		ledger:   config.Ledger,
		logger:   config.Logger,
	}
}

// Scheme returns the scheme identifier.
func (f *FluxaCreditFacilitator) Scheme() string {
	return credit.Scheme
}

// GetExtra returns no discovery metadata for credit networks.
func (f *FluxaCreditFacilitator) GetExtra(network x402.Network) map[string]interface{} {
	return nil
}

// GetSigners returns no signer addresses; credit settlement is ledger-side.
func (f *FluxaCreditFacilitator) GetSigners(network x402.Network) []string {
	return nil
}

// Verify binds the payload to the requirements and checks the Web-Bot-Auth
// signature. The payer is the signing key's thumbprint, falling back to the
// agent id the payload declares when verification cannot supply one.
func (f *FluxaCreditFacilitator) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.VerifyResponse, error) {
	if payload.Accepted.Scheme != requirements.Scheme {
		return x402.VerifyResponse{IsValid: false, InvalidReason: x402.ReasonUnsupportedScheme}, nil
	}
	if payload.Accepted.Network != requirements.Network {
		return x402.VerifyResponse{IsValid: false, InvalidReason: x402.ReasonNetworkMismatch}, nil
	}
	if !x402.DeepEqual(payload.Accepted, requirements) {
		return x402.VerifyResponse{IsValid: false, InvalidReason: x402.ReasonInvalidWebBotAuth, Payer: fallbackPayer(payload)}, nil
	}

	envelope, err := credit.EnvelopeFromExtensions(payload.Extensions)
	if err != nil {
		return x402.VerifyResponse{IsValid: false, InvalidReason: x402.ReasonInvalidWebBotAuth, Payer: fallbackPayer(payload)}, nil
	}

	resourceURL := ""
	if payload.Resource != nil {
		resourceURL = payload.Resource.URL
	}

	thumbprint, err := f.verifier.Verify(ctx, webbotauth.Input{
		SignatureAgent:         envelope.SignatureAgent,
		SignatureInput:         envelope.SignatureInput,
		Signature:              envelope.Signature,
		PaymentSignatureHeader: envelope.PaymentSignatureHeader,
		Method:                 "GET",
		URL:                    resourceURL,
	})
	if err != nil {
		reason := x402.ReasonInvalidWebBotAuth
		var verifyErr *webbotauth.VerifyError
		if errors.As(err, &verifyErr) {
			reason = verifyErr.Reason
		}
		f.logger.Debug("web-bot-auth verification failed", "reason", reason, "error", err)
		return x402.VerifyResponse{IsValid: false, InvalidReason: reason, Payer: fallbackPayer(payload)}, nil
	}

	return x402.VerifyResponse{IsValid: true, Payer: thumbprint}, nil
}

// Settle debits the ledger, keyed on the charge id in requirements.extra.
// Repeating a settle with the same id returns the same transaction and does
// not double-charge.
func (f *FluxaCreditFacilitator) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.SettleResponse, error) {
	verifyResp, err := f.Verify(ctx, payload, requirements)
	if err != nil {
		return x402.SettleResponse{}, err
	}
	if !verifyResp.IsValid {
		return x402.SettleResponse{
			Success:     false,
			ErrorReason: verifyResp.InvalidReason,
			Payer:       verifyResp.Payer,
			Network:     requirements.Network,
		}, nil
	}

	chargeID, _ := requirements.Extra["id"].(string)
	transaction, err := f.ledger.Charge(ctx, chargeID, verifyResp.Payer, requirements.Amount)
	if err != nil {
		return x402.SettleResponse{}, err
	}

	f.logger.Info("credit charge settled",
		"id", chargeID,
		"payer", verifyResp.Payer,
		"amount", requirements.Amount,
		"transaction", transaction)

	return x402.SettleResponse{
		Success:     true,
		Payer:       verifyResp.Payer,
		Transaction: transaction,
		Network:     requirements.Network,
	}, nil
}

// fallbackPayer reads the agent id the payload itself declares.
func fallbackPayer(payload x402.PaymentPayload) string {
	id, _ := payload.Payload[credit.AgentIDKey].(string)
	return id
}
