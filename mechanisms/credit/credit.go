// Package credit holds the identifiers and the identity envelope shared by
// the fluxacredit scheme implementations.
package credit

import (
	"fmt"

	x402 "github.com/fluxa-network/x402/go"
)

// Scheme is the scheme identifier.
const Scheme = "fluxacredit"

// CaipFamily is the network family this scheme registers under. The
// canonical concrete network is "fluxa:monetize".
const CaipFamily = "fluxa:*"

// Asset is the only asset the scheme charges in.
const Asset = x402.CreditAsset

// ExtensionKey is the PaymentPayload extension carrying the Web-Bot-Auth
// material.
const ExtensionKey = "web-bot-auth"

// AgentIDKey is the payload field the payer thumbprint falls back to when
// signature verification cannot supply one.
const AgentIDKey = "signature-fluxa-ai-agent-id"

// WebBotAuthEnvelope is the identity extension a resource server attaches
// to a credit payload: the three auxiliary header values plus the exact
// received bytes of the PAYMENT-SIGNATURE header.
type WebBotAuthEnvelope struct {
	SignatureAgent         string `json:"signatureAgent"`
	SignatureInput         string `json:"signatureInput"`
	Signature              string `json:"signature"`
	PaymentSignatureHeader string `json:"paymentSignatureHeader"`
}

// ToMap converts the envelope for embedding into PaymentPayload.Extensions.
func (e WebBotAuthEnvelope) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"signatureAgent":         e.SignatureAgent,
		"signatureInput":         e.SignatureInput,
		"signature":              e.Signature,
		"paymentSignatureHeader": e.PaymentSignatureHeader,
	}
}

// EnvelopeFromExtensions extracts the envelope from a payload's extensions.
// The three signature fields are required; paymentSignatureHeader may be
// empty only if the caller fills it from the raw request.
func EnvelopeFromExtensions(extensions map[string]interface{}) (WebBotAuthEnvelope, error) {
	raw, ok := extensions[ExtensionKey].(map[string]interface{})
	if !ok {
		return WebBotAuthEnvelope{}, fmt.Errorf("missing %s extension", ExtensionKey)
	}
	envelope := WebBotAuthEnvelope{}
	envelope.SignatureAgent, _ = raw["signatureAgent"].(string)
	envelope.SignatureInput, _ = raw["signatureInput"].(string)
	envelope.Signature, _ = raw["signature"].(string)
	envelope.PaymentSignatureHeader, _ = raw["paymentSignatureHeader"].(string)

	if envelope.SignatureAgent == "" || envelope.SignatureInput == "" || envelope.Signature == "" {
		return WebBotAuthEnvelope{}, fmt.Errorf("incomplete %s extension", ExtensionKey)
	}
	return envelope, nil
}
