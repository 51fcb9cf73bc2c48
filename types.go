package x402

import (
	"encoding/json"
	"fmt"
	"strings"
)

// X402Version is the protocol version implemented by this module.
const X402Version = 2

// CreditAsset is the logical asset of credit-denominated schemes. Offers in
// this asset report a charged amount instead of a chain transaction in the
// payment confirmation.
const CreditAsset = "FLUXA_CREDIT"

// Network is a CAIP-2 style network identifier.
// Format: namespace:reference (e.g., "eip155:84532" for Base Sepolia,
// "fluxa:monetize" for the logical credit network).
type Network string

// Parse splits the network into namespace and reference components.
func (n Network) Parse() (namespace, reference string, err error) {
	parts := strings.SplitN(string(n), ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid network format: %s", n)
	}
	return parts[0], parts[1], nil
}

// IsFamily reports whether the network is a wildcard family such as "eip155:*".
func (n Network) IsFamily() bool {
	return strings.HasSuffix(string(n), ":*")
}

// Namespace returns the CAIP-2 namespace, or "" if the identifier is malformed.
func (n Network) Namespace() string {
	ns, _, err := n.Parse()
	if err != nil {
		return ""
	}
	return ns
}

// Match reports whether a concrete network falls under the registered
// pattern. A concrete pattern matches only itself; a family pattern
// ("eip155:*") matches every network in its namespace.
func (n Network) Match(pattern Network) bool {
	if n == pattern {
		return true
	}
	if pattern.IsFamily() {
		return n.Namespace() == pattern.Namespace()
	}
	return false
}

// Price is a price in any of the formats accepted by ParsePrice:
// a float64/int amount in major units, a decimal string, or an AssetAmount.
type Price interface{}

// AssetAmount is an amount of a specific asset in its smallest unit.
type AssetAmount struct {
	Asset  string                 `json:"asset"`
	Amount string                 `json:"amount"`
	Extra  map[string]interface{} `json:"extra,omitempty"`
}

// ResourceInfo describes the resource being paid for.
type ResourceInfo struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// PaymentRequirements is one accepted way to pay for a resource.
type PaymentRequirements struct {
	Scheme            string                 `json:"scheme"`
	Network           Network                `json:"network"`
	Asset             string                 `json:"asset"`
	Amount            string                 `json:"amount"`
	PayTo             string                 `json:"payTo"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// PaymentRequired is the offer carried in the PAYMENT-REQUIRED header of a
// 402 response. Accepts is ordered by server preference.
type PaymentRequired struct {
	X402Version int                    `json:"x402Version"`
	Error       string                 `json:"error,omitempty"`
	Resource    *ResourceInfo          `json:"resource,omitempty"`
	Accepts     []PaymentRequirements  `json:"accepts"`
	Extensions  map[string]interface{} `json:"extensions,omitempty"`
}

// PaymentPayload is one payment attempt, carried in the PAYMENT-SIGNATURE
// header. Accepted echoes the chosen PaymentRequirements verbatim.
type PaymentPayload struct {
	X402Version int                    `json:"x402Version"`
	Payload     map[string]interface{} `json:"payload"`
	Accepted    PaymentRequirements    `json:"accepted"`
	Resource    *ResourceInfo          `json:"resource,omitempty"`
	Extensions  map[string]interface{} `json:"extensions,omitempty"`
}

// VerifyRequest is the body of the facilitator's POST /verify endpoint.
type VerifyRequest struct {
	PaymentPayload      PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

// VerifyResponse is the verification result. Semantic failures set
// InvalidReason to one of the stable reason strings in errors.go and are
// carried with HTTP 200.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleRequest is the body of the facilitator's POST /settle endpoint.
type SettleRequest struct {
	PaymentPayload      PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

// SettleResponse is the settlement result.
type SettleResponse struct {
	Success     bool    `json:"success"`
	ErrorReason string  `json:"errorReason,omitempty"`
	Payer       string  `json:"payer,omitempty"`
	Transaction string  `json:"transaction"`
	Network     Network `json:"network"`
}

// PaymentResponse is the confirmation carried in the PAYMENT-RESPONSE header
// after a paid request succeeds.
type PaymentResponse struct {
	Scheme         string  `json:"scheme"`
	Network        Network `json:"network"`
	ID             string  `json:"id,omitempty"`
	ChargedCredits string  `json:"chargedCredits,omitempty"`
	Transaction    string  `json:"transaction,omitempty"`
	Timestamp      string  `json:"timestamp"`
}

// SupportedKind is a single payment configuration a facilitator supports.
type SupportedKind struct {
	X402Version int                    `json:"x402Version"`
	Scheme      string                 `json:"scheme"`
	Network     Network                `json:"network"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
	Signers     []string               `json:"signers,omitempty"`
}

// SupportedResponse describes the payment kinds a facilitator supports.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// ResourceConfig is the payment configuration for one protected resource.
type ResourceConfig struct {
	Scheme            string  `json:"scheme"`
	Network           Network `json:"network"`
	PayTo             string  `json:"payTo"`
	Price             Price   `json:"price"`
	MaxTimeoutSeconds int     `json:"maxTimeoutSeconds,omitempty"`
}

// DeepEqual compares two values after JSON normalization with recursively
// key-sorted maps. Array order is significant.
func DeepEqual(a, b interface{}) bool {
	aJSON, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bJSON, err := json.Marshal(b)
	if err != nil {
		return false
	}

	var aNorm, bNorm interface{}
	if err := json.Unmarshal(aJSON, &aNorm); err != nil {
		return false
	}
	if err := json.Unmarshal(bJSON, &bNorm); err != nil {
		return false
	}

	// encoding/json marshals map keys in sorted order, so re-marshaling the
	// normalized forms yields canonical bytes.
	aCanon, _ := json.Marshal(aNorm)
	bCanon, _ := json.Marshal(bNorm)
	return string(aCanon) == string(bCanon)
}
