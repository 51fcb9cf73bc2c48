// Package encoding implements the x402 v2 wire codecs: base64url header
// encoding of canonical JSON, strict decimal amount strings, and hex
// identifier canonicalization.
package encoding

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/fluxa-network/x402/go"
)

// MaxHeaderBytes caps any payment-bearing header. Servers reject larger
// headers with HTTP 431.
const MaxHeaderBytes = 16 * 1024

var (
	hexAddressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	hexHash32Pattern  = regexp.MustCompile(`^0x[0-9a-f]{64}$`)
	decimalPattern    = regexp.MustCompile(`^(0|[1-9][0-9]*)$`)
)

// encodeHeader marshals v as compact JSON and applies base64url without
// padding.
func encodeHeader(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal header payload: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// decodeHeader reverses encodeHeader. Trailing padding and non-URL-safe
// alphabets are rejected.
func decodeHeader(header string, v interface{}) error {
	if header == "" {
		return fmt.Errorf("empty header")
	}
	if len(header) > MaxHeaderBytes {
		return fmt.Errorf("header exceeds %d bytes", MaxHeaderBytes)
	}
	if strings.HasSuffix(header, "=") {
		return fmt.Errorf("header carries base64 padding")
	}
	data, err := base64.RawURLEncoding.Strict().DecodeString(header)
	if err != nil {
		return fmt.Errorf("failed to decode base64url header: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal header payload: %w", err)
	}
	return nil
}

// EncodePaymentRequired encodes the PAYMENT-REQUIRED header value.
func EncodePaymentRequired(required x402.PaymentRequired) (string, error) {
	return encodeHeader(required)
}

// DecodePaymentRequired decodes the PAYMENT-REQUIRED header value.
func DecodePaymentRequired(header string) (x402.PaymentRequired, error) {
	var required x402.PaymentRequired
	if err := decodeHeader(header, &required); err != nil {
		return x402.PaymentRequired{}, err
	}
	return required, nil
}

// EncodePaymentPayload encodes the PAYMENT-SIGNATURE header value.
func EncodePaymentPayload(payload x402.PaymentPayload) (string, error) {
	return encodeHeader(payload)
}

// DecodePaymentPayload decodes the PAYMENT-SIGNATURE header value.
func DecodePaymentPayload(header string) (x402.PaymentPayload, error) {
	var payload x402.PaymentPayload
	if err := decodeHeader(header, &payload); err != nil {
		return x402.PaymentPayload{}, err
	}
	return payload, nil
}

// EncodePaymentResponse encodes the PAYMENT-RESPONSE header value.
func EncodePaymentResponse(response x402.PaymentResponse) (string, error) {
	return encodeHeader(response)
}

// DecodePaymentResponse decodes the PAYMENT-RESPONSE header value.
func DecodePaymentResponse(header string) (x402.PaymentResponse, error) {
	var response x402.PaymentResponse
	if err := decodeHeader(header, &response); err != nil {
		return x402.PaymentResponse{}, err
	}
	return response, nil
}

// ParseAmount parses a wire amount string into a big integer. Amounts are
// non-negative decimal strings with no leading zeros other than "0" itself;
// anything else is rejected. 256-bit values round-trip exactly.
func ParseAmount(s string) (*big.Int, error) {
	if !decimalPattern.MatchString(s) {
		return nil, fmt.Errorf("invalid decimal amount: %q", s)
	}
	value, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal amount: %q", s)
	}
	return value, nil
}

// FormatAmount renders a big integer as a wire amount string.
func FormatAmount(value *big.Int) string {
	return value.String()
}

// IsValidAddress reports whether s is a 0x-prefixed 20-byte hex address.
func IsValidAddress(s string) bool {
	return hexAddressPattern.MatchString(s)
}

// CanonicalAddress returns the EIP-55 checksum form of an address.
// Comparison is case-insensitive; storage uses the canonical form.
func CanonicalAddress(s string) (string, error) {
	if !IsValidAddress(s) {
		return "", fmt.Errorf("invalid address: %q", s)
	}
	return common.HexToAddress(s).Hex(), nil
}

// AddressesEqual compares two addresses after canonicalization.
func AddressesEqual(a, b string) bool {
	if !IsValidAddress(a) || !IsValidAddress(b) {
		return false
	}
	return common.HexToAddress(a) == common.HexToAddress(b)
}

// IsValidHash32 reports whether s is a 0x-prefixed lowercase 32-byte hex
// string.
func IsValidHash32(s string) bool {
	return hexHash32Pattern.MatchString(s)
}
