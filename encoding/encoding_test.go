package encoding

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/fluxa-network/x402/go"
)

func samplePaymentRequired() x402.PaymentRequired {
	return x402.PaymentRequired{
		X402Version: 2,
		Resource:    &x402.ResourceInfo{URL: "https://api.example.com/resource"},
		Accepts: []x402.PaymentRequirements{{
			Scheme:            "fluxacredit",
			Network:           "fluxa:monetize",
			Asset:             "FLUXA_CREDIT",
			Amount:            "25",
			PayTo:             "fluxa:facilitator:us-east-1",
			MaxTimeoutSeconds: 60,
			Extra:             map[string]interface{}{"id": "abc123"},
		}},
	}
}

func TestPaymentRequiredRoundTrip(t *testing.T) {
	required := samplePaymentRequired()

	header, err := EncodePaymentRequired(required)
	require.NoError(t, err)
	assert.False(t, strings.HasSuffix(header, "="), "encoding must not pad")
	assert.NotContains(t, header, "+")
	assert.NotContains(t, header, "/")

	decoded, err := DecodePaymentRequired(header)
	require.NoError(t, err)
	assert.True(t, x402.DeepEqual(required, decoded))

	// Canonical encoding is stable.
	again, err := EncodePaymentRequired(decoded)
	require.NoError(t, err)
	assert.Equal(t, header, again)
}

func TestDecodeRejectsPadding(t *testing.T) {
	header, err := EncodePaymentRequired(samplePaymentRequired())
	require.NoError(t, err)

	_, err = DecodePaymentRequired(header + "==")
	assert.Error(t, err)
}

func TestDecodeRejectsStandardAlphabet(t *testing.T) {
	_, err := DecodePaymentPayload("ab+/cd")
	assert.Error(t, err)
}

func TestDecodeRejectsEmptyAndOversized(t *testing.T) {
	_, err := DecodePaymentPayload("")
	assert.Error(t, err)

	_, err = DecodePaymentPayload(strings.Repeat("A", MaxHeaderBytes+1))
	assert.Error(t, err)
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		input string
		valid bool
	}{
		{"0", true},
		{"1", true},
		{"25", true},
		{"115792089237316195423570985008687907853269984665640564039457584007913129639935", true}, // 2^256 - 1
		{"", false},
		{"01", false},
		{"-1", false},
		{"1.5", false},
		{"1e3", false},
		{" 1", false},
		{"0x10", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			value, err := ParseAmount(tt.input)
			if !tt.valid {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.input, FormatAmount(value))
		})
	}
}

func TestAddressHelpers(t *testing.T) {
	lower := "0x4a52e3e4b07e6cbb0a6c547ab9206356bcf0d1b2"

	canonical, err := CanonicalAddress(lower)
	require.NoError(t, err)
	assert.NotEqual(t, lower, canonical, "checksum form differs from lowercase")
	assert.True(t, strings.EqualFold(lower, canonical))

	assert.True(t, AddressesEqual(lower, canonical))
	assert.False(t, AddressesEqual(lower, "0x0000000000000000000000000000000000000001"))
	assert.False(t, AddressesEqual("bogus", lower))

	assert.True(t, IsValidHash32("0x"+strings.Repeat("ab", 32)))
	assert.False(t, IsValidHash32("0x"+strings.Repeat("AB", 32)), "hash form is lowercase")
	assert.False(t, IsValidHash32("0x1234"))
}
