package webbotauth

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Tag is the RFC 9421 tag parameter required by the Web-Bot-Auth profile.
const Tag = "web-bot-auth"

// MaxWindowSeconds bounds expires - created.
const MaxWindowSeconds = 60

// ClockSkewSeconds is the tolerance applied on both window edges.
const ClockSkewSeconds = 60

// Reason codes for verification failures. These are stable wire names;
// callers surface them as invalidReason values.
const (
	ReasonInvalidWebBotAuth                = "invalid_web_bot_auth"
	ReasonMissingComponentPaymentSignature = "missing_component_payment-signature"
	ReasonMissingComponentSignatureAgent   = "missing_component_signature-agent"
	ReasonMissingComponentAuthority        = "missing_component_@authority"
	ReasonLabelMismatch                    = "label_mismatch"
	ReasonWindowTooLong                    = "window_too_long"
	ReasonExpiredOrNotYetValid             = "expired_or_not_yet_valid"
	ReasonKeyNotFound                      = "key_not_found"
	ReasonSignatureVerifyFailed            = "signature_verify_failed"
)

// VerifyError is a verification failure with a stable reason code.
type VerifyError struct {
	Reason string
	Err    error
}

func (e *VerifyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *VerifyError) Unwrap() error { return e.Err }

func failure(reason string, err error) *VerifyError {
	return &VerifyError{Reason: reason, Err: err}
}

// Input carries the raw material of one verification: the three auxiliary
// header values, the exact received bytes of the PAYMENT-SIGNATURE header,
// and the request identity.
type Input struct {
	SignatureAgent         string
	SignatureInput         string
	Signature              string
	PaymentSignatureHeader string
	Method                 string
	URL                    string
}

// Verifier verifies Web-Bot-Auth HTTP message signatures against keys
// published in a discoverable directory.
type Verifier struct {
	directory *DirectoryClient
	now       func() time.Time
}

// VerifierOption configures the verifier.
type VerifierOption func(*Verifier)

// WithDirectoryClient replaces the default directory client.
func WithDirectoryClient(client *DirectoryClient) VerifierOption {
	return func(v *Verifier) {
		v.directory = client
	}
}

// WithClock replaces the time source. Used by tests.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		v.now = now
	}
}

// NewVerifier creates a verifier with a fresh directory client.
func NewVerifier(opts ...VerifierOption) *Verifier {
	v := &Verifier{
		directory: NewDirectoryClient(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks the signature and returns the RFC 7638 thumbprint of the
// signing key. Every failure is a *VerifyError carrying a stable reason.
func (v *Verifier) Verify(ctx context.Context, in Input) (string, error) {
	si, err := ParseSignatureInput(in.SignatureInput)
	if err != nil {
		return "", failure(ReasonInvalidWebBotAuth, err)
	}

	sigLabel, signature, err := ParseSignature(in.Signature)
	if err != nil {
		return "", failure(ReasonInvalidWebBotAuth, err)
	}

	if si.Tag != Tag {
		return "", failure(ReasonInvalidWebBotAuth, fmt.Errorf("tag %q is not %q", si.Tag, Tag))
	}
	if !si.HasComponent("payment-signature") {
		return "", failure(ReasonMissingComponentPaymentSignature, nil)
	}
	if !si.HasComponent("signature-agent") {
		return "", failure(ReasonMissingComponentSignatureAgent, nil)
	}
	if !si.HasComponent("@authority") {
		return "", failure(ReasonMissingComponentAuthority, nil)
	}
	if si.Label != sigLabel {
		return "", failure(ReasonLabelMismatch, fmt.Errorf("input label %q, signature label %q", si.Label, sigLabel))
	}

	if si.Expires-si.Created > MaxWindowSeconds {
		return "", failure(ReasonWindowTooLong, fmt.Errorf("window of %d seconds exceeds %d", si.Expires-si.Created, MaxWindowSeconds))
	}
	now := v.now().Unix()
	if now < si.Created-ClockSkewSeconds || now > si.Expires+ClockSkewSeconds {
		return "", failure(ReasonExpiredOrNotYetValid, nil)
	}

	base, err := SignatureBase(in, si)
	if err != nil {
		return "", failure(ReasonInvalidWebBotAuth, err)
	}

	key, err := v.directory.LookupKey(ctx, UnquoteAgent(in.SignatureAgent), si.KeyID)
	if err != nil {
		return "", failure(ReasonKeyNotFound, err)
	}

	if !ed25519.Verify(key.PublicKey, base, signature) {
		return "", failure(ReasonSignatureVerifyFailed, nil)
	}
	return key.Thumbprint, nil
}

// SignatureBase reconstructs the covered-component base byte-exactly: lines
// separated by "\n" with no trailing newline. Components beyond the three
// required ones do not contribute trust and are not covered.
func SignatureBase(in Input, si *SignatureInput) ([]byte, error) {
	authority, err := Authority(in.URL)
	if err != nil {
		return nil, err
	}

	lines := []string{
		fmt.Sprintf("%q: %s", "payment-signature", in.PaymentSignatureHeader),
		fmt.Sprintf("%q: %s", "signature-agent", in.SignatureAgent),
		fmt.Sprintf("%q: %s", "@authority", authority),
		fmt.Sprintf("%q: %s", "@signature-params", si.RawParams),
	}
	return []byte(strings.Join(lines, "\n")), nil
}

// Authority extracts host[:port] from a full URL.
func Authority(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid resource url: %w", err)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("resource url has no authority: %s", rawURL)
	}
	return parsed.Host, nil
}

// UnquoteAgent strips the surrounding double quotes of a Signature-Agent
// header value. The wire form keeps the quotes; the directory URL does not.
func UnquoteAgent(agent string) string {
	if len(agent) >= 2 && strings.HasPrefix(agent, `"`) && strings.HasSuffix(agent, `"`) {
		return agent[1 : len(agent)-1]
	}
	return agent
}
