package webbotauth

import (
	"crypto"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/square/go-jose.v2"
)

// Headers is the set of auxiliary header values attached to a signed
// request alongside PAYMENT-SIGNATURE.
type Headers struct {
	SignatureAgent string
	SignatureInput string
	Signature      string
}

// Signer produces Web-Bot-Auth header signatures with an Ed25519 key whose
// public half is published in the signer's directory.
type Signer struct {
	privateKey ed25519.PrivateKey
	thumbprint string
	agentURL   string
	label      string
	now        func() time.Time
}

// NewSigner creates a signer. agentURL is the directory URL advertised in
// the Signature-Agent header (unquoted form).
func NewSigner(privateKey ed25519.PrivateKey, agentURL string) (*Signer, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid ed25519 private key length: %d", len(privateKey))
	}
	jwk := jose.JSONWebKey{Key: privateKey.Public().(ed25519.PublicKey)}
	thumbprint, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("failed to compute key thumbprint: %w", err)
	}
	return &Signer{
		privateKey: privateKey,
		thumbprint: base64.RawURLEncoding.EncodeToString(thumbprint),
		agentURL:   agentURL,
		label:      "sig1",
		now:        time.Now,
	}, nil
}

// Thumbprint returns the RFC 7638 thumbprint of the signer's public key.
func (s *Signer) Thumbprint() string {
	return s.thumbprint
}

// SignRequest signs the PAYMENT-SIGNATURE header bytes for the given
// resource URL and returns the three auxiliary header values.
func (s *Signer) SignRequest(paymentSignatureHeader, resourceURL string) (Headers, error) {
	created := s.now().Unix()
	expires := created + MaxWindowSeconds

	agent := fmt.Sprintf("%q", s.agentURL)
	signatureInput := fmt.Sprintf(
		`%s=("payment-signature" "signature-agent" "@authority");created=%d;expires=%d;keyid="%s";tag="%s"`,
		s.label, created, expires, s.thumbprint, Tag,
	)

	si, err := ParseSignatureInput(signatureInput)
	if err != nil {
		return Headers{}, err
	}
	base, err := SignatureBase(Input{
		SignatureAgent:         agent,
		PaymentSignatureHeader: paymentSignatureHeader,
		URL:                    resourceURL,
	}, si)
	if err != nil {
		return Headers{}, err
	}

	signature := ed25519.Sign(s.privateKey, base)
	return Headers{
		SignatureAgent: agent,
		SignatureInput: signatureInput,
		Signature:      fmt.Sprintf("%s=:%s:", s.label, base64.StdEncoding.EncodeToString(signature)),
	}, nil
}

// DirectoryJSON renders the signer's public key as the JWKS directory
// document served at the Signature-Agent URL.
func (s *Signer) DirectoryJSON() ([]byte, error) {
	jwk := jose.JSONWebKey{Key: s.privateKey.Public().(ed25519.PublicKey)}
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}}
	return json.Marshal(set)
}
