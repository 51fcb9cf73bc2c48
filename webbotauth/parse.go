// Package webbotauth implements the subset of RFC 9421 HTTP Message
// Signatures used by the Web-Bot-Auth profile: Signature-Input and Signature
// header parsing, byte-exact signature base reconstruction, JWKS directory
// key lookup by RFC 7638 thumbprint, and Ed25519 verification.
package webbotauth

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// SignatureInput is the parsed form of a Signature-Input header.
type SignatureInput struct {
	// Label binds this input to the matching entry in the Signature header.
	Label string

	// Components are the covered component names in order. Quoted header
	// names are stored unquoted; derived names keep their "@" prefix.
	Components []string

	// RawParams is the substring of the header value beginning at the "(" of
	// the component list through the end. It enters the signature base as
	// the "@signature-params" line byte-for-byte.
	RawParams string

	Created int64
	Expires int64
	KeyID   string
	Tag     string
	Alg     string
}

// HasComponent reports whether name is in the covered components list.
func (si *SignatureInput) HasComponent(name string) bool {
	for _, c := range si.Components {
		if c == name {
			return true
		}
	}
	return false
}

// ParseSignatureInput parses a Signature-Input header of the shape
// label=(comp1 comp2 ...);param=value;...
func ParseSignatureInput(header string) (*SignatureInput, error) {
	header = strings.TrimSpace(header)

	eq := strings.IndexByte(header, '=')
	if eq <= 0 {
		return nil, fmt.Errorf("signature-input: missing label")
	}
	label := header[:eq]
	rest := header[eq+1:]

	if !strings.HasPrefix(rest, "(") {
		return nil, fmt.Errorf("signature-input: expected component list after label")
	}
	close := strings.IndexByte(rest, ')')
	if close < 0 {
		return nil, fmt.Errorf("signature-input: unterminated component list")
	}

	si := &SignatureInput{
		Label:     label,
		RawParams: rest,
	}

	components, err := parseComponents(rest[1:close])
	if err != nil {
		return nil, err
	}
	si.Components = components

	// Semicolon-separated parameters after the component list.
	for _, param := range strings.Split(rest[close+1:], ";") {
		param = strings.TrimSpace(param)
		if param == "" {
			continue
		}
		name, value, found := strings.Cut(param, "=")
		if !found {
			return nil, fmt.Errorf("signature-input: malformed parameter %q", param)
		}
		// Quoted string values unquote; identifier values keep raw.
		if strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`) && len(value) >= 2 {
			value = value[1 : len(value)-1]
		}
		switch name {
		case "created":
			created, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("signature-input: invalid created: %w", err)
			}
			si.Created = created
		case "expires":
			expires, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("signature-input: invalid expires: %w", err)
			}
			si.Expires = expires
		case "keyid":
			si.KeyID = value
		case "tag":
			si.Tag = value
		case "alg":
			si.Alg = value
		}
	}

	return si, nil
}

// parseComponents splits the inside of the component list. Components are
// either double-quoted header names or derived names starting with "@".
func parseComponents(list string) ([]string, error) {
	var components []string
	for _, item := range strings.Fields(list) {
		switch {
		case strings.HasPrefix(item, `"`) && strings.HasSuffix(item, `"`) && len(item) >= 2:
			components = append(components, item[1:len(item)-1])
		case strings.HasPrefix(item, "@"):
			components = append(components, item)
		default:
			return nil, fmt.Errorf("signature-input: malformed component %q", item)
		}
	}
	return components, nil
}

// ParseSignature parses a Signature header of the shape label=:base64:.
// The payload uses standard base64, not base64url.
func ParseSignature(header string) (label string, signature []byte, err error) {
	header = strings.TrimSpace(header)

	eq := strings.IndexByte(header, '=')
	if eq <= 0 {
		return "", nil, fmt.Errorf("signature: missing label")
	}
	label = header[:eq]
	value := header[eq+1:]

	if len(value) < 2 || !strings.HasPrefix(value, ":") || !strings.HasSuffix(value, ":") {
		return "", nil, fmt.Errorf("signature: value must be wrapped in colons")
	}
	signature, err = base64.StdEncoding.DecodeString(value[1 : len(value)-1])
	if err != nil {
		return "", nil, fmt.Errorf("signature: invalid base64: %w", err)
	}
	return label, signature, nil
}
