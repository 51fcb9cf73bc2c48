// Package evm provides key-backed signers for the eip155 payment schemes:
// a client signer for EIP-712 payload signing and a facilitator signer
// wrapping an ethclient for chain reads, writes, and receipt waits.
package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	x402evm "github.com/fluxa-network/x402/go/mechanisms/evm"
)

// ClientSigner implements x402evm.ClientEvmSigner with an ECDSA private key.
type ClientSigner struct {
	privateKey *ecdsa.PrivateKey
	address    string
}

// NewClientSignerFromPrivateKey creates a client signer from a hex-encoded
// private key, with or without the 0x prefix.
func NewClientSignerFromPrivateKey(privateKeyHex string) (*ClientSigner, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &ClientSigner{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey).Hex(),
	}, nil
}

// Address returns the signer's checksummed address.
func (s *ClientSigner) Address() string {
	return s.address
}

// SignTypedData signs EIP-712 typed data and returns the 65-byte (r, s, v)
// signature with v in 27/28 form.
func (s *ClientSigner) SignTypedData(
	ctx context.Context,
	domain x402evm.TypedDataDomain,
	types map[string][]x402evm.TypedDataField,
	primaryType string,
	message map[string]interface{},
) ([]byte, error) {
	digest, err := x402evm.HashTypedData(domain, types, primaryType, message)
	if err != nil {
		return nil, err
	}
	signature, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	signature[64] += 27
	return signature, nil
}
