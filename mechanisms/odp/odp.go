// Package odp holds the types and helpers shared by the odp-deferred
// payment scheme: session approvals, receipts, requirement extras, the
// EIP-712 schemas both sides sign, and the packed hashes used for processor
// authorization and synthetic settlement.
package odp

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/fluxa-network/x402/go/mechanisms/evm"
)

// Scheme is the scheme identifier.
const Scheme = "odp-deferred"

// CaipFamily is the network family this scheme registers under.
const CaipFamily = "eip155:*"

// EIP-712 domain parameters. The verifying contract is the settlement
// contract configured on the facilitator.
const (
	TypedDataName    = "x402-odp-deferred"
	TypedDataVersion = "1"
)

// ZeroHash is the 32-byte zero value used when no request hash or processor
// restriction applies.
const ZeroHash = "0x0000000000000000000000000000000000000000000000000000000000000000"

// SessionApproval is the payer's session-level authorization. All numeric
// fields are decimal strings; sessionId and authorizedProcessorsHash are
// 32-byte hex.
type SessionApproval struct {
	Payer                    string `json:"payer"`
	Payee                    string `json:"payee"`
	Asset                    string `json:"asset"`
	MaxSpend                 string `json:"maxSpend"`
	Expiry                   string `json:"expiry"`
	SessionID                string `json:"sessionId"`
	StartNonce               string `json:"startNonce"`
	AuthorizedProcessorsHash string `json:"authorizedProcessorsHash"`
}

// Receipt is one request's micropayment under a session.
type Receipt struct {
	SessionID   string `json:"sessionId"`
	Nonce       string `json:"nonce"`
	Amount      string `json:"amount"`
	Deadline    string `json:"deadline"`
	RequestHash string `json:"requestHash"`
}

// Payload is the scheme-specific part of a PaymentPayload. The approval and
// its signature accompany the first receipt of a session only.
type Payload struct {
	SessionApproval  *SessionApproval `json:"sessionApproval,omitempty"`
	SessionSignature string           `json:"sessionSignature,omitempty"`
	Receipt          *Receipt         `json:"receipt,omitempty"`
	ReceiptSignature string           `json:"receiptSignature,omitempty"`
}

// ToMap converts the payload for embedding into PaymentPayload.Payload.
func (p *Payload) ToMap() map[string]interface{} {
	result := map[string]interface{}{}
	if p.SessionApproval != nil {
		result["sessionApproval"] = map[string]interface{}{
			"payer":                    p.SessionApproval.Payer,
			"payee":                    p.SessionApproval.Payee,
			"asset":                    p.SessionApproval.Asset,
			"maxSpend":                 p.SessionApproval.MaxSpend,
			"expiry":                   p.SessionApproval.Expiry,
			"sessionId":                p.SessionApproval.SessionID,
			"startNonce":               p.SessionApproval.StartNonce,
			"authorizedProcessorsHash": p.SessionApproval.AuthorizedProcessorsHash,
		}
	}
	if p.SessionSignature != "" {
		result["sessionSignature"] = p.SessionSignature
	}
	if p.Receipt != nil {
		result["receipt"] = map[string]interface{}{
			"sessionId":   p.Receipt.SessionID,
			"nonce":       p.Receipt.Nonce,
			"amount":      p.Receipt.Amount,
			"deadline":    p.Receipt.Deadline,
			"requestHash": p.Receipt.RequestHash,
		}
	}
	if p.ReceiptSignature != "" {
		result["receiptSignature"] = p.ReceiptSignature
	}
	return result
}

// PayloadFromMap parses the scheme-specific payload out of
// PaymentPayload.Payload.
func PayloadFromMap(data map[string]interface{}) (*Payload, error) {
	payload := &Payload{}

	if raw, ok := data["sessionApproval"].(map[string]interface{}); ok {
		approval := &SessionApproval{}
		approval.Payer, _ = raw["payer"].(string)
		approval.Payee, _ = raw["payee"].(string)
		approval.Asset, _ = raw["asset"].(string)
		approval.MaxSpend, _ = raw["maxSpend"].(string)
		approval.Expiry, _ = raw["expiry"].(string)
		approval.SessionID, _ = raw["sessionId"].(string)
		approval.StartNonce, _ = raw["startNonce"].(string)
		approval.AuthorizedProcessorsHash, _ = raw["authorizedProcessorsHash"].(string)
		payload.SessionApproval = approval
	}
	if sig, ok := data["sessionSignature"].(string); ok {
		payload.SessionSignature = sig
	}
	if raw, ok := data["receipt"].(map[string]interface{}); ok {
		receipt := &Receipt{}
		receipt.SessionID, _ = raw["sessionId"].(string)
		receipt.Nonce, _ = raw["nonce"].(string)
		receipt.Amount, _ = raw["amount"].(string)
		receipt.Deadline, _ = raw["deadline"].(string)
		receipt.RequestHash, _ = raw["requestHash"].(string)
		payload.Receipt = receipt
	}
	if sig, ok := data["receiptSignature"].(string); ok {
		payload.ReceiptSignature = sig
	}
	return payload, nil
}

// Domain builds the EIP-712 domain for a chain and settlement contract.
func Domain(chainID *big.Int, settlementContract string) evm.TypedDataDomain {
	return evm.TypedDataDomain{
		Name:              TypedDataName,
		Version:           TypedDataVersion,
		ChainID:           chainID,
		VerifyingContract: settlementContract,
	}
}

// SessionApprovalTypes is the EIP-712 schema of a session approval.
func SessionApprovalTypes() map[string][]evm.TypedDataField {
	return map[string][]evm.TypedDataField{
		"SessionApproval": {
			{Name: "payer", Type: "address"},
			{Name: "payee", Type: "address"},
			{Name: "asset", Type: "address"},
			{Name: "maxSpend", Type: "uint256"},
			{Name: "expiry", Type: "uint256"},
			{Name: "sessionId", Type: "bytes32"},
			{Name: "startNonce", Type: "uint256"},
			{Name: "authorizedProcessorsHash", Type: "bytes32"},
		},
	}
}

// ReceiptTypes is the EIP-712 schema of a receipt.
func ReceiptTypes() map[string][]evm.TypedDataField {
	return map[string][]evm.TypedDataField{
		"Receipt": {
			{Name: "sessionId", Type: "bytes32"},
			{Name: "nonce", Type: "uint256"},
			{Name: "amount", Type: "uint256"},
			{Name: "deadline", Type: "uint256"},
			{Name: "requestHash", Type: "bytes32"},
		},
	}
}

// SessionApprovalMessage builds the typed-data message for an approval.
func SessionApprovalMessage(approval SessionApproval) (map[string]interface{}, error) {
	maxSpend, ok := new(big.Int).SetString(approval.MaxSpend, 10)
	if !ok {
		return nil, fmt.Errorf("invalid maxSpend: %q", approval.MaxSpend)
	}
	expiry, ok := new(big.Int).SetString(approval.Expiry, 10)
	if !ok {
		return nil, fmt.Errorf("invalid expiry: %q", approval.Expiry)
	}
	startNonce, ok := new(big.Int).SetString(approval.StartNonce, 10)
	if !ok {
		return nil, fmt.Errorf("invalid startNonce: %q", approval.StartNonce)
	}
	sessionID, err := evm.HexToBytes(approval.SessionID)
	if err != nil || len(sessionID) != 32 {
		return nil, fmt.Errorf("invalid sessionId: %q", approval.SessionID)
	}
	processorsHash, err := evm.HexToBytes(approval.AuthorizedProcessorsHash)
	if err != nil || len(processorsHash) != 32 {
		return nil, fmt.Errorf("invalid authorizedProcessorsHash: %q", approval.AuthorizedProcessorsHash)
	}

	return map[string]interface{}{
		"payer":                    common.HexToAddress(approval.Payer).Hex(),
		"payee":                    common.HexToAddress(approval.Payee).Hex(),
		"asset":                    common.HexToAddress(approval.Asset).Hex(),
		"maxSpend":                 maxSpend,
		"expiry":                   expiry,
		"sessionId":                sessionID,
		"startNonce":               startNonce,
		"authorizedProcessorsHash": processorsHash,
	}, nil
}

// ReceiptMessage builds the typed-data message for a receipt.
func ReceiptMessage(receipt Receipt) (map[string]interface{}, error) {
	nonce, ok := new(big.Int).SetString(receipt.Nonce, 10)
	if !ok {
		return nil, fmt.Errorf("invalid nonce: %q", receipt.Nonce)
	}
	amount, ok := new(big.Int).SetString(receipt.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %q", receipt.Amount)
	}
	deadline, ok := new(big.Int).SetString(receipt.Deadline, 10)
	if !ok {
		return nil, fmt.Errorf("invalid deadline: %q", receipt.Deadline)
	}
	sessionID, err := evm.HexToBytes(receipt.SessionID)
	if err != nil || len(sessionID) != 32 {
		return nil, fmt.Errorf("invalid sessionId: %q", receipt.SessionID)
	}
	requestHash, err := evm.HexToBytes(receipt.RequestHash)
	if err != nil || len(requestHash) != 32 {
		return nil, fmt.Errorf("invalid requestHash: %q", receipt.RequestHash)
	}

	return map[string]interface{}{
		"sessionId":   sessionID,
		"nonce":       nonce,
		"amount":      amount,
		"deadline":    deadline,
		"requestHash": requestHash,
	}, nil
}

// ChainID extracts the numeric chain id from an eip155 network identifier.
func ChainID(network string) (*big.Int, error) {
	const prefix = "eip155:"
	if !strings.HasPrefix(network, prefix) {
		return nil, fmt.Errorf("network %q is not an eip155 network", network)
	}
	chainID, ok := new(big.Int).SetString(network[len(prefix):], 10)
	if !ok {
		return nil, fmt.Errorf("invalid chain id in network %q", network)
	}
	return chainID, nil
}

// AuthorizedProcessorsHash computes
// keccak256(abi.encodePacked(sortedLowercaseAddresses)); the zero hash when
// the list is empty.
func AuthorizedProcessorsHash(processors []string) string {
	if len(processors) == 0 {
		return ZeroHash
	}

	lowered := make([]string, len(processors))
	for i, p := range processors {
		lowered[i] = strings.ToLower(p)
	}
	sort.Strings(lowered)

	var packed []byte
	for _, p := range lowered {
		packed = append(packed, common.HexToAddress(p).Bytes()...)
	}
	return "0x" + common.Bytes2Hex(crypto.Keccak256(packed))
}

// SyntheticSettlementHash derives the transaction hash reported in
// synthetic settlement mode:
// keccak256(abi.encodePacked(sessionId, startNonce, endNonce, total)).
func SyntheticSettlementHash(sessionID string, startNonce, endNonce, total *big.Int) (string, error) {
	sessionIDBytes, err := evm.HexToBytes(sessionID)
	if err != nil || len(sessionIDBytes) != 32 {
		return "", fmt.Errorf("invalid sessionId: %q", sessionID)
	}

	var packed []byte
	packed = append(packed, sessionIDBytes...)
	packed = append(packed, common.LeftPadBytes(startNonce.Bytes(), 32)...)
	packed = append(packed, common.LeftPadBytes(endNonce.Bytes(), 32)...)
	packed = append(packed, common.LeftPadBytes(total.Bytes(), 32)...)
	return "0x" + common.Bytes2Hex(crypto.Keccak256(packed)), nil
}
