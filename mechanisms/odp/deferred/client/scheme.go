// Package client implements the payer side of the odp-deferred scheme:
// session approval signing on first use and per-request receipt signing
// with a locally advanced nonce.
package client

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	x402 "github.com/fluxa-network/x402/go"
	"github.com/fluxa-network/x402/go/encoding"
	"github.com/fluxa-network/x402/go/mechanisms/evm"
	"github.com/fluxa-network/x402/go/mechanisms/odp"
)

// sessionState is the client's local view of one open session.
type sessionState struct {
	approval  odp.SessionApproval
	signature string
	nextNonce *big.Int
	spent     *big.Int
	maxSpend  *big.Int
}

// DeferredEvmScheme implements x402.SchemeNetworkClient for the
// odp-deferred scheme on eip155 networks.
type DeferredEvmScheme struct {
	signer evm.ClientEvmSigner

	mu       sync.Mutex
	sessions map[string]*sessionState

	now func() time.Time
}

// NewDeferredEvmScheme creates a deferred scheme client around a signer.
func NewDeferredEvmScheme(signer evm.ClientEvmSigner) *DeferredEvmScheme {
	return &DeferredEvmScheme{
		signer:   signer,
		sessions: make(map[string]*sessionState),
		now:      time.Now,
	}
}

// Scheme returns the scheme identifier.
func (c *DeferredEvmScheme) Scheme() string {
	return odp.Scheme
}

// CreatePaymentPayload signs a receipt against the offered requirements.
// The first payment of a session also carries the signed session approval;
// later payments carry the receipt alone.
func (c *DeferredEvmScheme) CreatePaymentPayload(
	ctx context.Context,
	requirements x402.PaymentRequirements,
	resource *x402.ResourceInfo,
) (x402.PaymentPayload, error) {
	extras, err := odp.ParseRequirementsExtra(requirements.Extra)
	if err != nil {
		return x402.PaymentPayload{}, fmt.Errorf("invalid requirements extra: %w", err)
	}
	chainID, err := odp.ChainID(string(requirements.Network))
	if err != nil {
		return x402.PaymentPayload{}, err
	}
	amount, err := encoding.ParseAmount(requirements.Amount)
	if err != nil {
		return x402.PaymentPayload{}, fmt.Errorf("invalid amount: %w", err)
	}

	domain := odp.Domain(chainID, extras.SettlementContract)

	c.mu.Lock()
	defer c.mu.Unlock()

	state, isNew := c.sessions[extras.SessionID], false
	if state == nil {
		state, err = c.openSession(ctx, requirements, extras, domain)
		if err != nil {
			return x402.PaymentPayload{}, err
		}
		isNew = true
	}

	newSpent := new(big.Int).Add(state.spent, amount)
	if newSpent.Cmp(state.maxSpend) > 0 {
		return x402.PaymentPayload{}, fmt.Errorf("session %s would exceed maxSpend %s", extras.SessionID, state.approval.MaxSpend)
	}

	// The facilitator rejects deadlines past the session expiry, so clamp.
	deadline := big.NewInt(c.now().Unix() + int64(requirements.MaxTimeoutSeconds))
	if expiry, ok := new(big.Int).SetString(extras.Expiry, 10); ok && deadline.Cmp(expiry) > 0 {
		deadline = expiry
	}
	receipt := odp.Receipt{
		SessionID:   extras.SessionID,
		Nonce:       state.nextNonce.String(),
		Amount:      requirements.Amount,
		Deadline:    deadline.String(),
		RequestHash: extras.EffectiveRequestHash(),
	}

	receiptMessage, err := odp.ReceiptMessage(receipt)
	if err != nil {
		return x402.PaymentPayload{}, err
	}
	receiptSig, err := c.signer.SignTypedData(ctx, domain, odp.ReceiptTypes(), "Receipt", receiptMessage)
	if err != nil {
		return x402.PaymentPayload{}, fmt.Errorf("failed to sign receipt: %w", err)
	}

	payload := &odp.Payload{
		Receipt:          &receipt,
		ReceiptSignature: evm.BytesToHex(receiptSig),
	}
	if isNew {
		payload.SessionApproval = &state.approval
		payload.SessionSignature = state.signature
		c.sessions[extras.SessionID] = state
	}

	// Advance local state only after both signatures succeeded.
	state.nextNonce = new(big.Int).Add(state.nextNonce, big.NewInt(1))
	state.spent = newSpent

	return x402.PaymentPayload{
		X402Version: x402.X402Version,
		Payload:     payload.ToMap(),
		Accepted:    requirements,
		Resource:    resource,
	}, nil
}

// openSession builds and signs the session approval restating the offer.
func (c *DeferredEvmScheme) openSession(
	ctx context.Context,
	requirements x402.PaymentRequirements,
	extras *odp.RequirementsExtra,
	domain evm.TypedDataDomain,
) (*sessionState, error) {
	approval := odp.SessionApproval{
		Payer:                    c.signer.Address(),
		Payee:                    requirements.PayTo,
		Asset:                    requirements.Asset,
		MaxSpend:                 extras.MaxSpend,
		Expiry:                   extras.Expiry,
		SessionID:                extras.SessionID,
		StartNonce:               extras.StartNonce,
		AuthorizedProcessorsHash: odp.AuthorizedProcessorsHash(extras.AuthorizedProcessors),
	}

	message, err := odp.SessionApprovalMessage(approval)
	if err != nil {
		return nil, err
	}
	signature, err := c.signer.SignTypedData(ctx, domain, odp.SessionApprovalTypes(), "SessionApproval", message)
	if err != nil {
		return nil, fmt.Errorf("failed to sign session approval: %w", err)
	}

	startNonce, err := encoding.ParseAmount(extras.StartNonce)
	if err != nil {
		return nil, fmt.Errorf("invalid startNonce: %w", err)
	}
	maxSpend, err := encoding.ParseAmount(extras.MaxSpend)
	if err != nil {
		return nil, fmt.Errorf("invalid maxSpend: %w", err)
	}

	return &sessionState{
		approval:  approval,
		signature: evm.BytesToHex(signature),
		nextNonce: startNonce,
		spent:     big.NewInt(0),
		maxSpend:  maxSpend,
	}, nil
}
