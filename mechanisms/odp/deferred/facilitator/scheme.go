// Package facilitator implements the facilitator side of the odp-deferred
// scheme: inline receipt verification against per-session state, batch
// settlement against the settlement contract, and the background
// auto-settle scheduler.
package facilitator

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	x402 "github.com/fluxa-network/x402/go"
	"github.com/fluxa-network/x402/go/encoding"
	"github.com/fluxa-network/x402/go/mechanisms/evm"
	"github.com/fluxa-network/x402/go/mechanisms/odp"
)

// SettlementMode selects how batches are settled.
type SettlementMode string

const (
	// SettlementModeSynthetic derives a local hash and performs no chain I/O.
	SettlementModeSynthetic SettlementMode = "synthetic"
	// SettlementModeOnchain calls settleSession on the settlement contract.
	SettlementModeOnchain SettlementMode = "onchain"
)

// debitWalletABI covers the facilitator's read-only view of the debit
// wallet contract.
const debitWalletABI = `[
  {"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"asset","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"withdrawDelaySeconds","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}
]`

// settlementABI covers the settleSession call used in onchain mode.
const settlementABI = `[
  {"name":"settleSession","type":"function","stateMutability":"nonpayable","inputs":[
    {"name":"approval","type":"tuple","components":[
      {"name":"payer","type":"address"},
      {"name":"payee","type":"address"},
      {"name":"asset","type":"address"},
      {"name":"maxSpend","type":"uint256"},
      {"name":"expiry","type":"uint256"},
      {"name":"sessionId","type":"bytes32"},
      {"name":"startNonce","type":"uint256"},
      {"name":"authorizedProcessorsHash","type":"bytes32"}
    ]},
    {"name":"sessionSignature","type":"bytes"},
    {"name":"startNonce","type":"uint256"},
    {"name":"endNonce","type":"uint256"},
    {"name":"totalAmount","type":"uint256"}
  ],"outputs":[]}
]`

// Config holds the deferred facilitator configuration.
type Config struct {
	SettlementContract   string
	DebitWallet          string
	WithdrawDelaySeconds string
	SettlementMode       SettlementMode

	// AuthorizedProcessors restricts which signer addresses may process
	// sessions. Empty means any.
	AuthorizedProcessors []string

	// MaxReceiptsPerSettlement bounds one settlement batch. Zero means
	// unbounded.
	MaxReceiptsPerSettlement int

	// MaxAmountPerReceipt caps single receipts when non-empty.
	MaxAmountPerReceipt string

	// AutoSettleInterval enables the background settlement loop when > 0.
	AutoSettleInterval time.Duration

	Store  odp.SessionStore
	Logger *slog.Logger
}

// DeferredEvmScheme implements x402.SchemeNetworkFacilitator for the
// odp-deferred scheme on eip155 networks.
type DeferredEvmScheme struct {
	config Config
	signer evm.FacilitatorEvmSigner
	store  odp.SessionStore
	logger *slog.Logger

	// Per-session locks serialize verify and settle for one session.
	// Entries are removed when the session is evicted.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	// Sessions with receipts awaiting settlement, in insertion order.
	pendingMu sync.Mutex
	pending   []string

	metrics Metrics

	now func() time.Time
}

// NewDeferredEvmScheme creates a deferred scheme facilitator.
func NewDeferredEvmScheme(signer evm.FacilitatorEvmSigner, config Config) (*DeferredEvmScheme, error) {
	if !encoding.IsValidAddress(config.SettlementContract) {
		return nil, fmt.Errorf("invalid settlement contract address: %q", config.SettlementContract)
	}
	if !encoding.IsValidAddress(config.DebitWallet) {
		return nil, fmt.Errorf("invalid debit wallet address: %q", config.DebitWallet)
	}
	if _, err := encoding.ParseAmount(config.WithdrawDelaySeconds); err != nil {
		return nil, fmt.Errorf("invalid withdraw delay: %w", err)
	}
	if config.SettlementMode == "" {
		config.SettlementMode = SettlementModeSynthetic
	}
	if config.Store == nil {
		config.Store = odp.NewMemorySessionStore()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &DeferredEvmScheme{
		config: config,
		signer: signer,
		store:  config.Store,
		logger: config.Logger,
		locks:  make(map[string]*sync.Mutex),
		now:    time.Now,
	}, nil
}

// Scheme returns the scheme identifier.
func (f *DeferredEvmScheme) Scheme() string {
	return odp.Scheme
}

// GetExtra reports the settlement configuration for discovery.
func (f *DeferredEvmScheme) GetExtra(network x402.Network) map[string]interface{} {
	return map[string]interface{}{
		"settlementContract":   f.config.SettlementContract,
		"debitWallet":          f.config.DebitWallet,
		"withdrawDelaySeconds": f.config.WithdrawDelaySeconds,
		"settlementMode":       string(f.config.SettlementMode),
	}
}

// GetSigners returns the processor addresses this facilitator signs with.
func (f *DeferredEvmScheme) GetSigners(network x402.Network) []string {
	return f.signer.GetAddresses()
}

func invalid(reason string) x402.VerifyResponse {
	return x402.VerifyResponse{IsValid: false, InvalidReason: reason}
}

func invalidPayer(reason, payer string) x402.VerifyResponse {
	return x402.VerifyResponse{IsValid: false, InvalidReason: reason, Payer: payer}
}

// sessionLock returns the mutex serializing one session's state.
func (f *DeferredEvmScheme) sessionLock(sessionID string) *sync.Mutex {
	f.locksMu.Lock()
	defer f.locksMu.Unlock()
	lock, ok := f.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		f.locks[sessionID] = lock
	}
	return lock
}

// markPending adds the session to the pending settlement set once.
func (f *DeferredEvmScheme) markPending(sessionID string) {
	f.pendingMu.Lock()
	defer f.pendingMu.Unlock()
	for _, id := range f.pending {
		if id == sessionID {
			return
		}
	}
	f.pending = append(f.pending, sessionID)
}

func (f *DeferredEvmScheme) unmarkPending(sessionID string) {
	f.pendingMu.Lock()
	defer f.pendingMu.Unlock()
	for i, id := range f.pending {
		if id == sessionID {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			return
		}
	}
}

func (f *DeferredEvmScheme) pendingSessions() []string {
	f.pendingMu.Lock()
	defer f.pendingMu.Unlock()
	out := make([]string, len(f.pending))
	copy(out, f.pending)
	return out
}

func (f *DeferredEvmScheme) dropLock(sessionID string) {
	f.locksMu.Lock()
	defer f.locksMu.Unlock()
	delete(f.locks, sessionID)
}

// evictIfClosed removes a session that is fully settled and past its
// approval expiry: the record, its lock entry, and any pending mark. Must
// be called with the session lock held.
func (f *DeferredEvmScheme) evictIfClosed(ctx context.Context, sessionID string, session odp.SessionRecord) bool {
	if len(session.Receipts) != 0 {
		return false
	}
	expiry, err := encoding.ParseAmount(session.Approval.Expiry)
	if err != nil || expiry.Cmp(big.NewInt(f.now().Unix())) >= 0 {
		return false
	}
	if err := f.store.Delete(ctx, sessionID); err != nil {
		f.logger.Error("failed to evict session", "sessionId", sessionID, "error", err)
		return false
	}
	f.unmarkPending(sessionID)
	f.dropLock(sessionID)
	f.logger.Info("odp session evicted", "sessionId", sessionID)
	return true
}

// Verify checks one receipt and, on success, atomically advances the
// session state. The check order is fixed; the first failure wins.
func (f *DeferredEvmScheme) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.VerifyResponse, error) {
	if payload.Accepted.Scheme != odp.Scheme || requirements.Scheme != odp.Scheme {
		return invalid(x402.ReasonUnsupportedScheme), nil
	}
	if payload.Accepted.Network != requirements.Network {
		return invalid(x402.ReasonNetworkMismatch), nil
	}

	extras, err := odp.ParseRequirementsExtra(requirements.Extra)
	if err != nil {
		return invalid(x402.ReasonInvalidRequirementsExtra), nil
	}

	odpPayload, err := odp.PayloadFromMap(payload.Payload)
	if err != nil || odpPayload.Receipt == nil {
		return invalid(x402.ReasonInvalidOdpPayloadMissingReceipt), nil
	}
	if odpPayload.ReceiptSignature == "" {
		return invalid(x402.ReasonMissingReceiptSignature), nil
	}
	receipt := *odpPayload.Receipt

	if receipt.SessionID != extras.SessionID {
		return invalid(x402.ReasonSessionIDMismatch), nil
	}

	if !encoding.AddressesEqual(extras.SettlementContract, f.config.SettlementContract) {
		return invalid(x402.ReasonSettlementContractMismatch), nil
	}
	if !encoding.AddressesEqual(extras.DebitWallet, f.config.DebitWallet) {
		return invalid(x402.ReasonDebitWalletMismatch), nil
	}
	if extras.WithdrawDelaySeconds != f.config.WithdrawDelaySeconds {
		return invalid(x402.ReasonWithdrawDelayMismatch), nil
	}

	chainID, err := odp.ChainID(string(requirements.Network))
	if err != nil {
		return invalid(x402.ReasonNetworkMismatch), nil
	}

	lock := f.sessionLock(extras.SessionID)
	lock.Lock()
	defer lock.Unlock()

	session, found, err := f.store.Get(ctx, extras.SessionID)
	if err != nil {
		return x402.VerifyResponse{}, fmt.Errorf("session store get failed: %w", err)
	}

	if odpPayload.SessionApproval != nil {
		resp, newSession, ok := f.bindSessionApproval(ctx, odpPayload, extras, requirements, chainID, session, found)
		if !ok {
			return resp, nil
		}
		if !found {
			session = newSession
			found = true
		}
	} else if !found {
		return invalid(x402.ReasonMissingSessionApproval), nil
	}
	payer := session.Approval.Payer

	// The offered requirements must restate the bound session on every
	// receipt, not only the first.
	if requirements.PayTo != session.Approval.Payee ||
		!encoding.AddressesEqual(requirements.Asset, session.Approval.Asset) ||
		extras.StartNonce != session.Approval.StartNonce ||
		extras.MaxSpend != session.Approval.MaxSpend ||
		extras.Expiry != session.Approval.Expiry {
		return invalidPayer(x402.ReasonRequirementsSessionMismatch, payer), nil
	}

	// Processor authorization. An empty list means any processor.
	if len(extras.AuthorizedProcessors) > 0 && !f.isAuthorizedProcessor(extras.AuthorizedProcessors) {
		return invalidPayer(x402.ReasonUnauthorizedProcessor, payer), nil
	}

	// Debit wallet parity and balance, read under the session lock so the
	// balance check and the nonce advance stay consistent.
	delay, err := f.readWithdrawDelay(ctx)
	if err != nil || delay.String() != extras.WithdrawDelaySeconds {
		return invalidPayer(x402.ReasonDebitWalletWithdrawDelayMismatch, payer), nil
	}
	balance, err := f.readBalance(ctx, payer, session.Approval.Asset)
	if err != nil {
		return invalidPayer(x402.ReasonInsufficientDebitWalletBalance, payer), nil
	}

	// Receipt signature.
	receiptSig, err := evm.HexToBytes(odpPayload.ReceiptSignature)
	if err != nil {
		return invalidPayer(x402.ReasonInvalidReceiptSignature, payer), nil
	}
	receiptMessage, err := odp.ReceiptMessage(receipt)
	if err != nil {
		return invalidPayer(x402.ReasonInvalidReceiptSignature, payer), nil
	}
	validSig, err := f.signer.VerifyTypedData(ctx, payer, odp.Domain(chainID, f.config.SettlementContract), odp.ReceiptTypes(), "Receipt", receiptMessage, receiptSig)
	if err != nil || !validSig {
		return invalidPayer(x402.ReasonInvalidReceiptSignature, payer), nil
	}

	// Monotonic nonce: decimal string equality, no leading zeros on either
	// side by construction.
	if receipt.Nonce != session.NextNonce {
		return invalidPayer(x402.ReasonReceiptNonceMismatch, payer), nil
	}

	amount, err := encoding.ParseAmount(receipt.Amount)
	if err != nil || receipt.Amount != requirements.Amount {
		return invalidPayer(x402.ReasonReceiptAmountMismatch, payer), nil
	}
	if f.config.MaxAmountPerReceipt != "" {
		maxAmount, err := encoding.ParseAmount(f.config.MaxAmountPerReceipt)
		if err == nil && amount.Cmp(maxAmount) > 0 {
			return invalidPayer(x402.ReasonReceiptAmountExceedsMax, payer), nil
		}
	}

	now := f.now().Unix()
	expiry, err := encoding.ParseAmount(session.Approval.Expiry)
	if err != nil || expiry.Cmp(big.NewInt(now)) < 0 {
		return invalidPayer(x402.ReasonSessionExpired, payer), nil
	}
	deadline, err := encoding.ParseAmount(receipt.Deadline)
	if err != nil {
		return invalidPayer(x402.ReasonReceiptDeadlineInvalid, payer), nil
	}
	maxDeadline := new(big.Int).SetInt64(now + int64(requirements.MaxTimeoutSeconds))
	if maxDeadline.Cmp(expiry) > 0 {
		maxDeadline = expiry
	}
	if deadline.Cmp(big.NewInt(now)) < 0 || deadline.Cmp(maxDeadline) > 0 {
		return invalidPayer(x402.ReasonReceiptDeadlineInvalid, payer), nil
	}

	if receipt.RequestHash != extras.EffectiveRequestHash() {
		return invalidPayer(x402.ReasonRequestHashMismatch, payer), nil
	}

	spent, err := encoding.ParseAmount(session.Spent)
	if err != nil {
		return x402.VerifyResponse{}, fmt.Errorf("corrupt session spend %q: %w", session.Spent, err)
	}
	newSpent := new(big.Int).Add(spent, amount)
	maxSpend, err := encoding.ParseAmount(session.Approval.MaxSpend)
	if err != nil || newSpent.Cmp(maxSpend) > 0 {
		return invalidPayer(x402.ReasonSessionMaxSpendExceeded, payer), nil
	}
	if newSpent.Cmp(balance) > 0 {
		return invalidPayer(x402.ReasonInsufficientDebitWalletBalance, payer), nil
	}

	// Accept: append, advance, persist. Still under the session lock.
	nextNonce, err := encoding.ParseAmount(session.NextNonce)
	if err != nil {
		return x402.VerifyResponse{}, fmt.Errorf("corrupt session nonce %q: %w", session.NextNonce, err)
	}
	session.Receipts = append(session.Receipts, receipt)
	session.Spent = newSpent.String()
	session.NextNonce = new(big.Int).Add(nextNonce, big.NewInt(1)).String()
	if err := f.store.Put(ctx, extras.SessionID, session); err != nil {
		return x402.VerifyResponse{}, fmt.Errorf("session store put failed: %w", err)
	}
	f.markPending(extras.SessionID)
	f.metrics.VerifiedReceipts.Add(1)

	f.logger.Debug("odp receipt accepted",
		"sessionId", extras.SessionID,
		"nonce", receipt.Nonce,
		"amount", receipt.Amount,
		"spent", session.Spent)

	return x402.VerifyResponse{IsValid: true, Payer: payer}, nil
}

// bindSessionApproval verifies a supplied approval and either creates the
// session or reconciles the approval against the stored one. The bool
// result reports success; on failure the response carries the reason.
func (f *DeferredEvmScheme) bindSessionApproval(
	ctx context.Context,
	odpPayload *odp.Payload,
	extras *odp.RequirementsExtra,
	requirements x402.PaymentRequirements,
	chainID *big.Int,
	stored odp.SessionRecord,
	found bool,
) (x402.VerifyResponse, odp.SessionRecord, bool) {
	approval := *odpPayload.SessionApproval

	if odpPayload.SessionSignature == "" {
		return invalid(x402.ReasonMissingSessionSignature), odp.SessionRecord{}, false
	}
	sessionSig, err := evm.HexToBytes(odpPayload.SessionSignature)
	if err != nil {
		return invalid(x402.ReasonInvalidSessionSignature), odp.SessionRecord{}, false
	}
	message, err := odp.SessionApprovalMessage(approval)
	if err != nil {
		return invalid(x402.ReasonInvalidSessionSignature), odp.SessionRecord{}, false
	}
	validSig, err := f.signer.VerifyTypedData(ctx, approval.Payer, odp.Domain(chainID, f.config.SettlementContract), odp.SessionApprovalTypes(), "SessionApproval", message, sessionSig)
	if err != nil || !validSig {
		return invalid(x402.ReasonInvalidSessionSignature), odp.SessionRecord{}, false
	}

	// The approval must restate the offered requirements exactly.
	if approval.AuthorizedProcessorsHash != odp.AuthorizedProcessorsHash(extras.AuthorizedProcessors) {
		return invalid(x402.ReasonAuthorizedProcessorsHashMismatch), odp.SessionRecord{}, false
	}
	if approval.Payee != requirements.PayTo ||
		!encoding.AddressesEqual(approval.Asset, requirements.Asset) ||
		approval.SessionID != extras.SessionID ||
		approval.StartNonce != extras.StartNonce ||
		approval.MaxSpend != extras.MaxSpend ||
		approval.Expiry != extras.Expiry {
		return invalid(x402.ReasonSessionApprovalMismatch), odp.SessionRecord{}, false
	}

	if found {
		// Reconcile: every field must match the stored approval.
		if stored.Approval != approval {
			return invalid(x402.ReasonSessionApprovalMismatch), odp.SessionRecord{}, false
		}
		return x402.VerifyResponse{}, stored, true
	}

	record := odp.SessionRecord{
		Approval:           approval,
		SessionSignature:   odpPayload.SessionSignature,
		SettlementContract: f.config.SettlementContract,
		NextNonce:          approval.StartNonce,
		Spent:              "0",
		Receipts:           nil,
		Settling:           false,
	}
	return x402.VerifyResponse{}, record, true
}

// isAuthorizedProcessor intersects the restriction list with the signer's
// addresses.
func (f *DeferredEvmScheme) isAuthorizedProcessor(authorized []string) bool {
	for _, allowed := range authorized {
		for _, mine := range f.signer.GetAddresses() {
			if strings.EqualFold(allowed, mine) {
				return true
			}
		}
	}
	return false
}

func (f *DeferredEvmScheme) readWithdrawDelay(ctx context.Context) (*big.Int, error) {
	result, err := f.signer.ReadContract(ctx, f.config.DebitWallet, []byte(debitWalletABI), "withdrawDelaySeconds")
	if err != nil {
		return nil, err
	}
	delay, ok := result.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("withdrawDelaySeconds returned %T", result)
	}
	return delay, nil
}

func (f *DeferredEvmScheme) readBalance(ctx context.Context, payer, asset string) (*big.Int, error) {
	result, err := f.signer.ReadContract(ctx, f.config.DebitWallet, []byte(debitWalletABI), "balanceOf",
		addressArg(payer), addressArg(asset))
	if err != nil {
		return nil, err
	}
	balance, ok := result.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf returned %T", result)
	}
	return balance, nil
}
