package facilitator

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/fluxa-network/x402/go"
	"github.com/fluxa-network/x402/go/mechanisms/evm"
	"github.com/fluxa-network/x402/go/mechanisms/odp"
	deferredclient "github.com/fluxa-network/x402/go/mechanisms/odp/deferred/client"
	signers "github.com/fluxa-network/x402/go/signers/evm"
)

const (
	testNetwork = x402.Network("eip155:84532")

	testContract    = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	testDebitWallet = "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"
	testAsset       = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	testPayee       = "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"

	// Well-known throwaway development key; its address is
	// 0x70997970C51812dc3A010C7d01b50e0d17dc79C8.
	testPayerKey = "0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
)

var testSessionID = "0x" + strings.Repeat("4b", 32)

type writeCall struct {
	contract string
	function string
	args     []interface{}
}

// mockChain implements evm.FacilitatorEvmSigner with canned reads and
// recorded writes. Typed-data verification runs locally via ecrecover.
type mockChain struct {
	mu            sync.Mutex
	addresses     []string
	balance       *big.Int
	withdrawDelay *big.Int
	writes        []writeCall
	writeTxHash   string
	receiptStatus uint64
}

func newMockChain() *mockChain {
	return &mockChain{
		addresses:     []string{"0x90F79bf6EB2c4f870365E785982E1f101E93b906"},
		balance:       big.NewInt(10_000_000),
		withdrawDelay: big.NewInt(86400),
		writeTxHash:   "0x" + strings.Repeat("77", 32),
		receiptStatus: evm.TxStatusSuccess,
	}
}

func (m *mockChain) GetAddresses() []string { return m.addresses }

func (m *mockChain) ReadContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch functionName {
	case "withdrawDelaySeconds":
		return new(big.Int).Set(m.withdrawDelay), nil
	case "balanceOf":
		return new(big.Int).Set(m.balance), nil
	}
	return nil, nil
}

func (m *mockChain) VerifyTypedData(ctx context.Context, address string, domain evm.TypedDataDomain, types map[string][]evm.TypedDataField, primaryType string, message map[string]interface{}, signature []byte) (bool, error) {
	return evm.VerifyTypedDataSignature(address, domain, types, primaryType, message, signature)
}

func (m *mockChain) WriteContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = append(m.writes, writeCall{contract: address, function: functionName, args: args})
	return m.writeTxHash, nil
}

func (m *mockChain) WaitForTransactionReceipt(ctx context.Context, txHash string) (*evm.TransactionReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &evm.TransactionReceipt{Status: m.receiptStatus, BlockNumber: 1, TxHash: txHash}, nil
}

func (m *mockChain) setBalance(balance int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balance = big.NewInt(balance)
}

func (m *mockChain) setWithdrawDelay(delay int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.withdrawDelay = big.NewInt(delay)
}

type fixture struct {
	chain       *mockChain
	store       *odp.MemorySessionStore
	facilitator *DeferredEvmScheme
	client      *deferredclient.DeferredEvmScheme
	signer      *signers.ClientSigner
}

func newFixture(t *testing.T, config Config) *fixture {
	t.Helper()

	chain := newMockChain()
	store := odp.NewMemorySessionStore()
	if config.SettlementContract == "" {
		config.SettlementContract = testContract
	}
	if config.DebitWallet == "" {
		config.DebitWallet = testDebitWallet
	}
	if config.WithdrawDelaySeconds == "" {
		config.WithdrawDelaySeconds = "86400"
	}
	config.Store = store

	facilitator, err := NewDeferredEvmScheme(chain, config)
	require.NoError(t, err)

	signer, err := signers.NewClientSignerFromPrivateKey(testPayerKey)
	require.NoError(t, err)

	return &fixture{
		chain:       chain,
		store:       store,
		facilitator: facilitator,
		client:      deferredclient.NewDeferredEvmScheme(signer),
		signer:      signer,
	}
}

func requirements(maxSpend string) x402.PaymentRequirements {
	return x402.PaymentRequirements{
		Scheme:            odp.Scheme,
		Network:           testNetwork,
		Asset:             testAsset,
		Amount:            "15000",
		PayTo:             testPayee,
		MaxTimeoutSeconds: 60,
		Extra: map[string]interface{}{
			"sessionId":            testSessionID,
			"startNonce":           "0",
			"maxSpend":             maxSpend,
			"expiry":               "99999999999",
			"settlementContract":   testContract,
			"debitWallet":          testDebitWallet,
			"withdrawDelaySeconds": "86400",
		},
	}
}

func (f *fixture) pay(t *testing.T, req x402.PaymentRequirements) x402.PaymentPayload {
	t.Helper()
	payload, err := f.client.CreatePaymentPayload(context.Background(), req, nil)
	require.NoError(t, err)
	return payload
}

// signPayload signs a receipt directly with the payer key, bypassing the
// client's own bookkeeping, with full control over nonce and deadline.
// withApproval also signs and attaches the session approval.
func (f *fixture) signPayload(t *testing.T, req x402.PaymentRequirements, nonce string, deadline int64, withApproval bool) x402.PaymentPayload {
	t.Helper()

	chainID, err := odp.ChainID(string(req.Network))
	require.NoError(t, err)
	extras, err := odp.ParseRequirementsExtra(req.Extra)
	require.NoError(t, err)
	domain := odp.Domain(chainID, testContract)

	receipt := odp.Receipt{
		SessionID:   testSessionID,
		Nonce:       nonce,
		Amount:      req.Amount,
		Deadline:    big.NewInt(deadline).String(),
		RequestHash: odp.ZeroHash,
	}
	message, err := odp.ReceiptMessage(receipt)
	require.NoError(t, err)
	signature, err := f.signer.SignTypedData(context.Background(), domain, odp.ReceiptTypes(), "Receipt", message)
	require.NoError(t, err)

	payload := &odp.Payload{Receipt: &receipt, ReceiptSignature: evm.BytesToHex(signature)}
	if withApproval {
		approval := odp.SessionApproval{
			Payer:                    f.signer.Address(),
			Payee:                    req.PayTo,
			Asset:                    req.Asset,
			MaxSpend:                 extras.MaxSpend,
			Expiry:                   extras.Expiry,
			SessionID:                extras.SessionID,
			StartNonce:               extras.StartNonce,
			AuthorizedProcessorsHash: odp.AuthorizedProcessorsHash(extras.AuthorizedProcessors),
		}
		approvalMessage, err := odp.SessionApprovalMessage(approval)
		require.NoError(t, err)
		approvalSig, err := f.signer.SignTypedData(context.Background(), domain, odp.SessionApprovalTypes(), "SessionApproval", approvalMessage)
		require.NoError(t, err)
		payload.SessionApproval = &approval
		payload.SessionSignature = evm.BytesToHex(approvalSig)
	}
	return x402.PaymentPayload{
		X402Version: x402.X402Version,
		Payload:     payload.ToMap(),
		Accepted:    req,
	}
}

func TestVerifyFirstReceiptOpensSession(t *testing.T) {
	f := newFixture(t, Config{})
	req := requirements("1000000")

	payload := f.pay(t, req)
	_, hasApproval := payload.Payload["sessionApproval"]
	assert.True(t, hasApproval, "first payment carries the approval")

	resp, err := f.facilitator.Verify(context.Background(), payload, req)
	require.NoError(t, err)
	require.True(t, resp.IsValid, "invalidReason: %s", resp.InvalidReason)
	assert.Equal(t, f.signer.Address(), resp.Payer)

	session, found, err := f.store.Get(context.Background(), testSessionID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "1", session.NextNonce)
	assert.Equal(t, "15000", session.Spent)
	require.Len(t, session.Receipts, 1)
	assert.Equal(t, "0", session.Receipts[0].Nonce)
}

func TestVerifyOutOfOrderReceiptRejected(t *testing.T) {
	f := newFixture(t, Config{})
	req := requirements("1000000")

	first := f.pay(t, req)
	resp, err := f.facilitator.Verify(context.Background(), first, req)
	require.NoError(t, err)
	require.True(t, resp.IsValid)

	// The client issues nonces 1 and 2; deliver 2 before 1.
	second := f.pay(t, req)
	third := f.pay(t, req)

	resp, err = f.facilitator.Verify(context.Background(), third, req)
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, x402.ReasonReceiptNonceMismatch, resp.InvalidReason)

	// Session state is unchanged by the rejection.
	session, _, err := f.store.Get(context.Background(), testSessionID)
	require.NoError(t, err)
	assert.Equal(t, "1", session.NextNonce)
	assert.Equal(t, "15000", session.Spent)

	// The skipped receipt still lands once it arrives in order.
	resp, err = f.facilitator.Verify(context.Background(), second, req)
	require.NoError(t, err)
	assert.True(t, resp.IsValid)
}

func TestVerifyReplayRejected(t *testing.T) {
	f := newFixture(t, Config{})
	req := requirements("1000000")

	payload := f.pay(t, req)
	resp, err := f.facilitator.Verify(context.Background(), payload, req)
	require.NoError(t, err)
	require.True(t, resp.IsValid)

	resp, err = f.facilitator.Verify(context.Background(), payload, req)
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, x402.ReasonReceiptNonceMismatch, resp.InvalidReason)
}

func TestVerifyClientStopsAtMaxSpend(t *testing.T) {
	f := newFixture(t, Config{})
	req := requirements("30000")

	for i := 0; i < 2; i++ {
		payload := f.pay(t, req)
		resp, err := f.facilitator.Verify(context.Background(), payload, req)
		require.NoError(t, err)
		require.True(t, resp.IsValid, "receipt %d: %s", i, resp.InvalidReason)
	}

	// The client refuses to overdraw the session on its own.
	_, err := f.client.CreatePaymentPayload(context.Background(), req, nil)
	require.Error(t, err)

	session, _, err := f.store.Get(context.Background(), testSessionID)
	require.NoError(t, err)
	assert.Len(t, session.Receipts, 2)
	assert.Equal(t, "30000", session.Spent)
}

func TestVerifyMaxSpendEnforcedServerSide(t *testing.T) {
	f := newFixture(t, Config{})
	req := requirements("30000")

	for i := 0; i < 2; i++ {
		resp, err := f.facilitator.Verify(context.Background(), f.pay(t, req), req)
		require.NoError(t, err)
		require.True(t, resp.IsValid)
	}

	// A third receipt signed outside the client's bookkeeping would push
	// the session to 45000 against a 30000 cap.
	overdraft := f.signPayload(t, req, "2", time.Now().Unix()+30, false)
	resp, err := f.facilitator.Verify(context.Background(), overdraft, req)
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, x402.ReasonSessionMaxSpendExceeded, resp.InvalidReason)

	session, _, err := f.store.Get(context.Background(), testSessionID)
	require.NoError(t, err)
	assert.Len(t, session.Receipts, 2)
	assert.Equal(t, "30000", session.Spent)
}

func TestVerifyMissingApprovalForUnknownSession(t *testing.T) {
	f := newFixture(t, Config{})
	req := requirements("1000000")

	f.pay(t, req) // opens the client session; the facilitator never sees it
	second := f.pay(t, req)
	_, hasApproval := second.Payload["sessionApproval"]
	require.False(t, hasApproval, "later payments omit the approval")

	resp, err := f.facilitator.Verify(context.Background(), second, req)
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, x402.ReasonMissingSessionApproval, resp.InvalidReason)
}

func TestVerifyRequirementsMustRestateSession(t *testing.T) {
	f := newFixture(t, Config{})
	req := requirements("30000")

	resp, err := f.facilitator.Verify(context.Background(), f.pay(t, req), req)
	require.NoError(t, err)
	require.True(t, resp.IsValid)

	// Later offers naming the same session with different terms are
	// rejected even when the receipt itself is fine.
	changed := requirements("1000000")
	resp, err = f.facilitator.Verify(context.Background(), f.pay(t, req), changed)
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, x402.ReasonRequirementsSessionMismatch, resp.InvalidReason)
}

func TestVerifyConfigParityMismatches(t *testing.T) {
	f := newFixture(t, Config{})
	payload := f.pay(t, requirements("1000000"))

	tests := []struct {
		name   string
		field  string
		value  interface{}
		reason string
	}{
		{name: "settlement contract", field: "settlementContract", value: testPayee, reason: x402.ReasonSettlementContractMismatch},
		{name: "debit wallet", field: "debitWallet", value: testPayee, reason: x402.ReasonDebitWalletMismatch},
		{name: "withdraw delay", field: "withdrawDelaySeconds", value: "3600", reason: x402.ReasonWithdrawDelayMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changed := requirements("1000000")
			changed.Extra[tt.field] = tt.value

			resp, err := f.facilitator.Verify(context.Background(), payload, changed)
			require.NoError(t, err)
			assert.False(t, resp.IsValid)
			assert.Equal(t, tt.reason, resp.InvalidReason)
		})
	}
}

func TestVerifyChainDelayMismatch(t *testing.T) {
	f := newFixture(t, Config{})
	f.chain.setWithdrawDelay(3600)

	req := requirements("1000000")
	resp, err := f.facilitator.Verify(context.Background(), f.pay(t, req), req)
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, x402.ReasonDebitWalletWithdrawDelayMismatch, resp.InvalidReason)
}

func TestVerifyInsufficientBalance(t *testing.T) {
	f := newFixture(t, Config{})
	f.chain.setBalance(10000)

	req := requirements("1000000")
	resp, err := f.facilitator.Verify(context.Background(), f.pay(t, req), req)
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, x402.ReasonInsufficientDebitWalletBalance, resp.InvalidReason)
}

func TestVerifyMaxAmountPerReceipt(t *testing.T) {
	f := newFixture(t, Config{MaxAmountPerReceipt: "10000"})

	req := requirements("1000000")
	resp, err := f.facilitator.Verify(context.Background(), f.pay(t, req), req)
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, x402.ReasonReceiptAmountExceedsMax, resp.InvalidReason)
}

func TestSettleSyntheticBatch(t *testing.T) {
	f := newFixture(t, Config{SettlementMode: SettlementModeSynthetic})
	req := requirements("1000000")

	var payload x402.PaymentPayload
	for i := 0; i < 5; i++ {
		payload = f.pay(t, req)
		resp, err := f.facilitator.Verify(context.Background(), payload, req)
		require.NoError(t, err)
		require.True(t, resp.IsValid)
	}

	settle, err := f.facilitator.Settle(context.Background(), payload, req)
	require.NoError(t, err)
	require.True(t, settle.Success, "errorReason: %s", settle.ErrorReason)

	expected, err := odp.SyntheticSettlementHash(testSessionID, big.NewInt(0), big.NewInt(4), big.NewInt(75000))
	require.NoError(t, err)
	assert.Equal(t, expected, settle.Transaction)
	assert.Equal(t, testNetwork, settle.Network)
	assert.Equal(t, f.signer.Address(), settle.Payer)

	session, _, err := f.store.Get(context.Background(), testSessionID)
	require.NoError(t, err)
	assert.Empty(t, session.Receipts)
	assert.Equal(t, "75000", session.Spent, "spent tracks gross session spend")
	assert.Equal(t, "5", session.NextNonce)
	assert.False(t, session.Settling)

	// Nothing left to settle.
	settle, err = f.facilitator.Settle(context.Background(), payload, req)
	require.NoError(t, err)
	assert.False(t, settle.Success)
	assert.Equal(t, x402.ReasonNoReceipts, settle.ErrorReason)
}

func TestSettleBatchCap(t *testing.T) {
	f := newFixture(t, Config{MaxReceiptsPerSettlement: 3})
	req := requirements("1000000")

	var payload x402.PaymentPayload
	for i := 0; i < 5; i++ {
		payload = f.pay(t, req)
		resp, err := f.facilitator.Verify(context.Background(), payload, req)
		require.NoError(t, err)
		require.True(t, resp.IsValid)
	}

	settle, err := f.facilitator.Settle(context.Background(), payload, req)
	require.NoError(t, err)
	require.True(t, settle.Success)

	expected, err := odp.SyntheticSettlementHash(testSessionID, big.NewInt(0), big.NewInt(2), big.NewInt(45000))
	require.NoError(t, err)
	assert.Equal(t, expected, settle.Transaction)

	session, _, err := f.store.Get(context.Background(), testSessionID)
	require.NoError(t, err)
	require.Len(t, session.Receipts, 2)
	assert.Equal(t, "3", session.Receipts[0].Nonce)
}

func TestSettleOnchain(t *testing.T) {
	f := newFixture(t, Config{SettlementMode: SettlementModeOnchain})
	req := requirements("1000000")

	payload := f.pay(t, req)
	resp, err := f.facilitator.Verify(context.Background(), payload, req)
	require.NoError(t, err)
	require.True(t, resp.IsValid)

	settle, err := f.facilitator.Settle(context.Background(), payload, req)
	require.NoError(t, err)
	require.True(t, settle.Success, "errorReason: %s", settle.ErrorReason)
	assert.Equal(t, f.chain.writeTxHash, settle.Transaction)

	require.Len(t, f.chain.writes, 1)
	assert.Equal(t, testContract, f.chain.writes[0].contract)
	assert.Equal(t, "settleSession", f.chain.writes[0].function)
}

func TestSettleOnchainRevertedTransaction(t *testing.T) {
	f := newFixture(t, Config{SettlementMode: SettlementModeOnchain})
	f.chain.receiptStatus = 0
	req := requirements("1000000")

	payload := f.pay(t, req)
	resp, err := f.facilitator.Verify(context.Background(), payload, req)
	require.NoError(t, err)
	require.True(t, resp.IsValid)

	settle, err := f.facilitator.Settle(context.Background(), payload, req)
	require.NoError(t, err)
	assert.False(t, settle.Success)
	assert.Equal(t, x402.ReasonSettlementTransactionFailed, settle.ErrorReason)

	// Receipts stay pending and the settling flag is cleared for retry.
	session, _, err := f.store.Get(context.Background(), testSessionID)
	require.NoError(t, err)
	assert.Len(t, session.Receipts, 1)
	assert.False(t, session.Settling)
}

func TestSettleWhileSettling(t *testing.T) {
	f := newFixture(t, Config{})
	req := requirements("1000000")

	payload := f.pay(t, req)
	resp, err := f.facilitator.Verify(context.Background(), payload, req)
	require.NoError(t, err)
	require.True(t, resp.IsValid)

	session, _, err := f.store.Get(context.Background(), testSessionID)
	require.NoError(t, err)
	session.Settling = true
	require.NoError(t, f.store.Put(context.Background(), testSessionID, session))

	settle, err := f.facilitator.Settle(context.Background(), payload, req)
	require.NoError(t, err)
	assert.False(t, settle.Success)
	assert.Equal(t, x402.ReasonSettlementInProgress, settle.ErrorReason)
}

func TestSettleUnknownSession(t *testing.T) {
	f := newFixture(t, Config{})
	req := requirements("1000000")

	settle, err := f.facilitator.Settle(context.Background(), f.pay(t, req), req)
	require.NoError(t, err)
	assert.False(t, settle.Success)
	assert.Equal(t, x402.ReasonSessionNotFound, settle.ErrorReason)
}

func TestMetricsSnapshot(t *testing.T) {
	f := newFixture(t, Config{})
	req := requirements("1000000")

	var payload x402.PaymentPayload
	for i := 0; i < 3; i++ {
		payload = f.pay(t, req)
		resp, err := f.facilitator.Verify(context.Background(), payload, req)
		require.NoError(t, err)
		require.True(t, resp.IsValid)
	}

	snapshot := f.facilitator.MetricsSnapshot()
	assert.Equal(t, int64(3), snapshot.VerifiedReceipts)
	assert.Equal(t, 1, snapshot.PendingSessions)

	_, err := f.facilitator.Settle(context.Background(), payload, req)
	require.NoError(t, err)

	snapshot = f.facilitator.MetricsSnapshot()
	assert.Equal(t, int64(3), snapshot.SettledReceipts)
	assert.Equal(t, int64(1), snapshot.SettlementTransactions)
	assert.Equal(t, 0, snapshot.PendingSessions)
}

func TestVerifySessionExpired(t *testing.T) {
	f := newFixture(t, Config{})
	req := requirements("1000000")
	req.Extra["expiry"] = "1000"

	resp, err := f.facilitator.Verify(context.Background(), f.pay(t, req), req)
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, x402.ReasonSessionExpired, resp.InvalidReason)
}

func TestVerifyProcessorAuthorization(t *testing.T) {
	f := newFixture(t, Config{})

	// The restriction list excludes the facilitator's signer.
	req := requirements("1000000")
	req.Extra["authorizedProcessors"] = []string{testPayee}
	resp, err := f.facilitator.Verify(context.Background(), f.pay(t, req), req)
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, x402.ReasonUnauthorizedProcessor, resp.InvalidReason)

	// Including the signer authorizes it.
	f = newFixture(t, Config{})
	req = requirements("1000000")
	req.Extra["authorizedProcessors"] = []string{f.chain.addresses[0]}
	resp, err = f.facilitator.Verify(context.Background(), f.pay(t, req), req)
	require.NoError(t, err)
	assert.True(t, resp.IsValid, "invalidReason: %s", resp.InvalidReason)
}

func TestVerifyDeadlineBoundaries(t *testing.T) {
	f := newFixture(t, Config{})
	now := time.Now()
	f.facilitator.now = func() time.Time { return now }
	req := requirements("1000000")

	// A deadline of exactly now is still acceptable.
	resp, err := f.facilitator.Verify(context.Background(), f.signPayload(t, req, "0", now.Unix(), true), req)
	require.NoError(t, err)
	require.True(t, resp.IsValid, "invalidReason: %s", resp.InvalidReason)

	resp, err = f.facilitator.Verify(context.Background(), f.signPayload(t, req, "1", now.Unix()-1, false), req)
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, x402.ReasonReceiptDeadlineInvalid, resp.InvalidReason)

	// The far edge is now + maxTimeoutSeconds, inclusive.
	resp, err = f.facilitator.Verify(context.Background(), f.signPayload(t, req, "1", now.Unix()+60, false), req)
	require.NoError(t, err)
	require.True(t, resp.IsValid, "invalidReason: %s", resp.InvalidReason)

	resp, err = f.facilitator.Verify(context.Background(), f.signPayload(t, req, "2", now.Unix()+61, false), req)
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, x402.ReasonReceiptDeadlineInvalid, resp.InvalidReason)
}

func TestSettleRechecksDebitWalletBalance(t *testing.T) {
	f := newFixture(t, Config{SettlementMode: SettlementModeOnchain})
	req := requirements("1000000")

	payload := f.pay(t, req)
	resp, err := f.facilitator.Verify(context.Background(), payload, req)
	require.NoError(t, err)
	require.True(t, resp.IsValid)

	// Funds withdrawn between verification and settlement.
	f.chain.setBalance(0)

	settle, err := f.facilitator.Settle(context.Background(), payload, req)
	require.NoError(t, err)
	assert.False(t, settle.Success)
	assert.Equal(t, x402.ReasonInsufficientDebitWalletBalance, settle.ErrorReason)
	assert.Empty(t, f.chain.writes, "nothing must reach the chain")

	// The receipts stay pending and settle once the wallet is funded again.
	f.chain.setBalance(1_000_000)
	settle, err = f.facilitator.Settle(context.Background(), payload, req)
	require.NoError(t, err)
	require.True(t, settle.Success, "errorReason: %s", settle.ErrorReason)
	require.Len(t, f.chain.writes, 1)
}

func TestSettleRechecksConfigParity(t *testing.T) {
	f := newFixture(t, Config{})
	req := requirements("1000000")

	payload := f.pay(t, req)
	resp, err := f.facilitator.Verify(context.Background(), payload, req)
	require.NoError(t, err)
	require.True(t, resp.IsValid)

	tests := []struct {
		name   string
		field  string
		value  interface{}
		reason string
	}{
		{name: "debit wallet", field: "debitWallet", value: testPayee, reason: x402.ReasonDebitWalletMismatch},
		{name: "withdraw delay", field: "withdrawDelaySeconds", value: "3600", reason: x402.ReasonWithdrawDelayMismatch},
		{name: "unauthorized processor", field: "authorizedProcessors", value: []string{testPayee}, reason: x402.ReasonUnauthorizedProcessor},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changed := requirements("1000000")
			changed.Extra[tt.field] = tt.value

			settle, err := f.facilitator.Settle(context.Background(), payload, changed)
			require.NoError(t, err)
			assert.False(t, settle.Success)
			assert.Equal(t, tt.reason, settle.ErrorReason)
		})
	}
}

func TestSettleNonceGapRejected(t *testing.T) {
	f := newFixture(t, Config{})
	req := requirements("1000000")

	// A gapped batch can only come from a corrupted store; it must settle
	// nothing.
	record := odp.SessionRecord{
		Approval: odp.SessionApproval{
			Payer:                    f.signer.Address(),
			Payee:                    testPayee,
			Asset:                    testAsset,
			MaxSpend:                 "1000000",
			Expiry:                   "99999999999",
			SessionID:                testSessionID,
			StartNonce:               "0",
			AuthorizedProcessorsHash: odp.ZeroHash,
		},
		NextNonce: "3",
		Spent:     "30000",
		Receipts: []odp.Receipt{
			{SessionID: testSessionID, Nonce: "0", Amount: "15000"},
			{SessionID: testSessionID, Nonce: "2", Amount: "15000"},
		},
	}
	require.NoError(t, f.store.Put(context.Background(), testSessionID, record))

	settle, err := f.facilitator.Settle(context.Background(), x402.PaymentPayload{
		X402Version: x402.X402Version,
		Payload:     map[string]interface{}{},
		Accepted:    req,
	}, req)
	require.NoError(t, err)
	assert.False(t, settle.Success)
	assert.Equal(t, x402.ReasonReceiptNonceGap, settle.ErrorReason)
}

func TestSessionEvictedAfterFinalSettlement(t *testing.T) {
	f := newFixture(t, Config{})
	req := requirements("1000000")
	req.Extra["expiry"] = "1000"

	record := odp.SessionRecord{
		Approval: odp.SessionApproval{
			Payer:                    f.signer.Address(),
			Payee:                    testPayee,
			Asset:                    testAsset,
			MaxSpend:                 "1000000",
			Expiry:                   "1000",
			SessionID:                testSessionID,
			StartNonce:               "0",
			AuthorizedProcessorsHash: odp.ZeroHash,
		},
		NextNonce: "1",
		Spent:     "15000",
		Receipts:  []odp.Receipt{{SessionID: testSessionID, Nonce: "0", Amount: "15000"}},
	}
	require.NoError(t, f.store.Put(context.Background(), testSessionID, record))
	f.facilitator.markPending(testSessionID)

	payload := x402.PaymentPayload{
		X402Version: x402.X402Version,
		Payload:     map[string]interface{}{},
		Accepted:    req,
	}
	settle, err := f.facilitator.Settle(context.Background(), payload, req)
	require.NoError(t, err)
	require.True(t, settle.Success, "errorReason: %s", settle.ErrorReason)

	// Fully settled and past expiry: the record, its lock, and its pending
	// mark are all gone.
	_, found, err := f.store.Get(context.Background(), testSessionID)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, f.facilitator.pendingSessions())
	f.facilitator.locksMu.Lock()
	assert.Empty(t, f.facilitator.locks)
	f.facilitator.locksMu.Unlock()

	settle, err = f.facilitator.Settle(context.Background(), payload, req)
	require.NoError(t, err)
	assert.Equal(t, x402.ReasonSessionNotFound, settle.ErrorReason)
}

func TestSessionEvictedWhenEmptyAndExpired(t *testing.T) {
	f := newFixture(t, Config{})
	req := requirements("1000000")
	req.Extra["expiry"] = "1000"

	record := odp.SessionRecord{
		Approval: odp.SessionApproval{
			Payer:      f.signer.Address(),
			SessionID:  testSessionID,
			StartNonce: "0",
			MaxSpend:   "1000000",
			Expiry:     "1000",
		},
		NextNonce: "5",
		Spent:     "75000",
	}
	require.NoError(t, f.store.Put(context.Background(), testSessionID, record))

	settle, err := f.facilitator.Settle(context.Background(), x402.PaymentPayload{
		X402Version: x402.X402Version,
		Payload:     map[string]interface{}{},
		Accepted:    req,
	}, req)
	require.NoError(t, err)
	assert.Equal(t, x402.ReasonNoReceipts, settle.ErrorReason)

	_, found, err := f.store.Get(context.Background(), testSessionID)
	require.NoError(t, err)
	assert.False(t, found, "empty expired session is evicted")
}

func TestSessionSurvivesSettlementBeforeExpiry(t *testing.T) {
	f := newFixture(t, Config{})
	req := requirements("1000000")

	payload := f.pay(t, req)
	resp, err := f.facilitator.Verify(context.Background(), payload, req)
	require.NoError(t, err)
	require.True(t, resp.IsValid)

	settle, err := f.facilitator.Settle(context.Background(), payload, req)
	require.NoError(t, err)
	require.True(t, settle.Success)

	// The approval is still live; the session stays for further receipts.
	_, found, err := f.store.Get(context.Background(), testSessionID)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestAutoSettleLoop(t *testing.T) {
	f := newFixture(t, Config{AutoSettleInterval: 5 * time.Millisecond})
	req := requirements("1000000")

	for i := 0; i < 2; i++ {
		resp, err := f.facilitator.Verify(context.Background(), f.pay(t, req), req)
		require.NoError(t, err)
		require.True(t, resp.IsValid)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.facilitator.RunAutoSettle(ctx, testNetwork)
	}()

	assert.Eventually(t, func() bool {
		session, found, err := f.store.Get(context.Background(), testSessionID)
		return err == nil && found && len(session.Receipts) == 0
	}, 2*time.Second, 10*time.Millisecond, "pending receipts settle in the background")

	cancel()
	<-done

	assert.Empty(t, f.facilitator.pendingSessions())
	assert.GreaterOrEqual(t, f.facilitator.MetricsSnapshot().SettledReceipts, int64(2))
}

func TestAutoSettleDisabledByZeroInterval(t *testing.T) {
	f := newFixture(t, Config{})

	// Returns immediately instead of looping.
	f.facilitator.RunAutoSettle(context.Background(), testNetwork)
}
