package facilitator

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/fluxa-network/x402/go"
	"github.com/fluxa-network/x402/go/encoding"
	"github.com/fluxa-network/x402/go/mechanisms/evm"
	"github.com/fluxa-network/x402/go/mechanisms/odp"
)

// addressArg converts a hex address for contract call arguments.
func addressArg(address string) common.Address {
	return common.HexToAddress(address)
}

func settleFailure(reason string, network x402.Network) x402.SettleResponse {
	return x402.SettleResponse{Success: false, ErrorReason: reason, Network: network}
}

// Settle settles the session named by the requirements extras. The payload
// is not re-verified; its receipts were bound to the session during Verify.
func (f *DeferredEvmScheme) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.SettleResponse, error) {
	network := requirements.Network
	if payload.Accepted.Scheme != odp.Scheme || requirements.Scheme != odp.Scheme {
		return settleFailure(x402.ReasonUnsupportedScheme, network), nil
	}
	if payload.Accepted.Network != network {
		return settleFailure(x402.ReasonNetworkMismatch, network), nil
	}

	extras, err := odp.ParseRequirementsExtra(requirements.Extra)
	if err != nil {
		return settleFailure(x402.ReasonInvalidRequirementsExtra, network), nil
	}
	if !encoding.AddressesEqual(extras.SettlementContract, f.config.SettlementContract) {
		return settleFailure(x402.ReasonSettlementContractMismatch, network), nil
	}
	if !encoding.AddressesEqual(extras.DebitWallet, f.config.DebitWallet) {
		return settleFailure(x402.ReasonDebitWalletMismatch, network), nil
	}
	if extras.WithdrawDelaySeconds != f.config.WithdrawDelaySeconds {
		return settleFailure(x402.ReasonWithdrawDelayMismatch, network), nil
	}
	if len(extras.AuthorizedProcessors) > 0 && !f.isAuthorizedProcessor(extras.AuthorizedProcessors) {
		return settleFailure(x402.ReasonUnauthorizedProcessor, network), nil
	}

	return f.settleSessionByID(ctx, extras.SessionID, network)
}

// settleSessionByID settles one batch of pending receipts for a session.
// Both the Settle operation and the background scheduler land here.
func (f *DeferredEvmScheme) settleSessionByID(ctx context.Context, sessionID string, network x402.Network) (x402.SettleResponse, error) {
	lock := f.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, found, err := f.store.Get(ctx, sessionID)
	if err != nil {
		return x402.SettleResponse{}, fmt.Errorf("session store get failed: %w", err)
	}
	if !found {
		return settleFailure(x402.ReasonSessionNotFound, network), nil
	}
	payer := session.Approval.Payer
	if session.Settling {
		resp := settleFailure(x402.ReasonSettlementInProgress, network)
		resp.Payer = payer
		return resp, nil
	}
	if len(session.Receipts) == 0 {
		f.unmarkPending(sessionID)
		f.evictIfClosed(ctx, sessionID, session)
		resp := settleFailure(x402.ReasonNoReceipts, network)
		resp.Payer = payer
		return resp, nil
	}

	batch := session.Receipts
	if f.config.MaxReceiptsPerSettlement > 0 && len(batch) > f.config.MaxReceiptsPerSettlement {
		batch = batch[:f.config.MaxReceiptsPerSettlement]
	}

	startNonce, endNonce, total, err := batchBounds(batch)
	if err != nil {
		resp := settleFailure(x402.ReasonReceiptNonceGap, network)
		resp.Payer = payer
		return resp, nil
	}

	// The debit wallet must still cover the batch; funds may have been
	// withdrawn since the receipts were verified.
	balance, err := f.readBalance(ctx, payer, session.Approval.Asset)
	if err != nil || balance.Cmp(total) < 0 {
		resp := settleFailure(x402.ReasonInsufficientDebitWalletBalance, network)
		resp.Payer = payer
		return resp, nil
	}

	// Mark the settlement in flight before any chain I/O so a concurrent
	// caller observing the store sees it even if this process dies mid-call.
	session.Settling = true
	if err := f.store.Put(ctx, sessionID, session); err != nil {
		return x402.SettleResponse{}, fmt.Errorf("session store put failed: %w", err)
	}
	evicted := false
	defer func() {
		if evicted {
			return
		}
		session.Settling = false
		if putErr := f.store.Put(ctx, sessionID, session); putErr != nil {
			f.logger.Error("failed to clear settling flag", "sessionId", sessionID, "error", putErr)
		}
	}()

	txHash, reason := f.executeSettlement(ctx, session, startNonce, endNonce, total)
	if reason != "" {
		resp := settleFailure(reason, network)
		resp.Payer = payer
		return resp, nil
	}

	// Drop the settled prefix; spend and nonce state are gross totals and
	// stay untouched.
	session.Receipts = session.Receipts[len(batch):]
	if len(session.Receipts) == 0 {
		f.unmarkPending(sessionID)
		session.Settling = false
		evicted = f.evictIfClosed(ctx, sessionID, session)
	}

	f.metrics.SettledReceipts.Add(int64(len(batch)))
	f.metrics.SettlementTransactions.Add(1)

	f.logger.Info("odp session settled",
		"sessionId", sessionID,
		"startNonce", startNonce.String(),
		"endNonce", endNonce.String(),
		"total", total.String(),
		"receipts", len(batch),
		"transaction", txHash)

	return x402.SettleResponse{
		Success:     true,
		Payer:       payer,
		Transaction: txHash,
		Network:     network,
	}, nil
}

// batchBounds computes the nonce range and amount sum of a batch, rejecting
// any gap in the nonce sequence.
func batchBounds(batch []odp.Receipt) (startNonce, endNonce, total *big.Int, err error) {
	total = big.NewInt(0)
	for i, receipt := range batch {
		nonce, parseErr := encoding.ParseAmount(receipt.Nonce)
		if parseErr != nil {
			return nil, nil, nil, parseErr
		}
		amount, parseErr := encoding.ParseAmount(receipt.Amount)
		if parseErr != nil {
			return nil, nil, nil, parseErr
		}
		if i == 0 {
			startNonce = nonce
		} else if new(big.Int).Sub(nonce, endNonce).Cmp(big.NewInt(1)) != 0 {
			return nil, nil, nil, fmt.Errorf("nonce gap at %s", receipt.Nonce)
		}
		endNonce = nonce
		total.Add(total, amount)
	}
	return startNonce, endNonce, total, nil
}

// executeSettlement performs the settlement in the configured mode and
// returns the transaction hash, or a failure reason.
func (f *DeferredEvmScheme) executeSettlement(ctx context.Context, session odp.SessionRecord, startNonce, endNonce, total *big.Int) (string, string) {
	if f.config.SettlementMode == SettlementModeSynthetic {
		txHash, err := odp.SyntheticSettlementHash(session.Approval.SessionID, startNonce, endNonce, total)
		if err != nil {
			return "", x402.ReasonSettlementTransactionFailed
		}
		return txHash, ""
	}

	approvalArg, err := sessionApprovalArg(session.Approval)
	if err != nil {
		return "", x402.ReasonSettlementTransactionFailed
	}
	sessionSig, err := evm.HexToBytes(session.SessionSignature)
	if err != nil {
		return "", x402.ReasonSettlementTransactionFailed
	}

	txHash, err := f.signer.WriteContract(ctx, f.config.SettlementContract, []byte(settlementABI), "settleSession",
		approvalArg, sessionSig, startNonce, endNonce, total)
	if err != nil {
		f.logger.Error("settleSession submission failed", "sessionId", session.Approval.SessionID, "error", err)
		return "", x402.ReasonSettlementTransactionFailed
	}

	receipt, err := f.signer.WaitForTransactionReceipt(ctx, txHash)
	if err != nil || receipt.Status != evm.TxStatusSuccess {
		f.logger.Error("settleSession transaction failed", "sessionId", session.Approval.SessionID, "transaction", txHash)
		return "", x402.ReasonSettlementTransactionFailed
	}
	return txHash, ""
}

// sessionApprovalArg renders an approval as the ABI tuple settleSession
// expects.
func sessionApprovalArg(approval odp.SessionApproval) (interface{}, error) {
	maxSpend, err := encoding.ParseAmount(approval.MaxSpend)
	if err != nil {
		return nil, err
	}
	expiry, err := encoding.ParseAmount(approval.Expiry)
	if err != nil {
		return nil, err
	}
	startNonce, err := encoding.ParseAmount(approval.StartNonce)
	if err != nil {
		return nil, err
	}
	sessionID, err := evm.HexToBytes(approval.SessionID)
	if err != nil || len(sessionID) != 32 {
		return nil, fmt.Errorf("invalid sessionId: %q", approval.SessionID)
	}
	processorsHash, err := evm.HexToBytes(approval.AuthorizedProcessorsHash)
	if err != nil || len(processorsHash) != 32 {
		return nil, fmt.Errorf("invalid authorizedProcessorsHash: %q", approval.AuthorizedProcessorsHash)
	}

	arg := struct {
		Payer                    common.Address
		Payee                    common.Address
		Asset                    common.Address
		MaxSpend                 *big.Int
		Expiry                   *big.Int
		SessionId                [32]byte
		StartNonce               *big.Int
		AuthorizedProcessorsHash [32]byte
	}{
		Payer:      addressArg(approval.Payer),
		Payee:      addressArg(approval.Payee),
		Asset:      addressArg(approval.Asset),
		MaxSpend:   maxSpend,
		Expiry:     expiry,
		StartNonce: startNonce,
	}
	copy(arg.SessionId[:], sessionID)
	copy(arg.AuthorizedProcessorsHash[:], processorsHash)
	return arg, nil
}
