package facilitator

import (
	"context"
	"sync/atomic"
	"time"

	x402 "github.com/fluxa-network/x402/go"
)

// Metrics holds the facilitator's operational counters.
type Metrics struct {
	VerifiedReceipts       atomic.Int64
	SettledReceipts        atomic.Int64
	SettlementTransactions atomic.Int64
}

// Snapshot is a point-in-time read of the counters plus the pending
// session count.
type Snapshot struct {
	VerifiedReceipts       int64 `json:"verifiedReceipts"`
	SettledReceipts        int64 `json:"settledReceipts"`
	SettlementTransactions int64 `json:"settlementTransactions"`
	PendingSessions        int   `json:"pendingSessions"`
}

// MetricsSnapshot reads the current counters.
func (f *DeferredEvmScheme) MetricsSnapshot() Snapshot {
	return Snapshot{
		VerifiedReceipts:       f.metrics.VerifiedReceipts.Load(),
		SettledReceipts:        f.metrics.SettledReceipts.Load(),
		SettlementTransactions: f.metrics.SettlementTransactions.Load(),
		PendingSessions:        len(f.pendingSessions()),
	}
}

// RunAutoSettle settles pending sessions on the configured interval until
// the context is canceled. It is a no-op when AutoSettleInterval is zero.
func (f *DeferredEvmScheme) RunAutoSettle(ctx context.Context, network x402.Network) {
	if f.config.AutoSettleInterval <= 0 {
		return
	}

	ticker := time.NewTicker(f.config.AutoSettleInterval)
	defer ticker.Stop()

	f.logger.Info("auto-settle loop started", "interval", f.config.AutoSettleInterval)
	for {
		select {
		case <-ctx.Done():
			f.logger.Info("auto-settle loop stopped")
			return
		case <-ticker.C:
			f.settlePending(ctx, network)
		}
	}
}

// settlePending walks the pending set in insertion order, settling one
// batch per session. Failures are logged and the session stays pending.
func (f *DeferredEvmScheme) settlePending(ctx context.Context, network x402.Network) {
	for _, sessionID := range f.pendingSessions() {
		if ctx.Err() != nil {
			return
		}
		resp, err := f.settleSessionByID(ctx, sessionID, network)
		if err != nil {
			f.logger.Error("auto-settle failed", "sessionId", sessionID, "error", err)
			continue
		}
		if !resp.Success && resp.ErrorReason != x402.ReasonSettlementInProgress {
			f.logger.Warn("auto-settle rejected", "sessionId", sessionID, "reason", resp.ErrorReason)
		}
	}
}
