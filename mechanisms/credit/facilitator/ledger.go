package facilitator

import (
	"context"
	"fmt"
	"math/big"
	"sync"
)

// Ledger records credit charges. Charge is idempotent on the charge id:
// repeating an id returns the original transaction without debiting again.
type Ledger interface {
	Charge(ctx context.Context, chargeID, payer, amount string) (transaction string, err error)
}

type charge struct {
	transaction string
	payer       string
	amount      string
}

// MemoryLedger is the synthetic in-memory ledger. It tracks gross debits
// per payer so tests can assert no double-charging.
type MemoryLedger struct {
	mu      sync.Mutex
	charges map[string]charge
	debits  map[string]*big.Int
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		charges: make(map[string]charge),
		debits:  make(map[string]*big.Int),
	}
}

// Charge debits the payer once per charge id.
func (l *MemoryLedger) Charge(ctx context.Context, chargeID, payer, amount string) (string, error) {
	if chargeID == "" {
		return "", fmt.Errorf("charge id is required")
	}
	value, ok := new(big.Int).SetString(amount, 10)
	if !ok || value.Sign() < 0 {
		return "", fmt.Errorf("invalid charge amount: %q", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.charges[chargeID]; ok {
		return existing.transaction, nil
	}

	transaction := "credit-ledger:" + chargeID
	l.charges[chargeID] = charge{transaction: transaction, payer: payer, amount: amount}

	total, ok := l.debits[payer]
	if !ok {
		total = big.NewInt(0)
		l.debits[payer] = total
	}
	total.Add(total, value)
	return transaction, nil
}

// Debited reports the gross amount charged to a payer.
func (l *MemoryLedger) Debited(payer string) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	total, ok := l.debits[payer]
	if !ok {
		return big.NewInt(0)
	}
	return new(big.Int).Set(total)
}
