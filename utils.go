package x402

import "fmt"

// schemeKey identifies one registry entry.
type schemeKey struct {
	scheme  string
	network Network
}

// registry is the shared shape of the client, server and facilitator scheme
// maps. Entries are registered during startup and immutable afterwards;
// lookups take no lock.
type registry[T any] struct {
	entries map[schemeKey]T
	order   []schemeKey
}

func newRegistry[T any]() *registry[T] {
	return &registry[T]{entries: make(map[schemeKey]T)}
}

// add registers an implementation for (scheme, network). Rebinding an
// existing pair is a fatal configuration error.
func (r *registry[T]) add(scheme string, network Network, impl T) {
	key := schemeKey{scheme: scheme, network: network}
	if _, exists := r.entries[key]; exists {
		panic(fmt.Sprintf("x402: scheme %q already registered for network %q", scheme, network))
	}
	r.entries[key] = impl
	r.order = append(r.order, key)
}

// find resolves (scheme, network) to an implementation. Lookup order:
// exact match first, then a family entry whose namespace matches.
func (r *registry[T]) find(scheme string, network Network) (T, bool) {
	if impl, ok := r.entries[schemeKey{scheme: scheme, network: network}]; ok {
		return impl, true
	}
	for _, key := range r.order {
		if key.scheme == scheme && key.network.IsFamily() && network.Match(key.network) {
			return r.entries[key], true
		}
	}
	var zero T
	return zero, false
}

// keys returns the registered pairs in registration order.
func (r *registry[T]) keys() []schemeKey {
	return r.order
}

// ValidatePaymentPayload performs basic structural validation on a payment
// payload before routing.
func ValidatePaymentPayload(p PaymentPayload) error {
	if p.X402Version != X402Version {
		return fmt.Errorf("unsupported x402 version: %d", p.X402Version)
	}
	if p.Accepted.Scheme == "" {
		return fmt.Errorf("payment scheme is required")
	}
	if p.Accepted.Network == "" {
		return fmt.Errorf("payment network is required")
	}
	if p.Payload == nil {
		return fmt.Errorf("payment payload is required")
	}
	return nil
}

// ValidatePaymentRequirements performs basic structural validation on
// payment requirements before routing.
func ValidatePaymentRequirements(r PaymentRequirements) error {
	if r.Scheme == "" {
		return fmt.Errorf("payment scheme is required")
	}
	if r.Network == "" {
		return fmt.Errorf("payment network is required")
	}
	if _, _, err := r.Network.Parse(); err != nil {
		return err
	}
	if r.Asset == "" {
		return fmt.Errorf("payment asset is required")
	}
	if r.Amount == "" {
		return fmt.Errorf("payment amount is required")
	}
	if r.PayTo == "" {
		return fmt.Errorf("payment recipient is required")
	}
	return nil
}
