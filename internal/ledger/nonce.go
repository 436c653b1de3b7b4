package ledger

import (
	"context"
	"sync"
)

// NonceManager hands out strictly increasing account nonces. Submit holds the
// manager lock from nonce assignment until the node has accepted or refused
// the transaction, so racing operations can never share a nonce.
type NonceManager struct {
	mu     sync.Mutex
	source func(ctx context.Context) (uint64, error)
	next   uint64
	synced bool
}

// NewNonceManager builds a manager that syncs from source, typically the
// account's pending nonce on the node.
func NewNonceManager(source func(ctx context.Context) (uint64, error)) *NonceManager {
	return &NonceManager{source: source}
}

// Submit calls send with the next nonce. The nonce is consumed only when send
// succeeds; any failure forces a resync before the next submission.
func (n *NonceManager) Submit(ctx context.Context, send func(nonce uint64) error) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.synced {
		pending, err := n.source(ctx)
		if err != nil {
			return err
		}
		if pending > n.next {
			n.next = pending
		}
		n.synced = true
	}

	if err := send(n.next); err != nil {
		n.synced = false
		return err
	}
	n.next++
	return nil
}
