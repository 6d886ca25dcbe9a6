// Package nonce issues strictly increasing per-signer sequence numbers.
// Allocation is atomic increment-and-read; if the backing store is
// unreachable the allocator fails closed rather than restarting from zero,
// which would enable replay.
package nonce

import (
	"context"

	"github.com/DecentraLabsCom/marketplace-intent/internal/models"
)

type Allocator interface {
	// Next returns the next nonce for signer. Never returns the same value
	// twice for the same signer, even under concurrent callers.
	Next(ctx context.Context, signer models.Address) (uint64, error)
}
