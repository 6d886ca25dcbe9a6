// Package poller tracks an intent's execution on the backend until it
// reaches a terminal state, with bounded exponential backoff and
// cooperative cancellation.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/DecentraLabsCom/marketplace-intent/internal/backend"
	"github.com/DecentraLabsCom/marketplace-intent/internal/models"
)

var (
	// ErrTimeout means the overall deadline lapsed without a terminal
	// status. Distinct from failure: the caller may re-attempt with a
	// fresh intent.
	ErrTimeout = errors.New("poller: timed out waiting for terminal status")

	// ErrCancelled means the caller's context aborted the loop.
	ErrCancelled = errors.New("poller: cancelled")
)

// StatusClient is the slice of the backend client the poller needs.
type StatusClient interface {
	GetStatus(ctx context.Context, requestID models.Hash32) (*backend.StatusSnapshot, error)
}

type Options struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	MaxDuration  time.Duration

	// OnUpdate receives every successful snapshot, best-effort: errors or
	// panics in the callback never affect the loop.
	OnUpdate func(*backend.StatusSnapshot)
}

func (o *Options) applyDefaults() {
	if o.InitialDelay <= 0 {
		o.InitialDelay = 5 * time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.Factor <= 1 {
		o.Factor = 1.5
	}
	if o.MaxDuration <= 0 {
		o.MaxDuration = 10 * time.Minute
	}
}

type Poller struct {
	client StatusClient
}

func New(client StatusClient) *Poller {
	return &Poller{client: client}
}

// Poll requests the status until it is terminal. Transport errors are
// logged and retried inside the loop; the overall deadline and the caller's
// context are the only ways out short of a terminal status.
func (p *Poller) Poll(ctx context.Context, requestID models.Hash32, opts Options) (*backend.StatusSnapshot, error) {
	opts.applyDefaults()

	deadline := time.Now().Add(opts.MaxDuration)
	delay := opts.InitialDelay

	for {
		// Cancellation is checked at the top of every iteration and the
		// context also aborts the in-flight request below.
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		if time.Now().After(deadline) {
			return nil, ErrTimeout
		}

		snap, err := p.client.GetStatus(ctx, requestID)
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, fmt.Errorf("%w: %v", ErrCancelled, err)
		case err != nil:
			// Transient backend unavailability must not abort the loop
			// before the overall timeout.
			slog.Warn("intent status request failed", "requestId", requestID.Hex(), "error", err)
		default:
			notify(opts.OnUpdate, snap)
			if snap.Terminal() {
				return snap, nil
			}
		}

		if time.Now().Add(delay).After(deadline) {
			return nil, ErrTimeout
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * opts.Factor)
		if delay > opts.MaxDelay {
			delay = opts.MaxDelay
		}
	}
}

func notify(onUpdate func(*backend.StatusSnapshot), snap *backend.StatusSnapshot) {
	if onUpdate == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("status update callback panicked", "panic", r)
		}
	}()
	onUpdate(snap)
}
