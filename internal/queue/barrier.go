package queue

import (
	"context"
	"sync"

	"github.com/zsiec/mseq/internal/media"
)

// Barrier joins one entry from each of several queues. Each entry calls
// Arrive from its queue's worker; the last to arrive runs the action while
// every other participating queue is parked in Arrive, so the action sees
// all tracks idle.
type Barrier struct {
	mu      sync.Mutex
	parties int
	arrived int
	fired   bool
	action  func() error
	res     *Result
}

// NewBarrier creates a barrier for parties entries. With no parties the
// action runs immediately.
func NewBarrier(parties int, action func() error) *Barrier {
	b := &Barrier{parties: parties, action: action, res: newResult()}
	if parties <= 0 {
		b.fired = true
		b.res.settle(action())
	}
	return b
}

// Result settles with the action's outcome, or ErrAborted when every
// party left before the action could run.
func (b *Barrier) Result() *Result { return b.res }

// Arrive parks the caller until the action has run. The last arrival runs
// it. Cancelling ctx withdraws a caller that is still waiting.
func (b *Barrier) Arrive(ctx context.Context) error {
	b.mu.Lock()
	if b.fired {
		b.mu.Unlock()
		<-b.res.done
		return b.res.err
	}
	b.arrived++
	if b.arrived == b.parties {
		b.fired = true
		b.mu.Unlock()
		b.res.settle(b.action())
		return b.res.err
	}
	b.mu.Unlock()

	select {
	case <-b.res.done:
		return b.res.err
	case <-ctx.Done():
	}

	b.mu.Lock()
	if b.fired {
		b.mu.Unlock()
		<-b.res.done
		return b.res.err
	}
	b.arrived--
	b.depart()
	return media.ErrAborted
}

// leave removes a party whose entry was rejected before it ran.
func (b *Barrier) leave() {
	b.mu.Lock()
	if b.fired {
		b.mu.Unlock()
		return
	}
	b.depart()
}

// depart drops one party. When nobody is left the barrier fails; when
// everyone left is already waiting, the action runs on their behalf. Called
// with b.mu held; releases it.
func (b *Barrier) depart() {
	b.parties--
	switch {
	case b.parties == 0:
		b.fired = true
		b.mu.Unlock()
		b.res.settle(media.ErrAborted)
	case b.arrived == b.parties:
		b.fired = true
		b.mu.Unlock()
		b.res.settle(b.action())
	default:
		b.mu.Unlock()
	}
}
