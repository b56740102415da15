// Package queue serializes the operations submitted against one track.
//
// A Queue runs one worker goroutine. Entries run strictly in submission
// order and each settles before the next starts, so a caller that submits
// several entries without waiting observes them settle in submission order.
// A failed entry settles with an *OpError and the queue moves on, except for
// failures wrapping media.ErrTrackClosed, which close the queue.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/zsiec/mseq/internal/media"
)

// Handler executes one entry against the track's host buffer. ctx is
// cancelled when the queue is aborted or closed while the entry runs.
type Handler func(ctx context.Context, op *Op) error

type entry struct {
	op     *Op
	res    *Result
	reject error
}

// Queue is one track's FIFO of operations.
type Queue struct {
	track   media.ContentType
	handler Handler
	log     *slog.Logger

	mu       sync.Mutex
	pending  []*entry
	running  bool
	cancel   context.CancelFunc
	closeErr error

	wake chan struct{}
	done chan struct{}
}

// New starts a queue whose entries run through handler.
func New(track media.ContentType, handler Handler, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	q := &Queue{
		track:   track,
		handler: handler,
		log:     log.With("component", "queue", "track", string(track)),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go q.loop()
	return q
}

// Track returns the content type the queue serves.
func (q *Queue) Track() media.ContentType { return q.track }

// Enqueue appends op at the tail. On a closed queue the returned Result is
// already failed with the reason the queue closed.
func (q *Queue) Enqueue(op *Op) *Result {
	q.mu.Lock()
	if err := q.closeErr; err != nil {
		q.mu.Unlock()
		if op.Barrier != nil {
			op.Barrier.leave()
		}
		return Failed(q.wrap(op, err))
	}
	e := &entry{op: op, res: newResult()}
	q.pending = append(q.pending, e)
	q.signal()
	q.mu.Unlock()
	return e.res
}

// Abort cancels the entry in flight, rejects every pending entry with
// media.ErrAborted without running it, and then runs an OpAbort entry.
func (q *Queue) Abort() *Result {
	q.mu.Lock()
	defer q.mu.Unlock()
	op := &Op{Kind: OpAbort}
	if q.closeErr != nil {
		return Failed(q.wrap(op, q.closeErr))
	}
	n := q.rejectPending(media.ErrAborted)
	if q.cancel != nil {
		q.cancel()
	}
	q.log.Debug("abort", "rejected", n, "in_flight", q.running)

	e := &entry{op: op, res: newResult()}
	q.pending = append(q.pending, e)
	q.signal()
	return e.res
}

// Close rejects every unsettled entry with err, cancels the entry in flight
// and waits for the worker to exit or ctx to end. Later Enqueues fail with
// err. Closing twice keeps the first error.
func (q *Queue) Close(ctx context.Context, err error) error {
	q.mu.Lock()
	if q.closeErr == nil {
		q.shutdown(err)
	}
	q.mu.Unlock()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of unsettled entries, the running one included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.pending)
	if q.running {
		n++
	}
	return n
}

// shutdown is called with q.mu held.
func (q *Queue) shutdown(err error) {
	q.closeErr = err
	q.rejectPending(err)
	if q.cancel != nil {
		q.cancel()
	}
	q.signal()
}

// rejectPending marks pending entries; the worker settles them in order.
func (q *Queue) rejectPending(err error) int {
	n := 0
	for _, e := range q.pending {
		if e.reject == nil {
			e.reject = err
			n++
		}
	}
	return n
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) loop() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.pending) == 0 {
			if q.closeErr != nil {
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
			<-q.wake
			q.mu.Lock()
		}
		e := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]

		if e.reject != nil {
			q.mu.Unlock()
			if e.op.Barrier != nil {
				e.op.Barrier.leave()
			}
			e.res.settle(q.wrap(e.op, e.reject))
			continue
		}

		ctx, cancel := context.WithCancel(context.Background())
		q.cancel = cancel
		q.running = true
		q.mu.Unlock()

		err := q.handler(ctx, e.op)
		cancel()

		q.mu.Lock()
		q.cancel = nil
		q.running = false
		if err != nil && errors.Is(err, media.ErrTrackClosed) && q.closeErr == nil {
			q.log.Warn("track closed, rejecting pending entries", "op", e.op.Kind.String(), "pending", len(q.pending))
			q.shutdown(media.ErrTrackClosed)
		}
		q.mu.Unlock()

		if err != nil {
			err = q.wrap(e.op, err)
			q.log.Debug("entry failed", "op", e.op.Kind.String(), "error", err)
		}
		e.res.settle(err)
	}
}

func (q *Queue) wrap(op *Op, err error) error {
	var oe *OpError
	if errors.As(err, &oe) {
		return err
	}
	return &OpError{Track: q.track, Op: op.Kind, Err: err}
}
