package queue

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zsiec/mseq/internal/media"
)

func wait(t *testing.T, r *Result) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := r.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("result did not settle")
	}
	return err
}

func closeQueue(t *testing.T, q *Queue) {
	t.Cleanup(func() { _ = q.Close(context.Background(), media.ErrEngineDestroyed) })
}

func TestOneEntryInFlight(t *testing.T) {
	t.Parallel()

	var inFlight atomic.Int32
	q := New(media.Video, func(ctx context.Context, op *Op) error {
		if inFlight.Add(1) != 1 {
			t.Error("two entries in flight")
		}
		defer inFlight.Add(-1)
		// Later entries finish faster; they must still wait their turn.
		time.Sleep(time.Duration(20-int(op.Offset)) * time.Millisecond)
		return nil
	}, nil)
	closeQueue(t, q)

	results := make([]*Result, 20)
	for i := range results {
		results[i] = q.Enqueue(&Op{Kind: OpTimestampOffset, Offset: float64(i)})
	}
	for i, r := range results {
		if err := wait(t, r); err != nil {
			t.Errorf("entry %d: %v", i, err)
		}
	}
}

func TestSettlementIndexSequence(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var settled []int
	var results []*Result
	q := New(media.Audio, func(ctx context.Context, op *Op) error {
		// Entry i runs only after entry i-1 settled.
		i := int(op.Offset)
		if i > 0 {
			mu.Lock()
			prev := results[i-1]
			mu.Unlock()
			select {
			case <-prev.Done():
			default:
				t.Errorf("entry %d started before %d settled", i, i-1)
			}
		}
		mu.Lock()
		settled = append(settled, i)
		mu.Unlock()
		return nil
	}, nil)
	closeQueue(t, q)

	mu.Lock()
	for i := range 10 {
		results = append(results, q.Enqueue(&Op{Kind: OpAppend, Offset: float64(i)}))
	}
	mu.Unlock()
	for _, r := range results {
		wait(t, r)
	}
	for i, got := range settled {
		if got != i {
			t.Fatalf("sequence: got %v, want 0..9", settled)
		}
	}
}

func TestFailureDoesNotPoisonQueue(t *testing.T) {
	t.Parallel()

	q := New(media.Video, func(ctx context.Context, op *Op) error {
		if op.Kind == OpRemove {
			return media.ErrQuotaExceeded
		}
		return nil
	}, nil)
	closeQueue(t, q)

	r1 := q.Enqueue(&Op{Kind: OpAppend})
	r2 := q.Enqueue(&Op{Kind: OpRemove})
	r3 := q.Enqueue(&Op{Kind: OpAppend})

	if err := wait(t, r1); err != nil {
		t.Errorf("r1: %v", err)
	}
	err := wait(t, r2)
	var oe *OpError
	if !errors.As(err, &oe) {
		t.Fatalf("r2: got %T %v, want *OpError", err, err)
	}
	if oe.Track != media.Video || oe.Op != OpRemove {
		t.Errorf("OpError: got %s %s, want video remove", oe.Track, oe.Op)
	}
	if !errors.Is(err, media.ErrQuotaExceeded) {
		t.Errorf("r2: got %v, want ErrQuotaExceeded", err)
	}
	if err := wait(t, r3); err != nil {
		t.Errorf("r3: %v", err)
	}
}

func TestTrackClosedIsFatal(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var calls atomic.Int32
	q := New(media.Video, func(ctx context.Context, op *Op) error {
		calls.Add(1)
		<-release
		return media.ErrTrackClosed
	}, nil)
	closeQueue(t, q)

	r1 := q.Enqueue(&Op{Kind: OpAppend})
	r2 := q.Enqueue(&Op{Kind: OpAppend})
	r3 := q.Enqueue(&Op{Kind: OpRemove})
	close(release)

	for i, r := range []*Result{r1, r2, r3} {
		if err := wait(t, r); !errors.Is(err, media.ErrTrackClosed) {
			t.Errorf("r%d: got %v, want ErrTrackClosed", i+1, err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("handler calls: got %d, want 1", got)
	}
	if err := wait(t, q.Enqueue(&Op{Kind: OpAppend})); !errors.Is(err, media.ErrTrackClosed) {
		t.Errorf("enqueue after close: got %v, want ErrTrackClosed", err)
	}
}

func TestAbortCancelsInFlightAndRejectsPending(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	var mu sync.Mutex
	var ran []Kind
	q := New(media.Video, func(ctx context.Context, op *Op) error {
		mu.Lock()
		ran = append(ran, op.Kind)
		mu.Unlock()
		if op.Kind == OpAppend {
			close(started)
			<-ctx.Done()
			return media.ErrAborted
		}
		return nil
	}, nil)
	closeQueue(t, q)

	inflight := q.Enqueue(&Op{Kind: OpAppend})
	<-started
	pending1 := q.Enqueue(&Op{Kind: OpRemove})
	pending2 := q.Enqueue(&Op{Kind: OpTimestampOffset})
	abort := q.Abort()

	for name, r := range map[string]*Result{"in-flight": inflight, "pending1": pending1, "pending2": pending2} {
		if err := wait(t, r); !errors.Is(err, media.ErrAborted) {
			t.Errorf("%s: got %v, want ErrAborted", name, err)
		}
	}
	if err := wait(t, abort); err != nil {
		t.Errorf("abort: %v", err)
	}

	seen := func() []Kind {
		mu.Lock()
		defer mu.Unlock()
		return slices.Clone(ran)
	}
	if got := seen(); !slices.Equal(got, []Kind{OpAppend, OpAbort}) {
		t.Errorf("handler saw %v, want [append abort]", got)
	}

	if err := wait(t, q.Enqueue(&Op{Kind: OpRemove})); err != nil {
		t.Errorf("entry after abort: %v", err)
	}
	if got := seen(); !slices.Equal(got, []Kind{OpAppend, OpAbort, OpRemove}) {
		t.Errorf("handler saw %v, want [append abort remove]", got)
	}
}

func TestCloseRejectsEverything(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	q := New(media.Audio, func(ctx context.Context, op *Op) error {
		close(started)
		<-ctx.Done()
		return media.ErrAborted
	}, nil)

	r1 := q.Enqueue(&Op{Kind: OpAppend})
	<-started
	r2 := q.Enqueue(&Op{Kind: OpAppend})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Close(ctx, media.ErrEngineDestroyed); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := wait(t, r1); !errors.Is(err, media.ErrAborted) {
		t.Errorf("in flight: got %v, want ErrAborted", err)
	}
	if err := wait(t, r2); !errors.Is(err, media.ErrEngineDestroyed) {
		t.Errorf("pending: got %v, want ErrEngineDestroyed", err)
	}
	if err := wait(t, q.Enqueue(&Op{Kind: OpAppend})); !errors.Is(err, media.ErrEngineDestroyed) {
		t.Errorf("after close: got %v, want ErrEngineDestroyed", err)
	}
	if err := wait(t, q.Abort()); !errors.Is(err, media.ErrEngineDestroyed) {
		t.Errorf("abort after close: got %v, want ErrEngineDestroyed", err)
	}
	if q.Len() != 0 {
		t.Errorf("Len: got %d, want 0", q.Len())
	}
}

func TestResultHelpers(t *testing.T) {
	t.Parallel()

	if err := Succeeded().Err(); err != nil {
		t.Errorf("Succeeded: %v", err)
	}
	if err := Failed(media.ErrDecode).Err(); !errors.Is(err, media.ErrDecode) {
		t.Errorf("Failed: got %v", err)
	}
	r := newResult()
	if r.Err() != nil {
		t.Error("unsettled result reported an error")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait: got %v, want context.Canceled", err)
	}
	r.settle(media.ErrAborted)
	r.settle(nil)
	if !errors.Is(r.Err(), media.ErrAborted) {
		t.Error("second settle overwrote the first")
	}
}
