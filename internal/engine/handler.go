package engine

import (
	"context"
	"fmt"
	"math"

	"github.com/zsiec/mseq/internal/captions"
	"github.com/zsiec/mseq/internal/media"
	"github.com/zsiec/mseq/internal/queue"
)

// handler runs tr's queue entries. Every kind is handled here; an unknown
// kind is a programming error reported as a failed entry.
func (e *Engine) handler(tr *track) queue.Handler {
	return func(ctx context.Context, op *queue.Op) error {
		switch op.Kind {
		case queue.OpAppend:
			return e.append(ctx, tr, op.Segment)
		case queue.OpRemove:
			return e.remove(ctx, tr, op.Start, op.End)
		case queue.OpTimestampOffset:
			if err := tr.handle.SetTimestampOffset(op.Offset); err != nil {
				return err
			}
			tr.props.TimestampOffset = op.Offset
			return nil
		case queue.OpAppendWindow:
			if err := tr.handle.SetAppendWindow(op.Start, op.End); err != nil {
				return err
			}
			tr.props.AppendWindowStart, tr.props.AppendWindowEnd = op.Start, op.End
			return nil
		case queue.OpStreamProperties:
			if err := tr.handle.SetProperties(op.Properties); err != nil {
				return err
			}
			tr.props = op.Properties
			return nil
		case queue.OpDuration, queue.OpEndOfStream:
			return op.Barrier.Arrive(ctx)
		case queue.OpAbort:
			if err := tr.handle.Abort(); err != nil {
				return err
			}
			// The host resets the window on abort; the track's window still
			// applies to later appends.
			return tr.handle.SetAppendWindow(tr.props.AppendWindowStart, tr.props.AppendWindowEnd)
		}
		return fmt.Errorf("%w: unhandled op %s", media.ErrInvalidState, op.Kind)
	}
}

func (e *Engine) append(ctx context.Context, tr *track, seg media.Segment) error {
	if e.Ended() {
		return media.ErrStreamEnded
	}
	if seg.HasClosedCaptions && tr.captions != nil {
		e.extract(ctx, tr, seg)
	}
	data := seg.Data
	if tr.transmux {
		out, err := e.tx.Transmux(ctx, tr.typ, data)
		if err != nil {
			return fmt.Errorf("%w: transmux: %v", media.ErrDecode, err)
		}
		data = out
	}
	return tr.handle.Append(ctx, data)
}

// extract runs caption extraction over the raw segment. Failures are logged
// and never fail the append.
func (e *Engine) extract(ctx context.Context, tr *track, seg media.Segment) {
	timing := captions.Timing{Offset: tr.props.TimestampOffset, Window: seg.Timing}
	n, err := tr.captions.Extract(ctx, seg.Data, timing)
	if err != nil {
		e.log.Warn("caption extraction failed", "error", err)
		return
	}
	if n > 0 {
		e.log.Debug("captions forwarded", "cues", n)
	}
}

func (e *Engine) remove(ctx context.Context, tr *track, start, end float64) error {
	if math.IsNaN(start) || math.IsNaN(end) || start >= end {
		return fmt.Errorf("%w: remove [%v, %v)", media.ErrInvalidState, start, end)
	}
	clipped := tr.handle.Buffered().Intersect(start, end)
	from, ok := clipped.Start()
	if !ok {
		return nil
	}
	to, _ := clipped.End()
	return tr.handle.Remove(ctx, from, to)
}
