// Package trackbuf wraps one host SourceBuffer as a blocking handle: each
// call starts a single host operation and returns when its terminal event
// arrives, translating the event into an error.
package trackbuf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/zsiec/mseq/internal/host"
	"github.com/zsiec/mseq/internal/media"
	"github.com/zsiec/mseq/internal/timerange"
)

// Handle is one track's host buffer. Append and Remove must not be called
// concurrently; the track's queue guarantees that.
type Handle struct {
	track media.ContentType
	src   host.MediaSource
	sb    host.SourceBuffer
	log   *slog.Logger

	// Last mode and offset sent to the host.
	sequence bool
	offset   float64
}

// Open creates the host buffer for info on src.
func Open(src host.MediaSource, track media.ContentType, info media.StreamInfo, log *slog.Logger) (*Handle, error) {
	if log == nil {
		log = slog.Default()
	}
	sb, err := src.AddSourceBuffer(info.FullType())
	if err != nil {
		return nil, fmt.Errorf("trackbuf: add %s buffer: %w", track, err)
	}
	return &Handle{
		track: track,
		src:   src,
		sb:    sb,
		log:   log.With("component", "trackbuf", "track", string(track)),
	}, nil
}

// Track returns the content type the handle serves.
func (h *Handle) Track() media.ContentType { return h.track }

// Append buffers data and waits for the host to finish. Cancelling ctx
// aborts the host operation; the call still waits for the abort event and
// then returns media.ErrAborted.
func (h *Handle) Append(ctx context.Context, data []byte) error {
	return h.do(ctx, "append", func() error { return h.sb.AppendBuffer(data) })
}

// Remove deletes [start, end) and waits for the host to finish.
func (h *Handle) Remove(ctx context.Context, start, end float64) error {
	return h.do(ctx, "remove", func() error { return h.sb.Remove(start, end) })
}

func (h *Handle) do(ctx context.Context, name string, start func() error) error {
	if err := ctx.Err(); err != nil {
		return media.ErrAborted
	}
	if err := start(); err != nil {
		return classify(err)
	}

	select {
	case ev := <-h.sb.Events():
		return h.settle(name, ev)
	case <-ctx.Done():
	}

	if err := h.sb.Abort(); err != nil && !errors.Is(err, media.ErrTrackClosed) {
		h.log.Warn("host abort failed", "op", name, "error", err)
	}
	// The operation may have finished before the abort reached it; the
	// terminal event says which.
	ev := <-h.sb.Events()
	if err := h.settle(name, ev); err != nil {
		return err
	}
	return media.ErrAborted
}

func (h *Handle) settle(name string, ev host.Event) error {
	switch ev.Kind {
	case host.EventUpdateEnd:
		return nil
	case host.EventAbort:
		return media.ErrAborted
	default:
		err := classify(ev.Err)
		h.log.Debug("host operation failed", "op", name, "error", err)
		return err
	}
}

// classify maps host failures onto the error kinds callers match. Anything
// the host does not classify is treated as a decode failure.
func classify(err error) error {
	switch {
	case err == nil:
		return fmt.Errorf("%w: host reported an error without a cause", media.ErrDecode)
	case errors.Is(err, media.ErrQuotaExceeded),
		errors.Is(err, media.ErrDecode),
		errors.Is(err, media.ErrTrackClosed),
		errors.Is(err, media.ErrInvalidState),
		errors.Is(err, media.ErrInvalidWindow),
		errors.Is(err, media.ErrAborted):
		return err
	}
	return fmt.Errorf("%w: %v", media.ErrDecode, err)
}

// Abort interrupts whatever the host is doing on this buffer.
func (h *Handle) Abort() error {
	if err := h.sb.Abort(); err != nil {
		return classify(err)
	}
	return nil
}

// SetProperties applies all stream properties before the next append.
// In sequence mode an unchanged offset is not re-sent: the host would
// anchor the next append there instead of after the previous one.
func (h *Handle) SetProperties(p media.StreamProperties) error {
	if err := p.Validate(); err != nil {
		return err
	}
	mode := host.ModeSegments
	if p.SequenceMode {
		mode = host.ModeSequence
	}
	if err := h.sb.SetMode(mode); err != nil {
		return classify(err)
	}
	wasSequence := h.sequence
	h.sequence = p.SequenceMode
	if err := h.SetAppendWindow(p.AppendWindowStart, p.AppendWindowEnd); err != nil {
		return err
	}
	if p.SequenceMode && wasSequence && p.TimestampOffset == h.offset {
		return nil
	}
	return h.SetTimestampOffset(p.TimestampOffset)
}

// SetTimestampOffset sets the offset for the next append. In sequence mode
// the next append starts at offset.
func (h *Handle) SetTimestampOffset(offset float64) error {
	if err := h.sb.SetTimestampOffset(offset); err != nil {
		return classify(err)
	}
	h.offset = offset
	return nil
}

// SetAppendWindow sets the window for the next append.
func (h *Handle) SetAppendWindow(start, end float64) error {
	if err := media.ValidateWindow(start, end); err != nil {
		return err
	}
	if err := h.sb.SetAppendWindow(start, end); err != nil {
		return classify(err)
	}
	return nil
}

// Buffered returns the host's buffered ranges.
func (h *Handle) Buffered() timerange.Ranges { return h.sb.Buffered() }

// Release detaches the host buffer. It is safe to call more than once.
func (h *Handle) Release() error {
	err := h.src.RemoveSourceBuffer(h.sb)
	if err != nil && !errors.Is(err, media.ErrTrackClosed) {
		return err
	}
	return nil
}
