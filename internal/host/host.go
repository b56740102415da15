// Package host defines the playback host's buffer API that the engine drives.
//
// A MediaSource owns the presentation duration, the end-of-stream state and
// a set of SourceBuffers, one per track. A SourceBuffer accepts one
// asynchronous operation at a time (AppendBuffer or Remove); starting a
// second one while Updating reports true fails with media.ErrInvalidState.
// Every started operation produces exactly one terminal Event on the
// buffer's Events channel: EventUpdateEnd on success, EventError with the
// cause, or EventAbort when Abort interrupted it. Errors are reported there,
// out of band, never from the call that started the operation.
//
// Example usage:
//
//	sb, err := src.AddSourceBuffer(`video/mp2t; codecs="avc1.64001f"`)
//	if err != nil {
//		return err
//	}
//	if err := sb.AppendBuffer(seg); err != nil {
//		return err // rejected synchronously, nothing was started
//	}
//	ev := <-sb.Events()
//	if ev.Kind != host.EventUpdateEnd {
//		return ev.Err
//	}
package host

import "github.com/zsiec/mseq/internal/timerange"

// EventKind classifies a terminal operation event.
type EventKind int

const (
	// EventUpdateEnd reports that the operation completed.
	EventUpdateEnd EventKind = iota
	// EventError reports that the operation failed; Event.Err holds the cause.
	EventError
	// EventAbort reports that Abort interrupted the operation.
	EventAbort
)

func (k EventKind) String() string {
	switch k {
	case EventUpdateEnd:
		return "updateend"
	case EventError:
		return "error"
	case EventAbort:
		return "abort"
	}
	return "unknown"
}

// Event is the single terminal signal of one asynchronous operation.
type Event struct {
	Kind EventKind
	Err  error
}

// ReadyState is the lifecycle state of a MediaSource.
type ReadyState int

const (
	StateOpen ReadyState = iota
	StateEnded
	StateClosed
)

func (s ReadyState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateEnded:
		return "ended"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Mode selects how a SourceBuffer timestamps appended samples.
type Mode int

const (
	// ModeSegments keeps embedded timestamps, shifted by the timestamp offset.
	ModeSegments Mode = iota
	// ModeSequence places each append directly after the previous one.
	ModeSequence
)

// MediaSource is the host media session.
type MediaSource interface {
	// IsTypeSupported reports whether a buffer can be created for the full
	// MIME type, codecs parameter included.
	IsTypeSupported(mimeType string) bool
	// AddSourceBuffer creates a buffer for the type. It fails with
	// media.ErrUnsupportedConfiguration for unsupported types.
	AddSourceBuffer(mimeType string) (SourceBuffer, error)
	// RemoveSourceBuffer detaches sb. An operation in flight on it ends with
	// an EventError wrapping media.ErrTrackClosed.
	RemoveSourceBuffer(sb SourceBuffer) error
	// Duration returns the presentation duration, NaN while unset.
	Duration() float64
	// SetDuration sets the presentation duration, truncating buffered
	// content beyond it. It fails with media.ErrInvalidState while any
	// buffer is updating.
	SetDuration(d float64) error
	// EndOfStream finalizes the duration to the largest buffered end and
	// moves the source to StateEnded. A later append reopens it.
	EndOfStream() error
	ReadyState() ReadyState
	// Close detaches every buffer and moves the source to StateClosed.
	Close() error
}

// SourceBuffer is one track's append-only media buffer.
type SourceBuffer interface {
	// AppendBuffer starts appending data. The slice must not be modified
	// until the terminal event.
	AppendBuffer(data []byte) error
	// Remove starts removing [start, end).
	Remove(start, end float64) error
	// Abort interrupts the operation in flight, if any, and resets the
	// append window and the sequence-mode position.
	Abort() error
	// Buffered returns a snapshot of the buffered ranges.
	Buffered() timerange.Ranges
	SetTimestampOffset(offset float64) error
	SetAppendWindow(start, end float64) error
	SetMode(m Mode) error
	Updating() bool
	// Events delivers terminal events, one per started operation.
	Events() <-chan Event
}
