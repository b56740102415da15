package queue

import (
	"fmt"

	"github.com/zsiec/mseq/internal/media"
)

// Kind is the closed set of operations a track queue runs.
type Kind int

const (
	OpAppend Kind = iota
	OpRemove
	OpTimestampOffset
	OpAppendWindow
	OpStreamProperties
	OpDuration
	OpEndOfStream
	OpAbort
)

func (k Kind) String() string {
	switch k {
	case OpAppend:
		return "append"
	case OpRemove:
		return "remove"
	case OpTimestampOffset:
		return "timestamp-offset"
	case OpAppendWindow:
		return "append-window"
	case OpStreamProperties:
		return "stream-properties"
	case OpDuration:
		return "duration"
	case OpEndOfStream:
		return "end-of-stream"
	case OpAbort:
		return "abort"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Op is one queue entry. Which operands are meaningful depends on Kind:
// Segment for OpAppend, Start/End for OpRemove and OpAppendWindow, Offset
// for OpTimestampOffset, Properties for OpStreamProperties, Duration and
// Barrier for OpDuration, Barrier for OpEndOfStream.
type Op struct {
	Kind       Kind
	Segment    media.Segment
	Start      float64
	End        float64
	Offset     float64
	Properties media.StreamProperties
	Duration   float64
	Barrier    *Barrier
}

// OpError reports the failure of one queue entry.
type OpError struct {
	Track media.ContentType
	Op    Kind
	Err   error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Track, e.Op, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }
