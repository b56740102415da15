// Package media defines the core types shared by the buffering layers: the
// content types a track can carry, the segments appended to them, and the
// per-track stream properties applied by the host on the next append.
package media

import (
	"math"
	"strings"

	"github.com/zsiec/mseq/internal/timerange"
)

// ContentType identifies which track buffer an operation targets.
type ContentType string

// Supported content types, in the order the engine walks its tracks.
const (
	Video ContentType = "video"
	Audio ContentType = "audio"
	Text  ContentType = "text"
)

// ContentTypes lists every content type in canonical order.
var ContentTypes = []ContentType{Video, Audio, Text}

// Valid reports whether t is one of the known content types.
func (t ContentType) Valid() bool {
	return t == Video || t == Audio || t == Text
}

func (t ContentType) String() string { return string(t) }

// Segment is one init or media chunk handed to an append. Timing, when set,
// is the advisory [start, end) the producer declared for the segment; it is
// used for caption correlation only and never constrains what the host keeps.
type Segment struct {
	Data              []byte
	Timing            *timerange.Range
	HasClosedCaptions bool
}

// StreamInfo describes the stream a track is initialized with.
type StreamInfo struct {
	MimeType string
	Codecs   string
}

// FullType returns the MIME type with its codecs parameter, the form hosts
// expect in IsTypeSupported and AddSourceBuffer.
func (s StreamInfo) FullType() string {
	if s.Codecs == "" {
		return s.MimeType
	}
	return s.MimeType + `; codecs="` + s.Codecs + `"`
}

// BaseType returns the MIME type without parameters, lower-cased.
func BaseType(mime string) string {
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return strings.ToLower(strings.TrimSpace(mime))
}

// StreamProperties are the ambient per-track settings the host consults on
// the next append. They never rewrite content that is already buffered.
type StreamProperties struct {
	TimestampOffset   float64
	AppendWindowStart float64
	AppendWindowEnd   float64
	SequenceMode      bool
}

// DefaultStreamProperties returns offset 0, an unbounded window and
// segments mode.
func DefaultStreamProperties() StreamProperties {
	return StreamProperties{AppendWindowEnd: math.Inf(1)}
}

// Validate checks the append window ordering.
func (p StreamProperties) Validate() error {
	return ValidateWindow(p.AppendWindowStart, p.AppendWindowEnd)
}

// ValidateWindow rejects windows whose start lies after their end or that
// contain NaN bounds.
func ValidateWindow(start, end float64) error {
	if math.IsNaN(start) || math.IsNaN(end) || start > end {
		return ErrInvalidWindow
	}
	return nil
}
