// Package memory is an in-process host that implements the host buffer API
// over MPEG-TS segments. It parses each append, maps sample timestamps
// through the buffer's timestamp offset or sequence position, trims them to
// the append window and records what survives as buffered ranges. Sample
// payloads are not retained; only their timing and size are.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zsiec/mseq/internal/host"
	"github.com/zsiec/mseq/internal/media"
	"github.com/zsiec/mseq/internal/mpegts"
	"github.com/zsiec/mseq/internal/timerange"
)

// Config controls a Source.
type Config struct {
	// SupportedTypes lists the base MIME types buffers can be created for.
	// Empty means video/mp2t and audio/mp2t.
	SupportedTypes []string
	// QuotaBytes caps the payload bytes one buffer may hold. Zero is
	// unlimited.
	QuotaBytes int
	// Latency delays every asynchronous operation, keeping it in flight
	// long enough to be observed or aborted.
	Latency time.Duration
	Logger  *slog.Logger
}

var defaultTypes = []string{"video/mp2t", "audio/mp2t"}

// Source is an in-memory host.MediaSource.
type Source struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	buffers  []*Buffer
	duration float64
	state    host.ReadyState
}

var _ host.MediaSource = (*Source)(nil)

// New creates an open source with an unset duration.
func New(cfg Config) *Source {
	if len(cfg.SupportedTypes) == 0 {
		cfg.SupportedTypes = defaultTypes
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Source{
		cfg:      cfg,
		log:      log.With("component", "memory-host"),
		duration: math.NaN(),
		state:    host.StateOpen,
	}
}

// IsTypeSupported reports whether the base type is configured.
func (s *Source) IsTypeSupported(mimeType string) bool {
	return slices.Contains(s.cfg.SupportedTypes, media.BaseType(mimeType))
}

// AddSourceBuffer creates a buffer. The buffer's track kind comes from the
// MIME type's top-level type and selects which elementary stream it reads.
func (s *Source) AddSourceBuffer(mimeType string) (host.SourceBuffer, error) {
	if !s.IsTypeSupported(mimeType) {
		return nil, fmt.Errorf("%w: %q", media.ErrUnsupportedConfiguration, mimeType)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == host.StateClosed {
		return nil, fmt.Errorf("%w: source closed", media.ErrInvalidState)
	}

	kind, _, _ := strings.Cut(media.BaseType(mimeType), "/")
	b := &Buffer{
		src:      s,
		kind:     kind,
		mime:     mimeType,
		progs:    mpegts.NewPrograms(),
		winEnd:   math.Inf(1),
		events:   make(chan host.Event, 4),
		lastStep: math.NaN(),
	}
	s.buffers = append(s.buffers, b)
	s.log.Debug("source buffer added", "type", mimeType)
	return b, nil
}

// RemoveSourceBuffer detaches sb; an operation in flight fails with
// media.ErrTrackClosed.
func (s *Source) RemoveSourceBuffer(sb host.SourceBuffer) error {
	b, ok := sb.(*Buffer)
	if !ok {
		return fmt.Errorf("%w: foreign source buffer", media.ErrInvalidState)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i := slices.Index(s.buffers, b)
	if i < 0 {
		return fmt.Errorf("%w: source buffer not attached", media.ErrTrackClosed)
	}
	s.buffers = slices.Delete(s.buffers, i, i+1)
	b.detach()
	s.log.Debug("source buffer removed", "type", b.mime)
	return nil
}

// Duration returns the presentation duration.
func (s *Source) Duration() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duration
}

// SetDuration changes the duration and truncates every buffer beyond it.
func (s *Source) SetDuration(d float64) error {
	if math.IsNaN(d) || d < 0 {
		return fmt.Errorf("%w: duration %v", media.ErrInvalidState, d)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != host.StateOpen {
		return fmt.Errorf("%w: source is %s", media.ErrInvalidState, s.state)
	}
	if s.updatingLocked() {
		return fmt.Errorf("%w: buffer updating", media.ErrInvalidState)
	}
	for _, b := range s.buffers {
		if end, ok := b.ranges.End(); ok && end > d {
			b.cut(d, math.Inf(1))
			s.log.Debug("truncated on duration change", "type", b.mime, "duration", d, "was", end)
		}
	}
	s.duration = d
	return nil
}

// EndOfStream sets the duration to the largest buffered end and ends the
// source.
func (s *Source) EndOfStream() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == host.StateClosed {
		return fmt.Errorf("%w: source closed", media.ErrInvalidState)
	}
	if s.updatingLocked() {
		return fmt.Errorf("%w: buffer updating", media.ErrInvalidState)
	}
	var end float64
	var found bool
	for _, b := range s.buffers {
		if e, ok := b.ranges.End(); ok {
			end = math.Max(end, e)
			found = true
		}
	}
	if found {
		s.duration = end
	}
	s.state = host.StateEnded
	return nil
}

// SetLatency changes the delay applied to operations started afterwards.
func (s *Source) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Latency = d
}

// ReadyState returns the source state.
func (s *Source) ReadyState() host.ReadyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close detaches every buffer.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.buffers {
		b.detach()
	}
	s.buffers = nil
	s.state = host.StateClosed
	return nil
}

func (s *Source) updatingLocked() bool {
	for _, b := range s.buffers {
		if b.op != nil {
			return true
		}
	}
	return false
}

// reopen moves an ended source back to open, as an append or remove does.
func (s *Source) reopen() {
	if s.state == host.StateEnded {
		s.state = host.StateOpen
	}
}

// extend grows the duration to cover end.
func (s *Source) extend(end float64) {
	if math.IsNaN(s.duration) || end > s.duration {
		s.duration = end
	}
}

// sample is one buffered access unit or audio frame.
type sample struct {
	start, end float64
	size       int
}

// operation is the one asynchronous operation a buffer may run.
type operation struct {
	abort chan struct{}
}

// Buffer is an in-memory host.SourceBuffer. All state is guarded by the
// owning Source's mutex.
type Buffer struct {
	src   *Source
	kind  string
	mime  string
	progs *mpegts.Programs

	samples []sample
	ranges  timerange.Ranges
	bytes   int

	offset   float64
	winStart float64
	winEnd   float64
	mode     host.Mode
	// groupEnd is where the next sequence-mode append lands unless an
	// explicit offset was set since the last mode switch.
	groupEnd      float64
	explicitStart *float64
	lastStep      float64

	op       *operation
	detached bool
	events   chan host.Event
}

var _ host.SourceBuffer = (*Buffer)(nil)

// AppendBuffer starts parsing and buffering data.
func (b *Buffer) AppendBuffer(data []byte) error {
	return b.start(func() error { return b.append(data) })
}

// Remove starts removing [start, end).
func (b *Buffer) Remove(start, end float64) error {
	if math.IsNaN(start) || math.IsNaN(end) || start < 0 || end <= start {
		return fmt.Errorf("%w: remove [%v, %v)", media.ErrInvalidState, start, end)
	}
	return b.start(func() error {
		b.cut(start, end)
		return nil
	})
}

func (b *Buffer) start(run func() error) error {
	s := b.src
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.detached {
		return media.ErrTrackClosed
	}
	if b.op != nil {
		return fmt.Errorf("%w: operation in flight", media.ErrInvalidState)
	}
	s.reopen()
	op := &operation{abort: make(chan struct{})}
	b.op = op
	go b.run(op, s.cfg.Latency, run)
	return nil
}

func (b *Buffer) run(op *operation, latency time.Duration, fn func() error) {
	if d := latency; d > 0 {
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-op.abort:
			t.Stop()
			return
		}
	}

	s := b.src
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.op != op {
		return
	}
	b.op = nil
	if err := fn(); err != nil {
		b.events <- host.Event{Kind: host.EventError, Err: err}
		return
	}
	b.events <- host.Event{Kind: host.EventUpdateEnd}
}

// Abort interrupts the operation in flight and resets the append window.
func (b *Buffer) Abort() error {
	s := b.src
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.detached {
		return media.ErrTrackClosed
	}
	if b.op != nil {
		close(b.op.abort)
		b.op = nil
		b.events <- host.Event{Kind: host.EventAbort}
	}
	b.winStart, b.winEnd = 0, math.Inf(1)
	return nil
}

// detach fails the operation in flight. Callers hold the source mutex.
func (b *Buffer) detach() {
	b.detached = true
	if b.op != nil {
		close(b.op.abort)
		b.op = nil
		b.events <- host.Event{Kind: host.EventError, Err: media.ErrTrackClosed}
	}
}

// Buffered returns a copy of the buffered ranges.
func (b *Buffer) Buffered() timerange.Ranges {
	b.src.mu.Lock()
	defer b.src.mu.Unlock()
	return slices.Clone(b.ranges)
}

// SetTimestampOffset sets the offset applied to the next append. In
// sequence mode it also fixes where the next append starts.
func (b *Buffer) SetTimestampOffset(offset float64) error {
	return b.set(func() error {
		if math.IsNaN(offset) || math.IsInf(offset, 0) {
			return fmt.Errorf("%w: timestamp offset %v", media.ErrInvalidState, offset)
		}
		b.offset = offset
		if b.mode == host.ModeSequence {
			b.explicitStart = &offset
		}
		return nil
	})
}

// SetAppendWindow sets the window applied to the next append.
func (b *Buffer) SetAppendWindow(start, end float64) error {
	return b.set(func() error {
		if err := media.ValidateWindow(start, end); err != nil {
			return err
		}
		b.winStart, b.winEnd = start, end
		return nil
	})
}

// SetMode switches between segments and sequence mode.
func (b *Buffer) SetMode(m host.Mode) error {
	return b.set(func() error {
		if m != b.mode {
			b.explicitStart = nil
		}
		b.mode = m
		return nil
	})
}

func (b *Buffer) set(fn func() error) error {
	b.src.mu.Lock()
	defer b.src.mu.Unlock()
	if b.detached {
		return media.ErrTrackClosed
	}
	if b.op != nil {
		return fmt.Errorf("%w: operation in flight", media.ErrInvalidState)
	}
	return fn()
}

// Updating reports whether an operation is in flight.
func (b *Buffer) Updating() bool {
	b.src.mu.Lock()
	defer b.src.mu.Unlock()
	return b.op != nil
}

// Events returns the terminal event channel.
func (b *Buffer) Events() <-chan host.Event { return b.events }

// append runs under the source mutex.
func (b *Buffer) append(data []byte) error {
	units, err := mpegts.Scan(context.Background(), data, b.progs)
	if err != nil {
		return fmt.Errorf("%w: %v", media.ErrDecode, err)
	}
	pid, ok := b.primaryPID()
	if !ok {
		for _, u := range units {
			if u.PES != nil {
				return fmt.Errorf("%w: media before initialization segment", media.ErrDecode)
			}
		}
		return nil
	}

	var raw []sample
	for _, u := range units {
		if u.PES == nil || u.FirstPacket.Header.PID != pid {
			continue
		}
		pts, ok := u.PES.PTSSeconds()
		if !ok {
			return fmt.Errorf("%w: PES without PTS on PID 0x%X", media.ErrDecode, pid)
		}
		raw = append(raw, sample{start: pts, size: len(u.PES.Data)})
	}
	if len(raw) == 0 {
		return nil
	}
	sort.SliceStable(raw, func(i, j int) bool { return raw[i].start < raw[j].start })
	b.frame(raw)

	shift := b.offset
	if b.mode == host.ModeSequence {
		at := b.groupEnd
		if b.explicitStart != nil {
			at = *b.explicitStart
			b.explicitStart = nil
		}
		shift = at - raw[0].start
		b.offset = shift
	}

	var kept []sample
	var size int
	for _, smp := range raw {
		smp.start += shift
		smp.end += shift
		if b.mode == host.ModeSequence {
			b.groupEnd = math.Max(b.groupEnd, smp.end)
		}
		if smp.start < b.winStart-timerange.Epsilon || smp.end > b.winEnd+timerange.Epsilon {
			continue
		}
		kept = append(kept, smp)
		size += smp.size
	}
	if len(kept) == 0 {
		return nil
	}

	from, to := kept[0].start, kept[len(kept)-1].end
	if q := b.src.cfg.QuotaBytes; q > 0 && b.bytesOutside(from, to)+size > q {
		return fmt.Errorf("%w: %d bytes buffered, %d appended, quota %d", media.ErrQuotaExceeded, b.bytes, size, q)
	}
	b.cut(from, to)
	b.samples = append(b.samples, kept...)
	b.reindex()
	b.src.extend(to)
	b.src.log.Debug("appended", "type", b.mime, "samples", len(kept), "dropped", len(raw)-len(kept), "buffered", b.ranges.String())
	return nil
}

// frame assigns durations: the distance to the next sample, with the last
// sample repeating the previous step.
func (b *Buffer) frame(raw []sample) {
	for i := range raw {
		if i+1 < len(raw) {
			b.lastStep = raw[i+1].start - raw[i].start
		}
		step := b.lastStep
		if math.IsNaN(step) {
			step = 0
		}
		raw[i].end = raw[i].start + step
	}
}

// primaryPID picks the elementary stream whose samples define this buffer's
// ranges: the first stream matching the buffer kind, else the first one.
func (b *Buffer) primaryPID() (uint16, bool) {
	streams := b.progs.Streams()
	if len(streams) == 0 {
		return 0, false
	}
	for _, es := range streams {
		switch {
		case b.kind == "video" && mpegts.IsVideo(es.StreamType),
			b.kind == "audio" && mpegts.IsAudio(es.StreamType):
			return es.ElementaryPID, true
		}
	}
	return streams[0].ElementaryPID, true
}

func (b *Buffer) bytesOutside(from, to float64) int {
	n := 0
	for _, smp := range b.samples {
		if smp.end <= from || smp.start >= to {
			n += smp.size
		}
	}
	return n
}

// cut removes [from, to) from the buffer, clipping samples that straddle
// an edge.
func (b *Buffer) cut(from, to float64) {
	out := make([]sample, 0, len(b.samples)+1)
	for _, smp := range b.samples {
		if smp.end <= from || smp.start >= to {
			out = append(out, smp)
			continue
		}
		if smp.start < from {
			head := smp
			head.end = from
			head.size = scaled(smp, head)
			out = append(out, head)
		}
		if smp.end > to {
			tail := smp
			tail.start = to
			tail.size = scaled(smp, tail)
			out = append(out, tail)
		}
	}
	b.samples = out
	b.reindex()
}

func scaled(whole, part sample) int {
	d := whole.end - whole.start
	if d <= 0 {
		return 0
	}
	return int(float64(whole.size) * (part.end - part.start) / d)
}

func (b *Buffer) reindex() {
	sort.Slice(b.samples, func(i, j int) bool { return b.samples[i].start < b.samples[j].start })
	var rs timerange.Ranges
	n := 0
	for _, smp := range b.samples {
		rs = rs.Add(smp.start, smp.end)
		n += smp.size
	}
	b.ranges = rs
	b.bytes = n
}
