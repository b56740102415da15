package memory

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/zsiec/mseq/internal/host"
	"github.com/zsiec/mseq/internal/media"
	"github.com/zsiec/mseq/internal/timerange"
	"github.com/zsiec/mseq/internal/tsgen"
)

const videoType = `video/mp2t; codecs="avc1.64001f"`

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func newVideo(t *testing.T, cfg Config) (*Source, host.SourceBuffer) {
	t.Helper()
	src := New(cfg)
	sb, err := src.AddSourceBuffer(videoType)
	if err != nil {
		t.Fatalf("AddSourceBuffer: %v", err)
	}
	mustAppend(t, sb, tsgen.Tables(tsgen.VideoStream()))
	return src, sb
}

func segment(start, dur float64) []byte {
	return tsgen.Media{Stream: tsgen.VideoStream(), Start: start, Duration: dur, FrameDuration: 1}.Build()
}

func wait(t *testing.T, sb host.SourceBuffer) host.Event {
	t.Helper()
	select {
	case ev := <-sb.Events():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return host.Event{}
	}
}

func mustAppend(t *testing.T, sb host.SourceBuffer, data []byte) {
	t.Helper()
	if err := sb.AppendBuffer(data); err != nil {
		t.Fatalf("AppendBuffer: %v", err)
	}
	if ev := wait(t, sb); ev.Kind != host.EventUpdateEnd {
		t.Fatalf("append: got %s (%v), want updateend", ev.Kind, ev.Err)
	}
}

func mustRanges(t *testing.T, got timerange.Ranges, want ...timerange.Range) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("ranges: got %v, want %v", got, timerange.Ranges(want))
	}
	for i := range want {
		if !approx(got[i].Start, want[i].Start) || !approx(got[i].End, want[i].End) {
			t.Errorf("range %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestAppendContiguousSegments(t *testing.T) {
	t.Parallel()

	src, sb := newVideo(t, Config{})
	for i := range 3 {
		mustAppend(t, sb, segment(float64(10*i), 10))
	}
	mustRanges(t, sb.Buffered(), timerange.Range{Start: 0, End: 30})
	if got := src.Duration(); !approx(got, 30) {
		t.Errorf("duration: got %v, want 30", got)
	}
}

func TestAppendWindowTrims(t *testing.T) {
	t.Parallel()

	_, sb := newVideo(t, Config{})
	if err := sb.SetAppendWindow(5, 18); err != nil {
		t.Fatalf("SetAppendWindow: %v", err)
	}
	mustAppend(t, sb, segment(0, 10))
	mustRanges(t, sb.Buffered(), timerange.Range{Start: 5, End: 10})

	mustAppend(t, sb, segment(10, 10))
	mustRanges(t, sb.Buffered(), timerange.Range{Start: 5, End: 18})
}

func TestOffsetStitchesAcrossWindow(t *testing.T) {
	t.Parallel()

	_, sb := newVideo(t, Config{})
	if err := sb.SetAppendWindow(0, 20); err != nil {
		t.Fatal(err)
	}
	mustAppend(t, sb, segment(0, 20))

	if err := sb.SetTimestampOffset(15); err != nil {
		t.Fatal(err)
	}
	if err := sb.SetAppendWindow(20, 35); err != nil {
		t.Fatal(err)
	}
	mustAppend(t, sb, segment(0, 20))
	mustRanges(t, sb.Buffered(), timerange.Range{Start: 0, End: 35})
}

func TestSequenceModePlacesAfterPrevious(t *testing.T) {
	t.Parallel()

	_, sb := newVideo(t, Config{})
	if err := sb.SetMode(host.ModeSequence); err != nil {
		t.Fatal(err)
	}
	mustAppend(t, sb, segment(100, 5))
	mustAppend(t, sb, segment(40, 5))
	mustRanges(t, sb.Buffered(), timerange.Range{Start: 0, End: 10})

	if err := sb.SetTimestampOffset(20); err != nil {
		t.Fatal(err)
	}
	mustAppend(t, sb, segment(7, 5))
	mustRanges(t, sb.Buffered(),
		timerange.Range{Start: 0, End: 10},
		timerange.Range{Start: 20, End: 25})
}

func TestRemoveAndDurationTruncation(t *testing.T) {
	t.Parallel()

	src, sb := newVideo(t, Config{})
	mustAppend(t, sb, segment(0, 30))

	if err := sb.Remove(0, 10); err != nil {
		t.Fatal(err)
	}
	if ev := wait(t, sb); ev.Kind != host.EventUpdateEnd {
		t.Fatalf("remove: got %s", ev.Kind)
	}
	mustRanges(t, sb.Buffered(), timerange.Range{Start: 10, End: 30})

	if err := src.SetDuration(25.5); err != nil {
		t.Fatalf("SetDuration: %v", err)
	}
	mustRanges(t, sb.Buffered(), timerange.Range{Start: 10, End: 25.5})
	if got := src.Duration(); !approx(got, 25.5) {
		t.Errorf("duration: got %v, want 25.5", got)
	}
}

func TestEndOfStreamFinalizesDuration(t *testing.T) {
	t.Parallel()

	src, sb := newVideo(t, Config{})
	if err := src.SetDuration(100); err != nil {
		t.Fatal(err)
	}
	mustAppend(t, sb, segment(0, 12))
	if err := src.EndOfStream(); err != nil {
		t.Fatalf("EndOfStream: %v", err)
	}
	if got := src.ReadyState(); got != host.StateEnded {
		t.Errorf("state: got %s, want ended", got)
	}
	if got := src.Duration(); !approx(got, 12) {
		t.Errorf("duration: got %v, want 12", got)
	}
	if err := src.SetDuration(50); !errors.Is(err, media.ErrInvalidState) {
		t.Errorf("SetDuration after end: got %v, want ErrInvalidState", err)
	}

	mustAppend(t, sb, segment(12, 1))
	if got := src.ReadyState(); got != host.StateOpen {
		t.Errorf("state after append: got %s, want open", got)
	}
}

func TestQuotaExceeded(t *testing.T) {
	t.Parallel()

	_, sb := newVideo(t, Config{QuotaBytes: 100})
	if err := sb.AppendBuffer(segment(0, 30)); err != nil {
		t.Fatal(err)
	}
	ev := wait(t, sb)
	if ev.Kind != host.EventError || !errors.Is(ev.Err, media.ErrQuotaExceeded) {
		t.Fatalf("got %s (%v), want quota error", ev.Kind, ev.Err)
	}
	if got := sb.Buffered(); len(got) != 0 {
		t.Errorf("buffered after rejected append: %v", got)
	}
}

func TestDecodeErrors(t *testing.T) {
	t.Parallel()

	src := New(Config{})
	sb, err := src.AddSourceBuffer(videoType)
	if err != nil {
		t.Fatal(err)
	}

	if err := sb.AppendBuffer(segment(0, 2)); err != nil {
		t.Fatal(err)
	}
	if ev := wait(t, sb); !errors.Is(ev.Err, media.ErrDecode) {
		t.Errorf("media before init: got %v, want ErrDecode", ev.Err)
	}

	if err := sb.AppendBuffer([]byte("not a transport stream")); err != nil {
		t.Fatal(err)
	}
	if ev := wait(t, sb); !errors.Is(ev.Err, media.ErrDecode) {
		t.Errorf("garbage: got %v, want ErrDecode", ev.Err)
	}
}

func TestAbortInFlight(t *testing.T) {
	t.Parallel()

	src, sb := newVideo(t, Config{})
	src.SetLatency(time.Hour)
	if err := sb.SetAppendWindow(3, 8); err != nil {
		t.Fatal(err)
	}
	if err := sb.AppendBuffer(segment(0, 10)); err != nil {
		t.Fatal(err)
	}
	if !sb.Updating() {
		t.Fatal("append not in flight")
	}
	if err := sb.AppendBuffer(segment(10, 1)); !errors.Is(err, media.ErrInvalidState) {
		t.Errorf("second append: got %v, want ErrInvalidState", err)
	}
	if err := sb.Abort(); err != nil {
		t.Fatal(err)
	}
	if ev := wait(t, sb); ev.Kind != host.EventAbort {
		t.Fatalf("got %s, want abort", ev.Kind)
	}
	if sb.Updating() {
		t.Error("still updating after abort")
	}
	if got := sb.Buffered(); len(got) != 0 {
		t.Errorf("aborted append buffered %v", got)
	}
	buf := sb.(*Buffer)
	if buf.winStart != 0 || !math.IsInf(buf.winEnd, 1) {
		t.Errorf("window after abort: [%v, %v), want [0, inf)", buf.winStart, buf.winEnd)
	}
}

func TestRemoveSourceBufferFailsInFlight(t *testing.T) {
	t.Parallel()

	src, sb := newVideo(t, Config{})
	src.SetLatency(time.Hour)
	if err := sb.AppendBuffer(segment(0, 1)); err != nil {
		t.Fatal(err)
	}
	if err := src.SetDuration(5); !errors.Is(err, media.ErrInvalidState) {
		t.Errorf("SetDuration while updating: got %v, want ErrInvalidState", err)
	}
	if err := src.RemoveSourceBuffer(sb); err != nil {
		t.Fatal(err)
	}
	if ev := wait(t, sb); !errors.Is(ev.Err, media.ErrTrackClosed) {
		t.Errorf("got %v, want ErrTrackClosed", ev.Err)
	}
	if err := sb.AppendBuffer(segment(0, 1)); !errors.Is(err, media.ErrTrackClosed) {
		t.Errorf("append after removal: got %v, want ErrTrackClosed", err)
	}
}

func TestUnsupportedType(t *testing.T) {
	t.Parallel()

	src := New(Config{})
	if src.IsTypeSupported("video/webm") {
		t.Error("webm reported supported")
	}
	if _, err := src.AddSourceBuffer("video/webm"); !errors.Is(err, media.ErrUnsupportedConfiguration) {
		t.Errorf("got %v, want ErrUnsupportedConfiguration", err)
	}
}

func TestPrimaryStreamByKind(t *testing.T) {
	t.Parallel()

	src := New(Config{})
	sb, err := src.AddSourceBuffer("audio/mp2t")
	if err != nil {
		t.Fatal(err)
	}
	mustAppend(t, sb, tsgen.Tables(tsgen.VideoStream(), tsgen.AudioStream()))

	var seg []byte
	seg = append(seg, tsgen.Media{Stream: tsgen.VideoStream(), Start: 0, Duration: 10, FrameDuration: 1}.Build()...)
	seg = append(seg, tsgen.Media{Stream: tsgen.AudioStream(), Start: 2, Duration: 4, FrameDuration: 0.5}.Build()...)
	mustAppend(t, sb, seg)
	mustRanges(t, sb.Buffered(), timerange.Range{Start: 2, End: 6})
}
