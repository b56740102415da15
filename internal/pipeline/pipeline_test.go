package pipeline

import (
	"bytes"
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/zsiec/mseq/internal/engine"
	"github.com/zsiec/mseq/internal/host/memory"
	"github.com/zsiec/mseq/internal/media"
	"github.com/zsiec/mseq/internal/tsgen"
)

func near(got, want float64) bool { return math.Abs(got-want) < 1e-3 }

// liveStream is twelve one-second video frames preceded by PAT and PMT.
func liveStream() []byte {
	return tsgen.Media{
		Stream:        tsgen.VideoStream(),
		Duration:      12,
		FrameDuration: 1,
		WithTables:    true,
	}.Build()
}

func newEngine(t *testing.T, cfg memory.Config) *engine.Engine {
	t.Helper()
	eng := engine.New(engine.Config{Source: memory.New(cfg)})
	t.Cleanup(func() { _ = eng.Destroy(context.Background()) })
	return eng
}

func run(t *testing.T, p *Pipeline) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.Run(ctx)
}

func TestRunSegmentsStream(t *testing.T) {
	t.Parallel()

	eng := newEngine(t, memory.Config{})
	p := New("cam1", bytes.NewReader(liveStream()), eng, Config{SegmentDuration: 4})
	if err := run(t, p); err != nil {
		t.Fatalf("Run: %v", err)
	}

	st := p.Stats()
	if st.Segments != 3 {
		t.Errorf("segments: got %d, want 3", st.Segments)
	}
	if st.Failures != 0 || st.Evictions != 0 {
		t.Errorf("stats: got %+v, want no failures or evictions", st)
	}
	if got := eng.Tracks(); len(got) != 1 || got[0] != media.Video {
		t.Fatalf("tracks: got %v, want [video]", got)
	}
	buffered, err := eng.Buffered(media.Video)
	if err != nil {
		t.Fatal(err)
	}
	if len(buffered) != 1 || !near(buffered[0].Start, 0) || !near(buffered[0].End, 12) {
		t.Errorf("buffered: got %v, want [0, 12)", buffered)
	}
	if !eng.Ended() {
		t.Error("engine not ended after EOF")
	}
}

func TestRunEvictsOnQuota(t *testing.T) {
	t.Parallel()

	// Each four-frame segment holds 60 payload bytes; the third one only
	// fits after the first is evicted.
	eng := newEngine(t, memory.Config{QuotaBytes: 130})
	p := New("cam1", bytes.NewReader(liveStream()), eng, Config{SegmentDuration: 4, BackBuffer: 4})
	if err := run(t, p); err != nil {
		t.Fatalf("Run: %v", err)
	}

	st := p.Stats()
	if st.Evictions != 1 {
		t.Errorf("evictions: got %d, want 1", st.Evictions)
	}
	if st.Failures != 0 {
		t.Errorf("failures: got %d, want 0", st.Failures)
	}
	start, _ := eng.BufferStart(media.Video)
	end, _ := eng.BufferEnd(media.Video)
	if !near(start, 4) || !near(end, 12) {
		t.Errorf("buffered: got [%v, %v), want [4, 12)", start, end)
	}
}

func TestRunResyncsAfterGarbage(t *testing.T) {
	t.Parallel()

	eng := newEngine(t, memory.Config{})
	input := append([]byte{0x00, 0x12, 0x34}, liveStream()...)
	p := New("cam1", bytes.NewReader(input), eng, Config{SegmentDuration: 4})
	if err := run(t, p); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := eng.BufferedAheadOf(media.Video, 0); !near(got, 12) {
		t.Errorf("buffered ahead: got %v, want 12", got)
	}
}

func TestRunWithoutTables(t *testing.T) {
	t.Parallel()

	data := tsgen.Media{Stream: tsgen.VideoStream(), Duration: 2, FrameDuration: 1}.Build()
	p := New("cam1", bytes.NewReader(data), newEngine(t, memory.Config{}), Config{})
	if err := run(t, p); !errors.Is(err, ErrNoTables) {
		t.Errorf("got %v, want ErrNoTables", err)
	}
}

func TestRunStopsOnDestroyedEngine(t *testing.T) {
	t.Parallel()

	eng := newEngine(t, memory.Config{})
	if err := eng.Destroy(context.Background()); err != nil {
		t.Fatal(err)
	}
	p := New("cam1", bytes.NewReader(liveStream()), eng, Config{})
	if err := run(t, p); !errors.Is(err, media.ErrEngineDestroyed) {
		t.Errorf("got %v, want ErrEngineDestroyed", err)
	}
}
