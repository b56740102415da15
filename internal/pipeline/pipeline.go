// Package pipeline turns a live MPEG-TS byte stream into engine appends.
// It waits for the program tables, initializes the engine's tracks from
// them, cuts the stream into segments at primary-stream unit starts, and
// evicts back buffer when the host runs out of quota.
package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/mseq/internal/engine"
	"github.com/zsiec/mseq/internal/media"
	"github.com/zsiec/mseq/internal/mpegts"
	"github.com/zsiec/mseq/internal/timerange"
)

// ErrNoTables is returned when the input ends before a PMT arrives.
var ErrNoTables = errors.New("pipeline: stream ended before program tables")

const (
	defaultSegmentDuration = 2.0
	defaultBackBuffer      = 30.0
)

// Config controls segmenting and eviction.
type Config struct {
	// SegmentDuration is the minimum length of a cut segment in seconds.
	SegmentDuration float64
	// BackBuffer is how many seconds behind the live edge survive an
	// eviction.
	BackBuffer float64
	// Captions marks video segments for caption extraction.
	Captions bool
	Logger   *slog.Logger
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	Segments  int64 `json:"segments"`
	Bytes     int64 `json:"bytes"`
	Evictions int64 `json:"evictions"`
	Failures  int64 `json:"failures"`
	UptimeMs  int64 `json:"uptimeMs"`
}

// Pipeline feeds one stream into one engine.
type Pipeline struct {
	log       *slog.Logger
	key       string
	input     io.Reader
	eng       *engine.Engine
	cfg       Config
	startTime time.Time

	progs   *mpegts.Programs
	tracks  []media.ContentType
	primary uint16
	init    []byte

	seg      []byte
	segStart float64
	started  bool

	segments  atomic.Int64
	bytes     atomic.Int64
	evictions atomic.Int64
	failures  atomic.Int64
}

// New creates a Pipeline reading TS packets from input.
func New(key string, input io.Reader, eng *engine.Engine, cfg Config) *Pipeline {
	if cfg.SegmentDuration <= 0 {
		cfg.SegmentDuration = defaultSegmentDuration
	}
	if cfg.BackBuffer <= 0 {
		cfg.BackBuffer = defaultBackBuffer
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		log:       log.With("component", "pipeline", "stream", key),
		key:       key,
		input:     input,
		eng:       eng,
		cfg:       cfg,
		startTime: time.Now(),
		progs:     mpegts.NewPrograms(),
	}
}

// Stats returns the current counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Segments:  p.segments.Load(),
		Bytes:     p.bytes.Load(),
		Evictions: p.evictions.Load(),
		Failures:  p.failures.Load(),
		UptimeMs:  time.Since(p.startTime).Milliseconds(),
	}
}

// Run reads the input until EOF or cancellation. At EOF the last segment
// is flushed and the engine is marked ended.
func (p *Pipeline) Run(ctx context.Context) error {
	r := bufio.NewReaderSize(p.input, mpegts.PacketSize*64)
	pkt := make([]byte, mpegts.PacketSize)
	for {
		if ctx.Err() != nil {
			return nil
		}
		err := readPacket(r, pkt)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return p.finish(ctx)
		}
		if err != nil {
			return fmt.Errorf("pipeline: read: %w", err)
		}
		p.bytes.Add(mpegts.PacketSize)
		if err := p.handle(ctx, pkt); err != nil {
			return err
		}
	}
}

// readPacket fills pkt with the next sync-aligned packet, skipping bytes
// until a sync byte.
func readPacket(r *bufio.Reader, pkt []byte) error {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		if b == mpegts.SyncByte {
			pkt[0] = b
			break
		}
	}
	_, err := io.ReadFull(r, pkt[1:])
	return err
}

func (p *Pipeline) handle(ctx context.Context, pkt []byte) error {
	parsed, err := mpegts.ParsePacket(pkt)
	if err != nil {
		p.failures.Add(1)
		return nil
	}

	var pts float64
	var unitStart bool
	if parsed.Header.PayloadUnitStartIndicator {
		units, err := mpegts.Scan(ctx, pkt, p.progs)
		if err != nil {
			p.log.Debug("scan failed", "pid", parsed.Header.PID, "error", err)
		}
		for _, u := range units {
			if u.PMT != nil && p.tracks == nil {
				p.init = append(p.init, pkt...)
				return p.initialize(ctx)
			}
			if u.PES != nil && u.FirstPacket.Header.PID == p.primary {
				pts, unitStart = u.PES.PTSSeconds()
			}
		}
	}

	if p.tracks == nil {
		if parsed.Header.PID == 0 {
			p.init = append(p.init[:0], pkt...)
		}
		return nil
	}

	if unitStart {
		if !p.started {
			p.segStart, p.started = pts, true
		} else if pts-p.segStart >= p.cfg.SegmentDuration && len(p.seg) > 0 {
			if err := p.flush(ctx, &timerange.Range{Start: p.segStart, End: pts}); err != nil {
				return err
			}
			p.segStart = pts
		}
	}
	if p.started {
		p.seg = append(p.seg, pkt...)
	}
	return nil
}

// initialize configures the engine from the first PMT and appends the
// tables as every track's init segment.
func (p *Pipeline) initialize(ctx context.Context) error {
	configs := make(map[media.ContentType]media.StreamInfo)
	var videoPID, audioPID uint16
	for _, es := range p.progs.Streams() {
		switch {
		case mpegts.IsVideo(es.StreamType):
			if _, ok := configs[media.Video]; !ok {
				configs[media.Video] = media.StreamInfo{MimeType: "video/mp2t", Codecs: videoCodec(es.StreamType)}
				videoPID = es.ElementaryPID
			}
		case mpegts.IsAudio(es.StreamType):
			if _, ok := configs[media.Audio]; !ok {
				configs[media.Audio] = media.StreamInfo{MimeType: "audio/mp2t", Codecs: audioCodec(es.StreamType)}
				audioPID = es.ElementaryPID
			}
		}
	}
	if len(configs) == 0 {
		return fmt.Errorf("%w: no audio or video streams in PMT", media.ErrUnsupportedConfiguration)
	}
	p.primary = audioPID
	if _, ok := configs[media.Video]; ok {
		p.primary = videoPID
	}

	if err := p.eng.Init(ctx, configs, false); err != nil {
		return fmt.Errorf("pipeline: init engine: %w", err)
	}
	p.tracks = p.eng.Tracks()
	p.log.Info("tracks initialized", "tracks", p.tracks, "primary_pid", p.primary)

	for _, typ := range p.tracks {
		seg := media.Segment{Data: p.init, HasClosedCaptions: typ == media.Video && p.cfg.Captions}
		if err := p.eng.AppendBuffer(typ, seg).Wait(ctx); err != nil {
			return fmt.Errorf("pipeline: append init segment: %w", err)
		}
	}
	return nil
}

func videoCodec(streamType uint8) string {
	if streamType == mpegts.StreamTypeH265 {
		return "hvc1.1.6.L93.B0"
	}
	return "avc1.64001f"
}

func audioCodec(streamType uint8) string {
	switch streamType {
	case mpegts.StreamTypeMP3:
		return "mp4a.40.34"
	case mpegts.StreamTypeAC3:
		return "ac-3"
	}
	return "mp4a.40.2"
}

// flush appends the pending segment to every track. Quota failures evict
// the back buffer and retry once; other failures are counted and logged.
func (p *Pipeline) flush(ctx context.Context, timing *timerange.Range) error {
	data := p.seg
	p.seg = nil
	p.segments.Add(1)

	for _, typ := range p.tracks {
		seg := media.Segment{
			Data:              data,
			Timing:            timing,
			HasClosedCaptions: typ == media.Video && p.cfg.Captions,
		}
		err := p.eng.AppendBuffer(typ, seg).Wait(ctx)
		if errors.Is(err, media.ErrQuotaExceeded) && p.evict(ctx, typ) {
			err = p.eng.AppendBuffer(typ, seg).Wait(ctx)
		}
		switch {
		case err == nil:
		case errors.Is(err, media.ErrEngineDestroyed), ctx.Err() != nil:
			return err
		default:
			p.failures.Add(1)
			p.log.Warn("append failed", "track", typ, "error", err)
		}
	}
	return nil
}

// evict removes everything more than BackBuffer seconds behind the
// track's buffered end. It reports whether anything was removed.
func (p *Pipeline) evict(ctx context.Context, typ media.ContentType) bool {
	end, ok := p.eng.BufferEnd(typ)
	if !ok {
		return false
	}
	start, _ := p.eng.BufferStart(typ)
	cut := end - p.cfg.BackBuffer
	if cut <= start {
		return false
	}
	if err := p.eng.Remove(typ, 0, cut).Wait(ctx); err != nil {
		p.log.Warn("eviction failed", "track", typ, "error", err)
		return false
	}
	p.evictions.Add(1)
	p.log.Debug("evicted back buffer", "track", typ, "until", cut)
	return true
}

func (p *Pipeline) finish(ctx context.Context) error {
	if p.tracks == nil {
		return ErrNoTables
	}
	if len(p.seg) > 0 {
		if err := p.flush(ctx, nil); err != nil {
			return err
		}
	}
	if err := p.eng.EndOfStream().Wait(ctx); err != nil {
		return fmt.Errorf("pipeline: end of stream: %w", err)
	}
	st := p.Stats()
	p.log.Info("stream finished", "segments", st.Segments, "bytes", st.Bytes,
		"evictions", st.Evictions, "failures", st.Failures)
	return nil
}
