// Package engine coordinates the per-track buffers of one playback session.
//
// An Engine owns one operation queue per content type. Submissions return a
// *queue.Result immediately and settle in submission order per track.
// Duration changes and end-of-stream run as barriers across every track so
// the shared presentation state changes only while all queues are idle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/mseq/internal/captions"
	"github.com/zsiec/mseq/internal/host"
	"github.com/zsiec/mseq/internal/media"
	"github.com/zsiec/mseq/internal/queue"
	"github.com/zsiec/mseq/internal/timerange"
	"github.com/zsiec/mseq/internal/trackbuf"
)

// Transmuxer converts segments the host cannot buffer natively into a type
// it can.
type Transmuxer interface {
	// IsSupported reports whether segments of info can be converted.
	IsSupported(info media.StreamInfo) bool
	// Convert returns the stream info of converted segments.
	Convert(info media.StreamInfo) media.StreamInfo
	Transmux(ctx context.Context, track media.ContentType, data []byte) ([]byte, error)
}

// Config configures an Engine. Source is required.
type Config struct {
	Source     host.MediaSource
	Transmuxer Transmuxer
	// CaptionSink receives closed captions found in video appends flagged
	// with HasClosedCaptions. Nil disables extraction.
	CaptionSink captions.Sink
	Logger      *slog.Logger
}

type track struct {
	typ      media.ContentType
	info     media.StreamInfo
	handle   *trackbuf.Handle
	queue    *queue.Queue
	transmux bool
	captions *captions.Extractor

	// props mirrors what was last applied to the host. Only the track's
	// queue worker touches it.
	props media.StreamProperties
}

// Engine is the buffering coordinator for one media session.
type Engine struct {
	id   string
	src  host.MediaSource
	tx   Transmuxer
	sink captions.Sink
	log  *slog.Logger

	initMu sync.Mutex
	// bcastMu keeps barrier entries in the same relative order on every
	// queue. Workers park on a barrier until all parties arrive, so two
	// barriers enqueued in opposite orders would wait on each other.
	bcastMu sync.Mutex

	mu        sync.Mutex
	tracks    map[media.ContentType]*track
	selected  string
	ended     bool
	destroyed bool
}

// New creates an engine with no tracks.
func New(cfg Config) *Engine {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	id := uuid.NewString()
	return &Engine{
		id:       id,
		src:      cfg.Source,
		tx:       cfg.Transmuxer,
		sink:     cfg.CaptionSink,
		log:      log.With("component", "engine", "engine", id),
		tracks:   make(map[media.ContentType]*track),
		selected: captions.DefaultChannel,
	}
}

// ID returns the engine's unique identifier.
func (e *Engine) ID() string { return e.id }

type plan struct {
	typ      media.ContentType
	info     media.StreamInfo
	buffer   media.StreamInfo
	transmux bool
}

// Init configures the engine's tracks. Types new to the engine get a host
// buffer and a queue; types no longer listed are closed and their buffers
// released; types listed again keep their queue and buffered content.
// Every new type is validated before anything changes, so an unsupported
// type leaves the engine as it was.
func (e *Engine) Init(ctx context.Context, configs map[media.ContentType]media.StreamInfo, forceTranscode bool) error {
	e.initMu.Lock()
	defer e.initMu.Unlock()

	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return media.ErrEngineDestroyed
	}
	current := make(map[media.ContentType]*track, len(e.tracks))
	for typ, tr := range e.tracks {
		current[typ] = tr
	}
	e.mu.Unlock()

	for typ := range configs {
		if !typ.Valid() {
			return fmt.Errorf("%w: content type %q", media.ErrUnsupportedConfiguration, typ)
		}
	}
	var plans []plan
	for _, typ := range media.ContentTypes {
		info, ok := configs[typ]
		if !ok {
			continue
		}
		if tr, kept := current[typ]; kept {
			if tr.info != info {
				e.log.Debug("keeping track across reconfiguration", "track", string(typ), "was", tr.info.FullType(), "now", info.FullType())
			}
			continue
		}
		p, err := e.resolve(typ, info, forceTranscode)
		if err != nil {
			return err
		}
		plans = append(plans, p)
	}
	var removed []*track
	for typ, tr := range current {
		if _, ok := configs[typ]; !ok {
			removed = append(removed, tr)
		}
	}
	if err := e.teardown(ctx, removed, media.ErrTrackClosed); err != nil {
		return err
	}

	var added []*track
	for _, p := range plans {
		tr, err := e.open(p)
		if err != nil {
			for _, a := range added {
				_ = a.queue.Close(ctx, media.ErrTrackClosed)
				_ = a.handle.Release()
			}
			return err
		}
		added = append(added, tr)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		for _, tr := range added {
			_ = tr.queue.Close(ctx, media.ErrEngineDestroyed)
			_ = tr.handle.Release()
		}
		return media.ErrEngineDestroyed
	}
	for _, tr := range removed {
		delete(e.tracks, tr.typ)
	}
	for _, tr := range added {
		e.tracks[tr.typ] = tr
	}
	e.log.Info("tracks configured", "added", len(added), "removed", len(removed), "tracks", len(e.tracks))
	return nil
}

// resolve decides how a new type is buffered: natively, or through the
// transmuxer when forced or when the host rejects the native type.
func (e *Engine) resolve(typ media.ContentType, info media.StreamInfo, force bool) (plan, error) {
	p := plan{typ: typ, info: info, buffer: info}
	native := e.src.IsTypeSupported(info.FullType())
	if force || !native {
		if e.tx != nil && e.tx.IsSupported(info) {
			conv := e.tx.Convert(info)
			if e.src.IsTypeSupported(conv.FullType()) {
				p.buffer, p.transmux = conv, true
				return p, nil
			}
		}
	}
	if !native {
		return p, fmt.Errorf("%w: %s %s", media.ErrUnsupportedConfiguration, typ, info.FullType())
	}
	return p, nil
}

func (e *Engine) open(p plan) (*track, error) {
	h, err := trackbuf.Open(e.src, p.typ, p.buffer, e.log)
	if err != nil {
		return nil, err
	}
	tr := &track{
		typ:      p.typ,
		info:     p.info,
		handle:   h,
		transmux: p.transmux,
		props:    media.DefaultStreamProperties(),
	}
	if p.typ == media.Video && e.sink != nil {
		tr.captions = captions.NewExtractor(e.sink, e.log)
		e.mu.Lock()
		tr.captions.SetSelected(e.selected)
		e.mu.Unlock()
	}
	tr.queue = queue.New(p.typ, e.handler(tr), e.log)
	e.log.Debug("track opened", "track", string(p.typ), "type", p.buffer.FullType(), "transmux", p.transmux)
	return tr, nil
}

// teardown closes the queues of tracks concurrently and releases their
// host buffers.
func (e *Engine) teardown(ctx context.Context, tracks []*track, reason error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, tr := range tracks {
		g.Go(func() error {
			return tr.queue.Close(gctx, reason)
		})
	}
	err := g.Wait()
	for _, tr := range tracks {
		if rerr := tr.handle.Release(); rerr != nil {
			e.log.Warn("release track buffer", "track", string(tr.typ), "error", rerr)
		}
	}
	return err
}

func (e *Engine) lookup(typ media.ContentType) (*track, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return nil, media.ErrEngineDestroyed
	}
	tr, ok := e.tracks[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %s", media.ErrUnknownTrack, typ)
	}
	return tr, nil
}

func (e *Engine) submit(typ media.ContentType, op *queue.Op) *queue.Result {
	tr, err := e.lookup(typ)
	if err != nil {
		if errors.Is(err, media.ErrEngineDestroyed) {
			return queue.Failed(err)
		}
		return queue.Failed(&queue.OpError{Track: typ, Op: op.Kind, Err: err})
	}
	return tr.queue.Enqueue(op)
}

// AppendBuffer queues seg on typ's track.
func (e *Engine) AppendBuffer(typ media.ContentType, seg media.Segment) *queue.Result {
	return e.submit(typ, &queue.Op{Kind: queue.OpAppend, Segment: seg})
}

// Remove queues removal of [start, end), clipped to what is buffered.
func (e *Engine) Remove(typ media.ContentType, start, end float64) *queue.Result {
	return e.submit(typ, &queue.Op{Kind: queue.OpRemove, Start: start, End: end})
}

// Clear queues removal of everything buffered on typ.
func (e *Engine) Clear(typ media.ContentType) *queue.Result {
	return e.Remove(typ, 0, math.Inf(1))
}

// SetStreamProperties queues one entry applying every property to the host
// before the next append on typ.
func (e *Engine) SetStreamProperties(typ media.ContentType, p media.StreamProperties) *queue.Result {
	return e.submit(typ, &queue.Op{Kind: queue.OpStreamProperties, Properties: p})
}

// SetTimestampOffset queues an offset change on typ.
func (e *Engine) SetTimestampOffset(typ media.ContentType, offset float64) *queue.Result {
	return e.submit(typ, &queue.Op{Kind: queue.OpTimestampOffset, Offset: offset})
}

// SetAppendWindow queues an append window change on typ.
func (e *Engine) SetAppendWindow(typ media.ContentType, start, end float64) *queue.Result {
	return e.submit(typ, &queue.Op{Kind: queue.OpAppendWindow, Start: start, End: end})
}

// Abort cancels the operation in flight on typ and rejects everything
// queued behind it.
func (e *Engine) Abort(typ media.ContentType) *queue.Result {
	tr, err := e.lookup(typ)
	if err != nil {
		if errors.Is(err, media.ErrEngineDestroyed) {
			return queue.Failed(err)
		}
		return queue.Failed(&queue.OpError{Track: typ, Op: queue.OpAbort, Err: err})
	}
	return tr.queue.Abort()
}

// SetDuration changes the presentation duration once every track's queue
// reaches the entry. Lowering it below buffered content truncates that
// content.
func (e *Engine) SetDuration(d float64) *queue.Result {
	if math.IsNaN(d) || d < 0 {
		return queue.Failed(fmt.Errorf("%w: duration %v", media.ErrInvalidState, d))
	}
	e.mu.Lock()
	switch {
	case e.destroyed:
		e.mu.Unlock()
		return queue.Failed(media.ErrEngineDestroyed)
	case e.ended:
		e.mu.Unlock()
		return queue.Failed(media.ErrStreamEnded)
	}
	e.mu.Unlock()

	return e.broadcast(queue.OpDuration, d, func() error {
		e.mu.Lock()
		defer e.mu.Unlock()
		switch {
		case e.destroyed:
			return media.ErrEngineDestroyed
		case e.ended:
			return media.ErrStreamEnded
		}
		if err := e.src.SetDuration(d); err != nil {
			return err
		}
		e.log.Debug("duration set", "duration", d)
		return nil
	})
}

// EndOfStream finalizes the presentation once every track's queue reaches
// the entry. Calling it again is a no-op.
func (e *Engine) EndOfStream() *queue.Result {
	e.mu.Lock()
	switch {
	case e.destroyed:
		e.mu.Unlock()
		return queue.Failed(media.ErrEngineDestroyed)
	case e.ended:
		e.mu.Unlock()
		return queue.Succeeded()
	}
	e.mu.Unlock()

	return e.broadcast(queue.OpEndOfStream, 0, func() error {
		e.mu.Lock()
		defer e.mu.Unlock()
		switch {
		case e.destroyed:
			return media.ErrEngineDestroyed
		case e.ended:
			return nil
		}
		if err := e.src.EndOfStream(); err != nil {
			return err
		}
		e.ended = true
		e.log.Info("end of stream", "duration", e.src.Duration())
		return nil
	})
}

// broadcast enqueues one barrier entry on every track.
func (e *Engine) broadcast(kind queue.Kind, d float64, action func() error) *queue.Result {
	e.bcastMu.Lock()
	defer e.bcastMu.Unlock()

	e.mu.Lock()
	queues := make([]*queue.Queue, 0, len(e.tracks))
	for _, typ := range media.ContentTypes {
		if tr, ok := e.tracks[typ]; ok {
			queues = append(queues, tr.queue)
		}
	}
	e.mu.Unlock()

	b := queue.NewBarrier(len(queues), action)
	for _, q := range queues {
		q.Enqueue(&queue.Op{Kind: kind, Duration: d, Barrier: b})
	}
	return b.Result()
}

// SetSelectedClosedCaptionID selects the caption channel forwarded to the
// sink.
func (e *Engine) SetSelectedClosedCaptionID(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.selected = id
	if tr, ok := e.tracks[media.Video]; ok && tr.captions != nil {
		tr.captions.SetSelected(id)
	}
}

// CaptionChannels returns the channels declared by the video track's last
// init segment.
func (e *Engine) CaptionChannels() []string {
	tr, err := e.lookup(media.Video)
	if err != nil || tr.captions == nil {
		return nil
	}
	return tr.captions.Channels()
}

// Buffered returns typ's buffered ranges.
func (e *Engine) Buffered(typ media.ContentType) (timerange.Ranges, error) {
	tr, err := e.lookup(typ)
	if err != nil {
		return nil, err
	}
	return tr.handle.Buffered(), nil
}

// BufferedAheadOf returns how much contiguous content typ holds from t.
func (e *Engine) BufferedAheadOf(typ media.ContentType, t float64) float64 {
	rs, err := e.Buffered(typ)
	if err != nil {
		return 0
	}
	return rs.AheadOf(t)
}

// BufferStart returns the start of typ's earliest buffered range.
func (e *Engine) BufferStart(typ media.ContentType) (float64, bool) {
	rs, err := e.Buffered(typ)
	if err != nil {
		return 0, false
	}
	return rs.Start()
}

// BufferEnd returns the end of typ's last buffered range.
func (e *Engine) BufferEnd(typ media.ContentType) (float64, bool) {
	rs, err := e.Buffered(typ)
	if err != nil {
		return 0, false
	}
	return rs.End()
}

// IsBuffered reports whether t falls inside typ's buffered content.
func (e *Engine) IsBuffered(typ media.ContentType, t float64) bool {
	rs, err := e.Buffered(typ)
	if err != nil {
		return false
	}
	return rs.Contains(t, 0)
}

// Duration returns the host's presentation duration, NaN while unset.
func (e *Engine) Duration() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return math.NaN()
	}
	return e.src.Duration()
}

// Ended reports whether end-of-stream has been applied.
func (e *Engine) Ended() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ended
}

// Tracks returns the configured content types in canonical order.
func (e *Engine) Tracks() []media.ContentType {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []media.ContentType
	for _, typ := range media.ContentTypes {
		if _, ok := e.tracks[typ]; ok {
			out = append(out, typ)
		}
	}
	return out
}

// Destroy rejects every unsettled entry, releases the host buffers and
// closes the host session. Later calls fail with media.ErrEngineDestroyed.
func (e *Engine) Destroy(ctx context.Context) error {
	e.initMu.Lock()
	defer e.initMu.Unlock()

	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return nil
	}
	e.destroyed = true
	tracks := make([]*track, 0, len(e.tracks))
	for _, tr := range e.tracks {
		tracks = append(tracks, tr)
	}
	e.tracks = make(map[media.ContentType]*track)
	e.mu.Unlock()

	err := e.teardown(ctx, tracks, media.ErrEngineDestroyed)
	if cerr := e.src.Close(); cerr != nil && err == nil {
		err = cerr
	}
	e.log.Info("engine destroyed", "tracks", len(tracks))
	return err
}
