// Package captions extracts CEA-608 and CEA-708 closed captions carried in
// H.264/H.265 SEI messages of MPEG-TS video segments and forwards them as
// timed cues to a display sink.
package captions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/zsiec/ccx"

	"github.com/zsiec/mseq/internal/mpegts"
	"github.com/zsiec/mseq/internal/timerange"
)

// State is the extractor's position in handling one segment.
type State int

const (
	Idle State = iota
	ExtractingInit
	ExtractingMedia
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ExtractingInit:
		return "extracting-init"
	case ExtractingMedia:
		return "extracting-media"
	}
	return "unknown"
}

// DefaultChannel is selected until SetSelected is called.
const DefaultChannel = "CC1"

// AllChannels lists every channel identifier the extractor can produce:
// the four CEA-608 channels and the six CEA-708 services.
var AllChannels = []string{"CC1", "CC2", "CC3", "CC4", "svc1", "svc2", "svc3", "svc4", "svc5", "svc6"}

// ErrNoVideo is returned for media segments with no known video stream.
var ErrNoVideo = errors.New("captions: no video stream declared")

// Cue is one caption shown over [Start, End) on a channel.
type Cue struct {
	Text    string
	Start   float64
	End     float64
	Channel string
}

// Sink receives extracted cues. Errors are logged by the extractor and
// never reach the append that carried the captions.
type Sink interface {
	OnCue(Cue) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Cue) error

func (f SinkFunc) OnCue(c Cue) error { return f(c) }

// Timing carries what the extractor needs to place cues on the buffer
// timeline: the track's timestamp offset and, when the producer declared
// one, the segment's advisory range.
type Timing struct {
	Offset float64
	Window *timerange.Range
}

// Extractor holds decoder state across the segments of one video track.
// Extract is called from the track's queue worker; SetSelected and the
// accessors may be called from any goroutine.
type Extractor struct {
	sink Sink
	log  *slog.Logger

	mu       sync.Mutex
	selected string
	state    State
	channels []string

	progs    *mpegts.Programs
	dec608   map[int]*ccx.CEA608Decoder
	svc708   map[int]*ccx.CEA708Service
	lastCtrl [2][2]byte
	wasCtrl  [2]bool
	dtvcc    []byte
	step     float64
}

// NewExtractor creates an extractor forwarding to sink.
func NewExtractor(sink Sink, log *slog.Logger) *Extractor {
	if log == nil {
		log = slog.Default()
	}
	e := &Extractor{
		sink:     sink,
		log:      log.With("component", "captions"),
		selected: DefaultChannel,
		channels: slices.Clone(AllChannels),
		progs:    mpegts.NewPrograms(),
		dec608:   make(map[int]*ccx.CEA608Decoder),
		svc708:   make(map[int]*ccx.CEA708Service),
	}
	for ch := 1; ch <= 4; ch++ {
		e.dec608[ch] = ccx.NewCEA608Decoder()
	}
	for svc := 1; svc <= 6; svc++ {
		e.svc708[svc] = ccx.NewCEA708Service()
	}
	return e
}

// SetSelected chooses the channel whose cues are forwarded.
func (e *Extractor) SetSelected(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.selected = id
}

// Selected returns the forwarded channel.
func (e *Extractor) Selected() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selected
}

// Channels returns the channels declared by the last init segment, or
// every channel when none were declared.
func (e *Extractor) Channels() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.channels)
}

// State returns the current state.
func (e *Extractor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Extractor) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Extract parses one segment and forwards the cues of the selected channel
// in start-time order. It returns how many cues the sink accepted. data is
// only read.
func (e *Extractor) Extract(ctx context.Context, data []byte, timing Timing) (int, error) {
	defer e.setState(Idle)

	units, err := mpegts.Scan(ctx, data, e.progs)
	if err != nil {
		return 0, fmt.Errorf("captions: %w", err)
	}

	var tables bool
	for _, u := range units {
		if u.PMT != nil {
			tables = true
		}
	}
	if tables {
		e.setState(ExtractingInit)
		e.declare()
	}

	video, ok := e.videoStream()
	var aus []accessUnit
	for _, u := range units {
		if u.PES == nil || !ok || u.FirstPacket.Header.PID != video.ElementaryPID {
			continue
		}
		pts, has := u.PES.PTSSeconds()
		if !has {
			continue
		}
		aus = append(aus, accessUnit{pts: pts, data: u.PES.Data})
	}
	if len(aus) == 0 {
		if !ok && hasPES(units) {
			return 0, ErrNoVideo
		}
		return 0, nil
	}

	e.setState(ExtractingMedia)
	sort.SliceStable(aus, func(i, j int) bool { return aus[i].pts < aus[j].pts })
	cues := e.decode(aus, video.StreamType == mpegts.StreamTypeH265, timing)
	return e.forward(cues), nil
}

type accessUnit struct {
	pts  float64
	data []byte
}

func hasPES(units []*mpegts.DemuxerData) bool {
	for _, u := range units {
		if u.PES != nil {
			return true
		}
	}
	return false
}

func (e *Extractor) videoStream() (*mpegts.ElementaryStream, bool) {
	for _, es := range e.progs.Streams() {
		if mpegts.IsVideo(es.StreamType) {
			return es, true
		}
	}
	return nil, false
}

// declare records the channels announced by the video stream's ATSC
// caption_service_descriptor (tag 0x86).
func (e *Extractor) declare() {
	video, ok := e.videoStream()
	if !ok {
		return
	}
	d, ok := video.Descriptor(0x86)
	if !ok || len(d.Data) < 1 {
		e.mu.Lock()
		e.channels = slices.Clone(AllChannels)
		e.mu.Unlock()
		return
	}

	n := int(d.Data[0] & 0x1F)
	var chans []string
	for i := range n {
		off := 1 + i*6
		if off+6 > len(d.Data) {
			break
		}
		flags := d.Data[off+3]
		switch {
		case flags&0x80 != 0:
			chans = append(chans, fmt.Sprintf("svc%d", flags&0x3F))
		case flags&0x01 != 0:
			chans = append(chans, "CC3")
		default:
			chans = append(chans, "CC1")
		}
	}
	e.mu.Lock()
	e.channels = chans
	e.mu.Unlock()
	e.log.Debug("caption services declared", "channels", strings.Join(chans, ","))
}

// builder assembles the cues of one channel within a segment.
type builder struct {
	channel string
	open    *Cue
	raw     []byte
	done    []Cue
}

func (b *builder) start(pts float64) {
	if b.open == nil {
		b.open = &Cue{Start: pts, Channel: b.channel}
		b.raw = b.raw[:0]
	}
}

// update applies decoder output to the open cue, opening one if needed.
// Replacing a cue's text happens only through close.
func (b *builder) update(text string, pts float64) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	b.start(pts)
	b.open.Text = text
}

func (b *builder) close(pts float64) {
	if b.open == nil {
		return
	}
	c := *b.open
	if c.Text == "" {
		c.Text = strings.TrimSpace(string(b.raw))
	}
	c.End = max(pts, c.Start)
	if c.Text != "" {
		b.done = append(b.done, c)
	}
	b.open = nil
}

func (e *Extractor) decode(aus []accessUnit, hevc bool, timing Timing) []Cue {
	builders := make(map[string]*builder)
	get := func(ch string) *builder {
		b, ok := builders[ch]
		if !ok {
			b = &builder{channel: ch}
			builders[ch] = b
		}
		return b
	}

	for i, au := range aus {
		if i > 0 {
			e.step = au.pts - aus[i-1].pts
		}
		pts := au.pts + timing.Offset
		for _, nal := range splitAnnexB(au.data, hevc) {
			if !isSEI(nal, hevc) {
				continue
			}
			var cd *ccx.CaptionData
			if hevc {
				cd = ccx.ExtractCaptionsHEVC(nal.data)
			} else {
				cd = ccx.ExtractCaptions(nal.data)
			}
			if cd == nil {
				continue
			}
			for _, pair := range cd.CC608Pairs {
				e.decode608(pair.Channel, int(pair.Field), pair.Data[0], pair.Data[1], pts, get)
			}
			for _, t := range cd.DTVCC {
				switch {
				case t.Start:
					e.dtvcc = e.dtvcc[:0]
				case len(e.dtvcc) == 0:
					// padding, or the tail of a packet whose start was lost
					continue
				}
				e.dtvcc = append(e.dtvcc, t.Data[0], t.Data[1])
				e.drain708(pts, get)
			}
		}
	}

	end := aus[len(aus)-1].pts + e.step + timing.Offset
	if timing.Window != nil {
		end = timing.Window.End
	}
	var cues []Cue
	for _, b := range builders {
		b.close(end)
		cues = append(cues, b.done...)
	}
	sort.SliceStable(cues, func(i, j int) bool {
		if cues[i].Start != cues[j].Start {
			return cues[i].Start < cues[j].Start
		}
		return cues[i].Channel < cues[j].Channel
	})
	return cues
}

// decode608 handles one CEA-608 byte pair. Control codes are sent twice
// for robustness; the repeat is dropped before it reaches the decoder.
func (e *Extractor) decode608(channel, field int, cc1, cc2 byte, pts float64, get func(string) *builder) {
	cc1, cc2 = cc1&0x7F, cc2&0x7F
	if cc1 == 0 && cc2 == 0 {
		return
	}
	f := field & 1
	ctrl := cc1 >= 0x10 && cc1 <= 0x1F
	if ctrl {
		cp := [2]byte{cc1, cc2}
		if e.wasCtrl[f] && e.lastCtrl[f] == cp {
			e.wasCtrl[f] = false
			return
		}
		e.lastCtrl[f], e.wasCtrl[f] = cp, true
	} else {
		e.wasCtrl[f] = false
	}

	dec := e.dec608[channel]
	if dec == nil {
		return
	}
	text := dec.Decode(cc1, cc2)
	b := get(fmt.Sprintf("CC%d", channel))

	misc := cc1&0x76 == 0x14
	switch {
	case misc && cc2 == 0x2C: // erase displayed memory
		b.close(pts)
	case misc && cc2 == 0x2F: // end of caption: pop-on text becomes visible
		b.close(pts)
		b.update(text, pts)
	case cc1 >= 0x20:
		b.start(pts)
		for _, c := range [2]byte{cc1, cc2} {
			if c >= 0x20 {
				b.raw = append(b.raw, c)
			}
		}
		b.update(text, pts)
	default:
		if b.open != nil {
			b.update(text, pts)
		}
	}
}

// drain708 decodes the buffered DTVCC packet as soon as its last pair
// arrives, so a packet completed by a segment's final frame belongs to that
// segment. The buffer is emptied once decoded.
func (e *Extractor) drain708(pts float64, get func(string) *builder) {
	if len(e.dtvcc) < 1 {
		return
	}
	size := ccx.DTVCCPacketSize(e.dtvcc[0])
	if len(e.dtvcc) < size {
		return
	}
	packet := e.dtvcc[:size]
	e.dtvcc = e.dtvcc[:0]
	for _, block := range ccx.ParseDTVCCPacket(packet) {
		svc := e.svc708[block.ServiceNum]
		if svc == nil || !svc.ProcessBlock(block.Data) {
			continue
		}
		b := get(fmt.Sprintf("svc%d", block.ServiceNum))
		text := svc.DisplayText()
		if strings.TrimSpace(text) == "" {
			b.close(pts)
			continue
		}
		b.update(text, pts)
	}
}

// forward sends the selected channel's cues to the sink in order.
func (e *Extractor) forward(cues []Cue) int {
	selected := e.Selected()
	n := 0
	for _, c := range cues {
		if c.Channel != selected {
			continue
		}
		if err := e.sink.OnCue(c); err != nil {
			e.log.Warn("caption sink rejected cue", "channel", c.Channel, "start", c.Start, "error", err)
			continue
		}
		n++
	}
	if dropped := len(cues) - n; dropped > 0 {
		e.log.Debug("cues not forwarded", "count", dropped, "selected", selected)
	}
	return n
}
