package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/mseq/internal/captions"
	"github.com/zsiec/mseq/internal/engine"
	"github.com/zsiec/mseq/internal/host/memory"
	"github.com/zsiec/mseq/internal/manifest"
	"github.com/zsiec/mseq/internal/media"
	"github.com/zsiec/mseq/internal/mpegts"
	"github.com/zsiec/mseq/internal/queue"
	"github.com/zsiec/mseq/internal/timerange"
)

type playOptions struct {
	latency time.Duration
	quota   int
	out     string
}

func newPlayCmd() *cobra.Command {
	var opts playOptions
	cmd := &cobra.Command{
		Use:   "play <manifest.yaml>",
		Short: "Append every segment of a session manifest and report what was buffered",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := manifest.Load(args[0])
			if err != nil {
				return err
			}
			rep, err := play(cmd.Context(), m, opts)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if opts.out != "" {
				f, err := os.Create(opts.out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return writeReport(w, rep)
		},
	}
	cmd.Flags().DurationVar(&opts.latency, "latency", 0, "simulated host processing time per operation")
	cmd.Flags().IntVar(&opts.quota, "quota", 0, "per-track buffer quota in payload bytes (0 = unlimited)")
	cmd.Flags().StringVarP(&opts.out, "out", "o", "", "write the JSON report to a file instead of stdout")
	return cmd
}

type report struct {
	Engine          string        `json:"engine"`
	Name            string        `json:"name"`
	Duration        *float64      `json:"duration"`
	Ended           bool          `json:"ended"`
	SelectedCaption string        `json:"selectedCaption,omitempty"`
	CaptionChannels []string      `json:"captionChannels,omitempty"`
	Tracks          []trackReport `json:"tracks"`
	Cues            []cueReport   `json:"cues"`
}

type trackReport struct {
	Type          string       `json:"type"`
	Buffered      [][2]float64 `json:"buffered"`
	BufferedAhead float64      `json:"bufferedAhead"`
	Appended      int          `json:"appended"`
	Errors        []string     `json:"errors,omitempty"`
}

type cueReport struct {
	Channel string  `json:"channel"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
}

// play runs m against an in-memory host. Failed appends are reported per
// track; only setup failures abort.
func play(ctx context.Context, m *manifest.Manifest, opts playOptions) (*report, error) {
	var mu sync.Mutex
	var cues []cueReport
	sink := captions.SinkFunc(func(c captions.Cue) error {
		mu.Lock()
		cues = append(cues, cueReport{Channel: c.Channel, Start: c.Start, End: c.End, Text: c.Text})
		mu.Unlock()
		return nil
	})

	src := memory.New(memory.Config{Latency: opts.latency, QuotaBytes: opts.quota})
	eng := engine.New(engine.Config{Source: src, Transmuxer: remuxer{}, CaptionSink: sink})
	defer eng.Destroy(context.WithoutCancel(ctx))
	log := slog.With("session", m.Name, "engine", eng.ID())

	if err := eng.Init(ctx, m.Configs(), m.ForceTranscode); err != nil {
		return nil, fmt.Errorf("init: %w", err)
	}
	if m.SelectedCaption != "" {
		eng.SetSelectedClosedCaptionID(m.SelectedCaption)
	}
	if m.Duration > 0 {
		if err := eng.SetDuration(m.Duration).Wait(ctx); err != nil {
			return nil, fmt.Errorf("set duration: %w", err)
		}
	}

	tracks := make([]trackReport, len(m.Tracks))
	g, gctx := errgroup.WithContext(ctx)
	for i, tr := range m.Tracks {
		g.Go(func() error {
			rep, err := feed(gctx, eng, tr)
			tracks[i] = rep
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if m.EndOfStream {
		if err := eng.EndOfStream().Wait(ctx); err != nil {
			return nil, fmt.Errorf("end of stream: %w", err)
		}
	}

	for i := range tracks {
		typ := m.Tracks[i].Type
		buffered, _ := eng.Buffered(typ)
		for _, r := range buffered {
			tracks[i].Buffered = append(tracks[i].Buffered, [2]float64{r.Start, r.End})
		}
		if start, ok := eng.BufferStart(typ); ok {
			tracks[i].BufferedAhead = eng.BufferedAheadOf(typ, start)
		}
	}

	rep := &report{
		Engine:          eng.ID(),
		Name:            m.Name,
		Ended:           eng.Ended(),
		SelectedCaption: m.SelectedCaption,
		CaptionChannels: eng.CaptionChannels(),
		Tracks:          tracks,
	}
	if d := eng.Duration(); !math.IsNaN(d) && !math.IsInf(d, 0) {
		rep.Duration = &d
	}
	mu.Lock()
	rep.Cues = append([]cueReport{}, cues...)
	mu.Unlock()
	log.Info("session played", "tracks", len(tracks), "cues", len(rep.Cues))
	return rep, nil
}

// feed enqueues every operation of one track up front, then waits for the
// results in order.
func feed(ctx context.Context, eng *engine.Engine, tr manifest.Track) (trackReport, error) {
	rep := trackReport{Type: tr.Type.String()}
	if err := eng.SetStreamProperties(tr.Type, tr.Properties).Wait(ctx); err != nil {
		return rep, fmt.Errorf("%s: properties: %w", tr.Type, err)
	}

	type pending struct {
		name string
		res  *queue.Result
	}
	var queued []pending
	if tr.Playlist.Init != "" {
		data, err := os.ReadFile(tr.Playlist.Init)
		if err != nil {
			return rep, err
		}
		// Caption extraction learns the program tables from the init segment.
		initSeg := media.Segment{Data: data, HasClosedCaptions: tr.Captions}
		queued = append(queued, pending{tr.Playlist.Init, eng.AppendBuffer(tr.Type, initSeg)})
	}
	off := tr.Properties.TimestampOffset
	for _, e := range tr.Playlist.Segments {
		data, err := os.ReadFile(e.Path)
		if err != nil {
			return rep, err
		}
		seg := media.Segment{
			Data:              data,
			Timing:            &timerange.Range{Start: e.Start + off, End: e.End() + off},
			HasClosedCaptions: tr.Captions,
		}
		queued = append(queued, pending{e.Path, eng.AppendBuffer(tr.Type, seg)})
	}

	for _, p := range queued {
		err := p.res.Wait(ctx)
		switch {
		case err == nil:
			rep.Appended++
		case errors.Is(err, media.ErrEngineDestroyed), ctx.Err() != nil:
			return rep, err
		default:
			rep.Errors = append(rep.Errors, fmt.Sprintf("%s: %v", p.name, err))
		}
	}
	return rep, nil
}

func writeReport(w io.Writer, rep *report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

// remuxer handles forced transcoding for transport stream tracks. The
// host buffers TS directly, so conversion validates the packet structure
// and passes the segment through.
type remuxer struct{}

func (remuxer) IsSupported(info media.StreamInfo) bool {
	switch media.BaseType(info.MimeType) {
	case "video/mp2t", "audio/mp2t":
		return true
	}
	return false
}

func (remuxer) Convert(info media.StreamInfo) media.StreamInfo { return info }

func (remuxer) Transmux(ctx context.Context, _ media.ContentType, data []byte) ([]byte, error) {
	if _, err := mpegts.Scan(ctx, data, nil); err != nil {
		return nil, err
	}
	return data, nil
}
