package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/mseq/internal/captions"
	"github.com/zsiec/mseq/internal/engine"
	"github.com/zsiec/mseq/internal/host/memory"
	"github.com/zsiec/mseq/internal/ingest"
	srtingest "github.com/zsiec/mseq/internal/ingest/srt"
	"github.com/zsiec/mseq/internal/pipeline"
	"github.com/zsiec/mseq/internal/session"
)

type listenOptions struct {
	addr          string
	pulls         []string
	segment       float64
	backBuffer    float64
	quota         int
	captions      bool
	statsInterval time.Duration
}

func newListenCmd() *cobra.Command {
	opts := listenOptions{segment: 2, backBuffer: 30, quota: 8 << 20, captions: true, statsInterval: 10 * time.Second}
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Buffer live MPEG-TS streams received over SRT",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.addr == "" {
				opts.addr = envOr("SRT_ADDR", ":6000")
			}
			return listen(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "", "SRT listen address (default $SRT_ADDR or :6000)")
	cmd.Flags().StringArrayVar(&opts.pulls, "pull", nil, "pull a remote SRT listener, as key=host:port (repeatable)")
	cmd.Flags().Float64Var(&opts.segment, "segment", opts.segment, "segment duration in seconds")
	cmd.Flags().Float64Var(&opts.backBuffer, "back-buffer", opts.backBuffer, "seconds kept behind the live edge on eviction")
	cmd.Flags().IntVar(&opts.quota, "quota", opts.quota, "per-track buffer quota in payload bytes")
	cmd.Flags().BoolVar(&opts.captions, "captions", opts.captions, "extract CEA-608/708 captions from video")
	cmd.Flags().DurationVar(&opts.statsInterval, "stats-interval", opts.statsInterval, "how often to log stream stats (0 disables)")
	return cmd
}

type server struct {
	opts     listenOptions
	sessions *session.Manager
	registry *ingest.Registry
}

func listen(ctx context.Context, opts listenOptions) error {
	pulls := make([]srtingest.PullRequest, 0, len(opts.pulls))
	for _, p := range opts.pulls {
		req, err := srtingest.ParsePullRequest(p)
		if err != nil {
			return err
		}
		pulls = append(pulls, req)
	}

	slog.Info("mseq starting", "version", version, "srt", opts.addr, "pulls", len(pulls))

	g, ctx := errgroup.WithContext(ctx)

	// The registry is created after the errgroup so stream handlers see the
	// group context and stop when any component fails.
	s := &server{opts: opts, sessions: session.NewManager(nil)}
	s.registry = ingest.NewRegistry(func(st *ingest.Stream) {
		s.handleStream(ctx, st)
	})

	srtSrv := srtingest.NewServer(opts.addr, s.registry, nil)
	caller := srtingest.NewCaller(s.registry, nil)

	g.Go(func() error {
		return srtSrv.Start(ctx)
	})
	for _, req := range pulls {
		g.Go(func() error {
			if err := caller.Pull(ctx, req); err != nil {
				slog.Error("pull failed", "stream_key", req.StreamKey, "address", req.Address, "error", err)
			}
			return nil
		})
	}
	if opts.statsInterval > 0 {
		g.Go(func() error {
			s.logStats(ctx)
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.sessions.Close(shutdownCtx)
	})

	return g.Wait()
}

// handleStream buffers one ingest stream until it ends.
func (s *server) handleStream(ctx context.Context, st *ingest.Stream) {
	log := slog.With("stream", st.Key, "origin", st.Origin)
	src := memory.New(memory.Config{QuotaBytes: s.opts.quota})
	cfg := engine.Config{Source: src}
	if s.opts.captions {
		cfg.CaptionSink = captions.SinkFunc(func(c captions.Cue) error {
			log.Info("caption", "channel", c.Channel, "start", c.Start, "end", c.End, "text", c.Text)
			return nil
		})
	}
	eng := engine.New(cfg)
	if _, ok := s.sessions.Create(st.Key, eng); !ok {
		_ = eng.Destroy(ctx)
		return
	}
	defer func() {
		if err := s.sessions.Remove(context.WithoutCancel(ctx), st.Key); err != nil {
			log.Warn("session teardown failed", "error", err)
		}
	}()

	p := pipeline.New(st.Key, st.Input(), eng, pipeline.Config{
		SegmentDuration: s.opts.segment,
		BackBuffer:      s.opts.backBuffer,
		Captions:        s.opts.captions,
	})
	if err := p.Run(ctx); err != nil {
		log.Error("pipeline error", "error", err)
	}
	stats := p.Stats()
	log.Info("stream ended", "segments", stats.Segments, "evictions", stats.Evictions, "failures", stats.Failures)
}

func (s *server) logStats(ctx context.Context) {
	t := time.NewTicker(s.opts.statsInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		for _, st := range s.registry.List() {
			attrs := []any{"stream", st.Key, "origin", st.Origin, "bytes", st.BytesReceived, "uptime_ms", st.UptimeMs}
			if sess, ok := s.sessions.Get(st.Key); ok {
				for _, typ := range sess.Engine.Tracks() {
					end, _ := sess.Engine.BufferEnd(typ)
					start, _ := sess.Engine.BufferStart(typ)
					attrs = append(attrs, typ.String(), [2]float64{start, end})
				}
			}
			slog.Info("stream stats", attrs...)
		}
	}
}
