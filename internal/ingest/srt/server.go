package srt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/mseq/internal/ingest"
)

// readBufferSize holds ten standard SRT payloads of seven TS packets.
const readBufferSize = 1316 * 10

// latencyNs is the SRT receiver latency (120ms).
const latencyNs = 120_000_000

// Server accepts SRT publishers and registers each as an ingest stream.
type Server struct {
	log      *slog.Logger
	addr     string
	registry *ingest.Registry
}

// NewServer creates a Server for addr. A nil log uses slog.Default().
func NewServer(addr string, registry *ingest.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log.With("component", "srt-server"),
		addr:     addr,
		registry: registry,
	}
}

// Start accepts connections until ctx is cancelled. Connections without a
// stream ID, or whose key is already publishing, are rejected.
func (s *Server) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = latencyNs

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("srt: listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", s.addr)

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if req.StreamID == "" {
			return srtgo.RejPeer
		}
		if _, busy := s.registry.Get(extractStreamKey(req.StreamID)); busy {
			return srtgo.RejPeer
		}
		return 0
	})

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}
		key := extractStreamKey(conn.StreamID())
		s.log.Info("publish", "stream_key", key, "remote", conn.RemoteAddr())
		go s.handle(ctx, conn, key)
	}
}

func (s *Server) handle(ctx context.Context, conn *srtgo.Conn, key string) {
	defer conn.Close()
	stream, w, err := s.registry.Register(key, ingest.OriginListen)
	if err != nil {
		s.log.Warn("publish rejected", "stream_key", key, "error", err)
		return
	}
	pump(ctx, s.log, s.registry, stream, w, conn, conn.RemoteAddr().String())
}

// pump copies src into the stream's pipe until either side fails, then
// unregisters the stream.
func pump(ctx context.Context, log *slog.Logger, registry *ingest.Registry, stream *ingest.Stream, w io.Writer, src io.Reader, remote string) {
	stream.SetRemoteAddr(remote)
	buf := make([]byte, readBufferSize)
	for ctx.Err() == nil {
		n, err := src.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("read error", "stream_key", stream.Key, "error", err)
			}
			break
		}
		stream.RecordRead(n)
		if _, err := w.Write(buf[:n]); err != nil {
			log.Debug("pipe write error", "stream_key", stream.Key, "error", err)
			break
		}
	}

	st := stream.Stats()
	registry.Unregister(stream.Key)
	log.Info("stream closed", "stream_key", stream.Key, "origin", st.Origin,
		"bytes", st.BytesReceived, "reads", st.ReadCount, "uptime_ms", st.UptimeMs)
}

// extractStreamKey strips a leading slash and "live/" prefix from an SRT
// stream ID.
func extractStreamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}
