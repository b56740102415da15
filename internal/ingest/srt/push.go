package srt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/mseq/internal/mpegts"
)

// pushChunk is one standard SRT payload of seven TS packets.
const pushChunk = mpegts.PacketSize * 7

// PushOptions controls Push.
type PushOptions struct {
	// Loop replays the stream until ctx is cancelled, shifting timestamps
	// each pass so they keep increasing.
	Loop bool
	// Duration overrides the pacing span in seconds. Zero derives it from
	// the stream's PTS values.
	Duration float64
	Logger   *slog.Logger
}

// Push publishes a transport stream to an SRT listener at real-time pace.
// The connection is re-dialed after write failures while looping. Looping
// shifts the timestamps in data in place.
func Push(ctx context.Context, addr, streamID string, data []byte, opts PushOptions) error {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "srt-push", "stream_id", streamID)

	tl := mpegts.ScanTimeline(data)
	duration := opts.Duration
	if duration <= 0 {
		duration = float64(tl.Duration()) / mpegts.ClockHz
	}
	if duration <= 0 {
		return errors.New("srt: cannot pace a stream without timestamps")
	}
	p := &pacer{data: data, tl: tl, rate: float64(len(data)) / duration, loop: opts.Loop, log: log}
	log.Info("pushing", "addr", addr, "bytes", len(data), "duration", duration, "loop", opts.Loop)

	for {
		cfg := srtgo.DefaultConfig()
		cfg.StreamID = streamID
		conn, err := srtgo.Dial(addr, cfg)
		if err != nil {
			if !opts.Loop {
				return fmt.Errorf("srt: dial %s: %w", addr, err)
			}
			log.Warn("connect failed, retrying", "error", err)
		} else {
			err = p.send(ctx, conn)
			conn.Close()
			if err == nil || ctx.Err() != nil || !opts.Loop {
				return err
			}
			log.Warn("connection lost, reconnecting", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}

type pacer struct {
	data []byte
	tl   *mpegts.Timeline
	rate float64
	loop bool
	log  *slog.Logger

	start time.Time
	sent  int64
}

// send writes passes of the stream to w, pacing against a clock that
// spans reconnects so timestamps and send times stay aligned.
func (p *pacer) send(ctx context.Context, w io.Writer) error {
	if p.start.IsZero() {
		p.start = time.Now()
	}
	for pass := 1; ; pass++ {
		for i := 0; i < len(p.data); i += pushChunk {
			if ctx.Err() != nil {
				return nil
			}
			end := min(i+pushChunk, len(p.data))
			if _, err := w.Write(p.data[i:end]); err != nil {
				return err
			}
			p.sent += int64(end - i)
			ahead := float64(p.sent)/p.rate - time.Since(p.start).Seconds()
			if ahead > 0 {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(time.Duration(ahead * float64(time.Second))):
				}
			}
		}
		if !p.loop {
			return nil
		}
		p.tl.Shift(p.data, p.tl.Duration())
		p.log.Debug("pass complete", "pass", pass, "sent", p.sent)
	}
}
