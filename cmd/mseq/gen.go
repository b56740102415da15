package main

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/zsiec/mseq/internal/manifest"
	"github.com/zsiec/mseq/internal/mpegts"
	"github.com/zsiec/mseq/internal/tsgen"
)

type genOptions struct {
	name     string
	duration float64
	segment  float64
	audio    bool
	captions bool
	live     bool
}

const (
	videoFrameDuration = 1.0 / 30
	// 50 frames per second keeps audio segment edges exact.
	audioFrameDuration = 0.02
)

func newGenCmd() *cobra.Command {
	opts := genOptions{name: "demo", duration: 30, segment: 6, audio: true, captions: true, live: true}
	cmd := &cobra.Command{
		Use:   "gen <dir>",
		Short: "Write synthetic TS segments, HLS playlists and a session manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := generate(args[0], opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.name, "name", opts.name, "session name")
	cmd.Flags().Float64Var(&opts.duration, "duration", opts.duration, "total duration in seconds")
	cmd.Flags().Float64Var(&opts.segment, "segment", opts.segment, "segment duration in seconds")
	cmd.Flags().BoolVar(&opts.audio, "audio", opts.audio, "include an audio track")
	cmd.Flags().BoolVar(&opts.captions, "captions", opts.captions, "embed CEA-608 captions in the video track")
	cmd.Flags().BoolVar(&opts.live, "live", opts.live, "also write live.ts, the tracks interleaved for push")
	return cmd
}

// generate writes the content under dir and returns the manifest path.
func generate(dir string, opts genOptions) (string, error) {
	if opts.duration <= 0 || opts.segment <= 0 {
		return "", fmt.Errorf("duration and segment must be positive")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	video := tsgen.VideoStream()
	if opts.captions {
		video.Descriptors = append(video.Descriptors, tsgen.CaptionServiceDescriptor(1))
	}
	f := manifest.File{
		Name:        opts.name,
		Duration:    opts.duration,
		EndOfStream: true,
		Tracks:      map[string]manifest.TrackFile{},
	}
	if opts.captions {
		f.SelectedCaption = "CC1"
	}

	videoSegs, err := writeTrack(dir, "video", video, videoFrameDuration, opts)
	if err != nil {
		return "", err
	}
	streams := []tsgen.Stream{video}
	var audioSegs [][]byte
	f.Tracks["video"] = manifest.TrackFile{
		MimeType: "video/mp2t",
		Codecs:   "avc1.64001f",
		Playlist: "video.m3u8",
		Captions: opts.captions,
	}
	if opts.audio {
		audioSegs, err = writeTrack(dir, "audio", tsgen.AudioStream(), audioFrameDuration, opts)
		if err != nil {
			return "", err
		}
		streams = append(streams, tsgen.AudioStream())
		f.Tracks["audio"] = manifest.TrackFile{
			MimeType: "audio/mp2t",
			Codecs:   "mp4a.40.2",
			Playlist: "audio.m3u8",
		}
	}

	if opts.live {
		// Each audio segment follows its video segment, so a segmenter
		// cutting at video unit starts keeps them together.
		live := tsgen.Tables(streams...)
		for i, seg := range videoSegs {
			live = append(live, seg...)
			if i < len(audioSegs) {
				live = append(live, audioSegs[i]...)
			}
		}
		if err := os.WriteFile(filepath.Join(dir, "live.ts"), live, 0o644); err != nil {
			return "", err
		}
	}

	path := filepath.Join(dir, "session.yaml")
	if err := manifest.Write(path, f); err != nil {
		return "", err
	}
	return path, nil
}

// writeTrack writes one track's init segment, media segments and playlist,
// returning the media segments.
func writeTrack(dir, name string, stream tsgen.Stream, frameDur float64, opts genOptions) ([][]byte, error) {
	initName := "init_" + name + ".ts"
	if err := os.WriteFile(filepath.Join(dir, initName), tsgen.Tables(stream), 0o644); err != nil {
		return nil, err
	}

	var segs [][]byte
	var names []string
	var durations []float64
	for i, at := 0, 0.0; at < opts.duration-1e-9; i++ {
		d := math.Min(opts.segment, opts.duration-at)
		m := tsgen.Media{Stream: stream, Start: at, Duration: d, FrameDuration: frameDur}
		if opts.captions && mpegts.IsVideo(stream.StreamType) && d > 1 {
			m.Captions = []tsgen.Caption{{
				Channel: 1,
				Text:    fmt.Sprintf("SEGMENT %d", i+1),
				Start:   at + 0.5,
				End:     at + d - 0.5,
			}}
		}
		seg := fmt.Sprintf("%s_%03d.ts", name, i)
		data := m.Build()
		if err := os.WriteFile(filepath.Join(dir, seg), data, 0o644); err != nil {
			return nil, err
		}
		segs = append(segs, data)
		names = append(names, seg)
		durations = append(durations, d)
		at += d
	}

	playlist, err := manifest.EncodePlaylist(initName, names, durations)
	if err != nil {
		return nil, err
	}
	slog.Debug("track written", "track", name, "segments", len(names))
	return segs, os.WriteFile(filepath.Join(dir, name+".m3u8"), playlist, 0o644)
}
