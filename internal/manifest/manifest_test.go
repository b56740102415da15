package manifest

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zsiec/mseq/internal/media"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func writePlaylist(t *testing.T, dir, name string) {
	t.Helper()
	data, err := EncodePlaylist("init.ts", []string{"seg0.ts", "seg1.ts", "seg2.ts"}, []float64{10, 10, 4.5})
	if err != nil {
		t.Fatalf("EncodePlaylist: %v", err)
	}
	writeFile(t, dir, name, string(data))
}

func TestLoad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writePlaylist(t, dir, "video.m3u8")
	writePlaylist(t, dir, "audio.m3u8")
	path := writeFile(t, dir, "session.yaml", `
name: demo
selected_caption: CC3
duration: 40
end_of_stream: true
tracks:
  audio:
    mime_type: audio/mp2t
    codecs: mp4a.40.2
    playlist: audio.m3u8
  video:
    mime_type: video/mp2t
    codecs: avc1.64001f
    playlist: video.m3u8
    captions: true
    properties:
      timestamp_offset: 15
      append_window_start: 20
`)

	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Name != "demo" || m.SelectedCaption != "CC3" || m.Duration != 40 || !m.EndOfStream {
		t.Errorf("header: got %+v", m)
	}
	if len(m.Tracks) != 2 || m.Tracks[0].Type != media.Video || m.Tracks[1].Type != media.Audio {
		t.Fatalf("tracks: got %+v, want video then audio", m.Tracks)
	}

	video := m.Tracks[0]
	if !video.Captions {
		t.Error("video captions flag lost")
	}
	if got := video.Info.FullType(); got != `video/mp2t; codecs="avc1.64001f"` {
		t.Errorf("full type: got %s", got)
	}
	p := video.Properties
	if p.TimestampOffset != 15 || p.AppendWindowStart != 20 || !math.IsInf(p.AppendWindowEnd, 1) {
		t.Errorf("properties: got %+v", p)
	}

	pl := video.Playlist
	if pl.Init != filepath.Join(dir, "init.ts") {
		t.Errorf("init: got %s", pl.Init)
	}
	if len(pl.Segments) != 3 {
		t.Fatalf("segments: got %d, want 3", len(pl.Segments))
	}
	last := pl.Segments[2]
	if last.Path != filepath.Join(dir, "seg2.ts") || last.Start != 20 || last.End() != 24.5 {
		t.Errorf("last segment: got %+v", last)
	}

	if got := m.Configs(); len(got) != 2 || got[media.Audio].Codecs != "mp4a.40.2" {
		t.Errorf("Configs: got %v", got)
	}
}

func TestLoadRejects(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writePlaylist(t, dir, "v.m3u8")
	writeFile(t, dir, "master.m3u8", "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1000000\nv.m3u8\n")

	tests := []struct {
		name string
		yaml string
	}{
		{"no tracks", "name: x\n"},
		{"unknown type", "tracks:\n  subtitles:\n    mime_type: text/vtt\n    playlist: DIR/v.m3u8\n"},
		{"missing mime", "tracks:\n  video:\n    playlist: DIR/v.m3u8\n"},
		{"missing playlist", "tracks:\n  video:\n    mime_type: video/mp2t\n"},
		{"inverted window", "tracks:\n  video:\n    mime_type: video/mp2t\n    playlist: DIR/v.m3u8\n    properties:\n      append_window_start: 10\n      append_window_end: 5\n"},
		{"master playlist", "tracks:\n  video:\n    mime_type: video/mp2t\n    playlist: DIR/master.m3u8\n"},
		{"bad yaml", "tracks: [\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			path := writeFile(t, t.TempDir(), "m.yaml", strings.ReplaceAll(tc.yaml, "DIR", dir))
			if _, err := Load(path); !errors.Is(err, ErrInvalid) {
				t.Errorf("got %v, want ErrInvalid", err)
			}
		})
	}
}

func TestWriteThenLoad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writePlaylist(t, dir, "video.m3u8")
	end := 30.0
	f := File{
		Name: "written",
		Tracks: map[string]TrackFile{
			"video": {
				MimeType:   "video/mp2t",
				Playlist:   "video.m3u8",
				Properties: &PropertiesFile{AppendWindowEnd: &end},
			},
		},
	}
	path := filepath.Join(dir, "session.yaml")
	if err := Write(path, f); err != nil {
		t.Fatalf("Write: %v", err)
	}
	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Tracks[0].Properties.AppendWindowEnd != 30 {
		t.Errorf("window end: got %v, want 30", m.Tracks[0].Properties.AppendWindowEnd)
	}
}

func TestEncodePlaylistLengthMismatch(t *testing.T) {
	t.Parallel()

	if _, err := EncodePlaylist("", []string{"a.ts"}, nil); err == nil {
		t.Error("expected an error for mismatched lengths")
	}
}
