package manifest

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/grafov/m3u8"
)

// Playlist is a track's segment list with resolved file paths.
type Playlist struct {
	// Init is the initialization segment from EXT-X-MAP, empty when the
	// playlist has none.
	Init     string
	Segments []Entry
}

// Entry is one media segment. Start accumulates the durations of the
// entries before it.
type Entry struct {
	Path     string
	Start    float64
	Duration float64
}

// End returns Start + Duration.
func (e Entry) End() float64 { return e.Start + e.Duration }

// LoadPlaylist reads an HLS media playlist from path.
func LoadPlaylist(path string) (*Playlist, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: open playlist: %w", err)
	}
	defer f.Close()
	return DecodePlaylist(f, filepath.Dir(path))
}

// DecodePlaylist parses a media playlist, resolving segment URIs against
// dir. Master playlists are rejected.
func DecodePlaylist(r io.Reader, dir string) (*Playlist, error) {
	p, listType, err := m3u8.DecodeFrom(r, true)
	if err != nil {
		return nil, fmt.Errorf("%w: parse playlist: %v", ErrInvalid, err)
	}
	if listType == m3u8.MASTER {
		return nil, fmt.Errorf("%w: master playlist where a media playlist was expected", ErrInvalid)
	}
	mp, ok := p.(*m3u8.MediaPlaylist)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected playlist type", ErrInvalid)
	}

	out := &Playlist{}
	if mp.Map != nil && mp.Map.URI != "" {
		out.Init = resolvePath(dir, mp.Map.URI)
	}
	var at float64
	for _, seg := range mp.Segments {
		if seg == nil {
			break
		}
		if out.Init == "" && seg.Map != nil && seg.Map.URI != "" {
			out.Init = resolvePath(dir, seg.Map.URI)
		}
		out.Segments = append(out.Segments, Entry{
			Path:     resolvePath(dir, seg.URI),
			Start:    at,
			Duration: seg.Duration,
		})
		at += seg.Duration
	}
	if len(out.Segments) == 0 {
		return nil, fmt.Errorf("%w: playlist contains no segments", ErrInvalid)
	}
	return out, nil
}

// EncodePlaylist renders a closed media playlist. init, when set, becomes
// the EXT-X-MAP URI; names and durations list the media segments.
func EncodePlaylist(init string, names []string, durations []float64) ([]byte, error) {
	if len(names) != len(durations) {
		return nil, fmt.Errorf("manifest: %d segment names for %d durations", len(names), len(durations))
	}
	mp, err := m3u8.NewMediaPlaylist(0, uint(len(names)))
	if err != nil {
		return nil, fmt.Errorf("manifest: new playlist: %w", err)
	}
	if init != "" {
		mp.SetDefaultMap(init, 0, 0)
	}
	for i, name := range names {
		if err := mp.Append(name, durations[i], ""); err != nil {
			return nil, fmt.Errorf("manifest: append %s: %w", name, err)
		}
	}
	mp.Close()
	return mp.Encode().Bytes(), nil
}
