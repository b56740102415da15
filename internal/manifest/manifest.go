// Package manifest loads session manifests: a YAML file naming the tracks
// of one playback session, their stream types and properties, and an HLS
// media playlist per track listing the segments to append.
package manifest

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/zsiec/mseq/internal/media"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("manifest: invalid")

// File is the on-disk form of a manifest.
type File struct {
	Name            string               `yaml:"name"`
	ForceTranscode  bool                 `yaml:"force_transcode,omitempty"`
	SelectedCaption string               `yaml:"selected_caption,omitempty"`
	Duration        float64              `yaml:"duration,omitempty"`
	EndOfStream     bool                 `yaml:"end_of_stream,omitempty"`
	Tracks          map[string]TrackFile `yaml:"tracks"`
}

// TrackFile is the on-disk form of one track.
type TrackFile struct {
	MimeType   string          `yaml:"mime_type"`
	Codecs     string          `yaml:"codecs,omitempty"`
	Playlist   string          `yaml:"playlist"`
	Captions   bool            `yaml:"captions,omitempty"`
	Properties *PropertiesFile `yaml:"properties,omitempty"`
}

// PropertiesFile is the on-disk form of stream properties. A missing
// append_window_end means unbounded.
type PropertiesFile struct {
	TimestampOffset   float64  `yaml:"timestamp_offset,omitempty"`
	AppendWindowStart float64  `yaml:"append_window_start,omitempty"`
	AppendWindowEnd   *float64 `yaml:"append_window_end,omitempty"`
	SequenceMode      bool     `yaml:"sequence_mode,omitempty"`
}

// Manifest is a validated session description with resolved paths.
type Manifest struct {
	Name            string
	ForceTranscode  bool
	SelectedCaption string
	// Duration is applied before any append when positive.
	Duration    float64
	EndOfStream bool
	// Tracks are in canonical content type order.
	Tracks []Track
}

// Track is one configured track.
type Track struct {
	Type       media.ContentType
	Info       media.StreamInfo
	Captions   bool
	Properties media.StreamProperties
	Playlist   *Playlist
}

// Configs returns the stream info of every track, keyed by type.
func (m *Manifest) Configs() map[media.ContentType]media.StreamInfo {
	out := make(map[media.ContentType]media.StreamInfo, len(m.Tracks))
	for _, t := range m.Tracks {
		out[t.Type] = t.Info
	}
	return out
}

// Load reads the manifest at path and every playlist it references.
// Relative paths resolve against the manifest's directory.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalid, path, err)
	}
	return f.resolve(filepath.Dir(path))
}

// Write encodes f as YAML to path.
func Write(path string, f File) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("manifest: encode: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func (f File) resolve(dir string) (*Manifest, error) {
	if len(f.Tracks) == 0 {
		return nil, fmt.Errorf("%w: no tracks", ErrInvalid)
	}
	if f.Duration < 0 || math.IsNaN(f.Duration) {
		return nil, fmt.Errorf("%w: duration %v", ErrInvalid, f.Duration)
	}
	m := &Manifest{
		Name:            f.Name,
		ForceTranscode:  f.ForceTranscode,
		SelectedCaption: f.SelectedCaption,
		Duration:        f.Duration,
		EndOfStream:     f.EndOfStream,
	}

	for name, tf := range f.Tracks {
		typ := media.ContentType(name)
		if !typ.Valid() {
			return nil, fmt.Errorf("%w: unknown track type %q", ErrInvalid, name)
		}
		if tf.MimeType == "" {
			return nil, fmt.Errorf("%w: track %s has no mime_type", ErrInvalid, name)
		}
		if tf.Playlist == "" {
			return nil, fmt.Errorf("%w: track %s has no playlist", ErrInvalid, name)
		}

		props := media.DefaultStreamProperties()
		if p := tf.Properties; p != nil {
			props.TimestampOffset = p.TimestampOffset
			props.AppendWindowStart = p.AppendWindowStart
			props.SequenceMode = p.SequenceMode
			if p.AppendWindowEnd != nil {
				props.AppendWindowEnd = *p.AppendWindowEnd
			}
		}
		if err := props.Validate(); err != nil {
			return nil, fmt.Errorf("%w: track %s: %v", ErrInvalid, name, err)
		}

		pl, err := LoadPlaylist(resolvePath(dir, tf.Playlist))
		if err != nil {
			return nil, fmt.Errorf("track %s: %w", name, err)
		}
		m.Tracks = append(m.Tracks, Track{
			Type:       typ,
			Info:       media.StreamInfo{MimeType: tf.MimeType, Codecs: tf.Codecs},
			Captions:   tf.Captions,
			Properties: props,
			Playlist:   pl,
		})
	}

	slices.SortFunc(m.Tracks, func(a, b Track) int {
		return slices.Index(media.ContentTypes, a.Type) - slices.Index(media.ContentTypes, b.Type)
	})
	return m, nil
}

func resolvePath(dir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}
