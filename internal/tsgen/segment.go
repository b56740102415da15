package tsgen

import (
	"math"

	"github.com/zsiec/mseq/internal/mpegts"
)

// Media describes one media segment for a single elementary stream.
type Media struct {
	Stream Stream
	// Start is the PTS of the first frame in seconds.
	Start float64
	// Duration is the nominal segment length; FrameDuration the spacing
	// between frames. The segment holds round(Duration/FrameDuration)
	// frames.
	Duration      float64
	FrameDuration float64
	// Captions are encoded as CEA-608 roll-up captions in the video SEI.
	Captions []Caption
	// CCData adds raw cc_data triplets to the SEI of the keyed frame,
	// after any CEA-608 pairs.
	CCData map[int][]Triplet
	// WithTables prefixes the segment with PAT and PMT.
	WithTables bool
}

// Frames returns the number of frames the segment carries.
func (m Media) Frames() int {
	if m.FrameDuration <= 0 {
		return 0
	}
	return int(math.Round(m.Duration / m.FrameDuration))
}

// Build encodes the segment.
func (m Media) Build() []byte {
	var out []byte
	if m.WithTables {
		out = Tables(m.Stream)
	}
	video := mpegts.IsVideo(m.Stream.StreamType)
	hevc := m.Stream.StreamType == mpegts.StreamTypeH265

	var sched [2]map[int][2]byte
	if video && len(m.Captions) > 0 {
		sched = schedule(m.Captions, m.Start, m.FrameDuration, m.Frames())
	}

	var cc byte
	for i := range m.Frames() {
		pts := m.Start + float64(i)*m.FrameDuration
		var pes []byte
		if video {
			au := accessUnit(hevc, i == 0)
			var triplets []Triplet
			if len(m.Captions) > 0 {
				triplets = framePairs(sched, i)
			}
			triplets = append(triplets, m.CCData[i]...)
			if len(triplets) > 0 {
				au = insertSEI(au, hevc, CaptionSEI(hevc, triplets))
			}
			pes = PES(0xE0, pts, au)
		} else {
			pes = PES(0xC0, pts, audioFrame(i))
		}
		out = append(out, Packetize(pes, m.Stream.PID, &cc, video && i == 0)...)
	}
	return out
}

// accessUnit returns an AUD followed by one slice NAL. The first frame of a
// segment is an IDR.
func accessUnit(hevc, idr bool) []byte {
	if hevc {
		slice := byte(1 << 1)
		if idr {
			slice = 19 << 1
		}
		return []byte{
			0, 0, 0, 1, 35 << 1, 0x01, 0x50,
			0, 0, 0, 1, slice, 0x01, 0xAF, 0x10, 0x20, 0x30,
		}
	}
	slice := byte(0x41)
	if idr {
		slice = 0x65
	}
	return []byte{
		0, 0, 0, 1, 0x09, 0xF0,
		0, 0, 0, 1, slice, 0x88, 0x84, 0x21, 0x43,
	}
}

// insertSEI places the SEI NAL after the AUD.
func insertSEI(au []byte, hevc bool, sei []byte) []byte {
	audLen := 6
	if hevc {
		audLen = 7
	}
	out := make([]byte, 0, len(au)+len(sei))
	out = append(out, au[:audLen]...)
	out = append(out, sei...)
	return append(out, au[audLen:]...)
}

func audioFrame(i int) []byte {
	// ADTS header for a 7-byte-payload AAC-LC frame, 48 kHz stereo.
	return []byte{0xFF, 0xF1, 0x4C, 0x80, 0x01, 0xDF, 0xFC, 0x21, 0x10, 0x04, byte(i), 0x00, 0x00, 0x1C}
}
