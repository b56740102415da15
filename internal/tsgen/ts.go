// Package tsgen builds synthetic MPEG-TS segments: PAT/PMT init segments and
// media segments of H.264/H.265 access units or audio frames with fixed
// frame spacing, optionally carrying CEA-608 captions in A/53 SEI.
package tsgen

import (
	"math"

	"github.com/zsiec/mseq/internal/mpegts"
)

// Default PIDs used by the generator.
const (
	PMTPID   uint16 = 0x1000
	VideoPID uint16 = 0x0100
	AudioPID uint16 = 0x0101
)

// Stream declares one elementary stream in the PMT.
type Stream struct {
	PID         uint16
	StreamType  uint8
	Descriptors []mpegts.Descriptor
}

// VideoStream is an H.264 stream on VideoPID.
func VideoStream() Stream { return Stream{PID: VideoPID, StreamType: mpegts.StreamTypeH264} }

// AudioStream is an AAC stream on AudioPID.
func AudioStream() Stream { return Stream{PID: AudioPID, StreamType: mpegts.StreamTypeAAC} }

// CaptionServiceDescriptor builds an ATSC caption_service_descriptor (tag
// 0x86) announcing the given 608 channels (1-4).
func CaptionServiceDescriptor(channels ...int) mpegts.Descriptor {
	data := []byte{0xE0 | byte(len(channels))&0x1F}
	for _, ch := range channels {
		field := byte(0)
		if ch >= 3 {
			field = 1
		}
		// language "eng", digital_cc=0, line21_field, easy_reader/wide/reserved.
		data = append(data, 'e', 'n', 'g', 0x3E|field, 0x3F, 0xFF)
	}
	return mpegts.Descriptor{Tag: 0x86, Data: data}
}

// Tables returns a PAT and a PMT announcing streams, one packet each. The
// first stream carries the PCR.
func Tables(streams ...Stream) []byte {
	var cc byte
	out := Packetize(psiPayload(pat()), 0, &cc, false)
	cc = 0
	return append(out, Packetize(psiPayload(pmt(streams)), PMTPID, &cc, false)...)
}

func psiPayload(section []byte) []byte {
	return append([]byte{0x00}, section...)
}

func pat() []byte {
	s := []byte{
		0x00, 0xB0, 0x0D,
		0x00, 0x01, // transport_stream_id
		0xC1, 0x00, 0x00,
		0x00, 0x01, // program_number 1
		0xE0 | byte(PMTPID>>8), byte(PMTPID & 0xFF),
	}
	return withCRC(s)
}

func pmt(streams []Stream) []byte {
	var pcr uint16 = 0x1FFF
	if len(streams) > 0 {
		pcr = streams[0].PID
	}
	body := []byte{
		0x00, 0x01, // program_number
		0xC1, 0x00, 0x00,
		0xE0 | byte(pcr>>8), byte(pcr),
		0xF0, 0x00, // program_info_length 0
	}
	for _, s := range streams {
		var info []byte
		for _, d := range s.Descriptors {
			info = append(info, d.Tag, byte(len(d.Data)))
			info = append(info, d.Data...)
		}
		body = append(body,
			s.StreamType,
			0xE0|byte(s.PID>>8), byte(s.PID),
			0xF0|byte(len(info)>>8), byte(len(info)))
		body = append(body, info...)
	}
	length := len(body) + 4
	s := append([]byte{0x02, 0xB0 | byte(length>>8), byte(length)}, body...)
	return withCRC(s)
}

func withCRC(section []byte) []byte {
	crc := mpegts.Checksum(section)
	return append(section, byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))
}

// PES wraps es in a PES packet with a PTS. Video stream IDs (0xE0-0xEF) get
// an unbounded length field.
func PES(streamID byte, pts float64, es []byte) []byte {
	base := int64(math.Round(pts * mpegts.ClockHz))
	hdr := []byte{0x00, 0x00, 0x01, streamID, 0, 0, 0x80, 0x80, 0x05}
	hdr = append(hdr, mpegts.EncodeTimestamp(0x2, base)...)
	length := len(hdr) - 6 + len(es)
	if streamID&0xF0 != 0xE0 && length <= 0xFFFF {
		hdr[4] = byte(length >> 8)
		hdr[5] = byte(length)
	}
	return append(hdr, es...)
}

// Packetize splits a PES packet or PSI payload into 188-byte packets on pid,
// padding the last packet with an adaptation field. cc is advanced per
// packet. random marks the first packet as a random access point.
func Packetize(data []byte, pid uint16, cc *byte, random bool) []byte {
	var out []byte
	first := true
	for off := 0; off < len(data); {
		var pkt [mpegts.PacketSize]byte
		pkt[0] = mpegts.SyncByte
		pkt[1] = byte(pid>>8) & 0x1F
		pkt[2] = byte(pid)
		if first {
			pkt[1] |= 0x40
		}
		pkt[3] = 0x10 | *cc&0x0F
		*cc = (*cc + 1) & 0x0F

		capacity := mpegts.PacketSize - 4
		remaining := len(data) - off
		needAF := remaining < capacity || (first && random)
		if !needAF {
			copy(pkt[4:], data[off:off+capacity])
			off += capacity
			out = append(out, pkt[:]...)
			first = false
			continue
		}

		afMin := 1
		if first && random {
			afMin = 2
		}
		n := min(remaining, capacity-afMin)
		stuff := capacity - n // adaptation_field_length + its content
		pkt[3] |= 0x20
		pkt[4] = byte(stuff - 1)
		if stuff > 1 {
			if first && random {
				pkt[5] = 0x40
			}
			for i := 6; i < 4+stuff; i++ {
				pkt[i] = 0xFF
			}
		}
		copy(pkt[4+stuff:], data[off:off+n])
		off += n
		out = append(out, pkt[:]...)
		first = false
	}
	return out
}
