// Package mpegts parses MPEG-TS segments: PAT/PMT discovery with elementary
// stream descriptors, PES reassembly with PTS/DTS extraction, and a program
// table that survives across segments so media segments appended after an
// init segment can be parsed without repeating the tables.
package mpegts

import "sort"

// ClockHz is the MPEG-TS presentation clock rate.
const ClockHz = 90000

// Well-known stream_type values from ISO/IEC 13818-1 and its amendments.
const (
	StreamTypeAAC     uint8 = 0x0F
	StreamTypeH264    uint8 = 0x1B
	StreamTypeH265    uint8 = 0x24
	StreamTypePrivate uint8 = 0x06
	StreamTypeMP3     uint8 = 0x03
	StreamTypeAC3     uint8 = 0x81
)

// IsVideo reports whether the stream type carries H.264 or H.265 video.
func IsVideo(streamType uint8) bool {
	return streamType == StreamTypeH264 || streamType == StreamTypeH265
}

// IsAudio reports whether the stream type carries a supported audio codec.
func IsAudio(streamType uint8) bool {
	return streamType == StreamTypeAAC || streamType == StreamTypeMP3 || streamType == StreamTypeAC3
}

// Packet is a parsed 188-byte transport stream packet.
type Packet struct {
	Header  PacketHeader
	Payload []byte
}

// PacketHeader holds the header fields of a transport stream packet.
type PacketHeader struct {
	PID                       uint16
	ContinuityCounter         uint8
	HasAdaptationField        bool
	HasPayload                bool
	PayloadUnitStartIndicator bool
	TransportErrorIndicator   bool
	DiscontinuityIndicator    bool
}

// DemuxerData is one logical unit produced by the demuxer. Exactly one of
// PAT, PMT or PES is set.
type DemuxerData struct {
	FirstPacket *Packet
	PAT         *PATData
	PMT         *PMTData
	PES         *PESData
}

// PATData is a parsed Program Association Table.
type PATData struct {
	Programs []*PATProgram
}

// PATProgram maps a program number to its PMT PID.
type PATProgram struct {
	ProgramMapID  uint16
	ProgramNumber uint16
}

// PMTData is a parsed Program Map Table.
type PMTData struct {
	ProgramNumber     uint16
	ElementaryStreams []*ElementaryStream
}

// ElementaryStream is one PMT entry together with its ES_info descriptors.
type ElementaryStream struct {
	ElementaryPID uint16
	StreamType    uint8
	Descriptors   []Descriptor
}

// Descriptor is a raw tag-length-value descriptor from a PMT ES_info loop.
type Descriptor struct {
	Tag  uint8
	Data []byte
}

// PESData is a reassembled Packetized Elementary Stream packet.
type PESData struct {
	Data   []byte
	Header *PESHeader
}

// PESHeader is the parsed PES packet header.
type PESHeader struct {
	OptionalHeader *PESOptionalHeader
	StreamID       uint8
}

// PESOptionalHeader carries the optional PES fields this package reads.
type PESOptionalHeader struct {
	PTS *ClockReference
	DTS *ClockReference
}

// PTSSeconds returns the PES presentation timestamp in seconds.
func (p *PESData) PTSSeconds() (float64, bool) {
	if p == nil || p.Header == nil || p.Header.OptionalHeader == nil || p.Header.OptionalHeader.PTS == nil {
		return 0, false
	}
	return p.Header.OptionalHeader.PTS.Seconds(), true
}

// ClockReference holds a 33-bit timestamp base on the 90 kHz clock.
type ClockReference struct {
	Base int64
}

// Seconds converts the timestamp to seconds.
func (c *ClockReference) Seconds() float64 {
	return float64(c.Base) / ClockHz
}

// PacketsParser is invoked with the accumulated packets of one PID before
// standard parsing. Returning skip=true suppresses the default parsing.
type PacketsParser func(ps []*Packet) (ds []*DemuxerData, skip bool, err error)

// Programs records which PIDs carry PMT sections and which elementary
// streams those PMTs declared. A Programs value is shared by the demuxers of
// consecutive segments belonging to one stream; it is not safe for
// concurrent use.
type Programs struct {
	pmtPIDs map[uint16]bool
	streams map[uint16]*ElementaryStream
}

// NewPrograms returns an empty program table.
func NewPrograms() *Programs {
	return &Programs{
		pmtPIDs: make(map[uint16]bool),
		streams: make(map[uint16]*ElementaryStream),
	}
}

func (p *Programs) addPMTPID(pid uint16) {
	p.pmtPIDs[pid] = true
}

func (p *Programs) isPMTPID(pid uint16) bool {
	return p.pmtPIDs[pid]
}

func (p *Programs) addStreams(pmt *PMTData) {
	for _, es := range pmt.ElementaryStreams {
		p.streams[es.ElementaryPID] = es
	}
}

// Stream returns the elementary stream declared for pid.
func (p *Programs) Stream(pid uint16) (*ElementaryStream, bool) {
	es, ok := p.streams[pid]
	return es, ok
}

// Streams returns every declared elementary stream ordered by PID.
func (p *Programs) Streams() []*ElementaryStream {
	out := make([]*ElementaryStream, 0, len(p.streams))
	for _, es := range p.streams {
		out = append(out, es)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ElementaryPID < out[j].ElementaryPID })
	return out
}

// HasTables reports whether a PMT has been seen.
func (p *Programs) HasTables() bool {
	return len(p.streams) > 0
}
