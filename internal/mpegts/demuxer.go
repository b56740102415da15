package mpegts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrMalformed reports a segment that is not a whole number of sync-aligned
// transport stream packets.
var ErrMalformed = errors.New("mpegts: malformed transport stream")

// Demuxer reads transport stream packets and yields parsed PAT, PMT and PES
// units in arrival order.
type Demuxer struct {
	ctx      context.Context
	reader   io.Reader
	readBuf  []byte
	pool     *pool
	programs *Programs
	parser   PacketsParser
	pktSize  int

	pending []*DemuxerData
	eof     bool
}

// NewDemuxer creates a demuxer reading from r.
func NewDemuxer(ctx context.Context, r io.Reader, opts ...func(*Demuxer)) *Demuxer {
	d := &Demuxer{
		ctx:     ctx,
		reader:  r,
		pktSize: PacketSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.programs == nil {
		d.programs = NewPrograms()
	}
	d.pool = newPool(d.programs)
	d.readBuf = make([]byte, d.pktSize)
	return d
}

// DemuxerOptPacketSize sets the on-wire packet size. Sizes above 188 carry
// a prefix (M2TS) or suffix (FEC) that is stripped before parsing.
func DemuxerOptPacketSize(size int) func(*Demuxer) {
	return func(d *Demuxer) { d.pktSize = size }
}

// DemuxerOptPacketsParser installs a hook that sees each PID's packets
// before standard parsing.
func DemuxerOptPacketsParser(p PacketsParser) func(*Demuxer) {
	return func(d *Demuxer) { d.parser = p }
}

// DemuxerOptPrograms shares a program table with earlier demuxers so a media
// segment without PAT/PMT resolves against tables seen before.
func DemuxerOptPrograms(p *Programs) func(*Demuxer) {
	return func(d *Demuxer) { d.programs = p }
}

// Programs returns the demuxer's program table.
func (d *Demuxer) Programs() *Programs { return d.programs }

// NextData returns the next parsed unit, or io.EOF once the input and every
// buffered unit are consumed.
func (d *Demuxer) NextData() (*DemuxerData, error) {
	for {
		if len(d.pending) > 0 {
			data := d.pending[0]
			d.pending = d.pending[1:]
			return data, nil
		}
		if d.eof {
			return nil, io.EOF
		}
		if err := d.ctx.Err(); err != nil {
			return nil, err
		}

		if _, err := io.ReadFull(d.reader, d.readBuf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				d.eof = true
				for _, ps := range d.pool.dump() {
					d.process(ps)
				}
				continue
			}
			return nil, err
		}

		pkt, err := ParsePacket(d.packetBytes())
		if err != nil {
			continue
		}
		if ps := d.pool.add(pkt); ps != nil {
			d.process(ps)
		}
	}
}

func (d *Demuxer) packetBytes() []byte {
	if d.pktSize == PacketSize {
		return d.readBuf
	}
	// 192-byte M2TS packets carry a 4-byte timecode prefix; 204-byte packets
	// carry a 16-byte Reed-Solomon suffix.
	if d.pktSize == 192 {
		return d.readBuf[4:]
	}
	return d.readBuf[:PacketSize]
}

// process parses one flushed unit, records any tables it declares and queues
// the results. Corrupt units are dropped.
func (d *Demuxer) process(packets []*Packet) {
	results, err := d.parse(packets)
	if err != nil {
		return
	}
	for _, r := range results {
		switch {
		case r.PAT != nil:
			for _, p := range r.PAT.Programs {
				d.programs.addPMTPID(p.ProgramMapID)
			}
		case r.PMT != nil:
			d.programs.addStreams(r.PMT)
		}
	}
	d.pending = append(d.pending, results...)
}

func (d *Demuxer) parse(packets []*Packet) ([]*DemuxerData, error) {
	if len(packets) == 0 {
		return nil, nil
	}
	first := packets[0]

	if d.parser != nil {
		ds, skip, err := d.parser(packets)
		if err != nil {
			return nil, err
		}
		if skip {
			return ds, nil
		}
	}

	payload := joinPayloads(packets)
	if len(payload) == 0 {
		return nil, nil
	}
	if d.programs.isPSI(first.Header.PID) {
		return parsePSI(payload, first)
	}
	if !isPESPayload(payload) {
		return nil, nil
	}
	pes, err := parsePES(payload)
	if err != nil {
		return nil, err
	}
	return []*DemuxerData{{FirstPacket: first, PES: pes}}, nil
}

// Scan parses a complete in-memory segment. progs carries program state
// between segments of the same stream and may be nil for a one-off parse.
func Scan(ctx context.Context, segment []byte, progs *Programs) ([]*DemuxerData, error) {
	if len(segment) == 0 {
		return nil, nil
	}
	if len(segment)%PacketSize != 0 || segment[0] != SyncByte {
		return nil, fmt.Errorf("%w: %d bytes, first byte 0x%02X", ErrMalformed, len(segment), segment[0])
	}
	opts := []func(*Demuxer){}
	if progs != nil {
		opts = append(opts, DemuxerOptPrograms(progs))
	}
	d := NewDemuxer(ctx, bytes.NewReader(segment), opts...)

	var out []*DemuxerData
	for {
		data, err := d.NextData()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, data)
	}
}
