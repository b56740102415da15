package mpegts

import "fmt"

const (
	// PacketSize is the fixed size of a transport stream packet.
	PacketSize = 188
	// SyncByte starts every transport stream packet.
	SyncByte = 0x47
)

// ParsePacket parses one 188-byte packet. The payload is copied so callers
// never alias the input buffer.
func ParsePacket(buf []byte) (*Packet, error) {
	if len(buf) != PacketSize {
		return nil, fmt.Errorf("mpegts: packet size %d, expected %d", len(buf), PacketSize)
	}
	if buf[0] != SyncByte {
		return nil, fmt.Errorf("mpegts: invalid sync byte 0x%02X", buf[0])
	}

	p := &Packet{}
	p.Header.TransportErrorIndicator = buf[1]&0x80 != 0
	p.Header.PayloadUnitStartIndicator = buf[1]&0x40 != 0
	p.Header.PID = uint16(buf[1]&0x1F)<<8 | uint16(buf[2])
	p.Header.HasAdaptationField = buf[3]&0x20 != 0
	p.Header.HasPayload = buf[3]&0x10 != 0
	p.Header.ContinuityCounter = buf[3] & 0x0F

	offset := 4
	if p.Header.HasAdaptationField {
		afLen := int(buf[offset])
		if afLen > 0 && offset+1 < PacketSize {
			p.Header.DiscontinuityIndicator = buf[offset+1]&0x80 != 0
		}
		offset += 1 + afLen
		if offset > PacketSize {
			offset = PacketSize
		}
	}

	if p.Header.HasPayload && offset < PacketSize {
		p.Payload = make([]byte, PacketSize-offset)
		copy(p.Payload, buf[offset:])
	}
	return p, nil
}
