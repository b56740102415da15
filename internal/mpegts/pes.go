package mpegts

import "fmt"

// isPESPayload checks for the 0x000001 packet start code prefix.
func isPESPayload(data []byte) bool {
	return len(data) >= 3 && data[0] == 0x00 && data[1] == 0x00 && data[2] == 0x01
}

// hasOptionalHeader reports whether PES packets with this stream_id carry
// the optional header. padding_stream, private_stream_2, ECM, EMM, DSMCC,
// H.222.1 type E and program_stream_directory do not.
func hasOptionalHeader(streamID byte) bool {
	switch streamID {
	case 0xBE, 0xBF, 0xF0, 0xF1, 0xF2, 0xF8, 0xFF:
		return false
	}
	return true
}

func parsePES(payload []byte) (*PESData, error) {
	if len(payload) < 6 {
		return nil, fmt.Errorf("mpegts: PES packet too short (%d bytes)", len(payload))
	}
	if !isPESPayload(payload) {
		return nil, fmt.Errorf("mpegts: invalid PES start code")
	}

	streamID := payload[3]
	packetLength := int(payload[4])<<8 | int(payload[5])
	pes := &PESData{Header: &PESHeader{StreamID: streamID}}

	if !hasOptionalHeader(streamID) {
		pes.Data = bounded(payload, 6, packetLength)
		return pes, nil
	}

	if len(payload) < 9 {
		return nil, fmt.Errorf("mpegts: PES optional header too short")
	}

	// payload[7] top two bits: PTS_DTS_flags. payload[8]: PES_header_data_length.
	ptsDTSFlags := (payload[7] >> 6) & 0x03
	dataStart := 9 + int(payload[8])
	if dataStart > len(payload) {
		dataStart = len(payload)
	}

	opt := &PESOptionalHeader{}
	switch ptsDTSFlags {
	case 2:
		if len(payload) >= 14 {
			opt.PTS = parseTimestamp(payload[9:14])
		}
	case 3:
		if len(payload) >= 19 {
			opt.PTS = parseTimestamp(payload[9:14])
			opt.DTS = parseTimestamp(payload[14:19])
		}
	}
	pes.Header.OptionalHeader = opt
	pes.Data = bounded(payload, dataStart, packetLength)
	return pes, nil
}

// bounded slices the PES body starting at start. A zero packet length means
// an unbounded video PES that runs to the end of the payload.
func bounded(payload []byte, start, packetLength int) []byte {
	if packetLength > 0 && 6+packetLength <= len(payload) {
		if start > 6+packetLength {
			return nil
		}
		return payload[start : 6+packetLength]
	}
	return payload[start:]
}

// parseTimestamp extracts a 33-bit PTS or DTS from its 5-byte encoding.
func parseTimestamp(bs []byte) *ClockReference {
	if len(bs) < 5 {
		return nil
	}
	base := int64(bs[0]>>1&0x07)<<30 |
		int64(bs[1])<<22 |
		int64(bs[2]>>1&0x7F)<<15 |
		int64(bs[3])<<7 |
		int64(bs[4]>>1&0x7F)
	return &ClockReference{Base: base}
}

// EncodeTimestamp writes a 33-bit timestamp in the 5-byte PES encoding with
// the given 4-bit prefix (0x2 for PTS only, 0x3/0x1 for PTS/DTS pairs).
func EncodeTimestamp(prefix byte, base int64) []byte {
	return []byte{
		prefix<<4 | byte(base>>29)&0x0E | 0x01,
		byte(base >> 22),
		byte(base>>14)&0xFE | 0x01,
		byte(base >> 7),
		byte(base<<1)&0xFE | 0x01,
	}
}
