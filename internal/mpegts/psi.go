package mpegts

import "fmt"

const (
	pidPAT     = 0x0000
	tableIDPAT = 0x00
	tableIDPMT = 0x02
)

func (p *Programs) isPSI(pid uint16) bool {
	return pid == pidPAT || p.isPMTPID(pid)
}

// parsePSI walks every section in a reassembled PSI payload. Stuffing and
// zero padding end the walk.
func parsePSI(payload []byte, firstPacket *Packet) ([]*DemuxerData, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("mpegts: PSI payload too short")
	}
	offset := 1 + int(payload[0])
	if offset >= len(payload) {
		return nil, fmt.Errorf("mpegts: PSI pointer field out of range")
	}

	var out []*DemuxerData
	for offset+3 <= len(payload) {
		tableID := payload[offset]
		if tableID == 0xFF || payload[offset+1]&0x80 == 0 {
			break
		}
		sectionLength := int(payload[offset+1]&0x0F)<<8 | int(payload[offset+2])
		end := offset + 3 + sectionLength
		if end > len(payload) {
			break
		}
		section := payload[offset:end]

		switch tableID {
		case tableIDPAT:
			pat, err := parsePAT(section)
			if err != nil {
				return out, err
			}
			out = append(out, &DemuxerData{FirstPacket: firstPacket, PAT: pat})
		case tableIDPMT:
			pmt, err := parsePMT(section)
			if err != nil {
				return out, err
			}
			out = append(out, &DemuxerData{FirstPacket: firstPacket, PMT: pmt})
		}
		offset = end
	}
	return out, nil
}

// parsePAT reads the program loop between the 8-byte section header and the
// trailing CRC. Program number 0 points at the NIT and is skipped.
func parsePAT(section []byte) (*PATData, error) {
	if err := verifyChecksum(section); err != nil {
		return nil, fmt.Errorf("mpegts: PAT: %w", err)
	}
	if len(section) < 12 {
		return nil, fmt.Errorf("mpegts: PAT too short")
	}

	pat := &PATData{}
	for i := 8; i+4 <= len(section)-4; i += 4 {
		number := uint16(section[i])<<8 | uint16(section[i+1])
		if number == 0 {
			continue
		}
		pat.Programs = append(pat.Programs, &PATProgram{
			ProgramNumber: number,
			ProgramMapID:  uint16(section[i+2]&0x1F)<<8 | uint16(section[i+3]),
		})
	}
	return pat, nil
}

// parsePMT reads the elementary stream loop that follows the program info
// descriptors, keeping each stream's ES_info descriptors.
func parsePMT(section []byte) (*PMTData, error) {
	if err := verifyChecksum(section); err != nil {
		return nil, fmt.Errorf("mpegts: PMT: %w", err)
	}
	if len(section) < 16 {
		return nil, fmt.Errorf("mpegts: PMT too short")
	}

	pmt := &PMTData{ProgramNumber: uint16(section[3])<<8 | uint16(section[4])}
	programInfoLength := int(section[10]&0x0F)<<8 | int(section[11])
	limit := len(section) - 4
	for off := 12 + programInfoLength; off+5 <= limit; {
		esInfoLength := int(section[off+3]&0x0F)<<8 | int(section[off+4])
		es := &ElementaryStream{
			StreamType:    section[off],
			ElementaryPID: uint16(section[off+1]&0x1F)<<8 | uint16(section[off+2]),
		}
		infoEnd := off + 5 + esInfoLength
		if infoEnd > limit {
			return nil, fmt.Errorf("mpegts: PMT ES_info for PID 0x%X overruns section", es.ElementaryPID)
		}
		es.Descriptors = parseDescriptors(section[off+5 : infoEnd])
		pmt.ElementaryStreams = append(pmt.ElementaryStreams, es)
		off = infoEnd
	}
	return pmt, nil
}

func parseDescriptors(b []byte) []Descriptor {
	var out []Descriptor
	for len(b) >= 2 {
		n := int(b[1])
		if 2+n > len(b) {
			break
		}
		data := make([]byte, n)
		copy(data, b[2:2+n])
		out = append(out, Descriptor{Tag: b[0], Data: data})
		b = b[2+n:]
	}
	return out
}

// Descriptor returns the first descriptor with the given tag.
func (es *ElementaryStream) Descriptor(tag uint8) (Descriptor, bool) {
	for _, d := range es.Descriptors {
		if d.Tag == tag {
			return d, true
		}
	}
	return Descriptor{}, false
}
