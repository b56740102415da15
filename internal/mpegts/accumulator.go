package mpegts

import "sort"

// accumulator buffers the packets of one PID until a payload unit is
// complete: the next PUSI for PES, or a fully read section for PSI.
type accumulator struct {
	pid      uint16
	packets  []*Packet
	programs *Programs
}

func (a *accumulator) add(p *Packet) []*Packet {
	if p.Header.TransportErrorIndicator {
		a.packets = nil
		return nil
	}
	if !p.Header.HasPayload {
		return nil
	}

	if n := len(a.packets); n > 0 && !p.Header.DiscontinuityIndicator {
		prev := a.packets[n-1].Header.ContinuityCounter
		if p.Header.ContinuityCounter != (prev+1)&0x0F {
			if p.Header.ContinuityCounter == prev {
				return nil
			}
			// Unsignaled discontinuity: the partial unit is unusable.
			a.packets = nil
		}
	}

	var flushed []*Packet
	if p.Header.PayloadUnitStartIndicator && len(a.packets) > 0 {
		flushed = a.packets
		a.packets = nil
	}
	// A continuation with no unit start in front of it cannot be parsed.
	if !p.Header.PayloadUnitStartIndicator && len(a.packets) == 0 {
		return flushed
	}
	a.packets = append(a.packets, p)

	if flushed == nil && a.programs.isPSI(a.pid) && sectionsComplete(a.packets) {
		flushed = a.packets
		a.packets = nil
	}
	return flushed
}

func (a *accumulator) flush() []*Packet {
	out := a.packets
	a.packets = nil
	return out
}

// sectionsComplete reports whether the concatenated payloads hold every
// section they announce.
func sectionsComplete(packets []*Packet) bool {
	payload := joinPayloads(packets)
	if len(payload) < 1 {
		return false
	}
	offset := 1 + int(payload[0])
	if offset >= len(payload) {
		return false
	}
	for offset < len(payload) {
		if payload[offset] == 0xFF {
			return true
		}
		if offset+3 > len(payload) {
			return false
		}
		if payload[offset+1]&0x80 == 0 {
			return true
		}
		offset += 3 + (int(payload[offset+1]&0x0F)<<8 | int(payload[offset+2]))
		if offset > len(payload) {
			return false
		}
	}
	return true
}

func joinPayloads(packets []*Packet) []byte {
	n := 0
	for _, p := range packets {
		n += len(p.Payload)
	}
	out := make([]byte, 0, n)
	for _, p := range packets {
		out = append(out, p.Payload...)
	}
	return out
}

// pool holds one accumulator per PID.
type pool struct {
	accs     map[uint16]*accumulator
	programs *Programs
}

func newPool(programs *Programs) *pool {
	return &pool{accs: make(map[uint16]*accumulator), programs: programs}
}

func (pl *pool) add(p *Packet) []*Packet {
	acc, ok := pl.accs[p.Header.PID]
	if !ok {
		acc = &accumulator{pid: p.Header.PID, programs: pl.programs}
		pl.accs[p.Header.PID] = acc
	}
	return acc.add(p)
}

// dump flushes every accumulator in PID order so the PAT on PID 0 is
// handled before any PMT PID it announces.
func (pl *pool) dump() [][]*Packet {
	pids := make([]int, 0, len(pl.accs))
	for pid := range pl.accs {
		pids = append(pids, int(pid))
	}
	sort.Ints(pids)

	var out [][]*Packet
	for _, pid := range pids {
		if ps := pl.accs[uint16(pid)].flush(); len(ps) > 0 {
			out = append(out, ps)
		}
	}
	return out
}
