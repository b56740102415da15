package mpegts

const timestampMask = 1<<33 - 1

type stamp struct {
	offset int
	pcr    bool
}

// Timeline records where every PTS, DTS and PCR of a transport stream
// lives, so a buffer can be replayed with shifted timestamps.
type Timeline struct {
	stamps []stamp
	// First and Last are the extreme PTS values of the media streams on
	// the 90 kHz clock; Step is the final gap between distinct PTS values.
	First, Last, Step int64

	found bool
}

// ScanTimeline walks data packet by packet. Packets without a sync byte
// are skipped.
func ScanTimeline(data []byte) *Timeline {
	t := &Timeline{}
	for off := 0; off+PacketSize <= len(data); off += PacketSize {
		pkt := data[off : off+PacketSize]
		if pkt[0] != SyncByte {
			continue
		}
		pos := 4
		if pkt[3]&0x20 != 0 {
			afLen := int(pkt[4])
			// PCR_flag with room for the 6-byte PCR.
			if afLen >= 7 && pkt[5]&0x10 != 0 {
				t.stamps = append(t.stamps, stamp{offset: off + 6, pcr: true})
			}
			pos += 1 + afLen
		}
		if pkt[1]&0x40 == 0 || pkt[3]&0x10 == 0 || pos+14 > PacketSize {
			continue
		}
		pes := pkt[pos:]
		if !isPESPayload(pes) || !isMediaStreamID(pes[3]) {
			continue
		}
		flags := pes[7] >> 6
		if flags&0x2 != 0 {
			t.stamps = append(t.stamps, stamp{offset: off + pos + 9})
			t.observe(parseTimestamp(pes[9:14]).Base)
		}
		if flags == 0x3 && pos+19 <= PacketSize {
			t.stamps = append(t.stamps, stamp{offset: off + pos + 14})
		}
	}
	return t
}

func isMediaStreamID(id byte) bool {
	return id >= 0xC0 && id <= 0xEF
}

func (t *Timeline) observe(pts int64) {
	if !t.found {
		t.First, t.Last, t.found = pts, pts, true
		return
	}
	if pts < t.First {
		t.First = pts
	}
	if pts > t.Last {
		t.Step = pts - t.Last
		t.Last = pts
	}
}

// Duration is the span a replay must advance by to follow on seamlessly,
// in clock ticks.
func (t *Timeline) Duration() int64 {
	if !t.found {
		return 0
	}
	return t.Last - t.First + t.Step
}

// Shift adds delta ticks to every recorded timestamp in data, wrapping at
// 33 bits. data must be the buffer the timeline was scanned from.
func (t *Timeline) Shift(data []byte, delta int64) {
	for _, s := range t.stamps {
		b := data[s.offset:]
		if s.pcr {
			writePCRBase(b, (readPCRBase(b)+delta)&timestampMask)
			continue
		}
		ts := (parseTimestamp(b[:5]).Base + delta) & timestampMask
		copy(b, EncodeTimestamp(b[0]>>4, ts))
	}
}

func readPCRBase(b []byte) int64 {
	return int64(b[0])<<25 | int64(b[1])<<17 | int64(b[2])<<9 | int64(b[3])<<1 | int64(b[4]>>7)
}

// writePCRBase replaces the 33-bit base, keeping the 9-bit extension.
func writePCRBase(b []byte, base int64) {
	b[0] = byte(base >> 25)
	b[1] = byte(base >> 17)
	b[2] = byte(base >> 9)
	b[3] = byte(base >> 1)
	b[4] = byte(base&1)<<7 | b[4]&0x7F
}
