package tsgen

import "math"

// Caption is one roll-up caption on a CEA-608 channel (1-4), shown from Start
// until End.
type Caption struct {
	Channel int
	Text    string
	Start   float64
	End     float64
}

// Control codes, second byte. The first byte carries the channel: 0x14 for
// CC1, 0x1C for CC2, and 0x15/0x1D for CC3/CC4 on field 2.
const (
	codeRU2 = 0x25
	codeEDM = 0x2C
)

func controlByte(channel int) byte {
	switch channel {
	case 2:
		return 0x1C
	case 3:
		return 0x15
	case 4:
		return 0x1D
	}
	return 0x14
}

func pacByte(channel int) byte {
	if channel == 2 || channel == 4 {
		return 0x1C
	}
	return 0x14
}

func field(channel int) int {
	if channel >= 3 {
		return 1
	}
	return 0
}

// schedule lays every caption's byte pairs onto frames, one pair per field
// per frame. A caption's opening block (roll-up, preamble, text) lands on
// consecutive free frames at or after its start so text pairs stay attached
// to the channel that preceded them; the erase lands at or after its end.
func schedule(caps []Caption, start, frameDur float64, frames int) [2]map[int][2]byte {
	sched := [2]map[int][2]byte{{}, {}}
	frameAt := func(t float64) int {
		return max(0, int(math.Round((t-start)/frameDur)))
	}
	for _, c := range caps {
		f := field(c.Channel)
		ctrl := controlByte(c.Channel)
		block := [][2]byte{
			{ctrl, codeRU2}, {ctrl, codeRU2},
			{pacByte(c.Channel), 0x60}, {pacByte(c.Channel), 0x60},
		}
		block = append(block, textPairs(c.Text)...)

		at := frameAt(c.Start)
		for !free(sched[f], at, len(block)) && at < frames {
			at++
		}
		for i, p := range block {
			sched[f][at+i] = p
		}

		end := max(frameAt(c.End), at+len(block))
		for range 2 {
			for sched[f][end] != ([2]byte{}) {
				end++
			}
			sched[f][end] = [2]byte{ctrl, codeEDM}
			end++
		}
	}
	return sched
}

func free(m map[int][2]byte, at, n int) bool {
	for i := range n {
		if _, taken := m[at+i]; taken {
			return false
		}
	}
	return true
}

func textPairs(text string) [][2]byte {
	var b []byte
	for _, r := range text {
		if r >= 0x20 && r < 0x7F {
			b = append(b, byte(r))
		}
	}
	if len(b)%2 == 1 {
		b = append(b, 0x00)
	}
	pairs := make([][2]byte, 0, len(b)/2)
	for i := 0; i < len(b); i += 2 {
		pairs = append(pairs, [2]byte{b[i], b[i+1]})
	}
	return pairs
}

// Triplet is one cc_data construct: cc_type plus a byte pair.
type Triplet struct {
	Type  byte
	Data1 byte
	Data2 byte
}

func framePairs(sched [2]map[int][2]byte, frame int) []Triplet {
	out := make([]Triplet, 0, 2)
	for f := range 2 {
		p, ok := sched[f][frame]
		if !ok {
			out = append(out, Triplet{Type: byte(f), Data1: 0, Data2: 0})
			continue
		}
		out = append(out, Triplet{Type: byte(f), Data1: p[0], Data2: p[1]})
	}
	return out
}

// CaptionSEI builds a complete SEI NAL unit, start code included, carrying
// an ATSC A/53 cc_data payload.
func CaptionSEI(hevc bool, triplets []Triplet) []byte {
	msg := append(EncodeSEIMessage(4, A53Payload(triplets)), 0x80)
	nal := []byte{0, 0, 0, 1, 0x06}
	if hevc {
		nal = []byte{0, 0, 0, 1, 39 << 1, 0x01}
	}
	return append(nal, AddEPB(msg)...)
}

// A53Payload encodes the user_data_registered_itu_t_t35 body: the ATSC
// provider header, GA94 identifier and cc_data. CEA-608 pairs get odd
// parity; DTVCC pairs are carried as is.
func A53Payload(triplets []Triplet) []byte {
	n := min(len(triplets), 31)
	p := []byte{0xB5, 0x00, 0x31, 'G', 'A', '9', '4', 0x03, 0x40 | byte(n), 0xFF}
	for _, t := range triplets[:n] {
		d1, d2 := t.Data1, t.Data2
		if t.Type < 2 {
			d1, d2 = Parity(d1), Parity(d2)
		}
		p = append(p, 0xFC|t.Type&0x03, d1, d2)
	}
	return append(p, 0xFF)
}

// DTVCC cc_type values.
const (
	TypeDTVCCData  byte = 2
	TypeDTVCCStart byte = 3
)

// DTVCCPacket wraps one service block in a DTVCC packet and splits it into
// cc_data triplets. The packet is zero padded to its even size.
func DTVCCPacket(seq, service int, block []byte) []Triplet {
	body := []byte{byte(service)<<5 | byte(len(block)&0x1F)}
	body = append(body, block...)
	size := 1 + len(body)
	if size%2 == 1 {
		size++
	}
	packet := make([]byte, size)
	packet[0] = byte(seq&0x03)<<6 | byte(size/2)&0x3F
	copy(packet[1:], body)

	out := make([]Triplet, 0, size/2)
	for i := 0; i < size; i += 2 {
		typ := TypeDTVCCData
		if i == 0 {
			typ = TypeDTVCCStart
		}
		out = append(out, Triplet{Type: typ, Data1: packet[i], Data2: packet[i+1]})
	}
	return out
}

// Window708 returns a service block that defines window 0 as visible with
// one row and writes text into it.
func Window708(text string) []byte {
	block := []byte{0x98, 0x20, 0x00, 0x00, 0x00, 0x1F, 0x00}
	for _, r := range text {
		if r >= 0x20 && r < 0x7F {
			block = append(block, byte(r))
		}
	}
	return block
}

// Parity sets bit 7 so the byte has odd parity.
func Parity(b byte) byte {
	b &= 0x7F
	ones := 0
	for v := b; v != 0; v >>= 1 {
		ones += int(v & 1)
	}
	if ones%2 == 0 {
		return b | 0x80
	}
	return b
}

// EncodeSEIMessage encodes one SEI message with the 0xFF-extended type and
// size fields.
func EncodeSEIMessage(payloadType int, payload []byte) []byte {
	var out []byte
	for ; payloadType >= 255; payloadType -= 255 {
		out = append(out, 0xFF)
	}
	out = append(out, byte(payloadType))
	size := len(payload)
	for ; size >= 255; size -= 255 {
		out = append(out, 0xFF)
	}
	out = append(out, byte(size))
	return append(out, payload...)
}

// AddEPB inserts emulation prevention bytes after every 0x0000 that is
// followed by a byte <= 0x03.
func AddEPB(data []byte) []byte {
	out := make([]byte, 0, len(data)+len(data)/64)
	zeros := 0
	for _, b := range data {
		if zeros >= 2 && b <= 0x03 {
			out = append(out, 0x03)
			zeros = 0
		}
		out = append(out, b)
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return out
}
