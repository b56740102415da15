package tsgen

import (
	"bytes"
	"context"
	"testing"

	"github.com/zsiec/mseq/internal/mpegts"
)

func TestTablesParse(t *testing.T) {
	t.Parallel()

	v := VideoStream()
	v.Descriptors = []mpegts.Descriptor{CaptionServiceDescriptor(1, 3)}
	data := Tables(v, AudioStream())
	if len(data) != 2*mpegts.PacketSize {
		t.Fatalf("tables: got %d bytes, want 2 packets", len(data))
	}

	progs := mpegts.NewPrograms()
	units, err := mpegts.Scan(context.Background(), data, progs)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(units) != 2 || units[0].PAT == nil || units[1].PMT == nil {
		t.Fatalf("units: got %d, want PAT then PMT", len(units))
	}
	streams := progs.Streams()
	if len(streams) != 2 {
		t.Fatalf("streams: got %d, want 2", len(streams))
	}
	d, ok := streams[0].Descriptor(0x86)
	if !ok {
		t.Fatal("caption service descriptor missing")
	}
	if got := d.Data[0] & 0x1F; got != 2 {
		t.Errorf("services: got %d, want 2", got)
	}
}

func TestMediaTiming(t *testing.T) {
	t.Parallel()

	seg := Media{Stream: VideoStream(), Start: 10, Duration: 2, FrameDuration: 0.5, WithTables: true}
	units, err := mpegts.Scan(context.Background(), seg.Build(), nil)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	var pts []float64
	for _, u := range units {
		if u.PES == nil {
			continue
		}
		if v, ok := u.PES.PTSSeconds(); ok {
			pts = append(pts, v)
		}
	}
	want := []float64{10, 10.5, 11, 11.5}
	if len(pts) != len(want) {
		t.Fatalf("PTS: got %v, want %v", pts, want)
	}
	for i := range want {
		if pts[i] != want[i] {
			t.Errorf("PTS[%d]: got %v, want %v", i, pts[i], want[i])
		}
	}
}

func TestPacketizeStuffsLastPacket(t *testing.T) {
	t.Parallel()

	var cc byte
	for _, n := range []int{1, 182, 183, 184, 185, 400} {
		data := bytes.Repeat([]byte{0xAB}, n)
		out := Packetize(data, 0x100, &cc, false)
		if len(out)%mpegts.PacketSize != 0 {
			t.Fatalf("n=%d: got %d bytes, not packet aligned", n, len(out))
		}
		var got []byte
		for off := 0; off < len(out); off += mpegts.PacketSize {
			p, err := mpegts.ParsePacket(out[off : off+mpegts.PacketSize])
			if err != nil {
				t.Fatalf("n=%d: %v", n, err)
			}
			got = append(got, p.Payload...)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("n=%d: payload round trip lost data (%d bytes, want %d)", n, len(got), n)
		}
	}
}

func TestCaptionSEIEscapes(t *testing.T) {
	t.Parallel()

	sei := CaptionSEI(false, []Triplet{{Type: 0, Data1: 0x14, Data2: codeRU2}})
	if !bytes.HasPrefix(sei, []byte{0, 0, 0, 1, 0x06}) {
		t.Fatalf("prefix: got % x", sei[:5])
	}
	if bytes.Contains(sei[4:], []byte{0, 0, 1}) {
		t.Error("start code emulation inside SEI")
	}
}

func TestParity(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want byte }{
		{0x00, 0x80},
		{0x01, 0x01},
		{0x14, 0x94},
		{0x2C, 0x2C},
		{0x41, 0xC1},
	}
	for _, tt := range tests {
		if got := Parity(tt.in); got != tt.want {
			t.Errorf("Parity(0x%02X): got 0x%02X, want 0x%02X", tt.in, got, tt.want)
		}
	}
}

func TestScheduleKeepsBlocksContiguous(t *testing.T) {
	t.Parallel()

	caps := []Caption{
		{Channel: 1, Text: "AB", Start: 0, End: 1},
		{Channel: 2, Text: "CD", Start: 0, End: 1},
	}
	sched := schedule(caps, 0, 0.1, 30)
	// CC1 block occupies frames 0-4, so CC2's block starts at 5.
	if got := sched[0][5]; got != [2]byte{0x1C, codeRU2} {
		t.Errorf("frame 5: got % x, want CC2 roll-up", got)
	}
	if got := sched[0][10]; got != [2]byte{0x14, codeEDM} {
		t.Errorf("frame 10: got % x, want CC1 erase", got)
	}
}
