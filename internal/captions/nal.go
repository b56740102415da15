package captions

// nalUnit is one NAL unit without its start code.
type nalUnit struct {
	typ  byte
	data []byte
}

const (
	h264NALSEI       = 6
	hevcNALSEIPrefix = 39
	hevcNALSEISuffix = 40
)

// splitAnnexB returns the NAL units in an Annex B byte stream. Both 3- and
// 4-byte start codes are recognized.
func splitAnnexB(data []byte, hevc bool) []nalUnit {
	var starts, bodies []int
	for i := 0; i+2 < len(data); {
		if data[i] == 0 && data[i+1] == 0 {
			if i+3 < len(data) && data[i+2] == 0 && data[i+3] == 1 {
				starts, bodies = append(starts, i), append(bodies, i+4)
				i += 4
				continue
			}
			if data[i+2] == 1 {
				starts, bodies = append(starts, i), append(bodies, i+3)
				i += 3
				continue
			}
		}
		i++
	}

	minLen := 1
	if hevc {
		minLen = 2
	}
	var out []nalUnit
	for idx, body := range bodies {
		end := len(data)
		if idx+1 < len(starts) {
			end = starts[idx+1]
		}
		if end-body < minLen {
			continue
		}
		nal := data[body:end]
		typ := nal[0] & 0x1F
		if hevc {
			typ = (nal[0] >> 1) & 0x3F
		}
		out = append(out, nalUnit{typ: typ, data: nal})
	}
	return out
}

func isSEI(n nalUnit, hevc bool) bool {
	if hevc {
		return n.typ == hevcNALSEIPrefix || n.typ == hevcNALSEISuffix
	}
	return n.typ == h264NALSEI
}
