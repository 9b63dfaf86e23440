package demux

import "errors"

var errShortRBSP = errors.New("demux: parameter set truncated")

// bitReader reads MSB-first bit fields from an RBSP. The first read past
// the end sets err; later reads return zero, so parsers check err once per
// section instead of after every field.
type bitReader struct {
	data []byte
	pos  int
	bit  int
	err  error
}

func newBitReader(data []byte) *bitReader {
	return &bitReader{data: data}
}

func (br *bitReader) u1() uint {
	if br.err != nil {
		return 0
	}
	if br.pos >= len(br.data) {
		br.err = errShortRBSP
		return 0
	}
	v := uint(br.data[br.pos]>>(7-br.bit)) & 1
	if br.bit++; br.bit == 8 {
		br.bit = 0
		br.pos++
	}
	return v
}

func (br *bitReader) u(n int) uint {
	var v uint
	for range n {
		v = v<<1 | br.u1()
	}
	return v
}

func (br *bitReader) flag() bool {
	return br.u1() == 1
}

// ue reads an Exp-Golomb coded unsigned value.
func (br *bitReader) ue() uint {
	zeros := 0
	for br.u1() == 0 {
		if br.err != nil {
			return 0
		}
		if zeros++; zeros > 31 {
			br.err = errShortRBSP
			return 0
		}
	}
	return 1<<zeros - 1 + br.u(zeros)
}

// se reads an Exp-Golomb coded signed value.
func (br *bitReader) se() int {
	v := br.ue()
	if v%2 == 0 {
		return -int(v / 2)
	}
	return int(v+1) / 2
}

// unescapeRBSP removes emulation prevention bytes (00 00 03 -> 00 00).
func unescapeRBSP(data []byte) []byte {
	out := make([]byte, 0, len(data))
	zeros := 0
	for _, b := range data {
		if zeros >= 2 && b == 0x03 {
			zeros = 0
			continue
		}
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
		out = append(out, b)
	}
	return out
}

// NALUnit is one NAL unit of an Annex B byte stream.
type NALUnit struct {
	Type byte   // codec specific: 5 bits for H.264, 6 bits for H.265
	Data []byte // header byte(s) and payload, without the start code
}

// splitAnnexB finds 3- and 4-byte start codes and returns the NAL units
// between them. Units shorter than minLen are skipped.
func splitAnnexB(data []byte, minLen int, nalType func([]byte) byte) []NALUnit {
	var starts, ends []int
	for i := 0; i+2 < len(data); {
		if data[i] != 0 || data[i+1] != 0 {
			i++
			continue
		}
		switch {
		case data[i+2] == 1:
			ends = append(ends, i)
			starts = append(starts, i+3)
			i += 3
		case i+3 < len(data) && data[i+2] == 0 && data[i+3] == 1:
			ends = append(ends, i)
			starts = append(starts, i+4)
			i += 4
		default:
			i++
		}
	}

	var units []NALUnit
	for k, s := range starts {
		e := len(data)
		if k+1 < len(ends) {
			e = ends[k+1]
		}
		if e-s < minLen {
			continue
		}
		units = append(units, NALUnit{Type: nalType(data[s:e]), Data: data[s:e]})
	}
	return units
}
