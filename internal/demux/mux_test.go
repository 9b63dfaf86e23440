package demux

import (
	"bytes"
	"encoding/binary"

	"github.com/zsiec/lens/internal/mpegts"
)

// bitWriter builds RBSP payloads for parameter set tests.
type bitWriter struct {
	buf  []byte
	nbit int
}

func (w *bitWriter) bit(b uint) {
	if w.nbit%8 == 0 {
		w.buf = append(w.buf, 0)
	}
	if b&1 == 1 {
		w.buf[len(w.buf)-1] |= 0x80 >> (w.nbit % 8)
	}
	w.nbit++
}

func (w *bitWriter) bits(v uint, n int) {
	for i := n - 1; i >= 0; i-- {
		w.bit(v >> i)
	}
}

func (w *bitWriter) ue(v uint) {
	v++
	n := 0
	for x := v; x > 1; x >>= 1 {
		n++
	}
	w.bits(0, n)
	w.bits(v, n+1)
}

// trailing writes rbsp_trailing_bits.
func (w *bitWriter) trailing() []byte {
	w.bit(1)
	for w.nbit%8 != 0 {
		w.bit(0)
	}
	return w.buf
}

type testSPS struct {
	profile        uint
	widthMbs       uint
	heightMapUnits uint
	interlaced     bool
	cropBottom     uint
	unitsInTick    uint
	timeScale      uint
}

// buildSPS returns an H.264 SPS NAL unit, header byte included.
func buildSPS(s testSPS) []byte {
	w := &bitWriter{}
	w.bits(0x67, 8)
	w.bits(s.profile, 8)
	w.bits(0, 8)  // constraint flags
	w.bits(40, 8) // level 4.0
	w.ue(0)       // seq_parameter_set_id
	if highProfile(s.profile) {
		w.ue(1) // chroma_format_idc 4:2:0
		w.ue(0) // bit_depth_luma_minus8
		w.ue(0) // bit_depth_chroma_minus8
		w.bit(0)
		w.bit(0) // seq_scaling_matrix_present_flag
	}
	w.ue(0) // log2_max_frame_num_minus4
	w.ue(2) // pic_order_cnt_type
	w.ue(1) // max_num_ref_frames
	w.bit(0)
	w.ue(s.widthMbs - 1)
	w.ue(s.heightMapUnits - 1)
	if s.interlaced {
		w.bit(0) // frame_mbs_only_flag
		w.bit(0) // mb_adaptive_frame_field_flag
	} else {
		w.bit(1)
	}
	w.bit(1) // direct_8x8_inference_flag
	if s.cropBottom > 0 {
		w.bit(1)
		w.ue(0)
		w.ue(0)
		w.ue(0)
		w.ue(s.cropBottom)
	} else {
		w.bit(0)
	}
	if s.timeScale > 0 {
		w.bit(1) // vui_parameters_present_flag
		w.bit(1) // aspect_ratio_info_present_flag
		w.bits(1, 8)
		w.bit(0) // overscan
		w.bit(1) // video_signal_type_present_flag
		w.bits(5, 3)
		w.bit(0)
		w.bit(1) // colour_description_present_flag
		w.bits(0x010101, 24)
		w.bit(0) // chroma_loc
		w.bit(1) // timing_info_present_flag
		w.bits(s.unitsInTick, 32)
		w.bits(s.timeScale, 32)
		w.bit(1) // fixed_frame_rate_flag
		w.bit(0) // nal_hrd
		w.bit(0) // vcl_hrd
		w.bit(0) // pic_struct_present
		w.bit(0) // bitstream_restriction
	} else {
		w.bit(0)
	}
	return escapeRBSP(w.trailing())
}

// escapeRBSP inserts emulation prevention bytes after the header byte.
func escapeRBSP(nal []byte) []byte {
	out := []byte{nal[0]}
	zeros := 0
	for _, b := range nal[1:] {
		if zeros >= 2 && b <= 0x03 {
			out = append(out, 0x03)
			zeros = 0
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

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

// annexB joins NAL units with 4-byte start codes.
func annexB(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		out = append(out, startCode...)
		out = append(out, n...)
	}
	return out
}

// adtsFrame builds an AAC-LC ADTS frame without CRC.
func adtsFrame(rateIdx, channels int, payload []byte) []byte {
	n := 7 + len(payload)
	h := []byte{
		0xFF, 0xF1,
		0x40 | byte(rateIdx)<<2 | byte(channels>>2)&0x01,
		byte(channels&0x03)<<6 | byte(n>>11)&0x03,
		byte(n >> 3),
		byte(n&0x07)<<5 | 0x1F,
		0xFC,
	}
	return append(h, payload...)
}

const (
	testPMTPID   = 0x1000
	testVideoPID = 0x100
	testAudioPID = 0x101
	tsPacketSize = 188
)

// tsMuxer writes a minimal single-program transport stream.
type tsMuxer struct {
	out []byte
	cc  map[uint16]uint8
	// prefix is written before each 188-byte packet, for M2TS output.
	prefix bool
}

func newTSMuxer() *tsMuxer {
	return &tsMuxer{cc: make(map[uint16]uint8)}
}

func (m *tsMuxer) packet(pid uint16, pusi, rai bool, payload []byte) int {
	pkt := make([]byte, tsPacketSize)
	pkt[0] = 0x47
	pkt[1] = byte(pid>>8) & 0x1F
	if pusi {
		pkt[1] |= 0x40
	}
	pkt[2] = byte(pid)
	cc := m.cc[pid]
	m.cc[pid] = (cc + 1) & 0x0F

	n := min(len(payload), tsPacketSize-4)
	if n == tsPacketSize-4 && !rai {
		pkt[3] = 0x10 | cc
		copy(pkt[4:], payload[:n])
	} else {
		n = min(len(payload), tsPacketSize-6)
		pkt[3] = 0x30 | cc
		af := tsPacketSize - 5 - n
		pkt[4] = byte(af)
		if rai {
			pkt[5] = 0x40
		}
		for i := 6; i < 5+af; i++ {
			pkt[i] = 0xFF
		}
		copy(pkt[5+af:], payload[:n])
	}
	if m.prefix {
		m.out = binary.BigEndian.AppendUint32(m.out, uint32(len(m.out)))
	}
	m.out = append(m.out, pkt...)
	return n
}

func (m *tsMuxer) unit(pid uint16, rai bool, data []byte) {
	first := true
	for len(data) > 0 {
		n := m.packet(pid, first, first && rai, data)
		data = data[n:]
		first = false
	}
}

func section(tableID byte, idExt uint16, body []byte) []byte {
	length := 5 + len(body) + 4
	s := []byte{0x00, tableID, 0xB0 | byte(length>>8)&0x0F, byte(length), byte(idExt >> 8), byte(idExt), 0xC1, 0, 0}
	s = append(s, body...)
	return binary.BigEndian.AppendUint32(s, mpegts.CRC32(s[1:]))
}

func (m *tsMuxer) pat() {
	m.unit(0, false, section(0x00, 1, []byte{0x00, 0x01, 0xE0 | testPMTPID>>8, testPMTPID & 0xFF}))
}

type esEntry struct {
	streamType  byte
	pid         uint16
	descriptors []byte
}

func (m *tsMuxer) pmt(streams ...esEntry) {
	body := []byte{0xE0 | testVideoPID>>8, testVideoPID & 0xFF, 0xF0, 0x00}
	for _, s := range streams {
		n := len(s.descriptors)
		body = append(body, s.streamType, 0xE0|byte(s.pid>>8), byte(s.pid), 0xF0|byte(n>>8), byte(n))
		body = append(body, s.descriptors...)
	}
	m.unit(testPMTPID, false, section(0x02, 1, body))
}

func timestamp(marker byte, v int64) []byte {
	return []byte{
		marker<<4 | byte(v>>29)&0x0E | 0x01,
		byte(v >> 22),
		byte(v>>14)&0xFE | 0x01,
		byte(v >> 7),
		byte(v<<1) | 0x01,
	}
}

// pes writes a PES packet. A negative pts omits the timestamp.
func (m *tsMuxer) pes(pid uint16, streamID byte, pts int64, rai bool, data []byte) {
	var hdr []byte
	flags := byte(0)
	if pts >= 0 {
		flags = 0x80
		hdr = timestamp(0x2, pts&(1<<33-1))
	}
	p := []byte{0x00, 0x00, 0x01, streamID, 0, 0, 0x84, flags, byte(len(hdr))}
	p = append(p, hdr...)
	p = append(p, data...)
	if streamID != 0xE0 {
		n := len(p) - 6
		p[4], p[5] = byte(n>>8), byte(n)
	}
	m.unit(pid, rai, p)
}

// testStream describes a generated H.264 + AAC stream.
type testStream struct {
	frames   int
	gop      int   // keyframe interval in frames
	startPTS int64 // 90 kHz
	noAudio  bool
	m2ts     bool
	filler   int // bytes of slice data per frame
}

const (
	frameTicks = 3600 // 25 fps
	aacTicks   = 1920 // 1024 samples at 48 kHz
)

var testSPSNAL = buildSPS(testSPS{profile: 66, widthMbs: 20, heightMapUnits: 15, unitsInTick: 1, timeScale: 50})

func (s testStream) build() []byte {
	m := newTSMuxer()
	m.prefix = s.m2ts
	m.pat()
	streams := []esEntry{{streamType: mpegts.StreamTypeH264, pid: testVideoPID}}
	if !s.noAudio {
		streams = append(streams, esEntry{streamType: mpegts.StreamTypeAAC, pid: testAudioPID})
	}
	m.pmt(streams...)

	gop := max(s.gop, 1)
	filler := max(s.filler, 16)
	for i := range s.frames {
		pts := s.startPTS + int64(i)*frameTicks
		slice := bytes.Repeat([]byte{0xAB}, filler)
		slice[0] = 0x9A
		var au []byte
		if i%gop == 0 {
			slice[0] = 0x88
			au = annexB([]byte{0x09, 0x10}, testSPSNAL, []byte{0x68, 0xCE, 0x38, 0x80}, append([]byte{0x65}, slice...))
		} else {
			au = annexB([]byte{0x09, 0x30}, append([]byte{0x41}, slice...))
		}
		m.pes(testVideoPID, 0xE0, pts, i%gop == 0, au)

		if !s.noAudio && i%2 == 0 {
			// Two AAC frames per PES, one PES every two video frames.
			a := append(adtsFrame(3, 2, []byte{0x21, 0x10, 0x05}), adtsFrame(3, 2, []byte{0x21, 0x10, 0x05, 0x00})...)
			m.pes(testAudioPID, 0xC0, pts, false, a)
		}
	}
	return m.out
}
