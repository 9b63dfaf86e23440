package mpegts

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func makePacket(pid uint16, cc uint8, pusi bool, payload []byte) []byte {
	buf := make([]byte, packetSize)
	buf[0] = syncByte
	buf[1] = byte(pid>>8) & 0x1F
	buf[2] = byte(pid)
	buf[3] = 0x10 | cc&0x0F
	if pusi {
		buf[1] |= 0x40
	}
	copy(buf[4:], payload)
	return buf
}

// makeStuffedPacket carries payload at the end of the packet behind an
// adaptation field, the way muxers pad short units.
func makeStuffedPacket(pid uint16, cc uint8, pusi, rai bool, payload []byte) []byte {
	buf := make([]byte, packetSize)
	buf[0] = syncByte
	buf[1] = byte(pid>>8) & 0x1F
	buf[2] = byte(pid)
	if pusi {
		buf[1] |= 0x40
	}
	buf[3] = 0x30 | cc&0x0F
	afLen := packetSize - 5 - len(payload)
	buf[4] = byte(afLen)
	if afLen > 0 {
		if rai {
			buf[5] = 0x40
		}
		for i := 6; i < 5+afLen; i++ {
			buf[i] = 0xFF
		}
	}
	copy(buf[5+afLen:], payload)
	return buf
}

// packetize splits a unit into transport packets starting with cc.
func packetize(pid uint16, cc uint8, rai bool, unit []byte) (out []byte, next uint8) {
	first := true
	for len(unit) > 0 {
		n := min(len(unit), packetSize-4)
		var pkt []byte
		if n < packetSize-4 || (first && rai) {
			n = min(len(unit), packetSize-6)
			pkt = makeStuffedPacket(pid, cc, first, first && rai, unit[:n])
		} else {
			pkt = makePacket(pid, cc, first, unit[:n])
		}
		out = append(out, pkt...)
		unit = unit[n:]
		cc = (cc + 1) & 0x0F
		first = false
	}
	return out, cc
}

func section(tableID byte, idExt uint16, body []byte) []byte {
	length := 5 + len(body) + 4
	s := make([]byte, 8, 3+length)
	s[0] = tableID
	s[1] = 0xB0 | byte(length>>8)&0x0F
	s[2] = byte(length)
	s[3] = byte(idExt >> 8)
	s[4] = byte(idExt)
	s[5] = 0xC1
	s = append(s, body...)
	return binary.BigEndian.AppendUint32(s, CRC32(s))
}

type testProgram struct{ num, pid uint16 }

func buildPAT(programs ...testProgram) []byte {
	var body []byte
	for _, p := range programs {
		body = append(body, byte(p.num>>8), byte(p.num), 0xE0|byte(p.pid>>8)&0x1F, byte(p.pid))
	}
	return section(tableIDPAT, 1, body)
}

type testStream struct {
	streamType  uint8
	pid         uint16
	descriptors []byte
}

func buildPMT(program, pcrPID uint16, streams ...testStream) []byte {
	body := []byte{0xE0 | byte(pcrPID>>8)&0x1F, byte(pcrPID), 0xF0, 0x00}
	for _, s := range streams {
		n := len(s.descriptors)
		body = append(body, s.streamType, 0xE0|byte(s.pid>>8)&0x1F, byte(s.pid), 0xF0|byte(n>>8)&0x0F, byte(n))
		body = append(body, s.descriptors...)
	}
	return section(tableIDPMT, program, body)
}

func psiPayload(section []byte) []byte {
	return append([]byte{0x00}, section...)
}

func encodeTimestamp(marker byte, v int64) []byte {
	return []byte{
		marker<<4 | byte(v>>29)&0x0E | 0x01,
		byte(v >> 22),
		byte(v>>14)&0xFE | 0x01,
		byte(v >> 7),
		byte(v<<1) | 0x01,
	}
}

func buildPES(streamID byte, pts, dts int64, data []byte) []byte {
	var hdr []byte
	flags := byte(0)
	switch {
	case pts >= 0 && dts >= 0:
		flags = 0xC0
		hdr = append(encodeTimestamp(0x3, pts), encodeTimestamp(0x1, dts)...)
	case pts >= 0:
		flags = 0x80
		hdr = encodeTimestamp(0x2, pts)
	}
	pes := []byte{0x00, 0x00, 0x01, streamID, 0, 0, 0x84, flags, byte(len(hdr))}
	pes = append(pes, hdr...)
	pes = append(pes, data...)
	if streamID != 0xE0 {
		n := len(pes) - 6
		pes[4], pes[5] = byte(n>>8), byte(n)
	}
	return pes
}

func TestParsePacket(t *testing.T) {
	t.Parallel()
	p, err := parsePacket(makePacket(0x1FFF, 7, true, []byte{1, 2, 3}))
	if err != nil {
		t.Fatal(err)
	}
	if p.Header.PID != 0x1FFF || p.Header.ContinuityCounter != 7 || !p.Header.PayloadUnitStartIndicator {
		t.Errorf("header = %+v", p.Header)
	}
	if len(p.Payload) != packetSize-4 || p.Payload[2] != 3 {
		t.Errorf("payload len %d", len(p.Payload))
	}

	p, err = parsePacket(makeStuffedPacket(0x100, 1, true, true, []byte{9, 9}))
	if err != nil {
		t.Fatal(err)
	}
	if !p.Header.RandomAccessIndicator || !p.Header.HasAdaptationField || !bytes.Equal(p.Payload, []byte{9, 9}) {
		t.Errorf("stuffed packet = %+v payload %v", p.Header, p.Payload)
	}

	bad := makePacket(0x100, 0, false, nil)
	bad[0] = 0x48
	if _, err := parsePacket(bad); err == nil {
		t.Error("bad sync byte should fail")
	}
	if _, err := parsePacket(make([]byte, 100)); err == nil {
		t.Error("short packet should fail")
	}
}

func TestCRC32(t *testing.T) {
	t.Parallel()
	s := buildPAT(testProgram{1, 0x1000})
	if err := verifyCRC32(s); err != nil {
		t.Fatal(err)
	}
	s[9] ^= 0x01
	if err := verifyCRC32(s); !errors.Is(err, errCRC) {
		t.Errorf("got %v, want CRC mismatch", err)
	}
}

func TestParsePAT(t *testing.T) {
	t.Parallel()
	pat, err := parsePATSection(buildPAT(testProgram{0, 0x10}, testProgram{1, 0x1000}, testProgram{2, 0x1100}))
	if err != nil {
		t.Fatal(err)
	}
	if len(pat.Programs) != 2 {
		t.Fatalf("programs = %d, want 2 (NIT skipped)", len(pat.Programs))
	}
	if pat.Programs[1].ProgramNumber != 2 || pat.Programs[1].ProgramMapID != 0x1100 {
		t.Errorf("program = %+v", pat.Programs[1])
	}
}

func TestParsePMTDescriptors(t *testing.T) {
	t.Parallel()
	opus := []byte{DescriptorRegistration, 4, 'O', 'p', 'u', 's', DescriptorLanguage, 4, 'e', 'n', 'g', 0}
	pmt, err := parsePMTSection(buildPMT(1, 0x100,
		testStream{StreamTypeH264, 0x100, nil},
		testStream{StreamTypePrivatePES, 0x101, opus},
		testStream{StreamTypeAAC, 0x102, nil},
	))
	if err != nil {
		t.Fatal(err)
	}
	if pmt.ProgramNumber != 1 || pmt.PCRPID != 0x100 || len(pmt.ElementaryStreams) != 3 {
		t.Fatalf("pmt = %+v", pmt)
	}
	es := pmt.ElementaryStreams[1]
	if es.ElementaryPID != 0x101 || es.Registration() != "Opus" || es.Language() != "eng" {
		t.Errorf("opus stream = pid %#x reg %q lang %q", es.ElementaryPID, es.Registration(), es.Language())
	}
	if pmt.ElementaryStreams[2].Registration() != "" {
		t.Error("AAC stream has no registration descriptor")
	}

	broken := buildPMT(1, 0x100, testStream{StreamTypeH264, 0x100, nil})
	broken[len(broken)-1] ^= 0xFF
	if _, err := parsePMTSection(broken); err == nil {
		t.Error("bad CRC should fail")
	}
}

func TestParsePES(t *testing.T) {
	t.Parallel()
	const pts, dts = 8589934591, 900000 // max 33-bit PTS
	pes, err := parsePES(buildPES(0xE0, pts, dts, []byte{0, 0, 0, 1, 0x65}))
	if err != nil {
		t.Fatal(err)
	}
	opt := pes.Header.OptionalHeader
	if opt.PTS.Base != pts || opt.DTS.Base != dts || !opt.DataAlignment {
		t.Errorf("pts %d dts %d align %v", opt.PTS.Base, opt.DTS.Base, opt.DataAlignment)
	}
	if !bytes.Equal(pes.Data, []byte{0, 0, 0, 1, 0x65}) {
		t.Errorf("data = %x", pes.Data)
	}

	// A bounded audio PES followed by junk stops at PES_packet_length.
	raw := append(buildPES(0xC0, 90000, -1, []byte{0xFF, 0xF1}), 0xAA, 0xAA)
	pes, err = parsePES(raw)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pes.Data, []byte{0xFF, 0xF1}) || pes.Header.OptionalHeader.DTS != nil {
		t.Errorf("audio data = %x", pes.Data)
	}

	padding := []byte{0x00, 0x00, 0x01, 0xBE, 0x00, 0x02, 0xFF, 0xFF}
	pes, err = parsePES(padding)
	if err != nil || pes.Header.OptionalHeader != nil || len(pes.Data) != 2 {
		t.Errorf("padding stream = %+v, %v", pes, err)
	}

	if _, err := parsePES([]byte{0, 0, 2, 0xE0, 0, 0}); err == nil {
		t.Error("bad start code should fail")
	}
}

func TestAccumulator(t *testing.T) {
	t.Parallel()
	psi := make(pmtPIDs)
	a := &accumulator{pid: 0x100, psi: psi}
	pkt := func(cc uint8, pusi bool) *Packet {
		p, _ := parsePacket(makePacket(0x100, cc, pusi, []byte{cc}))
		return p
	}

	if got := a.add(pkt(3, false)); got != nil || len(a.packets) != 0 {
		t.Error("continuation without a unit start should be dropped")
	}
	a.add(pkt(14, true))
	a.add(pkt(15, false))
	a.add(pkt(15, false)) // duplicate
	a.add(pkt(0, false))  // wraps
	if got := a.add(pkt(1, true)); len(got) != 3 {
		t.Fatalf("flushed %d packets, want 3", len(got))
	}
	if got := a.add(pkt(5, false)); got != nil || len(a.packets) != 0 {
		t.Error("CC gap should discard the partial unit")
	}

	tei, _ := parsePacket(makePacket(0x100, 6, true, nil))
	tei.Header.TransportErrorIndicator = true
	a.add(pkt(6, true))
	a.add(tei)
	if len(a.packets) != 0 {
		t.Error("transport error should discard the partial unit")
	}
}

func TestSectionsComplete(t *testing.T) {
	t.Parallel()
	pat := psiPayload(buildPAT(testProgram{1, 0x1000}))
	p, _ := parsePacket(makePacket(0, 0, true, pat))
	if !sectionsComplete([]*Packet{p}) {
		t.Error("single PAT should be complete")
	}
	p.Payload = pat[:len(pat)-2]
	if sectionsComplete([]*Packet{p}) {
		t.Error("truncated PAT should be incomplete")
	}
}

// buildStream muxes a PAT, a PMT with H.264 and AAC, and the given
// number of video/audio PES pairs.
func buildStream(pairs int) []byte {
	var ts []byte
	ts = append(ts, makePacket(0, 0, true, psiPayload(buildPAT(testProgram{1, 0x1000})))...)
	ts = append(ts, makePacket(0x1000, 0, true, psiPayload(buildPMT(1, 0x100,
		testStream{StreamTypeH264, 0x100, nil},
		testStream{StreamTypeAAC, 0x101, nil},
	)))...)

	var vcc, acc uint8
	for i := 0; i < pairs; i++ {
		frame := bytes.Repeat([]byte{byte(i)}, 400)
		var pkts []byte
		pkts, vcc = packetize(0x100, vcc, i == 0, buildPES(0xE0, int64(i)*3600, -1, frame))
		ts = append(ts, pkts...)
		pkts, acc = packetize(0x101, acc, false, buildPES(0xC0, int64(i)*3600, -1, []byte{0xFF, 0xF1, byte(i)}))
		ts = append(ts, pkts...)
	}
	return ts
}

func readAll(t *testing.T, d *Demuxer) []*DemuxerData {
	t.Helper()
	var out []*DemuxerData
	for {
		data, err := d.NextData()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, data)
	}
}

func TestDemuxerStream(t *testing.T) {
	t.Parallel()
	ts := buildStream(5)
	d := NewDemuxer(context.Background(), bytes.NewReader(ts))
	all := readAll(t, d)

	var pat, pmt, video, audio int
	var lastVideoOffset int64 = -1
	for _, data := range all {
		switch {
		case data.PAT != nil:
			pat++
		case data.PMT != nil:
			pmt++
		case data.PES != nil && data.FirstPacket.Header.PID == 0x100:
			if data.FirstPacket.Offset <= lastVideoOffset || data.FirstPacket.Offset%packetSize != 0 {
				t.Errorf("video offset %d after %d", data.FirstPacket.Offset, lastVideoOffset)
			}
			lastVideoOffset = data.FirstPacket.Offset
			if got := data.PES.Header.OptionalHeader.PTS.Base; got != int64(video)*3600 {
				t.Errorf("video %d PTS = %d", video, got)
			}
			if len(data.PES.Data) != 400 {
				t.Errorf("video %d is %d bytes, want 400", video, len(data.PES.Data))
			}
			video++
		case data.PES != nil:
			audio++
		}
	}
	if pat != 1 || pmt != 1 || video != 5 || audio != 5 {
		t.Errorf("pat %d pmt %d video %d audio %d", pat, pmt, video, audio)
	}
	if d.Offset() != int64(len(ts)) {
		t.Errorf("Offset() = %d, want %d", d.Offset(), len(ts))
	}
}

func TestDemuxerResync(t *testing.T) {
	t.Parallel()
	ts := buildStream(3)
	junk := append([]byte{0x00, 0x12, 0x34}, ts...)
	d := NewDemuxer(context.Background(), bytes.NewReader(junk))
	all := readAll(t, d)

	pes := 0
	for _, data := range all {
		if data.PES != nil {
			pes++
			if (data.FirstPacket.Offset-3)%packetSize != 0 {
				t.Errorf("offset %d not aligned after resync", data.FirstPacket.Offset)
			}
		}
	}
	if pes != 6 {
		t.Errorf("PES units = %d, want 6", pes)
	}
	if d.Resyncs() == 0 {
		t.Error("Resyncs() = 0, want > 0")
	}
}

func TestDemuxerM2TS(t *testing.T) {
	t.Parallel()
	ts := buildStream(2)
	var m2ts []byte
	for i := 0; i < len(ts); i += packetSize {
		m2ts = append(m2ts, 0, 0, 0, 0)
		m2ts = append(m2ts, ts[i:i+packetSize]...)
	}
	d := NewDemuxer(context.Background(), bytes.NewReader(m2ts), DemuxerOptPacketSize(PacketSizeM2TS))
	pes := 0
	for _, data := range readAll(t, d) {
		if data.PES != nil {
			pes++
		}
	}
	if pes != 4 {
		t.Errorf("PES units = %d, want 4", pes)
	}
}

func TestDemuxerReset(t *testing.T) {
	t.Parallel()
	ts := buildStream(6)
	r := bytes.NewReader(ts)
	d := NewDemuxer(context.Background(), r)

	var videoOffsets []int64
	for _, data := range readAll(t, d) {
		if data.PES != nil && data.FirstPacket.Header.PID == 0x100 {
			videoOffsets = append(videoOffsets, data.FirstPacket.Offset)
		}
	}

	// Jump back to the fourth video unit.
	target := videoOffsets[3]
	if _, err := r.Seek(target, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	d.Reset(target)
	first, err := d.NextData()
	for err == nil && (first.PES == nil || first.FirstPacket.Header.PID != 0x100) {
		first, err = d.NextData()
	}
	if err != nil {
		t.Fatal(err)
	}
	if first.FirstPacket.Offset != target {
		t.Errorf("first unit after reset at %d, want %d", first.FirstPacket.Offset, target)
	}
	if got := first.PES.Header.OptionalHeader.PTS.Base; got != 3*3600 {
		t.Errorf("PTS after reset = %d, want %d", got, 3*3600)
	}
}

func TestDemuxerPacketsParser(t *testing.T) {
	t.Parallel()
	var seen int
	parser := func(ps []*Packet) ([]*DemuxerData, bool, error) {
		if ps[0].Header.PID == 0x101 {
			seen++
			return nil, true, nil
		}
		return nil, false, nil
	}
	d := NewDemuxer(context.Background(), bytes.NewReader(buildStream(3)), DemuxerOptPacketsParser(parser))
	for _, data := range readAll(t, d) {
		if data.PES != nil && data.FirstPacket.Header.PID == 0x101 {
			t.Error("skipped PID was still parsed")
		}
	}
	if seen != 3 {
		t.Errorf("parser saw %d audio units, want 3", seen)
	}
}

func TestDemuxerContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := NewDemuxer(ctx, bytes.NewReader(buildStream(1)))
	if _, err := d.NextData(); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}
