package mpegts

import "fmt"

func isPESPayload(data []byte) bool {
	return len(data) >= 3 && data[0] == 0x00 && data[1] == 0x00 && data[2] == 0x01
}

// hasOptionalHeader reports whether PES packets with this stream_id carry
// the optional header: every id except padding, private_stream_2, ECM,
// EMM, DSMCC, H.222.1 type E and the program stream directory.
func hasOptionalHeader(streamID uint8) bool {
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
	length := int(payload[4])<<8 | int(payload[5])
	pes := &PESData{Header: &PESHeader{StreamID: streamID}}

	// A zero PES_packet_length means unbounded, which video streams use.
	end := len(payload)
	if length > 0 && 6+length < end {
		end = 6 + length
	}

	if !hasOptionalHeader(streamID) {
		pes.Data = payload[6:end]
		return pes, nil
	}
	if len(payload) < 9 {
		return nil, fmt.Errorf("mpegts: PES optional header too short")
	}

	opt := &PESOptionalHeader{DataAlignment: payload[6]&0x04 != 0}
	pes.Header.OptionalHeader = opt

	switch payload[7] >> 6 {
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

	start := min(9+int(payload[8]), end)
	pes.Data = payload[start:end]
	return pes, nil
}

// parseTimestamp decodes the 33-bit PTS/DTS encoding spread over 5 bytes
// with marker bits.
func parseTimestamp(b []byte) *ClockReference {
	if len(b) < 5 {
		return nil
	}
	base := int64(b[0]>>1&0x07)<<30 |
		int64(b[1])<<22 |
		int64(b[2]>>1&0x7F)<<15 |
		int64(b[3])<<7 |
		int64(b[4]>>1&0x7F)
	return &ClockReference{Base: base}
}
