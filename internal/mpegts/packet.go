package mpegts

import "fmt"

const (
	packetSize = 188
	syncByte   = 0x47
)

// Supported on-disk packet sizes: plain TS, M2TS with a 4-byte timecode
// prefix, and TS with 16 bytes of Reed-Solomon parity.
const (
	PacketSizeTS   = 188
	PacketSizeM2TS = 192
	PacketSizeRS   = 204
)

// parsePacket parses one 188-byte transport packet. The payload is copied
// out of buf, which the demuxer reuses.
func parsePacket(buf []byte) (*Packet, error) {
	if len(buf) != packetSize {
		return nil, fmt.Errorf("mpegts: packet size %d, expected %d", len(buf), packetSize)
	}
	if buf[0] != syncByte {
		return nil, fmt.Errorf("mpegts: invalid sync byte 0x%02X", buf[0])
	}

	p := &Packet{}
	h := &p.Header
	h.TransportErrorIndicator = buf[1]&0x80 != 0
	h.PayloadUnitStartIndicator = buf[1]&0x40 != 0
	h.PID = uint16(buf[1]&0x1F)<<8 | uint16(buf[2])
	h.HasAdaptationField = buf[3]&0x20 != 0
	h.HasPayload = buf[3]&0x10 != 0
	h.ContinuityCounter = buf[3] & 0x0F

	offset := 4
	if h.HasAdaptationField {
		afLen := int(buf[offset])
		if afLen > 0 {
			flags := buf[offset+1]
			h.DiscontinuityIndicator = flags&0x80 != 0
			h.RandomAccessIndicator = flags&0x40 != 0
		}
		offset = min(offset+1+afLen, packetSize)
	}

	if h.HasPayload && offset < packetSize {
		p.Payload = append([]byte(nil), buf[offset:]...)
	}
	return p, nil
}
