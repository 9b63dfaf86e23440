package mpegts

import "errors"

var errCRC = errors.New("mpegts: CRC32 mismatch")

// crcTable is the MPEG-2 CRC32 table for polynomial 0x04C11DB7 (no
// reflection, initial value 0xFFFFFFFF, no final xor).
var crcTable = func() (t [256]uint32) {
	for i := range t {
		c := uint32(i) << 24
		for range 8 {
			if c&0x80000000 != 0 {
				c = c<<1 ^ 0x04C11DB7
			} else {
				c <<= 1
			}
		}
		t[i] = c
	}
	return t
}()

// CRC32 returns the MPEG-2 CRC of data. A section including its trailing
// CRC field sums to zero.
func CRC32(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc = crc<<8 ^ crcTable[byte(crc>>24)^b]
	}
	return crc
}

func verifyCRC32(section []byte) error {
	if len(section) < 4 {
		return errors.New("mpegts: section too short for CRC32")
	}
	if CRC32(section) != 0 {
		return errCRC
	}
	return nil
}
