package mpegts

import "fmt"

// MPEG-2 CRC32, polynomial 0x04C11DB7, no reflection, no final xor.
var crcTable = func() (t [256]uint32) {
	for i := range t {
		crc := uint32(i) << 24
		for range 8 {
			if crc&0x80000000 != 0 {
				crc = crc<<1 ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
		t[i] = crc
	}
	return t
}()

// Checksum returns the MPEG-2 CRC32 of data. A PSI section that includes its
// trailing CRC checksums to zero.
func Checksum(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc = crc<<8 ^ crcTable[byte(crc>>24)^b]
	}
	return crc
}

func verifyChecksum(section []byte) error {
	if len(section) < 4 {
		return fmt.Errorf("section too short for CRC32")
	}
	if Checksum(section) != 0 {
		return fmt.Errorf("CRC32 mismatch")
	}
	return nil
}
