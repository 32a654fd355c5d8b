package ddcmp

// DDCMP CRC-16 implementation
// Polynomial x^16+x^15+x^2+1 processed LSB first (0xA001), seeded with 0,
// computed a nibble at a time.

var crcNibble [16]uint16

func init() {
	const poly uint16 = 0xA001

	for i := 0; i < 16; i++ {
		crc := uint16(i)
		for j := 0; j < 4; j++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ poly
			} else {
				crc >>= 1
			}
		}
		crcNibble[i] = crc
	}
}

// UpdateCRC continues a CRC-16 over data
func UpdateCRC(crc uint16, data []byte) uint16 {
	for _, b := range data {
		crc = (crc >> 4) ^ crcNibble[(uint16(b)^crc)&0x0F]
		crc = (crc >> 4) ^ crcNibble[(uint16(b>>4)^crc)&0x0F]
	}
	return crc
}

// CalculateCRC calculates the CRC-16 of data seeded with 0
func CalculateCRC(data []byte) uint16 {
	return UpdateCRC(0, data)
}

// VerifyCRC verifies that data ends with its own CRC (low byte first).
// Running the CRC over data and stored CRC yields zero.
func VerifyCRC(data []byte) bool {
	if len(data) < CRCSize {
		return false
	}
	return CalculateCRC(data) == 0
}

// putCRC writes the CRC of buf[:n] into buf[n:n+2]
func putCRC(buf []byte, n int) {
	crc := CalculateCRC(buf[:n])
	buf[n] = byte(crc)
	buf[n+1] = byte(crc >> 8)
}
