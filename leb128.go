package covmap

import "io"

// readUleb128 reads a ULEB128 encoded value from r, returning the value and
// the number of bytes consumed.
func readUleb128(r io.ByteReader) (uint64, int, error) {
	var result uint64
	var shift uint64
	var n int

	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, n, err
		}
		n++

		result |= uint64(b&0x7f) << shift

		// If high order bit is 1.
		if b&0x80 == 0 {
			break
		}
		shift += 7
	}

	return result, n, nil
}

// uleb128Len returns the number of bytes value occupies in ULEB128 form.
func uleb128Len(value uint64) int {
	n := 1
	for value >>= 7; value != 0; value >>= 7 {
		n++
	}
	return n
}

// appendUleb128 appends the ULEB128 form of value to b.
func appendUleb128(b []byte, value uint64) []byte {
	for {
		c := byte(value & 0x7f)
		value >>= 7
		if value != 0 {
			c |= 0x80
		}
		b = append(b, c)
		if value == 0 {
			return b
		}
	}
}
