package tensor

import (
	"encoding/binary"
	"fmt"
)

// lengthPrefix is the size of the little-endian length that precedes every
// element of a BYTES tensor.
const lengthPrefix = 4

// EncodeBytes serializes elements into the BYTES wire format: each element is
// a 4-byte little-endian length followed by its payload.
func EncodeBytes(elems [][]byte) []byte {
	size := 0
	for _, e := range elems {
		size += lengthPrefix + len(e)
	}

	out := make([]byte, 0, size)
	for _, e := range elems {
		out = binary.LittleEndian.AppendUint32(out, uint32(len(e)))
		out = append(out, e...)
	}
	return out
}

// EncodeStrings is EncodeBytes for string elements.
func EncodeStrings(values ...string) []byte {
	elems := make([][]byte, len(values))
	for i, v := range values {
		elems[i] = []byte(v)
	}
	return EncodeBytes(elems)
}

// DecodeBytes splits a BYTES payload into its elements. The returned slices
// alias data.
func DecodeBytes(data []byte) ([][]byte, error) {
	var elems [][]byte
	for off := 0; off < len(data); {
		if len(data)-off < lengthPrefix {
			return elems, fmt.Errorf("truncated length prefix at offset %d", off)
		}
		n := int(binary.LittleEndian.Uint32(data[off:]))
		off += lengthPrefix
		if n > len(data)-off {
			return elems, fmt.Errorf("element at offset %d claims %d bytes, %d remain", off-lengthPrefix, n, len(data)-off)
		}
		elems = append(elems, data[off:off+n:off+n])
		off += n
	}
	return elems, nil
}

// DecodeStrings decodes a BYTES payload into strings.
func DecodeStrings(data []byte) ([]string, error) {
	elems, err := DecodeBytes(data)
	out := make([]string, len(elems))
	for i, e := range elems {
		out[i] = string(e)
	}
	return out, err
}

// countBytesElements returns how many well-formed elements data holds.
func countBytesElements(data []byte) (int64, error) {
	var n int64
	for off := 0; off < len(data); n++ {
		if len(data)-off < lengthPrefix {
			return n, fmt.Errorf("truncated length prefix at offset %d", off)
		}
		l := int(binary.LittleEndian.Uint32(data[off:]))
		off += lengthPrefix + l
		if off > len(data) {
			return n, fmt.Errorf("element %d overruns payload by %d bytes", n, off-len(data))
		}
	}
	return n, nil
}
