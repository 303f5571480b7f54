// Package binutil provides the little-endian packing helpers shared by the
// lbcf and lbt packages. Every on-disk field in this module is fixed width
// and little-endian, so reflection-based encoding is unnecessary overhead.
package binutil

import "encoding/binary"

// PutUint32 writes x to buf[0:4] and returns the number of bytes written.
func PutUint32(buf []byte, x uint32) int {
	binary.LittleEndian.PutUint32(buf, x)
	return 4
}

// PutUint64 writes x to buf[0:8] and returns the number of bytes written.
func PutUint64(buf []byte, x uint64) int {
	binary.LittleEndian.PutUint64(buf, x)
	return 8
}

// GetUint32 reads a uint32 from buf[0:4].
func GetUint32(buf []byte) uint32 {
	return binary.LittleEndian.Uint32(buf)
}

// GetUint64 reads a uint64 from buf[0:8].
func GetUint64(buf []byte) uint64 {
	return binary.LittleEndian.Uint64(buf)
}

// Pad16 rounds n up to the next multiple of 16.
func Pad16(n int) int {
	if rem := n % 16; rem != 0 {
		return n + (16 - rem)
	}
	return n
}
