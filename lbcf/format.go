// Package lbcf implements the Loki binary container file format: an
// append-only store of compressed, CRC-checked byte blobs ("chunks"),
// indexed in memory and finalized by a trailing descriptor and a fixed
// file header. See the package-level Writer type.
package lbcf

import "github.com/ucam-comparch-loki/lokisim-sub004/internal/binutil"

const (
	// MaxChunkSize is the largest byte blob AppendChunk accepts.
	MaxChunkSize = 64 * 1024 * 1024

	// chunkTableSegmentCapacity is the number of chunk-table entries
	// batched into one on-disk segment before it is flushed.
	chunkTableSegmentCapacity = 4 * 1024 * 1024

	chunkTableIndexInitialCapacity = 65536

	fileHeaderSize           = 48
	descriptorHeaderSize     = 40
	chunkTableEntrySize      = 16
	chunkTableIndexEntrySize = 20

	chunkCRCSize = 4

	// compressionLevelMinimum and compressionLevelMaximum are the two
	// deflate levels this format uses: "minimum"/fastest for chunk and
	// chunk-table-segment payloads, "maximum" for the descriptor block.
	compressionLevelMinimum = 1
	compressionLevelMaximum = 9
)

// fileSignature and descriptorSignature are little-endian packed 8-byte
// magic tags: byte 'L' in the low-order position, each subsequent byte
// shifted up by one more octet. The file signature's trailing 0x1A byte
// is part of the magic.
const (
	fileSignature = uint64('L') |
		uint64('B')<<8 |
		uint64('C')<<16 |
		uint64('F')<<24 |
		uint64('$')<<32 |
		uint64('1')<<40 |
		uint64('1')<<48 |
		uint64(26)<<56

	descriptorSignature = uint64('L') |
		uint64('B')<<8 |
		uint64('C')<<16 |
		uint64('F')<<24 |
		uint64('$')<<32 |
		uint64('D')<<40 |
		uint64('1')<<48 |
		uint64('1')<<56
)

// FileHeader is the fixed-size record at offset 0 of every LBCF file.
type FileHeader struct {
	Signature                  uint64
	FileSize                   uint64
	DescriptorOffset           uint64
	DescriptorSizeUncompressed uint64
	DescriptorSizeCompressed   uint64
	DescriptorChecksum         uint32
	HeaderChecksum             uint32
}

// Marshal packs h into its on-disk representation.
func (h *FileHeader) Marshal() []byte {
	buf := make([]byte, fileHeaderSize)
	offset := binutil.PutUint64(buf, h.Signature)
	offset += binutil.PutUint64(buf[offset:], h.FileSize)
	offset += binutil.PutUint64(buf[offset:], h.DescriptorOffset)
	offset += binutil.PutUint64(buf[offset:], h.DescriptorSizeUncompressed)
	offset += binutil.PutUint64(buf[offset:], h.DescriptorSizeCompressed)
	offset += binutil.PutUint32(buf[offset:], h.DescriptorChecksum)
	binutil.PutUint32(buf[offset:], h.HeaderChecksum)
	return buf
}

// DescriptorHeader leads the descriptor block written at Flush time.
type DescriptorHeader struct {
	Signature                 uint64
	ChunkTableIndexOffset     uint64
	ChunkTableIndexEntryCount uint64
	UserDataOffset            uint64
	UserDataSize              uint64
}

// Marshal packs h into its on-disk representation.
func (h *DescriptorHeader) Marshal() []byte {
	buf := make([]byte, descriptorHeaderSize)
	offset := binutil.PutUint64(buf, h.Signature)
	offset += binutil.PutUint64(buf[offset:], h.ChunkTableIndexOffset)
	offset += binutil.PutUint64(buf[offset:], h.ChunkTableIndexEntryCount)
	offset += binutil.PutUint64(buf[offset:], h.UserDataOffset)
	binutil.PutUint64(buf[offset:], h.UserDataSize)
	return buf
}

// ChunkTableEntry locates one persisted chunk.
type ChunkTableEntry struct {
	Offset           uint64
	SizeUncompressed uint32
	// SizeCompressed includes the trailing CRC.
	SizeCompressed uint32
}

func (e ChunkTableEntry) marshalInto(buf []byte) {
	offset := binutil.PutUint64(buf, e.Offset)
	binutil.PutUint32(buf[offset:], e.SizeUncompressed)
	binutil.PutUint32(buf[offset+4:], e.SizeCompressed)
}

// ChunkTableIndexEntry locates one flushed chunk-table segment.
//
// SizeCompressed is misleadingly named: the bytes written to disk for a
// segment are the uncompressed entries (EntryCount x 16 bytes at
// Offset), while this field holds the size deflate would have produced.
// The mismatch is part of the format.
type ChunkTableIndexEntry struct {
	Offset         uint64
	EntryCount     uint32
	SizeCompressed uint32
	Checksum       uint32
}

func (e ChunkTableIndexEntry) marshalInto(buf []byte) {
	offset := binutil.PutUint64(buf, e.Offset)
	offset += binutil.PutUint32(buf[offset:], e.EntryCount)
	offset += binutil.PutUint32(buf[offset:], e.SizeCompressed)
	binutil.PutUint32(buf[offset:], e.Checksum)
}
