// Package lbt implements the Loki binary trace writer: a stream of
// per-cycle core-operation records, buffered, column-transposed and
// delta-encoded, and persisted as chunks of an underlying lbcf.Writer
// container.
package lbt

import "github.com/ucam-comparch-loki/lokisim-sub004/internal/binutil"

const (
	// recordBufferCapacity is K: the number of records buffered before a
	// chunk is flushed.
	recordBufferCapacity = 2 * 1024 * 1024

	// recordSize is the packed size of one transposed record's columns.
	recordSize = 24

	// indexSegmentCapacity is M: the number of chunk indices accumulated
	// before a chunk-index segment is flushed.
	indexSegmentCapacity = 8 * 1024 * 1024

	indexTableInitialCapacity = 65536

	// memoryImageChunkSize is the size of each piece a stored memory image
	// is split into.
	memoryImageChunkSize = 64 * 1024 * 1024

	trailerHeaderSize = 72

	// maxSystemCallChunkIndex is the largest chunk index that fits in the
	// 40 bits AddSystemCall packs across MemoryAddress (low 32 bits) and
	// Parameter2 (high 8 bits).
	maxSystemCallChunkIndex = 1<<40 - 1
)

// Format identifies the trace record layout described by a trailer.
type Format uint64

const (
	// FormatBasicCoreTrace is defined for trailer compatibility only;
	// Writer never emits it.
	FormatBasicCoreTrace Format = 1
	// FormatExtendedCoreTrace is the only format this Writer emits.
	FormatExtendedCoreTrace Format = 2
)

// OperationType classifies a trace record.
type OperationType uint8

const (
	OpNOP OperationType = iota + 1
	OpALU1
	OpALU2
	OpFetch
	OpScratchpadRead
	OpScratchpadWrite
	OpLoadImmediate
	OpSystemCall
	OpControl
	OpLoadWord
	OpLoadHalfWord
	OpLoadByte
	OpStoreWord
	OpStoreHalfWord
	OpStoreByte
)

func (t OperationType) String() string {
	switch t {
	case OpNOP:
		return "NOP"
	case OpALU1:
		return "ALU1"
	case OpALU2:
		return "ALU2"
	case OpFetch:
		return "Fetch"
	case OpScratchpadRead:
		return "ScratchpadRead"
	case OpScratchpadWrite:
		return "ScratchpadWrite"
	case OpLoadImmediate:
		return "LoadImmediate"
	case OpSystemCall:
		return "SystemCall"
	case OpControl:
		return "Control"
	case OpLoadWord:
		return "LoadWord"
	case OpLoadHalfWord:
		return "LoadHalfWord"
	case OpLoadByte:
		return "LoadByte"
	case OpStoreWord:
		return "StoreWord"
	case OpStoreHalfWord:
		return "StoreHalfWord"
	case OpStoreByte:
		return "StoreByte"
	default:
		return "Unknown"
	}
}

// Flag is a bitmask of per-record status bits.
type Flag uint8

const (
	FlagEndOfPacket Flag = 1 << iota
	FlagInputChannel1
	FlagInputChannel2
	FlagNotExecuted
)

// Record is the 24-byte extended trace record, prior to column
// transposition and delta encoding.
type Record struct {
	CycleNumber        uint64
	InstructionAddress uint32
	MemoryAddress      uint32
	OperationType      OperationType
	Parameter1         uint8
	Parameter2         uint8
	Flags              Flag
	MemoryData         uint32
}

// trailerSignature is the little-endian packed 8-byte magic tag "LBT$1$2"
// followed by the mandatory trailing 0x1A byte.
const trailerSignature = uint64('L') |
	uint64('B')<<8 |
	uint64('T')<<16 |
	uint64('$')<<24 |
	uint64('1')<<32 |
	uint64('$')<<40 |
	uint64('2')<<48 |
	uint64(26)<<56

// TrailerHeader is written as the lbcf container's user data at Flush time.
type TrailerHeader struct {
	Signature                    uint64
	Format                       Format
	IndexTableChunkNumber        uint64
	IndexTableEntryCount         uint64
	TraceChunkCount              uint64
	RecordCount                  uint64
	MemorySize                   uint64
	InitialImageIndexChunkNumber uint64
	FinalImageIndexChunkNumber   uint64
}

// Marshal packs h into its on-disk representation.
func (h *TrailerHeader) Marshal() []byte {
	buf := make([]byte, trailerHeaderSize)
	offset := binutil.PutUint64(buf, h.Signature)
	offset += binutil.PutUint64(buf[offset:], uint64(h.Format))
	offset += binutil.PutUint64(buf[offset:], h.IndexTableChunkNumber)
	offset += binutil.PutUint64(buf[offset:], h.IndexTableEntryCount)
	offset += binutil.PutUint64(buf[offset:], h.TraceChunkCount)
	offset += binutil.PutUint64(buf[offset:], h.RecordCount)
	offset += binutil.PutUint64(buf[offset:], h.MemorySize)
	offset += binutil.PutUint64(buf[offset:], h.InitialImageIndexChunkNumber)
	binutil.PutUint64(buf[offset:], h.FinalImageIndexChunkNumber)
	return buf
}
