package lbt

import (
	"fmt"

	"github.com/ucam-comparch-loki/lokisim-sub004/internal/binutil"
	"github.com/ucam-comparch-loki/lokisim-sub004/lbcf"
)

// Writer buffers trace records, column-transposes and delta-encodes them
// in batches of recordBufferCapacity, and persists each batch as one chunk
// of an underlying lbcf.Writer. Like lbcf.Writer, it is single-use and not
// safe for concurrent use.
type Writer struct {
	container *lbcf.Writer

	memorySize    uint64
	memorySizeSet bool

	records []Record
	work    []byte

	indexSegment    []uint64
	chunkIndexTable []uint64

	totalRecordCount     uint64
	totalTraceChunkCount uint64

	initialImageIndexChunkNumber uint64
	finalImageIndexChunkNumber   uint64

	closed bool
}

// New wraps f in a fresh lbcf.Writer and prepares a trace writer over it.
func New(f lbcf.File) (*Writer, error) {
	container, err := lbcf.New(f)
	if err != nil {
		return nil, err
	}
	return &Writer{
		container:       container,
		records:         make([]Record, 0, recordBufferCapacity),
		work:            make([]byte, recordBufferCapacity*recordSize),
		indexSegment:    make([]uint64, 0, indexSegmentCapacity),
		chunkIndexTable: make([]uint64, 0, indexTableInitialCapacity),
	}, nil
}

// SetMemorySize records the address-space size operations are validated
// against. It must be called exactly once, before any Add*/StoreMemoryImage
// call.
func (w *Writer) SetMemorySize(size uint64) error {
	if w.closed {
		return ErrWriterClosed
	}
	if size == 0 {
		return ErrInvalidMemorySize
	}
	w.memorySize = size
	w.memorySizeSet = true
	return nil
}

func (w *Writer) checkOpen() error {
	if w.closed {
		return ErrWriterClosed
	}
	if !w.memorySizeSet {
		return ErrMemorySizeNotSet
	}
	return nil
}

func (w *Writer) checkInstAddr(op string, instAddr uint32) error {
	if uint64(instAddr)+4 > w.memorySize {
		return &ContractViolation{Op: op, Field: "instAddr", Detail: fmt.Sprintf("instAddr(%d)+4 exceeds memory size(%d)", instAddr, w.memorySize)}
	}
	return nil
}

// AddBasicOperation records a core operation that is not a memory access
// or system call. usesCh1/usesCh2 indicate whether ch1/ch2 carry valid
// input-channel operand bytes.
func (w *Writer) AddBasicOperation(cycle uint64, instAddr uint32, opType OperationType, ch1 uint8, usesCh1 bool, ch2 uint8, usesCh2 bool, executed, endOfPacket bool) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	if err := w.checkInstAddr("AddBasicOperation", instAddr); err != nil {
		return err
	}
	if len(w.records) == cap(w.records) {
		if err := w.flushChunkBuffer(); err != nil {
			return err
		}
	}

	var flags Flag
	var p1, p2 uint8
	if usesCh1 {
		flags |= FlagInputChannel1
		p1 = ch1
	}
	if usesCh2 {
		flags |= FlagInputChannel2
		p2 = ch2
	}
	if !executed {
		flags |= FlagNotExecuted
	}
	if endOfPacket {
		flags |= FlagEndOfPacket
	}

	w.records = append(w.records, Record{
		CycleNumber:        cycle,
		InstructionAddress: instAddr,
		OperationType:      opType,
		Parameter1:         p1,
		Parameter2:         p2,
		Flags:              flags,
	})
	return nil
}

// AddMemoryOperation records a load or store. memAddr and memData are the
// accessed address and the value read or written.
func (w *Writer) AddMemoryOperation(cycle uint64, instAddr uint32, opType OperationType, memAddr, memData uint32, executed, endOfPacket bool) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	if err := w.checkInstAddr("AddMemoryOperation", instAddr); err != nil {
		return err
	}
	if uint64(memAddr)+4 > w.memorySize {
		return &ContractViolation{Op: "AddMemoryOperation", Field: "memAddr", Detail: fmt.Sprintf("memAddr(%d)+4 exceeds memory size(%d)", memAddr, w.memorySize)}
	}
	if len(w.records) == cap(w.records) {
		if err := w.flushChunkBuffer(); err != nil {
			return err
		}
	}

	var flags Flag
	if !executed {
		flags |= FlagNotExecuted
	}
	if endOfPacket {
		flags |= FlagEndOfPacket
	}

	w.records = append(w.records, Record{
		CycleNumber:        cycle,
		InstructionAddress: instAddr,
		MemoryAddress:      memAddr,
		OperationType:      opType,
		Flags:              flags,
		MemoryData:         memData,
	})
	return nil
}

// AddSystemCall records a system call. registers and data are stored as a
// side-blob chunk in the underlying container; the chunk's index must
// fit in 40 bits and is packed across the record's MemoryAddress (low 32)
// and Parameter2 (high 8).
func (w *Writer) AddSystemCall(cycle uint64, instAddr uint32, syscallNum uint8, registers []uint32, data []byte, executed, endOfPacket bool) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	if err := w.checkInstAddr("AddSystemCall", instAddr); err != nil {
		return err
	}
	if len(w.records) == cap(w.records) {
		if err := w.flushChunkBuffer(); err != nil {
			return err
		}
	}

	blob := make([]byte, 4+4*len(registers)+len(data))
	binutil.PutUint32(blob, uint32(len(registers)))
	offset := 4
	for _, r := range registers {
		binutil.PutUint32(blob[offset:], r)
		offset += 4
	}
	copy(blob[offset:], data)

	chunkIndex, err := w.container.AppendChunk(blob)
	if err != nil {
		return err
	}
	if chunkIndex > maxSystemCallChunkIndex {
		return &ContractViolation{Op: "AddSystemCall", Field: "chunkIndex", Detail: fmt.Sprintf("chunk index %d exceeds 40 bits", chunkIndex)}
	}

	var flags Flag
	if !executed {
		flags |= FlagNotExecuted
	}
	if endOfPacket {
		flags |= FlagEndOfPacket
	}

	w.records = append(w.records, Record{
		CycleNumber:        cycle,
		InstructionAddress: instAddr,
		MemoryAddress:      uint32(chunkIndex & 0xFFFFFFFF),
		OperationType:      OpSystemCall,
		Parameter1:         syscallNum,
		Parameter2:         uint8((chunkIndex >> 32) & 0xFF),
		Flags:              flags,
	})
	return nil
}

// flushChunkBuffer column-transposes the buffered records into eight
// parallel arrays (delta-encoding the cycle number and instruction
// address columns via unsigned wraparound subtraction) and appends the
// result as one chunk.
func (w *Writer) flushChunkBuffer() error {
	n := len(w.records)
	if n == 0 {
		return nil
	}

	if len(w.indexSegment) == cap(w.indexSegment) {
		if err := w.flushIndexTableSegment(); err != nil {
			return err
		}
	}

	cycleOff := 0
	instOff := cycleOff + 8*n
	memOff := instOff + 4*n
	opOff := memOff + 4*n
	p1Off := opOff + n
	p2Off := p1Off + n
	flagOff := p2Off + n
	dataOff := flagOff + n
	total := dataOff + 4*n

	buf := w.work[:total]

	var prevCycle uint64
	var prevInst uint32
	for i, rec := range w.records {
		binutil.PutUint64(buf[cycleOff+8*i:], rec.CycleNumber-prevCycle)
		binutil.PutUint32(buf[instOff+4*i:], rec.InstructionAddress-prevInst)
		binutil.PutUint32(buf[memOff+4*i:], rec.MemoryAddress)
		buf[opOff+i] = byte(rec.OperationType)
		buf[p1Off+i] = rec.Parameter1
		buf[p2Off+i] = rec.Parameter2
		buf[flagOff+i] = byte(rec.Flags)
		binutil.PutUint32(buf[dataOff+4*i:], rec.MemoryData)
		prevCycle = rec.CycleNumber
		prevInst = rec.InstructionAddress
	}

	chunkIndex, err := w.container.AppendChunk(buf)
	if err != nil {
		return err
	}

	w.totalRecordCount += uint64(n)
	w.totalTraceChunkCount++
	w.records = w.records[:0]
	w.indexSegment = append(w.indexSegment, chunkIndex)
	return nil
}

// flushIndexTableSegment delta-encodes the accumulated chunk indices
// (first-pass: each delta computed against the previous entry's original
// value, not a previously-rewritten one) and appends the result as one
// chunk, recording it in the chunk-index table.
func (w *Writer) flushIndexTableSegment() error {
	if len(w.indexSegment) == 0 {
		return nil
	}

	deltas := make([]uint64, len(w.indexSegment))
	var prev uint64
	for i, v := range w.indexSegment {
		deltas[i] = v - prev
		prev = v
	}

	buf := make([]byte, len(deltas)*8)
	for i, v := range deltas {
		binutil.PutUint64(buf[i*8:], v)
	}

	chunkIndex, err := w.container.AppendChunk(buf)
	if err != nil {
		return err
	}
	w.chunkIndexTable = append(w.chunkIndexTable, chunkIndex)
	w.indexSegment = w.indexSegment[:0]
	return nil
}

// Flush finalizes the trace: it flushes any pending record buffer and
// chunk-index segment, appends the index-of-indices chunk, writes the
// trailer header as the container's user data, and finalizes the
// underlying lbcf container. After Flush returns, the Writer must not be
// reused.
func (w *Writer) Flush() error {
	if w.closed {
		return ErrWriterClosed
	}
	defer func() { w.closed = true }()

	if len(w.records) > 0 {
		if err := w.flushChunkBuffer(); err != nil {
			return err
		}
	}
	if len(w.indexSegment) > 0 {
		if err := w.flushIndexTableSegment(); err != nil {
			return err
		}
	}

	idxBuf := make([]byte, len(w.chunkIndexTable)*8)
	for i, v := range w.chunkIndexTable {
		binutil.PutUint64(idxBuf[i*8:], v)
	}
	indexTableChunkNumber, err := w.container.AppendChunk(idxBuf)
	if err != nil {
		return err
	}

	header := TrailerHeader{
		Signature:                    trailerSignature,
		Format:                       FormatExtendedCoreTrace,
		IndexTableChunkNumber:        indexTableChunkNumber,
		IndexTableEntryCount:         uint64(len(w.chunkIndexTable)),
		TraceChunkCount:              w.totalTraceChunkCount,
		RecordCount:                  w.totalRecordCount,
		MemorySize:                   w.memorySize,
		InitialImageIndexChunkNumber: w.initialImageIndexChunkNumber,
		FinalImageIndexChunkNumber:   w.finalImageIndexChunkNumber,
	}
	if err := w.container.SetUserData(header.Marshal()); err != nil {
		return err
	}
	return w.container.Flush()
}
