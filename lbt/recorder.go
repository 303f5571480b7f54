package lbt

// Recorder is the event interface the surrounding core/memory simulation
// notifies as operations retire: basic, memory, and system-call
// operations with their cycle, address, operands, and status. *Writer
// implements it so callers can depend on the narrower interface instead
// of the concrete writer type.
type Recorder interface {
	RecordBasicOperation(cycle uint64, instAddr uint32, opType OperationType, ch1 uint8, usesCh1 bool, ch2 uint8, usesCh2 bool, executed, endOfPacket bool) error
	RecordMemoryOperation(cycle uint64, instAddr uint32, opType OperationType, memAddr, memData uint32, executed, endOfPacket bool) error
	RecordSystemCall(cycle uint64, instAddr uint32, syscallNum uint8, registers []uint32, data []byte, executed, endOfPacket bool) error
}

var _ Recorder = (*Writer)(nil)

// RecordBasicOperation adapts AddBasicOperation to the Recorder interface.
func (w *Writer) RecordBasicOperation(cycle uint64, instAddr uint32, opType OperationType, ch1 uint8, usesCh1 bool, ch2 uint8, usesCh2 bool, executed, endOfPacket bool) error {
	return w.AddBasicOperation(cycle, instAddr, opType, ch1, usesCh1, ch2, usesCh2, executed, endOfPacket)
}

// RecordMemoryOperation adapts AddMemoryOperation to the Recorder interface.
func (w *Writer) RecordMemoryOperation(cycle uint64, instAddr uint32, opType OperationType, memAddr, memData uint32, executed, endOfPacket bool) error {
	return w.AddMemoryOperation(cycle, instAddr, opType, memAddr, memData, executed, endOfPacket)
}

// RecordSystemCall adapts AddSystemCall to the Recorder interface.
func (w *Writer) RecordSystemCall(cycle uint64, instAddr uint32, syscallNum uint8, registers []uint32, data []byte, executed, endOfPacket bool) error {
	return w.AddSystemCall(cycle, instAddr, syscallNum, registers, data, executed, endOfPacket)
}

// NullRecorder discards every event. It is useful as a default Recorder
// when tracing is disabled but the caller still wants to depend on the
// interface unconditionally.
type NullRecorder struct{}

func (NullRecorder) RecordBasicOperation(uint64, uint32, OperationType, uint8, bool, uint8, bool, bool, bool) error {
	return nil
}

func (NullRecorder) RecordMemoryOperation(uint64, uint32, OperationType, uint32, uint32, bool, bool) error {
	return nil
}

func (NullRecorder) RecordSystemCall(uint64, uint32, uint8, []uint32, []byte, bool, bool) error {
	return nil
}

var _ Recorder = NullRecorder{}
