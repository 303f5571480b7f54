package lbt

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ucam-comparch-loki/lokisim-sub004/internal/binutil"
)

// StoreMemoryImage splits a full memory snapshot into memoryImageChunkSize
// pieces, appends each as a chunk, and records an index-of-indices chunk
// for the set. initial selects whether this becomes the trailer's initial
// or final image reference. len(image) must equal the size passed to
// SetMemorySize.
func (w *Writer) StoreMemoryImage(image []byte, initial bool) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	if uint64(len(image)) != w.memorySize {
		return &ContractViolation{
			Op:     "StoreMemoryImage",
			Field:  "image",
			Detail: fmt.Sprintf("image length %d does not match memory size %d", len(image), w.memorySize),
		}
	}
	return w.storeMemoryImage(bytes.NewReader(image), initial)
}

// StoreMemoryImageReader behaves like StoreMemoryImage but streams exactly
// the configured memory size from r, so large snapshots need not be held
// resident as one contiguous slice at the call site. The on-disk chunks
// are byte-identical to the []byte form.
func (w *Writer) StoreMemoryImageReader(r io.Reader, initial bool) error {
	return w.storeMemoryImage(r, initial)
}

func (w *Writer) storeMemoryImage(r io.Reader, initial bool) error {
	if err := w.checkOpen(); err != nil {
		return err
	}

	chunkCount := w.memorySize / memoryImageChunkSize
	if w.memorySize%memoryImageChunkSize != 0 {
		chunkCount++
	}

	indices := make([]uint64, 0, chunkCount)
	remaining := w.memorySize
	buf := make([]byte, memoryImageChunkSize)
	for remaining > 0 {
		n := uint64(memoryImageChunkSize)
		if remaining < n {
			n = remaining
		}
		if _, err := io.ReadFull(r, buf[:n]); err != nil {
			return fmt.Errorf("lbt: read memory image: %w", err)
		}
		idx, err := w.container.AppendChunk(buf[:n])
		if err != nil {
			return err
		}
		indices = append(indices, idx)
		remaining -= n
	}

	idxBuf := make([]byte, len(indices)*8)
	for i, v := range indices {
		binutil.PutUint64(idxBuf[i*8:], v)
	}
	indexChunk, err := w.container.AppendChunk(idxBuf)
	if err != nil {
		return err
	}

	if initial {
		w.initialImageIndexChunkNumber = indexChunk
	} else {
		w.finalImageIndexChunkNumber = indexChunk
	}
	return nil
}
