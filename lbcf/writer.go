package lbcf

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/flate"

	"github.com/ucam-comparch-loki/lokisim-sub004/internal/binutil"
)

// File is the handle a Writer needs: sequential writes, the ability to
// seek back to rewrite the file header once the final size is known, and
// truncate to reserve header space up front. *os.File satisfies it.
type File interface {
	io.Writer
	io.Seeker
	Truncate(size int64) error
}

// Writer appends compressed, checksummed chunks to an LBCF container and
// finalizes it with a compressed descriptor and fixed file header. A
// Writer is single-use: once Flush returns successfully (or any method
// returns an error), the Writer must be discarded.
//
// Writer is not safe for concurrent use.
type Writer struct {
	f        File
	fileSize uint64

	compressBuf *bytes.Buffer
	minWriter   *flate.Writer

	segment []ChunkTableEntry
	index   []ChunkTableIndexEntry

	userData []byte

	totalChunkCount uint64

	closed bool
}

// New prepares f to receive a new LBCF container: it truncates f to the
// file-header size and positions the write cursor just past it. f must
// already be open for writing; the caller retains ownership of closing it.
func New(f File) (*Writer, error) {
	if err := f.Truncate(int64(fileHeaderSize)); err != nil {
		return nil, fmt.Errorf("lbcf: truncate: %w", err)
	}
	if _, err := f.Seek(int64(fileHeaderSize), io.SeekStart); err != nil {
		return nil, fmt.Errorf("lbcf: seek past header: %w", err)
	}

	compressBuf := &bytes.Buffer{}
	minWriter, err := flate.NewWriter(compressBuf, compressionLevelMinimum)
	if err != nil {
		return nil, &CompressionError{Op: "init", Err: err}
	}

	return &Writer{
		f:           f,
		fileSize:    uint64(fileHeaderSize),
		compressBuf: compressBuf,
		minWriter:   minWriter,
		segment:     make([]ChunkTableEntry, 0, chunkTableSegmentCapacity),
		index:       make([]ChunkTableIndexEntry, 0, chunkTableIndexInitialCapacity),
	}, nil
}

// TotalChunks reports the number of chunks appended so far, including any
// chunk-table segment or descriptor machinery that has not yet run. It is
// mainly useful from tests.
func (w *Writer) TotalChunks() uint64 { return w.totalChunkCount }

// SetUserData attaches an opaque blob to the descriptor, written verbatim
// (padded to a 16-byte boundary) alongside the chunk-table index. It may
// be called any number of times before Flush; the last call wins.
func (w *Writer) SetUserData(data []byte) error {
	if w.closed {
		return ErrWriterClosed
	}
	if len(data) == 0 {
		w.userData = nil
		return nil
	}
	w.userData = append([]byte(nil), data...)
	return nil
}

// AppendChunk compresses, checksums, and appends data as one chunk,
// returning its index (0-based, in append order). It returns
// ErrChunkTooLarge without side effects if len(data) exceeds MaxChunkSize.
func (w *Writer) AppendChunk(data []byte) (uint64, error) {
	if w.closed {
		return 0, ErrWriterClosed
	}
	if len(data) > MaxChunkSize {
		return 0, ErrChunkTooLarge
	}

	if len(w.segment) == chunkTableSegmentCapacity {
		if err := w.flushChunkTableSegment(); err != nil {
			return 0, err
		}
	}

	checksum := crc32.ChecksumIEEE(data)

	w.compressBuf.Reset()
	w.minWriter.Reset(w.compressBuf)
	if _, err := w.minWriter.Write(data); err != nil {
		return 0, &CompressionError{Op: "chunk", Err: err}
	}
	if err := w.minWriter.Close(); err != nil {
		return 0, &CompressionError{Op: "chunk", Err: err}
	}

	compressedSize := w.compressBuf.Len() + chunkCRCSize

	entry := ChunkTableEntry{
		Offset:           w.fileSize,
		SizeUncompressed: uint32(len(data)),
		SizeCompressed:   uint32(compressedSize),
	}

	chunkIndex := w.totalChunkCount

	if _, err := w.f.Write(w.compressBuf.Bytes()); err != nil {
		return 0, fmt.Errorf("lbcf: write chunk: %w", err)
	}
	var crcBuf [chunkCRCSize]byte
	binutil.PutUint32(crcBuf[:], checksum)
	if _, err := w.f.Write(crcBuf[:]); err != nil {
		return 0, fmt.Errorf("lbcf: write chunk checksum: %w", err)
	}

	w.segment = append(w.segment, entry)
	w.fileSize += uint64(compressedSize)
	w.totalChunkCount++

	return chunkIndex, nil
}

// flushChunkTableSegment persists the accumulated chunk-table entries as
// one segment and records it in the in-memory chunk-table index.
//
// The bytes written for a segment are the *uncompressed* packed entries.
// The segment is nonetheless run through deflate so the index entry's
// SizeCompressed field can record the compressed size, and the
// compression result is then discarded. Readers reconstruct a segment by
// reading EntryCount x 16 bytes at Offset and checking the CRC; the
// SizeCompressed field is not what was written and must not be trusted
// as such. The mismatch is part of the format.
func (w *Writer) flushChunkTableSegment() error {
	if len(w.segment) == 0 {
		return nil
	}

	segmentSize := len(w.segment) * chunkTableEntrySize
	raw := make([]byte, segmentSize)
	for i, e := range w.segment {
		e.marshalInto(raw[i*chunkTableEntrySize : (i+1)*chunkTableEntrySize])
	}
	checksum := crc32.ChecksumIEEE(raw)

	w.compressBuf.Reset()
	w.minWriter.Reset(w.compressBuf)
	if _, err := w.minWriter.Write(raw); err != nil {
		return &CompressionError{Op: "chunk table segment", Err: err}
	}
	if err := w.minWriter.Close(); err != nil {
		return &CompressionError{Op: "chunk table segment", Err: err}
	}

	w.index = append(w.index, ChunkTableIndexEntry{
		Offset:         w.fileSize,
		EntryCount:     uint32(len(w.segment)),
		SizeCompressed: uint32(w.compressBuf.Len()),
		Checksum:       checksum,
	})

	if _, err := w.f.Write(raw); err != nil {
		return fmt.Errorf("lbcf: write chunk table segment: %w", err)
	}
	w.fileSize += uint64(segmentSize)

	w.segment = w.segment[:0]
	return nil
}

// Flush finalizes the container: it flushes any pending chunk-table
// segment, writes the compressed descriptor (chunk-table index plus user
// data), and rewrites the file header with final sizes and checksums.
// After Flush returns (successfully or not) the Writer must not be reused.
func (w *Writer) Flush() error {
	if w.closed {
		return ErrWriterClosed
	}
	defer func() { w.closed = true }()

	if len(w.segment) > 0 {
		if err := w.flushChunkTableSegment(); err != nil {
			return err
		}
	}

	headerSize := binutil.Pad16(descriptorHeaderSize)
	indexRawSize := len(w.index) * chunkTableIndexEntrySize
	indexSize := binutil.Pad16(indexRawSize)
	userDataSize := binutil.Pad16(len(w.userData))

	chunkTableIndexOffset := headerSize
	userDataOffset := headerSize + indexSize

	descriptor := make([]byte, headerSize+indexSize+userDataSize)
	for i, e := range w.index {
		start := chunkTableIndexOffset + i*chunkTableIndexEntrySize
		e.marshalInto(descriptor[start : start+chunkTableIndexEntrySize])
	}
	copy(descriptor[userDataOffset:], w.userData)

	dh := DescriptorHeader{
		Signature:                 descriptorSignature,
		ChunkTableIndexOffset:     uint64(chunkTableIndexOffset),
		ChunkTableIndexEntryCount: uint64(len(w.index)),
		UserDataOffset:            uint64(userDataOffset),
		UserDataSize:              uint64(len(w.userData)),
	}
	copy(descriptor[:descriptorHeaderSize], dh.Marshal())

	descriptorChecksum := crc32.ChecksumIEEE(descriptor)

	var maxBuf bytes.Buffer
	maxWriter, err := flate.NewWriter(&maxBuf, compressionLevelMaximum)
	if err != nil {
		return &CompressionError{Op: "descriptor", Err: err}
	}
	if _, err := maxWriter.Write(descriptor); err != nil {
		return &CompressionError{Op: "descriptor", Err: err}
	}
	if err := maxWriter.Close(); err != nil {
		return &CompressionError{Op: "descriptor", Err: err}
	}

	descriptorOffset := w.fileSize
	if _, err := w.f.Write(maxBuf.Bytes()); err != nil {
		return fmt.Errorf("lbcf: write descriptor: %w", err)
	}
	w.fileSize += uint64(maxBuf.Len())

	fh := FileHeader{
		Signature:                  fileSignature,
		FileSize:                   w.fileSize,
		DescriptorOffset:           descriptorOffset,
		DescriptorSizeUncompressed: uint64(len(descriptor)),
		DescriptorSizeCompressed:   uint64(maxBuf.Len()),
		DescriptorChecksum:         descriptorChecksum,
	}
	headerBytes := fh.Marshal()
	fh.HeaderChecksum = crc32.ChecksumIEEE(headerBytes[:fileHeaderSize-4])
	headerBytes = fh.Marshal()

	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("lbcf: seek to header: %w", err)
	}
	if _, err := w.f.Write(headerBytes); err != nil {
		return fmt.Errorf("lbcf: write header: %w", err)
	}
	if _, err := w.f.Seek(int64(w.fileSize), io.SeekStart); err != nil {
		return fmt.Errorf("lbcf: seek past end: %w", err)
	}

	return nil
}
