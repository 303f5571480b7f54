package lbcf_test

import (
	"bytes"
	"errors"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/flate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ucam-comparch-loki/lokisim-sub004/internal/binutil"
	"github.com/ucam-comparch-loki/lokisim-sub004/lbcf"
)

func tempFile(t *testing.T) *os.File {
	t.Helper()
	f, err := os.Create(filepath.Join(t.TempDir(), "trace.lbcf"))
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func readFileHeader(t *testing.T, f *os.File) lbcf.FileHeader {
	t.Helper()
	buf := make([]byte, 48)
	_, err := f.ReadAt(buf, 0)
	require.NoError(t, err)
	return lbcf.FileHeader{
		Signature:                  binutil.GetUint64(buf[0:]),
		FileSize:                   binutil.GetUint64(buf[8:]),
		DescriptorOffset:           binutil.GetUint64(buf[16:]),
		DescriptorSizeUncompressed: binutil.GetUint64(buf[24:]),
		DescriptorSizeCompressed:   binutil.GetUint64(buf[32:]),
		DescriptorChecksum:         binutil.GetUint32(buf[40:]),
		HeaderChecksum:             binutil.GetUint32(buf[44:]),
	}
}

func TestNewTruncatesAndReservesHeader(t *testing.T) {
	f := tempFile(t)
	_, err := f.Write(bytes.Repeat([]byte{0xFF}, 4096))
	require.NoError(t, err)

	_, err = lbcf.New(f)
	require.NoError(t, err)

	info, err := f.Stat()
	require.NoError(t, err)
	assert.EqualValues(t, 48, info.Size())
}

func TestAppendChunkAndFlushRoundTrip(t *testing.T) {
	f := tempFile(t)
	w, err := lbcf.New(f)
	require.NoError(t, err)

	idx0, err := w.AppendChunk([]byte("hello, loki"))
	require.NoError(t, err)
	assert.EqualValues(t, 0, idx0)

	idx1, err := w.AppendChunk([]byte("second chunk payload"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, idx1)

	require.NoError(t, w.SetUserData([]byte("trailer-blob")))
	require.NoError(t, w.Flush())

	info, err := f.Stat()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, info.Size(), int64(48))

	fh := readFileHeader(t, f)
	assert.EqualValues(t, info.Size(), fh.FileSize)
	assert.NotZero(t, fh.Signature)
	assert.NotZero(t, fh.DescriptorOffset)

	// header_checksum must be the CRC32 of the first 44 bytes of the header.
	recomputed := fh
	recomputed.HeaderChecksum = 0
	marshaled := recomputed.Marshal()
	assert.Equal(t, fh.HeaderChecksum, crc32.ChecksumIEEE(marshaled[:44]))
}

func TestAppendChunkTooLargeRejected(t *testing.T) {
	f := tempFile(t)
	w, err := lbcf.New(f)
	require.NoError(t, err)

	before, err := f.Stat()
	require.NoError(t, err)

	_, err = w.AppendChunk(make([]byte, lbcf.MaxChunkSize+1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, lbcf.ErrChunkTooLarge))
	assert.EqualValues(t, 0, w.TotalChunks())

	after, err := f.Stat()
	require.NoError(t, err)
	assert.Equal(t, before.Size(), after.Size())
}

func TestReuseAfterFlushRejected(t *testing.T) {
	f := tempFile(t)
	w, err := lbcf.New(f)
	require.NoError(t, err)

	_, err = w.AppendChunk([]byte("a chunk"))
	require.NoError(t, err)
	require.NoError(t, w.Flush())

	_, err = w.AppendChunk([]byte("too late"))
	assert.True(t, errors.Is(err, lbcf.ErrWriterClosed))

	err = w.Flush()
	assert.True(t, errors.Is(err, lbcf.ErrWriterClosed))

	err = w.SetUserData([]byte("nope"))
	assert.True(t, errors.Is(err, lbcf.ErrWriterClosed))
}

func TestChunkTableSegmentBoundary(t *testing.T) {
	if testing.Short() {
		t.Skip("segment-boundary test allocates and writes millions of small chunks")
	}
	f := tempFile(t)
	w, err := lbcf.New(f)
	require.NoError(t, err)

	const segmentCapacity = 4 * 1024 * 1024
	payload := []byte{1, 2, 3, 4}
	for i := 0; i < segmentCapacity+1; i++ {
		if _, err := w.AppendChunk(payload); err != nil {
			require.NoError(t, err)
		}
	}
	require.NoError(t, w.Flush())
	assert.EqualValues(t, segmentCapacity+1, w.TotalChunks())

	// Crossing the segment capacity must split the chunk table into a
	// full segment and a one-entry remainder.
	fh := readFileHeader(t, f)
	compressed := make([]byte, fh.DescriptorSizeCompressed)
	_, err = f.ReadAt(compressed, int64(fh.DescriptorOffset))
	require.NoError(t, err)

	descriptor := make([]byte, fh.DescriptorSizeUncompressed)
	_, err = io.ReadFull(flate.NewReader(bytes.NewReader(compressed)), descriptor)
	require.NoError(t, err)

	indexOffset := binutil.GetUint64(descriptor[8:])
	require.EqualValues(t, 2, binutil.GetUint64(descriptor[16:]))
	assert.EqualValues(t, segmentCapacity, binutil.GetUint32(descriptor[indexOffset+8:]))
	assert.EqualValues(t, 1, binutil.GetUint32(descriptor[indexOffset+20+8:]))
}

func TestDescriptorAndChunkRoundTrip(t *testing.T) {
	f := tempFile(t)
	w, err := lbcf.New(f)
	require.NoError(t, err)

	payloads := [][]byte{
		[]byte("first"),
		bytes.Repeat([]byte{0xAB}, 10000),
		{},
	}
	for _, p := range payloads {
		_, err := w.AppendChunk(p)
		require.NoError(t, err)
	}
	require.NoError(t, w.SetUserData([]byte("user-data")))
	require.NoError(t, w.Flush())

	fh := readFileHeader(t, f)

	compressed := make([]byte, fh.DescriptorSizeCompressed)
	_, err = f.ReadAt(compressed, int64(fh.DescriptorOffset))
	require.NoError(t, err)

	descriptor := make([]byte, fh.DescriptorSizeUncompressed)
	zr := flate.NewReader(bytes.NewReader(compressed))
	_, err = io.ReadFull(zr, descriptor)
	require.NoError(t, err)
	require.Equal(t, fh.DescriptorChecksum, crc32.ChecksumIEEE(descriptor))

	indexOffset := binutil.GetUint64(descriptor[8:])
	indexEntryCount := binutil.GetUint64(descriptor[16:])
	userDataOffset := binutil.GetUint64(descriptor[24:])
	userDataSize := binutil.GetUint64(descriptor[32:])
	require.EqualValues(t, 1, indexEntryCount)
	assert.Equal(t, []byte("user-data"), descriptor[userDataOffset:userDataOffset+userDataSize])

	entry := descriptor[indexOffset : indexOffset+20]
	segmentOffset := binutil.GetUint64(entry[0:])
	entryCount := binutil.GetUint32(entry[8:])
	sizeCompressed := binutil.GetUint32(entry[12:])
	segmentChecksum := binutil.GetUint32(entry[16:])
	require.EqualValues(t, len(payloads), entryCount)

	// The segment is written as raw, uncompressed chunk-table entries;
	// its index entry's checksum covers those raw bytes, while the
	// SizeCompressed field records the deflate size of the segment, not
	// the byte count on disk.
	raw := make([]byte, int(entryCount)*16)
	_, err = f.ReadAt(raw, int64(segmentOffset))
	require.NoError(t, err)
	assert.Equal(t, segmentChecksum, crc32.ChecksumIEEE(raw))

	var deflated bytes.Buffer
	fw, err := flate.NewWriter(&deflated, 1)
	require.NoError(t, err)
	_, err = fw.Write(raw)
	require.NoError(t, err)
	require.NoError(t, fw.Close())
	assert.EqualValues(t, deflated.Len(), sizeCompressed)

	// Every chunk must decompress to its recorded uncompressed size and
	// match the CRC stored after its compressed payload.
	for i, p := range payloads {
		e := raw[i*16 : (i+1)*16]
		offset := binutil.GetUint64(e[0:])
		sizeUncompressed := binutil.GetUint32(e[8:])
		chunkSizeCompressed := binutil.GetUint32(e[12:])
		require.EqualValues(t, len(p), sizeUncompressed)

		chunk := make([]byte, chunkSizeCompressed)
		_, err := f.ReadAt(chunk, int64(offset))
		require.NoError(t, err)

		data := make([]byte, sizeUncompressed)
		zr := flate.NewReader(bytes.NewReader(chunk[:len(chunk)-4]))
		_, err = io.ReadFull(zr, data)
		require.NoError(t, err)
		assert.Equal(t, binutil.GetUint32(chunk[len(chunk)-4:]), crc32.ChecksumIEEE(data))
		assert.Equal(t, p, data[:len(p)])
	}
}

func TestEmptyContainerFlush(t *testing.T) {
	f := tempFile(t)
	w, err := lbcf.New(f)
	require.NoError(t, err)

	require.NoError(t, w.Flush())

	info, err := f.Stat()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, info.Size(), int64(48))

	fh := readFileHeader(t, f)
	assert.EqualValues(t, 0, fh.DescriptorSizeUncompressed%16)
}
