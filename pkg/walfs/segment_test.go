package walfs

import (
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmentSizeLimit(t *testing.T) {
	dir := t.TempDir()

	_, err := OpenSegmentFile(dir, ".wal", 1, WithSegmentSize(4*1024*1024*1024+1))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "segment size exceeds 4 GiB limit")

	_, err = OpenSegmentFile(dir, ".wal", 2, WithSegmentSize(segmentHeaderSize))
	assert.Error(t, err)
}

func TestSegmentWriteRead(t *testing.T) {
	dir := t.TempDir()
	seg, err := OpenSegmentFile(dir, ".wal", 1, WithSegmentSize(4096))
	require.NoError(t, err)
	defer seg.Close()

	pos1, err := seg.Write([]byte("hello"))
	require.NoError(t, err)
	pos2, err := seg.Write([]byte("world!!"))
	require.NoError(t, err)

	assert.Equal(t, int64(segmentHeaderSize), pos1.Offset)
	assert.Equal(t, int64(0), pos2.Offset%alignSize)

	data, next, err := seg.Read(pos1.Offset)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, pos2.Offset, next)

	data, _, err = seg.Read(pos2.Offset)
	require.NoError(t, err)
	assert.Equal(t, "world!!", string(data))
	assert.Equal(t, int64(2), seg.EntryCount())

	_, _, err = seg.Read(seg.WriteOffset())
	assert.ErrorIs(t, err, io.EOF)
}

func TestSegmentFull(t *testing.T) {
	dir := t.TempDir()
	seg, err := OpenSegmentFile(dir, ".wal", 1, WithSegmentSize(128))
	require.NoError(t, err)
	defer seg.Close()

	assert.True(t, seg.WillExceed(100))
	_, err = seg.Write(make([]byte, 100))
	assert.ErrorIs(t, err, ErrSegmentFull)
}

func TestSegmentRecoveryAfterReopen(t *testing.T) {
	dir := t.TempDir()
	seg, err := OpenSegmentFile(dir, ".wal", 1, WithSegmentSize(4096))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := seg.Write([]byte(fmt.Sprintf("record-%d", i)))
		require.NoError(t, err)
	}
	end := seg.WriteOffset()
	require.NoError(t, seg.Close())

	reopened, err := OpenSegmentFile(dir, ".wal", 1)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, end, reopened.WriteOffset())

	_, err = reopened.Write([]byte("after"))
	require.NoError(t, err)
}

func TestSegmentRecoveryStopsAtTornWrite(t *testing.T) {
	dir := t.TempDir()
	seg, err := OpenSegmentFile(dir, ".wal", 1, WithSegmentSize(4096))
	require.NoError(t, err)
	_, err = seg.Write([]byte("good"))
	require.NoError(t, err)
	pos, err := seg.Write([]byte("torn"))
	require.NoError(t, err)

	// clobber the trailer of the second record
	trailerAt := pos.Offset + recordHeaderSize + 4
	copy(seg.mmapData[trailerAt:], []byte{0, 0, 0, 0, 0, 0, 0, 0})
	require.NoError(t, seg.Close())

	reopened, err := OpenSegmentFile(dir, ".wal", 1)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, pos.Offset, reopened.WriteOffset())
}

func TestSegmentReadDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	seg, err := OpenSegmentFile(dir, ".wal", 1, WithSegmentSize(4096))
	require.NoError(t, err)
	defer seg.Close()

	pos, err := seg.Write([]byte("payload"))
	require.NoError(t, err)
	seg.mmapData[pos.Offset+recordHeaderSize] ^= 0xFF

	_, _, err = seg.Read(pos.Offset)
	assert.ErrorIs(t, err, ErrInvalidCRC)
}

func TestSealedSegmentRejectsWrites(t *testing.T) {
	dir := t.TempDir()
	seg, err := OpenSegmentFile(dir, ".wal", 1, WithSegmentSize(4096))
	require.NoError(t, err)
	_, err = seg.Write([]byte("a"))
	require.NoError(t, err)
	require.NoError(t, seg.Seal())

	_, err = seg.Write([]byte("b"))
	assert.ErrorIs(t, err, ErrSegmentSealed)
	require.NoError(t, seg.Close())

	reopened, err := OpenSegmentFile(dir, ".wal", 1)
	require.NoError(t, err)
	defer reopened.Close()
	assert.True(t, reopened.IsSealed())
}

func TestCorruptSegmentHeader(t *testing.T) {
	dir := t.TempDir()
	seg, err := OpenSegmentFile(dir, ".wal", 1, WithSegmentSize(4096))
	require.NoError(t, err)
	require.NoError(t, seg.Close())

	path := SegmentFileName(dir, ".wal", 1)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF}, 10)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = OpenSegmentFile(dir, ".wal", 1)
	assert.Error(t, err)
}
