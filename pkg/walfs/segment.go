// Package walfs is the append-only record log used for recorded event
// streams and for the series journal.
//
// A log is a directory of fixed-size, memory-mapped segment files. Every
// record is framed as
//
//	| crc32c (4) | length (4) | payload | trailer (8) | pad to 8 |
//
// The trailer lets recovery stop at the first torn write after a crash.
// Segments carry a 64 byte header with its own CRC.
package walfs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edsrzf/mmap-go"
)

const (
	FlagActive uint32 = 1 << iota
	FlagSealed
)

const (
	segmentHeaderSize = 64
	// "XRFL"
	segmentMagicNumber   = 0x5852464C
	segmentHeaderVersion = 1

	// layout: 4 (checksum) + 4 (length) = 8 bytes
	recordHeaderSize        = 8
	recordTrailerMarkerSize = 8
	defaultSegmentSize      = 16 * 1024 * 1024
	maxSegmentSize          = 4 * 1024 * 1024 * 1024
	fileModePerm            = 0644

	alignSize int64 = 8
	alignMask       = alignSize - 1
)

var (
	ErrClosed          = errors.New("segment is closed")
	ErrInvalidCRC      = errors.New("invalid crc, the data may be corrupted")
	ErrCorruptHeader   = errors.New("corrupt record header, invalid length")
	ErrIncompleteChunk = errors.New("incomplete or torn write detected at record trailer")
	ErrSegmentSealed   = errors.New("cannot write to sealed segment")
	ErrSegmentFull     = errors.New("segment is full")
	ErrRecordTooLarge  = errors.New("record exceeds segment capacity")
)

var (
	crcTable = crc32.MakeTable(crc32.Castagnoli)
	// marker written after every record to detect torn writes.
	trailerMarker = []byte{0xDE, 0xAD, 0xBE, 0xEF, 0xFE, 0xED, 0xFA, 0xCE}
	trailerWord   = binary.LittleEndian.Uint64(trailerMarker)
)

type SegmentID = uint32

// RecordPosition is the location of a record inside a log.
type RecordPosition struct {
	SegmentID SegmentID
	Offset    int64
}

func (rp RecordPosition) String() string {
	return fmt.Sprintf("SegmentID=%d, Offset=%d", rp.SegmentID, rp.Offset)
}

// SegmentHeader is the decoded 64 byte segment header.
type SegmentHeader struct {
	Magic          uint32
	Version        uint32
	CreatedAt      int64
	LastModifiedAt int64
	WriteOffset    int64
	EntryCount     int64
	Flags          uint32
}

func decodeSegmentHeader(buf []byte) (*SegmentHeader, error) {
	if len(buf) < segmentHeaderSize {
		return nil, io.ErrUnexpectedEOF
	}
	saved := binary.LittleEndian.Uint32(buf[56:60])
	computed := crc32.Checksum(buf[0:56], crcTable)
	if saved != computed {
		return nil, fmt.Errorf("segment header CRC mismatch: expected %08x, got %08x", saved, computed)
	}
	hdr := &SegmentHeader{
		Magic:          binary.LittleEndian.Uint32(buf[0:4]),
		Version:        binary.LittleEndian.Uint32(buf[4:8]),
		CreatedAt:      int64(binary.LittleEndian.Uint64(buf[8:16])),
		LastModifiedAt: int64(binary.LittleEndian.Uint64(buf[16:24])),
		WriteOffset:    int64(binary.LittleEndian.Uint64(buf[24:32])),
		EntryCount:     int64(binary.LittleEndian.Uint64(buf[32:40])),
		Flags:          binary.LittleEndian.Uint32(buf[40:44]),
	}
	if hdr.Magic != segmentMagicNumber {
		return nil, fmt.Errorf("segment magic mismatch: %08x", hdr.Magic)
	}
	return hdr, nil
}

func IsSealed(flags uint32) bool {
	return flags&FlagSealed != 0
}

// Segment is a single log file backed by a memory map.
type Segment struct {
	path        string
	id          SegmentID
	fd          *os.File
	mmapData    mmap.MMap
	mmapSize    int64
	writeOffset atomic.Int64
	closed      atomic.Bool
	sealed      atomic.Bool

	writeMu sync.Mutex
	syncOnW bool
}

// WithSegmentSize sets the mapped size of a new segment.
func WithSegmentSize(size int64) func(*Segment) {
	return func(s *Segment) {
		s.mmapSize = size
	}
}

// WithSyncEveryWrite msyncs after every write.
func WithSyncEveryWrite() func(*Segment) {
	return func(s *Segment) {
		s.syncOnW = true
	}
}

// SegmentFileName returns the file path of segment id.
func SegmentFileName(dir, ext string, id SegmentID) string {
	return filepath.Join(dir, fmt.Sprintf("%09d%s", id, ext))
}

// OpenSegmentFile opens or creates a segment. An existing unsealed segment
// is scanned to find the end of valid data.
func OpenSegmentFile(dir, ext string, id SegmentID, opts ...func(*Segment)) (*Segment, error) {
	path := SegmentFileName(dir, ext, id)
	isNew, err := isNewSegment(path)
	if err != nil {
		return nil, err
	}

	s := &Segment{
		path:     path,
		id:       id,
		mmapSize: defaultSegmentSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.mmapSize > maxSegmentSize {
		return nil, fmt.Errorf("segment size exceeds 4 GiB limit: %d bytes", s.mmapSize)
	}
	if s.mmapSize <= segmentHeaderSize {
		return nil, fmt.Errorf("segment size too small: %d bytes", s.mmapSize)
	}

	if !isNew {
		// existing files keep the size they were created with
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat error: %w", err)
		}
		s.mmapSize = info.Size()
	}

	fd, mmapData, err := s.prepareSegmentFile(path)
	if err != nil {
		return nil, err
	}
	s.fd = fd
	s.mmapData = mmapData

	offset := int64(segmentHeaderSize)
	if isNew {
		writeInitialMetadata(mmapData)
	} else {
		hdr, err := decodeSegmentHeader(mmapData[:segmentHeaderSize])
		if err != nil {
			_ = mmapData.Unmap()
			_ = fd.Close()
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
		if IsSealed(hdr.Flags) {
			offset = hdr.WriteOffset
			s.sealed.Store(true)
		} else {
			// the header offset may be stale after a crash
			offset = s.scanForLastOffset()
		}
	}
	s.writeOffset.Store(offset)
	return s, nil
}

func isNewSegment(path string) (bool, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return true, nil
	} else if err != nil {
		return false, fmt.Errorf("stat error: %w", err)
	}
	return false, nil
}

func (seg *Segment) prepareSegmentFile(path string) (*os.File, mmap.MMap, error) {
	fd, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, fileModePerm)
	if err != nil {
		return nil, nil, err
	}
	if err := fd.Truncate(seg.mmapSize); err != nil {
		fd.Close()
		return nil, nil, fmt.Errorf("truncate error: %w", err)
	}
	mmapData, err := mmap.Map(fd, mmap.RDWR, 0)
	if err != nil {
		fd.Close()
		return nil, nil, fmt.Errorf("mmap error: %w", err)
	}
	return fd, mmapData, nil
}

func writeInitialMetadata(mmapData mmap.MMap) {
	binary.LittleEndian.PutUint32(mmapData[0:4], segmentMagicNumber)
	binary.LittleEndian.PutUint32(mmapData[4:8], segmentHeaderVersion)
	now := uint64(time.Now().UnixNano())
	binary.LittleEndian.PutUint64(mmapData[8:16], now)
	binary.LittleEndian.PutUint64(mmapData[16:24], now)
	binary.LittleEndian.PutUint64(mmapData[24:32], segmentHeaderSize)
	binary.LittleEndian.PutUint64(mmapData[32:40], 0)
	binary.LittleEndian.PutUint32(mmapData[40:44], FlagActive)
	updateHeaderCRC(mmapData)
}

func updateHeaderCRC(mmapData mmap.MMap) {
	crc := crc32.Checksum(mmapData[0:56], crcTable)
	binary.LittleEndian.PutUint32(mmapData[56:60], crc)
}

func (seg *Segment) scanForLastOffset() int64 {
	var offset int64 = segmentHeaderSize

	for offset+recordHeaderSize <= seg.mmapSize {
		header := seg.mmapData[offset : offset+recordHeaderSize]
		length := binary.LittleEndian.Uint32(header[4:8])
		entrySize := alignUp(int64(recordHeaderSize) + int64(length) + recordTrailerMarkerSize)
		if offset+entrySize > seg.mmapSize {
			break
		}

		savedSum := binary.LittleEndian.Uint32(header[:4])
		if savedSum == 0 && length == 0 {
			break
		}
		data := seg.mmapData[offset+recordHeaderSize : offset+recordHeaderSize+int64(length)]
		trailerAt := offset + recordHeaderSize + int64(length)
		trailer := binary.LittleEndian.Uint64(seg.mmapData[trailerAt : trailerAt+recordTrailerMarkerSize])
		if savedSum != crc32Checksum(header[4:], data) || trailer != trailerWord {
			slog.Warn("[walfs]",
				slog.String("message", "stopping segment recovery at corrupt record"),
				slog.Int64("offset", offset),
				slog.String("segment", seg.path),
				slog.Bool("trailer_corrupted", trailer != trailerWord),
			)
			break
		}
		offset += entrySize
	}
	return offset
}

func alignUp(n int64) int64 {
	return (n + alignMask) & ^alignMask
}

func entrySizeFor(dataLen int) int64 {
	return alignUp(int64(recordHeaderSize) + int64(dataLen) + recordTrailerMarkerSize)
}

// WillExceed reports whether a record of dataLen bytes does not fit.
func (seg *Segment) WillExceed(dataLen int) bool {
	return seg.writeOffset.Load()+entrySizeFor(dataLen) > seg.mmapSize
}

// Write appends one record.
func (seg *Segment) Write(data []byte) (RecordPosition, error) {
	if seg.closed.Load() {
		return RecordPosition{}, ErrClosed
	}

	seg.writeMu.Lock()
	defer seg.writeMu.Unlock()

	if seg.sealed.Load() {
		return RecordPosition{}, ErrSegmentSealed
	}

	offset := seg.writeOffset.Load()
	entrySize := entrySizeFor(len(data))
	if offset+entrySize > seg.mmapSize {
		return RecordPosition{}, ErrSegmentFull
	}

	var header [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(data)))
	binary.LittleEndian.PutUint32(header[:4], crc32Checksum(header[4:], data))

	copy(seg.mmapData[offset:], header[:])
	copy(seg.mmapData[offset+recordHeaderSize:], data)
	trailerAt := offset + recordHeaderSize + int64(len(data))
	copy(seg.mmapData[trailerAt:], trailerMarker)
	for i := trailerAt + recordTrailerMarkerSize; i < offset+entrySize; i++ {
		seg.mmapData[i] = 0
	}

	newOffset := offset + entrySize
	seg.writeOffset.Store(newOffset)

	binary.LittleEndian.PutUint64(seg.mmapData[24:32], uint64(newOffset))
	prevCount := binary.LittleEndian.Uint64(seg.mmapData[32:40])
	binary.LittleEndian.PutUint64(seg.mmapData[32:40], prevCount+1)
	binary.LittleEndian.PutUint64(seg.mmapData[16:24], uint64(time.Now().UnixNano()))
	updateHeaderCRC(seg.mmapData)

	if seg.syncOnW {
		if err := seg.mmapData.Flush(); err != nil {
			return RecordPosition{}, fmt.Errorf("mmap flush error after write: %w", err)
		}
	}

	return RecordPosition{SegmentID: seg.id, Offset: offset}, nil
}

// Read returns the record at offset and the offset of the next record.
// The returned slice aliases the mapping; copy it before the segment closes.
func (seg *Segment) Read(offset int64) ([]byte, int64, error) {
	if seg.closed.Load() {
		return nil, 0, ErrClosed
	}
	writeOffset := seg.writeOffset.Load()
	if offset < segmentHeaderSize || offset+recordHeaderSize > writeOffset {
		return nil, 0, io.EOF
	}

	header := seg.mmapData[offset : offset+recordHeaderSize]
	length := int64(binary.LittleEndian.Uint32(header[4:8]))
	entrySize := alignUp(recordHeaderSize + length + recordTrailerMarkerSize)
	if offset+entrySize > writeOffset {
		return nil, 0, ErrCorruptHeader
	}

	trailerAt := offset + recordHeaderSize + length
	if binary.LittleEndian.Uint64(seg.mmapData[trailerAt:trailerAt+recordTrailerMarkerSize]) != trailerWord {
		return nil, 0, ErrIncompleteChunk
	}

	data := seg.mmapData[offset+recordHeaderSize : trailerAt]
	if binary.LittleEndian.Uint32(header[:4]) != crc32Checksum(header[4:], data) {
		return nil, 0, ErrInvalidCRC
	}
	return data, offset + entrySize, nil
}

// Seal marks the segment read-only and persists the flag.
func (seg *Segment) Seal() error {
	if seg.closed.Load() {
		return ErrClosed
	}
	seg.writeMu.Lock()
	defer seg.writeMu.Unlock()

	flags := binary.LittleEndian.Uint32(seg.mmapData[40:44])
	flags = (flags &^ FlagActive) | FlagSealed
	binary.LittleEndian.PutUint32(seg.mmapData[40:44], flags)
	updateHeaderCRC(seg.mmapData)
	seg.sealed.Store(true)
	return seg.mmapData.Flush()
}

// IsSealed reports whether the segment accepts writes.
func (seg *Segment) IsSealed() bool {
	return seg.sealed.Load()
}

// EntryCount returns the number of records in the segment.
func (seg *Segment) EntryCount() int64 {
	seg.writeMu.Lock()
	defer seg.writeMu.Unlock()
	return int64(binary.LittleEndian.Uint64(seg.mmapData[32:40]))
}

// WriteOffset returns the end of valid data.
func (seg *Segment) WriteOffset() int64 {
	return seg.writeOffset.Load()
}

// ID returns the segment id.
func (seg *Segment) ID() SegmentID {
	return seg.id
}

// Sync msyncs the mapping and fsyncs the file.
func (seg *Segment) Sync() error {
	if seg.closed.Load() {
		return ErrClosed
	}
	if err := seg.mmapData.Flush(); err != nil {
		return fmt.Errorf("mmap flush error: %w", err)
	}
	if err := seg.fd.Sync(); err != nil {
		return fmt.Errorf("fsync error: %w", err)
	}
	return nil
}

// Close syncs, unmaps and closes the file. Closing twice is a no-op.
func (seg *Segment) Close() error {
	if seg.closed.Load() {
		return nil
	}
	syncErr := seg.Sync()
	seg.closed.Store(true)

	if err := seg.mmapData.Unmap(); err != nil {
		_ = seg.fd.Close()
		return fmt.Errorf("unmap error: %w", err)
	}
	if err := seg.fd.Close(); err != nil {
		return fmt.Errorf("file close error: %w", err)
	}
	if syncErr != nil {
		return fmt.Errorf("sync error during close: %w", syncErr)
	}
	return nil
}

func crc32Checksum(header []byte, data []byte) uint32 {
	sum := crc32.Checksum(header, crcTable)
	return crc32.Update(sum, crcTable, data)
}
