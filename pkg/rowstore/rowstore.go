// Package rowstore is a memory-mapped, growable 2D float64 array indexed by
// event number along axis 0.
//
// File layout:
//
//	| magic (4) | version (4) | width (8) | length (8) | reserved | crc32c (4) @56 |
//	| row 0 | row 1 | ... (width float64 each, little-endian) |
//
// The row width is fixed by the first row ever written. Rows that were
// allocated but never written read as NaN.
package rowstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
)

const (
	headerSize = 64
	// "XRFR"
	magicNumber   = 0x58524652
	headerVersion = 1
	fileModePerm  = 0644
	float64Size   = 8
	minCapacity   = 64
)

var (
	ErrClosed      = errors.New("row store is closed")
	ErrRowWidth    = errors.New("row width does not match store width")
	ErrOutOfRange  = errors.New("row index out of range")
	ErrEmptyRow    = errors.New("row is empty")
	ErrCorruptFile = errors.New("corrupt row store header")
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Store is safe for concurrent readers; writes are expected from a single
// flush context but are serialised anyway.
type Store struct {
	mu       sync.RWMutex
	path     string
	fd       *os.File
	data     mmap.MMap
	width    int
	length   uint64
	capacity uint64
	closed   bool
}

// Open opens the store at path, creating it when missing.
func Open(path string) (*Store, error) {
	fd, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, fileModePerm)
	if err != nil {
		return nil, err
	}
	info, err := fd.Stat()
	if err != nil {
		fd.Close()
		return nil, fmt.Errorf("stat error: %w", err)
	}

	s := &Store{path: path, fd: fd}
	if info.Size() == 0 {
		if err := fd.Truncate(headerSize); err != nil {
			fd.Close()
			return nil, fmt.Errorf("truncate error: %w", err)
		}
		if err := s.mapFile(); err != nil {
			fd.Close()
			return nil, err
		}
		s.writeHeader()
		return s, nil
	}

	if err := s.mapFile(); err != nil {
		fd.Close()
		return nil, err
	}
	if err := s.readHeader(info.Size()); err != nil {
		_ = s.data.Unmap()
		fd.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) mapFile() error {
	data, err := mmap.Map(s.fd, mmap.RDWR, 0)
	if err != nil {
		return fmt.Errorf("mmap error: %w", err)
	}
	s.data = data
	return nil
}

func (s *Store) readHeader(fileSize int64) error {
	if fileSize < headerSize {
		return fmt.Errorf("%w: file is %d bytes", ErrCorruptFile, fileSize)
	}
	saved := binary.LittleEndian.Uint32(s.data[56:60])
	if saved != crc32.Checksum(s.data[0:56], crcTable) {
		return fmt.Errorf("%w: crc mismatch", ErrCorruptFile)
	}
	if magic := binary.LittleEndian.Uint32(s.data[0:4]); magic != magicNumber {
		return fmt.Errorf("%w: magic %08x", ErrCorruptFile, magic)
	}
	s.width = int(binary.LittleEndian.Uint64(s.data[8:16]))
	s.length = binary.LittleEndian.Uint64(s.data[16:24])
	if s.width > 0 {
		s.capacity = uint64(fileSize-headerSize) / uint64(s.width*float64Size)
		if s.capacity < s.length {
			return fmt.Errorf("%w: length %d exceeds capacity %d", ErrCorruptFile, s.length, s.capacity)
		}
	}
	return nil
}

func (s *Store) writeHeader() {
	binary.LittleEndian.PutUint32(s.data[0:4], magicNumber)
	binary.LittleEndian.PutUint32(s.data[4:8], headerVersion)
	binary.LittleEndian.PutUint64(s.data[8:16], uint64(s.width))
	binary.LittleEndian.PutUint64(s.data[16:24], s.length)
	binary.LittleEndian.PutUint32(s.data[56:60], crc32.Checksum(s.data[0:56], crcTable))
}

// Len returns the axis 0 length.
func (s *Store) Len() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.length
}

// Width returns the row width, or 0 before the first write.
func (s *Store) Width() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.width
}

// ResizeAxis0 grows the axis 0 length to n. It never shrinks.
func (s *Store) ResizeAxis0(n uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if n <= s.length {
		return nil
	}
	if s.width > 0 {
		if err := s.growLocked(n); err != nil {
			return err
		}
	}
	s.length = n
	s.writeHeader()
	return nil
}

// growLocked makes room for at least n rows. New rows are filled with NaN.
func (s *Store) growLocked(n uint64) error {
	if n <= s.capacity {
		return nil
	}
	newCap := max(n, 2*s.capacity, minCapacity)
	rowBytes := uint64(s.width * float64Size)

	if err := s.data.Flush(); err != nil {
		return fmt.Errorf("mmap flush error: %w", err)
	}
	if err := s.data.Unmap(); err != nil {
		return fmt.Errorf("unmap error: %w", err)
	}
	if err := s.fd.Truncate(int64(headerSize + newCap*rowBytes)); err != nil {
		// try to restore the old mapping so the store stays usable
		if mapErr := s.mapFile(); mapErr != nil {
			s.closed = true
		}
		return fmt.Errorf("truncate error: %w", err)
	}
	if err := s.mapFile(); err != nil {
		s.closed = true
		return err
	}

	nan := math.Float64bits(math.NaN())
	for off := headerSize + s.capacity*rowBytes; off < headerSize+newCap*rowBytes; off += float64Size {
		binary.LittleEndian.PutUint64(s.data[off:], nan)
	}
	s.capacity = newCap
	return nil
}

// WriteRange writes rows at [start, start+len(rows)). The range must lie
// inside the current length. The first write fixes the row width.
func (s *Store) WriteRange(start uint64, rows [][]float64) error {
	if len(rows) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if start+uint64(len(rows)) > s.length {
		return fmt.Errorf("%w: [%d, %d) with length %d", ErrOutOfRange, start, start+uint64(len(rows)), s.length)
	}

	width := s.width
	if width == 0 {
		width = len(rows[0])
		if width == 0 {
			return ErrEmptyRow
		}
	}
	for i, row := range rows {
		if len(row) != width {
			return fmt.Errorf("%w: row %d has %d values, want %d", ErrRowWidth, start+uint64(i), len(row), width)
		}
	}

	if s.width == 0 {
		s.width = width
		if err := s.growLocked(s.length); err != nil {
			s.width = 0
			return err
		}
		s.writeHeader()
	}

	rowBytes := uint64(width * float64Size)
	for i, row := range rows {
		off := headerSize + (start+uint64(i))*rowBytes
		for j, v := range row {
			binary.LittleEndian.PutUint64(s.data[off+uint64(j)*float64Size:], math.Float64bits(v))
		}
	}
	return nil
}

// Row returns a copy of row i.
func (s *Store) Row(i uint64) ([]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	if i >= s.length {
		return nil, fmt.Errorf("%w: %d with length %d", ErrOutOfRange, i, s.length)
	}
	if s.width == 0 {
		return nil, nil
	}
	row := make([]float64, s.width)
	off := headerSize + i*uint64(s.width*float64Size)
	for j := range row {
		row[j] = math.Float64frombits(binary.LittleEndian.Uint64(s.data[off+uint64(j)*float64Size:]))
	}
	return row, nil
}

// Sync msyncs the mapping and fsyncs the file.
func (s *Store) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.data.Flush(); err != nil {
		return fmt.Errorf("mmap flush error: %w", err)
	}
	return s.fd.Sync()
}

// Close syncs, unmaps and closes the file. Closing twice is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	if err := s.data.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("mmap flush error: %w", err))
	}
	if err := s.data.Unmap(); err != nil {
		errs = append(errs, fmt.Errorf("unmap error: %w", err))
	}
	if err := s.fd.Close(); err != nil {
		errs = append(errs, fmt.Errorf("file close error: %w", err))
	}
	return errors.Join(errs...)
}
