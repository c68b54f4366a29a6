package walfs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// WALogOptions configures a WALog.
type WALogOptions func(*WALog)

// WithMaxSegmentSize sets the size of newly created segments.
func WithMaxSegmentSize(size int64) WALogOptions {
	return func(wl *WALog) {
		wl.maxSegmentSize = size
	}
}

// WithMSyncEveryWrite msyncs the active segment after every append.
func WithMSyncEveryWrite(enabled bool) WALogOptions {
	return func(wl *WALog) {
		wl.syncEveryWrite = enabled
	}
}

// WithOnSegmentRotated registers a callback invoked after a rotation with
// the id of the sealed segment.
func WithOnSegmentRotated(fn func(sealed SegmentID)) WALogOptions {
	return func(wl *WALog) {
		if fn != nil {
			wl.rotationCallback = fn
		}
	}
}

// WALog is a directory of segments written strictly in append order.
type WALog struct {
	dir            string
	ext            string
	maxSegmentSize int64
	syncEveryWrite bool

	rotationCallback func(SegmentID)

	mu       sync.RWMutex
	current  *Segment
	segments []*Segment
	closed   bool
}

// NewWALog opens the log in dir, recovering any existing segments with the
// given extension. All but the newest segment are sealed.
func NewWALog(dir, ext string, opts ...WALogOptions) (*WALog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	wl := &WALog{
		dir:              dir,
		ext:              ext,
		maxSegmentSize:   defaultSegmentSize,
		rotationCallback: func(SegmentID) {},
	}
	for _, opt := range opts {
		opt(wl)
	}

	if err := wl.recoverSegments(); err != nil {
		wl.closeSegments()
		return nil, fmt.Errorf("segment recovery failed: %w", err)
	}
	return wl, nil
}

func (wl *WALog) segmentOptions() []func(*Segment) {
	opts := []func(*Segment){WithSegmentSize(wl.maxSegmentSize)}
	if wl.syncEveryWrite {
		opts = append(opts, WithSyncEveryWrite())
	}
	return opts
}

func (wl *WALog) recoverSegments() error {
	files, err := os.ReadDir(wl.dir)
	if err != nil {
		return fmt.Errorf("failed to read segment directory: %w", err)
	}

	var ids []SegmentID
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), wl.ext) {
			continue
		}
		// e.g. "000000001.evlog" -> 1
		id, err := strconv.ParseUint(strings.TrimSuffix(file.Name(), wl.ext), 10, 32)
		if err != nil {
			continue
		}
		ids = append(ids, SegmentID(id))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	if len(ids) == 0 {
		seg, err := OpenSegmentFile(wl.dir, wl.ext, 1, wl.segmentOptions()...)
		if err != nil {
			return fmt.Errorf("failed to create initial segment: %w", err)
		}
		wl.segments = []*Segment{seg}
		wl.current = seg
		return nil
	}

	for i, id := range ids {
		seg, err := OpenSegmentFile(wl.dir, wl.ext, id, wl.segmentOptions()...)
		if err != nil {
			return fmt.Errorf("failed to open segment %d: %w", id, err)
		}
		wl.segments = append(wl.segments, seg)
		if i < len(ids)-1 && !seg.IsSealed() {
			if err := seg.Seal(); err != nil {
				return err
			}
		}
		wl.current = seg
	}
	return nil
}

// Append writes one record, rotating to a new segment when the active one
// is full.
func (wl *WALog) Append(data []byte) (RecordPosition, error) {
	if entrySizeFor(len(data)) > wl.maxSegmentSize-segmentHeaderSize {
		return RecordPosition{}, ErrRecordTooLarge
	}

	wl.mu.Lock()
	defer wl.mu.Unlock()
	if wl.closed {
		return RecordPosition{}, ErrClosed
	}

	if wl.current.IsSealed() || wl.current.WillExceed(len(data)) {
		if err := wl.rotateLocked(); err != nil {
			return RecordPosition{}, err
		}
	}
	return wl.current.Write(data)
}

func (wl *WALog) rotateLocked() error {
	old := wl.current
	if !old.IsSealed() {
		if err := old.Seal(); err != nil {
			return fmt.Errorf("seal segment %d: %w", old.ID(), err)
		}
	}
	seg, err := OpenSegmentFile(wl.dir, wl.ext, old.ID()+1, wl.segmentOptions()...)
	if err != nil {
		return fmt.Errorf("open segment %d: %w", old.ID()+1, err)
	}
	wl.segments = append(wl.segments, seg)
	wl.current = seg
	wl.rotationCallback(old.ID())
	return nil
}

// Read returns a copy of the record at pos.
func (wl *WALog) Read(pos RecordPosition) ([]byte, error) {
	wl.mu.RLock()
	defer wl.mu.RUnlock()
	if wl.closed {
		return nil, ErrClosed
	}
	for _, seg := range wl.segments {
		if seg.ID() == pos.SegmentID {
			data, _, err := seg.Read(pos.Offset)
			if err != nil {
				return nil, err
			}
			return append([]byte(nil), data...), nil
		}
	}
	return nil, fmt.Errorf("segment %d not found", pos.SegmentID)
}

// Segments returns the number of segment files.
func (wl *WALog) Segments() int {
	wl.mu.RLock()
	defer wl.mu.RUnlock()
	return len(wl.segments)
}

// Sync flushes the active segment to disk.
func (wl *WALog) Sync() error {
	wl.mu.RLock()
	defer wl.mu.RUnlock()
	if wl.closed {
		return ErrClosed
	}
	return wl.current.Sync()
}

// Close closes every segment.
func (wl *WALog) Close() error {
	wl.mu.Lock()
	defer wl.mu.Unlock()
	if wl.closed {
		return nil
	}
	wl.closed = true
	return wl.closeSegments()
}

func (wl *WALog) closeSegments() error {
	var errs []error
	for _, seg := range wl.segments {
		if err := seg.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close segment %d: %w", seg.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// Reader iterates over every record of the log in append order. It holds
// a read lock on the log only while returning a record.
type Reader struct {
	wl     *WALog
	segIdx int
	offset int64
}

// NewReader starts at the first record of the oldest segment.
func (wl *WALog) NewReader() *Reader {
	return &Reader{wl: wl, offset: segmentHeaderSize}
}

// Next returns a copy of the next record and its position, or io.EOF when
// the reader has caught up with the writer.
func (r *Reader) Next() ([]byte, RecordPosition, error) {
	r.wl.mu.RLock()
	defer r.wl.mu.RUnlock()
	if r.wl.closed {
		return nil, RecordPosition{}, ErrClosed
	}

	for r.segIdx < len(r.wl.segments) {
		seg := r.wl.segments[r.segIdx]
		data, next, err := seg.Read(r.offset)
		if err == nil {
			pos := RecordPosition{SegmentID: seg.ID(), Offset: r.offset}
			r.offset = next
			return append([]byte(nil), data...), pos, nil
		}
		if !errors.Is(err, io.EOF) {
			return nil, RecordPosition{}, fmt.Errorf("segment %d offset %d: %w", seg.ID(), r.offset, err)
		}
		if r.segIdx == len(r.wl.segments)-1 {
			break
		}
		r.segIdx++
		r.offset = segmentHeaderSize
	}
	return nil, RecordPosition{}, io.EOF
}
