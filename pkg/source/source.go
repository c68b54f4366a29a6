// Package source supplies events to the stage: recorded event logs, in
// memory slices and merged sources.
//
// Every Source is safe for concurrent use by several producer goroutines and
// returns io.EOF once the stream has ended.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/unijord/xrfstage/pkg/event"
	"github.com/unijord/xrfstage/pkg/walfs"
)

// LogExt is the file extension of recorded event log segments.
const LogExt = ".evlog"

// Source produces events.
type Source interface {
	Next(ctx context.Context) (event.Event, error)
}

// SliceSource serves events from memory, in order.
type SliceSource struct {
	mu     sync.Mutex
	events []event.Event
	next   int
}

// NewSliceSource returns a source over events.
func NewSliceSource(events ...event.Event) *SliceSource {
	return &SliceSource{events: events}
}

func (s *SliceSource) Next(ctx context.Context) (event.Event, error) {
	if err := ctx.Err(); err != nil {
		return event.Event{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.events) {
		return event.Event{}, io.EOF
	}
	ev := s.events[s.next]
	s.next++
	return ev, nil
}

// LogSource replays an event log written by a Recorder.
type LogSource struct {
	mu     sync.Mutex
	log    *walfs.WALog
	reader *walfs.Reader
}

// OpenLog opens the event log in dir for replay.
func OpenLog(dir string) (*LogSource, error) {
	wl, err := walfs.NewWALog(dir, LogExt)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &LogSource{log: wl, reader: wl.NewReader()}, nil
}

func (s *LogSource) Next(ctx context.Context) (event.Event, error) {
	if err := ctx.Err(); err != nil {
		return event.Event{}, err
	}
	s.mu.Lock()
	data, pos, err := s.reader.Next()
	s.mu.Unlock()
	if err != nil {
		return event.Event{}, err
	}
	ev, err := event.Unmarshal(data)
	if err != nil {
		return event.Event{}, fmt.Errorf("event at %s: %w", pos, err)
	}
	return ev, nil
}

// Close closes the underlying log.
func (s *LogSource) Close() error {
	return s.log.Close()
}

// Recorder appends events to an event log.
type Recorder struct {
	log *walfs.WALog
}

// NewRecorder opens or creates the event log in dir. New events are appended
// after any already recorded.
func NewRecorder(dir string, opts ...walfs.WALogOptions) (*Recorder, error) {
	wl, err := walfs.NewWALog(dir, LogExt, opts...)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &Recorder{log: wl}, nil
}

// Record appends one event.
func (r *Recorder) Record(ev event.Event) error {
	if _, err := r.log.Append(event.Marshal(ev)); err != nil {
		return fmt.Errorf("record event %d: %w", ev.Number, err)
	}
	return nil
}

// Close syncs and closes the log.
func (r *Recorder) Close() error {
	return r.log.Close()
}

// Fanout merges several sources. Each source is drained by its own
// goroutine, so events of different sources interleave the way events of
// independent producers do; the order within one source is kept.
type Fanout struct {
	ch     chan event.Event
	done   chan struct{}
	err    error
	cancel context.CancelFunc
}

// NewFanout starts reading from every source. Reading stops when ctx is
// cancelled, Close is called, or every source has returned io.EOF. The first
// other error stops all sources and is returned by Next once buffered events
// are consumed. A consumer that stops calling Next early must call Close.
func NewFanout(ctx context.Context, sources ...Source) *Fanout {
	ctx, cancel := context.WithCancel(ctx)
	f := &Fanout{
		ch:     make(chan event.Event, len(sources)),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, src := range sources {
		src := src
		g.Go(func() error {
			for {
				ev, err := src.Next(gctx)
				if errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return err
				}
				select {
				case f.ch <- ev:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		})
	}
	go func() {
		f.err = g.Wait()
		cancel()
		close(f.ch)
		close(f.done)
	}()
	return f
}

// Close stops the per-source readers and waits for them to exit. Next then
// drains what was buffered and reports context.Canceled.
func (f *Fanout) Close() error {
	f.cancel()
	<-f.done
	return nil
}

func (f *Fanout) Next(ctx context.Context) (event.Event, error) {
	select {
	case ev, ok := <-f.ch:
		if ok {
			return ev, nil
		}
	case <-ctx.Done():
		return event.Event{}, ctx.Err()
	}
	<-f.done
	if f.err != nil {
		return event.Event{}, f.err
	}
	return event.Event{}, io.EOF
}
