package source

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unijord/xrfstage/pkg/event"
	"github.com/unijord/xrfstage/pkg/scantest"
	"github.com/unijord/xrfstage/pkg/walfs"
)

func numbered(from, to uint64) []event.Event {
	var out []event.Event
	for n := from; n < to; n++ {
		out = append(out, scantest.Event(n, map[string]event.StreamData{
			"contrast": scantest.Running(float64(n), 0),
		}))
	}
	return out
}

func collect(t *testing.T, src Source) []uint64 {
	t.Helper()
	var got []uint64
	for {
		ev, err := src.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return got
		}
		require.NoError(t, err)
		got = append(got, ev.Number)
	}
}

func TestSliceSource(t *testing.T) {
	src := NewSliceSource(numbered(0, 3)...)
	assert.Equal(t, []uint64{0, 1, 2}, collect(t, src))

	_, err := src.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestSliceSourceCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewSliceSource(numbered(0, 1)...).Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRecordAndReplay(t *testing.T) {
	dir := t.TempDir()
	rec, err := NewRecorder(dir, walfs.WithMaxSegmentSize(4096))
	require.NoError(t, err)
	events := numbered(10, 40)
	for _, ev := range events {
		require.NoError(t, rec.Record(ev))
	}
	require.NoError(t, rec.Close())

	src, err := OpenLog(dir)
	require.NoError(t, err)
	defer src.Close()

	first, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(10), first.Number)
	assert.Equal(t, events[0].Streams["contrast"].Frames, first.Streams["contrast"].Frames)

	rest := collect(t, src)
	assert.Len(t, rest, 29)
	assert.Equal(t, uint64(39), rest[len(rest)-1])
}

func TestFanoutMergesAll(t *testing.T) {
	a := NewSliceSource(numbered(0, 50)...)
	b := NewSliceSource(numbered(100, 150)...)
	f := NewFanout(context.Background(), a, b)

	got := collect(t, f)
	require.Len(t, got, 100)

	var fromA, fromB []uint64
	for _, n := range got {
		if n < 100 {
			fromA = append(fromA, n)
		} else {
			fromB = append(fromB, n)
		}
	}
	assert.True(t, sort.SliceIsSorted(fromA, func(i, j int) bool { return fromA[i] < fromA[j] }))
	assert.True(t, sort.SliceIsSorted(fromB, func(i, j int) bool { return fromB[i] < fromB[j] }))
}

type brokenSource struct{}

func (brokenSource) Next(context.Context) (event.Event, error) {
	return event.Event{}, errors.New("transport lost")
}

func TestFanoutPropagatesError(t *testing.T) {
	f := NewFanout(context.Background(), brokenSource{}, NewSliceSource(numbered(0, 3)...))
	var err error
	for {
		_, err = f.Next(context.Background())
		if err != nil {
			break
		}
	}
	assert.EqualError(t, err, "transport lost")
}

type endlessSource struct {
	n atomic.Uint64
}

func (e *endlessSource) Next(ctx context.Context) (event.Event, error) {
	if err := ctx.Err(); err != nil {
		return event.Event{}, err
	}
	return event.Event{Number: e.n.Add(1)}, nil
}

func TestFanoutCloseReleasesReaders(t *testing.T) {
	f := NewFanout(context.Background(), &endlessSource{}, &endlessSource{})
	_, err := f.Next(context.Background())
	require.NoError(t, err)

	closed := make(chan struct{})
	go func() {
		_ = f.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("fanout readers still blocked after Close")
	}

	for {
		_, err = f.Next(context.Background())
		if err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, context.Canceled)
}
