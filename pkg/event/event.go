// Package event defines the multi-stream events consumed by the reduction
// stage and their flatbuffers wire form.
//
// An Event bundles several named streams that belong to the same trigger of
// the scan. Each stream carries a kind tag telling which parser understands
// it and an ordered list of frames: the first frame is the header record,
// following frames hold raw sample bytes.
package event

import (
	"errors"
	"sort"
)

// Kind tags used by the instrument publishers.
const (
	KindContrast = "contrast"
	KindXspress  = "xspress"
	KindPCAP     = "PCAP"
	KindSTINS    = "STINS"
)

var (
	ErrEmptyRecord    = errors.New("event record is empty")
	ErrDuplicateName  = errors.New("duplicate stream name in event record")
	ErrMalformedEvent = errors.New("malformed event record")
)

// StreamData is one named stream inside an event.
type StreamData struct {
	Kind   string
	Frames [][]byte
}

// Header returns the first frame, or nil when the stream has no frames.
func (s StreamData) Header() []byte {
	if len(s.Frames) == 0 {
		return nil
	}
	return s.Frames[0]
}

// Event is one trigger of the scan. It is immutable once delivered.
type Event struct {
	Number  uint64
	Streams map[string]StreamData
}

// Stream returns the named stream and whether it is present.
func (e Event) Stream(name string) (StreamData, bool) {
	s, ok := e.Streams[name]
	return s, ok
}

// Has reports whether the named stream is present.
func (e Event) Has(name string) bool {
	_, ok := e.Streams[name]
	return ok
}

// StreamNames returns the stream names in sorted order.
func (e Event) StreamNames() []string {
	names := make([]string, 0, len(e.Streams))
	for name := range e.Streams {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Position is a sample position in scan coordinates.
type Position struct {
	X float64
	Y float64
}
