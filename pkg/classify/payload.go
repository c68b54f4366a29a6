package classify

import (
	"github.com/unijord/xrfstage/pkg/event"
	"github.com/unijord/xrfstage/pkg/streams"
)

// Payload is the result of classifying one event. The set of payloads is
// closed: Control, IntegrationRow, Sample and Empty.
type Payload interface {
	EventNumber() uint64
	payload()
}

// Control carries a sequencer status record of a non running event.
type Control struct {
	Event  uint64
	Record streams.ControlRecord
}

// IntegrationRow is the radial profile of one area detector image.
type IntegrationRow struct {
	Key     uint64
	Profile []float64
}

// Sample is a spectrum taken at a scan position.
type Sample struct {
	Event    uint64
	Position event.Position
	Spectrum []float64
}

// Empty means nothing useful was extracted. Reason says why.
type Empty struct {
	Event  uint64
	Reason Reason
}

// Reason tells why an event produced no data.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonNoControl        Reason = "no_control"
	ReasonParse            Reason = "parse_error"
	ReasonNoSpectrum       Reason = "no_spectrum"
	ReasonNoPosition       Reason = "no_position"
	ReasonPositionMismatch Reason = "position_mismatch"
	ReasonIntegration      Reason = "integration_error"
)

func (c Control) EventNumber() uint64        { return c.Event }
func (r IntegrationRow) EventNumber() uint64 { return r.Key }
func (s Sample) EventNumber() uint64         { return s.Event }
func (e Empty) EventNumber() uint64          { return e.Event }

func (Control) payload()        {}
func (IntegrationRow) payload() {}
func (Sample) payload()         {}
func (Empty) payload()          {}

// Kind returns a short name of the payload variant, used as a metric label.
func Kind(p Payload) string {
	switch p.(type) {
	case Control:
		return "control"
	case IntegrationRow:
		return "integration"
	case Sample:
		return "sample"
	case Empty:
		return "empty"
	default:
		return "unknown"
	}
}
