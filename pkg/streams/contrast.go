package streams

import (
	"encoding/json"
	"fmt"

	"github.com/unijord/xrfstage/pkg/event"
)

// Sequencer states published on the contrast stream.
const (
	StatusStarted  = "started"
	StatusRunning  = "running"
	StatusFinished = "finished"
)

// ControlRecord is a status message of the scan sequencer.
type ControlRecord struct {
	Status      string               `json:"status"`
	Path        string               `json:"path,omitempty"`
	ScanNr      int                  `json:"scannr,omitempty"`
	Description string               `json:"description,omitempty"`
	Dt          float64              `json:"dt,omitempty"`
	Pseudo      map[string][]float64 `json:"pseudo,omitempty"`
}

// Running reports whether the sequencer is taking data.
func (r ControlRecord) Running() bool {
	return r.Status == StatusRunning
}

// FirstSample returns the first sample of a pseudo motor.
func (r ControlRecord) FirstSample(motor string) (float64, bool) {
	values, ok := r.Pseudo[motor]
	if !ok || len(values) == 0 {
		return 0, false
	}
	return values[0], true
}

// ParseContrast decodes a contrast control stream.
func ParseContrast(sd event.StreamData) (ControlRecord, error) {
	if sd.Kind != event.KindContrast {
		return ControlRecord{}, parseErr(event.KindContrast, fmt.Errorf("%w: got %q", ErrWrongKind, sd.Kind))
	}
	header := sd.Header()
	if header == nil {
		return ControlRecord{}, parseErr(event.KindContrast, ErrMissingFrame)
	}

	var rec ControlRecord
	if err := json.Unmarshal(header, &rec); err != nil {
		return ControlRecord{}, parseErr(event.KindContrast, err)
	}
	if rec.Status == "" {
		return ControlRecord{}, parseErr(event.KindContrast, fmt.Errorf("status field missing"))
	}
	return rec, nil
}

// EncodeContrast renders a control record as a contrast stream.
func EncodeContrast(rec ControlRecord) (event.StreamData, error) {
	header, err := json.Marshal(rec)
	if err != nil {
		return event.StreamData{}, err
	}
	return event.StreamData{Kind: event.KindContrast, Frames: [][]byte{header}}, nil
}
