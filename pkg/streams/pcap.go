package streams

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/unijord/xrfstage/pkg/event"
)

// PCAP message types.
const (
	PCAPStart  = "start"
	PCAPValues = "values"
	PCAPEnd    = "end"
)

// PositionField describes one captured encoder field.
type PositionField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// PositionMessage is a decoded position capture message.
type PositionMessage struct {
	Type    string             `json:"type"`
	ArmTime time.Time          `json:"arm_time,omitempty"`
	Fields  []PositionField    `json:"fields,omitempty"`
	Values  map[string]float64 `json:"values,omitempty"`
}

// Value returns a captured field value.
func (m PositionMessage) Value(field string) (float64, bool) {
	v, ok := m.Values[field]
	return v, ok
}

// ParsePCAP decodes a position capture stream.
func ParsePCAP(sd event.StreamData) (PositionMessage, error) {
	if sd.Kind != event.KindPCAP {
		return PositionMessage{}, parseErr(event.KindPCAP, fmt.Errorf("%w: got %q", ErrWrongKind, sd.Kind))
	}
	raw := sd.Header()
	if raw == nil {
		return PositionMessage{}, parseErr(event.KindPCAP, ErrMissingFrame)
	}

	var msg PositionMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return PositionMessage{}, parseErr(event.KindPCAP, err)
	}
	switch msg.Type {
	case PCAPStart, PCAPValues, PCAPEnd:
	default:
		return PositionMessage{}, parseErr(event.KindPCAP, fmt.Errorf("unknown message type %q", msg.Type))
	}
	return msg, nil
}

// EncodePCAP renders a position capture message.
func EncodePCAP(msg PositionMessage) (event.StreamData, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return event.StreamData{}, err
	}
	return event.StreamData{Kind: event.KindPCAP, Frames: [][]byte{raw}}, nil
}
