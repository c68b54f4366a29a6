package streams

import (
	"encoding/json"
	"fmt"

	"github.com/unijord/xrfstage/pkg/event"
)

// Header types shared by the detector streams.
const (
	HTypeHeader    = "header"
	HTypeImage     = "image"
	HTypeSeriesEnd = "series_end"
)

// DetectorHeader is the JSON header of an xspress or STINS message.
type DetectorHeader struct {
	HType       string `json:"htype"`
	MsgNumber   int    `json:"msg_number,omitempty"`
	Filename    string `json:"filename,omitempty"`
	Frame       int    `json:"frame"`
	Shape       []int  `json:"shape,omitempty"`
	Type        string `json:"type,omitempty"`
	Compression string `json:"compression,omitempty"`
}

// DetectorMessage is one decoded detector message. Image is only set when
// HType is "image".
type DetectorMessage struct {
	Header DetectorHeader
	Image  *Image
}

// IsImage reports whether the message carries a sample buffer.
func (m DetectorMessage) IsImage() bool {
	return m.Header.HType == HTypeImage && m.Image != nil
}

// SpectrumImage is an xspress image, [channels][bins].
type SpectrumImage struct {
	Frame int
	Image
}

// Channel returns channel i of the spectrum, unchanged.
func (s SpectrumImage) Channel(i int) ([]float64, error) {
	row, err := s.Row(i)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(row))
	copy(out, row)
	return out, nil
}

func parseDetector(kind string, sd event.StreamData) (DetectorMessage, error) {
	if sd.Kind != kind {
		return DetectorMessage{}, parseErr(kind, fmt.Errorf("%w: got %q", ErrWrongKind, sd.Kind))
	}
	raw := sd.Header()
	if raw == nil {
		return DetectorMessage{}, parseErr(kind, ErrMissingFrame)
	}

	var hdr DetectorHeader
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return DetectorMessage{}, parseErr(kind, err)
	}

	switch hdr.HType {
	case HTypeHeader, HTypeSeriesEnd:
		return DetectorMessage{Header: hdr}, nil
	case HTypeImage:
	default:
		return DetectorMessage{}, parseErr(kind, fmt.Errorf("unknown htype %q", hdr.HType))
	}

	if len(sd.Frames) < 2 {
		return DetectorMessage{}, parseErr(kind, fmt.Errorf("%w: image data", ErrMissingFrame))
	}
	img, err := DecodeImage(sd.Frames[1], hdr.Shape, hdr.Type, hdr.Compression)
	if err != nil {
		return DetectorMessage{}, parseErr(kind, err)
	}
	return DetectorMessage{Header: hdr, Image: &img}, nil
}

// ParseXspress decodes an xspress stream.
func ParseXspress(sd event.StreamData) (DetectorMessage, error) {
	msg, err := parseDetector(event.KindXspress, sd)
	if err != nil {
		return DetectorMessage{}, err
	}
	if msg.IsImage() && len(msg.Image.Shape) != 2 {
		return DetectorMessage{}, parseErr(event.KindXspress,
			fmt.Errorf("%w: spectrum must be [channels][bins], got %v", ErrShapeMismatch, msg.Image.Shape))
	}
	return msg, nil
}

// ParseSpectrum decodes an xspress stream and requires it to carry an image.
func ParseSpectrum(sd event.StreamData) (SpectrumImage, error) {
	msg, err := ParseXspress(sd)
	if err != nil {
		return SpectrumImage{}, err
	}
	if !msg.IsImage() {
		return SpectrumImage{}, parseErr(event.KindXspress, fmt.Errorf("message %q carries no spectrum", msg.Header.HType))
	}
	return SpectrumImage{Frame: msg.Header.Frame, Image: *msg.Image}, nil
}

// ParseSTINS decodes a Stream1 area detector stream.
func ParseSTINS(sd event.StreamData) (DetectorMessage, error) {
	return parseDetector(event.KindSTINS, sd)
}

// EncodeDetector renders a detector message. data is ignored unless the
// header is an image header.
func EncodeDetector(kind string, hdr DetectorHeader, data []byte) (event.StreamData, error) {
	raw, err := json.Marshal(hdr)
	if err != nil {
		return event.StreamData{}, err
	}
	frames := [][]byte{raw}
	if hdr.HType == HTypeImage {
		frames = append(frames, data)
	}
	return event.StreamData{Kind: kind, Frames: frames}, nil
}
