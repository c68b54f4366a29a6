// Package scantest builds synthetic instrument streams for tests.
package scantest

import (
	"github.com/unijord/xrfstage/pkg/event"
	"github.com/unijord/xrfstage/pkg/streams"
)

func must(sd event.StreamData, err error) event.StreamData {
	if err != nil {
		panic(err)
	}
	return sd
}

// Status is a contrast record with the given status and no position.
func Status(status string) event.StreamData {
	return must(streams.EncodeContrast(streams.ControlRecord{Status: status}))
}

// Running is a running contrast record at (x, y).
func Running(x, y float64) event.StreamData {
	return must(streams.EncodeContrast(streams.ControlRecord{
		Status: streams.StatusRunning,
		Pseudo: map[string][]float64{
			"x": {x},
			"y": {y},
		},
	}))
}

// Spectrum is an uncompressed xspress image of channels x bins.
func Spectrum(channels, bins int, fill func(c, b int) uint32) event.StreamData {
	samples := make([]uint32, channels*bins)
	for c := 0; c < channels; c++ {
		for b := 0; b < bins; b++ {
			samples[c*bins+b] = fill(c, b)
		}
	}
	return must(streams.EncodeDetector(event.KindXspress, streams.DetectorHeader{
		HType:       streams.HTypeImage,
		Shape:       []int{channels, bins},
		Type:        "uint32",
		Compression: "none",
	}, streams.EncodeUint32(samples)))
}

// ChannelSpectrum is a spectrum whose channel ch holds data and every other
// channel is zero.
func ChannelSpectrum(channels, ch int, data []uint32) event.StreamData {
	return Spectrum(channels, len(data), func(c, b int) uint32 {
		if c != ch {
			return 0
		}
		return data[b]
	})
}

// AreaImage is an uncompressed STINS int32 image.
func AreaImage(rows, cols int, fill func(r, c int) int32) event.StreamData {
	samples := make([]int32, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			samples[r*cols+c] = fill(r, c)
		}
	}
	return must(streams.EncodeDetector(event.KindSTINS, streams.DetectorHeader{
		HType:       streams.HTypeImage,
		Shape:       []int{rows, cols},
		Type:        "int32",
		Compression: "none",
	}, streams.EncodeInt32(samples)))
}

// AreaHeader is a STINS series header message.
func AreaHeader() event.StreamData {
	return must(streams.EncodeDetector(event.KindSTINS, streams.DetectorHeader{HType: streams.HTypeHeader}, nil))
}

// Encoders is a PCAP values message with encoder 2 and 3 set to x and y.
func Encoders(x, y float64) event.StreamData {
	return must(streams.EncodePCAP(streams.PositionMessage{
		Type: streams.PCAPValues,
		Values: map[string]float64{
			"INENC2.VAL.Mean": x,
			"INENC3.VAL.Mean": y,
		},
	}))
}

// Event bundles streams into an event.
func Event(n uint64, s map[string]event.StreamData) event.Event {
	return event.Event{Number: n, Streams: s}
}
