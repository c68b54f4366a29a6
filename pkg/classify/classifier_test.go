package classify

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unijord/xrfstage/pkg/event"
	"github.com/unijord/xrfstage/pkg/integrate"
	"github.com/unijord/xrfstage/pkg/scantest"
	"github.com/unijord/xrfstage/pkg/streams"
)

type fakeIntegrator struct {
	calls int
	err   error
}

func (f *fakeIntegrator) Integrate(img streams.Image) ([]float64, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []float64{float64(img.Rows()), float64(img.Cols())}, nil
}

func newClassifier(t *testing.T) (*Classifier, *fakeIntegrator) {
	t.Helper()
	integ := &fakeIntegrator{}
	c, err := New(DefaultConfig(), integ, nil)
	require.NoError(t, err)
	return c, integ
}

func flat(v uint32) func(c, b int) uint32 {
	return func(int, int) uint32 { return v }
}

func TestIntegrationTakesPriority(t *testing.T) {
	c, integ := newClassifier(t)
	ev := scantest.Event(7, map[string]event.StreamData{
		"pilatus":  scantest.AreaImage(3, 5, func(r, c int) int32 { return 1 }),
		"contrast": scantest.Running(1, 2),
		"xspress3": scantest.Spectrum(4, 8, flat(1)),
	})

	got := c.Classify(ev)
	row, ok := got.(IntegrationRow)
	require.True(t, ok, "got %T", got)
	assert.Equal(t, uint64(7), row.Key)
	assert.Equal(t, []float64{3, 5}, row.Profile)
	assert.Equal(t, 1, integ.calls)
}

func TestIntegrationHeaderFallsThrough(t *testing.T) {
	c, integ := newClassifier(t)
	ev := scantest.Event(1, map[string]event.StreamData{
		"eiger":    scantest.AreaHeader(),
		"contrast": scantest.Status(streams.StatusStarted),
	})

	got := c.Classify(ev)
	assert.IsType(t, Control{}, got)
	assert.Zero(t, integ.calls)
}

func TestIntegrationFailureIsEmpty(t *testing.T) {
	c, integ := newClassifier(t)
	integ.err = errors.New("bad image")
	ev := scantest.Event(3, map[string]event.StreamData{
		"eiger": scantest.AreaImage(2, 2, func(r, c int) int32 { return 0 }),
	})

	assert.Equal(t, Empty{Event: 3, Reason: ReasonIntegration}, c.Classify(ev))
}

func TestMissingControlIsEmpty(t *testing.T) {
	c, _ := newClassifier(t)
	ev := scantest.Event(4, map[string]event.StreamData{
		"xspress3": scantest.Spectrum(4, 8, flat(1)),
	})
	assert.Equal(t, Empty{Event: 4, Reason: ReasonNoControl}, c.Classify(ev))
}

func TestNonRunningIsControl(t *testing.T) {
	c, _ := newClassifier(t)
	for _, status := range []string{streams.StatusStarted, streams.StatusFinished} {
		ev := scantest.Event(9, map[string]event.StreamData{
			"contrast": scantest.Status(status),
			"xspress3": scantest.Spectrum(4, 8, flat(1)),
		})
		got, ok := c.Classify(ev).(Control)
		require.True(t, ok)
		assert.Equal(t, status, got.Record.Status)
		assert.Equal(t, uint64(9), got.Event)
	}
}

func TestSpectrumPriorityAndChannel(t *testing.T) {
	c, _ := newClassifier(t)
	want := []uint32{5, 6, 7, 8}

	tests := []struct {
		name    string
		streams map[string]event.StreamData
		want    []float64
	}{
		{
			name: "xspress3 channel 3",
			streams: map[string]event.StreamData{
				"contrast": scantest.Running(1, 2),
				"xspress3": scantest.ChannelSpectrum(4, 3, want),
			},
			want: []float64{5, 6, 7, 8},
		},
		{
			name: "x3mini channel 1",
			streams: map[string]event.StreamData{
				"contrast": scantest.Running(1, 2),
				"x3mini":   scantest.ChannelSpectrum(2, 1, want),
			},
			want: []float64{5, 6, 7, 8},
		},
		{
			name: "xspress3 wins over x3mini",
			streams: map[string]event.StreamData{
				"contrast": scantest.Running(1, 2),
				"xspress3": scantest.ChannelSpectrum(4, 3, want),
				"x3mini":   scantest.Spectrum(2, 4, flat(99)),
			},
			want: []float64{5, 6, 7, 8},
		},
		{
			name: "broken xspress3 falls back to x3mini",
			streams: map[string]event.StreamData{
				"contrast": scantest.Running(1, 2),
				"xspress3": {Kind: event.KindXspress, Frames: [][]byte{[]byte("{not json")}},
				"x3mini":   scantest.ChannelSpectrum(2, 1, want),
			},
			want: []float64{5, 6, 7, 8},
		},
		{
			name: "xspress3 without channel 3 falls back to x3mini",
			streams: map[string]event.StreamData{
				"contrast": scantest.Running(1, 2),
				"xspress3": scantest.Spectrum(2, 4, flat(99)),
				"x3mini":   scantest.ChannelSpectrum(2, 1, want),
			},
			want: []float64{5, 6, 7, 8},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := c.Classify(scantest.Event(11, tt.streams)).(Sample)
			require.True(t, ok)
			assert.Equal(t, tt.want, got.Spectrum)
			assert.Equal(t, event.Position{X: 1, Y: 2}, got.Position)
			assert.Equal(t, uint64(11), got.Event)
		})
	}
}

func TestRunningWithoutSpectrum(t *testing.T) {
	c, _ := newClassifier(t)
	ev := scantest.Event(2, map[string]event.StreamData{
		"contrast": scantest.Running(0, 0),
	})
	assert.Equal(t, Empty{Event: 2, Reason: ReasonNoSpectrum}, c.Classify(ev))
}

func TestSpectrumParseFailure(t *testing.T) {
	c, _ := newClassifier(t)
	ev := scantest.Event(2, map[string]event.StreamData{
		"contrast": scantest.Running(0, 0),
		"xspress3": {Kind: event.KindXspress, Frames: [][]byte{[]byte("{not json")}},
	})
	assert.Equal(t, Empty{Event: 2, Reason: ReasonParse}, c.Classify(ev))

	// only two channels, channel 3 does not exist
	ev.Streams["xspress3"] = scantest.Spectrum(2, 4, flat(1))
	assert.Equal(t, Empty{Event: 2, Reason: ReasonParse}, c.Classify(ev))
}

func overflowingImage(t *testing.T, kind string) event.StreamData {
	t.Helper()
	sd, err := streams.EncodeDetector(kind, streams.DetectorHeader{
		HType:       streams.HTypeImage,
		Shape:       []int{1 << 32, 1 << 32},
		Type:        "uint32",
		Compression: streams.CompressionNone,
	}, []byte{})
	require.NoError(t, err)
	return sd
}

func TestOverflowingShapeIsEmpty(t *testing.T) {
	t.Run("spectrum", func(t *testing.T) {
		c, _ := newClassifier(t)
		ev := scantest.Event(5, map[string]event.StreamData{
			"contrast": scantest.Running(1, 2),
			"xspress3": overflowingImage(t, event.KindXspress),
		})
		assert.Equal(t, Empty{Event: 5, Reason: ReasonParse}, c.Classify(ev))
	})

	t.Run("area image", func(t *testing.T) {
		radial, err := integrate.NewRadial([]byte("center_x: 0\ncenter_y: 0\n"), integrate.Params{Bins: 4})
		require.NoError(t, err)
		c, err := New(DefaultConfig(), radial, nil)
		require.NoError(t, err)

		ev := scantest.Event(6, map[string]event.StreamData{
			"pilatus": overflowingImage(t, event.KindSTINS),
		})
		assert.Equal(t, Empty{Event: 6, Reason: ReasonParse}, c.Classify(ev))
	})
}

func TestMissingPosition(t *testing.T) {
	c, _ := newClassifier(t)
	ev := scantest.Event(2, map[string]event.StreamData{
		"contrast": scantest.Status(streams.StatusRunning),
		"xspress3": scantest.Spectrum(4, 4, flat(1)),
	})
	assert.Equal(t, Empty{Event: 2, Reason: ReasonNoPosition}, c.Classify(ev))
}

func TestSecondaryPosition(t *testing.T) {
	c, _ := newClassifier(t)

	matching := scantest.Event(5, map[string]event.StreamData{
		"contrast": scantest.Running(1.5, -2),
		"xspress3": scantest.Spectrum(4, 4, flat(1)),
		"panda0":   scantest.Encoders(1.5, -2),
	})
	assert.IsType(t, Sample{}, c.Classify(matching))

	mismatched := scantest.Event(6, map[string]event.StreamData{
		"contrast": scantest.Running(1.5, -2),
		"xspress3": scantest.Spectrum(4, 4, flat(1)),
		"panda0":   scantest.Encoders(1.5, -2.001),
	})
	assert.Equal(t, Empty{Event: 6, Reason: ReasonPositionMismatch}, c.Classify(mismatched))
}

func TestCheckSecondaryReturnsMismatchError(t *testing.T) {
	c, _ := newClassifier(t)
	ev := scantest.Event(6, map[string]event.StreamData{
		"panda0": scantest.Encoders(3, 4),
	})

	err := c.checkSecondary(ev, event.Position{X: 3, Y: 5})
	var mismatch *PositionMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, event.Position{X: 3, Y: 4}, mismatch.Secondary)
	assert.Contains(t, err.Error(), "event 6")
}

func TestNewValidates(t *testing.T) {
	_, err := New(DefaultConfig(), nil, nil)
	assert.ErrorIs(t, err, ErrNoIntegrator)

	cfg := DefaultConfig()
	cfg.ControlStream = ""
	_, err = New(cfg, &fakeIntegrator{}, nil)
	assert.ErrorIs(t, err, ErrNoControlStream)

	cfg = DefaultConfig()
	cfg.IntegrationStreams = nil
	_, err = New(cfg, nil, nil)
	assert.NoError(t, err)
}

func TestKind(t *testing.T) {
	assert.Equal(t, "control", Kind(Control{}))
	assert.Equal(t, "integration", Kind(IntegrationRow{}))
	assert.Equal(t, "sample", Kind(Sample{}))
	assert.Equal(t, "empty", Kind(Empty{}))
}
