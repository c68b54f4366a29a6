// Package classify turns a raw multi-stream event into a typed payload.
package classify

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/unijord/xrfstage/pkg/event"
	"github.com/unijord/xrfstage/pkg/integrate"
	"github.com/unijord/xrfstage/pkg/streams"
)

var (
	ErrNoIntegrator    = errors.New("integration streams configured without an integrator")
	ErrNoControlStream = errors.New("control stream name is empty")
	ErrChannel         = errors.New("spectrum channel index is negative")
)

// SpectrumSource is one detector stream that may carry the spectrum and the
// fixed channel read from it.
type SpectrumSource struct {
	Stream  string `yaml:"stream"`
	Channel int    `yaml:"channel"`
}

// Config names the streams the classifier looks at.
type Config struct {
	// IntegrationStreams are area detector streams reduced by the integrator.
	IntegrationStreams []string `yaml:"integration_streams"`
	// ControlStream is the sequencer stream. It is required for samples.
	ControlStream string `yaml:"control_stream"`
	// SpectrumSources are checked in order; the first present one is used.
	SpectrumSources []SpectrumSource `yaml:"spectrum_sources"`
	// XMotor and YMotor are the pseudo motors giving the sample position.
	XMotor string `yaml:"x_motor"`
	YMotor string `yaml:"y_motor"`
	// PositionStream is the optional encoder stream cross-checked against
	// the sequencer position.
	PositionStream string `yaml:"position_stream"`
	PositionXField string `yaml:"position_x_field"`
	PositionYField string `yaml:"position_y_field"`
}

// DefaultConfig returns the beamline wiring: xspress3 channel 3 before
// x3mini channel 1, pilatus and eiger integrated, panda0 encoders 2 and 3.
func DefaultConfig() Config {
	return Config{
		IntegrationStreams: []string{"pilatus", "eiger"},
		ControlStream:      "contrast",
		SpectrumSources: []SpectrumSource{
			{Stream: "xspress3", Channel: 3},
			{Stream: "x3mini", Channel: 1},
		},
		XMotor:         "x",
		YMotor:         "y",
		PositionStream: "panda0",
		PositionXField: "INENC2.VAL.Mean",
		PositionYField: "INENC3.VAL.Mean",
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.ControlStream == "" {
		return ErrNoControlStream
	}
	for _, src := range c.SpectrumSources {
		if src.Channel < 0 {
			return fmt.Errorf("%w: %s channel %d", ErrChannel, src.Stream, src.Channel)
		}
	}
	return nil
}

// PositionMismatchError reports an event whose encoder position disagrees
// with the sequencer position.
type PositionMismatchError struct {
	Event     uint64
	Control   event.Position
	Secondary event.Position
}

func (e *PositionMismatchError) Error() string {
	return fmt.Sprintf("event %d: control position (%g, %g) != encoder position (%g, %g)",
		e.Event, e.Control.X, e.Control.Y, e.Secondary.X, e.Secondary.Y)
}

// Classifier is stateless apart from its configuration and is safe for
// concurrent use.
type Classifier struct {
	cfg        Config
	integrator integrate.Integrator
	logger     *slog.Logger
}

// New builds a classifier. integrator may be nil only when no integration
// streams are configured.
func New(cfg Config, integrator integrate.Integrator, logger *slog.Logger) (*Classifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.IntegrationStreams) > 0 && integrator == nil {
		return nil, ErrNoIntegrator
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		cfg:        cfg,
		integrator: integrator,
		logger:     logger.With("component", "classifier"),
	}, nil
}

// Classify returns exactly one payload for ev. It never fails: problems are
// logged and reported as Empty.
func (c *Classifier) Classify(ev event.Event) Payload {
	if row, ok := c.integrationRow(ev); ok {
		return row
	}

	sd, ok := ev.Stream(c.cfg.ControlStream)
	if !ok {
		c.logger.Error("control stream missing",
			"event", ev.Number,
			"stream", c.cfg.ControlStream,
			"streams", ev.StreamNames())
		return Empty{Event: ev.Number, Reason: ReasonNoControl}
	}
	rec, err := streams.ParseContrast(sd)
	if err != nil {
		c.logParseError(ev.Number, c.cfg.ControlStream, err)
		return Empty{Event: ev.Number, Reason: ReasonParse}
	}
	if !rec.Running() {
		return Control{Event: ev.Number, Record: rec}
	}

	return c.sample(ev, rec)
}

// integrationRow reports ok when an integration stream produced a final
// payload, which may be Empty when decoding or integration failed.
func (c *Classifier) integrationRow(ev event.Event) (Payload, bool) {
	for _, name := range c.cfg.IntegrationStreams {
		sd, ok := ev.Stream(name)
		if !ok {
			continue
		}
		msg, err := streams.ParseSTINS(sd)
		if err != nil {
			c.logParseError(ev.Number, name, err)
			return Empty{Event: ev.Number, Reason: ReasonParse}, true
		}
		if !msg.IsImage() {
			// header and series_end messages carry no pixels
			continue
		}
		profile, err := c.integrator.Integrate(*msg.Image)
		if err != nil {
			c.logger.Error("integration failed",
				"event", ev.Number,
				"stream", name,
				"frame", msg.Header.Frame,
				"error", err)
			return Empty{Event: ev.Number, Reason: ReasonIntegration}, true
		}
		return IntegrationRow{Key: ev.Number, Profile: profile}, true
	}
	return nil, false
}

func (c *Classifier) sample(ev event.Event, rec streams.ControlRecord) Payload {
	channel, reason := c.spectrum(ev)
	if reason != "" {
		return Empty{Event: ev.Number, Reason: reason}
	}

	x, okX := rec.FirstSample(c.cfg.XMotor)
	y, okY := rec.FirstSample(c.cfg.YMotor)
	if !okX || !okY {
		c.logger.Error("control record has no position",
			"event", ev.Number,
			"stream", c.cfg.ControlStream,
			"x_motor", c.cfg.XMotor,
			"y_motor", c.cfg.YMotor)
		return Empty{Event: ev.Number, Reason: ReasonNoPosition}
	}
	pos := event.Position{X: x, Y: y}

	if err := c.checkSecondary(ev, pos); err != nil {
		var mismatch *PositionMismatchError
		if errors.As(err, &mismatch) {
			c.logger.Error("position mismatch, dropping event",
				"event", ev.Number,
				"stream", c.cfg.PositionStream,
				"error", err)
			return Empty{Event: ev.Number, Reason: ReasonPositionMismatch}
		}
		c.logParseError(ev.Number, c.cfg.PositionStream, err)
		return Empty{Event: ev.Number, Reason: ReasonParse}
	}

	return Sample{Event: ev.Number, Position: pos, Spectrum: channel}
}

// spectrum returns the configured channel of the first spectrum source that
// is present and decodes. Sources that fail to decode are logged and skipped.
func (c *Classifier) spectrum(ev event.Event) ([]float64, Reason) {
	present := false
	for _, src := range c.cfg.SpectrumSources {
		if !ev.Has(src.Stream) {
			continue
		}
		present = true
		spectrum, err := streams.ParseSpectrum(ev.Streams[src.Stream])
		if err != nil {
			c.logParseError(ev.Number, src.Stream, err)
			continue
		}
		channel, err := spectrum.Channel(src.Channel)
		if err != nil {
			c.logParseError(ev.Number, src.Stream, err)
			continue
		}
		return channel, ""
	}
	if present {
		return nil, ReasonParse
	}
	c.logger.Error("no spectrum stream in running event",
		"event", ev.Number,
		"streams", ev.StreamNames())
	return nil, ReasonNoSpectrum
}

// checkSecondary compares pos with the encoder stream when that stream
// carries values for both fields.
func (c *Classifier) checkSecondary(ev event.Event, pos event.Position) error {
	if c.cfg.PositionStream == "" {
		return nil
	}
	sd, ok := ev.Stream(c.cfg.PositionStream)
	if !ok {
		return nil
	}
	msg, err := streams.ParsePCAP(sd)
	if err != nil {
		return err
	}
	x, okX := msg.Value(c.cfg.PositionXField)
	y, okY := msg.Value(c.cfg.PositionYField)
	if !okX || !okY {
		return nil
	}
	secondary := event.Position{X: x, Y: y}
	if secondary != pos {
		return &PositionMismatchError{Event: ev.Number, Control: pos, Secondary: secondary}
	}
	return nil
}

func (c *Classifier) logParseError(number uint64, stream string, err error) {
	c.logger.Error("failed to parse stream",
		"event", number,
		"stream", stream,
		"error", err)
}
