// Package fit turns a batch of fluorescence spectra into per-label scalars.
//
// The stage only depends on the Engine interface. LinearEngine is the
// built-in implementation: a linear least-squares decomposition of every
// spectrum onto a fixed set of Gaussian peak shapes, plus plain
// region-of-interest sums. All spectra of a flush are solved in one call.
package fit

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"
)

// Result groups.
const (
	GroupParameters = "parameters"
	GroupROI        = "roi"
)

// BackgroundLabel names the constant background term when enabled.
const BackgroundLabel = "background"

var (
	ErrMissingConfig = errors.New("fit configuration blob is missing")
	ErrInvalidConfig = errors.New("invalid fit configuration")
	ErrEmptyBatch    = errors.New("fit batch has no spectra")
	ErrWindow        = errors.New("fit window does not overlap spectrum")
)

// Result maps group -> label -> one value per input row, in row order.
type Result map[string]map[string][]float64

// Engine fits a sample-major batch of spectra.
type Engine interface {
	Fit(ctx context.Context, spectra *mat.Dense) (Result, error)
}

// Peak is one Gaussian line of the model, in channel units.
type Peak struct {
	Label  string  `yaml:"label"`
	Center float64 `yaml:"center"`
	Sigma  float64 `yaml:"sigma"`
}

// ROI sums the channels in [Lo, Hi).
type ROI struct {
	Label string `yaml:"label"`
	Lo    int    `yaml:"lo"`
	Hi    int    `yaml:"hi"`
}

// Config is the decoded configuration blob.
type Config struct {
	// XMin and XMax bound the fitted channel window, [XMin, XMax).
	// XMax 0 means the end of the spectrum.
	XMin       int    `yaml:"xmin"`
	XMax       int    `yaml:"xmax"`
	Background bool   `yaml:"background"`
	Peaks      []Peak `yaml:"peaks"`
	ROIs       []ROI  `yaml:"rois"`
}

// Validate checks labels and ranges.
func (c Config) Validate() error {
	if len(c.Peaks) == 0 && len(c.ROIs) == 0 {
		return fmt.Errorf("%w: no peaks and no rois", ErrInvalidConfig)
	}
	if c.XMin < 0 || (c.XMax != 0 && c.XMax <= c.XMin) {
		return fmt.Errorf("%w: window [%d, %d)", ErrInvalidConfig, c.XMin, c.XMax)
	}
	seen := make(map[string]struct{})
	for _, p := range c.Peaks {
		if p.Label == "" || p.Sigma <= 0 {
			return fmt.Errorf("%w: peak %q needs a label and a positive sigma", ErrInvalidConfig, p.Label)
		}
		if p.Label == BackgroundLabel && c.Background {
			return fmt.Errorf("%w: peak label %q is reserved", ErrInvalidConfig, p.Label)
		}
		if _, dup := seen[p.Label]; dup {
			return fmt.Errorf("%w: duplicate peak %q", ErrInvalidConfig, p.Label)
		}
		seen[p.Label] = struct{}{}
	}
	seenROI := make(map[string]struct{})
	for _, r := range c.ROIs {
		if r.Label == "" || r.Lo < 0 || r.Hi <= r.Lo {
			return fmt.Errorf("%w: roi %q range [%d, %d)", ErrInvalidConfig, r.Label, r.Lo, r.Hi)
		}
		if _, dup := seenROI[r.Label]; dup {
			return fmt.Errorf("%w: duplicate roi %q", ErrInvalidConfig, r.Label)
		}
		seenROI[r.Label] = struct{}{}
	}
	return nil
}

// LinearEngine is safe for concurrent use; it keeps no per-call state.
type LinearEngine struct {
	cfg    Config
	labels []string
}

// NewEngine builds a LinearEngine from a YAML configuration blob.
func NewEngine(blob []byte) (*LinearEngine, error) {
	if len(blob) == 0 {
		return nil, ErrMissingConfig
	}
	var cfg Config
	if err := yaml.Unmarshal(blob, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return NewLinearEngine(cfg)
}

// NewLinearEngine builds a LinearEngine from a decoded configuration.
func NewLinearEngine(cfg Config) (*LinearEngine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	labels := make([]string, 0, len(cfg.Peaks)+1)
	for _, p := range cfg.Peaks {
		labels = append(labels, p.Label)
	}
	if cfg.Background && len(cfg.Peaks) > 0 {
		labels = append(labels, BackgroundLabel)
	}
	return &LinearEngine{cfg: cfg, labels: labels}, nil
}

// Labels returns the parameter labels in model column order.
func (e *LinearEngine) Labels() []string {
	out := make([]string, len(e.labels))
	copy(out, e.labels)
	return out
}

// Fit decomposes every row of spectra. The returned slices have one value per
// row of spectra, in row order.
func (e *LinearEngine) Fit(ctx context.Context, spectra *mat.Dense) (Result, error) {
	if spectra == nil || spectra.IsEmpty() {
		return nil, ErrEmptyBatch
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows, cols := spectra.Dims()
	result := make(Result, 2)

	if len(e.cfg.Peaks) > 0 {
		params, err := e.fitPeaks(spectra, rows, cols)
		if err != nil {
			return nil, err
		}
		result[GroupParameters] = params
	}

	if len(e.cfg.ROIs) > 0 {
		roi := make(map[string][]float64, len(e.cfg.ROIs))
		for _, r := range e.cfg.ROIs {
			lo, hi := clamp(r.Lo, cols), clamp(r.Hi, cols)
			values := make([]float64, rows)
			for i := 0; i < rows; i++ {
				sum := 0.0
				for j := lo; j < hi; j++ {
					sum += spectra.At(i, j)
				}
				values[i] = sum
			}
			roi[r.Label] = values
		}
		result[GroupROI] = roi
	}

	return result, nil
}

func (e *LinearEngine) fitPeaks(spectra *mat.Dense, rows, cols int) (map[string][]float64, error) {
	xmin := e.cfg.XMin
	xmax := e.cfg.XMax
	if xmax == 0 || xmax > cols {
		xmax = cols
	}
	width := xmax - xmin
	nParams := len(e.labels)
	if width <= 0 {
		return nil, fmt.Errorf("%w: [%d, %d) against %d channels", ErrWindow, xmin, xmax, cols)
	}
	if width < nParams {
		return nil, fmt.Errorf("%w: %d channels for %d parameters", ErrWindow, width, nParams)
	}

	// model: width x nParams, one column per peak shape
	model := mat.NewDense(width, nParams, nil)
	for c, p := range e.cfg.Peaks {
		for i := 0; i < width; i++ {
			d := (float64(xmin+i) - p.Center) / p.Sigma
			model.Set(i, c, math.Exp(-0.5*d*d))
		}
	}
	if nParams > len(e.cfg.Peaks) {
		for i := 0; i < width; i++ {
			model.Set(i, nParams-1, 1)
		}
	}

	// observations: width x rows, one column per spectrum
	window := spectra.Slice(0, rows, xmin, xmax)
	var obs mat.Dense
	obs.CloneFrom(window.T())

	var coef mat.Dense
	if err := coef.Solve(model, &obs); err != nil {
		return nil, fmt.Errorf("least squares: %w", err)
	}

	out := make(map[string][]float64, nParams)
	for k, label := range e.labels {
		out[label] = mat.Row(nil, k, &coef)
	}
	return out, nil
}

func clamp(v, n int) int {
	if v > n {
		return n
	}
	return v
}

var _ Engine = (*LinearEngine)(nil)
