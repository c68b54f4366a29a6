// Package integrate reduces 2D detector images to 1D radial profiles.
package integrate

import (
	"errors"
	"fmt"
	"math"

	"gopkg.in/yaml.v3"

	"github.com/unijord/xrfstage/pkg/streams"
)

const DefaultBins = 100

var (
	ErrMissingGeometry = errors.New("geometry blob is missing")
	ErrInvalidGeometry = errors.New("invalid geometry")
	ErrImageShape      = errors.New("image is not two dimensional")
)

// Integrator reduces one decoded image to a profile.
type Integrator interface {
	Integrate(img streams.Image) ([]float64, error)
}

// Rect masks pixels with Row0 <= row < Row1 and Col0 <= col < Col1.
type Rect struct {
	Row0 int `yaml:"row0"`
	Row1 int `yaml:"row1"`
	Col0 int `yaml:"col0"`
	Col1 int `yaml:"col1"`
}

func (r Rect) contains(row, col int) bool {
	return row >= r.Row0 && row < r.Row1 && col >= r.Col0 && col < r.Col1
}

// Geometry is the decoded detector geometry blob. Centre coordinates are in
// pixels (column, row); PixelSize scales radii to physical units.
type Geometry struct {
	CenterX   float64 `yaml:"center_x"`
	CenterY   float64 `yaml:"center_y"`
	PixelSize float64 `yaml:"pixel_size"`
	Mask      []Rect  `yaml:"mask"`
}

// Params are the integration parameters supplied next to the geometry.
type Params struct {
	// Bins is the profile length. Zero means DefaultBins.
	Bins int
	// MaxRadius is the outer edge of the last bin, in geometry units.
	// Zero means the farthest image corner.
	MaxRadius float64
}

// Radial averages pixel intensity over rings around the beam centre.
type Radial struct {
	geo    Geometry
	params Params
}

// NewRadial builds a Radial integrator from a YAML geometry blob.
func NewRadial(geometry []byte, params Params) (*Radial, error) {
	if len(geometry) == 0 {
		return nil, ErrMissingGeometry
	}
	var geo Geometry
	if err := yaml.Unmarshal(geometry, &geo); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGeometry, err)
	}
	if geo.PixelSize == 0 {
		geo.PixelSize = 1
	}
	if geo.PixelSize < 0 {
		return nil, fmt.Errorf("%w: pixel_size %v", ErrInvalidGeometry, geo.PixelSize)
	}
	if params.Bins == 0 {
		params.Bins = DefaultBins
	}
	if params.Bins < 0 || params.MaxRadius < 0 {
		return nil, fmt.Errorf("%w: bins %d, max radius %v", ErrInvalidGeometry, params.Bins, params.MaxRadius)
	}
	return &Radial{geo: geo, params: params}, nil
}

// Bins returns the profile length.
func (r *Radial) Bins() int {
	return r.params.Bins
}

// Integrate returns the mean intensity per radial bin; empty bins are 0.
// Masked pixels and NaNs are skipped.
func (r *Radial) Integrate(img streams.Image) ([]float64, error) {
	if len(img.Shape) != 2 {
		return nil, fmt.Errorf("%w: shape %v", ErrImageShape, img.Shape)
	}
	rows, cols := img.Shape[0], img.Shape[1]
	if rows <= 0 || cols <= 0 || len(img.Pixels)/cols != rows || len(img.Pixels)%cols != 0 {
		return nil, fmt.Errorf("%w: %d pixels for shape %v", ErrImageShape, len(img.Pixels), img.Shape)
	}

	maxRadius := r.params.MaxRadius
	if maxRadius == 0 {
		maxRadius = r.farthestCorner(rows, cols)
	}
	if maxRadius == 0 {
		maxRadius = r.geo.PixelSize
	}

	bins := r.params.Bins
	sums := make([]float64, bins)
	counts := make([]int, bins)
	binWidth := maxRadius / float64(bins)

	for row := 0; row < rows; row++ {
		dy := float64(row) - r.geo.CenterY
		for col := 0; col < cols; col++ {
			if r.masked(row, col) {
				continue
			}
			v := img.Pixels[row*cols+col]
			if math.IsNaN(v) {
				continue
			}
			dx := float64(col) - r.geo.CenterX
			radius := math.Hypot(dx, dy) * r.geo.PixelSize
			b := int(radius / binWidth)
			if b >= bins {
				if radius > maxRadius {
					continue
				}
				b = bins - 1
			}
			sums[b] += v
			counts[b]++
		}
	}

	profile := make([]float64, bins)
	for i := range profile {
		if counts[i] > 0 {
			profile[i] = sums[i] / float64(counts[i])
		}
	}
	return profile, nil
}

func (r *Radial) masked(row, col int) bool {
	for _, m := range r.geo.Mask {
		if m.contains(row, col) {
			return true
		}
	}
	return false
}

func (r *Radial) farthestCorner(rows, cols int) float64 {
	corners := [4][2]float64{
		{0, 0},
		{0, float64(cols - 1)},
		{float64(rows - 1), 0},
		{float64(rows - 1), float64(cols - 1)},
	}
	farthest := 0.0
	for _, c := range corners {
		d := math.Hypot(c[1]-r.geo.CenterX, c[0]-r.geo.CenterY) * r.geo.PixelSize
		if d > farthest {
			farthest = d
		}
	}
	return farthest
}

var _ Integrator = (*Radial)(nil)
