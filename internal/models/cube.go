package models

import (
	"fmt"
	"math"
)

// Canvas is the shared output sky grid that every dither is drizzled
// onto. It is built once per run and never mutated afterwards; workers
// may read it concurrently without synchronization.
type Canvas struct {
	// ShapeX, ShapeY is the output grid shape in pixels
	ShapeX, ShapeY int

	// Transform maps canvas pixels to the sky, centered on the shared
	// reference point
	Transform TransformDescriptor

	// Metadata holds the combined per-dither metadata series
	Metadata map[string]MetadataSeries
}

// Validate checks that the canvas shape is strictly positive.
func (c *Canvas) Validate() error {
	if c.ShapeX <= 0 || c.ShapeY <= 0 {
		return fmt.Errorf("canvas shape must be positive, got %dx%d", c.ShapeX, c.ShapeY)
	}
	return nil
}

// OutputCube is the accumulated composite: calibrated rate, variance and
// coverage maps over (time bin, wavelength bin, canvas y, canvas x),
// plus the transform describing all axes. It is owned by the drizzle
// compositor during accumulation and by the caller after Finalize.
type OutputCube struct {
	// NTime, NWvl are the number of time and wavelength bins
	NTime, NWvl int

	// ShapeX, ShapeY is the spatial shape, always equal to the canvas
	ShapeX, ShapeY int

	// Signal accumulates weighted counts per output bin. After
	// Finalize, Rate = Signal / Coverage wherever Coverage > 0.
	Signal []float64

	// Coverage accumulates effective exposure seconds per output bin
	Coverage []float64

	// Rate is the calibrated count rate map, NaN where uncovered.
	// Populated by Finalize.
	Rate []float64

	// Variance is the Poisson rate variance map, NaN where uncovered.
	// Populated by Finalize.
	Variance []float64

	// Transform describes the spatial axes (always the canvas) plus the
	// optional wavelength and time axes
	Transform OutputTransform

	// TimeEdges, WvlEdges are the bin edges; nil when the corresponding
	// axis is degenerate
	TimeEdges []float64
	WvlEdges  []float64
}

// NewOutputCube allocates a zeroed cube for the given binning.
func NewOutputCube(nTime, nWvl, shapeY, shapeX int) *OutputCube {
	n := nTime * nWvl * shapeY * shapeX
	return &OutputCube{
		NTime:    nTime,
		NWvl:     nWvl,
		ShapeX:   shapeX,
		ShapeY:   shapeY,
		Signal:   make([]float64, n),
		Coverage: make([]float64, n),
	}
}

// Index returns the flat index of one output bin.
func (o *OutputCube) Index(t, w, y, x int) int {
	return ((t*o.NWvl+w)*o.ShapeY+y)*o.ShapeX + x
}

// Finalize converts the accumulated signal and coverage into calibrated
// rate and variance maps. Rate is signal divided by coverage, never a
// sum of per-frame rates, so partial coverage at bin boundaries is
// weighted correctly. Uncovered bins are NaN.
func (o *OutputCube) Finalize() {
	o.Rate = make([]float64, len(o.Signal))
	o.Variance = make([]float64, len(o.Signal))
	for i, cov := range o.Coverage {
		if cov > 0 {
			o.Rate[i] = o.Signal[i] / cov
			// Poisson counting: var(rate) = rate / exposure
			o.Variance[i] = o.Rate[i] / cov
		} else {
			o.Rate[i] = math.NaN()
			o.Variance[i] = math.NaN()
		}
	}
}

// OutputTransform is the multi-axis world-coordinate description of the
// output cube. It is constructed once, fully populated, by the drizzle
// compositor and never mutated in place.
type OutputTransform struct {
	// Spatial is the canvas transform shared by every plane
	Spatial TransformDescriptor

	// HasWvl, HasTime flag the optional third and fourth axes
	HasWvl, HasTime bool

	// WvlStart, WvlDelta describe the wavelength axis in nanometers
	WvlStart, WvlDelta float64

	// NWvl is the wavelength axis length
	NWvl int

	// TimeStart, TimeDelta describe the time axis in seconds
	TimeStart, TimeDelta float64

	// NTime is the time axis length
	NTime int
}

// NAxis returns the number of world-coordinate axes.
func (t OutputTransform) NAxis() int {
	n := 2
	if t.HasWvl {
		n++
	}
	if t.HasTime {
		n++
	}
	return n
}
