// Package hypercube partitions a dither's photon tuples into a 4-D
// weighted histogram over (time, wavelength, pixel-y, pixel-x) at the
// input detector resolution.
package hypercube

import (
	"fmt"
	"sort"

	"drizzlecomposer/internal/models"
)

// Cube is a 4-D histogram with a flat backing array in
// (time, wavelength, y, x) order. Cell values are summed photon
// calibration weights, so the cube is directly a calibrated count map.
type Cube struct {
	// NTime, NWvl, ShapeY, ShapeX are the axis lengths
	NTime, NWvl, ShapeY, ShapeX int

	// Data is the flat histogram mass
	Data []float64
}

// NewCube allocates a zeroed histogram.
func NewCube(nTime, nWvl, shapeY, shapeX int) *Cube {
	return &Cube{
		NTime:  nTime,
		NWvl:   nWvl,
		ShapeY: shapeY,
		ShapeX: shapeX,
		Data:   make([]float64, nTime*nWvl*shapeY*shapeX),
	}
}

// Index returns the flat index of one histogram cell.
func (c *Cube) Index(t, w, y, x int) int {
	return ((t*c.NWvl+w)*c.ShapeY+y)*c.ShapeX + x
}

// Slice returns the 2-D detector plane of one (time, wavelength) bin as
// a subslice of the backing array.
func (c *Cube) Slice(t, w int) []float64 {
	base := c.Index(t, w, 0, 0)
	return c.Data[base : base+c.ShapeY*c.ShapeX]
}

// Options control the binning pass.
type Options struct {
	// ApplyWeights uses each photon's calibration weight as histogram
	// mass; otherwise every photon counts 1
	ApplyWeights bool

	// SaturationCut zeroes cells whose mass exceeds the threshold,
	// treating them as contaminated. 0 disables the cut.
	SaturationCut float64
}

// Bin builds one dither's hypercube. timeEdges are in seconds relative
// to the exposure start; wvlEdges in nanometers. Both edge sequences
// must be strictly increasing. Photons outside the edges are dropped;
// the closing edge of each axis is inclusive.
func Bin(d *models.DitherData, timeEdges, wvlEdges []float64, shapeX, shapeY int, opts Options) (*Cube, error) {
	if err := checkEdges("time", timeEdges); err != nil {
		return nil, err
	}
	if err := checkEdges("wavelength", wvlEdges); err != nil {
		return nil, err
	}
	if shapeX <= 0 || shapeY <= 0 {
		return nil, fmt.Errorf("detector shape must be positive, got %dx%d", shapeX, shapeY)
	}

	cube := NewCube(len(timeEdges)-1, len(wvlEdges)-1, shapeY, shapeX)

	// Photon clocks are microseconds
	timeEdgesUS := make([]float64, len(timeEdges))
	for i, e := range timeEdges {
		timeEdgesUS[i] = e * 1e6
	}

	for i := range d.Timestamps {
		t := findBin(timeEdgesUS, float64(d.Timestamps[i]))
		if t < 0 {
			continue
		}
		w := findBin(wvlEdges, d.Wavelengths[i])
		if w < 0 {
			continue
		}
		x, y := d.PixelX[i], d.PixelY[i]
		if x < 0 || x >= shapeX || y < 0 || y >= shapeY {
			continue
		}
		mass := 1.0
		if opts.ApplyWeights {
			mass = d.Weights[i]
		}
		cube.Data[cube.Index(t, w, y, x)] += mass
	}

	if opts.SaturationCut > 0 {
		for i, v := range cube.Data {
			if v > opts.SaturationCut {
				cube.Data[i] = 0
			}
		}
	}
	return cube, nil
}

// findBin locates v in strictly increasing edges. Bins are
// left-inclusive; the final edge is inclusive so window boundaries keep
// their photons. Returns -1 when v is outside the edges.
func findBin(edges []float64, v float64) int {
	if v < edges[0] || v > edges[len(edges)-1] {
		return -1
	}
	if v == edges[len(edges)-1] {
		return len(edges) - 2
	}
	// First edge strictly greater than v; the bin is the one before it
	i := sort.Search(len(edges), func(j int) bool { return edges[j] > v })
	return i - 1
}

func checkEdges(axis string, edges []float64) error {
	if len(edges) < 2 {
		return fmt.Errorf("%s axis needs at least two bin edges, got %d", axis, len(edges))
	}
	for i := 1; i < len(edges); i++ {
		if edges[i] <= edges[i-1] {
			return fmt.Errorf("%s bin edges must be strictly increasing at index %d", axis, i)
		}
	}
	return nil
}
