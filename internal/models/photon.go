package models

import (
	"fmt"
	"math"
)

// PhotonRecord is a single calibrated photon event as returned by the
// upstream photon source. Records are immutable; the compositor only
// reads them during one binning pass.
type PhotonRecord struct {
	// Time is the arrival time in microseconds since exposure start
	Time int64

	// Wavelength is the calibrated photon wavelength in nanometers
	Wavelength float64

	// Weight is the unitless calibration weight applied upstream
	Weight float64

	// PixelX, PixelY locate the detector pixel that registered the photon
	PixelX, PixelY int
}

// DitherData holds the windowed photon tuples of one exposure at one
// dither position, in column form, together with the transform
// sequence sampled over the exposure's time window. It is assembled by
// the photon loader and may be serialized into the on-disk cache.
type DitherData struct {
	// SourceID is the exposure identifier
	SourceID string

	// Timestamps holds photon arrival times in microseconds since
	// exposure start
	Timestamps []int64

	// Wavelengths holds photon wavelengths in nanometers
	Wavelengths []float64

	// Weights holds per-photon calibration weights
	Weights []float64

	// PixelX, PixelY hold detector pixel coordinates, parallel to
	// Timestamps
	PixelX, PixelY []int

	// Transforms is the ordered per-sample transform sequence covering
	// the exposure's time window at the run cadence
	Transforms []TransformDescriptor

	// SampleTimes holds the transform sample instants in seconds
	// relative to the exposure start, parallel to Transforms; the last
	// entry closes the window
	SampleTimes []float64

	// Duration is the usable integration time of the dither in seconds
	Duration float64

	// Metadata holds the per-exposure free-form metadata as time series
	Metadata map[string]MetadataSeries
}

// Validate checks the column-length invariant: all photon columns must
// be parallel.
func (d *DitherData) Validate() error {
	n := len(d.Timestamps)
	if len(d.Wavelengths) != n || len(d.Weights) != n ||
		len(d.PixelX) != n || len(d.PixelY) != n {
		return fmt.Errorf("dither %s: photon columns have mismatched lengths (%d times, %d wavelengths, %d weights, %d/%d pixels)",
			d.SourceID, n, len(d.Wavelengths), len(d.Weights), len(d.PixelX), len(d.PixelY))
	}
	if len(d.Transforms) == 0 {
		return fmt.Errorf("dither %s: no transform samples", d.SourceID)
	}
	if len(d.SampleTimes) != len(d.Transforms) {
		return fmt.Errorf("dither %s: %d sample times for %d transforms",
			d.SourceID, len(d.SampleTimes), len(d.Transforms))
	}
	return nil
}

// NumPhotons returns the number of photon tuples in the dither.
func (d *DitherData) NumPhotons() int {
	return len(d.Timestamps)
}

// TotalWeight sums the calibration weights of all photons in the dither.
func (d *DitherData) TotalWeight() float64 {
	total := 0.0
	for _, w := range d.Weights {
		total += w
	}
	return total
}

// MetadataSeries is a time-tagged sequence of free-form metadata values.
// Scalar metadata entries from individual exposures become single-sample
// series so that combining across a dither sequence is uniform.
type MetadataSeries struct {
	// Times holds the sample times (unix seconds)
	Times []float64

	// Values holds the corresponding values
	Values []interface{}
}

// Add appends one sample to the series.
func (s *MetadataSeries) Add(t float64, v interface{}) {
	s.Times = append(s.Times, t)
	s.Values = append(s.Values, v)
}

// Extend appends all samples of another series.
func (s *MetadataSeries) Extend(other MetadataSeries) {
	s.Times = append(s.Times, other.Times...)
	s.Values = append(s.Values, other.Values...)
}

// Scalar reports whether every value in the series equals the first
// one. An empty series is vacuously scalar.
func (s MetadataSeries) Scalar() bool {
	if len(s.Values) == 0 {
		return true
	}
	for _, v := range s.Values[1:] {
		if v != s.Values[0] {
			return false
		}
	}
	return true
}

// SkyPoint is an on-sky reference position in degrees.
type SkyPoint struct {
	// RA is the right ascension in degrees
	RA float64

	// Dec is the declination in degrees
	Dec float64
}

// Sub returns the angular difference point-to-point in degrees.
func (p SkyPoint) Sub(other SkyPoint) (float64, float64) {
	return p.RA - other.RA, p.Dec - other.Dec
}

// TransformDescriptor maps detector pixel coordinates to sky coordinates
// at one sample instant: a tangent-plane projection with a reference
// pixel, reference sky point, uniform pixel scale and a rotation angle.
type TransformDescriptor struct {
	// RefPixelX, RefPixelY is the reference pixel (detector frame)
	RefPixelX, RefPixelY float64

	// RefSky is the sky position projected at the reference pixel
	RefSky SkyPoint

	// PixelScale is the plate scale in degrees per pixel
	PixelScale float64

	// Rotation is the position angle of the detector in radians
	Rotation float64

	// ShapeX, ShapeY is the pixel grid shape the transform applies to
	ShapeX, ShapeY int
}

// SameSky reports whether two transforms share a reference sky point to
// within tol degrees on both axes. Dithers must share one pointing
// center; a mismatch is a hard configuration error at composite time.
func (t TransformDescriptor) SameSky(other TransformDescriptor, tol float64) bool {
	dra, ddec := t.RefSky.Sub(other.RefSky)
	return math.Abs(dra) <= tol && math.Abs(ddec) <= tol
}
