package astrometry

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/integrate"

	"drizzlecomposer/internal/models"
)

// Calculator produces transform descriptor sequences for each dither of
// an observation. It holds only read-only state and is safe to share
// across workers.
type Calculator struct {
	// Site is the geodetic observation site
	Site Site

	// Provider supplies local horizontal coordinates
	Provider AltAzProvider

	// Instrument describes the detector
	Instrument Instrument

	// Sky is the shared sky reference point of the observation
	Sky models.SkyPoint

	// Derotate enables sky-rotation compensation. When false only the
	// instrument-fixed geometry applies.
	Derotate bool

	// AlignStartPA pins every frame to the position angle at the
	// observation start when Derotate is false
	AlignStartPA bool

	// ObsStart is the unix start time of the first exposure, the zero
	// point for rotation integration
	ObsStart float64
}

// RotationRates evaluates the field-rotation rate at each unix time.
// All rates are zero when derotation is disabled.
func (c *Calculator) RotationRates(times []float64) []float64 {
	rates := make([]float64, len(times))
	if !c.Derotate {
		return rates
	}
	for i, t := range times {
		az, alt := c.Provider.AltAz(t, c.Sky, c.Site)
		rates[i] = RotationRate(c.Site, az, alt)
	}
	return rates
}

// Cadence derives the transform sample step for the run. A positive
// explicit step wins; otherwise the non-blurring minimum for the given
// dither pixel offsets is used, clamped to the window duration.
func (c *Calculator) Cadence(explicit float64, pixOffsets [][2]float64, startTimes []float64, smearPixels, duration float64) float64 {
	if explicit > 0 {
		return explicit
	}
	rates := c.RotationRates(startTimes)
	step := NonBlurringStep(pixOffsets, rates, smearPixels)
	if step > duration {
		step = duration
	}
	return step
}

// ParallacticAngle returns the parallactic angle in radians of the sky
// reference point at unix time t.
func (c *Calculator) ParallacticAngle(t float64) float64 {
	lst := localSiderealTime(t, c.Site.LongitudeDeg)
	ha := lst - c.Sky.RA*math.Pi/180
	dec := c.Sky.Dec * math.Pi / 180
	lat := c.Site.LatitudeDeg * math.Pi / 180
	return math.Atan2(math.Sin(ha), math.Tan(lat)*math.Cos(dec)-math.Sin(dec)*math.Cos(ha))
}

// TransformSequence samples the pixel-to-sky transform for one exposure
// window at the given cadence. It returns one descriptor per sample
// instant, including the closing edge of the window, and the sample
// times in seconds relative to the exposure start.
//
// pixOffX, pixOffY is the dither's detector pixel displacement from the
// actuator origin; expStart is the exposure's unix start time.
func (c *Calculator) TransformSequence(pixOffX, pixOffY, expStart, startOffset, duration, step float64) ([]models.TransformDescriptor, []float64, error) {
	if duration <= 0 {
		return nil, nil, fmt.Errorf("non-positive window duration %g", duration)
	}
	if step <= 0 || math.IsInf(step, 1) {
		step = duration
	}

	// Sample instants, closing edge included
	var rel []float64
	for t := startOffset; t < startOffset+duration; t += step {
		rel = append(rel, t)
	}
	rel = append(rel, startOffset+duration)

	angles := c.sampleAngles(expStart, rel)

	cx, cy := c.Instrument.Center()
	descs := make([]models.TransformDescriptor, len(rel))
	for i := range rel {
		descs[i] = models.TransformDescriptor{
			RefPixelX:  cx + pixOffX,
			RefPixelY:  cy + pixOffY,
			RefSky:     c.Sky,
			PixelScale: c.Instrument.PlateScaleDeg,
			Rotation:   angles[i],
			ShapeX:     c.Instrument.ShapeX,
			ShapeY:     c.Instrument.ShapeY,
		}
	}
	return descs, rel, nil
}

// sampleAngles returns the frame rotation at each sample instant of one
// exposure. With derotation on this is the cumulative field rotation
// integrated from the observation start; with AlignStartPA it is the
// constant position angle of the first frame; otherwise zero.
func (c *Calculator) sampleAngles(expStart float64, rel []float64) []float64 {
	angles := make([]float64, len(rel))
	if !c.Derotate {
		if c.AlignStartPA {
			pa := c.ParallacticAngle(c.ObsStart)
			for i := range angles {
				angles[i] = pa
			}
		}
		return angles
	}

	// Rotation accumulated between observation start and exposure
	// start, trapezoid over the two endpoints.
	span := []float64{c.ObsStart, expStart + rel[0]}
	base := 0.0
	if span[1] > span[0] {
		base = integrate.Trapezoidal(span, c.RotationRates(span))
	}

	abs := make([]float64, len(rel))
	for i, t := range rel {
		abs[i] = expStart + t
	}
	cum := CumulativeAngles(abs, c.RotationRates(abs))
	for i := range angles {
		angles[i] = base + cum[i]
	}
	return angles
}
