package astrometry

import (
	"math"
	"testing"

	"drizzlecomposer/internal/models"
)

const epsilon = 1e-9

// TestLookupSite verifies known site resolution and unknown site errors
func TestLookupSite(t *testing.T) {
	site, err := LookupSite("Subaru")
	if err != nil {
		t.Fatalf("Expected Subaru to resolve, got error: %v", err)
	}
	if math.Abs(site.LatitudeDeg-19.8255) > epsilon {
		t.Errorf("Expected Subaru latitude 19.8255, got %f", site.LatitudeDeg)
	}

	if _, err := LookupSite("Atlantis"); err == nil {
		t.Error("Expected error for unknown site, got nil")
	}
}

// TestRotationRate verifies the field-rotation rate formula at simple
// geometries
func TestRotationRate(t *testing.T) {
	site := Site{LatitudeDeg: 0}

	// On the equator, a target due north on the horizon rotates at the
	// full sidereal rate
	if got := RotationRate(site, 0, 0); math.Abs(got-earthRate) > epsilon {
		t.Errorf("Expected full sidereal rate %e, got %e", earthRate, got)
	}

	// A target due east does not rotate
	if got := RotationRate(site, math.Pi/2, 0); math.Abs(got) > 1e-15 {
		t.Errorf("Expected zero rate due east, got %e", got)
	}

	// Higher latitude scales the rate by cos(lat)
	site.LatitudeDeg = 60
	want := earthRate * 0.5
	if got := RotationRate(site, 0, 0); math.Abs(got-want) > epsilon {
		t.Errorf("Expected rate %e at 60 degrees latitude, got %e", want, got)
	}
}

// TestCumulativeAngles verifies trapezoidal integration of a constant
// rate is linear in time
func TestCumulativeAngles(t *testing.T) {
	times := []float64{0, 10, 20, 30}
	rates := []float64{0.01, 0.01, 0.01, 0.01}
	angles := CumulativeAngles(times, rates)

	if angles[0] != 0 {
		t.Errorf("Expected zero angle at first sample, got %f", angles[0])
	}
	for i, want := range []float64{0, 0.1, 0.2, 0.3} {
		if math.Abs(angles[i]-want) > epsilon {
			t.Errorf("Sample %d: expected angle %f, got %f", i, want, angles[i])
		}
	}
}

// TestNonBlurringStep verifies the smear-limited cadence derivation
func TestNonBlurringStep(t *testing.T) {
	offsets := [][2]float64{{30, 40}} // distance 50 from rotation center

	// No rotation anywhere means no cadence limit
	if got := NonBlurringStep(offsets, []float64{0, 0}, 1); !math.IsInf(got, 1) {
		t.Errorf("Expected +Inf step without rotation, got %f", got)
	}

	// One pixel of smear at distance 50 allows atan2(1, 50) radians of
	// throw per sample
	rate := 1e-4
	want := math.Atan2(1, 50) / rate
	if got := NonBlurringStep(offsets, []float64{rate}, 1); math.Abs(got-want) > epsilon {
		t.Errorf("Expected step %f, got %f", want, got)
	}

	// The fastest-rotating dither sets the step
	if got := NonBlurringStep(offsets, []float64{rate, 2 * rate}, 1); math.Abs(got-want/2) > epsilon {
		t.Errorf("Expected step %f for doubled rate, got %f", want/2, got)
	}
}

// TestActuatorToPixel verifies the linear actuator map
func TestActuatorToPixel(t *testing.T) {
	calib := ActuatorCalibration{SlopeX: -10, SlopeY: 20, ZeroX: 73, ZeroY: 70}
	dx, dy := calib.ToPixel(0.5, -0.25)
	if dx != -5 || dy != -5 {
		t.Errorf("Expected pixel offset (-5, -5), got (%f, %f)", dx, dy)
	}
}

// TestFixedEphemerisAltAz verifies the default provider stays within
// physical bounds and is deterministic
func TestFixedEphemerisAltAz(t *testing.T) {
	site := Site{LatitudeDeg: 19.8255, LongitudeDeg: -155.4761}
	sky := models.SkyPoint{RA: 150.0, Dec: 2.0}
	var eph FixedEphemeris

	az1, alt1 := eph.AltAz(1.6e9, sky, site)
	az2, alt2 := eph.AltAz(1.6e9, sky, site)
	if az1 != az2 || alt1 != alt2 {
		t.Error("Expected identical results for identical inputs")
	}
	if az1 < 0 || az1 >= 2*math.Pi {
		t.Errorf("Expected azimuth in [0, 2pi), got %f", az1)
	}
	if alt1 < -math.Pi/2 || alt1 > math.Pi/2 {
		t.Errorf("Expected altitude in [-pi/2, pi/2], got %f", alt1)
	}

	// A circumpolar check: the pole stays at constant altitude equal to
	// the site latitude
	pole := models.SkyPoint{RA: 0, Dec: 90}
	_, altPole := eph.AltAz(1.6e9, pole, site)
	wantAlt := site.LatitudeDeg * math.Pi / 180
	if math.Abs(altPole-wantAlt) > 1e-6 {
		t.Errorf("Expected pole altitude %f, got %f", wantAlt, altPole)
	}
}

// TestTransformSequence verifies sample counts, the closing edge, and
// the rotation modes
func TestTransformSequence(t *testing.T) {
	calc := testCalculator(false, false)

	transforms, samples, err := calc.TransformSequence(5, -5, 1.6e9, 0, 10, 2.5)
	if err != nil {
		t.Fatalf("Expected transform sequence, got error: %v", err)
	}
	if len(transforms) != 5 {
		t.Fatalf("Expected 5 samples (4 steps plus closing edge), got %d", len(transforms))
	}
	if samples[0] != 0 || samples[len(samples)-1] != 10 {
		t.Errorf("Expected samples spanning [0, 10], got [%f, %f]", samples[0], samples[len(samples)-1])
	}

	// Without derotation every frame keeps rotation zero
	for i, tr := range transforms {
		if tr.Rotation != 0 {
			t.Errorf("Sample %d: expected zero rotation without derotation, got %f", i, tr.Rotation)
		}
	}

	// The reference pixel is the detector center plus the dither offset
	cx, cy := calc.Instrument.Center()
	if transforms[0].RefPixelX != cx+5 || transforms[0].RefPixelY != cy-5 {
		t.Errorf("Expected reference pixel (%f, %f), got (%f, %f)",
			cx+5, cy-5, transforms[0].RefPixelX, transforms[0].RefPixelY)
	}
}

// TestTransformSequenceAlignStartPA verifies the pinned-angle mode uses
// one constant position angle for every frame
func TestTransformSequenceAlignStartPA(t *testing.T) {
	calc := testCalculator(false, true)

	transforms, _, err := calc.TransformSequence(0, 0, calc.ObsStart+60, 0, 10, 5)
	if err != nil {
		t.Fatalf("Expected transform sequence, got error: %v", err)
	}

	want := calc.ParallacticAngle(calc.ObsStart)
	for i, tr := range transforms {
		if math.Abs(tr.Rotation-want) > epsilon {
			t.Errorf("Sample %d: expected pinned angle %f, got %f", i, want, tr.Rotation)
		}
	}
	if want == 0 {
		t.Error("Expected a non-trivial parallactic angle for the test geometry")
	}
}

// TestTransformSequenceDerotate verifies rotation accumulates
// monotonically while the rate keeps one sign
func TestTransformSequenceDerotate(t *testing.T) {
	calc := testCalculator(true, false)

	transforms, _, err := calc.TransformSequence(0, 0, calc.ObsStart, 0, 100, 10)
	if err != nil {
		t.Fatalf("Expected transform sequence, got error: %v", err)
	}
	if transforms[0].Rotation != 0 {
		t.Errorf("Expected zero accumulated rotation at the observation start, got %f", transforms[0].Rotation)
	}

	var prev float64
	increasing, decreasing := true, true
	for _, tr := range transforms[1:] {
		if tr.Rotation < prev {
			increasing = false
		}
		if tr.Rotation > prev {
			decreasing = false
		}
		prev = tr.Rotation
	}
	if !increasing && !decreasing {
		t.Error("Expected monotonic accumulated rotation over a short window")
	}
	if transforms[len(transforms)-1].Rotation == 0 {
		t.Error("Expected non-zero accumulated rotation after 100 seconds")
	}
}

// TestTransformSequenceErrors verifies input validation
func TestTransformSequenceErrors(t *testing.T) {
	calc := testCalculator(false, false)
	if _, _, err := calc.TransformSequence(0, 0, 1.6e9, 0, 0, 1); err == nil {
		t.Error("Expected error for zero duration, got nil")
	}
}

// TestCadence verifies explicit steps win and derived steps clamp to
// the window duration
func TestCadence(t *testing.T) {
	calc := testCalculator(false, false)
	offsets := [][2]float64{{10, 0}}
	starts := []float64{1.6e9}

	if got := calc.Cadence(3.5, offsets, starts, 1, 60); got != 3.5 {
		t.Errorf("Expected explicit step 3.5, got %f", got)
	}

	// Without derotation the derived step is unbounded and clamps to
	// the duration
	if got := calc.Cadence(0, offsets, starts, 1, 60); got != 60 {
		t.Errorf("Expected step clamped to duration 60, got %f", got)
	}
}

// testCalculator builds a calculator over the Subaru site with a small
// detector, for a target that rotates at the test epoch.
func testCalculator(derotate, alignStartPA bool) *Calculator {
	site, _ := LookupSite("Subaru")
	return &Calculator{
		Site:     site,
		Provider: FixedEphemeris{},
		Instrument: Instrument{
			ShapeX:        140,
			ShapeY:        146,
			PlateScaleDeg: 2.9e-6,
			Calibration:   DefaultCalibration,
		},
		Sky:          models.SkyPoint{RA: 150.0, Dec: 2.0},
		Derotate:     derotate,
		AlignStartPA: alignStartPA,
		ObsStart:     1.6e9,
	}
}
