// Package astrometry computes per-dither field-rotation histories and
// the pixel-to-sky transform sequences used to drizzle each exposure
// onto a common sky grid.
package astrometry

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/integrate"

	"drizzlecomposer/internal/models"
)

// earthRate is the Earth rotation rate in radians per second of one
// sidereal day.
const earthRate = 2 * math.Pi / 86164.0905

// Site is the geodetic location of the observation site.
type Site struct {
	// Name is the site name used for lookups
	Name string

	// LatitudeDeg, LongitudeDeg are the geodetic coordinates in degrees
	LatitudeDeg, LongitudeDeg float64
}

// knownSites maps site names to geodetic locations. Sites not listed
// here must be supplied explicitly.
var knownSites = map[string]Site{
	"Subaru":  {Name: "Subaru", LatitudeDeg: 19.8255, LongitudeDeg: -155.4761},
	"Palomar": {Name: "Palomar", LatitudeDeg: 33.3563, LongitudeDeg: -116.8650},
	"Lick":    {Name: "Lick", LatitudeDeg: 37.3414, LongitudeDeg: -121.6429},
}

// LookupSite returns the geodetic site for a known site name.
func LookupSite(name string) (Site, error) {
	site, ok := knownSites[name]
	if !ok {
		return Site{}, fmt.Errorf("unknown observation site %q", name)
	}
	return site, nil
}

// AltAzProvider converts a sky position to local horizontal coordinates
// at a given instant. Implementations are external collaborators; the
// package ships a deterministic spherical-astronomy default.
type AltAzProvider interface {
	// AltAz returns the azimuth and altitude in radians of the sky
	// point as seen from the site at unix time t.
	AltAz(t float64, sky models.SkyPoint, site Site) (az, alt float64)
}

// FixedEphemeris is the default AltAzProvider: a closed-form hour-angle
// computation from Greenwich sidereal time. It involves no catalog or
// network access, so runs are reproducible.
type FixedEphemeris struct{}

// AltAz computes local horizontal coordinates with the standard
// spherical triangle relations.
func (FixedEphemeris) AltAz(t float64, sky models.SkyPoint, site Site) (az, alt float64) {
	lst := localSiderealTime(t, site.LongitudeDeg)
	ha := lst - sky.RA*math.Pi/180
	dec := sky.Dec * math.Pi / 180
	lat := site.LatitudeDeg * math.Pi / 180

	sinAlt := math.Sin(dec)*math.Sin(lat) + math.Cos(dec)*math.Cos(lat)*math.Cos(ha)
	alt = math.Asin(sinAlt)

	// Azimuth measured east of north
	y := -math.Cos(dec) * math.Sin(ha)
	x := math.Sin(dec)*math.Cos(lat) - math.Cos(dec)*math.Sin(lat)*math.Cos(ha)
	az = math.Atan2(y, x)
	if az < 0 {
		az += 2 * math.Pi
	}
	return az, alt
}

// localSiderealTime returns the local sidereal time in radians for a
// unix time and an east longitude in degrees.
func localSiderealTime(t, lonDeg float64) float64 {
	// Days since J2000.0 (unix 946728000 = 2000-01-01 12:00 UT)
	d := (t - 946728000.0) / 86400.0
	gmstDeg := 280.46061837 + 360.98564736629*d
	lst := math.Mod(gmstDeg+lonDeg, 360.0)
	if lst < 0 {
		lst += 360.0
	}
	return lst * math.Pi / 180
}

// RotationRate returns the field-rotation rate in radians per second at
// the given local horizontal position (Smart 1962, p. 55).
func RotationRate(site Site, az, alt float64) float64 {
	lat := site.LatitudeDeg * math.Pi / 180
	return earthRate * math.Cos(lat) * math.Cos(az) / math.Cos(alt)
}

// CumulativeAngles integrates a rotation-rate history into cumulative
// position-angle offsets at each sample time, by trapezoidal
// accumulation from the first sample.
func CumulativeAngles(times, rates []float64) []float64 {
	angles := make([]float64, len(times))
	for i := 1; i < len(times); i++ {
		angles[i] = integrate.Trapezoidal(times[:i+1], rates[:i+1])
	}
	return angles
}

// NonBlurringStep derives the largest transform sample step, in
// seconds, for which the worst-case dither's angular throw smears no
// more than smearPixels at the dither center farthest from the rotation
// center. Returns +Inf when no dither rotates, so callers clamp to the
// window duration.
func NonBlurringStep(pixOffsets [][2]float64, rates []float64, smearPixels float64) float64 {
	maxDist := 0.0
	for _, off := range pixOffsets {
		d := math.Hypot(off[0], off[1])
		if d > maxDist {
			maxDist = d
		}
	}
	angle := math.Atan2(smearPixels, maxDist)

	step := math.Inf(1)
	for _, r := range rates {
		if r == 0 {
			continue
		}
		if s := math.Abs(angle / r); s < step {
			step = s
		}
	}
	return step
}

// ActuatorCalibration is the fixed, device-specific linear map from 2-D
// actuator positions to detector pixel displacements.
type ActuatorCalibration struct {
	// SlopeX, SlopeY are pixels per actuator unit on each axis
	SlopeX, SlopeY float64

	// ZeroX, ZeroY are the pixel positions of the actuator origin
	ZeroX, ZeroY float64
}

// DefaultCalibration is the nominal actuator map used when the
// instrument description carries none.
var DefaultCalibration = ActuatorCalibration{SlopeX: -63.36, SlopeY: 67.61, ZeroX: 73.0, ZeroY: 70.0}

// ToPixel converts an actuator position to a detector pixel
// displacement relative to the actuator origin.
func (c ActuatorCalibration) ToPixel(posX, posY float64) (dx, dy float64) {
	return posX * c.SlopeX, posY * c.SlopeY
}

// Instrument describes the single rectangular detector array a run
// composites.
type Instrument struct {
	// ShapeX, ShapeY is the detector pixel grid shape
	ShapeX, ShapeY int

	// PlateScaleDeg is the detector plate scale in degrees per pixel
	PlateScaleDeg float64

	// Calibration maps dither actuator positions to pixel offsets
	Calibration ActuatorCalibration
}

// Center returns the detector reference pixel (grid center).
func (in Instrument) Center() (float64, float64) {
	return float64(in.ShapeX) / 2, float64(in.ShapeY) / 2
}
