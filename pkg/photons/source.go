// Package photons loads and windows photon streams from the upstream
// photon source, one dither at a time, attaching the transform sequence
// each dither needs for compositing.
package photons

import (
	"drizzlecomposer/internal/models"
)

// Window bounds the photons used from one exposure: a wavelength range
// in nanometers and a time range in seconds relative to the exposure
// start.
type Window struct {
	// WvlMin, WvlMax bound the wavelength range in nanometers
	WvlMin, WvlMax float64

	// Start is the offset in seconds from the exposure start
	Start float64

	// Duration is the integration time in seconds
	Duration float64
}

// Source is the upstream photon interface. Implementations parse the
// raw event tables; this package only consumes final calibrated rows.
type Source interface {
	// Query returns all photons of one exposure inside the window
	Query(exposureID string, w Window) ([]models.PhotonRecord, error)

	// PixelFlags returns the per-pixel quality flag sets of one
	// exposure, keyed by (y*shapeX + x)
	PixelFlags(exposureID string) (map[int][]string, error)

	// Metadata returns the free-form exposure metadata, including the
	// on-sky pointing reference under the "RA" and "DEC" keys when the
	// exposure has one
	Metadata(exposureID string) (map[string]interface{}, error)
}

// ExposureRef identifies one exposure within a dither sequence.
type ExposureRef struct {
	// ID is the upstream exposure identifier
	ID string

	// StartUnix is the exposure start time in unix seconds
	StartUnix float64

	// StartOffset is the sub-second offset into the exposure at which
	// valid data begins
	StartOffset float64

	// Duration is the exposure dwell time in seconds
	Duration float64
}

// DitherDesc describes one dither position: its exposures and the
// actuator position the pointing system held during them.
type DitherDesc struct {
	// Exposures lists the exposures taken at this position, in time
	// order
	Exposures []ExposureRef

	// PosX, PosY is the 2-D actuator position
	PosX, PosY float64
}
