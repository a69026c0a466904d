package photons

import (
	"fmt"
	"log/slog"

	"drizzlecomposer/internal/models"
	"drizzlecomposer/pkg/astrometry"
)

// Loader fetches, culls and reshapes photons for single dithers. Every
// field is read-only after construction, so one Loader may serve all
// workers of a run.
type Loader struct {
	// Source is the upstream photon interface
	Source Source

	// Calc produces the per-exposure transform sequences
	Calc *astrometry.Calculator

	// Exclude is the set of disallowed pixel quality flags
	Exclude map[string]bool

	// WCSStep is the transform sample cadence in seconds
	WCSStep float64

	// Log receives partial-data warnings
	Log *slog.Logger
}

// LoadDither queries, culls and reshapes one dither's photons: one
// segment per exposure, each on its own exposure clock with its own
// transform sequence, since the sky rotation differs between exposure
// start times. An individual empty exposure is a warning, not an
// error: a dither may legitimately contribute zero photons and the
// composite is still produced from the rest.
func (l *Loader) LoadDither(desc DitherDesc, w Window) ([]*models.DitherData, error) {
	if len(desc.Exposures) == 0 {
		return nil, fmt.Errorf("dither has no exposures")
	}

	pixOffX, pixOffY := l.Calc.Instrument.Calibration.ToPixel(desc.PosX, desc.PosY)

	segments := make([]*models.DitherData, 0, len(desc.Exposures))
	for _, exp := range desc.Exposures {
		expWindow := w
		expWindow.Start += exp.StartOffset

		records, err := l.loadExposure(exp, expWindow)
		if err != nil {
			return nil, err
		}

		data := &models.DitherData{
			SourceID: exp.ID,
			Duration: w.Duration,
			Metadata: make(map[string]models.MetadataSeries),
		}
		for _, p := range records {
			data.Timestamps = append(data.Timestamps, p.Time)
			data.Wavelengths = append(data.Wavelengths, p.Wavelength)
			data.Weights = append(data.Weights, p.Weight)
			data.PixelX = append(data.PixelX, p.PixelX)
			data.PixelY = append(data.PixelY, p.PixelY)
		}

		if err := l.mergeMetadata(data, exp); err != nil {
			return nil, err
		}

		transforms, samples, err := l.Calc.TransformSequence(pixOffX, pixOffY,
			exp.StartUnix, expWindow.Start, w.Duration, l.WCSStep)
		if err != nil {
			return nil, fmt.Errorf("transform sequence for exposure %s: %w", exp.ID, err)
		}
		data.Transforms = transforms
		data.SampleTimes = samples

		if err := data.Validate(); err != nil {
			return nil, err
		}
		segments = append(segments, data)
	}
	return segments, nil
}

// loadExposure queries one exposure's window and removes photons whose
// detector pixel carries any disallowed flag.
func (l *Loader) loadExposure(exp ExposureRef, w Window) ([]models.PhotonRecord, error) {
	records, err := l.Source.Query(exp.ID, w)
	if err != nil {
		return nil, fmt.Errorf("querying exposure %s: %w", exp.ID, err)
	}
	if len(records) == 0 {
		l.Log.Warn("no photons in window; is the exposure wavelength calibrated?",
			"exposure", exp.ID, "wvlMin", w.WvlMin, "wvlMax", w.WvlMax,
			"start", w.Start, "duration", w.Duration)
		return nil, nil
	}

	flags, err := l.Source.PixelFlags(exp.ID)
	if err != nil {
		return nil, fmt.Errorf("pixel flags for exposure %s: %w", exp.ID, err)
	}

	kept := records[:0]
	for _, p := range records {
		if !l.pixelExcluded(flags, p.PixelX, p.PixelY) {
			kept = append(kept, p)
		}
	}
	if removed := len(records) - len(kept); removed > 0 {
		l.Log.Info("removed flagged photons", "exposure", exp.ID,
			"removed", removed, "total", len(records))
	}
	return kept, nil
}

func (l *Loader) pixelExcluded(flags map[int][]string, x, y int) bool {
	pixFlags, ok := flags[y*l.Calc.Instrument.ShapeX+x]
	if !ok {
		return false
	}
	for _, f := range pixFlags {
		if l.Exclude[f] {
			return true
		}
	}
	return false
}

// mergeMetadata folds one exposure's metadata into the dither series,
// promoting scalars to single-sample series.
func (l *Loader) mergeMetadata(data *models.DitherData, exp ExposureRef) error {
	md, err := l.Source.Metadata(exp.ID)
	if err != nil {
		return fmt.Errorf("metadata for exposure %s: %w", exp.ID, err)
	}
	for key, value := range md {
		series := data.Metadata[key]
		if sub, ok := value.(models.MetadataSeries); ok {
			series.Extend(sub)
		} else {
			series.Add(exp.StartUnix, value)
		}
		data.Metadata[key] = series
	}
	return nil
}
