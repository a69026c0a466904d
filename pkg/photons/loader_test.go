package photons

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"drizzlecomposer/internal/models"
	"drizzlecomposer/pkg/astrometry"
)

// fakeSource is an in-memory Source for loader tests.
type fakeSource struct {
	records  map[string][]models.PhotonRecord
	flags    map[string]map[int][]string
	metadata map[string]map[string]interface{}
	queryErr error
}

func (s *fakeSource) Query(id string, w Window) ([]models.PhotonRecord, error) {
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	return s.records[id], nil
}

func (s *fakeSource) PixelFlags(id string) (map[int][]string, error) {
	return s.flags[id], nil
}

func (s *fakeSource) Metadata(id string) (map[string]interface{}, error) {
	md := s.metadata[id]
	if md == nil {
		md = map[string]interface{}{}
	}
	return md, nil
}

// TestLoadDither verifies photon assembly, flag culling and metadata
// promotion for a single-exposure dither
func TestLoadDither(t *testing.T) {
	source := &fakeSource{
		records: map[string][]models.PhotonRecord{
			"exp1": {
				{Time: 100, Wavelength: 800, Weight: 1, PixelX: 1, PixelY: 0},
				{Time: 200, Wavelength: 900, Weight: 1, PixelX: 2, PixelY: 0},
				{Time: 300, Wavelength: 950, Weight: 1, PixelX: 3, PixelY: 0},
			},
		},
		flags: map[string]map[int][]string{
			"exp1": {2: {"pixcal.hot"}}, // pixel (2, 0)
		},
		metadata: map[string]map[string]interface{}{
			"exp1": {"AIRMASS": 1.3},
		},
	}

	loader := testLoader(source)
	desc := DitherDesc{Exposures: []ExposureRef{{ID: "exp1", StartUnix: 1.6e9, Duration: 10}}}

	segments, err := loader.LoadDither(desc, Window{WvlMin: 700, WvlMax: 1500, Duration: 10})
	if err != nil {
		t.Fatalf("Expected dither data, got error: %v", err)
	}
	if len(segments) != 1 {
		t.Fatalf("Expected 1 segment for a single-exposure dither, got %d", len(segments))
	}
	data := segments[0]

	if data.NumPhotons() != 2 {
		t.Errorf("Expected 2 photons after culling the hot pixel, got %d", data.NumPhotons())
	}
	for i, x := range data.PixelX {
		if x == 2 {
			t.Errorf("Photon %d: expected hot pixel 2 culled", i)
		}
	}

	if len(data.Transforms) < 2 || len(data.SampleTimes) != len(data.Transforms) {
		t.Errorf("Expected an attached transform sequence, got %d transforms / %d samples",
			len(data.Transforms), len(data.SampleTimes))
	}

	series, ok := data.Metadata["AIRMASS"]
	if !ok || len(series.Values) != 1 || series.Values[0] != 1.3 {
		t.Errorf("Expected AIRMASS promoted to a single-sample series, got %v", series.Values)
	}
}

// TestLoadDitherEmptyExposure verifies an empty query is a warning, not
// an error
func TestLoadDitherEmptyExposure(t *testing.T) {
	source := &fakeSource{}
	loader := testLoader(source)
	desc := DitherDesc{Exposures: []ExposureRef{{ID: "exp1", StartUnix: 1.6e9, Duration: 10}}}

	segments, err := loader.LoadDither(desc, Window{WvlMin: 700, WvlMax: 1500, Duration: 10})
	if err != nil {
		t.Fatalf("Expected empty dither to load, got error: %v", err)
	}
	if len(segments) != 1 || segments[0].NumPhotons() != 0 {
		t.Errorf("Expected one empty segment, got %d segments", len(segments))
	}
}

// TestLoadDitherMultiExposure verifies a multi-exposure dither yields
// one segment per exposure, each on its own exposure clock with its
// own transform sequence
func TestLoadDitherMultiExposure(t *testing.T) {
	source := &fakeSource{
		records: map[string][]models.PhotonRecord{
			"exp1": {{Time: 500, Wavelength: 800, Weight: 1, PixelX: 0, PixelY: 0}},
			"exp2": {{Time: 500, Wavelength: 800, Weight: 1, PixelX: 0, PixelY: 0}},
		},
	}
	loader := testLoader(source)
	loader.Calc.Derotate = true
	desc := DitherDesc{Exposures: []ExposureRef{
		{ID: "exp1", StartUnix: 1.6e9, Duration: 10},
		{ID: "exp2", StartUnix: 1.6e9 + 10, Duration: 10},
	}}

	segments, err := loader.LoadDither(desc, Window{WvlMin: 700, WvlMax: 1500, Duration: 10})
	if err != nil {
		t.Fatalf("Expected dither data, got error: %v", err)
	}
	if len(segments) != 2 {
		t.Fatalf("Expected 2 segments, got %d", len(segments))
	}
	for i, seg := range segments {
		if seg.NumPhotons() != 1 || seg.Timestamps[0] != 500 {
			t.Errorf("Segment %d: expected one photon on its own exposure clock, got %v", i, seg.Timestamps)
		}
		if seg.SampleTimes[0] != 0 || seg.SampleTimes[len(seg.SampleTimes)-1] != 10 {
			t.Errorf("Segment %d: expected sample times spanning [0, 10], got [%f, %f]",
				i, seg.SampleTimes[0], seg.SampleTimes[len(seg.SampleTimes)-1])
		}
	}
	if segments[0].SourceID != "exp1" || segments[1].SourceID != "exp2" {
		t.Errorf("Expected segments in exposure order, got %s, %s",
			segments[0].SourceID, segments[1].SourceID)
	}
	if segments[1].Transforms[0].Rotation == segments[0].Transforms[0].Rotation {
		t.Error("Expected the later exposure's transforms to carry the accumulated sky rotation")
	}
}

// TestLoadDitherQueryError verifies upstream failures propagate
func TestLoadDitherQueryError(t *testing.T) {
	source := &fakeSource{queryErr: errors.New("table unreadable")}
	loader := testLoader(source)
	desc := DitherDesc{Exposures: []ExposureRef{{ID: "exp1", StartUnix: 1.6e9, Duration: 10}}}

	if _, err := loader.LoadDither(desc, Window{WvlMin: 700, WvlMax: 1500, Duration: 10}); err == nil {
		t.Error("Expected query error to propagate, got nil")
	}
}

func testLoader(source Source) *Loader {
	site, _ := astrometry.LookupSite("Subaru")
	calc := &astrometry.Calculator{
		Site:     site,
		Provider: astrometry.FixedEphemeris{},
		Instrument: astrometry.Instrument{
			ShapeX:        10,
			ShapeY:        10,
			PlateScaleDeg: 1e-5,
			Calibration:   astrometry.DefaultCalibration,
		},
		Sky:      models.SkyPoint{RA: 150.0, Dec: 2.0},
		ObsStart: 1.6e9,
	}
	return &Loader{
		Source:  source,
		Calc:    calc,
		Exclude: map[string]bool{"pixcal.hot": true},
		WCSStep: 5,
		Log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}
