package photons

import (
	"os"
	"path/filepath"
	"testing"
)

// TestFileSourceQuery verifies windowing against an on-disk exposure
// table: half-open in time, closed in wavelength
func TestFileSourceQuery(t *testing.T) {
	source, _ := writeTestDataset(t)

	records, err := source.Query("exp1", Window{WvlMin: 700, WvlMax: 1500, Start: 0, Duration: 10})
	if err != nil {
		t.Fatalf("Expected query to succeed, got error: %v", err)
	}
	// Of the five photons: t=10s is outside the half-open window,
	// wvl=1600 is outside the window; wvl=1500 is kept (closed)
	if len(records) != 3 {
		t.Fatalf("Expected 3 photons in the window, got %d", len(records))
	}
	if records[0].Time != 0 || records[0].Wavelength != 800 {
		t.Errorf("Expected first photon (t=0, 800nm), got (t=%d, %fnm)", records[0].Time, records[0].Wavelength)
	}
	for i, r := range records {
		if r.Weight != 1.0 {
			t.Errorf("Photon %d: expected unit weight for a table without weights, got %f", i, r.Weight)
		}
	}

	// A narrower time window drops the late photon
	records, err = source.Query("exp1", Window{WvlMin: 700, WvlMax: 1500, Start: 0, Duration: 5})
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Errorf("Expected 2 photons in the narrow window, got %d", len(records))
	}
}

// TestFileSourceFlagsAndMetadata verifies the auxiliary lookups
func TestFileSourceFlagsAndMetadata(t *testing.T) {
	source, _ := writeTestDataset(t)

	flags, err := source.PixelFlags("exp1")
	if err != nil {
		t.Fatalf("Expected flags, got error: %v", err)
	}
	if len(flags[3]) != 1 || flags[3][0] != "pixcal.hot" {
		t.Errorf("Expected pixel 3 flagged hot, got %v", flags[3])
	}

	md, err := source.Metadata("exp1")
	if err != nil {
		t.Fatalf("Expected metadata, got error: %v", err)
	}
	if md["RA"] != 150.0 || md["DEC"] != 2.0 {
		t.Errorf("Expected pointing metadata (150, 2), got (%v, %v)", md["RA"], md["DEC"])
	}

	if _, err := source.Query("ghost", Window{}); err == nil {
		t.Error("Expected error for an unknown exposure, got nil")
	}
}

// TestManifestDitherDescs verifies the manifest-to-descriptor mapping
// preserves declared order
func TestManifestDitherDescs(t *testing.T) {
	_, manifest := writeTestDataset(t)

	descs := manifest.DitherDescs()
	if len(descs) != 1 {
		t.Fatalf("Expected 1 dither, got %d", len(descs))
	}
	if descs[0].PosX != 0.1 || descs[0].PosY != -0.2 {
		t.Errorf("Expected position (0.1, -0.2), got (%f, %f)", descs[0].PosX, descs[0].PosY)
	}
	if descs[0].Exposures[0].ID != "exp1" || descs[0].Exposures[0].Duration != 10 {
		t.Errorf("Unexpected exposure ref: %+v", descs[0].Exposures[0])
	}
}

// TestLoadManifestValidation verifies malformed manifests are rejected
func TestLoadManifestValidation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"no dithers", `
name: empty
instrument: {shape_x: 10, shape_y: 10, plate_scale_deg: 1e-5}
dithers: []
`},
		{"bad instrument", `
name: flat
instrument: {shape_x: 0, shape_y: 10, plate_scale_deg: 1e-5}
dithers:
  - pos_x: 0
    pos_y: 0
    exposures: [{id: a, file: a.gob, start_unix: 1, duration: 1}]
`},
		{"duplicate exposure ids", `
name: dup
instrument: {shape_x: 10, shape_y: 10, plate_scale_deg: 1e-5}
dithers:
  - pos_x: 0
    pos_y: 0
    exposures:
      - {id: a, file: a.gob, start_unix: 1, duration: 1}
      - {id: a, file: b.gob, start_unix: 2, duration: 1}
`},
		{"missing file name", `
name: nofile
instrument: {shape_x: 10, shape_y: 10, plate_scale_deg: 1e-5}
dithers:
  - pos_x: 0
    pos_y: 0
    exposures: [{id: a, start_unix: 1, duration: 1}]
`},
	}
	for _, tc := range cases {
		path := filepath.Join(t.TempDir(), "manifest.yaml")
		if err := os.WriteFile(path, []byte(tc.yaml), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadManifest(path); err == nil {
			t.Errorf("%s: expected a validation error, got nil", tc.name)
		}
	}
}

// writeTestDataset lays out a one-dither dataset in a temp directory
// and opens a FileSource over it.
func writeTestDataset(t *testing.T) (*FileSource, *Manifest) {
	t.Helper()
	dir := t.TempDir()

	tbl := &ExposureTable{
		Times:       []int64{0, 2_000_000, 7_000_000, 10_000_000, 3_000_000},
		Wavelengths: []float64{800, 1500, 900, 800, 1600},
		PixelX:      []int{1, 2, 3, 4, 5},
		PixelY:      []int{0, 0, 0, 0, 0},
		Flags:       map[int][]string{3: {"pixcal.hot"}},
		Metadata:    map[string]interface{}{"RA": 150.0, "DEC": 2.0},
	}
	if err := WriteExposureTable(filepath.Join(dir, "exp1.gob"), tbl); err != nil {
		t.Fatalf("Failed to write exposure table: %v", err)
	}

	manifestYAML := `
name: testset
instrument:
  shape_x: 10
  shape_y: 10
  plate_scale_deg: 1e-5
dithers:
  - pos_x: 0.1
    pos_y: -0.2
    exposures:
      - id: exp1
        file: exp1.gob
        start_unix: 1.6e9
        duration: 10
`
	path := filepath.Join(dir, "manifest.yaml")
	if err := os.WriteFile(path, []byte(manifestYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	source, manifest, err := NewFileSource(path)
	if err != nil {
		t.Fatalf("Failed to open file source: %v", err)
	}
	return source, manifest
}
