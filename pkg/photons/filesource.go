package photons

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"drizzlecomposer/internal/models"
)

func init() {
	// Metadata values travel through gob as interface{}
	gob.Register(float64(0))
	gob.Register(int(0))
	gob.Register(int64(0))
	gob.Register("")
	gob.Register(false)
}

// Manifest describes a dither dataset on disk: the instrument that took
// it and the dither positions with their exposure files. Exposure file
// names are resolved relative to the manifest's directory.
type Manifest struct {
	// Name identifies the dataset, namespacing its cache entries
	Name string `yaml:"name"`

	// Instrument describes the detector the dataset was taken with
	Instrument ManifestInstrument `yaml:"instrument"`

	// Dithers lists the dither positions in declared order
	Dithers []ManifestDither `yaml:"dithers"`
}

// ManifestInstrument is the detector description of a dataset.
type ManifestInstrument struct {
	// ShapeX, ShapeY is the detector pixel grid shape
	ShapeX int `yaml:"shape_x"`
	ShapeY int `yaml:"shape_y"`

	// PlateScaleDeg is the detector plate scale in degrees per pixel
	PlateScaleDeg float64 `yaml:"plate_scale_deg"`

	// SlopeX, SlopeY, ZeroX, ZeroY define the linear actuator-to-pixel
	// map; all zero selects the built-in calibration
	SlopeX float64 `yaml:"slope_x"`
	SlopeY float64 `yaml:"slope_y"`
	ZeroX  float64 `yaml:"zero_x"`
	ZeroY  float64 `yaml:"zero_y"`
}

// ManifestDither is one dither position in a manifest.
type ManifestDither struct {
	// PosX, PosY is the actuator position held during the exposures
	PosX float64 `yaml:"pos_x"`
	PosY float64 `yaml:"pos_y"`

	// Exposures lists the exposures taken at this position
	Exposures []ManifestExposure `yaml:"exposures"`
}

// ManifestExposure points at one exposure table file.
type ManifestExposure struct {
	// ID is the exposure identifier, unique within the dataset
	ID string `yaml:"id"`

	// File is the exposure table file, relative to the manifest
	File string `yaml:"file"`

	// StartUnix is the exposure start time in unix seconds
	StartUnix float64 `yaml:"start_unix"`

	// StartOffset is the offset into the exposure at which valid data
	// begins, in seconds
	StartOffset float64 `yaml:"start_offset"`

	// Duration is the exposure dwell time in seconds
	Duration float64 `yaml:"duration"`
}

// LoadManifest reads and validates a dataset manifest.
func LoadManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if m.Instrument.ShapeX <= 0 || m.Instrument.ShapeY <= 0 {
		return nil, fmt.Errorf("manifest instrument shape must be positive, got %dx%d",
			m.Instrument.ShapeX, m.Instrument.ShapeY)
	}
	if m.Instrument.PlateScaleDeg <= 0 {
		return nil, fmt.Errorf("manifest plate scale must be positive")
	}
	if len(m.Dithers) == 0 {
		return nil, fmt.Errorf("manifest lists no dithers")
	}
	seen := make(map[string]bool)
	for i, d := range m.Dithers {
		if len(d.Exposures) == 0 {
			return nil, fmt.Errorf("dither %d lists no exposures", i)
		}
		for _, exp := range d.Exposures {
			if exp.ID == "" || exp.File == "" {
				return nil, fmt.Errorf("dither %d has an exposure without id or file", i)
			}
			if seen[exp.ID] {
				return nil, fmt.Errorf("duplicate exposure id %q", exp.ID)
			}
			seen[exp.ID] = true
		}
	}
	return &m, nil
}

// DitherDescs converts the manifest's dithers into loader descriptors,
// preserving declared order.
func (m *Manifest) DitherDescs() []DitherDesc {
	descs := make([]DitherDesc, len(m.Dithers))
	for i, d := range m.Dithers {
		desc := DitherDesc{PosX: d.PosX, PosY: d.PosY}
		for _, exp := range d.Exposures {
			desc.Exposures = append(desc.Exposures, ExposureRef{
				ID:          exp.ID,
				StartUnix:   exp.StartUnix,
				StartOffset: exp.StartOffset,
				Duration:    exp.Duration,
			})
		}
		descs[i] = desc
	}
	return descs
}

// ExposureTable is the on-disk photon table of one exposure, gob
// encoded. Times are microseconds relative to the exposure start.
type ExposureTable struct {
	Times       []int64
	Wavelengths []float64

	// Weights are the spectral calibration weights; nil means unit
	// weight for every photon
	Weights []float64

	PixelX []int
	PixelY []int

	// Flags holds per-pixel quality flag sets keyed by (y*shapeX + x)
	Flags map[int][]string

	Metadata map[string]interface{}
}

// WriteExposureTable gob-encodes one exposure table to path.
func WriteExposureTable(path string, tbl *ExposureTable) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create exposure table: %w", err)
	}
	defer f.Close()
	if err := gob.NewEncoder(f).Encode(tbl); err != nil {
		return fmt.Errorf("failed to encode exposure table: %w", err)
	}
	return f.Close()
}

// FileSource serves photon queries from exposure table files listed in
// a manifest. Tables are decoded once and kept; concurrent queries from
// the worker pool share the decoded copies.
type FileSource struct {
	dir   string
	files map[string]string

	mu     sync.Mutex
	loaded map[string]*ExposureTable
}

// NewFileSource opens the manifest at path and returns a source over
// its exposure tables.
func NewFileSource(path string) (*FileSource, *Manifest, error) {
	m, err := LoadManifest(path)
	if err != nil {
		return nil, nil, err
	}
	s := &FileSource{
		dir:    filepath.Dir(path),
		files:  make(map[string]string),
		loaded: make(map[string]*ExposureTable),
	}
	for _, d := range m.Dithers {
		for _, exp := range d.Exposures {
			s.files[exp.ID] = filepath.Join(s.dir, exp.File)
		}
	}
	return s, m, nil
}

func (s *FileSource) table(exposureID string) (*ExposureTable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tbl, ok := s.loaded[exposureID]; ok {
		return tbl, nil
	}
	path, ok := s.files[exposureID]
	if !ok {
		return nil, fmt.Errorf("unknown exposure %q", exposureID)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open exposure table: %w", err)
	}
	defer f.Close()
	var tbl ExposureTable
	if err := gob.NewDecoder(f).Decode(&tbl); err != nil {
		return nil, fmt.Errorf("failed to decode exposure table %s: %w", path, err)
	}
	n := len(tbl.Times)
	if len(tbl.Wavelengths) != n || len(tbl.PixelX) != n || len(tbl.PixelY) != n ||
		(tbl.Weights != nil && len(tbl.Weights) != n) {
		return nil, fmt.Errorf("exposure table %s has mismatched column lengths", path)
	}
	s.loaded[exposureID] = &tbl
	return &tbl, nil
}

// Query returns the photons of one exposure inside the window, on the
// exposure's own clock. The time window is half open, the wavelength
// window closed.
func (s *FileSource) Query(exposureID string, w Window) ([]models.PhotonRecord, error) {
	tbl, err := s.table(exposureID)
	if err != nil {
		return nil, err
	}
	t0 := int64(w.Start * 1e6)
	t1 := int64((w.Start + w.Duration) * 1e6)
	var records []models.PhotonRecord
	for i, t := range tbl.Times {
		if t < t0 || t >= t1 {
			continue
		}
		if tbl.Wavelengths[i] < w.WvlMin || tbl.Wavelengths[i] > w.WvlMax {
			continue
		}
		weight := 1.0
		if tbl.Weights != nil {
			weight = tbl.Weights[i]
		}
		records = append(records, models.PhotonRecord{
			Time:       t,
			Wavelength: tbl.Wavelengths[i],
			Weight:     weight,
			PixelX:     tbl.PixelX[i],
			PixelY:     tbl.PixelY[i],
		})
	}
	return records, nil
}

// PixelFlags returns the exposure's per-pixel quality flag sets.
func (s *FileSource) PixelFlags(exposureID string) (map[int][]string, error) {
	tbl, err := s.table(exposureID)
	if err != nil {
		return nil, err
	}
	return tbl.Flags, nil
}

// Metadata returns the exposure's free-form metadata.
func (s *FileSource) Metadata(exposureID string) (map[string]interface{}, error) {
	tbl, err := s.table(exposureID)
	if err != nil {
		return nil, err
	}
	return tbl.Metadata, nil
}
