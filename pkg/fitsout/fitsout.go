// Package fitsout serializes a finished composite to a FITS file: a
// primary HDU carrying the combined observation metadata, the rate and
// variance cubes as image extensions with the WCS solution, and the
// bin edges as binary tables.
package fitsout

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/astrogo/fitsio"

	"drizzlecomposer/internal/models"
)

// Extra holds run parameters recorded in the primary header alongside
// the combined observation metadata.
type Extra struct {
	// Pixfrac is the drop shrink factor used for the composite
	Pixfrac float64

	// WCSStep is the transform sample cadence in seconds
	WCSStep float64
}

// WriteFile writes the composite to path, creating or truncating it.
func WriteFile(path string, cube *models.OutputCube, meta map[string]interface{}, extra Extra) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer f.Close()
	if err := Write(f, cube, meta, extra); err != nil {
		return err
	}
	return f.Close()
}

// Write streams the composite to w as a FITS file.
func Write(w io.Writer, cube *models.OutputCube, meta map[string]interface{}, extra Extra) error {
	fits, err := fitsio.Create(w)
	if err != nil {
		return fmt.Errorf("failed to open FITS stream: %w", err)
	}
	defer fits.Close()

	primary := fitsio.NewImage(8, []int{})
	defer primary.Close()
	if err := primary.Header().Append(metaCards(meta)...); err != nil {
		return fmt.Errorf("failed to build primary header: %w", err)
	}
	if err := fits.Write(primary); err != nil {
		return fmt.Errorf("failed to append primary HDU: %w", err)
	}

	science := scienceCards(cube, extra)
	rateCards := append([]fitsio.Card{
		{Name: "EXTNAME", Value: "CPS", Comment: "per-pixel count rate"},
		{Name: "BUNIT", Value: "photons/s"},
	}, science...)
	if err := writeImage(fits, cube, rateCards, cube.Rate, "rate"); err != nil {
		return err
	}

	varCards := append([]fitsio.Card{
		{Name: "EXTNAME", Value: "VARIANCE", Comment: "Poisson variance of the rate cube"},
		{Name: "BUNIT", Value: "(photons/s)^2"},
	}, science...)
	if err := writeImage(fits, cube, varCards, cube.Variance, "variance"); err != nil {
		return err
	}

	if cube.Transform.HasTime {
		if err := writeEdgeTable(fits, "s", cube.TimeEdges); err != nil {
			return err
		}
	}
	if cube.Transform.HasWvl {
		if err := writeEdgeTable(fits, "nm", cube.WvlEdges); err != nil {
			return err
		}
	}
	return nil
}

func writeImage(fits *fitsio.File, cube *models.OutputCube, cards []fitsio.Card, data []float64, what string) error {
	im := fitsio.NewImage(-64, cubeDims(cube))
	defer im.Close()
	if err := im.Header().Append(cards...); err != nil {
		return fmt.Errorf("failed to build %s header: %w", what, err)
	}
	if err := im.Write(data); err != nil {
		return fmt.Errorf("failed to write %s cube: %w", what, err)
	}
	if err := fits.Write(im); err != nil {
		return fmt.Errorf("failed to append %s HDU: %w", what, err)
	}
	return nil
}

// cubeDims lists the FITS axes fastest-first, matching the flat layout
// of the cube arrays. Degenerate axes are dropped.
func cubeDims(cube *models.OutputCube) []int {
	dims := []int{cube.ShapeX, cube.ShapeY}
	if cube.Transform.HasWvl {
		dims = append(dims, cube.NWvl)
	}
	if cube.Transform.HasTime {
		dims = append(dims, cube.NTime)
	}
	return dims
}

// scienceCards is the shared header of the rate and variance
// extensions: the WCS solution plus the run parameters that fix it.
func scienceCards(cube *models.OutputCube, extra Extra) []fitsio.Card {
	cards := []fitsio.Card{
		{Name: "PIXFRAC", Value: extra.Pixfrac, Comment: "drizzle drop shrink factor"},
		{Name: "WCSTIME", Value: extra.WCSStep, Comment: "transform sample cadence [s]"},
	}
	return append(cards, wcsCards(cube)...)
}

// wcsCards encodes the tangent-plane solution plus the spectral and
// temporal axes when present.
func wcsCards(cube *models.OutputCube) []fitsio.Card {
	tr := cube.Transform.Spatial
	// FITS reference pixels are 1-based
	cards := []fitsio.Card{
		{Name: "CTYPE1", Value: "RA---TAN"},
		{Name: "CTYPE2", Value: "DEC--TAN"},
		{Name: "CRPIX1", Value: tr.RefPixelX + 1},
		{Name: "CRPIX2", Value: tr.RefPixelY + 1},
		{Name: "CRVAL1", Value: tr.RefSky.RA},
		{Name: "CRVAL2", Value: tr.RefSky.Dec},
		{Name: "CDELT1", Value: -tr.PixelScale},
		{Name: "CDELT2", Value: tr.PixelScale},
		{Name: "CUNIT1", Value: "deg"},
		{Name: "CUNIT2", Value: "deg"},
	}
	axis := 3
	if cube.Transform.HasWvl {
		cards = append(cards,
			fitsio.Card{Name: fmt.Sprintf("CTYPE%d", axis), Value: "WAVE"},
			fitsio.Card{Name: fmt.Sprintf("CRPIX%d", axis), Value: 1},
			fitsio.Card{Name: fmt.Sprintf("CRVAL%d", axis), Value: cube.Transform.WvlStart + cube.Transform.WvlDelta/2},
			fitsio.Card{Name: fmt.Sprintf("CDELT%d", axis), Value: cube.Transform.WvlDelta},
			fitsio.Card{Name: fmt.Sprintf("CUNIT%d", axis), Value: "nm"},
		)
		axis++
	}
	if cube.Transform.HasTime {
		cards = append(cards,
			fitsio.Card{Name: fmt.Sprintf("CTYPE%d", axis), Value: "TIME"},
			fitsio.Card{Name: fmt.Sprintf("CRPIX%d", axis), Value: 1},
			fitsio.Card{Name: fmt.Sprintf("CRVAL%d", axis), Value: cube.Transform.TimeStart + cube.Transform.TimeDelta/2},
			fitsio.Card{Name: fmt.Sprintf("CDELT%d", axis), Value: cube.Transform.TimeDelta},
			fitsio.Card{Name: fmt.Sprintf("CUNIT%d", axis), Value: "s"},
		)
	}
	return cards
}

// metaCards converts flattened observation metadata into header cards,
// skipping keys that truncate to the same name and values FITS cannot
// represent. Keys are emitted in sorted order so identical runs
// produce identical headers.
func metaCards(meta map[string]interface{}) []fitsio.Card {
	keys := make([]string, 0, len(meta))
	for key := range meta {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	taken := make(map[string]bool, len(meta))
	cards := make([]fitsio.Card, 0, len(meta))
	for _, key := range keys {
		val := meta[key]
		name := strings.ToUpper(key)
		if len(name) > 8 {
			name = name[:8]
		}
		if taken[name] {
			continue
		}
		switch val.(type) {
		case float64, int, int64, bool, string:
		default:
			continue
		}
		taken[name] = true
		cards = append(cards, fitsio.Card{Name: name, Value: val})
	}
	return cards
}

// edgeRow is one bin edge in a CUBE_EDGES table.
type edgeRow struct {
	Edge float64 `fits:"edges"`
}

func writeEdgeTable(fits *fitsio.File, unit string, edges []float64) error {
	tbl, err := fitsio.NewTable("CUBE_EDGES", []fitsio.Column{{Name: "edges", Format: "D"}}, fitsio.BINARY_TBL)
	if err != nil {
		return fmt.Errorf("failed to create %s edge table: %w", unit, err)
	}
	defer tbl.Close()
	if err := tbl.Header().Append(fitsio.Card{Name: "UNIT", Value: unit, Comment: "Bin unit"}); err != nil {
		return fmt.Errorf("failed to set %s edge unit: %w", unit, err)
	}
	for _, e := range edges {
		if err := tbl.Write(&edgeRow{Edge: e}); err != nil {
			return fmt.Errorf("failed to write %s edge row: %w", unit, err)
		}
	}
	if err := fits.Write(tbl); err != nil {
		return fmt.Errorf("failed to append %s edge table: %w", unit, err)
	}
	return nil
}
