// Package canvas derives the shared output sky grid that all dithers
// are drizzled onto, and combines the per-dither metadata that
// describes it.
package canvas

import (
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/stat"

	"drizzlecomposer/internal/models"
)

// safetyMargin is the perimeter, in pixels, added around the derived
// canvas. A frame falling partly off the canvas contributes nothing
// there, so the grid errs on the large side.
const safetyMargin = 100

// Params configure canvas derivation.
type Params struct {
	// ShapeX, ShapeY override the derived shape when both positive
	ShapeX, ShapeY int

	// ForceSquare expands the derived shape to a square using the
	// larger axis
	ForceSquare bool

	// DetShapeX, DetShapeY is the detector pixel grid shape
	DetShapeX, DetShapeY int

	// PlateScaleDeg is the canvas pixel scale in degrees per pixel,
	// normally the detector's
	PlateScaleDeg float64

	// Sky is the shared reference point all dithers must point at
	Sky models.SkyPoint

	// TargetOffsetX, TargetOffsetY nudge the reference pixel off the
	// canvas center to place a known target precisely
	TargetOffsetX, TargetOffsetY float64

	// Log receives the oversize warning
	Log *slog.Logger
}

// Build computes the output grid for a run. With no explicit shape the
// minimal grid covering every dither's transform span is derived from
// the first and last reference pixel of each dither, plus the safety
// margin.
func Build(dithers []*models.DitherData, p Params) (*models.Canvas, error) {
	if len(dithers) == 0 {
		return nil, fmt.Errorf("no dithers to build a canvas from")
	}

	shapeX, shapeY := p.ShapeX, p.ShapeY
	if shapeX <= 0 || shapeY <= 0 {
		minX, minY := math.Inf(1), math.Inf(1)
		maxX, maxY := math.Inf(-1), math.Inf(-1)
		for _, d := range dithers {
			// The extreme reference pixels of a dither occur at its
			// first and last transform sample
			for _, tr := range []models.TransformDescriptor{d.Transforms[0], d.Transforms[len(d.Transforms)-1]} {
				minX = math.Min(minX, tr.RefPixelX)
				minY = math.Min(minY, tr.RefPixelY)
				maxX = math.Max(maxX, tr.RefPixelX)
				maxY = math.Max(maxY, tr.RefPixelY)
			}
		}
		shapeX = 2*int(math.Ceil(maxX-minX)) + p.DetShapeX + safetyMargin
		shapeY = 2*int(math.Ceil(maxY-minY)) + p.DetShapeY + safetyMargin
	}

	if p.ForceSquare {
		if shapeX > shapeY {
			shapeY = shapeX
		} else {
			shapeX = shapeY
		}
	}

	// Equivalent to dithering along a line: a sane canvas never beats
	// dither count times the detector extent
	nominal := len(dithers) * maxInt(p.DetShapeX, p.DetShapeY)
	if maxInt(shapeX, shapeY) > nominal && p.Log != nil {
		p.Log.Warn("canvas grid exceeds maximum nominal extent of dithers",
			"shapeX", shapeX, "shapeY", shapeY, "nominal", nominal)
	}

	c := &models.Canvas{
		ShapeX: shapeX,
		ShapeY: shapeY,
		Transform: models.TransformDescriptor{
			RefPixelX:  float64(shapeX)/2 + p.TargetOffsetX,
			RefPixelY:  float64(shapeY)/2 + p.TargetOffsetY,
			RefSky:     p.Sky,
			PixelScale: p.PlateScaleDeg,
			Rotation:   0,
			ShapeX:     shapeX,
			ShapeY:     shapeY,
		},
		Metadata: CombineMetadata(dithers),
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// CombineMetadata merges every dither's metadata series into one
// mapping, key by key.
func CombineMetadata(dithers []*models.DitherData) map[string]models.MetadataSeries {
	combined := make(map[string]models.MetadataSeries)
	for _, d := range dithers {
		for key, series := range d.Metadata {
			dst := combined[key]
			dst.Extend(series)
			combined[key] = dst
		}
	}
	return combined
}

// FlattenMetadata reduces each series to a single header value: a
// constant series keeps its value, numeric series are averaged, and
// anything else keeps the value at the start of the dither sequence.
func FlattenMetadata(meta map[string]models.MetadataSeries, log *slog.Logger) map[string]interface{} {
	flat := make(map[string]interface{}, len(meta))
	for key, series := range meta {
		if len(series.Values) == 0 {
			continue
		}
		if series.Scalar() {
			flat[key] = series.Values[0]
			continue
		}
		if nums, ok := numericValues(series); ok {
			flat[key] = stat.Mean(nums, nil)
			continue
		}
		if log != nil {
			log.Info("cannot average metadata key, using value at start of dither sequence", "key", key)
		}
		flat[key] = series.Values[0]
	}
	return flat
}

func numericValues(series models.MetadataSeries) ([]float64, bool) {
	nums := make([]float64, len(series.Values))
	for i, v := range series.Values {
		switch n := v.(type) {
		case float64:
			nums[i] = n
		case int:
			nums[i] = float64(n)
		case int64:
			nums[i] = float64(n)
		default:
			return nil, false
		}
	}
	return nums, true
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
