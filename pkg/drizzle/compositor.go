package drizzle

import (
	"fmt"

	"drizzlecomposer/internal/models"
	"drizzlecomposer/pkg/hypercube"
)

// SkyRefTolDeg is the maximum allowed disagreement, in degrees, between
// a dither transform's reference sky point and the canvas's. Beyond
// this the dithers do not share a pointing center and compositing them
// would silently bias the photometry.
const SkyRefTolDeg = 1e-4

// Compositor accumulates per-dither hypercubes onto the canvas. It is
// strictly single-threaded: the output cube is shared mutable state and
// the coordinator hands dithers to AddDither one at a time, in declared
// dither order.
type Compositor struct {
	// Canvas is the shared output grid, read-only
	Canvas *models.Canvas

	// Pixfrac is the drizzle pixel shrink factor
	Pixfrac float64

	// TimeEdges, WvlEdges are the output bin edges
	TimeEdges, WvlEdges []float64

	out *models.OutputCube
}

// NewCompositor prepares an empty accumulation over the canvas and the
// output binning.
func NewCompositor(canvas *models.Canvas, pixfrac float64, timeEdges, wvlEdges []float64) (*Compositor, error) {
	if err := canvas.Validate(); err != nil {
		return nil, err
	}
	if pixfrac <= 0 || pixfrac > 1 {
		return nil, fmt.Errorf("pixfrac must be in (0, 1], got %g", pixfrac)
	}
	return &Compositor{
		Canvas:    canvas,
		Pixfrac:   pixfrac,
		TimeEdges: timeEdges,
		WvlEdges:  wvlEdges,
		out:       models.NewOutputCube(len(timeEdges)-1, len(wvlEdges)-1, canvas.ShapeY, canvas.ShapeX),
	}, nil
}

// AddDither drizzles one dither's hypercube onto the canvas. The cube
// must have been binned on the fine time grid for this dither
// (FineTimeEdges of the output edges and the dither's sample times).
// Each fine slice is resampled with the transform of its sample
// interval and re-aggregated into its output time bin: signal by
// summation, coverage by exposure-weighted accumulation.
func (c *Compositor) AddDither(d *models.DitherData, cube *hypercube.Cube, fineEdges []float64) error {
	if cube.NTime != len(fineEdges)-1 {
		return fmt.Errorf("dither %s: hypercube has %d time slices for %d fine bins",
			d.SourceID, cube.NTime, len(fineEdges)-1)
	}
	if cube.NWvl != len(c.WvlEdges)-1 {
		return fmt.Errorf("dither %s: hypercube has %d wavelength slices for %d bins",
			d.SourceID, cube.NWvl, len(c.WvlEdges)-1)
	}

	for k := 0; k < cube.NTime; k++ {
		mid := (fineEdges[k] + fineEdges[k+1]) / 2
		duration := fineEdges[k+1] - fineEdges[k]

		ti := findInterval(c.TimeEdges, mid)
		if ti < 0 {
			continue
		}
		wi := findInterval(d.SampleTimes, mid)
		if wi < 0 {
			// Sample sequence covers the window by construction; a
			// miss means the interval lies outside the usable data
			continue
		}
		tr := d.Transforms[wi]

		if !tr.SameSky(c.Canvas.Transform, SkyRefTolDeg) {
			return fmt.Errorf("dither %s: sky grid reference and dither reference do not match: (%g, %g) vs (%g, %g)",
				d.SourceID, tr.RefSky.RA, tr.RefSky.Dec,
				c.Canvas.Transform.RefSky.RA, c.Canvas.Transform.RefSky.Dec)
		}

		m := newPixelMap(tr, c.Canvas.Transform)
		c.addFrame(cube, k, tr, m, duration, ti)
	}
	return nil
}

// addFrame drizzles one fine time slice, all wavelength planes at once,
// onto output time bin ti. The overlap geometry of a source pixel is
// identical across wavelengths, so it is computed once per pixel. Every
// in-footprint source pixel contributes exposure time to coverage;
// pixels with counts also contribute signal.
func (c *Compositor) addFrame(cube *hypercube.Cube, k int, tr models.TransformDescriptor, m pixelMap, duration float64, ti int) {
	for py := 0; py < tr.ShapeY; py++ {
		for px := 0; px < tr.ShapeX; px++ {
			poly := m.footprint(px, py, c.Pixfrac)
			footArea := shoelace(poly[:])
			if footArea <= 0 {
				continue
			}
			x0, y0, x1, y1 := bounds(poly, c.Canvas.ShapeX, c.Canvas.ShapeY)
			for cy := y0; cy < y1; cy++ {
				for cx := x0; cx < x1; cx++ {
					frac := clipArea(poly, float64(cx), float64(cy), float64(cx+1), float64(cy+1)) / footArea
					if frac <= 0 {
						continue
					}
					for w := 0; w < cube.NWvl; w++ {
						idx := c.out.Index(ti, w, cy, cx)
						c.out.Coverage[idx] += duration * frac
						if counts := cube.Data[cube.Index(k, w, py, px)]; counts != 0 {
							c.out.Signal[idx] += counts * frac
						}
					}
				}
			}
		}
	}
}

// Finalize normalizes the accumulation into rate and variance maps,
// attaches the bin edges and the multi-axis output transform, and
// returns the finished cube. The compositor must not be reused after.
func (c *Compositor) Finalize(hasTime, hasWvl bool) *models.OutputCube {
	c.out.Finalize()
	if hasTime {
		c.out.TimeEdges = c.TimeEdges
	}
	if hasWvl {
		c.out.WvlEdges = c.WvlEdges
	}
	c.out.Transform = BuildOutputTransform(c.Canvas.Transform, c.TimeEdges, c.WvlEdges, hasTime, hasWvl)
	return c.out
}

// BuildOutputTransform constructs the N-axis world-coordinate
// description of the output cube in one shot: the spatial axes always
// match the canvas, and the optional wavelength and time axes carry the
// bin origin and spacing.
func BuildOutputTransform(spatial models.TransformDescriptor, timeEdges, wvlEdges []float64, hasTime, hasWvl bool) models.OutputTransform {
	out := models.OutputTransform{
		Spatial: spatial,
		HasWvl:  hasWvl,
		HasTime: hasTime,
	}
	if hasWvl {
		out.WvlStart = wvlEdges[0]
		out.WvlDelta = wvlEdges[1] - wvlEdges[0]
		out.NWvl = len(wvlEdges) - 1
	}
	if hasTime {
		out.TimeStart = timeEdges[0]
		out.TimeDelta = timeEdges[1] - timeEdges[0]
		out.NTime = len(timeEdges) - 1
	}
	return out
}
