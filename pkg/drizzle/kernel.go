// Package drizzle resamples detector-grid slices onto the shared output
// canvas with fractional-pixel-area overlap weighting, accumulating
// signal and effective exposure time separately so the composite is
// always a correctly weighted rate.
package drizzle

import (
	"math"

	"drizzlecomposer/internal/models"
)

// pixelMap is the affine map from input detector pixels to canvas
// pixels for one transform sample. Both grids are tangent-plane
// projections of the same reference sky point, so the map reduces to a
// rotation and a scale about the two reference pixels.
type pixelMap struct {
	cos, sin float64 // rotation terms, scale folded in
	inRefX   float64
	inRefY   float64
	outRefX  float64
	outRefY  float64
	scale    float64
}

func newPixelMap(in, out models.TransformDescriptor) pixelMap {
	scale := in.PixelScale / out.PixelScale
	theta := in.Rotation - out.Rotation
	return pixelMap{
		cos:     math.Cos(theta) * scale,
		sin:     math.Sin(theta) * scale,
		inRefX:  in.RefPixelX,
		inRefY:  in.RefPixelY,
		outRefX: out.RefPixelX,
		outRefY: out.RefPixelY,
		scale:   scale,
	}
}

// apply maps one input pixel coordinate to canvas coordinates.
func (m pixelMap) apply(x, y float64) (float64, float64) {
	dx, dy := x-m.inRefX, y-m.inRefY
	return m.cos*dx - m.sin*dy + m.outRefX,
		m.sin*dx + m.cos*dy + m.outRefY
}

type point struct {
	x, y float64
}

// footprint returns the canvas-frame polygon of one source pixel,
// shrunk about its center by pixfrac before mapping.
func (m pixelMap) footprint(px, py int, pixfrac float64) [4]point {
	cx, cy := float64(px)+0.5, float64(py)+0.5
	h := pixfrac / 2
	var poly [4]point
	corners := [4][2]float64{{cx - h, cy - h}, {cx + h, cy - h}, {cx + h, cy + h}, {cx - h, cy + h}}
	for i, c := range corners {
		x, y := m.apply(c[0], c[1])
		poly[i] = point{x, y}
	}
	return poly
}

// clipArea returns the area of poly clipped to the axis-aligned cell
// [loX,hiX] x [loY,hiY] (Sutherland-Hodgman, then shoelace).
func clipArea(poly [4]point, loX, loY, hiX, hiY float64) float64 {
	buf := make([]point, 0, 8)
	buf = append(buf, poly[:]...)
	buf = clipEdge(buf, func(p point) float64 { return p.x - loX })
	buf = clipEdge(buf, func(p point) float64 { return hiX - p.x })
	buf = clipEdge(buf, func(p point) float64 { return p.y - loY })
	buf = clipEdge(buf, func(p point) float64 { return hiY - p.y })
	return shoelace(buf)
}

func lerp(a, b point, t float64) point {
	return point{a.x + t*(b.x-a.x), a.y + t*(b.y-a.y)}
}

// clipEdge keeps the part of the polygon where inside() >= 0.
func clipEdge(poly []point, inside func(point) float64) []point {
	if len(poly) == 0 {
		return poly
	}
	out := make([]point, 0, len(poly)+2)
	prev := poly[len(poly)-1]
	dPrev := inside(prev)
	for _, cur := range poly {
		dCur := inside(cur)
		if dCur >= 0 {
			if dPrev < 0 {
				out = append(out, lerp(prev, cur, dPrev/(dPrev-dCur)))
			}
			out = append(out, cur)
		} else if dPrev >= 0 {
			out = append(out, lerp(prev, cur, dPrev/(dPrev-dCur)))
		}
		prev, dPrev = cur, dCur
	}
	return out
}

// shoelace returns the absolute polygon area.
func shoelace(poly []point) float64 {
	if len(poly) < 3 {
		return 0
	}
	sum := 0.0
	for i, p := range poly {
		q := poly[(i+1)%len(poly)]
		sum += p.x*q.y - q.x*p.y
	}
	return math.Abs(sum) / 2
}

// bounds returns the canvas cell index range covered by a footprint,
// clamped to the canvas shape.
func bounds(poly [4]point, shapeX, shapeY int) (x0, y0, x1, y1 int) {
	minX, minY := poly[0].x, poly[0].y
	maxX, maxY := minX, minY
	for _, p := range poly[1:] {
		minX = math.Min(minX, p.x)
		minY = math.Min(minY, p.y)
		maxX = math.Max(maxX, p.x)
		maxY = math.Max(maxY, p.y)
	}
	x0 = clampInt(int(math.Floor(minX)), 0, shapeX)
	y0 = clampInt(int(math.Floor(minY)), 0, shapeY)
	x1 = clampInt(int(math.Ceil(maxX)), 0, shapeX)
	y1 = clampInt(int(math.Ceil(maxY)), 0, shapeY)
	return x0, y0, x1, y1
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
