package drizzle

import (
	"fmt"
	"log/slog"
	"sort"
)

// MakeEdges builds strictly increasing bin edges over [lo, hi] at the
// requested width. Width 0 or a width exceeding the span collapses the
// axis to a single bin spanning the whole range (the degenerate-bin
// policy: never an error, never silent truncation). When the span is
// not evenly divisible the trailing partial bin is kept, with a
// warning.
func MakeEdges(lo, hi, width float64, axis string, log *slog.Logger) ([]float64, error) {
	if hi <= lo {
		return nil, fmt.Errorf("%s range is empty: [%g, %g]", axis, lo, hi)
	}
	span := hi - lo
	if width <= 0 {
		return []float64{lo, hi}, nil
	}
	if width >= span {
		log.Info("bin width exceeds available span, using a single bin",
			"axis", axis, "width", width, "span", span)
		return []float64{lo, hi}, nil
	}

	// Edges are computed as lo + i*width, not by accumulation, so
	// rounding never leaves a near-duplicate next to hi.
	var edges []float64
	for i := 0; ; i++ {
		e := lo + float64(i)*width
		if e >= hi-1e-9 {
			break
		}
		edges = append(edges, e)
	}
	edges = append(edges, hi)

	if last := edges[len(edges)-1] - edges[len(edges)-2]; last < width-1e-9 {
		log.Warn("range not evenly divisible by bin width, keeping partial trailing bin",
			"axis", axis, "width", width, "partial", last)
	}
	return edges, nil
}

// FineTimeEdges merges the output time bin edges with a dither's
// transform sample times, producing the sub-interval grid the binner
// uses. Every fine bin then lies inside exactly one output bin and one
// transform sample interval.
func FineTimeEdges(timeEdges, sampleTimes []float64) []float64 {
	lo, hi := timeEdges[0], timeEdges[len(timeEdges)-1]
	merged := make([]float64, 0, len(timeEdges)+len(sampleTimes))
	merged = append(merged, timeEdges...)
	for _, t := range sampleTimes {
		if t > lo && t < hi {
			merged = append(merged, t)
		}
	}
	sort.Float64s(merged)

	// Drop duplicates and near-coincident edges
	out := merged[:1]
	for _, e := range merged[1:] {
		if e-out[len(out)-1] > 1e-9 {
			out = append(out, e)
		}
	}
	return out
}

// findInterval returns the index of the half-open interval
// [edges[i], edges[i+1]) containing v, with the final edge inclusive,
// or -1 when v lies outside.
func findInterval(edges []float64, v float64) int {
	if v < edges[0] || v > edges[len(edges)-1] {
		return -1
	}
	if v == edges[len(edges)-1] {
		return len(edges) - 2
	}
	i := sort.Search(len(edges), func(j int) bool { return edges[j] > v })
	return i - 1
}
