// Package pipeline coordinates a full compositing run: astrometry,
// canvas derivation, parallel per-dither loading and binning, and the
// single-threaded drizzle accumulation. All run state lives on the Run
// object, so concurrent runs in one process never share mutable state.
package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"drizzlecomposer/internal/models"
	"drizzlecomposer/pkg/astrometry"
	"drizzlecomposer/pkg/cache"
	"drizzlecomposer/pkg/canvas"
	"drizzlecomposer/pkg/config"
	"drizzlecomposer/pkg/drizzle"
	"drizzlecomposer/pkg/fitsout"
	"drizzlecomposer/pkg/hypercube"
	"drizzlecomposer/pkg/photons"
)

// ErrConfig marks fatal configuration errors: mismatched pointing
// centers, empty composites, bad shapes. Test with errors.Is.
var ErrConfig = errors.New("configuration error")

// Params assemble everything a run needs. All fields are read-only
// during the run.
type Params struct {
	// Config is the run configuration
	Config *config.Config

	// Source is the upstream photon interface
	Source photons.Source

	// Provider supplies alt/az lookups; nil uses the built-in
	// deterministic ephemeris
	Provider astrometry.AltAzProvider

	// Instrument describes the detector
	Instrument astrometry.Instrument

	// Dithers lists the dither positions in declared order. The
	// composite is a pure function of this order.
	Dithers []photons.DitherDesc

	// Dataset names the dither dataset, namespacing its cache entries
	Dataset string

	// Log receives run diagnostics
	Log *slog.Logger
}

// Summary reports what a finished run did.
type Summary struct {
	// TotalPhotons is the photon count kept across all dithers
	TotalPhotons int

	// PerDither is the kept photon count per dither, in declared order
	PerDither []int

	// CanvasX, CanvasY is the output grid shape
	CanvasX, CanvasY int

	// Workers is the pool size used
	Workers int

	// CacheHits counts dithers served from the cache
	CacheHits int
}

// Run is the per-invocation context object: configuration, providers
// and cache for exactly one pipeline execution.
type Run struct {
	params *Params
	log    *slog.Logger
	store  *cache.Store

	// Summary is populated by Execute
	Summary Summary
}

// NewRun validates the parameters and prepares a run context.
func NewRun(p *Params) (*Run, error) {
	if err := p.Config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if len(p.Dithers) == 0 {
		return nil, fmt.Errorf("%w: no dithers to composite", ErrConfig)
	}
	for i, d := range p.Dithers {
		if len(d.Exposures) == 0 {
			return nil, fmt.Errorf("%w: dither %d has no exposures", ErrConfig, i)
		}
	}
	if p.Provider == nil {
		p.Provider = astrometry.FixedEphemeris{}
	}
	log := p.Log
	if log == nil {
		log = slog.Default()
	}
	return &Run{
		params: p,
		log:    log,
		store:  cache.NewStore(p.Config.Cache.Dir, p.Dataset),
	}, nil
}

// Execute performs the whole run and returns the finished output cube.
// A failed run returns no cube; warnings about partial data are logged
// and the run continues on the remaining data.
func (r *Run) Execute() (*models.OutputCube, error) {
	cfg := r.params.Config

	sky, derotate := r.resolvePointing()

	duration := r.usableDuration()
	site, err := astrometry.LookupSite(cfg.Processing.Site)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	calc := &astrometry.Calculator{
		Site:         site,
		Provider:     r.params.Provider,
		Instrument:   r.params.Instrument,
		Sky:          sky,
		Derotate:     derotate,
		AlignStartPA: cfg.Drizzle.AlignStartPA,
		ObsStart:     r.params.Dithers[0].Exposures[0].StartUnix,
	}

	step := r.cadence(calc, duration)
	r.log.Debug("transform sample cadence", "seconds", step)

	timeEdges, err := drizzle.MakeEdges(cfg.Window.StartOffset, cfg.Window.StartOffset+duration,
		cfg.Window.TimeBinWidth, "time", r.log)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	wvlEdges, err := drizzle.MakeEdges(cfg.Window.WvlMin, cfg.Window.WvlMax,
		cfg.Window.WvlBinWidth, "wavelength", r.log)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	if cfg.Cache.Clear {
		r.log.Info("clearing drizzle cache")
		if err := r.store.Clear(); err != nil {
			r.log.Warn("unable to clear cache", "error", err)
		}
	}

	loader := &photons.Loader{
		Source:  r.params.Source,
		Calc:    calc,
		Exclude: cfg.ExcludeFlagSet(),
		WCSStep: step,
		Log:     r.log,
	}
	window := photons.Window{
		WvlMin:   cfg.Window.WvlMin,
		WvlMax:   cfg.Window.WvlMax,
		Start:    cfg.Window.StartOffset,
		Duration: duration,
	}

	results, err := r.loadAndBin(loader, window, timeEdges, wvlEdges)
	if err != nil {
		return nil, err
	}

	var segments []*models.DitherData
	total := 0
	r.Summary.PerDither = make([]int, len(results))
	for i, res := range results {
		for _, seg := range res.segments {
			segments = append(segments, seg)
			r.Summary.PerDither[i] += seg.NumPhotons()
			total += seg.NumPhotons()
		}
	}
	r.Summary.TotalPhotons = total
	if total == 0 {
		return nil, fmt.Errorf("%w: no photons found in any dither; check the wavelength and time ranges", ErrConfig)
	}

	cv, err := canvas.Build(segments, canvas.Params{
		ShapeX:        cfg.Canvas.ShapeX,
		ShapeY:        cfg.Canvas.ShapeY,
		ForceSquare:   cfg.Canvas.ForceSquare,
		DetShapeX:     r.params.Instrument.ShapeX,
		DetShapeY:     r.params.Instrument.ShapeY,
		PlateScaleDeg: r.params.Instrument.PlateScaleDeg,
		Sky:           sky,
		Log:           r.log,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	r.Summary.CanvasX, r.Summary.CanvasY = cv.ShapeX, cv.ShapeY

	comp, err := drizzle.NewCompositor(cv, cfg.Drizzle.Pixfrac, timeEdges, wvlEdges)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	// Accumulation is strictly single-threaded, in declared dither and
	// exposure order, so the composite is independent of worker
	// completion order and pool size.
	for _, res := range results {
		for j, seg := range res.segments {
			if err := comp.AddDither(seg, res.cubes[j], res.fineEdges[j]); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrConfig, err)
			}
		}
	}

	out := comp.Finalize(cfg.Window.TimeBinWidth > 0, cfg.Window.WvlBinWidth > 0)

	if cfg.Output.File != "" {
		meta := canvas.FlattenMetadata(cv.Metadata, r.log)
		extra := fitsout.Extra{Pixfrac: cfg.Drizzle.Pixfrac, WCSStep: step}
		if err := fitsout.WriteFile(cfg.Output.File, out, meta, extra); err != nil {
			return nil, err
		}
		r.log.Info("wrote composite", "file", cfg.Output.File)
	}

	r.log.Info("composite finished",
		"photons", total, "dithers", len(results),
		"canvasX", cv.ShapeX, "canvasY", cv.ShapeY)
	return out, nil
}

// resolvePointing determines the shared sky reference point and the
// effective derotation mode. An unresolvable pointing falls back to the
// default point with a warning; whitelight overrides both.
func (r *Run) resolvePointing() (models.SkyPoint, bool) {
	cfg := r.params.Config
	if cfg.Drizzle.Whitelight {
		r.log.Warn("whitelight mode: forcing non-rotating, on-axis composite")
		return models.SkyPoint{}, false
	}

	md, err := r.params.Source.Metadata(r.params.Dithers[0].Exposures[0].ID)
	if err == nil {
		ra, okRA := asFloat(md["RA"])
		dec, okDec := asFloat(md["DEC"])
		if okRA && okDec {
			return models.SkyPoint{RA: ra, Dec: dec}, cfg.Drizzle.Derotate
		}
	}
	r.log.Warn("unable to resolve sky reference point, using (0, 0); composite will be centered arbitrarily",
		"error", err)
	return models.SkyPoint{}, cfg.Drizzle.Derotate
}

// usableDuration bounds the per-dither integration time by the shortest
// dither dwell.
func (r *Run) usableDuration() float64 {
	shortest := r.params.Dithers[0].Exposures[0].Duration
	for _, d := range r.params.Dithers {
		for _, exp := range d.Exposures {
			if exp.Duration < shortest {
				shortest = exp.Duration
			}
		}
	}
	requested := r.params.Config.Window.Duration
	if requested <= 0 || requested > shortest {
		if requested > shortest {
			r.log.Info("requested integration time too long, using shortest dither dwell",
				"requested", requested, "dwell", shortest)
		}
		return shortest
	}
	return requested
}

// cadence derives the transform sample step for the run.
func (r *Run) cadence(calc *astrometry.Calculator, duration float64) float64 {
	offsets := make([][2]float64, len(r.params.Dithers))
	starts := make([]float64, len(r.params.Dithers))
	for i, d := range r.params.Dithers {
		dx, dy := r.params.Instrument.Calibration.ToPixel(d.PosX, d.PosY)
		offsets[i] = [2]float64{dx, dy}
		starts[i] = d.Exposures[0].StartUnix
	}
	return calc.Cadence(r.params.Config.Drizzle.WCSTimestep, offsets, starts,
		r.params.Config.Drizzle.SmearPixels, duration)
}

// ditherResult is one worker's output: the dither's per-exposure
// segments, their hypercubes, and the fine time grids the cubes were
// binned on, all parallel.
type ditherResult struct {
	index     int
	segments  []*models.DitherData
	cubes     []*hypercube.Cube
	fineEdges [][]float64
	cacheHit  bool
	err       error
}

// loadAndBin fans the load/window/bin stage out over a bounded worker
// pool, one task per dither, and returns the results re-sorted into
// declared dither order. Any task failure aborts the run: a silently
// omitted dither would bias the photometry.
func (r *Run) loadAndBin(loader *photons.Loader, window photons.Window, timeEdges, wvlEdges []float64) ([]ditherResult, error) {
	cfg := r.params.Config
	numWorkers := cfg.Processing.NumWorkers
	if numWorkers > len(r.params.Dithers) {
		numWorkers = len(r.params.Dithers)
	}
	r.Summary.Workers = numWorkers

	tasks := make(chan int)
	resultChan := make(chan ditherResult)

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range tasks {
				segments, hit, err := r.loadDither(loader, r.params.Dithers[i], window)
				if err != nil {
					resultChan <- ditherResult{index: i, err: err}
					continue
				}
				if hit {
					r.log.Info("using cached dither data", "dither", segments[0].SourceID)
				}

				res := ditherResult{index: i, segments: segments, cacheHit: hit}
				for _, seg := range segments {
					fine := drizzle.FineTimeEdges(timeEdges, seg.SampleTimes)
					cube, err := hypercube.Bin(seg, fine, wvlEdges,
						r.params.Instrument.ShapeX, r.params.Instrument.ShapeY,
						hypercube.Options{ApplyWeights: true, SaturationCut: cfg.Window.SaturationCut})
					if err != nil {
						res.err = err
						break
					}
					res.cubes = append(res.cubes, cube)
					res.fineEdges = append(res.fineEdges, fine)
				}
				resultChan <- res
			}
		}()
	}

	go func() {
		for i := range r.params.Dithers {
			tasks <- i
		}
		close(tasks)
		wg.Wait()
		close(resultChan)
	}()

	results := make([]ditherResult, 0, len(r.params.Dithers))
	hits := 0
	for res := range resultChan {
		if res.cacheHit {
			hits++
		}
		results = append(results, res)
	}

	// Re-sort by declared dither index: completion order must never
	// influence the composite.
	sort.Slice(results, func(i, j int) bool { return results[i].index < results[j].index })

	for _, res := range results {
		if res.err != nil {
			return nil, fmt.Errorf("dither %d failed: %w", res.index, res.err)
		}
	}
	r.Summary.CacheHits = hits
	return results, nil
}

// loadDither returns one dither's per-exposure segments, from the
// cache when an entry with the identical parameter digest exists.
// Cache failures are misses or best-effort writes, never fatal.
func (r *Run) loadDither(loader *photons.Loader, desc photons.DitherDesc, window photons.Window) ([]*models.DitherData, bool, error) {
	cfg := r.params.Config
	if !cfg.Cache.Enabled {
		data, err := loader.LoadDither(desc, window)
		return data, false, err
	}

	ids := make([]string, len(desc.Exposures))
	for i, exp := range desc.Exposures {
		ids[i] = exp.ID
	}
	key := cache.Key(cache.KeyInput{
		ExposureIDs:  ids,
		WvlMin:       window.WvlMin,
		WvlMax:       window.WvlMax,
		Start:        window.Start,
		Duration:     window.Duration,
		Derotate:     loader.Calc.Derotate,
		AlignStartPA: loader.Calc.AlignStartPA,
		Whitelight:   cfg.Drizzle.Whitelight,
		WCSStep:      loader.WCSStep,
		ExcludeFlags: sortedFlags(loader.Exclude),
	})

	if data := r.store.Load(key); data != nil {
		return data, true, nil
	}

	data, err := loader.LoadDither(desc, window)
	if err != nil {
		return nil, false, err
	}
	if err := r.store.Save(key, data); err != nil {
		r.log.Warn("unable to write cache entry", "dither", data[0].SourceID, "error", err)
	}
	return data, false, nil
}

func sortedFlags(set map[string]bool) []string {
	flags := make([]string, 0, len(set))
	for f := range set {
		flags = append(flags, f)
	}
	sort.Strings(flags)
	return flags
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
