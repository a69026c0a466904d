package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"drizzlecomposer/pkg/astrometry"
	"drizzlecomposer/pkg/config"
	"drizzlecomposer/pkg/logging"
	"drizzlecomposer/pkg/photons"
	"drizzlecomposer/pkg/pipeline"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// overrides holds the command line values that shadow the configuration
// file. Only flags the user actually set are applied.
type overrides struct {
	pixfrac       float64
	wcsTimestep   float64
	derotate      bool
	alignStartPA  bool
	whitelight    bool
	wvlMin        float64
	wvlMax        float64
	startOffset   float64
	duration      float64
	timeBinWidth  float64
	wvlBinWidth   float64
	saturationCut float64
	canvasX       int
	canvasY       int
	square        bool
	workers       int
	site          string
	noCache       bool
	clearCache    bool
	cacheDir      string
	output        string
	logLevel      string
	logFormat     string
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		ov         overrides
	)

	cmd := &cobra.Command{
		Use:   "drizzlecomposer <manifest.yaml>",
		Short: "Composite dithered photon-counting exposures onto a shared sky grid",
		Long: `Drizzlecomposer resamples dithered, time-tagged photon exposures onto a
finer common sky grid, compensating for telescope dithering and field
rotation, and writes the calibrated rate and variance cubes as FITS.

The manifest describes the dataset: the instrument, the dither
positions and the exposure table file of each exposure.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			applyOverrides(cfg, cmd, &ov)
			return runComposite(cfg, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "configuration file (YAML); missing file uses defaults")
	cmd.Flags().Float64Var(&ov.pixfrac, "pixfrac", 0, "drop shrink factor in (0, 1]")
	cmd.Flags().Float64Var(&ov.wcsTimestep, "wcs-timestep", 0, "transform sample cadence in seconds (0 derives the non-blurring step)")
	cmd.Flags().BoolVar(&ov.derotate, "derotate", true, "compensate field rotation")
	cmd.Flags().BoolVar(&ov.alignStartPA, "align-start-pa", false, "with derotation off, pin every frame to the starting position angle")
	cmd.Flags().BoolVar(&ov.whitelight, "whitelight", false, "non-rotating on-axis composite for lab data")
	cmd.Flags().Float64Var(&ov.wvlMin, "wvl-min", 0, "minimum wavelength in nm")
	cmd.Flags().Float64Var(&ov.wvlMax, "wvl-max", 0, "maximum wavelength in nm")
	cmd.Flags().Float64Var(&ov.startOffset, "start", 0, "offset into each exposure in seconds")
	cmd.Flags().Float64Var(&ov.duration, "duration", 0, "integration time per dither in seconds (0 uses the shortest dwell)")
	cmd.Flags().Float64Var(&ov.timeBinWidth, "time-bin", 0, "output time bin width in seconds (0 collapses the time axis)")
	cmd.Flags().Float64Var(&ov.wvlBinWidth, "wvl-bin", 0, "output wavelength bin width in nm (0 collapses the wavelength axis)")
	cmd.Flags().Float64Var(&ov.saturationCut, "saturation-cut", 0, "zero detector bins above this count (0 disables)")
	cmd.Flags().IntVar(&ov.canvasX, "canvas-x", 0, "explicit canvas width in pixels (0 derives it)")
	cmd.Flags().IntVar(&ov.canvasY, "canvas-y", 0, "explicit canvas height in pixels (0 derives it)")
	cmd.Flags().BoolVar(&ov.square, "square", true, "force a square canvas")
	cmd.Flags().IntVar(&ov.workers, "workers", 0, "worker pool size")
	cmd.Flags().StringVar(&ov.site, "site", "", "observation site name")
	cmd.Flags().BoolVar(&ov.noCache, "no-cache", false, "bypass the dither cache")
	cmd.Flags().BoolVar(&ov.clearCache, "clear-cache", false, "clear this dataset's cache entries before running")
	cmd.Flags().StringVar(&ov.cacheDir, "cache-dir", "", "cache directory")
	cmd.Flags().StringVarP(&ov.output, "output", "o", "", "output FITS file")
	cmd.Flags().StringVar(&ov.logLevel, "log-level", "", "log level (debug|info|warn|error)")
	cmd.Flags().StringVar(&ov.logFormat, "log-format", "", "log format (text|json)")

	cmd.AddCommand(newConfigCmd())
	return cmd
}

// applyOverrides copies the flags the user set onto the configuration.
func applyOverrides(cfg *config.Config, cmd *cobra.Command, ov *overrides) {
	f := cmd.Flags()
	if f.Changed("pixfrac") {
		cfg.Drizzle.Pixfrac = ov.pixfrac
	}
	if f.Changed("wcs-timestep") {
		cfg.Drizzle.WCSTimestep = ov.wcsTimestep
	}
	if f.Changed("derotate") {
		cfg.Drizzle.Derotate = ov.derotate
	}
	if f.Changed("align-start-pa") {
		cfg.Drizzle.AlignStartPA = ov.alignStartPA
	}
	if f.Changed("whitelight") {
		cfg.Drizzle.Whitelight = ov.whitelight
	}
	if f.Changed("wvl-min") {
		cfg.Window.WvlMin = ov.wvlMin
	}
	if f.Changed("wvl-max") {
		cfg.Window.WvlMax = ov.wvlMax
	}
	if f.Changed("start") {
		cfg.Window.StartOffset = ov.startOffset
	}
	if f.Changed("duration") {
		cfg.Window.Duration = ov.duration
	}
	if f.Changed("time-bin") {
		cfg.Window.TimeBinWidth = ov.timeBinWidth
	}
	if f.Changed("wvl-bin") {
		cfg.Window.WvlBinWidth = ov.wvlBinWidth
	}
	if f.Changed("saturation-cut") {
		cfg.Window.SaturationCut = ov.saturationCut
	}
	if f.Changed("canvas-x") {
		cfg.Canvas.ShapeX = ov.canvasX
	}
	if f.Changed("canvas-y") {
		cfg.Canvas.ShapeY = ov.canvasY
	}
	if f.Changed("square") {
		cfg.Canvas.ForceSquare = ov.square
	}
	if f.Changed("workers") {
		cfg.Processing.NumWorkers = ov.workers
	}
	if f.Changed("site") {
		cfg.Processing.Site = ov.site
	}
	if f.Changed("no-cache") {
		cfg.Cache.Enabled = !ov.noCache
	}
	if f.Changed("clear-cache") {
		cfg.Cache.Clear = ov.clearCache
	}
	if f.Changed("cache-dir") {
		cfg.Cache.Dir = ov.cacheDir
	}
	if f.Changed("output") {
		cfg.Output.File = ov.output
	}
	if f.Changed("log-level") {
		cfg.Output.LogLevel = ov.logLevel
	}
	if f.Changed("log-format") {
		cfg.Output.LogFormat = ov.logFormat
	}
}

func runComposite(cfg *config.Config, manifestPath string) error {
	log := logging.New(cfg.Output.LogLevel, cfg.Output.LogFormat)

	source, manifest, err := photons.NewFileSource(manifestPath)
	if err != nil {
		return err
	}

	calib := astrometry.ActuatorCalibration{
		SlopeX: manifest.Instrument.SlopeX,
		SlopeY: manifest.Instrument.SlopeY,
		ZeroX:  manifest.Instrument.ZeroX,
		ZeroY:  manifest.Instrument.ZeroY,
	}
	if calib == (astrometry.ActuatorCalibration{}) {
		calib = astrometry.DefaultCalibration
	}

	run, err := pipeline.NewRun(&pipeline.Params{
		Config: cfg,
		Source: source,
		Instrument: astrometry.Instrument{
			ShapeX:        manifest.Instrument.ShapeX,
			ShapeY:        manifest.Instrument.ShapeY,
			PlateScaleDeg: manifest.Instrument.PlateScaleDeg,
			Calibration:   calib,
		},
		Dithers: manifest.DitherDescs(),
		Dataset: manifest.Name,
		Log:     log,
	})
	if err != nil {
		return err
	}

	fmt.Println("================================")
	fmt.Printf("Compositing %d dithers from %s\n", len(manifest.Dithers), manifestPath)
	fmt.Println("================================")

	startTime := time.Now()
	cube, err := run.Execute()
	if err != nil {
		return err
	}
	elapsed := time.Since(startTime)

	fmt.Printf("\nComposite completed in %.2f seconds!\n\n", elapsed.Seconds())
	fmt.Printf("Run summary:\n")
	fmt.Printf("============\n")
	fmt.Printf("Dithers composited: %d\n", len(manifest.Dithers))
	fmt.Printf("Photons kept: %d\n", run.Summary.TotalPhotons)
	fmt.Printf("Canvas: %d x %d pixels\n", run.Summary.CanvasX, run.Summary.CanvasY)
	fmt.Printf("Cube axes: %d\n", cube.Transform.NAxis())
	fmt.Printf("Workers used: %d\n", run.Summary.Workers)
	fmt.Printf("Cache hits: %d of %d dithers\n", run.Summary.CacheHits, len(manifest.Dithers))
	if cfg.Output.File != "" {
		fmt.Printf("Output saved to: %s\n", cfg.Output.File)
	}
	return nil
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration files",
	}

	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "drizzlecomposer.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.CreateDefaultConfigFile(path); err != nil {
				return err
			}
			fmt.Printf("Wrote default configuration to %s\n", path)
			return nil
		},
	}

	cmd.AddCommand(initCmd)
	return cmd
}
