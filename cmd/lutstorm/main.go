package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"time"

	"lutstorm/pkg/calibration"
	"lutstorm/pkg/config"
	"lutstorm/pkg/controller"
	"lutstorm/pkg/framesource"
	"lutstorm/pkg/lut"
	"lutstorm/pkg/render"
	"lutstorm/pkg/store"
)

func main() {
	configPath := flag.String("config", "lutstorm.yaml", "Path to the YAML configuration")
	initConfig := flag.Bool("init-config", false, "Write a default configuration to -config and exit")
	inputPath := flag.String("input", "", "Raw 16-bit stack, image file or directory of TIFF/PNG frames")
	width := flag.Int("width", 0, "Frame width in pixels (raw stacks only)")
	height := flag.Int("height", 0, "Frame height in pixels (raw stacks only)")
	lutPath := flag.String("lut", "", "Lookup volume file (overrides lut.path)")
	calibPath := flag.String("calibration", "", "Calibration to synthesize the lookup volume from (overrides lut.calibration)")
	saveLUT := flag.String("save-lut", "", "Write the synthesized lookup volume to this file")
	threshold := flag.Int("threshold", -1, "Detection threshold in ADU (overrides engine.threshold)")
	verbose := flag.Bool("verbose", false, "Log per-frame diagnostics")
	flag.Parse()

	if *initConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write default configuration: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	if *inputPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *lutPath != "" {
		cfg.LUT.Path = *lutPath
	}
	if *calibPath != "" {
		cfg.LUT.Path = ""
		cfg.LUT.Calibration = *calibPath
	}
	if *threshold >= 0 {
		cfg.Engine.Threshold = *threshold
	}
	if *verbose {
		cfg.Engine.Verbose = true
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	volume, err := loadVolume(cfg)
	if err != nil {
		log.Fatalf("Failed to prepare lookup volume: %v", err)
	}
	if *saveLUT != "" {
		if err := lut.Save(*saveLUT, volume); err != nil {
			log.Fatalf("Failed to save lookup volume: %v", err)
		}
		fmt.Printf("Lookup volume saved to: %s\n", *saveLUT)
	}

	src, err := framesource.Open(*inputPath, *width, *height)
	if err != nil {
		log.Fatalf("Failed to open frames: %v", err)
	}
	defer src.Close()
	w, h := src.Size()

	ctrl, err := newController(cfg, volume, w, h)
	if err != nil {
		log.Fatalf("Failed to set up the engine: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var db *store.Store
	var run *store.Run
	if cfg.Output.Database != "" {
		db, err = store.Open(cfg.Output.Database)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer db.Close()
		run, err = db.StartRun(ctx, *inputPath, w, h, cfg)
		if err != nil {
			log.Fatalf("Failed to record run: %v", err)
		}
	}

	g := volume.Geometry()
	fmt.Println("================================")
	fmt.Println("LUTSTORM REAL-TIME 3D LOCALIZATION")
	fmt.Println("================================")
	fmt.Printf("Frames: %dx%d from %s\n", w, h, *inputPath)
	fmt.Printf("Lookup volume: window %d, lateral [%.2f, %.2f] px, axial [%.0f, %.0f] nm\n",
		volume.WindowSize(), g.MinLat, g.MaxLat, g.MinAx, g.MaxAx)
	if run != nil {
		fmt.Printf("Run id: %s\n", run.RunID)
	}

	startTime := time.Now()
	frames, timeouts, err := processFrames(ctx, ctrl, src, db, run)
	if err != nil {
		log.Fatalf("Processing failed: %v", err)
	}
	processingTime := time.Since(startTime)

	mols := ctrl.AllMolecules()
	fmt.Printf("\nProcessed %d frames in %.2f seconds (%d over the time budget)\n",
		frames, processingTime.Seconds(), timeouts)
	fmt.Printf("Localizations: %d\n", len(mols))
	if frames > 0 {
		fmt.Printf("Mean rate: %.1f frames/s\n", float64(frames)/processingTime.Seconds())
	}

	if db != nil {
		// the interrupt context may already be cancelled
		if err := db.FinishRun(context.Background(), run.RunID); err != nil {
			log.Printf("Warning: Failed to finish run: %v", err)
		}
		fmt.Printf("Localizations stored in: %s\n", cfg.Output.Database)
	}

	if cfg.Output.CSV != "" {
		if err := store.SaveCSV(cfg.Output.CSV, mols, ctrl.Estimator(), cfg.Acquisition); err != nil {
			log.Printf("Warning: Failed to export CSV: %v", err)
		} else {
			fmt.Printf("Localizations exported to: %s\n", cfg.Output.CSV)
		}
	}

	if cfg.Output.Preview != "" && cfg.Rendering.Enabled {
		if err := savePreview(ctrl, frames, cfg.Output.Preview); err != nil {
			log.Printf("Warning: Failed to save preview: %v", err)
		} else {
			fmt.Printf("Preview saved to: %s\n", cfg.Output.Preview)
		}
	}

	if cfg.Output.Projections != "" {
		rw, rh := ctrl.RenderSize()
		err := render.SaveProjections(mols, cfg.Output.Projections, rw, rh, cfg.Rendering.Scale,
			g.MinAx, g.MaxAx, volume.DAx(), cfg.Rendering.Sigma)
		if err != nil {
			log.Printf("Warning: Failed to save projections: %v", err)
		} else {
			fmt.Printf("Projections saved to: %s\n", cfg.Output.Projections)
		}
	}
}

// loadVolume reads the configured lookup volume or synthesizes it from a
// calibration.
func loadVolume(cfg *config.Config) (*lut.Volume, error) {
	if cfg.LUT.Path != "" {
		return lut.Load(cfg.LUT.Path)
	}
	calib, err := calibration.Load(cfg.LUT.Calibration)
	if err != nil {
		return nil, err
	}
	fmt.Printf("Calibration %s: %d knots, focal plane %.1f nm, angle %.3f rad\n",
		calib.Type, len(calib.Knots), calib.FocalPlane, calib.Theta)
	fmt.Println("Synthesizing lookup volume...")
	return calib.Generate(cfg.LUT.Params)
}

func newController(cfg *config.Config, volume *lut.Volume, width, height int) (*controller.Controller, error) {
	c := controller.New()
	cfg.Apply(c)
	if err := c.SetVolume(volume); err != nil {
		return nil, err
	}
	if err := c.SetImageSize(width, height); err != nil {
		return nil, err
	}
	if err := c.SetRenderScale(cfg.Rendering.Scale); err != nil {
		return nil, err
	}
	if err := c.SetRenderSigma(cfg.Rendering.Sigma); err != nil {
		return nil, err
	}
	return c, nil
}

// processFrames feeds every frame of src to the controller and stores the
// accepted localizations. Frames that exceed the time budget keep the
// localizations accepted before the timeout.
func processFrames(ctx context.Context, c *controller.Controller, src framesource.Source, db *store.Store, run *store.Run) (frames, timeouts int, err error) {
	for index := 1; ; index++ {
		if ctx.Err() != nil {
			fmt.Println("\nInterrupted, finishing up...")
			return frames, timeouts, nil
		}

		frame, err := src.Next()
		if errors.Is(err, io.EOF) {
			return frames, timeouts, nil
		}
		if err != nil {
			return frames, timeouts, fmt.Errorf("frame %d: %w", index, err)
		}

		err = c.ProcessImage(frame, index)
		switch {
		case errors.Is(err, controller.ErrTimeout):
			timeouts++
		case err != nil:
			return frames, timeouts, fmt.Errorf("frame %d: %w", index, err)
		}
		frames++

		if db != nil {
			if err := db.InsertLocalizations(ctx, run.RunID, c.Molecules()); err != nil && ctx.Err() == nil {
				return frames, timeouts, err
			}
		}

		if c.IsImageReady() {
			c.ClearImageReady()
		}
		if index%100 == 0 {
			stats := c.Stats()
			fmt.Printf("Frame %d: %d localizations (%d total), fit %.2f ms, threshold %d\n",
				index, stats.Localizations, stats.Total,
				float64(stats.FittingTime)/float64(time.Millisecond), c.Threshold())
		}
	}
}

// savePreview forces a final render of everything not yet shown and writes
// the preview image.
func savePreview(c *controller.Controller, lastFrame int, path string) error {
	c.ClearImageReady()
	c.SetRenderCadence(1)
	c.UpdateRenderer(lastFrame)
	return render.Save(c.RenderImage(), path)
}
