// Package render wires decoding, depth shaping, warping and packing into a
// single call used by the command line tools and the job runners.
package render

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stevecastle/stereoeye/depthprep"
	"github.com/stevecastle/stereoeye/imageio"
	"github.com/stevecastle/stereoeye/stereo"
)

// Options controls a single render.
type Options struct {
	Size    string        // effect size specifier, e.g. "2%" or "12px"
	Layout  stereo.Layout // output arrangement
	Workers int           // rows are split across this many goroutines
	Depth   depthprep.Options
	// FitMap rescales a depth map whose size differs from the base image
	// instead of failing.
	FitMap bool
}

// DefaultOptions mirrors the command line defaults.
func DefaultOptions() Options {
	return Options{
		Size:    stereo.DefaultEffectSize,
		Layout:  stereo.DefaultLayout,
		Workers: 1,
	}
}

// Validate checks everything that can be checked without the images.
func (o Options) Validate() error {
	if _, err := stereo.ParseLayout(string(o.Layout)); err != nil {
		return err
	}
	// The magnitude depends on the base width; 100 only checks the syntax.
	if _, err := stereo.ResolveEffectSize(o.Size, 100); err != nil {
		return err
	}
	return o.Depth.Validate()
}

// Stats describes a finished render.
type Stats struct {
	Width     int           `json:"width"`
	Height    int           `json:"height"`
	Magnitude int           `json:"magnitude"`
	OutWidth  int           `json:"outWidth"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Images renders base and depth in memory and returns the packed output.
func Images(base *image.RGBA, depth *image.Gray, opts Options) (*image.RGBA, Stats, error) {
	start := time.Now()
	if err := opts.Validate(); err != nil {
		return nil, Stats{}, err
	}

	w, h := base.Bounds().Dx(), base.Bounds().Dy()
	if opts.FitMap && depth.Bounds().Size() != base.Bounds().Size() {
		logrus.WithFields(logrus.Fields{
			"from": depth.Bounds().Size().String(),
			"to":   base.Bounds().Size().String(),
		}).Debug("Resampling depth map to base size")
		depth = depthprep.Resample(depth, w, h)
	}
	if err := stereo.CheckDimensions(base, depth); err != nil {
		return nil, Stats{}, err
	}

	magnitude, err := stereo.ResolveEffectSize(opts.Size, w)
	if err != nil {
		return nil, Stats{}, err
	}

	if opts.Depth.Enabled() {
		depth = depthprep.Apply(depth, opts.Depth)
	}

	left := stereo.InferLeftViewParallel(base, depth, magnitude, opts.Workers)
	out, err := stereo.Compose(opts.Layout, base, left)
	if err != nil {
		return nil, Stats{}, err
	}

	stats := Stats{
		Width:     w,
		Height:    h,
		Magnitude: magnitude,
		OutWidth:  out.Bounds().Dx(),
		Elapsed:   time.Since(start),
	}
	return out, stats, nil
}

// Request names the files for a render.
type Request struct {
	BasePath   string
	MapPath    string
	OutputPath string
	Options    Options
	Encode     imageio.EncodeOptions
}

// Files loads the inputs, renders and writes the result. The output file is
// only created once everything before it has succeeded.
func Files(ctx context.Context, req Request) (Stats, error) {
	if err := req.Options.Validate(); err != nil {
		return Stats{}, err
	}
	if _, err := imageio.FormatFromPath(req.OutputPath); err != nil {
		return Stats{}, err
	}

	base, err := imageio.Load(req.BasePath)
	if err != nil {
		return Stats{}, fmt.Errorf("load base image: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	depth, err := imageio.LoadGray(req.MapPath)
	if err != nil {
		return Stats{}, fmt.Errorf("load height map: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}

	out, stats, err := Images(base, depth, req.Options)
	if err != nil {
		return Stats{}, err
	}
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}

	if err := imageio.Save(req.OutputPath, out, req.Encode); err != nil {
		return Stats{}, fmt.Errorf("save output: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"base":      req.BasePath,
		"map":       req.MapPath,
		"output":    req.OutputPath,
		"layout":    req.Options.Layout,
		"magnitude": stats.Magnitude,
		"size":      fmt.Sprintf("%dx%d", stats.OutWidth, stats.Height),
		"elapsed":   stats.Elapsed,
	}).Info("Wrote stereo image")
	return stats, nil
}
