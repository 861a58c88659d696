// Command stereobatch renders every base/height-map pair found in a
// directory or a .7z/.zip archive.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/stevecastle/stereoeye/depthprep"
	"github.com/stevecastle/stereoeye/imageio"
	"github.com/stevecastle/stereoeye/pairs"
	"github.com/stevecastle/stereoeye/platform"
	"github.com/stevecastle/stereoeye/render"
	"github.com/stevecastle/stereoeye/stereo"
)

type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

type config struct {
	in, out, tmpDir string
	format          imageio.Format
	jobs            int
	quality         int
	opts            render.Options
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfg, err := parseFlags(args, stderr)
	if err == nil {
		err = batch(ctx, cfg, stdout)
	}
	switch {
	case err == nil, errors.Is(err, flag.ErrHelp):
		return 0
	}
	fmt.Fprintf(stderr, "error: %v\n", err)
	var uerr usageError
	var argErr *stereo.ArgumentError
	if errors.As(err, &uerr) || errors.As(err, &argErr) {
		return 2
	}
	return 1
}

func parseFlags(args []string, stderr io.Writer) (config, error) {
	fs := flag.NewFlagSet("stereobatch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: stereobatch [flags] -in <dir|archive> -o <output-dir>")
		fs.PrintDefaults()
	}

	cfg := config{opts: render.DefaultOptions()}
	var layout, format, clip string
	var verbose bool
	fs.StringVar(&cfg.in, "in", "", "directory or .7z/.zip archive holding the pairs")
	fs.StringVar(&cfg.out, "o", "", "output directory")
	fs.StringVar(&cfg.tmpDir, "tmp", platform.GetCacheDir(), "where archives are extracted")
	fs.StringVar(&cfg.opts.Size, "s", cfg.opts.Size, "effect size: pixels (12, 12px) or percent of width (2%)")
	fs.StringVar(&layout, "t", string(cfg.opts.Layout), "output layout: RL, LR or L")
	fs.StringVar(&format, "format", "png", "output format: png, jpg, gif, bmp or tif")
	fs.IntVar(&cfg.jobs, "jobs", runtime.GOMAXPROCS(0), "pairs rendered at once")
	fs.BoolVar(&cfg.opts.Depth.Invert, "invert", false, "treat black as near")
	fs.StringVar(&clip, "clip", "", "clip height maps to percentiles low,high before warping")
	fs.BoolVar(&cfg.opts.FitMap, "fit-map", false, "rescale height maps whose size differs from the base image")
	fs.IntVar(&cfg.quality, "quality", 90, "JPEG quality 1..100")
	fs.BoolVar(&verbose, "v", false, "verbose logging")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return cfg, err
		}
		return cfg, usageError{err.Error()}
	}
	logrus.SetOutput(stderr)
	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if cfg.in == "" || cfg.out == "" {
		return cfg, usageError{"-in and -o are required"}
	}
	if fs.NArg() > 0 {
		return cfg, usageError{fmt.Sprintf("unexpected argument %q", fs.Arg(0))}
	}
	var err error
	if cfg.opts.Layout, err = stereo.ParseLayout(layout); err != nil {
		return cfg, err
	}
	if cfg.format, err = imageio.ParseFormat(format); err != nil {
		return cfg, usageError{err.Error()}
	}
	if clip != "" {
		if cfg.opts.Depth.ClipLow, cfg.opts.Depth.ClipHigh, err = depthprep.ParseClip(clip); err != nil {
			return cfg, usageError{err.Error()}
		}
	}
	if cfg.quality < 1 || cfg.quality > 100 {
		return cfg, usageError{fmt.Sprintf("-quality must be within 1..100, got %d", cfg.quality)}
	}
	cfg.jobs = max(cfg.jobs, 1)
	return cfg, cfg.opts.Validate()
}

// discover lists the pairs in cfg.in, extracting archives first. The
// returned cleanup removes anything extracted.
func discover(cfg config) (pairs.Result, func(), error) {
	noop := func() {}
	info, err := os.Stat(cfg.in)
	if err != nil {
		return pairs.Result{}, noop, err
	}
	if info.IsDir() {
		res, err := pairs.FromDir(cfg.in)
		return res, noop, err
	}

	if err := os.MkdirAll(cfg.tmpDir, 0o755); err != nil {
		return pairs.Result{}, noop, err
	}
	dest, err := os.MkdirTemp(cfg.tmpDir, "batch-*")
	if err != nil {
		return pairs.Result{}, noop, err
	}
	cleanup := func() {
		if err := os.RemoveAll(dest); err != nil {
			logrus.WithError(err).WithField("dir", dest).Warn("Failed to remove extracted files")
		}
	}
	res, err := pairs.FromArchive(cfg.in, dest)
	if err != nil {
		cleanup()
		return pairs.Result{}, noop, err
	}
	return res, cleanup, nil
}

func batch(ctx context.Context, cfg config, stdout io.Writer) error {
	res, cleanup, err := discover(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	for _, name := range res.Unmatched {
		logrus.WithField("file", name).Warn("No partner found")
	}
	if len(res.Pairs) == 0 {
		return fmt.Errorf("no base/height-map pairs found in %s", cfg.in)
	}
	if err := os.MkdirAll(cfg.out, 0o755); err != nil {
		return err
	}

	work := make(chan pairs.Pair)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures []error
		done     int
	)
	for range min(cfg.jobs, len(res.Pairs)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range work {
				outPath, err := renderPair(ctx, cfg, p)
				mu.Lock()
				if err != nil {
					failures = append(failures, fmt.Errorf("%s: %w", p.Name, err))
				} else {
					done++
					fmt.Fprintf(stdout, "Wrote %s\n", outPath)
				}
				mu.Unlock()
			}
		}()
	}

feed:
	for _, p := range res.Pairs {
		select {
		case work <- p:
		case <-ctx.Done():
			break feed
		}
	}
	close(work)
	wg.Wait()

	fmt.Fprintf(stdout, "Rendered %d of %d pairs\n", done, len(res.Pairs))
	if err := ctx.Err(); err != nil {
		failures = append(failures, err)
	}
	return errors.Join(failures...)
}

func renderPair(ctx context.Context, cfg config, p pairs.Pair) (string, error) {
	outPath := filepath.Join(cfg.out, filepath.FromSlash(p.Name)) + cfg.format.Ext()
	if samePath(outPath, p.Base) || samePath(outPath, p.Map) {
		return "", fmt.Errorf("refusing to overwrite input %s", outPath)
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", err
	}
	stats, err := render.Files(ctx, render.Request{
		BasePath:   p.Base,
		MapPath:    p.Map,
		OutputPath: outPath,
		Options:    cfg.opts,
		Encode:     imageio.EncodeOptions{JPEGQuality: cfg.quality},
	})
	if err != nil {
		return "", err
	}
	logrus.WithFields(logrus.Fields{
		"pair":      p.Name,
		"magnitude": stats.Magnitude,
		"elapsed":   stats.Elapsed,
	}).Debug("Rendered pair")
	return outPath, nil
}

func samePath(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	return errA == nil && errB == nil && absA == absB
}
