// Command stereoeye turns a base image and its height map into a
// side-by-side stereo image.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/pkg/browser"
	"github.com/sirupsen/logrus"

	"github.com/stevecastle/stereoeye/depthprep"
	"github.com/stevecastle/stereoeye/imageio"
	"github.com/stevecastle/stereoeye/render"
	"github.com/stevecastle/stereoeye/stereo"
)

// openFile shows the written image in the desktop viewer.
var openFile = browser.OpenFile

// usageError marks problems with the command line itself.
type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	err := execute(ctx, args, stdout, stderr)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, flag.ErrHelp):
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

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("stereoeye", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: stereoeye [flags] -o <output> <base-image> <height-map>")
		fs.PrintDefaults()
	}

	opts := render.DefaultOptions()
	var (
		basePath, mapPath, outPath, layout, clip string
		quality                                  int
		open, verbose                            bool
	)
	fs.StringVar(&opts.Size, "s", opts.Size, "effect size: pixels (12, 12px) or percent of width (2%)")
	fs.StringVar(&opts.Size, "size", opts.Size, "same as -s")
	fs.StringVar(&basePath, "base", "", "base image (or first positional argument)")
	fs.StringVar(&mapPath, "map", "", "height map (or second positional argument)")
	fs.StringVar(&outPath, "o", "", "output image; the extension picks the format")
	fs.StringVar(&outPath, "output", "", "same as -o")
	fs.StringVar(&layout, "t", string(opts.Layout), "output layout: RL, LR or L")
	fs.StringVar(&layout, "type", string(opts.Layout), "same as -t")
	fs.IntVar(&opts.Workers, "workers", runtime.GOMAXPROCS(0), "goroutines sharing the warp")
	fs.BoolVar(&opts.Depth.Invert, "invert", false, "treat black as near")
	fs.StringVar(&clip, "clip", "", "clip the height map to percentiles low,high before warping (e.g. 2,98)")
	fs.BoolVar(&opts.FitMap, "fit-map", false, "rescale a height map whose size differs from the base image")
	fs.IntVar(&quality, "quality", 90, "JPEG quality 1..100")
	fs.BoolVar(&open, "open", false, "open the result in the default viewer")
	fs.BoolVar(&verbose, "v", false, "verbose logging")

	positional, err := parseInterleaved(fs, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return usageError{err.Error()}
	}

	logrus.SetOutput(stderr)
	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	basePath, mapPath, err = inputPaths(basePath, mapPath, positional)
	if err != nil {
		return err
	}
	if outPath == "" {
		return usageError{"missing required -o/-output"}
	}
	if opts.Layout, err = stereo.ParseLayout(layout); err != nil {
		return err
	}
	if clip != "" {
		if opts.Depth.ClipLow, opts.Depth.ClipHigh, err = depthprep.ParseClip(clip); err != nil {
			return usageError{err.Error()}
		}
	}
	if quality < 1 || quality > 100 {
		return usageError{fmt.Sprintf("-quality must be within 1..100, got %d", quality)}
	}

	stats, err := render.Files(ctx, render.Request{
		BasePath:   basePath,
		MapPath:    mapPath,
		OutputPath: outPath,
		Options:    opts,
		Encode:     imageio.EncodeOptions{JPEGQuality: quality},
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Wrote %s (%dx%d -> %dx%d %s, shift %dpx) in %s\n",
		outPath, stats.Width, stats.Height, stats.OutWidth, stats.Height, opts.Layout, stats.Magnitude, stats.Elapsed)

	if open {
		if err := openFile(outPath); err != nil {
			logrus.WithError(err).WithField("path", outPath).Warn("Could not open result")
		}
	}
	return nil
}

// parseInterleaved parses flags that may follow positional arguments, as in
// "stereoeye base.png map.png -o out.png". Everything after "--" is
// positional.
func parseInterleaved(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		rest := fs.Args()
		if len(rest) == 0 {
			return positional, nil
		}
		if consumed := args[:len(args)-len(rest)]; len(consumed) > 0 && consumed[len(consumed)-1] == "--" {
			return append(positional, rest...), nil
		}
		positional = append(positional, rest[0])
		args = rest[1:]
	}
}

// inputPaths merges the -base/-map flags with positional arguments.
func inputPaths(base, depth string, positional []string) (string, string, error) {
	for _, p := range positional {
		switch {
		case base == "":
			base = p
		case depth == "":
			depth = p
		default:
			return "", "", usageError{fmt.Sprintf("unexpected argument %q", p)}
		}
	}
	if base == "" || depth == "" {
		return "", "", usageError{"need a base image and a height map"}
	}
	return base, depth, nil
}
