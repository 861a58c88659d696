// Package depthprep shapes a depth map before it is used for warping.
// None of these steps run unless asked for.
package depthprep

import (
	"fmt"
	"image"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/image/draw"
	"gonum.org/v1/gonum/stat"
)

// Options selects the shaping steps. The zero value leaves the map untouched.
type Options struct {
	Invert   bool    // treat black as near
	ClipLow  float64 // lower percentile, 0..100
	ClipHigh float64 // upper percentile, 0..100; 0 disables clipping
}

// Enabled reports whether any step would change the map.
func (o Options) Enabled() bool {
	return o.Invert || o.ClipHigh > 0
}

// Validate checks the percentile range.
func (o Options) Validate() error {
	if o.ClipHigh == 0 && o.ClipLow == 0 {
		return nil
	}
	if o.ClipLow < 0 || o.ClipHigh > 100 || o.ClipLow >= o.ClipHigh {
		return fmt.Errorf("clip percentiles must satisfy 0 <= low < high <= 100, got %g..%g", o.ClipLow, o.ClipHigh)
	}
	return nil
}

// ParseClip reads a "low,high" percentile pair.
func ParseClip(s string) (low, high float64, err error) {
	lo, hi, ok := strings.Cut(s, ",")
	if !ok {
		return 0, 0, fmt.Errorf("clip %q: want low,high", s)
	}
	if low, err = strconv.ParseFloat(strings.TrimSpace(lo), 64); err != nil {
		return 0, 0, fmt.Errorf("clip %q: %w", s, err)
	}
	if high, err = strconv.ParseFloat(strings.TrimSpace(hi), 64); err != nil {
		return 0, 0, fmt.Errorf("clip %q: %w", s, err)
	}
	return low, high, Options{ClipLow: low, ClipHigh: high}.Validate()
}

// Apply runs the enabled steps and returns a new map; g is never modified.
func Apply(g *image.Gray, o Options) *image.Gray {
	out := clone(g)
	if o.ClipHigh > 0 {
		clipPercentiles(out, o.ClipLow, o.ClipHigh)
	}
	if o.Invert {
		invert(out)
	}
	return out
}

// Invert returns a copy of g with every sample v replaced by 255-v.
func Invert(g *image.Gray) *image.Gray {
	out := clone(g)
	invert(out)
	return out
}

// ClipPercentiles returns a copy of g with samples outside the low/high
// percentiles clamped and the remaining range stretched to 0..255.
func ClipPercentiles(g *image.Gray, low, high float64) *image.Gray {
	out := clone(g)
	clipPercentiles(out, low, high)
	return out
}

// Resample scales g to w×h. It is only used when the caller explicitly
// asked for a mismatched map to be fitted to its base image.
func Resample(g *image.Gray, w, h int) *image.Gray {
	dst := image.NewGray(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), g, g.Bounds(), draw.Src, nil)
	return dst
}

func invert(g *image.Gray) {
	for i, v := range g.Pix {
		g.Pix[i] = 255 - v
	}
}

func clipPercentiles(g *image.Gray, low, high float64) {
	if len(g.Pix) == 0 {
		return
	}
	samples := make([]float64, len(g.Pix))
	for i, v := range g.Pix {
		samples[i] = float64(v)
	}
	sort.Float64s(samples)

	vNear := stat.Quantile(low/100, stat.Empirical, samples, nil)
	vFar := stat.Quantile(high/100, stat.Empirical, samples, nil)
	if low <= 0 {
		vNear = samples[0]
	}
	den := vFar - vNear
	if den <= 0 {
		return
	}
	for i, v := range g.Pix {
		f := min(max(float64(v), vNear), vFar)
		g.Pix[i] = uint8((f-vNear)/den*255 + 0.5)
	}
}

// clone copies g into an origin-based buffer.
func clone(g *image.Gray) *image.Gray {
	b := g.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := range b.Dy() {
		so := g.PixOffset(b.Min.X, b.Min.Y+y)
		copy(out.Pix[y*out.Stride:y*out.Stride+b.Dx()], g.Pix[so:so+b.Dx()])
	}
	return out
}
