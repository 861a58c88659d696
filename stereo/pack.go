package stereo

import (
	"fmt"
	"image"
	"strings"

	"golang.org/x/image/draw"
)

// Layout selects how the synthesized left view and the base image are
// arranged in the output.
type Layout string

const (
	LayoutLR   Layout = "LR" // synthesized left view, then base
	LayoutRL   Layout = "RL" // base, then synthesized left view
	LayoutLeft Layout = "L"  // synthesized view only
)

// DefaultLayout is the layout used when none is given.
const DefaultLayout = LayoutRL

// Layouts lists the accepted layout names.
func Layouts() []Layout {
	return []Layout{LayoutRL, LayoutLR, LayoutLeft}
}

// ParseLayout validates a layout name. Matching is exact, like the command
// line surface.
func ParseLayout(s string) (Layout, error) {
	for _, l := range Layouts() {
		if string(l) == s {
			return l, nil
		}
	}
	names := make([]string, 0, 3)
	for _, l := range Layouts() {
		names = append(names, string(l))
	}
	return "", argError("type", s, fmt.Errorf("must be one of %s", strings.Join(names, ", ")))
}

// HorizStack places left and right next to each other in a new image.
func HorizStack(left, right *image.RGBA) (*image.RGBA, error) {
	lb, rb := left.Bounds(), right.Bounds()
	if lb.Dy() != rb.Dy() {
		return nil, fmt.Errorf("image heights mismatched (%d vs %d): %w", lb.Dy(), rb.Dy(), ErrDimensionMismatch)
	}
	lw := lb.Dx()
	out := image.NewRGBA(image.Rect(0, 0, lw+rb.Dx(), lb.Dy()))
	draw.Copy(out, image.Point{}, left, lb, draw.Src, nil)
	draw.Copy(out, image.Pt(lw, 0), right, rb, draw.Src, nil)
	return out, nil
}

// Compose arranges base and the synthesized left view according to layout.
func Compose(layout Layout, base, leftView *image.RGBA) (*image.RGBA, error) {
	switch layout {
	case LayoutLR:
		return HorizStack(leftView, base)
	case LayoutRL:
		return HorizStack(base, leftView)
	case LayoutLeft:
		return leftView, nil
	default:
		return nil, argError("type", string(layout), fmt.Errorf("unsupported layout"))
	}
}
