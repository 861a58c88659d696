package stereo

import (
	"fmt"
	"image"
	"sync"
)

// CheckDimensions reports ErrDimensionMismatch unless base and depth have the
// same size. InferLeftView assumes this has been checked.
func CheckDimensions(base *image.RGBA, depth *image.Gray) error {
	bs, ds := base.Bounds().Size(), depth.Bounds().Size()
	if bs != ds {
		return fmt.Errorf("base/map images have different dimensions (%dx%d vs %dx%d): %w",
			bs.X, bs.Y, ds.X, ds.Y, ErrDimensionMismatch)
	}
	return nil
}

// InferLeftView renders the base image as seen from a camera displaced to the
// left. Each pixel moves right by magnitude*depth/255 pixels, clamped to the
// right edge. Columns nothing lands on are filled with the nearest written
// pixel to their left.
func InferLeftView(base *image.RGBA, depth *image.Gray, magnitude int) *image.RGBA {
	return InferLeftViewParallel(base, depth, magnitude, 1)
}

// InferLeftViewParallel is InferLeftView with rows split across workers.
// The output is identical for any worker count.
func InferLeftViewParallel(base *image.RGBA, depth *image.Gray, magnitude, workers int) *image.RGBA {
	b := base.Bounds()
	w, h := b.Dx(), b.Dy()
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	if w == 0 || h == 0 {
		return out
	}
	if magnitude < 0 {
		magnitude = 0
	}

	rows := splitRows(h, workers)
	if len(rows) == 1 {
		warpRows(out, base, depth, magnitude, rows[0][0], rows[0][1])
		return out
	}
	var wg sync.WaitGroup
	for _, r := range rows {
		wg.Add(1)
		go func(y0, y1 int) {
			defer wg.Done()
			warpRows(out, base, depth, magnitude, y0, y1)
		}(r[0], r[1])
	}
	wg.Wait()
	return out
}

// warpRows processes rows [y0, y1) with its own presence mask.
func warpRows(out, base *image.RGBA, depth *image.Gray, magnitude, y0, y1 int) {
	w := out.Bounds().Dx()
	bMin, dMin := base.Bounds().Min, depth.Bounds().Min
	present := make([]bool, w)

	for y := y0; y < y1; y++ {
		clear(present)
		so := base.PixOffset(bMin.X, bMin.Y+y)
		src := base.Pix[so : so+4*w]
		do := depth.PixOffset(dMin.X, dMin.Y+y)
		dep := depth.Pix[do : do+w]
		oo := out.PixOffset(0, y)
		dst := out.Pix[oo : oo+4*w]

		// Right to left: when several source columns land on the same
		// destination, the one furthest left is written last and wins.
		for x := w - 1; x >= 0; x-- {
			shift := int(float32(magnitude) * float32(dep[x]) / 255)
			x2 := min(x+shift, w-1)
			copy(dst[4*x2:4*x2+4], src[4*x:4*x+4])
			present[x2] = true
		}

		var last [4]uint8
		copy(last[:], src[0:4])
		for x, ok := range present {
			px := dst[4*x : 4*x+4]
			if ok {
				copy(last[:], px)
			} else {
				copy(px, last[:])
			}
		}
	}
}

// splitRows partitions h rows into at most workers contiguous ranges.
func splitRows(h, workers int) [][2]int {
	if workers < 1 {
		workers = 1
	}
	if workers > h {
		workers = h
	}
	rows := make([][2]int, 0, workers)
	step := h / workers
	start := 0
	for i := 0; i < workers; i++ {
		end := start + step
		if i == workers-1 {
			end = h
		}
		rows = append(rows, [2]int{start, end})
		start = end
	}
	return rows
}
