package stereo

import (
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func opaque(v uint8) color.RGBA { return color.RGBA{R: v, G: 255 - v, B: v / 2, A: 255} }

// gradient builds a w×h image whose pixels are all distinct and opaque.
func gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: uint8(x + y), A: 255})
		}
	}
	return img
}

func uniformDepth(w, h int, v uint8) *image.Gray {
	g := image.NewGray(image.Rect(0, 0, w, h))
	for i := range g.Pix {
		g.Pix[i] = v
	}
	return g
}

func TestResolveEffectSize(t *testing.T) {
	tests := []struct {
		value string
		width int
		want  int
	}{
		{"50%", 200, 100},
		{"10px", 200, 10},
		{"10", 200, 10},
		{"2%", 1000, 20},
		{"2%", 640, 12}, // 12.8 truncated
		{"7.9", 100, 7},
		{"7.9px", 100, 7},
		{"0.5", 100, 0},
		{"100%", 37, 37},
		{"+5", 100, 5},
	}
	for _, tt := range tests {
		got, err := ResolveEffectSize(tt.value, tt.width)
		require.NoError(t, err, tt.value)
		assert.Equal(t, tt.want, got, "ResolveEffectSize(%q, %d)", tt.value, tt.width)
	}
}

func TestResolveEffectSizeErrors(t *testing.T) {
	tests := []struct {
		value string
		want  error
	}{
		{"0", ErrNotPositive},
		{"-5%", ErrNotPositive},
		{"-3px", ErrNotPositive},
		{"-inf", ErrNotPositive},
		{"abc", ErrNotANumber},
		{"", ErrNotANumber},
		{"%", ErrNotANumber},
		{"px", ErrNotANumber},
		{"5 px", ErrNotANumber},
		{"10em", ErrNotANumber},
		{"0x1p3", ErrNotANumber},
		{"-0X1p3", ErrNotANumber},
		{"0x10px", ErrNotANumber},
		{"+0x1p3%", ErrNotANumber},
		{"0x_1p3", ErrNotANumber},
		{"NaN", ErrNotNormal},
		{"inf", ErrNotNormal},
		{"1e40", ErrNotNormal},
		{"1e-40", ErrNotNormal},
	}
	for _, tt := range tests {
		_, err := ResolveEffectSize(tt.value, 200)
		require.Error(t, err, tt.value)
		assert.ErrorIs(t, err, tt.want, tt.value)

		var argErr *ArgumentError
		require.True(t, errors.As(err, &argErr), tt.value)
		assert.Equal(t, "size", argErr.Arg)
		assert.Equal(t, tt.value, argErr.Value)
	}
}

func TestInferLeftViewDimensions(t *testing.T) {
	base := gradient(17, 5)
	depth := uniformDepth(17, 5, 128)
	out := InferLeftView(base, depth, 6)
	assert.Equal(t, base.Bounds(), out.Bounds())
}

func TestInferLeftViewWritesEveryPixel(t *testing.T) {
	// Alpha 0 never occurs in the opaque input, so it marks an unwritten cell.
	base := gradient(31, 9)
	depth := image.NewGray(base.Bounds())
	for i := range depth.Pix {
		depth.Pix[i] = uint8((i * 37) % 256)
	}
	out := InferLeftView(base, depth, 12)
	for i := 3; i < len(out.Pix); i += 4 {
		require.Equal(t, uint8(255), out.Pix[i], "pixel %d left unwritten", i/4)
	}
}

func TestInferLeftViewZeroDepthIsIdentity(t *testing.T) {
	base := gradient(12, 4)
	out := InferLeftView(base, uniformDepth(12, 4, 0), 9)
	assert.Equal(t, base.Pix, out.Pix)
}

func TestInferLeftViewFullDepthShifts(t *testing.T) {
	const w, h, m = 10, 3, 4
	base := gradient(w, h)
	out := InferLeftView(base, uniformDepth(w, h, 255), m)
	for y := range h {
		for x := range w {
			var want color.RGBA
			switch {
			case x < m:
				want = base.RGBAAt(0, y)
			case x == w-1:
				// Every column at or past w-1-m is clamped to the edge; the
				// leftmost of them is written last.
				want = base.RGBAAt(w-1-m, y)
			default:
				want = base.RGBAAt(x-m, y)
			}
			assert.Equal(t, want, out.RGBAAt(x, y), "pixel (%d,%d)", x, y)
		}
	}
}

func TestInferLeftViewCollisionOrder(t *testing.T) {
	a, b, c, d := opaque(10), opaque(20), opaque(30), opaque(40)
	base := image.NewRGBA(image.Rect(0, 0, 4, 1))
	for x, px := range []color.RGBA{a, b, c, d} {
		base.SetRGBA(x, 0, px)
	}
	depth := image.NewGray(image.Rect(0, 0, 4, 1))
	copy(depth.Pix, []uint8{0, 0, 255, 0})

	out := InferLeftView(base, depth, 2)

	want := []color.RGBA{a, b, b, c}
	for x, px := range want {
		assert.Equal(t, px, out.RGBAAt(x, 0), "column %d", x)
	}
}

func TestInferLeftViewSeedIsSourceLeftPixel(t *testing.T) {
	a, b, c := opaque(1), opaque(2), opaque(3)
	base := image.NewRGBA(image.Rect(0, 0, 3, 1))
	for x, px := range []color.RGBA{a, b, c} {
		base.SetRGBA(x, 0, px)
	}
	depth := image.NewGray(image.Rect(0, 0, 3, 1))
	copy(depth.Pix, []uint8{255, 255, 255})

	// Everything shifts by 1: column 0 is a hole filled from base(0).
	out := InferLeftView(base, depth, 1)
	assert.Equal(t, a, out.RGBAAt(0, 0))
	assert.Equal(t, a, out.RGBAAt(1, 0))
	assert.Equal(t, b, out.RGBAAt(2, 0))
}

func TestInferLeftViewPartialShift(t *testing.T) {
	base := gradient(8, 1)
	// 4*128/255 = 2.008 -> 2; 4*64/255 = 1.004 -> 1
	depth := image.NewGray(image.Rect(0, 0, 8, 1))
	copy(depth.Pix, []uint8{128, 128, 128, 128, 64, 64, 64, 64})
	out := InferLeftView(base, depth, 4)

	// sources 0..3 land on 2..5, sources 4..7 land on 5..7 (7 clamped).
	want := []int{0, 0, 0, 1, 2, 3, 5, 6}
	for x, sx := range want {
		assert.Equal(t, base.RGBAAt(sx, 0), out.RGBAAt(x, 0), "column %d", x)
	}
}

func TestInferLeftViewSubImage(t *testing.T) {
	full := gradient(20, 10)
	base := full.SubImage(image.Rect(5, 2, 15, 6)).(*image.RGBA)
	depth := uniformDepth(10, 4, 0)
	out := InferLeftView(base, depth, 3)
	require.Equal(t, image.Rect(0, 0, 10, 4), out.Bounds())
	assert.Equal(t, full.RGBAAt(5, 2), out.RGBAAt(0, 0))
	assert.Equal(t, full.RGBAAt(14, 5), out.RGBAAt(9, 3))
}

func TestInferLeftViewParallelMatchesSequential(t *testing.T) {
	base := gradient(40, 23)
	depth := image.NewGray(base.Bounds())
	for i := range depth.Pix {
		depth.Pix[i] = uint8((i*91 + 7) % 256)
	}
	want := InferLeftView(base, depth, 9)
	for _, workers := range []int{0, 2, 3, 8, 64} {
		got := InferLeftViewParallel(base, depth, 9, workers)
		assert.Equal(t, want.Pix, got.Pix, "workers=%d", workers)
	}
}

func TestInferLeftViewEmpty(t *testing.T) {
	out := InferLeftView(image.NewRGBA(image.Rect(0, 0, 0, 0)), image.NewGray(image.Rect(0, 0, 0, 0)), 5)
	assert.True(t, out.Bounds().Empty())
}

func TestCheckDimensions(t *testing.T) {
	require.NoError(t, CheckDimensions(gradient(4, 3), uniformDepth(4, 3, 0)))

	err := CheckDimensions(gradient(4, 3), uniformDepth(3, 4, 0))
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestHorizStack(t *testing.T) {
	left := gradient(3, 2)
	right := image.NewRGBA(image.Rect(0, 0, 5, 2))
	for i := range right.Pix {
		right.Pix[i] = 200
	}

	out, err := HorizStack(left, right)
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 8, 2), out.Bounds())
	for y := range 2 {
		for x := range 8 {
			if x < 3 {
				assert.Equal(t, left.RGBAAt(x, y), out.RGBAAt(x, y))
			} else {
				assert.Equal(t, right.RGBAAt(x-3, y), out.RGBAAt(x, y))
			}
		}
	}
}

func TestHorizStackHeightMismatch(t *testing.T) {
	_, err := HorizStack(gradient(3, 2), gradient(3, 4))
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestCompose(t *testing.T) {
	base := gradient(2, 1)
	view := image.NewRGBA(image.Rect(0, 0, 2, 1))
	view.SetRGBA(0, 0, opaque(99))
	view.SetRGBA(1, 0, opaque(98))

	lr, err := Compose(LayoutLR, base, view)
	require.NoError(t, err)
	assert.Equal(t, opaque(99), lr.RGBAAt(0, 0))
	assert.Equal(t, base.RGBAAt(0, 0), lr.RGBAAt(2, 0))

	rl, err := Compose(LayoutRL, base, view)
	require.NoError(t, err)
	assert.Equal(t, base.RGBAAt(0, 0), rl.RGBAAt(0, 0))
	assert.Equal(t, opaque(99), rl.RGBAAt(2, 0))

	l, err := Compose(LayoutLeft, base, view)
	require.NoError(t, err)
	assert.Same(t, view, l)

	_, err = Compose(Layout("X"), base, view)
	var argErr *ArgumentError
	assert.ErrorAs(t, err, &argErr)
}

func TestParseLayout(t *testing.T) {
	for _, name := range []string{"RL", "LR", "L"} {
		l, err := ParseLayout(name)
		require.NoError(t, err)
		assert.Equal(t, Layout(name), l)
	}
	for _, bad := range []string{"", "rl", "R", "LRL"} {
		_, err := ParseLayout(bad)
		var argErr *ArgumentError
		assert.ErrorAs(t, err, &argErr, bad)
	}
}

func TestSplitRows(t *testing.T) {
	tests := []struct {
		h, workers int
		want       [][2]int
	}{
		{10, 1, [][2]int{{0, 10}}},
		{10, 3, [][2]int{{0, 3}, {3, 6}, {6, 10}}},
		{2, 5, [][2]int{{0, 1}, {1, 2}}},
		{4, 0, [][2]int{{0, 4}}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, splitRows(tt.h, tt.workers), "splitRows(%d, %d)", tt.h, tt.workers)
	}
}
