package depthprep

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ramp returns a 10x10 map holding 0..99 in row-major order.
func ramp() *image.Gray {
	g := image.NewGray(image.Rect(0, 0, 10, 10))
	for i := range g.Pix {
		g.Pix[i] = uint8(i)
	}
	return g
}

func TestInvert(t *testing.T) {
	g := image.NewGray(image.Rect(0, 0, 3, 1))
	copy(g.Pix, []uint8{0, 100, 255})
	out := Invert(g)
	assert.Equal(t, []uint8{255, 155, 0}, out.Pix)
	assert.Equal(t, []uint8{0, 100, 255}, g.Pix, "input must not change")
}

func TestClipPercentiles(t *testing.T) {
	out := ClipPercentiles(ramp(), 10, 90)
	assert.Equal(t, uint8(0), out.Pix[0])
	assert.Equal(t, uint8(0), out.Pix[9])
	assert.Equal(t, uint8(128), out.Pix[49])
	assert.Equal(t, uint8(255), out.Pix[89])
	assert.Equal(t, uint8(255), out.Pix[99])
}

func TestClipPercentilesFullRangeStretches(t *testing.T) {
	g := image.NewGray(image.Rect(0, 0, 2, 1))
	copy(g.Pix, []uint8{50, 150})
	out := ClipPercentiles(g, 0, 100)
	assert.Equal(t, []uint8{0, 255}, out.Pix)
}

func TestClipPercentilesFlatMapUnchanged(t *testing.T) {
	g := image.NewGray(image.Rect(0, 0, 4, 4))
	for i := range g.Pix {
		g.Pix[i] = 77
	}
	out := ClipPercentiles(g, 5, 95)
	assert.Equal(t, g.Pix, out.Pix)
}

func TestApply(t *testing.T) {
	g := ramp()
	assert.Equal(t, g.Pix, Apply(g, Options{}).Pix)

	out := Apply(g, Options{Invert: true, ClipLow: 10, ClipHigh: 90})
	assert.Equal(t, uint8(255), out.Pix[0])
	assert.Equal(t, uint8(0), out.Pix[99])
	assert.Equal(t, uint8(0), g.Pix[0])
}

func TestApplySubImage(t *testing.T) {
	sub := ramp().SubImage(image.Rect(2, 1, 5, 3)).(*image.Gray)
	out := Apply(sub, Options{})
	require.Equal(t, image.Rect(0, 0, 3, 2), out.Bounds())
	assert.Equal(t, []uint8{12, 13, 14, 22, 23, 24}, out.Pix)
}

func TestOptions(t *testing.T) {
	assert.False(t, Options{}.Enabled())
	assert.True(t, Options{Invert: true}.Enabled())
	assert.True(t, Options{ClipLow: 2, ClipHigh: 98}.Enabled())

	assert.NoError(t, Options{}.Validate())
	assert.NoError(t, Options{ClipLow: 2, ClipHigh: 98}.Validate())
	assert.Error(t, Options{ClipLow: 50, ClipHigh: 50}.Validate())
	assert.Error(t, Options{ClipLow: -1, ClipHigh: 50}.Validate())
	assert.Error(t, Options{ClipLow: 0, ClipHigh: 101}.Validate())
}

func TestResample(t *testing.T) {
	g := image.NewGray(image.Rect(0, 0, 2, 2))
	for i := range g.Pix {
		g.Pix[i] = 200
	}
	out := Resample(g, 6, 4)
	require.Equal(t, image.Rect(0, 0, 6, 4), out.Bounds())
	for _, v := range out.Pix {
		assert.Equal(t, uint8(200), v)
	}
}

func TestParseClip(t *testing.T) {
	low, high, err := ParseClip("2, 98")
	require.NoError(t, err)
	assert.Equal(t, 2.0, low)
	assert.Equal(t, 98.0, high)

	for _, bad := range []string{"", "5", "a,10", "5,b", "50,40", "-1,50", "0,101"} {
		_, _, err := ParseClip(bad)
		assert.Error(t, err, bad)
	}
}
