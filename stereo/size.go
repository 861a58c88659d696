package stereo

import (
	"errors"
	"math"
	"strconv"
	"strings"
)

// DefaultEffectSize is the displacement used when none is given.
const DefaultEffectSize = "2%"

// ResolveEffectSize turns a displacement specifier into a pixel count.
// The specifier is a bare number or a number suffixed with "px" (absolute
// pixels), or a number suffixed with "%" (percent of referenceWidth).
// Fractional results are truncated.
func ResolveEffectSize(value string, referenceWidth int) (int, error) {
	mult := float32(1)
	numeric := value
	switch {
	case strings.HasSuffix(value, "%"):
		mult = float32(referenceWidth) / 100
		numeric = strings.TrimSuffix(value, "%")
	case strings.HasSuffix(value, "px"):
		numeric = strings.TrimSuffix(value, "px")
	}

	if isHexFloat(numeric) {
		return 0, argError("size", value, ErrNotANumber)
	}
	f, err := strconv.ParseFloat(numeric, 32)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) {
			return 0, argError("size", value, ErrNotNormal)
		}
		return 0, argError("size", value, ErrNotANumber)
	}
	num := float32(f)
	if math.IsNaN(f) {
		return 0, argError("size", value, ErrNotNormal)
	}
	if num <= 0 {
		return 0, argError("size", value, ErrNotPositive)
	}
	if !isNormal32(num) {
		return 0, argError("size", value, ErrNotNormal)
	}

	px := mult * num
	if px >= math.MaxInt32 {
		return math.MaxInt32, nil
	}
	return int(px), nil
}

// isHexFloat reports whether s uses the 0x form, which ParseFloat accepts
// but a size never does.
func isHexFloat(s string) bool {
	s = strings.TrimLeft(s, "+-")
	return len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X')
}

// isNormal32 reports whether f is finite, non-zero and not subnormal.
func isNormal32(f float32) bool {
	if math.IsInf(float64(f), 0) || f == 0 {
		return false
	}
	return math.Abs(float64(f)) >= math.SmallestNonzeroFloat32*(1<<23)
}
