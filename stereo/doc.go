// Package stereo synthesizes a left-eye view from a color image and a depth
// map by shifting pixels horizontally, and packs views side by side.
//
// Brighter depth samples move further: a sample of 255 moves a pixel by the
// full effect size, a sample of 0 leaves it in place.
package stereo
