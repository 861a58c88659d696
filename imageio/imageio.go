// Package imageio decodes inputs into the buffers the stereo package works on
// and encodes results, picking the format from the file extension.
package imageio

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/nfnt/resize"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrUnsupportedFormat is returned when no encoder matches an output name.
var ErrUnsupportedFormat = errors.New("unsupported image format")

// DecodeError wraps a failure to decode an input image.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("decode image: %v", e.Err)
	}
	return fmt.Sprintf("decode %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Format is an output encoding.
type Format string

const (
	PNG  Format = "png"
	JPEG Format = "jpeg"
	GIF  Format = "gif"
	BMP  Format = "bmp"
	TIFF Format = "tiff"
)

// ContentType returns the MIME type for f.
func (f Format) ContentType() string {
	return "image/" + string(f)
}

// Ext returns the canonical file extension for f, including the dot.
func (f Format) Ext() string {
	switch f {
	case JPEG:
		return ".jpg"
	case TIFF:
		return ".tif"
	default:
		return "." + string(f)
	}
}

// ParseFormat maps a format name or extension (with or without the dot) to a Format.
func ParseFormat(name string) (Format, error) {
	switch strings.TrimPrefix(strings.ToLower(name), ".") {
	case "png":
		return PNG, nil
	case "jpg", "jpeg":
		return JPEG, nil
	case "gif":
		return GIF, nil
	case "bmp":
		return BMP, nil
	case "tif", "tiff":
		return TIFF, nil
	}
	return "", fmt.Errorf("%q: %w", name, ErrUnsupportedFormat)
}

// FormatFromPath infers the output format from the extension of path.
func FormatFromPath(path string) (Format, error) {
	ext := filepath.Ext(path)
	if ext == "" {
		return "", fmt.Errorf("%s has no extension: %w", path, ErrUnsupportedFormat)
	}
	return ParseFormat(ext)
}

// IsInputExt reports whether ext (with or without the dot) names a format
// that can be decoded. This is a superset of the output formats.
func IsInputExt(ext string) bool {
	if strings.EqualFold(strings.TrimPrefix(ext, "."), "webp") {
		return true
	}
	_, err := ParseFormat(ext)
	return err == nil
}

// EncodeOptions tunes the encoders. The zero value uses library defaults.
type EncodeOptions struct {
	JPEGQuality int
	PNGSpeed    bool
}

// Decode reads any registered format (PNG, JPEG, GIF, WEBP, BMP, TIFF).
func Decode(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", &DecodeError{Err: err}
	}
	return img, format, nil
}

// Load decodes the file at path into an origin-based RGBA buffer.
func Load(path string) (*image.RGBA, error) {
	img, err := loadImage(path)
	if err != nil {
		return nil, err
	}
	return ToRGBA(img), nil
}

// LoadGray decodes the file at path and reduces it to 8-bit luma.
func LoadGray(path string) (*image.Gray, error) {
	img, err := loadImage(path)
	if err != nil {
		return nil, err
	}
	return ToGray(img), nil
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	return img, nil
}

// ToRGBA converts img to *image.RGBA with bounds starting at the origin.
// An origin-based *image.RGBA is returned as is.
func ToRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	if rgba, ok := img.(*image.RGBA); ok && b.Min == (image.Point{}) {
		return rgba
	}
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// ToGray reduces img to 8-bit luma with Rec.709 weights applied to the
// gamma-encoded channels. Alpha is ignored.
func ToGray(img image.Image) *image.Gray {
	b := img.Bounds()
	if g, ok := img.(*image.Gray); ok && b.Min == (image.Point{}) {
		return g
	}
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := range b.Dy() {
		for x := range b.Dx() {
			dst.Pix[y*dst.Stride+x] = luma(img.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}

func luma(c color.Color) uint8 {
	switch c := c.(type) {
	case color.Gray:
		return c.Y
	case color.NRGBA:
		return luma8(c.R, c.G, c.B)
	}
	r, g, b, a := c.RGBA()
	if a == 0 {
		return 0
	}
	if a != 0xffff {
		// un-premultiply
		r = r * 0xffff / a
		g = g * 0xffff / a
		b = b * 0xffff / a
	}
	return luma8(uint8(r>>8), uint8(g>>8), uint8(b>>8))
}

func luma8(r, g, b uint8) uint8 {
	return uint8((2126*uint32(r) + 7152*uint32(g) + 722*uint32(b)) / 10000)
}

// Encode writes img to w in the given format.
func Encode(w io.Writer, img image.Image, format Format, opts EncodeOptions) error {
	switch format {
	case PNG:
		enc := png.Encoder{}
		if opts.PNGSpeed {
			enc.CompressionLevel = png.BestSpeed
		}
		return enc.Encode(w, img)
	case JPEG:
		q := opts.JPEGQuality
		if q < 1 || q > 100 {
			q = jpeg.DefaultQuality
		}
		return jpeg.Encode(w, img, &jpeg.Options{Quality: q})
	case GIF:
		return gif.Encode(w, img, nil)
	case BMP:
		return bmp.Encode(w, img)
	case TIFF:
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	}
	return fmt.Errorf("%q: %w", format, ErrUnsupportedFormat)
}

// EncodeBytes encodes img into memory.
func EncodeBytes(img image.Image, format Format, opts EncodeOptions) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, img, format, opts); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Save encodes img in the format implied by path and writes it. Encoding
// happens before the file is created, so a failed encode leaves nothing behind.
func Save(path string, img image.Image, opts EncodeOptions) error {
	format, err := FormatFromPath(path)
	if err != nil {
		return err
	}
	data, err := EncodeBytes(img, format, opts)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return os.WriteFile(path, data, 0644)
}

// Thumbnail scales img down to fit within maxSize×maxSize, keeping the aspect
// ratio. Images already small enough are returned unchanged.
func Thumbnail(img image.Image, maxSize int) image.Image {
	if maxSize <= 0 {
		return img
	}
	b := img.Bounds()
	if b.Dx() <= maxSize && b.Dy() <= maxSize {
		return img
	}
	return resize.Thumbnail(uint(maxSize), uint(maxSize), img, resize.Bilinear)
}
