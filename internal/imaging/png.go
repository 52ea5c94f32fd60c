// Package imaging prepares uploaded images and masks for the edit endpoints.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"

	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// ErrUnsupportedImage is returned for uploads that cannot be decoded.
var ErrUnsupportedImage = errors.New("unsupported image")

// DefaultMaxPixels matches the largest input the upstream edit endpoints accept.
const DefaultMaxPixels = 9_437_184

// Prepared holds the normalized PNG pair sent upstream.
type Prepared struct {
	Image []byte
	Mask  []byte
}

// Prepare normalizes image and fits mask to it. A nil or empty mask selects
// the whole image. Inputs above maxPixels are rejected before decoding;
// maxPixels <= 0 means DefaultMaxPixels.
func Prepare(imageData, maskData []byte, maxPixels int) (*Prepared, error) {
	normalized, bounds, err := Normalize(imageData, maxPixels)
	if err != nil {
		return nil, fmt.Errorf("image: %w", err)
	}

	var mask []byte
	if len(maskData) == 0 {
		mask, err = FullMask(bounds)
	} else {
		mask, err = FitMask(maskData, bounds, maxPixels)
	}
	if err != nil {
		return nil, err
	}

	return &Prepared{Image: normalized, Mask: mask}, nil
}

// Normalize decodes data and re-encodes it as an opaque RGB PNG.
func Normalize(data []byte, maxPixels int) ([]byte, image.Rectangle, error) {
	img, err := decode(data, maxPixels)
	if err != nil {
		return nil, image.Rectangle{}, err
	}
	out, err := encode(toRGB(img))
	if err != nil {
		return nil, image.Rectangle{}, err
	}
	return out, image.Rect(0, 0, img.Bounds().Dx(), img.Bounds().Dy()), nil
}

// FullMask renders an all-white mask covering bounds.
func FullMask(bounds image.Rectangle) ([]byte, error) {
	mask := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(mask, mask.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	return encode(mask)
}

// FitMask converts an uploaded mask to grayscale and scales it to bounds.
func FitMask(data []byte, bounds image.Rectangle, maxPixels int) ([]byte, error) {
	src, err := decode(data, maxPixels)
	if err != nil {
		return nil, fmt.Errorf("mask: %w", err)
	}

	dst := image.NewGray(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	if src.Bounds().Dx() == bounds.Dx() && src.Bounds().Dy() == bounds.Dy() {
		draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Src)
	} else {
		draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	}
	return encode(dst)
}

func decode(data []byte, maxPixels int) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty upload", ErrUnsupportedImage)
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: zero-sized image", ErrUnsupportedImage)
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrUnsupportedImage, cfg.Width, cfg.Height, maxPixels)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: zero-sized image", ErrUnsupportedImage)
	}
	return img, nil
}

// toRGB drops the alpha channel and keeps the straight color values, so a
// fully transparent pixel keeps whatever color it was stored with.
func toRGB(src image.Image) *image.NRGBA {
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := color.NRGBAModel.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			c.A = 0xff
			dst.SetNRGBA(x, y, c)
		}
	}
	return dst
}

func encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}
