// Package diffimg composites two rendered images into a three-color diff:
// white where they agree, red where only the base has content, blue where
// only the target has content.
package diffimg

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"

	"github.com/disintegration/imaging"
)

// DefaultThreshold is how far a pixel's luminance must fall below the white
// renderer background to count as content. Vector exporters anti-alias
// edges, so exact comparison against the background would classify every
// edge ramp as content; 48/255 absorbs the ramps while keeping hairlines.
const DefaultThreshold = 48

type Options struct {
	// Threshold overrides DefaultThreshold when non-zero.
	Threshold uint8
}

func (o Options) threshold() uint8 {
	if o.Threshold == 0 {
		return DefaultThreshold
	}
	return o.Threshold
}

var (
	removedColor = color.NRGBA{R: 0xff, A: 0xff}
	addedColor   = color.NRGBA{B: 0xff, A: 0xff}
	bgColor      = color.NRGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
)

// Decode reads a rendered PNG.
func Decode(data []byte) (image.Image, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode rendered image: %w", err)
	}
	return img, nil
}

// EncodePNG serializes a composite for the HTTP layer and the cache.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode diff image: %w", err)
	}
	return buf.Bytes(), nil
}

// Compose builds the composite diff. Differing dimensions are tolerated by
// padding both inputs onto a shared white canvas anchored at the origin.
// identical is true iff no pixel is classified red or blue.
func Compose(base, target image.Image, opts Options) (composite *image.NRGBA, identical bool) {
	width := max(base.Bounds().Dx(), target.Bounds().Dx())
	height := max(base.Bounds().Dy(), target.Bounds().Dy())

	baseFlat := flatten(base, width, height)
	targetFlat := flatten(target, width, height)

	out := imaging.New(width, height, bgColor)
	threshold := opts.threshold()
	identical = true
	for y := 0; y < height; y++ {
		row := y * out.Stride
		for x := 0; x < width; x++ {
			off := row + x*4
			inBase := present(baseFlat.Pix[off:off+4:off+4], threshold)
			inTarget := present(targetFlat.Pix[off:off+4:off+4], threshold)
			switch {
			case inBase && !inTarget:
				setPix(out.Pix[off:off+4:off+4], removedColor)
				identical = false
			case !inBase && inTarget:
				setPix(out.Pix[off:off+4:off+4], addedColor)
				identical = false
			}
		}
	}
	return out, identical
}

// flatten draws img over a white canvas of the requested size, resolving
// alpha so presence tests only need RGB.
func flatten(img image.Image, width, height int) *image.NRGBA {
	canvas := imaging.New(width, height, bgColor)
	return imaging.Overlay(canvas, img, image.Pt(0, 0), 1.0)
}

// present reports whether an NRGBA pixel is content rather than background.
// Luminance uses the Rec. 601 weights.
func present(pix []uint8, threshold uint8) bool {
	lum := (299*int(pix[0]) + 587*int(pix[1]) + 114*int(pix[2])) / 1000
	return lum < 255-int(threshold)
}

func setPix(pix []uint8, c color.NRGBA) {
	pix[0], pix[1], pix[2], pix[3] = c.R, c.G, c.B, c.A
}
