package frame

import (
	"image"
	"image/color"
	"image/png"
	"io"
)

// Image converts b into an image.NRGBA with opaque alpha.
func (b Buffer) Image() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, b.width, b.height))
	for y := 0; y < b.height; y++ {
		for x := 0; x < b.width; x++ {
			r, g, bl := b.At(x, y)
			img.SetNRGBA(x, y, color.NRGBA{R: r, G: g, B: bl, A: 0xff})
		}
	}
	return img
}

// WritePNG encodes b as PNG.
func (b Buffer) WritePNG(w io.Writer) error {
	return png.Encode(w, b.Image())
}
