package media

import (
	"image"
	"image/color"
	"time"
)

// Image is a packed RGB24 picture: three bytes per pixel, rows Stride
// bytes apart. It implements image.Image so delivered frames can be handed
// straight to the standard encoders.
type Image struct {
	Pix    []byte
	Stride int
	Width  int
	Height int
	PTS    time.Duration
}

// NewImage allocates a zeroed RGB24 image with a tightly packed stride.
func NewImage(width, height int) *Image {
	return &Image{
		Pix:    make([]byte, width*height*3),
		Stride: width * 3,
		Width:  width,
		Height: height,
	}
}

// Clone returns a deep copy of img.
func (img *Image) Clone() *Image {
	if img == nil {
		return nil
	}
	c := *img
	c.Pix = append([]byte(nil), img.Pix...)
	return &c
}

// ColorModel implements image.Image.
func (img *Image) ColorModel() color.Model { return color.RGBAModel }

// Bounds implements image.Image.
func (img *Image) Bounds() image.Rectangle { return image.Rect(0, 0, img.Width, img.Height) }

// At implements image.Image.
func (img *Image) At(x, y int) color.Color {
	if x < 0 || y < 0 || x >= img.Width || y >= img.Height {
		return color.RGBA{}
	}
	i := y*img.Stride + x*3
	return color.RGBA{R: img.Pix[i], G: img.Pix[i+1], B: img.Pix[i+2], A: 0xFF}
}

// RGBAt returns the three components of the pixel at (x, y).
func (img *Image) RGBAt(x, y int) (r, g, b uint8) {
	i := y*img.Stride + x*3
	return img.Pix[i], img.Pix[i+1], img.Pix[i+2]
}
