// Package convert turns decoded frames into the fixed output formats lens
// delivers: packed RGB24 pictures and signed 16-bit stereo PCM at 44.1 kHz.
package convert

import (
	"errors"
	"fmt"

	"github.com/zsiec/lens/internal/media"
)

// ErrFormat is returned when a frame's layout cannot be converted.
var ErrFormat = errors.New("convert: unsupported frame layout")

// Scaler converts video frames of any supported pixel format to RGB24 at a
// fixed output size using bilinear sampling.
type Scaler struct {
	width  int
	height int
}

// NewScaler returns a Scaler producing width×height pictures.
func NewScaler(width, height int) (*Scaler, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("convert: invalid output size %dx%d", width, height)
	}
	return &Scaler{width: width, height: height}, nil
}

// Size returns the output dimensions.
func (s *Scaler) Size() (int, int) {
	return s.width, s.height
}

// Scale writes the converted picture into dst, which must have been
// allocated with the scaler's size. dst.PTS is set from the frame.
func (s *Scaler) Scale(dst *media.Image, f *media.VideoFrame) error {
	if dst == nil || dst.Width != s.width || dst.Height != s.height || len(dst.Pix) < dst.Stride*(s.height-1)+s.width*3 {
		return fmt.Errorf("convert: destination does not match %dx%d", s.width, s.height)
	}
	if f == nil || f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("%w: empty frame", ErrFormat)
	}
	if err := checkPlanes(f); err != nil {
		return err
	}

	switch f.Format {
	case media.PixelFormatI420, media.PixelFormatJ420, media.PixelFormatNV12:
		s.scaleYUV(dst, f)
	case media.PixelFormatRGB24:
		s.scalePacked(dst, f, 3, 0, 1, 2)
	case media.PixelFormatRGBA:
		s.scalePacked(dst, f, 4, 0, 1, 2)
	case media.PixelFormatBGRA:
		s.scalePacked(dst, f, 4, 2, 1, 0)
	default:
		return fmt.Errorf("%w: pixel format %s", ErrFormat, f.Format)
	}
	dst.PTS = f.PTS
	return nil
}

func checkPlanes(f *media.VideoFrame) error {
	n := f.Format.PlaneCount()
	if n == 0 {
		return fmt.Errorf("%w: pixel format %s", ErrFormat, f.Format)
	}
	if len(f.Planes) < n || len(f.Strides) < n {
		return fmt.Errorf("%w: %s needs %d planes, got %d", ErrFormat, f.Format, n, len(f.Planes))
	}
	cw, ch := (f.Width+1)/2, (f.Height+1)/2
	for i := 0; i < n; i++ {
		w, h := f.Width, f.Height
		switch {
		case f.Format == media.PixelFormatRGB24:
			w *= 3
		case f.Format == media.PixelFormatRGBA || f.Format == media.PixelFormatBGRA:
			w *= 4
		case i > 0 && f.Format == media.PixelFormatNV12:
			w, h = cw*2, ch
		case i > 0:
			w, h = cw, ch
		}
		if f.Strides[i] < w || len(f.Planes[i]) < f.Strides[i]*(h-1)+w {
			return fmt.Errorf("%w: plane %d too small", ErrFormat, i)
		}
	}
	return nil
}

// axis holds the precomputed 16.16 sampling positions for one dimension.
type axis struct {
	i0, i1 []int
	frac   []int
}

func newAxis(src, dst int) axis {
	a := axis{i0: make([]int, dst), i1: make([]int, dst), frac: make([]int, dst)}
	ratio := (src << 16) / dst
	for d := 0; d < dst; d++ {
		fp := d * ratio
		i := fp >> 16
		if i >= src {
			i = src - 1
		}
		j := i + 1
		if j >= src {
			j = i
		}
		a.i0[d], a.i1[d], a.frac[d] = i, j, fp&0xFFFF
	}
	return a
}

func lerp(p00, p10, p01, p11, xf, yf int) int {
	top := (p00*(0x10000-xf) + p10*xf) >> 16
	bottom := (p01*(0x10000-xf) + p11*xf) >> 16
	return (top*(0x10000-yf) + bottom*yf) >> 16
}

func (s *Scaler) scalePacked(dst *media.Image, f *media.VideoFrame, bpp, ri, gi, bi int) {
	src, stride := f.Planes[0], f.Strides[0]
	xs, ys := newAxis(f.Width, s.width), newAxis(f.Height, s.height)
	for y := 0; y < s.height; y++ {
		r0, r1, yf := ys.i0[y]*stride, ys.i1[y]*stride, ys.frac[y]
		out := dst.Pix[y*dst.Stride:]
		for x := 0; x < s.width; x++ {
			c0, c1, xf := xs.i0[x]*bpp, xs.i1[x]*bpp, xs.frac[x]
			for k, off := range [3]int{ri, gi, bi} {
				out[x*3+k] = byte(lerp(
					int(src[r0+c0+off]), int(src[r0+c1+off]),
					int(src[r1+c0+off]), int(src[r1+c1+off]),
					xf, yf))
			}
		}
	}
}

func (s *Scaler) scaleYUV(dst *media.Image, f *media.VideoFrame) {
	cw, ch := (f.Width+1)/2, (f.Height+1)/2
	xs, ys := newAxis(f.Width, s.width), newAxis(f.Height, s.height)
	cxs, cys := newAxis(cw, s.width), newAxis(ch, s.height)

	yp, ys0 := f.Planes[0], f.Strides[0]
	full := f.Format == media.PixelFormatJ420
	nv12 := f.Format == media.PixelFormatNV12

	sampleC := func(plane []byte, stride, step, off, x, y int) int {
		r0, r1 := cys.i0[y]*stride, cys.i1[y]*stride
		c0, c1 := cxs.i0[x]*step+off, cxs.i1[x]*step+off
		return lerp(int(plane[r0+c0]), int(plane[r0+c1]), int(plane[r1+c0]), int(plane[r1+c1]), cxs.frac[x], cys.frac[y])
	}

	for y := 0; y < s.height; y++ {
		r0, r1, yf := ys.i0[y]*ys0, ys.i1[y]*ys0, ys.frac[y]
		out := dst.Pix[y*dst.Stride:]
		for x := 0; x < s.width; x++ {
			c0, c1 := xs.i0[x], xs.i1[x]
			luma := lerp(int(yp[r0+c0]), int(yp[r0+c1]), int(yp[r1+c0]), int(yp[r1+c1]), xs.frac[x], yf)

			var u, v int
			if nv12 {
				u = sampleC(f.Planes[1], f.Strides[1], 2, 0, x, y)
				v = sampleC(f.Planes[1], f.Strides[1], 2, 1, x, y)
			} else {
				u = sampleC(f.Planes[1], f.Strides[1], 1, 0, x, y)
				v = sampleC(f.Planes[2], f.Strides[2], 1, 0, x, y)
			}

			r, g, b := yuvToRGB(luma, u, v, full)
			out[x*3], out[x*3+1], out[x*3+2] = r, g, b
		}
	}
}

// yuvToRGB applies the BT.601 matrix in 8.8 fixed point.
func yuvToRGB(y, u, v int, full bool) (uint8, uint8, uint8) {
	d, e := u-128, v-128
	var r, g, b int
	if full {
		c := y << 8
		r = (c + 359*e + 128) >> 8
		g = (c - 88*d - 183*e + 128) >> 8
		b = (c + 454*d + 128) >> 8
	} else {
		c := 298 * (y - 16)
		r = (c + 409*e + 128) >> 8
		g = (c - 100*d - 208*e + 128) >> 8
		b = (c + 516*d + 128) >> 8
	}
	return clamp8(r), clamp8(g), clamp8(b)
}

// RGBToYUV is the inverse limited-range BT.601 transform, used by
// synthetic sources to produce I420 pictures of known colours.
func RGBToYUV(r, g, b uint8) (y, u, v uint8) {
	ri, gi, bi := int(r), int(g), int(b)
	y = clamp8(((66*ri + 129*gi + 25*bi + 128) >> 8) + 16)
	u = clamp8(((-38*ri - 74*gi + 112*bi + 128) >> 8) + 128)
	v = clamp8(((112*ri - 94*gi - 18*bi + 128) >> 8) + 128)
	return y, u, v
}

func clamp8(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
