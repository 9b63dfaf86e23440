// Package media defines the units that flow through the lens decode
// pipeline: compressed packets read from a container, raw frames produced
// by decoders, and the converted RGB images handed to consumers.
package media

import "time"

// PixelFormat identifies the memory layout of a raw video frame.
type PixelFormat int

// Pixel formats accepted by the converter.
const (
	PixelFormatUnknown PixelFormat = iota
	PixelFormatI420                // YUV 4:2:0 planar, limited range
	PixelFormatJ420                // YUV 4:2:0 planar, full range
	PixelFormatNV12                // YUV 4:2:0 semi-planar (Y + interleaved UV)
	PixelFormatRGB24               // packed RGB, 3 bytes per pixel
	PixelFormatRGBA                // packed RGBA, 4 bytes per pixel
	PixelFormatBGRA                // packed BGRA, 4 bytes per pixel
)

func (p PixelFormat) String() string {
	switch p {
	case PixelFormatI420:
		return "I420"
	case PixelFormatJ420:
		return "J420"
	case PixelFormatNV12:
		return "NV12"
	case PixelFormatRGB24:
		return "RGB24"
	case PixelFormatRGBA:
		return "RGBA"
	case PixelFormatBGRA:
		return "BGRA"
	default:
		return "unknown"
	}
}

// PlaneCount returns the number of planes a frame of this format carries.
func (p PixelFormat) PlaneCount() int {
	switch p {
	case PixelFormatI420, PixelFormatJ420:
		return 3
	case PixelFormatNV12:
		return 2
	case PixelFormatRGB24, PixelFormatRGBA, PixelFormatBGRA:
		return 1
	default:
		return 0
	}
}

// VideoFrame is one decoded picture. Planes may alias decoder-owned memory
// and are only valid until the next call into the decoder that produced
// them; use Clone to retain a frame.
type VideoFrame struct {
	Planes   [][]byte
	Strides  []int
	Width    int
	Height   int
	Format   PixelFormat
	PTS      time.Duration
	Keyframe bool
}

// Clone returns a deep copy of the frame.
func (f *VideoFrame) Clone() *VideoFrame {
	c := &VideoFrame{
		Planes:   make([][]byte, len(f.Planes)),
		Strides:  make([]int, len(f.Strides)),
		Width:    f.Width,
		Height:   f.Height,
		Format:   f.Format,
		PTS:      f.PTS,
		Keyframe: f.Keyframe,
	}
	copy(c.Strides, f.Strides)
	for i, p := range f.Planes {
		if p != nil {
			c.Planes[i] = append([]byte(nil), p...)
		}
	}
	return c
}

// AudioFrame is a block of decoded audio as interleaved float32 samples in
// the range [-1, 1].
type AudioFrame struct {
	Samples    []float32
	SampleRate int
	Channels   int
	PTS        time.Duration
}

// SampleCount returns the number of samples per channel.
func (f *AudioFrame) SampleCount() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Samples) / f.Channels
}

// I420Size returns the buffer size of a tightly packed I420 picture.
func I420Size(width, height int) int {
	cw, ch := (width+1)/2, (height+1)/2
	return width*height + 2*cw*ch
}
