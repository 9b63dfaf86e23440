package convert

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/zsiec/lens/internal/media"
)

// Output PCM format produced by Resampler.
const (
	OutputSampleRate = 44100
	OutputChannels   = 2
	// OutputFrameBytes is the size of one interleaved stereo S16 sample.
	OutputFrameBytes = OutputChannels * 2
)

// ITU-R BS.775 centre and surround downmix gain.
const surroundGain = 0.70710678

// Resampler converts interleaved float audio of any rate and channel count
// to interleaved signed 16-bit little-endian stereo at 44.1 kHz using
// linear interpolation. The last input sample of each call is carried into
// the next one so consecutive blocks join without gaps.
type Resampler struct {
	srcRate     int
	srcChannels int
	step        float64

	// pos is the input position of the next output sample, relative to
	// the first sample of the next block. -1 addresses the carried sample.
	pos    float64
	prev   [2]float32
	primed bool

	mix []float32
}

// NewResampler returns a Resampler that configures itself from the first
// frame it converts.
func NewResampler() *Resampler {
	return &Resampler{}
}

// Reset drops the carried sample and interpolation phase.
func (r *Resampler) Reset() {
	r.pos = 0
	r.prev = [2]float32{}
	r.primed = false
}

// Delay returns the number of input samples buffered from earlier calls.
func (r *Resampler) Delay() int {
	if r.primed {
		return 1
	}
	return 0
}

// OutputSamples returns an upper bound on the number of stereo samples
// Convert will produce for f: ceil((delay + n) * 44100 / rate).
func (r *Resampler) OutputSamples(f *media.AudioFrame) int {
	if f == nil || f.SampleRate <= 0 {
		return 0
	}
	delay := r.Delay()
	if f.SampleRate != r.srcRate || f.Channels != r.srcChannels {
		delay = 0
	}
	n := int64(delay + f.SampleCount())
	rate := int64(f.SampleRate)
	return int((n*OutputSampleRate + rate - 1) / rate)
}

// Convert resamples f into dst and returns the number of stereo samples
// written. dst must hold at least OutputSamples(f)*OutputFrameBytes bytes.
// A change of input rate or channel count restarts the interpolation.
func (r *Resampler) Convert(dst []byte, f *media.AudioFrame) (int, error) {
	if f == nil || f.SampleRate <= 0 || f.Channels <= 0 {
		return 0, fmt.Errorf("%w: audio frame without rate or channels", ErrFormat)
	}
	if len(f.Samples)%f.Channels != 0 {
		return 0, fmt.Errorf("%w: %d samples not divisible by %d channels", ErrFormat, len(f.Samples), f.Channels)
	}
	if need := r.OutputSamples(f) * OutputFrameBytes; len(dst) < need {
		return 0, fmt.Errorf("convert: output buffer %d bytes, need %d: %w", len(dst), need, io.ErrShortBuffer)
	}
	if f.SampleRate != r.srcRate || f.Channels != r.srcChannels {
		r.srcRate, r.srcChannels = f.SampleRate, f.Channels
		r.step = float64(f.SampleRate) / OutputSampleRate
		r.Reset()
	}

	n := f.SampleCount()
	if n == 0 {
		return 0, nil
	}
	r.downmix(f.Samples, f.Channels, n)

	at := func(i int) (float32, float32) {
		if i < 0 {
			return r.prev[0], r.prev[1]
		}
		return r.mix[2*i], r.mix[2*i+1]
	}

	room := len(dst) / OutputFrameBytes
	out := 0
	t := r.pos
	last := float64(n - 1)
	for t < last && out < room {
		i := int(math.Floor(t))
		frac := float32(t - float64(i))
		l0, r0 := at(i)
		l1, r1 := at(i + 1)
		binary.LittleEndian.PutUint16(dst[out*4:], uint16(toS16(l0+(l1-l0)*frac)))
		binary.LittleEndian.PutUint16(dst[out*4+2:], uint16(toS16(r0+(r1-r0)*frac)))
		out++
		t += r.step
	}

	r.pos = t - float64(n)
	r.prev[0], r.prev[1] = at(n - 1)
	r.primed = true
	return out, nil
}

// downmix fills r.mix with n stereo samples derived from src.
func (r *Resampler) downmix(src []float32, channels, n int) {
	if cap(r.mix) < 2*n {
		r.mix = make([]float32, 2*n)
	}
	r.mix = r.mix[:2*n]

	switch {
	case channels == 1:
		for i := 0; i < n; i++ {
			r.mix[2*i], r.mix[2*i+1] = src[i], src[i]
		}
	case channels >= 6:
		// FL FR FC LFE BL BR; LFE is dropped.
		norm := float32(1 / (1 + 2*surroundGain))
		for i := 0; i < n; i++ {
			s := src[i*channels:]
			c := s[2] * surroundGain
			r.mix[2*i] = (s[0] + c + s[4]*surroundGain) * norm
			r.mix[2*i+1] = (s[1] + c + s[5]*surroundGain) * norm
		}
	default:
		for i := 0; i < n; i++ {
			r.mix[2*i], r.mix[2*i+1] = src[i*channels], src[i*channels+1]
		}
	}
}

func toS16(v float32) int16 {
	if v >= 1 {
		return math.MaxInt16
	}
	if v <= -1 {
		return -math.MaxInt16
	}
	return int16(math.Round(float64(v) * math.MaxInt16))
}
