// Package testsrc provides a deterministic synthetic input: colour bars
// with a moving band as raw I420 video and a 440 Hz tone as float PCM.
// It is addressed as testsrc://?key=value and is used for diagnostics and
// tests that must not depend on external media or native libraries.
//
// Query parameters:
//
//	duration  clip length (default 10s)
//	size      WxH (default 320x240)
//	rate      video frames per second (default 25)
//	ar        audio sample rate (default 48000)
//	ac        audio channels (default 2)
//	gop       keyframe interval (default 1s)
//	audio     0 disables the audio stream
//	video     0 disables the video stream
//	truncate  position after which reads fail as if the input were cut
package testsrc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zsiec/lens/internal/convert"
	"github.com/zsiec/lens/internal/media"
	"github.com/zsiec/lens/internal/source"
)

// Scheme is the URL scheme handled by Opener.
const Scheme = "testsrc"

// Codec names reported for the synthetic streams.
const (
	VideoCodec = "rawvideo"
	AudioCodec = "pcm_f32le"
)

// AudioBlock is the number of samples per channel in each audio packet.
const AudioBlock = 1024

// Config describes a synthetic clip.
type Config struct {
	Duration   time.Duration
	Width      int
	Height     int
	FrameRate  int
	SampleRate int
	Channels   int
	GOP        time.Duration
	Video      bool
	Audio      bool
	// Truncate, when positive, makes reads at or past this position fail
	// with io.ErrUnexpectedEOF.
	Truncate time.Duration
}

// DefaultConfig returns a 10 s 320x240 25 fps clip with 48 kHz stereo.
func DefaultConfig() Config {
	return Config{
		Duration:   10 * time.Second,
		Width:      320,
		Height:     240,
		FrameRate:  25,
		SampleRate: 48000,
		Channels:   2,
		GOP:        time.Second,
		Video:      true,
		Audio:      true,
	}
}

// ParseURL parses a testsrc:// URL into a Config.
func ParseURL(rawURL string) (Config, error) {
	cfg := DefaultConfig()
	u, err := url.Parse(rawURL)
	if err != nil {
		return cfg, fmt.Errorf("testsrc: %w", err)
	}
	if u.Scheme != Scheme {
		return cfg, fmt.Errorf("testsrc: unexpected scheme %q", u.Scheme)
	}
	q := u.Query()

	durations := map[string]*time.Duration{
		"duration": &cfg.Duration,
		"gop":      &cfg.GOP,
		"truncate": &cfg.Truncate,
	}
	for key, dst := range durations {
		if v := q.Get(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return cfg, fmt.Errorf("testsrc: %s: %w", key, err)
			}
			*dst = d
		}
	}

	ints := map[string]*int{
		"rate": &cfg.FrameRate,
		"ar":   &cfg.SampleRate,
		"ac":   &cfg.Channels,
	}
	for key, dst := range ints {
		if v := q.Get(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return cfg, fmt.Errorf("testsrc: %s: %w", key, err)
			}
			*dst = n
		}
	}

	if v := q.Get("size"); v != "" {
		w, h, ok := strings.Cut(v, "x")
		if !ok {
			return cfg, fmt.Errorf("testsrc: size %q is not WxH", v)
		}
		if cfg.Width, err = strconv.Atoi(w); err != nil {
			return cfg, fmt.Errorf("testsrc: size: %w", err)
		}
		if cfg.Height, err = strconv.Atoi(h); err != nil {
			return cfg, fmt.Errorf("testsrc: size: %w", err)
		}
	}
	cfg.Audio = q.Get("audio") != "0"
	cfg.Video = q.Get("video") != "0"

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch {
	case c.Duration <= 0:
		return errors.New("testsrc: duration must be positive")
	case c.Video && (c.Width <= 0 || c.Height <= 0):
		return fmt.Errorf("testsrc: invalid size %dx%d", c.Width, c.Height)
	case c.Video && c.FrameRate <= 0:
		return errors.New("testsrc: rate must be positive")
	case c.Audio && (c.SampleRate <= 0 || c.Channels <= 0):
		return errors.New("testsrc: invalid audio format")
	case c.GOP <= 0:
		return errors.New("testsrc: gop must be positive")
	}
	return nil
}

// Opener opens testsrc:// URLs.
type Opener struct{}

// Open implements source.Opener.
func (Opener) Open(ctx context.Context, rawURL string, _ source.Options) (source.Container, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", source.ErrOpen, err)
	}
	cfg, err := ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", source.ErrOpen, err)
	}
	return New(cfg), nil
}

// Container generates packets for a Config. It implements
// source.Container.
type Container struct {
	cfg Config

	videoIndex int
	audioIndex int
	gopFrames  int

	mu         sync.Mutex
	nextVideo  int
	nextAudio  int
	closed     bool
	videoTotal int
	audioTotal int
}

// New returns a container for cfg. cfg must be valid.
func New(cfg Config) *Container {
	c := &Container{cfg: cfg, videoIndex: -1, audioIndex: -1}
	idx := 0
	if cfg.Video {
		c.videoIndex = idx
		idx++
		c.videoTotal = int(cfg.Duration * time.Duration(cfg.FrameRate) / time.Second)
		c.gopFrames = max(1, int(cfg.GOP*time.Duration(cfg.FrameRate)/time.Second))
	}
	if cfg.Audio {
		c.audioIndex = idx
		samples := int64(cfg.Duration) * int64(cfg.SampleRate) / int64(time.Second)
		c.audioTotal = int((samples + AudioBlock - 1) / AudioBlock)
	}
	return c
}

// Probe implements source.Container.
func (c *Container) Probe(ctx context.Context) ([]media.StreamInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", source.ErrProbe, err)
	}
	var streams []media.StreamInfo
	if c.cfg.Video {
		streams = append(streams, media.StreamInfo{
			Index:         c.videoIndex,
			Kind:          media.KindVideo,
			Codec:         VideoCodec,
			Width:         c.cfg.Width,
			Height:        c.cfg.Height,
			AvgFrameRate:  media.Rational{Num: c.cfg.FrameRate, Den: 1},
			RealFrameRate: media.Rational{Num: c.cfg.FrameRate, Den: 1},
		})
	}
	if c.cfg.Audio {
		streams = append(streams, media.StreamInfo{
			Index:      c.audioIndex,
			Kind:       media.KindAudio,
			Codec:      AudioCodec,
			SampleRate: c.cfg.SampleRate,
			Channels:   c.cfg.Channels,
		})
	}
	return streams, nil
}

func (c *Container) videoPTS(i int) time.Duration {
	return time.Duration(int64(i) * int64(time.Second) / int64(c.cfg.FrameRate))
}

func (c *Container) audioPTS(i int) time.Duration {
	return time.Duration(int64(i) * AudioBlock * int64(time.Second) / int64(c.cfg.SampleRate))
}

// ReadPacket implements source.Container. Packets are interleaved by PTS.
func (c *Container) ReadPacket(ctx context.Context) (*media.Packet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, io.ErrClosedPipe
	}

	haveVideo := c.cfg.Video && c.nextVideo < c.videoTotal
	haveAudio := c.cfg.Audio && c.nextAudio < c.audioTotal
	if !haveVideo && !haveAudio {
		return nil, io.EOF
	}

	useVideo := haveVideo && (!haveAudio || c.videoPTS(c.nextVideo) <= c.audioPTS(c.nextAudio))
	var pts time.Duration
	if useVideo {
		pts = c.videoPTS(c.nextVideo)
	} else {
		pts = c.audioPTS(c.nextAudio)
	}
	if c.cfg.Truncate > 0 && pts >= c.cfg.Truncate {
		return nil, fmt.Errorf("testsrc: read at %v: %w", pts, io.ErrUnexpectedEOF)
	}

	if useVideo {
		i := c.nextVideo
		c.nextVideo++
		pkt := media.NewPacket(c.videoIndex, nil)
		pkt.Data = c.picture(i)
		pkt.PTS, pkt.DTS = pts, pts
		pkt.Keyframe = i%c.gopFrames == 0
		return pkt, nil
	}

	i := c.nextAudio
	c.nextAudio++
	pkt := media.NewPacket(c.audioIndex, nil)
	pkt.Data = c.tone(i)
	pkt.PTS, pkt.DTS = pts, pts
	pkt.Keyframe = true
	return pkt, nil
}

// Seek implements source.Container. Video restarts at the keyframe at or
// before pos and audio at the first block not earlier than that keyframe.
func (c *Container) Seek(ctx context.Context, pos time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return io.ErrClosedPipe
	}
	pos = max(0, min(pos, c.cfg.Duration))

	target := pos
	if c.cfg.Video {
		frame := int(int64(pos) * int64(c.cfg.FrameRate) / int64(time.Second))
		frame = frame / c.gopFrames * c.gopFrames
		c.nextVideo = min(frame, c.videoTotal)
		target = c.videoPTS(c.nextVideo)
	}
	if c.cfg.Audio {
		block := int64(target) * int64(c.cfg.SampleRate)
		den := int64(AudioBlock) * int64(time.Second)
		c.nextAudio = min(int((block+den-1)/den), c.audioTotal)
	}
	return nil
}

// Close implements source.Container.
func (c *Container) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// bars are the 75% SMPTE colour bars in RGB.
var bars = [7][3]uint8{
	{191, 191, 191},
	{191, 191, 0},
	{0, 191, 191},
	{0, 191, 0},
	{191, 0, 191},
	{191, 0, 0},
	{0, 0, 191},
}

// BarColor returns the RGB colour of the bar covering column x in a
// picture of the given width.
func BarColor(x, width int) (r, g, b uint8) {
	c := bars[min(x*len(bars)/width, len(bars)-1)]
	return c[0], c[1], c[2]
}

// BandRow returns the first row of the white band drawn in frame i.
func BandRow(i, height int) int {
	band := max(1, height/16)
	return (i * 2) % max(1, height-band)
}

// picture renders frame i as packed I420.
func (c *Container) picture(i int) []byte {
	w, h := c.cfg.Width, c.cfg.Height
	cw, ch := (w+1)/2, (h+1)/2
	buf := make([]byte, media.I420Size(w, h))
	yp := buf[:w*h]
	up := buf[w*h : w*h+cw*ch]
	vp := buf[w*h+cw*ch:]

	band := max(1, h/16)
	top := BandRow(i, h)
	for y := 0; y < h; y++ {
		inBand := y >= top && y < top+band
		for x := 0; x < w; x++ {
			r, g, b := BarColor(x, w)
			if inBand {
				r, g, b = 235, 235, 235
			}
			yv, uv, vv := convert.RGBToYUV(r, g, b)
			yp[y*w+x] = yv
			if x%2 == 0 && y%2 == 0 {
				up[(y/2)*cw+x/2] = uv
				vp[(y/2)*cw+x/2] = vv
			}
		}
	}
	return buf
}

// tone renders audio block i as interleaved little-endian float32.
func (c *Container) tone(i int) []byte {
	ch := c.cfg.Channels
	buf := make([]byte, AudioBlock*ch*4)
	start := i * AudioBlock
	for s := 0; s < AudioBlock; s++ {
		v := float32(0.25 * math.Sin(2*math.Pi*440*float64(start+s)/float64(c.cfg.SampleRate)))
		bits := math.Float32bits(v)
		for k := 0; k < ch; k++ {
			binary.LittleEndian.PutUint32(buf[(s*ch+k)*4:], bits)
		}
	}
	return buf
}
