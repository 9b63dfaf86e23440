package libav

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zsiec/lens/internal/codec"
	"github.com/zsiec/lens/internal/media"
	"github.com/zsiec/lens/internal/source"
)

func setup(t *testing.T) {
	t.Helper()
	Init(nil)
	if !Initialized() {
		t.Fatal("Init did not mark the package initialized")
	}
}

// writeY4M writes frames of a flat grey YUV4MPEG2 clip at 25 fps. Frame i
// has luma 16+i.
func writeY4M(t *testing.T, w, h, frames int) string {
	t.Helper()
	var b bytes.Buffer
	fmt.Fprintf(&b, "YUV4MPEG2 W%d H%d F25:1 Ip A1:1 C420jpeg\n", w, h)
	cw, ch := (w+1)/2, (h+1)/2
	for i := range frames {
		b.WriteString("FRAME\n")
		b.Write(bytes.Repeat([]byte{byte(16 + i)}, w*h))
		b.Write(bytes.Repeat([]byte{128}, 2*cw*ch))
	}
	path := filepath.Join(t.TempDir(), "clip.y4m")
	if err := os.WriteFile(path, b.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// writeWAV writes a 16-bit PCM file whose samples are all value.
func writeWAV(t *testing.T, rate, channels, frames int, value int16) string {
	t.Helper()
	data := make([]byte, 0, frames*channels*2)
	for range frames * channels {
		data = binary.LittleEndian.AppendUint16(data, uint16(value))
	}
	var b bytes.Buffer
	le := binary.LittleEndian
	b.WriteString("RIFF")
	binary.Write(&b, le, uint32(36+len(data)))
	b.WriteString("WAVEfmt ")
	binary.Write(&b, le, uint32(16))
	binary.Write(&b, le, uint16(1))
	binary.Write(&b, le, uint16(channels))
	binary.Write(&b, le, uint32(rate))
	binary.Write(&b, le, uint32(rate*channels*2))
	binary.Write(&b, le, uint16(channels*2))
	binary.Write(&b, le, uint16(16))
	b.WriteString("data")
	binary.Write(&b, le, uint32(len(data)))
	b.Write(data)

	path := filepath.Join(t.TempDir(), "tone.wav")
	if err := os.WriteFile(path, b.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func openFile(t *testing.T, path string) (*Container, []media.StreamInfo) {
	t.Helper()
	o := &Opener{}
	c, err := o.Open(context.Background(), path, source.DefaultOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	streams, err := c.Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	return c.(*Container), streams
}

func TestInputOptions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		opts source.Options
		want map[string]string
	}{
		{"defaults", source.DefaultOptions(), map[string]string{
			"rtsp_transport": "tcp", "timeout": "5000000", "rw_timeout": "5000000",
		}},
		{"udp no timeout", source.Options{}, map[string]string{}},
		{"timeout only", source.Options{ConnectTimeout: 250 * time.Millisecond}, map[string]string{
			"timeout": "250000", "rw_timeout": "250000",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := inputOptions(tt.opts)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("%s = %q, want %q", k, got[k], v)
				}
			}
		})
	}
}

func TestOpenMissingFile(t *testing.T) {
	setup(t)
	t.Parallel()
	o := &Opener{}
	_, err := o.Open(context.Background(), filepath.Join(t.TempDir(), "nope.mkv"), source.DefaultOptions())
	if !errors.Is(err, source.ErrOpen) {
		t.Errorf("got %v, want source.ErrOpen", err)
	}
}

func TestUnsupportedCodec(t *testing.T) {
	setup(t)
	t.Parallel()
	f := &Decoders{}
	_, err := f.NewVideoDecoder(media.StreamInfo{Kind: media.KindVideo, Codec: "no-such-codec"})
	if !errors.Is(err, codec.ErrUnsupported) {
		t.Errorf("video: got %v, want ErrUnsupported", err)
	}
	_, err = f.NewAudioDecoder(media.StreamInfo{Kind: media.KindAudio})
	if !errors.Is(err, codec.ErrUnsupported) {
		t.Errorf("audio: got %v, want ErrUnsupported", err)
	}
}

func TestDecodeVideo(t *testing.T) {
	setup(t)
	t.Parallel()
	const w, h, frames = 64, 48, 5
	c, streams := openFile(t, writeY4M(t, w, h, frames))

	if len(streams) != 1 {
		t.Fatalf("got %d streams, want 1", len(streams))
	}
	info := streams[0]
	if info.Kind != media.KindVideo || info.Width != w || info.Height != h {
		t.Fatalf("stream = %+v", info)
	}
	if info.AvgFrameRate.Float() != 25 && info.RealFrameRate.Float() != 25 {
		t.Errorf("frame rate avg=%v real=%v, want 25", info.AvgFrameRate, info.RealFrameRate)
	}

	dec, err := (&Decoders{}).NewVideoDecoder(info)
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()
	if gw, gh := dec.Size(); gw != w || gh != h {
		t.Errorf("Size() = %dx%d, want %dx%d", gw, gh, w, h)
	}

	var got []*media.VideoFrame
	for {
		pkt, err := c.ReadPacket(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if err := dec.Send(pkt); err != nil {
			t.Fatal(err)
		}
		pkt.Release()
		for {
			f, err := dec.Receive()
			if errors.Is(err, codec.ErrNeedInput) {
				break
			}
			if err != nil {
				t.Fatal(err)
			}
			got = append(got, f.Clone())
		}
	}

	if len(got) != frames {
		t.Fatalf("decoded %d frames, want %d", len(got), frames)
	}
	for i, f := range got {
		if f.Width != w || f.Height != h || len(f.Planes) != 3 {
			t.Fatalf("frame %d: %dx%d with %d planes", i, f.Width, f.Height, len(f.Planes))
		}
		if f.Format != media.PixelFormatI420 && f.Format != media.PixelFormatJ420 {
			t.Errorf("frame %d format = %v", i, f.Format)
		}
		if y := f.Planes[0][0]; y != byte(16+i) {
			t.Errorf("frame %d luma = %d, want %d", i, y, 16+i)
		}
		if want := time.Duration(i) * 40 * time.Millisecond; f.PTS != want {
			t.Errorf("frame %d pts = %v, want %v", i, f.PTS, want)
		}
	}
}

func TestDecodeAudio(t *testing.T) {
	setup(t)
	t.Parallel()
	const rate, channels, frames = 48000, 2, 4800
	c, streams := openFile(t, writeWAV(t, rate, channels, frames, 16384))

	if len(streams) != 1 || streams[0].Kind != media.KindAudio {
		t.Fatalf("streams = %+v", streams)
	}
	info := streams[0]
	if info.SampleRate != rate || info.Channels != channels || info.Codec != "pcm_s16le" {
		t.Fatalf("stream = %+v", info)
	}

	dec, err := (&Decoders{}).NewAudioDecoder(info)
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()

	total := 0
	for {
		pkt, err := c.ReadPacket(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if err := dec.Send(pkt); err != nil {
			t.Fatal(err)
		}
		pkt.Release()
		for {
			f, err := dec.Receive()
			if errors.Is(err, codec.ErrNeedInput) {
				break
			}
			if err != nil {
				t.Fatal(err)
			}
			if f.SampleRate != rate || f.Channels != channels {
				t.Fatalf("block %d Hz x%d", f.SampleRate, f.Channels)
			}
			for _, s := range f.Samples {
				if math.Abs(float64(s)-0.5) > 1e-4 {
					t.Fatalf("sample = %v, want 0.5", s)
				}
			}
			total += f.SampleCount()
		}
	}
	if total != frames {
		t.Errorf("decoded %d samples per channel, want %d", total, frames)
	}
}

func TestSeek(t *testing.T) {
	setup(t)
	t.Parallel()
	c, _ := openFile(t, writeWAV(t, 8000, 1, 8000, 100))

	if err := c.Seek(context.Background(), 500*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	pkt, err := c.ReadPacket(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer pkt.Release()
	if pkt.PTS < 400*time.Millisecond || pkt.PTS > 500*time.Millisecond {
		t.Errorf("pts after seek = %v, want within 100ms before 500ms", pkt.PTS)
	}
}

func TestReadCanceled(t *testing.T) {
	setup(t)
	t.Parallel()
	c, _ := openFile(t, writeWAV(t, 8000, 1, 800, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.ReadPacket(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
	if err := c.Close(); err != nil {
		t.Error(err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
