package testsrc

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/zsiec/lens/internal/codec"
	"github.com/zsiec/lens/internal/media"
	"github.com/zsiec/lens/internal/source"
)

func TestParseURL(t *testing.T) {
	t.Parallel()
	cfg, err := ParseURL("testsrc://?duration=2s&size=64x48&rate=30&ar=44100&ac=1&gop=500ms&truncate=1s")
	if err != nil {
		t.Fatal(err)
	}
	want := Config{
		Duration:   2 * time.Second,
		Width:      64,
		Height:     48,
		FrameRate:  30,
		SampleRate: 44100,
		Channels:   1,
		GOP:        500 * time.Millisecond,
		Video:      true,
		Audio:      true,
		Truncate:   time.Second,
	}
	if cfg != want {
		t.Errorf("got %+v, want %+v", cfg, want)
	}

	if cfg, _ := ParseURL("testsrc://?audio=0"); cfg.Audio {
		t.Error("audio=0 should disable audio")
	}

	bad := []string{
		"testsrc://?size=64",
		"testsrc://?duration=-1s",
		"testsrc://?rate=x",
		"file:///tmp/a.ts",
	}
	for _, u := range bad {
		if _, err := ParseURL(u); err == nil {
			t.Errorf("ParseURL(%q) should fail", u)
		}
	}
}

func TestOpenerWrapsErrOpen(t *testing.T) {
	t.Parallel()
	_, err := Opener{}.Open(context.Background(), "testsrc://?size=0x0", source.DefaultOptions())
	if !errors.Is(err, source.ErrOpen) {
		t.Errorf("got %v, want ErrOpen", err)
	}
}

func readAll(t *testing.T, c *Container) (video, audio []*media.Packet, err error) {
	t.Helper()
	ctx := context.Background()
	for {
		pkt, err := c.ReadPacket(ctx)
		if err != nil {
			return video, audio, err
		}
		if pkt.StreamIndex == c.videoIndex {
			video = append(video, pkt)
		} else {
			audio = append(audio, pkt)
		}
	}
}

func TestContainerPacketCounts(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Duration = 2 * time.Second
	cfg.Width, cfg.Height = 32, 16
	c := New(cfg)

	streams, err := c.Probe(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(streams) != 2 || streams[0].Kind != media.KindVideo || streams[1].Kind != media.KindAudio {
		t.Fatalf("streams = %+v", streams)
	}

	video, audio, err := readAll(t, c)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("got %v, want io.EOF", err)
	}
	if len(video) != 50 {
		t.Errorf("video packets = %d, want 50", len(video))
	}
	if want := (2*48000 + AudioBlock - 1) / AudioBlock; len(audio) != want {
		t.Errorf("audio packets = %d, want %d", len(audio), want)
	}
	for i, p := range video {
		if want := i%25 == 0; p.Keyframe != want {
			t.Errorf("frame %d keyframe = %v, want %v", i, p.Keyframe, want)
		}
	}
}

func TestContainerInterleavesByPTS(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Duration = time.Second
	cfg.Width, cfg.Height = 16, 16
	c := New(cfg)

	var last time.Duration
	for {
		pkt, err := c.ReadPacket(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if pkt.PTS < last {
			t.Fatalf("PTS went backwards: %v after %v", pkt.PTS, last)
		}
		last = pkt.PTS
	}
}

func TestContainerSeekSnapsToKeyframe(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Width, cfg.Height = 16, 16
	c := New(cfg)

	if err := c.Seek(context.Background(), 5500*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	pkt, err := c.ReadPacket(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if pkt.StreamIndex != 0 || pkt.PTS != 5*time.Second || !pkt.Keyframe {
		t.Errorf("first packet after seek: stream %d pts %v key %v, want video keyframe at 5s",
			pkt.StreamIndex, pkt.PTS, pkt.Keyframe)
	}
}

func TestContainerTruncate(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Width, cfg.Height = 16, 16
	cfg.Truncate = time.Second
	c := New(cfg)

	video, _, err := readAll(t, c)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("got %v, want io.ErrUnexpectedEOF", err)
	}
	if len(video) != 25 {
		t.Errorf("video packets before truncation = %d, want 25", len(video))
	}
	if source.IsTemporary(err) {
		t.Error("truncation must not be temporary")
	}
}

func TestContainerClosed(t *testing.T) {
	t.Parallel()
	c := New(DefaultConfig())
	c.Close()
	if _, err := c.ReadPacket(context.Background()); !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("got %v, want io.ErrClosedPipe", err)
	}
}

func TestDecodersRoundTrip(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Width, cfg.Height = 70, 10
	c := New(cfg)
	streams, _ := c.Probe(context.Background())

	vd, err := Decoders{}.NewVideoDecoder(streams[0])
	if err != nil {
		t.Fatal(err)
	}
	ad, err := Decoders{}.NewAudioDecoder(streams[1])
	if err != nil {
		t.Fatal(err)
	}
	if _, err := (Decoders{}).NewVideoDecoder(media.StreamInfo{Codec: "h264"}); !errors.Is(err, codec.ErrUnsupported) {
		t.Errorf("h264: got %v, want ErrUnsupported", err)
	}

	vpkt, _ := c.ReadPacket(context.Background())
	if err := vd.Send(vpkt); err != nil {
		t.Fatal(err)
	}
	f, err := vd.Receive()
	if err != nil {
		t.Fatal(err)
	}
	if f.Width != 70 || f.Height != 10 || f.Format != media.PixelFormatI420 || len(f.Planes) != 3 {
		t.Errorf("frame = %dx%d %s planes=%d", f.Width, f.Height, f.Format, len(f.Planes))
	}
	if _, err := vd.Receive(); !errors.Is(err, codec.ErrNeedInput) {
		t.Errorf("second Receive: got %v, want ErrNeedInput", err)
	}

	apkt, _ := c.ReadPacket(context.Background())
	if err := ad.Send(apkt); err != nil {
		t.Fatal(err)
	}
	af, err := ad.Receive()
	if err != nil {
		t.Fatal(err)
	}
	if af.SampleCount() != AudioBlock || af.Channels != 2 || af.SampleRate != 48000 {
		t.Errorf("audio frame = %d samples x%d @%d", af.SampleCount(), af.Channels, af.SampleRate)
	}
}

func TestBarColor(t *testing.T) {
	t.Parallel()
	r, g, b := BarColor(0, 70)
	if r != 191 || g != 191 || b != 191 {
		t.Errorf("first bar = %d,%d,%d, want grey", r, g, b)
	}
	r, g, b = BarColor(69, 70)
	if r != 0 || g != 0 || b != 191 {
		t.Errorf("last bar = %d,%d,%d, want blue", r, g, b)
	}
}
