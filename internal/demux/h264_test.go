package demux

import (
	"bytes"
	"testing"

	"github.com/zsiec/lens/internal/media"
)

func TestParseAnnexB(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		data      []byte
		wantTypes []byte
	}{
		{
			name: "4-byte start codes",
			data: []byte{
				0x00, 0x00, 0x00, 0x01, 0x67, 0x42, 0xE0, 0x1E,
				0x00, 0x00, 0x00, 0x01, 0x68, 0xCE, 0x38, 0x80,
				0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84, 0x00, 0xFF, 0xFE,
			},
			wantTypes: []byte{NALTypeSPS, NALTypePPS, NALTypeIDR},
		},
		{
			name: "3-byte start codes",
			data: []byte{
				0x00, 0x00, 0x01, 0x67, 0x42, 0xE0,
				0x00, 0x00, 0x01, 0x65, 0x88, 0x84,
			},
			wantTypes: []byte{NALTypeSPS, NALTypeIDR},
		},
		{
			name: "mixed start codes",
			data: []byte{
				0x00, 0x00, 0x00, 0x01, 0x67, 0x42,
				0x00, 0x00, 0x01, 0x68, 0xCE,
				0x00, 0x00, 0x00, 0x01, 0x06, 0xFF, 0xFE,
				0x00, 0x00, 0x01, 0x65, 0x88,
			},
			wantTypes: []byte{NALTypeSPS, NALTypePPS, NALTypeSEI, NALTypeIDR},
		},
		{
			name:      "leading garbage",
			data:      []byte{0xAA, 0xBB, 0x00, 0x00, 0x01, 0x41, 0x9A, 0x00, 0x01, 0x02},
			wantTypes: []byte{NALTypeSlice},
		},
		{name: "empty", data: nil},
		{name: "too short", data: []byte{0x00, 0x01}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			nalus := ParseAnnexB(tt.data)
			if len(nalus) != len(tt.wantTypes) {
				t.Fatalf("got %d NAL units, want %d", len(nalus), len(tt.wantTypes))
			}
			for i, want := range tt.wantTypes {
				if nalus[i].Type != want {
					t.Errorf("NALU[%d]: got type %d, want %d", i, nalus[i].Type, want)
				}
			}
		})
	}
}

func TestParseAnnexBTrailingZeroAbsorbedByStartCode(t *testing.T) {
	t.Parallel()
	data := []byte{
		0x00, 0x00, 0x00, 0x01, 0x06, 0xAA, 0xBB, 0x00,
		0x00, 0x00, 0x01, 0x41, 0x9A,
	}
	nalus := ParseAnnexB(data)
	if len(nalus) != 2 {
		t.Fatalf("got %d NAL units, want 2", len(nalus))
	}
	if !bytes.Equal(nalus[0].Data, []byte{0x06, 0xAA, 0xBB}) {
		t.Errorf("SEI data = %x, want 06aabb", nalus[0].Data)
	}
	if nalus[1].Type != NALTypeSlice || IsKeyframe(nalus[1].Type) {
		t.Errorf("second unit type %d", nalus[1].Type)
	}
}

func TestParseSPSEncoderVectors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name          string
		sps           []byte
		width, height int
	}{
		{
			name: "high 720p",
			sps: []byte{
				0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
				0x05, 0xbb, 0xff, 0x00, 0x03, 0x00, 0x04, 0x6a,
				0x02, 0x02, 0x02, 0x80, 0x00, 0x01, 0xf4, 0x80,
				0x00, 0x5d, 0xc0, 0x07, 0x8c, 0x18, 0xcb,
			},
			width: 1280, height: 720,
		},
		{
			name: "main 256x192",
			sps: []byte{
				0x67, 0x4d, 0x40, 0x1f, 0xb9, 0x08, 0x08, 0x0c,
				0xd8, 0x0b, 0x50, 0x10, 0x10, 0x14, 0x00, 0x00,
				0x0f, 0xa4, 0x00, 0x02, 0xee, 0x03, 0x81, 0x80,
				0x04, 0x93, 0xc0, 0x02, 0x49, 0xe8, 0xa0, 0xc0,
				0x3a, 0x8e, 0x18, 0xc9,
			},
			width: 256, height: 192,
		},
		{
			name: "high 720p with HRD",
			sps: []byte{
				0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
				0x05, 0xbb, 0x01, 0x6a, 0x04, 0x04, 0x0a, 0x80,
				0x00, 0x00, 0x03, 0x00, 0x80, 0x00, 0x00, 0x1e,
				0x30, 0x20, 0x00, 0x16, 0xe3, 0x60, 0x00, 0x2d,
				0xc6, 0xd2, 0x49, 0x80, 0x7c, 0x60, 0xc6, 0x58,
			},
			width: 1280, height: 720,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			info, err := ParseSPS(tt.sps)
			if err != nil {
				t.Fatalf("ParseSPS: %v", err)
			}
			if info.Width != tt.width || info.Height != tt.height {
				t.Errorf("got %dx%d, want %dx%d", info.Width, info.Height, tt.width, tt.height)
			}
		})
	}
}

func TestParseSPSGenerated(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name          string
		sps           testSPS
		width, height int
		rate          media.Rational
	}{
		{
			name:  "baseline 320x240 25fps",
			sps:   testSPS{profile: 66, widthMbs: 20, heightMapUnits: 15, unitsInTick: 1, timeScale: 50},
			width: 320, height: 240,
			rate: media.Rational{Num: 50, Den: 2},
		},
		{
			name:  "high 1080p cropped 29.97fps",
			sps:   testSPS{profile: 100, widthMbs: 120, heightMapUnits: 68, cropBottom: 4, unitsInTick: 1001, timeScale: 60000},
			width: 1920, height: 1080,
			rate: media.Rational{Num: 60000, Den: 2002},
		},
		{
			name:  "high 1080i without timing",
			sps:   testSPS{profile: 100, widthMbs: 120, heightMapUnits: 34, interlaced: true, cropBottom: 2},
			width: 1920, height: 1080,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			info, err := ParseSPS(buildSPS(tt.sps))
			if err != nil {
				t.Fatalf("ParseSPS: %v", err)
			}
			if info.Width != tt.width || info.Height != tt.height {
				t.Errorf("got %dx%d, want %dx%d", info.Width, info.Height, tt.width, tt.height)
			}
			if info.FrameRate != tt.rate {
				t.Errorf("frame rate = %v, want %v", info.FrameRate, tt.rate)
			}
			if info.ProfileIDC != byte(tt.sps.profile) || info.LevelIDC != 40 {
				t.Errorf("profile %d level %d", info.ProfileIDC, info.LevelIDC)
			}
		})
	}
}

func TestParseSPSTruncated(t *testing.T) {
	t.Parallel()
	for _, sps := range [][]byte{nil, {}, {0x67, 0x64, 0x00}, {0x67, 0x64, 0x00, 0x1f, 0xac}} {
		if _, err := ParseSPS(sps); err == nil {
			t.Errorf("ParseSPS(%x) succeeded, want error", sps)
		}
	}
}

func TestUnescapeRBSP(t *testing.T) {
	t.Parallel()
	got := unescapeRBSP([]byte{0x00, 0x00, 0x03, 0x01, 0x00, 0x00, 0x03, 0x00, 0x03})
	want := []byte{0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x03}
	if !bytes.Equal(got, want) {
		t.Errorf("got %x, want %x", got, want)
	}
}

func TestBitReaderExpGolomb(t *testing.T) {
	t.Parallel()
	w := &bitWriter{}
	values := []uint{0, 1, 2, 7, 255, 65535}
	for _, v := range values {
		w.ue(v)
	}
	w.ue(3) // se +2
	w.ue(4) // se -2
	br := newBitReader(w.trailing())
	for _, want := range values {
		if got := br.ue(); got != want {
			t.Errorf("ue() = %d, want %d", got, want)
		}
	}
	if got := br.se(); got != 2 {
		t.Errorf("se() = %d, want 2", got)
	}
	if got := br.se(); got != -2 {
		t.Errorf("se() = %d, want -2", got)
	}
	if br.err != nil {
		t.Fatalf("err = %v", br.err)
	}
	br.u(16)
	if br.err == nil {
		t.Error("reading past the end should set err")
	}
}
