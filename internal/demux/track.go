package demux

import (
	"slices"

	"github.com/zsiec/lens/internal/media"
	"github.com/zsiec/lens/internal/mpegts"
)

// Codec names reported in media.StreamInfo. They match the decoder names
// the libav backend looks up.
const (
	CodecH264 = "h264"
	CodecHEVC = "hevc"
	CodecAAC  = "aac"
	CodecMP3  = "mp3"
	CodecMP2  = "mp2"
	CodecOpus = "opus"
)

// Descriptor tags used to identify Opus in a PMT.
const (
	descriptorExtension = 0x7F
	extensionOpus       = 0x80
)

// probeFrames is the number of video PTS values collected to estimate the
// frame rate when the SPS carries no timing info.
const probeFrames = 8

// track is one elementary stream selected from the PMT.
type track struct {
	pid  uint16
	info media.StreamInfo
	// ready is set once the codec parameters have been read from the
	// bitstream.
	ready bool
	// pts holds the first video timestamps (90 kHz) seen while probing.
	pts []int64
	// next is the expected PTS of the following audio frame, for PES
	// packets without a timestamp.
	next    int64
	hasNext bool
}

func (t *track) hevc() bool { return t.info.Codec == CodecHEVC }

// newTrack maps a PMT elementary stream to a track, or nil when lens has no
// use for the stream type.
func newTrack(es *mpegts.PMTElementaryStream, index int) *track {
	t := &track{pid: es.ElementaryPID, info: media.StreamInfo{Index: index}}
	switch es.StreamType {
	case mpegts.StreamTypeH264:
		t.info.Kind, t.info.Codec = media.KindVideo, CodecH264
	case mpegts.StreamTypeH265:
		t.info.Kind, t.info.Codec = media.KindVideo, CodecHEVC
	case mpegts.StreamTypeAAC:
		t.info.Kind, t.info.Codec = media.KindAudio, CodecAAC
	case mpegts.StreamTypeMPEG1Audio, mpegts.StreamTypeMPEG2Audio:
		// Layer II or III; corrected from the first frame header.
		t.info.Kind, t.info.Codec = media.KindAudio, CodecMP3
	case mpegts.StreamTypePrivatePES:
		if es.Registration() != "Opus" {
			return nil
		}
		t.info.Kind, t.info.Codec = media.KindAudio, CodecOpus
		t.info.SampleRate = OpusSampleRate
		t.info.Channels = opusChannels(es.Descriptors)
		t.ready = true
	default:
		return nil
	}
	return t
}

// opusChannels reads the channel count from the Opus extension
// descriptor. Mapping families beyond plain mono/stereo default to stereo.
func opusChannels(ds []mpegts.Descriptor) int {
	for _, d := range ds {
		if d.Tag != descriptorExtension || len(d.Data) < 2 || d.Data[0] != extensionOpus {
			continue
		}
		if n := int(d.Data[1]); n >= 1 && n <= 8 {
			return n
		}
	}
	return 2
}

// estimateFrameRate derives a frame rate from the smallest positive gap
// between sorted presentation timestamps.
func estimateFrameRate(pts []int64) media.Rational {
	if len(pts) < 2 {
		return media.Rational{}
	}
	sorted := slices.Clone(pts)
	slices.Sort(sorted)
	var gap int64
	for i := 1; i < len(sorted); i++ {
		if d := sorted[i] - sorted[i-1]; d > 0 && (gap == 0 || d < gap) {
			gap = d
		}
	}
	if gap == 0 {
		return media.Rational{}
	}
	return media.Rational{Num: ptsClock, Den: int(gap)}
}

// accessUnit summarises the NAL units of one video PES.
type accessUnit struct {
	keyframe bool
	sps      []byte
	seis     [][]byte
}

func scanAccessUnit(hevc bool, data []byte) accessUnit {
	var au accessUnit
	if hevc {
		for _, n := range ParseAnnexBHEVC(data) {
			switch {
			case IsHEVCKeyframe(n.Type):
				au.keyframe = true
			case n.Type == HEVCNALSPS:
				au.sps = n.Data
			case n.Type == HEVCNALSEIPrefix:
				au.seis = append(au.seis, n.Data)
			}
		}
		return au
	}
	for _, n := range ParseAnnexB(data) {
		switch n.Type {
		case NALTypeIDR:
			au.keyframe = true
		case NALTypeSPS:
			au.sps = n.Data
		case NALTypeSEI:
			au.seis = append(au.seis, n.Data)
		}
	}
	return au
}

// applySPS fills the track's picture parameters from an SPS.
func (t *track) applySPS(sps []byte) bool {
	if t.hevc() {
		info, err := ParseHEVCSPS(sps)
		if err != nil || info.Width <= 0 || info.Height <= 0 {
			return false
		}
		t.info.Width, t.info.Height = info.Width, info.Height
		return true
	}
	info, err := ParseSPS(sps)
	if err != nil || info.Width <= 0 || info.Height <= 0 {
		return false
	}
	t.info.Width, t.info.Height = info.Width, info.Height
	t.info.AvgFrameRate = info.FrameRate
	return true
}

// splitAudio splits an audio PES payload into frames for the track's codec.
func (t *track) splitAudio(data []byte) []AudioFrame {
	switch t.info.Codec {
	case CodecAAC:
		frames, _ := ParseADTS(data)
		return frames
	case CodecOpus:
		return ParseOpusAccessUnits(data, t.info.Channels)
	default:
		return ParseMPEGAudio(data)
	}
}
