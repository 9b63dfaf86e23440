package demux

import (
	"github.com/zsiec/lens/internal/media"
)

// H.264 NAL unit types (ITU-T H.264 Table 7-1).
const (
	NALTypeSlice      = 1
	NALTypeIDR        = 5
	NALTypeSEI        = 6
	NALTypeSPS        = 7
	NALTypePPS        = 8
	NALTypeAUD        = 9
	NALTypeFillerData = 12
)

// SPSInfo holds the fields of an H.264 sequence parameter set that lens
// reports when probing a stream.
type SPSInfo struct {
	Width      int
	Height     int
	ProfileIDC byte
	LevelIDC   byte
	// FrameRate is derived from the VUI timing info; zero when absent.
	FrameRate media.Rational
	// FixedFrameRate mirrors fixed_frame_rate_flag.
	FixedFrameRate bool
}

// ParseAnnexB splits an H.264 Annex B byte stream into NAL units.
func ParseAnnexB(data []byte) []NALUnit {
	return splitAnnexB(data, 1, func(d []byte) byte { return d[0] & 0x1F })
}

// IsKeyframe reports whether an H.264 NAL type is an IDR slice.
func IsKeyframe(nalType byte) bool {
	return nalType == NALTypeIDR
}

// highProfile reports whether profile_idc carries the chroma and bit depth
// fields of the High profiles.
func highProfile(idc uint) bool {
	switch idc {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134, 135:
		return true
	}
	return false
}

// ParseSPS parses an H.264 SPS NAL unit (header byte included, start code
// excluded) for its cropped picture size, profile, level and VUI frame rate.
func ParseSPS(nalu []byte) (SPSInfo, error) {
	if len(nalu) < 4 {
		return SPSInfo{}, errShortRBSP
	}
	br := newBitReader(unescapeRBSP(nalu[1:]))

	profile := br.u(8)
	br.u(8) // constraint flags
	info := SPSInfo{ProfileIDC: byte(profile), LevelIDC: byte(br.u(8))}
	br.ue() // seq_parameter_set_id

	chromaFormat := uint(1)
	separatePlanes := false
	if highProfile(profile) {
		if chromaFormat = br.ue(); chromaFormat == 3 {
			separatePlanes = br.flag()
		}
		br.ue() // bit_depth_luma_minus8
		br.ue() // bit_depth_chroma_minus8
		br.u1() // qpprime_y_zero_transform_bypass_flag
		if br.flag() {
			lists := 8
			if chromaFormat == 3 {
				lists = 12
			}
			for i := range lists {
				if br.flag() {
					size := 16
					if i >= 6 {
						size = 64
					}
					skipScalingList(br, size)
				}
			}
		}
	}

	br.ue() // log2_max_frame_num_minus4
	switch br.ue() {
	case 0:
		br.ue() // log2_max_pic_order_cnt_lsb_minus4
	case 1:
		br.u1()
		br.se()
		br.se()
		for range br.ue() {
			br.se()
		}
	}
	br.ue() // max_num_ref_frames
	br.u1() // gaps_in_frame_num_value_allowed_flag

	widthMbs := br.ue() + 1
	heightMapUnits := br.ue() + 1
	frameMbsOnly := br.u1()
	if frameMbsOnly == 0 {
		br.u1() // mb_adaptive_frame_field_flag
	}
	br.u1() // direct_8x8_inference_flag

	var cropL, cropR, cropT, cropB uint
	if br.flag() {
		cropL, cropR, cropT, cropB = br.ue(), br.ue(), br.ue(), br.ue()
	}
	if br.err != nil {
		return SPSInfo{}, br.err
	}

	// Monochrome and 4:4:4 crop in luma units.
	subW, subH := uint(2), uint(2)
	switch {
	case separatePlanes || chromaFormat == 0 || chromaFormat == 3:
		subW, subH = 1, 1
	case chromaFormat == 2:
		subH = 1
	}
	cropUnitY := subH * (2 - frameMbsOnly)
	info.Width = int(widthMbs*16 - subW*(cropL+cropR))
	info.Height = int(heightMapUnits*16*(2-frameMbsOnly) - cropUnitY*(cropT+cropB))

	if br.flag() {
		parseVUITiming(br, &info)
	}
	return info, nil
}

func skipScalingList(br *bitReader, size int) {
	last, next := 8, 8
	for range size {
		if next != 0 {
			next = (last + br.se() + 256) % 256
		}
		if next != 0 {
			last = next
		}
	}
}

// parseVUITiming reads VUI fields up to timing_info. A truncated VUI
// leaves the frame rate unset.
func parseVUITiming(br *bitReader, info *SPSInfo) {
	if br.flag() { // aspect_ratio_info_present_flag
		if br.u(8) == 255 { // Extended_SAR
			br.u(32)
		}
	}
	if br.flag() { // overscan_info_present_flag
		br.u1()
	}
	if br.flag() { // video_signal_type_present_flag
		br.u(4)
		if br.flag() {
			br.u(24)
		}
	}
	if br.flag() { // chroma_loc_info_present_flag
		br.ue()
		br.ue()
	}
	if !br.flag() { // timing_info_present_flag
		return
	}
	unitsInTick := br.u(32)
	timeScale := br.u(32)
	fixed := br.flag()
	if br.err != nil || unitsInTick == 0 || timeScale == 0 {
		return
	}
	// One frame spans two field ticks.
	info.FrameRate = media.Rational{Num: int(timeScale), Den: int(2 * unitsInTick)}
	info.FixedFrameRate = fixed
}
