package demux

// H.265 NAL unit types (ITU-T H.265 Table 7-1).
const (
	HEVCNALBlaWLP     = 16
	HEVCNALIDRWRadl   = 19
	HEVCNALIDRNlp     = 20
	HEVCNALCraNut     = 21
	HEVCNALVPS        = 32
	HEVCNALSPS        = 33
	HEVCNALPPS        = 34
	HEVCNALAUD        = 35
	HEVCNALFillerData = 38
	HEVCNALSEIPrefix  = 39
)

// HEVCNALType extracts the type from the first byte of the 2-byte HEVC NAL
// header: forbidden(1) type(6) layer_id_high(1).
func HEVCNALType(firstByte byte) byte {
	return firstByte >> 1 & 0x3F
}

// IsHEVCKeyframe reports whether the NAL type is an IRAP picture (BLA, IDR
// or CRA).
func IsHEVCKeyframe(nalType byte) bool {
	return nalType >= HEVCNALBlaWLP && nalType <= HEVCNALCraNut
}

// ParseAnnexBHEVC splits an H.265 Annex B byte stream into NAL units.
func ParseAnnexBHEVC(data []byte) []NALUnit {
	return splitAnnexB(data, 2, func(d []byte) byte { return HEVCNALType(d[0]) })
}

// HEVCSPSInfo holds the fields of an H.265 SPS that lens reports.
type HEVCSPSInfo struct {
	Width           int
	Height          int
	ProfileIDC      byte
	TierFlag        byte
	LevelIDC        byte
	ChromaFormatIdc byte
	BitDepthLuma    int
}

// ParseHEVCSPS parses an H.265 SPS NAL unit (2-byte header included) for
// its conformance-window-cropped size and profile/tier/level.
func ParseHEVCSPS(nalu []byte) (HEVCSPSInfo, error) {
	if len(nalu) < 4 {
		return HEVCSPSInfo{}, errShortRBSP
	}
	br := newBitReader(unescapeRBSP(nalu[2:]))

	br.u(4) // sps_video_parameter_set_id
	maxSubLayersMinus1 := br.u(3)
	br.u1() // sps_temporal_id_nesting_flag

	var info HEVCSPSInfo
	skipProfileTierLevel(br, &info, maxSubLayersMinus1)

	br.ue() // sps_seq_parameter_set_id
	chroma := br.ue()
	info.ChromaFormatIdc = byte(chroma)
	if chroma == 3 {
		br.u1() // separate_colour_plane_flag
	}
	info.Width = int(br.ue())
	info.Height = int(br.ue())
	if br.err != nil {
		return HEVCSPSInfo{}, br.err
	}

	if br.flag() { // conformance_window_flag
		l, r, t, b := br.ue(), br.ue(), br.ue(), br.ue()
		subW, subH := uint(1), uint(1)
		switch chroma {
		case 1:
			subW, subH = 2, 2
		case 2:
			subW = 2
		}
		if br.err == nil {
			info.Width -= int((l + r) * subW)
			info.Height -= int((t + b) * subH)
		}
	}
	if depth := br.ue(); br.err == nil {
		info.BitDepthLuma = int(depth) + 8
	}
	return info, nil
}

// skipProfileTierLevel reads the general profile, tier and level and skips
// the per-sub-layer fields.
func skipProfileTierLevel(br *bitReader, info *HEVCSPSInfo, maxSubLayersMinus1 uint) {
	br.u(2) // general_profile_space
	info.TierFlag = byte(br.u1())
	info.ProfileIDC = byte(br.u(5))
	br.u(32) // general_profile_compatibility_flags
	br.u(48) // progressive, interlaced, constraint flags
	info.LevelIDC = byte(br.u(8))

	if maxSubLayersMinus1 == 0 {
		return
	}
	var profilePresent, levelPresent [8]bool
	for i := range maxSubLayersMinus1 {
		profilePresent[i] = br.flag()
		levelPresent[i] = br.flag()
	}
	for range 8 - maxSubLayersMinus1 {
		br.u(2) // reserved_zero_2bits
	}
	for i := range maxSubLayersMinus1 {
		if profilePresent[i] {
			br.u(88)
		}
		if levelPresent[i] {
			br.u(8)
		}
	}
}
