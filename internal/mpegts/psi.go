package mpegts

import "fmt"

const (
	pidPAT     = 0x0000
	tableIDPAT = 0x00
	tableIDPMT = 0x02
)

// parsePSI walks the sections of a PSI payload (pointer field first) and
// returns one DemuxerData per PAT or PMT section.
func parsePSI(payload []byte, firstPacket *Packet) ([]*DemuxerData, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("mpegts: PSI payload too short")
	}
	offset := 1 + int(payload[0])
	if offset >= len(payload) {
		return nil, fmt.Errorf("mpegts: PSI pointer field out of range")
	}

	var results []*DemuxerData
	for offset+3 <= len(payload) {
		tableID := payload[offset]
		// 0xFF is stuffing; a clear section_syntax_indicator is padding.
		if tableID == 0xFF || payload[offset+1]&0x80 == 0 {
			break
		}
		end := offset + 3 + sectionLength(payload[offset:])
		if end > len(payload) {
			break
		}
		section := payload[offset:end]
		offset = end

		switch tableID {
		case tableIDPAT:
			pat, err := parsePATSection(section)
			if err != nil {
				return results, err
			}
			results = append(results, &DemuxerData{FirstPacket: firstPacket, PAT: pat})
		case tableIDPMT:
			pmt, err := parsePMTSection(section)
			if err != nil {
				return results, err
			}
			results = append(results, &DemuxerData{FirstPacket: firstPacket, PMT: pmt})
		}
	}
	return results, nil
}

func sectionLength(section []byte) int {
	return int(section[1]&0x0F)<<8 | int(section[2])
}

// parsePATSection parses a PAT section including its CRC.
//
//	[0]      table_id
//	[1-2]    syntax indicator, section_length
//	[3-4]    transport_stream_id
//	[5-7]    version, section numbers
//	[8..N-4] program_number(16) reserved(3) PID(13)
//	[N-4..N] CRC32
func parsePATSection(data []byte) (*PATData, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("mpegts: PAT too short")
	}
	if err := verifyCRC32(data); err != nil {
		return nil, fmt.Errorf("PAT: %w", err)
	}

	pat := &PATData{}
	for i := 8; i+4 <= len(data)-4; i += 4 {
		num := uint16(data[i])<<8 | uint16(data[i+1])
		pid := uint16(data[i+2]&0x1F)<<8 | uint16(data[i+3])
		if num == 0 {
			continue // network PID
		}
		pat.Programs = append(pat.Programs, &PATProgram{ProgramNumber: num, ProgramMapID: pid})
	}
	return pat, nil
}

// parsePMTSection parses a PMT section including its CRC.
//
//	[0-7]    common section header, [3-4] program_number
//	[8-9]    reserved(3) PCR_PID(13)
//	[10-11]  reserved(4) program_info_length(12)
//	[..]     program descriptors
//	[..]     stream_type(8) reserved(3) PID(13) reserved(4) ES_info_length(12) descriptors
//	[N-4..N] CRC32
func parsePMTSection(data []byte) (*PMTData, error) {
	if len(data) < 16 {
		return nil, fmt.Errorf("mpegts: PMT too short")
	}
	if err := verifyCRC32(data); err != nil {
		return nil, fmt.Errorf("PMT: %w", err)
	}
	end := len(data) - 4

	pmt := &PMTData{
		ProgramNumber: uint16(data[3])<<8 | uint16(data[4]),
		PCRPID:        uint16(data[8]&0x1F)<<8 | uint16(data[9]),
	}
	infoLen := int(data[10]&0x0F)<<8 | int(data[11])
	offset := 12
	if offset+infoLen > end {
		return nil, fmt.Errorf("mpegts: PMT program_info_length %d overruns section", infoLen)
	}
	pmt.Descriptors = parseDescriptors(data[offset : offset+infoLen])
	offset += infoLen

	for offset+5 <= end {
		es := &PMTElementaryStream{
			StreamType:    data[offset],
			ElementaryPID: uint16(data[offset+1]&0x1F)<<8 | uint16(data[offset+2]),
		}
		esInfoLen := int(data[offset+3]&0x0F)<<8 | int(data[offset+4])
		offset += 5
		if offset+esInfoLen > end {
			return nil, fmt.Errorf("mpegts: PMT ES_info_length %d overruns section", esInfoLen)
		}
		es.Descriptors = parseDescriptors(data[offset : offset+esInfoLen])
		offset += esInfoLen
		pmt.ElementaryStreams = append(pmt.ElementaryStreams, es)
	}
	return pmt, nil
}

// parseDescriptors splits a descriptor loop. A truncated trailing
// descriptor is dropped.
func parseDescriptors(b []byte) []Descriptor {
	var ds []Descriptor
	for len(b) >= 2 {
		n := int(b[1])
		if 2+n > len(b) {
			break
		}
		ds = append(ds, Descriptor{Tag: b[0], Data: b[2 : 2+n]})
		b = b[2+n:]
	}
	return ds
}
