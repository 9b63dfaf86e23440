// Package mpegts parses MPEG transport streams: it reassembles PAT and PMT
// sections and PES packets per PID and reports the byte offset each unit
// started at, so callers can map timestamps back to positions in a file.
package mpegts

// Stream types carried in the PMT that lens understands.
const (
	StreamTypeMPEG1Audio = 0x03
	StreamTypeMPEG2Audio = 0x04
	StreamTypePrivatePES = 0x06
	StreamTypeAAC        = 0x0F
	StreamTypeH264       = 0x1B
	StreamTypeH265       = 0x24
)

// Descriptor tags interpreted by PMTElementaryStream helpers.
const (
	DescriptorRegistration = 0x05
	DescriptorLanguage     = 0x0A
)

// Packet is a parsed 188-byte transport packet.
type Packet struct {
	Header  PacketHeader
	Payload []byte
	// Offset is the byte position of the packet in the input.
	Offset int64
}

// PacketHeader holds the transport header and the adaptation field flags
// lens uses.
type PacketHeader struct {
	PID                       uint16
	ContinuityCounter         uint8
	HasAdaptationField        bool
	HasPayload                bool
	PayloadUnitStartIndicator bool
	TransportErrorIndicator   bool
	DiscontinuityIndicator    bool
	RandomAccessIndicator     bool
}

// DemuxerData is one reassembled unit. Exactly one of PAT, PMT or PES is
// set.
type DemuxerData struct {
	FirstPacket *Packet
	PAT         *PATData
	PMT         *PMTData
	PES         *PESData
}

// PATData is a Program Association Table.
type PATData struct {
	Programs []*PATProgram
}

// PATProgram maps a program number to its PMT PID.
type PATProgram struct {
	ProgramMapID  uint16
	ProgramNumber uint16
}

// PMTData is a Program Map Table.
type PMTData struct {
	ProgramNumber     uint16
	PCRPID            uint16
	Descriptors       []Descriptor
	ElementaryStreams []*PMTElementaryStream
}

// PMTElementaryStream is one stream entry of a PMT.
type PMTElementaryStream struct {
	ElementaryPID uint16
	StreamType    uint8
	Descriptors   []Descriptor
}

// Descriptor is a raw PSI descriptor.
type Descriptor struct {
	Tag  uint8
	Data []byte
}

// Registration returns the format identifier of the stream's registration
// descriptor (for example "Opus" or "AC-3"), or "".
func (es *PMTElementaryStream) Registration() string {
	for _, d := range es.Descriptors {
		if d.Tag == DescriptorRegistration && len(d.Data) >= 4 {
			return string(d.Data[:4])
		}
	}
	return ""
}

// Language returns the ISO 639 code of the stream's language descriptor,
// or "".
func (es *PMTElementaryStream) Language() string {
	for _, d := range es.Descriptors {
		if d.Tag == DescriptorLanguage && len(d.Data) >= 3 {
			return string(d.Data[:3])
		}
	}
	return ""
}

// PESData is a reassembled PES packet.
type PESData struct {
	Data   []byte
	Header *PESHeader
}

// PESHeader is the fixed part of a PES header.
type PESHeader struct {
	OptionalHeader *PESOptionalHeader
	StreamID       uint8
}

// PESOptionalHeader carries the timestamps of the optional PES header.
type PESOptionalHeader struct {
	DataAlignment bool
	PTS           *ClockReference
	DTS           *ClockReference
}

// ClockReference is a 33-bit timestamp on the 90 kHz clock.
type ClockReference struct {
	Base int64
}

// PacketsParser intercepts the packets accumulated for one unit before
// standard parsing. Returning skip=true suppresses standard parsing.
type PacketsParser func(ps []*Packet) (ds []*DemuxerData, skip bool, err error)
