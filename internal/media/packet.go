package media

import "time"

// Kind is the media type of an elementary stream.
type Kind int

// Elementary stream kinds.
const (
	KindUnknown Kind = iota
	KindVideo
	KindAudio
	KindData
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	case KindData:
		return "data"
	default:
		return "unknown"
	}
}

// Rational is a num/den pair as reported by containers for frame rates.
type Rational struct {
	Num int
	Den int
}

// Float returns the value of r, or 0 when r is not a positive ratio.
func (r Rational) Float() float64 {
	if r.Num <= 0 || r.Den <= 0 {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

// StreamInfo describes one elementary stream discovered when probing a
// container. Native carries backend-specific state that a decoder factory
// from the same backend may use (for example codec parameters).
type StreamInfo struct {
	Index         int
	Kind          Kind
	Codec         string
	Width         int
	Height        int
	AvgFrameRate  Rational
	RealFrameRate Rational
	SampleRate    int
	Channels      int
	Native        any
}

// Caption is a line of closed-caption text decoded from the video stream.
type Caption struct {
	PTS     time.Duration
	Channel int
	Text    string
}

// Packet is one compressed unit read from a container. Release must be
// called once the packet has been consumed so backends that pool native
// packets can reclaim them.
type Packet struct {
	StreamIndex int
	Data        []byte
	PTS         time.Duration
	DTS         time.Duration
	Keyframe    bool
	Captions    []Caption
	Native      any

	release func()
}

// NewPacket returns a packet whose Release calls release. A nil release
// makes Release a no-op.
func NewPacket(streamIndex int, release func()) *Packet {
	return &Packet{StreamIndex: streamIndex, release: release}
}

// Release returns the packet's resources to its owner. It is safe to call
// more than once.
func (p *Packet) Release() {
	if p == nil || p.release == nil {
		return
	}
	r := p.release
	p.release = nil
	r()
}
