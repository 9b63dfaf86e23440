package engine

import "github.com/zsiec/lens/internal/media"

// Status is the engine's session state.
type Status int

// Engine states. Error and Stopped end a session; the engine itself can
// always be reopened.
const (
	StatusStopped Status = iota
	StatusConnecting
	StatusPlaying
	StatusPaused
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusConnecting:
		return "connecting"
	case StatusPlaying:
		return "playing"
	case StatusPaused:
		return "paused"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Observer receives engine notifications. Methods are called synchronously
// on the goroutine driving the engine and must not block. They may call
// the engine's accessors but not Open, Close, ReadFrame or Seek.
type Observer interface {
	// FrameReady delivers a converted picture. The image is a copy owned
	// by the receiver; treat it as read-only if CurrentFrame is also used.
	FrameReady(img *media.Image)
	StatusChanged(s Status)
	ErrorOccurred(err error)
	// AudioReady delivers interleaved S16LE stereo PCM at 44.1 kHz. The
	// slice is a copy owned by the receiver.
	AudioReady(pcm []byte)
	AudioFormatChanged(sampleRate, channels int)
}

// CaptionObserver is implemented by observers that want closed captions
// carried on the video stream.
type CaptionObserver interface {
	CaptionReady(c media.Caption)
}

// ObserverFuncs adapts optional functions to Observer and CaptionObserver.
// Nil fields are ignored.
type ObserverFuncs struct {
	OnFrame       func(img *media.Image)
	OnStatus      func(s Status)
	OnError       func(err error)
	OnAudio       func(pcm []byte)
	OnAudioFormat func(sampleRate, channels int)
	OnCaption     func(c media.Caption)
}

func (o ObserverFuncs) FrameReady(img *media.Image) {
	if o.OnFrame != nil {
		o.OnFrame(img)
	}
}

func (o ObserverFuncs) StatusChanged(s Status) {
	if o.OnStatus != nil {
		o.OnStatus(s)
	}
}

func (o ObserverFuncs) ErrorOccurred(err error) {
	if o.OnError != nil {
		o.OnError(err)
	}
}

func (o ObserverFuncs) AudioReady(pcm []byte) {
	if o.OnAudio != nil {
		o.OnAudio(pcm)
	}
}

func (o ObserverFuncs) AudioFormatChanged(sampleRate, channels int) {
	if o.OnAudioFormat != nil {
		o.OnAudioFormat(sampleRate, channels)
	}
}

func (o ObserverFuncs) CaptionReady(c media.Caption) {
	if o.OnCaption != nil {
		o.OnCaption(c)
	}
}
