package engine

import (
	"errors"
	"fmt"
)

// Kind classifies engine failures.
type Kind int

// Failure kinds. Open reports the kinds up to ConversionContextFailed;
// the remainder are per-call errors from ReadFrame.
const (
	KindUnknown Kind = iota
	KindAlreadyOpen
	KindOpenFailed
	KindProbeFailed
	KindNoVideoStream
	KindUnsupportedCodec
	KindDecoderAllocFailed
	KindDecoderConfigFailed
	KindDecoderOpenFailed
	KindConversionContextFailed
	KindReadFailed
	KindDecodeSendFailed
	KindDecodeReceiveFailed
	KindScaleFailed
	KindResampleFailed
	KindBufferSizeFailed
)

var kindNames = map[Kind]string{
	KindAlreadyOpen:             "already open",
	KindOpenFailed:              "open failed",
	KindProbeFailed:             "probe failed",
	KindNoVideoStream:           "no video stream",
	KindUnsupportedCodec:        "unsupported codec",
	KindDecoderAllocFailed:      "decoder alloc failed",
	KindDecoderConfigFailed:     "decoder config failed",
	KindDecoderOpenFailed:       "decoder open failed",
	KindConversionContextFailed: "conversion context failed",
	KindReadFailed:              "read failed",
	KindDecodeSendFailed:        "decode send failed",
	KindDecodeReceiveFailed:     "decode receive failed",
	KindScaleFailed:             "scale failed",
	KindResampleFailed:          "resample failed",
	KindBufferSizeFailed:        "buffer size failed",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Error is returned by engine operations and passed to
// Observer.ErrorOccurred. Op names the step that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("engine: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("engine: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is or wraps an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}
