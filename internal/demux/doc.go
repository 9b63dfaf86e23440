// Package demux turns MPEG transport streams into media packets. It
// selects the video and audio streams of the first program, splits audio
// PES payloads into codec frames, reads picture size and frame rate from
// H.264 and H.265 parameter sets, and decodes CEA-608/708 captions carried
// in video SEI.
//
// [Container] implements source.Container over any byte stream; [Opener]
// connects it to the ingest transports. Codec bitstream helpers such as
// [ParseAnnexB], [ParseSPS] and [ParseADTS] are exported for tools that
// inspect streams directly.
package demux
