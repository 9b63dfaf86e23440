package mpegts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
)

// Demuxer reads transport packets from a reader and returns reassembled
// PAT, PMT and PES units in the order they complete.
type Demuxer struct {
	ctx           context.Context
	reader        io.Reader
	pktSize       int
	packetsParser PacketsParser

	buf     []byte
	offset  int64
	pool    *packetPool
	psi     pmtPIDs
	pending []*DemuxerData
	eof     bool
	resyncs int
}

// NewDemuxer creates a demuxer reading from r.
func NewDemuxer(ctx context.Context, r io.Reader, opts ...func(*Demuxer)) *Demuxer {
	psi := make(pmtPIDs)
	d := &Demuxer{
		ctx:     ctx,
		reader:  r,
		pktSize: PacketSizeTS,
		psi:     psi,
		pool:    newPacketPool(psi),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.buf = make([]byte, d.pktSize)
	return d
}

// DemuxerOptPacketSize sets the on-disk packet size: PacketSizeTS (the
// default), PacketSizeM2TS or PacketSizeRS.
func DemuxerOptPacketSize(size int) func(*Demuxer) {
	return func(d *Demuxer) {
		switch size {
		case PacketSizeTS, PacketSizeM2TS, PacketSizeRS:
			d.pktSize = size
		}
	}
}

// DemuxerOptPacketsParser installs a PacketsParser.
func DemuxerOptPacketsParser(p PacketsParser) func(*Demuxer) {
	return func(d *Demuxer) {
		d.packetsParser = p
	}
}

// DemuxerOptOffset sets the byte offset of the reader's first byte, for
// readers positioned part-way into a file.
func DemuxerOptOffset(offset int64) func(*Demuxer) {
	return func(d *Demuxer) {
		d.offset = offset
	}
}

// Offset returns the input position of the next unread byte.
func (d *Demuxer) Offset() int64 {
	return d.offset
}

// Resyncs returns how many times the demuxer lost packet alignment and
// scanned for the next sync byte.
func (d *Demuxer) Resyncs() int {
	return d.resyncs
}

// Reset drops buffered and partial units after the underlying reader has
// been repositioned to offset. Known PMT PIDs are kept.
func (d *Demuxer) Reset(offset int64) {
	d.pool.reset()
	d.pending = nil
	d.eof = false
	d.offset = offset
}

// NextData returns the next unit, or io.EOF once the input and all
// partial units are exhausted.
func (d *Demuxer) NextData() (*DemuxerData, error) {
	for {
		if len(d.pending) > 0 {
			data := d.pending[0]
			d.pending = d.pending[1:]
			return data, nil
		}
		if d.eof {
			return nil, io.EOF
		}
		if err := d.ctx.Err(); err != nil {
			return nil, err
		}

		pkt, err := d.readPacket()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				d.eof = true
				for _, packets := range d.pool.dump() {
					d.collect(packets)
				}
				continue
			}
			return nil, err
		}

		if flushed := d.pool.add(pkt); flushed != nil {
			d.collect(flushed)
		}
	}
}

// collect parses one completed unit into pending. Corrupt units are
// dropped.
func (d *Demuxer) collect(packets []*Packet) {
	results, err := d.process(packets)
	if err != nil {
		return
	}
	for _, r := range results {
		if r.PAT != nil {
			for _, p := range r.PAT.Programs {
				d.psi[p.ProgramMapID] = true
			}
		}
	}
	d.pending = append(d.pending, results...)
}

// readPacket reads the next aligned packet, scanning forward for a sync
// byte when alignment is lost.
func (d *Demuxer) readPacket() (*Packet, error) {
	// Plain and RS packets start with the sync byte; M2TS has a 4-byte
	// timecode first.
	skip := 0
	if d.pktSize == PacketSizeM2TS {
		skip = 4
	}

	if _, err := io.ReadFull(d.reader, d.buf); err != nil {
		return nil, err
	}
	start := d.offset
	d.offset += int64(d.pktSize)

	for d.buf[skip] != syncByte {
		i := bytes.IndexByte(d.buf[skip+1:], syncByte)
		if i < 0 {
			i = len(d.buf) - skip - 1
		}
		shift := i + 1
		d.resyncs++
		copy(d.buf, d.buf[shift:])
		if _, err := io.ReadFull(d.reader, d.buf[len(d.buf)-shift:]); err != nil {
			return nil, err
		}
		start += int64(shift)
		d.offset += int64(shift)
	}

	pkt, err := parsePacket(d.buf[skip : skip+packetSize])
	if err != nil {
		return nil, fmt.Errorf("mpegts: at offset %d: %w", start, err)
	}
	pkt.Offset = start
	return pkt, nil
}

func (d *Demuxer) process(packets []*Packet) ([]*DemuxerData, error) {
	first := packets[0]

	if d.packetsParser != nil {
		ds, skip, err := d.packetsParser(packets)
		if err != nil {
			return nil, err
		}
		if skip {
			return ds, nil
		}
	}

	payload := joinPayloads(packets)
	if len(payload) == 0 {
		return nil, nil
	}
	if d.psi.isPSI(first.Header.PID) {
		return parsePSI(payload, first)
	}
	if !isPESPayload(payload) {
		return nil, nil
	}
	pes, err := parsePES(payload)
	if err != nil {
		return nil, err
	}
	return []*DemuxerData{{FirstPacket: first, PES: pes}}, nil
}
