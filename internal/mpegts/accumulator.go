package mpegts

import "slices"

// pmtPIDs is the set of PIDs announced as carrying PMT sections.
type pmtPIDs map[uint16]bool

func (m pmtPIDs) isPSI(pid uint16) bool {
	return pid == pidPAT || m[pid]
}

// accumulator collects the packets of one PID until a unit is complete: a
// new payload_unit_start on the PID, or a complete section for PSI.
type accumulator struct {
	pid     uint16
	packets []*Packet
	psi     pmtPIDs
}

func (a *accumulator) add(p *Packet) []*Packet {
	if p.Header.TransportErrorIndicator {
		a.packets = nil
		return nil
	}
	if !p.Header.HasPayload {
		return nil
	}

	if n := len(a.packets); n > 0 && !p.Header.DiscontinuityIndicator {
		prev := a.packets[n-1].Header.ContinuityCounter
		if cc := p.Header.ContinuityCounter; cc != (prev+1)&0x0F {
			if cc == prev {
				return nil // retransmitted duplicate
			}
			a.packets = nil // lost packets; the partial unit is unusable
		}
	}

	// A continuation without a preceding unit start cannot be parsed.
	if len(a.packets) == 0 && !p.Header.PayloadUnitStartIndicator {
		return nil
	}

	var flushed []*Packet
	if p.Header.PayloadUnitStartIndicator && len(a.packets) > 0 {
		flushed = a.packets
		a.packets = nil
	}
	a.packets = append(a.packets, p)

	if flushed == nil && a.psi.isPSI(a.pid) && sectionsComplete(a.packets) {
		flushed = a.packets
		a.packets = nil
	}
	return flushed
}

func (a *accumulator) flush() []*Packet {
	flushed := a.packets
	a.packets = nil
	return flushed
}

// sectionsComplete reports whether the payloads hold every section that
// the pointer field and section lengths announce.
func sectionsComplete(packets []*Packet) bool {
	payload := joinPayloads(packets)
	if len(payload) < 1 {
		return false
	}
	offset := 1 + int(payload[0])
	if offset >= len(payload) {
		return false
	}
	for offset < len(payload) {
		if payload[offset] == 0xFF {
			return true
		}
		if offset+3 > len(payload) {
			return false
		}
		if payload[offset+1]&0x80 == 0 {
			return true
		}
		offset += 3 + sectionLength(payload[offset:])
		if offset > len(payload) {
			return false
		}
	}
	return true
}

func joinPayloads(packets []*Packet) []byte {
	if len(packets) == 1 {
		return packets[0].Payload
	}
	n := 0
	for _, p := range packets {
		n += len(p.Payload)
	}
	out := make([]byte, 0, n)
	for _, p := range packets {
		out = append(out, p.Payload...)
	}
	return out
}

// packetPool holds one accumulator per PID.
type packetPool struct {
	accs map[uint16]*accumulator
	psi  pmtPIDs
}

func newPacketPool(psi pmtPIDs) *packetPool {
	return &packetPool{accs: make(map[uint16]*accumulator), psi: psi}
}

func (pp *packetPool) add(p *Packet) []*Packet {
	acc, ok := pp.accs[p.Header.PID]
	if !ok {
		acc = &accumulator{pid: p.Header.PID, psi: pp.psi}
		pp.accs[p.Header.PID] = acc
	}
	return acc.add(p)
}

// dump flushes every accumulator in PID order so the PAT is parsed before
// the PMTs it announces.
func (pp *packetPool) dump() [][]*Packet {
	pids := make([]uint16, 0, len(pp.accs))
	for pid := range pp.accs {
		pids = append(pids, pid)
	}
	slices.Sort(pids)

	var all [][]*Packet
	for _, pid := range pids {
		if packets := pp.accs[pid].flush(); len(packets) > 0 {
			all = append(all, packets)
		}
	}
	return all
}

// reset drops all partial units.
func (pp *packetPool) reset() {
	clear(pp.accs)
}
