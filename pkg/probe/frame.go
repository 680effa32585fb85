package probe

// DecodeFrame decodes the channel slots of a frame, appending valid readings to dst.
// Each slot is two bytes: the low 6 bits of the first byte carry the channel id and the
// reading is split as 8 high bits in the second byte and 2 low bits in the top of the first.
// A slot whose channel id has any of bits 3-5 set is corrupt and is skipped; the number of
// skipped slots is returned as bad. A trailing odd byte is ignored.
func DecodeFrame(dst []uint16, frame []byte) (readings []uint16, bad int) {
	for i := 0; i+1 < len(frame); i += 2 {
		channel := frame[i] & 0x3F
		if channel&0x38 != 0 {
			bad++
			continue
		}
		dst = append(dst, uint16(frame[i+1])<<2|uint16(frame[i]>>6))
	}
	return dst, bad
}

// EncodeSlot builds a valid channel-0 slot carrying raw.
func EncodeSlot(raw uint16) [2]byte {
	raw &= MaxRaw
	return [2]byte{byte(raw&0x3) << 6, byte(raw >> 2)}
}

// Assembler turns an arbitrary sequence of reads into whole frames.
type Assembler struct {
	buf [FrameSize]byte
	n   int
}

// Push feeds p and calls fn once for every complete frame. Bytes of an unfinished
// frame are kept for the next call. The frame slice is only valid during fn.
func (a *Assembler) Push(p []byte, fn func(frame []byte)) {
	// fast path: aligned full frames straight from p
	for a.n == 0 && len(p) >= FrameSize {
		fn(p[:FrameSize])
		p = p[FrameSize:]
	}
	for len(p) > 0 {
		c := copy(a.buf[a.n:], p)
		a.n += c
		p = p[c:]
		if a.n == FrameSize {
			fn(a.buf[:])
			a.n = 0
			for len(p) >= FrameSize {
				fn(p[:FrameSize])
				p = p[FrameSize:]
			}
		}
	}
}

// Pending returns the number of buffered bytes of an incomplete frame.
func (a *Assembler) Pending() int {
	return a.n
}

// Reset discards any partial frame.
func (a *Assembler) Reset() {
	a.n = 0
}
