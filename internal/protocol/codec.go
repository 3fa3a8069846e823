// SPDX-License-Identifier: MIT

// Package protocol implements the control socket's framed wire format:
// a 2-byte magic word, a 4-byte little-endian length, the payload, and a
// trailing CRC32 over everything that precedes it.
package protocol

import (
	"encoding/binary"
	"hash/crc32"
)

// MagicWord identifies which side of the control socket produced a frame.
type MagicWord [2]byte

var (
	// Command is the magic word for client-to-server frames.
	Command = MagicWord{0x02, 0xB7}
	// Reply is the magic word for server-to-client frames.
	Reply = MagicWord{0x46, 0x17}
)

const (
	headerLen   = 6  // magic word + length field
	trailerLen  = 4  // crc32
	minFrameLen = 10 // smallest possible complete frame, zero-length payload
)

// Encode produces a complete frame for payload under the given magic word.
// LEN is (total frame size - 1); CRC32 (IEEE) covers every byte preceding
// the CRC field itself.
func Encode(mw MagicWord, payload []byte) []byte {
	total := headerLen + len(payload) + trailerLen
	frame := make([]byte, total)
	frame[0], frame[1] = mw[0], mw[1]
	binary.LittleEndian.PutUint32(frame[2:6], uint32(total-1))
	copy(frame[headerLen:headerLen+len(payload)], payload)
	crc := crc32.ChecksumIEEE(frame[:total-trailerLen])
	binary.LittleEndian.PutUint32(frame[total-trailerLen:], crc)
	return frame
}

// Decoder accumulates bytes from a stream and yields complete, CRC-valid
// payloads in arrival order. It is not safe for concurrent use; callers
// typically own one Decoder per connection.
type Decoder struct {
	mw       MagicWord
	buf      []byte
	payloads [][]byte
}

// NewDecoder returns a Decoder that only recognizes frames stamped with mw.
func NewDecoder(mw MagicWord) *Decoder {
	return &Decoder{mw: mw}
}

// Feed appends b to the internal buffer and drains any complete frames it
// contains into the pending-payload queue.
func (d *Decoder) Feed(b []byte) {
	d.buf = append(d.buf, b...)
	d.drain()
}

// drain implements the decoder algorithm from the control protocol's framed
// packet codec: resynchronize by discarding the whole buffer on a magic-word
// mismatch, silently drop (but still advance past) a frame with a bad CRC.
func (d *Decoder) drain() {
	for len(d.buf) >= minFrameLen {
		if d.buf[0] != d.mw[0] || d.buf[1] != d.mw[1] {
			d.buf = nil
			return
		}

		total := int(binary.LittleEndian.Uint32(d.buf[2:6])) + 1
		if total < minFrameLen {
			d.buf = nil
			return
		}
		if len(d.buf) < total {
			return // incomplete frame, wait for more bytes
		}

		want := binary.LittleEndian.Uint32(d.buf[total-trailerLen : total])
		got := crc32.ChecksumIEEE(d.buf[:total-trailerLen])
		if got == want {
			payload := make([]byte, total-minFrameLen)
			copy(payload, d.buf[headerLen:total-trailerLen])
			d.payloads = append(d.payloads, payload)
		}

		d.buf = d.buf[total:]
	}
}

// NextPayload removes and returns the oldest pending payload, if any.
func (d *Decoder) NextPayload() ([]byte, bool) {
	if len(d.payloads) == 0 {
		return nil, false
	}
	p := d.payloads[0]
	d.payloads = d.payloads[1:]
	return p, true
}

// Pending reports how many complete payloads are queued but not yet
// retrieved via NextPayload.
func (d *Decoder) Pending() int { return len(d.payloads) }
