package protocol

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payloads := [][]byte{
		{},
		[]byte("ok"),
		bytes.Repeat([]byte{0xAB}, 64*1024),
		[]byte("no such resource"),
	}

	for _, want := range payloads {
		frame := Encode(Command, want)
		d := NewDecoder(Command)
		d.Feed(frame)

		got, ok := d.NextPayload()
		if !ok {
			t.Fatalf("no payload decoded for input of length %d", len(want))
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("round trip mismatch: got %d bytes, want %d bytes", len(got), len(want))
		}
		if _, ok := d.NextPayload(); ok {
			t.Fatal("expected exactly one payload")
		}
	}
}

func TestDecoderMultipleFramesInOneFeed(t *testing.T) {
	d := NewDecoder(Command)
	var buf bytes.Buffer
	buf.Write(Encode(Command, []byte("first")))
	buf.Write(Encode(Command, []byte("second")))
	d.Feed(buf.Bytes())

	first, ok := d.NextPayload()
	if !ok || string(first) != "first" {
		t.Fatalf("first payload = %q, ok=%v", first, ok)
	}
	second, ok := d.NextPayload()
	if !ok || string(second) != "second" {
		t.Fatalf("second payload = %q, ok=%v", second, ok)
	}
}

func TestDecoderPartialFeed(t *testing.T) {
	d := NewDecoder(Command)
	frame := Encode(Command, []byte("hello"))

	d.Feed(frame[:5])
	if _, ok := d.NextPayload(); ok {
		t.Fatal("payload should not be available before the frame is complete")
	}

	d.Feed(frame[5:])
	got, ok := d.NextPayload()
	if !ok || string(got) != "hello" {
		t.Fatalf("got %q, ok=%v", got, ok)
	}
}

// TestBadCRCDropsOnlyThatFrame verifies a frame with a corrupted CRC is
// silently dropped and does not affect subsequent valid frames.
func TestBadCRCDropsOnlyThatFrame(t *testing.T) {
	good1 := Encode(Command, []byte("before"))
	corrupt := Encode(Command, []byte("corrupted"))
	corrupt[len(corrupt)-1] ^= 0xFF // flip a CRC byte
	good2 := Encode(Command, []byte("after"))

	d := NewDecoder(Command)
	var buf bytes.Buffer
	buf.Write(good1)
	buf.Write(corrupt)
	buf.Write(good2)
	d.Feed(buf.Bytes())

	first, ok := d.NextPayload()
	if !ok || string(first) != "before" {
		t.Fatalf("first payload = %q, ok=%v", first, ok)
	}
	second, ok := d.NextPayload()
	if !ok || string(second) != "after" {
		t.Fatalf("second payload = %q, ok=%v", second, ok)
	}
	if _, ok := d.NextPayload(); ok {
		t.Fatal("corrupted frame should never surface a payload")
	}
}

func TestBadMagicWordDiscardsBuffer(t *testing.T) {
	good := Encode(Command, []byte("never seen"))
	var garbage bytes.Buffer
	garbage.WriteByte(0xFF)
	garbage.WriteByte(0xFF)
	garbage.Write(good)

	d := NewDecoder(Command)
	d.Feed(garbage.Bytes())

	if _, ok := d.NextPayload(); ok {
		t.Fatal("bad magic word should discard the entire buffer, including trailing valid frames")
	}
}

func TestDecoderRejectsUndersizedLength(t *testing.T) {
	// A matching magic word with a LEN field encoding a frame shorter than
	// the minimum possible frame must never panic on the trailer/payload
	// slice; it should be treated as a malformed frame and discarded.
	frame := make([]byte, minFrameLen)
	frame[0], frame[1] = Command[0], Command[1]
	binary.LittleEndian.PutUint32(frame[2:6], 0) // total = 1, far below minFrameLen

	d := NewDecoder(Command)
	d.Feed(frame)

	if _, ok := d.NextPayload(); ok {
		t.Fatal("undersized LEN should never surface a payload")
	}
}

func TestEncodeLengthAndCRCFields(t *testing.T) {
	payload := []byte("abc")
	frame := Encode(Reply, payload)

	wantLen := uint32(len(frame) - 1)
	gotLen := binary.LittleEndian.Uint32(frame[2:6])
	if gotLen != wantLen {
		t.Errorf("LEN = %d, want %d", gotLen, wantLen)
	}
	if frame[0] != Reply[0] || frame[1] != Reply[1] {
		t.Errorf("magic word = %x %x, want %x %x", frame[0], frame[1], Reply[0], Reply[1])
	}
	wantCRC := crc32.ChecksumIEEE(frame[:len(frame)-4])
	gotCRC := binary.LittleEndian.Uint32(frame[len(frame)-4:])
	if gotCRC != wantCRC {
		t.Errorf("CRC = %#08x, want %#08x", gotCRC, wantCRC)
	}
}
