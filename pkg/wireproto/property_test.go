package wireproto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

// TestDecodeChunkingInvariant checks that the decoded command sequence
// from a byte stream is identical whether it's fed one byte at a
// time, all at once, or in random chunks. We approximate "fed
// incrementally" by re-running Decode on growing prefixes, which is
// exactly what the ingest receiver does across datagram arrivals.
func TestDecodeChunkingInvariant(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		nFrames := rapid.IntRange(1, 5).Draw(t, "nFrames")
		bodyLen := rapid.IntRange(0, 64).Draw(t, "bodyLen")

		var all []byte
		for i := 0; i < nFrames; i++ {
			body := make([]byte, bodyLen)
			for j := range body {
				body[j] = byte(rapid.IntRange(0, 255).Draw(t, "byte"))
			}
			all = append(all, buildRecvFrame(0x80, 0x01, 0x00, body)...)
		}
		params := Params{RawBodyLen: bodyLen}

		wholeKinds := decodeAll(t, all, params)

		chunkSize := rapid.IntRange(1, len(all)).Draw(t, "chunkSize")
		var reassembled []byte
		var chunkedKinds []CommandKind
		for off := 0; off < len(all); off += chunkSize {
			end := off + chunkSize
			if end > len(all) {
				end = len(all)
			}
			reassembled = append(reassembled, all[off:end]...)
			for {
				res := Decode(reassembled, params)
				if res.Outcome != OK {
					break
				}
				chunkedKinds = append(chunkedKinds, res.Kind)
				reassembled = reassembled[res.Consumed:]
			}
		}

		assert.Equal(t, wholeKinds, chunkedKinds)
	})
}

func decodeAll(t *rapid.T, buf []byte, p Params) []CommandKind {
	var kinds []CommandKind
	for len(buf) > 0 {
		res := Decode(buf, p)
		if res.Outcome != OK {
			break
		}
		kinds = append(kinds, res.Kind)
		buf = buf[res.Consumed:]
	}
	return kinds
}

// TestDecodeNeedMoreNeverMalformedOnTruncation checks that any partial
// tail appended to a valid-frame prefix returns NeedMore, never
// Malformed.
func TestDecodeNeedMoreNeverMalformedOnTruncation(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		bodyLen := rapid.IntRange(0, 128).Draw(t, "bodyLen")
		body := make([]byte, bodyLen)
		frame := buildRecvFrame(0x80, 0x11, 0x00, body)
		cut := rapid.IntRange(0, len(frame)-1).Draw(t, "cut")

		res := Decode(frame[:cut], Params{RawBodyLen: bodyLen})
		assert.NotEqual(t, Malformed, res.Outcome, "truncated valid frame decoded as Malformed: %v", res.Err)
	})
}

func TestDecodeIgnoresTrailingGarbage(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		body := []byte{1, 2, 3, 4}
		frame := buildRecvFrame(0x80, 0x01, 0x00, body)
		trailing := rapid.SliceOfN(rapid.Byte(), 0, 16).Draw(t, "trailing")
		buf := append(append([]byte{}, frame...), trailing...)

		res := Decode(buf, Params{RawBodyLen: 4})
		assert.Equal(t, OK, res.Outcome)
		assert.True(t, bytes.Equal(res.Body, body))
		assert.Equal(t, len(frame), res.Consumed)
	})
}
