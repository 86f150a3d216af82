package wireproto

import (
	"bytes"
	"testing"
)

// buildRecvFrame assembles a raw receive frame for head0/head1/head2 with
// the given body.
func buildRecvFrame(head0, head1, head2 byte, body []byte) []byte {
	buf := make([]byte, 0, 16+len(body))
	buf = append(buf, recvStart[0], recvStart[1])
	buf = append(buf, deviceType[:]...)
	buf = append(buf, head0, head1, head2, bodyIncludedTrue)
	lenBuf := make([]byte, 4)
	for i := 0; i < 4; i++ {
		lenBuf[i] = byte(len(body) >> (8 * i))
	}
	buf = append(buf, lenBuf...)
	buf = append(buf, body...)
	buf = append(buf, recvEnd[0], recvEnd[1])
	return buf
}

func TestDecodeHappyPath(t *testing.T) {
	// S1: 33 55 | 0C 00 00 00 | 80 11 00 | DA | 04 00 00 00 | DE AD BE EF | 33 AA
	body := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	frame := buildRecvFrame(0x80, 0x11, 0x00, body)

	res := Decode(frame, Params{RawBodyLen: 4})
	if res.Outcome != OK {
		t.Fatalf("want OK, got %v (%v)", res.Outcome, res.Err)
	}
	if res.Kind != VibDemod {
		t.Errorf("want VibDemod, got %v", res.Kind)
	}
	if !bytes.Equal(res.Body, body) {
		t.Errorf("body mismatch: got % X", res.Body)
	}
	if res.Consumed != len(frame) {
		t.Errorf("consumed = %d, want %d", res.Consumed, len(frame))
	}
}

func TestDecodeTwoFramesConcatenated(t *testing.T) {
	body := []byte{1, 2, 3, 4}
	f1 := buildRecvFrame(0x80, 0x01, 0x00, body)
	f2 := buildRecvFrame(0x80, 0x19, 0x00, body)
	both := append(append([]byte{}, f1...), f2...)

	res1 := Decode(both, Params{RawBodyLen: 4})
	if res1.Outcome != OK || res1.Kind != DiffDemod {
		t.Fatalf("first frame: got %v %v (%v)", res1.Outcome, res1.Kind, res1.Err)
	}
	rest := both[res1.Consumed:]
	res2 := Decode(rest, Params{RawBodyLen: 4})
	if res2.Outcome != OK || res2.Kind != Intensity {
		t.Fatalf("second frame: got %v %v (%v)", res2.Outcome, res2.Kind, res2.Err)
	}
}

func TestDecodeBodyTooLongIsMalformed(t *testing.T) {
	// S3: body_included=0xDA but body_length=10000 -> Malformed, even
	// though the buffer doesn't actually contain 10000 body bytes.
	buf := make([]byte, 0, 20)
	buf = append(buf, recvStart[0], recvStart[1])
	buf = append(buf, deviceType[:]...)
	buf = append(buf, 0x80, 0x11, 0x00, bodyIncludedTrue)
	buf = append(buf, 0x10, 0x27, 0x00, 0x00) // 10000 little-endian
	buf = append(buf, []byte{0, 0, 0, 0}...)  // a few body bytes, far short

	res := Decode(buf, Params{RawBodyLen: 4})
	if res.Outcome != Malformed {
		t.Fatalf("want Malformed, got %v", res.Outcome)
	}
}

func TestDecodeNeedMoreOnPartialTail(t *testing.T) {
	body := make([]byte, 8)
	frame := buildRecvFrame(0x80, 0x11, 0x00, body)
	for cut := 0; cut < len(frame); cut++ {
		res := Decode(frame[:cut], Params{RawBodyLen: 8})
		if res.Outcome == Malformed {
			t.Fatalf("truncated to %d bytes: got Malformed (%v), want NeedMore or OK", cut, res.Err)
		}
	}
}

func TestDecodeBodyLengthBoundaries(t *testing.T) {
	ok := buildRecvFrame(0x80, 0x11, 0x00, make([]byte, MaxBodyLength))
	if res := Decode(ok, Params{RawBodyLen: MaxBodyLength}); res.Outcome != OK {
		t.Errorf("body_length == %d should be accepted, got %v (%v)", MaxBodyLength, res.Outcome, res.Err)
	}

	tooLong := make([]byte, 0, 20)
	tooLong = append(tooLong, recvStart[0], recvStart[1])
	tooLong = append(tooLong, deviceType[:]...)
	tooLong = append(tooLong, 0x80, 0x11, 0x00, bodyIncludedTrue)
	n := MaxBodyLength + 1
	tooLong = append(tooLong, byte(n), byte(n>>8), byte(n>>16), byte(n>>24))
	if res := Decode(tooLong, Params{RawBodyLen: n}); res.Outcome != Malformed {
		t.Errorf("body_length == %d should be rejected, got %v", n, res.Outcome)
	}
}

func TestDecodeUnknownKindIsMalformed(t *testing.T) {
	buf := []byte{recvStart[0], recvStart[1]}
	buf = append(buf, deviceType[:]...)
	buf = append(buf, 0xFF, 0xFF, 0xFF, bodyIncludedFalse)
	buf = append(buf, recvEnd[0], recvEnd[1])

	res := Decode(buf, Params{})
	if res.Outcome != Malformed {
		t.Errorf("unknown head triple: want Malformed, got %v", res.Outcome)
	}
}

func TestDecodeWrongDeviceTypeIsMalformed(t *testing.T) {
	buf := []byte{recvStart[0], recvStart[1], 0x0D, 0x00, 0x00, 0x00, 0x80, 0x11, 0x00, bodyIncludedFalse}
	buf = append(buf, recvEnd[0], recvEnd[1])
	res := Decode(buf, Params{})
	if res.Outcome != Malformed {
		t.Errorf("wrong device type: want Malformed, got %v", res.Outcome)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		body []byte
		kind CommandKind
	}{
		{"DasConfig", make([]byte, 32), DasConfig},
		{"EdfaConfig", make([]byte, 2), EdfaConfig},
		{"RamanConfig", make([]byte, 2), RamanConfig},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			frame, err := EncodeCommand(c.kind, c.body)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			res := Decode(frame, Params{})
			if res.Outcome != OK {
				t.Fatalf("decode: %v (%v)", res.Outcome, res.Err)
			}
			if res.Kind != c.kind {
				t.Errorf("kind = %v, want %v", res.Kind, c.kind)
			}
			if res.Consumed != len(frame) {
				t.Errorf("consumed = %d, want %d", res.Consumed, len(frame))
			}
		})
	}
}

func TestEncodeStartStopStreamRoundTrip(t *testing.T) {
	start, err := EncodeStartStream()
	if err != nil {
		t.Fatalf("encode start: %v", err)
	}
	res := Decode(start, Params{})
	if res.Outcome != OK || res.Kind != StartStream {
		t.Fatalf("decode start: %v %v (%v)", res.Outcome, res.Kind, res.Err)
	}

	stop, err := EncodeStopStream()
	if err != nil {
		t.Fatalf("encode stop: %v", err)
	}
	res = Decode(stop, Params{})
	if res.Outcome != OK || res.Kind != StopStream {
		t.Fatalf("decode stop: %v %v (%v)", res.Outcome, res.Kind, res.Err)
	}
}

func TestEncodeDasConfigBitmap(t *testing.T) {
	frame, err := EncodeDasConfig(100, []DasConfigRequest{
		{Kind: VibDemod, Channel: 0},
		{Kind: Intensity, Channel: 1},
	}, [32]bool{}, 0)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	res := Decode(frame, Params{})
	if res.Outcome != OK {
		t.Fatalf("decode: %v (%v)", res.Outcome, res.Err)
	}
	pulseDiv4 := uint32(res.Body[0]) | uint32(res.Body[1])<<8 | uint32(res.Body[2])<<16 | uint32(res.Body[3])<<24
	if pulseDiv4 != 25 {
		t.Errorf("pulse_width_div4 = %d, want 25", pulseDiv4)
	}
	sendFlags := uint32(res.Body[4]) | uint32(res.Body[5])<<8 | uint32(res.Body[6])<<16 | uint32(res.Body[7])<<24
	// VibDemod is index 2 on channel 0 -> bit 2; Intensity is index 0 on channel 1 -> bit 4.
	want := uint32(1<<2) | uint32(1<<4)
	if sendFlags != want {
		t.Errorf("send_flag_bitmap = %b, want %b", sendFlags, want)
	}
}
