package wireproto

import (
	"encoding/binary"
	"fmt"
)

// DasConfigRequest describes one analog stream the host wants enabled
// on the device, used to compute the send_flag_bitmap.
type DasConfigRequest struct {
	Kind    CommandKind // one of Intensity, VibRMS, VibDemod, DiffDemod
	Channel int         // 0 or 1
}

// analogTypeOrder fixes each analog kind's bit position within a
// channel's 4-bit group of the send_flag_bitmap.
var analogTypeOrder = []CommandKind{Intensity, VibRMS, VibDemod, DiffDemod}

func analogTypeIndex(k CommandKind) (int, bool) {
	for i, want := range analogTypeOrder {
		if want == k {
			return i, true
		}
	}
	return 0, false
}

// EncodeDasConfig builds the DasConfig send frame, whose 32-byte body holds pulse
// width, requested-stream bitmap, optical-switch bitmap, and switch
// counter threshold.
func EncodeDasConfig(pulseWidthNS uint32, requests []DasConfigRequest, opticalSwitchFlags [32]bool, opticalSwitchCounterThreshold uint32) ([]byte, error) {
	body := make([]byte, 32)
	binary.LittleEndian.PutUint32(body[0:4], pulseWidthNS/4)

	var sendFlags uint32
	for _, r := range requests {
		if r.Channel < 0 || r.Channel > 1 {
			return nil, fmt.Errorf("wireproto: invalid channel %d", r.Channel)
		}
		idx, ok := analogTypeIndex(r.Kind)
		if !ok {
			return nil, fmt.Errorf("wireproto: %s is not a requestable analog stream", r.Kind)
		}
		bit := r.Channel*len(analogTypeOrder) + idx
		sendFlags |= 1 << uint(bit)
	}
	binary.LittleEndian.PutUint32(body[4:8], sendFlags)

	var switchFlags uint32
	for i, on := range opticalSwitchFlags {
		if on {
			switchFlags |= 1 << uint(i)
		}
	}
	binary.LittleEndian.PutUint32(body[8:12], switchFlags)
	binary.LittleEndian.PutUint32(body[12:16], opticalSwitchCounterThreshold)
	// body[16:32] stays zero per the wire layout.

	return EncodeCommand(DasConfig, body)
}

// EncodeEdfaConfig builds the EdfaConfig send frame (2-byte body).
func EncodeEdfaConfig(pumpCurrent uint16) ([]byte, error) {
	body := make([]byte, 2)
	binary.LittleEndian.PutUint16(body, pumpCurrent)
	return EncodeCommand(EdfaConfig, body)
}

// EncodeRamanConfig builds the RamanConfig send frame (2-byte body).
func EncodeRamanConfig(current uint16) ([]byte, error) {
	body := make([]byte, 2)
	binary.LittleEndian.PutUint16(body, current)
	return EncodeCommand(RamanConfig, body)
}

// EncodeStartStream builds the bodyless StartStream send frame.
func EncodeStartStream() ([]byte, error) { return EncodeCommand(StartStream, nil) }

// EncodeStopStream builds the bodyless StopStream send frame.
func EncodeStopStream() ([]byte, error) { return EncodeCommand(StopStream, nil) }
