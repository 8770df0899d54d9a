// Package ax25 implements the narrow slice of AX.25 this mesh node actually
// needs: encoding and decoding a single fixed-shape UI (unnumbered
// information) frame carrying two addresses, a control byte, a PID byte, and
// an information field. It does not implement connected-mode AX.25, digipeater
// address lists, or any frame type other than UI.
//
// Address byte layout follows the AX.25 2.0 spec: each of the first six bytes
// of a 7-byte address field holds a call-sign character shifted left one bit
// (so their low bit is always 0); the 7th byte packs the SSID into bits 1-4
// with the reserved bits forced high, and its low bit is set only on the very
// last address of a frame, where it marks end-of-address.
package ax25

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// AddrLen is the on-wire size of one AX.25 address field.
	AddrLen = 7

	// UIControl is the control byte for an unnumbered-information frame.
	UIControl = 0x03

	// UIPID is the PID byte this mesh node always uses: "no layer 3".
	UIPID = 0xF0

	// HeaderLen is dest(7) + src(7) + control(1) + pid(1), the offset at
	// which the information field begins in a UI frame this module built.
	HeaderLen = AddrLen + AddrLen + 1 + 1
)

// ErrFrameTooShort is returned when a received frame is too short to
// plausibly carry an information field.
var ErrFrameTooShort = errors.New("ax25: frame too short for information field")

// EncodeAddress packs callsign (optionally "CALL-SSID") into a 7-byte AX.25
// address field. last marks this as the final address in the frame's address
// list, which sets the low bit of the 7th byte.
func EncodeAddress(callsign string, last bool) [AddrLen]byte {
	base, ssid := splitCallsign(callsign)

	base = strings.ToUpper(base)
	if len(base) > 6 {
		base = base[:6]
	}
	base = base + strings.Repeat(" ", 6-len(base))

	var out [AddrLen]byte
	for i := 0; i < 6; i++ {
		out[i] = base[i] << 1
	}

	out[6] = 0x60 | ((ssid & 0x0F) << 1)
	if last {
		out[6] |= 0x01
	}
	return out
}

func splitCallsign(callsign string) (base string, ssid byte) {
	if idx := strings.IndexByte(callsign, '-'); idx >= 0 {
		base = callsign[:idx]
		if n, err := strconv.Atoi(callsign[idx+1:]); err == nil && n >= 0 && n <= 15 {
			ssid = byte(n)
		}
		return base, ssid
	}
	return callsign, 0
}

// EncodeUIFrame builds dest(7) || src(7) || control || pid || info. src is
// always the final (last) address in the address list.
func EncodeUIFrame(destCallsign, srcCallsign string, info []byte) []byte {
	dest := EncodeAddress(destCallsign, false)
	src := EncodeAddress(srcCallsign, true)

	frame := make([]byte, 0, HeaderLen+len(info))
	frame = append(frame, dest[:]...)
	frame = append(frame, src[:]...)
	frame = append(frame, UIControl, UIPID)
	frame = append(frame, info...)
	return frame
}

// InfoField returns the information field of a received UI frame, i.e.
// everything from byte HeaderLen onward. It returns ErrFrameTooShort for any
// frame at or below HeaderLen, matching the spec's "frames with length <= 16
// are dropped" rule.
func InfoField(frame []byte) ([]byte, error) {
	if len(frame) <= HeaderLen {
		return nil, fmt.Errorf("%w: got %d bytes", ErrFrameTooShort, len(frame))
	}
	return frame[HeaderLen:], nil
}
