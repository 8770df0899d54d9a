// Package mesh implements the BATMAN-lite style proactive routing layer
// carried inside AX.25 UI frames: the mesh header codec, OGM and DATA
// protocols, routing/neighbor/dedup state, and the node that ties them
// together.
package mesh

import (
	"encoding/binary"
	"errors"
)

const (
	// Version is the only mesh header version this node speaks. Frames
	// carrying a different version are dropped at the dispatcher.
	Version = 1

	// HeaderLen is the fixed size of a mesh header in bytes.
	HeaderLen = 16

	// NodeIDLen is the fixed size of a node ID in bytes.
	NodeIDLen = 8
)

// MsgType distinguishes DATA frames from OGMs.
type MsgType uint8

const (
	MsgData MsgType = 0
	MsgOGM  MsgType = 1
)

// Flag bits carried in a mesh header.
const (
	FlagCompressed uint8 = 1 << 0
	FlagEncrypted  uint8 = 1 << 1
)

// ErrShortHeader is returned by ParseHeader when the input is too small to
// hold a full 16-byte header.
var ErrShortHeader = errors.New("mesh: header shorter than 16 bytes")

// NodeID is an 8-byte opaque routing key.
type NodeID [NodeIDLen]byte

// NodeIDFromCallsign derives a NodeID from an ASCII callsign: its bytes,
// right-padded with zeros to 8 and truncated to 8.
func NodeIDFromCallsign(callsign string) NodeID {
	var id NodeID
	n := copy(id[:], []byte(callsign))
	_ = n
	return id
}

// Header is the 16-byte fixed mesh header prefixing every mesh payload
// carried in an AX.25 UI frame's info field.
type Header struct {
	Version  uint8
	Type     MsgType
	Flags    uint8
	TTL      uint8
	OriginID NodeID
	Seqno    uint32
}

// HasFlag reports whether bit is set in the header's flags.
func (h Header) HasFlag(bit uint8) bool {
	return h.Flags&bit != 0
}

// Encode serializes the header to its 16-byte wire form.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderLen)
	buf[0] = h.Version
	buf[1] = uint8(h.Type)
	buf[2] = h.Flags
	buf[3] = h.TTL
	copy(buf[4:12], h.OriginID[:])
	binary.BigEndian.PutUint32(buf[12:16], h.Seqno)
	return buf
}

// ParseHeader decodes a 16-byte mesh header from the front of data. It does
// not validate Version; callers that need to drop unsupported versions check
// h.Version == mesh.Version themselves.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderLen {
		return Header{}, ErrShortHeader
	}
	var h Header
	h.Version = data[0]
	h.Type = MsgType(data[1])
	h.Flags = data[2]
	h.TTL = data[3]
	copy(h.OriginID[:], data[4:12])
	h.Seqno = binary.BigEndian.Uint32(data[12:16])
	return h, nil
}

// SeqnoGreater reports whether a is strictly newer than b under 32-bit
// modular (serial-number, RFC 1982 style) comparison, so a sequence counter
// that wraps around 2^32 is still compared correctly.
func SeqnoGreater(a, b uint32) bool {
	return int32(a-b) > 0
}
