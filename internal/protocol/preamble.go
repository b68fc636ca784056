package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// PreambleSize is the length of the legacy fixed-layout handshake.
const PreambleSize = 24

// Preamble is the legacy fixed-layout handshake:
//
//	bytes 0..7   "VELOREN"
//	byte  7      '\n'
//	bytes 8..10  major (u16)
//	byte  10     '.'
//	byte  11     minor
//	byte  12     '.'
//	byte  13     patch
//	byte  14     '\n'
//	bytes 15..23 participant id (u64)
//	byte  23     '\n'
//
// Peers may send it in place of the Handshake frame.
type Preamble struct {
	MagicNumber [7]byte
	Version     Version
	ID          uint64
}

// NewPreamble returns the preamble for this build carrying id.
func NewPreamble(id uint64) Preamble {
	return Preamble{MagicNumber: MagicNumber, Version: CurrentVersion, ID: id}
}

// Handshake returns the Handshake frame equivalent of p.
func (p Preamble) Handshake() Handshake {
	return Handshake{MagicNumber: p.MagicNumber, Version: p.Version}
}

// EncodePreamble serializes p into its 24-byte wire form.
func EncodePreamble(p Preamble) [PreambleSize]byte {
	var b [PreambleSize]byte
	copy(b[0:7], p.MagicNumber[:])
	b[7] = '\n'
	binary.BigEndian.PutUint16(b[8:10], p.Version.Major)
	b[10] = '.'
	b[11] = p.Version.Minor
	b[12] = '.'
	b[13] = p.Version.Patch
	b[14] = '\n'
	binary.BigEndian.PutUint64(b[15:23], p.ID)
	b[23] = '\n'
	return b
}

// DecodePreamble parses a preamble from the front of data. A short buffer
// yields ErrShortFrame, a bad magic number yields ErrWrongMagicNumber and a
// misplaced separator yields ErrNotHandshake. The version is not compared
// against CurrentVersion here; see CheckHandshake.
func DecodePreamble(data []byte) (Preamble, error) {
	var p Preamble
	if len(data) < PreambleSize {
		return p, ErrShortFrame
	}
	copy(p.MagicNumber[:], data[0:7])
	if !bytes.Equal(p.MagicNumber[:], MagicNumber[:]) {
		return p, &InitProtocolError{Kind: InitWrongMagicNumber, Magic: p.MagicNumber}
	}
	if data[7] != '\n' || data[10] != '.' || data[12] != '.' || data[14] != '\n' || data[23] != '\n' {
		return p, &InitProtocolError{Kind: InitNotHandshake}
	}
	p.Version = Version{
		Major: binary.BigEndian.Uint16(data[8:10]),
		Minor: data[11],
		Patch: data[13],
	}
	p.ID = binary.BigEndian.Uint64(data[15:23])
	return p, nil
}

// IsPreamble reports whether data starts like a preamble rather than a frame.
// Frame discriminants never collide with the first magic byte.
func IsPreamble(data []byte) bool {
	return len(data) > 0 && data[0] == MagicNumber[0]
}

// CheckHandshake validates a received Handshake against this build.
func CheckHandshake(h Handshake) error {
	if h.MagicNumber != MagicNumber {
		return &InitProtocolError{Kind: InitWrongMagicNumber, Magic: h.MagicNumber}
	}
	if h.Version != CurrentVersion {
		return &InitProtocolError{Kind: InitWrongVersion, Version: h.Version}
	}
	return nil
}

// RejectionReason is the text sent in a Raw frame before closing a channel
// whose handshake failed.
func RejectionReason(err error) string {
	return fmt.Sprintf("veloren network: %v (this side speaks %s)", err, CurrentVersion)
}
