package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Fixed encoded sizes, discriminant byte included.
const (
	handshakeSize     = 1 + 7 + 2 + 1 + 1
	configureSize     = 1 + 4 + 4 + 8 + 8
	participantIDSize = 1 + 16
	openStreamSize    = 1 + 4 + 1 + 1
	closeStreamSize   = 1 + 4
	dataHeaderSize    = 1 + 8 + 4 + 8
	shutdownSize      = 1
	rawHeaderSize     = 1 + 2
)

// DataOverhead is the encoded size of a Data frame minus its payload.
const DataOverhead = 1 + 8 + 8 + 2

// MaxChunkSize is the largest payload a single Data or Raw frame can carry.
const MaxChunkSize = 1<<16 - 1

var (
	// ErrShortFrame means the buffer ends in the middle of a frame; more bytes are needed.
	ErrShortFrame = errors.New("protocol: incomplete frame")
	// ErrUnknownFrame means the discriminant byte does not name a frame variant.
	ErrUnknownFrame = errors.New("protocol: unknown frame kind")
)

// EncodedSize returns the number of bytes Encode produces for f.
func EncodedSize(f Frame) int {
	switch f := f.(type) {
	case Data:
		return DataOverhead + len(f.Data)
	case Raw:
		return rawHeaderSize + len(f.Bytes)
	}
	return fixedSize(f.Kind())
}

func fixedSize(k FrameKind) int {
	switch k {
	case KindHandshake:
		return handshakeSize
	case KindConfigure:
		return configureSize
	case KindParticipantID:
		return participantIDSize
	case KindOpenStream:
		return openStreamSize
	case KindCloseStream:
		return closeStreamSize
	case KindDataHeader:
		return dataHeaderSize
	case KindShutdown:
		return shutdownSize
	case KindData:
		return DataOverhead
	case KindRaw:
		return rawHeaderSize
	}
	return 0
}

// Encode serializes f into a new byte slice.
func Encode(f Frame) []byte {
	return Append(make([]byte, 0, EncodedSize(f)), f)
}

// Append serializes f onto the end of dst. Data and Raw payloads longer than
// MaxChunkSize are a programming error and panic.
func Append(dst []byte, f Frame) []byte {
	e := encoder{buf: dst}
	_ = f.Visit(&e)
	return e.buf
}

type encoder struct {
	buf []byte
}

func (e *encoder) OnHandshake(f Handshake) error {
	e.buf = append(e.buf, byte(KindHandshake))
	e.buf = append(e.buf, f.MagicNumber[:]...)
	e.buf = binary.BigEndian.AppendUint16(e.buf, f.Version.Major)
	e.buf = append(e.buf, f.Version.Minor, f.Version.Patch)
	return nil
}

func (e *encoder) OnConfigure(f Configure) error {
	e.buf = append(e.buf, byte(KindConfigure))
	e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(f.StreamIDs.Start))
	e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(f.StreamIDs.End))
	e.buf = binary.BigEndian.AppendUint64(e.buf, uint64(f.MsgIDs.Start))
	e.buf = binary.BigEndian.AppendUint64(e.buf, uint64(f.MsgIDs.End))
	return nil
}

func (e *encoder) OnParticipantID(f ParticipantID) error {
	e.buf = append(e.buf, byte(KindParticipantID))
	e.buf = append(e.buf, f.Pid[:]...)
	return nil
}

func (e *encoder) OnOpenStream(f OpenStream) error {
	e.buf = append(e.buf, byte(KindOpenStream))
	e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(f.Sid))
	e.buf = append(e.buf, byte(f.Prio), byte(f.Promises))
	return nil
}

func (e *encoder) OnCloseStream(f CloseStream) error {
	e.buf = append(e.buf, byte(KindCloseStream))
	e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(f.Sid))
	return nil
}

func (e *encoder) OnDataHeader(f DataHeader) error {
	e.buf = append(e.buf, byte(KindDataHeader))
	e.buf = binary.BigEndian.AppendUint64(e.buf, uint64(f.Mid))
	e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(f.Sid))
	e.buf = binary.BigEndian.AppendUint64(e.buf, f.Length)
	return nil
}

func (e *encoder) OnData(f Data) error {
	if len(f.Data) > MaxChunkSize {
		panic(fmt.Sprintf("protocol: data chunk of %d bytes exceeds %d", len(f.Data), MaxChunkSize))
	}
	e.buf = append(e.buf, byte(KindData))
	e.buf = binary.BigEndian.AppendUint64(e.buf, uint64(f.ID))
	e.buf = binary.BigEndian.AppendUint64(e.buf, f.Start)
	e.buf = binary.BigEndian.AppendUint16(e.buf, uint16(len(f.Data)))
	e.buf = append(e.buf, f.Data...)
	return nil
}

func (e *encoder) OnShutdown(Shutdown) error {
	e.buf = append(e.buf, byte(KindShutdown))
	return nil
}

func (e *encoder) OnRaw(f Raw) error {
	b := f.Bytes
	if len(b) > MaxChunkSize {
		b = b[:MaxChunkSize]
	}
	e.buf = append(e.buf, byte(KindRaw))
	e.buf = binary.BigEndian.AppendUint16(e.buf, uint16(len(b)))
	e.buf = append(e.buf, b...)
	return nil
}

// Decode parses one frame from the front of data and returns it together with
// the number of bytes consumed. It returns ErrShortFrame when data holds only
// part of a frame and ErrUnknownFrame when the discriminant is not recognized.
// Variable-length payloads are copied, so data may be reused by the caller.
func Decode(data []byte) (Frame, int, error) {
	if len(data) == 0 {
		return nil, 0, ErrShortFrame
	}
	kind := FrameKind(data[0])
	need := fixedSize(kind)
	if need == 0 {
		return nil, 0, fmt.Errorf("%w: 0x%02x", ErrUnknownFrame, data[0])
	}
	if len(data) < need {
		return nil, 0, ErrShortFrame
	}
	b := data[1:]

	switch kind {
	case KindHandshake:
		var f Handshake
		copy(f.MagicNumber[:], b[:7])
		f.Version.Major = binary.BigEndian.Uint16(b[7:9])
		f.Version.Minor = b[9]
		f.Version.Patch = b[10]
		return f, need, nil

	case KindConfigure:
		return Configure{
			StreamIDs: SidRange{
				Start: Sid(binary.BigEndian.Uint32(b[0:4])),
				End:   Sid(binary.BigEndian.Uint32(b[4:8])),
			},
			MsgIDs: MidRange{
				Start: Mid(binary.BigEndian.Uint64(b[8:16])),
				End:   Mid(binary.BigEndian.Uint64(b[16:24])),
			},
		}, need, nil

	case KindParticipantID:
		var f ParticipantID
		copy(f.Pid[:], b[:16])
		return f, need, nil

	case KindOpenStream:
		return OpenStream{
			Sid:      Sid(binary.BigEndian.Uint32(b[0:4])),
			Prio:     Prio(b[4]),
			Promises: Promises(b[5]),
		}, need, nil

	case KindCloseStream:
		return CloseStream{Sid: Sid(binary.BigEndian.Uint32(b[0:4]))}, need, nil

	case KindDataHeader:
		return DataHeader{
			Mid:    Mid(binary.BigEndian.Uint64(b[0:8])),
			Sid:    Sid(binary.BigEndian.Uint32(b[8:12])),
			Length: binary.BigEndian.Uint64(b[12:20]),
		}, need, nil

	case KindData:
		n := int(binary.BigEndian.Uint16(b[16:18]))
		if len(data) < need+n {
			return nil, 0, ErrShortFrame
		}
		payload := make([]byte, n)
		copy(payload, data[need:need+n])
		return Data{
			ID:    Mid(binary.BigEndian.Uint64(b[0:8])),
			Start: binary.BigEndian.Uint64(b[8:16]),
			Data:  payload,
		}, need + n, nil

	case KindShutdown:
		return Shutdown{}, need, nil

	case KindRaw:
		n := int(binary.BigEndian.Uint16(b[0:2]))
		if len(data) < need+n {
			return nil, 0, ErrShortFrame
		}
		payload := make([]byte, n)
		copy(payload, data[need:need+n])
		return Raw{Bytes: payload}, need + n, nil
	}
	return nil, 0, fmt.Errorf("%w: 0x%02x", ErrUnknownFrame, data[0])
}
