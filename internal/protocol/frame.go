// Package protocol defines the wire frames exchanged between participants,
// their binary codec, the legacy handshake preamble and the protocol errors.
package protocol

import "fmt"

// FrameKind is the discriminant byte that opens every encoded frame.
type FrameKind uint8

const (
	KindHandshake     FrameKind = 0x01
	KindParticipantID FrameKind = 0x02
	KindShutdown      FrameKind = 0x03
	KindOpenStream    FrameKind = 0x04
	KindCloseStream   FrameKind = 0x05
	KindDataHeader    FrameKind = 0x06
	KindData          FrameKind = 0x07
	KindRaw           FrameKind = 0x08
	KindConfigure     FrameKind = 0x09
)

var kindNames = map[FrameKind]string{
	KindHandshake:     "handshake",
	KindParticipantID: "participant_id",
	KindShutdown:      "shutdown",
	KindOpenStream:    "open_stream",
	KindCloseStream:   "close_stream",
	KindDataHeader:    "data_header",
	KindData:          "data",
	KindRaw:           "raw",
	KindConfigure:     "configure",
}

func (k FrameKind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("unknown(0x%02x)", uint8(k))
}

// Frame is one unit of the wire protocol. The set of implementations is closed:
// every consumer handles frames through a Visitor, so a new variant cannot be
// added without every consumer being updated.
type Frame interface {
	Kind() FrameKind
	Visit(v Visitor) error
}

// Visitor has one method per frame variant.
type Visitor interface {
	OnHandshake(Handshake) error
	OnConfigure(Configure) error
	OnParticipantID(ParticipantID) error
	OnOpenStream(OpenStream) error
	OnCloseStream(CloseStream) error
	OnDataHeader(DataHeader) error
	OnData(Data) error
	OnShutdown(Shutdown) error
	OnRaw(Raw) error
}

// Handshake opens the exchange on a fresh channel.
type Handshake struct {
	MagicNumber [7]byte
	Version     Version
}

// Configure hands the responder its share of the id space.
type Configure struct {
	StreamIDs SidRange
	MsgIDs    MidRange
}

// ParticipantID announces the sender's Pid.
type ParticipantID struct {
	Pid Pid
}

// OpenStream announces a new stream; prio and promises are fixed from here on.
type OpenStream struct {
	Sid      Sid
	Prio     Prio
	Promises Promises
}

// CloseStream ends a stream; unsent data for it is dropped.
type CloseStream struct {
	Sid Sid
}

// DataHeader announces a message of Length bytes on stream Sid.
type DataHeader struct {
	Mid    Mid
	Sid    Sid
	Length uint64
}

// Data carries the bytes [Start, Start+len(Data)) of message ID.
type Data struct {
	ID    Mid
	Start uint64
	Data  []byte
}

// Shutdown tells the peer that no further frames follow on this channel.
type Shutdown struct{}

// Raw carries free-form bytes, used to explain a rejection to the peer.
type Raw struct {
	Bytes []byte
}

func (Handshake) Kind() FrameKind     { return KindHandshake }
func (Configure) Kind() FrameKind     { return KindConfigure }
func (ParticipantID) Kind() FrameKind { return KindParticipantID }
func (OpenStream) Kind() FrameKind    { return KindOpenStream }
func (CloseStream) Kind() FrameKind   { return KindCloseStream }
func (DataHeader) Kind() FrameKind    { return KindDataHeader }
func (Data) Kind() FrameKind          { return KindData }
func (Shutdown) Kind() FrameKind      { return KindShutdown }
func (Raw) Kind() FrameKind           { return KindRaw }

func (f Handshake) Visit(v Visitor) error     { return v.OnHandshake(f) }
func (f Configure) Visit(v Visitor) error     { return v.OnConfigure(f) }
func (f ParticipantID) Visit(v Visitor) error { return v.OnParticipantID(f) }
func (f OpenStream) Visit(v Visitor) error    { return v.OnOpenStream(f) }
func (f CloseStream) Visit(v Visitor) error   { return v.OnCloseStream(f) }
func (f DataHeader) Visit(v Visitor) error    { return v.OnDataHeader(f) }
func (f Data) Visit(v Visitor) error          { return v.OnData(f) }
func (f Shutdown) Visit(v Visitor) error      { return v.OnShutdown(f) }
func (f Raw) Visit(v Visitor) error           { return v.OnRaw(f) }

// NewHandshake returns the Handshake frame for this build.
func NewHandshake() Handshake {
	return Handshake{MagicNumber: MagicNumber, Version: CurrentVersion}
}
