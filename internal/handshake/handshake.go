// Package handshake implements the per-channel negotiation that precedes all
// stream traffic:
//
//	initiator                         responder
//	Handshake          ───────────▶
//	                   ◀───────────   Handshake
//	Configure          ───────────▶
//	ParticipantID      ───────────▶
//	                   ◀───────────   ParticipantID
//
// The machine is driven by frames and never blocks, so a worker can run many
// of them side by side on its own thread.
package handshake

import (
	"errors"
	"fmt"

	"github.com/1ureka/velonet/internal/protocol"
)

// Role decides which side owns id allocation.
type Role int

const (
	Initiator Role = iota
	Responder
)

func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// The id spaces are split in half; the initiator keeps the lower halves.
const (
	sidSplit protocol.Sid = 1 << 31
	midSplit protocol.Mid = 1 << 63
)

var (
	initiatorSids = protocol.SidRange{Start: 0, End: sidSplit}
	responderSids = protocol.SidRange{Start: sidSplit, End: 1<<32 - 1}
	initiatorMids = protocol.MidRange{Start: 0, End: midSplit}
	responderMids = protocol.MidRange{Start: midSplit, End: 1<<64 - 1}
)

var errInvalidPool = errors.New("configure carried an empty id pool")

// Result is what a successful handshake negotiates.
type Result struct {
	Pid       protocol.Pid      // the remote participant
	StreamIDs protocol.SidRange // ids this side may use for new streams
	MsgIDs    protocol.MidRange // ids this side may use for new messages
}

// Machine is one channel's handshake in progress. It is not safe for
// concurrent use.
type Machine struct {
	role   Role
	local  protocol.Pid
	state  protocol.Visitor
	result Result
	out    []protocol.Frame
	done   bool
	err    error
}

// New prepares a handshake for a channel on which this side plays role.
func New(role Role, local protocol.Pid) *Machine {
	m := &Machine{role: role, local: local}
	m.state = awaitHandshake{m}
	return m
}

// Start returns the frames that open the exchange. Only the initiator speaks first.
func (m *Machine) Start() []protocol.Frame {
	if m.role == Initiator {
		return []protocol.Frame{protocol.NewHandshake()}
	}
	return nil
}

// Handle feeds one received frame. It returns the frames to send in reply; on
// failure those are the rejection frames to flush before closing, and err is
// an *protocol.InitProtocolError. Frames after completion or failure are
// refused.
func (m *Machine) Handle(f protocol.Frame) ([]protocol.Frame, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.done {
		return nil, &protocol.InitProtocolError{Kind: protocol.InitCustom, Err: errors.New("handshake already complete")}
	}
	m.out = nil
	if err := f.Visit(m.state); err != nil {
		m.err = err
		return m.out, err
	}
	return m.out, nil
}

// Done reports whether the handshake completed successfully.
func (m *Machine) Done() bool { return m.done }

// Result returns the negotiated values once Done is true.
func (m *Machine) Result() Result { return m.result }

// Role returns the role this machine plays.
func (m *Machine) Role() Role { return m.role }

func (m *Machine) send(f ...protocol.Frame) { m.out = append(m.out, f...) }

// reject queues an explanation and a Shutdown for the peer, then fails.
func (m *Machine) reject(err error) error {
	m.send(protocol.Raw{Bytes: []byte(protocol.RejectionReason(err))}, protocol.Shutdown{})
	return err
}

func (m *Machine) checkHandshake(h protocol.Handshake) error {
	if err := protocol.CheckHandshake(h); err != nil {
		return m.reject(err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// States. Each state answers every frame variant explicitly.
// ---------------------------------------------------------------------------

// outOfSequence answers every variant with the given error; states embed it
// and override the frames they accept.
type outOfSequence struct {
	kind protocol.InitErrorKind
}

func (s outOfSequence) fail(f protocol.Frame) error {
	return &protocol.InitProtocolError{Kind: s.kind, Err: fmt.Errorf("unexpected %s frame", f.Kind())}
}

func (s outOfSequence) OnHandshake(f protocol.Handshake) error         { return s.fail(f) }
func (s outOfSequence) OnConfigure(f protocol.Configure) error         { return s.fail(f) }
func (s outOfSequence) OnParticipantID(f protocol.ParticipantID) error { return s.fail(f) }
func (s outOfSequence) OnOpenStream(f protocol.OpenStream) error       { return s.fail(f) }
func (s outOfSequence) OnCloseStream(f protocol.CloseStream) error     { return s.fail(f) }
func (s outOfSequence) OnDataHeader(f protocol.DataHeader) error       { return s.fail(f) }
func (s outOfSequence) OnData(f protocol.Data) error                   { return s.fail(f) }

// A Shutdown or Raw before completion means the peer gave up; its Raw text is
// surfaced in the error.
func (s outOfSequence) OnShutdown(protocol.Shutdown) error {
	return &protocol.InitProtocolError{Kind: s.kind, Err: errors.New("peer shut down during handshake")}
}

func (s outOfSequence) OnRaw(f protocol.Raw) error {
	return &protocol.InitProtocolError{Kind: s.kind, Err: fmt.Errorf("peer sent raw: %q", f.Bytes)}
}

// awaitHandshake is the first state on both sides.
type awaitHandshake struct{ m *Machine }

func (s awaitHandshake) base() outOfSequence {
	return outOfSequence{kind: protocol.InitNotHandshake}
}

func (s awaitHandshake) OnHandshake(f protocol.Handshake) error {
	m := s.m
	if err := m.checkHandshake(f); err != nil {
		return err
	}
	if m.role == Responder {
		m.send(protocol.NewHandshake())
		m.state = awaitConfigure{m}
		return nil
	}
	m.result.StreamIDs = initiatorSids
	m.result.MsgIDs = initiatorMids
	m.send(
		protocol.Configure{StreamIDs: responderSids, MsgIDs: responderMids},
		protocol.ParticipantID{Pid: m.local},
	)
	m.state = awaitParticipantID{m}
	return nil
}

func (s awaitHandshake) OnConfigure(f protocol.Configure) error { return s.base().OnConfigure(f) }
func (s awaitHandshake) OnParticipantID(f protocol.ParticipantID) error {
	return s.base().OnParticipantID(f)
}
func (s awaitHandshake) OnOpenStream(f protocol.OpenStream) error   { return s.base().OnOpenStream(f) }
func (s awaitHandshake) OnCloseStream(f protocol.CloseStream) error { return s.base().OnCloseStream(f) }
func (s awaitHandshake) OnDataHeader(f protocol.DataHeader) error   { return s.base().OnDataHeader(f) }
func (s awaitHandshake) OnData(f protocol.Data) error               { return s.base().OnData(f) }
func (s awaitHandshake) OnShutdown(f protocol.Shutdown) error       { return s.base().OnShutdown(f) }
func (s awaitHandshake) OnRaw(f protocol.Raw) error                 { return s.base().OnRaw(f) }

// awaitConfigure is the responder's second state.
type awaitConfigure struct{ m *Machine }

func (s awaitConfigure) base() outOfSequence {
	return outOfSequence{kind: protocol.InitNotID}
}

func (s awaitConfigure) OnConfigure(f protocol.Configure) error {
	if f.StreamIDs.Empty() || f.MsgIDs.Empty() {
		return &protocol.InitProtocolError{Kind: protocol.InitCustom, Err: errInvalidPool}
	}
	s.m.result.StreamIDs = f.StreamIDs
	s.m.result.MsgIDs = f.MsgIDs
	s.m.state = awaitParticipantID{s.m}
	return nil
}

func (s awaitConfigure) OnHandshake(f protocol.Handshake) error { return s.base().OnHandshake(f) }
func (s awaitConfigure) OnParticipantID(f protocol.ParticipantID) error {
	return s.base().OnParticipantID(f)
}
func (s awaitConfigure) OnOpenStream(f protocol.OpenStream) error   { return s.base().OnOpenStream(f) }
func (s awaitConfigure) OnCloseStream(f protocol.CloseStream) error { return s.base().OnCloseStream(f) }
func (s awaitConfigure) OnDataHeader(f protocol.DataHeader) error   { return s.base().OnDataHeader(f) }
func (s awaitConfigure) OnData(f protocol.Data) error               { return s.base().OnData(f) }
func (s awaitConfigure) OnShutdown(f protocol.Shutdown) error       { return s.base().OnShutdown(f) }
func (s awaitConfigure) OnRaw(f protocol.Raw) error                 { return s.base().OnRaw(f) }

// awaitParticipantID is the last state on both sides.
type awaitParticipantID struct{ m *Machine }

func (s awaitParticipantID) base() outOfSequence {
	return outOfSequence{kind: protocol.InitNotID}
}

func (s awaitParticipantID) OnParticipantID(f protocol.ParticipantID) error {
	m := s.m
	if f.Pid == m.local {
		return &protocol.InitProtocolError{Kind: protocol.InitCustom, Err: errors.New("connected to self")}
	}
	if m.role == Responder {
		m.send(protocol.ParticipantID{Pid: m.local})
	}
	m.result.Pid = f.Pid
	m.done = true
	m.state = complete{m}
	return nil
}

func (s awaitParticipantID) OnHandshake(f protocol.Handshake) error { return s.base().OnHandshake(f) }
func (s awaitParticipantID) OnConfigure(f protocol.Configure) error { return s.base().OnConfigure(f) }
func (s awaitParticipantID) OnOpenStream(f protocol.OpenStream) error {
	return s.base().OnOpenStream(f)
}
func (s awaitParticipantID) OnCloseStream(f protocol.CloseStream) error {
	return s.base().OnCloseStream(f)
}
func (s awaitParticipantID) OnDataHeader(f protocol.DataHeader) error {
	return s.base().OnDataHeader(f)
}
func (s awaitParticipantID) OnData(f protocol.Data) error         { return s.base().OnData(f) }
func (s awaitParticipantID) OnShutdown(f protocol.Shutdown) error { return s.base().OnShutdown(f) }
func (s awaitParticipantID) OnRaw(f protocol.Raw) error           { return s.base().OnRaw(f) }

// complete is terminal; Handle refuses frames before they reach it, so every
// method reports misuse.
type complete struct{ m *Machine }

func (s complete) misuse(f protocol.Frame) error {
	return &protocol.InitProtocolError{Kind: protocol.InitCustom, Err: fmt.Errorf("%s frame after handshake", f.Kind())}
}

func (s complete) OnHandshake(f protocol.Handshake) error         { return s.misuse(f) }
func (s complete) OnConfigure(f protocol.Configure) error         { return s.misuse(f) }
func (s complete) OnParticipantID(f protocol.ParticipantID) error { return s.misuse(f) }
func (s complete) OnOpenStream(f protocol.OpenStream) error       { return s.misuse(f) }
func (s complete) OnCloseStream(f protocol.CloseStream) error     { return s.misuse(f) }
func (s complete) OnDataHeader(f protocol.DataHeader) error       { return s.misuse(f) }
func (s complete) OnData(f protocol.Data) error                   { return s.misuse(f) }
func (s complete) OnShutdown(f protocol.Shutdown) error           { return s.misuse(f) }
func (s complete) OnRaw(f protocol.Raw) error                     { return s.misuse(f) }
