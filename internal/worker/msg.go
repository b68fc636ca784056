package worker

import (
	"github.com/rs/xid"

	"github.com/1ureka/velonet/internal/channel"
	"github.com/1ureka/velonet/internal/handshake"
	"github.com/1ureka/velonet/internal/protocol"
	"github.com/1ureka/velonet/internal/stream"
)

// CtrlMsg is a request to a worker. Messages naming a participant the worker
// does not own are forwarded to the owner.
type CtrlMsg interface{ ctrl() }

// Register hands a freshly connected channel to the worker, which runs the
// handshake on it.
type Register struct {
	Channel channel.Channel
	Role    handshake.Role
}

// OpenStream opens Sid, which the caller reserved from the participant's pool.
type OpenStream struct {
	Pid      protocol.Pid
	Sid      protocol.Sid
	Prio     protocol.Prio
	Promises protocol.Promises
}

// CloseStream closes Sid and drops whatever it has not sent yet.
type CloseStream struct {
	Pid protocol.Pid
	Sid protocol.Sid
}

// Send queues Payload on a stream. The worker takes ownership of the slice.
type Send struct {
	Pid     protocol.Pid
	Sid     protocol.Sid
	Payload []byte
}

// Disconnect sends Shutdown on every channel of the participant and forgets it.
type Disconnect struct {
	Pid protocol.Pid
}

// Migrate moves a participant and all its channels to worker To.
type Migrate struct {
	Pid protocol.Pid
	To  int
}

// Shutdown stops the worker. Sent by Controller.Close only.
type Shutdown struct{}

// attach hands an already handshaken channel to the worker owning its participant.
type attach struct {
	result  handshake.Result
	conn    *conn
	backlog []protocol.Frame
}

// adopt hands a whole participant over during migration.
type adopt struct {
	remote *remote
}

func (Register) ctrl()    {}
func (OpenStream) ctrl()  {}
func (CloseStream) ctrl() {}
func (Send) ctrl()        {}
func (Disconnect) ctrl()  {}
func (Migrate) ctrl()     {}
func (Shutdown) ctrl()    {}
func (attach) ctrl()      {}
func (adopt) ctrl()       {}

// RtrnMsg is a report from a worker to the application.
type RtrnMsg interface{ rtrn() }

// Connected reports a completed handshake. Joined is set when the channel was
// added to a participant that was already connected.
type Connected struct {
	Pid        protocol.Pid
	Cid        xid.ID
	Kind       channel.Kind
	RemoteAddr string
	Sids       *stream.IDPool[protocol.Sid]
	Joined     bool
}

// HandshakeFailed reports a channel dropped before it was established.
type HandshakeFailed struct {
	Cid        xid.ID
	RemoteAddr string
	Err        error
}

// OpenedStream reports a stream opened by either side.
type OpenedStream struct {
	Pid      protocol.Pid
	Sid      protocol.Sid
	Prio     protocol.Prio
	Promises protocol.Promises
	Remote   bool
}

// ClosedStream reports a stream that is gone. Err is set when an OpenStream
// request could not be honoured.
type ClosedStream struct {
	Pid    protocol.Pid
	Sid    protocol.Sid
	Remote bool
	Err    error
}

// Receive carries one complete message.
type Receive struct {
	Pid     protocol.Pid
	Sid     protocol.Sid
	Mid     protocol.Mid
	Payload []byte
}

// ParticipantDisconnected reports that the last channel of a participant is
// gone. Err is nil for a local Disconnect or a remote Shutdown.
type ParticipantDisconnected struct {
	Pid protocol.Pid
	Err error
}

func (Connected) rtrn()               {}
func (HandshakeFailed) rtrn()         {}
func (OpenedStream) rtrn()            {}
func (ClosedStream) rtrn()            {}
func (Receive) rtrn()                 {}
func (ParticipantDisconnected) rtrn() {}
