// Package channel implements the transports a participant talks over. Every
// transport exposes the same non-blocking frame contract, so the worker that
// drives them cannot tell which kind it holds.
package channel

import (
	"errors"
	"fmt"

	"github.com/rs/xid"

	"github.com/1ureka/velonet/internal/config"
	"github.com/1ureka/velonet/internal/protocol"
)

// Kind names a transport.
type Kind int

const (
	KindTCP Kind = iota
	KindUDP
	KindMPSC
	KindWebSocket
	KindWebRTC
)

func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindUDP:
		return "udp"
	case KindMPSC:
		return "mpsc"
	case KindWebSocket:
		return "websocket"
	case KindWebRTC:
		return "webrtc"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Reliable reports whether the transport delivers every byte in order.
func (k Kind) Reliable() bool { return k != KindUDP }

var (
	// ErrWouldBlock means the outgoing buffer is full; retry after the next wake.
	ErrWouldBlock = errors.New("channel: would block")
	// ErrClosed is returned by Write after Close.
	ErrClosed = errors.New("channel: closed")
)

// Channel is one duplex connection to a remote participant.
//
// Read and Write never block. Read returns every frame received since the last
// call, possibly none; once the transport has failed it returns the terminal
// error, a *protocol.ProtocolError, on every call. Write queues one frame or
// returns ErrWouldBlock. The waker is invoked from transport goroutines
// whenever Read may return something new or a blocked Write may succeed.
type Channel interface {
	ID() xid.ID
	Kind() Kind
	RemoteAddr() string
	Read() ([]protocol.Frame, error)
	Write(f protocol.Frame) error
	SetWaker(w func())
	Close() error
}

// Observer receives per-frame accounting. Implementations must be safe for
// concurrent use.
type Observer interface {
	FrameSent(k Kind, f protocol.FrameKind, size int)
	FrameReceived(k Kind, f protocol.FrameKind, size int)
	FrameDropped(k Kind)
}

type nopObserver struct{}

func (nopObserver) FrameSent(Kind, protocol.FrameKind, int)     {}
func (nopObserver) FrameReceived(Kind, protocol.FrameKind, int) {}
func (nopObserver) FrameDropped(Kind)                           {}

// Options configures a channel.
type Options struct {
	InboxSize    int      // frames buffered between the reader and Read
	OutboxSize   int      // frames buffered between Write and the writer
	DatagramSize int      // max bytes per UDP datagram or message batch
	Preamble     *uint64  // when set, the first Handshake goes out as a legacy preamble with this id
	Observer     Observer // frame accounting; nil means none
}

// DefaultOptions returns Options sized from the default configuration.
func DefaultOptions() Options {
	return OptionsFrom(config.Default().Network)
}

// OptionsFrom sizes Options from a network configuration.
func OptionsFrom(n config.Network) Options {
	return Options{
		InboxSize:    n.InboxSize,
		OutboxSize:   n.OutboxSize,
		DatagramSize: n.DatagramSize,
	}
}

func (o Options) withDefaults() Options {
	def := config.Default().Network
	if o.InboxSize <= 0 {
		o.InboxSize = def.InboxSize
	}
	if o.OutboxSize <= 0 {
		o.OutboxSize = def.OutboxSize
	}
	if o.DatagramSize <= protocol.DataOverhead {
		o.DatagramSize = def.DatagramSize
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	return o
}
