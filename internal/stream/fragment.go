package stream

import (
	"github.com/1ureka/velonet/internal/protocol"
)

// NewOutgoing prepares payload for fragmentation. The payload is not copied
// and must not be modified afterwards.
func NewOutgoing(mid protocol.Mid, sid protocol.Sid, payload []byte) *OutgoingMessage {
	return &OutgoingMessage{Mid: mid, Sid: sid, Payload: payload}
}

// Done reports whether every frame of the message has been produced.
func (m *OutgoingMessage) Done() bool {
	return m.headerSent && m.offset >= len(m.Payload)
}

// NextFrame produces the next frame of the message: the DataHeader first,
// then Data frames of at most chunk bytes each, in order.
func (m *OutgoingMessage) NextFrame(chunk int) protocol.Frame {
	if !m.headerSent {
		m.headerSent = true
		return protocol.DataHeader{Mid: m.Mid, Sid: m.Sid, Length: uint64(len(m.Payload))}
	}
	end := min(m.offset+chunk, len(m.Payload))
	f := protocol.Data{ID: m.Mid, Start: uint64(m.offset), Data: m.Payload[m.offset:end]}
	m.offset = end
	return f
}

// Fragment splits payload into its DataHeader and Data frames. The split is
// deterministic: every Data frame but the last carries exactly chunk bytes.
func Fragment(mid protocol.Mid, sid protocol.Sid, payload []byte, chunk int) []protocol.Frame {
	if chunk < 1 {
		chunk = 1
	}
	m := NewOutgoing(mid, sid, payload)
	frames := make([]protocol.Frame, 0, 1+(len(payload)+chunk-1)/chunk)
	for !m.Done() {
		frames = append(frames, m.NextFrame(chunk))
	}
	return frames
}
