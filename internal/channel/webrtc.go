package channel

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/velonet/internal/protocol"
	"github.com/1ureka/velonet/internal/util"
)

const (
	highWaterMark = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark  = 64 * 1024  // resume sending when bufferedAmount drops below this
	rtcBatchSize  = 16 * 1024  // largest message handed to the DataChannel
)

var errDataChannelClosed = errors.New("datachannel closed")

// NewPeerConnection creates a PeerConnection using the given STUN/TURN urls.
// An empty list restricts ICE to host candidates.
func NewPeerConnection(iceServers []string) (*webrtc.PeerConnection, error) {
	var cfg webrtc.Configuration
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return webrtc.NewPeerConnection(cfg)
}

// CreateDataChannel creates the DataChannel a WebRTC channel runs on. It is
// ordered and reliable: a DataHeader must never overtake its Data frames.
func CreateDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	return pc.CreateDataChannel("velonet", &webrtc.DataChannelInit{Ordered: &ordered})
}

// WebRTC is a channel over a DataChannel. The DataChannel's buffered amount is
// the write backpressure: the writer pauses above the high water mark and the
// low-water callback resumes it.
type WebRTC struct {
	*pipe
	pc          *webrtc.PeerConnection
	dc          *webrtc.DataChannel
	open        chan struct{}
	drainSignal chan struct{}
}

// NewWebRTC wraps dc, which may still be connecting. The channel owns pc and
// closes it on Close.
func NewWebRTC(pc *webrtc.PeerConnection, dc *webrtc.DataChannel, opts Options) *WebRTC {
	w := &WebRTC{
		pipe:        newPipe(KindWebRTC, "webrtc:"+dc.Label(), opts),
		pc:          pc,
		dc:          dc,
		open:        make(chan struct{}),
		drainSignal: make(chan struct{}, 1),
	}

	var openOnce sync.Once
	markOpen := func() { openOnce.Do(func() { close(w.open) }) }
	dc.OnOpen(markOpen)
	if dc.ReadyState() == webrtc.DataChannelStateOpen {
		markOpen()
	}

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case w.drainSignal <- struct{}{}:
		default:
		}
	})

	var dec decoder
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString {
			w.finishRead(protocol.Violation("text message on datachannel"))
			w.Close()
			return
		}
		frames, used, err := dec.decode(msg.Data)
		for _, d := range frames {
			if !w.deliver(d.frame, d.size) {
				return
			}
		}
		if len(frames) > 0 {
			w.wake()
		}
		if err == nil && used < len(msg.Data) {
			err = protocol.Violation("datachannel message ends inside a frame")
		}
		if err != nil {
			w.finishRead(err)
			w.Close()
		}
	})
	dc.OnClose(func() {
		w.finishRead(protocol.Failure(errDataChannelClosed))
		w.markClosing()
	})

	go w.writeLoop()
	return w
}

func (w *WebRTC) writeLoop() {
	defer func() {
		if err := w.dc.Close(); err != nil {
			util.LogDebug("webrtc: close datachannel: %v", err)
		}
		if err := w.pc.Close(); err != nil {
			util.LogDebug("webrtc: close peer connection: %v", err)
		}
		w.finishRead(protocol.Failure(ErrClosed))
	}()

	select {
	case <-w.open:
	case <-w.closing:
		return
	}

	enc := encoder{preamble: w.opts.Preamble}
	var msg, scratch []byte
	send := func() bool {
		if len(msg) == 0 {
			return true
		}
		if w.dc.BufferedAmount() > uint64(highWaterMark) {
			select {
			case <-w.drainSignal:
			case <-w.readDone:
				return false
			}
		}
		if err := w.dc.Send(msg); err != nil {
			w.finishRead(protocol.Failure(err))
			return false
		}
		msg = msg[:0]
		return true
	}

	for {
		batch := w.nextBatch(writeBatch)
		if batch == nil {
			return
		}
		for _, f := range batch {
			scratch = enc.append(scratch[:0], f)
			if len(msg)+len(scratch) > rtcBatchSize && !send() {
				return
			}
			msg = append(msg, scratch...)
			w.sent(f, len(scratch))
		}
		if !send() {
			return
		}
		w.writable()
	}
}

// Opened is closed once the DataChannel is open.
func (w *WebRTC) Opened() <-chan struct{} { return w.open }

// Close sends what is queued, then closes the DataChannel and PeerConnection.
func (w *WebRTC) Close() error {
	w.markClosing()
	return nil
}
