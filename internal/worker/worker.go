// Package worker drives channel I/O. Each Worker owns a set of channels and
// the participants they belong to, and runs on its own locked OS thread;
// application code reaches it only through control messages and reads its
// reports back through the Controller.
package worker

import (
	"errors"
	"math"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"github.com/1ureka/velonet/internal/channel"
	"github.com/1ureka/velonet/internal/config"
	"github.com/1ureka/velonet/internal/handshake"
	"github.com/1ureka/velonet/internal/participant"
	"github.com/1ureka/velonet/internal/protocol"
	"github.com/1ureka/velonet/internal/stream"
	"github.com/1ureka/velonet/internal/util"
)

// frames orphaned by datagram loss are the remote's doing, so logging them is throttled
var lossDropLog = util.NewThrottledLogger(time.Second, 5)

var (
	// ErrStopped is reported for channels and participants a stopping worker drops.
	ErrStopped = errors.New("worker: stopped")
	// ErrUnknownParticipant is reported when a request names a participant nobody owns.
	ErrUnknownParticipant = errors.New("worker: unknown participant")

	errHandshakeTimeout = errors.New("handshake timed out")
)

// loadDecay weighs the history of busy and waiting time on every wake.
const loadDecay = 0.995

// State is the phase of a worker's loop.
type State int32

const (
	Idle State = iota
	Polling
	Dispatching
	ShutdownRequested
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Polling:
		return "polling"
	case Dispatching:
		return "dispatching"
	case ShutdownRequested:
		return "shutdown_requested"
	}
	return "unknown"
}

// Observer receives worker-level accounting. Implementations must be safe for
// concurrent use.
type Observer interface {
	HandshakeFailed(reason string)
	ChannelViolated()
	ChannelOpened(k channel.Kind)
	ChannelClosed(k channel.Kind)
	ParticipantConnected()
	ParticipantDisconnected()
	WorkerLoad(worker int, ratio float64)
	FrameDropped(k channel.Kind)
}

type nopObserver struct{}

func (nopObserver) HandshakeFailed(string)     {}
func (nopObserver) ChannelViolated()           {}
func (nopObserver) ChannelOpened(channel.Kind) {}
func (nopObserver) ChannelClosed(channel.Kind) {}
func (nopObserver) ParticipantConnected()      {}
func (nopObserver) ParticipantDisconnected()   {}
func (nopObserver) WorkerLoad(int, float64)    {}
func (nopObserver) FrameDropped(channel.Kind)  {}

// Hub is what the workers of one network share: the local identity, the
// limits, and the remote-participant table.
type Hub struct {
	local protocol.Pid
	cfg   config.Network
	table *participant.Table
	obs   Observer

	mu      sync.RWMutex
	workers []*Worker
}

// NewHub creates the shared state for workers acting as local. obs may be nil.
func NewHub(local protocol.Pid, cfg config.Network, obs Observer) *Hub {
	if obs == nil {
		obs = nopObserver{}
	}
	return &Hub{local: local, cfg: cfg, table: participant.NewTable(), obs: obs}
}

func (h *Hub) Local() protocol.Pid       { return h.local }
func (h *Hub) Config() config.Network    { return h.cfg }
func (h *Hub) Table() *participant.Table { return h.table }

func (h *Hub) add(w *Worker) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.workers = append(h.workers, w)
	return len(h.workers) - 1
}

func (h *Hub) worker(id int) *Worker {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if id < 0 || id >= len(h.workers) {
		return nil
	}
	return h.workers[id]
}

// Route delivers m to the worker owning pid. It reports false if pid is
// unknown or its worker has stopped.
func (h *Hub) Route(pid protocol.Pid, m CtrlMsg) bool {
	e, _, ok := h.table.Lookup(pid)
	if !ok {
		return false
	}
	w := h.worker(e.Owner)
	return w != nil && w.ctrl.Push(m)
}

// conn is one channel as the worker sees it.
type conn struct {
	ch      channel.Channel
	hs      *handshake.Machine // nil once established
	started time.Time
	pending []protocol.Frame // accepted by us, refused by the channel so far
}

func (c *conn) queue(frames ...protocol.Frame) { c.pending = append(c.pending, frames...) }

func (c *conn) blocked() bool { return len(c.pending) > 0 }

// flush writes pending frames until the channel pushes back.
func (c *conn) flush() error {
	for i, f := range c.pending {
		err := c.ch.Write(f)
		if err == nil {
			continue
		}
		n := copy(c.pending, c.pending[i:])
		clear(c.pending[n:])
		c.pending = c.pending[:n]
		if errors.Is(err, channel.ErrWouldBlock) {
			return nil
		}
		return err
	}
	clear(c.pending)
	c.pending = c.pending[:0]
	return nil
}

// remote is a participant together with its channels. Outgoing stream
// traffic always leaves through the first channel.
type remote struct {
	p     *participant.Participant
	conns []*conn
}

// Worker is one I/O loop. Its fields below the atomics are touched by the
// loop goroutine only.
type Worker struct {
	id   int
	hub  *Hub
	cfg  config.Network
	ctrl *util.Mailbox[CtrlMsg]
	rtrn *util.Mailbox[RtrnMsg]
	wake chan struct{}
	done chan struct{}

	state     atomic.Int32
	load      atomic.Uint64 // math.Float64bits of the load ratio
	busyNanos atomic.Int64
	waitNanos atomic.Int64

	shaking map[xid.ID]*conn
	remotes map[protocol.Pid]*remote
	busy    float64
	waiting float64
	again   bool
}

func newWorker(hub *Hub) *Worker {
	w := &Worker{
		hub:     hub,
		cfg:     hub.cfg,
		ctrl:    util.NewMailbox[CtrlMsg](),
		rtrn:    util.NewMailbox[RtrnMsg](),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		shaking: make(map[xid.ID]*conn),
		remotes: make(map[protocol.Pid]*remote),
	}
	if w.cfg.PollInterval <= 0 {
		w.cfg.PollInterval = time.Second
	}
	if w.cfg.FramesPerTick <= 0 {
		w.cfg.FramesPerTick = 64
	}
	w.id = hub.add(w)
	return w
}

// wakeup is the waker handed to channels. It never blocks.
func (w *Worker) wakeup() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(w.done)

	timer := time.NewTimer(w.cfg.PollInterval)
	defer timer.Stop()
	for {
		w.state.Store(int32(Polling))
		begin := time.Now()
		select {
		case <-w.wake:
		case <-w.ctrl.Ready():
		case <-timer.C:
		}
		waited := time.Since(begin)

		w.state.Store(int32(Dispatching))
		begin = time.Now()
		if rest, stop := w.drainCtrl(); stop {
			w.state.Store(int32(ShutdownRequested))
			w.shutdown(rest)
			return
		}
		w.service(begin)
		w.account(waited, time.Since(begin))

		if w.again {
			w.again = false
			w.wakeup()
		}
		timer.Reset(w.cfg.PollInterval)
	}
}

func (w *Worker) account(waited, busy time.Duration) {
	w.busyNanos.Add(busy.Nanoseconds())
	w.waitNanos.Add(waited.Nanoseconds())
	w.busy = w.busy*loadDecay + float64(busy.Nanoseconds())
	w.waiting = w.waiting*loadDecay + float64(waited.Nanoseconds())
	ratio := w.busy / (w.busy + w.waiting + 1)
	w.load.Store(math.Float64bits(ratio))
	w.hub.obs.WorkerLoad(w.id, ratio)
}

func (w *Worker) emit(m RtrnMsg) { w.rtrn.Push(m) }

// ---------------------------------------------------------------------------
// Control messages
// ---------------------------------------------------------------------------

// drainCtrl handles queued control messages up to a Shutdown, and returns
// whatever was queued behind it.
func (w *Worker) drainCtrl() (rest []CtrlMsg, stop bool) {
	msgs := w.ctrl.Drain()
	for i, m := range msgs {
		if _, ok := m.(Shutdown); ok {
			return msgs[i+1:], true
		}
		w.handleCtrl(m)
	}
	return nil, false
}

func (w *Worker) handleCtrl(m CtrlMsg) {
	switch m := m.(type) {
	case Register:
		w.register(m.Channel, m.Role)
	case OpenStream:
		r, forwarded := w.owned(m.Pid, m)
		if r == nil {
			if !forwarded {
				w.emit(ClosedStream{Pid: m.Pid, Sid: m.Sid, Err: ErrUnknownParticipant})
			}
			return
		}
		if err := r.p.OpenStream(m.Sid, m.Prio, m.Promises); err != nil {
			w.emit(ClosedStream{Pid: m.Pid, Sid: m.Sid, Err: err})
			return
		}
		w.collect(r)
	case CloseStream:
		if r, _ := w.owned(m.Pid, m); r != nil {
			if err := r.p.CloseStream(m.Sid); err != nil {
				util.LogDebug("worker %d: close stream %d of %s: %v", w.id, m.Sid, m.Pid.Short(), err)
			}
			w.collect(r)
		}
	case Send:
		if r, _ := w.owned(m.Pid, m); r != nil {
			if _, err := r.p.Send(m.Sid, m.Payload); err != nil {
				util.LogDebug("worker %d: send on stream %d of %s: %v", w.id, m.Sid, m.Pid.Short(), err)
			}
		}
	case Disconnect:
		if r, forwarded := w.owned(m.Pid, m); r != nil {
			w.disconnect(r, nil)
		} else if !forwarded {
			w.emit(ParticipantDisconnected{Pid: m.Pid, Err: ErrUnknownParticipant})
		}
	case Migrate:
		w.migrate(m)
	case attach:
		m.conn.ch.SetWaker(w.wakeup)
		w.establish(m.conn, m.result, m.backlog)
	case adopt:
		for _, c := range m.remote.conns {
			c.ch.SetWaker(w.wakeup)
		}
		w.remotes[m.remote.p.Pid()] = m.remote
		w.again = true
		util.LogDebug("worker %d: adopted participant %s", w.id, m.remote.p.Pid().Short())
	}
}

// owned returns the participant if this worker drives it. Otherwise m is
// forwarded to the owner, if there is one.
func (w *Worker) owned(pid protocol.Pid, m CtrlMsg) (r *remote, forwarded bool) {
	if r, ok := w.remotes[pid]; ok {
		return r, false
	}
	if e, _, ok := w.hub.table.Lookup(pid); ok && e.Owner != w.id {
		if o := w.hub.worker(e.Owner); o != nil && o.ctrl.Push(m) {
			return nil, true
		}
	}
	util.LogDebug("worker %d: no participant %s", w.id, pid.Short())
	return nil, false
}

func (w *Worker) register(ch channel.Channel, role handshake.Role) {
	c := &conn{ch: ch, hs: handshake.New(role, w.hub.local), started: time.Now()}
	c.queue(c.hs.Start()...)
	ch.SetWaker(w.wakeup)
	w.shaking[ch.ID()] = c
	w.hub.obs.ChannelOpened(ch.Kind())
	util.LogDebug("worker %d: %s channel %s from %s, handshaking as %s", w.id, ch.Kind(), ch.ID(), ch.RemoteAddr(), role)
}

func (w *Worker) migrate(m Migrate) {
	r, forwarded := w.owned(m.Pid, m)
	if r == nil || m.To == w.id {
		if r == nil && !forwarded {
			util.LogWarning("worker %d: cannot migrate unknown participant %s", w.id, m.Pid.Short())
		}
		return
	}
	target := w.hub.worker(m.To)
	if target == nil {
		util.LogWarning("worker %d: cannot migrate %s to missing worker %d", w.id, m.Pid.Short(), m.To)
		return
	}
	for _, c := range r.conns {
		c.ch.SetWaker(nil)
	}
	// the owner changes only after the target holds the adopt message, so
	// anything routed by the new owner queues behind it
	if !target.ctrl.Push(adopt{remote: r}) {
		for _, c := range r.conns {
			c.ch.SetWaker(w.wakeup)
		}
		util.LogWarning("worker %d: worker %d is stopped, keeping %s", w.id, m.To, m.Pid.Short())
		return
	}
	delete(w.remotes, m.Pid)
	w.hub.table.SetOwner(m.Pid, m.To)
	util.LogInfo("worker %d: participant %s moved to worker %d", w.id, m.Pid.Short(), m.To)
}

// ---------------------------------------------------------------------------
// Channel servicing
// ---------------------------------------------------------------------------

func (w *Worker) service(now time.Time) {
	for _, c := range w.shaking {
		w.serviceHandshake(c, now)
	}
	for _, r := range w.remotes {
		w.serviceRemote(r)
	}
}

func (w *Worker) serviceHandshake(c *conn, now time.Time) {
	frames, err := c.ch.Read()
	for i, f := range frames {
		out, herr := c.hs.Handle(f)
		c.queue(out...)
		if herr != nil {
			w.failHandshake(c, herr)
			return
		}
		if c.hs.Done() {
			delete(w.shaking, c.ch.ID())
			w.establish(c, c.hs.Result(), frames[i+1:])
			return
		}
	}
	if err != nil {
		w.failHandshake(c, protocol.InitCustomError(err))
		return
	}
	if now.Sub(c.started) > w.cfg.HandshakeTimeout && w.cfg.HandshakeTimeout > 0 {
		w.failHandshake(c, protocol.InitCustomError(errHandshakeTimeout))
		return
	}
	if err := c.flush(); err != nil {
		w.failHandshake(c, protocol.InitCustomError(err))
	}
}

func (w *Worker) failHandshake(c *conn, err error) {
	delete(w.shaking, c.ch.ID())
	_ = c.flush() // rejection frames, best effort
	_ = c.ch.Close()

	reason := protocol.InitCustom.String()
	var ie *protocol.InitProtocolError
	if errors.As(err, &ie) {
		reason = ie.Kind.String()
	}
	w.hub.obs.ChannelClosed(c.ch.Kind())
	w.hub.obs.HandshakeFailed(reason)
	util.LogWarning("worker %d: handshake with %s failed: %v", w.id, c.ch.RemoteAddr(), err)
	w.emit(HandshakeFailed{Cid: c.ch.ID(), RemoteAddr: c.ch.RemoteAddr(), Err: err})
}

// establish attaches a handshaken channel to its participant, creating the
// participant or handing the channel to the worker that owns it.
func (w *Worker) establish(c *conn, res handshake.Result, backlog []protocol.Frame) {
	c.hs = nil
	if r, ok := w.remotes[res.Pid]; ok {
		r.conns = append(r.conns, c)
		e, _, _ := w.hub.table.Lookup(res.Pid)
		w.emit(Connected{Pid: res.Pid, Cid: c.ch.ID(), Kind: c.ch.Kind(), RemoteAddr: c.ch.RemoteAddr(), Sids: e.Sids, Joined: true})
		util.LogDebug("worker %d: channel %s joined participant %s", w.id, c.ch.ID(), res.Pid.Short())
		w.handleFrames(r, c, backlog)
		return
	}

	e, _, ok := w.hub.table.Lookup(res.Pid)
	if ok && e.Owner != w.id {
		if o := w.hub.worker(e.Owner); o != nil {
			c.ch.SetWaker(nil)
			if o.ctrl.Push(attach{result: res, conn: c, backlog: backlog}) {
				util.LogDebug("worker %d: channel %s handed to worker %d", w.id, c.ch.ID(), e.Owner)
				return
			}
			c.ch.SetWaker(w.wakeup)
		}
	}
	if !ok {
		e = participant.Entry{Pid: res.Pid, Owner: w.id, Sids: stream.SidPool(res.StreamIDs), Connected: time.Now()}
		if _, inserted := w.hub.table.Insert(e); !inserted {
			// another worker connected the same participant in the meantime
			w.establish(c, res, backlog)
			return
		}
	} else {
		w.hub.table.SetOwner(res.Pid, w.id)
	}

	r := &remote{p: participant.New(res, w.cfg), conns: []*conn{c}}
	w.remotes[res.Pid] = r
	util.Stats.AddParticipant()
	w.hub.obs.ParticipantConnected()
	util.LogSuccess("worker %d: participant %s connected over %s (%s)", w.id, res.Pid.Short(), c.ch.Kind(), c.ch.RemoteAddr())
	w.emit(Connected{Pid: res.Pid, Cid: c.ch.ID(), Kind: c.ch.Kind(), RemoteAddr: c.ch.RemoteAddr(), Sids: e.Sids})
	w.handleFrames(r, c, backlog)
}

// handleFrames feeds frames read from c to the participant. On error the
// channel is dropped and the rest of frames is discarded. A lossy channel
// only skips the frames its losses orphaned.
func (w *Worker) handleFrames(r *remote, c *conn, frames []protocol.Frame) bool {
	kind := c.ch.Kind()
	handle := r.p.Handle
	if !kind.Reliable() {
		handle = r.p.HandleLossy
	}
	for _, f := range frames {
		err := handle(f)
		if errors.Is(err, participant.ErrDropped) {
			w.hub.obs.FrameDropped(kind)
			lossDropLog.Warn("worker %d: %s channel %s of %s: %v", w.id, kind, c.ch.ID(), r.p.Pid().Short(), err)
			continue
		}
		if err != nil {
			w.collect(r)
			w.dropConn(r, c, err)
			return false
		}
	}
	w.collect(r)
	return true
}

func (w *Worker) serviceRemote(r *remote) {
	for _, c := range slices.Clone(r.conns) {
		frames, err := c.ch.Read()
		if len(frames) > 0 && !w.handleFrames(r, c, frames) {
			continue
		}
		if err != nil {
			w.dropConn(r, c, err)
		}
	}
	for _, c := range slices.Clone(r.conns) {
		if err := c.flush(); err != nil {
			w.dropConn(r, c, protocol.Failure(err))
		}
	}
	if len(r.conns) == 0 {
		return
	}

	primary := r.conns[0]
	if primary.blocked() || !r.p.HasOutgoing() {
		return
	}
	primary.pending = r.p.Outgoing(primary.pending, w.cfg.FramesPerTick)
	if err := primary.flush(); err != nil {
		w.dropConn(r, primary, protocol.Failure(err))
		return
	}
	if !primary.blocked() && r.p.HasOutgoing() {
		w.again = true
	}
}

// collect turns participant events into reports.
func (w *Worker) collect(r *remote) {
	pid := r.p.Pid()
	for _, ev := range r.p.TakeEvents() {
		switch ev.Kind {
		case participant.StreamOpened:
			w.emit(OpenedStream{Pid: pid, Sid: ev.Sid, Prio: ev.Prio, Promises: ev.Promises, Remote: ev.Remote})
		case participant.StreamClosed:
			w.emit(ClosedStream{Pid: pid, Sid: ev.Sid, Remote: ev.Remote})
		case participant.MessageReceived:
			w.emit(Receive{Pid: pid, Sid: ev.Sid, Mid: ev.Message.Mid, Payload: ev.Message.Payload})
		}
	}
}

// dropConn closes one channel of r after err. The participant goes with its
// last channel.
func (w *Worker) dropConn(r *remote, c *conn, err error) {
	i := slices.Index(r.conns, c)
	if i < 0 {
		return
	}
	r.conns = slices.Delete(r.conns, i, i+1)
	_ = c.ch.Close()
	w.hub.obs.ChannelClosed(c.ch.Kind())

	pid := r.p.Pid().Short()
	switch {
	case errors.Is(err, participant.ErrShutdown):
		util.LogDebug("worker %d: %s channel %s of %s shut down by peer", w.id, c.ch.Kind(), c.ch.ID(), pid)
		err = nil
	case errors.Is(err, protocol.ErrViolated):
		w.hub.obs.ChannelViolated()
		util.LogWarning("worker %d: %s channel %s of %s closed: %v", w.id, c.ch.Kind(), c.ch.ID(), pid, err)
	default:
		util.LogInfo("worker %d: %s channel %s of %s lost: %v", w.id, c.ch.Kind(), c.ch.ID(), pid, err)
	}
	if len(r.conns) == 0 {
		w.removeRemote(r, err)
	}
}

// disconnect says goodbye on every channel of r and forgets it.
func (w *Worker) disconnect(r *remote, err error) {
	for _, c := range r.conns {
		c.queue(protocol.Shutdown{})
		_ = c.flush()
		_ = c.ch.Close()
		w.hub.obs.ChannelClosed(c.ch.Kind())
	}
	r.conns = nil
	w.removeRemote(r, err)
}

func (w *Worker) removeRemote(r *remote, err error) {
	pid := r.p.Pid()
	r.p.Shutdown()
	w.collect(r)
	delete(w.remotes, pid)
	w.hub.table.Remove(pid)
	util.Stats.RemoveParticipant()
	w.hub.obs.ParticipantDisconnected()
	util.LogInfo("worker %d: participant %s disconnected", w.id, pid.Short())
	w.emit(ParticipantDisconnected{Pid: pid, Err: err})
}

// shutdown closes everything the worker holds, including what is still
// queued for it.
func (w *Worker) shutdown(rest []CtrlMsg) {
	w.ctrl.Close()
	for _, m := range append(rest, w.ctrl.Drain()...) {
		switch m := m.(type) {
		case Register:
			_ = m.Channel.Close()
		case attach:
			_ = m.conn.ch.Close()
		case adopt:
			w.remotes[m.remote.p.Pid()] = m.remote
		}
	}
	for _, c := range w.shaking {
		_ = c.ch.Close()
		w.hub.obs.ChannelClosed(c.ch.Kind())
		w.emit(HandshakeFailed{Cid: c.ch.ID(), RemoteAddr: c.ch.RemoteAddr(), Err: protocol.InitCustomError(ErrStopped)})
	}
	clear(w.shaking)
	for _, r := range w.remotes {
		w.disconnect(r, ErrStopped)
	}
	w.rtrn.Close()
	util.LogDebug("worker %d: stopped", w.id)
}
