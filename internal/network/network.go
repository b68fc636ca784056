// Package network is the application-facing API: a Network owns a pool of
// workers, listens and connects on any supported address, and hands out
// Participants and Streams backed by the workers' control messages.
package network

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/rs/xid"

	"github.com/1ureka/velonet/internal/channel"
	"github.com/1ureka/velonet/internal/config"
	"github.com/1ureka/velonet/internal/handshake"
	"github.com/1ureka/velonet/internal/metrics"
	"github.com/1ureka/velonet/internal/protocol"
	"github.com/1ureka/velonet/internal/util"
	"github.com/1ureka/velonet/internal/worker"
)

var (
	// ErrClosed is returned once the Network was closed.
	ErrClosed = errors.New("network: closed")
	// ErrDisconnected is returned for operations on a participant that is gone.
	ErrDisconnected = errors.New("network: participant disconnected")
	// ErrStreamClosed is returned by Send and Recv once the stream is closed.
	ErrStreamClosed = errors.New("network: stream closed")
)

// Option configures a Network.
type Option func(*Network)

// WithPid sets the local participant id instead of a random one.
func WithPid(pid protocol.Pid) Option {
	return func(n *Network) { n.local = pid }
}

// WithRegistry sets the registry mpsc:// addresses are resolved in. Networks
// that talk to each other in-process must share one.
func WithRegistry(r *channel.MPSCRegistry) Option {
	return func(n *Network) { n.registry = r }
}

// WithMetrics reports frame, channel and worker accounting to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(n *Network) { n.metrics = m }
}

type dialResult struct {
	p   *Participant
	err error
}

// Network is one local participant.
type Network struct {
	local    protocol.Pid
	cfg      config.Network
	opts     channel.Options
	registry *channel.MPSCRegistry
	metrics  *metrics.Metrics

	hub   *worker.Hub
	ctrls []*worker.Controller

	ctx       context.Context
	cancel    context.CancelFunc
	accepting sync.WaitGroup
	pumps     sync.WaitGroup
	closeOnce sync.Once

	mu           sync.Mutex
	closed       bool
	listeners    []*listener
	participants map[protocol.Pid]*Participant
	dialing      map[xid.ID]chan dialResult
	abandoned    map[xid.ID]struct{}
	accepted     *util.Mailbox[*Participant]
}

// New starts cfg.Workers workers and returns the Network driving them.
func New(cfg config.Network, opts ...Option) *Network {
	n := &Network{
		local:        protocol.NewPid(),
		cfg:          cfg,
		participants: make(map[protocol.Pid]*Participant),
		dialing:      make(map[xid.ID]chan dialResult),
		abandoned:    make(map[xid.ID]struct{}),
		accepted:     util.NewMailbox[*Participant](),
	}
	for _, o := range opts {
		o(n)
	}
	if n.registry == nil {
		n.registry = channel.NewMPSCRegistry()
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())

	n.opts = channel.OptionsFrom(cfg)
	var obs worker.Observer
	if n.metrics != nil {
		n.opts.Observer = n.metrics
		obs = n.metrics
	}
	if cfg.LegacyPreamble {
		id := util.Hash64(n.local[:])
		n.opts.Preamble = &id
	}

	n.hub = worker.NewHub(n.local, cfg, obs)
	for range max(cfg.Workers, 1) {
		c := worker.New(n.hub)
		n.ctrls = append(n.ctrls, c)
		n.pumps.Add(1)
		go n.pump(c)
	}
	util.LogDebug("network %s: %d workers", n.local.Short(), len(n.ctrls))
	return n
}

// Pid is the local participant id.
func (n *Network) Pid() protocol.Pid { return n.local }

// Loads returns each worker's time accounting, indexed by worker id.
func (n *Network) Loads() []worker.Load {
	loads := make([]worker.Load, len(n.ctrls))
	for i, c := range n.ctrls {
		loads[i] = c.Load()
	}
	return loads
}

// pick returns the least loaded worker.
func (n *Network) pick() *worker.Controller {
	best := n.ctrls[0]
	for _, c := range n.ctrls[1:] {
		if c.LoadRatio() < best.LoadRatio() {
			best = c
		}
	}
	return best
}

// Listen starts accepting channels on addr and returns the bound address,
// which differs from addr when addr asked for port 0.
func (n *Network) Listen(addr string) (Address, error) {
	a, err := ParseAddress(addr)
	if err != nil {
		return Address{}, err
	}
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return Address{}, ErrClosed
	}

	l, err := n.listen(a)
	if err != nil {
		return Address{}, err
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		_ = l.close()
		return Address{}, ErrClosed
	}
	n.listeners = append(n.listeners, l)
	n.accepting.Add(1)
	n.mu.Unlock()

	go n.acceptLoop(l)
	util.LogInfo("listening on %s", l.addr)
	return l.addr, nil
}

func (n *Network) acceptLoop(l *listener) {
	defer n.accepting.Done()
	for {
		ch, err := l.accept(n.ctx)
		if err != nil {
			if n.ctx.Err() == nil && !errors.Is(err, channel.ErrListenerClosed) && !errors.Is(err, net.ErrClosed) {
				util.LogError("listener %s: %v", l.addr, err)
			}
			return
		}
		util.LogDebug("accepted %s channel %s from %s", ch.Kind(), ch.ID(), ch.RemoteAddr())
		if !n.pick().Send(worker.Register{Channel: ch, Role: handshake.Responder}) {
			ch.Close()
			return
		}
	}
}

// Connect opens a channel to addr and waits for its handshake. If the remote
// participant is already connected, the channel joins it and the existing
// Participant is returned.
func (n *Network) Connect(ctx context.Context, addr string) (*Participant, error) {
	a, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	ch, err := n.dial(ctx, a)
	if err != nil {
		return nil, err
	}
	id := ch.ID()
	wait := make(chan dialResult, 1)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		ch.Close()
		return nil, ErrClosed
	}
	n.dialing[id] = wait
	n.mu.Unlock()

	if !n.pick().Send(worker.Register{Channel: ch, Role: handshake.Initiator}) {
		n.mu.Lock()
		delete(n.dialing, id)
		n.mu.Unlock()
		ch.Close()
		return nil, ErrClosed
	}

	select {
	case r := <-wait:
		return r.p, r.err
	case <-ctx.Done():
	case <-n.ctx.Done():
	}

	n.mu.Lock()
	_, pending := n.dialing[id]
	if pending {
		delete(n.dialing, id)
		n.abandoned[id] = struct{}{}
	}
	n.mu.Unlock()
	if !pending {
		// the result raced the cancellation
		r := <-wait
		return r.p, r.err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, ErrClosed
}

// Accept waits for a participant that connected to one of the listeners.
func (n *Network) Accept(ctx context.Context) (*Participant, error) {
	p, ok, err := n.accepted.Pop(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrClosed
	}
	return p, nil
}

// Migrate moves a connected participant and its channels to worker to.
func (n *Network) Migrate(pid protocol.Pid, to int) bool {
	if to < 0 || to >= len(n.ctrls) {
		return false
	}
	return n.hub.Route(pid, worker.Migrate{Pid: pid, To: to})
}

// Close stops the listeners and the workers. Every participant is sent
// Shutdown and reported disconnected.
func (n *Network) Close() error {
	var errs []error
	n.closeOnce.Do(func() {
		n.mu.Lock()
		n.closed = true
		ls := n.listeners
		n.listeners = nil
		n.mu.Unlock()

		n.cancel()
		for _, l := range ls {
			if err := l.close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		n.accepting.Wait()

		for _, c := range n.ctrls {
			errs = append(errs, c.Close())
		}
		n.pumps.Wait()
		n.accepted.Close()
	})
	return errors.Join(errs...)
}

// pump applies one worker's reports until the worker is gone.
func (n *Network) pump(c *worker.Controller) {
	defer n.pumps.Done()
	for m := range c.Returns() {
		n.dispatch(m)
	}
}

func (n *Network) dispatch(m worker.RtrnMsg) {
	switch m := m.(type) {
	case worker.Connected:
		n.connected(m)

	case worker.HandshakeFailed:
		n.mu.Lock()
		wait, dialing := n.dialing[m.Cid]
		delete(n.dialing, m.Cid)
		delete(n.abandoned, m.Cid)
		n.mu.Unlock()
		if dialing {
			wait <- dialResult{err: m.Err}
		}

	case worker.OpenedStream:
		if p := n.participant(m.Pid); p != nil && m.Remote {
			p.opened.Push(p.register(m.Sid, m.Prio, m.Promises))
		}

	case worker.ClosedStream:
		if p := n.participant(m.Pid); p != nil {
			p.streamClosed(m.Sid, m.Err)
		}

	case worker.Receive:
		if p := n.participant(m.Pid); p != nil {
			p.receive(m.Sid, m.Payload)
		}

	case worker.ParticipantDisconnected:
		n.mu.Lock()
		p := n.participants[m.Pid]
		delete(n.participants, m.Pid)
		n.mu.Unlock()
		if p != nil {
			p.disconnected(m.Err)
		}
	}
}

func (n *Network) connected(m worker.Connected) {
	n.mu.Lock()
	p, known := n.participants[m.Pid]
	if !known {
		p = newParticipant(n, m)
		n.participants[m.Pid] = p
	}
	wait, dialing := n.dialing[m.Cid]
	delete(n.dialing, m.Cid)
	_, abandoned := n.abandoned[m.Cid]
	delete(n.abandoned, m.Cid)
	n.mu.Unlock()

	switch {
	case dialing:
		wait <- dialResult{p: p}
	case known:
		util.LogDebug("participant %s: %s channel joined", m.Pid.Short(), m.Kind)
	case abandoned:
		n.hub.Route(m.Pid, worker.Disconnect{Pid: m.Pid})
	default:
		n.accepted.Push(p)
	}
}

func (n *Network) participant(pid protocol.Pid) *Participant {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.participants[pid]
}
