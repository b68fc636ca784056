package worker

import (
	"math"
	"sync"
	"time"

	"github.com/1ureka/velonet/internal/protocol"
)

// Load is a snapshot of a worker's time accounting.
type Load struct {
	Busy    time.Duration // total time spent dispatching
	Waiting time.Duration // total time spent in the poll wait
	Ratio   float64       // decayed busy share in [0, 1]
}

// Controller is the handle to one Worker. New starts the worker; Close is
// the only way to stop it.
type Controller struct {
	w       *Worker
	returns chan RtrnMsg
	once    sync.Once
}

// New spawns exactly one worker, registered with hub.
func New(hub *Hub) *Controller {
	c := &Controller{w: newWorker(hub), returns: make(chan RtrnMsg, 64)}
	go c.w.run()
	go c.forward()
	return c
}

// forward moves reports from the worker's mailbox to Returns, so a slow
// reader never stalls the worker.
func (c *Controller) forward() {
	defer close(c.returns)
	rtrn := c.w.rtrn
	for {
		<-rtrn.Ready()
		for _, m := range rtrn.Drain() {
			c.returns <- m
		}
		if rtrn.Closed() && rtrn.Len() == 0 {
			return
		}
	}
}

// ID is the worker's index within its hub.
func (c *Controller) ID() int { return c.w.id }

// Send queues a control message. It reports false once the worker stopped.
// Shutdown is refused; use Close.
func (c *Controller) Send(m CtrlMsg) bool {
	if _, ok := m.(Shutdown); ok {
		return false
	}
	return c.w.ctrl.Push(m)
}

// Returns delivers the worker's reports. It is closed after the worker stopped
// and every report was read.
func (c *Controller) Returns() <-chan RtrnMsg { return c.returns }

// Migrate asks the worker to move pid to the worker with id to.
func (c *Controller) Migrate(pid protocol.Pid, to int) bool {
	return c.Send(Migrate{Pid: pid, To: to})
}

// LoadRatio returns the decayed share of time the worker spent busy.
func (c *Controller) LoadRatio() float32 {
	return float32(math.Float64frombits(c.w.load.Load()))
}

func (c *Controller) Load() Load {
	return Load{
		Busy:    time.Duration(c.w.busyNanos.Load()),
		Waiting: time.Duration(c.w.waitNanos.Load()),
		Ratio:   math.Float64frombits(c.w.load.Load()),
	}
}

func (c *Controller) State() State { return State(c.w.state.Load()) }

// Done is closed once the worker has stopped.
func (c *Controller) Done() <-chan struct{} { return c.w.done }

// Close stops the worker: every participant it owns is sent Shutdown and
// forgotten. It blocks until the worker thread has exited.
func (c *Controller) Close() error {
	c.once.Do(func() {
		c.w.ctrl.Push(Shutdown{})
	})
	<-c.w.done
	return nil
}
