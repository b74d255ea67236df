package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/srg/blecon/internal/radio"
	"github.com/srg/blecon/internal/ringchan"
)

// Options configures a Controller.
type Options struct {
	Logger        *logrus.Logger
	EventBuffer   int // command queue depth, 128 when zero
	NoticeHistory int // notices kept for RecentNotices, 64 when zero
}

var errAlreadyRunning = errors.New("session controller is already running")

// scope ties a pending request to the lifetime it belongs to. Requests of a
// scope become stale as soon as that scope's generation moves on.
type scope int

const (
	scopeNone scope = iota
	scopeAdapter
	scopeScan
	scopeConn
)

// pendingOp is an issued radio request waiting for its Completion.
type pendingOp struct {
	op     radio.Op
	scope  scope
	gen    uint64
	device string
	ref    CharacteristicRef

	reply     chan<- error
	abandoned error // reply sent when the scope is torn down first

	complete func(p *pendingOp, c radio.Completion)
	stale    func(c radio.Completion) // optional, runs for completions of a torn down scope
}

// outgoing is a reply held back until the loop iteration's snapshot is published.
type outgoing struct {
	reply chan<- error
	err   error
}

// Controller runs the session state machine on a single goroutine.
type Controller struct {
	radio  radio.Radio
	logger *logrus.Logger

	commands chan func()
	started  chan struct{}
	quit     chan struct{}
	done     chan struct{}
	running  atomic.Bool
	quitOnce sync.Once

	closeOnce sync.Once
	closeErr  error

	// loop-owned state
	session     *Session
	pending     map[radio.RequestID]*pendingOp
	adapterGen  uint64
	scanGen     uint64
	connGen     uint64
	subsPending map[CharacteristicRef]struct{}
	enumerating int
	dirty       bool
	version     uint64
	outbox      []outgoing

	snapshot  atomic.Pointer[Snapshot]
	snapshots *ringchan.RingChannel[Snapshot]
	notices   *noticeSink
}

// New creates a Controller around r. The controller does nothing until Run is called.
func New(r radio.Radio, opts Options) *Controller {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 128
	}
	if opts.NoticeHistory <= 0 {
		opts.NoticeHistory = 64
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	c := &Controller{
		radio:       r,
		logger:      opts.Logger,
		commands:    make(chan func(), opts.EventBuffer),
		started:     make(chan struct{}),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		session:     newSession(),
		pending:     make(map[radio.RequestID]*pendingOp),
		subsPending: make(map[CharacteristicRef]struct{}),
		snapshots:   ringchan.New[Snapshot](1),
		notices:     newNoticeSink(opts.Logger, opts.NoticeHistory),
	}
	c.snapshot.Store(c.session.snapshot(0, false))
	return c
}

// Run processes commands and radio events until ctx is done or Close is called.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errAlreadyRunning
	}
	close(c.started)
	defer close(c.done)

	select {
	case <-c.quit:
		return nil
	default:
	}

	c.logger.Debug("Session loop started")
	defer c.logger.Debug("Session loop stopped")

	events := c.radio.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.quit:
			return nil
		case cmd := <-c.commands:
			cmd()
		case ev, ok := <-events:
			if !ok {
				c.logger.Warn("Radio event channel closed")
				events = nil
				continue
			}
			c.dispatch(ev)
		}
		c.flush()
		c.deliver()
	}
}

// Close tears the session down (stop scan, disconnect, power off), stops the
// loop and shuts the radio down. When Run has already returned, the teardown
// runs on the caller's goroutine instead. Teardown steps are best-effort; only ctx
// expiry during teardown is reported.
func (c *Controller) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		tornDown := false
		if c.loopAlive() {
			err := c.PowerOff(ctx)
			tornDown = !errors.Is(err, ErrClosed)
			if err != nil && tornDown {
				c.closeErr = err
			}
		}
		c.quitOnce.Do(func() { close(c.quit) })

		select {
		case <-c.started:
			<-c.done
		default:
		}

		if !tornDown {
			if err := c.teardownStopped(ctx); err != nil {
				c.closeErr = err
			}
		}

		c.radio.Shutdown()
		c.notices.close()
		c.snapshots.Close()
	})
	return c.closeErr
}

// teardownStopped runs the power-off sequence on the calling goroutine once
// the loop is gone, e.g. after Run's ctx ended before Close was called.
func (c *Controller) teardownStopped(ctx context.Context) error {
	s := c.session
	if !s.AdapterPowered && !s.Scanning && s.connState == Disconnected {
		return nil
	}
	c.logger.Debug("Session loop already stopped, tearing down on close")

	reply := make(chan error, 1)
	c.powerOff(reply)

	events := c.radio.Events()
	for {
		c.flush()
		c.deliver()
		select {
		case err := <-reply:
			return err
		default:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			c.dispatch(ev)
		}
	}
}

func (c *Controller) loopAlive() bool {
	select {
	case <-c.started:
	default:
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Snapshot returns the most recently published snapshot.
func (c *Controller) Snapshot() Snapshot {
	return *c.snapshot.Load()
}

// Snapshots streams published snapshots. Slow readers only see the latest one.
// The channel is closed by Close.
func (c *Controller) Snapshots() <-chan Snapshot {
	return c.snapshots.C()
}

// Notices streams notices as they are raised. The channel is closed by Close.
func (c *Controller) Notices() <-chan Notice {
	return c.notices.live.C()
}

// RecentNotices returns the retained notice history, oldest first.
func (c *Controller) RecentNotices() []Notice {
	return c.notices.recent()
}

// post hands cmd to the loop goroutine.
func (c *Controller) post(ctx context.Context, cmd func()) error {
	select {
	case <-c.quit:
		return ErrClosed
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.commands <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.quit:
		return ErrClosed
	case <-c.done:
		return ErrClosed
	}
}

// call runs fn on the loop goroutine and waits for it, or for a completion it
// registered, to answer on reply.
func (c *Controller) call(ctx context.Context, fn func(reply chan<- error)) error {
	reply := make(chan error, 1)
	if err := c.post(ctx, func() { fn(reply) }); err != nil {
		return err
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrClosed
		}
	}
}

// issue registers p under a fresh request id and invokes the radio.
func (c *Controller) issue(p *pendingOp, invoke func(req radio.RequestID)) radio.RequestID {
	req := radio.NewRequestID()
	p.gen = c.generation(p.scope)
	c.pending[req] = p

	c.logger.WithFields(logrus.Fields{
		"req":       req.Short(),
		"op":        p.op.String(),
		"device_id": p.device,
	}).Debug("Issuing radio request")

	invoke(req)
	return req
}

func (c *Controller) generation(s scope) uint64 {
	switch s {
	case scopeAdapter:
		return c.adapterGen
	case scopeScan:
		return c.scanGen
	case scopeConn:
		return c.connGen
	default:
		return 0
	}
}

// bump starts a new generation of s and answers every caller still waiting on
// a request of the previous one.
func (c *Controller) bump(s scope) {
	switch s {
	case scopeAdapter:
		c.adapterGen++
	case scopeScan:
		c.scanGen++
	case scopeConn:
		c.connGen++
	}
	for _, p := range c.pending {
		if p.scope == s && p.gen != c.generation(s) {
			c.respond(p, p.abandoned)
		}
	}
}

func (c *Controller) dispatch(ev radio.Event) {
	switch e := ev.(type) {
	case radio.Completion:
		c.onCompletion(e)
	case radio.DevicesFound:
		c.onDevicesFound(e)
	case radio.ValueChanged:
		c.onValueChanged(e)
	case radio.Disconnected:
		c.onDisconnected(e)
	case radio.ScanStopped:
		c.onScanStopped(e)
	default:
		c.logger.WithField("event", ev).Warn("Ignoring unknown radio event")
	}
}

func (c *Controller) onCompletion(e radio.Completion) {
	fields := logrus.Fields{"req": e.Req.Short(), "op": e.Op.String()}

	p, ok := c.pending[e.Req]
	if !ok {
		c.logger.WithFields(fields).Debug("Discarding completion for unknown request")
		return
	}
	delete(c.pending, e.Req)

	if p.gen != c.generation(p.scope) {
		c.logger.WithFields(fields).WithField("device_id", p.device).Debug("Discarding stale completion")
		if p.stale != nil {
			p.stale(e)
		}
		return
	}
	p.complete(p, e)
}

// changed marks the session as modified by the current loop iteration.
func (c *Controller) changed() {
	c.dirty = true
}

// flush publishes a snapshot if the last loop iteration changed the session.
func (c *Controller) flush() {
	if !c.dirty {
		return
	}
	c.dirty = false
	c.version++

	snap := c.session.snapshot(c.version, c.enumerating > 0)
	c.snapshot.Store(snap)
	c.snapshots.Send(*snap)
}

// answer queues err for the caller waiting on reply. A nil reply is ignored.
func (c *Controller) answer(reply chan<- error, err error) {
	if reply == nil {
		return
	}
	c.outbox = append(c.outbox, outgoing{reply: reply, err: err})
}

// respond answers the caller waiting on p, at most once.
func (c *Controller) respond(p *pendingOp, err error) {
	c.answer(p.reply, err)
	p.reply = nil
}

// deliver sends queued replies. Callers therefore observe the snapshot that
// includes the outcome they are told about.
func (c *Controller) deliver() {
	for i, o := range c.outbox {
		o.reply <- o.err
		c.outbox[i] = outgoing{}
	}
	c.outbox = c.outbox[:0]
}

func (c *Controller) notify(level Level, format string, args ...any) {
	c.notices.emit(level, format, args...)
}
