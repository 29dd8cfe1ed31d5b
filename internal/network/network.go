// Package network moves bytes between sockets and the service loop. Each
// connection gets a read goroutine and a write goroutine; neither does any
// protocol work. Everything they observe is posted as an Event.
package network

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Handle uint64

type EventKind uint8

const (
	Accepted EventKind = iota + 1
	Connected
	Received
	Writable
	Disconnected
)

func (k EventKind) String() string {
	switch k {
	case Accepted:
		return "accepted"
	case Connected:
		return "connected"
	case Received:
		return "received"
	case Writable:
		return "writable"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is posted by the reactor. Data is set for Received, Err for
// Disconnected (nil on a locally requested close). A failed dial is reported
// as Disconnected without a preceding Connected.
type Event struct {
	Kind   EventKind
	Handle Handle
	Addr   string
	Data   []byte
	Err    error
}

var (
	ErrUnknownHandle = errors.New("unknown connection handle")
	ErrClosed        = errors.New("connection closing")
	ErrShutdown      = errors.New("reactor shut down")
)

// Reactor is the non-blocking I/O boundary used by the service.
type Reactor interface {
	Events() <-chan Event
	Listen(addr string) error
	Addr() string
	// Dial returns at once; the outcome arrives as Connected or Disconnected.
	Dial(addr string) Handle
	// Write buffers as much of p as fits and returns the count. A short
	// count means Writable follows once the buffer drains.
	Write(h Handle, p []byte) (int, error)
	// Close flushes buffered bytes, then closes.
	Close(h Handle) error
	Shutdown() error
}

const (
	readChunk            = 32 << 10
	DefaultMaxConnsPerIP = 8
	DefaultWriteBuffer   = 1 << 20
	DefaultDialTimeout   = 10 * time.Second
	DefaultEventBuffer   = 256
)

type Options struct {
	Logger        *zap.Logger
	MaxConnsPerIP int
	// ReadRate limits inbound bytes per second per connection; zero is
	// unlimited.
	ReadRate    rate.Limit
	ReadBurst   int
	WriteBuffer int
	DialTimeout time.Duration
	EventBuffer int
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.MaxConnsPerIP == 0 {
		o.MaxConnsPerIP = DefaultMaxConnsPerIP
	}
	if o.ReadBurst < readChunk {
		o.ReadBurst = readChunk
	}
	if o.WriteBuffer <= 0 {
		o.WriteBuffer = DefaultWriteBuffer
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = DefaultEventBuffer
	}
	return o
}

type dialFunc func(ctx context.Context, addr string) (io.ReadWriteCloser, error)

// hub is shared by the TCP and QUIC reactors.
type hub struct {
	opts    Options
	log     *zap.Logger
	events  chan Event
	limiter *ipLimiter
	ctx     context.Context
	cancel  context.CancelFunc
	next    atomic.Uint64

	mu     sync.Mutex
	conns  map[Handle]*conn
	closed bool
	wg     sync.WaitGroup
}

func newHub(opts Options) *hub {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &hub{
		opts:    opts,
		log:     opts.Logger,
		events:  make(chan Event, opts.EventBuffer),
		limiter: newIPLimiter(opts.MaxConnsPerIP),
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[Handle]*conn),
	}
}

func (h *hub) Events() <-chan Event { return h.events }

func (h *hub) post(ev Event) bool {
	select {
	case h.events <- ev:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// spawn runs fn tracked by the wait group unless the hub is shut down.
func (h *hub) spawn(fn func()) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fn()
	}()
	return true
}

func (h *hub) dial(addr string, dial dialFunc) Handle {
	id := Handle(h.next.Add(1))
	ok := h.spawn(func() {
		ctx, cancel := context.WithTimeout(h.ctx, h.opts.DialTimeout)
		rw, err := dial(ctx, addr)
		cancel()
		if err != nil {
			h.log.Debug("dial failed", zap.String("addr", addr), zap.Error(err))
			h.post(Event{Kind: Disconnected, Handle: id, Addr: addr, Err: err})
			return
		}
		h.start(id, rw, addr, nil, Connected)
	})
	if !ok {
		h.log.Debug("dial after shutdown", zap.String("addr", addr))
	}
	return id
}

// admit applies the per-IP cap to an inbound connection.
func (h *hub) admit(rw io.ReadWriteCloser, addr string) {
	ip := addr
	if host, _, err := net.SplitHostPort(addr); err == nil {
		ip = host
	}
	if !h.limiter.acquire(ip) {
		h.log.Debug("inbound refused: per-ip cap", zap.String("addr", addr))
		_ = rw.Close()
		return
	}
	id := Handle(h.next.Add(1))
	h.start(id, rw, addr, func() { h.limiter.release(ip) }, Accepted)
}

func (h *hub) start(id Handle, rw io.ReadWriteCloser, addr string, release func(), kind EventKind) {
	ctx, cancel := context.WithCancel(h.ctx)
	c := &conn{
		id:      id,
		hub:     h,
		rw:      rw,
		addr:    addr,
		release: release,
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		c.fail(ErrShutdown)
		return
	}
	h.conns[id] = c
	h.mu.Unlock()

	if !h.post(Event{Kind: kind, Handle: id, Addr: addr}) {
		c.fail(ErrShutdown)
		h.remove(id)
		return
	}
	if !h.spawn(c.readLoop) || !h.spawn(c.writeLoop) {
		c.fail(ErrShutdown)
	}
}

func (h *hub) lookup(id Handle) (*conn, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[id]
	return c, ok
}

func (h *hub) remove(id Handle) {
	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()
}

func (h *hub) Write(id Handle, p []byte) (int, error) {
	c, ok := h.lookup(id)
	if !ok {
		return 0, ErrUnknownHandle
	}
	return c.write(p)
}

func (h *hub) Close(id Handle) error {
	c, ok := h.lookup(id)
	if !ok {
		return ErrUnknownHandle
	}
	c.close()
	return nil
}

// Len reports open connections.
func (h *hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *hub) shutdown(closers ...io.Closer) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	h.cancel()
	var errs []error
	for _, cl := range closers {
		if cl == nil {
			continue
		}
		if err := cl.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	for _, c := range conns {
		c.fail(ErrShutdown)
	}
	h.wg.Wait()
	close(h.events)
	return errors.Join(errs...)
}

type conn struct {
	id      Handle
	hub     *hub
	rw      io.ReadWriteCloser
	addr    string
	release func()
	ctx     context.Context
	cancel  context.CancelFunc
	wake    chan struct{}

	mu       sync.Mutex
	buf      []byte
	inflight int
	blocked  bool
	closing  bool

	once sync.Once
	err  error
}

func (c *conn) write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing || c.ctx.Err() != nil {
		return 0, ErrClosed
	}
	n := c.hub.opts.WriteBuffer - len(c.buf) - c.inflight
	if n > len(p) {
		n = len(p)
	}
	if n < 0 {
		n = 0
	}
	c.buf = append(c.buf, p[:n]...)
	if n < len(p) {
		c.blocked = true
	}
	if n > 0 {
		c.notify()
	}
	return n, nil
}

func (c *conn) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *conn) close() {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
	c.notify()
}

// fail closes the socket once and keeps the first cause.
func (c *conn) fail(err error) {
	c.once.Do(func() {
		c.err = err
		c.cancel()
		_ = c.rw.Close()
		if c.release != nil {
			c.release()
		}
	})
}

// readLoop is the only poster of Received and Disconnected for the
// connection, so Disconnected is always last.
func (c *conn) readLoop() {
	var lim *rate.Limiter
	if c.hub.opts.ReadRate > 0 {
		lim = rate.NewLimiter(c.hub.opts.ReadRate, c.hub.opts.ReadBurst)
	}
	buf := make([]byte, readChunk)
	for {
		n, err := c.rw.Read(buf)
		if n > 0 {
			if lim != nil {
				if werr := lim.WaitN(c.ctx, n); werr != nil {
					err = werr
				}
			}
			if err == nil || errors.Is(err, io.EOF) {
				data := append([]byte(nil), buf[:n]...)
				if !c.hub.post(Event{Kind: Received, Handle: c.id, Addr: c.addr, Data: data}) {
					c.fail(ErrShutdown)
					c.hub.remove(c.id)
					return
				}
			}
		}
		if err != nil {
			c.fail(err)
			break
		}
	}
	c.hub.remove(c.id)
	if c.hub.ctx.Err() != nil {
		return
	}
	c.hub.post(Event{Kind: Disconnected, Handle: c.id, Addr: c.addr, Err: c.err})
}

func (c *conn) writeLoop() {
	for {
		select {
		case <-c.wake:
		case <-c.ctx.Done():
			return
		}
		for {
			c.mu.Lock()
			if len(c.buf) == 0 {
				closing, writable := c.closing, c.blocked
				c.blocked = false
				c.mu.Unlock()
				if closing {
					c.fail(nil)
					return
				}
				if writable {
					c.hub.post(Event{Kind: Writable, Handle: c.id, Addr: c.addr})
				}
				break
			}
			out := c.buf
			c.buf = nil
			c.inflight = len(out)
			c.mu.Unlock()

			_, err := c.rw.Write(out)

			c.mu.Lock()
			c.inflight = 0
			c.mu.Unlock()
			if err != nil {
				c.fail(err)
				return
			}
		}
	}
}
