// Package service is the node's control loop. One goroutine owns every
// session, the inventory engine and the address book; the reactor, storage
// fetches and local commands reach it only through channels.
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"gitmesh/internal/addrbook"
	"gitmesh/internal/clock"
	"gitmesh/internal/crypto"
	"gitmesh/internal/debuglog"
	"gitmesh/internal/inventory"
	"gitmesh/internal/metrics"
	"gitmesh/internal/network"
	"gitmesh/internal/node"
	"gitmesh/internal/proto"
	"gitmesh/internal/storage"
)

const (
	DefaultTargetOutbound      = 8
	DefaultMaxInbound          = 64
	DefaultMaintenanceInterval = 5 * time.Second
	DefaultRotateInterval      = time.Minute
	DefaultPruneInterval       = 10 * time.Minute
	DefaultPruneAge            = time.Hour
	DefaultAnnounceInterval    = time.Minute
	DefaultMaxPenalty          = 8

	lingerTimeout = 5 * time.Second
	queueSize     = 256
)

var ErrStopped = errors.New("service not running")

type Config struct {
	// Listen is the local bind address; empty disables inbound.
	Listen string
	// Advertise is sent to peers as our listen address. Defaults to Listen.
	Advertise string
	GitURL    string

	TargetOutbound      int
	MaxInbound          int
	MaintenanceInterval time.Duration
	RotateInterval      time.Duration
	PruneInterval       time.Duration
	PruneAge            time.Duration
	AnnounceInterval    time.Duration
	MaxPenalty          int

	// Seeds are dialed when the book runs low; Connect entries are kept
	// connected regardless of ranking.
	Seeds   []string
	Connect []string

	// SnapshotPath receives the metrics snapshot on every maintenance tick.
	SnapshotPath string

	Session node.Config
}

func (c Config) withDefaults() Config {
	if c.TargetOutbound <= 0 {
		c.TargetOutbound = DefaultTargetOutbound
	}
	if c.MaxInbound <= 0 {
		c.MaxInbound = DefaultMaxInbound
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if c.RotateInterval <= 0 {
		c.RotateInterval = DefaultRotateInterval
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = DefaultPruneInterval
	}
	if c.PruneAge <= 0 {
		c.PruneAge = DefaultPruneAge
	}
	if c.AnnounceInterval <= 0 {
		c.AnnounceInterval = DefaultAnnounceInterval
	}
	if c.MaxPenalty <= 0 {
		c.MaxPenalty = DefaultMaxPenalty
	}
	if c.Advertise == "" {
		c.Advertise = c.Listen
	}
	return c
}

type Options struct {
	Config  Config
	Key     crypto.Signer
	Reactor network.Reactor
	Storage storage.Storage
	Book    *addrbook.Book
	Policy  *inventory.Policy
	Engine  inventory.Options
	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// conn is a session plus what the service knows about its endpoint.
type conn struct {
	*node.Session
	// key is the address book entry dialed, empty for inbound.
	key string
	// failed marks a protocol fault, recorded as a failure even after the
	// handshake completed.
	failed bool
}

type Service struct {
	cfg     Config
	log     *zap.Logger
	limited *debuglog.Limiter
	clock   clock.Clock
	wheel   *clock.Wheel
	key     crypto.Signer
	local   crypto.PeerID
	reactor network.Reactor
	storage storage.Storage
	book    *addrbook.Book
	engine  *inventory.Engine
	metrics *metrics.Metrics

	conns     map[network.Handle]*conn
	byPeer    map[crypto.PeerID]*conn
	penalties map[crypto.PeerID]int
	transfers map[uint64]storage.FetchHandle

	completions chan storage.FetchResult
	commands    chan func()
	done        chan struct{}
}

func New(opts Options) (*Service, error) {
	if opts.Key == nil || opts.Reactor == nil || opts.Storage == nil || opts.Book == nil {
		return nil, errors.New("service: key, reactor, storage and book are required")
	}
	cfg := opts.Config.withDefaults()
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Policy == nil {
		opts.Policy = inventory.TrackAllExcept()
	}
	local := opts.Key.PeerID()
	cfg.Session.Local = local
	cfg.Session.Signer = opts.Key
	if cfg.Session.ListenAddr == "" {
		cfg.Session.ListenAddr = cfg.Advertise
	}
	if cfg.Session.GitURL == "" {
		cfg.Session.GitURL = cfg.GitURL
	}

	eng := opts.Engine
	eng.Local = local
	eng.Policy = opts.Policy
	eng.Objects = opts.Storage

	s := &Service{
		cfg:         cfg,
		log:         opts.Logger,
		limited:     debuglog.NewLimiter(30 * time.Second),
		clock:       opts.Clock,
		wheel:       clock.NewWheel(),
		key:         opts.Key,
		local:       local,
		reactor:     opts.Reactor,
		storage:     opts.Storage,
		book:        opts.Book,
		engine:      inventory.New(eng),
		metrics:     opts.Metrics,
		conns:       make(map[network.Handle]*conn),
		byPeer:      make(map[crypto.PeerID]*conn),
		penalties:   make(map[crypto.PeerID]int),
		transfers:   make(map[uint64]storage.FetchHandle),
		completions: make(chan storage.FetchResult, queueSize),
		commands:    make(chan func()),
		done:        make(chan struct{}),
	}
	now := s.clock.Now()
	if err := s.observeConfigured(now); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) observeConfigured(now time.Time) error {
	for _, raw := range s.cfg.Connect {
		a, err := addrbook.ParseAddress(raw)
		if err != nil {
			return fmt.Errorf("connect %q: %w", raw, err)
		}
		a.Source = addrbook.SourceConfig
		a.Persistent = true
		if _, err := s.book.Observe(a, now); err != nil {
			return fmt.Errorf("connect %q: %w", raw, err)
		}
	}
	for _, raw := range s.cfg.Seeds {
		a, err := addrbook.ParseAddress(raw)
		if err != nil {
			return fmt.Errorf("seed %q: %w", raw, err)
		}
		a.Source = addrbook.SourceSeed
		if _, err := s.book.Observe(a, now); err != nil && !errors.Is(err, addrbook.ErrFull) {
			return fmt.Errorf("seed %q: %w", raw, err)
		}
	}
	return nil
}

func (s *Service) Engine() *inventory.Engine { return s.engine }
func (s *Service) Book() *addrbook.Book { return s.book }
func (s *Service) Local() crypto.PeerID { return s.local }

// Start arms the periodic timers and makes the first round of dials and
// announcements. Run calls it; tests driving the service by hand call it
// directly.
func (s *Service) Start() {
	now := s.clock.Now()
	k := func(kind clock.Kind) clock.Key { return clock.Key{Kind: kind} }
	s.wheel.Every(k(kindMaintain), now.Add(s.cfg.MaintenanceInterval), s.cfg.MaintenanceInterval)
	s.wheel.Every(k(kindRotate), now.Add(s.cfg.RotateInterval), s.cfg.RotateInterval)
	s.wheel.Every(k(kindPrune), now.Add(s.cfg.PruneInterval), s.cfg.PruneInterval)
	s.wheel.Every(k(kindAnnounce), now.Add(s.cfg.AnnounceInterval), s.cfg.AnnounceInterval)
	s.metrics.SetIdentity(s.local.String(), s.reactor.Addr())
	s.announceLocal(now)
	s.topUp(now)
}

// Run serves until ctx ends. A listen failure is the only error returned
// before then.
func (s *Service) Run(ctx context.Context) error {
	if s.cfg.Listen != "" {
		if err := s.reactor.Listen(s.cfg.Listen); err != nil {
			return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
		}
		s.log.Info("listening", zap.String("addr", s.reactor.Addr()), zap.String("peer", s.local.String()))
	}
	defer close(s.done)
	s.Start()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	events := s.reactor.Events()
	for {
		s.armTimer(timer)
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.HandleEvent(ev)
		case res := <-s.completions:
			s.HandleFetchResult(res)
		case cmd := <-s.commands:
			cmd()
		case <-timer.C:
			s.Tick()
		}
	}
}

func (s *Service) armTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	next, ok := s.wheel.Next()
	if !ok {
		t.Reset(time.Hour)
		return
	}
	d := next.Sub(s.clock.Now())
	if d < 0 {
		d = 0
	}
	t.Reset(d)
}

func (s *Service) shutdown() {
	for _, c := range s.sortedConns() {
		c.Disconnect(proto.ReasonShutdown)
		s.flush(c)
	}
	for id, h := range s.transfers {
		h.Cancel()
		delete(s.transfers, id)
	}
	if err := s.reactor.Shutdown(); err != nil {
		s.log.Warn("reactor shutdown", zap.Error(err))
	}
	if err := s.metrics.WriteSnapshot(s.cfg.SnapshotPath); err != nil {
		s.log.Warn("write metrics snapshot", zap.Error(err))
	}
}

// HandleEvent applies one reactor event.
func (s *Service) HandleEvent(ev network.Event) {
	now := s.clock.Now()
	switch ev.Kind {
	case network.Accepted:
		s.accept(ev, now)
	case network.Connected:
		c, ok := s.conns[ev.Handle]
		if !ok {
			_ = s.reactor.Close(ev.Handle)
			return
		}
		if err := c.Connected(now); err != nil {
			s.fail(c, err)
			return
		}
		s.flush(c)
	case network.Received:
		c, ok := s.conns[ev.Handle]
		if !ok {
			return
		}
		s.metrics.BytesIn(len(ev.Data))
		msgs, err := c.Receive(ev.Data, now)
		for _, m := range msgs {
			s.dispatch(c, m, now)
			if c.State() >= node.Disconnecting {
				s.hangUp(c, c.Reason())
				return
			}
		}
		if err != nil {
			s.fail(c, err)
			return
		}
		s.flush(c)
	case network.Writable:
		if c, ok := s.conns[ev.Handle]; ok {
			s.flush(c)
		}
	case network.Disconnected:
		s.closed(ev.Handle, ev.Err, now)
	}
}

func (s *Service) accept(ev network.Event, now time.Time) {
	inbound := 0
	for _, c := range s.conns {
		if c.Link() == node.Inbound {
			inbound++
		}
	}
	if inbound >= s.cfg.MaxInbound {
		s.limited.Debug(s.log, "inbound-cap", "inbound refused: at capacity", zap.String("addr", ev.Addr))
		_ = s.reactor.Close(ev.Handle)
		return
	}
	c := &conn{Session: node.NewInbound(uint64(ev.Handle), ev.Addr, s.cfg.Session, now)}
	s.conns[ev.Handle] = c
	s.wheel.Schedule(clock.Key{Owner: uint64(ev.Handle), Kind: kindHandshake}, c.Deadline())
}

// connect dials a book entry.
func (s *Service) connect(a addrbook.Address, now time.Time) {
	h := s.reactor.Dial(a.Key())
	c := &conn{Session: node.NewOutbound(uint64(h), a.Key(), s.cfg.Session, now), key: a.Key()}
	s.conns[h] = c
	s.wheel.Schedule(clock.Key{Owner: uint64(h), Kind: kindHandshake}, c.Deadline())
	if err := s.book.RecordAttempt(a.Key(), now); err != nil {
		s.log.Debug("record attempt", zap.String("addr", a.Key()), zap.Error(err))
	}
	s.metrics.Dial()
	s.log.Debug("dialing", zap.String("addr", a.Key()), zap.String("source", a.Source.String()))
}

// flush hands queued bytes to the reactor. A disconnecting session is
// closed once its queue is empty.
func (s *Service) flush(c *conn) {
	h := network.Handle(c.Handle())
	if out := c.Pending(); len(out) > 0 {
		n, err := s.reactor.Write(h, out)
		c.Advance(n)
		s.metrics.BytesOut(n)
		if err != nil {
			s.log.Debug("write failed", zap.Uint64("handle", uint64(h)), zap.Error(err))
			_ = s.reactor.Close(h)
			return
		}
	}
	if c.State() == node.Disconnecting && len(c.Pending()) == 0 {
		_ = s.reactor.Close(h)
	}
}

// fail ends a session after a fatal error.
func (s *Service) fail(c *conn, err error) {
	reason := proto.ReasonProtocol
	var pe *node.ProtocolError
	if errors.As(err, &pe) {
		reason = pe.Reason
	}
	if reason != proto.ReasonDuplicate && reason != proto.ReasonShutdown {
		c.failed = true
	}
	s.log.Debug("session failed",
		zap.String("peer", c.PeerID().String()),
		zap.String("addr", c.Addr()),
		zap.String("reason", reason),
		zap.Error(err))
	s.hangUp(c, reason)
}

// hangUp sends Disconnect and closes once it is flushed or the linger
// timer runs out.
func (s *Service) hangUp(c *conn, reason string) {
	h := uint64(c.Handle())
	if c.State() < node.Disconnecting {
		c.Disconnect(reason)
	}
	s.unlink(c)
	s.wheel.CancelOwner(h)
	s.wheel.Schedule(clock.Key{Owner: h, Kind: kindLinger}, s.clock.Now().Add(lingerTimeout))
	s.flush(c)
}

// unlink removes c from the peer index so no new work reaches it.
func (s *Service) unlink(c *conn) {
	if cur, ok := s.byPeer[c.PeerID()]; ok && cur == c {
		delete(s.byPeer, c.PeerID())
		s.reassignFetches(c.PeerID(), s.clock.Now())
		s.updateSessionGauges()
	}
}

// closed runs when the transport is gone.
func (s *Service) closed(h network.Handle, cause error, now time.Time) {
	c, ok := s.conns[h]
	if !ok {
		return
	}
	s.unlink(c)
	delete(s.conns, h)
	s.wheel.CancelOwner(uint64(h))
	reason := c.Reason()
	if reason == "" {
		reason = "closed"
		if cause != nil {
			reason = "reset"
		}
	}
	c.Close()

	if c.key != "" {
		outcome := addrbook.Failure
		if c.Reached() && !c.failed {
			outcome = addrbook.Success
		}
		if err := s.book.RecordOutcome(c.key, outcome, now); err != nil {
			s.log.Debug("record outcome", zap.String("addr", c.key), zap.Error(err))
		}
	}
	s.metrics.Disconnect(reason)
	fields := []zap.Field{
		zap.String("peer", c.PeerID().String()),
		zap.String("addr", c.Addr()),
		zap.String("link", c.Link().String()),
		zap.String("reason", reason),
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	s.log.Debug("session closed", fields...)
}

func (s *Service) sortedConns() []*conn {
	out := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle() < out[j].Handle() })
	return out
}

// established lists live sessions with a known peer, by handle.
func (s *Service) established() []*conn {
	out := make([]*conn, 0, len(s.byPeer))
	for _, c := range s.byPeer {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle() < out[j].Handle() })
	return out
}

func (s *Service) updateSessionGauges() {
	in, out := 0, 0
	for _, c := range s.byPeer {
		if c.Link() == node.Inbound {
			in++
		} else {
			out++
		}
	}
	s.metrics.SetSessions(node.Inbound.String(), in)
	s.metrics.SetSessions(node.Outbound.String(), out)
}

// advertised resolves the listen address a peer sent in its hello against
// the address it connected from.
func advertised(listen, remote string) (addrbook.Address, bool) {
	if listen == "" {
		return addrbook.Address{}, false
	}
	host, portStr, err := net.SplitHostPort(listen)
	if err != nil {
		return addrbook.Address{}, false
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return addrbook.Address{}, false
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		rh, _, err := net.SplitHostPort(remote)
		if err != nil {
			return addrbook.Address{}, false
		}
		host = rh
	}
	return addrbook.Address{Host: host, Port: uint16(port)}, true
}
