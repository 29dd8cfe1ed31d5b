package node

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"gitmesh/internal/crypto"
	"gitmesh/internal/inventory"
	"gitmesh/internal/proto"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultPingInterval     = 30 * time.Second
	DefaultMaxDecodeErrors  = 3
	DefaultMaxOutbound      = 4 << 20

	// A link with no inbound frame for this many ping intervals is dead.
	livenessIntervals = 3
)

var (
	ErrOutboxFull       = errors.New("outbound queue full")
	ErrClosed           = errors.New("session closed")
	ErrHandshakeTimeout = errors.New("handshake timeout")
	ErrLivenessTimeout  = errors.New("no traffic from peer")
	ErrUnexpected       = errors.New("unexpected message")
	ErrBadSignature     = errors.New("handshake signature does not verify")
	ErrNoSigner         = errors.New("session config has no signer")
)

type Link uint8

const (
	Inbound Link = iota
	Outbound
)

func (l Link) String() string {
	if l == Outbound {
		return "outbound"
	}
	return "inbound"
}

type State uint8

const (
	Connecting State = iota
	Handshaking
	Established
	Disconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Established:
		return "established"
	case Disconnecting:
		return "disconnecting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// ProtocolError is fatal to the session only. Reason is sent to the peer.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return e.Reason + ": " + e.Err.Error()
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func violation(format string, args ...any) error {
	return &ProtocolError{Reason: proto.ReasonProtocol, Err: fmt.Errorf(format, args...)}
}

// Config is shared by every session of a node. Signer proves Local to
// peers during the handshake.
type Config struct {
	Local            crypto.PeerID
	Signer           crypto.Signer
	Version          uint32
	Capabilities     []string
	ListenAddr       string
	GitURL           string
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	MaxDecodeErrors  int
	MaxOutbound      int
	KnownCap         int
}

func (c Config) withDefaults() Config {
	if c.Signer != nil {
		c.Local = c.Signer.PeerID()
	}
	if c.Version == 0 {
		c.Version = proto.ProtocolVersion
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.MaxDecodeErrors <= 0 {
		c.MaxDecodeErrors = DefaultMaxDecodeErrors
	}
	if c.MaxOutbound <= 0 {
		c.MaxOutbound = DefaultMaxOutbound
	}
	return c
}

// Session is the protocol state of one connection. It does no I/O: bytes go
// in through Receive, frames come out through Pending and Advance. All
// methods must be called from the goroutine that owns the session.
type Session struct {
	cfg    Config
	handle uint64
	link   Link
	addr   string
	state  State

	peer    crypto.PeerID
	remote  proto.Hello
	nonce   proto.Nonce
	sent    proto.Hello
	// acked is set on the accepting side once the Handshake is answered.
	acked   bool
	reached bool
	reason  string

	created     time.Time
	established time.Time
	lastRecv    time.Time
	deadline    time.Time

	dec          *proto.Decoder
	out          []byte
	decodeErrors int

	filter    proto.Filter
	subscribe proto.Subscribe
	known     *inventory.KnownSet

	pingNonce uint64
	pingSent  time.Time
	rtt       time.Duration
}

func newSession(handle uint64, link Link, addr string, cfg Config, now time.Time) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		cfg:      cfg,
		handle:   handle,
		link:     link,
		addr:     addr,
		created:  now,
		lastRecv: now,
		deadline: now.Add(cfg.HandshakeTimeout),
		dec:      proto.NewDecoder(),
		known:    inventory.NewKnownSet(cfg.KnownCap),
		nonce:    sessionNonce(),
	}
}

func sessionNonce() proto.Nonce {
	var n proto.Nonce
	_, _ = rand.Read(n[:])
	return n
}

// NewOutbound starts a dialed session. The handshake deadline covers the
// transport connect as well.
func NewOutbound(handle uint64, addr string, cfg Config, now time.Time) *Session {
	s := newSession(handle, Outbound, addr, cfg, now)
	s.state = Connecting
	return s
}

// NewInbound starts an accepted session, which waits for the dialer's
// Handshake.
func NewInbound(handle uint64, addr string, cfg Config, now time.Time) *Session {
	s := newSession(handle, Inbound, addr, cfg, now)
	s.state = Handshaking
	return s
}

func (s *Session) hello(now time.Time) proto.Hello {
	return proto.Hello{
		Version:      s.cfg.Version,
		PeerID:       s.cfg.Local,
		Capabilities: s.cfg.Capabilities,
		ListenAddr:   s.cfg.ListenAddr,
		GitURL:       s.cfg.GitURL,
		Timestamp:    uint64(now.UnixMilli()),
		Nonce:        s.nonce,
	}
}

// Connected moves a dialed session to Handshaking and queues the Handshake.
func (s *Session) Connected(now time.Time) error {
	if s.link != Outbound || s.state != Connecting {
		return fmt.Errorf("connected in state %s: %w", s.state, ErrUnexpected)
	}
	if s.cfg.Signer == nil {
		return ErrNoSigner
	}
	s.state = Handshaking
	s.lastRecv = now
	s.sent = s.hello(now)
	return s.Send(proto.Handshake{Hello: s.sent})
}

// Receive feeds transport bytes and returns the messages the caller has to
// act on, in arrival order. Handshake and keepalive traffic is answered
// here. A non-nil error is fatal to the session; messages decoded before it
// are still returned.
func (s *Session) Receive(data []byte, now time.Time) ([]proto.Message, error) {
	if s.state >= Disconnecting {
		return nil, nil
	}
	if s.state < Established && !now.Before(s.deadline) {
		return nil, &ProtocolError{Reason: proto.ReasonTimeout, Err: ErrHandshakeTimeout}
	}
	s.dec.Feed(data)
	var out []proto.Message
	for s.state < Disconnecting {
		m, err := s.dec.Next()
		switch {
		case err == nil:
		case errors.Is(err, proto.ErrNeedMore):
			return out, nil
		case errors.Is(err, proto.ErrUnknownType):
			s.lastRecv = now
			s.decodeErrors++
			if s.decodeErrors > s.cfg.MaxDecodeErrors {
				return out, &ProtocolError{Reason: proto.ReasonProtocol, Err: err}
			}
			continue
		default:
			return out, &ProtocolError{Reason: proto.ReasonProtocol, Err: err}
		}
		s.lastRecv = now
		deliver, err := s.handleMessage(m, now)
		if err != nil {
			return out, err
		}
		if deliver {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Session) handleMessage(m proto.Message, now time.Time) (bool, error) {
	switch m := m.(type) {
	case proto.Handshake:
		if s.link != Inbound || s.state != Handshaking || s.acked {
			return false, violation("handshake on %s session in state %s", s.link, s.state)
		}
		if err := s.checkHello(m.Hello); err != nil {
			return false, err
		}
		if s.cfg.Signer == nil {
			return false, ErrNoSigner
		}
		s.remote = m.Hello
		s.sent = s.hello(now)
		ack, err := proto.SignAck(s.cfg.Signer, s.sent, m.Nonce)
		if err != nil {
			return false, err
		}
		s.acked = true
		return false, s.Send(ack)
	case proto.HandshakeAck:
		if s.link != Outbound || s.state != Handshaking {
			return false, violation("handshake ack on %s session in state %s", s.link, s.state)
		}
		if err := s.checkHello(m.Hello); err != nil {
			return false, err
		}
		if !m.Verify(s.nonce) {
			return false, &ProtocolError{Reason: proto.ReasonAuth, Err: ErrBadSignature}
		}
		fin, err := proto.SignFinish(s.cfg.Signer, s.sent, m.Nonce)
		if err != nil {
			return false, err
		}
		if err := s.Send(fin); err != nil {
			return false, err
		}
		s.establish(m.Hello, now)
		return true, nil
	case proto.HandshakeFinish:
		if s.link != Inbound || s.state != Handshaking || !s.acked {
			return false, violation("handshake finish on %s session in state %s", s.link, s.state)
		}
		if !m.Verify(s.remote, s.nonce) {
			return false, &ProtocolError{Reason: proto.ReasonAuth, Err: ErrBadSignature}
		}
		s.establish(s.remote, now)
		return true, nil
	case proto.Disconnect:
		s.reason = m.Reason
		s.state = Disconnecting
		return true, nil
	}

	if s.state != Established {
		return false, violation("%s before handshake", m.Type())
	}
	switch m := m.(type) {
	case proto.Ping:
		return false, s.Send(proto.Pong{Nonce: m.Nonce})
	case proto.Pong:
		if s.pingNonce != 0 && m.Nonce == s.pingNonce {
			s.rtt = now.Sub(s.pingSent)
			s.pingNonce = 0
		}
		return false, nil
	case proto.Subscribe:
		s.filter = m.Filter
		s.subscribe = m
		return true, nil
	case proto.InventoryAnnounce:
		for i := range m.Entries {
			s.known.Add(m.Entries[i].ID())
		}
		return true, nil
	case proto.FetchRequest, proto.FetchComplete:
		return true, nil
	default:
		return false, violation("unhandled %s", m.Type())
	}
}

func (s *Session) checkHello(h proto.Hello) error {
	if h.Version != s.cfg.Version {
		return &ProtocolError{
			Reason: proto.ReasonVersion,
			Err:    fmt.Errorf("peer speaks %d, want %d", h.Version, s.cfg.Version),
		}
	}
	if h.PeerID == s.cfg.Local {
		return &ProtocolError{Reason: proto.ReasonSelf}
	}
	if h.Nonce.IsZero() || h.Nonce == s.nonce {
		return violation("bad handshake nonce")
	}
	return nil
}

func (s *Session) establish(h proto.Hello, now time.Time) {
	s.peer = h.PeerID
	s.remote = h
	s.state = Established
	s.reached = true
	s.established = now
	s.deadline = time.Time{}
}

// Tick checks the handshake deadline and keepalive. A returned error is
// fatal to the session.
func (s *Session) Tick(now time.Time) error {
	switch s.state {
	case Connecting, Handshaking:
		if !now.Before(s.deadline) {
			return &ProtocolError{Reason: proto.ReasonTimeout, Err: ErrHandshakeTimeout}
		}
	case Established:
		idle := now.Sub(s.lastRecv)
		if idle >= livenessIntervals*s.cfg.PingInterval {
			return &ProtocolError{Reason: proto.ReasonTimeout, Err: ErrLivenessTimeout}
		}
		if idle >= s.cfg.PingInterval && (s.pingNonce == 0 || now.Sub(s.pingSent) >= s.cfg.PingInterval) {
			s.pingNonce = newNonce()
			s.pingSent = now
			return s.Send(proto.Ping{Nonce: s.pingNonce})
		}
	}
	return nil
}

func newNonce() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	if n := binary.BigEndian.Uint64(b[:]); n != 0 {
		return n
	}
	return 1
}

// Send queues m. Exceeding the outbound cap makes the session unresponsive
// and the caller must close it.
func (s *Session) Send(m proto.Message) error {
	if s.state >= Disconnecting {
		return ErrClosed
	}
	return s.enqueue(m)
}

func (s *Session) enqueue(m proto.Message) error {
	var err error
	n := len(s.out)
	s.out, err = proto.AppendFrame(s.out, m)
	if err != nil {
		s.out = s.out[:n]
		return err
	}
	if len(s.out) > s.cfg.MaxOutbound {
		s.out = s.out[:n]
		return &ProtocolError{Reason: proto.ReasonOverloaded, Err: ErrOutboxFull}
	}
	return nil
}

// Pending returns the queued bytes not yet accepted by the transport.
func (s *Session) Pending() []byte { return s.out }

// Advance drops n bytes the transport accepted.
func (s *Session) Advance(n int) {
	if n >= len(s.out) {
		s.out = s.out[:0]
		return
	}
	s.out = append(s.out[:0], s.out[n:]...)
}

// Disconnect starts a graceful teardown: the Disconnect frame is queued
// behind pending output and nothing more is accepted or processed.
func (s *Session) Disconnect(reason string) {
	if s.state >= Disconnecting {
		return
	}
	if s.state >= Handshaking {
		_ = s.enqueue(proto.Disconnect{Reason: reason})
	}
	s.reason = reason
	s.state = Disconnecting
}

// Close is terminal and drops every buffer.
func (s *Session) Close() {
	s.state = Closed
	s.out = nil
	s.dec = proto.NewDecoder()
}

// MarkKnown records that the peer has the entry, so it is not sent again.
func (s *Session) MarkKnown(id crypto.Digest) { s.known.Add(id) }

func (s *Session) Knows(id crypto.Digest) bool { return s.known.Has(id) }

// Wants reports whether the peer subscribed to repo.
func (s *Session) Wants(repo crypto.RepoID) bool {
	return s.state == Established && s.filter.Matches(repo)
}

func (s *Session) PeerID() crypto.PeerID { return s.peer }
func (s *Session) Handle() uint64 { return s.handle }
func (s *Session) Link() Link { return s.link }
func (s *Session) Addr() string { return s.addr }
func (s *Session) State() State { return s.state }
func (s *Session) Remote() proto.Hello { return s.remote }
func (s *Session) Version() uint32 { return s.remote.Version }
func (s *Session) Reason() string { return s.reason }
func (s *Session) Filter() proto.Filter { return s.filter }
func (s *Session) RTT() time.Duration { return s.rtt }
func (s *Session) LastRecv() time.Time { return s.lastRecv }
func (s *Session) Created() time.Time { return s.created }

// Subscription is the last Subscribe the peer sent.
func (s *Session) Subscription() proto.Subscribe { return s.subscribe }

// Deadline is when the handshake times out; zero once established.
func (s *Session) Deadline() time.Time { return s.deadline }

// Reached reports whether the session was ever established.
func (s *Session) Reached() bool { return s.reached }

// EstablishedAt is when the handshake completed.
func (s *Session) EstablishedAt() time.Time { return s.established }

// Prefer reports whether a should survive over b, two established sessions
// with the same peer. The node with the smaller id keeps the link it dialed
// and the other node keeps the link it accepted, which is the same link;
// between links in the same direction the older one stays.
func Prefer(local crypto.PeerID, a, b *Session) bool {
	if a.link != b.link {
		want := Inbound
		if local.Less(a.peer) {
			want = Outbound
		}
		return a.link == want
	}
	return a.handle < b.handle
}
