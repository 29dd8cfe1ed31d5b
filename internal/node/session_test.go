package node

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"gitmesh/internal/crypto"
	"gitmesh/internal/proto"
	"gitmesh/internal/testutil"
)

var t0 = time.Unix(1_700_000_000, 0)

func testConfig(t *testing.T, seed byte) Config {
	t.Helper()
	return Config{Signer: testutil.Keypair(t, seed), ListenAddr: "127.0.0.1:8776"}.withDefaults()
}

// pump moves every pending byte from src into dst.
func pump(t *testing.T, src, dst *Session, now time.Time) []proto.Message {
	t.Helper()
	data := append([]byte(nil), src.Pending()...)
	src.Advance(len(data))
	msgs, err := dst.Receive(data, now)
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	return msgs
}

func establishedPair(t *testing.T) (*Session, *Session) {
	t.Helper()
	a := NewOutbound(1, "b:1", testConfig(t, 1), t0)
	b := NewInbound(2, "a:1", testConfig(t, 2), t0)
	if err := a.Connected(t0); err != nil {
		t.Fatalf("connected failed: %v", err)
	}
	if got := pump(t, a, b, t0); len(got) != 0 || b.State() != Handshaking {
		t.Fatalf("inbound side must wait for the finish, got %v in %s", got, b.State())
	}
	got := pump(t, b, a, t0)
	if len(got) != 1 || got[0].Type() != proto.TypeHandshakeAck {
		t.Fatalf("outbound side should surface the ack, got %v", got)
	}
	got = pump(t, a, b, t0)
	if len(got) != 1 || got[0].Type() != proto.TypeHandshakeFinish {
		t.Fatalf("inbound side should surface the finish, got %v", got)
	}
	return a, b
}

// firstFrame decodes the first queued frame of s without consuming it.
func firstFrame(t *testing.T, s *Session) proto.Message {
	t.Helper()
	m, _, err := proto.Decode(s.Pending())
	if err != nil {
		t.Fatalf("decode pending: %v", err)
	}
	return m
}

func protocolReason(t *testing.T, err error) string {
	t.Helper()
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	return pe.Reason
}

func frame(t *testing.T, m proto.Message) []byte {
	t.Helper()
	b, err := proto.Encode(m)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	return b
}

func TestHandshakeEstablishes(t *testing.T) {
	a, b := establishedPair(t)
	if a.State() != Established || b.State() != Established {
		t.Fatalf("states %s/%s", a.State(), b.State())
	}
	if a.PeerID() != b.cfg.Local || b.PeerID() != a.cfg.Local {
		t.Fatalf("peer ids not learned")
	}
	if b.Remote().ListenAddr != "127.0.0.1:8776" || !a.Reached() || !a.Deadline().IsZero() {
		t.Fatalf("handshake fields not recorded")
	}
}

func TestHandshakeTimeout(t *testing.T) {
	a := NewOutbound(1, "b:1", testConfig(t, 1), t0)
	b := NewInbound(2, "a:1", testConfig(t, 2), t0)
	if err := a.Connected(t0); err != nil {
		t.Fatalf("connected failed: %v", err)
	}
	if err := b.Tick(t0.Add(DefaultHandshakeTimeout - time.Millisecond)); err != nil {
		t.Fatalf("tick before deadline: %v", err)
	}
	late := t0.Add(DefaultHandshakeTimeout)
	if err := b.Tick(late); !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	// A handshake that arrives after the deadline is not processed.
	msgs, err := b.Receive(a.Pending(), late)
	if !errors.Is(err, ErrHandshakeTimeout) || len(msgs) != 0 {
		t.Fatalf("late handshake processed: msgs=%d err=%v", len(msgs), err)
	}
	if b.State() != Handshaking || len(b.Pending()) != 0 {
		t.Fatalf("late handshake changed state to %s", b.State())
	}
}

func TestHandshakeRejects(t *testing.T) {
	cases := []struct {
		name   string
		hello  func(Config) proto.Hello
		reason string
	}{
		{"version", func(c Config) proto.Hello {
			return proto.Hello{Version: c.Version + 1, PeerID: testutil.Keypair(t, 9).PeerID()}
		}, proto.ReasonVersion},
		{"self", func(c Config) proto.Hello {
			return proto.Hello{Version: c.Version, PeerID: c.Local}
		}, proto.ReasonSelf},
	}
	for _, tc := range cases {
		b := NewInbound(2, "a:1", testConfig(t, 2), t0)
		_, err := b.Receive(frame(t, proto.Handshake{Hello: tc.hello(b.cfg)}), t0)
		if got := protocolReason(t, err); got != tc.reason {
			t.Fatalf("%s: reason %q, want %q", tc.name, got, tc.reason)
		}
	}
}

func TestHandshakeRejectsUnprovenPeerID(t *testing.T) {
	victim := testutil.Keypair(t, 1)
	impostor := testutil.Keypair(t, 9)

	b := NewInbound(2, "10.6.6.6:4000", testConfig(t, 2), t0)
	claimed := proto.Hello{Version: proto.ProtocolVersion, PeerID: victim.PeerID(), Timestamp: 1, Nonce: proto.Nonce{6}}
	if msgs, err := b.Receive(frame(t, proto.Handshake{Hello: claimed}), t0); err != nil || len(msgs) != 0 {
		t.Fatalf("handshake: msgs=%v err=%v", msgs, err)
	}
	ack, ok := firstFrame(t, b).(proto.HandshakeAck)
	if !ok || !ack.Verify(claimed.Nonce) {
		t.Fatalf("expected a signed ack, got %#v", firstFrame(t, b))
	}
	fin, err := proto.SignFinish(impostor, claimed, ack.Nonce)
	if err != nil {
		t.Fatalf("sign finish: %v", err)
	}
	_, err = b.Receive(frame(t, fin), t0)
	if protocolReason(t, err) != proto.ReasonAuth || !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected auth failure, got %v", err)
	}
	if b.State() == Established || !b.PeerID().IsZero() {
		t.Fatalf("unproven peer id was adopted")
	}
}

func TestHandshakeRejectsReplayedAck(t *testing.T) {
	a := NewOutbound(1, "b:1", testConfig(t, 1), t0)
	b := NewInbound(2, "a:1", testConfig(t, 2), t0)
	if err := a.Connected(t0); err != nil {
		t.Fatalf("connected failed: %v", err)
	}
	pump(t, a, b, t0)
	captured := frame(t, firstFrame(t, b))

	// The ack covers a's nonce, so a second dial with a fresh nonce rejects it.
	again := NewOutbound(3, "b:1", testConfig(t, 1), t0)
	if err := again.Connected(t0); err != nil {
		t.Fatalf("connected failed: %v", err)
	}
	_, err := again.Receive(captured, t0)
	if protocolReason(t, err) != proto.ReasonAuth {
		t.Fatalf("expected auth failure for replayed ack, got %v", err)
	}
	if again.State() == Established {
		t.Fatalf("replayed ack established the session")
	}
}

func TestOutOfOrderMessages(t *testing.T) {
	b := NewInbound(2, "a:1", testConfig(t, 2), t0)
	if _, err := b.Receive(frame(t, proto.Ping{Nonce: 1}), t0); protocolReason(t, err) != proto.ReasonProtocol {
		t.Fatalf("ping before handshake accepted")
	}

	b = NewInbound(2, "a:1", testConfig(t, 2), t0)
	ack := proto.HandshakeAck{Hello: proto.Hello{Version: proto.ProtocolVersion, PeerID: testutil.Keypair(t, 1).PeerID()}}
	if _, err := b.Receive(frame(t, ack), t0); protocolReason(t, err) != proto.ReasonProtocol {
		t.Fatalf("ack on inbound session accepted")
	}

	a, b := establishedPair(t)
	again := proto.Handshake{Hello: proto.Hello{Version: proto.ProtocolVersion, PeerID: a.cfg.Local}}
	if _, err := b.Receive(frame(t, again), t0); protocolReason(t, err) != proto.ReasonProtocol {
		t.Fatalf("second handshake accepted")
	}
}

func TestKeepalive(t *testing.T) {
	a, b := establishedPair(t)
	if err := a.Tick(t0.Add(DefaultPingInterval - time.Second)); err != nil || len(a.Pending()) != 0 {
		t.Fatalf("ping sent on a busy link")
	}
	at := t0.Add(DefaultPingInterval)
	if err := a.Tick(at); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if len(a.Pending()) == 0 {
		t.Fatalf("expected a ping after an idle interval")
	}
	if err := a.Tick(at.Add(time.Second)); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	pump(t, a, b, at)
	pump(t, b, a, at.Add(40*time.Millisecond))
	if a.RTT() != 40*time.Millisecond {
		t.Fatalf("rtt %s", a.RTT())
	}

	dead := at.Add(40*time.Millisecond + livenessIntervals*DefaultPingInterval)
	if err := a.Tick(dead); !errors.Is(err, ErrLivenessTimeout) {
		t.Fatalf("expected liveness timeout, got %v", err)
	}
}

func TestUnknownFramesTolerated(t *testing.T) {
	_, b := establishedPair(t)
	unknown := make([]byte, proto.HeaderSize+1)
	binary.BigEndian.PutUint16(unknown[0:2], 0x4242)
	binary.BigEndian.PutUint32(unknown[2:6], 1)
	for i := 0; i < DefaultMaxDecodeErrors; i++ {
		if _, err := b.Receive(unknown, t0); err != nil {
			t.Fatalf("unknown frame %d was fatal: %v", i+1, err)
		}
	}
	if _, err := b.Receive(unknown, t0); !errors.Is(err, proto.ErrUnknownType) {
		t.Fatalf("expected the threshold to trip, got %v", err)
	}
}

func TestMalformedFrameIsFatal(t *testing.T) {
	_, b := establishedPair(t)
	bad := make([]byte, proto.HeaderSize+3)
	binary.BigEndian.PutUint16(bad[0:2], uint16(proto.TypePing))
	binary.BigEndian.PutUint32(bad[2:6], 3)
	if _, err := b.Receive(bad, t0); !errors.Is(err, proto.ErrMalformed) {
		t.Fatalf("expected malformed, got %v", err)
	}
}

func TestOutboundQueueCap(t *testing.T) {
	cfg := testConfig(t, 1)
	cfg.MaxOutbound = 64
	a := NewOutbound(1, "b:1", cfg, t0)
	var err error
	for i := 0; i < 10 && err == nil; i++ {
		err = a.enqueue(proto.Ping{Nonce: uint64(i)})
	}
	if !errors.Is(err, ErrOutboxFull) || protocolReason(t, err) != proto.ReasonOverloaded {
		t.Fatalf("expected overflow, got %v", err)
	}
	if len(a.Pending()) > 64 {
		t.Fatalf("queue grew past cap: %d", len(a.Pending()))
	}
	a.Advance(len(a.Pending()))
	if len(a.Pending()) != 0 {
		t.Fatalf("advance left %d bytes", len(a.Pending()))
	}
}

func TestDisconnectStopsProcessing(t *testing.T) {
	_, b := establishedPair(t)
	data := append(frame(t, proto.Disconnect{Reason: "bye"}), frame(t, proto.Ping{Nonce: 3})...)
	msgs, err := b.Receive(data, t0)
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if len(msgs) != 1 || b.State() != Disconnecting || b.Reason() != "bye" {
		t.Fatalf("msgs=%d state=%s reason=%q", len(msgs), b.State(), b.Reason())
	}
	if len(b.Pending()) != 0 {
		t.Fatalf("answered a ping after disconnect")
	}
	if err := b.Send(proto.Ping{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("send after disconnect: %v", err)
	}
}

func TestSubscribeAndKnown(t *testing.T) {
	a, b := establishedPair(t)
	repo := testutil.Repo(1)
	if b.Wants(repo) {
		t.Fatalf("no subscription yet")
	}
	if err := a.Send(proto.Subscribe{Filter: proto.NewFilter(repo)}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	entry := testutil.SignedEntry(t, testutil.Keypair(t, 1), repo, "refs/heads/main", testutil.Digest(1), 1)
	if err := a.Send(proto.InventoryAnnounce{Entries: []proto.InventoryEntry{entry}}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if got := pump(t, a, b, t0); len(got) != 2 {
		t.Fatalf("expected subscribe and announce, got %d", len(got))
	}
	if !b.Wants(repo) || b.Wants(testutil.Repo(2)) {
		t.Fatalf("filter not applied")
	}
	if !b.Knows(entry.ID()) {
		t.Fatalf("entries from the peer must count as known")
	}
}

func TestPreferIsSymmetric(t *testing.T) {
	lo, hi := testutil.Keypair(t, 1).PeerID(), testutil.Keypair(t, 2).PeerID()
	if hi.Less(lo) {
		lo, hi = hi, lo
	}
	mk := func(handle uint64, link Link, remote crypto.PeerID) *Session {
		s := &Session{handle: handle, link: link, peer: remote, state: Established}
		return s
	}
	for _, handles := range [][2]uint64{{1, 2}, {2, 1}} {
		// On the lower node the link it dialed wins.
		dialed, accepted := mk(handles[0], Outbound, hi), mk(handles[1], Inbound, hi)
		if !Prefer(lo, dialed, accepted) || Prefer(lo, accepted, dialed) {
			t.Fatalf("lower node must keep its outbound link")
		}
		// On the higher node the same link is inbound and also wins.
		accepted, dialed = mk(handles[0], Inbound, lo), mk(handles[1], Outbound, lo)
		if !Prefer(hi, accepted, dialed) || Prefer(hi, dialed, accepted) {
			t.Fatalf("higher node must keep its inbound link")
		}
	}
	older, newer := mk(3, Inbound, hi), mk(7, Inbound, hi)
	if !Prefer(lo, older, newer) || Prefer(lo, newer, older) {
		t.Fatalf("same-direction tie must keep the older link")
	}
}
