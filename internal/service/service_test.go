package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"gitmesh/internal/addrbook"
	"gitmesh/internal/crypto"
	"gitmesh/internal/inventory"
	"gitmesh/internal/node"
	"gitmesh/internal/proto"
	"gitmesh/internal/testutil"
)

func addr(i int) string { return fmt.Sprintf("10.0.0.%d:8776", i) }

// claim signs an entry as n without storing the object, so fetches from n
// fail.
func (n *testNode) claim(t *testing.T, repo crypto.RepoID, ref string, target crypto.Digest) {
	t.Helper()
	r, err := n.svc.engine.Observe(n.key, repo, ref, target, n.svc.clock.Now())
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	n.svc.handleResults(crypto.PeerID{}, []inventory.Result{r}, n.svc.clock.Now())
}

func connected(t *testing.T, a, b *testNode) {
	t.Helper()
	ab, ba := a.session(b.id), b.session(a.id)
	if ab == nil || ba == nil {
		t.Fatalf("%s and %s are not linked", a.addr, b.addr)
	}
	if ab.State() != node.Established || ba.State() != node.Established {
		t.Fatalf("link states %s/%s", ab.State(), ba.State())
	}
}

func TestHandshakeEstablishes(t *testing.T) {
	c := newCluster(t)
	a := c.add(1, addr(1), nil)
	b := c.add(2, addr(2), nil)
	a.dial(t, b)
	c.pump()

	connected(t, a, b)
	if a.session(b.id).Link() != node.Outbound || b.session(a.id).Link() != node.Inbound {
		t.Fatalf("unexpected link directions")
	}
	learned, ok := b.book.Get(a.addr)
	if !ok || learned.Peer != a.id || learned.Source != addrbook.SourceInbound {
		t.Fatalf("inbound listen address not learned: %+v ok=%v", learned, ok)
	}
	if !b.session(a.id).Filter().Matches(testutil.Repo(1)) {
		t.Fatalf("track-all node should subscribe to everything")
	}
}

func TestDuplicateSessionTieBreak(t *testing.T) {
	orders := map[string]func(c *cluster, a, b *testNode){
		"simultaneous": func(c *cluster, a, b *testNode) {
			a.dial(t, b)
			b.dial(t, a)
			c.pump()
		},
		"a-first": func(c *cluster, a, b *testNode) {
			a.dial(t, b)
			c.pump()
			b.dial(t, a)
			c.pump()
		},
		"b-first": func(c *cluster, a, b *testNode) {
			b.dial(t, a)
			c.pump()
			a.dial(t, b)
			c.pump()
		},
	}
	for name, run := range orders {
		t.Run(name, func(t *testing.T) {
			c := newCluster(t)
			a := c.add(1, addr(1), nil)
			b := c.add(2, addr(2), nil)
			run(c, a, b)

			connected(t, a, b)
			if len(a.net.conns) != 1 || len(b.net.conns) != 1 {
				t.Fatalf("expected one link each, got %d/%d", len(a.net.conns), len(b.net.conns))
			}
			ab := a.session(b.id)
			if a.net.conns[networkHandle(ab)].remoteHandle != networkHandle(b.session(a.id)) {
				t.Fatalf("nodes kept different links")
			}
			low, high := a, b
			if b.id.Less(a.id) {
				low, high = b, a
			}
			if low.session(high.id).Link() != node.Outbound {
				t.Fatalf("surviving link must be the one the smaller id dialed")
			}
		})
	}
}

func TestRelayTermination(t *testing.T) {
	c := newCluster(t)
	var nodes []*testNode
	for i := 1; i <= 5; i++ {
		nodes = append(nodes, c.add(byte(i), addr(i), nil))
	}
	for i := range nodes {
		for j := i + 1; j < len(nodes); j++ {
			nodes[i].dial(t, nodes[j])
		}
	}
	c.pump()

	repo := testutil.Repo(7)
	var ids []crypto.Digest
	for i, ref := range []string{"refs/heads/main", "refs/heads/dev", "refs/tags/v1"} {
		r := nodes[0].announce(t, repo, ref, testutil.Digest(byte(i+1)))
		ids = append(ids, r.ID)
	}
	c.pump()

	for _, n := range nodes {
		for i, ref := range []string{"refs/heads/main", "refs/heads/dev", "refs/tags/v1"} {
			en, ok := n.svc.engine.Get(repo, ref)
			if !ok || en.ID() != ids[i] {
				t.Fatalf("%s missing %s", n.addr, ref)
			}
		}
		for h, counts := range n.sentEntries() {
			for id, k := range counts {
				if k > 1 {
					t.Fatalf("%s sent %s %d times on link %d", n.addr, id.String()[:12], k, h)
				}
			}
		}
	}
	// The signer never gets its own entries back.
	for _, n := range nodes[1:] {
		for _, cn := range n.net.conns {
			if cn.remote != nodes[0].net {
				continue
			}
			for _, m := range cn.sent {
				if a, ok := m.(proto.InventoryAnnounce); ok && len(a.Entries) > 0 {
					t.Fatalf("%s relayed entries back to their signer", n.addr)
				}
			}
		}
	}
}

func TestFetchOnAccept(t *testing.T) {
	c := newCluster(t)
	a := c.add(1, addr(1), nil)
	b := c.add(2, addr(2), nil)
	a.dial(t, b)
	c.pump()

	repo, target := testutil.Repo(3), testutil.Digest(3)
	a.announce(t, repo, "refs/heads/main", target)
	c.pump()

	reqs := b.store.Requests()
	if len(reqs) != 1 || reqs[0].Peer != a.id || reqs[0].Repo != repo {
		t.Fatalf("unexpected fetch requests %+v", reqs)
	}
	if b.svc.engine.Fetches().Active() != 1 {
		t.Fatalf("expected one active fetch")
	}
	c.completeAll()

	if !b.store.HasObject(repo, target) {
		t.Fatalf("object not replicated")
	}
	if b.svc.engine.Fetches().Len() != 0 {
		t.Fatalf("fetch not forgotten after success")
	}
	en, ok := b.svc.engine.Get(repo, "refs/heads/main")
	if !ok || en.Signer != b.id || en.Target != target {
		t.Fatalf("completed fetch should produce a local claim, got %+v", en)
	}
	if back, ok := a.svc.engine.Get(repo, "refs/heads/main"); !ok || back.Signer != b.id {
		t.Fatalf("local claim was not gossiped back")
	}
	if len(a.store.Requests()) != 0 {
		t.Fatalf("provider fetched an object it already had")
	}
	var okSent bool
	for _, m := range b.net.conns[networkHandle(b.session(a.id))].sent {
		if fc, ok := m.(proto.FetchComplete); ok && fc.Status == proto.FetchOK && fc.Repo == repo {
			okSent = true
		}
	}
	if !okSent {
		t.Fatalf("provider was not told the fetch completed")
	}
}

func TestNoDoubleFetchAcrossProviders(t *testing.T) {
	c := newCluster(t)
	d := c.add(9, addr(9), nil)
	repo, target := testutil.Repo(4), testutil.Digest(4)
	var providers []*testNode
	for i := 1; i <= 3; i++ {
		p := c.add(byte(i), addr(i), nil)
		p.announce(t, repo, fmt.Sprintf("refs/heads/p%d", i), target)
		providers = append(providers, p)
	}
	for _, p := range providers {
		d.dial(t, p)
	}
	c.pump()

	if reqs := d.store.Requests(); len(reqs) != 1 {
		t.Fatalf("expected a single transfer, got %d", len(reqs))
	}
	f, ok := d.svc.engine.Fetches().Get(inventory.FetchKey{Repo: repo, Target: target})
	if !ok || len(f.Providers) != 3 {
		t.Fatalf("fetch should know all providers: %+v", f)
	}
	c.completeAll()
	if !d.store.HasObject(repo, target) || d.svc.engine.Fetches().Len() != 0 {
		t.Fatalf("fetch did not finish")
	}
}

func TestFetchFailureTriesNextProvider(t *testing.T) {
	c := newCluster(t)
	d := c.add(9, addr(9), nil)
	bad := c.add(1, addr(1), nil)
	good := c.add(2, addr(2), nil)
	repo, target := testutil.Repo(5), testutil.Digest(5)
	// bad carries the repo, so it accepts the request, but the transfer comes
	// back without the object.
	bad.store.Put(repo, "refs/heads/old", testutil.Digest(50))
	bad.claim(t, repo, "refs/heads/main", target)
	good.announce(t, repo, "refs/heads/release", target)

	d.dial(t, bad)
	c.pump()
	d.dial(t, good)
	c.pump()
	if reqs := d.store.Requests(); len(reqs) != 1 || reqs[0].Peer != bad.id {
		t.Fatalf("expected first attempt at the first provider, got %+v", reqs)
	}

	c.completeAll()
	reqs := d.store.Requests()
	if len(reqs) != 2 || reqs[1].Peer != good.id {
		t.Fatalf("expected a retry at the next provider, got %+v", reqs)
	}
	if !d.store.HasObject(repo, target) {
		t.Fatalf("object not replicated from second provider")
	}
	var failed bool
	for _, m := range d.net.conns[networkHandle(d.session(bad.id))].sent {
		if fc, ok := m.(proto.FetchComplete); ok && fc.Status == proto.FetchFailed {
			failed = true
		}
	}
	if !failed {
		t.Fatalf("failing provider was not told")
	}
}

func TestProviderRefusalMovesOn(t *testing.T) {
	cases := []struct {
		name   string
		status proto.FetchStatus
		setup  func(n *testNode, repo crypto.RepoID)
	}{
		{"not found", proto.FetchNotFound, func(*testNode, crypto.RepoID) {}},
		{"denied", proto.FetchDenied, func(n *testNode, repo crypto.RepoID) {
			n.store.Put(repo, "refs/heads/old", testutil.Digest(50))
			n.svc.engine.Policy().Untrack(repo)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newCluster(t)
			d := c.add(9, addr(9), nil)
			bad := c.add(1, addr(1), nil)
			good := c.add(2, addr(2), nil)
			repo, target := testutil.Repo(7), testutil.Digest(7)
			bad.claim(t, repo, "refs/heads/main", target)
			tc.setup(bad, repo)

			d.dial(t, bad)
			c.pump()
			var refused bool
			for _, m := range bad.net.conns[networkHandle(bad.session(d.id))].sent {
				if fc, ok := m.(proto.FetchComplete); ok && fc.Repo == repo && fc.Status == tc.status {
					refused = true
				}
			}
			if !refused {
				t.Fatalf("provider did not refuse with %s", tc.status)
			}
			if reqs := d.store.Requests(); len(reqs) != 1 || reqs[0].Peer != bad.id {
				t.Fatalf("expected one attempt at the refusing provider, got %+v", reqs)
			}
			if n := d.svc.engine.Fetches().Len(); n != 0 {
				t.Fatalf("fetch with no other provider should be dropped, %d left", n)
			}

			// A later provider brings the fetch back.
			good.announce(t, repo, "refs/heads/release", target)
			d.dial(t, good)
			c.pump()
			c.completeAll()
			reqs := d.store.Requests()
			if len(reqs) != 2 || reqs[1].Peer != good.id {
				t.Fatalf("expected a fresh attempt at the new provider, got %+v", reqs)
			}
			if !d.store.HasObject(repo, target) {
				t.Fatalf("object not replicated after refusal")
			}
		})
	}
}

func TestFetchReassignedOnDisconnect(t *testing.T) {
	c := newCluster(t)
	d := c.add(9, addr(9), nil)
	a := c.add(1, addr(1), nil)
	b := c.add(2, addr(2), nil)
	repo, target := testutil.Repo(6), testutil.Digest(6)
	a.announce(t, repo, "refs/heads/a", target)
	b.announce(t, repo, "refs/heads/b", target)
	d.dial(t, a)
	c.pump()
	d.dial(t, b)
	c.pump()

	f, ok := d.svc.engine.Fetches().Get(inventory.FetchKey{Repo: repo, Target: target})
	if !ok || !f.Active || f.Assigned != a.id {
		t.Fatalf("expected fetch assigned to first provider: %+v", f)
	}
	id := f.ID
	_ = a.net.Close(networkHandle(a.session(d.id)))
	c.pump()

	if !f.Active || f.Assigned != b.id || f.ID != id {
		t.Fatalf("attempt should move to the other provider: %+v", f)
	}
	if len(d.store.Requests()) != 1 || len(d.store.Pending()) != 1 {
		t.Fatalf("reassignment must not restart the transfer")
	}
	c.completeAll()
	if !d.store.HasObject(repo, target) {
		t.Fatalf("reassigned transfer did not land")
	}
}

func TestFetchCancelledWithoutProvider(t *testing.T) {
	c := newCluster(t)
	d := c.add(9, addr(9), nil)
	a := c.add(1, addr(1), nil)
	repo, target := testutil.Repo(8), testutil.Digest(8)
	a.announce(t, repo, "refs/heads/main", target)
	d.dial(t, a)
	c.pump()

	fetches := d.svc.engine.Fetches()
	if fetches.Active() != 1 {
		t.Fatalf("expected a running fetch")
	}
	_ = a.net.Close(networkHandle(a.session(d.id)))
	c.pump()
	if fetches.Active() != 0 || fetches.Len() != 1 {
		t.Fatalf("fetch should be idle, active=%d len=%d", fetches.Active(), fetches.Len())
	}
	c.completeAll()
	if d.store.HasObject(repo, target) {
		t.Fatalf("cancelled transfer must not count")
	}

	c.clock.Advance(addrbook.DefaultBackoffFloor)
	d.dial(t, a)
	c.pump()
	if fetches.Active() != 1 || len(d.store.Requests()) != 2 {
		t.Fatalf("reconnecting provider should resume the fetch")
	}
	c.completeAll()
	if !d.store.HasObject(repo, target) {
		t.Fatalf("resumed transfer did not land")
	}
}

func TestImpostorCannotDisplaceSession(t *testing.T) {
	c := newCluster(t)
	hi := c.add(1, addr(1), nil)
	lo := c.add(2, addr(2), nil)
	if hi.id.Less(lo.id) {
		hi, lo = lo, hi
	}
	// hi keeps inbound links from lo, so a forged inbound link would win
	// the duplicate tie-break if it ever established.
	hi.dial(t, lo)
	c.pump()
	connected(t, hi, lo)
	genuine := hi.session(lo.id).Handle()

	rogue := c.net.reactor(addr(66))
	h := rogue.Dial(hi.addr)
	c.pump()
	claimed := proto.Hello{Version: proto.ProtocolVersion, PeerID: lo.id, Timestamp: 1, Nonce: proto.Nonce{6}}
	hs, err := proto.Encode(proto.Handshake{Hello: claimed})
	if err != nil {
		t.Fatalf("encode handshake: %v", err)
	}
	if _, err := rogue.Write(h, hs); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	c.pump()

	rh := rogue.conns[h].remoteHandle
	var ack proto.HandshakeAck
	for _, m := range hi.net.conns[rh].sent {
		if a, ok := m.(proto.HandshakeAck); ok {
			ack = a
		}
	}
	if ack.Nonce.IsZero() {
		t.Fatalf("expected an ack to the claimed handshake")
	}
	fin, err := proto.SignFinish(testutil.Keypair(t, 66), claimed, ack.Nonce)
	if err != nil {
		t.Fatalf("sign finish: %v", err)
	}
	frame, err := proto.Encode(fin)
	if err != nil {
		t.Fatalf("encode finish: %v", err)
	}
	if _, err := rogue.Write(h, frame); err != nil {
		t.Fatalf("write finish: %v", err)
	}
	c.pump()

	kept := hi.session(lo.id)
	if kept == nil || kept.Handle() != genuine || kept.State() != node.Established {
		t.Fatalf("genuine session displaced: %+v", kept)
	}
	if rc, ok := hi.svc.conns[rh]; ok && rc.State() < node.Disconnecting {
		t.Fatalf("forged session still open in state %s", rc.State())
	}
}

func TestHandshakeTimeout(t *testing.T) {
	c := newCluster(t)
	a := c.add(1, addr(1), nil)
	silent := c.net.reactor(addr(2))
	a.dial(t, &testNode{addr: silent.addr})
	c.pump()
	if len(a.svc.conns) != 1 {
		t.Fatalf("expected a pending session")
	}

	c.advance(node.DefaultHandshakeTimeout - time.Millisecond)
	if len(a.svc.conns) != 1 {
		t.Fatalf("session closed before its deadline")
	}
	c.advance(time.Millisecond)
	if len(a.svc.conns) != 0 {
		t.Fatalf("session outlived its handshake deadline")
	}
	entry, _ := a.book.Get(addr(2))
	if entry.Failures != 1 {
		t.Fatalf("timeout should count as a failure, got %d", entry.Failures)
	}
}

func TestLivenessTimeout(t *testing.T) {
	c := newCluster(t)
	a := c.add(1, addr(1), nil)
	b := c.add(2, addr(2), nil)
	a.dial(t, b)
	c.pump()

	// Both sides answer pings, so the link stays up.
	for i := 0; i < 8; i++ {
		c.advance(node.DefaultPingInterval / 2)
	}
	connected(t, a, b)

	c.nodes = []*testNode{a}
	for i := 0; i < 7; i++ {
		c.advance(node.DefaultPingInterval / 2)
	}
	if a.session(b.id) != nil {
		t.Fatalf("silent peer was not dropped")
	}
}

func TestPenaltyDisconnects(t *testing.T) {
	c := newCluster(t)
	a := c.add(1, addr(1), nil)
	b := c.add(2, addr(2), nil)
	a.dial(t, b)
	c.pump()

	now := uint64(c.clock.Now().UnixMilli())
	var bad []proto.InventoryEntry
	for i := 0; i < DefaultMaxPenalty; i++ {
		en := testutil.SignedEntry(t, b.key, testutil.Repo(9), fmt.Sprintf("refs/heads/b%d", i), testutil.Digest(9), now)
		en.Target = testutil.Digest(10)
		bad = append(bad, en)
	}
	b.svc.send(b.session(a.id), proto.InventoryAnnounce{Entries: bad})
	c.pump()

	if a.session(b.id) != nil {
		t.Fatalf("misbehaving peer still connected")
	}
	if a.svc.engine.Len() != 0 {
		t.Fatalf("forged entries stored")
	}
	entry, _ := a.book.Get(b.addr)
	if entry.Failures != 1 {
		t.Fatalf("misbehaviour should count as a failure, got %d", entry.Failures)
	}
}

func TestOutboundTopUpAndBackoff(t *testing.T) {
	c := newCluster(t)
	b := c.add(2, addr(2), nil)
	dead := addr(50)
	a := c.add(1, addr(1), func(o *Options) {
		o.Config.TargetOutbound = 2
		o.Config.Seeds = []string{b.addr, dead}
	})
	a.svc.topUp(c.clock.Now())
	c.pump()
	connected(t, a, b)

	floor := addrbook.DefaultBackoffFloor
	wait := floor
	for failures := 1; failures <= 3; failures++ {
		entry, _ := a.book.Get(dead)
		if entry.Failures != failures {
			t.Fatalf("expected %d failures, got %d", failures, entry.Failures)
		}
		if want := c.clock.Now().Add(wait); !entry.BackoffUntil.Equal(want) {
			t.Fatalf("backoff until %v, want %v", entry.BackoffUntil, want)
		}
		dials := len(a.net.dials)
		c.clock.Advance(wait - time.Millisecond)
		a.svc.topUp(c.clock.Now())
		c.pump()
		if len(a.net.dials) != dials {
			t.Fatalf("dialed inside the backoff window")
		}
		c.clock.Advance(time.Millisecond)
		a.svc.topUp(c.clock.Now())
		c.pump()
		if len(a.net.dials) != dials+1 || a.net.dials[dials] != dead {
			t.Fatalf("expected a redial of %s, got %v", dead, a.net.dials[dials:])
		}
		wait *= 2
	}
	if got := len(a.svc.byPeer); got != 1 {
		t.Fatalf("expected only the live seed connected, got %d", got)
	}
}

func TestPersistentPeerRedialed(t *testing.T) {
	c := newCluster(t)
	b := c.add(2, addr(2), nil)
	a := c.add(1, addr(1), func(o *Options) {
		o.Config.Connect = []string{b.id.String() + "@" + b.addr}
		o.Config.TargetOutbound = 1
	})
	a.svc.topUp(c.clock.Now())
	c.pump()
	connected(t, a, b)

	_ = b.net.Close(networkHandle(b.session(a.id)))
	c.pump()
	if a.session(b.id) != nil {
		t.Fatalf("link should be gone")
	}
	c.clock.Advance(addrbook.DefaultBackoffFloor)
	a.svc.topUp(c.clock.Now())
	c.pump()
	connected(t, a, b)
}

func TestTrackAndUntrack(t *testing.T) {
	c := newCluster(t)
	a := c.add(1, addr(1), func(o *Options) { o.Policy = inventory.AllowOnly() })
	b := c.add(2, addr(2), nil)
	repo, target := testutil.Repo(11), testutil.Digest(11)
	b.announce(t, repo, "refs/heads/main", target)
	a.dial(t, b)
	c.pump()

	if _, ok := a.svc.engine.Get(repo, "refs/heads/main"); ok {
		t.Fatalf("untracked repository replicated")
	}
	if !a.svc.track(repo) {
		t.Fatalf("track reported no change")
	}
	c.pump()
	if _, ok := a.svc.engine.Get(repo, "refs/heads/main"); !ok {
		t.Fatalf("tracking did not replay the repository")
	}
	if a.svc.engine.Fetches().Active() != 1 {
		t.Fatalf("expected a fetch for the newly tracked repository")
	}

	if !a.svc.untrack(repo) {
		t.Fatalf("untrack reported no change")
	}
	c.pump()
	if a.svc.engine.Len() != 0 || a.svc.engine.Fetches().Len() != 0 {
		t.Fatalf("untrack left state behind")
	}
	if b.session(a.id).Filter().Matches(repo) {
		t.Fatalf("peer still thinks the repository is wanted")
	}
	c.completeAll()
	if a.store.HasObject(repo, target) {
		t.Fatalf("cancelled transfer landed")
	}
}

func TestSubscribeReplayWindow(t *testing.T) {
	c := newCluster(t)
	a := c.add(1, addr(1), nil)
	b := c.add(2, addr(2), nil)
	a.dial(t, b)
	c.pump()

	signer := testutil.Keypair(t, 3)
	repo := testutil.Repo(12)
	base := c.clock.Now().Add(-3 * time.Hour)
	var stamps []uint64
	for i, ref := range []string{"refs/heads/old", "refs/heads/mid", "refs/heads/new"} {
		ts := uint64(base.Add(time.Duration(i) * time.Hour).UnixMilli())
		stamps = append(stamps, ts)
		en := testutil.SignedEntry(t, signer, repo, ref, testutil.Digest(byte(20+i)), ts)
		if r := b.svc.engine.ApplyEntry(crypto.PeerID{}, en, c.clock.Now()); r.Outcome != inventory.Accepted {
			t.Fatalf("seed entry %s: %s", ref, r.Outcome)
		}
	}

	a.svc.send(a.session(b.id), proto.Subscribe{Filter: proto.MatchAll(), Since: stamps[1], Until: stamps[1]})
	c.pump()
	if _, ok := a.svc.engine.Get(repo, "refs/heads/mid"); !ok {
		t.Fatalf("entry inside the window not replayed")
	}
	for _, ref := range []string{"refs/heads/old", "refs/heads/new"} {
		if _, ok := a.svc.engine.Get(repo, ref); ok {
			t.Fatalf("%s outside the window was replayed", ref)
		}
	}
}

func TestInboundCap(t *testing.T) {
	c := newCluster(t)
	hub := c.add(1, addr(1), func(o *Options) { o.Config.MaxInbound = 1 })
	x := c.add(2, addr(2), nil)
	y := c.add(3, addr(3), nil)
	x.dial(t, hub)
	c.pump()
	y.dial(t, hub)
	c.pump()

	connected(t, x, hub)
	if y.session(hub.id) != nil || hub.session(y.id) != nil {
		t.Fatalf("inbound cap not enforced")
	}
}

func TestRunServesCommands(t *testing.T) {
	c := newCluster(t)
	a := c.add(1, addr(1), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.svc.Run(ctx) }()

	repo := testutil.Repo(13)
	changed, err := a.svc.Untrack(ctx, repo)
	if err != nil || !changed {
		t.Fatalf("untrack: changed=%v err=%v", changed, err)
	}
	if err := a.svc.Connect(ctx, addr(40)); err != nil {
		t.Fatalf("connect: %v", err)
	}
	sessions, err := a.svc.Sessions(ctx)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Addr != addr(40) || sessions[0].Link != node.Outbound {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
	if err := a.svc.Connect(ctx, "not an address"); err == nil {
		t.Fatalf("expected a parse error")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop")
	}
	if _, err := a.svc.Track(context.Background(), repo); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestLearnAddsSeedsButNotSelf(t *testing.T) {
	c := newCluster(t)
	a := c.add(1, addr(1), nil)
	self, _ := addrbook.ParseAddress(addr(1))
	self.Peer = a.id
	other, _ := addrbook.ParseAddress(addr(2))
	other.Source = addrbook.SourceInbound

	if n := a.svc.learn([]addrbook.Address{self, other, other}); n != 1 {
		t.Fatalf("learned %d addresses, want 1", n)
	}
	if _, ok := a.book.Get(addr(1)); ok {
		t.Fatalf("own address entered the book")
	}
	got, ok := a.book.Get(addr(2))
	if !ok || got.Source != addrbook.SourceSeed {
		t.Fatalf("discovered address = %+v ok=%v", got, ok)
	}
}
