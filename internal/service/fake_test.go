package service

import (
	"errors"
	"io"
	"testing"
	"time"

	"gitmesh/internal/addrbook"
	"gitmesh/internal/clock"
	"gitmesh/internal/crypto"
	"gitmesh/internal/inventory"
	"gitmesh/internal/network"
	"gitmesh/internal/proto"
	"gitmesh/internal/storage"
	"gitmesh/internal/testutil"
)

var errRefused = errors.New("connection refused")

// fakeNet links fakeReactors by address. Everything runs on the test
// goroutine; events queue until pump delivers them.
type fakeNet struct {
	next     network.Handle
	reactors map[string]*fakeReactor
}

func newFakeNet() *fakeNet {
	return &fakeNet{reactors: make(map[string]*fakeReactor)}
}

func (n *fakeNet) reactor(addr string) *fakeReactor {
	r := &fakeReactor{net: n, addr: addr, conns: make(map[network.Handle]*fakeConn)}
	n.reactors[addr] = r
	return r
}

type fakeConn struct {
	remote       *fakeReactor
	remoteHandle network.Handle
	dec          *proto.Decoder
	sent         []proto.Message
}

type fakeReactor struct {
	net    *fakeNet
	addr   string
	queue  []network.Event
	conns  map[network.Handle]*fakeConn
	dials  []string
	closed []network.Handle
}

func (r *fakeReactor) post(ev network.Event) { r.queue = append(r.queue, ev) }

func (r *fakeReactor) Events() <-chan network.Event { return nil }
func (r *fakeReactor) Listen(string) error { return nil }
func (r *fakeReactor) Addr() string { return r.addr }
func (r *fakeReactor) Shutdown() error { return nil }

func (r *fakeReactor) Dial(addr string) network.Handle {
	r.net.next++
	h := r.net.next
	r.dials = append(r.dials, addr)
	remote, ok := r.net.reactors[addr]
	if !ok {
		r.post(network.Event{Kind: network.Disconnected, Handle: h, Addr: addr, Err: errRefused})
		return h
	}
	r.net.next++
	rh := r.net.next
	r.conns[h] = &fakeConn{remote: remote, remoteHandle: rh, dec: proto.NewDecoder()}
	remote.conns[rh] = &fakeConn{remote: r, remoteHandle: h, dec: proto.NewDecoder()}
	r.post(network.Event{Kind: network.Connected, Handle: h, Addr: addr})
	remote.post(network.Event{Kind: network.Accepted, Handle: rh, Addr: r.addr})
	return h
}

func (r *fakeReactor) Write(h network.Handle, p []byte) (int, error) {
	c, ok := r.conns[h]
	if !ok {
		return 0, network.ErrUnknownHandle
	}
	c.dec.Feed(p)
	for {
		m, err := c.dec.Next()
		if err != nil {
			break
		}
		c.sent = append(c.sent, m)
	}
	data := append([]byte(nil), p...)
	c.remote.post(network.Event{Kind: network.Received, Handle: c.remoteHandle, Addr: r.addr, Data: data})
	return len(p), nil
}

func (r *fakeReactor) Close(h network.Handle) error {
	c, ok := r.conns[h]
	if !ok {
		return network.ErrUnknownHandle
	}
	delete(r.conns, h)
	r.closed = append(r.closed, h)
	r.post(network.Event{Kind: network.Disconnected, Handle: h})
	if _, ok := c.remote.conns[c.remoteHandle]; ok {
		delete(c.remote.conns, c.remoteHandle)
		c.remote.post(network.Event{Kind: network.Disconnected, Handle: c.remoteHandle, Err: io.EOF})
	}
	return nil
}

type testNode struct {
	key   *crypto.Keypair
	id    crypto.PeerID
	addr  string
	svc   *Service
	net   *fakeReactor
	store *storage.Memory
	book  *addrbook.Book
}

type cluster struct {
	t     *testing.T
	clock *clock.Manual
	net   *fakeNet
	nodes []*testNode
}

func newCluster(t *testing.T) *cluster {
	t.Helper()
	return &cluster{
		t:     t,
		clock: clock.NewManual(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)),
		net:   newFakeNet(),
	}
}

// add starts a node at addr. Every node can fetch from every other.
func (c *cluster) add(seed byte, addr string, mutate func(*Options)) *testNode {
	c.t.Helper()
	key := testutil.Keypair(c.t, seed)
	book, err := addrbook.Open(addrbook.Options{})
	if err != nil {
		c.t.Fatalf("open book: %v", err)
	}
	n := &testNode{
		key:   key,
		id:    key.PeerID(),
		addr:  addr,
		net:   c.net.reactor(addr),
		store: storage.NewMemory(),
		book:  book,
	}
	n.store.Manual = true
	opts := Options{
		Config:  Config{Listen: addr, TargetOutbound: 1},
		Key:     key,
		Reactor: n.net,
		Storage: n.store,
		Book:    book,
		Clock:   c.clock,
	}
	if mutate != nil {
		mutate(&opts)
	}
	svc, err := New(opts)
	if err != nil {
		c.t.Fatalf("new service: %v", err)
	}
	n.svc = svc
	for _, other := range c.nodes {
		n.store.AddRemote(other.id, other.store)
		other.store.AddRemote(n.id, n.store)
	}
	c.nodes = append(c.nodes, n)
	return n
}

// pump delivers queued events and fetch completions until all are idle.
func (c *cluster) pump() {
	c.t.Helper()
	for round := 0; round < 10000; round++ {
		progressed := false
		for _, n := range c.nodes {
			for len(n.net.queue) > 0 {
				ev := n.net.queue[0]
				n.net.queue = n.net.queue[1:]
				n.svc.HandleEvent(ev)
				progressed = true
			}
			for drained := false; !drained; {
				select {
				case res := <-n.svc.completions:
					n.svc.HandleFetchResult(res)
					progressed = true
				default:
					drained = true
				}
			}
		}
		if !progressed {
			return
		}
	}
	c.t.Fatalf("cluster did not settle")
}

// completeAll finishes every pending storage fetch and pumps the result.
func (c *cluster) completeAll() {
	c.t.Helper()
	for {
		done := 0
		for _, n := range c.nodes {
			for _, id := range n.store.Pending() {
				if n.store.Complete(id) {
					done++
				}
			}
		}
		c.pump()
		if done == 0 {
			return
		}
	}
}

func (c *cluster) advance(d time.Duration) {
	c.clock.Advance(d)
	for _, n := range c.nodes {
		n.svc.Tick()
	}
	c.pump()
}

func (n *testNode) dial(t *testing.T, other *testNode) {
	t.Helper()
	a, err := addrbook.ParseAddress(other.addr)
	if err != nil {
		t.Fatalf("parse %s: %v", other.addr, err)
	}
	if err := n.svc.connectNow(a); err != nil {
		t.Fatalf("connect %s: %v", other.addr, err)
	}
}

func networkHandle(c *conn) network.Handle { return network.Handle(c.Handle()) }

func (n *testNode) session(peer crypto.PeerID) *conn {
	return n.svc.byPeer[peer]
}

// announce signs an entry as n and feeds it to n's own service.
func (n *testNode) announce(t *testing.T, repo crypto.RepoID, ref string, target crypto.Digest) inventory.Result {
	t.Helper()
	n.store.Put(repo, ref, target)
	r, err := n.svc.engine.Observe(n.key, repo, ref, target, n.svc.clock.Now())
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	n.svc.handleResults(crypto.PeerID{}, []inventory.Result{r}, n.svc.clock.Now())
	return r
}

// sentEntries counts how often each entry id went out on every connection
// of n.
func (n *testNode) sentEntries() map[network.Handle]map[crypto.Digest]int {
	out := make(map[network.Handle]map[crypto.Digest]int)
	for h, c := range n.net.conns {
		counts := make(map[crypto.Digest]int)
		for _, m := range c.sent {
			if a, ok := m.(proto.InventoryAnnounce); ok {
				for _, en := range a.Entries {
					counts[en.ID()]++
				}
			}
		}
		out[h] = counts
	}
	return out
}
