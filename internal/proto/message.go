package proto

import (
	"bytes"
	"sort"

	"gitmesh/internal/crypto"
)

// Hello is the body shared by Handshake and HandshakeAck.
type Hello struct {
	Version      uint32
	PeerID       crypto.PeerID
	Capabilities []string
	// ListenAddr is where the sender accepts gossip connections, if anywhere.
	ListenAddr string
	// GitURL is the base URL other nodes fetch repositories from.
	GitURL string
	// Timestamp is the sender's clock in unix milliseconds.
	Timestamp uint64
	// Nonce is fresh per session. The other side signs over it.
	Nonce Nonce
}

const NonceSize = 32

type Nonce [NonceSize]byte

func (n Nonce) IsZero() bool { return n == Nonce{} }

func (h Hello) encode(w *writer) {
	w.u32(h.Version)
	w.fixed(h.PeerID[:])
	w.count(len(h.Capabilities), MaxCapabilities, "capabilities")
	for _, c := range h.Capabilities {
		w.str(c, MaxCapabilityLen, "capability")
	}
	w.str(h.ListenAddr, MaxAddrLen, "listen addr")
	w.str(h.GitURL, MaxAddrLen, "git url")
	w.u64(h.Timestamp)
	w.fixed(h.Nonce[:])
}

func decodeHello(r *reader) Hello {
	var h Hello
	h.Version = r.u32()
	r.fixed(h.PeerID[:])
	n := r.count(MaxCapabilities, "capabilities")
	if n > 0 {
		h.Capabilities = make([]string, 0, n)
		for i := 0; i < n && r.err == nil; i++ {
			h.Capabilities = append(h.Capabilities, r.str(MaxCapabilityLen, "capability"))
		}
	}
	h.ListenAddr = r.str(MaxAddrLen, "listen addr")
	h.GitURL = r.str(MaxAddrLen, "git url")
	h.Timestamp = r.u64()
	r.fixed(h.Nonce[:])
	if r.err == nil && h.PeerID.IsZero() {
		r.fail("zero peer id")
	}
	return h
}

// HasCapability reports whether the sender advertised c.
func (h Hello) HasCapability(c string) bool {
	for _, have := range h.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Handshake opens a session. Only the dialing side sends it.
type Handshake struct{ Hello }

func (Handshake) Type() Type { return TypeHandshake }

// HandshakeAck answers a Handshake. Only the accepting side sends it.
// Signature is the acceptor's key over its Hello and the dialer's nonce.
type HandshakeAck struct {
	Hello
	Signature crypto.Signature
}

func (HandshakeAck) Type() Type { return TypeHandshakeAck }

func (a HandshakeAck) encode(w *writer) {
	a.Hello.encode(w)
	w.fixed(a.Signature[:])
}

// HandshakeFinish is the dialer's key over its Hello and the acceptor's
// nonce. The accepting side is established only once it verifies.
type HandshakeFinish struct {
	Signature crypto.Signature
}

func (HandshakeFinish) Type() Type { return TypeHandshakeFinish }

func (f HandshakeFinish) encode(w *writer) { w.fixed(f.Signature[:]) }

const (
	ackDomain    = "gitmesh:handshake-ack:v1"
	finishDomain = "gitmesh:handshake-finish:v1"
)

// transcript is what a handshake signature covers: the signer's own Hello
// as sent and the nonce the other side picked.
func transcript(domain string, h Hello, peer Nonce) ([]byte, error) {
	w := writer{buf: append(make([]byte, 0, 512), domain...)}
	h.encode(&w)
	w.fixed(peer[:])
	return w.buf, w.err
}

// SignAck answers a Handshake carrying dialer as its nonce.
func SignAck(s crypto.Signer, h Hello, dialer Nonce) (HandshakeAck, error) {
	msg, err := transcript(ackDomain, h, dialer)
	if err != nil {
		return HandshakeAck{}, err
	}
	return HandshakeAck{Hello: h, Signature: s.Sign(msg)}, nil
}

// Verify reports whether the ack's PeerID signed it over dialer.
func (a HandshakeAck) Verify(dialer Nonce) bool {
	msg, err := transcript(ackDomain, a.Hello, dialer)
	return err == nil && crypto.Verify(a.PeerID, msg, a.Signature)
}

// SignFinish proves the dialer holds the key behind h, as sent in its
// Handshake.
func SignFinish(s crypto.Signer, h Hello, acceptor Nonce) (HandshakeFinish, error) {
	msg, err := transcript(finishDomain, h, acceptor)
	if err != nil {
		return HandshakeFinish{}, err
	}
	return HandshakeFinish{Signature: s.Sign(msg)}, nil
}

// Verify reports whether h's PeerID signed f over acceptor.
func (f HandshakeFinish) Verify(h Hello, acceptor Nonce) bool {
	msg, err := transcript(finishDomain, h, acceptor)
	return err == nil && crypto.Verify(h.PeerID, msg, f.Signature)
}

type Ping struct{ Nonce uint64 }

func (Ping) Type() Type { return TypePing }

func (p Ping) encode(w *writer) { w.u64(p.Nonce) }

type Pong struct{ Nonce uint64 }

func (Pong) Type() Type { return TypePong }

func (p Pong) encode(w *writer) { w.u64(p.Nonce) }

type InventoryAnnounce struct {
	Entries []InventoryEntry
}

func (InventoryAnnounce) Type() Type { return TypeInventoryAnnounce }

func (a InventoryAnnounce) encode(w *writer) {
	w.count(len(a.Entries), MaxEntries, "entries")
	for i := range a.Entries {
		a.Entries[i].encode(w)
	}
}

func decodeAnnounce(r *reader) InventoryAnnounce {
	n := r.count(MaxEntries, "entries")
	var a InventoryAnnounce
	if n > 0 {
		a.Entries = make([]InventoryEntry, 0, n)
	}
	for i := 0; i < n && r.err == nil; i++ {
		a.Entries = append(a.Entries, decodeEntry(r))
	}
	return a
}

// Filter selects the repositories a peer wants announcements for.
type Filter struct {
	All   bool
	Repos []crypto.RepoID
}

// NewFilter returns a filter over repos in canonical order.
func NewFilter(repos ...crypto.RepoID) Filter {
	out := make([]crypto.RepoID, len(repos))
	copy(out, repos)
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	uniq := out[:0]
	for i, r := range out {
		if i > 0 && r == out[i-1] {
			continue
		}
		uniq = append(uniq, r)
	}
	if len(uniq) == 0 {
		return Filter{}
	}
	return Filter{Repos: uniq}
}

func MatchAll() Filter { return Filter{All: true} }

func (f Filter) Matches(repo crypto.RepoID) bool {
	if f.All {
		return true
	}
	i := sort.Search(len(f.Repos), func(i int) bool { return bytes.Compare(f.Repos[i][:], repo[:]) >= 0 })
	return i < len(f.Repos) && f.Repos[i] == repo
}

func (f Filter) encode(w *writer) {
	w.boolean(f.All)
	repos := f.Repos
	for i := 1; i < len(repos); i++ {
		if bytes.Compare(repos[i-1][:], repos[i][:]) >= 0 {
			repos = NewFilter(f.Repos...).Repos
			break
		}
	}
	w.count(len(repos), MaxSubscribeRepos, "repos")
	for _, r := range repos {
		w.fixed(r[:])
	}
}

func decodeFilter(r *reader) Filter {
	var f Filter
	f.All = r.boolean()
	n := r.count(MaxSubscribeRepos, "repos")
	if n > 0 {
		f.Repos = make([]crypto.RepoID, n)
	}
	for i := 0; i < n && r.err == nil; i++ {
		r.fixed(f.Repos[i][:])
		if i > 0 && bytes.Compare(f.Repos[i-1][:], f.Repos[i][:]) >= 0 {
			r.fail("repos not in canonical order")
		}
	}
	return f
}

// Subscribe replaces the sender's filter. Since and Until bound, in unix
// milliseconds, the stored entries replayed in response; zero leaves a side
// open.
type Subscribe struct {
	Filter Filter
	Since  uint64
	Until  uint64
}

func (Subscribe) Type() Type { return TypeSubscribe }

func (s Subscribe) encode(w *writer) {
	s.Filter.encode(w)
	w.u64(s.Since)
	w.u64(s.Until)
}

func decodeSubscribe(r *reader) Subscribe {
	s := Subscribe{Filter: decodeFilter(r)}
	s.Since = r.u64()
	s.Until = r.u64()
	return s
}

// Covers reports whether an entry stamped ts falls inside the replay window.
func (s Subscribe) Covers(ts uint64) bool {
	if s.Since != 0 && ts < s.Since {
		return false
	}
	return s.Until == 0 || ts <= s.Until
}

// FetchRequest tells a provider that the sender is about to fetch Repo from
// its git endpoint.
type FetchRequest struct {
	Repo crypto.RepoID
}

func (FetchRequest) Type() Type { return TypeFetchRequest }

func (f FetchRequest) encode(w *writer) { w.fixed(f.Repo[:]) }

type FetchStatus uint8

const (
	FetchOK FetchStatus = iota
	FetchFailed
	FetchNotFound
	FetchDenied
)

func (s FetchStatus) valid() bool { return s <= FetchDenied }

func (s FetchStatus) String() string {
	switch s {
	case FetchOK:
		return "ok"
	case FetchFailed:
		return "failed"
	case FetchNotFound:
		return "not_found"
	case FetchDenied:
		return "denied"
	default:
		return "unknown"
	}
}

// FetchComplete closes a fetch. The requester sends it when the transfer
// ends; a provider sends a non-OK status to refuse a FetchRequest.
type FetchComplete struct {
	Repo   crypto.RepoID
	Status FetchStatus
}

func (FetchComplete) Type() Type { return TypeFetchComplete }

func (f FetchComplete) encode(w *writer) {
	w.fixed(f.Repo[:])
	if !f.Status.valid() {
		w.fail("bad fetch status %d", f.Status)
		return
	}
	w.u8(uint8(f.Status))
}

const (
	ReasonDuplicate  = "duplicate"
	ReasonTimeout    = "timeout"
	ReasonProtocol   = "protocol violation"
	ReasonVersion    = "unsupported version"
	ReasonSelf       = "self connection"
	ReasonAuth       = "authentication failed"
	ReasonOverloaded = "outbound queue full"
	ReasonMisbehave  = "misbehaving"
	ReasonShutdown   = "shutdown"
)

type Disconnect struct {
	Reason string
}

func (Disconnect) Type() Type { return TypeDisconnect }

func (d Disconnect) encode(w *writer) { w.str(d.Reason, MaxReasonLen, "reason") }
