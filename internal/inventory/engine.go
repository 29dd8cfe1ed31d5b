// Package inventory folds signed ref announcements into a monotonic per-ref
// store and decides what to relay and what to fetch.
package inventory

import (
	"math"
	"sort"
	"time"

	"gitmesh/internal/crypto"
	"gitmesh/internal/proto"
)

const (
	DefaultMaxTimeDelta = 60 * time.Minute
	DefaultMaxRefs      = 1 << 18
)

type Outcome uint8

const (
	Accepted Outcome = iota
	Stale
	Rejected
	DuplicateSuppressed
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Stale:
		return "stale"
	case Rejected:
		return "rejected"
	case DuplicateSuppressed:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Reason qualifies a Rejected outcome.
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonSignature
	ReasonPolicy
	ReasonFuture
	ReasonCapacity
)

func (r Reason) String() string {
	switch r {
	case ReasonSignature:
		return "signature"
	case ReasonPolicy:
		return "policy"
	case ReasonFuture:
		return "future"
	case ReasonCapacity:
		return "capacity"
	default:
		return "none"
	}
}

// Result is the verdict on one entry.
type Result struct {
	Entry   proto.InventoryEntry
	ID      crypto.Digest
	Outcome Outcome
	Reason  Reason
	// Relay is set on the first acceptance of this exact entry.
	Relay bool
	// Fetch is the pending fetch the caller should try to start, if any.
	// It is nil when the object is present or an attempt is in flight.
	Fetch *Fetch
}

// Penalize reports whether the sender misbehaved by sending this entry.
func (r Result) Penalize() bool {
	return r.Outcome == Rejected && r.Reason == ReasonSignature
}

// ObjectStore answers whether an object is already replicated locally.
type ObjectStore interface {
	HasObject(repo crypto.RepoID, target crypto.Digest) bool
}

type Options struct {
	Local        crypto.PeerID
	Policy       *Policy
	Objects      ObjectStore
	MaxTimeDelta time.Duration
	MaxRefs      int
	SeenCapacity uint
	SeenFPRate   float64
	MaxFetches   int
	RoutingCap   int
}

type refKey struct {
	repo crypto.RepoID
	ref  string
}

type stored struct {
	entry proto.InventoryEntry
	id    crypto.Digest
}

// Engine is owned by a single goroutine; none of its methods lock.
type Engine struct {
	local    crypto.PeerID
	policy   *Policy
	objects  ObjectStore
	maxDelta time.Duration
	maxRefs  int

	refs    map[refKey]stored
	seen    *SeenFilter
	fetches *Fetches
	routing *Routing
}

func New(opts Options) *Engine {
	if opts.Policy == nil {
		opts.Policy = TrackAllExcept()
	}
	if opts.MaxTimeDelta <= 0 {
		opts.MaxTimeDelta = DefaultMaxTimeDelta
	}
	if opts.MaxRefs <= 0 {
		opts.MaxRefs = DefaultMaxRefs
	}
	return &Engine{
		local:    opts.Local,
		policy:   opts.Policy,
		objects:  opts.Objects,
		maxDelta: opts.MaxTimeDelta,
		maxRefs:  opts.MaxRefs,
		refs:     make(map[refKey]stored),
		seen:     NewSeenFilter(opts.SeenCapacity, opts.SeenFPRate),
		fetches:  NewFetches(opts.MaxFetches),
		routing:  NewRouting(opts.RoutingCap),
	}
}

// Apply judges every entry of an announcement from peer from, in order.
func (e *Engine) Apply(from crypto.PeerID, a proto.InventoryAnnounce, now time.Time) []Result {
	out := make([]Result, 0, len(a.Entries))
	for _, en := range a.Entries {
		out = append(out, e.ApplyEntry(from, en, now))
	}
	return out
}

// ApplyEntry judges one entry. A zero from means the entry is local.
func (e *Engine) ApplyEntry(from crypto.PeerID, en proto.InventoryEntry, now time.Time) Result {
	id := en.ID()
	res := Result{Entry: en, ID: id}
	key := refKey{repo: en.Repo, ref: en.Ref}
	cur, have := e.refs[key]

	// A seen hit only counts once the store confirms it.
	if have && cur.id == id && e.seen.Test(id) {
		res.Outcome = DuplicateSuppressed
		e.noteProvider(en, from, now)
		return res
	}
	if have && en.Compare(cur.entry) <= 0 {
		res.Outcome = Stale
		if cur.id == id {
			e.noteProvider(en, from, now)
		}
		return res
	}
	if !e.accepts(en) {
		return reject(res, ReasonPolicy)
	}
	if ahead(en.Timestamp, now) > uint64(e.maxDelta.Milliseconds()) {
		return reject(res, ReasonFuture)
	}
	if !en.Verify() {
		return reject(res, ReasonSignature)
	}
	if !have && len(e.refs) >= e.maxRefs {
		return reject(res, ReasonCapacity)
	}

	e.refs[key] = stored{entry: en, id: id}
	res.Outcome = Accepted
	res.Relay = !e.seen.TestAndAdd(id)
	e.noteProvider(en, from, now)
	res.Fetch = e.want(en, from, now)
	return res
}

func reject(res Result, why Reason) Result {
	res.Outcome = Rejected
	res.Reason = why
	return res
}

// Entries signed by this node skip the signer allowlist.
func (e *Engine) accepts(en proto.InventoryEntry) bool {
	if !e.local.IsZero() && en.Signer == e.local {
		return e.policy.Tracks(en.Repo)
	}
	return e.policy.Accepts(en.Repo, en.Signer)
}

func (e *Engine) noteProvider(en proto.InventoryEntry, from crypto.PeerID, now time.Time) {
	for _, p := range []crypto.PeerID{from, en.Signer} {
		if p.IsZero() || p == e.local {
			continue
		}
		e.routing.Add(en.Repo, p, now)
		if f, ok := e.fetches.Get(FetchKey{Repo: en.Repo, Target: en.Target}); ok {
			f.addProvider(p)
		}
	}
}

func (e *Engine) want(en proto.InventoryEntry, from crypto.PeerID, now time.Time) *Fetch {
	if en.Signer == e.local && (from.IsZero() || from == e.local) {
		return nil
	}
	if e.objects != nil && e.objects.HasObject(en.Repo, en.Target) {
		return nil
	}
	var providers []crypto.PeerID
	for _, p := range []crypto.PeerID{from, en.Signer} {
		if !p.IsZero() && p != e.local {
			providers = append(providers, p)
		}
	}
	f, _ := e.fetches.Want(FetchKey{Repo: en.Repo, Target: en.Target}, now, providers...)
	if f == nil || f.Active {
		return nil
	}
	return f
}

// Candidate picks the next provider for f, widening the list with peers the
// routing table knows carry the repository.
func (e *Engine) Candidate(f *Fetch, usable func(crypto.PeerID) bool) (crypto.PeerID, bool) {
	for _, p := range e.routing.Providers(f.Key.Repo) {
		if p != e.local {
			f.addProvider(p)
		}
	}
	return f.Candidate(usable)
}

// Observe signs and applies a claim about this node's own copy of a ref.
func (e *Engine) Observe(s crypto.Signer, repo crypto.RepoID, ref string, target crypto.Digest, now time.Time) (Result, error) {
	en := proto.InventoryEntry{
		Repo:      repo,
		Ref:       ref,
		Target:    target,
		Timestamp: e.NextTimestamp(repo, ref, now),
	}
	if err := en.Sign(s); err != nil {
		return Result{}, err
	}
	return e.ApplyEntry(crypto.PeerID{}, en, now), nil
}

// NextTimestamp is the smallest timestamp a new claim on ref can carry and
// still supersede the stored one. It saturates at math.MaxUint64.
func (e *Engine) NextTimestamp(repo crypto.RepoID, ref string, now time.Time) uint64 {
	ts := unixMillis(now)
	if cur, ok := e.refs[refKey{repo: repo, ref: ref}]; ok && cur.entry.Timestamp >= ts {
		ts = cur.entry.Timestamp
		if ts < math.MaxUint64 {
			ts++
		}
	}
	return ts
}

func unixMillis(t time.Time) uint64 {
	if ms := t.UnixMilli(); ms > 0 {
		return uint64(ms)
	}
	return 0
}

// ahead is how many milliseconds ts lies past now, zero if it does not.
// Timestamps are compared as unsigned millis so no value wraps.
func ahead(ts uint64, now time.Time) uint64 {
	if n := unixMillis(now); ts > n {
		return ts - n
	}
	return 0
}

func (e *Engine) Get(repo crypto.RepoID, ref string) (proto.InventoryEntry, bool) {
	cur, ok := e.refs[refKey{repo: repo, ref: ref}]
	return cur.entry, ok
}

// Entries lists stored entries matching f, ordered by repo then ref.
func (e *Engine) Entries(f proto.Filter) []proto.InventoryEntry {
	var out []proto.InventoryEntry
	for k, cur := range e.refs {
		if f.Matches(k.repo) {
			out = append(out, cur.entry)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Repo.Compare(out[j].Repo); c != 0 {
			return c < 0
		}
		return out[i].Ref < out[j].Ref
	})
	return out
}

// Forget drops the stored claims for repo, as when it stops being tracked.
func (e *Engine) Forget(repo crypto.RepoID) int {
	n := 0
	for k := range e.refs {
		if k.repo == repo {
			delete(e.refs, k)
			n++
		}
	}
	for _, f := range e.fetches.OfRepo(repo) {
		if !f.Active {
			e.fetches.Forget(f.Key)
		}
	}
	return n
}

func (e *Engine) Rotate() { e.seen.Rotate() }

// Prune ages out routing knowledge and idle fetches older than age.
func (e *Engine) Prune(now time.Time, age time.Duration) (routes int, fetches []FetchKey) {
	before := now.Add(-age)
	return e.routing.Prune(before), e.fetches.Prune(before)
}

func (e *Engine) Len() int { return len(e.refs) }
func (e *Engine) Local() crypto.PeerID { return e.local }
func (e *Engine) Policy() *Policy { return e.policy }
func (e *Engine) Seen() *SeenFilter { return e.seen }
func (e *Engine) Fetches() *Fetches { return e.fetches }
func (e *Engine) Routing() *Routing { return e.routing }
func (e *Engine) Objects() ObjectStore { return e.objects }

// Peer is the view of a session relay decisions need.
type Peer interface {
	PeerID() crypto.PeerID
	Wants(repo crypto.RepoID) bool
	Knows(id crypto.Digest) bool
}

// Targets selects the peers an accepted entry goes to: everyone subscribed
// to the repository except the sender, the signer and peers that already
// have it.
func Targets[P Peer](r Result, from crypto.PeerID, peers []P) []P {
	if r.Outcome != Accepted || !r.Relay {
		return nil
	}
	var out []P
	for _, p := range peers {
		id := p.PeerID()
		if id == from || id == r.Entry.Signer {
			continue
		}
		if !p.Wants(r.Entry.Repo) || p.Knows(r.ID) {
			continue
		}
		out = append(out, p)
	}
	return out
}
