package inventory

import (
	"sort"
	"time"

	"gitmesh/internal/crypto"
)

const DefaultMaxFetches = 1024

// FetchKey deduplicates transfers: one fetch per object, however many refs
// or peers point at it.
type FetchKey struct {
	Repo   crypto.RepoID
	Target crypto.Digest
}

// Fetch is a pending replication of one object. While Active, ID names the
// in-flight attempt; completions carrying another id are stale.
type Fetch struct {
	Key       FetchKey
	ID        uint64
	Providers []crypto.PeerID
	Assigned  crypto.PeerID
	Active    bool
	Created   time.Time
	Started   time.Time
	tried     map[crypto.PeerID]struct{}
}

// Candidate returns the first untried provider accepted by usable.
func (f *Fetch) Candidate(usable func(crypto.PeerID) bool) (crypto.PeerID, bool) {
	for _, p := range f.Providers {
		if _, done := f.tried[p]; done {
			continue
		}
		if usable == nil || usable(p) {
			return p, true
		}
	}
	return crypto.PeerID{}, false
}

// Exhausted reports whether every known provider has been tried.
func (f *Fetch) Exhausted() bool {
	return len(f.tried) >= len(f.Providers)
}

func (f *Fetch) addProvider(p crypto.PeerID) {
	if p.IsZero() {
		return
	}
	for _, have := range f.Providers {
		if have == p {
			return
		}
	}
	f.Providers = append(f.Providers, p)
}

// Fetches is the table of pending continuations for object transfers.
type Fetches struct {
	max   int
	next  uint64
	byKey map[FetchKey]*Fetch
	byID  map[uint64]*Fetch
}

func NewFetches(max int) *Fetches {
	if max <= 0 {
		max = DefaultMaxFetches
	}
	return &Fetches{
		max:   max,
		byKey: make(map[FetchKey]*Fetch),
		byID:  make(map[uint64]*Fetch),
	}
}

// Want registers interest in key, merging providers into an existing fetch
// in preference order. It returns nil when the table is full.
func (t *Fetches) Want(key FetchKey, now time.Time, providers ...crypto.PeerID) (f *Fetch, created bool) {
	if f, ok := t.byKey[key]; ok {
		for _, p := range providers {
			f.addProvider(p)
		}
		return f, false
	}
	if len(t.byKey) >= t.max {
		return nil, false
	}
	f = &Fetch{Key: key, Created: now, tried: make(map[crypto.PeerID]struct{})}
	for _, p := range providers {
		f.addProvider(p)
	}
	t.byKey[key] = f
	return f, true
}

func (t *Fetches) Get(key FetchKey) (*Fetch, bool) {
	f, ok := t.byKey[key]
	return f, ok
}

func (t *Fetches) ByID(id uint64) (*Fetch, bool) {
	f, ok := t.byID[id]
	return f, ok
}

// Start launches an attempt against peer and returns its id.
func (t *Fetches) Start(f *Fetch, peer crypto.PeerID, now time.Time) uint64 {
	if f.Active {
		delete(t.byID, f.ID)
	}
	t.next++
	f.ID = t.next
	f.Assigned = peer
	f.Active = true
	f.Started = now
	f.addProvider(peer)
	f.tried[peer] = struct{}{}
	t.byID[f.ID] = f
	return f.ID
}

// Reassign moves ownership of a running attempt without restarting it.
func (t *Fetches) Reassign(f *Fetch, peer crypto.PeerID) {
	f.Assigned = peer
	f.addProvider(peer)
	f.tried[peer] = struct{}{}
}

// Stop ends the current attempt, leaving the fetch pending for a retry.
func (t *Fetches) Stop(f *Fetch) {
	if f.Active {
		delete(t.byID, f.ID)
	}
	f.Active = false
	f.Assigned = crypto.PeerID{}
}

// Release ends the current attempt without holding it against the assigned
// provider, which may be tried again once it reconnects.
func (t *Fetches) Release(f *Fetch) {
	delete(f.tried, f.Assigned)
	t.Stop(f)
}

// Forget removes the fetch entirely, on success or when it is abandoned.
func (t *Fetches) Forget(key FetchKey) {
	f, ok := t.byKey[key]
	if !ok {
		return
	}
	if f.Active {
		delete(t.byID, f.ID)
	}
	delete(t.byKey, key)
}

// AssignedTo lists running attempts owned by peer.
func (t *Fetches) AssignedTo(peer crypto.PeerID) []*Fetch {
	var out []*Fetch
	for _, f := range t.byID {
		if f.Assigned == peer {
			out = append(out, f)
		}
	}
	sortFetches(out)
	return out
}

// OfRepo lists every pending fetch for repo.
func (t *Fetches) OfRepo(repo crypto.RepoID) []*Fetch {
	var out []*Fetch
	for k, f := range t.byKey {
		if k.Repo == repo {
			out = append(out, f)
		}
	}
	sortFetches(out)
	return out
}

// Idle lists fetches waiting for a provider, oldest first.
func (t *Fetches) Idle() []*Fetch {
	var out []*Fetch
	for _, f := range t.byKey {
		if !f.Active {
			out = append(out, f)
		}
	}
	sortFetches(out)
	return out
}

// Prune abandons idle fetches created before before.
func (t *Fetches) Prune(before time.Time) []FetchKey {
	var out []FetchKey
	for k, f := range t.byKey {
		if !f.Active && f.Created.Before(before) {
			out = append(out, k)
			delete(t.byKey, k)
		}
	}
	return out
}

func (t *Fetches) Len() int { return len(t.byKey) }

// Active counts attempts in flight.
func (t *Fetches) Active() int { return len(t.byID) }

func sortFetches(fs []*Fetch) {
	sort.Slice(fs, func(i, j int) bool {
		if !fs[i].Created.Equal(fs[j].Created) {
			return fs[i].Created.Before(fs[j].Created)
		}
		if c := fs[i].Key.Repo.Compare(fs[j].Key.Repo); c != 0 {
			return c < 0
		}
		return fs[i].Key.Target.Compare(fs[j].Key.Target) < 0
	})
}
