package storage

import (
	"sort"
	"sync"

	"gitmesh/internal/crypto"
)

type memRepo struct {
	refs    map[string]crypto.Digest
	objects map[crypto.Digest]bool
}

// Memory is an in-process Storage. Fetches copy from the Memory registered
// for the target peer. With Manual set, fetches wait for Complete.
type Memory struct {
	Manual bool

	mu      sync.Mutex
	repos   map[crypto.RepoID]*memRepo
	remotes map[crypto.PeerID]*Memory
	pending map[uint64]pendingFetch
	fetches []FetchRequest
}

type pendingFetch struct {
	req      FetchRequest
	done     func(FetchResult)
	canceled bool
}

func NewMemory() *Memory {
	return &Memory{
		repos:   make(map[crypto.RepoID]*memRepo),
		remotes: make(map[crypto.PeerID]*Memory),
		pending: make(map[uint64]pendingFetch),
	}
}

func (m *Memory) repoLocked(id crypto.RepoID) *memRepo {
	r, ok := m.repos[id]
	if !ok {
		r = &memRepo{refs: make(map[string]crypto.Digest), objects: make(map[crypto.Digest]bool)}
		m.repos[id] = r
	}
	return r
}

// Put points ref at target and stores the object.
func (m *Memory) Put(repo crypto.RepoID, ref string, target crypto.Digest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.repoLocked(repo)
	r.refs[ref] = target
	r.objects[target] = true
}

// AddRemote makes peer's data reachable by Fetch.
func (m *Memory) AddRemote(peer crypto.PeerID, remote *Memory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remotes[peer] = remote
}

func (m *Memory) HasObject(repo crypto.RepoID, target crypto.Digest) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.repos[repo]
	return ok && r.objects[target]
}

func (m *Memory) HasRepo(repo crypto.RepoID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.repos[repo]
	return ok
}

func (m *Memory) LocalRefs(repo crypto.RepoID) ([]Ref, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.repos[repo]
	if !ok {
		return nil, ErrNotFound
	}
	return sortedRefs(r.refs), nil
}

func sortedRefs(refs map[string]crypto.Digest) []Ref {
	out := make([]Ref, 0, len(refs))
	for name, target := range refs {
		out = append(out, Ref{Name: name, Target: target})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Memory) Repos() ([]crypto.RepoID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]crypto.RepoID, 0, len(m.repos))
	for id := range m.repos {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out, nil
}

func (m *Memory) Fetch(req FetchRequest, done func(FetchResult)) FetchHandle {
	m.mu.Lock()
	m.fetches = append(m.fetches, req)
	m.pending[req.ID] = pendingFetch{req: req, done: done}
	manual := m.Manual
	m.mu.Unlock()
	if !manual {
		go m.Complete(req.ID)
	}
	return cancelFunc(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if p, ok := m.pending[req.ID]; ok {
			p.canceled = true
			m.pending[req.ID] = p
		}
	})
}

// Complete finishes a pending fetch and reports whether one was pending.
func (m *Memory) Complete(id uint64) bool {
	m.mu.Lock()
	p, ok := m.pending[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.pending, id)
	remote := m.remotes[p.req.Peer]
	m.mu.Unlock()

	res := FetchResult{ID: p.req.ID, Repo: p.req.Repo, Peer: p.req.Peer}
	switch {
	case p.canceled:
		res.Err = ErrCanceled
	case remote == nil:
		res.Err = ErrNoRemote
	default:
		res.Updates, res.Err = m.copyFrom(remote, p.req.Repo)
	}
	p.done(res)
	return true
}

func (m *Memory) copyFrom(remote *Memory, repo crypto.RepoID) ([]RefUpdate, error) {
	remote.mu.Lock()
	src, ok := remote.repos[repo]
	var refs map[string]crypto.Digest
	var objects []crypto.Digest
	if ok {
		refs = make(map[string]crypto.Digest, len(src.refs))
		for k, v := range src.refs {
			refs[k] = v
		}
		for d := range src.objects {
			objects = append(objects, d)
		}
	}
	remote.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	dst := m.repoLocked(repo)
	before := sortedRefs(dst.refs)
	for _, d := range objects {
		dst.objects[d] = true
	}
	for k, v := range refs {
		dst.refs[k] = v
	}
	return Diff(before, sortedRefs(dst.refs)), nil
}

// Pending lists fetch ids not yet completed, in ascending order.
func (m *Memory) Pending() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint64, 0, len(m.pending))
	for id := range m.pending {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Requests returns every fetch ever started.
func (m *Memory) Requests() []FetchRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]FetchRequest(nil), m.fetches...)
}
