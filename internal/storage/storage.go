// Package storage is the boundary to the version-control engine: which
// objects and refs exist locally, and asynchronous fetches from peers.
package storage

import (
	"errors"
	"net/url"
	"slices"
	"sort"
	"strings"

	"gitmesh/internal/crypto"
)

var (
	ErrNotFound = errors.New("repository not found")
	ErrNoRemote = errors.New("no remote for peer")
	ErrCanceled = errors.New("fetch canceled")
)

type Ref struct {
	Name   string
	Target crypto.Digest
}

// RefUpdate is one ref moved by a fetch. Old is zero for a new ref.
type RefUpdate struct {
	Name string
	Old  crypto.Digest
	New  crypto.Digest
}

type FetchRequest struct {
	ID   uint64
	Repo crypto.RepoID
	Peer crypto.PeerID
	// Remote is the peer's git endpoint for the repository.
	Remote string
}

type FetchResult struct {
	ID      uint64
	Repo    crypto.RepoID
	Peer    crypto.PeerID
	Updates []RefUpdate
	Err     error
}

// FetchHandle cancels a fetch in flight. Its completion is still reported,
// with ErrCanceled.
type FetchHandle interface {
	Cancel()
}

// Storage is safe for concurrent use. Fetch returns at once and calls done
// exactly once, on another goroutine.
type Storage interface {
	HasObject(repo crypto.RepoID, target crypto.Digest) bool
	HasRepo(repo crypto.RepoID) bool
	Fetch(req FetchRequest, done func(FetchResult)) FetchHandle
	LocalRefs(repo crypto.RepoID) ([]Ref, error)
	Repos() ([]crypto.RepoID, error)
}

// RemoteSchemes are the URL schemes a peer may advertise as its git base.
var RemoteSchemes = []string{"https", "http", "git", "ssh"}

// RemoteURL joins a peer's advertised git base URL with a repository. A base
// that is not an absolute URL with one of RemoteSchemes gives no remote.
func RemoteURL(base string, repo crypto.RepoID) string {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" || !slices.Contains(RemoteSchemes, u.Scheme) {
		return ""
	}
	return strings.TrimRight(base, "/") + "/" + repo.String() + ".git"
}

// Diff lists refs that changed from before to after, by name.
func Diff(before, after []Ref) []RefUpdate {
	old := make(map[string]crypto.Digest, len(before))
	for _, r := range before {
		old[r.Name] = r.Target
	}
	var out []RefUpdate
	for _, r := range after {
		if prev, ok := old[r.Name]; ok && prev == r.Target {
			continue
		}
		out = append(out, RefUpdate{Name: r.Name, Old: old[r.Name], New: r.Target})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type cancelFunc func()

func (c cancelFunc) Cancel() { c() }
