package inventory

import (
	"sort"
	"time"

	"gitmesh/internal/crypto"
)

const DefaultRoutingCap = 1 << 16

// Routing maps repositories to the peers that announced them, with the time
// of the latest announcement.
type Routing struct {
	cap   int
	size  int
	repos map[crypto.RepoID]map[crypto.PeerID]time.Time
}

func NewRouting(capacity int) *Routing {
	if capacity <= 0 {
		capacity = DefaultRoutingCap
	}
	return &Routing{cap: capacity, repos: make(map[crypto.RepoID]map[crypto.PeerID]time.Time)}
}

// Add records that peer has repo. New pairs are dropped once the table is
// full; refreshing a known pair always works.
func (r *Routing) Add(repo crypto.RepoID, peer crypto.PeerID, now time.Time) bool {
	peers := r.repos[repo]
	if _, ok := peers[peer]; ok {
		peers[peer] = now
		return true
	}
	if r.size >= r.cap {
		return false
	}
	if peers == nil {
		peers = make(map[crypto.PeerID]time.Time)
		r.repos[repo] = peers
	}
	peers[peer] = now
	r.size++
	return true
}

// Providers lists peers known to have repo, most recent first.
func (r *Routing) Providers(repo crypto.RepoID) []crypto.PeerID {
	peers := r.repos[repo]
	out := make([]crypto.PeerID, 0, len(peers))
	for p := range peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := peers[out[i]], peers[out[j]]
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return out[i].Less(out[j])
	})
	return out
}

// Prune forgets pairs not refreshed since before.
func (r *Routing) Prune(before time.Time) int {
	removed := 0
	for repo, peers := range r.repos {
		for p, seen := range peers {
			if seen.Before(before) {
				delete(peers, p)
				removed++
			}
		}
		if len(peers) == 0 {
			delete(r.repos, repo)
		}
	}
	r.size -= removed
	return removed
}

func (r *Routing) Len() int { return r.size }
