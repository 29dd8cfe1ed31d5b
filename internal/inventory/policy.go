package inventory

import (
	"sort"

	"gitmesh/internal/crypto"
	"gitmesh/internal/proto"
)

type Mode uint8

const (
	// TrackAll replicates every repository except blocked ones.
	TrackAll Mode = iota
	// TrackAllowlist replicates only listed repositories.
	TrackAllowlist
)

func (m Mode) String() string {
	if m == TrackAllowlist {
		return "allowlist"
	}
	return "all"
}

// Policy decides which repositories and which signers this node cares
// about.
type Policy struct {
	mode         Mode
	repos        map[crypto.RepoID]struct{}
	peers        map[crypto.PeerID]struct{}
	blockedPeers map[crypto.PeerID]struct{}
}

func NewPolicy(mode Mode, repos ...crypto.RepoID) *Policy {
	p := &Policy{
		mode:         mode,
		repos:        make(map[crypto.RepoID]struct{}, len(repos)),
		peers:        make(map[crypto.PeerID]struct{}),
		blockedPeers: make(map[crypto.PeerID]struct{}),
	}
	for _, r := range repos {
		p.repos[r] = struct{}{}
	}
	return p
}

// TrackAllExcept tracks everything but blocked.
func TrackAllExcept(blocked ...crypto.RepoID) *Policy { return NewPolicy(TrackAll, blocked...) }

// AllowOnly tracks exactly repos.
func AllowOnly(repos ...crypto.RepoID) *Policy { return NewPolicy(TrackAllowlist, repos...) }

func (p *Policy) Mode() Mode { return p.mode }

func (p *Policy) Tracks(repo crypto.RepoID) bool {
	_, listed := p.repos[repo]
	if p.mode == TrackAllowlist {
		return listed
	}
	return !listed
}

// Track starts replicating repo. It reports whether anything changed.
func (p *Policy) Track(repo crypto.RepoID) bool {
	if p.Tracks(repo) {
		return false
	}
	if p.mode == TrackAllowlist {
		p.repos[repo] = struct{}{}
	} else {
		delete(p.repos, repo)
	}
	return true
}

func (p *Policy) Untrack(repo crypto.RepoID) bool {
	if !p.Tracks(repo) {
		return false
	}
	if p.mode == TrackAllowlist {
		delete(p.repos, repo)
	} else {
		p.repos[repo] = struct{}{}
	}
	return true
}

// AllowPeer restricts accepted signers to the allowed set. With no allowed
// peers every signer that is not blocked is accepted.
func (p *Policy) AllowPeer(id crypto.PeerID) { p.peers[id] = struct{}{} }

func (p *Policy) BlockPeer(id crypto.PeerID) { p.blockedPeers[id] = struct{}{} }

func (p *Policy) AllowsPeer(id crypto.PeerID) bool {
	if _, blocked := p.blockedPeers[id]; blocked {
		return false
	}
	if len(p.peers) == 0 {
		return true
	}
	_, ok := p.peers[id]
	return ok
}

func (p *Policy) Accepts(repo crypto.RepoID, signer crypto.PeerID) bool {
	return p.Tracks(repo) && p.AllowsPeer(signer)
}

// Repos lists the allowlisted repositories, or the blocked ones in TrackAll
// mode, in canonical order.
func (p *Policy) Repos() []crypto.RepoID {
	out := make([]crypto.RepoID, 0, len(p.repos))
	for r := range p.repos {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// Filter is the subscription this node asks its peers for.
func (p *Policy) Filter() proto.Filter {
	if p.mode == TrackAll {
		return proto.MatchAll()
	}
	return proto.NewFilter(p.Repos()...)
}
