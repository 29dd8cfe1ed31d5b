package inventory

import (
	"testing"
	"time"

	"gitmesh/internal/crypto"
)

func peerN(b byte) crypto.PeerID {
	var p crypto.PeerID
	p[0] = b
	return p
}

func TestFetchProvidersInOrder(t *testing.T) {
	fs := NewFetches(0)
	key := FetchKey{Target: crypto.Digest{1}}
	now := time.Unix(100, 0)

	f, created := fs.Want(key, now, peerN(1), peerN(2))
	if !created {
		t.Fatalf("expected new fetch")
	}
	if _, created := fs.Want(key, now, peerN(2), peerN(3), crypto.PeerID{}); created {
		t.Fatalf("second want must merge")
	}
	if len(f.Providers) != 3 {
		t.Fatalf("expected 3 providers, got %d", len(f.Providers))
	}

	connected := func(p crypto.PeerID) bool { return p != peerN(1) }
	p, ok := f.Candidate(connected)
	if !ok || p != peerN(2) {
		t.Fatalf("expected first connected provider, got %v", p.Short())
	}
	id1 := fs.Start(f, p, now)
	fs.Stop(f)
	if _, ok := fs.ByID(id1); ok {
		t.Fatalf("stopped attempt is still indexed")
	}
	p, ok = f.Candidate(connected)
	if !ok || p != peerN(3) {
		t.Fatalf("expected next untried provider, got %v", p.Short())
	}
	id2 := fs.Start(f, p, now)
	if id2 == id1 {
		t.Fatalf("restarted attempt reused id %d", id1)
	}
	fs.Stop(f)
	if _, ok := f.Candidate(connected); ok {
		t.Fatalf("expected no usable provider left")
	}
	if f.Exhausted() {
		t.Fatalf("peer 1 was never tried")
	}
	if _, ok := f.Candidate(nil); !ok {
		t.Fatalf("peer 1 should still be a candidate once connected")
	}
}

func TestFetchReassignKeepsAttempt(t *testing.T) {
	fs := NewFetches(0)
	now := time.Unix(100, 0)
	f, _ := fs.Want(FetchKey{Target: crypto.Digest{1}}, now, peerN(1))
	id := fs.Start(f, peerN(1), now)
	fs.Reassign(f, peerN(2))
	if got, ok := fs.ByID(id); !ok || got.Assigned != peerN(2) {
		t.Fatalf("reassigned attempt lost")
	}
	if len(fs.AssignedTo(peerN(1))) != 0 || len(fs.AssignedTo(peerN(2))) != 1 {
		t.Fatalf("ownership did not move")
	}
	fs.Forget(f.Key)
	if fs.Len() != 0 || fs.Active() != 0 {
		t.Fatalf("forget left len=%d active=%d", fs.Len(), fs.Active())
	}
}

func TestFetchReleaseKeepsProviderEligible(t *testing.T) {
	fs := NewFetches(0)
	now := time.Unix(100, 0)
	f, _ := fs.Want(FetchKey{Target: crypto.Digest{2}}, now, peerN(1))
	fs.Start(f, peerN(1), now)
	fs.Release(f)
	if f.Active || fs.Active() != 0 {
		t.Fatalf("released attempt still active")
	}
	if f.Exhausted() {
		t.Fatalf("released provider counted as tried")
	}
	if p, ok := f.Candidate(nil); !ok || p != peerN(1) {
		t.Fatalf("expected peer 1 again, got %v ok=%v", p.Short(), ok)
	}
}

func TestFetchCapAndPrune(t *testing.T) {
	fs := NewFetches(2)
	now := time.Unix(100, 0)
	a, _ := fs.Want(FetchKey{Target: crypto.Digest{1}}, now)
	fs.Want(FetchKey{Target: crypto.Digest{2}}, now.Add(time.Second))
	if f, _ := fs.Want(FetchKey{Target: crypto.Digest{3}}, now); f != nil {
		t.Fatalf("expected full table to refuse")
	}
	fs.Start(a, peerN(1), now)
	dropped := fs.Prune(now.Add(time.Hour))
	if len(dropped) != 1 || dropped[0].Target != (crypto.Digest{2}) {
		t.Fatalf("prune must skip running fetches, dropped %v", dropped)
	}
	if idle := fs.Idle(); len(idle) != 0 {
		t.Fatalf("expected no idle fetches, got %d", len(idle))
	}
}
