package inventory

import (
	"testing"

	"gitmesh/internal/crypto"
)

func digestN(i int) crypto.Digest {
	return crypto.Sum([]byte{byte(i), byte(i >> 8), byte(i >> 16)})
}

func TestSeenFilterGenerations(t *testing.T) {
	f := NewSeenFilter(1024, 0.001)
	id := digestN(1)
	if f.TestAndAdd(id) {
		t.Fatalf("fresh filter reported a hit")
	}
	if !f.TestAndAdd(id) {
		t.Fatalf("expected hit after add")
	}
	f.Rotate()
	if !f.Test(id) {
		t.Fatalf("previous generation must still answer")
	}
	f.Rotate()
	if f.Test(id) {
		t.Fatalf("expected id to age out after two rotations")
	}
}

func TestSeenFilterRotatesWhenFull(t *testing.T) {
	f := NewSeenFilter(8, 0.0001)
	for i := 0; i < 8; i++ {
		f.TestAndAdd(digestN(i))
	}
	if f.Added() != 8 {
		t.Fatalf("added=%d", f.Added())
	}
	f.TestAndAdd(digestN(100))
	if f.Added() != 1 {
		t.Fatalf("expected early rotation, added=%d", f.Added())
	}
	if !f.Test(digestN(0)) {
		t.Fatalf("early rotation dropped the newest full generation")
	}
}

func TestKnownSetEvictsOldest(t *testing.T) {
	k := NewKnownSet(3)
	for i := 0; i < 3; i++ {
		k.Add(digestN(i))
	}
	k.Add(digestN(0)) // refresh
	k.Add(digestN(3))
	if k.Has(digestN(1)) {
		t.Fatalf("expected least recently added id to go")
	}
	for _, i := range []int{0, 2, 3} {
		if !k.Has(digestN(i)) {
			t.Fatalf("missing %d", i)
		}
	}
	if k.Len() != 3 {
		t.Fatalf("len=%d", k.Len())
	}
}
