package testutil

import (
	"bytes"
	"testing"
	"time"

	"gitmesh/internal/crypto"
	"gitmesh/internal/proto"
)

const (
	DefaultMaxFuzzBytes = 1 << 16
	DefaultFuzzTimeout  = 100 * time.Millisecond
)

func CapBytes(b []byte, max int) []byte {
	if max <= 0 {
		return b
	}
	if len(b) > max {
		return b[:max]
	}
	return b
}

// WithTimeout runs fn on its own goroutine, so fn must report with
// t.Errorf rather than t.Fatalf.
func WithTimeout(t testing.TB, d time.Duration, fn func()) {
	t.Helper()
	if d <= 0 {
		d = DefaultFuzzTimeout
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("timeout after %s", d)
	}
}

// Keypair returns a deterministic key derived from seed.
func Keypair(t testing.TB, seed byte) *crypto.Keypair {
	t.Helper()
	k, err := crypto.KeypairFromSeed(bytes.Repeat([]byte{seed}, crypto.SeedSize))
	if err != nil {
		t.Fatalf("keypair from seed failed: %v", err)
	}
	return k
}

func Repo(b byte) crypto.RepoID {
	var r crypto.RepoID
	r[0] = b
	r[31] = b
	return r
}

func Digest(b byte) crypto.Digest {
	var d crypto.Digest
	d[0] = b
	d[31] = 0xff - b
	return d
}

func SignedEntry(t testing.TB, k crypto.Signer, repo crypto.RepoID, ref string, target crypto.Digest, ts uint64) proto.InventoryEntry {
	t.Helper()
	e := proto.InventoryEntry{Repo: repo, Ref: ref, Target: target, Timestamp: ts}
	if err := e.Sign(k); err != nil {
		t.Fatalf("sign entry failed: %v", err)
	}
	return e
}
