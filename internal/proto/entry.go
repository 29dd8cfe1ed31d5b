package proto

import (
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"gitmesh/internal/crypto"
)

const entryMaxSize = 32 + 2 + MaxRefNameLen + 32 + 8 + 32 + 64

const claimDomain = "gitmesh:inventory:v1"

var claimEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("proto: cbor enc mode: %v", err))
	}
	claimEncMode = em
}

// InventoryEntry claims that Signer's copy of Ref in Repo pointed at Target
// at Timestamp (unix milliseconds).
type InventoryEntry struct {
	Repo      crypto.RepoID
	Ref       string
	Target    crypto.Digest
	Timestamp uint64
	Signer    crypto.PeerID
	Signature crypto.Signature
}

type claim struct {
	_         struct{} `cbor:",toarray"`
	Domain    string
	Repo      []byte
	Ref       string
	Target    []byte
	Timestamp uint64
}

// SignedBytes is the deterministic CBOR encoding the signature covers.
func (e InventoryEntry) SignedBytes() ([]byte, error) {
	return claimEncMode.Marshal(claim{
		Domain:    claimDomain,
		Repo:      e.Repo[:],
		Ref:       e.Ref,
		Target:    e.Target[:],
		Timestamp: e.Timestamp,
	})
}

// Sign fills Signer and Signature.
func (e *InventoryEntry) Sign(s crypto.Signer) error {
	e.Signer = s.PeerID()
	msg, err := e.SignedBytes()
	if err != nil {
		return err
	}
	e.Signature = s.Sign(msg)
	return nil
}

func (e InventoryEntry) Verify() bool {
	msg, err := e.SignedBytes()
	if err != nil {
		return false
	}
	return crypto.Verify(e.Signer, msg, e.Signature)
}

// ID hashes the full wire form, signature included, so two entries share an
// id only if they are byte-identical.
func (e InventoryEntry) ID() crypto.Digest {
	w := writer{buf: make([]byte, 0, entryMaxSize)}
	e.encode(&w)
	return crypto.Sum(w.buf)
}

// Compare orders claims about the same ref: later timestamp first, then the
// lexicographically larger target. Zero means the claims are equivalent.
func (e InventoryEntry) Compare(o InventoryEntry) int {
	switch {
	case e.Timestamp > o.Timestamp:
		return 1
	case e.Timestamp < o.Timestamp:
		return -1
	}
	return e.Target.Compare(o.Target)
}

func (e InventoryEntry) String() string {
	return fmt.Sprintf("%s %s -> %s @%d", e.Repo.String()[:12], e.Ref, e.Target.String()[:12], e.Timestamp)
}

func validRef(ref string) bool {
	if ref == "" || len(ref) > MaxRefNameLen {
		return false
	}
	return !strings.ContainsAny(ref, "\x00\n ")
}

func (e InventoryEntry) encode(w *writer) {
	if !validRef(e.Ref) {
		w.fail("bad ref name %q", e.Ref)
		return
	}
	w.fixed(e.Repo[:])
	w.str(e.Ref, MaxRefNameLen, "ref")
	w.fixed(e.Target[:])
	w.u64(e.Timestamp)
	w.fixed(e.Signer[:])
	w.fixed(e.Signature[:])
}

func decodeEntry(r *reader) InventoryEntry {
	var e InventoryEntry
	r.fixed(e.Repo[:])
	e.Ref = r.str(MaxRefNameLen, "ref")
	r.fixed(e.Target[:])
	e.Timestamp = r.u64()
	r.fixed(e.Signer[:])
	r.fixed(e.Signature[:])
	if r.err == nil && !validRef(e.Ref) {
		r.fail("bad ref name")
	}
	return e
}
