// internal/crypto/crypto.go
package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/sha3"
)

// -----------------------------------------------------------------------------
// gitmesh crypto suite
//
// - Ed25519 for node identity and inventory signatures
// - SHA3-256 for every digest outside of git objects
// -----------------------------------------------------------------------------

const (
	PeerIDSize    = ed25519.PublicKeySize // 32
	DigestSize    = 32
	SignatureSize = ed25519.SignatureSize // 64
	SeedSize      = ed25519.SeedSize
)

var (
	ErrBadLength = errors.New("bad length")
	ErrBadHex    = errors.New("bad hex")
)

// -----------------------------------------------------------------------------
// Identifiers
// -----------------------------------------------------------------------------

// PeerID is a node's Ed25519 public key.
type PeerID [PeerIDSize]byte

func (p PeerID) String() string { return hex.EncodeToString(p[:]) }

// Short is an abbreviated form for logs.
func (p PeerID) Short() string { return hex.EncodeToString(p[:6]) }

func (p PeerID) IsZero() bool { return p == PeerID{} }

// Less orders peer ids by their key bytes.
func (p PeerID) Less(o PeerID) bool { return bytes.Compare(p[:], o[:]) < 0 }

func ParsePeerID(s string) (PeerID, error) {
	var id PeerID
	err := decodeFixed(id[:], s)
	return id, err
}

// Digest is a fixed-width content hash. Git objects in sha256 repositories
// use the same width, so object ids are Digests too.
type Digest [DigestSize]byte

func (d Digest) String() string { return hex.EncodeToString(d[:]) }

func (d Digest) IsZero() bool { return d == Digest{} }

func (d Digest) Compare(o Digest) int { return bytes.Compare(d[:], o[:]) }

func ParseDigest(s string) (Digest, error) {
	var d Digest
	err := decodeFixed(d[:], s)
	return d, err
}

// RepoID names a repository by content.
type RepoID [DigestSize]byte

func (r RepoID) String() string { return hex.EncodeToString(r[:]) }

func (r RepoID) IsZero() bool { return r == RepoID{} }

func (r RepoID) Compare(o RepoID) int { return bytes.Compare(r[:], o[:]) }

func ParseRepoID(s string) (RepoID, error) {
	var r RepoID
	err := decodeFixed(r[:], s)
	return r, err
}

// NewRepoID derives a repository id from its root identity document.
func NewRepoID(doc []byte) RepoID {
	return RepoID(Sum(KDF("gitmesh:repo:v1", doc)))
}

type Signature [SignatureSize]byte

func (s Signature) String() string { return hex.EncodeToString(s[:]) }

func decodeFixed(dst []byte, s string) error {
	s = strings.TrimSpace(s)
	if len(s) != 2*len(dst) {
		return fmt.Errorf("%w: want %d hex chars, got %d", ErrBadLength, 2*len(dst), len(s))
	}
	if _, err := hex.Decode(dst, []byte(s)); err != nil {
		return fmt.Errorf("%w: %v", ErrBadHex, err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// SHA-3
// -----------------------------------------------------------------------------

func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

func Sum(msg []byte) Digest {
	return Digest(sha3.Sum256(msg))
}

func KDF(label string, parts ...[]byte) []byte {
	buf := make([]byte, 0, len(label))
	buf = append(buf, []byte(label)...)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return SHA3_256(buf)
}

// -----------------------------------------------------------------------------
// Signing
// -----------------------------------------------------------------------------

type Signer interface {
	PeerID() PeerID
	Sign(msg []byte) Signature
}

type Keypair struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func GenKeypair() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Keypair{pub: pub, priv: priv}, nil
}

func KeypairFromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("%w: seed", ErrBadLength)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Keypair{pub: priv.Public().(ed25519.PublicKey), priv: priv}, nil
}

func (k *Keypair) PeerID() PeerID {
	var id PeerID
	copy(id[:], k.pub)
	return id
}

func (k *Keypair) Sign(msg []byte) Signature {
	var sig Signature
	copy(sig[:], ed25519.Sign(k.priv, msg))
	return sig
}

func (k *Keypair) Seed() []byte {
	return k.priv.Seed()
}

// String keeps private material out of logs.
func (k *Keypair) String() string { return "Keypair(" + k.PeerID().Short() + ")" }

func (k *Keypair) GoString() string { return k.String() }

func Verify(id PeerID, msg []byte, sig Signature) bool {
	return ed25519.Verify(ed25519.PublicKey(id[:]), msg, sig[:])
}

// -----------------------------------------------------------------------------
// Key files
// -----------------------------------------------------------------------------

const (
	pubFile  = "pub.hex"
	privFile = "priv.hex"
)

func SaveKeypair(dir string, k *Keypair) error {
	if k == nil || len(k.priv) == 0 {
		return errors.New("empty key")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, pubFile), []byte(hex.EncodeToString(k.pub)), 0600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, privFile), []byte(hex.EncodeToString(k.Seed())), 0600)
}

func LoadKeypair(dir string) (*Keypair, error) {
	privHex, err := os.ReadFile(filepath.Join(dir, privFile))
	if err != nil {
		return nil, err
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(privHex)))
	if err != nil {
		return nil, fmt.Errorf("bad %s", privFile)
	}
	k, err := KeypairFromSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("bad %s: %w", privFile, err)
	}
	pubHex, err := os.ReadFile(filepath.Join(dir, pubFile))
	if err != nil {
		return nil, err
	}
	id, err := ParsePeerID(string(pubHex))
	if err != nil {
		return nil, fmt.Errorf("bad %s: %w", pubFile, err)
	}
	if id != k.PeerID() {
		return nil, fmt.Errorf("%s does not match %s", pubFile, privFile)
	}
	return k, nil
}

// LoadOrCreateKeypair returns the keypair stored in dir, generating one on
// first use. created reports whether a new key was written.
func LoadOrCreateKeypair(dir string) (k *Keypair, created bool, err error) {
	k, err = LoadKeypair(dir)
	if err == nil {
		return k, false, nil
	}
	if !os.IsNotExist(err) {
		return nil, false, err
	}
	k, err = GenKeypair()
	if err != nil {
		return nil, false, err
	}
	if err := SaveKeypair(dir, k); err != nil {
		return nil, false, err
	}
	return k, true, nil
}
