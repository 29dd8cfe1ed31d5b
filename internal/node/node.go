// Package node holds the local identity and the per-connection session
// state machine.
package node

import (
	"fmt"
	"os"

	"gitmesh/internal/crypto"
)

// Node is the local identity: the key that signs inventory and names this
// node on the wire.
type Node struct {
	Home string
	Key  *crypto.Keypair
	ID   crypto.PeerID
}

// Open loads the key under home, creating home and a fresh key on first use.
func Open(home string) (*Node, error) {
	if err := os.MkdirAll(home, 0700); err != nil {
		return nil, err
	}
	k, _, err := crypto.LoadOrCreateKeypair(home)
	if err != nil {
		return nil, fmt.Errorf("node key: %w", err)
	}
	return &Node{Home: home, Key: k, ID: k.PeerID()}, nil
}

// SessionConfig stamps base with this node's identity.
func (n *Node) SessionConfig(base Config) Config {
	base.Local = n.ID
	base.Signer = n.Key
	return base.withDefaults()
}
