package identity

import (
	"crypto/rand"
	"fmt"
	"os"

	libp2pCrypto "github.com/libp2p/go-libp2p/core/crypto"
	libp2pPeer "github.com/libp2p/go-libp2p/core/peer"
)

// Identity bundles the node keypair with its derived peer ID. It is
// created once at startup and never mutated.
type Identity struct {
	PrivKey libp2pCrypto.PrivKey
	PeerID  libp2pPeer.ID
}

// Load reads a libp2p-protobuf-encoded private key from keyFile and
// derives the peer ID. An empty keyFile yields an ephemeral Ed25519
// identity. A keyFile that exists but cannot be read or decoded is a
// configuration error.
func Load(keyFile string) (*Identity, error) {
	if keyFile == "" {
		return generate()
	}

	keyBytes, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	priv, err := libp2pCrypto.UnmarshalPrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("decoding key file: %w", err)
	}

	return fromKey(priv)
}

func generate() (*Identity, error) {
	priv, _, err := libp2pCrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	return fromKey(priv)
}

func fromKey(priv libp2pCrypto.PrivKey) (*Identity, error) {
	id, err := libp2pPeer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("deriving peer ID: %w", err)
	}
	return &Identity{PrivKey: priv, PeerID: id}, nil
}
