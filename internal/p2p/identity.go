package p2p

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	crypto "github.com/libp2p/go-libp2p/core/crypto"
	peer "github.com/libp2p/go-libp2p/core/peer"
)

// PersistentIdentity is the on-disk form of the node keypair. The peer
// ID is derived from the public key, so all overlay traffic is
// authenticated against it.
type PersistentIdentity struct {
	PrivKey []byte `json:"priv_key"`
	PeerID  string `json:"peer_id"`
}

// LoadOrCreateIdentity returns the node keypair persisted at path,
// generating and saving a fresh Ed25519 keypair on first launch.
func LoadOrCreateIdentity(path string) (crypto.PrivKey, peer.ID, error) {
	if priv, pid, err := loadIdentity(path); err == nil {
		return priv, pid, nil
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, "", fmt.Errorf("identity: generate key: %w", err)
	}
	pid, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, "", fmt.Errorf("identity: derive peer id: %w", err)
	}
	if err := saveIdentity(path, priv, pid); err != nil {
		return nil, "", err
	}
	return priv, pid, nil
}

func loadIdentity(path string) (crypto.PrivKey, peer.ID, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	var id PersistentIdentity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, "", fmt.Errorf("identity: parse %s: %w", path, err)
	}
	priv, err := crypto.UnmarshalPrivateKey(id.PrivKey)
	if err != nil {
		return nil, "", fmt.Errorf("identity: unmarshal key: %w", err)
	}
	pid, err := peer.Decode(id.PeerID)
	if err != nil {
		return nil, "", fmt.Errorf("identity: decode peer id: %w", err)
	}
	return priv, pid, nil
}

func saveIdentity(path string, priv crypto.PrivKey, pid peer.ID) error {
	privBytes, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return fmt.Errorf("identity: marshal key: %w", err)
	}
	data, err := json.Marshal(PersistentIdentity{PrivKey: privBytes, PeerID: pid.String()})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("identity: create data dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("identity: write %s: %w", path, err)
	}
	return nil
}
