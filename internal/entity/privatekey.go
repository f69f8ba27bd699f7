package entity

import (
	"crypto/ed25519"
	"sync"

	"github.com/google/uuid"

	"agentproto/internal/wire"
)

// PrivateKey is the instance's own long-term keypair (spec.md §3
// "PrivateKey. Singleton owned by the instance... Settable exactly once
// via control; further attempts fail with PRIVATE_KEY_ALREADY_SET"),
// grounded on the original source's ups_private_key_set.c / src/
// protocolservice/ups_control_decode_and_dispatch_private_key_set.c, which
// reject a second install outright rather than silently overwrite.
type PrivateKey struct {
	AgentID    uuid.UUID
	EncPubKey  []byte
	EncPrivKey []byte
	SignPubKey ed25519.PublicKey
	SignPrivKey ed25519.PrivateKey
}

// KeyStore guards the single PrivateKey slot.
type KeyStore struct {
	mu  sync.Mutex
	key *PrivateKey
}

// NewKeyStore returns an empty key store.
func NewKeyStore() *KeyStore { return &KeyStore{} }

// Set installs the instance's private key exactly once. A second call
// returns wire.StatusPrivateKeyAlreadySet and leaves the stored key
// bit-exact (spec.md §8 property 7).
func (ks *KeyStore) Set(k PrivateKey) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.key != nil {
		return wire.StatusPrivateKeyAlreadySet
	}
	stored := k
	stored.EncPubKey = append([]byte(nil), k.EncPubKey...)
	stored.EncPrivKey = append([]byte(nil), k.EncPrivKey...)
	stored.SignPubKey = append(ed25519.PublicKey(nil), k.SignPubKey...)
	stored.SignPrivKey = append(ed25519.PrivateKey(nil), k.SignPrivKey...)
	ks.key = &stored
	return nil
}

// Get returns the installed key, or (nil, false) if none has been set yet.
func (ks *KeyStore) Get() (*PrivateKey, bool) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.key, ks.key != nil
}

// Scrub zeroes the stored key's secret material. Called on instance
// disposal (spec.md §8 property 6).
func (ks *KeyStore) Scrub() {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.key == nil {
		return
	}
	zero(ks.key.EncPrivKey)
	zero(ks.key.SignPrivKey)
	ks.key = nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
