// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package sshagentd

import (
	"bytes"
	"crypto/rsa"
	"sort"
	"sync"

	"golang.org/x/crypto/ssh"
)

// Key is a single loaded identity. Keys of Version 1 carry an RSA key
// usable for SSH-1 challenge-response; keys of Version 2 carry a signer
// for one of the supported SSH-2 public-key algorithms.
type Key struct {
	Version KeyVersion
	Blob    []byte // canonical, version-specific public blob; owned, stable
	Comment string

	rsaPriv *rsa.PrivateKey // Version1 only
	signer  ssh.Signer      // Version2 only

	// rawSecret, if set, is scrubbed on destruction. No code in this
	// package sets it, and no signing or challenge-response path reads it.
	rawSecret []byte
}

// zero best-effort scrubs secret material before the Key is released.
// Go gives no hard guarantee that overwritten bytes never linger in a
// moved/copied backing array, but this bounds their lifetime to the
// point a caller still held the only reference.
func (k *Key) zero() {
	if k.rsaPriv != nil {
		k.rsaPriv.D.SetInt64(0)
		for _, p := range k.rsaPriv.Primes {
			p.SetInt64(0)
		}
		k.rsaPriv = nil
	}
	k.signer = nil
	for i := range k.rawSecret {
		k.rawSecret[i] = 0
	}
	k.rawSecret = nil
}

// NewKeyFromSigner builds a version-2 Key around an already-parsed
// signer, for callers outside this package that obtain keys from an
// external source.
func NewKeyFromSigner(signer ssh.Signer, comment string) *Key {
	return &Key{Version: Version2, Blob: signer.PublicKey().Marshal(), Comment: comment, signer: signer}
}

// fingerprint is a short hex digest of the public blob, safe to log.
func (k *Key) fingerprint() string {
	return fingerprintBlob(k.Blob)
}

// compareKey orders (version, blob) against an existing store entry:
// version first, then blob compared lexicographically as raw bytes.
func compareKey(version KeyVersion, blob []byte, other *Key) int {
	if version != other.Version {
		if version < other.Version {
			return -1
		}
		return 1
	}
	return bytes.Compare(blob, other.Blob)
}

// KeyStore is the sorted, deduplicated collection of keys loaded into
// the agent. It is ordered by (version, public_blob) and that order is
// externally observable in list replies.
type KeyStore struct {
	mu      sync.Mutex
	entries []*Key
}

// NewKeyStore returns an empty KeyStore.
func NewKeyStore() *KeyStore {
	return &KeyStore{}
}

// search returns the index of the first entry >= (version, blob), and
// whether that entry is an exact match.
func (s *KeyStore) search(version KeyVersion, blob []byte) (int, bool) {
	i := sort.Search(len(s.entries), func(i int) bool {
		return compareKey(version, blob, s.entries[i]) <= 0
	})
	if i < len(s.entries) && compareKey(version, blob, s.entries[i]) == 0 {
		return i, true
	}
	return i, false
}

// Add inserts key. It returns false without mutating the store, and
// without taking ownership of key, if an entry with the same
// (version, public_blob) already exists.
func (s *KeyStore) Add(key *Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, found := s.search(key.Version, key.Blob)
	if found {
		return false
	}
	s.entries = append(s.entries, nil)
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = key
	return true
}

// Find returns the entry matching (version, blob), or nil.
func (s *KeyStore) Find(version KeyVersion, blob []byte) *Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, found := s.search(version, blob); found {
		return s.entries[i]
	}
	return nil
}

// Remove deletes and returns the entry matching (version, blob), if
// present, or nil if not.
func (s *KeyStore) Remove(version KeyVersion, blob []byte) *Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, found := s.search(version, blob)
	if !found {
		return nil
	}
	k := s.entries[i]
	s.entries = append(s.entries[:i], s.entries[i+1:]...)
	return k
}

// RemoveAll drops every entry of the given version and returns how many
// were removed.
func (s *KeyStore) RemoveAll(version KeyVersion) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	lo := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].Version >= version })
	hi := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].Version > version })
	removed := make([]*Key, hi-lo)
	copy(removed, s.entries[lo:hi])
	s.entries = append(s.entries[:lo], s.entries[hi:]...)
	for _, k := range removed {
		k.zero()
	}
	return len(removed)
}

// Count returns the number of stored entries of the given version.
func (s *KeyStore) Count(version KeyVersion) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	lo := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].Version >= version })
	hi := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].Version > version })
	return hi - lo
}

// Nth returns the i'th entry (0-based, in sort order) of the given
// version, or nil if out of range.
func (s *KeyStore) Nth(version KeyVersion, i int) *Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	lo := sort.Search(len(s.entries), func(j int) bool { return s.entries[j].Version >= version })
	hi := sort.Search(len(s.entries), func(j int) bool { return s.entries[j].Version > version })
	if lo+i >= hi {
		return nil
	}
	return s.entries[lo+i]
}

// ListSerialized writes the version-specific list reply body for
// version into enc: a uint32 count followed by that many entries, each
// "public_blob_v || string(comment)".
func (s *KeyStore) ListSerialized(version KeyVersion, enc *Encoder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lo := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].Version >= version })
	hi := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].Version > version })
	enc.PutUint32(uint32(hi - lo))
	for _, k := range s.entries[lo:hi] {
		if version == Version1 {
			enc.PutData(k.Blob) // fixed-shape rsa_ssh1_pub, no length prefix
		} else {
			enc.PutString(k.Blob)
		}
		enc.PutString([]byte(k.Comment))
	}
}
