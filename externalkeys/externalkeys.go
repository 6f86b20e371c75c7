// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package externalkeys loads SSH identities from a [setec] secrets
// service into a [sshagentd.KeyStore], so an agent can offer keys it
// never received over the wire ADD_IDENTITY path.
//
// [setec]: https://github.com/tailscale/setec
package externalkeys

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"strings"
	"sync"

	"github.com/sshagentd/sshagentd"
	"github.com/tailscale/setec/client/setec"
	"github.com/tailscale/setec/types/api"
	"golang.org/x/crypto/ssh"
)

// Config carries the settings for a [Source].
type Config struct {
	// Client is the client for the secrets service. It must be set.
	Client setec.Client

	// Prefix is the secret name prefix to be loaded. It must be
	// non-empty; a trailing "/" is added if missing.
	Prefix string

	// Logf, if set, is used to write logs. If nil, logs are discarded.
	Logf func(string, ...any)
}

// Source tracks which keys from a secrets service prefix are currently
// loaded into a [sshagentd.KeyStore], and can [Source.Update] that set
// against the service's current contents.
type Source struct {
	prefix      string // includes trailing "/"
	setecClient setec.Client
	store       *sshagentd.KeyStore
	logf        func(string, ...any)

	mu   sync.Mutex
	keys map[string]*loadedKey // by public key id, see publicKeyID
}

// New constructs a Source that loads keys matching config into store.
// The caller must call [Source.Update] at least once to populate store;
// thereafter Update may be called as often as desired (e.g. on a
// polling timer) to pick up additions, rotations, and removals.
func New(config Config, store *sshagentd.KeyStore) *Source {
	if config.Prefix == "" {
		panic("empty secret name prefix")
	}
	if !strings.HasSuffix(config.Prefix, "/") {
		config.Prefix += "/"
	}
	return &Source{
		prefix:      config.Prefix,
		setecClient: config.Client,
		store:       store,
		logf:        config.Logf,
		keys:        make(map[string]*loadedKey),
	}
}

type loadedKey struct {
	name    string
	version api.SecretVersion
	key     *sshagentd.Key
}

// Update fetches the current secret list from the service, adds any
// new or rotated key to the store, and removes from the store any key
// that is no longer present under the configured prefix or whose
// active version changed (the rotated version is re-added under its
// new content, so its store entry — and thus its public blob — may
// differ). In case of a fetch error, the store is left unmodified for
// whichever secrets could not be refreshed.
func (s *Source) Update(ctx context.Context) error {
	ss, err := s.setecClient.List(ctx)
	if err != nil {
		return err
	}
	found := make(map[string]api.SecretVersion)
	for _, sec := range ss {
		if !strings.HasPrefix(sec.Name, s.prefix) {
			continue // wrong prefix, skip this one
		}
		found[sec.Name] = sec.ActiveVersion
	}

	have := s.fillKnown(found)
	for name := range found {
		sec, err := s.setecClient.Get(ctx, name)
		if err != nil {
			return fmt.Errorf("get %q: %w", name, err)
		}
		s.logPrintf("[update] fetched %q version %d", name, sec.Version)
		key, err := parseStoredKey(name, sec.Version, sec.Value)
		if err != nil {
			s.logPrintf("[update] WARNING: skipped invalid key %q (%v)", name, err)
			continue
		}
		if !s.store.Add(key.key) {
			s.logPrintf("[update] WARNING: %q collides with an existing key, skipped", name)
			continue
		}
		have[publicKeyID(key.key.Blob)] = key
	}

	s.mu.Lock()
	stale := s.keys
	s.keys = have
	s.mu.Unlock()

	for id, old := range stale {
		if _, kept := have[id]; !kept {
			s.store.Remove(sshagentd.Version2, old.key.Blob)
		}
	}
	return nil
}

// fillKnown returns those secrets listed in found that are already
// loaded with the same version, and removes them from found so the
// caller only re-fetches what actually changed.
func (s *Source) fillKnown(found map[string]api.SecretVersion) map[string]*loadedKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*loadedKey)
	for id, key := range s.keys {
		if v, ok := found[key.name]; ok && v == key.version {
			out[id] = key
			delete(found, key.name)
			s.logPrintf("[update] keep %q version %d", key.name, key.version)
		}
	}
	return out
}

func (s *Source) logPrintf(msg string, args ...any) {
	if s.logf != nil {
		s.logf(msg, args...)
	}
}

func publicKeyID(blob []byte) string {
	h := sha256.Sum256(blob)
	return fmt.Sprintf("%x", h[:])
}

// parseStoredKey parses the stored version of a secret from data. The
// contents must be a PEM-formatted OpenSSH private key; only RSA and
// ed25519 are accepted, since those are the only algorithms the agent
// protocol's v2 ADD_IDENTITY path supports (see sshagentd.addIdentity).
func parseStoredKey(name string, version api.SecretVersion, data []byte) (*loadedKey, error) {
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, err
	}
	switch signer.PublicKey().Type() {
	case ssh.KeyAlgoRSA, ssh.KeyAlgoED25519:
	default:
		return nil, fmt.Errorf("unsupported key algorithm %q", signer.PublicKey().Type())
	}
	comment := parseComment(data)
	if comment == "" {
		comment = name
	}
	return &loadedKey{
		name:    name,
		version: version,
		key:     sshagentd.NewKeyFromSigner(signer, comment),
	}, nil
}

// parseComment extracts the public key comment field from the
// PEM-encoded key. It returns "" if no comment could be found.
func parseComment(key []byte) string {
	blk, _ := pem.Decode(key)
	if blk == nil {
		return ""
	}

	// The OpenSSH key format begins with a header followed by a public
	// and a private key. Cut off the headers and skip the public key to
	// find the private key, where the comment resides. The header is
	// separated from the keys by a hard-coded uint32 key count of 1
	// (big-endian).
	_, keys, ok := bytes.Cut(blk.Bytes, []byte("\x00\x00\x00\x01"))
	if !ok {
		return ""
	}

	// Skip the public key...
	if len(keys) < 4 {
		return ""
	}
	pubLen := int(binary.BigEndian.Uint32(keys))
	if 4+pubLen > len(keys) {
		return ""
	}
	keys = keys[4+pubLen:]

	// Extract the private key...
	if len(keys) < 4 {
		return ""
	}
	privLen := int(binary.BigEndian.Uint32(keys))
	if 4+privLen > len(keys) {
		return ""
	}

	// Remove padding at end (pad bytes are 0x01-0x07).
	for n := len(keys) - 1; n >= 0 && keys[n] < 0x08; n-- {
		keys = keys[:n]
	}
	if len(keys) < 12 {
		return ""
	}
	keys = keys[4:] // remove length prefix (checked above)
	keys = keys[8:] // remove checksum (not used)

	// The comment is the last length-prefixed field of the private key.
	// Skip past all the others.
	for len(keys) >= 4 {
		n := int(binary.BigEndian.Uint32(keys))
		if 4+n == len(keys) {
			return string(keys[4:])
		}
		keys = keys[4+n:]
	}
	return ""
}
