// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package externalkeys_test

import (
	"context"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/sshagentd/sshagentd"
	"github.com/sshagentd/sshagentd/externalkeys"
	"github.com/tailscale/setec/client/setec"
	"github.com/tailscale/setec/setectest"
	"golang.org/x/crypto/ssh"
)

func TestSourceUpdate(t *testing.T) {
	const testSecret = "test/ssh-agent/key"

	// The key pair lives in the module root's testdata directory, which
	// go:embed cannot reach from this package, so it is read at run time.
	testPrivKey, err := os.ReadFile("../testdata/test_ed25519.key")
	if err != nil {
		t.Fatalf("read private key: %v", err)
	}
	testPubKey, err := os.ReadFile("../testdata/test_ed25519.key.pub")
	if err != nil {
		t.Fatalf("read public key: %v", err)
	}

	db := setectest.NewDB(t, nil)
	db.MustPut(db.Superuser, testSecret, string(testPrivKey))
	ss := setectest.NewServer(t, db, nil)
	hs := httptest.NewServer(ss.Mux)
	defer hs.Close()

	pubKey, _, _, rest, err := ssh.ParseAuthorizedKey(testPubKey)
	if err != nil {
		t.Fatalf("parse authorized key: %v", err)
	} else if len(rest) != 0 {
		t.Fatal("extra data after authorized key")
	}

	store := sshagentd.NewKeyStore()
	src := externalkeys.New(externalkeys.Config{
		Client: setec.Client{Server: hs.URL, DoHTTP: hs.Client().Do},
		Prefix: "test/ssh-agent",
		Logf:   t.Logf,
	}, store)

	if err := src.Update(context.Background()); err != nil {
		t.Fatalf("initial update: %v", err)
	}
	if got, want := store.Count(sshagentd.Version2), 1; got != want {
		t.Fatalf("store has %d v2 keys, want %d", got, want)
	}
	if key := store.Find(sshagentd.Version2, pubKey.Marshal()); key == nil {
		t.Fatal("loaded key not found by its public blob")
	}

	// A second update against an unchanged secret set must not disturb
	// the already-loaded key (it should be recognized via fillKnown and
	// kept as is, neither re-fetched nor duplicated).
	if err := src.Update(context.Background()); err != nil {
		t.Fatalf("second update: %v", err)
	}
	if got, want := store.Count(sshagentd.Version2), 1; got != want {
		t.Fatalf("after no-op update: store has %d v2 keys, want %d", got, want)
	}
}

func TestNewPanicsOnEmptyPrefix(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("New with empty prefix: expected panic")
		}
	}()
	externalkeys.New(externalkeys.Config{}, sshagentd.NewKeyStore())
}
