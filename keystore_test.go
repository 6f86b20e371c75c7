// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package sshagentd

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestKeyStoreOrdering(t *testing.T) {
	s := NewKeyStore()
	// Insert out of order; the store must sort by (version, blob).
	keys := []*Key{
		{Version: Version2, Blob: []byte("bbb")},
		{Version: Version1, Blob: []byte("zzz")},
		{Version: Version2, Blob: []byte("aaa")},
		{Version: Version1, Blob: []byte("aaa")},
	}
	for _, k := range keys {
		if !s.Add(k) {
			t.Fatalf("Add(%+v): unexpected duplicate", k)
		}
	}

	var got []*Key
	for v := Version1; v <= Version2; v++ {
		for i := 0; i < s.Count(v); i++ {
			got = append(got, s.Nth(v, i))
		}
	}
	want := []*Key{keys[3], keys[1], keys[2], keys[0]}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreUnexported(Key{})); diff != "" {
		t.Errorf("Wrong order (-want +got):\n%s", diff)
	}
}

func TestKeyStoreAddDuplicateRejected(t *testing.T) {
	s := NewKeyStore()
	k1 := &Key{Version: Version2, Blob: []byte("dup")}
	k2 := &Key{Version: Version2, Blob: []byte("dup")}
	if !s.Add(k1) {
		t.Fatal("first Add failed unexpectedly")
	}
	if s.Add(k2) {
		t.Fatal("second Add with same (version, blob) should be rejected")
	}
	if got := s.Find(Version2, []byte("dup")); got != k1 {
		t.Errorf("Find returned %+v, want the original entry", got)
	}
}

func TestKeyStoreRemove(t *testing.T) {
	s := NewKeyStore()
	k := &Key{Version: Version1, Blob: []byte("x")}
	s.Add(k)
	if got := s.Remove(Version1, []byte("x")); got != k {
		t.Fatalf("Remove returned %+v, want %+v", got, k)
	}
	if got := s.Remove(Version1, []byte("x")); got != nil {
		t.Fatalf("second Remove returned %+v, want nil", got)
	}
	if got := s.Count(Version1); got != 0 {
		t.Fatalf("Count after remove = %d, want 0", got)
	}
}

func TestKeyStoreRemoveAll(t *testing.T) {
	s := NewKeyStore()
	s.Add(&Key{Version: Version1, Blob: []byte("a")})
	s.Add(&Key{Version: Version1, Blob: []byte("b")})
	s.Add(&Key{Version: Version2, Blob: []byte("c")})

	if n := s.RemoveAll(Version1); n != 2 {
		t.Fatalf("RemoveAll(Version1) = %d, want 2", n)
	}
	if got := s.Count(Version1); got != 0 {
		t.Fatalf("Count(Version1) after RemoveAll = %d, want 0", got)
	}
	if got := s.Count(Version2); got != 1 {
		t.Fatalf("Count(Version2) after unrelated RemoveAll = %d, want 1", got)
	}
}

func TestKeyStoreListSerializedEmpty(t *testing.T) {
	s := NewKeyStore()
	enc := NewEncoder()
	s.ListSerialized(Version2, enc)
	dec := NewDecoder(enc.Bytes())
	if n := dec.GetUint32(); n != 0 {
		t.Fatalf("count = %d, want 0", n)
	}
	if dec.Failed() {
		t.Fatal("unexpected decode failure on empty list")
	}
}
