// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package sshagentd

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
)

func TestServeOneAppliesSuppressLoggingHook(t *testing.T) {
	var mu sync.Mutex
	var lines []string
	srv := NewServer(Config{
		Logf: func(format string, args ...any) {
			mu.Lock()
			defer mu.Unlock()
			lines = append(lines, fmt.Sprintf(format, args...))
		},
		SuppressLogging: func(label string) bool { return true },
	})

	cconn, sconn := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- srv.ServeOne(sconn) }()

	if _, err := cconn.Write(frameRequestIdentities()); err != nil {
		t.Fatalf("write request: %v", err)
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(cconn, lenBuf[:]); err != nil {
		t.Fatalf("read reply length: %v", err)
	}
	body := make([]byte, binary.BigEndian.Uint32(lenBuf[:]))
	if _, err := io.ReadFull(cconn, body); err != nil {
		t.Fatalf("read reply body: %v", err)
	}
	cconn.Close()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(lines) != 1 {
		t.Fatalf("got %d log lines, want 1: %v", len(lines), lines)
	}
	if want := "agent[pipe]: SUCCESS"; lines[0] != want {
		t.Errorf("log line = %q, want %q (suppressed: no kind/fingerprints)", lines[0], want)
	}
}

func TestServeOneWithoutSuppressHookLogsKind(t *testing.T) {
	var mu sync.Mutex
	var lines []string
	srv := NewServer(Config{
		Logf: func(format string, args ...any) {
			mu.Lock()
			defer mu.Unlock()
			lines = append(lines, fmt.Sprintf(format, args...))
		},
	})

	cconn, sconn := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- srv.ServeOne(sconn) }()

	if _, err := cconn.Write(frameRequestIdentities()); err != nil {
		t.Fatalf("write request: %v", err)
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(cconn, lenBuf[:]); err != nil {
		t.Fatalf("read reply length: %v", err)
	}
	body := make([]byte, binary.BigEndian.Uint32(lenBuf[:]))
	if _, err := io.ReadFull(cconn, body); err != nil {
		t.Fatalf("read reply body: %v", err)
	}
	cconn.Close()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(lines) != 1 {
		t.Fatalf("got %d log lines, want 1: %v", len(lines), lines)
	}
	if want := "agent[pipe]: REQUEST_IDENTITIES SUCCESS"; lines[0] != want {
		t.Errorf("log line = %q, want %q", lines[0], want)
	}
}
