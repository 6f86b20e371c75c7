// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package sshagentd

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/creachadair/taskgroup"
)

// Config carries the settings for a [Server].
type Config struct {
	// Logf, if set, is used to write logs. If nil, logs are discarded.
	Logf func(string, ...any)

	// SuppressLogging, if set, is consulted once per accepted connection
	// with that connection's diagnostic label (see remoteLabel). If it
	// returns true, the client's suppress_logging flag is set before any
	// of its requests are handled, so only a bare outcome line is logged
	// for them.
	SuppressLogging func(label string) bool
}

// Server is the top-level agent: a KeyStore plus everything needed to
// accept connections and serve both the SSH-1 and SSH-2 agent protocols
// against it.
type Server struct {
	store           *KeyStore
	handler         *RequestHandler
	registry        *ClientRegistry
	log             logf
	suppressLogging func(string) bool
}

// NewServer constructs an empty Server. Keys are added either over the
// wire (ADD_IDENTITY / ADD_RSA_IDENTITY) or by a caller with direct
// access to the Store, such as the externalkeys package.
func NewServer(cfg Config) *Server {
	log := logf(cfg.Logf)
	store := NewKeyStore()
	registry := NewClientRegistry()
	return &Server{
		store:           store,
		handler:         NewRequestHandler(store, registry, log),
		registry:        registry,
		log:             log,
		suppressLogging: cfg.SuppressLogging,
	}
}

// Store returns the agent's KeyStore, for callers (tests, externalkeys)
// that need to add keys outside the wire protocol.
func (s *Server) Store() *KeyStore { return s.store }

// Serve accepts connections from lst and serves each in its own
// goroutine, until lst closes or ctx is done.
func (s *Server) Serve(ctx context.Context, lst net.Listener) {
	var g taskgroup.Group
	g.Run(func() {
		<-ctx.Done()
		s.log.printf("agent: context done, closing listener")
		lst.Close()
	})
	for {
		conn, err := lst.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.printf("agent: listener stopped: %v", err)
			}
			break
		}
		g.Go(func() error { return s.ServeOne(conn) })
	}
	g.Wait()
}

// ServeOne drives the agent protocol over a single connection until it
// closes, then cancels any PendingOps still outstanding for that client.
// It is safe to call concurrently from multiple goroutines with separate
// connections.
func (s *Server) ServeOne(conn io.ReadWriteCloser) error {
	defer conn.Close()
	label := remoteLabel(conn)
	client := s.registry.NewClient(label)
	if s.suppressLogging != nil && s.suppressLogging(label) {
		client.SetSuppressLogging(true)
	}
	queue := NewResponseQueue(conn)
	fsm := NewConnectionFSM(s.handler, queue, client)

	err := fsm.Run(conn)
	fsm.Wait()
	queue.Close()
	s.registry.Remove(client, queue)
	return err
}

type remoteAddrer interface{ RemoteAddr() net.Addr }

func remoteLabel(conn io.ReadWriteCloser) string {
	if ra, ok := conn.(remoteAddrer); ok {
		return ra.RemoteAddr().String()
	}
	return "conn"
}
