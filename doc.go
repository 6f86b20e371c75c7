// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package sshagentd implements a multi-client SSH authentication agent
// speaking both the legacy SSH-1 RSA agent protocol and the modern SSH-2
// agent protocol (see [PROTOCOL.agent]).
//
// A [Server] holds private keys in a [KeyStore], accepts framed requests
// on one or more byte-stream connections via [ConnectionFSM], dispatches
// them through a [RequestHandler], and writes replies back in strict
// per-connection arrival order through a [ResponseQueue] even when the
// handler that produced a given reply completes out of order with
// respect to its neighbors.
//
// Loading private keys from disk, decrypting them with a passphrase, and
// any access-control/confirmation policy are all out of scope: this
// package only holds keys once they are already in hand, either added
// over the wire (ADD_IDENTITY / ADD_RSA_IDENTITY) or injected locally by
// a caller (e.g. the externalkeys package).
//
// [PROTOCOL.agent]: https://datatracker.ietf.org/doc/html/draft-miller-ssh-agent
package sshagentd
