// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package sshagentd

import (
	"crypto/sha256"
	"fmt"
)

// fingerprintBlob is a short hex digest of a public blob, safe to put in
// logs; it never touches secret material.
func fingerprintBlob(blob []byte) string {
	h := sha256.Sum256(blob)
	return fmt.Sprintf("SHA256:%x", h[:8])
}

// logf is the logging hook shared by every component that needs to
// write a log line: nil discards.
type logf func(string, ...any)

func (f logf) printf(format string, args ...any) {
	if f != nil {
		f(format, args...)
	}
}

// logOutcome emits one line for a completed request, tagged with the
// client's diagnostic label if one is known (see ClientRegistry.Describe).
// If suppress is set, only the bare outcome is logged; otherwise the
// kind and any key fingerprints are included too.
func (f logf) logOutcome(suppress bool, label, kind string, fingerprints []string, outcome string) {
	if f == nil {
		return
	}
	prefix := "agent:"
	if label != "" {
		prefix = "agent[" + label + "]:"
	}
	if suppress {
		f.printf("%s %s", prefix, outcome)
		return
	}
	if len(fingerprints) == 0 {
		f.printf("%s %s %s", prefix, kind, outcome)
		return
	}
	f.printf("%s %s %v %s", prefix, kind, fingerprints, outcome)
}
