// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package sshagentd

// Wire protocol constants for the SSH-1 and SSH-2 agent protocols. Values
// are fixed by [PROTOCOL.agent] and must match bit for bit; do not renumber.
const (
	agentFailure = 5
	agentSuccess = 6

	ssh1AgentcRequestRSAIdentities     = 1
	ssh1AgentRSAIdentitiesAnswer       = 2
	ssh1AgentcRSAChallenge             = 3
	ssh1AgentRSAResponse               = 4
	ssh1AgentcAddRSAIdentity           = 7
	ssh1AgentcRemoveRSAIdentity        = 8
	ssh1AgentcRemoveAllRSAIdentities   = 9
	ssh2AgentcRequestIdentities        = 11
	ssh2AgentIdentitiesAnswer          = 12
	ssh2AgentcSignRequest              = 13
	ssh2AgentSignResponse              = 14
	ssh2AgentcAddIdentity              = 17
	ssh2AgentcRemoveIdentity           = 18
	ssh2AgentcRemoveAllIdentities      = 19
)

// agentMaxMsglen bounds the frame length this agent will buffer. A
// frame whose declared length is >= this value minus the 4-byte length
// field itself is refused without being buffered; see ConnectionFSM.
const agentMaxMsglen = 262144

// SSH-2 sign request flag bits. Only ssh-rsa keys advertise support for
// either bit; every other algorithm supports flags == 0 only.
const (
	sshAgentRSASHA2256 = 1 << 1
	sshAgentRSASHA2512 = 1 << 2
)

// KeyVersion identifies which agent protocol generation a stored key
// belongs to.
type KeyVersion int

const (
	Version1 KeyVersion = 1
	Version2 KeyVersion = 2
)
