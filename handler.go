// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package sshagentd

import (
	"crypto/ed25519"
	"crypto/md5"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"math/big"

	"golang.org/x/crypto/ssh"
)

var (
	errNotAnRSAKey   = errors.New("exponent out of range for an RSA key")
	errBadEd25519Key = errors.New("malformed ed25519 private key")
)

// RequestHandler dispatches one decoded request to a reply, consulting
// a KeyStore and the crypto backends (golang.org/x/crypto/ssh signers,
// and this package's own RSA primitives for the SSH-1 path). It never
// writes to a connection directly; see ResponseQueue for that.
type RequestHandler struct {
	store    *KeyStore
	registry *ClientRegistry
	log      logf
}

// NewRequestHandler returns a handler backed by store, logging through
// log (which may be nil to discard). registry, if non-nil, supplies the
// diagnostic client label attached to each log line; it may be nil in
// tests that don't care about labeling.
func NewRequestHandler(store *KeyStore, registry *ClientRegistry, log logf) *RequestHandler {
	return &RequestHandler{store: store, registry: registry, log: log}
}

// dispatchResult carries a reply plus the bookkeeping needed to log it.
type dispatchResult struct {
	reply   []byte
	kind    string
	fps     []string
	outcome string
}

func failureResult(kind string, fps []string, why string) dispatchResult {
	return dispatchResult{reply: []byte{agentFailure}, kind: kind, fps: fps, outcome: "FAILURE: " + why}
}

func successResult(kind string, fps []string, reply []byte) dispatchResult {
	return dispatchResult{reply: reply, kind: kind, fps: fps, outcome: "SUCCESS"}
}

// Handle decodes and dispatches one request body (the payload following
// the frame length, i.e. including the leading type byte) and logs the
// outcome according to client's suppress_logging flag. It returns the
// single reply buffer to hand to the ResponseQueue.
func (h *RequestHandler) Handle(client *ClientHandle, body []byte) []byte {
	res := h.dispatch(body)
	var suppress bool
	var label string
	if client != nil {
		suppress = client.SuppressLogging()
		label = h.registry.Describe(client.ID())
	}
	h.log.logOutcome(suppress, label, res.kind, res.fps, res.outcome)
	return res.reply
}

func (h *RequestHandler) dispatch(body []byte) dispatchResult {
	if len(body) == 0 {
		return failureResult("unknown", nil, "empty request")
	}
	d := NewDecoder(body[1:])
	tag := body[0]
	switch tag {
	case ssh1AgentcRequestRSAIdentities:
		return h.listReply(Version1, "REQUEST_RSA_IDENTITIES", ssh1AgentRSAIdentitiesAnswer)
	case ssh2AgentcRequestIdentities:
		return h.listReply(Version2, "REQUEST_IDENTITIES", ssh2AgentIdentitiesAnswer)
	case ssh1AgentcRSAChallenge:
		return h.rsaChallenge(d)
	case ssh2AgentcSignRequest:
		return h.signRequest(d)
	case ssh1AgentcAddRSAIdentity:
		return h.addRSAIdentity(d)
	case ssh2AgentcAddIdentity:
		return h.addIdentity(d)
	case ssh1AgentcRemoveRSAIdentity:
		return h.removeRSAIdentity(d)
	case ssh2AgentcRemoveIdentity:
		return h.removeIdentity(d)
	case ssh1AgentcRemoveAllRSAIdentities:
		h.store.RemoveAll(Version1)
		return successResult("REMOVE_ALL_RSA_IDENTITIES", nil, encodeByte(agentSuccess))
	case ssh2AgentcRemoveAllIdentities:
		h.store.RemoveAll(Version2)
		return successResult("REMOVE_ALL_IDENTITIES", nil, encodeByte(agentSuccess))
	default:
		return failureResult("unknown", nil, "unrecognized request tag")
	}
}

func encodeByte(b byte) []byte { return []byte{b} }

// listReply implements REQUEST_RSA_IDENTITIES / REQUEST_IDENTITIES.
// Trailing garbage in the request body is tolerated for both.
func (h *RequestHandler) listReply(version KeyVersion, kind string, successTag byte) dispatchResult {
	enc := NewEncoder()
	enc.PutByte(successTag)
	h.store.ListSerialized(version, enc)
	return successResult(kind, nil, enc.Bytes())
}

// rsaChallenge implements SSH1_AGENTC_RSA_CHALLENGE.
func (h *RequestHandler) rsaChallenge(d *Decoder) dispatchResult {
	bits, e, n := d.GetRSASSH1Pub()
	challenge := d.GetMPSSH1()
	sessionID := d.GetData(16)
	respType := d.GetUint32()
	if d.Failed() {
		return failureResult("RSA_CHALLENGE", nil, "decode error")
	}
	if respType != 1 {
		return failureResult("RSA_CHALLENGE", nil, "unsupported response type")
	}
	blob := rsa1PubBlob(bits, e, n)
	fp := fingerprintBlob(blob)
	key := h.store.Find(Version1, blob)
	if key == nil {
		return failureResult("RSA_CHALLENGE", []string{fp}, "key not found")
	}

	// Raw RSA decrypt: m = c^d mod n. No padding scheme is involved;
	// the challenge is a bare integer by construction.
	plain := new(big.Int).Exp(challenge, key.rsaPriv.D, key.rsaPriv.N)
	rep := fixedWidthBigEndian(plain, 32)
	sum := md5.Sum(append(rep, sessionID...))

	enc := NewEncoder()
	enc.PutByte(ssh1AgentRSAResponse)
	enc.PutData(sum[:])
	return successResult("RSA_CHALLENGE", []string{fp}, enc.Bytes())
}

// rsa1PubBlob renders an SSH-1 RSA public key in the store's canonical
// form: the fixed-shape rsa_ssh1_pub encoding.
func rsa1PubBlob(bits uint32, e, n *big.Int) []byte {
	enc := NewEncoder()
	enc.PutRSASSH1Pub(bits, e, n)
	return enc.Bytes()
}

// supportedSignFlags reports which SSH2_AGENT_SIGN flag bits algo
// advertises support for. Only ssh-rsa keys support choosing a SHA-2
// variant; every other algorithm supports flags == 0 only.
func supportedSignFlags(algo string) uint32 {
	if algo == ssh.KeyAlgoRSA {
		return sshAgentRSASHA2256 | sshAgentRSASHA2512
	}
	return 0
}

// signRequest implements SSH2_AGENTC_SIGN_REQUEST. The
// trailing flags word is optional; its absence is equivalent to
// flags == 0 and must never by itself cause failure.
func (h *RequestHandler) signRequest(d *Decoder) dispatchResult {
	blob := d.GetString()
	data := d.GetString()
	if d.Failed() {
		return failureResult("SIGN_REQUEST", nil, "decode error")
	}
	var flags uint32
	if len(d.Remaining()) >= 4 {
		flags = d.GetUint32()
	}
	fp := fingerprintBlob(blob)
	key := h.store.Find(Version2, blob)
	if key == nil {
		return failureResult("SIGN_REQUEST", []string{fp}, "key not found")
	}
	supported := supportedSignFlags(key.signer.PublicKey().Type())
	if flags&^supported != 0 {
		return failureResult("SIGN_REQUEST", []string{fp}, "unsupported flag bits")
	}

	sig, err := signWithFlags(key.signer, data, flags)
	if err != nil {
		return failureResult("SIGN_REQUEST", []string{fp}, "signing failed: "+err.Error())
	}

	enc := NewEncoder()
	enc.PutByte(ssh2AgentSignResponse)
	enc.PutString(ssh.Marshal(sig))
	return successResult("SIGN_REQUEST", []string{fp}, enc.Bytes())
}

// signWithFlags signs data with signer, honoring an RSA SHA-2 flag
// selection via ssh.AlgorithmSigner when the signer supports it. rand
// is only ever passed through to satisfy the ssh.Signer interface
// contract of the underlying crypto backend; this package's own
// dispatch logic never itself consumes randomness (see DESIGN.md).
func signWithFlags(signer ssh.Signer, data []byte, flags uint32) (*ssh.Signature, error) {
	algo, ok := signer.(ssh.AlgorithmSigner)
	if ok {
		switch {
		case flags&sshAgentRSASHA2512 != 0:
			return algo.SignWithAlgorithm(rand.Reader, data, ssh.KeyAlgoRSASHA512)
		case flags&sshAgentRSASHA2256 != 0:
			return algo.SignWithAlgorithm(rand.Reader, data, ssh.KeyAlgoRSASHA256)
		}
	}
	return signer.Sign(rand.Reader, data)
}

// addRSAIdentity implements SSH1_AGENTC_ADD_RSA_IDENTITY.
// The wire layout (bits, n, e, d, iqmp, p, q, comment) matches the
// historical SSH-1 private-key field order.
func (h *RequestHandler) addRSAIdentity(d *Decoder) dispatchResult {
	bits := d.GetUint32()
	n := d.GetMPSSH1()
	e := d.GetMPSSH1()
	priv := d.GetMPSSH1()
	_ = d.GetMPSSH1() // iqmp: recomputed by Precompute, not required verbatim
	p := d.GetMPSSH1()
	q := d.GetMPSSH1()
	comment := d.GetString()
	if d.Failed() {
		return failureResult("ADD_RSA_IDENTITY", nil, "decode error")
	}
	if e.BitLen() == 0 || e.BitLen() > 63 {
		return failureResult("ADD_RSA_IDENTITY", nil, "invalid exponent")
	}
	rsaPriv := &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{N: n, E: int(e.Int64())},
		D:         priv,
		Primes:    []*big.Int{p, q},
	}
	rsaPriv.Precompute()
	if err := rsaPriv.Validate(); err != nil || !rsaSelfTest(rsaPriv) {
		return failureResult("ADD_RSA_IDENTITY", nil, "RSA self-test failed")
	}

	blob := rsa1PubBlob(bits, e, n)
	key := &Key{Version: Version1, Blob: blob, Comment: string(comment), rsaPriv: rsaPriv}
	if !h.store.Add(key) {
		key.zero()
		return failureResult("ADD_RSA_IDENTITY", []string{fingerprintBlob(blob)}, "duplicate key")
	}
	return successResult("ADD_RSA_IDENTITY", []string{fingerprintBlob(blob)}, encodeByte(agentSuccess))
}

// rsaSelfTest performs a deterministic, padding-free round trip
// (m -> c -> m') to catch a corrupted key before it is trusted for
// challenge-response. It uses a fixed plaintext rather than a randomly
// generated one: the request path never draws from a general-purpose
// RNG.
func rsaSelfTest(priv *rsa.PrivateKey) bool {
	m := new(big.Int).SetUint64(0x0123456789abcdef)
	m.Mod(m, priv.N)
	if m.Sign() == 0 {
		m.SetInt64(1)
	}
	c := new(big.Int).Exp(m, big.NewInt(int64(priv.E)), priv.N)
	m2 := new(big.Int).Exp(c, priv.D, priv.N)
	return m.Cmp(m2) == 0
}

// addIdentity implements SSH2_AGENTC_ADD_IDENTITY for the
// algorithms this agent supports: ssh-rsa and ssh-ed25519.
func (h *RequestHandler) addIdentity(d *Decoder) dispatchResult {
	algo := string(d.GetString())
	if d.Failed() {
		return failureResult("ADD_IDENTITY", nil, "decode error")
	}
	var signer ssh.Signer
	var comment []byte
	var err error
	switch algo {
	case ssh.KeyAlgoRSA:
		signer, comment, err = parseAddRSA(d)
	case ssh.KeyAlgoED25519:
		signer, comment, err = parseAddEd25519(d)
	default:
		return failureResult("ADD_IDENTITY", nil, "unknown algorithm "+algo)
	}
	if d.Failed() {
		return failureResult("ADD_IDENTITY", nil, "decode error")
	}
	if err != nil {
		return failureResult("ADD_IDENTITY", nil, "key parse failed: "+err.Error())
	}

	blob := signer.PublicKey().Marshal()
	key := &Key{Version: Version2, Blob: blob, Comment: string(comment), signer: signer}
	if !h.store.Add(key) {
		key.zero()
		return failureResult("ADD_IDENTITY", []string{fingerprintBlob(blob)}, "duplicate key")
	}
	return successResult("ADD_IDENTITY", []string{fingerprintBlob(blob)}, encodeByte(agentSuccess))
}

func parseAddRSA(d *Decoder) (ssh.Signer, []byte, error) {
	n := d.GetMPInt()
	e := d.GetMPInt()
	priv := d.GetMPInt()
	_ = d.GetMPInt() // iqmp, recomputed by Precompute
	p := d.GetMPInt()
	q := d.GetMPInt()
	comment := d.GetString()
	if d.Failed() {
		return nil, nil, nil
	}
	if e.BitLen() == 0 || e.BitLen() > 63 {
		return nil, nil, errNotAnRSAKey
	}
	rsaPriv := &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{N: n, E: int(e.Int64())},
		D:         priv,
		Primes:    []*big.Int{p, q},
	}
	rsaPriv.Precompute()
	if err := rsaPriv.Validate(); err != nil {
		return nil, nil, err
	}
	signer, err := ssh.NewSignerFromKey(rsaPriv)
	if err != nil {
		return nil, nil, err
	}
	return signer, comment, nil
}

func parseAddEd25519(d *Decoder) (ssh.Signer, []byte, error) {
	pub := d.GetString()
	priv := d.GetString()
	comment := d.GetString()
	if d.Failed() {
		return nil, nil, nil
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, nil, errBadEd25519Key
	}
	sk := ed25519.PrivateKey(append([]byte(nil), priv...))
	signer, err := ssh.NewSignerFromKey(sk)
	if err != nil {
		return nil, nil, err
	}
	_ = pub // redundant with the key material embedded in priv
	return signer, comment, nil
}

// removeRSAIdentity implements SSH1_AGENTC_REMOVE_RSA_IDENTITY.
func (h *RequestHandler) removeRSAIdentity(d *Decoder) dispatchResult {
	bits, e, n := d.GetRSASSH1Pub()
	if d.Failed() {
		return failureResult("REMOVE_RSA_IDENTITY", nil, "decode error")
	}
	blob := rsa1PubBlob(bits, e, n)
	fp := fingerprintBlob(blob)
	key := h.store.Remove(Version1, blob)
	if key == nil {
		return failureResult("REMOVE_RSA_IDENTITY", []string{fp}, "not found")
	}
	key.zero()
	return successResult("REMOVE_RSA_IDENTITY", []string{fp}, encodeByte(agentSuccess))
}

// removeIdentity implements SSH2_AGENTC_REMOVE_IDENTITY.
func (h *RequestHandler) removeIdentity(d *Decoder) dispatchResult {
	blob := d.GetString()
	if d.Failed() {
		return failureResult("REMOVE_IDENTITY", nil, "decode error")
	}
	fp := fingerprintBlob(blob)
	key := h.store.Remove(Version2, blob)
	if key == nil {
		return failureResult("REMOVE_IDENTITY", []string{fp}, "not found")
	}
	key.zero()
	return successResult("REMOVE_IDENTITY", []string{fp}, encodeByte(agentSuccess))
}
