// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package sshagentd_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/sshagentd/sshagentd"
	"golang.org/x/crypto/ssh"
)

// slowSigner wraps a real signer but delays every Sign call, to
// reproduce a handler that completes out of order with respect to a
// request submitted after it on the same connection.
type slowSigner struct {
	ssh.Signer
	delay time.Duration
}

func (s slowSigner) Sign(rand io.Reader, data []byte) (*ssh.Signature, error) {
	time.Sleep(s.delay)
	return s.Signer.Sign(rand, data)
}

func newConn(t *testing.T, srv *sshagentd.Server) (client net.Conn, wait func()) {
	t.Helper()
	cconn, sconn := net.Pipe()
	run := taskgroup.Run(func() { srv.ServeOne(sconn) })
	return cconn, func() { cconn.Close(); run.Wait() }
}

func readFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	var lenBuf [4]byte
	if _, err := readFull(conn, lenBuf[:]); err != nil {
		t.Fatalf("read length prefix: %v", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	if _, err := readFull(conn, body); err != nil {
		t.Fatalf("read body (%d bytes): %v", n, err)
	}
	return body
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func writeFrame(t *testing.T, conn net.Conn, payload []byte) {
	t.Helper()
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		t.Fatalf("write length prefix: %v", err)
	}
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write body: %v", err)
	}
}

func TestIntegrationEmptyListRoundTrip(t *testing.T) {
	const sshAgentcRequestIdentities = 11
	const sshAgentIdentitiesAnswer = 12

	srv := sshagentd.NewServer(sshagentd.Config{Logf: t.Logf})
	conn, done := newConn(t, srv)
	defer done()

	writeFrame(t, conn, []byte{sshAgentcRequestIdentities})
	reply := readFrame(t, conn)
	if reply[0] != sshAgentIdentitiesAnswer {
		t.Fatalf("REQUEST_IDENTITIES reply tag = %d, want %d", reply[0], sshAgentIdentitiesAnswer)
	}
	dec := decoder(reply[1:])
	if n := dec.getUint32(); n != 0 {
		t.Fatalf("identity count = %d, want 0", n)
	}
}

func TestIntegrationAddSignRemoveRoundTrip(t *testing.T) {
	srv := sshagentd.NewServer(sshagentd.Config{Logf: t.Logf})
	conn, done := newConn(t, srv)
	defer done()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	const sshAgentcAddIdentity = 17
	const sshAgentSuccess = 6
	const sshAgentcSignRequest = 13
	const sshAgentSignResponse = 14
	const sshAgentcRemoveIdentity = 18

	enc := newEncoder()
	enc.putByte(sshAgentcAddIdentity)
	enc.putString([]byte(ssh.KeyAlgoED25519))
	enc.putString(pub)
	enc.putString(priv)
	enc.putString([]byte("pipe test key"))
	writeFrame(t, conn, enc.bytes())

	reply := readFrame(t, conn)
	if reply[0] != sshAgentSuccess {
		t.Fatalf("ADD_IDENTITY reply = %v, want SUCCESS", reply)
	}

	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	blob := signer.PublicKey().Marshal()

	enc = newEncoder()
	enc.putByte(sshAgentcSignRequest)
	enc.putString(blob)
	enc.putString([]byte("sign this"))
	writeFrame(t, conn, enc.bytes())

	reply = readFrame(t, conn)
	if reply[0] != sshAgentSignResponse {
		t.Fatalf("SIGN_REQUEST reply tag = %d, want %d", reply[0], sshAgentSignResponse)
	}

	enc = newEncoder()
	enc.putByte(sshAgentcRemoveIdentity)
	enc.putString(blob)
	writeFrame(t, conn, enc.bytes())

	reply = readFrame(t, conn)
	if reply[0] != sshAgentSuccess {
		t.Fatalf("REMOVE_IDENTITY reply = %v, want SUCCESS", reply)
	}
}

func TestIntegrationOutOfOrderCompletionPreservesFIFO(t *testing.T) {
	srv := sshagentd.NewServer(sshagentd.Config{Logf: t.Logf})

	_, slowPriv, _ := ed25519.GenerateKey(rand.Reader)
	slowBase, _ := ssh.NewSignerFromKey(slowPriv)
	slow := slowSigner{Signer: slowBase, delay: 150 * time.Millisecond}
	srv.Store().Add(sshagentd.NewKeyFromSigner(slow, "slow"))

	_, fastPriv, _ := ed25519.GenerateKey(rand.Reader)
	fastSigner, _ := ssh.NewSignerFromKey(fastPriv)
	srv.Store().Add(sshagentd.NewKeyFromSigner(fastSigner, "fast"))

	conn, done := newConn(t, srv)
	defer done()

	const sshAgentcSignRequest = 13
	const sshAgentSignResponse = 14

	slowEnc := newEncoder()
	slowEnc.putByte(sshAgentcSignRequest)
	slowEnc.putString(slow.PublicKey().Marshal())
	slowEnc.putString([]byte("slow payload"))
	writeFrame(t, conn, slowEnc.bytes())

	fastEnc := newEncoder()
	fastEnc.putByte(sshAgentcSignRequest)
	fastEnc.putString(fastSigner.PublicKey().Marshal())
	fastEnc.putString([]byte("fast payload"))
	writeFrame(t, conn, fastEnc.bytes())

	// The slow request was submitted first, so its reply must arrive
	// first, even though the fast handler finishes first internally:
	// reply order must track submission order, not completion order.
	first := readFrame(t, conn)
	second := readFrame(t, conn)
	if first[0] != sshAgentSignResponse || second[0] != sshAgentSignResponse {
		t.Fatalf("unexpected reply tags: %d, %d", first[0], second[0])
	}

	dec1 := decoder(first[1:])
	sig1 := dec1.getString()
	var parsed1 ssh.Signature
	if err := ssh.Unmarshal(sig1, &parsed1); err != nil {
		t.Fatalf("unmarshal first signature: %v", err)
	}
	if err := slow.PublicKey().Verify([]byte("slow payload"), &parsed1); err != nil {
		t.Fatalf("first reply is not the slow request's signature (FIFO order violated): %v", err)
	}

	dec2 := decoder(second[1:])
	sig2 := dec2.getString()
	var parsed2 ssh.Signature
	if err := ssh.Unmarshal(sig2, &parsed2); err != nil {
		t.Fatalf("unmarshal second signature: %v", err)
	}
	if err := fastSigner.PublicKey().Verify([]byte("fast payload"), &parsed2); err != nil {
		t.Fatalf("second reply is not the fast request's signature (FIFO order violated): %v", err)
	}
}

// Minimal wire-building helpers, independent of the internal package's
// own Encoder/Decoder, so this test exercises only the public protocol
// surface over the pipe.

type wireEncoder struct{ buf []byte }

func newEncoder() *wireEncoder { return &wireEncoder{} }

func (e *wireEncoder) putByte(b byte) { e.buf = append(e.buf, b) }

func (e *wireEncoder) putString(b []byte) {
	var lb [4]byte
	binary.BigEndian.PutUint32(lb[:], uint32(len(b)))
	e.buf = append(e.buf, lb[:]...)
	e.buf = append(e.buf, b...)
}

func (e *wireEncoder) bytes() []byte { return e.buf }

type wireDecoder struct {
	buf []byte
	pos int
}

func decoder(buf []byte) *wireDecoder { return &wireDecoder{buf: buf} }

func (d *wireDecoder) getUint32() uint32 {
	n := binary.BigEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return n
}

func (d *wireDecoder) getString() []byte {
	n := binary.BigEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	s := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return s
}
