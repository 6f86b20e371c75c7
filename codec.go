// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package sshagentd

import (
	"encoding/binary"
	"math/big"
)

// Decoder is a cursor over a byte span implementing the agent wire
// primitives. Every getter sets a sticky failure flag on a short read
// instead of panicking or returning an error; callers read all the
// fields a request defines and then consult Failed once, at the end,
// to decide whether the request was malformed.
type Decoder struct {
	buf    []byte
	pos    int
	failed bool
}

// NewDecoder returns a Decoder positioned at the start of buf.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Failed reports whether any prior read ran past the end of the buffer.
func (d *Decoder) Failed() bool { return d.failed }

// Remaining returns whatever bytes have not yet been consumed. Used only
// by SIGN_REQUEST, to detect its optional trailing flags word; every
// other handler ignores it.
func (d *Decoder) Remaining() []byte {
	if d.failed || d.pos > len(d.buf) {
		return nil
	}
	return d.buf[d.pos:]
}

func (d *Decoder) take(n int) []byte {
	if d.failed || n < 0 || d.pos+n > len(d.buf) {
		d.failed = true
		return nil
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b
}

// GetByte reads a single byte.
func (d *Decoder) GetByte() byte {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

// GetUint32 reads a big-endian uint32.
func (d *Decoder) GetUint32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

// GetData reads exactly n raw bytes. The returned slice aliases the
// decoder's backing buffer; callers that need to retain it beyond the
// life of the request must copy it.
func (d *Decoder) GetData(n int) []byte {
	return d.take(n)
}

// GetString reads a uint32-length-prefixed byte string.
func (d *Decoder) GetString() []byte {
	n := d.GetUint32()
	if d.failed {
		return nil
	}
	return d.take(int(n))
}

// GetMPSSH1 reads an SSH-1 style multiple-precision integer: a 16-bit
// big-endian bit length followed by ceil(bits/8) big-endian bytes.
func (d *Decoder) GetMPSSH1() *big.Int {
	bits := d.take(2)
	if bits == nil {
		return nil
	}
	bitLen := int(binary.BigEndian.Uint16(bits))
	nbytes := (bitLen + 7) / 8
	raw := d.take(nbytes)
	if raw == nil {
		return nil
	}
	return new(big.Int).SetBytes(raw)
}

// GetMPInt reads an SSH-2 style "mpint": a uint32-length-prefixed,
// big-endian two's-complement integer (the format used inside the
// OpenSSH ADD_IDENTITY ssh-rsa private-key body). This is distinct from
// the SSH-1 mp_ssh1 encoding read by GetMPSSH1.
func (d *Decoder) GetMPInt() *big.Int {
	b := d.GetString()
	if d.failed {
		return nil
	}
	return new(big.Int).SetBytes(b) // values on this path are always non-negative
}

// GetRSASSH1Pub reads an SSH-1 RSA public key: uint32 bits, then the
// exponent and modulus each as an mp_ssh1, exponent first.
func (d *Decoder) GetRSASSH1Pub() (bits uint32, e, n *big.Int) {
	bits = d.GetUint32()
	e = d.GetMPSSH1()
	n = d.GetMPSSH1()
	return
}

// Encoder is an append-only byte buffer with primitives symmetric to
// Decoder's.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an empty Encoder.
func NewEncoder() *Encoder { return &Encoder{} }

// Bytes returns the accumulated buffer. The caller must not mutate it
// after further writes.
func (e *Encoder) Bytes() []byte { return e.buf }

// Len reports the number of bytes written so far.
func (e *Encoder) Len() int { return len(e.buf) }

// PutByte appends a single byte.
func (e *Encoder) PutByte(b byte) { e.buf = append(e.buf, b) }

// PutUint32 appends a big-endian uint32.
func (e *Encoder) PutUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

// PutData appends raw bytes with no length prefix.
func (e *Encoder) PutData(b []byte) { e.buf = append(e.buf, b...) }

// PutString appends a uint32-length-prefixed byte string.
func (e *Encoder) PutString(b []byte) {
	e.PutUint32(uint32(len(b)))
	e.PutData(b)
}

// PutMPSSH1 appends v in SSH-1 mp_ssh1 form: a 16-bit bit length followed
// by its big-endian bytes. The bit length is the true bit length of v,
// not a byte-rounded one, matching the protocol's own mpint framing.
func (e *Encoder) PutMPSSH1(v *big.Int) {
	bits := v.BitLen()
	var lb [2]byte
	binary.BigEndian.PutUint16(lb[:], uint16(bits))
	e.buf = append(e.buf, lb[:]...)
	e.buf = append(e.buf, v.Bytes()...)
}

// PutMPInt appends v as an SSH-2 style mpint (see GetMPInt).
func (e *Encoder) PutMPInt(v *big.Int) {
	b := v.Bytes()
	if len(b) > 0 && b[0]&0x80 != 0 {
		b = append([]byte{0}, b...)
	}
	e.PutString(b)
}

// PutRSASSH1Pub appends an SSH-1 RSA public key: uint32 bits, then
// exponent and modulus as mp_ssh1, exponent first.
func (e *Encoder) PutRSASSH1Pub(bits uint32, exp, mod *big.Int) {
	e.PutUint32(bits)
	e.PutMPSSH1(exp)
	e.PutMPSSH1(mod)
}

// encodeFrame wraps payload in the 4-byte big-endian length prefix used
// for every request and reply on the wire.
func encodeFrame(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[:4], uint32(len(payload)))
	copy(out[4:], payload)
	return out
}

// fixedWidthBigEndian renders v as a big-endian integer exactly width
// bytes wide, zero-padded on the left. Used for the SSH-1 RSA challenge
// response, which operates on a fixed 256-bit representation regardless
// of the plaintext's minimal encoding.
func fixedWidthBigEndian(v *big.Int, width int) []byte {
	out := make([]byte, width)
	b := v.Bytes()
	if len(b) > width {
		b = b[len(b)-width:]
	}
	copy(out[width-len(b):], b)
	return out
}
