// wire.go - wire helpers for key-exchange values

// Copyright (c) 2020 the skiff authors
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)

package kex

import (
	"crypto"
	"encoding/binary"
	"errors"
	"io"
)

// Public values travel as opaque length-prefixed byte strings
// regardless of group family (RFC 5656 section 4 writes Q_C/Q_S as
// "strings"; we extend that treatment to every variant).

const maxValueLen = 64 * 1024 // sanity bound; no real value approaches this

// PutValue writes a length-prefixed opaque byte string.
func PutValue(w io.Writer, v []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(v))); err != nil {
		return err
	}
	_, err := w.Write(v)
	return err
}

// GetValue reads a length-prefixed opaque byte string.
func GetValue(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	if n > maxValueLen {
		return nil, errors.New("kex: insane value length")
	}
	v := make([]byte, n)
	if _, err := io.ReadFull(r, v); err != nil {
		return nil, err
	}
	return v, nil
}

// ExchangeHash hashes the negotiation transcript parts and the shared
// secret, producing the digest that seeds session key material and
// serves as session identity. Each transcript part is hashed
// length-prefixed; the secret is hashed as an mpint.
func ExchangeHash(h crypto.Hash, secret []byte, transcript ...[]byte) []byte {
	d := h.New()
	var lenb [4]byte
	for _, t := range transcript {
		binary.BigEndian.PutUint32(lenb[:], uint32(len(t)))
		d.Write(lenb[:])
		d.Write(t)
	}
	m := mpint(secret)
	binary.BigEndian.PutUint32(lenb[:], uint32(len(m)))
	d.Write(lenb[:])
	d.Write(m)
	return d.Sum(nil)
}

// mpint renders an unsigned big-endian value in two's-complement mpint
// form: leading zeroes dropped, then one zero byte restored if the high
// bit would read as a sign.
func mpint(b []byte) []byte {
	i := 0
	for ; i < len(b); i++ {
		if b[i] != 0 {
			break
		}
	}
	b = b[i:]
	if len(b) > 0 && b[0]&0x80 != 0 {
		return append([]byte{0}, b...)
	}
	return b
}
