// This package defines the id type used for locally-authored rows. It is
// based on random 16 byte values.
package ids

import (
	"bytes"
	crypto_rand "crypto/rand"
	"encoding/hex"
	"io"
)

type ID [16]byte

func IDFromBytes(b []byte) ID {
	return [16]byte(b)
}

func NewID() ID {
	var id [16]byte
	_, err := io.ReadFull(crypto_rand.Reader, id[:])
	if err != nil {
		panic("short read from random source")
	}
	return id
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

func Compare(a, b ID) int {
	return bytes.Compare(a[:], b[:])
}
