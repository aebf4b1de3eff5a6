package jitter

import (
	"bytes"
	"hash"

	"golang.org/x/crypto/sha3"
)

const sha3DigestSize = 32

// Conditioner is the hashing backend that absorbs raw measurements and
// squeezes output blocks. The built-in implementation binds SHA3-256;
// an external provider may register a replacement with
// SwitchConditioner before Init. Replacements must be functionally
// identical.
type Conditioner interface {
	Absorb(p []byte)
	Squeeze(out *[sha3DigestSize]byte)
	Reset()
	SelfTest() error
}

type sha3Conditioner struct {
	h hash.Hash
}

func newSHA3Conditioner() Conditioner {
	return &sha3Conditioner{h: sha3.New256()}
}

func (s *sha3Conditioner) Absorb(p []byte) {
	s.h.Write(p)
}

// Squeeze finalizes the sponge into out, then folds the emitted digest
// back into the reset state. Prior measurements keep influencing every
// later block while the digest itself carries no fresh credit.
func (s *sha3Conditioner) Squeeze(out *[sha3DigestSize]byte) {
	s.h.Sum(out[:0])

	s.h.Reset()
	s.h.Write(out[:])
}

func (s *sha3Conditioner) Reset() {
	s.h.Reset()
}

// FIPS 202 test vector for SHA3-256("abc").
var sha3AbcDigest = []byte{
	0x3a, 0x98, 0x5d, 0xa7, 0x4f, 0xe2, 0x25, 0xb2,
	0x04, 0x5c, 0x17, 0x2d, 0x6b, 0xd3, 0x90, 0xbd,
	0x85, 0x5f, 0x08, 0x6e, 0x3e, 0x9d, 0x52, 0x5b,
	0x46, 0xbf, 0xe2, 0x45, 0x11, 0x43, 0x15, 0x32,
}

func (s *sha3Conditioner) SelfTest() error {
	h := sha3.New256()
	h.Write([]byte("abc"))

	if !bytes.Equal(h.Sum(nil), sha3AbcDigest) {
		return EHASH
	}

	return nil
}
