// Package cipher derives a per-pipeline AES-256-GCM cipher state from a
// shared pre-key string, and seals/opens individual frame payloads.
//
// Derivation follows spec.md §3: salt = SHA-512(preKey), then
// PBKDF2(preKey, salt, iterations=10, SHA-256) yields a 256-bit AES key
// and a 256-bit buffer whose first 12 bytes seed the GCM nonce. The
// iteration count is deliberately low: this is pre-shared-key
// obfuscation, not password hardening.
//
// Unlike the historical implementation this derives from, two
// deviations close the GCM nonce-reuse hazard called out in spec.md §9
// (see DESIGN.md, Open Question #1):
//
//  1. Each sealed record XORs a monotonically increasing counter into
//     the low 8 bytes of the nonce prefix, so no two records sent in
//     one direction ever reuse a nonce.
//  2. The two directions of one pipeline (initiator→listener and
//     listener→initiator) derive independent key material, domain
//     separated by a direction label, so the two directions can never
//     collide even at counter value zero.
package cipher

import (
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"sync/atomic"

	"github.com/roadrunner-server/errors"
	"golang.org/x/crypto/pbkdf2"
)

const iterations = 10

// NonceSize is the standard GCM nonce length.
const NonceSize = 12

type direction struct {
	gcm         stdcipher.AEAD
	noncePrefix [NonceSize]byte
	counter     uint64 // atomic
}

func (d *direction) nonce() [NonceSize]byte {
	n := d.noncePrefix
	ctr := atomic.AddUint64(&d.counter, 1)
	var ctrBytes [8]byte
	binary.LittleEndian.PutUint64(ctrBytes[:], ctr)
	for i := 0; i < 8; i++ {
		n[NonceSize-8+i] ^= ctrBytes[i]
	}
	return n
}

func newDirection(preKey, label string) (*direction, error) {
	salt := sha512.Sum512([]byte(preKey + label))
	derived := pbkdf2.Key([]byte(preKey), salt[:], iterations, 64, sha256.New)

	block, err := aes.NewCipher(derived[:32])
	if err != nil {
		return nil, err
	}
	gcm, err := stdcipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	d := &direction{gcm: gcm}
	copy(d.noncePrefix[:], derived[32:32+NonceSize])
	return d, nil
}

// State is the derived cipher material for one pipeline. A nil *State
// means "no encryption" (empty pre-key).
type State struct {
	send *direction
	recv *direction
}

// Derive builds cipher state from preKey. An empty preKey yields (nil,
// nil): the caller should send/receive frames in the clear.
//
// isInitiator distinguishes the two ends of a pipeline (the carrier's
// dialer vs its acceptor) so that the two directions of traffic use
// independent key material.
func Derive(preKey string, isInitiator bool) (*State, error) {
	const op = errors.Op("cipher_derive")

	if preKey == "" {
		return nil, nil
	}

	c2s, err := newDirection(preKey, "c2s")
	if err != nil {
		return nil, errors.E(op, err)
	}
	s2c, err := newDirection(preKey, "s2c")
	if err != nil {
		return nil, errors.E(op, err)
	}

	s := &State{}
	if isInitiator {
		s.send, s.recv = c2s, s2c
	} else {
		s.send, s.recv = s2c, c2s
	}
	return s, nil
}

// Seal encrypts plaintext, returning the ciphertext+tag. Must be
// called in the same order records are written to the carrier.
func (s *State) Seal(plaintext []byte) []byte {
	nonce := s.send.nonce()
	return s.send.gcm.Seal(nil, nonce[:], plaintext, nil)
}

// Open decrypts ciphertext, returning an error if authentication
// fails. Must be called in the same order records arrive from the
// carrier.
func (s *State) Open(ciphertext []byte) ([]byte, error) {
	const op = errors.Op("cipher_open")

	nonce := s.recv.nonce()
	pt, err := s.recv.gcm.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, errors.E(op, errors.Str("authentication failed"))
	}
	return pt, nil
}
