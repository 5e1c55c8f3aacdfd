// Package pow implements the Blake2b-keyed proof-of-work hash used to
// accept or reject a nonce against a caller-supplied threshold.
package pow

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// HashSize is the length in bytes of a Vite block hash.
const HashSize = 32

// Hash is an opaque 32-byte block identifier supplied by the caller.
type Hash [HashSize]byte

// Nonce is the 8-byte value workers search for.
type Nonce uint64

// Threshold is the 64-bit difficulty a digest must meet or exceed.
type Threshold uint64

// ParseHash decodes a lowercase hex string into a Hash. It rejects strings
// that are empty, not valid hex, or not exactly HashSize bytes once decoded.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := decodeFixed(s, HashSize)
	if err != nil {
		return h, fmt.Errorf("bad block hash: %w", err)
	}
	copy(h[:], b)
	return h, nil
}

// String renders a Hash as lowercase, natural-width hex.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ParseThreshold decodes a big-endian hex string into a Threshold.
func ParseThreshold(s string) (Threshold, error) {
	b, err := decodeFixed(s, 8)
	if err != nil {
		return 0, fmt.Errorf("bad threshold: %w", err)
	}
	return Threshold(binary.BigEndian.Uint64(b)), nil
}

// String renders a Threshold as big-endian, natural-width hex.
func (t Threshold) String() string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(t))
	return hex.EncodeToString(b[:])
}

// ParseNonce decodes a big-endian hex string into a Nonce. Unlike
// ParseHash/ParseThreshold it tolerates a short (unpadded) string, matching
// the reference server's leniency for the "work" field.
func ParseNonce(s string) (Nonce, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return 0, fmt.Errorf("bad work: %w", err)
	}
	if len(b) == 0 {
		return 0, fmt.Errorf("bad work: empty")
	}
	if len(b) > 8 {
		return 0, fmt.Errorf("bad work: too long")
	}
	var padded [8]byte
	copy(padded[8-len(b):], b)
	return Nonce(binary.BigEndian.Uint64(padded[:])), nil
}

// String renders a Nonce as big-endian, natural-width hex.
func (n Nonce) String() string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(n))
	return hex.EncodeToString(b[:])
}

func decodeFixed(s string, size int) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("expecting a hex string")
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("empty")
	}
	if len(b) < size {
		return nil, fmt.Errorf("too short (should be %d bytes)", size)
	}
	if len(b) > size {
		return nil, fmt.Errorf("too long (should be %d bytes)", size)
	}
	return b, nil
}

// Digest computes blake2b(key=nil, output_len=8, input = nonce_le ‖ hash)
// and returns it interpreted as a little-endian u64.
func Digest(h Hash, n Nonce) uint64 {
	hasher, err := blake2b.New(8, nil)
	if err != nil {
		// blake2b.New only fails for an out-of-range size or an
		// oversized key; 8 bytes and no key never trigger that.
		panic(fmt.Sprintf("pow: unexpected blake2b error: %v", err))
	}
	var nonceBuf [8]byte
	binary.LittleEndian.PutUint64(nonceBuf[:], uint64(n))
	hasher.Write(nonceBuf[:])
	hasher.Write(h[:])
	sum := hasher.Sum(nil)
	return binary.LittleEndian.Uint64(sum)
}

// Meets reports whether nonce n satisfies threshold t for block hash h, and
// returns the achieved difficulty (the digest itself) so callers can report
// it back to the client. It never panics on any input.
func Meets(h Hash, n Nonce, t Threshold) (bool, uint64) {
	d := Digest(h, n)
	return d >= uint64(t), d
}
