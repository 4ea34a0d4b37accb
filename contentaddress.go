package citytwin

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
)

// ContentAddress returns the content-address of v: the SHA-1 digest of its
// JSON encoding. encoding/json writes struct fields in declaration order and
// map keys sorted, so two values with equal contents share an address no matter
// how they were built.
//
// A content-address identifies a revision of some state. Consumers compare
// addresses to skip work on unchanged state (diffing a client's baseline,
// rewriting an unchanged graph) and record them next to persisted copies.
func ContentAddress(v any) (StateHash, error) {
	h := sha1.New()
	if err := json.NewEncoder(h).Encode(v); err != nil {
		return StateHash{}, fmt.Errorf("encode json: %w", err)
	}
	return StateHash(h.Sum(nil)), nil
}

// MustContentAddress is like ContentAddress but panics if v cannot be encoded.
// It simplifies hashing values whose types are known to encode, such as the
// state tree.
func MustContentAddress(v any) StateHash {
	h, err := ContentAddress(v)
	if err != nil {
		panic("citytwin: " + err.Error())
	}
	return h
}

// StateHash is the content-address of a state tree or one of its sections.
type StateHash contentAddress

func (h StateHash) MarshalText() ([]byte, error)     { return contentAddress(h).MarshalText() }
func (h *StateHash) UnmarshalText(text []byte) error { return (*contentAddress)(h).UnmarshalText(text) }
func (h StateHash) String() string                   { return contentAddress(h).String() }
func (h StateHash) IsZero() bool                     { return contentAddress(h).IsZero() }

// contentAddress is a consistent hash primitive serving as the base for strongly
// typed hashes.
type contentAddress [sha1.Size]byte

func (h contentAddress) MarshalText() ([]byte, error) {
	text := make([]byte, hex.EncodedLen(len(h)))
	hex.Encode(text, h[:]) // always returns hex.EncodedLen(len(h)) (see hex.Encode)
	return text, nil
}

func (h *contentAddress) UnmarshalText(text []byte) error {
	n, err := hex.Decode(h[:], text)
	if err != nil {
		return fmt.Errorf("decode hex: %w", err)
	}
	if n != len(h) { // always n <= len(h[:]) (see hex.Decode)
		return fmt.Errorf("not enough bytes: %w", io.ErrUnexpectedEOF)
	}
	return nil
}

func (h contentAddress) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero value of the type.
func (h contentAddress) IsZero() bool {
	return h == contentAddress{}
}
