// Package digest maps cache keys to fixed-size identifiers used by the persistent tier.
package digest

import (
	"encoding/hex"

	"github.com/minio/sha256-simd"

	"github.com/objectfs/tiercache/pkg/errors"
)

// Size is the length of an ID in bytes.
const Size = 16

// ID is a truncated SHA-256 of a key.
type ID [Size]byte

// Sum returns the identifier of key. An empty key is rejected.
func Sum(key string) (ID, error) {
	var id ID
	if key == "" {
		return id, errors.NewError(errors.ErrCodeInvalidArgument, "key must not be empty").
			WithComponent("digest").
			WithOperation("Sum")
	}
	sum := sha256.Sum256([]byte(key))
	copy(id[:], sum[:Size])
	return id, nil
}

// Bytes returns the identifier of an arbitrary byte payload.
func Bytes(data []byte) ID {
	var id ID
	sum := sha256.Sum256(data)
	copy(id[:], sum[:Size])
	return id
}

// Parse decodes the hex form produced by String.
func Parse(s string) (ID, error) {
	var id ID
	if len(s) != hex.EncodedLen(Size) {
		return id, errors.Newf(errors.ErrCodeInvalidArgument, "digest %q has wrong length", s).
			WithComponent("digest").
			WithOperation("Parse")
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, errors.Wrap(err, errors.ErrCodeInvalidArgument, "digest is not hex").
			WithComponent("digest").
			WithOperation("Parse")
	}
	return id, nil
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool {
	return id == ID{}
}
