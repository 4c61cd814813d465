package cryptoutil

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"
)

// HashEqual performs constant-time comparison of two hex-encoded hashes
// to prevent timing attacks. It returns true if the hashes are equal.
func HashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// SecretEqual compares two secrets in time independent of where they differ
// and of their lengths. Both sides are hashed first so the comparison always
// runs over 32 bytes.
func SecretEqual(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}

// SHA256Hex computes the SHA-256 hash of the input data and returns it as a hex string
func SHA256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// ReadAllWithHash reads r up to maxSize bytes while hashing. ok is false
// when r holds more than maxSize bytes.
func ReadAllWithHash(r io.Reader, maxSize int64) (data []byte, sum string, ok bool, err error) {
	h := sha256.New()
	data, err = io.ReadAll(io.TeeReader(io.LimitReader(r, maxSize+1), h))
	if err != nil {
		return nil, "", false, err
	}
	if int64(len(data)) > maxSize {
		return nil, "", false, nil
	}
	return data, hex.EncodeToString(h.Sum(nil)), true, nil
}
