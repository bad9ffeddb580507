package credential

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

const (
	KeySize   = 32
	NonceSize = 12
	TagSize   = 16

	PayloadVersion = 1
)

// ParseKey decodes a deployment secret. Base64, hex and raw UTF-8 are tried
// in that order; the first one that yields exactly KeySize bytes wins.
func ParseKey(raw string) ([]byte, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, ErrInvalidKey
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == KeySize {
		return b, nil
	}
	if b, err := hex.DecodeString(s); err == nil && len(b) == KeySize {
		return b, nil
	}
	if b := []byte(s); len(b) == KeySize {
		return b, nil
	}
	return nil, ErrInvalidKey
}

func checkKey(key []byte) error {
	if len(key) != KeySize {
		return ErrInvalidKey
	}
	return nil
}

// Fingerprint is the stable one-way hash of a token (base64 SHA-256). It is
// the only form of a token that may be logged.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.StdEncoding.EncodeToString(sum[:])
}
