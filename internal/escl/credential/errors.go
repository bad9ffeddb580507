package credential

import "errors"

var (
	// ErrInvalidKey reports a key that does not decode to 32 bytes.
	ErrInvalidKey = errors.New("credential: secret key must be 32 bytes")

	// ErrIntegrity reports an AEAD authentication failure: wrong key or a
	// tampered file. The file is never treated as plaintext.
	ErrIntegrity = errors.New("credential: decryption failed (wrong key or tampered file)")

	ErrUnsupportedVersion = errors.New("credential: unsupported payload version")
	ErrMalformed          = errors.New("credential: malformed payload")
	ErrInvalidState       = errors.New("credential: invalid state")
	ErrNotFound           = errors.New("credential: file not found")
)
