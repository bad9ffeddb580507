// Package credential stores ESCL bearer tokens encrypted at rest.
//
// The file is one JSON object {version, nonce, ciphertext, tag} whose
// ciphertext is the AES-256-GCM sealed State document. Every write uses a
// fresh random 96-bit nonce. Rotation re-encrypts the same State under a new
// key and only swaps the in-memory key after the new file is on disk.
package credential
