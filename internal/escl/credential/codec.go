package credential

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
)

type payload struct {
	Version    json.Number `json:"version"`
	Nonce      string      `json:"nonce"`
	Ciphertext string      `json:"ciphertext"`
	Tag        string      `json:"tag"`
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return cipher.NewGCM(block)
}

// seal encrypts st under key with a fresh nonce from rnd.
func seal(st *State, key []byte, rnd io.Reader) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plain, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("credential: encode state: %w", err)
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rnd, nonce); err != nil {
		return nil, fmt.Errorf("credential: nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, plain, nil)
	ct, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	p := payload{
		Version:    json.Number(fmt.Sprint(PayloadVersion)),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
		Tag:        base64.StdEncoding.EncodeToString(tag),
	}
	out, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}

// open decrypts and validates a payload produced by seal.
func open(raw []byte, key []byte) (*State, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p.Version.String() != fmt.Sprint(PayloadVersion) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, p.Version.String())
	}
	nonce, err := base64.StdEncoding.DecodeString(p.Nonce)
	if err != nil || len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: bad nonce", ErrMalformed)
	}
	ct, err := base64.StdEncoding.DecodeString(p.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ciphertext encoding", ErrMalformed)
	}
	tag, err := base64.StdEncoding.DecodeString(p.Tag)
	if err != nil || len(tag) != TagSize {
		return nil, fmt.Errorf("%w: bad tag", ErrMalformed)
	}

	plain, err := aead.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return nil, ErrIntegrity
	}

	var st State
	dec := json.NewDecoder(bytes.NewReader(plain))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&st); err != nil {
		return nil, fmt.Errorf("%w: decrypted document: %v", ErrInvalidState, err)
	}
	if err := st.Validate(); err != nil {
		return nil, err
	}
	return &st, nil
}
