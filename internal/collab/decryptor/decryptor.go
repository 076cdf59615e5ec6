// SPDX-License-Identifier: AGPL-3.0-or-later

/*
buildforge is a Go service that drives AI-generated application specs through
a multi-stage build pipeline, routing model calls across providers with cost
control and live progress streaming.

Copyright (C) 2026  buildforge contributors

This program is free software licensed under the terms of the GNU AGPL v3 or later.
See https://www.gnu.org/licenses/ for license details.
*/

// Package decryptor implements the Credential Decryptor collaborator
// (spec.md §6) with NaCl secretbox: a 32-byte symmetric key held by the
// operator, a random 24-byte nonce prefixed to each ciphertext.
package decryptor

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	nonceSize = 24
)

// ErrBadCiphertext indicates the ciphertext is malformed or was sealed
// under a different key.
var ErrBadCiphertext = errors.New("decryptor: ciphertext rejected")

// SecretBox decrypts (and, for tooling and tests, encrypts) credentials
// sealed with NaCl secretbox.
type SecretBox struct {
	key [keySize]byte
}

// New constructs a SecretBox from a base64-encoded 32-byte key, the form
// the key takes in the environment.
func New(base64Key string) (*SecretBox, error) {
	raw, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("decryptor: decoding key: %w", err)
	}
	if len(raw) != keySize {
		return nil, fmt.Errorf("decryptor: key must be %d bytes, got %d", keySize, len(raw))
	}
	var sb SecretBox
	copy(sb.key[:], raw)
	return &sb, nil
}

// Decrypt recovers the plaintext from a nonce-prefixed secretbox
// ciphertext.
func (s *SecretBox) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceSize {
		return nil, ErrBadCiphertext
	}
	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[:nonceSize])

	plaintext, ok := secretbox.Open(nil, ciphertext[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, ErrBadCiphertext
	}
	return plaintext, nil
}

// Encrypt seals plaintext under the box's key with a fresh random nonce,
// returning the nonce-prefixed ciphertext. The service itself only ever
// decrypts; Encrypt exists for the operator tooling that stores
// credentials and for tests.
func (s *SecretBox) Encrypt(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("decryptor: generating nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &s.key), nil
}

// GenerateKey returns a fresh base64-encoded 32-byte key.
func GenerateKey() (string, error) {
	var key [keySize]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return "", fmt.Errorf("decryptor: generating key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key[:]), nil
}
