// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

// Package kms encrypts request payloads at rest. Submissions carrying
// protected health information are sealed before they reach the object
// store; the tracker records phiEncrypted so readers know to unseal.
package kms

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"io"

	"github.com/zeebo/errs"
)

// Error is the default kms errs class.
var Error = errs.Class("kms")

// Config holds the payload encryption settings.
type Config struct {
	Enabled      bool   `help:"encrypt payloads before writing them to the object store" default:"false"`
	MasterKeyHex string `help:"hex-encoded 256-bit master key" default:""`
}

// Service seals and unseals payload bytes.
//
// architecture: Service
type Service interface {
	// Enabled reports whether payloads are sealed at all.
	Enabled() bool
	// Seal encrypts the plaintext.
	Seal(ctx context.Context, plaintext []byte) ([]byte, error)
	// Unseal decrypts a sealed payload.
	Unseal(ctx context.Context, sealed []byte) ([]byte, error)
}

// New returns the service for the configuration: an AES-GCM service when
// enabled, otherwise a pass-through.
func New(config Config) (Service, error) {
	if !config.Enabled {
		return noop{}, nil
	}

	key, err := hex.DecodeString(config.MasterKeyHex)
	if err != nil {
		return nil, Error.New("invalid master key: %w", err)
	}
	if len(key) != 32 {
		return nil, Error.New("master key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &aesgcm{aead: aead}, nil
}

type aesgcm struct {
	aead cipher.AEAD
}

func (s *aesgcm) Enabled() bool { return true }

// Seal prepends the random nonce to the ciphertext.
func (s *aesgcm) Seal(ctx context.Context, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, Error.Wrap(err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *aesgcm) Unseal(ctx context.Context, sealed []byte) ([]byte, error) {
	if len(sealed) < s.aead.NonceSize() {
		return nil, Error.New("sealed payload too short")
	}
	nonce, ciphertext := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, Error.New("unseal failed: %w", err)
	}
	return plaintext, nil
}

type noop struct{}

func (noop) Enabled() bool { return false }

func (noop) Seal(ctx context.Context, plaintext []byte) ([]byte, error) {
	return plaintext, nil
}

func (noop) Unseal(ctx context.Context, sealed []byte) ([]byte, error) {
	return sealed, nil
}
