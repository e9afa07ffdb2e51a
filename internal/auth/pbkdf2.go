// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package auth implements account management and password verification on
// top of the database layer.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Algorithm  = "pbkdf2_sha256"
	pbkdf2Iterations = 150_000
	pbkdf2SaltLength = 16
	pbkdf2KeyLength  = 32
)

// HashPassword derives a PBKDF2-SHA256 hash in the form
// pbkdf2_sha256$<iterations>$<salt>$<digest> with base64 salt and digest.
func HashPassword(password string) (string, error) {
	salt := make([]byte, pbkdf2SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", errors.Wrap(err, "failed to generate salt")
	}

	digest := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, pbkdf2KeyLength, sha256.New)
	return fmt.Sprintf("%s$%d$%s$%s",
		pbkdf2Algorithm,
		pbkdf2Iterations,
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(digest),
	), nil
}

// VerifyPassword checks a password against a stored hash in constant time.
func VerifyPassword(password, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 4 {
		return false, errors.New("malformed password hash")
	}
	if parts[0] != pbkdf2Algorithm {
		return false, errors.Errorf("unsupported hash algorithm %q", parts[0])
	}

	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations < 1 {
		return false, errors.New("malformed iteration count")
	}
	salt, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return false, errors.Wrap(err, "malformed salt")
	}
	expected, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return false, errors.Wrap(err, "malformed digest")
	}

	digest := pbkdf2.Key([]byte(password), salt, iterations, len(expected), sha256.New)
	return hmac.Equal(digest, expected), nil
}
