// Package secrets handles sealed build env vars and secret hygiene. Env var
// values arrive encrypted to the service public key (anonymous sealed boxes);
// plaintext exists only in process locals during a build and is never
// persisted or logged.
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"

	"github.com/kilocode/backplane/internal/foundation/errors"
)

// SealedEnvVar is the persisted form of a build environment variable.
// Ciphertext is a base64 anonymous sealed box of the value.
type SealedEnvVar struct {
	Key        string `json:"key"`
	Ciphertext string `json:"ciphertext"`
	IsSecret   bool   `json:"isSecret"`
}

// EnvVar is the decrypted form. Never serialize it into durable state.
type EnvVar struct {
	Key      string
	Value    string
	IsSecret bool
}

// Decryptor opens sealed env vars.
type Decryptor interface {
	Decrypt(sealed []SealedEnvVar) ([]EnvVar, error)
}

// BoxDecryptor opens anonymous sealed boxes with the service private key.
type BoxDecryptor struct {
	privateKey *[32]byte
	publicKey  *[32]byte
}

// NewBoxDecryptor parses the base64-encoded 32-byte curve25519 private key
// and derives the matching public key.
func NewBoxDecryptor(privateKeyB64 string) (*BoxDecryptor, error) {
	raw, err := base64.StdEncoding.DecodeString(privateKeyB64)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(raw))
	}

	var priv, pub [32]byte
	copy(priv[:], raw)
	pubSlice, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	copy(pub[:], pubSlice)

	return &BoxDecryptor{privateKey: &priv, publicKey: &pub}, nil
}

// Decrypt opens every sealed var. A single undecryptable entry fails the
// whole batch; a partial env would produce a misconfigured build.
func (d *BoxDecryptor) Decrypt(sealed []SealedEnvVar) ([]EnvVar, error) {
	out := make([]EnvVar, 0, len(sealed))
	for _, sv := range sealed {
		ct, err := base64.StdEncoding.DecodeString(sv.Ciphertext)
		if err != nil {
			return nil, errors.WrapError(err, errors.CategoryValidation, "decode env var ciphertext").
				WithContext("key", sv.Key).Build()
		}
		plain, ok := box.OpenAnonymous(nil, ct, d.publicKey, d.privateKey)
		if !ok {
			return nil, errors.ValidationError("decrypt env var").
				WithContext("key", sv.Key).Build()
		}
		out = append(out, EnvVar{Key: sv.Key, Value: string(plain), IsSecret: sv.IsSecret})
	}
	return out, nil
}

// Seal encrypts a value to the decryptor's public key. Used by tests and the
// local development path.
func (d *BoxDecryptor) Seal(value string) (string, error) {
	ct, err := box.SealAnonymous(nil, []byte(value), d.publicKey, rand.Reader)
	if err != nil {
		return "", fmt.Errorf("seal value: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// GenerateKey produces a fresh base64 private key for local setups.
func GenerateKey() (string, error) {
	_, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(priv[:]), nil
}

// Partition splits env vars into secrets and plaintext.
func Partition(vars []EnvVar) (secret, plain []EnvVar) {
	for _, v := range vars {
		if v.IsSecret {
			secret = append(secret, v)
		} else {
			plain = append(plain, v)
		}
	}
	return secret, plain
}
