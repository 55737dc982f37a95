package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id cost for operator API keys. Changing any of these invalidates every
// STORYTELLER_OPERATORS hash.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// keyHash is a decoded "base64(salt)$base64(key)" operator credential.
type keyHash struct {
	salt []byte
	key  []byte
}

func derive(apiKey string, salt []byte) []byte {
	return argon2.IDKey([]byte(apiKey), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// parseKeyHash decodes an operator hash and checks its lengths, so a truncated
// or hand-edited entry is rejected when the registry loads rather than on the
// operator's first login.
func parseKeyHash(encoded string) (keyHash, error) {
	saltPart, keyPart, ok := strings.Cut(strings.TrimSpace(encoded), "$")
	if !ok {
		return keyHash{}, fmt.Errorf("auth: hash is not in salt$hash form")
	}
	salt, err := base64.StdEncoding.DecodeString(saltPart)
	if err != nil {
		return keyHash{}, fmt.Errorf("auth: decode salt: %w", err)
	}
	key, err := base64.StdEncoding.DecodeString(keyPart)
	if err != nil {
		return keyHash{}, fmt.Errorf("auth: decode hash: %w", err)
	}
	if len(salt) != saltLen || len(key) != argonKeyLen {
		return keyHash{}, fmt.Errorf("auth: hash has %d-byte salt and %d-byte key, want %d and %d",
			len(salt), len(key), saltLen, argonKeyLen)
	}
	return keyHash{salt: salt, key: key}, nil
}

// HashAPIKey hashes an operator API key with Argon2id. The result is the
// hash field of a STORYTELLER_OPERATORS entry.
func HashAPIKey(apiKey string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(salt) + "$" +
		base64.StdEncoding.EncodeToString(derive(apiKey, salt)), nil
}

// VerifyAPIKey checks an operator API key against its encoded hash.
func VerifyAPIKey(apiKey, encoded string) (bool, error) {
	h, err := parseKeyHash(encoded)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(h.key, derive(apiKey, h.salt)) == 1, nil
}

// dummyVerify spends the same Argon2id work as a real check. Used for unknown
// operator ids so response timing does not reveal which ids exist.
func dummyVerify() {
	derive("dummy", make([]byte, saltLen))
}
