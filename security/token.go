package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"math/big"
	"strings"
)

const (
	tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	// TokenLength is the length of a generated API token.
	TokenLength = 32
	// SessionTokenLength is the length of the random part of a session token.
	SessionTokenLength = 12
	// SessionTokenPrefix marks session tokens so they are never confused
	// with API tokens.
	SessionTokenPrefix = "nrs_"
)

func randomAlphanumeric(length int) string {
	var sb strings.Builder
	sb.Grow(length)
	max := big.NewInt(int64(len(tokenAlphabet)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("crypto/rand unavailable: " + err.Error())
		}
		sb.WriteByte(tokenAlphabet[n.Int64()])
	}
	return sb.String()
}

// GenerateToken generates a new plaintext API token. The plaintext is shown
// to the user exactly once; only its hash is persisted.
func GenerateToken() string {
	return randomAlphanumeric(TokenLength)
}

// GenerateSessionToken generates an opaque session token with the nrs_ prefix.
func GenerateSessionToken() string {
	return SessionTokenPrefix + randomAlphanumeric(SessionTokenLength)
}

// HashToken hashes a token with SHA-256 and encodes it in base64. This is the
// only representation of a token the database ever sees.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// TokenLastEight returns the trailing eight characters of a token. The value
// is stored in an indexed column so verification only hashes a handful of
// candidate rows.
func TokenLastEight(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[len(token)-8:]
}
