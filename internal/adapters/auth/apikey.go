package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"gatherbot/internal/domain"
)

type bcryptKeyVerifier struct {
	hash []byte
}

// NewBcryptKeyVerifier returns an APIKeyVerifier that checks presented keys
// against a bcrypt hash, so the plaintext operator key never lives in config.
func NewBcryptKeyVerifier(hash string) domain.APIKeyVerifier {
	return &bcryptKeyVerifier{hash: []byte(hash)}
}

func (v *bcryptKeyVerifier) VerifyKey(key string) error {
	if len(v.hash) == 0 {
		return fmt.Errorf("no operator api key configured")
	}
	if err := bcrypt.CompareHashAndPassword(v.hash, []byte(key)); err != nil {
		return fmt.Errorf("api key mismatch: %w", err)
	}
	return nil
}

// HashAPIKey produces a bcrypt hash suitable for the OPS_API_KEY_HASH
// setting.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}
