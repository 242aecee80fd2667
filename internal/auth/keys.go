package auth

import (
	"errors"
	"fmt"
	"unicode"

	"github.com/mediaposte/server/internal/config"
	"golang.org/x/crypto/bcrypt"
)

// MinKeyLength is the shortest API key HashKey accepts.
const MinKeyLength = 24

// KeyService verifies host API keys against their configured bcrypt hashes.
type KeyService struct {
	bcryptCost int
	hosts      map[string]string
	// dummy is compared when the host is unknown so both paths cost a
	// bcrypt round.
	dummy []byte
}

// NewKeyService creates a key service from the configured host keys
func NewKeyService(cfg *config.Config) *KeyService {
	cost := cfg.Auth.BCryptCost
	if cost < bcrypt.MinCost {
		cost = bcrypt.DefaultCost
	}
	dummy, _ := bcrypt.GenerateFromPassword([]byte("unknown-host-placeholder-key"), cost)
	return &KeyService{
		bcryptCost: cost,
		hosts:      cfg.Auth.HostKeys,
		dummy:      dummy,
	}
}

// HashKey hashes an API key using bcrypt. It is used to produce the
// values stored in HOST_KEYS.
func (s *KeyService) HashKey(key string) (string, error) {
	if err := ValidateKeyStrength(key); err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), s.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash key: %w", err)
	}
	return string(hash), nil
}

// Verify reports whether key is the API key of hostID.
func (s *KeyService) Verify(hostID, key string) bool {
	hash, ok := s.hosts[hostID]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(s.dummy, []byte(key))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}

// ValidateKeyStrength validates an API key meets requirements:
// at least MinKeyLength characters, with both letters and digits.
func ValidateKeyStrength(key string) error {
	if len(key) < MinKeyLength {
		return fmt.Errorf("key must be at least %d characters long", MinKeyLength)
	}
	var hasLetter, hasNumber bool
	for _, char := range key {
		switch {
		case unicode.IsLetter(char):
			hasLetter = true
		case unicode.IsNumber(char):
			hasNumber = true
		}
	}
	if !hasLetter {
		return errors.New("key must contain at least one letter")
	}
	if !hasNumber {
		return errors.New("key must contain at least one number")
	}
	return nil
}
