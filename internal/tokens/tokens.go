// Package tokens implements the Token Service: issuance of short-lived
// signed bearer tokens, hashed-at-rest persistence, validation, and
// revocation, per spec.md §4.5.
package tokens

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/scrypt"
	"lukechampine.com/blake3"

	"github.com/aegis-id/liveness-service/internal/models"
)

var (
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrExpired          = errors.New("token expired")
	ErrRevoked          = errors.New("token revoked")
	ErrUnknown          = errors.New("token unknown")
)

// claims is the JWT payload: subject ties the token back to the challenge
// id it was issued for.
type claims struct {
	jwt.RegisteredClaims
}

// Service issues and validates tokens. The signature makes tokens
// self-verifying and cheap to reject early; the record store enables
// server-side revocation and rejects forged tokens that bypass persistence.
type Service struct {
	mu            sync.Mutex
	records       map[string]*models.TokenRecord // keyed by hex digest
	clock         clock.Clock
	secret        []byte
	storagePath   string
	encryptionKey string
}

func NewService(clk clock.Clock, secret, storagePath, encryptionKey string) (*Service, error) {
	if clk == nil {
		clk = clock.New()
	}
	s := &Service{
		records:       make(map[string]*models.TokenRecord),
		clock:         clk,
		secret:        []byte(secret),
		storagePath:   storagePath,
		encryptionKey: encryptionKey,
	}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("failed to load token store: %w", err)
	}
	return s, nil
}

// Issue mints a signed bearer token bound to subject and persists only its
// digest plus metadata; the raw token string is never stored.
func (s *Service) Issue(subject string, now time.Time, ttl time.Duration) (string, models.TokenRecord, error) {
	expiresAt := now.Add(ttl)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})

	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", models.TokenRecord{}, fmt.Errorf("failed to sign token: %w", err)
	}

	record := models.TokenRecord{
		Hash:      digest(signed),
		Subject:   subject,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
		Revoked:   false,
	}

	s.mu.Lock()
	s.records[record.Hash] = &record
	s.mu.Unlock()

	if err := s.persist(); err != nil {
		return "", models.TokenRecord{}, fmt.Errorf("failed to persist token: %w", err)
	}

	return signed, record, nil
}

// Validate verifies the token's signature and expiry, then looks up the
// matching record by digest and rejects missing or revoked tokens. The
// self-verifying signature check and the digest lookup are both required:
// the former rejects forged tokens cheaply, the latter rejects tokens that
// are validly signed but have since been revoked.
func (s *Service) Validate(tokenString string, now time.Time) (models.TokenRecord, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidSignature
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return now }))

	if err != nil || !parsed.Valid {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return models.TokenRecord{}, ErrExpired
		}
		return models.TokenRecord{}, ErrInvalidSignature
	}

	if _, ok := parsed.Claims.(*claims); !ok {
		return models.TokenRecord{}, ErrInvalidSignature
	}

	h := digest(tokenString)

	s.mu.Lock()
	record, exists := s.records[h]
	s.mu.Unlock()

	if !exists {
		return models.TokenRecord{}, ErrUnknown
	}
	if record.Revoked {
		return models.TokenRecord{}, ErrRevoked
	}
	if now.After(record.ExpiresAt) {
		return models.TokenRecord{}, ErrExpired
	}

	return *record, nil
}

// Revoke marks the token with the given digest as revoked.
func (s *Service) Revoke(hash string) error {
	s.mu.Lock()
	record, exists := s.records[hash]
	if !exists {
		s.mu.Unlock()
		return ErrUnknown
	}
	record.Revoked = true
	s.mu.Unlock()

	return s.persist()
}

// digest computes the at-rest digest of a token string using blake3, never
// the raw string itself.
func digest(tokenString string) string {
	sum := blake3.Sum256([]byte(tokenString))
	return hex.EncodeToString(sum[:])
}

func (s *Service) persist() error {
	if s.storagePath == "" {
		return nil
	}

	s.mu.Lock()
	data, err := json.Marshal(s.records)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	encrypted, err := encrypt(data, s.encryptionKey)
	if err != nil {
		return err
	}

	path := filepath.Join(s.storagePath, "tokens.enc")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, encrypted, 0o600)
}

func (s *Service) load() error {
	if s.storagePath == "" {
		return nil
	}

	path := filepath.Join(s.storagePath, "tokens.enc")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	decrypted, err := decrypt(data, s.encryptionKey)
	if err != nil {
		return err
	}

	records := make(map[string]*models.TokenRecord)
	if err := json.Unmarshal(decrypted, &records); err != nil {
		return err
	}

	s.mu.Lock()
	s.records = records
	s.mu.Unlock()
	return nil
}

func deriveKey(password string) ([]byte, error) {
	salt := []byte("liveness-service-token-store-salt")
	return scrypt.Key([]byte(password), salt, 32768, 8, 1, 32)
}

func encrypt(data []byte, password string) ([]byte, error) {
	key, err := deriveKey(password)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, data, nil), nil
}

func decrypt(data []byte, password string) ([]byte, error) {
	key, err := deriveKey(password)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
