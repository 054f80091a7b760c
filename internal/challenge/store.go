// Package challenge implements the Challenge Store: creation, atomic
// consume-once semantics, and best-effort expiry cleanup, per spec.md §4.4.
package challenge

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/crypto/scrypt"

	"github.com/aegis-id/liveness-service/internal/models"
)

var (
	ErrNotFound    = errors.New("challenge not found")
	ErrExpired     = errors.New("challenge expired")
	ErrAlreadyUsed = errors.New("challenge already used")
)

// Store is a keyed mapping from challenge id to challenge record. The
// consume operation is serialized per-id: two concurrent consumes against
// the same id must yield exactly one success and one already_used error,
// which the mutex below guarantees within a single process. Persistence is
// an encrypted file snapshot, reusing the teacher's AES-GCM/scrypt pattern
// (previously used to protect face vectors) to protect challenge records at
// rest instead.
type Store struct {
	mu            sync.Mutex
	records       map[string]*models.Challenge
	clock         clock.Clock
	storagePath   string
	encryptionKey string
}

func NewStore(clk clock.Clock, storagePath, encryptionKey string) (*Store, error) {
	if clk == nil {
		clk = clock.New()
	}
	s := &Store{
		records:       make(map[string]*models.Challenge),
		clock:         clk,
		storagePath:   storagePath,
		encryptionKey: encryptionKey,
	}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("failed to load challenge store: %w", err)
	}
	return s, nil
}

// Create samples step_count distinct gesture tags from pool using a
// cryptographically secure RNG (the sampling order is the step order) and
// persists a new challenge with the given TTL.
func (s *Store) Create(pool []models.GestureTag, stepCount int, ttl time.Duration) (models.Challenge, error) {
	steps, err := sampleDistinct(pool, stepCount)
	if err != nil {
		return models.Challenge{}, err
	}

	now := s.clock.Now().UTC()
	c := models.Challenge{
		ID:        uuid.New().String(),
		Steps:     steps,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Used:      false,
	}

	s.mu.Lock()
	s.records[c.ID] = &c
	s.mu.Unlock()

	if err := s.persist(); err != nil {
		return models.Challenge{}, fmt.Errorf("failed to persist challenge: %w", err)
	}

	return c, nil
}

// Consume atomically reads the record, verifies it is unused and unexpired,
// and marks it used, all under a single lock: the equivalent of a
// conditional `UPDATE ... WHERE used=false AND now<expires_at`. Exactly one
// of two concurrent calls for the same id observes success.
func (s *Store) Consume(id string, now time.Time) (models.Challenge, error) {
	s.mu.Lock()
	record, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return models.Challenge{}, ErrNotFound
	}
	if now.After(record.ExpiresAt) || now.Equal(record.ExpiresAt) {
		s.mu.Unlock()
		return models.Challenge{}, ErrExpired
	}
	if record.Used {
		s.mu.Unlock()
		return models.Challenge{}, ErrAlreadyUsed
	}
	record.Used = true
	result := *record
	s.mu.Unlock()

	if err := s.persist(); err != nil {
		return models.Challenge{}, fmt.Errorf("failed to persist consume: %w", err)
	}
	return result, nil
}

// Sweep removes records whose grace period has elapsed. Best-effort,
// intended to run off the critical path on a ticker.
func (s *Store) Sweep(now time.Time, grace time.Duration) int {
	s.mu.Lock()
	removed := 0
	for id, record := range s.records {
		if now.After(record.ExpiresAt.Add(grace)) {
			delete(s.records, id)
			removed++
		}
	}
	s.mu.Unlock()

	if removed > 0 {
		_ = s.persist()
	}
	return removed
}

func sampleDistinct(pool []models.GestureTag, n int) ([]models.GestureTag, error) {
	if n <= 0 || n > len(pool) {
		return nil, fmt.Errorf("invalid step count %d for pool of %d gestures", n, len(pool))
	}

	shuffled := make([]models.GestureTag, len(pool))
	copy(shuffled, pool)

	for i := len(shuffled) - 1; i > 0; i-- {
		jBig, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return nil, fmt.Errorf("secure RNG failure: %w", err)
		}
		j := int(jBig.Int64())
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}

	return shuffled[:n], nil
}

func (s *Store) persist() error {
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

	path := filepath.Join(s.storagePath, "challenges.enc")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, encrypted, 0o600)
}

func (s *Store) load() error {
	if s.storagePath == "" {
		return nil
	}

	path := filepath.Join(s.storagePath, "challenges.enc")
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

	records := make(map[string]*models.Challenge)
	if err := json.Unmarshal(decrypted, &records); err != nil {
		return err
	}

	s.mu.Lock()
	s.records = records
	s.mu.Unlock()
	return nil
}

func deriveKey(password string) ([]byte, error) {
	salt := []byte("liveness-service-challenge-store-salt")
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
