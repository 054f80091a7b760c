package challenge

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-id/liveness-service/internal/models"
)

func testPool() []models.GestureTag {
	return []models.GestureTag{models.Blink, models.TurnLeft, models.TurnRight, models.Smile}
}

func newTestStore(t *testing.T, clk clock.Clock) *Store {
	t.Helper()
	s, err := NewStore(clk, "", "test-encryption-key")
	require.NoError(t, err)
	return s
}

func TestStore_CreateProducesDistinctSteps(t *testing.T) {
	s := newTestStore(t, clock.NewMock())

	c, err := s.Create(testPool(), 3, time.Minute)
	require.NoError(t, err)

	assert.Len(t, c.Steps, 3)
	seen := make(map[models.GestureTag]bool)
	for _, step := range c.Steps {
		assert.False(t, seen[step], "step %s repeated", step)
		seen[step] = true
	}
	assert.NotEmpty(t, c.ID)
	assert.False(t, c.Used)
}

func TestStore_ConsumeSucceedsOnce(t *testing.T) {
	mock := clock.NewMock()
	s := newTestStore(t, mock)

	c, err := s.Create(testPool(), 2, time.Minute)
	require.NoError(t, err)

	consumed, err := s.Consume(c.ID, mock.Now())
	require.NoError(t, err)
	assert.True(t, consumed.Used)

	_, err = s.Consume(c.ID, mock.Now())
	assert.ErrorIs(t, err, ErrAlreadyUsed)
}

func TestStore_ConsumeUnknownID(t *testing.T) {
	mock := clock.NewMock()
	s := newTestStore(t, mock)

	_, err := s.Consume("does-not-exist", mock.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ConsumeExpired(t *testing.T) {
	mock := clock.NewMock()
	s := newTestStore(t, mock)

	c, err := s.Create(testPool(), 2, time.Second)
	require.NoError(t, err)

	mock.Add(2 * time.Second)

	_, err = s.Consume(c.ID, mock.Now())
	assert.ErrorIs(t, err, ErrExpired)
}

func TestStore_ConcurrentConsumeYieldsExactlyOneSuccess(t *testing.T) {
	mock := clock.NewMock()
	s := newTestStore(t, mock)

	c, err := s.Create(testPool(), 2, time.Minute)
	require.NoError(t, err)

	const workers = 20
	var wg sync.WaitGroup
	successes := make([]bool, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Consume(c.ID, mock.Now())
			successes[i] = err == nil
		}(i)
	}
	wg.Wait()

	successCount := 0
	for _, ok := range successes {
		if ok {
			successCount++
		}
	}
	assert.Equal(t, 1, successCount)
}

func TestStore_Sweep(t *testing.T) {
	mock := clock.NewMock()
	s := newTestStore(t, mock)

	_, err := s.Create(testPool(), 2, time.Second)
	require.NoError(t, err)

	mock.Add(time.Hour)

	removed := s.Sweep(mock.Now(), time.Minute)
	assert.Equal(t, 1, removed)
}
