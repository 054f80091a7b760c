package orchestrator

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/jpeg"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-id/liveness-service/internal/challenge"
	"github.com/aegis-id/liveness-service/internal/landmarks"
	"github.com/aegis-id/liveness-service/internal/models"
	"github.com/aegis-id/liveness-service/internal/tokens"
)

// frameAt encodes frame index i as the pixel width of a tiny JPEG, a
// structural property JPEG compression cannot perturb, so the scripted
// extractor below can recover which frame it was asked to analyze without
// depending on scheduling order across the orchestrator's concurrent
// per-frame goroutines.
func frameAt(t *testing.T, i int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 50+i, 40))
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

// scriptedExtractor maps a decoded frame's width back to its original index
// and returns the landmark fixture for that index, per a test-supplied
// script.
type scriptedExtractor struct {
	script []landmarks.Landmarks
}

func (e scriptedExtractor) Extract(img image.Image) (landmarks.Landmarks, error) {
	index := img.Bounds().Dx() - 50
	if index < 0 || index >= len(e.script) {
		return landmarks.Landmarks{Present: false}, nil
	}
	return e.script[index], nil
}

func neutralLandmarks() landmarks.Landmarks {
	var l landmarks.Landmarks
	l.Present = true
	l.Confidence = 0.9
	l.Points[landmarks.JawLeft] = landmarks.Point{X: 100, Y: 200}
	l.Points[landmarks.JawRight] = landmarks.Point{X: 300, Y: 200}
	setEye(&l, landmarks.LeftEyeStart, 220, 150, 20, 8)
	setEye(&l, landmarks.RightEyeStart, 160, 150, 20, 8)
	l.Points[landmarks.NoseTip] = landmarks.Point{X: 200, Y: 180}
	l.Points[landmarks.MouthLeftCorner] = landmarks.Point{X: 230, Y: 230}
	l.Points[landmarks.MouthRightCorner] = landmarks.Point{X: 170, Y: 230}
	l.Points[landmarks.MouthInnerTop] = landmarks.Point{X: 200, Y: 227}
	l.Points[landmarks.MouthInnerBottom] = landmarks.Point{X: 200, Y: 233}
	return l
}

func setEye(l *landmarks.Landmarks, start int, cx, cy, halfWidth, halfHeight float64) {
	pts := [6]landmarks.Point{
		{X: cx - halfWidth, Y: cy},
		{X: cx - halfWidth/3, Y: cy - halfHeight},
		{X: cx + halfWidth/3, Y: cy - halfHeight},
		{X: cx + halfWidth, Y: cy},
		{X: cx + halfWidth/3, Y: cy + halfHeight},
		{X: cx - halfWidth/3, Y: cy + halfHeight},
	}
	copy(l.Points[start:start+6], pts[:])
}

func blinkingLandmarks() landmarks.Landmarks {
	l := neutralLandmarks()
	setEye(&l, landmarks.LeftEyeStart, 220, 150, 20, 0.5)
	setEye(&l, landmarks.RightEyeStart, 160, 150, 20, 0.5)
	return l
}

func turnRightLandmarks() landmarks.Landmarks {
	l := neutralLandmarks()
	l.Points[landmarks.NoseTip] = landmarks.Point{X: 260, Y: 180}
	return l
}

func smilingLandmarks() landmarks.Landmarks {
	l := neutralLandmarks()
	l.Points[landmarks.MouthInnerTop] = landmarks.Point{X: 200, Y: 200}
	l.Points[landmarks.MouthInnerBottom] = landmarks.Point{X: 200, Y: 260}
	return l
}

// happyPathScript fires blink at frames 1-2, turn_right at frames 3-4, and
// smile at frames 5-6, matching the [blink, turn_right, smile] challenge.
func happyPathScript() []landmarks.Landmarks {
	return []landmarks.Landmarks{
		neutralLandmarks(),
		blinkingLandmarks(), blinkingLandmarks(),
		turnRightLandmarks(), turnRightLandmarks(),
		smilingLandmarks(), smilingLandmarks(),
	}
}

func newTestOrchestrator(t *testing.T, script []landmarks.Landmarks) (*Orchestrator, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()

	store, err := challenge.NewStore(mock, "", "test-encryption-key")
	require.NoError(t, err)

	tokenSvc, err := tokens.NewService(mock, "test-jwt-secret", "", "test-encryption-key")
	require.NoError(t, err)

	orch := New(Options{
		ChallengeExpiry:       time.Minute,
		ChallengeStepCount:    3,
		GesturePool:           []models.GestureTag{models.Blink, models.TurnRight, models.Smile},
		MinFrames:             5,
		MaxFrames:             30,
		MaxDecodeFailureRatio: 0.5,
		WorkingFrameWidth:     1000,
		MaxConcurrentFrames:   4,
		LivenessPassThreshold: 70,
		TokenTTL:              5 * time.Minute,
		VerifyTimeout:         5 * time.Second,
	}, mock, store, scriptedExtractor{script: script}, tokenSvc)

	return orch, mock
}

func framesFromScript(t *testing.T, n int) []string {
	t.Helper()
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = frameAt(t, i)
	}
	return out
}

func TestVerify_HappyPath(t *testing.T) {
	script := happyPathScript()
	orch, _ := newTestOrchestrator(t, script)

	// Built directly against the known [blink, turn_right, smile] order
	// rather than through GenerateChallenge, whose sampled order is random.
	ch, err := orch.challenges.Create([]models.GestureTag{models.Blink, models.TurnRight, models.Smile}, 3, time.Minute)
	require.NoError(t, err)

	frames := framesFromScript(t, len(script))
	result, err := orch.Verify(context.Background(), ch.ID, frames)
	require.NoError(t, err)

	assert.True(t, result.Passed)
	assert.NotEmpty(t, result.Token)
	require.Len(t, result.StepResults, 3)
	assert.Equal(t, 2, result.StepResults[0].FrameIdx)
	assert.Equal(t, 4, result.StepResults[1].FrameIdx)
	assert.Equal(t, 6, result.StepResults[2].FrameIdx)
}

func TestVerify_OutOfOrderFails(t *testing.T) {
	// Script performs turn_right then blink then smile, but the challenge
	// requires blink first: blink confirms at frame 4, after the only
	// turn_right frames, so the cursor stalls at step 1 and smile is never
	// reached.
	script := []landmarks.Landmarks{
		neutralLandmarks(),
		turnRightLandmarks(), turnRightLandmarks(),
		blinkingLandmarks(), blinkingLandmarks(),
		smilingLandmarks(), smilingLandmarks(),
	}
	orch, _ := newTestOrchestrator(t, script)

	ch, err := orch.challenges.Create([]models.GestureTag{models.Blink, models.TurnRight, models.Smile}, 3, time.Minute)
	require.NoError(t, err)

	frames := framesFromScript(t, len(script))
	result, err := orch.Verify(context.Background(), ch.ID, frames)
	require.NoError(t, err)

	assert.False(t, result.Passed)
	assert.NotEmpty(t, result.RejectionReason)
	assert.Empty(t, result.Token)
}

func TestVerify_StaleChallengeRejected(t *testing.T) {
	orch, mock := newTestOrchestrator(t, happyPathScript())

	ch, err := orch.challenges.Create([]models.GestureTag{models.Blink, models.TurnRight, models.Smile}, 3, time.Second)
	require.NoError(t, err)

	mock.Add(2 * time.Second)

	_, err = orch.Verify(context.Background(), ch.ID, framesFromScript(t, 7))
	assert.ErrorIs(t, err, challenge.ErrExpired)
}

func TestVerify_DoubleSpendRejected(t *testing.T) {
	orch, _ := newTestOrchestrator(t, happyPathScript())

	ch, err := orch.challenges.Create([]models.GestureTag{models.Blink, models.TurnRight, models.Smile}, 3, time.Minute)
	require.NoError(t, err)

	frames := framesFromScript(t, 7)
	_, err = orch.Verify(context.Background(), ch.ID, frames)
	require.NoError(t, err)

	_, err = orch.Verify(context.Background(), ch.ID, frames)
	assert.ErrorIs(t, err, challenge.ErrAlreadyUsed)
}

func TestAttackSim_StaticFrameNeverPasses(t *testing.T) {
	neutral := neutralLandmarks()
	script := make([]landmarks.Landmarks, 20)
	for i := range script {
		script[i] = neutral
	}
	orch, _ := newTestOrchestrator(t, script)

	frames := make([]string, 20)
	for i := 0; i < 20; i++ {
		frames[i] = frameAt(t, i)
	}

	result, err := orch.AttackSim(context.Background(), frames)
	require.NoError(t, err)

	assert.False(t, result.Passed)
	assert.Empty(t, result.Token)
	assert.NotEmpty(t, result.RejectionReason)
	assert.NotEmpty(t, result.Recommendation)
}

func TestGenerateChallenge_ClampsStepCount(t *testing.T) {
	orch, _ := newTestOrchestrator(t, nil)

	ch, err := orch.GenerateChallenge(100)
	require.NoError(t, err)
	assert.Len(t, ch.Steps, 3) // clamped to pool size
}
