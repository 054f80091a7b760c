package gesture

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aegis-id/liveness-service/internal/landmarks"
	"github.com/aegis-id/liveness-service/internal/models"
)

// neutralFace returns a landmark fixture shaped like a forward-facing,
// eyes-open, closed-mouth face, spaced in an arbitrary pixel frame.
func neutralFace() landmarks.Landmarks {
	var l landmarks.Landmarks
	l.Present = true
	l.Confidence = 0.9

	l.Points[landmarks.JawLeft] = landmarks.Point{X: 100, Y: 200}
	l.Points[landmarks.JawRight] = landmarks.Point{X: 300, Y: 200}

	// Eyes open: vertical distances comparable to horizontal (EAR high).
	setEye(&l, landmarks.LeftEyeStart, 220, 150, 20, 8)
	setEye(&l, landmarks.RightEyeStart, 160, 150, 20, 8)

	l.Points[landmarks.NoseTip] = landmarks.Point{X: 200, Y: 180}

	l.Points[landmarks.MouthLeftCorner] = landmarks.Point{X: 230, Y: 230}
	l.Points[landmarks.MouthRightCorner] = landmarks.Point{X: 170, Y: 230}
	l.Points[landmarks.MouthInnerTop] = landmarks.Point{X: 200, Y: 227}
	l.Points[landmarks.MouthInnerBottom] = landmarks.Point{X: 200, Y: 233}

	return l
}

// setEye places the canonical six eye points centered at (cx, cy) with the
// given half-width and half-height, producing a controllable EAR.
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

func TestBlinkDetector(t *testing.T) {
	d := BlinkDetector{}
	assert.Equal(t, models.Blink, d.Tag())

	t.Run("eyes open does not fire", func(t *testing.T) {
		l := neutralFace()
		signal := d.Detect(l)
		assert.False(t, signal.Fired)
	})

	t.Run("eyes closed fires", func(t *testing.T) {
		l := neutralFace()
		setEye(&l, landmarks.LeftEyeStart, 220, 150, 20, 0.5)
		setEye(&l, landmarks.RightEyeStart, 160, 150, 20, 0.5)

		signal := d.Detect(l)
		assert.True(t, signal.Fired)
		assert.Greater(t, signal.Confidence, 0.0)
	})

	t.Run("no face never fires", func(t *testing.T) {
		signal := d.Detect(landmarks.Landmarks{Present: false})
		assert.False(t, signal.Fired)
		assert.Equal(t, 0.0, signal.Confidence)
	})
}

func TestSmileDetector(t *testing.T) {
	d := SmileDetector{}
	assert.Equal(t, models.Smile, d.Tag())

	t.Run("closed mouth does not fire", func(t *testing.T) {
		signal := d.Detect(neutralFace())
		assert.False(t, signal.Fired)
	})

	t.Run("wide open mouth fires", func(t *testing.T) {
		l := neutralFace()
		l.Points[landmarks.MouthInnerTop] = landmarks.Point{X: 200, Y: 200}
		l.Points[landmarks.MouthInnerBottom] = landmarks.Point{X: 200, Y: 260}

		signal := d.Detect(l)
		assert.True(t, signal.Fired)
	})
}

func TestTurnDetector(t *testing.T) {
	left := TurnDetector{Tag_: models.TurnLeft}
	right := TurnDetector{Tag_: models.TurnRight}
	assert.Equal(t, models.TurnLeft, left.Tag())
	assert.Equal(t, models.TurnRight, right.Tag())

	t.Run("centered nose fires neither", func(t *testing.T) {
		l := neutralFace()
		assert.False(t, left.Detect(l).Fired)
		assert.False(t, right.Detect(l).Fired)
	})

	t.Run("nose offset toward image-right fires turn_right only", func(t *testing.T) {
		l := neutralFace()
		l.Points[landmarks.NoseTip] = landmarks.Point{X: 260, Y: 180}

		assert.True(t, right.Detect(l).Fired)
		assert.False(t, left.Detect(l).Fired)
	})

	t.Run("nose offset toward image-left fires turn_left only", func(t *testing.T) {
		l := neutralFace()
		l.Points[landmarks.NoseTip] = landmarks.Point{X: 140, Y: 180}

		assert.True(t, left.Detect(l).Fired)
		assert.False(t, right.Detect(l).Fired)
	})
}

func TestRegistry(t *testing.T) {
	reg := Registry()
	for _, tag := range []models.GestureTag{models.Blink, models.Smile, models.TurnLeft, models.TurnRight} {
		d, ok := reg[tag]
		assert.True(t, ok, "missing detector for %s", tag)
		assert.Equal(t, tag, d.Tag())
	}
}
