// Package gesture implements the pure per-frame gesture detectors described
// in spec.md §4.1: each is a total function of a single frame's landmarks,
// computing a resolution-independent geometric ratio and comparing it
// against a fixed threshold.
package gesture

import (
	"math"

	"github.com/aegis-id/liveness-service/internal/landmarks"
	"github.com/aegis-id/liveness-service/internal/models"
)

// Detector maps one frame's landmarks to a (fired, confidence) signal for a
// single gesture class. Implementations never vary fired/confidence based on
// anything but the landmarks passed in.
type Detector interface {
	Tag() models.GestureTag
	Detect(l landmarks.Landmarks) models.GestureSignal
}

// Registry maps each core gesture tag to its detector. The extended tags
// (brow_raise, tongue_out) have no detector and are not in the map.
func Registry() map[models.GestureTag]Detector {
	return map[models.GestureTag]Detector{
		models.Blink:     BlinkDetector{},
		models.Smile:     SmileDetector{},
		models.TurnLeft:  TurnDetector{Tag_: models.TurnLeft},
		models.TurnRight: TurnDetector{Tag_: models.TurnRight},
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func dist(a, b landmarks.Point) float64 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// BlinkDetector fires on a low Eye Aspect Ratio (EAR), the classic measure
// of eye openness from six per-eye landmarks.
type BlinkDetector struct{}

const blinkEARThreshold = 0.21

func (BlinkDetector) Tag() models.GestureTag { return models.Blink }

func (BlinkDetector) Detect(l landmarks.Landmarks) models.GestureSignal {
	if !l.Present {
		return models.GestureSignal{}
	}

	earLeft := eyeAspectRatio(l.EyePoints(landmarks.LeftEyeStart))
	earRight := eyeAspectRatio(l.EyePoints(landmarks.RightEyeStart))
	earMin := math.Min(earLeft, earRight)

	if earMin >= blinkEARThreshold {
		return models.GestureSignal{Fired: false, Confidence: 0}
	}

	confidence := clamp01((blinkEARThreshold - earMin) / blinkEARThreshold)
	return models.GestureSignal{Fired: true, Confidence: confidence}
}

// eyeAspectRatio computes EAR = (‖p2-p6‖ + ‖p3-p5‖) / (2·‖p1-p4‖) for the
// six points of one eye, in dlib ordering (p1=outer corner, p2,p3=upper lid,
// p4=inner corner, p5,p6=lower lid).
func eyeAspectRatio(pts [6]landmarks.Point) float64 {
	p1, p2, p3, p4, p5, p6 := pts[0], pts[1], pts[2], pts[3], pts[4], pts[5]
	horizontal := dist(p1, p4)
	if horizontal == 0 {
		return math.Inf(1)
	}
	return (dist(p2, p6) + dist(p3, p5)) / (2 * horizontal)
}

// SmileDetector fires on a high Mouth Aspect Ratio (MAR).
type SmileDetector struct{}

const smileMARThreshold = 0.55

func (SmileDetector) Tag() models.GestureTag { return models.Smile }

func (SmileDetector) Detect(l landmarks.Landmarks) models.GestureSignal {
	if !l.Present {
		return models.GestureSignal{}
	}

	vertical := dist(l.Points[landmarks.MouthInnerTop], l.Points[landmarks.MouthInnerBottom])
	horizontal := dist(l.Points[landmarks.MouthLeftCorner], l.Points[landmarks.MouthRightCorner])
	if horizontal == 0 {
		return models.GestureSignal{}
	}
	mar := vertical / horizontal

	if mar <= smileMARThreshold {
		return models.GestureSignal{Fired: false, Confidence: 0}
	}

	confidence := clamp01((mar - smileMARThreshold) / smileMARThreshold)
	return models.GestureSignal{Fired: true, Confidence: confidence}
}

// TurnDetector fires on a signed nose-offset ratio exceeding a threshold in
// one direction; the same implementation backs both turn_left and
// turn_right, distinguished by Tag_.
//
// The server treats image-space +x as rightward (spec.md §6): the captured
// frame is assumed unmirrored, so a nose offset to image-right means the
// subject turned their head to their own left. turn_right/turn_left below
// name the image-space direction of the nose offset (r > 0.035 =>
// turn_right), not the subject's own left/right.
type TurnDetector struct {
	Tag_ models.GestureTag
}

const noseOffsetThreshold = 0.035

func (t TurnDetector) Tag() models.GestureTag { return t.Tag_ }

func (t TurnDetector) Detect(l landmarks.Landmarks) models.GestureSignal {
	if !l.Present {
		return models.GestureSignal{}
	}

	noseX := l.Points[landmarks.NoseTip].X
	faceCenterX := (l.Points[landmarks.JawLeft].X + l.Points[landmarks.JawRight].X) / 2
	faceWidth := math.Abs(l.Points[landmarks.JawRight].X - l.Points[landmarks.JawLeft].X)
	if faceWidth == 0 {
		return models.GestureSignal{}
	}

	r := (noseX - faceCenterX) / faceWidth

	var fired bool
	switch t.Tag_ {
	case models.TurnRight:
		fired = r > noseOffsetThreshold
	case models.TurnLeft:
		fired = r < -noseOffsetThreshold
	}

	if !fired {
		return models.GestureSignal{Fired: false, Confidence: 0}
	}

	confidence := clamp01((math.Abs(r) - noseOffsetThreshold) / noseOffsetThreshold)
	return models.GestureSignal{Fired: true, Confidence: confidence}
}
