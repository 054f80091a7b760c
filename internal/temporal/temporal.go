// Package temporal implements the Temporal Analyzer: it reduces an ordered
// sequence of per-frame gesture signals into per-step confirmations, in
// challenge order, enforcing the consecutive-frame streak rule described in
// spec.md §4.2.
package temporal

import (
	"errors"

	"github.com/aegis-id/liveness-service/internal/models"
)

// MinFrames is the default floor below which the analyzer refuses to run.
const MinFrames = 5

// ErrInsufficientFrames is returned when the submitted sequence is shorter
// than the configured minimum; callers should surface this as a soft
// pipeline failure (insufficient_signal), not a crash.
var ErrInsufficientFrames = errors.New("insufficient frames for temporal analysis")

// Result is the analyzer's output: one StepResult per required step, in
// challenge order, plus whether confirmations were strictly monotonic in
// frame index (always true by construction of this algorithm, but reported
// explicitly so callers and tests can assert it).
type Result struct {
	StepResults   []models.StepResult
	TemporalValid bool
}

// Analyze scans frames in order, confirming each required step only once
// its gesture has fired on two consecutive frames. When a step repeats the
// same gesture tag as the step just confirmed before it (e.g. [blink,
// blink]), the new streak may not begin until at least one frame where that
// gesture did not fire has been observed since the prior confirmation
// (spec.md §4.2): otherwise a single unbroken streak could satisfy both
// steps at once.
func Analyze(frames []models.FrameAnalysis, steps []models.GestureTag, minFrames int) (Result, error) {
	if minFrames <= 0 {
		minFrames = MinFrames
	}
	if len(frames) < minFrames {
		return Result{}, ErrInsufficientFrames
	}

	results := make([]models.StepResult, len(steps))
	for i, step := range steps {
		results[i] = models.StepResult{Step: step, Detected: false, Confidence: 0, FrameIdx: -1}
	}

	cursor := 0
	streakLen := 0
	streakMaxConfidence := 0.0

	var lastConfirmedTag models.GestureTag
	hasConfirmed := false
	gapSeenSinceConfirm := true

	for _, frame := range frames {
		if cursor >= len(steps) {
			break
		}

		currentTag := steps[cursor]
		requireGap := hasConfirmed && currentTag == lastConfirmedTag && !gapSeenSinceConfirm
		signal := frame.PerGesture[currentTag]

		if signal.Fired && !requireGap {
			streakLen++
			if signal.Confidence > streakMaxConfidence {
				streakMaxConfidence = signal.Confidence
			}

			if streakLen >= 2 {
				results[cursor] = models.StepResult{
					Step:       currentTag,
					Detected:   true,
					Confidence: streakMaxConfidence,
					FrameIdx:   frame.FrameIndex,
				}
				lastConfirmedTag = currentTag
				hasConfirmed = true
				gapSeenSinceConfirm = false
				cursor++
				streakLen = 0
				streakMaxConfidence = 0
			}
		} else {
			streakLen = 0
			streakMaxConfidence = 0
			if !signal.Fired {
				gapSeenSinceConfirm = true
			}
		}
	}

	return Result{StepResults: results, TemporalValid: isMonotonic(results)}, nil
}

// isMonotonic asserts the invariant from spec.md §8: among confirmed steps,
// frame indices strictly increase. The scan above guarantees this by
// construction; this is a belt-and-suspenders check, not a source of truth.
func isMonotonic(results []models.StepResult) bool {
	last := -1
	for _, r := range results {
		if !r.Detected {
			continue
		}
		if r.FrameIdx <= last {
			return false
		}
		last = r.FrameIdx
	}
	return true
}
