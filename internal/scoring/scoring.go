// Package scoring implements the Scorer: it combines step completion, face
// presence, and landmark confidence into the composite liveness score and
// pass/fail verdict described in spec.md §4.3.
package scoring

import (
	"math"

	"github.com/aegis-id/liveness-service/internal/models"
)

const (
	stepWeight       = 60.0
	presenceWeight   = 20.0
	confidenceWeight = 20.0

	defaultPassThreshold = 70.0
)

// Result is the Scorer's output.
type Result struct {
	LivenessScore float64
	Passed        bool
}

// Score computes the liveness score and verdict from the analyzer's step
// results, the count of frames with a detected face, the total frame count,
// and the per-frame landmark confidences (only meaningful for frames with a
// detected face).
func Score(stepResults []models.StepResult, faceDetectedCount, totalFrames int, landmarkConfidences []float64, passThreshold float64) Result {
	if passThreshold <= 0 {
		passThreshold = defaultPassThreshold
	}
	if totalFrames == 0 {
		return Result{}
	}

	detected := 0
	for _, r := range stepResults {
		if r.Detected {
			detected++
		}
	}
	allDetected := len(stepResults) > 0 && detected == len(stepResults)

	stepScore := 0.0
	if len(stepResults) > 0 {
		stepScore = (float64(detected) / float64(len(stepResults))) * stepWeight
	}

	presenceRatio := float64(faceDetectedCount) / float64(totalFrames)
	presenceScore := presenceRatio * presenceWeight

	confidenceScore := 0.0
	if len(landmarkConfidences) > 0 {
		sum := 0.0
		for _, c := range landmarkConfidences {
			sum += c
		}
		confidenceScore = (sum / float64(len(landmarkConfidences))) * confidenceWeight
	}

	livenessScore := clamp(stepScore+presenceScore+confidenceScore, 0, 100)

	requiredPresence := int(math.Ceil(0.5 * float64(totalFrames)))
	passed := allDetected && faceDetectedCount >= requiredPresence && livenessScore >= passThreshold

	return Result{LivenessScore: livenessScore, Passed: passed}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
