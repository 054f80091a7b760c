package models

import "time"

// GestureTag is the closed enumeration of gestures a challenge may require.
type GestureTag string

const (
	Blink     GestureTag = "blink"
	TurnLeft  GestureTag = "turn_left"
	TurnRight GestureTag = "turn_right"
	Smile     GestureTag = "smile"
	BrowRaise GestureTag = "brow_raise"
	TongueOut GestureTag = "tongue_out"
)

// CoreGestureSet is enabled by default; the extensions are opt-in.
var CoreGestureSet = []GestureTag{Blink, TurnLeft, TurnRight, Smile}

// ExtendedGestureSet adds the optional gestures.
var ExtendedGestureSet = []GestureTag{Blink, TurnLeft, TurnRight, Smile, BrowRaise, TongueOut}

func (g GestureTag) Valid() bool {
	switch g {
	case Blink, TurnLeft, TurnRight, Smile, BrowRaise, TongueOut:
		return true
	default:
		return false
	}
}

// Challenge is a randomly generated, one-shot, time-bounded gesture sequence.
type Challenge struct {
	ID        string       `json:"id"`
	Steps     []GestureTag `json:"steps"`
	CreatedAt time.Time    `json:"created_at"`
	ExpiresAt time.Time    `json:"expires_at"`
	Used      bool         `json:"used"`
}

// GestureSignal is the per-frame, per-gesture evidence produced by a detector.
type GestureSignal struct {
	Fired      bool
	Confidence float64
}

// FrameAnalysis is the ephemeral per-frame analysis record (never persisted).
type FrameAnalysis struct {
	FrameIndex         int
	FacePresent        bool
	LandmarkConfidence float64
	PerGesture         map[GestureTag]GestureSignal
}

// StepResult reports whether one required step of a challenge was satisfied.
type StepResult struct {
	Step       GestureTag `json:"step"`
	Detected   bool       `json:"detected"`
	Confidence float64    `json:"confidence"`
	FrameIdx   int        `json:"frame_idx"`
}

// VerificationResult is the outcome of a verify operation, serialized flat at
// the HTTP boundary (see orchestrator.VerifyOutcome for the tagged-variant
// model this is flattened from).
type VerificationResult struct {
	Passed            bool         `json:"passed"`
	LivenessScore     float64      `json:"liveness_score"`
	StepResults       []StepResult `json:"step_results"`
	FaceDetectedCount int          `json:"face_detected_count"`
	TotalFrames       int          `json:"total_frames"`
	TemporalValid     bool         `json:"temporal_valid"`
	Token             string       `json:"token,omitempty"`
	TokenExpiresAt    *time.Time   `json:"token_expires_at,omitempty"`
	RejectionReason   string       `json:"rejection_reason,omitempty"`
	Recommendation    string       `json:"recommendation,omitempty"`
}

// TokenRecord is the persisted, at-rest representation of an issued token.
// The raw token string is never stored here, only its digest.
type TokenRecord struct {
	Hash      string    `json:"hash"`
	Subject   string    `json:"subject"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
}
