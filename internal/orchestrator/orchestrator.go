// Package orchestrator implements the Verification Orchestrator: the
// request-facing surface that resolves and consumes a challenge, drives the
// landmark/gesture/temporal/scoring pipeline, and on success invokes the
// Token Service. See spec.md §4.6.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/semaphore"

	"github.com/aegis-id/liveness-service/internal/challenge"
	"github.com/aegis-id/liveness-service/internal/frames"
	"github.com/aegis-id/liveness-service/internal/gesture"
	"github.com/aegis-id/liveness-service/internal/landmarks"
	"github.com/aegis-id/liveness-service/internal/models"
	"github.com/aegis-id/liveness-service/internal/scoring"
	"github.com/aegis-id/liveness-service/internal/temporal"
	"github.com/aegis-id/liveness-service/internal/tokens"
)

var (
	ErrMalformed          = errors.New("malformed request")
	ErrInsufficientSignal = errors.New("insufficient signal")
	ErrTimeout            = errors.New("verification timed out")
)

// attackSimSteps is the fixed, common gesture sequence the attack-sim
// endpoint synthesizes in place of a real challenge.
var attackSimSteps = []models.GestureTag{models.Blink, models.TurnRight, models.Smile}

// VerifyOutcome is the tagged-variant result of running the pipeline
// (spec.md §9's design note): exactly one of Passed or Failed is non-nil.
// Keeping the two cases distinct at this layer stops a passing run's token
// fields and a failing run's rejection reason from being able to coexist;
// ToResult flattens whichever case occurred into the single JSON shape the
// HTTP surface returns.
type VerifyOutcome struct {
	Passed *PassedOutcome
	Failed *FailedOutcome
}

// PassedOutcome carries the fields only a successful verification produces.
type PassedOutcome struct {
	LivenessScore     float64
	StepResults       []models.StepResult
	FaceDetectedCount int
	TotalFrames       int
	TemporalValid     bool
	Token             string
	TokenExpiresAt    time.Time
}

// FailedOutcome carries the fields describing why verification did not pass;
// RejectionReason is always set, the rest are best-effort diagnostics.
type FailedOutcome struct {
	RejectionReason   string
	LivenessScore     float64
	StepResults       []models.StepResult
	FaceDetectedCount int
	TotalFrames       int
	TemporalValid     bool
}

// ToResult flattens the tagged outcome into the wire representation.
func (o VerifyOutcome) ToResult() models.VerificationResult {
	if o.Passed != nil {
		p := o.Passed
		expiresAt := p.TokenExpiresAt
		return models.VerificationResult{
			Passed:            true,
			LivenessScore:     p.LivenessScore,
			StepResults:       p.StepResults,
			FaceDetectedCount: p.FaceDetectedCount,
			TotalFrames:       p.TotalFrames,
			TemporalValid:     p.TemporalValid,
			Token:             p.Token,
			TokenExpiresAt:    &expiresAt,
		}
	}
	f := o.Failed
	return models.VerificationResult{
		Passed:            false,
		LivenessScore:     f.LivenessScore,
		StepResults:       f.StepResults,
		FaceDetectedCount: f.FaceDetectedCount,
		TotalFrames:       f.TotalFrames,
		TemporalValid:     f.TemporalValid,
		RejectionReason:   f.RejectionReason,
	}
}

func rejectionReason(scoreResult scoring.Result, stepResults []models.StepResult) string {
	for _, r := range stepResults {
		if !r.Detected {
			return "gesture_not_confirmed"
		}
	}
	if scoreResult.LivenessScore < 100 {
		return "liveness_score_below_threshold"
	}
	return "liveness_check_failed"
}

// Options configures an Orchestrator from the resolved Config.
type Options struct {
	ChallengeExpiry       time.Duration
	ChallengeStepCount    int
	GesturePool           []models.GestureTag
	MinFrames             int
	MaxFrames             int
	MaxDecodeFailureRatio float64
	WorkingFrameWidth     int
	MaxConcurrentFrames   int64
	LivenessPassThreshold float64
	TokenTTL              time.Duration
	VerifyTimeout         time.Duration
}

// Orchestrator wires every component of the pipeline together behind the
// three public operations named in spec.md §4.6.
type Orchestrator struct {
	opts       Options
	clock      clock.Clock
	challenges *challenge.Store
	extractor  landmarks.Extractor
	detectors  map[models.GestureTag]gesture.Detector
	tokenSvc   *tokens.Service
}

func New(opts Options, clk clock.Clock, challenges *challenge.Store, extractor landmarks.Extractor, tokenSvc *tokens.Service) *Orchestrator {
	if clk == nil {
		clk = clock.New()
	}
	return &Orchestrator{
		opts:       opts,
		clock:      clk,
		challenges: challenges,
		extractor:  extractor,
		detectors:  gesture.Registry(),
		tokenSvc:   tokenSvc,
	}
}

// GenerateChallenge creates and persists a new one-shot challenge. stepCount
// of 0 uses the configured default; a positive override is clamped to
// [2, len(gesture pool)].
func (o *Orchestrator) GenerateChallenge(stepCount int) (models.Challenge, error) {
	n := o.opts.ChallengeStepCount
	if stepCount > 0 {
		n = stepCount
	}
	if n < 2 {
		n = 2
	}
	if n > len(o.opts.GesturePool) {
		n = len(o.opts.GesturePool)
	}

	return o.challenges.Create(o.opts.GesturePool, n, o.opts.ChallengeExpiry)
}

// Verify consumes challengeID, then analyzes rawFrames against its step
// sequence. The challenge is consumed before any analysis runs: a failed
// verification still burns the one-shot nonce (spec.md §4.6).
func (o *Orchestrator) Verify(ctx context.Context, challengeID string, rawFrames []string) (models.VerificationResult, error) {
	now := o.clock.Now().UTC()

	c, err := o.challenges.Consume(challengeID, now)
	if err != nil {
		return models.VerificationResult{}, err
	}

	// The challenge is already consumed at this point: a timeout below does
	// not and cannot un-consume it (spec.md §5). The client simply sees
	// ErrTimeout and must request a fresh challenge.
	return o.withTimeout(ctx, func(ctx context.Context) (models.VerificationResult, error) {
		return o.runPipeline(ctx, c.ID, c.Steps, rawFrames, true)
	})
}

// AttackSim runs the full pipeline against caller-supplied frames without a
// real challenge, and never issues a token regardless of the outcome. The
// response always carries a recommendation alongside any rejection reason,
// since this endpoint exists purely for diagnostic inspection.
func (o *Orchestrator) AttackSim(ctx context.Context, rawFrames []string) (models.VerificationResult, error) {
	result, err := o.withTimeout(ctx, func(ctx context.Context) (models.VerificationResult, error) {
		return o.runPipeline(ctx, "attack-sim", attackSimSteps, rawFrames, false)
	})
	if err != nil {
		return result, err
	}
	result.Recommendation = recommendation(result)
	return result, nil
}

// withTimeout bounds fn to the configured verify wall-clock budget. A
// timeout surfaces as ErrTimeout; the goroutine running fn is abandoned
// rather than killed, matching spec.md §5's note that cancellation need not
// leave analysis in any particular recoverable state.
func (o *Orchestrator) withTimeout(ctx context.Context, fn func(context.Context) (models.VerificationResult, error)) (models.VerificationResult, error) {
	timeout := o.opts.VerifyTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := make(chan struct {
		result models.VerificationResult
		err    error
	}, 1)

	go func() {
		result, err := fn(ctx)
		resultCh <- struct {
			result models.VerificationResult
			err    error
		}{result, err}
	}()

	select {
	case out := <-resultCh:
		return out.result, out.err
	case <-ctx.Done():
		return models.VerificationResult{}, ErrTimeout
	}
}

func recommendation(r models.VerificationResult) string {
	if r.Passed {
		return "input reproduced a genuine gesture sequence; no static/replay signal detected"
	}
	switch r.RejectionReason {
	case "gesture_not_confirmed":
		return "submit frames showing a live, moving face performing the requested gestures"
	case "liveness_score_below_threshold":
		return "increase face presence and landmark confidence across the frame sequence"
	default:
		return "input did not exhibit the temporal variation expected of a live capture"
	}
}

func (o *Orchestrator) runPipeline(ctx context.Context, subject string, steps []models.GestureTag, rawFrames []string, allowToken bool) (models.VerificationResult, error) {
	if len(rawFrames) == 0 {
		return models.VerificationResult{}, ErrMalformed
	}

	if len(rawFrames) > o.opts.MaxFrames {
		rawFrames = rawFrames[:o.opts.MaxFrames]
	}

	analyses, decodeFailures := o.analyzeFrames(ctx, rawFrames, steps)

	maxFailures := int(o.opts.MaxDecodeFailureRatio * float64(len(analyses)))
	if decodeFailures > maxFailures {
		return models.VerificationResult{}, ErrInsufficientSignal
	}

	analyzerResult, err := temporal.Analyze(analyses, steps, o.opts.MinFrames)
	if err != nil {
		if errors.Is(err, temporal.ErrInsufficientFrames) {
			return models.VerificationResult{}, ErrInsufficientSignal
		}
		return models.VerificationResult{}, err
	}

	faceDetectedCount := 0
	var confidences []float64
	for _, a := range analyses {
		if a.FacePresent {
			faceDetectedCount++
			confidences = append(confidences, a.LandmarkConfidence)
		}
	}

	scoreResult := scoring.Score(analyzerResult.StepResults, faceDetectedCount, len(analyses), confidences, o.opts.LivenessPassThreshold)

	if !scoreResult.Passed {
		return VerifyOutcome{Failed: &FailedOutcome{
			RejectionReason:   rejectionReason(scoreResult, analyzerResult.StepResults),
			LivenessScore:     scoreResult.LivenessScore,
			StepResults:       analyzerResult.StepResults,
			FaceDetectedCount: faceDetectedCount,
			TotalFrames:       len(analyses),
			TemporalValid:     analyzerResult.TemporalValid,
		}}.ToResult(), nil
	}

	passed := &PassedOutcome{
		LivenessScore:     scoreResult.LivenessScore,
		StepResults:       analyzerResult.StepResults,
		FaceDetectedCount: faceDetectedCount,
		TotalFrames:       len(analyses),
		TemporalValid:     analyzerResult.TemporalValid,
	}

	if allowToken {
		tokenString, record, err := o.tokenSvc.Issue(subject, o.clock.Now().UTC(), o.opts.TokenTTL)
		if err != nil {
			return models.VerificationResult{}, fmt.Errorf("token issuance failed: %w", err)
		}
		passed.Token = tokenString
		passed.TokenExpiresAt = record.ExpiresAt
	}

	return VerifyOutcome{Passed: passed}.ToResult(), nil
}

// analyzeFrames decodes and landmark-extracts every frame, building the
// gesture signals the temporal analyzer needs, only for gesture tags the
// challenge actually references. Per-frame work is parallelized up to
// MaxConcurrentFrames and then restored to submission order.
func (o *Orchestrator) analyzeFrames(ctx context.Context, rawFrames []string, steps []models.GestureTag) ([]models.FrameAnalysis, int) {
	needed := make(map[models.GestureTag]gesture.Detector, len(steps))
	for _, tag := range steps {
		if d, ok := o.detectors[tag]; ok {
			needed[tag] = d
		}
	}

	results := make([]models.FrameAnalysis, len(rawFrames))
	decodeFailures := make([]bool, len(rawFrames))

	limit := o.opts.MaxConcurrentFrames
	if limit <= 0 {
		limit = 1
	}
	sem := semaphore.NewWeighted(limit)

	var wg sync.WaitGroup
	for i, raw := range rawFrames {
		wg.Add(1)
		go func(index int, raw string) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				results[index] = models.FrameAnalysis{FrameIndex: index}
				decodeFailures[index] = true
				return
			}
			defer sem.Release(1)

			results[index] = o.analyzeOneFrame(index, raw, needed)
			decodeFailures[index] = !results[index].FacePresent
		}(i, raw)
	}
	wg.Wait()

	failureCount := 0
	for _, failed := range decodeFailures {
		if failed {
			failureCount++
		}
	}

	return results, failureCount
}

func (o *Orchestrator) analyzeOneFrame(index int, raw string, needed map[models.GestureTag]gesture.Detector) models.FrameAnalysis {
	img, err := frames.Decode(raw)
	if err != nil {
		return models.FrameAnalysis{FrameIndex: index, FacePresent: false}
	}

	img = frames.DownscaleToWidth(img, o.opts.WorkingFrameWidth)

	lm, err := o.extractor.Extract(img)
	if err != nil || !lm.Present {
		return models.FrameAnalysis{FrameIndex: index, FacePresent: false}
	}

	perGesture := make(map[models.GestureTag]models.GestureSignal, len(needed))
	for tag, detector := range needed {
		perGesture[tag] = detector.Detect(lm)
	}

	return models.FrameAnalysis{
		FrameIndex:         index,
		FacePresent:        true,
		LandmarkConfidence: lm.Confidence,
		PerGesture:         perGesture,
	}
}
