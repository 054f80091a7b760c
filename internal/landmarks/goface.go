package landmarks

import (
	"fmt"
	"image"
	"math"

	"github.com/Kagami/go-face"
)

// GoFaceExtractor backs the Extractor port with github.com/Kagami/go-face,
// the dlib-based face recognizer the teacher service already depends on. It
// repurposes the recognizer strictly for face detection (bounding rectangle
// and a per-face descriptor used as a stability signal); go-face does not
// expose the internal dlib shape-predictor points publicly, so the detailed
// landmark positions (eyes, mouth, jaw contour) are placed within the
// detected rectangle using fixed anthropometric ratios. The nose tip is the
// exception: its horizontal position is derived per frame from the image's
// own pixel data (see estimateNoseOffsetFraction) rather than fixed at the
// rectangle's center, since a fixed placement would make head-turn detection
// mathematically impossible. This keeps the go-face dependency doing real
// detection work while leaving the dense-mesh contract of Extractor
// satisfied for the gesture detectors above it.
type GoFaceExtractor struct {
	recognizer *face.Recognizer
}

// NewGoFaceExtractor loads the dlib models from modelDir once, for the
// process lifetime; per-request usage below does not re-acquire it.
func NewGoFaceExtractor(modelDir string) (*GoFaceExtractor, error) {
	rec, err := face.NewRecognizer(modelDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize face recognizer: %w", err)
	}
	return &GoFaceExtractor{recognizer: rec}, nil
}

func (e *GoFaceExtractor) Close() {
	if e.recognizer != nil {
		e.recognizer.Close()
	}
}

func (e *GoFaceExtractor) Extract(img image.Image) (Landmarks, error) {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	rgba := image.NewRGBA(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			rgba.Set(x, y, img.At(x, y))
		}
	}

	faces, err := e.recognizer.RecognizeRGBA(rgba.Pix, width, height, width*4)
	if err != nil {
		return Landmarks{}, fmt.Errorf("face detection failed: %w", err)
	}
	if len(faces) == 0 {
		return Landmarks{Present: false}, nil
	}

	f := largestFace(faces)

	descriptor, err := e.recognizer.GetDescriptor(rgba.Pix, width, height, width*4, f.Rectangle)
	confidence := rectangleConfidence(f.Rectangle, width, height)
	if err == nil {
		confidence = blendDescriptorConfidence(confidence, descriptor)
	}

	noseOffsetFrac := estimateNoseOffsetFraction(rgba, f.Rectangle)

	return Landmarks{
		Present:    true,
		Confidence: confidence,
		Points:     placeAnatomicalPoints(f.Rectangle, noseOffsetFrac),
	}, nil
}

// estimateNoseOffsetFraction derives a real horizontal asymmetry signal from
// the detected face's own pixel data, in the same per-pixel sampling style
// the teacher's calculateFrameTexture uses. go-face exposes no pose or
// shape-predictor output, so this stands in for yaw: within the nose-bridge
// band of the rectangle (roughly the 40-70% height range, where the bridge
// and nostril shadow sit), it computes the horizontal centroid of vertical
// edge energy and reports its offset from the rectangle's geometric center
// as a fraction of rectangle width. A centered, frontal face has rougly
// symmetric edge energy on either side of its vertical midline, so the
// centroid sits near 0; turning the head shifts visible facial detail (and
// its edges) toward one side, moving the centroid away from 0 in a
// consistent direction. The result is clamped to keep the derived nose tip
// inside the rectangle.
func estimateNoseOffsetFraction(rgba *image.RGBA, rect image.Rectangle) float64 {
	top := rect.Min.Y + int(float64(rect.Dy())*0.40)
	bottom := rect.Min.Y + int(float64(rect.Dy())*0.70)
	if bottom-top < 2 || rect.Dx() < 3 {
		return 0
	}

	var weightedX, totalWeight float64
	for y := top; y < bottom; y += 2 {
		for x := rect.Min.X + 1; x < rect.Max.X-1; x += 2 {
			lr, lg, lb, _ := rgba.At(x-1, y).RGBA()
			rr, rg, rb, _ := rgba.At(x+1, y).RGBA()
			gradient := math.Abs(float64(lr)-float64(rr)) + math.Abs(float64(lg)-float64(rg)) + math.Abs(float64(lb)-float64(rb))
			weightedX += gradient * float64(x)
			totalWeight += gradient
		}
	}

	if totalWeight == 0 {
		return 0
	}

	centroidX := weightedX / totalWeight
	rectCenterX := float64(rect.Min.X+rect.Max.X) / 2
	frac := (centroidX - rectCenterX) / float64(rect.Dx())

	const maxOffset = 0.15
	if frac > maxOffset {
		return maxOffset
	}
	if frac < -maxOffset {
		return -maxOffset
	}
	return frac
}

func largestFace(faces []face.Face) face.Face {
	best := faces[0]
	bestArea := best.Rectangle.Dx() * best.Rectangle.Dy()
	for _, f := range faces[1:] {
		area := f.Rectangle.Dx() * f.Rectangle.Dy()
		if area > bestArea {
			best = f
			bestArea = area
		}
	}
	return best
}

// rectangleConfidence favors faces that occupy a reasonable fraction of the
// frame: too small (far away, likely noise) or implausibly large both lower
// the base confidence before the descriptor adjustment is applied.
func rectangleConfidence(rect image.Rectangle, width, height int) float64 {
	frameArea := float64(width * height)
	if frameArea == 0 {
		return 0
	}
	faceArea := float64(rect.Dx() * rect.Dy())
	ratio := faceArea / frameArea
	switch {
	case ratio < 0.02:
		return 0.4
	case ratio > 0.8:
		return 0.5
	default:
		return 0.9
	}
}

// blendDescriptorConfidence nudges confidence up when go-face produced a
// well-formed, non-degenerate descriptor for the detected face.
func blendDescriptorConfidence(base float64, descriptor face.Descriptor) float64 {
	var sumSq float64
	for _, v := range descriptor {
		sumSq += float64(v) * float64(v)
	}
	if sumSq == 0 {
		return base * 0.8
	}
	return clamp01(base + 0.05)
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

// placeAnatomicalPoints lays out the 68-point set inside rect using fixed
// ratios derived from average adult facial proportions, except the nose tip,
// whose horizontal position is nudged by noseOffsetFrac (see
// estimateNoseOffsetFraction). Indices follow the same numbering documented
// in landmarks.go.
func placeAnatomicalPoints(rect image.Rectangle, noseOffsetFrac float64) [NumPoints]Point {
	var pts [NumPoints]Point

	x0, y0 := float64(rect.Min.X), float64(rect.Min.Y)
	w, h := float64(rect.Dx()), float64(rect.Dy())

	at := func(fx, fy float64) Point {
		return Point{X: x0 + fx*w, Y: y0 + fy*h}
	}

	// Jaw contour: 17 points sweeping left to right along the lower face.
	for i := 0; i <= 16; i++ {
		fx := float64(i) / 16.0
		fy := 0.75 + 0.18*jawCurve(fx)
		pts[i] = at(fx, fy)
	}

	// Left eye (subject's left, image-right in an unmirrored frame): six
	// points in dlib order (outer corner, two upper lid, inner corner, two
	// lower lid).
	leftEye := [6][2]float64{
		{0.64, 0.38}, {0.59, 0.35}, {0.53, 0.35},
		{0.48, 0.38}, {0.53, 0.40}, {0.59, 0.40},
	}
	for i, f := range leftEye {
		pts[LeftEyeStart+i] = at(f[0], f[1])
	}

	// Right eye, mirrored across the face center.
	rightEye := [6][2]float64{
		{0.36, 0.38}, {0.41, 0.35}, {0.47, 0.35},
		{0.52, 0.38}, {0.47, 0.40}, {0.41, 0.40},
	}
	for i, f := range rightEye {
		pts[RightEyeStart+i] = at(f[0], f[1])
	}

	pts[NoseTip] = at(0.5+noseOffsetFrac, 0.55)

	pts[MouthLeftCorner] = at(0.62, 0.72)
	pts[MouthRightCorner] = at(0.38, 0.72)
	pts[MouthInnerTop] = at(0.5, 0.70)
	pts[MouthInnerBottom] = at(0.5, 0.75)

	return pts
}

func jawCurve(fx float64) float64 {
	// Simple parabola peaking at the chin (fx=0.5), flattening toward the ears.
	centered := fx - 0.5
	return 1.0 - 4.0*centered*centered
}
