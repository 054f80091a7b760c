// Package landmarks defines the Landmark Extractor port: the contract a
// face-mesh model must satisfy, and the small set of point indices the
// gesture detectors read. The model itself is an external collaborator;
// this package only pins down its interface.
package landmarks

import "image"

// NumPoints is the size of the landmark set, following the classic 68-point
// facial landmark convention (iBug / dlib shape predictor numbering), which
// is the convention the EAR/MAR/nose-offset formulas in the gesture
// detectors assume (six points per eye, two mouth corners plus two inner
// lip points, one nose tip, a jaw contour for face width).
const NumPoints = 68

// Indices into Landmarks.Points for the specific points the detectors use.
const (
	JawLeft  = 0  // leftmost jaw contour point
	JawRight = 16 // rightmost jaw contour point

	LeftEyeStart  = 36 // left eye, 6 points: 36..41
	RightEyeStart = 42 // right eye, 6 points: 42..47

	NoseTip = 30

	MouthLeftCorner  = 48
	MouthRightCorner = 54
	MouthInnerTop    = 62
	MouthInnerBottom = 66
)

// Point is a 2-D image-space coordinate in pixels.
type Point struct {
	X, Y float64
}

// Landmarks is a single frame's face-mesh analysis. Present is false when no
// face was detected; Confidence and Points are only meaningful when Present.
type Landmarks struct {
	Present    bool
	Confidence float64
	Points     [NumPoints]Point
}

// EyePoints returns the six canonical points (p1..p6) for the eye whose
// first point index is start (LeftEyeStart or RightEyeStart).
func (l Landmarks) EyePoints(start int) [6]Point {
	var pts [6]Point
	copy(pts[:], l.Points[start:start+6])
	return pts
}

// Extractor decodes a single image and returns its face landmarks, or a
// Present=false result when no face is found. Implementations wrap an
// off-the-shelf face-mesh model; this package does not implement detection
// itself.
type Extractor interface {
	Extract(img image.Image) (Landmarks, error)
}
