// Package frames is the thin frame-ingestion layer: it turns the wire
// representation of a submitted frame (a base64 data URL or bare base64
// payload) into a decoded, bounded-width image ready for landmark
// extraction. Isolating this here keeps malformed-input handling and fuzz
// testing independent of the rest of the pipeline, per spec.md §9.
package frames

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/jpeg"
	"strings"

	"golang.org/x/image/draw"
)

// ErrDecode marks a frame that could not be decoded as an image; callers
// treat this as a face_present=false frame rather than a hard failure, up to
// the configured max_decode_failures ratio.
type ErrDecode struct {
	Cause error
}

func (e *ErrDecode) Error() string { return fmt.Sprintf("frame decode failed: %v", e.Cause) }
func (e *ErrDecode) Unwrap() error { return e.Cause }

// Decode parses one frame element (a "data:image/jpeg;base64,..." data URL
// or a bare base64 payload) and decodes it into an image.Image.
func Decode(raw string) (image.Image, error) {
	payload := raw
	if idx := strings.Index(raw, ","); strings.HasPrefix(raw, "data:") && idx >= 0 {
		payload = raw[idx+1:]
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(payload)
		if err != nil {
			return nil, &ErrDecode{Cause: err}
		}
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &ErrDecode{Cause: err}
	}

	return img, nil
}

// DownscaleToWidth resizes img to workingWidth, preserving aspect ratio, to
// bound per-frame landmark-extraction cost. Images already at or below the
// working width are returned unchanged.
func DownscaleToWidth(img image.Image, workingWidth int) image.Image {
	bounds := img.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()
	if workingWidth <= 0 || srcW <= workingWidth {
		return img
	}

	dstH := int(float64(srcH) * float64(workingWidth) / float64(srcW))
	if dstH < 1 {
		dstH = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, workingWidth, dstH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
	return dst
}
