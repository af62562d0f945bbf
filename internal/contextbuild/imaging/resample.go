// Package imaging deterministically resamples oversized images before they
// enter an LLMRequest (§4.2 step 5): a quality ladder first, then
// progressive downscaling, so the output bytes are a pure function of the
// input bytes and never vary between activations.
package imaging

import (
	"bytes"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// qualityLadder is tried in order before any resizing happens.
var qualityLadder = []int{85, 70, 55, 40}

// scaleLadder is tried, in order, once the quality ladder alone can't bring
// the encoded size under the ceiling. Each step scales the original width
// by its factor; the height follows the aspect ratio.
var scaleLadder = []float64{0.75, 0.5, 0.35, 0.25}

// Resample re-encodes data (expected to decode as JPEG/PNG/etc.) as JPEG,
// shrinking it until the result fits within maxBytes, or returns the
// smallest attempt if none fits. Deterministic: no randomness, no wall-clock
// dependence, same input always produces the same output.
func Resample(data []byte, maxBytes int) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("imaging: decode: %w", err)
	}

	for _, q := range qualityLadder {
		out, err := encodeJPEG(img, q)
		if err != nil {
			return nil, err
		}
		if len(out) <= maxBytes {
			return out, nil
		}
	}

	best, err := encodeJPEG(img, qualityLadder[len(qualityLadder)-1])
	if err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	width := bounds.Dx()
	for _, scale := range scaleLadder {
		newWidth := int(float64(width)*scale + 0.5)
		if newWidth < 1 {
			newWidth = 1
		}
		resized := imaging.Resize(img, newWidth, 0, imaging.Lanczos)
		out, err := encodeJPEG(resized, qualityLadder[len(qualityLadder)-1])
		if err != nil {
			return nil, err
		}
		best = out
		if len(out) <= maxBytes {
			return out, nil
		}
	}

	return best, nil
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("imaging: encode: %w", err)
	}
	return buf.Bytes(), nil
}
