package domain

import "fmt"

// transitions lists the allowed targets per source status. The
// preprocessed → decoding_fallback edge additionally requires
// needs_fallback=true, and failed → decoding_fallback is retry-only,
// governed by the fallback attempt cap; both guards live in the usecases
// because they need image state beyond the status itself.
var transitions = map[ImageStatus][]ImageStatus{
	ImagePending:          {ImagePreprocessing, ImageFailed},
	ImagePreprocessing:    {ImagePreprocessed, ImageFailed},
	ImagePreprocessed:     {ImageDecodingPrimary, ImageDecodingFallback},
	ImageDecodingPrimary:  {ImageDecodedPrimary, ImagePreprocessed, ImageFailed},
	ImageDecodingFallback: {ImageDecodedFallback, ImageManualReview, ImageFailed},
	ImageManualReview:     {ImageDecodedManual, ImageFailed},
	ImageFailed:           {ImageDecodingFallback},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to ImageStatus) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrIllegalTransition when from → to is not legal.
func CheckTransition(from, to ImageStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// IsTerminal reports whether a status ends the pipeline for an image.
// failed is terminal but retryable (failed → decoding_fallback under the
// attempt cap).
func (s ImageStatus) IsTerminal() bool {
	switch s {
	case ImageDecodedPrimary, ImageDecodedFallback, ImageDecodedManual, ImageFailed:
		return true
	}
	return false
}

// BlobFolder returns the namespace folder an image's artifact must live in
// once the given status is reached, or "" when the status does not pin a
// location.
func (s ImageStatus) BlobFolder() string {
	switch s {
	case ImageDecodedPrimary, ImageDecodedFallback, ImageDecodedManual:
		return "processed"
	case ImageManualReview:
		return "manual-review"
	case ImageFailed:
		return "failed"
	}
	return ""
}

// ValidImageStatus reports whether s is a member of the closed enumeration.
func ValidImageStatus(s ImageStatus) bool {
	switch s {
	case ImagePending, ImagePreprocessing, ImagePreprocessed,
		ImageDecodingPrimary, ImageDecodedPrimary,
		ImageDecodingFallback, ImageDecodedFallback,
		ImageManualReview, ImageDecodedManual, ImageFailed:
		return true
	}
	return false
}
