package domain

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    ImageStatus
		to      ImageStatus
		allowed bool
	}{
		{"pending to preprocessing", ImagePending, ImagePreprocessing, true},
		{"pending to failed", ImagePending, ImageFailed, true},
		{"pending skips to preprocessed", ImagePending, ImagePreprocessed, false},
		{"preprocessing to preprocessed", ImagePreprocessing, ImagePreprocessed, true},
		{"preprocessing to failed", ImagePreprocessing, ImageFailed, true},
		{"preprocessed to decoding_primary", ImagePreprocessed, ImageDecodingPrimary, true},
		{"preprocessed to decoding_fallback", ImagePreprocessed, ImageDecodingFallback, true},
		{"preprocessed straight to decoded", ImagePreprocessed, ImageDecodedPrimary, false},
		{"decoding_primary to decoded_primary", ImageDecodingPrimary, ImageDecodedPrimary, true},
		{"decoding_primary back to preprocessed", ImageDecodingPrimary, ImagePreprocessed, true},
		{"decoding_primary to failed", ImageDecodingPrimary, ImageFailed, true},
		{"decoding_primary to manual_review", ImageDecodingPrimary, ImageManualReview, false},
		{"decoding_fallback to decoded_fallback", ImageDecodingFallback, ImageDecodedFallback, true},
		{"decoding_fallback to manual_review", ImageDecodingFallback, ImageManualReview, true},
		{"decoding_fallback to failed", ImageDecodingFallback, ImageFailed, true},
		{"manual_review to decoded_manual", ImageManualReview, ImageDecodedManual, true},
		{"manual_review to failed", ImageManualReview, ImageFailed, true},
		{"failed retries via decoding_fallback", ImageFailed, ImageDecodingFallback, true},
		{"failed cannot restart pipeline", ImageFailed, ImagePending, false},
		{"decoded_primary is final", ImageDecodedPrimary, ImageDecodingFallback, false},
		{"decoded_fallback is final", ImageDecodedFallback, ImageManualReview, false},
		{"decoded_manual is final", ImageDecodedManual, ImageFailed, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.allowed {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.allowed)
			}
		})
	}
}

func TestCheckTransition(t *testing.T) {
	if err := CheckTransition(ImagePending, ImagePreprocessing); err != nil {
		t.Errorf("expected legal transition, got %v", err)
	}
	if err := CheckTransition(ImagePending, ImageDecodedManual); err == nil {
		t.Error("expected ErrIllegalTransition, got nil")
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := []ImageStatus{ImageDecodedPrimary, ImageDecodedFallback, ImageDecodedManual, ImageFailed}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	nonTerminal := []ImageStatus{ImagePending, ImagePreprocessing, ImagePreprocessed, ImageDecodingPrimary, ImageDecodingFallback, ImageManualReview}
	for _, s := range nonTerminal {
		if s.IsTerminal() {
			t.Errorf("expected %s not to be terminal", s)
		}
	}
}

func TestBlobFolder(t *testing.T) {
	tests := []struct {
		status ImageStatus
		folder string
	}{
		{ImageDecodedPrimary, "processed"},
		{ImageDecodedFallback, "processed"},
		{ImageDecodedManual, "processed"},
		{ImageManualReview, "manual-review"},
		{ImageFailed, "failed"},
		{ImagePending, ""},
		{ImagePreprocessed, ""},
	}
	for _, tt := range tests {
		if got := tt.status.BlobFolder(); got != tt.folder {
			t.Errorf("BlobFolder(%s) = %q, want %q", tt.status, got, tt.folder)
		}
	}
}

func TestValidImageStatus(t *testing.T) {
	if !ValidImageStatus(ImageManualReview) {
		t.Error("manual_review should be a valid status")
	}
	if ValidImageStatus(ImageStatus("archived")) {
		t.Error("archived is not a pipeline status")
	}
}
