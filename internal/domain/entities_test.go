package domain

import (
	"testing"
	"time"
)

func TestDetectionValid(t *testing.T) {
	tests := []struct {
		name string
		d    Detection
		want bool
	}{
		{"all flags set", Detection{ChecksumValid: true, LengthValid: true, NumericOnly: true}, true},
		{"checksum missing", Detection{LengthValid: true, NumericOnly: true}, false},
		{"length missing", Detection{ChecksumValid: true, NumericOnly: true}, false},
		{"numeric missing", Detection{ChecksumValid: true, LengthValid: true}, false},
		{"zero value", Detection{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.d.Valid(); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestJobTypeConstants(t *testing.T) {
	tests := []struct {
		name     string
		constant JobType
		expected string
	}{
		{"JobPreprocess", JobPreprocess, "preprocess"},
		{"JobDecodePrimary", JobDecodePrimary, "decode_primary"},
		{"JobDecodeFallback", JobDecodeFallback, "decode_fallback"},
		{"JobCleanup", JobCleanup, "cleanup"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if string(tt.constant) != tt.expected {
				t.Errorf("Expected %s to be %q, got %q", tt.name, tt.expected, tt.constant)
			}
		})
	}
}

func TestJobStatusConstants(t *testing.T) {
	tests := []struct {
		name     string
		constant JobStatus
		expected string
	}{
		{"JobPending", JobPending, "pending"},
		{"JobInProgress", JobInProgress, "in_progress"},
		{"JobCompleted", JobCompleted, "completed"},
		{"JobFailed", JobFailed, "failed"},
		{"JobCancelled", JobCancelled, "cancelled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if string(tt.constant) != tt.expected {
				t.Errorf("Expected %s to be %q, got %q", tt.name, tt.expected, tt.constant)
			}
		})
	}
}

func TestDetectionSourceConstants(t *testing.T) {
	if SourcePrimaryLocal != "primary_local" || SourceFallbackAI != "fallback_ai" || SourceManual != "manual" {
		t.Error("detection source constants changed; stored rows depend on these strings")
	}
}

func TestProcessingAppendSemantics(t *testing.T) {
	var p Processing
	p.FallbackAttempts = append(p.FallbackAttempts, DecodeAttempt{Decoder: "ai", Attempt: 1, IsFallback: true, At: time.Now().UTC()})
	p.FallbackAttempts = append(p.FallbackAttempts, DecodeAttempt{Decoder: "ai", Attempt: 2, IsFallback: true, At: time.Now().UTC()})
	if len(p.FallbackAttempts) != 2 {
		t.Fatalf("expected 2 fallback attempts, got %d", len(p.FallbackAttempts))
	}
	if p.FallbackAttempts[1].Attempt != 2 {
		t.Errorf("attempt ordering lost: %+v", p.FallbackAttempts)
	}
}
