// Package domain holds the entities, status enumerations, and ports of the
// barcode extraction pipeline. It has no dependencies on adapters.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/fairyhunter13/barcode-pipeline/pkg/barcode"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrRateLimited       = errors.New("rate limited")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
	ErrSchemaInvalid     = errors.New("schema invalid")
	ErrInternal          = errors.New("internal error")
)

// Symbology aliases the validator's enumeration; the validator is the leaf
// of the dependency order and owns the type.
type Symbology = barcode.Symbology

// DetectionSource enumerates where a candidate reading came from.
type DetectionSource string

const (
	SourcePrimaryLocal DetectionSource = "primary_local"
	SourceFallbackAI   DetectionSource = "fallback_ai"
	SourceManual       DetectionSource = "manual"
)

// ImageStatus enumerates the pipeline states an image traverses.
type ImageStatus string

const (
	ImagePending          ImageStatus = "pending"
	ImagePreprocessing    ImageStatus = "preprocessing"
	ImagePreprocessed     ImageStatus = "preprocessed"
	ImageDecodingPrimary  ImageStatus = "decoding_primary"
	ImageDecodedPrimary   ImageStatus = "decoded_primary"
	ImageDecodingFallback ImageStatus = "decoding_fallback"
	ImageDecodedFallback  ImageStatus = "decoded_fallback"
	ImageManualReview     ImageStatus = "manual_review"
	ImageDecodedManual    ImageStatus = "decoded_manual"
	ImageFailed           ImageStatus = "failed"
)

// JobType enumerates the kinds of queued work.
type JobType string

const (
	JobPreprocess     JobType = "preprocess"
	JobDecodePrimary  JobType = "decode_primary"
	JobDecodeFallback JobType = "decode_fallback"
	JobCleanup        JobType = "cleanup"
)

// JobStatus enumerates queue states.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Preprocessing records what normalisation produced for an image.
type Preprocessing struct {
	NormalizedPath    string `json:"normalized_path,omitempty"`
	OriginalWidth     int    `json:"original_width,omitempty"`
	OriginalHeight    int    `json:"original_height,omitempty"`
	ProcessedWidth    int    `json:"processed_width,omitempty"`
	ProcessedHeight   int    `json:"processed_height,omitempty"`
	Grayscale         bool   `json:"grayscale,omitempty"`
	Denoised          bool   `json:"denoised,omitempty"`
	ContrastEqualized bool   `json:"contrast_equalized,omitempty"`
	DurationMS        int64  `json:"duration_ms,omitempty"`
}

// DecodeAttempt is one decoder invocation against an image.
type DecodeAttempt struct {
	Decoder    string    `json:"decoder"`
	Attempt    int       `json:"attempt"`
	IsFallback bool      `json:"is_fallback"`
	Success    bool      `json:"success"`
	CodesFound int       `json:"codes_found"`
	DurationMS int64     `json:"duration_ms"`
	TokensUsed int       `json:"tokens_used,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// ProcessingError is one caught failure appended to the image error log.
type ProcessingError struct {
	Stage     string    `json:"stage"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Processing aggregates decode history for an image.
type Processing struct {
	PrimaryAttempts  []DecodeAttempt   `json:"primary_attempts,omitempty"`
	FallbackAttempts []DecodeAttempt   `json:"fallback_attempts,omitempty"`
	NeedsFallback    bool              `json:"needs_fallback,omitempty"`
	TokensUsed       int64             `json:"tokens_used,omitempty"`
	Errors           []ProcessingError `json:"errors,omitempty"`
}

// Image is the root aggregate: one uploaded file traversing the pipeline.
// Invariants: DetectionCount equals the number of non-rejected detections
// referencing it once terminal; FinalBlobPath folder matches the terminal
// status; preprocessing metadata is frozen after a terminal transition.
type Image struct {
	ID              string
	BatchID         string
	SourceFilename  string
	Status          ImageStatus
	StatusUpdatedAt time.Time
	SourceBlobPath  string
	ContentType     string
	SizeBytes       int64
	Preprocessing   Preprocessing
	Processing      Processing
	FinalBlobPath   string
	DetectionCount  int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Detection is one candidate barcode reading attached to an image.
// Exactly one of {chosen, rejected, (ambiguous with neither)} may hold;
// at most one chosen=true detection may exist per image.
type Detection struct {
	ID               string
	ImageID          string
	BatchID          string
	SourceFilename   string
	Code             string
	Symbology        Symbology
	NormalizedCode   string
	Source           DetectionSource
	Confidence       *float64
	RotationDegrees  int
	AISymbologyGuess string
	ChecksumValid    bool
	LengthValid      bool
	NumericOnly      bool
	Ambiguous        bool
	Chosen           bool
	Rejected         bool
	ProductFound     bool
	ProductID        string
	ReviewedAt       *time.Time
	ReviewedBy       string
	CreatedAt        time.Time
}

// Valid reports whether all three validation flags hold.
func (d Detection) Valid() bool { return d.ChecksumValid && d.LengthValid && d.NumericOnly }

// Job is one unit of queued work. Runnable iff status=pending and
// scheduled_for <= now, or status=in_progress and locked_until < now
// (lease expired, eligible for steal).
type Job struct {
	ID           string
	Type         JobType
	ImageID      string
	BatchID      string
	Status       JobStatus
	Priority     int
	AttemptCount int
	MaxAttempts  int
	WorkerID     string
	ScheduledFor time.Time
	LockedUntil  *time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Result       map[string]any
	ErrorMessage string
	ErrorDetails string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Product is a catalogue entry. Any code listed in EAN, UPC, EAN8 or
// AdditionalCodes resolves to it via GetByAnyCode.
type Product struct {
	EAN             string   `yaml:"ean"`
	UPC             string   `yaml:"upc,omitempty"`
	EAN8            string   `yaml:"ean8,omitempty"`
	AdditionalCodes []string `yaml:"additional_codes,omitempty"`
	Name            string   `yaml:"name"`
	Brand           string   `yaml:"brand,omitempty"`
	Category        string   `yaml:"category,omitempty"`
	Size            string   `yaml:"size,omitempty"`
	ExternalID      string   `yaml:"external_id,omitempty"`
	Active          bool     `yaml:"active"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ReviewAction enumerates the decisions the review surface may apply.
type ReviewAction string

const (
	ReviewChoose    ReviewAction = "choose"
	ReviewNoBarcode ReviewAction = "no_barcode"
	ReviewSkip      ReviewAction = "skip"
)

// ReviewDecision is the record applied to an image in manual review.
type ReviewDecision struct {
	Action      ReviewAction
	DetectionID string
	Reviewer    string
}

// Context is an alias so the domain package stays decoupled from adapters;
// usecases and adapters pass context.Context through.
type Context = context.Context
