package domain

import "time"

// Repositories (ports)

// ImageRepository persists the Image aggregate. Transition applies a CAS on
// the current status so concurrent workers observing stale state fail with
// ErrConflict rather than clobbering each other.
type ImageRepository interface {
	Create(ctx Context, img Image) (string, error)
	Get(ctx Context, id string) (Image, error)
	Transition(ctx Context, id string, from, to ImageStatus) error

	FindPending(ctx Context, limit int) ([]Image, error)
	FindPreprocessed(ctx Context, limit int) ([]Image, error)
	FindNeedingFallback(ctx Context, limit int) ([]Image, error)
	FindFailedForRetry(ctx Context, limit, maxFallbackAttempts int) ([]Image, error)
	FindAwaitingReview(ctx Context, limit int) ([]Image, error)
	// FindArchivedOlderThan returns terminal images whose archived original
	// is still held and whose status last changed before cutoff. Retention
	// sweeps delete the blob and clear the path via SetSourceBlobPath.
	FindArchivedOlderThan(ctx Context, cutoff time.Time, limit int) ([]Image, error)
	// FindStuck returns images sitting in a transitional status
	// (preprocessing, decoding_primary, decoding_fallback) since before
	// cutoff. They surface when their job died terminally mid-stage; the
	// stuck sweep re-enqueues them and the worker entry guards resume.
	FindStuck(ctx Context, cutoff time.Time, limit int) ([]Image, error)
	ListByBatch(ctx Context, batchID string) ([]Image, error)
	ExistsByBatchAndFilename(ctx Context, batchID, filename string) (bool, error)

	SetPreprocessing(ctx Context, id string, p Preprocessing) error
	SetSourceBlobPath(ctx Context, id, path string) error
	SetNeedsFallback(ctx Context, id string, v bool) error
	AppendAttempt(ctx Context, id string, a DecodeAttempt) error
	AppendError(ctx Context, id string, e ProcessingError) error
	Finalize(ctx Context, id string, from, to ImageStatus, finalBlobPath string, detectionCount int) error

	CountByStatus(ctx Context) (map[ImageStatus]int64, error)
}

// DetectionRepository persists candidate readings.
type DetectionRepository interface {
	Create(ctx Context, d Detection) (string, error)
	CreateMany(ctx Context, ds []Detection) ([]string, error)
	Get(ctx Context, id string) (Detection, error)
	ExistsForImage(ctx Context, imageID string) (bool, error)
	ListByImage(ctx Context, imageID string) ([]Detection, error)
	ListByBatch(ctx Context, batchID string) ([]Detection, error)
	FindByCode(ctx Context, code string) ([]Detection, error)
	MarkChosen(ctx Context, id, reviewer string) error
	RejectOthers(ctx Context, imageID, keepID, reviewer string) error
	RejectAll(ctx Context, imageID, reviewer string) error
	CountBySource(ctx Context) (map[DetectionSource]int64, error)
}

// ProductRepository is the read-mostly catalogue.
type ProductRepository interface {
	GetByAnyCode(ctx Context, code string) (Product, error)
	Upsert(ctx Context, p Product) error
	UpsertMany(ctx Context, ps []Product) (int, error)
}

// JobQueue (port)

// JobQueue is the durable, lease-based, at-least-once work queue: priority
// ordering, scheduled visibility, exponential backoff on Fail, and lease
// steal of expired in_progress jobs on Dequeue.
type JobQueue interface {
	Enqueue(ctx Context, jobType JobType, imageID, batchID string, priority int, scheduledFor time.Time) (string, error)
	// Dequeue atomically leases one runnable job. jobType == "" matches any
	// type. ok=false means no runnable job.
	Dequeue(ctx Context, jobType JobType, workerID string, lease time.Duration) (Job, bool, error)
	Complete(ctx Context, jobID string, result map[string]any) error
	Fail(ctx Context, jobID, errMsg string, maxAttempts int) error
	Cancel(ctx Context, jobID string) error
	ExistsForImage(ctx Context, imageID string, jobType JobType) (bool, error)
	CleanupOldCompleted(ctx Context, olderThanDays int) (int64, error)
	CountByStatus(ctx Context) (map[JobStatus]int64, error)
}

// BlobStore (port)

// BlobStore abstracts the object store holding image bytes. Move is
// copy-then-delete and must tolerate partial completion: retrying a move
// whose destination already exists proceeds as success.
type BlobStore interface {
	Put(ctx Context, path string, data []byte, contentType string, metadata map[string]string) error
	Get(ctx Context, path string) ([]byte, error)
	Exists(ctx Context, path string) (bool, error)
	Delete(ctx Context, path string) error
	Copy(ctx Context, src, dst string) error
	Move(ctx Context, src, dst string) error
	List(ctx Context, prefix string, max int) ([]string, error)
	PresignedURL(ctx Context, path string, ttl time.Duration, readOnly bool) (string, error)
}

// AIDecoder (port)

// AICandidate is one reading returned by the vision model.
type AICandidate struct {
	Code           string  `json:"code"`
	SymbologyGuess string  `json:"symbologyGuess,omitempty"`
	Confidence     float64 `json:"confidence,omitempty"`
}

// AIExtraction is the parsed result of one vision call.
type AIExtraction struct {
	Results    []AICandidate
	RawText    string
	TokensUsed int
}

// AIDecoder calls the remote vision model. Best-effort: transport errors are
// retried inside the adapter; an empty Results slice is a valid outcome.
type AIDecoder interface {
	Extract(ctx Context, image []byte, prompt string) (AIExtraction, error)
}

// Scanner (port)

// Reading is one candidate from the local linear-barcode scanner.
type Reading struct {
	Code            string
	Symbology       Symbology
	RotationDegrees int
}

// Scanner is the deterministic local decoder. Implementations try a set of
// rotations internally (at minimum 0° and 180°) and deduplicate repeated
// codes across rotations. An empty slice with nil error means nothing was
// readable.
type Scanner interface {
	Scan(ctx Context, image []byte) ([]Reading, error)
}

// Preprocessor (port)

// ProcessedImage is the output of normalisation.
type ProcessedImage struct {
	Data              []byte
	ContentType       string
	OriginalWidth     int
	OriginalHeight    int
	Width             int
	Height            int
	Grayscale         bool
	Denoised          bool
	ContrastEqualized bool
}

// Preprocessor is the pure normalisation function bytes → bytes + metadata.
type Preprocessor interface {
	Process(ctx Context, data []byte) (ProcessedImage, error)
}
