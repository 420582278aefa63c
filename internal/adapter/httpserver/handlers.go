package httpserver

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/barcode-pipeline/internal/config"
	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
	"github.com/fairyhunter13/barcode-pipeline/internal/usecase"
)

//go:embed templates/*
var templateFiles embed.FS

// presignTTL is how long the review page's image links stay valid.
const presignTTL = time.Hour

// defaultReviewLimit caps the review queue listing when the client does not
// ask for a specific page size.
const defaultReviewLimit = 50

// Server aggregates the review UI handlers and their dependencies.
type Server struct {
	Cfg      config.Config
	Review   usecase.ReviewService
	Stats    usecase.StatsService
	Products domain.ProductRepository
	Blobs    domain.BlobStore
	Sessions *SessionManager

	DBCheck    func(ctx context.Context) error
	BlobCheck  func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error

	templates *template.Template
}

// NewServer constructs the review server with all handlers wired. Template
// delimiters are [[ ]] so the embedded pages keep normal JS template
// literals.
func NewServer(cfg config.Config, review usecase.ReviewService, stats usecase.StatsService, products domain.ProductRepository, blobs domain.BlobStore, dbCheck, blobCheck, redisCheck func(context.Context) error) (*Server, error) {
	templates, err := template.New("review").Delims("[[", "]]").ParseFS(templateFiles, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &Server{
		Cfg:        cfg,
		Review:     review,
		Stats:      stats,
		Products:   products,
		Blobs:      blobs,
		Sessions:   NewSessionManager(cfg),
		DBCheck:    dbCheck,
		BlobCheck:  blobCheck,
		RedisCheck: redisCheck,
		templates:  templates,
	}, nil
}

// HomeHandler redirects to the review page.
func (s *Server) HomeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/review", http.StatusSeeOther)
	}
}

// ReviewPage renders the review queue page.
func (s *Server) ReviewPage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		username := ""
		if session := SessionFrom(r); session != nil {
			username = session.Username
		}
		data := struct {
			Username    string
			AuthEnabled bool
		}{
			Username:    username,
			AuthEnabled: s.Cfg.ReviewAuthEnabled(),
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := s.templates.ExecuteTemplate(w, "review.html", data); err != nil {
			LoggerFrom(r).Error("render review page", "error", err)
			http.Error(w, "Template error", http.StatusInternalServerError)
		}
	}
}

// LoginPage renders the login form, or redirects when already logged in or
// when auth is disabled.
func (s *Server) LoginPage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.Cfg.ReviewAuthEnabled() {
			http.Redirect(w, r, "/review", http.StatusSeeOther)
			return
		}
		if cookie, err := r.Cookie(sessionCookie); err == nil && cookie.Value != "" {
			if _, err := s.Sessions.ValidateSession(cookie.Value); err == nil {
				http.Redirect(w, r, "/review", http.StatusSeeOther)
				return
			}
		}
		data := struct{ Error string }{Error: r.URL.Query().Get("error")}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := s.templates.ExecuteTemplate(w, "login.html", data); err != nil {
			LoggerFrom(r).Error("render login page", "error", err)
			http.Error(w, "Template error", http.StatusInternalServerError)
		}
	}
}

// LoginHandler checks the submitted credentials against the configured
// reviewer account and opens a session.
func (s *Server) LoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.Cfg.ReviewAuthEnabled() {
			http.Redirect(w, r, "/review", http.StatusSeeOther)
			return
		}
		username := r.FormValue("username")
		password := r.FormValue("password")

		if username != s.Cfg.ReviewUsername || !VerifyPassword(password, s.Cfg.ReviewPasswordHash) {
			LoggerFrom(r).Warn("login rejected", "username", username)
			http.Redirect(w, r, "/login?error=invalid_credentials", http.StatusSeeOther)
			return
		}

		sessionValue, err := s.Sessions.CreateSession(username)
		if err != nil {
			http.Error(w, "Failed to create session", http.StatusInternalServerError)
			return
		}
		s.Sessions.SetSessionCookie(w, sessionValue)
		http.Redirect(w, r, "/review", http.StatusSeeOther)
	}
}

// LogoutHandler clears the session.
func (s *Server) LogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Sessions.ClearSessionCookie(w)
		http.Redirect(w, r, "/login", http.StatusSeeOther)
	}
}

type imageSummary struct {
	ImageID        string    `json:"image_id"`
	BatchID        string    `json:"batch_id"`
	SourceFilename string    `json:"source_filename"`
	Status         string    `json:"status"`
	DetectionCount int       `json:"detection_count"`
	CreatedAt      time.Time `json:"created_at"`
}

// ListReviewHandler lists images pending manual review.
func (s *Server) ListReviewHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := ParseLimit(r.URL.Query().Get("limit"), defaultReviewLimit)
		batchID := strings.TrimSpace(r.URL.Query().Get("batch_id"))

		items, err := s.Review.Pending(r.Context(), limit)
		if err != nil {
			writeError(w, r, fmt.Errorf("list review queue: %w", err), nil)
			return
		}
		out := make([]imageSummary, 0, len(items))
		for _, it := range items {
			if batchID != "" && it.Image.BatchID != batchID {
				continue
			}
			out = append(out, imageSummary{
				ImageID:        it.Image.ID,
				BatchID:        it.Image.BatchID,
				SourceFilename: it.Image.SourceFilename,
				Status:         string(it.Image.Status),
				DetectionCount: len(it.Candidates),
				CreatedAt:      it.Image.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

type detectionInfo struct {
	ID             string   `json:"id"`
	Code           string   `json:"code"`
	Symbology      string   `json:"symbology"`
	NormalizedCode string   `json:"normalized_code,omitempty"`
	Source         string   `json:"source"`
	Confidence     *float64 `json:"confidence,omitempty"`
	ChecksumValid  bool     `json:"checksum_valid"`
	Valid          bool     `json:"valid"`
	ProductFound   bool     `json:"product_found"`
	ProductName    string   `json:"product_name,omitempty"`
}

type imageDetail struct {
	ImageID        string          `json:"image_id"`
	BatchID        string          `json:"batch_id"`
	SourceFilename string          `json:"source_filename"`
	Status         string          `json:"status"`
	ImageURL       string          `json:"image_url"`
	Detections     []detectionInfo `json:"detections"`
}

// ImageDetailHandler returns one image with its candidates and a presigned
// URL for the artifact so the review page can display it.
func (s *Server) ImageDetailHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if res := ValidateImageID(id); !res.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid image id", domain.ErrInvalidArgument), res.Errors)
			return
		}
		item, err := s.Review.Item(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}

		url := ""
		if path := artifactPath(item.Image); path != "" {
			url, err = s.Blobs.PresignedURL(r.Context(), path, presignTTL, true)
			if err != nil {
				LoggerFrom(r).Warn("presign artifact", "image_id", id, "error", err)
				url = ""
			}
		}

		dets := make([]detectionInfo, 0, len(item.Candidates))
		for _, d := range item.Candidates {
			info := detectionInfo{
				ID:             d.ID,
				Code:           d.Code,
				Symbology:      string(d.Symbology),
				NormalizedCode: d.NormalizedCode,
				Source:         string(d.Source),
				Confidence:     d.Confidence,
				ChecksumValid:  d.ChecksumValid,
				Valid:          d.Valid(),
				ProductFound:   d.ProductFound,
			}
			if d.ProductFound {
				if p, err := s.Products.GetByAnyCode(r.Context(), d.Code); err == nil {
					info.ProductName = p.Name
				}
			}
			dets = append(dets, info)
		}

		writeJSON(w, http.StatusOK, imageDetail{
			ImageID:        item.Image.ID,
			BatchID:        item.Image.BatchID,
			SourceFilename: item.Image.SourceFilename,
			Status:         string(item.Image.Status),
			ImageURL:       url,
			Detections:     dets,
		})
	}
}

// ResolveHandler applies a review decision to an image.
func (s *Server) ResolveHandler() http.HandlerFunc {
	type request struct {
		DetectionID string `json:"detection_id"`
		Action      string `json:"action"`
		Reviewer    string `json:"reviewer"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if res := ValidateImageID(id); !res.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid image id", domain.ErrInvalidArgument), res.Errors)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}

		reviewer := SanitizeReviewer(req.Reviewer)
		if session := SessionFrom(r); session != nil {
			reviewer = session.Username
		}

		out, err := s.Review.Resolve(r.Context(), id, domain.ReviewDecision{
			Action:      domain.ReviewAction(req.Action),
			DetectionID: req.DetectionID,
			Reviewer:    reviewer,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		status := "resolved"
		if out.Skipped {
			status = "skipped"
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     status,
			"image_id":   out.ImageID,
			"new_status": string(out.Status),
		})
	}
}

type statsPayload struct {
	TotalImages  int64   `json:"total_images"`
	Pending      int64   `json:"pending"`
	Processing   int64   `json:"processing"`
	Decoded      int64   `json:"decoded"`
	ManualReview int64   `json:"manual_review"`
	Failed       int64   `json:"failed"`
	SuccessRate  float64 `json:"success_rate"`
	usecase.Snapshot
}

// StatsHandler reports pipeline counters for the review page header.
func (s *Server) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := s.Stats.Snapshot(r.Context())
		if err != nil {
			writeError(w, r, fmt.Errorf("stats snapshot: %w", err), nil)
			return
		}
		writeJSON(w, http.StatusOK, summarize(snap))
	}
}

func summarize(snap usecase.Snapshot) statsPayload {
	p := statsPayload{Snapshot: snap}
	for status, n := range snap.Images {
		p.TotalImages += n
		switch status {
		case domain.ImagePending:
			p.Pending += n
		case domain.ImagePreprocessing, domain.ImagePreprocessed,
			domain.ImageDecodingPrimary, domain.ImageDecodingFallback:
			p.Processing += n
		case domain.ImageDecodedPrimary, domain.ImageDecodedFallback, domain.ImageDecodedManual:
			p.Decoded += n
		case domain.ImageManualReview:
			p.ManualReview += n
		case domain.ImageFailed:
			p.Failed += n
		}
	}
	if p.TotalImages > 0 {
		rate := float64(p.Decoded) / float64(p.TotalImages) * 100
		p.SuccessRate = float64(int(rate*100+0.5)) / 100
	}
	return p
}

// ReadyzHandler probes the database, blob store and optional Redis.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	run := func(ctx context.Context, name string, fn func(context.Context) error, checks []check) []check {
		if fn == nil {
			return checks
		}
		if err := fn(ctx); err != nil {
			return append(checks, check{Name: name, OK: false, Details: err.Error()})
		}
		return append(checks, check{Name: name, OK: true})
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 3)
		checks = run(ctx, "db", s.DBCheck, checks)
		checks = run(ctx, "blob", s.BlobCheck, checks)
		checks = run(ctx, "redis", s.RedisCheck, checks)
		st := http.StatusOK
		for _, c := range checks {
			if !c.OK {
				st = http.StatusServiceUnavailable
				break
			}
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}

// artifactPath picks the blob the review page should display: the staged
// artifact when set, otherwise the normalised or original upload.
func artifactPath(img domain.Image) string {
	if img.FinalBlobPath != "" {
		return img.FinalBlobPath
	}
	if img.Preprocessing.NormalizedPath != "" {
		return img.Preprocessing.NormalizedPath
	}
	return img.SourceBlobPath
}

// NotFoundHandler keeps unknown API paths on the JSON envelope instead of
// the default text response.
func (s *Server) NotFoundHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, fmt.Errorf("%w: no route for %s", domain.ErrNotFound, r.URL.Path), nil)
	}
}
