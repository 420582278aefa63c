// Package blobpath builds and parses the container-relative object paths
// used by the pipeline. The first path segment encodes the pipeline stage:
//
//	incoming/{batch}/{image_id}.{ext}
//	archived/{batch}/{image_id}.{ext}
//	preprocessed/{batch}/{image_id}_norm.{ext}
//	processed/{batch}/{image_id}.{ext}
//	manual-review/{batch}/{image_id}.{ext}
//	failed/{batch}/{image_id}.{ext}
package blobpath

import (
	"fmt"
	"strings"
)

// Stage folders.
const (
	FolderIncoming     = "incoming"
	FolderArchived     = "archived"
	FolderPreprocessed = "preprocessed"
	FolderProcessed    = "processed"
	FolderManualReview = "manual-review"
	FolderFailed       = "failed"
)

// normSuffix marks the normalised artifact produced by preprocessing.
const normSuffix = "_norm"

// NormalizeExt lowercases an extension and strips a leading dot; empty input
// defaults to jpg.
func NormalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
	if ext == "" {
		return "jpg"
	}
	return ext
}

// Incoming is where the uploader writes originals.
func Incoming(batchID, imageID, ext string) string {
	return fmt.Sprintf("%s/%s/%s.%s", FolderIncoming, batchID, imageID, NormalizeExt(ext))
}

// Archived is where originals move after preprocessing.
func Archived(batchID, imageID, ext string) string {
	return fmt.Sprintf("%s/%s/%s.%s", FolderArchived, batchID, imageID, NormalizeExt(ext))
}

// Preprocessed is where the normalised artifact lives; the image id carries
// the _norm suffix.
func Preprocessed(batchID, imageID, ext string) string {
	return fmt.Sprintf("%s/%s/%s%s.%s", FolderPreprocessed, batchID, imageID, normSuffix, NormalizeExt(ext))
}

// Processed holds successfully decoded images.
func Processed(batchID, imageID, ext string) string {
	return fmt.Sprintf("%s/%s/%s.%s", FolderProcessed, batchID, imageID, NormalizeExt(ext))
}

// ManualReview holds images awaiting a human decision.
func ManualReview(batchID, imageID, ext string) string {
	return fmt.Sprintf("%s/%s/%s.%s", FolderManualReview, batchID, imageID, NormalizeExt(ext))
}

// Failed holds images the pipeline gave up on (retryable).
func Failed(batchID, imageID, ext string) string {
	return fmt.Sprintf("%s/%s/%s.%s", FolderFailed, batchID, imageID, NormalizeExt(ext))
}

// InFolder builds the path for an arbitrary stage folder, e.g. the folder an
// image status pins via its BlobFolder.
func InFolder(folder, batchID, imageID, ext string) string {
	if folder == FolderPreprocessed {
		return Preprocessed(batchID, imageID, ext)
	}
	return fmt.Sprintf("%s/%s/%s.%s", folder, batchID, imageID, NormalizeExt(ext))
}

// Parse extracts (batch, imageID) from any stage path: segments two and
// three, extension stripped, trailing _norm stripped.
func Parse(path string) (batchID, imageID string, err error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 3 {
		return "", "", fmt.Errorf("blob path %q has fewer than 3 segments", path)
	}
	batchID = parts[1]
	name := parts[2]
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[:i]
	}
	imageID = strings.TrimSuffix(name, normSuffix)
	if batchID == "" || imageID == "" {
		return "", "", fmt.Errorf("blob path %q has empty batch or image segment", path)
	}
	return batchID, imageID, nil
}

// Folder returns the stage folder of a path (its first segment).
func Folder(path string) string {
	parts := strings.SplitN(strings.Trim(path, "/"), "/", 2)
	return parts[0]
}

// ExtOf returns the extension of a path without the dot, defaulting to jpg.
func ExtOf(path string) string {
	name := path
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.LastIndex(name, "."); i >= 0 && i < len(name)-1 {
		return strings.ToLower(name[i+1:])
	}
	return "jpg"
}
