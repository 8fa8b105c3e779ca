// Package photostore is the boundary to device-local photo files. Paths are
// keys relative to the photos root: "<assessment-id>/<photo-id><ext>".
package photostore

import (
	"errors"
	"net/http"
	"path"
	"time"
)

var ErrNotExist = errors.New("photo file does not exist")

type FileInfo struct {
	Size    int64
	ModTime time.Time
}

type Files interface {
	Exists(key string) (bool, error)
	Mkdir(key string) error
	// Copy copies an absolute source file (camera output) to key.
	Copy(src, key string) error
	Stat(key string) (FileInfo, error)
	ReadFile(key string) ([]byte, error)
	Unlink(key string) error
	RemoveAll(key string) error
	// ReadDir lists entry names directly under key; the root is "".
	ReadDir(key string) ([]string, error)
}

// AssessmentDir is the directory holding one assessment's photos.
func AssessmentDir(assessmentID string) string {
	return assessmentID
}

// PhotoKey names a photo file by its own id so user input never reaches the path.
func PhotoKey(assessmentID, photoID, mimeType string) string {
	return path.Join(AssessmentDir(assessmentID), photoID+ExtForMIME(mimeType))
}

// allowedImageTypes is the set of MIME types accepted for captured photos.
// net/http.DetectContentType handles JPEG, PNG, and GIF via magic-byte
// sniffing. WebP is detected separately because the WHATWG sniffing
// algorithm (and therefore the stdlib) has no WebP signature.
var allowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
}

// isWebP reports whether data is a WebP image (RIFF container with "WEBP" at
// offset 8).
func isWebP(data []byte) bool {
	return len(data) >= 12 &&
		string(data[0:4]) == "RIFF" &&
		string(data[8:12]) == "WEBP"
}

// DetectMIME returns the detected MIME type and true if head starts an
// accepted image format, or ("", false) otherwise.
func DetectMIME(head []byte) (string, bool) {
	if isWebP(head) {
		return "image/webp", true
	}
	mime := http.DetectContentType(head)
	if allowedImageTypes[mime] {
		return mime, true
	}
	return "", false
}

func ExtForMIME(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}
