package ports

import (
	"context"
	"mime"
	"path"
	"strings"
	"time"
	"unicode"

	"mediaq/internal/pkg/errors"
)

type PutInput struct {
	Key         string
	ContentType string
	Data        []byte
}

// StoredArtifact describes a blob after a successful Put.
type StoredArtifact struct {
	Key         string    `json:"key"`
	ContentType string    `json:"content_type,omitempty"`
	Size        int64     `json:"size"`
	StoredAt    time.Time `json:"stored_at"`
}

// Backend is the capability set every storage implementation provides
// (localfs, objstore, gdrive). Keys are slash-separated relative names.
//
// Get and Delete return a NOT_FOUND error for unknown keys. Put overwrites
// an existing key (last writer wins).
type Backend interface {
	Provider() string

	Put(ctx context.Context, in PutInput) (StoredArtifact, error)
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// Pinger is implemented by backends that can cheaply verify connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

const maxKeyLen = 1024

// ValidateKey rejects keys that could escape a backend's namespace.
func ValidateKey(key string) error {
	if key == "" {
		return errors.ValidationField("key", "key is required")
	}
	if len(key) > maxKeyLen {
		return errors.ValidationField("key", "key is too long")
	}
	if strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return errors.ValidationField("key", "key must be relative and name an object")
	}
	if strings.ContainsRune(key, '\\') {
		return errors.ValidationField("key", "key must use forward slashes")
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return errors.ValidationField("key", "key contains an empty or relative segment")
		}
	}
	for _, r := range key {
		if unicode.IsControl(r) {
			return errors.ValidationField("key", "key contains control characters")
		}
	}
	return nil
}

// ValidatePrefix accepts an empty prefix or a prefix that is safe to
// scan. A trailing slash is allowed.
func ValidatePrefix(prefix string) error {
	if prefix == "" {
		return nil
	}
	return ValidateKey(strings.TrimSuffix(prefix, "/"))
}

var mediaTypes = map[string]string{
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".mov":  "video/quicktime",
	".gif":  "image/gif",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".aac":  "audio/aac",
	".flac": "audio/flac",
	".ogg":  "audio/ogg",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".pdf":  "application/pdf",
	".txt":  "text/plain; charset=utf-8",
	".srt":  "application/x-subrip",
	".vtt":  "text/vtt",
	".ass":  "text/x-ssa",
	".json": "application/json",
	".html": "text/html; charset=utf-8",
}

// ContentTypeFor guesses a content type from the key's extension.
func ContentTypeFor(key string) string {
	ext := strings.ToLower(path.Ext(key))
	if ct, ok := mediaTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
