package tasks

import (
	"context"
	"fmt"
	"path"
	"strings"

	"mediaq/internal/models"
	"mediaq/internal/pkg/logger"
	"mediaq/internal/ports"
)

// OutputKey is where a job's artifact is stored: outputs/<job-id>/<name>.<ext>.
func OutputKey(jobID, name, ext string) string {
	return fmt.Sprintf("%s%s.%s", OutputPrefix(jobID), sanitizeFilename(name), ext)
}

// OutputPrefix is the key prefix under which every artifact of jobID lives.
func OutputPrefix(jobID string) string {
	return "outputs/" + sanitizeFilename(jobID) + "/"
}

// baseName derives an output name from an input key.
func baseName(key string) string {
	b := path.Base(key)
	name := strings.TrimSpace(strings.TrimSuffix(b, path.Ext(b)))
	if name == "" || name == "." || name == "/" {
		return "output"
	}
	return name
}

// storeOutput uploads data under key, retrying transient backend failures.
func storeOutput(ctx context.Context, store ports.Backend, key string, data []byte, retry RetryPolicy, log *logger.Logger) (ports.StoredArtifact, error) {
	var art ports.StoredArtifact
	err := retry.Do(ctx, log, "storage.put", func() error {
		a, err := store.Put(ctx, ports.PutInput{
			Key:         key,
			ContentType: ports.ContentTypeFor(key),
			Data:        data,
		})
		if err != nil {
			return storageError(err, "tasks.output", "store output "+key)
		}
		art = a
		return nil
	})
	return art, err
}

func outputOf(art ports.StoredArtifact) models.Output {
	return models.Output{Key: art.Key, ContentType: art.ContentType, Size: art.Size}
}

// sanitizeFilename limits a name to characters safe in keys and paths.
func sanitizeFilename(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "..", "")
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "output"
	}
	return b.String()
}
