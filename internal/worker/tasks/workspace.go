package tasks

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"

	"mediaq/internal/pkg/errors"
	"mediaq/internal/pkg/logger"
	"mediaq/internal/ports"
)

// workspace is a per-execution scratch directory. Inputs are materialized
// into it from storage and tools write their outputs there.
type workspace struct {
	dir string
}

func newWorkspace(root, jobID string) (*workspace, error) {
	if root != "" {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, errors.TaskTransient(err, "tasks.workspace", "create work root")
		}
	}
	dir, err := os.MkdirTemp(root, "job-"+sanitizeFilename(jobID)+"-*")
	if err != nil {
		return nil, errors.TaskTransient(err, "tasks.workspace", "create workspace")
	}
	return &workspace{dir: dir}, nil
}

func (w *workspace) path(name string) string {
	return filepath.Join(w.dir, name)
}

// materialize downloads key into the workspace as name plus the key's
// extension and returns the local path. Tools detect the container from it.
func (w *workspace) materialize(ctx context.Context, store ports.Backend, key, name string, retry RetryPolicy, log *logger.Logger) (string, error) {
	var data []byte
	err := retry.Do(ctx, log, "storage.get", func() error {
		b, err := store.Get(ctx, key)
		if err != nil {
			return storageError(err, "tasks.input", "fetch input "+key)
		}
		data = b
		return nil
	})
	if err != nil {
		return "", err
	}

	local := w.path(name + strings.ToLower(path.Ext(key)))
	if err := os.WriteFile(local, data, 0o644); err != nil {
		return "", errors.TaskTransient(err, "tasks.input", "write "+name+" to workspace")
	}
	return local, nil
}

// readOutput returns the produced file, failing permanently when the tool
// reported success but wrote nothing.
func (w *workspace) readOutput(local, tool string) ([]byte, error) {
	b, err := os.ReadFile(local)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.TaskPermanent(err, "tasks.output", tool+" completed but output file is missing")
		}
		return nil, errors.TaskTransient(err, "tasks.output", "read output")
	}
	if len(b) == 0 {
		return nil, errors.TaskPermanent(nil, "tasks.output", tool+" produced an empty output")
	}
	return b, nil
}

func (w *workspace) cleanup() error {
	return os.RemoveAll(w.dir)
}
