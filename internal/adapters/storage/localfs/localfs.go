package localfs

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"mediaq/internal/pkg/errors"
	"mediaq/internal/ports"
)

// LocalFS implements ports.Backend using the local filesystem.
// It stores objects under a configured root directory.
type LocalFS struct {
	root string
}

func New(root string) (*LocalFS, error) {
	if root == "" {
		return nil, errors.ValidationField("storage.local.root", "root directory is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrap(err, "localfs.new", "resolve root")
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, errors.Wrap(err, "localfs.new", "create root")
	}
	return &LocalFS{root: abs}, nil
}

func (l *LocalFS) Provider() string { return "localfs" }

func (l *LocalFS) Root() string { return l.root }

func (l *LocalFS) path(key string) string {
	return filepath.Join(l.root, filepath.FromSlash(key))
}

// Put writes to a temp file in the destination directory and renames it
// into place, so readers never observe a partial object.
func (l *LocalFS) Put(ctx context.Context, in ports.PutInput) (ports.StoredArtifact, error) {
	if err := ports.ValidateKey(in.Key); err != nil {
		return ports.StoredArtifact{}, err
	}
	if err := ctx.Err(); err != nil {
		return ports.StoredArtifact{}, err
	}

	dst := l.path(in.Key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return ports.StoredArtifact{}, errors.Wrap(err, "localfs.put", "create directory")
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".put-*")
	if err != nil {
		return ports.StoredArtifact{}, errors.Wrap(err, "localfs.put", "create temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(in.Data); err != nil {
		tmp.Close()
		return ports.StoredArtifact{}, errors.Wrap(err, "localfs.put", "write object")
	}
	if err := tmp.Close(); err != nil {
		return ports.StoredArtifact{}, errors.Wrap(err, "localfs.put", "close object")
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return ports.StoredArtifact{}, errors.Wrap(err, "localfs.put", "rename object")
	}

	ct := in.ContentType
	if ct == "" {
		ct = ports.ContentTypeFor(in.Key)
	}

	return ports.StoredArtifact{
		Key:         in.Key,
		ContentType: ct,
		Size:        int64(len(in.Data)),
		StoredAt:    time.Now().UTC(),
	}, nil
}

func (l *LocalFS) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ports.ValidateKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p := l.path(key)
	st, err := os.Stat(p)
	if err != nil {
		if missing(err) {
			return nil, errors.NotFound("object", key)
		}
		return nil, errors.Wrap(err, "localfs.get", "stat object")
	}
	if st.IsDir() {
		return nil, errors.NotFound("object", key)
	}
	b, err := os.ReadFile(p)
	if err != nil {
		if missing(err) {
			return nil, errors.NotFound("object", key)
		}
		return nil, errors.Wrap(err, "localfs.get", "read object")
	}
	return b, nil
}

// List walks the root and returns keys with the given prefix in
// lexical order. In-flight temp files are skipped.
func (l *LocalFS) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ports.ValidatePrefix(prefix); err != nil {
		return nil, err
	}

	keys := []string{}
	err := filepath.WalkDir(l.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".put-") {
			return nil
		}
		rel, err := filepath.Rel(l.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "localfs.list", "walk root")
	}

	sort.Strings(keys)
	return keys, nil
}

func (l *LocalFS) Delete(ctx context.Context, key string) error {
	if err := ports.ValidateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	p := l.path(key)
	st, err := os.Stat(p)
	if err != nil {
		if missing(err) {
			return errors.NotFound("object", key)
		}
		return errors.Wrap(err, "localfs.delete", "stat object")
	}
	if st.IsDir() {
		return errors.NotFound("object", key)
	}
	if err := os.Remove(p); err != nil {
		if os.IsNotExist(err) {
			return errors.NotFound("object", key)
		}
		return errors.Wrap(err, "localfs.delete", "remove object")
	}
	return nil
}

// missing also covers a key that runs through an existing object
// ("a.mp4/x"), which the OS reports as ENOTDIR.
func missing(err error) bool {
	return os.IsNotExist(err) || errors.Is(err, syscall.ENOTDIR)
}

// Ping verifies the root is still a writable directory.
func (l *LocalFS) Ping(ctx context.Context) error {
	st, err := os.Stat(l.root)
	if err != nil {
		return errors.Wrap(err, "localfs.ping", "stat root")
	}
	if !st.IsDir() {
		return errors.Internalf("storage root %s is not a directory", l.root)
	}
	return nil
}
