package engine

import (
	"context"

	"mediaq/internal/models"
	"mediaq/internal/pkg/errors"
	"mediaq/internal/ports"
)

// Artifact is a stored blob with its content type.
type Artifact struct {
	Key         string
	ContentType string
	Data        []byte
}

// Result returns the artifact of a DONE job.
func (e *Engine) Result(ctx context.Context, id string) (Artifact, error) {
	job, err := e.jobs.Get(id)
	if err != nil {
		return Artifact{}, err
	}
	if job.State != models.StateDone {
		return Artifact{}, errors.Newf(errors.CodeFailedPrecond, "job %s has no result in state %s", id, job.State).
			WithField("id", id).
			WithField("state", string(job.State))
	}
	return e.Artifact(ctx, job.ResultRef)
}

func (e *Engine) Artifact(ctx context.Context, key string) (Artifact, error) {
	if err := ports.ValidateKey(key); err != nil {
		return Artifact{}, err
	}
	data, err := e.store.Get(ctx, key)
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{Key: key, ContentType: ports.ContentTypeFor(key), Data: data}, nil
}

func (e *Engine) Artifacts(ctx context.Context, prefix string) ([]string, error) {
	if err := ports.ValidatePrefix(prefix); err != nil {
		return nil, err
	}
	return e.store.List(ctx, prefix)
}

func (e *Engine) DeleteArtifact(ctx context.Context, key string) error {
	if err := ports.ValidateKey(key); err != nil {
		return err
	}
	if err := e.store.Delete(ctx, key); err != nil {
		return err
	}
	e.log.FromContext(ctx).Info("artifact deleted", "key", key)
	return nil
}

// PutArtifact stores caller-provided data, typically job inputs under
// inputs/. Content type falls back to one derived from the key.
func (e *Engine) PutArtifact(ctx context.Context, key, contentType string, data []byte) (ports.StoredArtifact, error) {
	if err := ports.ValidateKey(key); err != nil {
		return ports.StoredArtifact{}, err
	}
	if contentType == "" {
		contentType = ports.ContentTypeFor(key)
	}
	out, err := e.store.Put(ctx, ports.PutInput{Key: key, ContentType: contentType, Data: data})
	if err != nil {
		return ports.StoredArtifact{}, err
	}
	e.log.FromContext(ctx).Info("artifact stored", "key", out.Key, "size", out.Size)
	return out, nil
}
