package gdrive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"

	"mediaq/internal/pkg/errors"
	"mediaq/internal/ports"
)

// Client implements ports.Backend backed by Google Drive.
// Keys are stored as file names inside one folder; Drive file ids stay
// internal to the adapter.
type Client struct {
	srv      *drive.Service
	folderID string
}

func NewClient(srv *drive.Service, folderID string) *Client {
	return &Client{srv: srv, folderID: folderID}
}

func (c *Client) Provider() string { return "gdrive" }

func (c *Client) Put(ctx context.Context, in ports.PutInput) (ports.StoredArtifact, error) {
	if err := ports.ValidateKey(in.Key); err != nil {
		return ports.StoredArtifact{}, err
	}

	ct := in.ContentType
	if ct == "" {
		ct = ports.ContentTypeFor(in.Key)
	}

	existing, err := c.lookup(ctx, in.Key)
	if err != nil && !errors.IsNotFound(err) {
		return ports.StoredArtifact{}, err
	}

	media := bytes.NewReader(in.Data)
	if existing != "" {
		_, err = c.srv.Files.Update(existing, &drive.File{}).
			Media(media, googleapi.ContentType(ct)).
			SupportsAllDrives(true).
			Context(ctx).
			Do()
	} else {
		file := &drive.File{Name: in.Key, MimeType: ct}
		if c.folderID != "" {
			file.Parents = []string{c.folderID}
		}
		_, err = c.srv.Files.Create(file).
			Media(media, googleapi.ContentType(ct)).
			SupportsAllDrives(true).
			Context(ctx).
			Do()
	}
	if err != nil {
		return ports.StoredArtifact{}, wrap(err, "gdrive.put", in.Key)
	}

	return ports.StoredArtifact{
		Key:         in.Key,
		ContentType: ct,
		Size:        int64(len(in.Data)),
		StoredAt:    time.Now().UTC(),
	}, nil
}

func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ports.ValidateKey(key); err != nil {
		return nil, err
	}
	id, err := c.lookup(ctx, key)
	if err != nil {
		return nil, err
	}

	resp, err := c.srv.Files.Get(id).
		SupportsAllDrives(true).
		Context(ctx).
		Download()
	if err != nil {
		return nil, wrap(err, "gdrive.get", key)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrap(err, "gdrive.get", key)
	}
	return b, nil
}

func (c *Client) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ports.ValidatePrefix(prefix); err != nil {
		return nil, err
	}

	q := c.scope()
	if prefix != "" {
		// Drive's "contains" on name is a prefix match; HasPrefix below
		// drops the rest.
		q += fmt.Sprintf(" and name contains '%s'", escape(prefix))
	}

	keys := []string{}
	err := c.srv.Files.List().
		Q(q).
		Fields("nextPageToken, files(id, name)").
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true).
		Pages(ctx, func(page *drive.FileList) error {
			for _, f := range page.Files {
				if strings.HasPrefix(f.Name, prefix) {
					keys = append(keys, f.Name)
				}
			}
			return nil
		})
	if err != nil {
		return nil, wrap(err, "gdrive.list", prefix)
	}

	sort.Strings(keys)
	return keys, nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	if err := ports.ValidateKey(key); err != nil {
		return err
	}
	id, err := c.lookup(ctx, key)
	if err != nil {
		return err
	}
	err = c.srv.Files.Delete(id).
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return wrap(err, "gdrive.delete", key)
	}
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.srv.Files.List().
		Q(c.scope()).
		PageSize(1).
		Fields("files(id)").
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return wrap(err, "gdrive.ping", c.folderID)
	}
	return nil
}

// lookup resolves a key to a Drive file id.
func (c *Client) lookup(ctx context.Context, key string) (string, error) {
	q := fmt.Sprintf("%s and name = '%s'", c.scope(), escape(key))
	res, err := c.srv.Files.List().
		Q(q).
		PageSize(1).
		Fields("files(id, name)").
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return "", wrap(err, "gdrive.lookup", key)
	}
	if len(res.Files) == 0 {
		return "", errors.NotFound("object", key)
	}
	return res.Files[0].Id, nil
}

func (c *Client) scope() string {
	q := "trashed = false"
	if c.folderID != "" {
		q = fmt.Sprintf("'%s' in parents and %s", escape(c.folderID), q)
	}
	return q
}

func escape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}

func wrap(err error, op, key string) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
		return errors.NotFound("object", key)
	}
	return errors.WrapWithCode(err, errors.CodeUnavailable, op, "drive request failed").WithField("key", key)
}
