package storage

import (
	"context"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"mediaq/internal/adapters/storage/gdrive"
	"mediaq/internal/adapters/storage/localfs"
	"mediaq/internal/adapters/storage/objstore"
	"mediaq/internal/config"
	"mediaq/internal/pkg/errors"
	"mediaq/internal/ports"
)

// Backend is the storage contract used by the engine and task handlers.
type Backend = ports.Backend

// New selects the backend once at startup from configuration.
func New(ctx context.Context, cfg config.StorageConfig) (Backend, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "localfs":
		fs, err := localfs.New(cfg.Local.Root)
		if err != nil {
			return nil, err
		}
		return fs, nil

	case "objstore":
		s, err := objstore.New(ctx, objstore.Config{
			Endpoint:     cfg.ObjStore.Endpoint,
			Region:       cfg.ObjStore.Region,
			Bucket:       cfg.ObjStore.Bucket,
			AccessKey:    cfg.ObjStore.AccessKey,
			SecretKey:    cfg.ObjStore.SecretKey,
			UseSSL:       cfg.ObjStore.UseSSL,
			CreateBucket: cfg.ObjStore.CreateBucket,
		})
		if err != nil {
			return nil, err
		}
		return s, nil

	case "gdrive":
		return newGDrive(ctx, cfg.GDrive)

	default:
		return nil, errors.ValidationField("storage.backend", "unknown storage backend: "+cfg.Backend)
	}
}

func newGDrive(ctx context.Context, cfg config.GDriveConfig) (Backend, error) {
	conf := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{drive.DriveFileScope},
	}

	tok := &oauth2.Token{RefreshToken: cfg.RefreshToken}
	httpClient := conf.Client(ctx, tok)

	srv, err := drive.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, errors.Wrap(err, "storage.gdrive", "create drive service")
	}

	return gdrive.NewClient(srv, cfg.FolderID), nil
}
