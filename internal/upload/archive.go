package upload

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"autostage/internal/config"
	"autostage/internal/logging"
)

// Archiver copies assembled artifacts to an S3-compatible object store so
// the local artifact directory is not the only copy.
type Archiver struct {
	cfg      *config.Config
	uploader *manager.Uploader
	logger   *slog.Logger
}

// NewArchiver builds an archiver for the configured bucket. Returns nil when
// object storage is disabled.
func NewArchiver(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Archiver, error) {
	if !cfg.ObjectStore.Enabled {
		return nil, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ObjectStore.Region),
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load object store credentials: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ObjectStore.Endpoint != "" {
			o.BaseEndpoint = &cfg.ObjectStore.Endpoint
			o.UsePathStyle = true
		}
	})

	return &Archiver{
		cfg:      cfg,
		uploader: manager.NewUploader(client),
		logger:   logging.NewComponentLogger(logger, "archiver"),
	}, nil
}

// Archive streams the session's artifact to the bucket and returns its key.
func (a *Archiver) Archive(ctx context.Context, session *Session) (string, error) {
	file, err := os.Open(session.ArtifactPath)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer file.Close()

	key := path.Join(a.cfg.ObjectStore.Prefix, session.OwnerID, session.ID)
	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      &a.cfg.ObjectStore.Bucket,
		Key:         &key,
		Body:        file,
		ContentType: &session.MimeType,
	})
	if err != nil {
		return "", fmt.Errorf("upload artifact %s: %w", session.ID, err)
	}

	a.logger.Info("artifact archived",
		logging.String(logging.FieldUploadID, session.ID),
		logging.String("bucket", a.cfg.ObjectStore.Bucket),
		logging.String("key", key),
	)
	return key, nil
}
