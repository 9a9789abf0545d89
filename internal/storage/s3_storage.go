package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	aws_config "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"tourmarket/settlement/internal/config"
)

var ErrStorageDisabled = errors.New("object storage is not configured")

// IS3Storage stores generated artefacts (report exports, QR images).
type IS3Storage interface {
	// PutObject uploads body under prefix with a generated unique name and
	// returns the object key.
	PutObject(ctx context.Context, prefix, filename, contentType string, body []byte) (string, error)
	PresignedGetURL(ctx context.Context, key string) (string, error)
}

type s3Storage struct {
	cfg           *config.Config
	s3Client      *s3.Client
	presignClient *s3.PresignClient
	logger        *zap.Logger
}

// NewS3Storage builds the client from static credentials in cfg.
func NewS3Storage(ctx context.Context, cfg *config.Config, logger *zap.Logger) (IS3Storage, error) {
	if !cfg.S3Enabled() {
		return nil, ErrStorageDisabled
	}
	awsCfg, err := aws_config.LoadDefaultConfig(ctx,
		aws_config.WithRegion(cfg.AwsRegion),
		aws_config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AwsAccessKeyID,
			cfg.AwsSecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg)
	return &s3Storage{
		cfg:           cfg,
		s3Client:      s3Client,
		presignClient: s3.NewPresignClient(s3Client),
		logger:        logger,
	}, nil
}

// ObjectKey joins prefix and a uuid-qualified filename.
func ObjectKey(prefix, filename string) string {
	return path.Join(prefix, uuid.NewString()+"_"+path.Base(filename))
}

func (s *s3Storage) PutObject(ctx context.Context, prefix, filename, contentType string, body []byte) (string, error) {
	key := ObjectKey(prefix, filename)
	_, err := s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.AwsS3Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}
	s.logger.Info("object uploaded", zap.String("key", key), zap.Int("bytes", len(body)))
	return key, nil
}

func (s *s3Storage) PresignedGetURL(ctx context.Context, key string) (string, error) {
	ttl := s.cfg.PresignTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	req, err := s.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.AwsS3Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("failed to presign GET for %s: %w", key, err)
	}
	return req.URL, nil
}
