package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"siderec/internal/models"
	"siderec/internal/observability/logging"
	"siderec/internal/observability/metrics"
)

// s3API is the slice of the S3 client the publisher needs.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Config struct {
	Bucket   string
	Region   string
	Prefix   string
	Endpoint string
	// AccessKeyID and SecretAccessKey override the default credential chain
	// when both are set.
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	Timeout         time.Duration
	Logger          *slog.Logger
}

// S3Publisher copies merged artifacts to a bucket under
// {prefix}/{meetingID}/{file}.
type S3Publisher struct {
	client  s3API
	bucket  string
	prefix  string
	timeout time.Duration
	logger  *slog.Logger
}

func NewS3Publisher(ctx context.Context, cfg S3Config) (*S3Publisher, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if region := strings.TrimSpace(cfg.Region); region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return newS3Publisher(client, cfg), nil
}

func newS3Publisher(client s3API, cfg S3Config) *S3Publisher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Publisher{
		client:  client,
		bucket:  strings.TrimSpace(cfg.Bucket),
		prefix:  strings.Trim(strings.TrimSpace(cfg.Prefix), "/"),
		timeout: timeout,
		logger:  logging.WithComponent(logger, "capture"),
	}
}

// Key returns the object key an artifact is stored under.
func (p *S3Publisher) Key(artifact models.MergedArtifact) string {
	key := path.Join(artifact.MeetingID, filepath.Base(artifact.Path))
	if p.prefix != "" {
		key = p.prefix + "/" + key
	}
	return key
}

// Publish uploads one artifact.
func (p *S3Publisher) Publish(ctx context.Context, artifact models.MergedArtifact) error {
	f, err := os.Open(artifact.Path)
	if err != nil {
		metrics.ObservePublication("failure")
		return &FilesystemError{Op: "open", Path: artifact.Path, Err: err}
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	key := p.Key(artifact)
	input := &s3.PutObjectInput{
		Bucket:        aws.String(p.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(artifact.SizeBytes),
		ContentType:   aws.String(contentType(artifact.Kind)),
		Metadata: map[string]string{
			"meeting-id": artifact.MeetingID,
			"digest":     artifact.Digest,
		},
	}
	if artifact.UserID != "" {
		input.Metadata["user-id"] = artifact.UserID
	}
	if _, err := p.client.PutObject(ctx, input); err != nil {
		metrics.ObservePublication("failure")
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			p.logger.Error("artifact upload rejected", "key", key, "code", apiErr.ErrorCode(), "error", apiErr.ErrorMessage())
		}
		return fmt.Errorf("put %s: %w", key, err)
	}
	metrics.ObservePublication("success")
	p.logger.Info("artifact published", "bucket", p.bucket, "key", key, "bytes", artifact.SizeBytes)
	return nil
}

// PublishAsync returns an engine success hook that uploads in the
// background. Failures are only logged.
func (p *S3Publisher) PublishAsync(ctx context.Context) func(models.MergedArtifact) {
	return func(artifact models.MergedArtifact) {
		go func() {
			if err := p.Publish(ctx, artifact); err != nil {
				p.logger.Error("artifact publication failed", "meeting_id", artifact.MeetingID, "path", artifact.Path, "error", err)
			}
		}()
	}
}

func contentType(kind models.ArtifactKind) string {
	if kind == models.ArtifactFinal {
		return "video/mp4"
	}
	return "video/webm"
}
