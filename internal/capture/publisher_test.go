package capture

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"siderec/internal/models"
)

type fakeS3 struct {
	inputs []*s3.PutObjectInput
	bodies []string
	err    error
}

func (f *fakeS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.inputs = append(f.inputs, params)
	f.bodies = append(f.bodies, string(body))
	return &s3.PutObjectOutput{}, nil
}

func writeArtifact(t *testing.T, name, content string) models.MergedArtifact {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	return models.MergedArtifact{Path: path, SizeBytes: int64(len(content))}
}

func TestS3PublisherUploadsUnderMeetingPrefix(t *testing.T) {
	client := &fakeS3{}
	publisher := newS3Publisher(client, S3Config{Bucket: "recordings", Prefix: "/calls/", Logger: discardLogger()})

	artifact := writeArtifact(t, "m1-final.mp4", "mp4 bytes")
	artifact.Kind = models.ArtifactFinal
	artifact.MeetingID = "m1"
	artifact.Digest = "abc"
	if err := publisher.Publish(context.Background(), artifact); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(client.inputs) != 1 {
		t.Fatalf("expected one upload, got %d", len(client.inputs))
	}
	input := client.inputs[0]
	if got := aws.ToString(input.Key); got != "calls/m1/m1-final.mp4" {
		t.Fatalf("unexpected key %q", got)
	}
	if aws.ToString(input.Bucket) != "recordings" || aws.ToString(input.ContentType) != "video/mp4" {
		t.Fatalf("unexpected bucket or content type: %s %s", aws.ToString(input.Bucket), aws.ToString(input.ContentType))
	}
	if input.Metadata["digest"] != "abc" || client.bodies[0] != "mp4 bytes" {
		t.Fatalf("unexpected upload %+v %q", input.Metadata, client.bodies[0])
	}
}

func TestS3PublisherKeyWithoutPrefix(t *testing.T) {
	publisher := newS3Publisher(&fakeS3{}, S3Config{Bucket: "b"})
	key := publisher.Key(models.MergedArtifact{MeetingID: "m1", Path: "/media/merged/m1-alice-merged.webm"})
	if key != "m1/m1-alice-merged.webm" {
		t.Fatalf("unexpected key %q", key)
	}
}

func TestS3PublisherReportsAPIErrors(t *testing.T) {
	client := &fakeS3{err: &smithy.GenericAPIError{Code: "AccessDenied", Message: "denied"}}
	publisher := newS3Publisher(client, S3Config{Bucket: "b", Logger: discardLogger()})
	artifact := writeArtifact(t, "m1-alice-merged.webm", "webm")
	artifact.MeetingID = "m1"

	err := publisher.Publish(context.Background(), artifact)
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) || apiErr.ErrorCode() != "AccessDenied" {
		t.Fatalf("expected AccessDenied API error, got %v", err)
	}
	if !strings.Contains(err.Error(), "m1/m1-alice-merged.webm") {
		t.Fatalf("expected key in error, got %q", err.Error())
	}
}

func TestS3PublisherMissingFile(t *testing.T) {
	publisher := newS3Publisher(&fakeS3{}, S3Config{Bucket: "b", Logger: discardLogger()})
	err := publisher.Publish(context.Background(), models.MergedArtifact{MeetingID: "m1", Path: filepath.Join(t.TempDir(), "gone.mp4")})
	var fsErr *FilesystemError
	if !errors.As(err, &fsErr) {
		t.Fatalf("expected FilesystemError, got %v", err)
	}
}

func TestNewS3PublisherRequiresBucket(t *testing.T) {
	if _, err := NewS3Publisher(context.Background(), S3Config{}); err == nil {
		t.Fatal("expected error without bucket")
	}
}
