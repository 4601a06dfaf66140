package audit

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/kilnworks/autopilot/internal/canonical"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archiver exports canonical audit event JSON to object storage. The
// relational log stays primary; the archive is a cold copy for forensics.
type Archiver interface {
	ArchiveEvent(ctx context.Context, ev *Event) error
}

// S3Archiver writes canonicalized audit events to S3 paths like:
//
//	s3://<bucket>/<prefix>/audit/YYYY/MM/DD/<eventID>.json
type S3Archiver struct {
	bucket   string
	prefix   string
	uploader *manager.Uploader
}

// NewS3Archiver creates an S3Archiver. Region and credentials come from the
// standard AWS environment (AWS_REGION, AWS_PROFILE, key pairs).
func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Archiver{
		bucket:   bucket,
		prefix:   prefix,
		uploader: manager.NewUploader(client),
	}, nil
}

// ArchiveEvent uploads the canonical JSON envelope of a single event.
func (a *S3Archiver) ArchiveEvent(ctx context.Context, ev *Event) error {
	if ev == nil {
		return fmt.Errorf("nil event")
	}
	envelope := chainBody(ev)
	envelope["prevHash"] = ev.PrevHash
	envelope["hash"] = ev.Hash

	canonBytes, err := canonical.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("canonicalize envelope: %w", err)
	}

	key := a.objectKey(ev)
	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(canonBytes),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3 upload %s: %w", key, err)
	}
	return nil
}

func (a *S3Archiver) objectKey(ev *Event) string {
	ts := ev.At
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return path.Join(a.prefix, "audit", ts.Format("2006/01/02"), ev.ID+".json")
}
