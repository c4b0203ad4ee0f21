// Package publish uploads snapshots as JSON documents for consumers that do
// not read the relational store.
package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/triage-ai/proximity/internal/evidence"
	"go.uber.org/zap"
)

// objectPutter is the subset of *s3.Client the publisher needs.
type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Publisher writes each snapshot twice: under its date, and as the
// preset's latest document.
//
//	<prefix><preset>/<yyyy-mm-dd>.json
//	<prefix><preset>/latest.json
type S3Publisher struct {
	client objectPutter
	bucket string
	prefix string
	logger *zap.Logger
}

// NewS3Publisher loads the default AWS credential chain for region.
func NewS3Publisher(ctx context.Context, bucket, prefix, region string, logger *zap.Logger) (*S3Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("NewS3Publisher: %w", err)
	}
	logger.Info("snapshot publisher configured",
		zap.String("bucket", bucket),
		zap.String("prefix", prefix),
	)
	return newS3Publisher(s3.NewFromConfig(cfg), bucket, prefix, logger), nil
}

func newS3Publisher(client objectPutter, bucket, prefix string, logger *zap.Logger) *S3Publisher {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Publisher{client: client, bucket: bucket, prefix: prefix, logger: logger}
}

// Keys returns the dated and latest object keys for snap.
func (p *S3Publisher) Keys(snap *evidence.Snapshot) (dated, latest string) {
	base := p.prefix + snap.Preset + "/"
	return base + snap.AsOf.UTC().Format(time.DateOnly) + ".json", base + "latest.json"
}

// Publish uploads snap. The dated object is written first so latest.json
// never points ahead of the history.
func (p *S3Publisher) Publish(ctx context.Context, snap *evidence.Snapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("Publish: %w", err)
	}

	dated, latest := p.Keys(snap)
	for _, key := range []string{dated, latest} {
		_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(p.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(body),
			ContentType: aws.String("application/json"),
		})
		if err != nil {
			return fmt.Errorf("Publish %s: %w", key, err)
		}
	}

	p.logger.Debug("snapshot published",
		zap.String("preset", snap.Preset),
		zap.Int("revision", snap.Revision),
		zap.String("key", dated),
	)
	return nil
}
