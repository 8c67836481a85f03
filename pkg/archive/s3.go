// Package archive copies finished records to S3-compatible object storage.
package archive

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/cryoscan/cryoscan/pkg/config"
)

// putObjectAPI is the part of *s3.Client the archiver uses.
type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver uploads records to one bucket.
type Archiver struct {
	client putObjectAPI
	bucket string
	prefix string
}

// New builds an archiver from cfg. Static keys are used when given, the
// default AWS credential chain otherwise. A custom endpoint (MinIO and
// friends) switches to path-style addressing.
func New(ctx context.Context, cfg config.ArchiveConfig) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, pkgerrors.New("archive bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to load AWS config")
	}

	var client *s3.Client
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
			endpoint = "http://" + endpoint
		}
		client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	} else {
		client = s3.NewFromConfig(awsCfg)
	}

	return &Archiver{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Key returns the object key a record is stored under.
func (a *Archiver) Key(record string) string {
	return path.Join(a.prefix, filepath.Base(record))
}

// Upload stores the record file and returns its key.
func (a *Archiver) Upload(ctx context.Context, record string) (string, error) {
	f, err := os.Open(record)
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to open record %s", record)
	}
	defer func() {
		if err := f.Close(); err != nil {
			logrus.Warnf("failed to close record %s", record)
		}
	}()

	key := a.Key(record)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType(record)),
	})
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to upload %s to s3://%s/%s", record, a.bucket, key)
	}

	logrus.WithFields(logrus.Fields{
		"bucket": a.bucket,
		"key":    key,
	}).Info("record archived")
	return key, nil
}

func contentType(record string) string {
	switch strings.ToLower(filepath.Ext(record)) {
	case ".sqlite3", ".db":
		return "application/vnd.sqlite3"
	case ".csv":
		return "text/csv"
	}
	return "text/plain"
}
