package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/ahey/ash"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"go.uber.org/zap"
)

// S3SourceConfig represents the S3Source configurable fields model.
type S3SourceConfig struct {
	AwsCfg       *aws.Config
	Bucket       string `validate:"required"`
	Prefix       string
	Delimiter    string
	EncodingType string
	MaxKeys      int64 `validate:"lte=1000"` // AWS API allows to receive not more than 1000 items in a call
	Logger       *zap.Logger
}

type (
	// SourceOption is the base form of an option parameter for S3Source.
	SourceOption func(s *S3Source)
	// ModifyScan is the form of the func that is called between getting a page
	// of objects from S3 and streaming their records. Could be used to filter
	// result objects or do other needed stuff.
	ModifyScan func(output *s3.ListObjectsOutput) *s3.ListObjectsOutput
)

// WithModifyScan enhances the S3Source with the passed modifyScan.
func WithModifyScan(modifyScan ModifyScan) SourceOption {
	return func(s *S3Source) {
		s.modifyScan = modifyScan
	}
}

// NewS3Source returns a new instance of the S3Source.
func NewS3Source(cfg S3SourceConfig, opts ...SourceOption) *S3Source {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &S3Source{
		Cfg:        cfg,
		modifyScan: defaultModifyScan,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// S3Source streams target records out of manifest files stored in an AWS S3
// bucket. Each manifest is a newline-delimited JSON file with one record
// object per line; manifests are streamed in key order, lines in file order.
type S3Source struct {
	Cfg        S3SourceConfig
	modifyScan ModifyScan
}

// Setup checks whether the config for the source is proper by connecting and
// performing a simple S3 API call.
func (s *S3Source) Setup() error {
	sess, err := session.NewSession(s.Cfg.AwsCfg)
	if err != nil {
		return fmt.Errorf("failed to create a new s3 session: %v", err)
	}
	svc := s3.New(sess)
	err = svc.ListObjectsPages(s.buildListObjectsInput(), func(p *s3.ListObjectsOutput, lastPage bool) bool { return false })
	if err != nil {
		return fmt.Errorf("ping s3 query error: %v", err)
	}
	return nil
}

// Stream lists the bucket manifests and sends their records to the returned
// channel. It stops either on an S3-interaction or decode error, or when the
// context is cancelled, or when all the manifests are read.
func (s *S3Source) Stream(ctx context.Context) (<-chan ash.Record, <-chan error) {
	recordCh := make(chan ash.Record)
	errCh := make(chan error, 1)
	go func() {
		defer close(recordCh)
		sess, err := session.NewSession(s.Cfg.AwsCfg)
		if err != nil {
			errCh <- fmt.Errorf("failed to create a new s3 session: %v", err)
			return
		}
		svc := s3.New(sess)
		downloader := s3manager.NewDownloader(sess)
		var streamErr error
		if err := svc.ListObjectsPagesWithContext(ctx, s.buildListObjectsInput(), func(p *s3.ListObjectsOutput, lastPage bool) bool {
			p = s.modifyScan(p)
			for _, obj := range p.Contents {
				s.Cfg.Logger.Info("streaming manifest", zap.String("key", *obj.Key))
				if streamErr = s.streamManifest(ctx, downloader, *obj.Key, recordCh); streamErr != nil {
					return false
				}
			}
			return !lastPage
		}); err != nil {
			streamErr = err
		}
		if streamErr != nil && ctx.Err() == nil {
			errCh <- streamErr
		}
	}()
	return recordCh, errCh
}

// streamManifest downloads a single manifest and sends its records to the
// channel in line order.
func (s *S3Source) streamManifest(ctx context.Context, downloader *s3manager.Downloader, key string, recordCh chan<- ash.Record) error {
	buff := &aws.WriteAtBuffer{}
	_, err := downloader.DownloadWithContext(ctx, buff, &s3.GetObjectInput{
		Bucket: aws.String(s.Cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to download manifest %s: %v", key, err)
	}
	scanner := bufio.NewScanner(bytes.NewReader(buff.Bytes()))
	line := 0
	for scanner.Scan() {
		line++
		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 {
			continue
		}
		record := ash.Record{}
		if err := json.Unmarshal(data, &record); err != nil {
			return fmt.Errorf("manifest %s line %d: invalid record: %v", key, line, err)
		}
		select {
		case recordCh <- record:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read manifest %s: %v", key, err)
	}
	return nil
}

// buildListObjectsInput builds an input for S3 ListObjects queries based on
// the source config.
func (s *S3Source) buildListObjectsInput() *s3.ListObjectsInput {
	var reqEncodingType *string
	if s.Cfg.EncodingType != "" {
		reqEncodingType = aws.String(s.Cfg.EncodingType)
	}
	var reqDelimiter *string
	if s.Cfg.Delimiter != "" {
		reqDelimiter = aws.String(s.Cfg.Delimiter)
	}
	var reqMaxKeys *int64
	if s.Cfg.MaxKeys != 0 {
		reqMaxKeys = aws.Int64(s.Cfg.MaxKeys)
	}
	return &s3.ListObjectsInput{
		Bucket:       aws.String(s.Cfg.Bucket),
		Prefix:       aws.String(s.Cfg.Prefix),
		EncodingType: reqEncodingType,
		Delimiter:    reqDelimiter,
		MaxKeys:      reqMaxKeys,
	}
}

// defaultModifyScan simply returns the initial output.
var defaultModifyScan = func(output *s3.ListObjectsOutput) *s3.ListObjectsOutput {
	return output
}
