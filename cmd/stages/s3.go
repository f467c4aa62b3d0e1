package stages

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	"github.com/spf13/afero"

	"github.com/airframesio/tripdata-sync/cmd/compressors"
	"github.com/airframesio/tripdata-sync/cmd/partitions"
)

// S3Options configures an object-store stage
type S3Options struct {
	Endpoint  string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	Region    string

	// Compression is applied client-side before upload
	Compression      string
	CompressionLevel int

	// Parallel is the number of concurrent multipart upload parts
	Parallel int
}

// S3Stage stages partitions as objects under {prefix}/{YYYY}/{YYYY-MM}.parquet[.ext]
type S3Stage struct {
	client     s3iface.S3API
	uploader   s3manageriface.UploaderAPI
	fs         afero.Fs
	bucket     string
	prefix     string
	compressor compressors.Compressor
	level      int
	normalizer partitions.Normalizer
	logger     *slog.Logger
}

// NewS3Session creates an AWS session for an S3-compatible endpoint
func NewS3Session(opts S3Options) (*session.Session, error) {
	cfg := &aws.Config{
		Region:           aws.String(opts.Region),
		S3ForcePathStyle: aws.Bool(true),
	}
	if opts.Endpoint != "" {
		cfg.Endpoint = aws.String(opts.Endpoint)
	}
	if opts.AccessKey != "" || opts.SecretKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(opts.AccessKey, opts.SecretKey, "")
	}

	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 session: %w", err)
	}
	return sess, nil
}

// NewS3StageFromSession builds the client and a multipart uploader whose
// concurrency follows opts.Parallel.
func NewS3StageFromSession(sess *session.Session, fs afero.Fs, opts S3Options, logger *slog.Logger) (*S3Stage, error) {
	client := s3.New(sess)
	uploader := s3manager.NewUploaderWithClient(client, func(u *s3manager.Uploader) {
		if opts.Parallel > 0 {
			u.Concurrency = opts.Parallel
		}
	})
	return NewS3Stage(client, uploader, fs, opts, logger)
}

// NewS3Stage creates a stage over existing clients
func NewS3Stage(client s3iface.S3API, uploader s3manageriface.UploaderAPI, fs afero.Fs, opts S3Options, logger *slog.Logger) (*S3Stage, error) {
	compressor, err := compressors.GetCompressor(opts.Compression)
	if err != nil {
		return nil, err
	}

	if err := compressors.ValidateLevel(compressor, opts.CompressionLevel); err != nil {
		return nil, err
	}

	return &S3Stage{
		client:     client,
		uploader:   uploader,
		fs:         fs,
		bucket:     opts.Bucket,
		prefix:     strings.Trim(opts.Prefix, "/"),
		compressor: compressor,
		level:      opts.CompressionLevel,
		normalizer: partitions.DefaultNormalizer(),
		logger:     logger,
	}, nil
}

// Name identifies the stage in logs
func (s *S3Stage) Name() string {
	return "s3://" + path.Join(s.bucket, s.prefix)
}

// ObjectKey returns the object key the artifact for key is uploaded to
func (s *S3Stage) ObjectKey(key partitions.Key) string {
	name := s.normalizer.FileName(key) + s.compressor.Extension()
	return path.Join(s.prefix, strconv.Itoa(key.Year), name)
}

// List returns every object key under the prefix. A missing bucket lists as empty.
func (s *S3Stage) List(ctx context.Context) ([]string, error) {
	listPrefix := ""
	if s.prefix != "" {
		listPrefix = s.prefix + "/"
	}
	keys, err := s.listKeys(ctx, listPrefix)
	if isNoSuchBucket(err) {
		s.logger.Warn(fmt.Sprintf("⚠️  Bucket %s does not exist yet, treating stage as empty", s.bucket))
		return nil, nil
	}
	return keys, err
}

// Exists lists the partition's object prefix so that any compression variant counts
func (s *S3Stage) Exists(ctx context.Context, key partitions.Key) (bool, error) {
	base := path.Join(s.prefix, strconv.Itoa(key.Year), s.normalizer.FileName(key))
	keys, err := s.listKeys(ctx, base)
	if isNoSuchBucket(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	for _, k := range keys {
		if got, ok := s.normalizer.Normalize(k); ok && got == key {
			return true, nil
		}
	}
	return false, nil
}

func (s *S3Stage) listKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var continuationToken *string

	for {
		listInput := &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuationToken,
		}

		result, err := s.client.ListObjectsV2WithContext(ctx, listInput)
		if err != nil {
			return nil, fmt.Errorf("failed to list s3://%s/%s: %w", s.bucket, prefix, err)
		}

		for _, obj := range result.Contents {
			key := aws.StringValue(obj.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}
			keys = append(keys, key)
		}

		if !aws.BoolValue(result.IsTruncated) {
			break
		}
		continuationToken = result.NextContinuationToken
	}

	return keys, nil
}

// Push streams the local artifact through the configured compressor into the bucket
func (s *S3Stage) Push(ctx context.Context, key partitions.Key, localPath string) (int64, error) {
	file, err := s.fs.Open(localPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer file.Close()

	counter := &countingReader{r: file}
	body := compressors.Compress(counter, s.compressor, s.level)
	defer body.Close()

	objectKey := s.ObjectKey(key)
	s.logger.Debug(fmt.Sprintf("  ☁️  Uploading %s to s3://%s/%s", localPath, s.bucket, objectKey))

	_, err = s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey),
		Body:        body,
		ContentType: aws.String("application/vnd.apache.parquet"),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to upload s3://%s/%s: %w", s.bucket, objectKey, err)
	}
	return counter.n, nil
}

func isNoSuchBucket(err error) bool {
	var aerr awserr.Error
	return errors.As(err, &aerr) && aerr.Code() == s3.ErrCodeNoSuchBucket
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
