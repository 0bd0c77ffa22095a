// Package s3 implements the persistent byte tier on an S3 bucket.
package s3

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	awsconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"

	"github.com/objectfs/tiercache/pkg/digest"
	"github.com/objectfs/tiercache/pkg/errors"
	"github.com/objectfs/tiercache/pkg/types"
)

// Config represents S3 store configuration
type Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	MaxRetries      int    `yaml:"max_retries"`

	// UseCargoShip routes large uploads through the CargoShip transporter
	UseCargoShip       bool  `yaml:"use_cargoship"`
	Concurrency        int   `yaml:"concurrency"`
	MultipartThreshold int64 `yaml:"multipart_threshold"`

	MaxSize int64 `yaml:"-"`
}

// API is the subset of the S3 client used by Store
type API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, opts ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

const deleteBatch = 1000

// Store keeps one object per entry under Config.Prefix.
type Store struct {
	client      API
	transporter *cargoships3.Transporter
	config      *Config
	logger      *slog.Logger

	mu    sync.Mutex
	sizes map[digest.ID]int64
	used  int64
}

// NewFromConfig builds an S3 client from the default AWS configuration
// chain, overridden by config, and opens the store.
func NewFromConfig(ctx context.Context, cfg *Config, logger *slog.Logger) (*Store, error) {
	if cfg == nil || cfg.Bucket == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "bucket name cannot be empty").
			WithComponent("s3")
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, config.WithRetryMaxAttempts(cfg.MaxRetries))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "failed to load AWS config").
			WithComponent("s3")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	var transporter *cargoships3.Transporter
	if cfg.UseCargoShip {
		transporter = cargoships3.NewTransporter(client, awsconfig.S3Config{
			Bucket:             cfg.Bucket,
			StorageClass:       awsconfig.StorageClassStandard,
			MultipartThreshold: threshold(cfg),
			MultipartChunkSize: 16 * 1024 * 1024,
			Concurrency:        concurrency(cfg),
		})
		logger.Info("CargoShip uploads enabled", "threshold", threshold(cfg), "concurrency", concurrency(cfg))
	}

	s, err := New(ctx, client, cfg, logger)
	if err != nil {
		return nil, err
	}
	s.transporter = transporter
	return s, nil
}

// New opens a store on an existing client and sizes it by listing the prefix.
func New(ctx context.Context, client API, cfg *Config, logger *slog.Logger) (*Store, error) {
	if client == nil || cfg == nil || cfg.Bucket == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidArgument, "s3 store needs a client and a bucket").
			WithComponent("s3")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		client: client,
		config: cfg,
		logger: logger,
		sizes:  make(map[digest.ID]int64),
	}

	err := s.walk(ctx, func(id digest.ID, size int64) {
		s.sizes[id] = size
		s.used += size
	})
	if err != nil {
		return nil, err
	}
	logger.Debug("s3 store opened", "bucket", cfg.Bucket, "prefix", cfg.Prefix, "entries", len(s.sizes), "bytes", s.used)
	return s, nil
}

// Get downloads an entry
func (s *Store) Get(ctx context.Context, id digest.ID) ([]byte, bool, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		if isErrorType[*s3types.NoSuchKey](err) || isErrorType[*s3types.NotFound](err) {
			return nil, false, nil
		}
		return nil, false, s.translateError(err, "GetObject", id)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, s.translateError(err, "GetObject", id)
	}
	return data, true, nil
}

// Put uploads an entry, failing with STORE_FULL past the size limit
func (s *Store) Put(ctx context.Context, id digest.ID, data []byte) error {
	size := int64(len(data))

	s.mu.Lock()
	old := s.sizes[id]
	if s.config.MaxSize > 0 && s.used-old+size > s.config.MaxSize {
		free := s.config.MaxSize - s.used + old
		s.mu.Unlock()
		return errors.Newf(errors.ErrCodeStoreFull, "entry of %d bytes does not fit, %d bytes free", size, free).
			WithComponent("s3").
			WithOperation("Put")
	}
	s.mu.Unlock()

	if err := s.upload(ctx, id, data); err != nil {
		return err
	}

	s.mu.Lock()
	s.used += size - s.sizes[id]
	s.sizes[id] = size
	s.mu.Unlock()
	return nil
}

// Remove deletes an entry
func (s *Store) Remove(ctx context.Context, id digest.ID) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil && !isErrorType[*s3types.NoSuchKey](err) {
		return s.translateError(err, "DeleteObject", id)
	}

	s.mu.Lock()
	s.used -= s.sizes[id]
	delete(s.sizes, id)
	s.mu.Unlock()
	return nil
}

// List enumerates the objects under the prefix
func (s *Store) List(ctx context.Context) ([]types.StoredEntry, error) {
	var entries []types.StoredEntry
	err := s.walk(ctx, func(id digest.ID, size int64) {
		entries = append(entries, types.StoredEntry{ID: id, Size: size})
	})
	return entries, err
}

// Clear deletes every object under the prefix in batches
func (s *Store) Clear(ctx context.Context) error {
	var ids []digest.ID
	if err := s.walk(ctx, func(id digest.ID, _ int64) { ids = append(ids, id) }); err != nil {
		return err
	}

	for start := 0; start < len(ids); start += deleteBatch {
		end := min(start+deleteBatch, len(ids))
		objects := make([]s3types.ObjectIdentifier, 0, end-start)
		for _, id := range ids[start:end] {
			objects = append(objects, s3types.ObjectIdentifier{Key: aws.String(s.key(id))})
		}
		_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.config.Bucket),
			Delete: &s3types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return s.translateError(err, "DeleteObjects", digest.ID{})
		}
	}

	s.mu.Lock()
	s.sizes = make(map[digest.ID]int64)
	s.used = 0
	s.mu.Unlock()
	return nil
}

// FreeSpace returns the bytes left before STORE_FULL
func (s *Store) FreeSpace() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.config.MaxSize <= 0 {
		return math.MaxInt64
	}
	return s.config.MaxSize - s.used
}

// Close is a no-op; the client holds no resources that need releasing.
func (s *Store) Close() error {
	return nil
}

// Helper methods

func (s *Store) key(id digest.ID) string {
	return s.config.Prefix + id.String()
}

func (s *Store) upload(ctx context.Context, id digest.ID, data []byte) error {
	key := s.key(id)

	if s.transporter != nil && int64(len(data)) >= threshold(s.config) {
		result, err := s.transporter.Upload(ctx, cargoships3.Archive{
			Key:          key,
			Reader:       bytes.NewReader(data),
			Size:         int64(len(data)),
			StorageClass: awsconfig.StorageClassStandard,
			Metadata: map[string]string{
				"tiercache-digest": id.String(),
			},
		})
		if err == nil {
			s.logger.Debug("CargoShip upload completed", "key", key, "size", len(data), "duration", result.Duration)
			return nil
		}
		s.logger.Warn("CargoShip upload failed, falling back to PutObject", "key", key, "error", err)
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.config.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return s.translateError(err, "PutObject", id)
	}
	return nil
}

// walk calls fn for every object under the prefix whose name is a digest.
func (s *Store) walk(ctx context.Context, fn func(id digest.ID, size int64)) error {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.config.Bucket),
		Prefix: aws.String(s.config.Prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return s.translateError(err, "ListObjectsV2", digest.ID{})
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), s.config.Prefix)
			id, err := digest.Parse(name)
			if err != nil {
				continue
			}
			fn(id, aws.ToInt64(obj.Size))
		}
	}
	return nil
}

func (s *Store) translateError(err error, operation string, id digest.ID) error {
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(err, errors.ErrCodeOperationCanceled, operation+" canceled").
			WithComponent("s3")
	}
	e := errors.Wrap(err, errors.ErrCodeStoreError, operation+" failed").
		WithComponent("s3").
		WithOperation(operation).
		WithContext("bucket", s.config.Bucket)
	if !id.IsZero() {
		e = e.WithContext("digest", id.String())
	}
	if isErrorType[*s3types.NoSuchBucket](err) {
		e.Message = "bucket not found"
	}
	return e
}

func threshold(cfg *Config) int64 {
	if cfg.MultipartThreshold > 0 {
		return cfg.MultipartThreshold
	}
	return 32 * 1024 * 1024
}

func concurrency(cfg *Config) int {
	if cfg.Concurrency > 0 {
		return cfg.Concurrency
	}
	return 4
}

func isErrorType[T error](err error) bool {
	var target T
	return stderrors.As(err, &target)
}
