// Package store provides the persistent byte tier implementations behind
// types.Store: memory, gzip files, LevelDB, SQLite and S3.
package store

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/objectfs/tiercache/internal/store/s3"
	"github.com/objectfs/tiercache/pkg/errors"
	"github.com/objectfs/tiercache/pkg/types"
)

// Backends
const (
	BackendMemory  = "memory"
	BackendFile    = "file"
	BackendLevelDB = "leveldb"
	BackendSQLite  = "sqlite"
	BackendS3      = "s3"
)

// Config represents the settings shared by every store of a process
type Config struct {
	Backend   string `yaml:"backend"`
	Directory string `yaml:"directory"`

	// MaxSize bounds each store in bytes; zero is unbounded
	MaxSize int64 `yaml:"max_size"`

	// Compression gzips entries of the file backend
	Compression bool `yaml:"compression"`

	S3 s3.Config `yaml:"s3"`
}

// Open creates the store of one cache. namespace keeps the entries of
// different caches apart: a subdirectory, a database file or a key prefix.
func Open(ctx context.Context, config *Config, namespace string, logger *slog.Logger) (types.Store, error) {
	if config == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidArgument, "store config is required").
			WithComponent("store")
	}
	if namespace == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidArgument, "store namespace is required").
			WithComponent("store")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store", "backend", config.Backend, "namespace", namespace)

	switch config.Backend {
	case BackendMemory, "":
		return NewMemoryStore(config.MaxSize), nil
	case BackendFile:
		return NewFileStore(&FileConfig{
			Directory:   filepath.Join(config.Directory, namespace),
			MaxSize:     config.MaxSize,
			Compression: config.Compression,
		}, logger)
	case BackendLevelDB:
		return NewLevelDBStore(filepath.Join(config.Directory, namespace+".ldb"), config.MaxSize, logger)
	case BackendSQLite:
		return NewSQLiteStore(filepath.Join(config.Directory, namespace+".db"), config.MaxSize, logger)
	case BackendS3:
		s3Config := config.S3
		s3Config.Prefix = joinPrefix(s3Config.Prefix, namespace)
		s3Config.MaxSize = config.MaxSize
		return s3.NewFromConfig(ctx, &s3Config, logger)
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "unknown store backend %q", config.Backend).
			WithComponent("store")
	}
}

func joinPrefix(prefix, namespace string) string {
	if prefix == "" {
		return namespace + "/"
	}
	if prefix[len(prefix)-1] == '/' {
		return prefix + namespace + "/"
	}
	return prefix + "/" + namespace + "/"
}

func storeError(err error, operation, message string) *errors.Error {
	return errors.Wrap(err, errors.ErrCodeStoreError, message).
		WithComponent("store").
		WithOperation(operation)
}

func storeFull(operation string, size, free int64) *errors.Error {
	return errors.Newf(errors.ErrCodeStoreFull, "entry of %d bytes does not fit, %d bytes free", size, free).
		WithComponent("store").
		WithOperation(operation)
}

func canceled(ctx context.Context, operation string) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.ErrCodeOperationCanceled, "store operation canceled").
			WithComponent("store").
			WithOperation(operation)
	}
	return nil
}
