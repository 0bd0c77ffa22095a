package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// RotationConfig holds configuration for log rotation
type RotationConfig struct {
	// Filename is the file to write logs to
	Filename string

	// MaxSize is the size in bytes at which the file is rotated (0 = never)
	MaxSize int64

	// MaxBackups is the number of rotated files kept as Filename.1 ... Filename.N
	MaxBackups int

	// Compress gzips rotated files
	Compress bool
}

// LogRotator is an io.Writer appending to a file that is rotated by size
type LogRotator struct {
	mu sync.Mutex

	config *RotationConfig
	file   *os.File
	size   int64
}

// NewLogRotator opens config.Filename for appending
func NewLogRotator(config *RotationConfig) (*LogRotator, error) {
	if config == nil || config.Filename == "" {
		return nil, fmt.Errorf("log filename is required")
	}
	if config.MaxBackups <= 0 {
		config.MaxBackups = 1
	}

	rotator := &LogRotator{config: config}
	if err := rotator.openFile(); err != nil {
		return nil, err
	}
	return rotator, nil
}

// Write implements io.Writer. A record never straddles two files.
func (lr *LogRotator) Write(p []byte) (int, error) {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	if lr.file == nil {
		return 0, os.ErrClosed
	}
	if lr.config.MaxSize > 0 && lr.size > 0 && lr.size+int64(len(p)) > lr.config.MaxSize {
		if err := lr.rotate(); err != nil {
			return 0, fmt.Errorf("failed to rotate log: %w", err)
		}
	}

	n, err := lr.file.Write(p)
	lr.size += int64(n)
	return n, err
}

// Rotate forces a rotation
func (lr *LogRotator) Rotate() error {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return lr.rotate()
}

// Close closes the log file
func (lr *LogRotator) Close() error {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	if lr.file == nil {
		return nil
	}
	err := lr.file.Close()
	lr.file = nil
	return err
}

func (lr *LogRotator) rotate() error {
	if lr.file != nil {
		if err := lr.file.Close(); err != nil {
			return err
		}
		lr.file = nil
	}

	// shift name.i to name.i+1, dropping the oldest
	for i := lr.config.MaxBackups; i >= 1; i-- {
		from := lr.backupName(i)
		if i == lr.config.MaxBackups {
			_ = os.Remove(from)
			continue
		}
		if err := os.Rename(from, lr.backupName(i+1)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	first := lr.config.Filename + ".1"
	if err := os.Rename(lr.config.Filename, first); err != nil && !os.IsNotExist(err) {
		return err
	}
	if lr.config.Compress {
		if err := compressFile(first); err != nil {
			fmt.Fprintf(os.Stderr, "failed to compress %s: %v\n", first, err)
		}
	}

	return lr.openFile()
}

func (lr *LogRotator) backupName(i int) string {
	name := fmt.Sprintf("%s.%d", lr.config.Filename, i)
	if lr.config.Compress {
		name += ".gz"
	}
	return name
}

func (lr *LogRotator) openFile() error {
	if err := os.MkdirAll(filepath.Dir(lr.config.Filename), 0750); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(lr.config.Filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}

	lr.file = file
	lr.size = info.Size()
	return nil
}

func compressFile(filename string) error {
	src, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(filename + ".gz")
	if err != nil {
		return err
	}

	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		_ = dst.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		_ = dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(filename)
}
