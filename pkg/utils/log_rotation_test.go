package utils

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func TestNewLogRotator(t *testing.T) {
	if _, err := NewLogRotator(nil); err == nil {
		t.Error("expected error for nil config")
	}
	if _, err := NewLogRotator(&RotationConfig{}); err == nil {
		t.Error("expected error for empty filename")
	}

	logFile := filepath.Join(t.TempDir(), "nested", "tiercache.log")
	rotator, err := NewLogRotator(&RotationConfig{Filename: logFile})
	if err != nil {
		t.Fatalf("Failed to create rotator: %v", err)
	}
	defer func() { _ = rotator.Close() }()

	if _, err := os.Stat(logFile); err != nil {
		t.Errorf("Log file was not created: %v", err)
	}
}

func TestLogRotator_AppendsToExistingFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "tiercache.log")
	if err := os.WriteFile(logFile, []byte("old\n"), 0644); err != nil {
		t.Fatal(err)
	}

	rotator, err := NewLogRotator(&RotationConfig{Filename: logFile, MaxSize: 1024})
	if err != nil {
		t.Fatalf("Failed to create rotator: %v", err)
	}
	if _, err := rotator.Write([]byte("new\n")); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	if err := rotator.Close(); err != nil {
		t.Fatal(err)
	}

	content, _ := os.ReadFile(logFile)
	if string(content) != "old\nnew\n" {
		t.Errorf("unexpected content %q", content)
	}

	if _, err := rotator.Write([]byte("x")); err == nil {
		t.Error("expected error writing after close")
	}
}

func TestLogRotator_SizeBasedRotation(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "tiercache.log")
	rotator, err := NewLogRotator(&RotationConfig{Filename: logFile, MaxSize: 10, MaxBackups: 2})
	if err != nil {
		t.Fatalf("Failed to create rotator: %v", err)
	}
	defer func() { _ = rotator.Close() }()

	for _, record := range []string{"first-\n", "second\n", "third-\n", "fourth\n"} {
		if _, err := rotator.Write([]byte(record)); err != nil {
			t.Fatalf("Failed to write: %v", err)
		}
	}

	read := func(name string) string {
		data, err := os.ReadFile(name)
		if err != nil {
			t.Fatalf("reading %s: %v", name, err)
		}
		return string(data)
	}
	if got := read(logFile); got != "fourth\n" {
		t.Errorf("current file = %q", got)
	}
	if got := read(logFile + ".1"); got != "third-\n" {
		t.Errorf("first backup = %q", got)
	}
	if got := read(logFile + ".2"); got != "second\n" {
		t.Errorf("second backup = %q", got)
	}
	if _, err := os.Stat(logFile + ".3"); !os.IsNotExist(err) {
		t.Error("backups beyond MaxBackups must be removed")
	}
}

func TestLogRotator_CompressesBackups(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "tiercache.log")
	rotator, err := NewLogRotator(&RotationConfig{Filename: logFile, MaxBackups: 3, Compress: true})
	if err != nil {
		t.Fatalf("Failed to create rotator: %v", err)
	}
	defer func() { _ = rotator.Close() }()

	message := strings.Repeat("compressible ", 50)
	if _, err := rotator.Write([]byte(message)); err != nil {
		t.Fatal(err)
	}
	if err := rotator.Rotate(); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}

	if _, err := os.Stat(logFile + ".1"); !os.IsNotExist(err) {
		t.Error("uncompressed backup should be removed")
	}
	f, err := os.Open(logFile + ".1.gz")
	if err != nil {
		t.Fatalf("compressed backup missing: %v", err)
	}
	defer func() { _ = f.Close() }()

	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	data, err := io.ReadAll(gz)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != message {
		t.Error("decompressed backup does not match")
	}
}
