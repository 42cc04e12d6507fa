package logging_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kellerow/modmount/pkg/modmount/logging"
)

func TestRotationBySize(t *testing.T) {
	t.Parallel()

	tempDir := t.TempDir()
	logPath := filepath.Join(tempDir, "size_rotate.log")

	writer, err := logging.NewRotatingWriter(logPath, logging.RotationConfig{
		MaxSize:    512,
		MaxAge:     7,
		MaxBackups: 3,
	})
	if err != nil {
		t.Fatalf("NewRotatingWriter() error = %v", err)
	}

	for i := 0; i < 20; i++ {
		msg := strings.Repeat("x", 50) + "\n"
		if _, writeErr := writer.Write([]byte(msg)); writeErr != nil {
			t.Fatalf("Write() error = %v", writeErr)
		}
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	files, err := os.ReadDir(tempDir)
	if err != nil {
		t.Fatalf("failed to read temp dir: %v", err)
	}

	logFiles := 0
	for _, f := range files {
		if strings.HasPrefix(f.Name(), "size_rotate") && strings.HasSuffix(f.Name(), ".log") {
			logFiles++
		}
	}
	if logFiles < 2 {
		t.Errorf("expected at least 2 log files after rotation, got %d", logFiles)
	}
}

func TestRotationMaxBackups(t *testing.T) {
	t.Parallel()

	tempDir := t.TempDir()
	logPath := filepath.Join(tempDir, "backups.log")

	writer, err := logging.NewRotatingWriter(logPath, logging.RotationConfig{
		MaxSize:    128,
		MaxBackups: 2,
	})
	if err != nil {
		t.Fatalf("NewRotatingWriter() error = %v", err)
	}

	for i := 0; i < 40; i++ {
		msg := strings.Repeat("y", 60) + "\n"
		if _, writeErr := writer.Write([]byte(msg)); writeErr != nil {
			t.Fatalf("Write() error = %v", writeErr)
		}
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	files, err := os.ReadDir(tempDir)
	if err != nil {
		t.Fatalf("failed to read temp dir: %v", err)
	}

	rotated := 0
	for _, f := range files {
		if f.Name() != "backups.log" && strings.HasPrefix(f.Name(), "backups.") {
			rotated++
		}
	}
	if rotated > 2 {
		t.Errorf("expected at most 2 rotated files, got %d", rotated)
	}
}

func TestRotatingWriterCreatesParentDirs(t *testing.T) {
	t.Parallel()

	tempDir := t.TempDir()
	logPath := filepath.Join(tempDir, "nested", "deep", "daemon.log")

	writer, err := logging.NewRotatingWriter(logPath, logging.RotationConfig{})
	if err != nil {
		t.Fatalf("NewRotatingWriter() error = %v", err)
	}
	if _, err := writer.Write([]byte("hello\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if _, err := os.Stat(logPath); err != nil {
		t.Errorf("log file not created: %v", err)
	}
}

func TestRotatingWriterAppends(t *testing.T) {
	t.Parallel()

	tempDir := t.TempDir()
	logPath := filepath.Join(tempDir, "append.log")

	for _, msg := range []string{"first\n", "second\n"} {
		writer, err := logging.NewRotatingWriter(logPath, logging.RotationConfig{})
		if err != nil {
			t.Fatalf("NewRotatingWriter() error = %v", err)
		}
		if _, err := writer.Write([]byte(msg)); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		if err := writer.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "first") || !strings.Contains(string(data), "second") {
		t.Errorf("expected both writes to survive reopen, got %q", string(data))
	}
}
