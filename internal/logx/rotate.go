// SPDX-License-Identifier: MIT

package logx

import (
	"compress/gzip"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultMaxLogSize is the default maximum log file size before rotation.
	DefaultMaxLogSize = 10 * 1024 * 1024 // 10 MB

	// DefaultMaxLogFiles is the default number of rotated log files to keep.
	DefaultMaxLogFiles = 5
)

// RotatingWriter is an io.Writer that rotates the daemon's log file when it
// exceeds a size limit.
//
// Features:
//   - Automatic rotation when file exceeds maxSize
//   - Retention of up to maxFiles rotated logs
//   - Optional gzip compression of rotated logs
//   - Thread-safe writes
type RotatingWriter struct {
	path     string
	maxSize  int64
	maxFiles int
	compress bool

	mu   sync.Mutex
	file *os.File
	size int64
}

// RotatingWriterOption is a functional option for configuring RotatingWriter.
type RotatingWriterOption func(*RotatingWriter)

// WithMaxSize sets the maximum log file size before rotation.
func WithMaxSize(size int64) RotatingWriterOption {
	return func(w *RotatingWriter) { w.maxSize = size }
}

// WithMaxFiles sets the maximum number of rotated files to keep.
func WithMaxFiles(count int) RotatingWriterOption {
	return func(w *RotatingWriter) { w.maxFiles = count }
}

// WithCompression enables gzip compression for rotated logs.
func WithCompression(compress bool) RotatingWriterOption {
	return func(w *RotatingWriter) { w.compress = compress }
}

// NewRotatingWriter creates a new rotating log writer.
func NewRotatingWriter(path string, opts ...RotatingWriterOption) (*RotatingWriter, error) {
	w := &RotatingWriter{
		path:     path,
		maxSize:  DefaultMaxLogSize,
		maxFiles: DefaultMaxLogFiles,
	}

	for _, opt := range opts {
		opt(w)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	if err := w.openFile(); err != nil {
		return nil, err
	}

	return w, nil
}

// Write implements io.Writer. If the write would exceed maxSize, the log is
// rotated first.
func (w *RotatingWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size+int64(len(p)) > w.maxSize {
		_ = w.rotate() // best effort: prefer exceeding size over losing logs
	}

	n, err = w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the log file.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil {
		err := w.file.Close()
		w.file = nil
		return err
	}
	return nil
}

// Rotate forces a log rotation.
func (w *RotatingWriter) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotate()
}

func (w *RotatingWriter) rotate() error {
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("failed to close log file: %w", err)
		}
		w.file = nil
	}

	if err := w.shiftFiles(); err != nil {
		return err
	}

	rotatedPath := w.rotatedPath(1)
	if err := os.Rename(w.path, rotatedPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}

	if w.compress {
		go w.compressFile(rotatedPath)
	}

	w.cleanup()

	return w.openFile()
}

func (w *RotatingWriter) openFile() error {
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}

	w.file = file
	w.size = info.Size()
	return nil
}

func (w *RotatingWriter) shiftFiles() error {
	for i := w.maxFiles - 1; i >= 1; i-- {
		oldPath := w.rotatedPath(i)
		newPath := w.rotatedPath(i + 1)

		for _, ext := range []string{"", ".gz"} {
			old := oldPath + ext
			newp := newPath + ext
			if _, err := os.Stat(old); err == nil {
				if err := os.Rename(old, newp); err != nil {
					return fmt.Errorf("failed to shift log file %s -> %s: %w", old, newp, err)
				}
			}
		}
	}
	return nil
}

func (w *RotatingWriter) rotatedPath(n int) string {
	return fmt.Sprintf("%s.%d", w.path, n)
}

func (w *RotatingWriter) compressFile(path string) {
	data, err := os.ReadFile(path) // #nosec G304 -- path derives from our own rotation scheme
	if err != nil {
		return
	}

	gzPath := path + ".gz"
	gzFile, err := os.Create(gzPath) // #nosec G304
	if err != nil {
		return
	}
	defer gzFile.Close()

	gzWriter := gzip.NewWriter(gzFile)
	if _, err := gzWriter.Write(data); err != nil {
		_ = os.Remove(gzPath)
		return
	}
	if err := gzWriter.Close(); err != nil {
		_ = os.Remove(gzPath)
		return
	}

	_ = os.Remove(path)
}

func (w *RotatingWriter) cleanup() {
	for i := w.maxFiles + 1; i <= w.maxFiles+10; i++ {
		path := w.rotatedPath(i)
		_ = os.Remove(path)
		_ = os.Remove(path + ".gz")
	}
}

// Size returns the current log file size.
func (w *RotatingWriter) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Path returns the log file path.
func (w *RotatingWriter) Path() string {
	return w.path
}

// RotatedFile describes one rotated log file on disk.
type RotatedFile struct {
	Path       string
	Name       string
	Size       int64
	ModTime    time.Time
	Compressed bool
}

// ListRotatedFiles returns all rotated log files for a base path, newest first.
func ListRotatedFiles(basePath string) ([]RotatedFile, error) {
	dir := filepath.Dir(basePath)
	base := filepath.Base(basePath)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []RotatedFile

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if !strings.HasPrefix(name, base+".") {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		files = append(files, RotatedFile{
			Path:       filepath.Join(dir, name),
			Name:       name,
			Size:       info.Size(),
			ModTime:    info.ModTime(),
			Compressed: strings.HasSuffix(name, ".gz"),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].ModTime.After(files[j].ModTime)
	})

	return files, nil
}

// TotalLogSize returns the total size of the live log plus all rotated files.
func TotalLogSize(basePath string) (int64, error) {
	var total int64

	if info, err := os.Stat(basePath); err == nil {
		total += info.Size()
	}

	files, err := ListRotatedFiles(basePath)
	if err != nil {
		return total, err
	}

	for _, f := range files {
		total += f.Size
	}

	return total, nil
}
