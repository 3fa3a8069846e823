// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type recordingWatchLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingWatchLogger) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *recordingWatchLogger) Fatal(identity, format string, args ...any) {}
func (l *recordingWatchLogger) Error(identity, format string, args ...any) { l.add(format, args...) }
func (l *recordingWatchLogger) Info(identity, format string, args ...any)  { l.add(format, args...) }
func (l *recordingWatchLogger) Debug(identity, format string, args ...any) {}

func (l *recordingWatchLogger) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.lines))
	copy(out, l.lines)
	return out
}

func TestWatchProfileLogsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "demo.conf")
	if err := os.WriteFile(path, []byte("[General]\nProfile=demo\n"), 0644); err != nil {
		t.Fatalf("write profile: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := &recordingWatchLogger{}
	done := make(chan error, 1)
	go func() { done <- WatchProfile(ctx, path, logger) }()

	// Give the watcher a moment to register before triggering an event.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("[General]\nProfile=demo\nLogLevel=2\n"), 0644); err != nil {
		t.Fatalf("rewrite profile: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(logger.snapshot()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(logger.snapshot()) == 0 {
		t.Error("expected a log line after the profile file changed")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("WatchProfile did not return after context cancellation")
	}
}

func TestWatchProfileStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "demo.conf")
	if err := os.WriteFile(path, []byte("[General]\n"), 0644); err != nil {
		t.Fatalf("write profile: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- WatchProfile(ctx, path, &recordingWatchLogger{}) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("WatchProfile returned %v, want nil on cancellation", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WatchProfile did not return after cancellation")
	}
}

func TestWatchProfileMissingFile(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	err := WatchProfile(ctx, filepath.Join(dir, "ghost.conf"), &recordingWatchLogger{})
	if err == nil {
		t.Error("expected an error watching a nonexistent file")
	}
}
