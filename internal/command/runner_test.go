package command

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/resmon-go/resmond/internal/util"
)

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) add(level, identity, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf("[%s] "+identity+" "+format, append([]any{level}, args...)...))
}

func (l *recordingLogger) Fatal(identity, format string, args ...any) { l.add("fatal", identity, format, args...) }
func (l *recordingLogger) Error(identity, format string, args ...any) { l.add("error", identity, format, args...) }
func (l *recordingLogger) Info(identity, format string, args ...any)  { l.add("info", identity, format, args...) }
func (l *recordingLogger) Debug(identity, format string, args ...any) { l.add("debug", identity, format, args...) }

func writeScript(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "r.sh")
	content := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(content), 0755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestRunReturnsChildExitCode(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, `
case "$1" in
  start) exit 0 ;;
  *) exit 7 ;;
esac`)

	var guard sync.Mutex
	r, err := New(script, dir, "p:r", &guard, &recordingLogger{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	code, err := r.Run("start", time.Second, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != 0 {
		t.Errorf("code = %d, want 0", code)
	}

	code, err = r.Run("status", time.Second, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != 7 {
		t.Errorf("code = %d, want 7", code)
	}
}

func TestRunWritesMessageFile(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, `echo "hello from script" > "$RESMOND_MESSAGE_FILE"; exit 0`)

	var guard sync.Mutex
	logger := &recordingLogger{}
	r, err := New(script, dir, "p:r", &guard, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	if _, err := r.Run("start", time.Second, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	found := false
	logger.mu.Lock()
	for _, l := range logger.lines {
		if strings.Contains(l, "returned message") && strings.Contains(l, "hello from script") {
			found = true
		}
	}
	logger.mu.Unlock()
	if !found {
		t.Errorf("expected a log line containing the script's message, got: %v", logger.lines)
	}
}

// TestRunTimeoutKillsProcessTree: a timed-out start must kill the whole
// process tree, not just the direct child.
func TestRunTimeoutKillsProcessTree(t *testing.T) {
	dir := t.TempDir()
	markerFile := filepath.Join(dir, "grandchild.alive")
	script := writeScript(t, dir, fmt.Sprintf(`
( sleep 1; touch %q ) &
sleep 30
exit 0`, markerFile))

	var guard sync.Mutex
	r, err := New(script, dir, "p:r", &guard, &recordingLogger{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	start := time.Now()
	code, err := r.Run("start", 300*time.Millisecond, nil)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code == 0 {
		t.Error("a timed-out command should not report success")
	}
	if elapsed > 2*time.Second {
		t.Errorf("Run took %v, want close to the 300ms timeout", elapsed)
	}

	// Wait past the grandchild's 1s sleep, then check the marker file it
	// would have created had it survived.
	time.Sleep(1500 * time.Millisecond)
	if _, err := os.Stat(markerFile); err == nil {
		t.Error("grandchild process survived the timeout kill")
	}
}

// TestCancelKillsTrackedProcess verifies Cancel's process-tree kill leaves
// nothing behind, using util.ResourceTracker the way the daemon's own
// shutdown path would to confirm cleanup.
func TestCancelKillsTrackedProcess(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "child.pid")
	script := writeScript(t, dir, fmt.Sprintf(`echo "$$" > %q; sleep 5; exit 0`, pidFile))

	var guard sync.Mutex
	r, err := New(script, dir, "p:r", &guard, &recordingLogger{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	done := make(chan struct{})
	go func() {
		_, _ = r.Run("start", 5*time.Second, nil)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	var pid int
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(pidFile)
		if err == nil && len(strings.TrimSpace(string(data))) > 0 {
			pid, err = strconv.Atoi(strings.TrimSpace(string(data)))
			if err == nil {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	if pid == 0 {
		t.Fatal("script never wrote its pid")
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		t.Fatalf("FindProcess: %v", err)
	}
	tracker := util.NewResourceTracker()
	tracker.TrackProcess("child", process)

	r.Cancel()
	<-done

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if process.Signal(syscall.Signal(0)) != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := process.Signal(syscall.Signal(0)); err == nil {
		t.Error("child process survived Cancel")
	}
	tracker.UntrackProcess("child")

	if leaked := tracker.LeakedResources(); len(leaked) != 0 {
		t.Errorf("tracker still holds resources after cleanup: %v", leaked)
	}
}

func TestCancelDuringRunReturnsErrCancelled(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, `sleep 5; exit 0`)

	var guard sync.Mutex
	r, err := New(script, dir, "p:r", &guard, &recordingLogger{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	done := make(chan struct{})
	go func() {
		time.Sleep(100 * time.Millisecond)
		r.Cancel()
		close(done)
	}()

	_, err = r.Run("start", 5*time.Second, nil)
	<-done
	if err != ErrCancelled {
		t.Errorf("err = %v, want ErrCancelled", err)
	}
}

// TestRunSerializesPerRunner checks that at most one Command invocation is
// in-flight per ResourceMachine: two goroutines calling Run concurrently
// against the same guard must not overlap.
func TestRunSerializesPerRunner(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, `sleep 0.2; exit 0`)

	var guard sync.Mutex
	logger := &recordingLogger{}
	r, err := New(script, dir, "p:r", &guard, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Run("start", time.Second, nil)
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	if elapsed < 350*time.Millisecond {
		t.Errorf("two serialized 200ms runs finished in %v, suggesting they overlapped", elapsed)
	}
}
