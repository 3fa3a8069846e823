// SPDX-License-Identifier: MIT

// Package command implements the bounded, cancellable subprocess invocation
// that a ResourceMachine state uses to run one verb of a resource script.
//
// It is grounded on the source daemon's Command class (resource.py): one
// Runner is created per state-enter, bound to a side-channel message file,
// and may be asked to run a verb one or more times before it is discarded on
// state-leave.
package command

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/resmon-go/resmond/internal/logx"
	"github.com/resmon-go/resmond/internal/util"
)

// MessageFileEnv is the environment variable every invocation receives,
// pointing at a private temp file the script may write a text message to.
const MessageFileEnv = "RESMOND_MESSAGE_FILE"

// ErrCancelled is returned by Run when the Runner was cancelled before or
// during the invocation.
var ErrCancelled = errors.New("command cancelled")

// Runner represents one invocation capability bound to a resource's script
// and to the owning ResourceMachine's serialization guard. The zero value is
// not usable; construct with New.
type Runner struct {
	script   string
	identity string
	logger   logx.Logger
	guard    Locker // the owning machine's per-resource mutex

	tmpFile *os.File
	tracker *util.ResourceTracker // verifies the message file and any spawned child are released

	mu    sync.Mutex
	abort bool
	pid   int
	timer *time.Timer
}

// Locker is the subset of sync.Mutex a Runner needs from its owning
// ResourceMachine; satisfied by *sync.Mutex.
type Locker interface {
	Lock()
	Unlock()
}

// New creates a Runner for one invocation of script, serialized through
// guard (the owning ResourceMachine's command mutex) and logging under
// identity (typically "profile:resource"). adminDir is where the side
// channel message file is created; it must already exist.
func New(script, adminDir, identity string, guard Locker, logger logx.Logger) (*Runner, error) {
	f, err := os.CreateTemp(adminDir, "msg-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create message file: %w", err)
	}
	tracker := util.NewResourceTracker()
	tracker.TrackFile("message", f)
	return &Runner{
		script:   script,
		identity: identity,
		logger:   logger,
		guard:    guard,
		tmpFile:  f,
		tracker:  tracker,
	}, nil
}

// Close removes the Runner's side-channel message file. Call once the owning
// state has left and no further Run calls will be made.
func (r *Runner) Close() error {
	r.tracker.UntrackFile("message")
	if leaked := r.tracker.LeakedResources(); len(leaked) > 0 {
		r.logger.Error(r.identity, "command runner closed with unreleased resources: %v", leaked)
	}
	path := r.tmpFile.Name()
	_ = r.tmpFile.Close()
	return os.Remove(path)
}

// Run invokes the resource's script with verb, bounding it to timeout and
// merging extraEnv (plus RESMOND_MESSAGE_FILE) into the child's environment.
// It blocks until the child exits, is killed by the timeout, or the Runner
// is cancelled.
func (r *Runner) Run(verb string, timeout time.Duration, extraEnv map[string]string) (int, error) {
	r.guard.Lock()
	defer r.guard.Unlock()

	r.logger.Debug(r.identity, "execute '%s' command", verb)

	r.mu.Lock()
	if r.abort {
		r.mu.Unlock()
		return -1, ErrCancelled
	}

	cmd := exec.Command(r.script, verb) // #nosec G204 -- script path is administrator-configured
	cmd.Env = buildEnv(extraEnv, r.tmpFile.Name())
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		r.mu.Unlock()
		r.logger.Error(r.identity, "failed to issue '%s' command", verb)
		return 1, fmt.Errorf("spawn %q: %w", verb, err)
	}

	r.pid = cmd.Process.Pid
	pid := r.pid
	r.tracker.TrackProcess("child", cmd.Process)
	r.timer = time.AfterFunc(timeout, func() {
		r.logger.Error(r.identity, "'%s' command timeout (%s), forcibly kill it", verb, timeout)
		killTree(pid)
	})
	r.mu.Unlock()

	waitErr := cmd.Wait()

	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.pid = 0
	r.tracker.UntrackProcess("child")
	aborted := r.abort
	r.mu.Unlock()

	if aborted {
		return -1, ErrCancelled
	}

	elapsed := time.Since(start)
	exitCode := exitCodeFromError(waitErr)
	r.logger.Debug(r.identity, "'%s' command returns %d; spent %.3fs", verb, exitCode, elapsed.Seconds())

	if msg := r.readMessage(); msg != "" {
		r.logger.Debug(r.identity, "returned message: %s", msg)
	}

	return exitCode, nil
}

// Cancel aborts any in-flight or future Run call: it sets the abort flag,
// cancels a pending timeout timer, and, if a child is currently running,
// kills its process tree immediately. Safe to call from any goroutine,
// including a state's own leave().
func (r *Runner) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.abort = true
	if r.timer != nil {
		r.timer.Stop()
	}
	if r.pid != 0 {
		r.logger.Debug(r.identity, "kill pending command")
		killTree(r.pid)
	}
}

func (r *Runner) readMessage() string {
	if _, err := r.tmpFile.Seek(0, 0); err != nil {
		return ""
	}
	data, err := os.ReadFile(r.tmpFile.Name()) // #nosec G304 -- our own temp file
	if err != nil {
		return ""
	}
	return string(data)
}

func buildEnv(extra map[string]string, messageFile string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	env = append(env, MessageFileEnv+"="+messageFile)
	return env
}

func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}

// killTree sends SIGKILL to pid's entire process group, falling back to
// killing just the one process if the group cannot be resolved (e.g. it has
// already exited). Every Run spawns its child with Setpgid so this reaches
// any descendants the script forked, not just the direct child.
func killTree(pid int) {
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		if p, ferr := os.FindProcess(pid); ferr == nil {
			_ = p.Signal(syscall.SIGKILL)
		}
		return
	}
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}
