package resource

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/resmon-go/resmond/internal/command"
	"github.com/resmon-go/resmond/internal/config"
)

// errProbeFailed marks a 'monitor' invocation that ran to completion but
// produced no usable value (nonzero exit, unreadable value file, or a value
// that doesn't parse as an integer in [0,100]); distinct from
// command.ErrCancelled so probe() can tell a real failure from a probe that
// never got to run because the state was left.
var errProbeFailed = errors.New("monitor probe failed")

// monitorState drives the periodic probe/threshold/action algorithm: a
// bounded history of hit/miss outcomes is kept across probes, and once
// enough of the window are hits, the configured Action is dispatched and
// the history clears.
type monitorState struct {
	m *Machine

	mu      sync.Mutex
	cmd     *command.Runner
	timer   *time.Timer
	history []bool
	left    int
}

func newMonitorState(m *Machine) *monitorState {
	return &monitorState{m: m}
}

func (s *monitorState) enter() {
	cfg := s.m.config

	s.mu.Lock()
	s.history = nil
	s.left = cfg.MonitorTimes
	left := s.left
	s.mu.Unlock()

	if left <= 0 {
		s.m.SetState(Idle)
		return
	}

	cmd, err := s.m.newRunner()
	if err != nil {
		s.m.logError("cannot create command for 'monitor': %v", err)
		s.m.SetState(Idle)
		return
	}
	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()

	s.m.info("resource is under monitoring")
	s.scheduleProbe(cfg.MonitorDelay)
}

func (s *monitorState) scheduleProbe(delay time.Duration) {
	s.mu.Lock()
	s.timer = time.AfterFunc(delay, func() { s.m.safeGo("monitor", s.probe) })
	s.mu.Unlock()
}

func (s *monitorState) probe() {
	cfg := s.m.config

	s.mu.Lock()
	cmd := s.cmd
	s.timer = nil
	s.mu.Unlock()
	if cmd == nil {
		return
	}

	start := time.Now()
	s.m.debug("monitor resource")

	value, err := s.runProbe(cmd)
	if err == command.ErrCancelled {
		return
	}
	if err != nil {
		value = cfg.MonitorDefault
		s.m.logError("failed to run 'monitor' command, use '%d' by default", value)
	}

	hit := value >= cfg.MonitorThreshold
	if hit {
		s.m.logError("monitor return value (%d) exceeds threshold (%d)", value, cfg.MonitorThreshold)
	}

	triggered := s.recordOutcome(hit, cfg.MonitorThresholdTimes)
	if triggered {
		s.dispatchAction()
		return
	}

	s.mu.Lock()
	s.left--
	left := s.left
	s.mu.Unlock()

	if left <= 0 {
		s.m.SetState(Idle)
		return
	}

	delay := cfg.MonitorInterval - time.Since(start)
	if delay < 0 {
		delay = 0
	}
	s.scheduleProbe(delay)
}

// recordOutcome appends hit to the bounded history and reports whether the
// window has now accumulated enough hits to trigger the configured action,
// clearing the history if so.
func (s *monitorState) recordOutcome(hit bool, window config.Window) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, hit)
	if len(s.history) > window.Max {
		s.history = s.history[1:]
	}
	if len(s.history) < window.Min {
		return false
	}

	hits := 0
	for _, h := range s.history {
		if h {
			hits++
		}
	}
	if hits < window.Min {
		return false
	}

	s.m.logError("exceeded threshold %d times in the most recent %d monitors", hits, len(s.history))
	s.history = nil
	return true
}

func (s *monitorState) dispatchAction() {
	switch s.m.config.Action {
	case config.ActionRecover:
		s.m.logError("recovering resource now")
		s.m.SetState(Recover)
	case config.ActionAlert:
		s.m.logError("alerting for resource failure")
		s.m.doAlert()
		s.m.SetState(Failed)
	default:
		s.m.logError("do nothing on resource failure")
		s.m.SetState(Started) // re-enters MONITOR via STARTED's enter
	}
}

// runProbe executes one "monitor" invocation with a fresh value file and
// returns the parsed probe value. It returns command.ErrCancelled, unchanged,
// if the Runner was cancelled before or during the invocation, so callers
// can tell a cancelled probe from a merely failed one; any other error means
// the command ran to completion but produced no usable value.
func (s *monitorState) runProbe(cmd *command.Runner) (int, error) {
	f, err := os.CreateTemp(s.m.adminDir, "monitor-*.tmp")
	if err != nil {
		s.m.logError("cannot create intermediate file for 'monitor' command")
		return 0, errProbeFailed
	}
	path := f.Name()
	_ = f.Close()
	defer os.Remove(path)

	code, err := cmd.Run("monitor", s.m.config.MonitorTimeout, map[string]string{
		"RESMOND_MONITOR_VALUE_FILE": path,
	})
	if err == command.ErrCancelled {
		return 0, command.ErrCancelled
	}
	if err != nil || code != 0 {
		return 0, errProbeFailed
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, errProbeFailed
	}
	line := strings.TrimSpace(strings.SplitN(string(data), "\n", 2)[0])

	value, err := strconv.Atoi(line)
	if err != nil || value < 0 || value > 100 {
		display := line
		if display == "" {
			display = "null"
		}
		s.m.logError("'monitor' receives invalid value '%s'", display)
		return 0, errProbeFailed
	}
	s.m.debug("received monitor value: %d", value)
	return value, nil
}

func (s *monitorState) leave() {
	s.mu.Lock()
	s.left = 0
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	cmd := s.cmd
	s.mu.Unlock()
	if cmd != nil {
		cmd.Cancel()
		cmd.Close()
	}
}
