package resource

import (
	"sync"
	"time"

	"github.com/resmon-go/resmond/internal/command"
)

// startedState, stoppedState, failedState, idleState, exitState have no
// resources of their own to release; they correspond to the source's
// SimpleMethodState-decorated states.

type startedState struct{ m *Machine }

func (s *startedState) enter() {
	s.m.SetResourceState(ResourceStarted)
	if s.m.config.Monitor {
		s.m.SetState(Monitor)
	} else {
		s.m.SetState(Idle)
	}
}
func (s *startedState) leave() {}

type stoppedState struct{ m *Machine }

func (s *stoppedState) enter() {
	s.m.SetResourceState(ResourceStopped)
	s.m.SetState(Idle)
}
func (s *stoppedState) leave() {}

type failedState struct{ m *Machine }

func (s *failedState) enter() {
	s.m.SetResourceState(ResourceFailed)
	s.m.SetState(Idle)
}
func (s *failedState) leave() {}

type idleState struct{ m *Machine }

func (s *idleState) enter() {}
func (s *idleState) leave() {}

type exitState struct{ m *Machine }

func (s *exitState) enter() {}
func (s *exitState) leave() {}

// beginState probes the resource's current status once, immediately, and
// routes to STARTED, AUTOSTART, or STOPPED depending on the result.
type beginState struct {
	m *Machine

	mu  sync.Mutex
	cmd *command.Runner
}

func (s *beginState) enter() {
	cmd, err := s.m.newRunner()
	if err != nil {
		s.m.logError("cannot create command for 'status': %v", err)
		return
	}
	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()

	s.m.safeGo("begin", func() {
		defer cmd.Close()
		code, err := cmd.Run("status", s.m.config.StatusTimeout, nil)
		if err == command.ErrCancelled {
			return
		}
		if code == 0 {
			s.m.debug("resource is already started")
			s.m.SetState(Started)
			return
		}
		s.m.debug("resource is not started")
		s.m.SetResourceState(ResourceStopped)
		if s.m.config.AutoStart {
			s.m.SetState(AutoStart)
		} else {
			s.m.SetState(Stopped)
		}
	})
}

func (s *beginState) leave() {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd != nil {
		cmd.Cancel()
	}
}

// startState runs "start" once, immediately, on external request.
type startState struct {
	m *Machine

	mu  sync.Mutex
	cmd *command.Runner
}

func (s *startState) enter() {
	cmd, err := s.m.newRunner()
	if err != nil {
		s.m.logError("cannot create command for 'start': %v", err)
		s.m.SetState(Failed)
		return
	}
	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()

	s.m.safeGo("start", func() {
		defer cmd.Close()
		s.m.info("start resource")
		code, err := cmd.Run("start", s.m.config.StartTimeout, nil)
		if err == command.ErrCancelled {
			return
		}
		if code == 0 {
			s.m.info("resource is started successfully")
			s.m.SetState(Started)
		} else {
			s.m.logError("failed to start resource")
			s.m.SetState(Failed)
		}
	})
}

func (s *startState) leave() {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd != nil {
		cmd.Cancel()
	}
}

// stopState runs "stop" once, immediately; the result only affects the log,
// the machine always lands on STOPPED. It uses StopTimeout: the source
// reuses StartTimeout here, which spec review identified as a bug (see
// DESIGN.md), so this is a deliberate deviation.
type stopState struct {
	m *Machine

	mu  sync.Mutex
	cmd *command.Runner
}

func (s *stopState) enter() {
	cmd, err := s.m.newRunner()
	if err != nil {
		s.m.logError("cannot create command for 'stop': %v", err)
		s.m.SetState(Stopped)
		return
	}
	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()

	s.m.safeGo("stop", func() {
		defer cmd.Close()
		s.m.debug("stop resource")
		code, err := cmd.Run("stop", s.m.config.StopTimeout, nil)
		if err == command.ErrCancelled {
			return
		}
		if code == 0 {
			s.m.info("resource is stopped successfully")
		} else {
			s.m.logError("failed to stop resource")
		}
		s.m.SetState(Stopped)
	})
}

func (s *stopState) leave() {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd != nil {
		cmd.Cancel()
	}
}

// autoStartState retries "start" up to StartRetryTimes, spaced at least
// StartRetryInterval apart, after an initial StartDelay.
type autoStartState struct {
	m *Machine

	mu    sync.Mutex
	cmd   *command.Runner
	timer *time.Timer
	abort bool
}

func (s *autoStartState) enter() {
	cmd, err := s.m.newRunner()
	if err != nil {
		s.m.logError("cannot create command for 'start': %v", err)
		s.m.SetState(Failed)
		return
	}

	s.mu.Lock()
	s.cmd = cmd
	s.abort = false
	s.mu.Unlock()
	s.m.info("resource is to be auto started")

	var attempt func(retry int)
	attempt = func(retry int) {
		start := time.Now()
		s.m.debug("start resource")
		code, err := cmd.Run("start", s.m.config.StartTimeout, nil)
		if err == command.ErrCancelled {
			return
		}
		if code == 0 {
			s.m.info("resource is started successfully")
			s.m.SetState(Started)
			return
		}

		if retry >= s.m.config.StartRetryTimes {
			s.m.logError("failed to start resource for %d times, resource aborted!", s.m.config.StartRetryTimes)
			s.m.SetState(Failed)
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.abort {
			return
		}
		delay := s.m.config.StartRetryInterval - time.Since(start)
		if delay < 0 {
			delay = 0
		}
		s.m.logError("failed to start resource, retry in %.3fs later", delay.Seconds())
		s.timer = time.AfterFunc(delay, func() { s.m.safeGo("autostart", func() { attempt(retry + 1) }) })
	}

	s.mu.Lock()
	s.timer = time.AfterFunc(s.m.config.StartDelay, func() { s.m.safeGo("autostart", func() { attempt(1) }) })
	s.mu.Unlock()
}

func (s *autoStartState) leave() {
	s.mu.Lock()
	s.abort = true
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

// recoverState retries "recover" up to RecoverRetryTimes, spaced at least
// RecoverRetryInterval apart, starting immediately.
type recoverState struct {
	m *Machine

	mu    sync.Mutex
	cmd   *command.Runner
	timer *time.Timer
	abort bool
}

func (s *recoverState) enter() {
	cmd, err := s.m.newRunner()
	if err != nil {
		s.m.logError("cannot create command for 'recover': %v", err)
		s.m.SetState(Failed)
		return
	}

	s.m.SetResourceState(ResourceFailed)
	s.m.info("resource is to be recovered")

	s.mu.Lock()
	s.cmd = cmd
	s.abort = false
	s.mu.Unlock()

	var attempt func(retry int)
	attempt = func(retry int) {
		start := time.Now()
		s.m.debug("recover resource")
		code, err := cmd.Run("recover", s.m.config.RecoverTimeout, nil)
		if err == command.ErrCancelled {
			return
		}
		if code == 0 {
			s.m.info("resource is recovered successfully")
			s.m.SetState(Started)
			return
		}

		retry++
		if retry >= s.m.config.RecoverRetryTimes {
			s.m.logError("failed to recover resource for %d times, resource aborted!", s.m.config.RecoverRetryTimes)
			s.m.SetState(Failed)
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.abort {
			return
		}
		delay := s.m.config.RecoverRetryInterval - time.Since(start)
		if delay < 0 {
			delay = 0
		}
		s.m.logError("failed to recover resource, retry in %.3fs later", delay.Seconds())
		s.timer = time.AfterFunc(delay, func() { s.m.safeGo("recover", func() { attempt(retry) }) })
	}

	s.mu.Lock()
	s.timer = time.AfterFunc(0, func() { s.m.safeGo("recover", func() { attempt(0) }) })
	s.mu.Unlock()
}

func (s *recoverState) leave() {
	s.mu.Lock()
	s.abort = true
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
