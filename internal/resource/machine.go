package resource

import (
	"io"
	"sync"

	"github.com/resmon-go/resmond/internal/command"
	"github.com/resmon-go/resmond/internal/config"
	"github.com/resmon-go/resmond/internal/logx"
	"github.com/resmon-go/resmond/internal/util"
)

// AlertFunc is the pluggable alert sink invoked when a MONITOR window
// dispatches the "alert" action. The default, if none is supplied, does
// nothing; MONITOR logs the alert itself either way.
type AlertFunc func(identity string)

// state is the interface every MachineState implementation satisfies.
type state interface {
	enter()
	leave()
}

// Machine is one ResourceMachine: the worker driving a single configured
// resource through its lifecycle. The zero value is not usable; construct
// with New.
type Machine struct {
	identity string // "profile:resource"
	config   config.ResourceConfig
	adminDir string
	logger   logx.Logger
	logOut   io.Writer // panic-recovery log target for util.SafeGo
	alert    AlertFunc

	guard sync.Mutex // serializes Command invocations for this resource

	stateMu   sync.Mutex
	machState MachineState
	resState  ResourceState

	wake chan struct{} // capacity 1; coalesces pending transition requests

	states map[MachineState]state

	done chan struct{} // closed once Run returns
}

// New constructs a Machine for one resource. profileName and cfg.Name are
// combined into the log identity "profile:resource". adminDir must already
// exist; it is where Commands create their side-channel message files.
// logOut is the panic-recovery sink for the machine's timer-replacement
// goroutines (typically the same file logger writes to); pass nil to fall
// back to discarding panic traces (still recovered, just unlogged).
func New(profileName string, cfg config.ResourceConfig, adminDir string, logger logx.Logger, logOut io.Writer, alert AlertFunc) *Machine {
	if alert == nil {
		alert = func(identity string) {}
	}
	m := &Machine{
		identity: profileName + ":" + cfg.Name,
		config:   cfg,
		adminDir: adminDir,
		logger:   logger,
		logOut:   logOut,
		alert:    alert,
		resState: ResourceNone,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	m.states = map[MachineState]state{
		Begin:     &beginState{m: m},
		Start:     &startState{m: m},
		Stop:      &stopState{m: m},
		Started:   &startedState{m: m},
		Stopped:   &stoppedState{m: m},
		AutoStart: &autoStartState{m: m},
		Monitor:   newMonitorState(m),
		Recover:   &recoverState{m: m},
		Failed:    &failedState{m: m},
		Idle:      &idleState{m: m},
		Exit:      &exitState{m: m},
	}
	return m
}

// Identity returns the "profile:resource" log identity.
func (m *Machine) Identity() string { return m.identity }

// Config returns the resource's validated configuration.
func (m *Machine) Config() config.ResourceConfig { return m.config }

// State returns the current MachineState.
func (m *Machine) State() MachineState {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.machState
}

// SetState requests a transition to s: it releases a wake permit, and the
// worker loop runs the previous state's leave, assigns s, then the new
// state's enter. Safe to call from any goroutine, including from within a
// state's own enter/leave.
func (m *Machine) SetState(s MachineState) {
	m.stateMu.Lock()
	m.machState = s
	m.stateMu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// ResourceState returns the current externally observable status.
func (m *Machine) ResourceState() ResourceState {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.resState
}

// SetResourceState updates the externally observable status, logging an
// informational line on every change to a distinct value.
func (m *Machine) SetResourceState(s ResourceState) {
	m.stateMu.Lock()
	changed := s != m.resState
	m.resState = s
	m.stateMu.Unlock()
	if changed {
		m.logger.Info(m.identity, "resource is %s", s)
	}
}

func (m *Machine) info(format string, args ...any)  { m.logger.Info(m.identity, format, args...) }
func (m *Machine) debug(format string, args ...any) { m.logger.Debug(m.identity, format, args...) }
func (m *Machine) logError(format string, args ...any) { m.logger.Error(m.identity, format, args...) }

// doAlert invokes the configured alert sink for this resource.
func (m *Machine) doAlert() { m.alert(m.identity) }

// newRunner creates a Command Runner bound to this machine's script,
// serialization guard, and log identity.
func (m *Machine) newRunner() (*command.Runner, error) {
	return command.New(m.config.Path, m.adminDir, m.identity, &m.guard, m.logger)
}

// safeGo runs fn in its own goroutine with panic recovery, for the
// timer-replacement goroutines AUTOSTART/MONITOR/RECOVER schedule for their
// next attempt.
func (m *Machine) safeGo(name string, fn func()) {
	util.SafeGo(m.identity+":"+name, m.logOut, fn, nil)
}

// Run is the worker loop: it transitions to BEGIN and then processes
// wake permits until a transition to EXIT has both been observed and had its
// enter run, calling leave(prev) then enter(next) for every permit.
// Callers normally invoke this in its own goroutine.
func (m *Machine) Run() {
	defer close(m.done)
	m.debug("thread is created for resource")
	m.SetState(Begin)

	var lastState MachineState
	haveLast := false

	for {
		<-m.wake
		current := m.State()

		if haveLast {
			m.debug("leave %s state", lastState)
			if obj, ok := m.states[lastState]; ok {
				obj.leave()
			}
		}
		lastState = current
		haveLast = true

		m.debug("enter %s state", current)
		if obj, ok := m.states[current]; ok {
			obj.enter()
		}

		if current == Exit {
			break
		}
	}
	m.debug("exiting thread, bye!")
}

// Cancel requests the worker loop exit: it sets state to EXIT, which after
// running the current state's leave, terminates Run. It does not block;
// callers that need to wait for the worker to finish should read Done().
func (m *Machine) Cancel() {
	m.SetState(Exit)
}

// Done returns a channel closed once Run has returned.
func (m *Machine) Done() <-chan struct{} { return m.done }
