// SPDX-License-Identifier: MIT

// Package resource implements the per-resource state machine: one worker
// per configured resource, driving it through BEGIN/START/STOP/STARTED/
// STOPPED/AUTOSTART/MONITOR/RECOVER/FAILED/IDLE/EXIT via a Command Runner.
//
// It is grounded on the source daemon's resource.py: MachineState and
// ResourceState are its two enums, BaseState/SimpleMethodState and the ten
// concrete states are its state classes, and ResourceMachine is its
// threading.Thread-based worker, reshaped around a Go worker goroutine and
// a coalescing wake channel instead of a semaphore.
package resource

import "fmt"

// MachineState is the internal supervision state of one resource.
type MachineState int

const (
	Begin MachineState = iota
	Start
	Stop
	Started
	Stopped
	AutoStart
	Monitor
	Recover
	Failed
	Idle
	Exit
)

func (s MachineState) String() string {
	switch s {
	case Begin:
		return "BEGIN"
	case Start:
		return "START"
	case Stop:
		return "STOP"
	case Started:
		return "STARTED"
	case Stopped:
		return "STOPPED"
	case AutoStart:
		return "AUTOSTART"
	case Monitor:
		return "MONITOR"
	case Recover:
		return "RECOVER"
	case Failed:
		return "FAILED"
	case Idle:
		return "IDLE"
	case Exit:
		return "EXIT"
	default:
		return fmt.Sprintf("MachineState(%d)", int(s))
	}
}

// ResourceState is the externally visible status of a resource.
type ResourceState int

const (
	ResourceStarted ResourceState = iota
	ResourceStopped
	ResourceFailed
	ResourceNone
)

func (s ResourceState) String() string {
	switch s {
	case ResourceStarted:
		return "STARTED"
	case ResourceStopped:
		return "STOPPED"
	case ResourceFailed:
		return "FAILED"
	default:
		return "NONE"
	}
}
