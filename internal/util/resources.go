// SPDX-License-Identifier: MIT

package util

import (
	"fmt"
	"os"
	"sync"
)

// ResourceTracker tracks open files and processes for cleanup verification.
//
// A Command Runner tracks its side-channel message file and spawned child
// process through one of these for the lifetime of each, so that a forgotten
// Close or a leaked child surfaces as a LeakedResources entry instead of
// silently accumulating across a long-running daemon.
type ResourceTracker struct {
	mu        sync.Mutex
	files     map[string]*os.File
	processes map[string]*os.Process
}

// NewResourceTracker creates a new resource tracker.
func NewResourceTracker() *ResourceTracker {
	return &ResourceTracker{
		files:     make(map[string]*os.File),
		processes: make(map[string]*os.Process),
	}
}

// TrackFile registers a file for tracking.
func (rt *ResourceTracker) TrackFile(name string, file *os.File) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.files[name] = file
}

// UntrackFile unregisters a file.
func (rt *ResourceTracker) UntrackFile(name string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.files, name)
}

// TrackProcess registers a process for tracking.
func (rt *ResourceTracker) TrackProcess(name string, process *os.Process) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.processes[name] = process
}

// UntrackProcess unregisters a process.
func (rt *ResourceTracker) UntrackProcess(name string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.processes, name)
}

// LeakedResources returns names of all resources still being tracked.
//
// In tests, this should return an empty slice if all resources were
// properly cleaned up.
func (rt *ResourceTracker) LeakedResources() []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	var leaked []string

	for name := range rt.files {
		leaked = append(leaked, fmt.Sprintf("file:%s", name))
	}

	for name := range rt.processes {
		leaked = append(leaked, fmt.Sprintf("process:%s", name))
	}

	return leaked
}
