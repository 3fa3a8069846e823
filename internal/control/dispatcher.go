// SPDX-License-Identifier: MIT

// Package control implements the control socket server and command
// dispatcher: the local control-plane surface that reads framed commands
// off a per-profile Unix socket and mutates the matching ResourceMachine's
// state.
package control

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/resmon-go/resmond/internal/config"
	"github.com/resmon-go/resmond/internal/logx"
	"github.com/resmon-go/resmond/internal/resource"
)

// Command verb codes.
const (
	VerbShowProfile   = 0
	VerbShowResource  = 1
	VerbStartProfile  = 2
	VerbStartResource = 3
	VerbStopProfile   = 4
	VerbStopResource  = 5
)

// Dispatcher executes decoded command payloads against one profile's fixed
// set of ResourceMachines. Its only blocking operation is the log-tail read
// for SHOW_RESOURCE, which is best-effort and bounded by the log file size.
type Dispatcher struct {
	profile  *config.Profile
	machines map[string]*resource.Machine
	logPath  string
	pid      int
}

// NewDispatcher builds a Dispatcher for profile, looking resources up by
// name in machines. logPath and pid are the daemon's own log file and
// process ID, used by SHOW_RESOURCE's log-tail filter.
func NewDispatcher(profile *config.Profile, machines map[string]*resource.Machine, logPath string, pid int) *Dispatcher {
	return &Dispatcher{profile: profile, machines: machines, logPath: logPath, pid: pid}
}

// Dispatch decodes one command payload (2-byte little-endian verb code plus
// an ASCII argument) and returns the reply text.
func (d *Dispatcher) Dispatch(payload []byte) string {
	if len(payload) < 2 {
		return "internal error: malformed command"
	}
	verb := binary.LittleEndian.Uint16(payload[0:2])
	arg := string(payload[2:])

	switch verb {
	case VerbShowProfile:
		return d.showProfile()
	case VerbShowResource:
		return d.showResource(arg)
	case VerbStartProfile, VerbStopProfile:
		return "reserved, not implemented"
	case VerbStartResource:
		return d.startResource(arg)
	case VerbStopResource:
		return d.stopResource(arg)
	default:
		return fmt.Sprintf("internal error: unknown command %d", verb)
	}
}

func (d *Dispatcher) showProfile() string {
	var b strings.Builder
	fmt.Fprintf(&b, "profile %s\n", d.profile.Name)
	for _, rc := range d.profile.Resources {
		m, ok := d.machines[rc.Name]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "  %s: %s%s\n", rc.Name, m.ResourceState(), actionSuffix(m.State()))
	}
	return b.String()
}

func (d *Dispatcher) showResource(name string) string {
	m, ok := d.machines[name]
	if !ok {
		return "no such resource"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s%s\n", name, m.ResourceState(), actionSuffix(m.State()))

	if d.logPath != "" {
		lines, err := logx.TailFiltered(d.logPath, d.pid, m.Identity())
		if err == nil && len(lines) > 0 {
			b.WriteString("events:\n")
			for _, l := range lines {
				b.WriteString(l)
				b.WriteString("\n")
			}
		}
	}
	return b.String()
}

func (d *Dispatcher) startResource(name string) string {
	m, ok := d.machines[name]
	if !ok {
		return "no such resource"
	}
	if m.ResourceState() == resource.ResourceStarted {
		return fmt.Sprintf("%s is already started", name)
	}
	switch m.State() {
	case resource.Start, resource.AutoStart, resource.Recover, resource.Monitor:
		return fmt.Sprintf("%s is already starting", name)
	default:
		m.SetState(resource.Start)
		return fmt.Sprintf("%s is starting", name)
	}
}

func (d *Dispatcher) stopResource(name string) string {
	m, ok := d.machines[name]
	if !ok {
		return "no such resource"
	}
	if m.ResourceState() == resource.ResourceStopped {
		return fmt.Sprintf("%s is already stopped", name)
	}
	m.SetState(resource.Stop)
	return fmt.Sprintf("%s is stopping", name)
}

func actionSuffix(s resource.MachineState) string {
	switch s {
	case resource.AutoStart:
		return " (AUTOSTART)"
	case resource.Recover:
		return " (RECOVER)"
	case resource.Monitor:
		return " (MONITOR)"
	default:
		return ""
	}
}
