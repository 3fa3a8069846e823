// SPDX-License-Identifier: MIT

package config

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/file"
)

// DefaultAdminDir is the administration directory created at startup for
// per-profile lock files, control sockets, and scratch files.
const DefaultAdminDir = "/var/run/resmon"

// DefaultConfigDir roots the default Path a [Resource] block gets when it
// doesn't specify one: "<DefaultConfigDir>/resource/<name>".
const DefaultConfigDir = "/etc/resmon"

// DefaultLogFile and DefaultLogLevel are the [General] section's defaults
// when the respective keys are omitted from the profile file.
const (
	DefaultLogFile  = "/var/log/resmon.log"
	DefaultLogLevel = 1
)

// DefaultTimeout is substituted for any per-resource timeout key left
// unset in a [Resource] section.
const DefaultTimeout = 30 * time.Second

// monitorTimesSentinel is the on-disk value meaning "treat as effectively
// infinite"; it is translated to config.MonitorUnbounded once parsed.
const monitorTimesSentinel = 9999

// identifierPattern is the grammar's legal identifier: Profile and
// resource Name both match it.
var identifierPattern = regexp.MustCompile(`^[_A-Za-z]\w{0,62}$`)

var (
	sessionLinePattern  = regexp.MustCompile(`^\[(.*)]\s*$`)
	equationLinePattern = regexp.MustCompile(`^([_A-Za-z]\w*)=(\S*)\s*$`)
	leadingSpacePattern = regexp.MustCompile(`^\s+\S+`)
)

// GeneralSection is the parsed and defaulted [General] block: the one
// per-profile-file setting that is not itself a resource.
type GeneralSection struct {
	Profile        string
	LogFile        string
	LogLevel       int
	DefaultTimeout time.Duration
	AdminDir       string
}

// ParseError reports one malformed or invalid line, file and line number
// included so the caller can surface it exactly as the grammar requires.
// Line is 0 when the error is not tied to a specific line (e.g. a missing
// mandatory section).
type ParseError struct {
	File string
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	if e.Line == 0 {
		return fmt.Sprintf("%s: %s", e.File, e.Msg)
	}
	return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Msg)
}

// maxScanErrors stops the scan once this many malformed lines have been
// seen, so one badly mangled file doesn't produce thousands of errors.
const maxScanErrors = 10

// LoadProfile reads and validates the profile file at path, returning its
// [General] section and the fully validated Profile of [Resource] blocks.
func LoadProfile(path string) (*GeneralSection, *Profile, error) {
	data, err := file.Provider(path).ReadBytes()
	if err != nil {
		return nil, nil, fmt.Errorf("read profile %s: %w", path, err)
	}

	rawGen, rawResources, err := scan(path, data)
	if err != nil {
		return nil, nil, err
	}
	if rawGen == nil {
		return nil, nil, &ParseError{File: path, Msg: "[General] section is not defined"}
	}

	general, err := rawGen.complete(path)
	if err != nil {
		return nil, nil, err
	}

	resources := make([]ResourceConfig, 0, len(rawResources))
	seen := make(map[string]struct{}, len(rawResources))
	for _, rr := range rawResources {
		rc, err := rr.complete(path, general.DefaultTimeout)
		if err != nil {
			return nil, nil, err
		}
		if _, dup := seen[rc.Name]; dup {
			return nil, nil, &ParseError{File: path, Msg: fmt.Sprintf("multiple resource %q defined", rc.Name)}
		}
		seen[rc.Name] = struct{}{}
		resources = append(resources, rc)
	}

	return general, &Profile{Name: general.Profile, Resources: resources}, nil
}

// rawGeneral and rawResource accumulate key=value pairs during the scan,
// case-insensitively, before complete() defaults and validates them.
type rawGeneral struct {
	values map[string]string
	file   string
}

type rawResource struct {
	values    map[string]string
	file      string
	startLine int
}

func newRawGeneral(file string) *rawGeneral {
	return &rawGeneral{values: make(map[string]string), file: file}
}

func newRawResource(file string, line int) *rawResource {
	return &rawResource{values: make(map[string]string), file: file, startLine: line}
}

func (g *rawGeneral) add(line int, key, value string) error {
	lower := strings.ToLower(key)
	if _, dup := g.values[lower]; dup {
		return &ParseError{File: g.file, Line: line, Msg: fmt.Sprintf("%q is already specified", key)}
	}
	switch lower {
	case "profile":
		if !identifierPattern.MatchString(value) {
			return &ParseError{File: g.file, Line: line, Msg: fmt.Sprintf("%q is not a valid profile name", value)}
		}
	case "logfile":
		// path validation deferred to complete()
	case "loglevel":
		if _, err := verifyIntValue(value, 0, 3); err != nil {
			return &ParseError{File: g.file, Line: line, Msg: fmt.Sprintf("%q is not valid for %q", value, key)}
		}
	case "defaulttimeout":
		if _, err := verifyIntValue(value, 1, maxInt); err != nil {
			return &ParseError{File: g.file, Line: line, Msg: fmt.Sprintf("%q is not valid for %q", value, key)}
		}
	default:
		return &ParseError{File: g.file, Line: line, Msg: fmt.Sprintf("%q is not a valid key", key)}
	}
	g.values[lower] = value
	return nil
}

func (g *rawGeneral) complete(path string) (*GeneralSection, error) {
	profile, ok := g.values["profile"]
	if !ok {
		base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		if !identifierPattern.MatchString(base) {
			return nil, &ParseError{File: path, Msg: "'Profile' is not specified and the profile filename is not a legal profile name"}
		}
		profile = base
	}

	logFile := DefaultLogFile
	if v, ok := g.values["logfile"]; ok {
		logFile = v
	}
	if info, err := os.Stat(logFile); err == nil && info.IsDir() {
		return nil, &ParseError{File: path, Msg: fmt.Sprintf("%q cannot be a directory", logFile)}
	}

	logLevel := DefaultLogLevel
	if v, ok := g.values["loglevel"]; ok {
		logLevel, _ = strconv.Atoi(v)
	}

	timeout := DefaultTimeout
	if v, ok := g.values["defaulttimeout"]; ok {
		n, _ := strconv.Atoi(v)
		timeout = time.Duration(n) * time.Second
	}

	return &GeneralSection{
		Profile:        profile,
		LogFile:        logFile,
		LogLevel:       logLevel,
		DefaultTimeout: timeout,
		AdminDir:       DefaultAdminDir,
	}, nil
}

// intKeys accept any non-negative value; positiveIntKeys additionally
// reject zero.
var (
	intKeys = []string{"startdelay", "startretryinterval", "monitordelay", "monitorinterval", "monitortimes"}

	positiveIntKeys = []string{"startretrytimes", "monitortimeout", "recovertimeout", "recoverretrytimes",
		"recoverretryinterval", "starttimeout", "stoptimeout", "restarttimeout", "statustimeout"}
)

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (r *rawResource) add(line int, key, value string) error {
	lower := strings.ToLower(key)
	if _, dup := r.values[lower]; dup {
		return &ParseError{File: r.file, Line: line, Msg: fmt.Sprintf("%q is already specified", key)}
	}

	switch {
	case contains(intKeys, lower):
		if _, err := verifyIntValue(value, 0, maxInt); err != nil {
			return &ParseError{File: r.file, Line: line, Msg: fmt.Sprintf("%q is not valid for %q", value, key)}
		}
	case contains(positiveIntKeys, lower):
		if _, err := verifyIntValue(value, 1, maxInt); err != nil {
			return &ParseError{File: r.file, Line: line, Msg: fmt.Sprintf("%q is not valid for %q", value, key)}
		}
	case lower == "monitorthreshold":
		if _, err := verifyIntValue(value, 1, 100); err != nil {
			return &ParseError{File: r.file, Line: line, Msg: fmt.Sprintf("%q is not valid for %q", value, key)}
		}
	case lower == "monitordefault":
		if _, err := verifyIntValue(value, 0, 100); err != nil {
			return &ParseError{File: r.file, Line: line, Msg: fmt.Sprintf("%q is not valid for %q", value, key)}
		}
	case lower == "name":
		if !identifierPattern.MatchString(value) {
			return &ParseError{File: r.file, Line: line, Msg: fmt.Sprintf("%q is not a valid name", value)}
		}
	case lower == "autostart" || lower == "monitor":
		if !strings.EqualFold(value, "yes") && !strings.EqualFold(value, "no") {
			return &ParseError{File: r.file, Line: line, Msg: fmt.Sprintf("%q is not valid for %q", value, key)}
		}
	case lower == "path":
		// path validation deferred to complete()
	case lower == "action":
		a := strings.ToLower(value)
		if a != "none" && a != "recover" && a != "alert" {
			return &ParseError{File: r.file, Line: line, Msg: fmt.Sprintf("%q is not valid for 'Action'", value)}
		}
		value = a
	case lower == "monitorthresholdtimes":
		min, max, err := parseWindow(value)
		if err != nil || max < min {
			return &ParseError{File: r.file, Line: line, Msg: fmt.Sprintf("%q is not valid for 'MonitorThresholdTimes'", value)}
		}
	default:
		return &ParseError{File: r.file, Line: line, Msg: fmt.Sprintf("%q is not a valid key", key)}
	}

	r.values[lower] = value
	return nil
}

const maxInt = int(^uint(0) >> 1)

func verifyIntValue(value string, lower, upper int) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil || n < lower || n > upper {
		return 0, fmt.Errorf("out of range")
	}
	return n, nil
}

func parseWindow(value string) (min, max int, err error) {
	parts := strings.Split(value, ",")
	if len(parts) != 1 && len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected 1 or 2 comma-separated integers")
	}
	nums := make([]int, 0, 2)
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 {
			return 0, 0, fmt.Errorf("%q must be a positive integer", p)
		}
		nums = append(nums, n)
	}
	if len(nums) == 1 {
		nums = append(nums, nums[0])
	}
	return nums[0], nums[1], nil
}

// complete applies defaults (including the dependent and second-level
// dependent defaults original_source/config.py computes), validates the
// accumulated key=value pairs against the filesystem, and produces the
// final ResourceConfig.
func (r *rawResource) complete(path string, defaultTimeout time.Duration) (ResourceConfig, error) {
	fail := func(msg string) error {
		return &ParseError{File: path, Line: r.startLine, Msg: "in this resource, " + msg}
	}

	name, ok := r.values["name"]
	if !ok {
		return ResourceConfig{}, fail("'Name' must be specified")
	}

	rc := ResourceConfig{
		Name:              name,
		AutoStart:         boolValue(r.values, "autostart", false),
		Monitor:           boolValue(r.values, "monitor", false),
		StartDelay:        durationValue(r.values, "startdelay", 0),
		StartRetryTimes:   intValue(r.values, "startretrytimes", 1),
		RecoverRetryTimes: intValue(r.values, "recoverretrytimes", 1),
		MonitorTimes:      intValueWithSentinel(r.values, "monitortimes", monitorTimesSentinel),
		MonitorThreshold:  intValue(r.values, "monitorthreshold", 50),
		MonitorDefault:    intValue(r.values, "monitordefault", 0),
	}

	rc.MonitorThresholdTimes = Window{Min: 1, Max: 1}
	if v, ok := r.values["monitorthresholdtimes"]; ok {
		min, max, _ := parseWindow(v)
		rc.MonitorThresholdTimes = Window{Min: min, Max: max}
	}

	action := ActionAlert
	if v, ok := r.values["action"]; ok {
		action, _ = ParseAction(v)
	}
	rc.Action = action

	rc.MonitorTimeout = durationOrDefault(r.values, "monitortimeout", defaultTimeout)
	rc.RecoverTimeout = durationOrDefault(r.values, "recovertimeout", defaultTimeout)
	rc.StartTimeout = durationOrDefault(r.values, "starttimeout", defaultTimeout)
	rc.StopTimeout = durationOrDefault(r.values, "stoptimeout", defaultTimeout)
	rc.StatusTimeout = durationOrDefault(r.values, "statustimeout", defaultTimeout)

	if rc.Monitor {
		if _, ok := r.values["monitorinterval"]; !ok {
			return ResourceConfig{}, fail("'MonitorInterval' must be specified")
		}
	}
	rc.MonitorInterval = durationValue(r.values, "monitorinterval", 0)

	rc.Path = r.values["path"]
	if rc.Path == "" {
		rc.Path = filepath.Join(DefaultConfigDir, "resource", rc.Name)
	}
	rc.RestartTimeout = durationOrDefault(r.values, "restarttimeout", rc.StartTimeout+rc.StopTimeout)
	rc.StartRetryInterval = durationOrDefault(r.values, "startretryinterval", rc.StartTimeout)
	rc.RecoverRetryInterval = durationOrDefault(r.values, "recoverretryinterval", rc.RecoverTimeout)

	if _, ok := r.values["monitordelay"]; ok {
		rc.MonitorDelay = durationValue(r.values, "monitordelay", 0)
	} else {
		rc.MonitorDelay = rc.MonitorInterval
	}

	info, err := os.Stat(rc.Path)
	if err != nil {
		return ResourceConfig{}, fail(fmt.Sprintf("path %q does not exist", rc.Path))
	}
	if info.Mode()&0111 == 0 {
		return ResourceConfig{}, fail(fmt.Sprintf("file %q is not executable", rc.Path))
	}
	if rc.Monitor && rc.MonitorInterval < rc.MonitorTimeout {
		return ResourceConfig{}, fail("'MonitorInterval' must not be less than 'MonitorTimeout'")
	}
	if rc.RecoverRetryInterval < rc.RecoverTimeout {
		return ResourceConfig{}, fail("'RecoverRetryInterval' must not be less than 'RecoverTimeout'")
	}
	if rc.MonitorThresholdTimes.Min > rc.MonitorThresholdTimes.Max {
		return ResourceConfig{}, fail("'MonitorThresholdTimes' minimum must not exceed its maximum")
	}

	return rc, nil
}

func boolValue(m map[string]string, key string, def bool) bool {
	v, ok := m[key]
	if !ok {
		return def
	}
	return strings.EqualFold(v, "yes")
}

func intValue(m map[string]string, key string, def int) int {
	v, ok := m[key]
	if !ok {
		return def
	}
	n, _ := strconv.Atoi(v)
	return n
}

// intValueWithSentinel substitutes MonitorUnbounded for the grammar's
// documented "effectively infinite" sentinel value (see the Open Question
// this resolves: MonitorUnbounded is math.MaxInt64, not literally 9999).
func intValueWithSentinel(m map[string]string, key string, sentinel int) int {
	v, ok := m[key]
	if !ok {
		return MonitorUnbounded
	}
	n, _ := strconv.Atoi(v)
	if n == sentinel {
		return MonitorUnbounded
	}
	return n
}

func durationValue(m map[string]string, key string, def time.Duration) time.Duration {
	v, ok := m[key]
	if !ok {
		return def
	}
	n, _ := strconv.Atoi(v)
	return time.Duration(n) * time.Second
}

func durationOrDefault(m map[string]string, key string, def time.Duration) time.Duration {
	return durationValue(m, key, def)
}

// scan runs a single-pass line scanner over a profile file's raw bytes,
// accumulating one *rawGeneral and any number of *rawResource blocks. It
// mirrors original_source/config.py's line-oriented grammar: comments
// start with ';' or '#', sections are "[General]" or "[Resource]" (the
// latter may repeat, which a conventional INI library's unique-section-key
// model cannot express), and all other non-blank lines are "key=value".
func scan(path string, data []byte) (*rawGeneral, []*rawResource, error) {
	var general *rawGeneral
	var current *rawResource
	var resources []*rawResource
	var errs []error

	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if len(errs) >= maxScanErrors {
			break
		}
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, ";") || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if leadingSpacePattern.MatchString(line) {
			return nil, nil, &ParseError{File: path, Line: lineNo, Msg: "improper leading space"}
		}

		if m := sessionLinePattern.FindStringSubmatch(line); m != nil {
			switch strings.ToLower(m[1]) {
			case "general":
				if current != nil {
					resources = append(resources, current)
					current = nil
				}
				if general != nil {
					return nil, nil, &ParseError{File: path, Line: lineNo, Msg: "[General] section is already defined"}
				}
				general = newRawGeneral(path)
			case "resource":
				if current != nil {
					resources = append(resources, current)
				}
				current = newRawResource(path, lineNo)
			default:
				errs = append(errs, &ParseError{File: path, Line: lineNo, Msg: fmt.Sprintf("unknown section %q", m[1])})
			}
			continue
		}

		if m := equationLinePattern.FindStringSubmatch(line); m != nil {
			key, value := m[1], m[2]
			var err error
			switch {
			case current != nil:
				err = current.add(lineNo, key, value)
			case general != nil:
				err = general.add(lineNo, key, value)
			default:
				err = &ParseError{File: path, Line: lineNo, Msg: "expected [General] or [Resource]"}
			}
			if err != nil {
				return nil, nil, err
			}
			continue
		}

		errs = append(errs, &ParseError{File: path, Line: lineNo, Msg: "malformed line"})
	}
	if len(errs) > 0 {
		return nil, nil, errors.Join(errs...)
	}
	if current != nil {
		resources = append(resources, current)
	}

	return general, resources, nil
}
