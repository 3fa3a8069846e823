// SPDX-License-Identifier: MIT

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeExecutable(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0755); err != nil {
		t.Fatalf("write executable: %v", err)
	}
	return path
}

func writeProfile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	return path
}

func TestLoadProfileMinimal(t *testing.T) {
	dir := t.TempDir()
	script := writeExecutable(t, dir, "svc.sh")

	path := writeProfile(t, dir, "demo.conf", `
[General]
Profile=demo

[Resource]
Name=svc
Path=`+script+`
`)

	general, profile, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	if general.Profile != "demo" {
		t.Errorf("Profile = %q, want demo", general.Profile)
	}
	if len(profile.Resources) != 1 {
		t.Fatalf("got %d resources, want 1", len(profile.Resources))
	}
	rc := profile.Resources[0]
	if rc.Name != "svc" {
		t.Errorf("Name = %q, want svc", rc.Name)
	}
	if rc.AutoStart {
		t.Error("AutoStart should default to false")
	}
	if rc.MonitorTimes != MonitorUnbounded {
		t.Errorf("MonitorTimes = %d, want MonitorUnbounded (key omitted)", rc.MonitorTimes)
	}
	if rc.Action != ActionAlert {
		t.Errorf("Action = %v, want ActionAlert", rc.Action)
	}
}

func TestLoadProfileDependentDefaults(t *testing.T) {
	dir := t.TempDir()
	script := writeExecutable(t, dir, "svc.sh")

	path := writeProfile(t, dir, "demo.conf", `
[General]
Profile=demo
DefaultTimeout=5

[Resource]
Name=svc
Path=`+script+`
`)

	_, profile, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	rc := profile.Resources[0]
	if rc.StartTimeout != 5*time.Second {
		t.Errorf("StartTimeout = %v, want 5s", rc.StartTimeout)
	}
	if rc.RestartTimeout != rc.StartTimeout+rc.StopTimeout {
		t.Errorf("RestartTimeout = %v, want StartTimeout+StopTimeout", rc.RestartTimeout)
	}
	if rc.StartRetryInterval != rc.StartTimeout {
		t.Errorf("StartRetryInterval = %v, want StartTimeout", rc.StartRetryInterval)
	}
	if rc.RecoverRetryInterval != rc.RecoverTimeout {
		t.Errorf("RecoverRetryInterval = %v, want RecoverTimeout", rc.RecoverRetryInterval)
	}
}

func TestLoadProfileDefaultPath(t *testing.T) {
	dir := t.TempDir()

	path := writeProfile(t, dir, "demo.conf", `
[General]
Profile=demo

[Resource]
Name=svc
`)

	_, _, err := LoadProfile(path)
	if err == nil {
		t.Fatal("expected an error: default Path does not exist on this machine")
	}
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want a *ParseError", err)
	}
}

func TestLoadProfileMonitorRequiresInterval(t *testing.T) {
	dir := t.TempDir()
	script := writeExecutable(t, dir, "svc.sh")

	path := writeProfile(t, dir, "demo.conf", `
[General]
Profile=demo

[Resource]
Name=svc
Path=`+script+`
Monitor=yes
`)

	_, _, err := LoadProfile(path)
	if err == nil {
		t.Fatal("expected an error: Monitor=yes without MonitorInterval")
	}
}

func TestLoadProfileMonitorIntervalBelowTimeout(t *testing.T) {
	dir := t.TempDir()
	script := writeExecutable(t, dir, "svc.sh")

	path := writeProfile(t, dir, "demo.conf", `
[General]
Profile=demo

[Resource]
Name=svc
Path=`+script+`
Monitor=yes
MonitorInterval=1
MonitorTimeout=5
`)

	_, _, err := LoadProfile(path)
	if err == nil {
		t.Fatal("expected an error: MonitorInterval below MonitorTimeout")
	}
}

func TestLoadProfileRecoverRetryIntervalBelowTimeout(t *testing.T) {
	dir := t.TempDir()
	script := writeExecutable(t, dir, "svc.sh")

	path := writeProfile(t, dir, "demo.conf", `
[General]
Profile=demo

[Resource]
Name=svc
Path=`+script+`
RecoverTimeout=10
RecoverRetryInterval=1
`)

	_, _, err := LoadProfile(path)
	if err == nil {
		t.Fatal("expected an error: RecoverRetryInterval below RecoverTimeout")
	}
}

func TestLoadProfileMonitorThresholdTimesInvalid(t *testing.T) {
	dir := t.TempDir()
	script := writeExecutable(t, dir, "svc.sh")

	path := writeProfile(t, dir, "demo.conf", `
[General]
Profile=demo

[Resource]
Name=svc
Path=`+script+`
MonitorThresholdTimes=5,2
`)

	_, _, err := LoadProfile(path)
	if err == nil {
		t.Fatal("expected an error: MonitorThresholdTimes min > max")
	}
}

func TestLoadProfileDuplicateResourceName(t *testing.T) {
	dir := t.TempDir()
	script := writeExecutable(t, dir, "svc.sh")

	path := writeProfile(t, dir, "demo.conf", `
[General]
Profile=demo

[Resource]
Name=svc
Path=`+script+`

[Resource]
Name=svc
Path=`+script+`
`)

	_, _, err := LoadProfile(path)
	if err == nil {
		t.Fatal("expected an error: duplicate resource name")
	}
}

func TestLoadProfileMissingGeneralSection(t *testing.T) {
	dir := t.TempDir()
	script := writeExecutable(t, dir, "svc.sh")

	path := writeProfile(t, dir, "demo.conf", `
[Resource]
Name=svc
Path=`+script+`
`)

	_, _, err := LoadProfile(path)
	if err == nil {
		t.Fatal("expected an error: missing [General] section")
	}
}

func TestLoadProfileUnknownKey(t *testing.T) {
	dir := t.TempDir()

	path := writeProfile(t, dir, "demo.conf", `
[General]
Profile=demo
Bogus=1
`)

	_, _, err := LoadProfile(path)
	if err == nil {
		t.Fatal("expected an error: unknown key in [General]")
	}
}

func TestLoadProfileLeadingSpaceIsAnError(t *testing.T) {
	dir := t.TempDir()

	path := writeProfile(t, dir, "demo.conf", "[General]\n Profile=demo\n")

	_, _, err := LoadProfile(path)
	if err == nil {
		t.Fatal("expected an error: leading space before a key")
	}
}

func TestLoadProfileCommentsAndBlankLinesIgnored(t *testing.T) {
	dir := t.TempDir()
	script := writeExecutable(t, dir, "svc.sh")

	path := writeProfile(t, dir, "demo.conf", `
; a comment
[General]
# another comment
Profile=demo

[Resource]
Name=svc
Path=`+script+`
`)

	_, profile, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	if len(profile.Resources) != 1 {
		t.Fatalf("got %d resources, want 1", len(profile.Resources))
	}
}

func TestLoadProfileMonitorTimesSentinel(t *testing.T) {
	dir := t.TempDir()
	script := writeExecutable(t, dir, "svc.sh")

	path := writeProfile(t, dir, "demo.conf", `
[General]
Profile=demo

[Resource]
Name=svc
Path=`+script+`
MonitorTimes=9999
`)

	_, profile, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	if profile.Resources[0].MonitorTimes != MonitorUnbounded {
		t.Errorf("MonitorTimes = %d, want MonitorUnbounded", profile.Resources[0].MonitorTimes)
	}
}

func TestLoadProfileNameDefaultsFromFilename(t *testing.T) {
	dir := t.TempDir()
	script := writeExecutable(t, dir, "svc.sh")

	path := writeProfile(t, dir, "webapp.conf", `
[General]

[Resource]
Name=svc
Path=`+script+`
`)

	general, _, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	if general.Profile != "webapp" {
		t.Errorf("Profile = %q, want webapp (from filename)", general.Profile)
	}
}

