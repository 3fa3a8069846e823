// SPDX-License-Identifier: MIT

// Command resmond is the resource supervision daemon: given a profile file
// it loads, validates, and then supervises every configured [Resource]
// through its lifecycle, while serving a control socket for ad hoc
// start/stop/show requests.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/resmon-go/resmond/internal/config"
	"github.com/resmon-go/resmond/internal/control"
	"github.com/resmon-go/resmond/internal/lock"
	"github.com/resmon-go/resmond/internal/logx"
	"github.com/resmon-go/resmond/internal/resource"
	"github.com/resmon-go/resmond/internal/supervisor"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run performs startup and supervision, returning the process exit code:
// 0 on clean shutdown, 1 on a configuration or bootstrap error.
func run(args []string) int {
	fs := flag.NewFlagSet("resmond", flag.ContinueOnError)
	profilePath := fs.String("profile", "", "path to the profile file to supervise")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *profilePath == "" {
		fmt.Fprintln(os.Stderr, "resmond: -profile is required")
		return 1
	}

	general, profile, err := config.LoadProfile(*profilePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resmond: loading profile: %v\n", err)
		return 1
	}
	if err := config.ApplyEnv(general); err != nil {
		fmt.Fprintf(os.Stderr, "resmond: applying environment overrides: %v\n", err)
		return 1
	}

	logWriter, err := logx.NewRotatingWriter(general.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resmond: opening log file %s: %v\n", general.LogFile, err)
		return 1
	}
	defer logWriter.Close()
	sink := logx.New(logWriter, logx.Level(general.LogLevel))
	identity := profile.Name

	adminDir := filepath.Join(general.AdminDir, profile.Name)
	// #nosec G301 -- admin directory is shared scratch space for this profile's sockets and lock
	if err := os.MkdirAll(adminDir, 0755); err != nil {
		sink.Fatal(identity, "creating admin directory %s: %v", adminDir, err)
		return 1
	}

	fl, err := lock.NewFileLock(filepath.Join(adminDir, "profile-"+profile.Name+".lock"))
	if err != nil {
		sink.Fatal(identity, "preparing lock: %v", err)
		return 1
	}
	if err := fl.Acquire(lock.DefaultAcquireTimeout); err != nil {
		sink.Fatal(identity, "another resmond is already supervising profile %q: %v", profile.Name, err)
		return 1
	}
	defer fl.Close()

	sink.Info(identity, "resmond starting, profile=%s resources=%d", profile.Name, len(profile.Resources))

	sup := supervisor.New(supervisor.Config{
		Name:   "resmond:" + profile.Name,
		Logger: nil,
	})

	machines := make(map[string]*resource.Machine, len(profile.Resources))
	for _, rc := range profile.Resources {
		m := resource.New(profile.Name, rc, adminDir, sink, sink.Writer(), alertLogger(sink))
		machines[rc.Name] = m
		if err := sup.Add(machineService{m: m}); err != nil {
			sink.Error(identity, "adding resource %s to supervisor: %v", rc.Name, err)
		}
	}

	socketPath := filepath.Join(adminDir, "profile-"+profile.Name+".sock")
	dispatcher := control.NewDispatcher(profile, machines, general.LogFile, os.Getpid())
	server := control.NewServer(socketPath, dispatcher, sink, identity)
	if err := sup.Add(serverService{name: "control:" + profile.Name, server: server}); err != nil {
		sink.Error(identity, "adding control server to supervisor: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var watchWG sync.WaitGroup
	watchWG.Add(1)
	go func() {
		defer watchWG.Done()
		if err := config.WatchProfile(ctx, *profilePath, sink); err != nil {
			sink.Error(identity, "profile watch stopped: %v", err)
		}
	}()

	err = sup.Run(ctx)
	cancel()
	for _, m := range machines {
		m.Cancel()
	}
	for _, m := range machines {
		<-m.Done()
	}
	_ = server.Close()
	watchWG.Wait()

	if err != nil {
		sink.Fatal(identity, "supervisor exited: %v", err)
		return 1
	}
	sink.Info(identity, "resmond stopped cleanly")
	return 0
}

// alertLogger builds the default AlertFunc: a resource whose MONITOR window
// crosses threshold with Action=alert just gets a loud log line, there is no
// separate notification channel in this daemon.
func alertLogger(sink *logx.Sink) resource.AlertFunc {
	return func(identity string) {
		sink.Error(identity, "ALERT: resource crossed its monitor threshold")
	}
}

// machineService adapts *resource.Machine to supervisor.Service.
type machineService struct {
	m *resource.Machine
}

func (s machineService) Name() string { return s.m.Identity() }

func (s machineService) Run(ctx context.Context) error {
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.m.Cancel()
		case <-stop:
		}
	}()
	defer close(stop)
	s.m.Run()
	return nil
}

// serverService adapts *control.Server to supervisor.Service.
type serverService struct {
	name   string
	server *control.Server
}

func (s serverService) Name() string { return s.name }

func (s serverService) Run(ctx context.Context) error {
	err := s.server.Serve(ctx)
	if err != nil && errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return err
}
