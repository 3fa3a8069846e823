package control

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/resmon-go/resmond/internal/config"
	"github.com/resmon-go/resmond/internal/protocol"
	"github.com/resmon-go/resmond/internal/resource"
)

func TestServerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "profile-p.sock")

	m := newTestMachine(t, "svc", false)
	machines := map[string]*resource.Machine{"svc": m}
	profile := &config.Profile{Name: "p", Resources: []config.ResourceConfig{m.Config()}}
	d := NewDispatcher(profile, machines, "", 0)

	srv := NewServer(sockPath, d, nullLogger{}, "p")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Serve(ctx) }()

	var conn net.Conn
	var err error
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err = net.Dial("unix", sockPath)
		if err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	frame := protocol.Encode(protocol.Command, encodeVerb(VerbStartResource, "svc"))
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	dec := protocol.NewDecoder(protocol.Reply)
	buf := make([]byte, 4096)
	var payload []byte
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			if p, ok := dec.NextPayload(); ok {
				payload = p
				break
			}
		}
		if err != nil {
			t.Fatalf("read before a reply arrived: %v", err)
		}
	}

	want := "svc is already started"
	if string(payload) != want {
		t.Errorf("reply = %q, want %q", payload, want)
	}

	cancel()
	select {
	case <-serveDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after context cancellation")
	}
}
