// SPDX-License-Identifier: MIT

package control

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/resmon-go/resmond/internal/logx"
	"github.com/resmon-go/resmond/internal/protocol"
)

// writeChunk is the maximum number of bytes sent per Write call, matching
// the source daemon's event-loop write-readiness chunking.
const writeChunk = 8 * 1024

// Server is the control socket server: it binds a per-profile Unix domain
// socket and accepts multiple concurrent client connections.
//
// The source expresses this as a single-threaded select()-based event loop
// with a self-pipe to unblock on cancel. Go's runtime already multiplexes
// blocking I/O across goroutines, so Server uses one goroutine per accepted
// connection instead, with cancellation delivered by closing the listener
// and every open connection when Serve's context is done. This preserves
// every documented behavior (concurrent connections, a codec and reply
// queue per connection, 8 KiB write chunks, prompt unblocking on cancel)
// without hand-rolling a readiness loop. See DESIGN.md.
type Server struct {
	path       string
	dispatcher *Dispatcher
	logger     logx.Logger
	identity   string

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}

	wg sync.WaitGroup
}

// NewServer builds a Server bound to the eventual Unix socket at path.
func NewServer(path string, dispatcher *Dispatcher, logger logx.Logger, identity string) *Server {
	return &Server{
		path:       path,
		dispatcher: dispatcher,
		logger:     logger,
		identity:   identity,
		conns:      make(map[net.Conn]struct{}),
	}
}

// Serve binds the socket (removing any stale file left by a prior run) and
// accepts connections until ctx is cancelled or Close is called. It returns
// once every in-flight connection handler has finished.
func (s *Server) Serve(ctx context.Context) error {
	_ = os.Remove(s.path)
	l, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-stop:
		}
	}()
	defer close(stop)

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.logger.Error(s.identity, "accept error: %v", err)
			break
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}

	s.wg.Wait()
	return nil
}

// Close unblocks Serve's accept loop and every open connection. Safe to
// call multiple times.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.listener != nil {
		err = s.listener.Close()
		s.listener = nil
		_ = os.Remove(s.path)
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
	return err
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	dec := protocol.NewDecoder(protocol.Command)
	buf := make([]byte, 4096)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				payload, ok := dec.NextPayload()
				if !ok {
					break
				}
				reply := s.dispatcher.Dispatch(payload)
				frame := protocol.Encode(protocol.Reply, []byte(reply))
				if werr := writeChunked(conn, frame); werr != nil {
					return
				}
			}
		}
		if err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func writeChunked(conn net.Conn, data []byte) error {
	for len(data) > 0 {
		chunk := data
		if len(chunk) > writeChunk {
			chunk = chunk[:writeChunk]
		}
		n, err := conn.Write(chunk)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}
