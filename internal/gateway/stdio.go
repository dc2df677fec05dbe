package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
)

// StdioConn adapts stdin/stdout to the connection interface: one JSON frame
// per line in each direction. There is no backpressure shedding on stdio;
// the pipe blocks instead.
type StdioConn struct {
	mu  sync.Mutex
	out io.Writer
}

// NewStdioConn wraps the output side of the pipe.
func NewStdioConn(out io.Writer) *StdioConn {
	return &StdioConn{out: out}
}

// ID implements sessions.Conn.
func (c *StdioConn) ID() string { return "stdio" }

// Send writes one newline-delimited JSON frame.
func (c *StdioConn) Send(v any, critical bool) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.out.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("stdio write: %w", err)
	}
	return nil
}

// RunStdio serves the stdio transport until EOF or context cancellation.
// The same engine backs both transports, so a stdio client sees the same
// sessions a WebSocket client created.
func (s *Server) RunStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	s.baseCtx = context.WithoutCancel(ctx)
	conn := NewStdioConn(out)
	s.registerClient(conn)
	defer s.unregisterClient(conn)

	if err := conn.Send(s.readyFrame(), true); err != nil {
		return err
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), s.cfg.MaxMessageBytes+1024)

	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				wg.Wait()
				return scanner.Err()
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			wg.Add(1)
			go func(data []byte) {
				defer wg.Done()
				s.dispatch(conn, data)
			}(append([]byte(nil), line...))
		}
	}
}
