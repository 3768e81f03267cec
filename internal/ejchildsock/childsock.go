// Package ejchildsock implements the local stream socket described in
// spec.md §6.5: a unix-domain socket the builder orchestrator opens for
// each script invocation, over which newline-delimited JSON events are
// exchanged with the child process. Enriched from buildkite-agent's
// internal/socket (Server/Client over net.Listen("unix", ...)), adapted
// from HTTP-over-socket framing to raw newline-JSON framing per the
// original Rust UnixStream + serde_json protocol.
package ejchildsock

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
)

// Event is a frame exchanged over the child socket, written as one JSON
// object per line with the event name under "tag" ({"tag":"Exit"}). Only
// "Exit" is sent by the dispatcher side. The bare-string form that
// serde_json gives a Rust unit enum variant ("Exit") is neither written
// nor accepted by ReadEvent.
type Event struct {
	Tag string `json:"tag"`
}

// ExitEvent is the graceful-shutdown notification sent to an attached
// child during orchestrator cancellation (§4.B step a).
var ExitEvent = Event{Tag: "Exit"}

// Ack is written by the builder SDK side in reply to Exit. Per spec §9
// open question 2, nothing on the dispatcher side ever reads this value;
// it exists for forward compatibility with a future spooling client and
// is intentionally a no-op today.
type Ack struct {
	Tag string `json:"tag"`
}

// Server listens on a unix socket path and accepts exactly one connection
// per invocation — the attached child process. It is created fresh for
// each script invocation and removed afterward.
type Server struct {
	path string
	ln   net.Listener

	mu   sync.Mutex
	conn net.Conn
}

// Listen creates the socket at path, removing any stale file left behind
// by a previous (crashed) invocation.
func Listen(path string) (*Server, error) {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listening on child socket %s: %w", path, err)
	}
	return &Server{path: path, ln: ln}, nil
}

// Path returns the socket path, suitable for passing as the script's
// last argument.
func (s *Server) Path() string { return s.path }

// Accept blocks until the attached child connects. Safe to call once.
func (s *Server) Accept() error {
	conn, err := s.ln.Accept()
	if err != nil {
		return fmt.Errorf("accepting child connection: %w", err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return nil
}

// SendExit writes the Exit event to the attached child, if connected.
// It does not wait for or read an Ack (§9 open question 2: the Ack is
// written by the builder SDK but never consumed here).
func (s *Server) SendExit() error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	data, err := json.Marshal(ExitEvent)
	if err != nil {
		return fmt.Errorf("marshaling exit event: %w", err)
	}
	_, err = conn.Write(append(data, '\n'))
	return err
}

// Close shuts down the listener and any accepted connection, and removes
// the socket file.
func (s *Server) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	err := s.ln.Close()
	_ = os.Remove(s.path)
	return err
}

// Client is the builder-SDK side: a script connects to the socket path
// passed as its last argument, reads Exit events, and writes an Ack.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
}

// Dial connects to the dispatcher-owned child socket at path.
func Dial(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("dialing child socket %s: %w", path, err)
	}
	return &Client{conn: conn, reader: bufio.NewReader(conn)}, nil
}

// ReadEvent blocks for the next newline-delimited JSON event.
func (c *Client) ReadEvent() (Event, error) {
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return Event{}, err
	}
	var e Event
	if err := json.Unmarshal(line, &e); err != nil {
		return Event{}, fmt.Errorf("decoding child socket event: %w", err)
	}
	return e, nil
}

// SendAck writes the Ack frame. Per spec §9, the dispatcher-side Server
// never reads this; callers SHOULD NOT rely on it being observed.
func (c *Client) SendAck() error {
	data, err := json.Marshal(Ack{Tag: "Ack"})
	if err != nil {
		return err
	}
	_, err = c.conn.Write(append(data, '\n'))
	return err
}

func (c *Client) Close() error { return c.conn.Close() }
