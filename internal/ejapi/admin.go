package ejapi

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/ejdispatch/ej/internal/ejauth"
	"github.com/ejdispatch/ej/internal/ejengine"
	"github.com/ejdispatch/ej/internal/ejmodel"
)

// adminMessage is a decoded line from the admin side-channel (§4.E, §6.3):
// `{"CreateRootUser": {...}}` or `{"Dispatch": {...}}`.
type adminMessage struct {
	createRootUser *createRootUserPayload
	dispatch       *adminDispatchPayload
}

type createRootUserPayload struct {
	Name   string `json:"name"`
	Secret string `json:"secret"`
}

type adminDispatchPayload struct {
	Job     ejmodel.JobSubmission `json:"job"`
	Timeout time.Duration         `json:"timeout"`
}

func decodeAdminMessage(line []byte) (adminMessage, error) {
	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(line, &tagged); err != nil {
		return adminMessage{}, fmt.Errorf("ejapi: decoding admin message: %w", err)
	}

	if raw, ok := tagged["CreateRootUser"]; ok {
		var p createRootUserPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return adminMessage{}, fmt.Errorf("ejapi: decoding CreateRootUser payload: %w", err)
		}
		return adminMessage{createRootUser: &p}, nil
	}
	if raw, ok := tagged["Dispatch"]; ok {
		var p adminDispatchPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return adminMessage{}, fmt.Errorf("ejapi: decoding Dispatch payload: %w", err)
		}
		return adminMessage{dispatch: &p}, nil
	}

	return adminMessage{}, fmt.Errorf("ejapi: unrecognized admin message: %s", line)
}

// handleAdminConn reads exactly one line-delimited JSON message from conn,
// handles it, and closes the connection once its response sequence
// completes — mirroring the original Rust admin socket's one-message-per-
// connection protocol.
func (s *Server) handleAdminConn(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return
	}

	msg, err := decodeAdminMessage(line)
	if err != nil {
		s.logger.Warn("admin socket: failed to parse message", "error", err)
		writeAdminFrame(conn, map[string]any{"Error": err.Error()})
		return
	}

	switch {
	case msg.createRootUser != nil:
		s.handleCreateRootUser(conn, *msg.createRootUser)
	case msg.dispatch != nil:
		s.handleAdminDispatch(conn, *msg.dispatch)
	}
}

// handleCreateRootUser implements §4.E "CreateRootUser(payload) —
// permitted only when no client exists; creates a client and grants
// every permission".
func (s *Server) handleCreateRootUser(conn net.Conn, payload createRootUserPayload) {
	count, err := s.cfg.Store.ClientCount()
	if err != nil {
		writeAdminFrame(conn, map[string]any{"Error": err.Error()})
		return
	}
	if count > 0 {
		writeAdminFrame(conn, map[string]any{"Error": "a client already exists"})
		return
	}

	hash, err := ejauth.HashPassword(payload.Secret)
	if err != nil {
		writeAdminFrame(conn, map[string]any{"Error": err.Error()})
		return
	}

	client, err := s.cfg.Store.CreateClient(payload.Name, hash)
	if err != nil {
		writeAdminFrame(conn, map[string]any{"Error": err.Error()})
		return
	}
	if err := s.cfg.Store.GrantAllPermissions(client.ID); err != nil {
		s.logger.Error("granting root permissions", "client", client.ID, "error", err)
	}

	writeAdminFrame(conn, map[string]any{"CreateRootUserOk": clientResponse{ID: client.ID, Name: client.Name}})
}

// handleAdminDispatch implements §4.E "Dispatch(job, timeout) — streams
// DispatchOk(job) followed by a sequence of JobUpdate(...) frames until a
// terminal update, then closes".
func (s *Server) handleAdminDispatch(conn net.Conn, payload adminDispatchPayload) {
	if payload.Timeout <= 0 {
		writeAdminFrame(conn, map[string]any{"Error": "timeout must be positive"})
		return
	}

	job, err := s.cfg.Store.CreateJob(payload.Job)
	if err != nil {
		writeAdminFrame(conn, map[string]any{"Error": err.Error()})
		return
	}

	writeAdminFrame(conn, map[string]any{"DispatchOk": job.Deployable()})

	sink := newAdminSink(conn)
	s.cfg.Engine.Dispatch(job, sink, payload.Timeout)
	sink.wait()
}

func writeAdminFrame(conn net.Conn, frame map[string]any) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	data = append(data, '\n')
	_, _ = conn.Write(data)
}

// adminSink renders engine updates as JobUpdate frames on the admin
// connection (spec §6.3), satisfying ejengine.UpdatesSink the same way
// streamSink does for the outer HTTP dispatch endpoint.
type adminSink struct {
	conn net.Conn
	done chan struct{}
}

func newAdminSink(conn net.Conn) *adminSink {
	return &adminSink{conn: conn, done: make(chan struct{})}
}

func (s *adminSink) Send(update ejengine.Update) bool {
	writeAdminFrame(s.conn, map[string]any{"JobUpdate": wireUpdate(update)})
	if isTerminal(update.Kind) {
		close(s.done)
	}
	return true
}

func (s *adminSink) wait() { <-s.done }
