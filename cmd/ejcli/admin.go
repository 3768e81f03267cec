package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/ejdispatch/ej/internal/ejmodel"
)

// adminConn is a single-shot connection to the dispatcher's admin socket:
// one request line out, a response frame sequence in, matching the
// one-message-per-connection protocol of internal/ejapi's admin handler.
type adminConn struct {
	conn   net.Conn
	reader *bufio.Reader
}

func dialAdmin(socketPath string) (*adminConn, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dialing admin socket %s: %w", socketPath, err)
	}
	return &adminConn{conn: conn, reader: bufio.NewReader(conn)}, nil
}

func (a *adminConn) Close() error { return a.conn.Close() }

func (a *adminConn) send(tag string, payload any) error {
	frame := map[string]any{tag: payload}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshaling %s request: %w", tag, err)
	}
	data = append(data, '\n')
	_, err = a.conn.Write(data)
	return err
}

func (a *adminConn) readFrame() (map[string]json.RawMessage, error) {
	line, err := a.reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	var frame map[string]json.RawMessage
	if err := json.Unmarshal(line, &frame); err != nil {
		return nil, fmt.Errorf("decoding admin frame: %w", err)
	}
	return frame, nil
}

// createRootUser sends CreateRootUser and waits for CreateRootUserOk or
// Error.
func createRootUser(socketPath, name, secret string) (ejmodel.Client, error) {
	conn, err := dialAdmin(socketPath)
	if err != nil {
		return ejmodel.Client{}, err
	}
	defer conn.Close()

	if err := conn.send("CreateRootUser", map[string]string{"name": name, "secret": secret}); err != nil {
		return ejmodel.Client{}, err
	}

	frame, err := conn.readFrame()
	if err != nil {
		return ejmodel.Client{}, fmt.Errorf("reading response: %w", err)
	}
	if raw, ok := frame["Error"]; ok {
		var msg string
		_ = json.Unmarshal(raw, &msg)
		return ejmodel.Client{}, fmt.Errorf("dispatcher: %s", msg)
	}
	raw, ok := frame["CreateRootUserOk"]
	if !ok {
		return ejmodel.Client{}, fmt.Errorf("unexpected response frame")
	}
	var client struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &client); err != nil {
		return ejmodel.Client{}, fmt.Errorf("decoding CreateRootUserOk: %w", err)
	}
	return ejmodel.Client{ID: client.ID, Name: client.Name}, nil
}

// jobUpdate mirrors the tag names internal/ejapi's wireUpdate emits.
type jobUpdate struct {
	kind         string
	nbBuilders   int
	queuePos     int
	cancelReason string
	success      bool
	logs         [][2]any
	results      [][2]any
}

// dispatchAdmin sends Dispatch{job, timeout} and streams back
// DispatchOk followed by JobUpdate frames, one at a time, via updates,
// until a terminal update or an error closes the stream.
func dispatchAdmin(socketPath string, job ejmodel.JobSubmission, timeout time.Duration, updates chan<- jobUpdate) (ejmodel.DeployableJob, error) {
	conn, err := dialAdmin(socketPath)
	if err != nil {
		return ejmodel.DeployableJob{}, err
	}
	defer conn.Close()
	defer close(updates)

	payload := struct {
		Job     ejmodel.JobSubmission `json:"job"`
		Timeout time.Duration         `json:"timeout"`
	}{Job: job, Timeout: timeout}
	if err := conn.send("Dispatch", payload); err != nil {
		return ejmodel.DeployableJob{}, err
	}

	frame, err := conn.readFrame()
	if err != nil {
		return ejmodel.DeployableJob{}, fmt.Errorf("reading DispatchOk: %w", err)
	}
	if raw, ok := frame["Error"]; ok {
		var msg string
		_ = json.Unmarshal(raw, &msg)
		return ejmodel.DeployableJob{}, fmt.Errorf("dispatcher: %s", msg)
	}
	raw, ok := frame["DispatchOk"]
	if !ok {
		return ejmodel.DeployableJob{}, fmt.Errorf("unexpected response frame")
	}
	var deployed ejmodel.DeployableJob
	if err := json.Unmarshal(raw, &deployed); err != nil {
		return ejmodel.DeployableJob{}, fmt.Errorf("decoding DispatchOk: %w", err)
	}

	for {
		frame, err := conn.readFrame()
		if err != nil {
			return deployed, fmt.Errorf("reading job update: %w", err)
		}
		raw, ok := frame["JobUpdate"]
		if !ok {
			continue
		}
		u, terminal, err := decodeJobUpdate(raw)
		if err != nil {
			return deployed, err
		}
		updates <- u
		if terminal {
			return deployed, nil
		}
	}
}

func decodeJobUpdate(raw json.RawMessage) (jobUpdate, bool, error) {
	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(raw, &tagged); err != nil {
		return jobUpdate{}, false, fmt.Errorf("decoding job update: %w", err)
	}

	if inner, ok := tagged["JobStarted"]; ok {
		var v struct {
			NbBuilders int `json:"nb_builders"`
		}
		_ = json.Unmarshal(inner, &v)
		return jobUpdate{kind: "JobStarted", nbBuilders: v.NbBuilders}, false, nil
	}
	if inner, ok := tagged["JobAddedToQueue"]; ok {
		var v struct {
			QueuePosition int `json:"queue_position"`
		}
		_ = json.Unmarshal(inner, &v)
		return jobUpdate{kind: "JobAddedToQueue", queuePos: v.QueuePosition}, false, nil
	}
	if inner, ok := tagged["JobCancelled"]; ok {
		var reason string
		_ = json.Unmarshal(inner, &reason)
		return jobUpdate{kind: "JobCancelled", cancelReason: reason}, true, nil
	}
	if inner, ok := tagged["BuildFinished"]; ok {
		var v struct {
			Success bool     `json:"success"`
			Logs    [][2]any `json:"logs"`
		}
		_ = json.Unmarshal(inner, &v)
		return jobUpdate{kind: "BuildFinished", success: v.Success, logs: v.Logs}, true, nil
	}
	if inner, ok := tagged["RunFinished"]; ok {
		var v struct {
			Success bool     `json:"success"`
			Logs    [][2]any `json:"logs"`
			Results [][2]any `json:"results"`
		}
		_ = json.Unmarshal(inner, &v)
		return jobUpdate{kind: "RunFinished", success: v.Success, logs: v.Logs, results: v.Results}, true, nil
	}

	return jobUpdate{}, false, fmt.Errorf("unrecognized job update: %s", raw)
}
