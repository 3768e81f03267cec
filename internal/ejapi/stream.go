package ejapi

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/ejdispatch/ej/internal/ejengine"
)

// streamSink renders engine updates as newline-delimited JSON directly on
// an HTTP response, flushing after every write, and signals done once a
// terminal update has been written so the handler can return and close
// the body (spec §6.2). It satisfies ejengine.UpdatesSink.
type streamSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
	done    chan struct{}
	closed  bool
}

func newStreamSink(w http.ResponseWriter) *streamSink {
	flusher, _ := w.(http.Flusher)
	return &streamSink{w: w, flusher: flusher, done: make(chan struct{})}
}

// Send implements ejengine.UpdatesSink. It returns false if the stream
// has already delivered a terminal update — the engine logs that as
// back-pressure, which is accurate: nothing further can be written to a
// closed response body.
func (s *streamSink) Send(update ejengine.Update) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	data, err := json.Marshal(wireUpdate(update))
	if err == nil {
		data = append(data, '\n')
		_, _ = s.w.Write(data)
		if s.flusher != nil {
			s.flusher.Flush()
		}
	}

	if isTerminal(update.Kind) {
		s.closed = true
		close(s.done)
	}
	return err == nil
}

func (s *streamSink) wait() { <-s.done }

func isTerminal(kind ejengine.UpdateKind) bool {
	switch kind {
	case ejengine.UpdateJobCancelled, ejengine.UpdateBuildFinished, ejengine.UpdateRunFinished:
		return true
	default:
		return false
	}
}

// ejengineBoardConfig mirrors ejmodel.BoardConfigAPI locally to keep this
// file's wire-shape helpers self-contained.
type ejengineBoardConfig struct {
	ID   string   `json:"id"`
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

// wireUpdate renders an engine Update in the externally-tagged JSON shape
// of spec.md §6.2.
func wireUpdate(u ejengine.Update) map[string]any {
	switch u.Kind {
	case ejengine.UpdateJobStarted:
		return map[string]any{"JobStarted": map[string]any{"nb_builders": u.NbBuilders}}
	case ejengine.UpdateJobAddedToQueue:
		return map[string]any{"JobAddedToQueue": map[string]any{"queue_position": u.QueuePosition}}
	case ejengine.UpdateJobCancelled:
		return map[string]any{"JobCancelled": u.CancelReason}
	case ejengine.UpdateBuildFinished:
		return map[string]any{"BuildFinished": map[string]any{
			"success": u.Success,
			"logs":    wireEntries(u.Logs),
		}}
	case ejengine.UpdateRunFinished:
		return map[string]any{"RunFinished": map[string]any{
			"success": u.Success,
			"logs":    wireEntries(u.Logs),
			"results": wireEntries(u.Results),
		}}
	default:
		return map[string]any{}
	}
}

func wireEntries(entries []ejengine.BoardEntry) [][2]any {
	out := make([][2]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, [2]any{
			ejengineBoardConfig{ID: e.Board.ID, Name: e.Board.Name, Tags: e.Board.Tags},
			e.Text,
		})
	}
	return out
}
