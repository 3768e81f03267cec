package ejhub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ejdispatch/ej/internal/ejengine"
	"github.com/ejdispatch/ej/internal/ejmodel"
)

func TestEncodeFrameShapes(t *testing.T) {
	cases := []struct {
		msg  ejengine.OutboundMessage
		want string
	}{
		{ejengine.OutboundMessage{Kind: ejengine.OutboundBuild, Job: ejmodel.DeployableJob{ID: "j1"}}, `"Build"`},
		{ejengine.OutboundMessage{Kind: ejengine.OutboundBuildAndRun, Job: ejmodel.DeployableJob{ID: "j1"}}, `"BuildAndRun"`},
		{ejengine.OutboundMessage{Kind: ejengine.OutboundCancel, Reason: "Timeout", JobID: "j1"}, `"Cancel":["Timeout","j1"]`},
		{ejengine.OutboundMessage{Kind: ejengine.OutboundClose}, `"Close"`},
	}
	for _, tc := range cases {
		data, err := encodeFrame(tc.msg)
		if err != nil {
			t.Fatalf("encodeFrame: %v", err)
		}
		if !strings.Contains(string(data), tc.want) {
			t.Fatalf("expected %q to contain %q", data, tc.want)
		}
	}
}

func TestServeWSRegistersAndDelivers(t *testing.T) {
	hub := NewHub(nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := hub.ServeWS("builder-1", r.RemoteAddr, w, r); err != nil {
			t.Errorf("ServeWS: %v", err)
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		ids := hub.ConnectedBuilderIDs()
		if len(ids) == 1 && ids[0] == "builder-1" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	ids := hub.ConnectedBuilderIDs()
	if len(ids) != 1 || ids[0] != "builder-1" {
		t.Fatalf("expected builder-1 connected, got %v", ids)
	}

	ok := hub.Send("builder-1", ejengine.OutboundMessage{Kind: ejengine.OutboundBuild, Job: ejmodel.DeployableJob{ID: "job-1"}})
	if !ok {
		t.Fatalf("expected Send to succeed")
	}

	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(msg, &decoded); err != nil {
		t.Fatalf("decoding frame: %v", err)
	}
	if _, ok := decoded["Build"]; !ok {
		t.Fatalf("expected a Build frame, got %s", msg)
	}

	if hub.Send("no-such-builder", ejengine.OutboundMessage{Kind: ejengine.OutboundClose}) {
		t.Fatalf("expected Send to a disconnected builder to fail")
	}

	conn.Close()
	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(hub.ConnectedBuilderIDs()) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected builder-1 to be deregistered after disconnect")
}
