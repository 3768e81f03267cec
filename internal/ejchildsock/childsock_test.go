package ejchildsock

import (
	"path/filepath"
	"testing"
	"time"
)

func TestSendExitDeliversToClient(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "child.sock")

	srv, err := Listen(sockPath)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()

	acceptErr := make(chan error, 1)
	go func() { acceptErr <- srv.Accept() }()

	time.Sleep(20 * time.Millisecond)
	client, err := Dial(sockPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	if err := <-acceptErr; err != nil {
		t.Fatalf("Accept: %v", err)
	}

	if err := srv.SendExit(); err != nil {
		t.Fatalf("SendExit: %v", err)
	}

	ev, err := client.ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent: %v", err)
	}
	if ev.Tag != "Exit" {
		t.Fatalf("expected Exit event, got %+v", ev)
	}

	// The Ack is written but the dispatcher side never reads it — it must
	// not block or error when the client sends one into the void.
	if err := client.SendAck(); err != nil {
		t.Fatalf("SendAck: %v", err)
	}
}
