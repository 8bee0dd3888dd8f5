//go:build !windows

package terminal

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/postalsys/deskline/internal/logging"
	"github.com/postalsys/deskline/internal/peer"
	"github.com/postalsys/deskline/internal/peer/peertest"
)

func TestHost_RealShell(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}

	h := NewHost(ShellConfig{Shell: "/bin/sh", Args: []string{"-c", "echo deskline-ok"}}, logging.NopLogger(), nil)
	ch := peertest.NewRecorder(peer.LabelTerminal)
	ch.Open()
	h.Serve(ch)

	ch.Deliver(encodeT(t, Message{Type: TypeStart, Cols: 80, Rows: 24}))
	waitForMessage(t, ch, TypeClosed)

	var output strings.Builder
	for _, raw := range ch.Sent() {
		if msg, err := Decode(raw); err == nil && msg.Type == TypeOutput {
			output.Write(msg.Data)
		}
	}
	if !strings.Contains(output.String(), "deskline-ok") {
		t.Errorf("shell output = %q, want it to contain %q", output.String(), "deskline-ok")
	}
}

func TestStartPTY_Resize(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}

	p, err := StartPTY(ShellConfig{Shell: "/bin/sh"}, 80, 24)
	if err != nil {
		t.Fatalf("StartPTY() error = %v", err)
	}
	defer p.Close()

	if err := p.Resize(100, 30); err != nil {
		t.Errorf("Resize() error = %v", err)
	}

	p.Close()
	done := make(chan int, 1)
	go func() { done <- p.Wait() }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Wait() did not return after Close")
	}
}
