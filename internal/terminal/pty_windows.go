//go:build windows

package terminal

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/x/conpty"
	"golang.org/x/sys/windows"
)

var errPTYClosed = errors.New("pty is closed")

type conPTY struct {
	cpty    *conpty.ConPty
	process windows.Handle
	done    chan struct{}

	mu           sync.Mutex
	exitCode     int
	closed       bool
	cptyClosed   bool
	handleClosed bool
}

func defaultShell() string {
	if sh := os.Getenv("COMSPEC"); sh != "" {
		return sh
	}
	return "cmd.exe"
}

// StartPTY spawns the configured shell in a ConPTY of cols x rows.
func StartPTY(cfg ShellConfig, cols, rows uint16) (PTY, error) {
	shell := cfg.Shell
	if shell == "" {
		shell = defaultShell()
	}

	cpty, err := conpty.New(int(cols), int(rows), 0)
	if err != nil {
		return nil, fmt.Errorf("failed to create ConPTY: %w", err)
	}

	env := append(os.Environ(), "TERM="+cfg.term())
	env = append(env, cfg.Env...)
	_, handle, err := cpty.Spawn(shell, cfg.Args, &syscall.ProcAttr{Env: env, Dir: cfg.Dir})
	if err != nil {
		cpty.Close()
		return nil, fmt.Errorf("failed to spawn shell: %w", err)
	}

	p := &conPTY{
		cpty:     cpty,
		process:  windows.Handle(handle),
		done:     make(chan struct{}),
		exitCode: -1,
	}
	go func() {
		windows.WaitForSingleObject(p.process, windows.INFINITE)
		p.mu.Lock()
		var code uint32
		if err := windows.GetExitCodeProcess(p.process, &code); err == nil {
			p.exitCode = int(code)
		}
		// Closing the ConPTY unblocks pending reads.
		if !p.cptyClosed {
			p.cpty.Close()
			p.cptyClosed = true
		}
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

func (p *conPTY) Read(b []byte) (int, error) {
	if p.isClosed() {
		return 0, errPTYClosed
	}
	return p.cpty.Read(b)
}

func (p *conPTY) Write(b []byte) (int, error) {
	if p.isClosed() {
		return 0, errPTYClosed
	}
	return p.cpty.Write(b)
}

func (p *conPTY) Resize(cols, rows uint16) error {
	if p.isClosed() {
		return errPTYClosed
	}
	return p.cpty.Resize(int(cols), int(rows))
}

func (p *conPTY) Wait() int {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *conPTY) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if !p.cptyClosed {
		p.cpty.Close()
		p.cptyClosed = true
	}
	p.mu.Unlock()

	select {
	case <-p.done:
	default:
		windows.TerminateProcess(p.process, 1)
		select {
		case <-p.done:
		case <-time.After(5 * time.Second):
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.handleClosed {
		p.handleClosed = true
		return windows.CloseHandle(p.process)
	}
	return nil
}

func (p *conPTY) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
