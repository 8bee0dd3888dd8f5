//go:build !windows

package terminal

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

type unixPTY struct {
	ptmx *os.File
	cmd  *exec.Cmd
	done chan struct{}

	mu       sync.Mutex
	exitCode int
	closed   bool
}

func defaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

// StartPTY spawns the configured shell in a pseudo-terminal of cols x rows.
func StartPTY(cfg ShellConfig, cols, rows uint16) (PTY, error) {
	shell := cfg.Shell
	if shell == "" {
		shell = defaultShell()
	}
	cmd := exec.Command(shell, cfg.Args...)
	cmd.Env = append(os.Environ(), "TERM="+cfg.term())
	cmd.Env = append(cmd.Env, cfg.Env...)
	cmd.Dir = cfg.Dir

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, fmt.Errorf("failed to start PTY: %w", err)
	}

	p := &unixPTY{ptmx: ptmx, cmd: cmd, done: make(chan struct{}), exitCode: -1}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		var exitErr *exec.ExitError
		switch {
		case err == nil:
			p.exitCode = 0
		case errors.As(err, &exitErr):
			p.exitCode = exitErr.ExitCode()
		}
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

func (p *unixPTY) Read(b []byte) (int, error)  { return p.ptmx.Read(b) }
func (p *unixPTY) Write(b []byte) (int, error) { return p.ptmx.Write(b) }

func (p *unixPTY) Resize(cols, rows uint16) error {
	return pty.Setsize(p.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

func (p *unixPTY) Wait() int {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *unixPTY) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	err := p.ptmx.Close()
	if p.cmd.Process != nil {
		select {
		case <-p.done:
		default:
			p.cmd.Process.Kill()
		}
	}
	return err
}
