package terminal

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/term"
)

// Console renders a remote shell on the local terminal.
type Console struct {
	out io.Writer

	mu     sync.Mutex
	closed bool
}

// NewConsole returns a renderer writing to out.
func NewConsole(out io.Writer) *Console {
	return &Console{out: out}
}

func (c *Console) Write(p []byte) (int, error) {
	return c.out.Write(p)
}

func (c *Console) WriteError(msg string) {
	fmt.Fprintf(c.out, "\r\n\x1b[31m[error] %s\x1b[0m\r\n", msg)
}

func (c *Console) SetClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	fmt.Fprint(c.out, "\r\n[remote shell closed]\r\n")
}

func (c *Console) Dispose() {}

// Closed reports whether the remote shell has ended.
func (c *Console) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// LocalGrid returns the size of the local terminal, or 80x24 when stdin is not one.
func LocalGrid() Grid {
	w, h, err := term.GetSize(int(os.Stdin.Fd()))
	if err != nil || w <= 0 || h <= 0 {
		return Grid{Cols: defaultCols, Rows: defaultRows}
	}
	return Grid{Cols: w, Rows: h}
}

// Attach puts stdin into raw mode and forwards keystrokes and window size
// changes to s until ctx is done or stdin reaches EOF.
func Attach(ctx context.Context, s *Session) error {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("failed to set raw mode: %w", err)
		}
		defer term.Restore(fd, oldState)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	setupResizeSignal(sigCh)
	defer stopResizeSignal(sigCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				s.SetGrid(LocalGrid())
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if sendErr := s.Input(append([]byte(nil), buf[:n]...)); sendErr != nil && sendErr != ErrNotRunning {
					errCh <- sendErr
					return
				}
			}
			if err != nil {
				if err == io.EOF {
					err = nil
				}
				errCh <- err
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}
