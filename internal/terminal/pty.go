package terminal

// PTY is a shell process attached to a pseudo-terminal.
type PTY interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Resize(cols, rows uint16) error
	// Wait blocks until the shell exits and returns its exit code.
	Wait() int
	Close() error
}

// ShellConfig describes the shell the agent spawns.
type ShellConfig struct {
	// Shell is the program to run. Empty selects the platform default.
	Shell string
	Args  []string
	Term  string
	Dir   string
	Env   []string
}

func (c ShellConfig) term() string {
	if c.Term == "" {
		return "xterm-256color"
	}
	return c.Term
}
