package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/postalsys/deskline/internal/config"
	"github.com/postalsys/deskline/internal/filetransfer"
	"github.com/postalsys/deskline/internal/input"
	"github.com/postalsys/deskline/internal/logging"
	"github.com/postalsys/deskline/internal/metrics"
	"github.com/postalsys/deskline/internal/peer"
	"github.com/postalsys/deskline/internal/session"
	"github.com/postalsys/deskline/internal/signaling"
	"github.com/postalsys/deskline/internal/terminal"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	dirStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// viewerFlags are shared by every command that opens a session.
type viewerFlags struct {
	configPath string
	timeout    time.Duration
	hidden     bool
}

func (f *viewerFlags) add(cmd *cobra.Command) {
	addConfigFlag(cmd, &f.configPath)
	cmd.Flags().DurationVarP(&f.timeout, "timeout", "t", 60*time.Second, "How long to wait for the agent to accept and connect")
}

// sessionConfig maps the loaded configuration onto a viewer session for agentID.
func sessionConfig(cfg *config.Config, agentID string, m *metrics.Metrics) session.Config {
	return session.Config{
		AgentID: agentID,
		Signaling: signaling.Config{
			URL:          cfg.Signaling.URL,
			Token:        cfg.Signaling.Token,
			Role:         signaling.RoleEngineer,
			SenderID:     cfg.Signaling.SenderID,
			WriteTimeout: cfg.Signaling.WriteTimeout,
			Metrics:      m,
		},
		Peer: peer.Config{
			ICEServers:      cfg.ICE.WebRTC(),
			IncludeLoopback: cfg.ICE.IncludeLoopback,
		},
		FileTransfer: filetransfer.Config{
			ChunkSize:          int(cfg.FileTransfer.ChunkSize),
			MaxUploadSize:      int64(cfg.FileTransfer.MaxUploadSize),
			MaxDownloadSize:    int64(cfg.FileTransfer.MaxDownloadSize),
			BufferedAmountHigh: uint64(cfg.FileTransfer.BufferedAmountHigh),
			BufferedAmountLow:  uint64(cfg.FileTransfer.BufferedAmountLow),
			ChunkDelay:         cfg.FileTransfer.ChunkDelay,
			RateLimit:          int64(cfg.FileTransfer.RateLimit),
		},
		TerminalGrid: terminal.LocalGrid(),
		CellMetrics: terminal.CellMetrics{
			Width:  cfg.Terminal.CellWidth,
			Height: cfg.Terminal.CellHeight,
		},
	}
}

// openSession loads the configuration, starts a session to agentID and
// waits until the agent has accepted and the peer connection is up.
func openSession(ctx context.Context, f *viewerFlags, agentID string, opts session.Options) (*session.Session, *config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Signaling.URL == "" {
		return nil, nil, errors.New("signaling.url is required to connect")
	}

	if opts.Logger == nil {
		opts.Logger = logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}

	sc := sessionConfig(cfg, agentID, opts.Metrics)
	sc.FileTransfer.IncludeHidden = f.hidden
	s := session.New(sc, opts)
	if err := s.Start(ctx); err != nil {
		s.Disconnect()
		return nil, nil, fmt.Errorf("failed to start session: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Waiting for %s to accept the connection...\n", agentID)
	waitCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	if err := s.WaitConnected(waitCtx); err != nil {
		s.Disconnect()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil, fmt.Errorf("timed out after %s waiting for %s", f.timeout, agentID)
		}
		return nil, nil, err
	}
	return s, cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func connectCmd() *cobra.Command {
	var flags viewerFlags

	cmd := &cobra.Command{
		Use:   "connect <agent-id>",
		Short: "Open a remote shell on an agent",
		Long: `Request a session with the agent and attach the local terminal to
a shell on the remote machine. The session ends when the remote
shell exits, the agent disconnects or the process is interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			console := terminal.NewConsole(os.Stdout)
			s, _, err := openSession(ctx, &flags, args[0], session.Options{
				Renderer: func() (terminal.Renderer, error) { return console, nil },
			})
			if err != nil {
				return err
			}
			defer s.Disconnect()

			ended := make(chan string, 1)
			s.OnError = func(msg string) {
				select {
				case ended <- msg:
				default:
				}
			}
			s.OnDisconnect = func() {
				select {
				case ended <- "":
				default:
				}
			}

			if _, err := s.ToggleTerminal(); err != nil {
				return err
			}

			attachCtx, stopAttach := context.WithCancel(ctx)
			defer stopAttach()
			go func() {
				select {
				case <-ended:
				case <-attachCtx.Done():
					return
				}
				stopAttach()
			}()
			go watchConsole(attachCtx, console, stopAttach)

			if err := terminal.Attach(attachCtx, s.Terminal()); err != nil {
				return fmt.Errorf("terminal: %w", err)
			}
			fmt.Fprintln(os.Stderr, "\r\nSession ended.")
			return nil
		},
	}

	flags.add(cmd)
	return cmd
}

// watchConsole stops the attachment once the remote shell has exited.
func watchConsole(ctx context.Context, c *terminal.Console, stop context.CancelFunc) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.Closed() {
				stop()
				return
			}
		}
	}
}

func lsCmd() *cobra.Command {
	var flags viewerFlags

	cmd := &cobra.Command{
		Use:   "ls <agent-id> [path]",
		Short: "List a directory on an agent",
		Long:  "List a remote directory. Without a path the agent lists its default directory.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			type listing struct {
				path    string
				entries []filetransfer.FileEntry
				errMsg  string
			}
			listed := make(chan listing, 1)

			s, _, err := openSession(ctx, &flags, args[0], session.Options{
				FileEvents: filetransfer.Events{
					OnFileList: func(path string, entries []filetransfer.FileEntry, errMsg string) {
						select {
						case listed <- listing{path, entries, errMsg}:
						default:
						}
					},
				},
			})
			if err != nil {
				return err
			}
			defer s.Disconnect()

			m, err := fileManager(ctx, s)
			if err != nil {
				return err
			}

			var path string
			if len(args) > 1 {
				path = args[1]
			}
			if err := m.ListFiles(path); err != nil {
				return fmt.Errorf("failed to list files: %w", err)
			}

			select {
			case l := <-listed:
				if l.errMsg != "" {
					return fmt.Errorf("%s: %s", displayPath(l.path, path), l.errMsg)
				}
				printListing(cmd.OutOrStdout(), displayPath(l.path, path), l.entries)
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}

	flags.add(cmd)
	cmd.Flags().BoolVarP(&flags.hidden, "all", "a", false, "Include hidden entries")
	return cmd
}

func displayPath(reported, requested string) string {
	if reported != "" {
		return reported
	}
	if requested != "" {
		return requested
	}
	return "~"
}

func printListing(w io.Writer, path string, entries []filetransfer.FileEntry) {
	fmt.Fprintln(w, headerStyle.Render(path))
	if len(entries) == 0 {
		fmt.Fprintln(w, dimStyle.Render("  (empty)"))
		return
	}
	for _, e := range entries {
		modified := ""
		if e.Modified != nil {
			modified = time.Unix(int64(*e.Modified), 0).Format("2006-01-02 15:04")
		}
		name := e.Name
		size := filetransfer.FormatSize(e.Size)
		if e.IsDirectory {
			name = dirStyle.Render(name + "/")
			size = "-"
		}
		fmt.Fprintf(w, "  %10s  %16s  %s\n", size, modified, name)
	}
}

// fileManager opens the file transfer channel and waits until it is usable.
func fileManager(ctx context.Context, s *session.Session) (*filetransfer.Manager, error) {
	m, err := s.FileTransfers()
	if err != nil {
		return nil, err
	}
	if _, err := s.WaitChannel(ctx, peer.LabelFileTransfer); err != nil {
		return nil, fmt.Errorf("file transfer channel: %w", err)
	}
	return m, nil
}

// transferWatcher wakes a waiting command whenever a transfer changes.
type transferWatcher struct {
	changed chan struct{}
	out     io.Writer
}

func newTransferWatcher(out io.Writer) *transferWatcher {
	return &transferWatcher{changed: make(chan struct{}, 1), out: out}
}

func (w *transferWatcher) onUpdate(t filetransfer.Transfer) {
	fmt.Fprintf(w.out, "\r\x1b[K%s", t.Summary())
	select {
	case w.changed <- struct{}{}:
	default:
	}
}

// wait blocks until transfer id reaches a final state.
func (w *transferWatcher) wait(ctx context.Context, m *filetransfer.Manager, id uuid.UUID) (filetransfer.Transfer, error) {
	for {
		if t, ok := m.Transfer(id); ok && t.State.Done() {
			fmt.Fprintln(w.out)
			return t, nil
		}
		select {
		case <-w.changed:
		case <-ctx.Done():
			m.Cancel(id, "interrupted")
			fmt.Fprintln(w.out)
			return filetransfer.Transfer{}, ctx.Err()
		}
	}
}

func transferResult(t filetransfer.Transfer) error {
	switch t.State {
	case filetransfer.StateCompleted:
		return nil
	case filetransfer.StateCancelled:
		return errors.New("transfer cancelled")
	default:
		return fmt.Errorf("transfer failed: %s", t.Error)
	}
}

func getCmd() *cobra.Command {
	var (
		flags  viewerFlags
		outDir string
	)

	cmd := &cobra.Command{
		Use:   "get <agent-id> <remote-path>",
		Short: "Download a file from an agent",
		Long:  "Download a remote file into the download directory (file_transfer.download_dir, or --output).",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			type download struct {
				t    filetransfer.Transfer
				data []byte
			}
			received := make(chan download, 1)
			watcher := newTransferWatcher(os.Stderr)

			s, cfg, err := openSession(ctx, &flags, args[0], session.Options{
				FileEvents: filetransfer.Events{
					OnUpdate: watcher.onUpdate,
					OnDownload: func(t filetransfer.Transfer, data []byte) {
						select {
						case received <- download{t, data}:
						default:
						}
					},
				},
			})
			if err != nil {
				return err
			}
			defer s.Disconnect()

			dir := outDir
			if dir == "" {
				dir = cfg.FileTransfer.DownloadDir
			}
			if dir == "" {
				dir = "."
			}

			m, err := fileManager(ctx, s)
			if err != nil {
				return err
			}
			id, err := m.Download(args[1])
			if err != nil {
				return fmt.Errorf("failed to request download: %w", err)
			}

			t, err := watcher.wait(ctx, m, id)
			if err != nil {
				return err
			}
			if err := transferResult(t); err != nil {
				return err
			}

			var d download
			select {
			case d = <-received:
			case <-ctx.Done():
				return ctx.Err()
			}

			dest := filepath.Join(dir, filepath.Base(d.t.Filename))
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("failed to create %s: %w", dir, err)
			}
			if err := os.WriteFile(dest, d.data, 0644); err != nil {
				return fmt.Errorf("failed to save download: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %s (%s)\n", dest, filetransfer.FormatSize(uint64(len(d.data))))
			return nil
		},
	}

	flags.add(cmd)
	cmd.Flags().StringVarP(&outDir, "output", "o", "", "Directory to save the file in")
	return cmd
}

func putCmd() *cobra.Command {
	var flags viewerFlags

	cmd := &cobra.Command{
		Use:   "put <agent-id> <local-path> [remote-dir]",
		Short: "Upload a file to an agent",
		Long:  "Upload a local file. Without a remote directory the agent stores it in its upload directory.",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			src, f, err := filetransfer.OpenUploadSource(args[1])
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", args[1], err)
			}
			defer f.Close()

			watcher := newTransferWatcher(os.Stderr)
			s, _, err := openSession(ctx, &flags, args[0], session.Options{
				FileEvents: filetransfer.Events{OnUpdate: watcher.onUpdate},
			})
			if err != nil {
				return err
			}
			defer s.Disconnect()

			m, err := fileManager(ctx, s)
			if err != nil {
				return err
			}

			var remoteDir string
			if len(args) > 2 {
				remoteDir = args[2]
			}
			id, err := m.Upload(ctx, src, remoteDir)
			if err != nil {
				return fmt.Errorf("failed to start upload: %w", err)
			}

			t, err := watcher.wait(ctx, m, id)
			if err != nil {
				return err
			}
			if err := transferResult(t); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Uploaded %s (%s)\n", src.Name, filetransfer.FormatSize(uint64(src.Size)))
			return nil
		},
	}

	flags.add(cmd)
	return cmd
}

func comboCmd() *cobra.Command {
	var flags viewerFlags

	cmd := &cobra.Command{
		Use:   "combo <agent-id> <combo>",
		Short: "Send a special key combination to an agent",
		Long:  "Send a key combination the local OS would intercept, such as ctrl-alt-del.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			combo := input.Combo(strings.ToLower(args[1]))
			if !combo.Valid() {
				return fmt.Errorf("unknown combo %q, expected one of: %s", args[1], comboNames(""))
			}

			ctx, cancel := signalContext()
			defer cancel()

			s, _, err := openSession(ctx, &flags, args[0], session.Options{})
			if err != nil {
				return err
			}
			defer s.Disconnect()

			if _, err := s.WaitChannel(ctx, peer.LabelInput); err != nil {
				return fmt.Errorf("input channel: %w", err)
			}
			if err := s.Input().SendCombo(combo); err != nil {
				return fmt.Errorf("failed to send %s: %w", combo, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent %s\n", combo)
			return nil
		},
	}

	flags.add(cmd)
	cmd.AddCommand(comboListCmd())
	return cmd
}

func comboListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list [os]",
		Short: "List the key combinations for a remote OS",
		Long:  "List the key combinations offered for an OS (windows, macos, linux), defaulting to input.remote_os.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			remoteOS := ""
			if len(args) > 0 {
				remoteOS = args[0]
			} else if cfg, err := config.Load(configPath); err == nil {
				remoteOS = cfg.Input.RemoteOS
			}
			for _, e := range input.ComboMenu(remoteOS) {
				fmt.Fprintf(cmd.OutOrStdout(), "%-16s %s\n", e.Combo, dimStyle.Render(e.Label))
			}
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func comboNames(remoteOS string) string {
	var names []string
	for _, e := range input.ComboMenu(remoteOS) {
		names = append(names, string(e.Combo))
	}
	return strings.Join(names, ", ")
}
