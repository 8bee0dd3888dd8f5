// Package wizard provides the interactive setup wizard behind "deskline init".
package wizard

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/deskline/internal/config"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
}

// Answers holds everything the wizard asks for.
type Answers struct {
	Roles        []string // viewer, agent
	SignalingURL string
	Token        string

	STUNURL        string
	TURNURL        string
	TURNUsername   string
	TURNCredential string

	AgentName    string
	Approval     string
	AllowedPaths []string
	UploadDir    string

	DownloadDir    string
	RemoteOS       string
	LogLevel       string
	MetricsEnabled bool
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	configPath, err := w.askBasicSetup()
	if err != nil {
		return nil, err
	}

	var ans Answers
	if ans.Roles, err = w.askRoles(); err != nil {
		return nil, err
	}
	if err := w.askSignaling(&ans); err != nil {
		return nil, err
	}
	if err := w.askICE(&ans); err != nil {
		return nil, err
	}
	if contains(ans.Roles, "viewer") {
		if err := w.askViewerConfig(&ans); err != nil {
			return nil, err
		}
	}
	if contains(ans.Roles, "agent") {
		if err := w.askAgentConfig(&ans); err != nil {
			return nil, err
		}
	}
	if err := w.askAdvancedOptions(&ans); err != nil {
		return nil, err
	}

	cfg := buildConfig(ans)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := writeConfig(cfg, configPath); err != nil {
		return nil, err
	}

	w.printSummary(configPath, ans, cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: configPath,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
      _           _    _ _
   __| | ___  ___| | _| (_)_ __   ___
  / _' |/ _ \/ __| |/ / | | '_ \ / _ \
 | (_| |  __/\__ \   <| | | | | |  __/
  \__,_|\___||___/_|\_\_|_|_| |_|\___|
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Remote Desktop Sessions - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup() (configPath string, err error) {
	configPath = "./deskline.yaml"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Choose where to write the configuration file."),

			huh.NewInput().
				Title("Config File Path").
				Placeholder("./deskline.yaml").
				Value(&configPath).
				Validate(validateConfigPath),
		),
	).WithTheme(w.theme)

	err = form.Run()
	return
}

func (w *Wizard) askRoles() ([]string, error) {
	roles := []string{"viewer"}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Roles").
				Description("Select what this machine does. Both is fine for testing."),

			huh.NewMultiSelect[string]().
				Title("This machine is a...").
				Options(
					huh.NewOption("Viewer (connects to remote hosts)", "viewer"),
					huh.NewOption("Agent (shares this machine)", "agent"),
				).
				Value(&roles).
				Validate(func(s []string) error {
					if len(s) == 0 {
						return fmt.Errorf("select at least one role")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return nil, err
	}
	return roles, nil
}

func (w *Wizard) askSignaling(ans *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Signaling Relay").
				Description("The relay pairs viewers with agents and carries the connection handshake."),

			huh.NewInput().
				Title("Relay URL").
				Placeholder("wss://relay.example.com/ws").
				Value(&ans.SignalingURL).
				Validate(validateRelayURL),

			huh.NewInput().
				Title("Access Token").
				Description("Leave empty to read it from $DESKLINE_TOKEN at runtime").
				EchoMode(huh.EchoModePassword).
				Value(&ans.Token),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askICE(ans *Answers) error {
	ans.STUNURL = "stun:stun.l.google.com:19302"
	var useTURN bool

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Connectivity").
				Description("STUN finds a direct path. TURN relays media when no direct path exists."),

			huh.NewInput().
				Title("STUN Server").
				Value(&ans.STUNURL).
				Validate(optionalICEURL("stun:", "stuns:")),

			huh.NewConfirm().
				Title("Add a TURN server?").
				Value(&useTURN),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}
	if !useTURN {
		return nil
	}

	turnForm := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("TURN Server").
				Placeholder("turn:turn.example.com:3478").
				Value(&ans.TURNURL).
				Validate(requiredICEURL("turn:", "turns:")),

			huh.NewInput().
				Title("TURN Username").
				Value(&ans.TURNUsername),

			huh.NewInput().
				Title("TURN Credential").
				EchoMode(huh.EchoModePassword).
				Value(&ans.TURNCredential),
		),
	).WithTheme(w.theme)

	return turnForm.Run()
}

func (w *Wizard) askViewerConfig(ans *Answers) error {
	ans.DownloadDir = "."
	ans.RemoteOS = "windows"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Viewer").
				Description("Defaults used when connecting to remote hosts."),

			huh.NewSelect[string]().
				Title("Remote Operating System").
				Description("Selects which special key combinations are offered").
				Options(
					huh.NewOption("Windows", "windows"),
					huh.NewOption("macOS", "macos"),
					huh.NewOption("Linux", "linux"),
				).
				Value(&ans.RemoteOS),

			huh.NewInput().
				Title("Download Directory").
				Value(&ans.DownloadDir),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askAgentConfig(ans *Answers) error {
	ans.Approval = "prompt"
	if host, err := os.Hostname(); err == nil {
		ans.AgentName = host
	}
	home, _ := os.UserHomeDir()
	pathsStr := home

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Agent").
				Description("Control who may connect and which files they can reach."),

			huh.NewInput().
				Title("Display Name").
				Value(&ans.AgentName),

			huh.NewSelect[string]().
				Title("Session Approval").
				Options(
					huh.NewOption("Ask on this terminal (recommended)", "prompt"),
					huh.NewOption("Accept automatically", "auto"),
					huh.NewOption("Deny everything", "deny"),
				).
				Value(&ans.Approval),

			huh.NewText().
				Title("Allowed Paths").
				Description("One absolute path or glob per line. Empty disables file access.").
				Value(&pathsStr).
				Validate(validateAllowedPaths),

			huh.NewInput().
				Title("Upload Directory").
				Description("Where uploads without a target directory land (optional)").
				Value(&ans.UploadDir),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}
	ans.AllowedPaths = splitLines(pathsStr)
	return nil
}

func (w *Wizard) askAdvancedOptions(ans *Answers) error {
	ans.LogLevel = "info"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure monitoring and logging."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&ans.LogLevel),

			huh.NewConfirm().
				Title("Enable status endpoint?").
				Description("HTTP endpoint on the agent (/health, /status, /metrics)").
				Value(&ans.MetricsEnabled),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func buildConfig(ans Answers) *config.Config {
	cfg := config.Default()

	cfg.Logging.Level = ans.LogLevel
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	cfg.Signaling.URL = ans.SignalingURL
	cfg.Signaling.Token = ans.Token
	if cfg.Signaling.Token == "" {
		cfg.Signaling.Token = "${DESKLINE_TOKEN}"
	}

	cfg.ICE.Servers = nil
	if ans.STUNURL != "" {
		cfg.ICE.Servers = append(cfg.ICE.Servers, config.ICEServerConfig{URLs: []string{ans.STUNURL}})
	}
	if ans.TURNURL != "" {
		cfg.ICE.Servers = append(cfg.ICE.Servers, config.ICEServerConfig{
			URLs:       []string{ans.TURNURL},
			Username:   ans.TURNUsername,
			Credential: ans.TURNCredential,
		})
	}

	if ans.RemoteOS != "" {
		cfg.Input.RemoteOS = ans.RemoteOS
	}
	if ans.DownloadDir != "" {
		cfg.FileTransfer.DownloadDir = ans.DownloadDir
	}

	if contains(ans.Roles, "agent") {
		cfg.Agent.Name = ans.AgentName
		if ans.Approval != "" {
			cfg.Agent.Approval = ans.Approval
		}
		cfg.Agent.AllowedPaths = ans.AllowedPaths
		cfg.Agent.UploadDir = ans.UploadDir
		cfg.Signaling.Reconnect.Enabled = true
	}

	cfg.Metrics.Enabled = ans.MetricsEnabled

	return cfg
}

// writeConfig writes cfg with secrets intact; the file is created owner-only
// when it carries a token or TURN credential.
func writeConfig(cfg *config.Config, path string) error {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# deskline configuration
# Generated by setup wizard

`
	mode := os.FileMode(0644)
	if cfg.HasSensitiveData() {
		mode = 0600
	}
	if err := os.WriteFile(path, []byte(header+string(data)), mode); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(configPath string, ans Answers, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Config file:  %s\n", configPath)
	fmt.Printf("  Relay:        %s\n", cfg.Signaling.URL)
	fmt.Printf("  ICE servers:  %d\n", len(cfg.ICE.Servers))
	fmt.Println()

	if contains(ans.Roles, "agent") {
		fmt.Printf("  Approval:     %s\n", cfg.Agent.Approval)
		if len(cfg.Agent.AllowedPaths) > 0 {
			fmt.Printf("  File access:  %s\n", strings.Join(cfg.Agent.AllowedPaths, ", "))
		} else {
			fmt.Println("  File access:  disabled")
		}
		if cfg.Metrics.Enabled {
			fmt.Printf("  Status:       http://%s/status\n", cfg.Metrics.Address)
		}
		fmt.Println()
		fmt.Println("  To share this machine:")
		fmt.Printf("    deskline agent -c %s\n", configPath)
		fmt.Println()
	}

	if contains(ans.Roles, "viewer") {
		fmt.Println("  To connect to a host:")
		fmt.Printf("    deskline connect -c %s <agent-id>\n", configPath)
		fmt.Println()
	}
}

func validateConfigPath(s string) error {
	if s == "" {
		return fmt.Errorf("config path is required")
	}
	if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
		return fmt.Errorf("config file should have .yaml or .yml extension")
	}
	return nil
}

func validateRelayURL(s string) error {
	if s == "" {
		return fmt.Errorf("relay URL is required")
	}
	u, err := url.Parse(s)
	if err != nil {
		return fmt.Errorf("invalid URL: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("relay URL must start with ws:// or wss://")
	}
	if u.Host == "" {
		return fmt.Errorf("relay URL needs a host")
	}
	return nil
}

func requiredICEURL(schemes ...string) func(string) error {
	return func(s string) error {
		if s == "" {
			return fmt.Errorf("server URL is required")
		}
		for _, scheme := range schemes {
			if strings.HasPrefix(s, scheme) && len(s) > len(scheme) {
				return nil
			}
		}
		return fmt.Errorf("URL must start with %s", strings.Join(schemes, " or "))
	}
}

func optionalICEURL(schemes ...string) func(string) error {
	required := requiredICEURL(schemes...)
	return func(s string) error {
		if s == "" {
			return nil
		}
		return required(s)
	}
}

func validateAllowedPaths(s string) error {
	for _, line := range splitLines(s) {
		if !filepath.IsAbs(line) {
			return fmt.Errorf("path must be absolute: %s", line)
		}
	}
	return nil
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
