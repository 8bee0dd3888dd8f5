// Package config provides configuration parsing and validation for deskline.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pion/webrtc/v4"
	"gopkg.in/yaml.v3"
)

// Config is the complete configuration shared by the viewer and the agent host.
type Config struct {
	Logging      LoggingConfig      `yaml:"logging"`
	Signaling    SignalingConfig    `yaml:"signaling"`
	ICE          ICEConfig          `yaml:"ice"`
	Input        InputConfig        `yaml:"input"`
	Terminal     TerminalConfig     `yaml:"terminal"`
	FileTransfer FileTransferConfig `yaml:"file_transfer"`
	Agent        AgentConfig        `yaml:"agent"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// SignalingConfig describes the relay connection.
type SignalingConfig struct {
	URL          string          `yaml:"url"`
	Token        string          `yaml:"token"`
	SenderID     string          `yaml:"sender_id"` // empty = generated per process
	WriteTimeout time.Duration   `yaml:"write_timeout"`
	Reconnect    ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig defines the bounded retry policy for the signaling socket.
type ReconnectConfig struct {
	Enabled      bool          `yaml:"enabled"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

// ICEConfig lists the ICE servers handed to the peer transport.
type ICEConfig struct {
	Servers         []ICEServerConfig `yaml:"servers"`
	IncludeLoopback bool              `yaml:"include_loopback"`
}

// WebRTC converts the configured servers for the peer transport. An empty
// list yields an empty, non-nil slice so no default server is added.
func (c ICEConfig) WebRTC() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(c.Servers))
	for _, s := range c.Servers {
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
		}
		servers = append(servers, server)
	}
	return servers
}

// ICEServerConfig is a single STUN/TURN entry.
type ICEServerConfig struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

// InputConfig tunes the input relay.
type InputConfig struct {
	RemoteOS string `yaml:"remote_os"` // windows, macos, linux
}

// TerminalConfig holds the viewer grid defaults and the agent shell.
type TerminalConfig struct {
	Cols       int    `yaml:"cols"`
	Rows       int    `yaml:"rows"`
	CellWidth  int    `yaml:"cell_width"`
	CellHeight int    `yaml:"cell_height"`
	Term       string `yaml:"term"`
	Shell      string `yaml:"shell"`
}

// FileTransferConfig tunes chunking and pacing.
type FileTransferConfig struct {
	ChunkSize          ByteSize      `yaml:"chunk_size"`
	MaxUploadSize      ByteSize      `yaml:"max_upload_size"`
	MaxDownloadSize    ByteSize      `yaml:"max_download_size"`
	BufferedAmountHigh ByteSize      `yaml:"buffered_amount_high"`
	BufferedAmountLow  ByteSize      `yaml:"buffered_amount_low"`
	ChunkDelay         time.Duration `yaml:"chunk_delay"`
	RateLimit          ByteSize      `yaml:"rate_limit"` // bytes per second, 0 = unlimited
	DownloadDir        string        `yaml:"download_dir"`
}

// AgentConfig configures the host side.
type AgentConfig struct {
	ID            string   `yaml:"id"`
	Name          string   `yaml:"name"`
	Approval      string   `yaml:"approval"` // auto, prompt, deny
	AllowedPaths  []string `yaml:"allowed_paths"`
	UploadDir     string   `yaml:"upload_dir"`
	MaxFileSize   ByteSize `yaml:"max_file_size"`
	IncludeHidden bool     `yaml:"include_hidden"`
	Injector      string   `yaml:"injector"` // log, none
}

// MetricsConfig controls the agent's HTTP status server.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// ByteSize is a byte count that accepts human-readable YAML values such as "16KiB" or "1GB".
type ByteSize int64

// UnmarshalYAML accepts both integers and size strings.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	n, err := humanize.ParseBytes(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", raw, err)
	}
	*b = ByteSize(n)
	return nil
}

// MarshalYAML renders the size in IEC units.
func (b ByteSize) MarshalYAML() (interface{}, error) {
	if b == 0 {
		return "0", nil
	}
	human := strings.ReplaceAll(humanize.IBytes(uint64(b)), " ", "")
	if n, err := humanize.ParseBytes(human); err == nil && n == uint64(b) {
		return human, nil
	}
	return int64(b), nil
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Signaling: SignalingConfig{
			WriteTimeout: 10 * time.Second,
			Reconnect: ReconnectConfig{
				Enabled:      false,
				InitialDelay: 1 * time.Second,
				MaxDelay:     30 * time.Second,
				Multiplier:   2.0,
				Jitter:       0.2,
				MaxAttempts:  10,
			},
		},
		ICE: ICEConfig{
			Servers: []ICEServerConfig{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
		},
		Input: InputConfig{
			RemoteOS: "windows",
		},
		Terminal: TerminalConfig{
			Cols:       80,
			Rows:       24,
			CellWidth:  9,
			CellHeight: 17,
			Term:       "xterm-256color",
		},
		FileTransfer: FileTransferConfig{
			ChunkSize:          16 * 1024,
			MaxUploadSize:      1 << 30,
			MaxDownloadSize:    1 << 30,
			BufferedAmountHigh: 1 << 20,
			BufferedAmountLow:  256 * 1024,
			ChunkDelay:         time.Millisecond,
			DownloadDir:        ".",
		},
		Agent: AgentConfig{
			Approval:    "prompt",
			MaxFileSize: 1 << 30,
			Injector:    "log",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "127.0.0.1:9470",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes on top of the defaults.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR}, ${VAR:-default} or $VAR.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Logging.Level) {
		errs = append(errs, fmt.Sprintf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level))
	}
	if !isValidLogFormat(c.Logging.Format) {
		errs = append(errs, fmt.Sprintf("invalid logging.format: %s (must be text or json)", c.Logging.Format))
	}

	if c.Signaling.URL != "" {
		if err := validateSignalingURL(c.Signaling.URL); err != nil {
			errs = append(errs, fmt.Sprintf("signaling.url: %v", err))
		}
	}
	if r := c.Signaling.Reconnect; r.Enabled {
		if r.InitialDelay <= 0 {
			errs = append(errs, "signaling.reconnect.initial_delay must be positive")
		}
		if r.MaxDelay < r.InitialDelay {
			errs = append(errs, "signaling.reconnect.max_delay must be >= initial_delay")
		}
		if r.Multiplier < 1 {
			errs = append(errs, "signaling.reconnect.multiplier must be >= 1")
		}
		if r.Jitter < 0 || r.Jitter > 1 {
			errs = append(errs, "signaling.reconnect.jitter must be between 0 and 1")
		}
		if r.MaxAttempts < 1 {
			errs = append(errs, "signaling.reconnect.max_attempts must be positive")
		}
	}

	for i, s := range c.ICE.Servers {
		if len(s.URLs) == 0 {
			errs = append(errs, fmt.Sprintf("ice.servers[%d]: at least one url is required", i))
		}
		for _, u := range s.URLs {
			if !isValidICEURL(u) {
				errs = append(errs, fmt.Sprintf("ice.servers[%d]: invalid url: %s", i, u))
			}
		}
	}

	switch c.Input.RemoteOS {
	case "windows", "macos", "linux":
	default:
		errs = append(errs, fmt.Sprintf("invalid input.remote_os: %s (must be windows, macos, or linux)", c.Input.RemoteOS))
	}

	if c.Terminal.Cols < 1 || c.Terminal.Rows < 1 {
		errs = append(errs, "terminal.cols and terminal.rows must be positive")
	}
	if c.Terminal.CellWidth < 1 || c.Terminal.CellHeight < 1 {
		errs = append(errs, "terminal.cell_width and terminal.cell_height must be positive")
	}

	ft := c.FileTransfer
	if ft.ChunkSize < 1024 || ft.ChunkSize > 256*1024 {
		errs = append(errs, "file_transfer.chunk_size must be between 1KiB and 256KiB")
	}
	if ft.MaxUploadSize < 0 {
		errs = append(errs, "file_transfer.max_upload_size must not be negative")
	}
	if ft.MaxDownloadSize < 0 {
		errs = append(errs, "file_transfer.max_download_size must not be negative")
	}
	if ft.BufferedAmountLow > ft.BufferedAmountHigh {
		errs = append(errs, "file_transfer.buffered_amount_low must be <= buffered_amount_high")
	}
	if ft.RateLimit < 0 {
		errs = append(errs, "file_transfer.rate_limit must not be negative")
	}

	switch c.Agent.Approval {
	case "auto", "prompt", "deny":
	default:
		errs = append(errs, fmt.Sprintf("invalid agent.approval: %s (must be auto, prompt, or deny)", c.Agent.Approval))
	}
	switch c.Agent.Injector {
	case "log", "none":
	default:
		errs = append(errs, fmt.Sprintf("invalid agent.injector: %s (must be log or none)", c.Agent.Injector))
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, "metrics.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func validateSignalingURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return fmt.Errorf("scheme must be ws or wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

func isValidICEURL(u string) bool {
	for _, prefix := range []string{"stun:", "stuns:", "turn:", "turns:"} {
		if strings.HasPrefix(u, prefix) && len(u) > len(prefix) {
			return true
		}
	}
	return false
}

// String renders the config with secrets redacted.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config safe to print or log.
func (c *Config) Redacted() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	if redacted.Signaling.Token != "" {
		redacted.Signaling.Token = redactedValue
	}
	for i := range redacted.ICE.Servers {
		if redacted.ICE.Servers[i].Credential != "" {
			redacted.ICE.Servers[i].Credential = redactedValue
		}
	}

	return redacted
}

// HasSensitiveData reports whether the config carries a token or ICE credential.
func (c *Config) HasSensitiveData() bool {
	if c.Signaling.Token != "" {
		return true
	}
	for _, s := range c.ICE.Servers {
		if s.Credential != "" {
			return true
		}
	}
	return false
}
