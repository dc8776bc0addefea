package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/20after4/configdir"
	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration for the mbrouter daemon.
//
// Keep defaults and validation centralized so the rest of the code can assume
// a well-formed config.
type Config struct {
	// Evdev devices read directly (optional; the MPRIS receiver is the usual input)
	Input InputConfig `yaml:"input"`

	// The router's own receiver and the players it considers
	Receiver ReceiverConfig `yaml:"receiver"`

	// Shared receiver slot
	Registration RegistrationConfig `yaml:"registration"`

	// Persisted preferences and their initial values
	Preferences PreferencesConfig `yaml:"preferences"`

	// Arbitration tunables
	Routing RoutingConfig `yaml:"routing"`

	// Audio activity source
	Audio AudioConfig `yaml:"audio"`

	IPC IPCConfig `yaml:"ipc"`

	// State WebSocket and status endpoint
	HTTP HTTPConfig `yaml:"http"`

	Logging LoggingConfig `yaml:"logging"`
}

type InputConfig struct {
	Devices []string `yaml:"devices,omitempty"`
}

type ReceiverConfig struct {
	// MPRISName is the suffix of the router's own player name
	// (org.mpris.MediaPlayer2.<MPRISName>).
	MPRISName string `yaml:"mpris_name"`
	// Serve controls whether the router registers its own MPRIS player.
	Serve bool `yaml:"serve"`
	// Ignore lists bus names or packages never considered as candidates.
	Ignore []string `yaml:"ignore,omitempty"`
}

type RegistrationConfig struct {
	SlotPath       string `yaml:"slot_path"`
	PollIntervalMS int    `yaml:"poll_interval_ms"`
}

type PreferencesConfig struct {
	Path             string `yaml:"path"`
	Enabled          bool   `yaml:"enabled"`
	Conservative     bool   `yaml:"conservative"`
	SoleReceiverMode bool   `yaml:"sole_receiver_mode"`
}

type RoutingConfig struct {
	ValidateLastHandler bool `yaml:"validate_last_handler"`
	DecisionBudgetMS    int  `yaml:"decision_budget_ms"`
	ChooserWakeMS       int  `yaml:"chooser_wake_ms"`
	ChooserTimeoutMS    int  `yaml:"chooser_timeout_ms"`
	ForwardTimeoutMS    int  `yaml:"forward_timeout_ms"`
}

type AudioConfig struct {
	ALSARoot string `yaml:"alsa_root"`
}

type IPCConfig struct {
	SocketPath     string `yaml:"socket_path"`
	ReplyTimeoutMS int    `yaml:"reply_timeout_ms"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfigPath is where the daemon looks for a config file when none is given.
func DefaultConfigPath() string {
	return configdir.LocalConfig(appName, "config.yaml")
}

// DefaultConfig returns a fully-populated Config with defaults.
// Keep this aligned with constants.go.
func DefaultConfig() Config {
	return Config{
		Receiver: ReceiverConfig{
			MPRISName: appName,
			Serve:     true,
		},
		Registration: RegistrationConfig{
			SlotPath:       configdir.LocalConfig(appName, "media_button_receiver"),
			PollIntervalMS: int(defaultSlotPollInterval / time.Millisecond),
		},
		Preferences: PreferencesConfig{
			Path:    configdir.LocalConfig(appName, "preferences.yaml"),
			Enabled: true,
		},
		Routing: RoutingConfig{
			ValidateLastHandler: true,
			DecisionBudgetMS:    int(defaultDecisionBudget / time.Millisecond),
			ChooserWakeMS:       int(defaultChooserWake / time.Millisecond),
			ChooserTimeoutMS:    int(defaultChooserTimeout / time.Millisecond),
			ForwardTimeoutMS:    1000,
		},
		Audio: AudioConfig{
			ALSARoot: "/proc/asound",
		},
		IPC: IPCConfig{
			SocketPath:     defaultSocketPath,
			ReplyTimeoutMS: int(defaultIPCReplyTimeout / time.Millisecond),
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Bind:    "127.0.0.1",
			Port:    defaultHTTPPort,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file on top of DefaultConfig.
//
// Notes:
//   - Unknown fields are rejected (helps catch typos) via KnownFields(true).
//   - Only a single YAML document is allowed.
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Only whitespace/comments are allowed after the document.
	if err := dec.Decode(&struct{}{}); err == nil {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// FlagOverrides holds flag values to apply on top of a loaded config. Each
// override is applied only when its pointer is non-nil.
type FlagOverrides struct {
	InputDevices *string // comma-separated

	MPRISName *string
	Serve     *bool

	SlotPath  *string
	PrefsPath *string

	ValidateLastHandler *bool
	DecisionBudgetMS    *int

	IPCSocketPath *string
	HTTPPort      *int

	LogLevel *string
}

// Apply merges the overrides into cfg.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.InputDevices != nil {
		cfg.Input.Devices = splitList(*o.InputDevices)
	}
	if o.MPRISName != nil {
		cfg.Receiver.MPRISName = *o.MPRISName
	}
	if o.Serve != nil {
		cfg.Receiver.Serve = *o.Serve
	}
	if o.SlotPath != nil {
		cfg.Registration.SlotPath = *o.SlotPath
	}
	if o.PrefsPath != nil {
		cfg.Preferences.Path = *o.PrefsPath
	}
	if o.ValidateLastHandler != nil {
		cfg.Routing.ValidateLastHandler = *o.ValidateLastHandler
	}
	if o.DecisionBudgetMS != nil {
		cfg.Routing.DecisionBudgetMS = *o.DecisionBudgetMS
	}
	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}
	if o.HTTPPort != nil {
		cfg.HTTP.Port = *o.HTTPPort
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks config invariants and returns a user-friendly error.
// This is intended to be called after defaults + file + overrides are applied.
func (c *Config) Validate() error {
	for i, dev := range c.Input.Devices {
		if dev == "" {
			return fmt.Errorf("input.devices[%d] is empty", i)
		}
	}

	if c.Receiver.MPRISName == "" {
		return errors.New("receiver.mpris_name must not be empty")
	}
	if strings.ContainsAny(c.Receiver.MPRISName, "/ ") {
		return fmt.Errorf("receiver.mpris_name %q must be a bus name element", c.Receiver.MPRISName)
	}
	if !c.Receiver.Serve && len(c.Input.Devices) == 0 {
		return errors.New("no key source: set receiver.serve or input.devices")
	}

	if c.Registration.SlotPath == "" {
		return errors.New("registration.slot_path must not be empty")
	}
	if c.Registration.PollIntervalMS <= 0 {
		return errors.New("registration.poll_interval_ms must be > 0")
	}

	if c.Preferences.Path == "" {
		return errors.New("preferences.path must not be empty")
	}

	if c.Routing.DecisionBudgetMS <= 0 {
		return errors.New("routing.decision_budget_ms must be > 0")
	}
	if c.Routing.ChooserWakeMS <= 0 {
		return errors.New("routing.chooser_wake_ms must be > 0")
	}
	if c.Routing.ChooserTimeoutMS <= 0 {
		return errors.New("routing.chooser_timeout_ms must be > 0")
	}
	if c.Routing.ForwardTimeoutMS < 0 {
		return errors.New("routing.forward_timeout_ms must be >= 0")
	}

	if c.IPC.SocketPath == "" {
		return errors.New("ipc.socket_path must not be empty")
	}
	if c.IPC.ReplyTimeoutMS <= c.Routing.DecisionBudgetMS {
		return errors.New("ipc.reply_timeout_ms must be > routing.decision_budget_ms")
	}

	if c.HTTP.Enabled && (c.HTTP.Port <= 0 || c.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}

	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	return nil
}

// Self is the router's own receiver component.
func (c *Config) Self() Component {
	name := mprisNamePrefix + c.Receiver.MPRISName
	return Component{Package: mprisPackage(name), Name: name}
}

// ChooserMarker is the component the chooser lends the receiver slot to.
func (c *Config) ChooserMarker() Component {
	return Component{Package: c.Self().Package, Name: chooserMarkerName}
}

// HTTPAddr is the listen address of the HTTP server.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Bind, c.HTTP.Port)
}

func (c *Config) RouterConfig() RouterConfig {
	return RouterConfig{
		Budget:      time.Duration(c.Routing.DecisionBudgetMS) * time.Millisecond,
		ChooserWake: time.Duration(c.Routing.ChooserWakeMS) * time.Millisecond,
	}
}

// DefaultPreferences are used when the preferences file does not exist yet.
func (c *Config) DefaultPreferences() Preferences {
	return Preferences{
		Enabled:          c.Preferences.Enabled,
		Conservative:     c.Preferences.Conservative,
		SoleReceiverMode: c.Preferences.SoleReceiverMode,
	}
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
