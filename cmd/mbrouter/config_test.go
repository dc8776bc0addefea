package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Self() != (Component{Package: "mbrouter", Name: "org.mpris.MediaPlayer2.mbrouter"}) {
		t.Fatalf("Self = %+v", cfg.Self())
	}
	if cfg.ChooserMarker().Package != cfg.Self().Package || cfg.ChooserMarker() == cfg.Self() {
		t.Fatalf("ChooserMarker = %+v", cfg.ChooserMarker())
	}
	if cfg.HTTPAddr() != "127.0.0.1:3011" {
		t.Fatalf("HTTPAddr = %q", cfg.HTTPAddr())
	}
	if rc := cfg.RouterConfig(); rc.Budget != defaultDecisionBudget || rc.ChooserWake != defaultChooserWake {
		t.Fatalf("RouterConfig = %+v", rc)
	}
}

func TestLoadConfigFile_OverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
receiver:
  mpris_name: router
  ignore: [kdeconnect]
preferences:
  conservative: true
routing:
  decision_budget_ms: 500
  validate_last_handler: false
`)
	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	if cfg.Receiver.MPRISName != "router" || len(cfg.Receiver.Ignore) != 1 {
		t.Fatalf("receiver = %+v", cfg.Receiver)
	}
	if !cfg.Receiver.Serve {
		t.Fatalf("unset fields must keep defaults")
	}
	if !cfg.DefaultPreferences().Conservative || !cfg.DefaultPreferences().Enabled {
		t.Fatalf("default prefs = %+v", cfg.DefaultPreferences())
	}
	if cfg.RouterConfig().Budget != 500*time.Millisecond || cfg.Routing.ValidateLastHandler {
		t.Fatalf("routing = %+v", cfg.Routing)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadConfigFile_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown field":  "routing:\n  decision_budget: 5\n",
		"trailing doc":   "logging:\n  level: info\n---\nlogging:\n  level: debug\n",
		"malformed yaml": "receiver: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadConfigFile(writeConfig(t, body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
	if _, err := LoadConfigFile(""); err == nil {
		t.Fatalf("empty path accepted")
	}
}

func TestValidate_Errors(t *testing.T) {
	cases := map[string]func(c *Config){
		"no key source": func(c *Config) { c.Receiver.Serve = false },
		"bad name":      func(c *Config) { c.Receiver.MPRISName = "a/b" },
		"budget":        func(c *Config) { c.Routing.DecisionBudgetMS = 0 },
		"reply timeout": func(c *Config) { c.IPC.ReplyTimeoutMS = c.Routing.DecisionBudgetMS },
		"port":          func(c *Config) { c.HTTP.Port = 70000 },
		"log level":     func(c *Config) { c.Logging.Level = "loud" },
		"empty device":  func(c *Config) { c.Input.Devices = []string{""} },
		"slot path":     func(c *Config) { c.Registration.SlotPath = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}

	// Disabled HTTP does not need a port; devices alone are a key source.
	cfg := DefaultConfig()
	cfg.HTTP.Enabled = false
	cfg.HTTP.Port = 0
	cfg.Receiver.Serve = false
	cfg.Input.Devices = []string{"/dev/input/event3"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestFlagOverrides_Apply(t *testing.T) {
	cfg := DefaultConfig()
	devices := " /dev/input/event3, ,/dev/input/event7 "
	serve := false
	port := 4000
	level := "debug"
	FlagOverrides{InputDevices: &devices, Serve: &serve, HTTPPort: &port, LogLevel: &level}.Apply(&cfg)

	if len(cfg.Input.Devices) != 2 || cfg.Input.Devices[1] != "/dev/input/event7" {
		t.Fatalf("devices = %q", cfg.Input.Devices)
	}
	if cfg.Receiver.Serve || cfg.HTTP.Port != 4000 || cfg.Logging.Level != "debug" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.IPC.SocketPath != defaultSocketPath {
		t.Fatalf("unset override changed socket path")
	}
	FlagOverrides{}.Apply(nil)
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := ExpandPath("~/x/y"); got != filepath.Join(home, "x/y") {
		t.Fatalf("ExpandPath = %q", got)
	}
	if got := ExpandPath("/abs"); got != "/abs" {
		t.Fatalf("ExpandPath = %q", got)
	}
	if got := ExpandPath("~other/x"); got != "~other/x" {
		t.Fatalf("ExpandPath = %q", got)
	}
}

func TestParseLogLevel(t *testing.T) {
	for in, want := range map[string]LogLevel{"ERROR": LogLevelError, "warning": LogLevelWarn, "info": LogLevelInfo, "debug": LogLevelDebug} {
		got, err := parseLogLevel(in)
		if err != nil || got != want {
			t.Fatalf("parseLogLevel(%q) = %q %v", in, got, err)
		}
	}
	if _, err := parseLogLevel("trace"); err == nil {
		t.Fatalf("trace accepted")
	}
}

func TestSetupLogger_LevelAndComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := componentLogger(setupLogger(&buf, LogLevelWarn), "pinner")
	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") || !strings.Contains(out, "component=pinner") {
		t.Fatalf("log output = %q", out)
	}
}
