package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/pinchtab/autoaccept/internal/idutil"
	"gopkg.in/yaml.v3"
)

const (
	ModeBackground  = "background"
	ModeInteractive = "interactive"
	TierFree        = "free"
	TierPro         = "pro"
)

// Automation is the part of the configuration pushed to every target.
type Automation struct {
	Mode           string   `json:"mode" yaml:"mode"`
	BannedCommands []string `json:"bannedCommands" yaml:"bannedCommands"`
	Tier           string   `json:"tier" yaml:"tier"`
}

func DefaultAutomation() Automation {
	return Automation{
		Mode: ModeInteractive,
		Tier: TierFree,
		BannedCommands: []string{
			"rm -rf /",
			"rm -rf ~",
			"/rm\\s+-rf\\s+\\*/",
			"mkfs",
			"dd if=",
			":(){ :|:& };:",
			"/git\\s+push\\s+.*--force/",
			"format c:",
			"/del\\s+\\/[sq]/i",
			"chmod -R 777 /",
			"shutdown",
		},
	}
}

// Normalize fills unknown fields with defaults and drops blank patterns.
func (a Automation) Normalize() Automation {
	switch strings.ToLower(strings.TrimSpace(a.Mode)) {
	case ModeBackground:
		a.Mode = ModeBackground
	default:
		a.Mode = ModeInteractive
	}
	switch strings.ToLower(strings.TrimSpace(a.Tier)) {
	case TierPro:
		a.Tier = TierPro
	default:
		a.Tier = TierFree
	}
	banned := make([]string, 0, len(a.BannedCommands))
	for _, p := range a.BannedCommands {
		if strings.TrimSpace(p) != "" {
			banned = append(banned, p)
		}
	}
	a.BannedCommands = banned
	return a
}

// Rotation reports whether sessions should rotate through tabs.
func (a Automation) Rotation() bool {
	return a.Mode == ModeBackground && a.Tier == TierPro
}

// Payload is the canonical encoding sent to targets.
func (a Automation) Payload() []byte {
	b, _ := json.Marshal(a.Normalize())
	return b
}

func (a Automation) Hash() string {
	return idutil.ConfigHash(a.Payload())
}

func (a Automation) Equal(b Automation) bool {
	a, b = a.Normalize(), b.Normalize()
	return a.Mode == b.Mode && a.Tier == b.Tier && slices.Equal(a.BannedCommands, b.BannedCommands)
}

type RuntimeConfig struct {
	Bind              string
	Port              string
	Token             string
	StateDir          string
	ConfigPath        string
	CdpURL            string
	Host              string
	Ports             []int
	ScanInterval      time.Duration
	DiscoveryInterval time.Duration
	ProbeTimeout      time.Duration
	DialTimeout       time.Duration
	CallTimeout       time.Duration
	ShutdownTimeout   time.Duration
	AutoStart         bool
	Automation        Automation
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func envBoolOr(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func envPortsOr(key string, fallback []int) []int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	ports, err := ParsePorts(v)
	if err != nil || len(ports) == 0 {
		return fallback
	}
	return ports
}

// ParsePorts reads a comma separated list of ports and port ranges
// ("9222,9000-9005").
func ParsePorts(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		a, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			return nil, fmt.Errorf("port %q: %w", part, err)
		}
		b := a
		if isRange {
			if b, err = strconv.Atoi(strings.TrimSpace(hi)); err != nil {
				return nil, fmt.Errorf("port %q: %w", part, err)
			}
		}
		if a < 1 || b > 65535 || b < a {
			return nil, fmt.Errorf("port %q out of range", part)
		}
		for p := a; p <= b; p++ {
			out = append(out, p)
		}
	}
	return out, nil
}

func homeDir() string {
	h, _ := os.UserHomeDir()
	return h
}

func (c *RuntimeConfig) ListenAddr() string {
	return c.Bind + ":" + c.Port
}

type FileConfig struct {
	Port         string      `json:"port" yaml:"port"`
	Bind         string      `json:"bind,omitempty" yaml:"bind,omitempty"`
	Token        string      `json:"token,omitempty" yaml:"token,omitempty"`
	StateDir     string      `json:"stateDir" yaml:"stateDir"`
	CdpURL       string      `json:"cdpUrl,omitempty" yaml:"cdpUrl,omitempty"`
	Host         string      `json:"host,omitempty" yaml:"host,omitempty"`
	Ports        []int       `json:"ports,omitempty" yaml:"ports,omitempty"`
	IntervalMs   int         `json:"intervalMs,omitempty" yaml:"intervalMs,omitempty"`
	DiscoverySec int         `json:"discoverySec,omitempty" yaml:"discoverySec,omitempty"`
	AutoStart    *bool       `json:"autoStart,omitempty" yaml:"autoStart,omitempty"`
	Automation   *Automation `json:"automation,omitempty" yaml:"automation,omitempty"`
}

func defaultPorts() []int {
	return []int{9000, 9001, 9002, 9003, 9004, 9005, 9222, 9223, 9224, 9225, 13337, 60345}
}

func Load() *RuntimeConfig {
	cfg := &RuntimeConfig{
		Bind:              envOr("AUTOACCEPT_BIND", "127.0.0.1"),
		Port:              envOr("AUTOACCEPT_PORT", "9868"),
		Token:             os.Getenv("AUTOACCEPT_TOKEN"),
		StateDir:          envOr("AUTOACCEPT_STATE_DIR", filepath.Join(homeDir(), ".autoaccept")),
		ConfigPath:        envOr("AUTOACCEPT_CONFIG", filepath.Join(homeDir(), ".autoaccept", "config.json")),
		CdpURL:            os.Getenv("CDP_URL"),
		Host:              envOr("AUTOACCEPT_HOST", "127.0.0.1"),
		Ports:             envPortsOr("AUTOACCEPT_PORTS", defaultPorts()),
		ScanInterval:      time.Duration(envIntOr("AUTOACCEPT_INTERVAL_MS", 2000)) * time.Millisecond,
		DiscoveryInterval: time.Duration(envIntOr("AUTOACCEPT_DISCOVERY_SEC", 30)) * time.Second,
		ProbeTimeout:      400 * time.Millisecond,
		DialTimeout:       2 * time.Second,
		CallTimeout:       6 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		AutoStart:         envBoolOr("AUTOACCEPT_AUTOSTART", true),
		Automation:        DefaultAutomation(),
	}
	if v := os.Getenv("AUTOACCEPT_MODE"); v != "" {
		cfg.Automation.Mode = v
	}
	if v := os.Getenv("AUTOACCEPT_TIER"); v != "" {
		cfg.Automation.Tier = v
	}

	fc, err := LoadFile(cfg.ConfigPath)
	if err != nil {
		cfg.Automation = cfg.Automation.Normalize()
		return cfg
	}
	fc.apply(cfg)
	cfg.Automation = cfg.Automation.Normalize()
	return cfg
}

// LoadFile reads a JSON or YAML config file, chosen by extension.
func LoadFile(path string) (FileConfig, error) {
	var fc FileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &fc)
	default:
		err = json.Unmarshal(data, &fc)
	}
	if err != nil {
		return fc, fmt.Errorf("parse %s: %w", path, err)
	}
	return fc, nil
}

// apply overlays file values on cfg. Environment variables win.
func (fc FileConfig) apply(cfg *RuntimeConfig) {
	if fc.Port != "" && os.Getenv("AUTOACCEPT_PORT") == "" {
		cfg.Port = fc.Port
	}
	if fc.Bind != "" && os.Getenv("AUTOACCEPT_BIND") == "" {
		cfg.Bind = fc.Bind
	}
	if fc.Token != "" && os.Getenv("AUTOACCEPT_TOKEN") == "" {
		cfg.Token = fc.Token
	}
	if fc.StateDir != "" && os.Getenv("AUTOACCEPT_STATE_DIR") == "" {
		cfg.StateDir = fc.StateDir
	}
	if fc.CdpURL != "" && os.Getenv("CDP_URL") == "" {
		cfg.CdpURL = fc.CdpURL
	}
	if fc.Host != "" && os.Getenv("AUTOACCEPT_HOST") == "" {
		cfg.Host = fc.Host
	}
	if len(fc.Ports) > 0 && os.Getenv("AUTOACCEPT_PORTS") == "" {
		cfg.Ports = fc.Ports
	}
	if fc.IntervalMs > 0 && os.Getenv("AUTOACCEPT_INTERVAL_MS") == "" {
		cfg.ScanInterval = time.Duration(fc.IntervalMs) * time.Millisecond
	}
	if fc.DiscoverySec > 0 && os.Getenv("AUTOACCEPT_DISCOVERY_SEC") == "" {
		cfg.DiscoveryInterval = time.Duration(fc.DiscoverySec) * time.Second
	}
	if fc.AutoStart != nil && os.Getenv("AUTOACCEPT_AUTOSTART") == "" {
		cfg.AutoStart = *fc.AutoStart
	}
	if fc.Automation != nil {
		a := *fc.Automation
		if os.Getenv("AUTOACCEPT_MODE") != "" {
			a.Mode = cfg.Automation.Mode
		}
		if os.Getenv("AUTOACCEPT_TIER") != "" {
			a.Tier = cfg.Automation.Tier
		}
		if a.BannedCommands == nil {
			a.BannedCommands = cfg.Automation.BannedCommands
		}
		cfg.Automation = a
	}
}

func DefaultFileConfig() FileConfig {
	a := DefaultAutomation()
	return FileConfig{
		Port:         "9868",
		StateDir:     filepath.Join(homeDir(), ".autoaccept"),
		Ports:        defaultPorts(),
		IntervalMs:   2000,
		DiscoverySec: 30,
		Automation:   &a,
	}
}

// SaveAutomation rewrites the automation section of the config file at
// path, keeping the rest of the file.
func SaveAutomation(path string, a Automation) error {
	fc, err := LoadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	a = a.Normalize()
	fc.Automation = &a
	return writeFile(path, fc)
}

func writeFile(path string, fc FileConfig) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(fc)
	default:
		data, err = json.MarshalIndent(fc, "", "  ")
	}
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func HandleConfigCommand(cfg *RuntimeConfig) {
	if len(os.Args) < 3 {
		fmt.Println("Usage: autoaccept config <command>")
		fmt.Println("Commands:")
		fmt.Println("  init    - Create default config file")
		fmt.Println("  show    - Show current configuration")
		return
	}

	switch os.Args[2] {
	case "init":
		configPath := cfg.ConfigPath

		if _, err := os.Stat(configPath); err == nil {
			fmt.Printf("Config file already exists at %s\n", configPath)
			fmt.Print("Overwrite? (y/N): ")
			var response string
			_, _ = fmt.Scanln(&response)
			if response != "y" && response != "Y" {
				return
			}
		}

		if err := writeFile(configPath, DefaultFileConfig()); err != nil {
			fmt.Printf("Error writing config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Config file created at %s\n", configPath)

	case "show":
		fmt.Println("Current configuration:")
		fmt.Printf("  Listen:     %s\n", cfg.ListenAddr())
		fmt.Printf("  Token:      %s\n", MaskToken(cfg.Token))
		fmt.Printf("  State Dir:  %s\n", cfg.StateDir)
		fmt.Printf("  Config:     %s\n", cfg.ConfigPath)
		if cfg.CdpURL != "" {
			fmt.Printf("  CDP URL:    %s\n", cfg.CdpURL)
		} else {
			fmt.Printf("  Probe:      %s ports %v\n", cfg.Host, cfg.Ports)
		}
		fmt.Printf("  Intervals:  scan=%v discovery=%v\n", cfg.ScanInterval, cfg.DiscoveryInterval)
		fmt.Printf("  Mode:       %s (tier %s)\n", cfg.Automation.Mode, cfg.Automation.Tier)
		fmt.Printf("  Banned:     %d patterns (%s)\n", len(cfg.Automation.BannedCommands), cfg.Automation.Hash())

	default:
		fmt.Printf("Unknown command: %s\n", os.Args[2])
		os.Exit(1)
	}
}

func MaskToken(t string) string {
	if t == "" {
		return "(none)"
	}
	if len(t) <= 8 {
		return "***"
	}
	return t[:4] + "..." + t[len(t)-4:]
}
