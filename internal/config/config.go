package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Relay     RelayConfig     `koanf:"relay"`
	Transport TransportConfig `koanf:"transport"`
	Ops       OpsConfig       `koanf:"ops"`
	Tabs      TabsConfig      `koanf:"tabs"`
	Log       LogConfig       `koanf:"log"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Extension ExtensionConfig `koanf:"extension"`
}

type ExtensionConfig struct {
	// CapabilityEndpoint is the loopback URL of the browser automation
	// bridge the extension daemon drives.
	CapabilityEndpoint string `koanf:"capability_endpoint"`
	// ChatBaseURL is the chat application origin, used to build
	// conversation URLs.
	ChatBaseURL string `koanf:"chat_base_url"`
	// OrgCookie names the cookie carrying the active organization id.
	OrgCookie string `koanf:"org_cookie"`
	// StatusIntervalMs is the cadence of status_report frames.
	StatusIntervalMs int `koanf:"status_interval_ms"`
	// Transport selects "ws" or "pull".
	Transport string `koanf:"transport"`
}

type RelayConfig struct {
	// Port for the peer websocket endpoint. Loopback only; peers are trusted.
	Port int `koanf:"port"`
	// Listen address for the secondary pull-transport/health REST endpoint.
	// Empty disables the listener.
	RESTListen string `koanf:"rest_listen"`
}

type TransportConfig struct {
	HeartbeatMs    int `koanf:"heartbeat_ms"`
	FrameSizeLimit int `koanf:"frame_size_limit"`
	// Missed pongs before a peer is marked dead and closed.
	MaxMissedPongs int `koanf:"max_missed_pongs"`
	SendQueueSize  int `koanf:"send_queue_size"`
	// Outbound reconnect backoff bounds for connection-initiating peers.
	ReconnectMinMs int `koanf:"reconnect_min_ms"`
	ReconnectMaxMs int `koanf:"reconnect_max_ms"`
}

type OpsConfig struct {
	StorePath string `koanf:"store_path"`
	// Recently-terminated operations retained in the snapshot.
	TerminalRingSize int `koanf:"terminal_ring_size"`
	// Grace window for rebinding in-flight operations to a re-registering
	// extension before failing them with PeerDisconnected.
	DisconnectGraceMs int `koanf:"disconnect_grace_ms"`
	// Per-kind default deadlines.
	SendDeadlineMs     int `koanf:"send_deadline_ms"`
	ResponseDeadlineMs int `koanf:"response_deadline_ms"`
	ForwardDeadlineMs  int `koanf:"forward_deadline_ms"`
	// Rehydrate in-flight operations from the store on startup instead of
	// failing them with ProcessRestarted.
	Rehydrate bool `koanf:"rehydrate"`
}

type TabsConfig struct {
	LockTimeoutMs int `koanf:"lock_timeout_ms"`
	// Navigation events within this window after observer injection do not
	// clear injection state.
	InjectionGraceMs int `koanf:"injection_grace_ms"`
	// Active operations get this long to drain during cleanup.
	CleanupDrainMs   int `koanf:"cleanup_drain_ms"`
	NetworkBufferCap int `koanf:"network_buffer_cap"`
}

type LogConfig struct {
	Level     string `koanf:"level"`
	BufferCap int    `koanf:"buffer_cap"`
	DebugMode bool   `koanf:"debug_mode"`
	// Batching interval for debug-mode log forwarding.
	ForwardIntervalMs int `koanf:"forward_interval_ms"`
}

type SchedulerConfig struct {
	CommandIntervalMs    int `koanf:"command_interval_ms"`
	MaxCommandIntervalMs int `koanf:"max_command_interval_ms"`
	HealthIntervalMs     int `koanf:"health_interval_ms"`
	HeartbeatIntervalMs  int `koanf:"heartbeat_interval_ms"`
	IdleThresholdMs      int `koanf:"idle_threshold_ms"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML file first.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: CHATRELAY_TRANSPORT__HEARTBEAT_MS → transport.heartbeat_ms
	if err := k.Load(env.Provider("CHATRELAY_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "CHATRELAY_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration. Every value can be overridden
// by file or environment.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			Port:       54321,
			RESTListen: "127.0.0.1:54322",
		},
		Transport: TransportConfig{
			HeartbeatMs:    15000,
			FrameSizeLimit: 10 * 1024 * 1024,
			MaxMissedPongs: 3,
			SendQueueSize:  64,
			ReconnectMinMs: 500,
			ReconnectMaxMs: 5000,
		},
		Ops: OpsConfig{
			StorePath:          "operations.json",
			TerminalRingSize:   100,
			DisconnectGraceMs:  10000,
			SendDeadlineMs:     60000,
			ResponseDeadlineMs: 120000,
			ForwardDeadlineMs:  180000,
		},
		Tabs: TabsConfig{
			LockTimeoutMs:    30000,
			InjectionGraceMs: 5000,
			CleanupDrainMs:   5000,
			NetworkBufferCap: 1000,
		},
		Log: LogConfig{
			Level:             "info",
			BufferCap:         1000,
			ForwardIntervalMs: 1000,
		},
		Scheduler: SchedulerConfig{
			CommandIntervalMs:    500,
			MaxCommandIntervalMs: 2000,
			HealthIntervalMs:     10000,
			HeartbeatIntervalMs:  15000,
			IdleThresholdMs:      30000,
		},
		Extension: ExtensionConfig{
			CapabilityEndpoint: "http://127.0.0.1:54330/capability",
			OrgCookie:          "lastActiveOrg",
			StatusIntervalMs:   10000,
			Transport:          "ws",
		},
	}
}

func (c *Config) Validate() error {
	if c.Relay.Port <= 0 || c.Relay.Port > 65535 {
		return fmt.Errorf("config: relay.port must be in 1..65535 (got %d)", c.Relay.Port)
	}
	if c.Transport.HeartbeatMs <= 0 {
		return fmt.Errorf("config: transport.heartbeat_ms must be > 0 (got %d)", c.Transport.HeartbeatMs)
	}
	if c.Transport.FrameSizeLimit <= 0 {
		return fmt.Errorf("config: transport.frame_size_limit must be > 0 (got %d)", c.Transport.FrameSizeLimit)
	}
	if c.Transport.MaxMissedPongs <= 0 {
		return fmt.Errorf("config: transport.max_missed_pongs must be > 0 (got %d)", c.Transport.MaxMissedPongs)
	}
	if c.Transport.SendQueueSize <= 0 {
		return fmt.Errorf("config: transport.send_queue_size must be > 0 (got %d)", c.Transport.SendQueueSize)
	}
	if c.Transport.ReconnectMinMs <= 0 || c.Transport.ReconnectMaxMs < c.Transport.ReconnectMinMs {
		return fmt.Errorf("config: transport reconnect bounds invalid (%d..%d)",
			c.Transport.ReconnectMinMs, c.Transport.ReconnectMaxMs)
	}
	if c.Ops.StorePath == "" {
		return fmt.Errorf("config: ops.store_path is required")
	}
	if c.Ops.TerminalRingSize <= 0 {
		return fmt.Errorf("config: ops.terminal_ring_size must be > 0 (got %d)", c.Ops.TerminalRingSize)
	}
	if c.Ops.DisconnectGraceMs <= 0 {
		return fmt.Errorf("config: ops.disconnect_grace_ms must be > 0 (got %d)", c.Ops.DisconnectGraceMs)
	}
	if c.Tabs.LockTimeoutMs <= 0 {
		return fmt.Errorf("config: tabs.lock_timeout_ms must be > 0 (got %d)", c.Tabs.LockTimeoutMs)
	}
	if c.Tabs.NetworkBufferCap <= 0 {
		return fmt.Errorf("config: tabs.network_buffer_cap must be > 0 (got %d)", c.Tabs.NetworkBufferCap)
	}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("config: log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	if c.Log.BufferCap <= 0 {
		return fmt.Errorf("config: log.buffer_cap must be > 0 (got %d)", c.Log.BufferCap)
	}
	if c.Scheduler.CommandIntervalMs <= 0 {
		return fmt.Errorf("config: scheduler.command_interval_ms must be > 0 (got %d)", c.Scheduler.CommandIntervalMs)
	}
	if c.Scheduler.MaxCommandIntervalMs < c.Scheduler.CommandIntervalMs {
		return fmt.Errorf("config: scheduler.max_command_interval_ms (%d) below scheduler.command_interval_ms (%d)",
			c.Scheduler.MaxCommandIntervalMs, c.Scheduler.CommandIntervalMs)
	}
	if c.Scheduler.IdleThresholdMs <= 0 {
		return fmt.Errorf("config: scheduler.idle_threshold_ms must be > 0 (got %d)", c.Scheduler.IdleThresholdMs)
	}
	if c.Extension.Transport != "ws" && c.Extension.Transport != "pull" {
		return fmt.Errorf("config: extension.transport must be ws or pull (got %q)", c.Extension.Transport)
	}
	return nil
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Heartbeat returns the keep-alive cadence as a duration.
func (c *Config) Heartbeat() time.Duration {
	return time.Duration(c.Transport.HeartbeatMs) * time.Millisecond
}

// DisconnectGrace returns the extension rebind grace window as a duration.
func (c *Config) DisconnectGrace() time.Duration {
	return time.Duration(c.Ops.DisconnectGraceMs) * time.Millisecond
}

// LockTimeout returns the default tab lock acquisition timeout.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.Tabs.LockTimeoutMs) * time.Millisecond
}
