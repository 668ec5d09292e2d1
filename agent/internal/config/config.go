package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/viper"
)

// Snapshot is one complete, immutable view of the agent configuration.
// Components never mutate a Snapshot; updates build a new one and swap it
// through a Store.
type Snapshot struct {
	ServerURL string `mapstructure:"server_url"`

	// Identity, written at enrollment.
	AgentID          string   `mapstructure:"agent_id"`
	OrgID            string   `mapstructure:"org_id"`
	SiteID           string   `mapstructure:"site_id"`
	Tags             []string `mapstructure:"tags"`
	HostnameOverride string   `mapstructure:"hostname_override"`

	// Connection parameters.
	HeartbeatIntervalSeconds int `mapstructure:"heartbeat_interval_seconds"`
	HeartbeatTimeoutSeconds  int `mapstructure:"heartbeat_timeout_seconds"`
	MetricsIntervalSeconds   int `mapstructure:"metrics_interval_seconds"`

	// Inventory refresh, cron spec.
	InventorySchedule string `mapstructure:"inventory_schedule"`

	// Resilience.
	ReconnectIntervalSeconds int `mapstructure:"reconnect_interval_seconds"`
	MaxReconnectAttempts     int `mapstructure:"max_reconnect_attempts"`
	OfflineBufferCapacity    int `mapstructure:"offline_buffer_capacity"`

	// Execution policy.
	AllowedInterpreters   []string `mapstructure:"allowed_interpreters"`
	MaxRuntimeSeconds     int      `mapstructure:"max_runtime_seconds"`
	MaxOutputBytes        int      `mapstructure:"max_output_bytes"`
	MaxCPUSeconds         int      `mapstructure:"max_cpu_seconds"`
	MaxMemoryMB           int      `mapstructure:"max_memory_mb"`
	WorkDir               string   `mapstructure:"work_dir"`
	SharedWorkDir         bool     `mapstructure:"shared_work_dir"`
	MaxConcurrentCommands int      `mapstructure:"max_concurrent_commands"`

	// Remote access policy.
	RemoteAccessEnabled    bool     `mapstructure:"remote_access_enabled"`
	RequireApproval        bool     `mapstructure:"require_approval"`
	ApprovalTimeoutSeconds int      `mapstructure:"approval_timeout_seconds"`
	ICEServers             []string `mapstructure:"ice_servers"`

	// Logging.
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	LogFile   string `mapstructure:"log_file"`

	// Local paths.
	DataDir       string `mapstructure:"data_dir"`
	IPCSocketPath string `mapstructure:"ipc_socket_path"`
}

func Default() *Snapshot {
	return &Snapshot{
		HeartbeatIntervalSeconds: 60,
		HeartbeatTimeoutSeconds:  30,
		MetricsIntervalSeconds:   30,
		InventorySchedule:        "@every 15m",
		ReconnectIntervalSeconds: 5,
		MaxReconnectAttempts:     0,
		OfflineBufferCapacity:    1000,
		AllowedInterpreters:      []string{"bash", "sh"},
		MaxRuntimeSeconds:        300,
		MaxOutputBytes:           1024 * 1024,
		MaxCPUSeconds:            0,
		MaxMemoryMB:              0,
		MaxConcurrentCommands:    4,
		RemoteAccessEnabled:      true,
		RequireApproval:          false,
		ApprovalTimeoutSeconds:   60,
		LogLevel:                 "info",
		LogFormat:                "console",
		DataDir:                  defaultDataDir(),
		IPCSocketPath:            defaultSocketPath(),
	}
}

// Duration accessors so callers do not repeat second arithmetic.

func (s *Snapshot) HeartbeatInterval() time.Duration {
	return time.Duration(s.HeartbeatIntervalSeconds) * time.Second
}

func (s *Snapshot) HeartbeatTimeout() time.Duration {
	return time.Duration(s.HeartbeatTimeoutSeconds) * time.Second
}

func (s *Snapshot) ReconnectInterval() time.Duration {
	return time.Duration(s.ReconnectIntervalSeconds) * time.Second
}

func (s *Snapshot) ApprovalTimeout() time.Duration {
	return time.Duration(s.ApprovalTimeoutSeconds) * time.Second
}

func (s *Snapshot) MaxRuntime() time.Duration {
	return time.Duration(s.MaxRuntimeSeconds) * time.Second
}

// Clone returns a deep copy. Slices are copied so a derived snapshot never
// aliases the one readers hold.
func (s *Snapshot) Clone() *Snapshot {
	next := *s
	next.Tags = append([]string(nil), s.Tags...)
	next.AllowedInterpreters = append([]string(nil), s.AllowedInterpreters...)
	next.ICEServers = append([]string(nil), s.ICEServers...)
	return &next
}

func newViper(cfgFile string) *viper.Viper {
	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("agent")
		v.SetConfigType("yaml")
		v.AddConfigPath(ConfigDir())
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("FLEETGUARD")
	v.AutomaticEnv()
	return v
}

// Load reads the configuration file (if present) with environment
// variables taking precedence, applies defaults, and validates. Fatal
// validation errors block startup; warnings are returned for logging.
func Load(cfgFile string) (*Snapshot, []error, error) {
	cfg := Default()

	v := newViper(cfgFile)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, nil, fmt.Errorf("read config: %w", err)
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, nil, fmt.Errorf("parse config: %w", err)
	}

	result := cfg.Validate()
	if len(result.Fatals) > 0 {
		return nil, result.Warnings, fmt.Errorf("config invalid: %v", result.Fatals[0])
	}
	return cfg, result.Warnings, nil
}

// Save writes the snapshot back to the config file. Used after enrollment
// to persist identity and after unenrollment to clear it.
func Save(cfg *Snapshot, cfgFile string) error {
	v := viper.New()
	v.Set("server_url", cfg.ServerURL)
	v.Set("agent_id", cfg.AgentID)
	v.Set("org_id", cfg.OrgID)
	v.Set("site_id", cfg.SiteID)
	v.Set("tags", cfg.Tags)
	v.Set("hostname_override", cfg.HostnameOverride)
	v.Set("heartbeat_interval_seconds", cfg.HeartbeatIntervalSeconds)
	v.Set("heartbeat_timeout_seconds", cfg.HeartbeatTimeoutSeconds)
	v.Set("metrics_interval_seconds", cfg.MetricsIntervalSeconds)
	v.Set("inventory_schedule", cfg.InventorySchedule)
	v.Set("reconnect_interval_seconds", cfg.ReconnectIntervalSeconds)
	v.Set("max_reconnect_attempts", cfg.MaxReconnectAttempts)
	v.Set("offline_buffer_capacity", cfg.OfflineBufferCapacity)
	v.Set("allowed_interpreters", cfg.AllowedInterpreters)
	v.Set("max_runtime_seconds", cfg.MaxRuntimeSeconds)
	v.Set("max_output_bytes", cfg.MaxOutputBytes)
	v.Set("max_cpu_seconds", cfg.MaxCPUSeconds)
	v.Set("max_memory_mb", cfg.MaxMemoryMB)
	v.Set("work_dir", cfg.WorkDir)
	v.Set("shared_work_dir", cfg.SharedWorkDir)
	v.Set("max_concurrent_commands", cfg.MaxConcurrentCommands)
	v.Set("remote_access_enabled", cfg.RemoteAccessEnabled)
	v.Set("require_approval", cfg.RequireApproval)
	v.Set("approval_timeout_seconds", cfg.ApprovalTimeoutSeconds)
	v.Set("ice_servers", cfg.ICEServers)
	v.Set("log_level", cfg.LogLevel)
	v.Set("log_format", cfg.LogFormat)
	v.Set("log_file", cfg.LogFile)
	v.Set("data_dir", cfg.DataDir)
	v.Set("ipc_socket_path", cfg.IPCSocketPath)

	path := cfgFile
	if path == "" {
		path = filepath.Join(ConfigDir(), "agent.yaml")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	if err := v.WriteConfigAs(path); err != nil {
		return err
	}
	// Identity and paths only; still owner-only since the file names the org.
	return os.Chmod(path, 0o600)
}

// ConfigDir returns the platform config directory.
func ConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "FleetGuard")
	case "darwin":
		return "/Library/Application Support/FleetGuard"
	default:
		return "/etc/fleetguard"
	}
}

func defaultDataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "FleetGuard", "data")
	case "darwin":
		return "/Library/Application Support/FleetGuard/data"
	default:
		return "/var/lib/fleetguard"
	}
}

func defaultSocketPath() string {
	if runtime.GOOS == "windows" {
		return `\\.\pipe\fleetguard`
	}
	return "/run/fleetguard.sock"
}
