// Package config loads the agent configuration from TOML, YAML or JSON files
// with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// Duration 支持 "30s" 形式的配置值
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

func D(v time.Duration) Duration { return Duration{v} }

type Config struct {
	Agent    AgentConfig    `toml:"agent" yaml:"agent" json:"agent"`
	Server   ServerConfig   `toml:"server" yaml:"server" json:"server"`
	Delivery DeliveryConfig `toml:"delivery" yaml:"delivery" json:"delivery"`
	Spool    SpoolConfig    `toml:"spool" yaml:"spool" json:"spool"`
	Detector DetectorConfig `toml:"detector" yaml:"detector" json:"detector"`
	Dispatch DispatchConfig `toml:"dispatch" yaml:"dispatch" json:"dispatch"`
	Forensic ForensicConfig `toml:"forensic" yaml:"forensic" json:"forensic"`
	Sensor   SensorConfig   `toml:"sensor" yaml:"sensor" json:"sensor"`
	Ledger   LedgerConfig   `toml:"ledger" yaml:"ledger" json:"ledger"`
	Log      LogConfig      `toml:"log" yaml:"log" json:"log"`
}

type AgentConfig struct {
	UserID   string `toml:"user_id" yaml:"user_id" json:"user_id"`
	AppID    string `toml:"app_id" yaml:"app_id" json:"app_id"`
	Version  string `toml:"version" yaml:"version" json:"version"`
	LockFile string `toml:"lock_file" yaml:"lock_file" json:"lock_file"` // 单实例锁
}

type ServerConfig struct {
	Host      string `toml:"host" yaml:"host" json:"host"`
	PortStart int    `toml:"port_start" yaml:"port_start" json:"port_start"`
	PortEnd   int    `toml:"port_end" yaml:"port_end" json:"port_end"`
	// EventRateLimit 每分钟每 IP 的 /event 请求上限
	EventRateLimit int      `toml:"event_rate_limit" yaml:"event_rate_limit" json:"event_rate_limit"`
	AllowedOrigins []string `toml:"allowed_origins" yaml:"allowed_origins" json:"allowed_origins"`
}

type DeliveryConfig struct {
	BaseURL          string   `toml:"base_url" yaml:"base_url" json:"base_url"` // 为空时使用本地控制面
	LogPath          string   `toml:"log_path" yaml:"log_path" json:"log_path"`
	EventPath        string   `toml:"event_path" yaml:"event_path" json:"event_path"`
	ConnectTimeout   Duration `toml:"connect_timeout" yaml:"connect_timeout" json:"connect_timeout"`
	ReadTimeout      Duration `toml:"read_timeout" yaml:"read_timeout" json:"read_timeout"`
	BatchSize        int      `toml:"batch_size" yaml:"batch_size" json:"batch_size"`
	InitialDelay     Duration `toml:"initial_delay" yaml:"initial_delay" json:"initial_delay"`
	BaseDelay        Duration `toml:"base_delay" yaml:"base_delay" json:"base_delay"`
	MaxDelay         Duration `toml:"max_delay" yaml:"max_delay" json:"max_delay"`
	BreakerFailures  uint32   `toml:"breaker_failures" yaml:"breaker_failures" json:"breaker_failures"`
	BreakerOpenFor   Duration `toml:"breaker_open_for" yaml:"breaker_open_for" json:"breaker_open_for"`
	EncryptTransport bool     `toml:"encrypt_transport" yaml:"encrypt_transport" json:"encrypt_transport"`
}

type SpoolConfig struct {
	Dir           string `toml:"dir" yaml:"dir" json:"dir"`
	EncryptAtRest bool   `toml:"encrypt_at_rest" yaml:"encrypt_at_rest" json:"encrypt_at_rest"`
}

// CountRuleConfig 计数型规则：Window 内达到 Threshold 次即告警
type CountRuleConfig struct {
	Threshold int      `toml:"threshold" yaml:"threshold" json:"threshold"`
	Window    Duration `toml:"window" yaml:"window" json:"window"`
}

type DetectorConfig struct {
	Capture       CountRuleConfig `toml:"capture" yaml:"capture" json:"capture"`
	TagImage      CountRuleConfig `toml:"tag_image" yaml:"tag_image" json:"tag_image"`
	TagDocument   CountRuleConfig `toml:"tag_document" yaml:"tag_document" json:"tag_document"`
	Cooldown      Duration        `toml:"cooldown" yaml:"cooldown" json:"cooldown"`
	InactivityGap Duration        `toml:"inactivity_gap" yaml:"inactivity_gap" json:"inactivity_gap"`
	AlertAfter    Duration        `toml:"alert_after" yaml:"alert_after" json:"alert_after"`
}

type DispatchConfig struct {
	WatchDirs        []string `toml:"watch_dirs" yaml:"watch_dirs" json:"watch_dirs"` // 为空时使用用户常见目录
	WatchRemovable   bool     `toml:"watch_removable" yaml:"watch_removable" json:"watch_removable"`
	MaxAttempts      int      `toml:"max_attempts" yaml:"max_attempts" json:"max_attempts"`
	RetryDelay       Duration `toml:"retry_delay" yaml:"retry_delay" json:"retry_delay"`
	DedupTTL         Duration `toml:"dedup_ttl" yaml:"dedup_ttl" json:"dedup_ttl"`
	DedupCapacity    uint64   `toml:"dedup_capacity" yaml:"dedup_capacity" json:"dedup_capacity"`
	WatermarkOpacity float64  `toml:"watermark_opacity" yaml:"watermark_opacity" json:"watermark_opacity"`
	WatermarkPrefix  string   `toml:"watermark_prefix" yaml:"watermark_prefix" json:"watermark_prefix"`
}

type ForensicConfig struct {
	TokenSecret string `toml:"token_secret" yaml:"token_secret" json:"token_secret"`
	CryptoKey   string `toml:"crypto_key" yaml:"crypto_key" json:"crypto_key"`
	DeviceSalt  string `toml:"device_salt" yaml:"device_salt" json:"device_salt"`
	TokenLength int    `toml:"token_length" yaml:"token_length" json:"token_length"`
	// TraceWindow /trace 查询允许的最大时间跨度
	TraceWindow Duration `toml:"trace_window" yaml:"trace_window" json:"trace_window"`
}

type SensorConfig struct {
	Enabled        bool     `toml:"enabled" yaml:"enabled" json:"enabled"`
	ProcRoot       string   `toml:"proc_root" yaml:"proc_root" json:"proc_root"`
	PollInterval   Duration `toml:"poll_interval" yaml:"poll_interval" json:"poll_interval"`
	CaptureTools   []string `toml:"capture_tools" yaml:"capture_tools" json:"capture_tools"`
	RecordingTools []string `toml:"recording_tools" yaml:"recording_tools" json:"recording_tools"`
}

type LedgerConfig struct {
	Path string `toml:"path" yaml:"path" json:"path"`
}

type LogConfig struct {
	Level    string `toml:"level" yaml:"level" json:"level"`
	Encoding string `toml:"encoding" yaml:"encoding" json:"encoding"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	base := DefaultDataDir()
	return &Config{
		Agent: AgentConfig{
			UserID:   "unknown",
			AppID:    "SecureAgent/0.9.0",
			Version:  "1.0.0-dev",
			LockFile: filepath.Join(base, "agent.lock"),
		},
		Server: ServerConfig{
			Host:           "127.0.0.1",
			PortStart:      4455,
			PortEnd:        4460,
			EventRateLimit: 120,
			AllowedOrigins: []string{"http://localhost:8080", "http://localhost:5173"},
		},
		Delivery: DeliveryConfig{
			LogPath:          "/log",
			EventPath:        "/event",
			ConnectTimeout:   D(5 * time.Second),
			ReadTimeout:      D(5 * time.Second),
			BatchSize:        200,
			InitialDelay:     D(5 * time.Second),
			BaseDelay:        D(30 * time.Second),
			MaxDelay:         D(300 * time.Second),
			BreakerFailures:  5,
			BreakerOpenFor:   D(30 * time.Second),
			EncryptTransport: true,
		},
		Spool: SpoolConfig{
			Dir: filepath.Join(base, "spool"),
		},
		Detector: DetectorConfig{
			Capture:       CountRuleConfig{Threshold: 5, Window: D(30 * time.Second)},
			TagImage:      CountRuleConfig{Threshold: 10, Window: D(60 * time.Second)},
			TagDocument:   CountRuleConfig{Threshold: 10, Window: D(60 * time.Second)},
			Cooldown:      D(20 * time.Second),
			InactivityGap: D(15 * time.Second),
			AlertAfter:    D(30 * time.Second),
		},
		Dispatch: DispatchConfig{
			WatchRemovable:   true,
			MaxAttempts:      10,
			RetryDelay:       D(2 * time.Second),
			DedupTTL:         D(30 * time.Second),
			DedupCapacity:    10_000,
			WatermarkOpacity: 0.5,
			WatermarkPrefix:  "AIDT",
		},
		Forensic: ForensicConfig{
			TokenSecret: "DEV_TOKEN_SECRET",
			CryptoKey:   "DEV_CRYPTO_KEY",
			DeviceSalt:  "AIDT_SECURE_AGENT_SALT_DEV",
			TokenLength: 12,
			TraceWindow: D(24 * time.Hour),
		},
		Sensor: SensorConfig{
			Enabled:        true,
			ProcRoot:       "/proc",
			PollInterval:   D(5 * time.Second),
			CaptureTools:   []string{"gnome-screenshot", "flameshot", "spectacle", "scrot", "shutter", "ksnip"},
			RecordingTools: []string{"obs", "simplescreenrecorder", "kazam", "vokoscreen", "peek", "recordmydesktop"},
		},
		Ledger: LedgerConfig{
			Path: filepath.Join(base, "ledger.db"),
		},
		Log: LogConfig{
			Level:    "info",
			Encoding: "console",
		},
	}
}

// DefaultDataDir ~/.secureagent
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".secureagent"
	}
	return filepath.Join(home, ".secureagent")
}

// Load 读取配置文件；文件不存在时返回默认配置
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := decode(path, data, cfg); err != nil {
				return nil, err
			}
		}
	}

	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode YAML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode JSON: %w", err)
		}
	default:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("decode TOML: %w", err)
		}
	}
	return nil
}

// ApplyEnvOverrides 环境变量优先于配置文件
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("AIDT_BASE_URL"); v != "" {
		c.Delivery.BaseURL = strings.TrimSuffix(v, "/")
	}
	if v := os.Getenv("AIDT_LOG_PATH"); v != "" {
		c.Delivery.LogPath = ensureLeadingSlash(v)
	}
	if v := os.Getenv("AIDT_TOKEN_SECRET"); v != "" {
		c.Forensic.TokenSecret = v
	}
	if v := os.Getenv("AIDT_CRYPTO_KEY"); v != "" {
		c.Forensic.CryptoKey = v
	}
	if v := os.Getenv("AIDT_DEVICE_SALT"); v != "" {
		c.Forensic.DeviceSalt = v
	}
	if v := os.Getenv("AIDT_APP_ID"); v != "" {
		c.Agent.AppID = v
	}
	if v := os.Getenv("AIDT_USER_ID"); v != "" {
		c.Agent.UserID = v
	}
	if v := os.Getenv("AIDT_SPOOL_DIR"); v != "" {
		c.Spool.Dir = v
	}
	if v := os.Getenv("AIDT_SPOOL_ENCRYPT"); v != "" {
		b, err := strconv.ParseBool(v)
		c.Spool.EncryptAtRest = err == nil && b
	}
}

func ensureLeadingSlash(s string) string {
	if strings.HasPrefix(s, "/") {
		return s
	}
	return "/" + s
}

// Validate 检查配置合法性
func (c *Config) Validate() error {
	var errs []error
	if c.Server.PortStart <= 0 || c.Server.PortEnd < c.Server.PortStart || c.Server.PortEnd > 65535 {
		errs = append(errs, fmt.Errorf("server: invalid port range %d-%d", c.Server.PortStart, c.Server.PortEnd))
	}
	if c.Delivery.BatchSize <= 0 {
		errs = append(errs, errors.New("delivery: batch_size must be positive"))
	}
	if c.Delivery.BaseDelay.Duration <= 0 || c.Delivery.MaxDelay.Duration < c.Delivery.BaseDelay.Duration {
		errs = append(errs, errors.New("delivery: require 0 < base_delay <= max_delay"))
	}
	if c.Delivery.ConnectTimeout.Duration <= 0 || c.Delivery.ReadTimeout.Duration <= 0 {
		errs = append(errs, errors.New("delivery: timeouts must be positive"))
	}
	if c.Spool.Dir == "" {
		errs = append(errs, errors.New("spool: dir is required"))
	}
	for name, r := range map[string]CountRuleConfig{
		"capture":      c.Detector.Capture,
		"tag_image":    c.Detector.TagImage,
		"tag_document": c.Detector.TagDocument,
	} {
		if r.Threshold <= 0 || r.Window.Duration <= 0 {
			errs = append(errs, fmt.Errorf("detector.%s: threshold and window must be positive", name))
		}
	}
	if c.Detector.Cooldown.Duration < 0 || c.Detector.InactivityGap.Duration <= 0 || c.Detector.AlertAfter.Duration <= 0 {
		errs = append(errs, errors.New("detector: invalid session/cooldown durations"))
	}
	if c.Dispatch.MaxAttempts <= 0 {
		errs = append(errs, errors.New("dispatch: max_attempts must be positive"))
	}
	if c.Forensic.TokenLength < 4 || c.Forensic.TokenLength > 64 {
		errs = append(errs, fmt.Errorf("forensic: token_length %d out of range [4,64]", c.Forensic.TokenLength))
	}
	if c.Forensic.TokenSecret == "" || c.Forensic.CryptoKey == "" {
		errs = append(errs, errors.New("forensic: token_secret and crypto_key are required"))
	}
	return errors.Join(errs...)
}
