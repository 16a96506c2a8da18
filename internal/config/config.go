package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tidwall/jsonc"
)

type Config struct {
	DataDir  string `json:"data_dir"`
	LogLevel string `json:"log_level"`
	Backend  struct {
		BaseURL    string `json:"base_url"`
		PathPrefix string `json:"path_prefix"`
		APIKey     string `json:"api_key"`
		Timeout    string `json:"timeout"`
	} `json:"backend"`
	Chat struct {
		Scenario         string `json:"scenario"`
		Narration        bool   `json:"narration"`
		NarrationCommand string `json:"narration_command"`
		HistoryTokens    int    `json:"history_tokens"`
		TokenizerModel   string `json:"tokenizer_model"`
		FallbackText     string `json:"fallback_text"`
		ReasoningEffort  string `json:"reasoning_effort"`
		ReasoningSummary string `json:"reasoning_summary"`
	} `json:"chat"`
	Stream struct {
		StallTimeout string `json:"stall_timeout"`
	} `json:"stream"`
	Attachment struct {
		MaxBytes int64 `json:"max_bytes"`
	} `json:"attachment"`
	Observe struct {
		Enabled bool   `json:"enabled"`
		Listen  string `json:"listen"`
	} `json:"observe"`
	Trace struct {
		File string `json:"file"`
	} `json:"trace"`
}

const defaultStallTimeout = "60s"

// Default returns a Config populated with default values.
func Default() *Config {
	cfg := &Config{
		DataDir:  filepath.Join(os.Getenv("HOME"), ".morgan"),
		LogLevel: "info",
	}
	cfg.Backend.BaseURL = "http://localhost:8001"
	cfg.Backend.PathPrefix = "/api"
	cfg.Backend.Timeout = "60s"
	cfg.Chat.Scenario = "default"
	cfg.Chat.TokenizerModel = "gpt-4o"
	cfg.Stream.StallTimeout = defaultStallTimeout
	cfg.Attachment.MaxBytes = 20 << 20
	cfg.Observe.Listen = "127.0.0.1:8088"
	return cfg
}

// Load reads the config at path, which may contain comments and trailing
// commas. A missing file is created with the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	for _, o := range envOverrides {
		if v := os.Getenv(o.env); v != "" {
			o.set(cfg, v)
		}
	}

	return cfg, nil
}

// envOverrides replace file settings; they take precedence over the file.
var envOverrides = []struct {
	env string
	key string
	set func(*Config, string)
}{
	{"MORGAN_BACKEND_URL", "backend.base_url", func(c *Config, v string) { c.Backend.BaseURL = v }},
	{"MORGAN_API_KEY", "backend.api_key", func(c *Config, v string) { c.Backend.APIKey = v }},
	{"MORGAN_SCENARIO", "chat.scenario", func(c *Config, v string) { c.Chat.Scenario = v }},
	{"MORGAN_LOG_LEVEL", "log_level", func(c *Config, v string) { c.LogLevel = v }},
}

// EnvOverride returns the environment variable currently overriding key.
func EnvOverride(key string) (string, bool) {
	for _, o := range envOverrides {
		if o.key == key && os.Getenv(o.env) != "" {
			return o.env, true
		}
	}
	return "", false
}

// BackendTimeout parses backend.timeout.
func (c *Config) BackendTimeout() (time.Duration, error) {
	return parseDuration("backend.timeout", c.Backend.Timeout)
}

// StallTimeout parses stream.stall_timeout. An empty value means the
// default; "0s" disables stall detection.
func (c *Config) StallTimeout() (time.Duration, error) {
	if c.Stream.StallTimeout == "" {
		return parseDuration("stream.stall_timeout", defaultStallTimeout)
	}
	return parseDuration("stream.stall_timeout", c.Stream.StallTimeout)
}

func parseDuration(key, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return d, nil
}

// Save writes cfg to path atomically, creating the parent directory.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, append(data, '\n'))
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg to its nested JSON map form.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return m, nil
}

// ListValues returns every setting as a flat dot-keyed map, optionally
// with secrets masked.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue loads the config at path and returns the value for a dot key.
// Known keys reflect defaults and env overrides; keys the file carries
// beyond those are read from the file as written.
func GetValue(path, key string) (any, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	flat, err := ListValues(cfg, false)
	if err != nil {
		return nil, err
	}
	if v, ok := flat[key]; ok {
		return v, nil
	}

	raw, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	if v, ok := Flatten(raw)[key]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("unknown config key: %s", key)
}

// SetValue sets a dot key in the config file at path. For keys holding a
// string the raw value is stored as is; other keys take raw as JSON when
// it parses (numbers, booleans) and as a string otherwise. A value the
// typed config cannot hold is rejected and the file is left untouched.
// The file must already exist; comments in it are not kept.
func SetValue(path, key, raw string) error {
	m, err := readRaw(path)
	if err != nil {
		return err
	}

	defaults, err := ListValues(Default(), false)
	if err != nil {
		return err
	}
	var value any = raw
	if _, isString := defaults[key].(string); !isString {
		var parsed any
		if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
			value = parsed
		}
	}

	flat := Flatten(m)
	flat[key] = value
	out, err := json.MarshalIndent(Unflatten(flat), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := json.Unmarshal(out, Default()); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return writeFile(path, append(out, '\n'))
}

// readRaw parses the config file at path into its nested map form.
func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(jsonc.ToJSON(data), &m); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return m, nil
}
