package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/geisonfgf/execAI/internal/core/execution"
	"github.com/geisonfgf/execAI/internal/core/jobs"
	"github.com/geisonfgf/execAI/internal/core/scheduler"
	"github.com/geisonfgf/execAI/internal/core/security"
	"github.com/geisonfgf/execAI/internal/errors"
	"github.com/geisonfgf/execAI/internal/logging"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	ConfigFileName = "config"
	ConfigFileType = "yaml"
	ExecaiDirName  = ".execai"
	EnvPrefix      = "EXECAI"
	HomeEnv        = "EXECAI_HOME"
)

var config *Config

// Config is the immutable configuration snapshot of one process
type Config struct {
	AI        AIConfig         `mapstructure:"ai" yaml:"ai"`
	Execution execution.Config `mapstructure:"execution" yaml:"execution"`
	Security  security.Policy  `mapstructure:"security" yaml:"security"`
	Scheduler scheduler.Config `mapstructure:"scheduler" yaml:"scheduler"`
	Storage   StorageConfig    `mapstructure:"storage" yaml:"storage"`
	Log       logging.Config   `mapstructure:"log" yaml:"log"`
	Metrics   MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`

	// Dir is the resolved data directory (~/.execai or $EXECAI_HOME)
	Dir string `mapstructure:"-" yaml:"-"`
	// File is the config file that was read, empty when none existed
	File string `mapstructure:"-" yaml:"-"`
}

// AIConfig holds AI-related configuration
type AIConfig struct {
	Provider  string        `mapstructure:"provider" yaml:"provider"`
	APIKey    string        `mapstructure:"api_key" yaml:"api_key"`
	Model     string        `mapstructure:"model" yaml:"model"`
	BaseURL   string        `mapstructure:"base_url" yaml:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxTokens int           `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// StorageConfig locates the job database
type StorageConfig struct {
	Database string `mapstructure:"database" yaml:"database"`
}

// MetricsConfig controls the daemon's HTTP endpoint
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

// legacyEnv maps config keys to the bare variable names older deployments set
var legacyEnv = map[string]string{
	"execution.timeout":              "MAX_EXECUTION_TIME",
	"scheduler.max_concurrent_jobs":  "MAX_CONCURRENT_JOBS",
	"security.allowed_commands":      "ALLOWED_COMMANDS",
	"security.safe_mode":             "SAFE_MODE",
	"security.confirmation_required": "CONFIRMATION_REQUIRED",
	"scheduler.default_timezone":     "DEFAULT_TIMEZONE",
	"ai.api_key":                     "OPENAI_API_KEY",
	"ai.model":                       "OPENAI_MODEL",
}

// GetConfigDir returns the execai data directory path
func GetConfigDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv(HomeEnv)); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ExecaiDirName), nil
}

// InitConfig builds the configuration snapshot. An empty path searches the
// data directory for config.yaml; a missing file there is not an error.
func InitConfig(path string) (*Config, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return nil, err
	}

	// Create config directory if not exists
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(ConfigFileName)
		v.SetConfigType(ConfigFileType)
		v.AddConfigPath(configDir)
	}

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		envKey := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, legacy); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", legacy, err)
		}
	}

	// Read config file (ignore if not exists)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		secondsHook,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Dir = configDir
	cfg.File = v.ConfigFileUsed()
	if _, err := os.Stat(cfg.File); err != nil {
		cfg.File = ""
	}
	if home, err := os.UserHomeDir(); err == nil {
		cfg.Security.HomeDir = home
	}
	if cfg.Storage.Database != ":memory:" && !filepath.IsAbs(cfg.Storage.Database) {
		cfg.Storage.Database = filepath.Join(configDir, cfg.Storage.Database)
	}
	cfg.Scheduler.CommandTimeout = cfg.Execution.Timeout

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	config = &cfg
	return config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ai.provider", "openai")
	v.SetDefault("ai.api_key", "")
	v.SetDefault("ai.model", "gpt-4o")
	v.SetDefault("ai.base_url", "https://api.openai.com/v1")
	v.SetDefault("ai.timeout", 30*time.Second)
	v.SetDefault("ai.max_tokens", 1000)

	exec := execution.DefaultConfig()
	v.SetDefault("execution.timeout", exec.Timeout)
	v.SetDefault("execution.grace_period", exec.GracePeriod)
	v.SetDefault("execution.output_limit", exec.OutputLimit)
	v.SetDefault("execution.env_allowlist", exec.EnvAllowlist)
	v.SetDefault("execution.shell", exec.Shell)
	v.SetDefault("execution.work_dir", "")

	// Security defaults
	sec := security.DefaultPolicy()
	v.SetDefault("security.safe_mode", sec.SafeMode)
	v.SetDefault("security.confirmation_required", sec.ConfirmationRequired)
	v.SetDefault("security.allowed_commands", sec.AllowedCommands)
	v.SetDefault("security.confirm_timeout", sec.ConfirmTimeout)
	v.SetDefault("security.restricted_paths", []string{})
	v.SetDefault("security.readonly_paths", []string{})

	sched := scheduler.DefaultConfig()
	v.SetDefault("scheduler.tick_interval", sched.TickInterval)
	v.SetDefault("scheduler.max_concurrent_jobs", sched.MaxConcurrent)
	v.SetDefault("scheduler.default_timezone", sched.DefaultTimezone)
	v.SetDefault("scheduler.failure_threshold", sched.FailureThreshold)
	v.SetDefault("scheduler.shutdown_timeout", sched.ShutdownTimeout)

	v.SetDefault("storage.database", "execai.db")

	v.SetDefault("log.level", "warn")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", "127.0.0.1:9464")
}

// secondsHook reads bare numbers as seconds for duration fields, the way
// MAX_EXECUTION_TIME=300 has always been written.
func secondsHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(time.Duration(0)) {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return time.Duration(n) * time.Second, nil
		}
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	}
	return data, nil
}

// Validate rejects limits and names the process cannot work with
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(c.Execution.Timeout > 0, "execution.timeout must be positive, got %s", c.Execution.Timeout)
	check(c.Execution.GracePeriod >= 0, "execution.grace_period must not be negative")
	check(c.Execution.OutputLimit > 0, "execution.output_limit must be positive, got %d", c.Execution.OutputLimit)
	check(c.Scheduler.MaxConcurrent > 0, "scheduler.max_concurrent_jobs must be positive, got %d", c.Scheduler.MaxConcurrent)
	check(c.Scheduler.TickInterval > 0, "scheduler.tick_interval must be positive, got %s", c.Scheduler.TickInterval)
	check(c.Scheduler.FailureThreshold > 0, "scheduler.failure_threshold must be positive, got %d", c.Scheduler.FailureThreshold)
	check(c.Scheduler.ShutdownTimeout > 0, "scheduler.shutdown_timeout must be positive")
	check(c.Security.ConfirmTimeout >= 0, "security.confirm_timeout must not be negative")
	check(c.AI.Timeout > 0, "ai.timeout must be positive, got %s", c.AI.Timeout)
	check(c.AI.MaxTokens > 0, "ai.max_tokens must be positive, got %d", c.AI.MaxTokens)
	check(strings.TrimSpace(c.Storage.Database) != "", "storage.database must be set")

	if _, err := jobs.LoadLocation(c.Scheduler.DefaultTimezone); err != nil {
		problems = append(problems, "scheduler.default_timezone: "+err.Error())
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		problems = append(problems, "log.level: "+err.Error())
	}
	switch c.AI.Provider {
	case "openai", "glm":
	default:
		problems = append(problems, fmt.Sprintf("ai.provider must be openai or glm, got %q", c.AI.Provider))
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		problems = append(problems, fmt.Sprintf("log.format must be console or json, got %q", c.Log.Format))
	}

	if len(problems) == 0 {
		return nil
	}
	return errors.WithHint(
		errors.Newf("invalid configuration: %s", strings.Join(problems, "; ")),
		"check "+filepath.Join("~", ExecaiDirName, ConfigFileName+"."+ConfigFileType)+" and EXECAI_* variables")
}

// GetConfig returns the loaded config
func GetConfig() *Config {
	return config
}

// MaskSecret hides all but the last four characters of a secret
func MaskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}

// YAML renders the snapshot, durations as strings. With redact set the API
// key is masked.
func (c *Config) YAML(redact bool) ([]byte, error) {
	cp := *c
	if redact {
		cp.AI.APIKey = MaskSecret(cp.AI.APIKey)
	}
	return yaml.Marshal(yamlValue(reflect.ValueOf(cp)))
}

// SaveConfig writes cfg to path (the data directory's config.yaml when empty)
func SaveConfig(cfg *Config, path string) (string, error) {
	if path == "" {
		configDir, err := GetConfigDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(configDir, ConfigFileName+"."+ConfigFileType)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := cfg.YAML(false)
	if err != nil {
		return "", fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("failed to write config: %w", err)
	}
	return path, nil
}

var durationType = reflect.TypeOf(time.Duration(0))

func yamlValue(v reflect.Value) any {
	if v.Type() == durationType {
		return time.Duration(v.Int()).String()
	}
	switch v.Kind() {
	case reflect.Struct:
		out := make(map[string]any)
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
			if name == "-" {
				continue
			}
			if name == "" {
				name = strings.ToLower(f.Name)
			}
			out[name] = yamlValue(v.Field(i))
		}
		return out
	case reflect.Slice:
		out := make([]any, v.Len())
		for i := range out {
			out[i] = yamlValue(v.Index(i))
		}
		return out
	default:
		return v.Interface()
	}
}
