// Package config loads and persists the APC's human-readable configuration:
// active provider/model, sandbox workdir, per-provider defaults, UI
// preferences, context-engine limits, execution limits and logging
// configuration. Persistence and env-var overlay are done with
// github.com/spf13/viper, the only pack repo dependency for exactly this
// job (daydemir-ralph); credential loading from a local .env file uses
// the teacher's own github.com/joho/godotenv. API keys are never written
// to the persisted file — only read from the environment or an external
// credential store — per spec.md §6.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	appName      = "apc"
	fileBaseName = "config"
	fileType     = "yaml"
)

// ProviderDefaults holds the per-provider-identity settings the config
// file persists — everything except the credential itself.
type ProviderDefaults struct {
	DefaultModel string `mapstructure:"default_model"`
	BaseURL      string `mapstructure:"base_url,omitempty"`
}

// ContextLimits mirrors internal/context.Limits in persisted-config shape,
// so a user can override discovery/summarization ceilings without
// recompiling.
type ContextLimits struct {
	MaxFileBytes     int64         `mapstructure:"max_file_bytes"`
	TotalByteCeiling int64         `mapstructure:"total_byte_ceiling"`
	SummaryTTL       time.Duration `mapstructure:"summary_ttl"`
	ExcludePatterns  []string      `mapstructure:"exclude_patterns"`
	PriorityExt      []string      `mapstructure:"priority_extensions"`
}

// ExecutionLimits mirrors the subset of internal/coordinator.Config a user
// may reasonably want to tune from the persisted file.
type ExecutionLimits struct {
	ConcurrencyCeiling int           `mapstructure:"concurrency_ceiling"`
	DefaultTimeout     time.Duration `mapstructure:"default_timeout"`
	RetryCeiling       int           `mapstructure:"retry_ceiling"`
}

// UIPreferences holds presenter-facing preferences.
type UIPreferences struct {
	Color      bool `mapstructure:"color"`
	Timestamps bool `mapstructure:"timestamps"`
}

// LoggingConfig controls the debug log file and per-subsystem verbosity.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Filter string `mapstructure:"filter,omitempty"`
}

// Config is the full persisted shape, read from <config dir>/apc/config.yaml
// and overlaid with APC_-prefixed environment variables.
type Config struct {
	ActiveProvider string                      `mapstructure:"active_provider"`
	ActiveModel    string                      `mapstructure:"active_model"`
	Workdir        string                      `mapstructure:"workdir"`
	Providers      map[string]ProviderDefaults `mapstructure:"providers"`
	UI             UIPreferences               `mapstructure:"ui"`
	Context        ContextLimits               `mapstructure:"context"`
	Execution      ExecutionLimits             `mapstructure:"execution"`
	Logging        LoggingConfig               `mapstructure:"logging"`
}

// Default returns the configuration a freshly initialized install ships
// with — conservative ceilings matching internal/context.DefaultLimits and
// internal/coordinator.DefaultConfig.
func Default() Config {
	return Config{
		ActiveProvider: "",
		ActiveModel:    "",
		Workdir:        ".",
		Providers:      map[string]ProviderDefaults{},
		UI:             UIPreferences{Color: true, Timestamps: false},
		Context: ContextLimits{
			MaxFileBytes:     256 * 1024,
			TotalByteCeiling: 8 * 1024 * 1024,
			SummaryTTL:       24 * time.Hour,
			PriorityExt:      []string{".go", ".rs", ".py", ".ts", ".js", ".java"},
		},
		Execution: ExecutionLimits{
			ConcurrencyCeiling: 1,
			DefaultTimeout:     2 * time.Minute,
			RetryCeiling:       2,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Dir returns the per-user config directory the file lives under
// (os.UserConfigDir()/apc).
func Dir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve user config dir: %w", err)
	}
	return filepath.Join(base, appName), nil
}

// Path returns the full path to the persisted config file.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fileBaseName+"."+fileType), nil
}

// Load reads the persisted config file, overlaying APC_-prefixed
// environment variables (e.g. APC_ACTIVE_PROVIDER). Missing file is not an
// error — Default() is returned instead, matching viper's own
// tolerant-of-missing-config-file idiom.
func Load() (Config, error) {
	dir, err := Dir()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigName(fileBaseName)
	v.SetConfigType(fileType)
	v.AddConfigPath(dir)
	v.SetEnvPrefix("APC")
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("active_provider", def.ActiveProvider)
	v.SetDefault("active_model", def.ActiveModel)
	v.SetDefault("workdir", def.Workdir)
	v.SetDefault("ui.color", def.UI.Color)
	v.SetDefault("ui.timestamps", def.UI.Timestamps)
	v.SetDefault("context.max_file_bytes", def.Context.MaxFileBytes)
	v.SetDefault("context.total_byte_ceiling", def.Context.TotalByteCeiling)
	v.SetDefault("context.summary_ttl", def.Context.SummaryTTL)
	v.SetDefault("context.priority_extensions", def.Context.PriorityExt)
	v.SetDefault("execution.concurrency_ceiling", def.Execution.ConcurrencyCeiling)
	v.SetDefault("execution.default_timeout", def.Execution.DefaultTimeout)
	v.SetDefault("execution.retry_ceiling", def.Execution.RetryCeiling)
	v.SetDefault("logging.level", def.Logging.Level)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("config: read %s: %w", dir, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if cfg.Providers == nil {
		cfg.Providers = map[string]ProviderDefaults{}
	}
	return cfg, nil
}

// Save writes cfg to the persisted config file, creating the config
// directory if necessary. API keys must never be set on cfg — Config has
// no field for one, by construction.
func Save(cfg Config) error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: create %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigType(fileType)
	// Leaf-by-leaf with dotted keys, not whole nested structs: viper
	// serializes its internal settings map directly, so a key must match
	// the mapstructure tags Load's Unmarshal expects on the way back in.
	v.Set("active_provider", cfg.ActiveProvider)
	v.Set("active_model", cfg.ActiveModel)
	v.Set("workdir", cfg.Workdir)
	providers := make(map[string]map[string]string, len(cfg.Providers))
	for name, pd := range cfg.Providers {
		entry := map[string]string{"default_model": pd.DefaultModel}
		if pd.BaseURL != "" {
			entry["base_url"] = pd.BaseURL
		}
		providers[name] = entry
	}
	v.Set("providers", providers)
	v.Set("ui.color", cfg.UI.Color)
	v.Set("ui.timestamps", cfg.UI.Timestamps)
	v.Set("context.max_file_bytes", cfg.Context.MaxFileBytes)
	v.Set("context.total_byte_ceiling", cfg.Context.TotalByteCeiling)
	v.Set("context.summary_ttl", cfg.Context.SummaryTTL)
	v.Set("context.exclude_patterns", cfg.Context.ExcludePatterns)
	v.Set("context.priority_extensions", cfg.Context.PriorityExt)
	v.Set("execution.concurrency_ceiling", cfg.Execution.ConcurrencyCeiling)
	v.Set("execution.default_timeout", cfg.Execution.DefaultTimeout)
	v.Set("execution.retry_ceiling", cfg.Execution.RetryCeiling)
	v.Set("logging.level", cfg.Logging.Level)
	v.Set("logging.filter", cfg.Logging.Filter)

	path := filepath.Join(dir, fileBaseName+"."+fileType)
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// LoadCredentialEnv loads a local .env file (if present) into the process
// environment, for development-time credential loading, mirroring
// cmd/agsh/main.go's godotenv.Load() call. A missing .env file is not an
// error.
func LoadCredentialEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

// CredentialFor resolves the API key for a named provider from the
// environment, following the convention APC_<PROVIDER>_API_KEY (upper-cased
// provider name). It never touches the persisted config file.
func CredentialFor(provider string) (string, bool) {
	key := "APC_" + upperSnake(provider) + "_API_KEY"
	v, ok := os.LookupEnv(key)
	return v, ok && v != ""
}

func upperSnake(s string) string {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
			out = append(out, byte(r-('a'-'A')))
		case r == '-' || r == ' ':
			out = append(out, '_')
		default:
			out = append(out, byte(r))
		}
	}
	return string(out)
}
