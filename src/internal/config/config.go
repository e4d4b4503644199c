package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultTimezone     = "America/Argentina/Buenos_Aires"
	DefaultPollInterval = 30 * time.Second
	MinPollInterval     = time.Second
)

type Config struct {
	Models      ModelsConfig    `mapstructure:"models" json:"models"`
	Server      ServerConfig    `mapstructure:"server" json:"server"`
	StorageDir  string          `mapstructure:"storage_dir" json:"storage_dir"`
	Storage     StorageConfig   `mapstructure:"storage" json:"storage"`
	CatalogFile string          `mapstructure:"catalog_file" json:"catalog_file"`
	Scheduler   SchedulerConfig `mapstructure:"scheduler" json:"scheduler"`
	Routing     RoutingConfig   `mapstructure:"routing" json:"routing"`
	Tasks       TasksConfig     `mapstructure:"tasks" json:"tasks"`
	Channels    ChannelsConfig  `mapstructure:"channels" json:"channels"`
}

type ModelsConfig struct {
	Timeout   time.Duration             `mapstructure:"timeout" json:"timeout"`
	Providers map[string]ProviderConfig `mapstructure:"providers" json:"providers"`
}

// ProviderConfig is one model backend. API selects the client:
// "openai-completions" (default) or "eino".
type ProviderConfig struct {
	BaseURL string `mapstructure:"baseUrl" json:"baseUrl"`
	APIKey  string `mapstructure:"apiKey" json:"apiKey,omitempty"`
	API     string `mapstructure:"api" json:"api"`
}

type ServerConfig struct {
	Addr          string `mapstructure:"addr" json:"addr"`
	EffectiveHost string `mapstructure:"-" json:"effectiveHost"`
	Port          int    `mapstructure:"-" json:"port"`
}

type StorageConfig struct {
	Codec string `mapstructure:"codec" json:"codec"`
}

type SchedulerConfig struct {
	Enabled      bool          `mapstructure:"enabled" json:"enabled"`
	PollInterval time.Duration `mapstructure:"poll_interval" json:"poll_interval"`
}

type RoutingConfig struct {
	MaxAge         time.Duration `mapstructure:"max_age" json:"max_age"`
	AppendTraceTag bool          `mapstructure:"append_trace_tag" json:"append_trace_tag"`
}

type TasksConfig struct {
	DefaultTimezone    string `mapstructure:"default_timezone" json:"default_timezone"`
	PromptPreviewChars int    `mapstructure:"prompt_preview_chars" json:"prompt_preview_chars"`
}

type WhatsappConfig struct {
	Enabled bool `mapstructure:"enabled" json:"enabled"`
}

type ChannelsConfig struct {
	Whatsapp WhatsappConfig `mapstructure:"whatsapp" json:"whatsapp"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "127.0.0.1:8080")
	v.SetDefault("storage.codec", "json")
	v.SetDefault("models.timeout", 300*time.Second)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.poll_interval", DefaultPollInterval)
	v.SetDefault("routing.max_age", 168*time.Hour)
	v.SetDefault("routing.append_trace_tag", false)
	v.SetDefault("tasks.default_timezone", DefaultTimezone)
	v.SetDefault("tasks.prompt_preview_chars", 12000)
	v.SetDefault("channels.whatsapp.enabled", false)
}

func Load(override string) (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	appDir := filepath.Join(home, ".herald")
	if _, err := os.Stat(appDir); os.IsNotExist(err) {
		_ = os.MkdirAll(appDir, 0755)
	}

	// Environment overrides
	if envDir := os.Getenv("HERALD_STORAGE_DIR"); envDir != "" {
		appDir = envDir
		_ = os.MkdirAll(appDir, 0755)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("HERALD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if override != "" {
		v.SetConfigFile(override)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(appDir)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Compute effective host/port from addr
	host, portStr, err := net.SplitHostPort(cfg.Server.Addr)
	if err != nil {
		return nil, fmt.Errorf("invalid server.addr %q: %w", cfg.Server.Addr, err)
	}
	cfg.Server.EffectiveHost = host
	if cfg.Server.EffectiveHost == "" {
		cfg.Server.EffectiveHost = "0.0.0.0"
	}
	p, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q in server.addr %q: %w", portStr, cfg.Server.Addr, err)
	}
	cfg.Server.Port = p

	if cfg.StorageDir == "" {
		cfg.StorageDir = appDir
	}
	if strings.HasPrefix(cfg.StorageDir, "~/") {
		cfg.StorageDir = filepath.Join(home, cfg.StorageDir[2:])
	}
	if cfg.CatalogFile == "" {
		cfg.CatalogFile = filepath.Join(cfg.StorageDir, "catalog.yaml")
	} else if strings.HasPrefix(cfg.CatalogFile, "~/") {
		cfg.CatalogFile = filepath.Join(home, cfg.CatalogFile[2:])
	}

	if cfg.Scheduler.PollInterval < MinPollInterval {
		cfg.Scheduler.PollInterval = DefaultPollInterval
	}
	if cfg.Tasks.DefaultTimezone == "" {
		cfg.Tasks.DefaultTimezone = DefaultTimezone
	}
	if _, err := time.LoadLocation(cfg.Tasks.DefaultTimezone); err != nil {
		return nil, fmt.Errorf("invalid tasks.default_timezone %q: %w", cfg.Tasks.DefaultTimezone, err)
	}

	// Override API keys from inline placeholders ($VAR) or default environment variables
	for p, prov := range cfg.Models.Providers {
		apiKey := prov.APIKey
		if strings.HasPrefix(apiKey, "$") {
			varName := strings.TrimPrefix(apiKey, "$")
			apiKey = os.Getenv(varName)
		} else if apiKey == "" {
			apiKey = os.Getenv(strings.ToUpper(p) + "_API_KEY")
		}
		prov.APIKey = apiKey
		cfg.Models.Providers[p] = prov
	}

	return &cfg, nil
}
