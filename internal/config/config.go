package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Pool     PoolConfig     `mapstructure:"pool"`
	Engine   EngineConfig   `mapstructure:"engine"`
	SSH      SSHConfig      `mapstructure:"ssh"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type PoolConfig struct {
	GlobalLimit    int           `mapstructure:"global_limit"`
	PerTargetLimit int           `mapstructure:"per_target_limit"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
}

type EngineConfig struct {
	MaxConcurrency       int           `mapstructure:"max_concurrency"`
	DefaultActionTimeout time.Duration `mapstructure:"default_action_timeout"`
	DefaultBranchTimeout time.Duration `mapstructure:"default_branch_timeout"`
	OutputLimitBytes     int           `mapstructure:"output_limit_bytes"`
	CancelGracePeriod    time.Duration `mapstructure:"cancel_grace_period"`
}

type SSHConfig struct {
	User           string        `mapstructure:"user"`
	KeyFile        string        `mapstructure:"key_file"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// Load reads configuration from the given file (or the usual locations when
// empty), with OPSCONDUCTOR_* environment variables taking precedence.
func Load(configPath string) (*Config, error) {
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		viper.AddConfigPath(".")
		viper.AddConfigPath(filepath.Join(".", "conductor"))
		home, _ := os.UserHomeDir()
		viper.AddConfigPath(filepath.Join(home, ".conductor"))
	}

	viper.SetEnvPrefix("OPSCONDUCTOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		// Config file is optional; defaults plus env vars are enough to run.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("database.url", "")
	viper.SetDefault("pool.global_limit", 50)
	viper.SetDefault("pool.per_target_limit", 2)
	viper.SetDefault("pool.acquire_timeout", 30*time.Second)
	viper.SetDefault("engine.max_concurrency", 10)
	viper.SetDefault("engine.default_action_timeout", 5*time.Minute)
	viper.SetDefault("engine.default_branch_timeout", 30*time.Minute)
	viper.SetDefault("engine.output_limit_bytes", 256*1024)
	viper.SetDefault("engine.cancel_grace_period", 10*time.Second)
	viper.SetDefault("ssh.user", "ops")
	viper.SetDefault("ssh.key_file", "")
	viper.SetDefault("ssh.connect_timeout", 10*time.Second)
}
