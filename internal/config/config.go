package config

import (
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/medredact/deid/internal/phi"
)

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	// Set defaults
	config := GetDefaults()

	// Configure viper
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("/etc/deid/")
	viper.AddConfigPath("$HOME/.deid/")

	// Environment variable overrides
	viper.SetEnvPrefix("DEID")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Use specific config file if provided
	if configPath != "" {
		viper.SetConfigFile(configPath)
	}

	// Read configuration
	if err := viper.ReadInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Unmarshal into config struct
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("%w: %v", phi.ErrConfiguration, err)
	}

	return config, nil
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	if config.Chunker.MaxChunkChars <= 0 {
		return fmt.Errorf("invalid max_chunk_chars: %d", config.Chunker.MaxChunkChars)
	}

	if config.Chunker.OverlapChars < 0 || config.Chunker.OverlapChars >= config.Chunker.MaxChunkChars {
		return fmt.Errorf("overlap_chars %d must be in [0,%d)", config.Chunker.OverlapChars, config.Chunker.MaxChunkChars)
	}

	if config.Pipeline.ChunkWorkers <= 0 {
		return fmt.Errorf("chunk_workers must be positive: %d", config.Pipeline.ChunkWorkers)
	}

	if config.LLM.Timeout <= 0 {
		return fmt.Errorf("llm timeout must be positive: %s", config.LLM.Timeout)
	}

	if config.LLM.MaxRetries < 0 || config.LLM.MaxRetries > 2 {
		return fmt.Errorf("llm max_retries %d out of range [0,2]", config.LLM.MaxRetries)
	}

	for name, rule := range config.Masking.Rules {
		if _, ok := phi.ParseType(name); !ok {
			return fmt.Errorf("masking rule for unknown PHI type: %s", name)
		}
		switch rule.Strategy {
		case phi.StrategyRedact, phi.StrategyMask, phi.StrategyGeneralize,
			phi.StrategyPseudonymize, phi.StrategyDateShift, phi.StrategySuppress, phi.StrategyKeep:
		default:
			return fmt.Errorf("unknown masking strategy %q for type %s", rule.Strategy, name)
		}
	}

	if config.Logging.Level != "debug" && config.Logging.Level != "info" && config.Logging.Level != "warn" && config.Logging.Level != "error" {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	return nil
}

// Watch starts watching the configuration file for changes
func Watch(config *Config, callback func(*Config)) error {
	viper.WatchConfig()
	viper.OnConfigChange(func(e fsnotify.Event) {
		newConfig := &Config{}
		if err := viper.Unmarshal(newConfig); err != nil {
			// Log error but don't crash
			return
		}

		if err := validateConfig(newConfig); err != nil {
			// Log error but don't crash
			return
		}

		callback(newConfig)
	})

	return nil
}
