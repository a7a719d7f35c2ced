package config

import (
	"time"

	"github.com/medredact/deid/internal/phi"
)

// Config represents the main configuration structure
type Config struct {
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Chunker    ChunkerConfig    `yaml:"chunker" mapstructure:"chunker"`
	Detectors  DetectorConfig   `yaml:"detectors" mapstructure:"detectors"`
	LLM        LLMConfig        `yaml:"llm" mapstructure:"llm"`
	Masking    MaskingConfig    `yaml:"masking" mapstructure:"masking"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Checkpoint CheckpointConfig `yaml:"checkpoint" mapstructure:"checkpoint"`
	Report     ReportConfig     `yaml:"report" mapstructure:"report"`
	Logging    LoggingConfig    `yaml:"logging" mapstructure:"logging"`
}

// PipelineConfig controls batch orchestration.
type PipelineConfig struct {
	// ChunkWorkers bounds how many chunks of one document are processed
	// concurrently. Detection is chunk-local and order-independent.
	ChunkWorkers int `yaml:"chunk_workers" mapstructure:"chunk_workers"`
}

// ChunkerConfig controls text segmentation. The size bound keeps LLM
// prompts short enough to avoid timeouts.
type ChunkerConfig struct {
	MaxChunkChars int `yaml:"max_chunk_chars" mapstructure:"max_chunk_chars"`
	OverlapChars  int `yaml:"overlap_chars" mapstructure:"overlap_chars"`
}

// DetectorConfig controls the non-LLM detector tools.
type DetectorConfig struct {
	Rules        []string `yaml:"rules" mapstructure:"rules"`
	AgeThreshold int      `yaml:"age_threshold" mapstructure:"age_threshold"`
	NER          struct {
		Enabled   bool     `yaml:"enabled" mapstructure:"enabled"`
		ModelPath string   `yaml:"model_path" mapstructure:"model_path"`
		VocabPath string   `yaml:"vocab_path" mapstructure:"vocab_path"`
		Labels    []string `yaml:"labels" mapstructure:"labels"`
		MaxLength int      `yaml:"max_length" mapstructure:"max_length"`
	} `yaml:"ner" mapstructure:"ner"`
}

// LLMConfig contains the semantic identifier configuration.
type LLMConfig struct {
	Endpoint          string        `yaml:"endpoint" mapstructure:"endpoint"`
	Model             string        `yaml:"model" mapstructure:"model"`
	Timeout           time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxRetries        int           `yaml:"max_retries" mapstructure:"max_retries"`
	RetryBackoff      time.Duration `yaml:"retry_backoff" mapstructure:"retry_backoff"`
	RequestsPerSecond float64       `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int           `yaml:"burst" mapstructure:"burst"`
	Language          string        `yaml:"language" mapstructure:"language"`
	RegulationContext string        `yaml:"regulation_context" mapstructure:"regulation_context"`
}

// MaskingConfig maps PHI types to masking rules. Types with no rule fall
// back to redaction (fail-closed), never to keep.
type MaskingConfig struct {
	Rules map[string]phi.Rule `yaml:"rules" mapstructure:"rules"`
}

// CacheConfig contains the Redis LLM-result cache configuration.
type CacheConfig struct {
	Enabled        bool          `yaml:"enabled" mapstructure:"enabled"`
	RedisURL       string        `yaml:"redis_url" mapstructure:"redis_url"`
	DefaultTTL     time.Duration `yaml:"default_ttl" mapstructure:"default_ttl"`
	MaxConnections int           `yaml:"max_connections" mapstructure:"max_connections"`
	MinIdleConns   int           `yaml:"min_idle_conns" mapstructure:"min_idle_conns"`
}

// CheckpointConfig contains resumable-batch checkpoint configuration.
type CheckpointConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path" mapstructure:"path"`
}

// ReportConfig contains the optional Postgres audit sink configuration.
// An empty database URL disables the sink.
type ReportConfig struct {
	DatabaseURL     string        `yaml:"database_url" mapstructure:"database_url"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // json or console
	File   struct {
		Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
		Path     string `yaml:"path" mapstructure:"path"`
		MaxSize  int    `yaml:"max_size" mapstructure:"max_size"`
		MaxAge   int    `yaml:"max_age" mapstructure:"max_age"`
		Compress bool   `yaml:"compress" mapstructure:"compress"`
	} `yaml:"file" mapstructure:"file"`
}

// GetDefaults returns a configuration with sensible defaults
func GetDefaults() *Config {
	cfg := &Config{
		Pipeline: PipelineConfig{
			ChunkWorkers: 4,
		},
		Chunker: ChunkerConfig{
			MaxChunkChars: 1000,
			OverlapChars:  50,
		},
		Detectors: DetectorConfig{
			Rules:        []string{"all"},
			AgeThreshold: 89,
		},
		LLM: LLMConfig{
			Endpoint:          "http://localhost:11434",
			Model:             "llama3.1",
			Timeout:           90 * time.Second,
			MaxRetries:        1,
			RetryBackoff:      2 * time.Second,
			RequestsPerSecond: 2,
			Burst:             4,
			Language:          "zh-TW",
		},
		Masking: MaskingConfig{
			Rules: map[string]phi.Rule{
				string(phi.TypeName):                {Strategy: phi.StrategyPseudonymize},
				string(phi.TypeDate):                {Strategy: phi.StrategyGeneralize, Granularity: "year"},
				string(phi.TypePhone):               {Strategy: phi.StrategyMask},
				string(phi.TypeEmail):               {Strategy: phi.StrategyMask},
				string(phi.TypeIDNumber):            {Strategy: phi.StrategyRedact},
				string(phi.TypeMedicalRecordNumber): {Strategy: phi.StrategyPseudonymize},
				string(phi.TypeAgeOver89):           {Strategy: phi.StrategyGeneralize},
				string(phi.TypeLocation):            {Strategy: phi.StrategyMask},
				string(phi.TypeFacility):            {Strategy: phi.StrategyMask},
				string(phi.TypeRareDisease):         {Strategy: phi.StrategyRedact},
			},
		},
		Cache: CacheConfig{
			Enabled:        false,
			RedisURL:       "redis://localhost:6379/0",
			DefaultTTL:     24 * time.Hour,
			MaxConnections: 10,
			MinIdleConns:   2,
		},
		Checkpoint: CheckpointConfig{
			Enabled: true,
			Path:    "deid-checkpoint.db",
		},
		Report: ReportConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
	cfg.Detectors.NER.MaxLength = 512
	cfg.Detectors.NER.Labels = []string{
		"O", "B-PER", "I-PER", "B-ORG", "I-ORG", "B-LOC", "I-LOC", "B-MISC", "I-MISC",
	}
	return cfg
}
