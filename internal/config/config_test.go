package config

import (
	"testing"

	"github.com/medredact/deid/internal/phi"
)

func TestGetDefaults(t *testing.T) {
	cfg := GetDefaults()

	if cfg.Chunker.MaxChunkChars != 1000 || cfg.Chunker.OverlapChars != 50 {
		t.Errorf("chunker defaults = %+v", cfg.Chunker)
	}
	if cfg.Detectors.AgeThreshold != 89 {
		t.Errorf("age threshold = %d", cfg.Detectors.AgeThreshold)
	}
	if cfg.LLM.MaxRetries != 1 {
		t.Errorf("max retries = %d", cfg.LLM.MaxRetries)
	}
	if err := validateConfig(cfg); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
	// Every default masking rule must name a known type.
	for name := range cfg.Masking.Rules {
		if _, ok := phi.ParseType(name); !ok {
			t.Errorf("default rule for unknown type %q", name)
		}
	}
}

func TestValidateConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"ZeroMaxChunkChars", func(c *Config) { c.Chunker.MaxChunkChars = 0 }},
		{"OverlapNotBelowMax", func(c *Config) { c.Chunker.OverlapChars = c.Chunker.MaxChunkChars }},
		{"NegativeOverlap", func(c *Config) { c.Chunker.OverlapChars = -1 }},
		{"ZeroWorkers", func(c *Config) { c.Pipeline.ChunkWorkers = 0 }},
		{"ZeroTimeout", func(c *Config) { c.LLM.Timeout = 0 }},
		{"TooManyRetries", func(c *Config) { c.LLM.MaxRetries = 3 }},
		{"UnknownRuleType", func(c *Config) {
			c.Masking.Rules["not_a_type"] = c.Masking.Rules["name"]
		}},
		{"UnknownStrategy", func(c *Config) {
			r := c.Masking.Rules["name"]
			r.Strategy = "shred"
			c.Masking.Rules["name"] = r
		}},
		{"BadLogLevel", func(c *Config) { c.Logging.Level = "verbose" }},
		{"BadLogFormat", func(c *Config) { c.Logging.Format = "xml" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := GetDefaults()
			tc.mutate(cfg)
			if err := validateConfig(cfg); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Chunker.MaxChunkChars != 1000 {
		t.Errorf("max_chunk_chars = %d", cfg.Chunker.MaxChunkChars)
	}
}

func TestLoadRejectsMissingExplicitFile(t *testing.T) {
	if _, err := Load("/nonexistent/deid.yaml"); err == nil {
		t.Error("explicitly named config file that does not exist must fail")
	}
}
