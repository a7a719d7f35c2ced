package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/medredact/deid/internal/cache"
	"github.com/medredact/deid/internal/checkpoint"
	"github.com/medredact/deid/internal/chunker"
	"github.com/medredact/deid/internal/config"
	"github.com/medredact/deid/internal/detect"
	"github.com/medredact/deid/internal/llm"
	"github.com/medredact/deid/internal/loader"
	"github.com/medredact/deid/internal/logger"
	"github.com/medredact/deid/internal/mask"
	"github.com/medredact/deid/internal/phi"
	"github.com/medredact/deid/internal/pipeline"
	"github.com/medredact/deid/internal/reconcile"
	"github.com/medredact/deid/internal/report"
)

const version = "0.1.0"

func main() {
	var (
		configPath  = flag.String("config", "", "Configuration file path")
		inputFile   = flag.String("input", "", "Input dataset file (CSV, JSON lines, or Parquet)")
		outputFile  = flag.String("output", "", "Output file for masked documents (JSON lines, default stdout)")
		showVersion = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	if *inputFile == "" {
		fmt.Fprintf(os.Stderr, "Usage: %s --input notes.csv [options]\n\nOptions:\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting de-identification run",
		zap.String("version", version),
		zap.String("input", *inputFile))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Received shutdown signal, cancelling operations...")
		cancel()
	}()

	if err := run(ctx, cfg, *inputFile, *outputFile, log); err != nil {
		log.Fatal("De-identification run failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, inputFile, outputFile string, log *logger.Logger) error {
	if _, err := os.Stat(inputFile); os.IsNotExist(err) {
		return fmt.Errorf("input file does not exist: %s", inputFile)
	}

	splitter, err := chunker.New(cfg.Chunker.MaxChunkChars, cfg.Chunker.OverlapChars)
	if err != nil {
		return err
	}

	tools, err := buildTools(cfg, log)
	if err != nil {
		return err
	}

	identifier, resultCache, err := buildIdentifier(cfg, log)
	if err != nil {
		return err
	}
	if resultCache != nil {
		defer resultCache.Close()
	}

	store, err := buildCheckpointStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	sink, err := report.NewSink(report.Config{
		DatabaseURL:     cfg.Report.DatabaseURL,
		MaxOpenConns:    cfg.Report.MaxOpenConns,
		MaxIdleConns:    cfg.Report.MaxIdleConns,
		ConnMaxLifetime: cfg.Report.ConnMaxLifetime,
	}, log.Logger)
	if err != nil {
		return err
	}
	defer sink.Close()

	engine := mask.NewEngine(cfg.Masking.Rules, log.Logger)

	orch, err := pipeline.New(
		splitter,
		tools,
		identifier,
		reconcile.New(log.Logger),
		engine,
		store,
		sink,
		cfg.Pipeline.ChunkWorkers,
		log.Logger,
	)
	if err != nil {
		return err
	}

	src, err := loader.Open(inputFile, log.WithComponent("loader").Logger)
	if err != nil {
		return err
	}
	defer src.Close()

	out := os.Stdout
	if outputFile != "" {
		out, err = os.Create(outputFile)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer out.Close()
	}
	encoder := json.NewEncoder(out)

	batch, err := orch.ProcessBatch(ctx, src, func(res *pipeline.DocumentResult) error {
		return encoder.Encode(maskedRecord{
			ID:       res.DocID,
			Text:     res.MaskedText,
			Counts:   res.Counts,
			Degraded: res.Degraded,
		})
	})
	if err != nil {
		return err
	}

	log.Info("Run completed",
		zap.Int("total", batch.Total),
		zap.Int("succeeded", batch.Succeeded),
		zap.Int("failed", batch.Failed),
		zap.Int("skipped", batch.Skipped),
		zap.Int("degraded", batch.Degraded),
		zap.Duration("duration", batch.Duration),
		zap.Duration("doc_p95", batch.DocP95),
		zap.Int64("llm_calls", batch.LLM.Calls),
		zap.Int64("llm_cache_hits", batch.LLM.CacheHits),
		zap.Int64("llm_parse_fallbacks", batch.LLM.ParseFallbacks),
		zap.Int64("llm_timeouts", batch.LLM.Timeouts))
	return nil
}

// maskedRecord is the per-document output line.
type maskedRecord struct {
	ID       string           `json:"id"`
	Text     string           `json:"text"`
	Counts   map[phi.Type]int `json:"counts"`
	Degraded bool             `json:"degraded,omitempty"`
}

func buildTools(cfg *config.Config, log *logger.Logger) ([]detect.Tool, error) {
	regexTool, err := detect.NewRegexTool(cfg.Detectors.Rules, cfg.Detectors.AgeThreshold, log.WithComponent("regex"))
	if err != nil {
		return nil, err
	}
	tools := []detect.Tool{regexTool}

	if cfg.Detectors.NER.Enabled {
		nerLog := log.WithComponent("ner")
		backend := detect.NewNERBackend(nerLog.Logger,
			cfg.Detectors.NER.ModelPath,
			cfg.Detectors.NER.VocabPath,
			cfg.Detectors.NER.Labels,
			cfg.Detectors.NER.MaxLength)
		if backend == nil {
			nerLog.Warn("NER enabled but backend unavailable in this build, continuing without it")
		} else {
			nerTool, err := detect.NewNERTool(backend, nerLog)
			if err != nil {
				return nil, err
			}
			tools = append(tools, nerTool)
		}
	}
	return tools, nil
}

func buildIdentifier(cfg *config.Config, log *logger.Logger) (*llm.Identifier, *cache.ResultCache, error) {
	provider := llm.NewOllamaProvider(cfg.LLM.Endpoint, cfg.LLM.Model, log.WithComponent("llm").Logger)

	var resultCache *cache.ResultCache
	if cfg.Cache.Enabled {
		var err error
		resultCache, err = cache.NewResultCache(&cache.Config{
			RedisURL:       cfg.Cache.RedisURL,
			DefaultTTL:     cfg.Cache.DefaultTTL,
			MaxConnections: cfg.Cache.MaxConnections,
			MinIdleConns:   cfg.Cache.MinIdleConns,
		}, log.WithComponent("cache").Logger)
		if err != nil {
			return nil, nil, err
		}
	}

	identifier, err := llm.NewIdentifier(provider, resultCache, llm.Options{
		Timeout:           cfg.LLM.Timeout,
		MaxRetries:        cfg.LLM.MaxRetries,
		RetryBackoff:      cfg.LLM.RetryBackoff,
		RequestsPerSecond: cfg.LLM.RequestsPerSecond,
		Burst:             cfg.LLM.Burst,
		Model:             cfg.LLM.Model,
		Language:          cfg.LLM.Language,
		RegulationContext: cfg.LLM.RegulationContext,
		AgeThreshold:      cfg.Detectors.AgeThreshold,
	}, log.WithComponent("llm").Logger)
	if err != nil {
		if resultCache != nil {
			resultCache.Close()
		}
		return nil, nil, err
	}
	return identifier, resultCache, nil
}

func buildCheckpointStore(cfg *config.Config) (checkpoint.Store, error) {
	if !cfg.Checkpoint.Enabled {
		return checkpoint.NewMemoryStore(), nil
	}
	return checkpoint.NewBoltStore(cfg.Checkpoint.Path)
}
