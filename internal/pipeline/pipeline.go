// Package pipeline orchestrates de-identification end to end: chunking,
// detection, semantic identification, reconciliation, masking, and batch
// bookkeeping. Failures are contained at the smallest unit that can absorb
// them: a broken tool degrades a chunk, a broken chunk degrades a
// document, a broken document never stops the batch.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/medredact/deid/internal/checkpoint"
	"github.com/medredact/deid/internal/chunker"
	"github.com/medredact/deid/internal/detect"
	"github.com/medredact/deid/internal/llm"
	"github.com/medredact/deid/internal/loader"
	"github.com/medredact/deid/internal/mask"
	"github.com/medredact/deid/internal/phi"
	"github.com/medredact/deid/internal/reconcile"
	"github.com/medredact/deid/internal/report"
)

// DocumentResult is the outcome of de-identifying one document.
type DocumentResult struct {
	DocID      string               `json:"doc_id"`
	MaskedText string               `json:"masked_text"`
	Entities   []phi.Entity         `json:"entities"`
	Manifest   []mask.ManifestEntry `json:"manifest"`
	Counts     map[phi.Type]int     `json:"counts"`
	Chunks     int                  `json:"chunks"`

	// Degraded is set when any chunk finished without its LLM result.
	// The document is still masked with whatever the other detectors
	// found, but recall may be reduced.
	Degraded bool          `json:"degraded,omitempty"`
	Duration time.Duration `json:"duration"`
}

// BatchResult aggregates a whole run.
type BatchResult struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Degraded  int `json:"degraded"`

	Counts      map[phi.Type]int `json:"counts"`
	Duration    time.Duration    `json:"duration"`
	DocP95      time.Duration    `json:"doc_p95"`
	LLM         llm.Stats        `json:"llm"`
	FailedDocs  []string         `json:"failed_docs,omitempty"`
	SkippedDocs []string         `json:"skipped_docs,omitempty"`
}

// Orchestrator wires the processing stages together. The identifier and
// audit sink are optional; the checkpoint store is required (use the
// in-memory store when persistence is off).
type Orchestrator struct {
	splitter   *chunker.Splitter
	tools      []detect.Tool
	identifier *llm.Identifier
	reconciler *reconcile.Reconciler
	engine     *mask.Engine
	store      checkpoint.Store
	sink       *report.Sink
	workers    int
	logger     *zap.Logger
}

// New creates an orchestrator.
func New(
	splitter *chunker.Splitter,
	tools []detect.Tool,
	identifier *llm.Identifier,
	reconciler *reconcile.Reconciler,
	engine *mask.Engine,
	store checkpoint.Store,
	sink *report.Sink,
	chunkWorkers int,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if splitter == nil || reconciler == nil || engine == nil {
		return nil, fmt.Errorf("%w: pipeline requires splitter, reconciler, and masking engine", phi.ErrConfiguration)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: pipeline requires a checkpoint store", phi.ErrConfiguration)
	}
	if chunkWorkers <= 0 {
		chunkWorkers = 1
	}
	return &Orchestrator{
		splitter:   splitter,
		tools:      tools,
		identifier: identifier,
		reconciler: reconciler,
		engine:     engine,
		store:      store,
		sink:       sink,
		workers:    chunkWorkers,
		logger:     logger,
	}, nil
}

// chunkOutcome is one chunk's globalized entities plus degradation state.
type chunkOutcome struct {
	entities []phi.Entity
	degraded bool
}

// ProcessDocument runs the full pipeline for one document. Chunks are
// processed concurrently up to the configured worker bound; results are
// merged in chunk order so output is deterministic.
func (o *Orchestrator) ProcessDocument(ctx context.Context, doc loader.Document) (*DocumentResult, error) {
	start := time.Now()
	log := o.logger.With(zap.String("doc_id", doc.ID))

	chunks, err := o.splitter.Split(doc.Text)
	if err != nil {
		return nil, err
	}

	outcomes := make([]chunkOutcome, len(chunks))
	sem := make(chan struct{}, o.workers)
	var wg sync.WaitGroup
	for i, chunk := range chunks {
		wg.Add(1)
		go func(i int, chunk phi.Chunk) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			outcomes[i] = o.processChunk(ctx, log, chunk)
		}(i, chunk)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	perChunk := make([][]phi.Entity, len(outcomes))
	degraded := false
	for i, out := range outcomes {
		perChunk[i] = out.entities
		degraded = degraded || out.degraded
	}

	entities, err := o.reconciler.MergeDocument(doc.Text, perChunk...)
	if err != nil {
		return nil, err
	}

	masked, err := o.engine.Apply(doc.ID, doc.Text, entities)
	if err != nil {
		return nil, err
	}

	result := &DocumentResult{
		DocID:      doc.ID,
		MaskedText: masked.Text,
		Entities:   entities,
		Manifest:   masked.Manifest,
		Counts:     masked.Counts,
		Chunks:     len(chunks),
		Degraded:   degraded,
		Duration:   time.Since(start),
	}

	log.Info("Document processed",
		zap.Int("chunks", result.Chunks),
		zap.Int("entities", len(result.Entities)),
		zap.Bool("degraded", result.Degraded),
		zap.Duration("duration", result.Duration))

	return result, nil
}

// processChunk runs every detector over one chunk and merges the results.
// A failing tool loses only its own candidates; a failing or timed-out LLM
// call marks the chunk degraded.
func (o *Orchestrator) processChunk(ctx context.Context, log *zap.Logger, chunk phi.Chunk) chunkOutcome {
	var sets [][]phi.Candidate
	var toolHints []phi.Candidate

	for _, tool := range o.tools {
		candidates, err := tool.Scan(chunk.Content)
		if err != nil {
			log.Warn("Detector tool failed on chunk",
				zap.String("tool", tool.Name()),
				zap.Int("chunk_index", chunk.Index),
				zap.Error(err))
			continue
		}
		sets = append(sets, candidates)
		toolHints = append(toolHints, candidates...)
	}

	degraded := false
	if o.identifier != nil {
		candidates, err := o.identifier.Identify(ctx, chunk.Content, toolHints)
		if err != nil {
			log.Warn("LLM identification degraded on chunk",
				zap.Int("chunk_index", chunk.Index),
				zap.Error(err))
			degraded = true
		} else {
			sets = append(sets, candidates)
		}
	}

	return chunkOutcome{
		entities: o.reconciler.MergeChunk(chunk, sets...),
		degraded: degraded,
	}
}

// ProcessBatch drains the source, processing each document and handing the
// result to handle (which may be nil). Already-checkpointed documents are
// skipped; a document failure is recorded and the batch continues.
func (o *Orchestrator) ProcessBatch(ctx context.Context, src loader.Source, handle func(*DocumentResult) error) (*BatchResult, error) {
	start := time.Now()
	batch := &BatchResult{Counts: map[phi.Type]int{}}
	var durations []time.Duration

	for {
		if err := ctx.Err(); err != nil {
			return batch, err
		}

		doc, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return batch, fmt.Errorf("failed to read next document: %w", err)
		}
		batch.Total++

		done, err := o.store.Completed(doc.ID)
		if err != nil {
			return batch, err
		}
		if done {
			batch.Skipped++
			batch.SkippedDocs = append(batch.SkippedDocs, doc.ID)
			o.logger.Debug("Skipping checkpointed document", zap.String("doc_id", doc.ID))
			continue
		}

		result, err := o.ProcessDocument(ctx, doc)
		if err != nil {
			if ctx.Err() != nil {
				return batch, ctx.Err()
			}
			batch.Failed++
			batch.FailedDocs = append(batch.FailedDocs, doc.ID)
			o.logger.Error("Document failed", zap.String("doc_id", doc.ID), zap.Error(err))
			o.markDone(doc.ID, 0, true)
			continue
		}

		if handle != nil {
			if err := handle(result); err != nil {
				return batch, fmt.Errorf("result handler failed for %s: %w", result.DocID, err)
			}
		}

		o.writeAudit(ctx, result)
		o.markDone(result.DocID, len(result.Entities), false)

		batch.Succeeded++
		if result.Degraded {
			batch.Degraded++
		}
		for typ, n := range result.Counts {
			batch.Counts[typ] += n
		}
		durations = append(durations, result.Duration)
	}

	batch.Duration = time.Since(start)
	batch.DocP95 = percentile95(durations)
	if o.identifier != nil {
		batch.LLM = o.identifier.Stats()
	}

	o.logger.Info("Batch completed",
		zap.Int("total", batch.Total),
		zap.Int("succeeded", batch.Succeeded),
		zap.Int("failed", batch.Failed),
		zap.Int("skipped", batch.Skipped),
		zap.Int("degraded", batch.Degraded),
		zap.Duration("duration", batch.Duration),
		zap.Duration("doc_p95", batch.DocP95))

	return batch, nil
}

func (o *Orchestrator) markDone(docID string, entityCount int, failed bool) {
	err := o.store.Mark(checkpoint.Record{
		DocID:       docID,
		Failed:      failed,
		EntityCount: entityCount,
	})
	if err != nil {
		o.logger.Warn("Failed to checkpoint document", zap.String("doc_id", docID), zap.Error(err))
	}
}

func (o *Orchestrator) writeAudit(ctx context.Context, result *DocumentResult) {
	if o.sink == nil {
		return
	}
	res := mask.Result{Text: result.MaskedText, Manifest: result.Manifest, Counts: result.Counts}
	if err := o.sink.WriteDocument(ctx, result.DocID, res, result.Duration, false); err != nil {
		o.logger.Warn("Failed to write audit records", zap.String("doc_id", result.DocID), zap.Error(err))
	}
}

func percentile95(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := (len(sorted)*95 + 99) / 100
	if idx > 0 {
		idx--
	}
	return sorted[idx]
}
