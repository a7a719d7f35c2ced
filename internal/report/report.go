// Package report persists an audit trail of masking decisions to
// PostgreSQL. Raw PHI never reaches the database: entity text is stored as
// a SHA-256 digest, sufficient to correlate occurrences without being able
// to read them.
package report

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/medredact/deid/internal/mask"
)

// Config contains audit sink configuration. An empty DatabaseURL disables
// the sink.
type Config struct {
	DatabaseURL     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Sink writes per-document audit records.
type Sink struct {
	db     *sqlx.DB
	logger *zap.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS deid_documents (
	doc_id        TEXT PRIMARY KEY,
	entity_count  INTEGER NOT NULL,
	failed        BOOLEAN NOT NULL DEFAULT FALSE,
	duration_ms   BIGINT NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS deid_entities (
	id             BIGSERIAL PRIMARY KEY,
	doc_id         TEXT NOT NULL,
	phi_type       TEXT NOT NULL,
	custom_type    TEXT NOT NULL DEFAULT '',
	source         TEXT NOT NULL,
	strategy       TEXT NOT NULL,
	confidence     DOUBLE PRECISION NOT NULL,
	text_hash      TEXT NOT NULL,
	orig_start     INTEGER NOT NULL,
	orig_end       INTEGER NOT NULL,
	masked_start   INTEGER NOT NULL,
	masked_end     INTEGER NOT NULL,
	ambiguous      BOOLEAN NOT NULL DEFAULT FALSE,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_deid_entities_doc ON deid_entities (doc_id);
CREATE INDEX IF NOT EXISTS idx_deid_entities_type ON deid_entities (phi_type);
`

// NewSink connects to the audit database and ensures the schema. Returns
// (nil, nil) when cfg.DatabaseURL is empty: a nil *Sink is a valid,
// disabled sink.
func NewSink(cfg Config, logger *zap.Logger) (*Sink, error) {
	if cfg.DatabaseURL == "" {
		return nil, nil
	}

	db, err := sqlx.Connect("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to audit database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure audit schema: %w", err)
	}

	logger.Info("Audit sink initialized",
		zap.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		zap.Int("max_open_conns", cfg.MaxOpenConns))

	return &Sink{db: db, logger: logger}, nil
}

// WriteDocument records the masking outcome of one document. Safe to call
// on a nil sink.
func (s *Sink) WriteDocument(ctx context.Context, docID string, result mask.Result, duration time.Duration, failed bool) error {
	if s == nil {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin audit transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO deid_documents (doc_id, entity_count, failed, duration_ms)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (doc_id) DO UPDATE SET
			entity_count = EXCLUDED.entity_count,
			failed = EXCLUDED.failed,
			duration_ms = EXCLUDED.duration_ms`,
		docID, len(result.Manifest), failed, duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to insert document record: %w", err)
	}

	if len(result.Manifest) > 0 {
		const cols = 12
		valueStrings := make([]string, 0, len(result.Manifest))
		valueArgs := make([]interface{}, 0, len(result.Manifest)*cols)
		for i, m := range result.Manifest {
			placeholders := make([]string, cols)
			for j := range placeholders {
				placeholders[j] = fmt.Sprintf("$%d", i*cols+j+1)
			}
			valueStrings = append(valueStrings, "("+strings.Join(placeholders, ", ")+")")
			valueArgs = append(valueArgs,
				docID,
				string(m.Entity.Type),
				m.Entity.CustomTypeName,
				m.Entity.Source,
				string(m.Strategy),
				m.Entity.Confidence,
				hashText(m.Entity.Text),
				m.Entity.Start,
				m.Entity.End,
				m.NewStart,
				m.NewEnd,
				m.Entity.Ambiguous,
			)
		}

		query := fmt.Sprintf(`
			INSERT INTO deid_entities
				(doc_id, phi_type, custom_type, source, strategy, confidence,
				 text_hash, orig_start, orig_end, masked_start, masked_end, ambiguous)
			VALUES %s`, strings.Join(valueStrings, ", "))
		if _, err := tx.ExecContext(ctx, query, valueArgs...); err != nil {
			return fmt.Errorf("failed to insert entity records: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit audit transaction: %w", err)
	}

	s.logger.Debug("Audit records written",
		zap.String("doc_id", docID),
		zap.Int("entities", len(result.Manifest)))
	return nil
}

// Close releases the database pool. Safe on a nil sink.
func (s *Sink) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// maskDatabaseURL hides credentials when logging the connection target.
func maskDatabaseURL(url string) string {
	if at := strings.LastIndex(url, "@"); at >= 0 {
		if scheme := strings.Index(url, "://"); scheme >= 0 {
			return url[:scheme+3] + "***" + url[at:]
		}
	}
	return url
}
