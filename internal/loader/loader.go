// Package loader streams documents out of batch input files. Supported
// formats are CSV, JSON lines, and Parquet; the format is detected from
// the file extension.
package loader

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/segmentio/parquet-go"
	"go.uber.org/zap"

	"github.com/medredact/deid/internal/phi"
)

// Document is one unit of de-identification work.
type Document struct {
	ID       string            `json:"id" parquet:"id,optional"`
	Text     string            `json:"text" parquet:"text"`
	Metadata map[string]string `json:"metadata,omitempty" parquet:"-"`
}

// Source streams documents. Next returns io.EOF after the last document.
type Source interface {
	Next() (Document, error)
	Close() error
}

// Format identifies a supported input file format.
type Format string

// Supported formats.
const (
	FormatCSV     Format = "csv"
	FormatJSON    Format = "json"
	FormatParquet Format = "parquet"
	FormatUnknown Format = "unknown"
)

// DetectFormat maps a file path to its format by extension.
func DetectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV
	case ".json", ".jsonl", ".ndjson":
		return FormatJSON
	case ".parquet":
		return FormatParquet
	default:
		return FormatUnknown
	}
}

// Open creates a Source for the file at path.
func Open(path string, log *zap.Logger) (Source, error) {
	switch DetectFormat(path) {
	case FormatCSV:
		return OpenCSV(path, log)
	case FormatJSON:
		return OpenJSON(path)
	case FormatParquet:
		return OpenParquet(path)
	default:
		return nil, fmt.Errorf("%w: unsupported input format: %s", phi.ErrConfiguration, path)
	}
}

// ensureID fills in a generated ID for rows that carry none. Checkpointing
// keys on the ID, so generated IDs make a row resumable only within one
// run; stable upstream IDs are preferred.
func ensureID(doc *Document) {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
}

// CSVSource reads documents from a CSV file. The header row must contain a
// "text" column; an "id" column is used when present, every other column
// lands in Metadata.
type CSVSource struct {
	file    *os.File
	reader  *csv.Reader
	logger  *zap.Logger
	header  []string
	textCol int
	idCol   int
	row     int
	skipped int
}

// OpenCSV opens a CSV document source.
func OpenCSV(path string, log *zap.Logger) (*CSVSource, error) {
	if log == nil {
		log = zap.NewNop()
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV file: %w", err)
	}

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	s := &CSVSource{file: file, reader: reader, logger: log, header: header, textCol: -1, idCol: -1}
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "text", "content":
			s.textCol = i
		case "id", "doc_id":
			s.idCol = i
		}
	}
	if s.textCol < 0 {
		file.Close()
		return nil, fmt.Errorf("%w: CSV file %s has no text column", phi.ErrConfiguration, path)
	}
	return s, nil
}

// Next implements Source.
func (s *CSVSource) Next() (Document, error) {
	for {
		record, err := s.reader.Read()
		if err == io.EOF {
			return Document{}, io.EOF
		}
		if err != nil {
			return Document{}, fmt.Errorf("failed to read CSV record: %w", err)
		}
		s.row++
		if s.textCol >= len(record) {
			// Malformed rows are skipped, never silently: the row identity
			// goes to the log and the count is reported by Skipped.
			s.skipped++
			s.logger.Warn("Skipping CSV row with no text field",
				zap.Int("row", s.row),
				zap.Int("fields", len(record)))
			continue
		}

		doc := Document{Text: record[s.textCol]}
		if s.idCol >= 0 && s.idCol < len(record) {
			doc.ID = strings.TrimSpace(record[s.idCol])
		}
		for i, value := range record {
			if i == s.textCol || i == s.idCol || i >= len(s.header) {
				continue
			}
			if doc.Metadata == nil {
				doc.Metadata = map[string]string{}
			}
			doc.Metadata[s.header[i]] = value
		}
		ensureID(&doc)
		return doc, nil
	}
}

// Skipped reports how many malformed rows were dropped so far.
func (s *CSVSource) Skipped() int { return s.skipped }

// Close implements Source.
func (s *CSVSource) Close() error { return s.file.Close() }

// JSONSource reads documents from a file of newline-delimited JSON objects.
type JSONSource struct {
	file    *os.File
	decoder *json.Decoder
}

// OpenJSON opens a JSON-lines document source.
func OpenJSON(path string) (*JSONSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSON file: %w", err)
	}
	return &JSONSource{file: file, decoder: json.NewDecoder(file)}, nil
}

// Next implements Source.
func (s *JSONSource) Next() (Document, error) {
	var doc Document
	if err := s.decoder.Decode(&doc); err != nil {
		if err == io.EOF {
			return Document{}, io.EOF
		}
		return Document{}, fmt.Errorf("failed to decode JSON record: %w", err)
	}
	ensureID(&doc)
	return doc, nil
}

// Close implements Source.
func (s *JSONSource) Close() error { return s.file.Close() }

// ParquetSource reads documents from a Parquet file with id/text columns.
type ParquetSource struct {
	file   *os.File
	reader *parquet.Reader
}

// OpenParquet opens a Parquet document source.
func OpenParquet(path string) (*ParquetSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open Parquet file: %w", err)
	}
	return &ParquetSource{file: file, reader: parquet.NewReader(file)}, nil
}

// Next implements Source.
func (s *ParquetSource) Next() (Document, error) {
	var doc Document
	if err := s.reader.Read(&doc); err != nil {
		if err == io.EOF {
			return Document{}, io.EOF
		}
		return Document{}, fmt.Errorf("failed to read Parquet record: %w", err)
	}
	ensureID(&doc)
	return doc, nil
}

// Close implements Source.
func (s *ParquetSource) Close() error {
	s.reader.Close()
	return s.file.Close()
}

// SliceSource serves documents from memory, for tests and embedding use.
type SliceSource struct {
	docs []Document
	pos  int
}

// NewSliceSource creates a source over the given documents.
func NewSliceSource(docs []Document) *SliceSource {
	return &SliceSource{docs: docs}
}

// Next implements Source.
func (s *SliceSource) Next() (Document, error) {
	if s.pos >= len(s.docs) {
		return Document{}, io.EOF
	}
	doc := s.docs[s.pos]
	s.pos++
	ensureID(&doc)
	return doc, nil
}

// Close implements Source.
func (s *SliceSource) Close() error { return nil }
