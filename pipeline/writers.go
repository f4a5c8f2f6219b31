package pipeline

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/roperkevin/jewishbooks/models"
)

// Output formats understood by NewWriter and WriteSnapshot.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
	FormatDual = "dual"
)

var csvHeader = []string{
	"isbn13", "isbn10", "title", "title_long", "authors", "publisher", "date_published",
	"language", "subjects", "pages", "format", "synopsis", "overview", "cover_url",
	"rating_average", "rating_count", "relevance_score", "matched_terms", "fiction",
	"popularity_score", "rank_score", "accepted", "task_id", "strategy", "query", "page",
	"discovered_at", "seen_count", "sources",
}

func csvRow(r *models.ScoredRecord) []string {
	ratingAvg, ratingCount := "", ""
	if r.Rating != nil {
		ratingAvg = strconv.FormatFloat(r.Rating.Average, 'f', -1, 64)
		ratingCount = strconv.Itoa(r.Rating.Count)
	}
	discovered := ""
	if !r.DiscoveredAt.IsZero() {
		discovered = r.DiscoveredAt.UTC().Format(time.RFC3339)
	}
	return []string{
		r.ISBN13,
		r.ISBN10,
		r.Title,
		r.TitleLong,
		r.Authors,
		r.Publisher,
		r.DatePublished,
		r.Language,
		r.Subjects,
		r.Pages,
		r.Format,
		r.Synopsis,
		r.Overview,
		r.CoverURL,
		ratingAvg,
		ratingCount,
		strconv.Itoa(r.RelevanceScore),
		strings.Join(r.MatchedTerms, ";"),
		strconv.FormatBool(r.Fiction),
		strconv.FormatFloat(r.PopularityScore, 'f', -1, 64),
		strconv.FormatFloat(r.RankScore, 'f', -1, 64),
		strconv.FormatBool(r.Accepted),
		r.TaskID,
		string(r.Strategy),
		r.Query,
		strconv.Itoa(r.Page),
		discovered,
		strconv.Itoa(r.SeenCount),
		strings.Join(r.Sources, "|"),
	}
}

// CSVWriter writes records to CSV.
type CSVWriter struct {
	file   *os.File
	writer *csv.Writer
	mu     sync.Mutex
}

// NewCSVWriter initialises a CSV writer and writes the header row.
func NewCSVWriter(filename string) (*CSVWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create csv file: %w", err)
	}
	cw, err := newCSVWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return cw, nil
}

func newCSVWriter(f *os.File) (*CSVWriter, error) {
	writer := csv.NewWriter(f)
	if err := writer.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("flush csv header: %w", err)
	}

	return &CSVWriter{
		file:   f,
		writer: writer,
	}, nil
}

// Write appends records to the CSV output.
func (cw *CSVWriter) Write(records []*models.ScoredRecord) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	for _, rec := range records {
		if err := cw.writer.Write(csvRow(rec)); err != nil {
			return fmt.Errorf("write csv record: %w", err)
		}
	}
	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv records: %w", err)
	}
	return nil
}

// Close flushes and closes the file handle.
func (cw *CSVWriter) Close() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv writer: %w", err)
	}
	return cw.file.Close()
}

// Validate ensures the file has content besides the header.
func (cw *CSVWriter) Validate() error {
	info, err := cw.file.Stat()
	if err != nil {
		return fmt.Errorf("stat csv file: %w", err)
	}
	if info.Size() <= 0 {
		return fmt.Errorf("csv file is empty")
	}
	return nil
}

// JSONWriter writes newline-delimited JSON records.
type JSONWriter struct {
	file    *os.File
	writer  *bufio.Writer
	encoder *json.Encoder
	mu      sync.Mutex
}

// NewJSONWriter initialises the JSON writer.
func NewJSONWriter(filename string) (*JSONWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create json file: %w", err)
	}
	return newJSONWriter(f), nil
}

func newJSONWriter(f *os.File) *JSONWriter {
	buffer := bufio.NewWriter(f)
	return &JSONWriter{
		file:    f,
		writer:  buffer,
		encoder: json.NewEncoder(buffer),
	}
}

// Write appends records in JSONL format.
func (jw *JSONWriter) Write(records []*models.ScoredRecord) error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	for _, rec := range records {
		if err := jw.encoder.Encode(rec); err != nil {
			return fmt.Errorf("encode json record: %w", err)
		}
	}

	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("flush json writer: %w", err)
	}

	return nil
}

// Append writes one arbitrary value as a JSON line. The raw candidate dump
// uses it.
func (jw *JSONWriter) Append(v any) error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	if err := jw.encoder.Encode(v); err != nil {
		return fmt.Errorf("encode json line: %w", err)
	}

	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("flush json writer: %w", err)
	}

	return nil
}

// Close flushes buffers and closes the underlying file.
func (jw *JSONWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("flush json writer: %w", err)
	}
	return jw.file.Close()
}

// Validate ensures the JSON file has data.
func (jw *JSONWriter) Validate() error {
	info, err := jw.file.Stat()
	if err != nil {
		return fmt.Errorf("stat json file: %w", err)
	}
	if info.Size() <= 0 {
		return fmt.Errorf("json file is empty")
	}
	return nil
}

// NewWriter opens a writer for format. Dual output derives the JSONL path
// with DualPaths.
func NewWriter(format, filename string) (OutputWriter, error) {
	switch strings.ToLower(format) {
	case FormatJSON:
		return NewJSONWriter(filename)
	case FormatCSV:
		return NewCSVWriter(filename)
	case FormatDual:
		csvPath, jsonPath := DualPaths(filename)
		return NewDualWriter(csvPath, jsonPath)
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

// DualPaths returns the CSV and JSONL paths used for dual output.
func DualPaths(filename string) (string, string) {
	base := strings.TrimSuffix(filename, filepath.Ext(filename))
	return base + ".csv", base + ".jsonl"
}

func encodeRecords(w io.Writer, format string, records []*models.ScoredRecord) error {
	switch format {
	case FormatCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write(csvHeader); err != nil {
			return fmt.Errorf("write csv header: %w", err)
		}
		for _, rec := range records {
			if err := cw.Write(csvRow(rec)); err != nil {
				return fmt.Errorf("write csv record: %w", err)
			}
		}
		cw.Flush()
		return cw.Error()
	case FormatJSON:
		enc := json.NewEncoder(w)
		for _, rec := range records {
			if err := enc.Encode(rec); err != nil {
				return fmt.Errorf("encode json record: %w", err)
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}
