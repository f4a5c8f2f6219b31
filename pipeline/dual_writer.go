package pipeline

import (
	"errors"
	"fmt"
	"sync"

	"github.com/roperkevin/jewishbooks/models"
)

// DualWriter streams each batch of scored records to a CSV file and a JSONL
// file. A batch goes to the JSONL side only after the CSV side took it, so
// the CSV is never behind.
type DualWriter struct {
	mu    sync.Mutex
	sinks []namedSink
}

type namedSink struct {
	name string
	w    OutputWriter
}

// NewDualWriter opens both files. Use DualPaths to derive them from one
// output path.
func NewDualWriter(csvFilename, jsonFilename string) (*DualWriter, error) {
	cw, err := NewCSVWriter(csvFilename)
	if err != nil {
		return nil, fmt.Errorf("open csv side: %w", err)
	}
	jw, err := NewJSONWriter(jsonFilename)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("open jsonl side: %w", err), cw.Close())
	}
	return &DualWriter{sinks: []namedSink{{"csv", cw}, {"jsonl", jw}}}, nil
}

func (dw *DualWriter) Write(records []*models.ScoredRecord) error {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	for _, s := range dw.sinks {
		if err := s.w.Write(records); err != nil {
			return fmt.Errorf("%s side: %w", s.name, err)
		}
	}
	return nil
}

// Close closes every side even when one fails.
func (dw *DualWriter) Close() error {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	return dw.each(OutputWriter.Close)
}

// Validate checks that neither file is empty.
func (dw *DualWriter) Validate() error {
	return dw.each(OutputWriter.Validate)
}

func (dw *DualWriter) each(fn func(OutputWriter) error) error {
	var errs []error
	for _, s := range dw.sinks {
		if err := fn(s.w); err != nil {
			errs = append(errs, fmt.Errorf("%s side: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}
