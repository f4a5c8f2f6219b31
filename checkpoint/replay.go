package checkpoint

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"

	"github.com/roperkevin/jewishbooks/models"
	"github.com/roperkevin/jewishbooks/parser"
)

const maxLineSize = 16 << 20

// State is what a journal replay reconstructs.
type State struct {
	CompletedTasks map[string]struct{}
	AcceptedISBNs  map[string]struct{}
	// Records holds the best-known record per accepted ISBN.
	Records map[string]models.ScoredRecord
	// Sources collects every query label that returned an ISBN.
	Sources map[string]map[string]struct{}

	Runs           int
	QuotaHits      int
	LastStopReason string
}

// NewState returns an empty state.
func NewState() State {
	return State{
		CompletedTasks: make(map[string]struct{}),
		AcceptedISBNs:  make(map[string]struct{}),
		Records:        make(map[string]models.ScoredRecord),
		Sources:        make(map[string]map[string]struct{}),
	}
}

// IsCompleted reports whether a task_completed event exists for id.
func (s State) IsCompleted(id string) bool {
	_, ok := s.CompletedTasks[id]
	return ok
}

// AcceptedList returns the accepted ISBNs in sorted order.
func (s State) AcceptedList() []string {
	out := make([]string, 0, len(s.AcceptedISBNs))
	for isbn := range s.AcceptedISBNs {
		out = append(out, isbn)
	}
	sort.Strings(out)
	return out
}

// RecordList returns the reconstructed records ordered by ISBN, each with
// the union of its recorded sources.
func (s State) RecordList() []models.ScoredRecord {
	out := make([]models.ScoredRecord, 0, len(s.Records))
	for _, isbn := range s.AcceptedList() {
		rec, ok := s.Records[isbn]
		if !ok {
			continue
		}
		if set := s.Sources[isbn]; len(set) > 0 {
			rec.Sources = make([]string, 0, len(set))
			for src := range set {
				rec.Sources = append(rec.Sources, src)
			}
			sort.Strings(rec.Sources)
			rec.SeenCount = len(rec.Sources)
		}
		out = append(out, rec)
	}
	return out
}

func (s State) addSources(isbn string, sources ...string) {
	for _, src := range sources {
		if src == "" {
			continue
		}
		set, ok := s.Sources[isbn]
		if !ok {
			set = make(map[string]struct{})
			s.Sources[isbn] = set
		}
		set[src] = struct{}{}
	}
}

// Fold applies one event. It performs no I/O and its effect on the task,
// ISBN and source sets is a set union, so duplicated or reordered events converge on
// the same state. The state's maps are updated in place.
func Fold(s State, e Event) State {
	if s.CompletedTasks == nil {
		s = NewState()
	}
	if s.Sources == nil {
		s.Sources = make(map[string]map[string]struct{})
	}
	switch e.Type {
	case EventTaskCompleted, eventTaskDone:
		if e.TaskID != "" {
			s.CompletedTasks[e.TaskID] = struct{}{}
		}
	case EventRecordAccepted:
		raw := e.ISBN
		if raw == "" && e.Record != nil {
			raw = e.Record.ISBN13
		}
		isbn, ok := parser.CanonicalISBN(raw)
		if !ok {
			return s
		}
		s.AcceptedISBNs[isbn] = struct{}{}
		if e.Record != nil {
			rec := *e.Record
			rec.ISBN13 = isbn
			if cur, ok := s.Records[isbn]; !ok || betterRecord(rec, cur) {
				s.Records[isbn] = rec
			}
			s.addSources(isbn, rec.Sources...)
		}
		switch {
		case e.Record != nil && e.Record.Strategy != "":
			s.addSources(isbn, models.SourceLabel(e.Record.Strategy, e.Record.Query))
		case e.Strategy != "":
			s.addSources(isbn, models.SourceLabel(e.Strategy, e.Query))
		}
	case EventRecordSeen:
		isbn, ok := parser.CanonicalISBN(e.ISBN)
		if !ok || e.Strategy == "" {
			return s
		}
		s.addSources(isbn, models.SourceLabel(e.Strategy, e.Query))
	case EventRunStarted:
		s.Runs++
	case EventQuotaExhausted:
		s.QuotaHits++
	case EventRunStopped:
		s.LastStopReason = e.Reason
	}
	return s
}

// betterRecord is a total order over candidate records for one ISBN so the
// replay winner does not depend on event order.
func betterRecord(a, b models.ScoredRecord) bool {
	if a.RelevanceScore != b.RelevanceScore {
		return a.RelevanceScore > b.RelevanceScore
	}
	if a.RankScore != b.RankScore {
		return a.RankScore > b.RankScore
	}
	if a.TaskID != b.TaskID {
		return a.TaskID < b.TaskID
	}
	if a.Page != b.Page {
		return a.Page < b.Page
	}
	return a.DiscoveredAt.Before(b.DiscoveredAt)
}

// ReplayStats counts what Replay saw.
type ReplayStats struct {
	Lines     int
	Events    int
	Blank     int
	Malformed int
	Unknown   int
}

// Replay folds every event in r into a fresh state. Blank, malformed and
// unknown-type lines are counted and skipped; a torn final line from a crash
// is therefore harmless.
func Replay(r io.Reader) (State, ReplayStats, error) {
	state := NewState()
	var stats ReplayStats

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		stats.Lines++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			stats.Blank++
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			stats.Malformed++
			continue
		}
		if !e.Type.Known() {
			stats.Unknown++
			continue
		}
		stats.Events++
		state = Fold(state, e)
	}
	if err := scanner.Err(); err != nil {
		return state, stats, fmt.Errorf("read checkpoint: %w", err)
	}
	return state, stats, nil
}

// LoadState replays the journal at path. A missing file yields an empty state.
func LoadState(path string) (State, ReplayStats, error) {
	if path == "" {
		return NewState(), ReplayStats{}, nil
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewState(), ReplayStats{}, nil
	}
	if err != nil {
		return NewState(), ReplayStats{}, fmt.Errorf("open checkpoint %s: %w", path, err)
	}
	defer f.Close()
	return Replay(f)
}
