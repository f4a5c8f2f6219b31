package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/roperkevin/jewishbooks/models"
)

// SortByRank orders records by rank, then relevance, then ISBN.
func SortByRank(records []models.ScoredRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.RankScore != b.RankScore {
			return a.RankScore > b.RankScore
		}
		if a.RelevanceScore != b.RelevanceScore {
			return a.RelevanceScore > b.RelevanceScore
		}
		return a.ISBN13 < b.ISBN13
	})
}

// WriteSnapshot replaces path with records in the given format. The file is
// written to a temporary sibling and renamed, so readers never see a
// partial file. Dual format writes both DualPaths targets.
func WriteSnapshot(path, format string, records []models.ScoredRecord) error {
	ptrs := make([]*models.ScoredRecord, len(records))
	for i := range records {
		ptrs[i] = &records[i]
	}

	switch format = strings.ToLower(format); format {
	case FormatCSV, FormatJSON:
		return writeAtomic(path, format, ptrs)
	case FormatDual:
		csvPath, jsonPath := DualPaths(path)
		if err := writeAtomic(csvPath, FormatCSV, ptrs); err != nil {
			return err
		}
		return writeAtomic(jsonPath, FormatJSON, ptrs)
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

func writeAtomic(path, format string, records []*models.ScoredRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if err := encodeRecords(tmp, format, records); err != nil {
		cleanup()
		return fmt.Errorf("write snapshot %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync snapshot %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close snapshot %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename snapshot %s: %w", path, err)
	}
	return nil
}
