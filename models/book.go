// Package models defines data structures shared by the harvester packages.
package models

import (
	"encoding/json"
	"time"
)

// Rating is the catalog's own popularity signal for a book, when it has one.
type Rating struct {
	Average float64 `json:"average"`
	Count   int     `json:"count"`
}

// RawRecord is one catalog item parsed into normalized fields. ISBN13 is the
// canonical key; ISBN10 is kept as an alias when the catalog supplied one.
type RawRecord struct {
	ISBN13        string  `csv:"isbn13" json:"isbn13"`
	ISBN10        string  `csv:"isbn10" json:"isbn10,omitempty"`
	Title         string  `csv:"title" json:"title"`
	TitleLong     string  `csv:"title_long" json:"title_long,omitempty"`
	Authors       string  `csv:"authors" json:"authors,omitempty"`
	Publisher     string  `csv:"publisher" json:"publisher,omitempty"`
	DatePublished string  `csv:"date_published" json:"date_published,omitempty"`
	Language      string  `csv:"language" json:"language,omitempty"`
	Subjects      string  `csv:"subjects" json:"subjects,omitempty"`
	Pages         string  `csv:"pages" json:"pages,omitempty"`
	Format        string  `csv:"format" json:"format,omitempty"`
	Synopsis      string  `csv:"synopsis" json:"synopsis,omitempty"`
	Overview      string  `csv:"overview" json:"overview,omitempty"`
	CoverURL      string  `csv:"cover_url" json:"cover_url,omitempty"`
	Rating        *Rating `csv:"-" json:"rating,omitempty"`
}

// ScoredRecord is a RawRecord that passed deduplication and was scored.
// The copy handed to the output stream is never mutated again; later
// sightings only update SeenCount and Sources on the buffered copy.
type ScoredRecord struct {
	RawRecord

	RelevanceScore  int      `csv:"relevance_score" json:"relevance_score"`
	MatchedTerms    []string `csv:"matched_terms" json:"matched_terms,omitempty"`
	Fiction         bool     `csv:"fiction" json:"fiction"`
	PopularityScore float64  `csv:"popularity_score" json:"popularity_score"`
	RankScore       float64  `csv:"rank_score" json:"rank_score"`
	// Accepted reports whether RelevanceScore met the caller's minimum.
	// Records below the threshold are still emitted.
	Accepted bool `csv:"accepted" json:"accepted"`

	TaskID       string    `csv:"task_id" json:"task_id,omitempty"`
	Strategy     Strategy  `csv:"strategy" json:"strategy,omitempty"`
	Query        string    `csv:"query" json:"query,omitempty"`
	Page         int       `csv:"page" json:"page,omitempty"`
	DiscoveredAt time.Time `csv:"discovered_at" json:"discovered_at"`

	// SeenCount is the number of distinct queries that returned this ISBN,
	// Sources their sorted "strategy:term" labels.
	SeenCount int      `csv:"seen_count" json:"seen_count"`
	Sources   []string `csv:"sources" json:"sources,omitempty"`
}

// SourceLabel names the query that discovered a record.
func SourceLabel(strategy Strategy, term string) string {
	return string(strategy) + ":" + term
}

// RawBook is one line of the raw candidate dump: the catalog item as
// received, with the task that fetched it and the score it was given.
type RawBook struct {
	Type           string          `json:"type"`
	TaskID         string          `json:"task_id"`
	Strategy       Strategy        `json:"strategy"`
	Endpoint       Endpoint        `json:"endpoint"`
	Query          string          `json:"query"`
	Language       string          `json:"language,omitempty"`
	Page           int             `json:"page"`
	ISBN13         string          `json:"isbn13"`
	ISBN10         string          `json:"isbn10,omitempty"`
	RelevanceScore int             `json:"relevance_score"`
	RankScore      float64         `json:"rank_score"`
	MatchedTerms   []string        `json:"matched_terms,omitempty"`
	Book           json.RawMessage `json:"book"`
}
