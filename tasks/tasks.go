// Package tasks turns a task definition file into the ordered list of
// catalog queries a harvest run dispatches.
package tasks

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math/rand/v2"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roperkevin/jewishbooks/models"
)

// File is the YAML task definition. Every list is optional.
type File struct {
	Publishers      []string `yaml:"publishers"`
	Subjects        []string `yaml:"subjects"`
	BaseQueries     []string `yaml:"base_queries"`
	IntentQueries   []string `yaml:"intent_queries"`
	FictionQueries  []string `yaml:"fiction_queries"`
	ChildrenQueries []string `yaml:"children_queries"`
	// ExcludeQueries removes any task whose term matches case-insensitively.
	ExcludeQueries []string `yaml:"exclude_queries"`
}

// LoadFile reads and parses a task file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tasks file: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("tasks file %s: %w", path, err)
	}
	return f, nil
}

// Parse decodes YAML task definitions.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &f, nil
}

// Options shapes the task list built from a File.
type Options struct {
	// Groups keeps only the named strategies. Empty keeps all.
	Groups []string
	// Limit caps the number of tasks. Zero means no cap.
	Limit   int
	Shuffle bool
	// Seed drives the shuffle and start-page jitter. Zero draws a random
	// seed, so only an explicit seed reproduces an order.
	Seed uint64
	// Languages expands each query into one task per language. Empty sends
	// no language parameter.
	Languages []string
	// FictionOnly adds the fiction queries.
	FictionOnly bool
	// StartIndexJitter spreads first pages over 1 + rand(0..jitter/PageSize).
	StartIndexJitter int
	PageSize         int
}

var groupAliases = map[string]models.Strategy{
	"alpha":     models.StrategyBaseQuery,
	"intent":    models.StrategyIntentQuery,
	"publisher": models.StrategyPublisherSeed,
	"subject":   models.StrategySubjectSeed,
	"fiction":   models.StrategyFictionQuery,
	"children":  models.StrategyChildrenQuery,
}

// ParseGroups resolves strategy names and their short aliases.
func ParseGroups(names []string) ([]models.Strategy, error) {
	var out []models.Strategy
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if s, ok := models.ParseStrategy(name); ok && s != models.StrategyExcludeQuery {
			out = append(out, s)
			continue
		}
		if s, ok := groupAliases[name]; ok {
			out = append(out, s)
			continue
		}
		return nil, fmt.Errorf("unknown task group %q", name)
	}
	return out, nil
}

// Build expands f into tasks. The order is publishers, subjects, base,
// intent, fiction and children queries. Limit is applied before Shuffle, so
// a shuffled run reorders the same subset.
func Build(f *File, opts Options) ([]models.Task, error) {
	if f == nil {
		return nil, nil
	}
	groups, err := ParseGroups(opts.Groups)
	if err != nil {
		return nil, err
	}
	type seed struct {
		strategy models.Strategy
		query    models.Query
	}
	var seeds []seed
	add := func(s models.Strategy, terms []string, mk func(string) models.Query) {
		for _, term := range terms {
			if term = strings.TrimSpace(term); term != "" {
				seeds = append(seeds, seed{strategy: s, query: mk(term)})
			}
		}
	}
	text := func(t string) models.Query { return models.Query{Text: t} }

	add(models.StrategyPublisherSeed, f.Publishers, func(t string) models.Query { return models.Query{Publisher: t} })
	add(models.StrategySubjectSeed, f.Subjects, func(t string) models.Query { return models.Query{Subject: t} })
	add(models.StrategyBaseQuery, f.BaseQueries, text)
	add(models.StrategyIntentQuery, f.IntentQueries, text)
	if opts.FictionOnly {
		add(models.StrategyFictionQuery, f.FictionQueries, text)
	}
	add(models.StrategyChildrenQuery, f.ChildrenQueries, text)

	excluded := make(map[string]bool, len(f.ExcludeQueries))
	for _, q := range f.ExcludeQueries {
		if q = normTerm(q); q != "" {
			excluded[q] = true
		}
	}
	var keep map[models.Strategy]bool
	if len(groups) > 0 {
		keep = make(map[models.Strategy]bool, len(groups))
		for _, g := range groups {
			keep[g] = true
		}
	}

	languages := normLanguages(opts.Languages)
	seen := make(map[string]bool)
	var out []models.Task
	for _, s := range seeds {
		term := normTerm(s.query.Term())
		if excluded[term] {
			continue
		}
		if keep != nil && !keep[s.strategy] {
			continue
		}
		for _, lang := range languages {
			key := string(s.strategy.Endpoint()) + "|" + term + "|" + lang
			if seen[key] {
				continue
			}
			seen[key] = true
			t := models.Task{Strategy: s.strategy, Query: s.query, Language: lang}
			t.ID = TaskID(t)
			out = append(out, t)
		}
	}

	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	seed := opts.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	if opts.Shuffle {
		rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	}
	if opts.StartIndexJitter > 0 && opts.PageSize > 0 {
		span := opts.StartIndexJitter / opts.PageSize
		for i := range out {
			out[i].StartPage = 1 + rng.IntN(span+1)
		}
	}
	return out, nil
}

// TaskID is the hex SHA-1 of endpoint, strategy, term and language. It does
// not depend on the start page, so a jittered task resumes under the same id.
func TaskID(t models.Task) string {
	key := strings.Join([]string{
		string(t.Endpoint()),
		string(t.Strategy),
		normTerm(t.Query.Term()),
		strings.ToLower(t.Language),
	}, "|")
	sum := sha1.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Summary counts tasks per strategy.
func Summary(ts []models.Task) map[models.Strategy]int {
	out := make(map[models.Strategy]int)
	for _, t := range ts {
		out[t.Strategy]++
	}
	return out
}

// Pending drops tasks whose id is in completed and reports how many were dropped.
func Pending(ts []models.Task, completed func(id string) bool) ([]models.Task, int) {
	out := make([]models.Task, 0, len(ts))
	skipped := 0
	for _, t := range ts {
		if completed(t.ID) {
			skipped++
			continue
		}
		out = append(out, t)
	}
	return out, skipped
}

func normTerm(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func normLanguages(in []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, l := range in {
		l = strings.ToLower(strings.TrimSpace(l))
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	if len(out) == 0 {
		return []string{""}
	}
	return out
}
