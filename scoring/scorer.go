// Package scoring computes relevance and rank for catalog records.
package scoring

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/roperkevin/jewishbooks/models"
)

const stemMarker = "contains:jew*"

var (
	wordish   = regexp.MustCompile(`^[a-z0-9]+$`)
	dashes    = regexp.MustCompile(`[-\x{2013}\x{2014}]`)
	spaces    = regexp.MustCompile(`\s+`)
	jewStem   = regexp.MustCompile(`\bjew\w*\b`)
	leadYear  = regexp.MustCompile(`^(\d{4})`)
	nonDigits = regexp.MustCompile(`\D+`)
)

type matcher struct {
	term   string
	weight float64
	re     *regexp.Regexp
}

func (m matcher) in(hay string) bool {
	if m.re != nil {
		return m.re.MatchString(hay)
	}
	return strings.Contains(hay, m.term)
}

type synonym struct {
	re  *regexp.Regexp
	dst string
}

// Scorer applies a fixed Weights value. It holds no mutable state and is
// safe for concurrent use.
type Scorer struct {
	weights    Weights
	synonyms   []synonym
	terms      []matcher
	fiction    []matcher
	nonFiction []matcher
	publishers []string
	subjects   []string
	languages  map[string]bool
	capTotal   float64
}

// NewScorer compiles w into matchers.
func NewScorer(w Weights) *Scorer {
	if w.MaxScore <= 0 {
		w.MaxScore = 100
	}
	if w.ReferenceYear <= 0 {
		w.ReferenceYear = DefaultReferenceYear
	}
	if w.Caps == nil {
		w.Caps = DefaultWeights().Caps
	}

	s := &Scorer{weights: w, languages: make(map[string]bool)}

	srcs := make([]string, 0, len(w.Synonyms))
	for src := range w.Synonyms {
		srcs = append(srcs, src)
	}
	// Longer variants first so "anti semitism" folds before a shorter key could split it.
	sort.Slice(srcs, func(i, j int) bool {
		if len(srcs[i]) != len(srcs[j]) {
			return len(srcs[i]) > len(srcs[j])
		}
		return srcs[i] < srcs[j]
	})
	for _, src := range srcs {
		key := basicNormalize(src)
		if key == "" {
			continue
		}
		s.synonyms = append(s.synonyms, synonym{
			re:  regexp.MustCompile(`\b` + regexp.QuoteMeta(key) + `\b`),
			dst: strings.ToLower(w.Synonyms[src]),
		})
	}

	merged := make(map[string]float64, len(w.Terms)+len(w.NegativeTerms))
	for _, table := range []map[string]float64{w.Terms, w.NegativeTerms} {
		for term, weight := range table {
			key := s.normalize(term)
			if key == "" {
				continue
			}
			if prev, ok := merged[key]; !ok || math.Abs(weight) > math.Abs(prev) {
				merged[key] = weight
			}
		}
	}
	s.terms = s.compile(merged)
	s.fiction = s.compile(hintTable(w.FictionHints))
	s.nonFiction = s.compile(hintTable(w.NonFictionHints))

	for _, p := range w.Publishers {
		if p = s.normalize(p); p != "" {
			s.publishers = append(s.publishers, p)
		}
	}
	for _, code := range w.SubjectCodes {
		if code = s.normalize(code); code != "" {
			s.subjects = append(s.subjects, code)
		}
	}
	for _, lang := range w.Languages {
		if lang = strings.ToLower(strings.TrimSpace(lang)); lang != "" {
			s.languages[lang] = true
		}
	}
	for _, c := range Categories {
		s.capTotal += math.Max(0, w.Caps[c].Max)
	}
	return s
}

// Weights returns the configuration the scorer was built with.
func (s *Scorer) Weights() Weights {
	return s.weights
}

func (s *Scorer) compile(table map[string]float64) []matcher {
	keys := make([]string, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]matcher, 0, len(keys))
	for _, k := range keys {
		m := matcher{term: k, weight: table[k]}
		if wordish.MatchString(k) {
			m.re = regexp.MustCompile(`\b` + regexp.QuoteMeta(k) + `\b`)
		}
		out = append(out, m)
	}
	return out
}

func hintTable(hints []string) map[string]float64 {
	out := make(map[string]float64, len(hints))
	for _, h := range hints {
		out[h] = 1
	}
	return out
}

func basicNormalize(text string) string {
	text = strings.ToLower(text)
	text = dashes.ReplaceAllString(text, " ")
	return strings.TrimSpace(spaces.ReplaceAllString(text, " "))
}

// normalize lowercases, folds synonyms and flattens dashes and whitespace.
func (s *Scorer) normalize(texts ...string) string {
	hay := basicNormalize(strings.Join(texts, " "))
	for _, syn := range s.synonyms {
		hay = syn.re.ReplaceAllString(hay, syn.dst)
	}
	return hay
}

// Score computes the scored form of r. Provenance fields are left for the caller.
func (s *Scorer) Score(r models.RawRecord) models.ScoredRecord {
	matched := make(map[string]struct{})

	keyword := s.keywordScore(r, matched)
	categories := map[Category]float64{
		CategoryKeyword:   keyword,
		CategoryPublisher: s.publisherScore(r.Publisher, matched),
		CategorySubject:   s.subjectScore(r.Subjects, matched),
		CategoryLanguage:  s.languageScore(r.Language, matched),
	}

	total := 0.0
	for _, c := range Categories {
		b := s.weights.Caps[c]
		total += clamp(categories[c], b.Min, b.Max)
	}
	relevance := 0
	if s.capTotal > 0 {
		relevance = int(math.Round(total / s.capTotal * float64(s.weights.MaxScore)))
	}
	if relevance < 0 {
		relevance = 0
	}
	if relevance > s.weights.MaxScore {
		relevance = s.weights.MaxScore
	}

	fiction := s.fictionFlag(r)
	pop := s.popularity(r)

	terms := make([]string, 0, len(matched))
	for t := range matched {
		terms = append(terms, t)
	}
	sort.Strings(terms)

	return models.ScoredRecord{
		RawRecord:       r,
		RelevanceScore:  relevance,
		MatchedTerms:    terms,
		Fiction:         fiction,
		PopularityScore: round4(pop),
		RankScore:       round4(s.rank(int(math.Round(keyword)), pop, fiction)),
		Accepted:        relevance >= s.weights.MinRelevance,
	}
}

func (s *Scorer) keywordScore(r models.RawRecord, matched map[string]struct{}) float64 {
	fw := s.weights.FieldWeights
	fields := []struct {
		text   string
		weight float64
	}{
		{r.Title, fw.Title},
		{r.Authors, fw.Authors},
		{r.Subjects, fw.Subjects},
		{r.Synopsis, fw.Synopsis},
		{r.Overview, fw.Overview},
		{r.Publisher, fw.Publisher},
	}

	score := 0.0
	for _, f := range fields {
		if f.text == "" || f.weight == 0 {
			continue
		}
		hay := s.normalize(f.text)
		for _, m := range s.terms {
			if m.in(hay) {
				score += m.weight * f.weight
				matched[m.term] = struct{}{}
			}
		}
		if s.weights.StemBonus != 0 && jewStem.MatchString(hay) {
			score += s.weights.StemBonus * f.weight
			matched[stemMarker] = struct{}{}
		}
	}
	return score
}

func (s *Scorer) publisherScore(publisher string, matched map[string]struct{}) float64 {
	if publisher == "" {
		return 0
	}
	hay := s.normalize(publisher)
	score := 0.0
	for _, p := range s.publishers {
		if strings.Contains(hay, p) {
			score += s.weights.PublisherWeight
			matched["publisher:"+p] = struct{}{}
		}
	}
	return score
}

func (s *Scorer) subjectScore(subjects string, matched map[string]struct{}) float64 {
	if subjects == "" {
		return 0
	}
	hay := s.normalize(subjects)
	score := 0.0
	for _, code := range s.subjects {
		if strings.Contains(hay, code) {
			score += s.weights.SubjectWeight
			matched["subject:"+code] = struct{}{}
		}
	}
	return score
}

func (s *Scorer) languageScore(language string, matched map[string]struct{}) float64 {
	lang := strings.ToLower(strings.TrimSpace(language))
	if lang == "" || !s.languages[lang] {
		return 0
	}
	matched["language:"+lang] = struct{}{}
	return s.weights.LanguageWeight
}

func (s *Scorer) fictionFlag(r models.RawRecord) bool {
	hay := s.normalize(r.Subjects, r.Synopsis, r.Title)
	for _, m := range s.nonFiction {
		if m.in(hay) {
			return false
		}
	}
	for _, m := range s.fiction {
		if m.in(hay) {
			return true
		}
	}
	return false
}

// popularity prefers the catalog's rating, then metadata, then a neutral 0.5.
func (s *Scorer) popularity(r models.RawRecord) float64 {
	if r.Rating != nil && r.Rating.Count > 0 {
		avg := clamp(r.Rating.Average, 0, 5) / 5
		confidence := math.Min(1, math.Log1p(float64(r.Rating.Count))/math.Log1p(100))
		return clamp(avg*confidence+0.5*(1-confidence), 0, 1)
	}

	pages, _ := strconv.Atoi(nonDigits.ReplaceAllString(r.Pages, ""))
	year := 0
	if m := leadYear.FindStringSubmatch(strings.TrimSpace(r.DatePublished)); m != nil {
		year, _ = strconv.Atoi(m[1])
	}
	hasSynopsis := r.Synopsis != ""
	if pages == 0 && year == 0 && r.Language == "" && !hasSynopsis {
		return 0.5
	}

	p := math.Min(1, float64(pages)/600) * 0.35
	if year > 0 {
		age := math.Max(0, float64(s.weights.ReferenceYear-year))
		p += math.Max(0, 1-math.Min(30, age)/30) * 0.35
	} else {
		p += 0.10
	}
	if strings.EqualFold(r.Language, "en") {
		p += 0.15
	}
	if hasSynopsis {
		p += 0.15
	}
	return clamp(p, 0, 1)
}

func (s *Scorer) rank(keyword int, pop float64, fiction bool) float64 {
	base := float64(max(-5, keyword)) / 20
	base = clamp(base, -0.25, 1.5)

	score := base*0.90 + pop*0.10
	if fiction {
		score += 0.10
	} else if s.weights.FictionOnly {
		score -= 0.35
	}
	return score
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
