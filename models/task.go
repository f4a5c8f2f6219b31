package models

import (
	"strings"
)

// Strategy tags the kind of catalog query a task runs.
type Strategy string

const (
	StrategyPublisherSeed Strategy = "publisher_seed"
	StrategySubjectSeed   Strategy = "subject_seed"
	StrategyBaseQuery     Strategy = "base_query"
	StrategyIntentQuery   Strategy = "intent_query"
	StrategyFictionQuery  Strategy = "fiction_query"
	StrategyChildrenQuery Strategy = "children_query"
	StrategyExcludeQuery  Strategy = "exclude_query"
)

// Strategies lists every known strategy in task-file order.
var Strategies = []Strategy{
	StrategyPublisherSeed,
	StrategySubjectSeed,
	StrategyBaseQuery,
	StrategyIntentQuery,
	StrategyFictionQuery,
	StrategyChildrenQuery,
	StrategyExcludeQuery,
}

// ParseStrategy resolves a strategy name case-insensitively.
func ParseStrategy(name string) (Strategy, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, s := range Strategies {
		if string(s) == name {
			return s, true
		}
	}
	return "", false
}

// Endpoint returns the catalog endpoint a strategy queries.
func (s Strategy) Endpoint() Endpoint {
	switch s {
	case StrategyPublisherSeed:
		return EndpointPublisher
	case StrategySubjectSeed:
		return EndpointSubject
	default:
		return EndpointSearch
	}
}

// Endpoint is a catalog API route family.
type Endpoint string

const (
	EndpointSearch    Endpoint = "search"
	EndpointPublisher Endpoint = "publisher"
	EndpointSubject   Endpoint = "subject"
)

// Query holds the parameters of a task. Exactly one field is normally set.
type Query struct {
	Text      string `json:"text,omitempty" yaml:"text,omitempty"`
	Publisher string `json:"publisher,omitempty" yaml:"publisher,omitempty"`
	Subject   string `json:"subject,omitempty" yaml:"subject,omitempty"`
}

// Term returns the value sent to the catalog.
func (q Query) Term() string {
	switch {
	case q.Publisher != "":
		return q.Publisher
	case q.Subject != "":
		return q.Subject
	default:
		return q.Text
	}
}

// Task is one bounded catalog query paged to exhaustion. Tasks are immutable
// once dispatched.
type Task struct {
	ID        string   `json:"id"`
	Strategy  Strategy `json:"strategy"`
	Query     Query    `json:"query"`
	Language  string   `json:"language,omitempty"`
	StartPage int      `json:"start_page,omitempty"`
}

// Endpoint returns the catalog endpoint for the task's strategy.
func (t Task) Endpoint() Endpoint {
	return t.Strategy.Endpoint()
}

// FirstPage returns the 1-based page the task starts paging from.
func (t Task) FirstPage() int {
	if t.StartPage < 1 {
		return 1
	}
	return t.StartPage
}

// PageRequest describes a single outbound page fetch.
type PageRequest struct {
	TaskID   string
	Endpoint Endpoint
	Term     string
	Page     int
	PageSize int
	Language string
}
