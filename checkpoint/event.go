// Package checkpoint is the append-only event journal that makes harvest
// runs resumable.
package checkpoint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/roperkevin/jewishbooks/models"
)

// EventType names a journal entry.
type EventType string

const (
	EventRunStarted     EventType = "run_started"
	EventTaskStarted    EventType = "task_started"
	EventTaskPageDone   EventType = "task_page_done"
	EventTaskFallback   EventType = "task_fallback"
	EventTaskError      EventType = "task_error"
	EventRecordAccepted EventType = "record_accepted"
	EventRecordSeen     EventType = "record_seen"
	EventTaskCompleted  EventType = "task_completed"
	EventQuotaExhausted EventType = "quota_exhausted"
	EventRunStopped     EventType = "run_stopped"

	// Written by older journals. task_done marks completion; task_incomplete
	// carries nothing the fold needs.
	eventTaskDone       EventType = "task_done"
	eventTaskIncomplete EventType = "task_incomplete"
)

// Known reports whether t is a type the fold understands.
func (t EventType) Known() bool {
	switch t {
	case EventRunStarted, EventTaskStarted, EventTaskPageDone, EventTaskFallback,
		EventTaskError, EventRecordAccepted, EventRecordSeen, EventTaskCompleted, EventQuotaExhausted,
		EventRunStopped, eventTaskDone, eventTaskIncomplete:
		return true
	}
	return false
}

// Event is one journal line. Unknown JSON fields are ignored on read so
// older and newer journals stay resumable.
type Event struct {
	Type     EventType            `json:"type"`
	RunID    string               `json:"run_id,omitempty"`
	TaskID   string               `json:"task_id,omitempty"`
	Strategy models.Strategy      `json:"strategy,omitempty"`
	Endpoint models.Endpoint      `json:"endpoint,omitempty"`
	Query    string               `json:"query,omitempty"`
	Language string               `json:"language,omitempty"`
	Page     int                  `json:"page,omitempty"`
	ISBN     string               `json:"isbn13,omitempty"`
	Record   *models.ScoredRecord `json:"record,omitempty"`
	Seen     int                  `json:"seen,omitempty"`
	Accepted int                  `json:"accepted,omitempty"`
	Reason   string               `json:"reason,omitempty"`
	Error    string               `json:"error,omitempty"`
	TS       Timestamp            `json:"ts"`
}

// ForTask returns an event of type t carrying the task's identity.
func ForTask(t EventType, task models.Task) Event {
	return Event{
		Type:     t,
		TaskID:   task.ID,
		Strategy: task.Strategy,
		Endpoint: task.Endpoint(),
		Query:    task.Query.Term(),
		Language: task.Language,
	}
}

// Timestamp is written as RFC 3339 and read from either RFC 3339 strings or
// float epoch seconds.
type Timestamp struct {
	time.Time
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("parse timestamp %q: %w", s, err)
		}
		t.Time = parsed
		return nil
	}
	secs, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("parse epoch timestamp %s: %w", data, err)
	}
	whole, frac := math.Modf(secs)
	t.Time = time.Unix(int64(whole), int64(frac*1e9)).UTC()
	return nil
}
