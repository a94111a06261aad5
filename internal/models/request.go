package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// ModuleStatus captures the lifecycle of one course-module inside a request.
type ModuleStatus string

const (
	ModuleStatusNew       ModuleStatus = "new"
	ModuleStatusReopened  ModuleStatus = "reopened"
	ModuleStatusApproved  ModuleStatus = "approved"
	ModuleStatusDenied    ModuleStatus = "denied"
	ModuleStatusCancelled ModuleStatus = "cancelled"
)

// Terminal reports whether no further transition leaves the status.
func (s ModuleStatus) Terminal() bool {
	return s == ModuleStatusApproved || s == ModuleStatusCancelled
}

// HistoryKind classifies entries of a request history.
type HistoryKind string

const (
	HistoryKindComment    HistoryKind = "comment"
	HistoryKindAttachment HistoryKind = "attachment"
	HistoryKindState      HistoryKind = "state"
	HistoryKindSubscribe  HistoryKind = "subscribe"
)

// Request is one extension request transaction initiated by a learner.
type Request struct {
	ID          string    `db:"id" json:"id"`
	UserID      string    `db:"user_id" json:"userId"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
	SearchStart time.Time `db:"search_start" json:"searchStart"`
	SearchEnd   time.Time `db:"search_end" json:"searchEnd"`
	LastMod     time.Time `db:"lastmod" json:"lastmod"`
	LastModBy   string    `db:"lastmod_by" json:"lastmodBy"`
}

// ModuleState is the cached per-module summary of a request.
type ModuleState struct {
	RequestID          string       `db:"request_id" json:"requestId"`
	ModuleID           string       `db:"module_id" json:"moduleId"`
	CourseID           string       `db:"course_id" json:"courseId"`
	Kind               string       `db:"kind" json:"kind"`
	Status             ModuleStatus `db:"status" json:"status"`
	DueDate            time.Time    `db:"due_date" json:"dueDate"`
	RequestedDue       time.Time    `db:"requested_due" json:"requestedDue"`
	RequestedDeltaDays int          `db:"requested_delta_days" json:"requestedDeltaDays"`
	GrantedDeltaDays   int          `db:"granted_delta_days" json:"grantedDeltaDays"`
	LastAction         *RuleAction  `db:"last_action" json:"lastAction,omitempty"`
	UpdatedAt          time.Time    `db:"updated_at" json:"updatedAt"`
}

// HistoryEvent is an append-only entry in a request history.
type HistoryEvent struct {
	ID         string        `db:"id" json:"id"`
	RequestID  string        `db:"request_id" json:"requestId"`
	ModuleID   *string       `db:"module_id" json:"moduleId,omitempty"`
	ActorID    string        `db:"actor_id" json:"actorId"`
	Timestamp  time.Time     `db:"created_at" json:"timestamp"`
	Kind       HistoryKind   `db:"kind" json:"kind"`
	FromStatus *ModuleStatus `db:"from_status" json:"fromStatus,omitempty"`
	ToStatus   *ModuleStatus `db:"to_status" json:"toStatus,omitempty"`
	Payload    EventPayload  `db:"payload" json:"payload"`
}

// EventPayload is free-form event content persisted as JSONB.
type EventPayload map[string]string

// Value marshals the payload to JSON for persistence.
func (p EventPayload) Value() (driver.Value, error) {
	if p == nil {
		p = EventPayload{}
	}
	data, err := json.Marshal(map[string]string(p))
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	return data, nil
}

// Scan unmarshals JSON payloads.
func (p *EventPayload) Scan(value interface{}) error {
	if value == nil {
		*p = EventPayload{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T for EventPayload", value)
	}
	if len(data) == 0 {
		*p = EventPayload{}
		return nil
	}
	out := map[string]string{}
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("unmarshal event payload: %w", err)
	}
	*p = out
	return nil
}

// MaterializedRequest is the read model served to status pages. It is rebuilt
// from persisted rows whenever the cache entry has been invalidated.
type MaterializedRequest struct {
	Request     Request                `json:"request"`
	Modules     map[string]ModuleState `json:"modules"`
	History     []HistoryEvent         `json:"history"`
	Subscribers []string               `json:"subscribers"`
	Access      map[string]RuleAction  `json:"access,omitempty"`
}

// InterestedUsers returns the requester plus every subscriber, deduplicated and sorted.
func (m *MaterializedRequest) InterestedUsers() []string {
	seen := map[string]struct{}{}
	if m.Request.UserID != "" {
		seen[m.Request.UserID] = struct{}{}
	}
	for _, id := range m.Subscribers {
		if id != "" {
			seen[id] = struct{}{}
		}
	}
	users := make([]string, 0, len(seen))
	for id := range seen {
		users = append(users, id)
	}
	sort.Strings(users)
	return users
}

// ReplayStatus derives a module status from the state events of the history.
func ReplayStatus(history []HistoryEvent, moduleID string) (ModuleStatus, bool) {
	var (
		status ModuleStatus
		found  bool
	)
	for _, ev := range history {
		if ev.Kind != HistoryKindState || ev.ModuleID == nil || *ev.ModuleID != moduleID || ev.ToStatus == nil {
			continue
		}
		status = *ev.ToStatus
		found = true
	}
	return status, found
}
