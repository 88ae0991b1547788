package audit

import (
	"time"

	"github.com/google/uuid"
)

// EventType categorizes audit events.
type EventType string

// Event types.
const (
	EventTypeAuthentication EventType = "authentication"
	EventTypeAuthorization  EventType = "authorization"
	EventTypeMNPI           EventType = "mnpi"
	EventTypeConfiguration  EventType = "configuration"
)

// Action is what was attempted.
type Action string

// Actions.
const (
	ActionTokenValidate Action = "token_validate"
	ActionAccess        Action = "access"
	ActionMNPIAccess    Action = "mnpi_access"
	ActionConfigReload  Action = "config_reload"
)

// Outcome is the result of the action.
type Outcome string

// Outcomes.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeDenied  Outcome = "denied"
	OutcomeGranted Outcome = "granted"
)

// Event is one audit record. Reasons and metadata never carry tokens or key
// material.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      EventType              `json:"type"`
	Action    Action                 `json:"action"`
	Outcome   Outcome                `json:"outcome"`
	Subject   *Subject               `json:"subject,omitempty"`
	Resource  *Resource              `json:"resource,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
}

// Subject identifies the caller.
type Subject struct {
	ID        string   `json:"id"`
	Email     string   `json:"email,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	IPAddress string   `json:"ip_address,omitempty"`
	UserAgent string   `json:"user_agent,omitempty"`
}

// Resource identifies what was accessed.
type Resource struct {
	Type           string `json:"type,omitempty"`
	ID             string `json:"id,omitempty"`
	Path           string `json:"path,omitempty"`
	Permission     string `json:"permission,omitempty"`
	Classification string `json:"classification,omitempty"`
}

// NewEvent creates an event with a fresh id and timestamp.
func NewEvent(eventType EventType, action Action, outcome Outcome) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Action:    action,
		Outcome:   outcome,
	}
}

// WithSubject sets the subject.
func (e *Event) WithSubject(s *Subject) *Event {
	e.Subject = s
	return e
}

// WithResource sets the resource.
func (e *Event) WithResource(r *Resource) *Event {
	e.Resource = r
	return e
}

// WithReason sets the decision reason.
func (e *Event) WithReason(reason string) *Event {
	e.Reason = reason
	return e
}

// WithMetadata adds a metadata entry.
func (e *Event) WithMetadata(key string, value interface{}) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}
