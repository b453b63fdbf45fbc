// Package queue is the priority-tagged list of pending mutations waiting
// for delivery to the server.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"excursion-sync-service/internal/domain"
)

type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

// Bands lists the priority bands in the order a sync pass drains them.
var Bands = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

type SyncType string

const (
	TypeCheckIn      SyncType = "check-in"
	TypeAlert        SyncType = "alert"
	TypeCapture      SyncType = "capture"
	TypeTaskProgress SyncType = "task-progress"
	TypeHelpRequest  SyncType = "help-request"
	TypeFeedback     SyncType = "feedback"
)

// Entity types name the record a queue item refers to. They double as the
// conflict policy key.
const (
	EntityCheckIn      = "check-in"
	EntityCapture      = "capture"
	EntityMissingAlert = "missing-alert"
	EntityTaskProgress = "task-progress"
	EntityHelpRequest  = "help-request"
	EntityFeedback     = "feedback"
)

// Payload is the closed set of snapshots a queue item can carry.
type Payload interface {
	SyncType() SyncType
	EntityType() string
	EntityID() string
	ExcursionID() string
	isPayload()
}

type CheckInPayload struct{ domain.CheckIn }
type AlertPayload struct{ domain.MissingStudentAlert }
type CapturePayload struct{ domain.Capture }
type TaskProgressPayload struct{ domain.TaskProgress }
type HelpRequestPayload struct{ domain.HelpRequest }
type FeedbackPayload struct{ domain.Feedback }

func (p CheckInPayload) SyncType() SyncType { return TypeCheckIn }
func (p CheckInPayload) EntityType() string { return EntityCheckIn }
func (p CheckInPayload) EntityID() string { return p.LocalID }
func (p CheckInPayload) ExcursionID() string { return p.CheckIn.ExcursionID }
func (p CheckInPayload) isPayload() {}

func (p AlertPayload) SyncType() SyncType { return TypeAlert }
func (p AlertPayload) EntityType() string { return EntityMissingAlert }
func (p AlertPayload) EntityID() string { return p.LocalID }
func (p AlertPayload) ExcursionID() string { return p.MissingStudentAlert.ExcursionID }
func (p AlertPayload) isPayload() {}

func (p CapturePayload) SyncType() SyncType { return TypeCapture }
func (p CapturePayload) EntityType() string { return EntityCapture }
func (p CapturePayload) EntityID() string { return p.LocalID }
func (p CapturePayload) ExcursionID() string { return p.Capture.ExcursionID }
func (p CapturePayload) isPayload() {}

func (p TaskProgressPayload) SyncType() SyncType { return TypeTaskProgress }
func (p TaskProgressPayload) EntityType() string { return EntityTaskProgress }
func (p TaskProgressPayload) EntityID() string { return p.LocalID }
func (p TaskProgressPayload) ExcursionID() string { return p.TaskProgress.ExcursionID }
func (p TaskProgressPayload) isPayload() {}

func (p HelpRequestPayload) SyncType() SyncType { return TypeHelpRequest }
func (p HelpRequestPayload) EntityType() string { return EntityHelpRequest }
func (p HelpRequestPayload) EntityID() string { return p.LocalID }
func (p HelpRequestPayload) ExcursionID() string { return p.HelpRequest.ExcursionID }
func (p HelpRequestPayload) isPayload() {}

func (p FeedbackPayload) SyncType() SyncType { return TypeFeedback }
func (p FeedbackPayload) EntityType() string { return EntityFeedback }
func (p FeedbackPayload) EntityID() string { return p.LocalID }
func (p FeedbackPayload) ExcursionID() string { return p.Feedback.ExcursionID }
func (p FeedbackPayload) isPayload() {}

// DefaultPriority is the band a payload lands in unless the caller overrides it.
func DefaultPriority(p Payload) Priority {
	switch v := p.(type) {
	case AlertPayload:
		return PriorityCritical
	case CheckInPayload:
		return PriorityHigh
	case HelpRequestPayload:
		if v.SOS {
			return PriorityCritical
		}
		return PriorityHigh
	case CapturePayload, FeedbackPayload:
		return PriorityNormal
	case TaskProgressPayload:
		if v.Status == domain.ProgressCompleted {
			return PriorityNormal
		}
		return PriorityLow
	}
	return PriorityNormal
}

// EncodePayload serializes a snapshot. The bytes are frozen at enqueue time,
// so later local edits never leak into an in-flight delivery.
func EncodePayload(p Payload) (json.RawMessage, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.SyncType(), err)
	}
	return data, nil
}

func DecodePayload(t SyncType, data json.RawMessage) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch t {
	case TypeCheckIn:
		var v CheckInPayload
		err = json.Unmarshal(data, &v)
		p = v
	case TypeAlert:
		var v AlertPayload
		err = json.Unmarshal(data, &v)
		p = v
	case TypeCapture:
		var v CapturePayload
		err = json.Unmarshal(data, &v)
		p = v
	case TypeTaskProgress:
		var v TaskProgressPayload
		err = json.Unmarshal(data, &v)
		p = v
	case TypeHelpRequest:
		var v HelpRequestPayload
		err = json.Unmarshal(data, &v)
		p = v
	case TypeFeedback:
		var v FeedbackPayload
		err = json.Unmarshal(data, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown sync type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return p, nil
}

// Item is one pending delivery.
type Item struct {
	ID            string
	Type          SyncType
	Priority      Priority
	EntityType    string
	EntityID      string
	ExcursionID   string
	Payload       json.RawMessage
	CreatedAt     time.Time
	Attempts      int
	LastAttemptAt *time.Time
	LastError     string
	MaxRetries    int
	DependsOn     []string
	Parked        bool
}

// Decode returns the typed snapshot carried by the item.
func (i *Item) Decode() (Payload, error) {
	return DecodePayload(i.Type, i.Payload)
}

// Exhausted reports whether a non-critical item has used its retry budget.
func (i *Item) Exhausted() bool {
	return i.Priority != PriorityCritical && i.MaxRetries > 0 && i.Attempts >= i.MaxRetries
}
