package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"excursion-sync-service/internal/domain"
)

type Collection string

const (
	Excursions   Collection = "excursions"
	Students     Collection = "students"
	Checkpoints  Collection = "checkpoints"
	Tasks        Collection = "tasks"
	CheckIns     Collection = "checkins"
	Captures     Collection = "captures"
	Alerts       Collection = "alerts"
	TaskProgress Collection = "task_progress"
	HelpRequests Collection = "help_requests"
	Feedback     Collection = "feedback"
)

// Index names a declared secondary index on records.
type Index string

const (
	ByExcursion Index = "excursion_id"
	ByRef       Index = "ref_id"
)

// Record is one document in a named collection. The LocalRecord
// bookkeeping lives in columns; Data holds the JSON document.
type Record struct {
	Collection      Collection        `db:"collection"`
	ID              string            `db:"id"`
	ExcursionID     string            `db:"excursion_id"`
	RefID           string            `db:"ref_id"`
	SyncStatus      domain.SyncStatus `db:"sync_status"`
	ServerID        sql.NullString    `db:"server_id"`
	LocalModifiedAt time.Time         `db:"local_modified_at"`
	SyncedAt        sql.NullTime      `db:"synced_at"`
	Version         int64             `db:"version"`
	ServerVersion   sql.NullInt64     `db:"server_version"`
	Data            json.RawMessage   `db:"data"`
}

type QueueStatus string

const (
	QueuePending QueueStatus = "pending"
	// QueueParked items exhausted max_retries and wait for RetryFailed.
	QueueParked QueueStatus = "failed"
)

type QueueRow struct {
	ID            string          `db:"id"`
	Seq           int64           `db:"seq"`
	SyncType      string          `db:"sync_type"`
	Priority      int             `db:"priority"`
	EntityType    string          `db:"entity_type"`
	EntityID      string          `db:"entity_id"`
	ExcursionID   string          `db:"excursion_id"`
	Payload       json.RawMessage `db:"payload"`
	CreatedAt     time.Time       `db:"created_at"`
	Attempts      int             `db:"attempts"`
	LastAttemptAt sql.NullTime    `db:"last_attempt_at"`
	LastError     sql.NullString  `db:"last_error"`
	MaxRetries    int             `db:"max_retries"`
	DependsOn     json.RawMessage `db:"depends_on"`
	Status        QueueStatus     `db:"status"`
}

type Conflict struct {
	ID             string          `db:"id"`
	EntityType     string          `db:"entity_type"`
	EntityID       string          `db:"entity_id"`
	QueueItemID    string          `db:"queue_item_id"`
	Priority       int             `db:"priority"`
	LocalData      json.RawMessage `db:"local_data"`
	ServerData     json.RawMessage `db:"server_data"`
	ConflictFields []string        `db:"conflict_fields"`
	DetectedAt     time.Time       `db:"detected_at"`
	Resolution     sql.NullString  `db:"resolution"`
	ResolvedAt     sql.NullTime    `db:"resolved_at"`
	ResolvedBy     sql.NullString  `db:"resolved_by"`
	ResolvedData   json.RawMessage `db:"resolved_data"`
}

type MediaBlob struct {
	ID          string         `db:"id"`
	ExcursionID string         `db:"excursion_id"`
	CaptureID   string         `db:"capture_id"`
	ContentType string         `db:"content_type"`
	Data        []byte         `db:"data"`
	Size        int64          `db:"size"`
	CreatedAt   time.Time      `db:"created_at"`
	UploadedAt  sql.NullTime   `db:"uploaded_at"`
	UploadError sql.NullString `db:"upload_error"`
}

type SyncHistory struct {
	ID                string         `db:"id"`
	StartedAt         time.Time      `db:"started_at"`
	CompletedAt       sql.NullTime   `db:"completed_at"`
	Trigger           string         `db:"trigger_source"`
	TotalItems        int            `db:"total_items"`
	Synced            int            `db:"synced"`
	Failed            int            `db:"failed"`
	ConflictsDetected int            `db:"conflicts_detected"`
	Status            string         `db:"status"`
	ErrorMessage      sql.NullString `db:"error_message"`
}
