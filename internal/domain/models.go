// Package domain holds the excursion entities persisted on the device.
package domain

import (
	"time"
)

type SyncStatus string

const (
	SyncPending  SyncStatus = "pending"
	SyncSyncing  SyncStatus = "syncing"
	SyncSynced   SyncStatus = "synced"
	SyncFailed   SyncStatus = "failed"
	SyncConflict SyncStatus = "conflict"
)

// LocalRecord is the sync bookkeeping every locally persisted entity carries.
// SyncStatus == SyncSynced implies ServerID != nil.
type LocalRecord struct {
	LocalID         string     `json:"localId"`
	ServerID        *string    `json:"serverId,omitempty"`
	SyncStatus      SyncStatus `json:"syncStatus"`
	LocalModifiedAt time.Time  `json:"localModifiedAt"`
	SyncedAt        *time.Time `json:"syncedAt,omitempty"`
	Version         int64      `json:"version"`
	ServerVersion   *int64     `json:"serverVersion,omitempty"`
}

type Location struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
}

type Excursion struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	SchoolID  string    `json:"schoolId,omitempty"`
	StartsAt  time.Time `json:"startsAt"`
	EndsAt    time.Time `json:"endsAt"`
	Status    string    `json:"status,omitempty"`
	LeadStaff string    `json:"leadStaff,omitempty"`
}

type Student struct {
	ID            string        `json:"id"`
	ExcursionID   string        `json:"excursionId"`
	Name          string        `json:"name"`
	Enrolled      bool          `json:"enrolled"`
	Status        CheckInStatus `json:"status"`
	MedicalNotes  string        `json:"medicalNotes,omitempty"`
	GuardianPhone string        `json:"guardianPhone,omitempty"`
	LastSeenAt    *time.Time    `json:"lastSeenAt,omitempty"`
}

type CheckpointType string

const (
	CheckpointDeparture CheckpointType = "departure"
	CheckpointArrival   CheckpointType = "arrival"
	CheckpointActivity  CheckpointType = "activity"
	CheckpointMeal      CheckpointType = "meal"
	CheckpointReturn    CheckpointType = "return"
	CheckpointCustom    CheckpointType = "custom"
)

type Checkpoint struct {
	ID                string         `json:"id"`
	ExcursionID       string         `json:"excursionId"`
	Name              string         `json:"name"`
	Type              CheckpointType `json:"type"`
	Order             int            `json:"order"`
	RequiresFullCount bool           `json:"requiresFullCount"`
	ScheduledAt       *time.Time     `json:"scheduledAt,omitempty"`
}

type Task struct {
	ID           string   `json:"id"`
	ExcursionID  string   `json:"excursionId"`
	Title        string   `json:"title"`
	Instructions string   `json:"instructions,omitempty"`
	CaptureTypes []string `json:"captureTypes,omitempty"`
	Points       int      `json:"points,omitempty"`
}

// Local exposes the embedded bookkeeping so stores can handle any entity uniformly.
func (r *LocalRecord) Local() *LocalRecord { return r }

// NewLocalRecord starts a record's lifecycle: pending, version 1.
func NewLocalRecord(localID string, now time.Time) LocalRecord {
	return LocalRecord{
		LocalID:         localID,
		SyncStatus:      SyncPending,
		LocalModifiedAt: now,
		Version:         1,
	}
}
