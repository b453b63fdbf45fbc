package api

import (
	"encoding/json"
	"time"

	"excursion-sync-service/internal/store"
)

type historyView struct {
	ID                string     `json:"id"`
	Trigger           string     `json:"trigger"`
	StartedAt         time.Time  `json:"startedAt"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`
	TotalItems        int        `json:"totalItems"`
	Synced            int        `json:"synced"`
	Failed            int        `json:"failed"`
	ConflictsDetected int        `json:"conflictsDetected"`
	Status            string     `json:"status"`
	Error             string     `json:"error,omitempty"`
}

func newHistoryView(h *store.SyncHistory) historyView {
	v := historyView{
		ID:                h.ID,
		Trigger:           h.Trigger,
		StartedAt:         h.StartedAt,
		TotalItems:        h.TotalItems,
		Synced:            h.Synced,
		Failed:            h.Failed,
		ConflictsDetected: h.ConflictsDetected,
		Status:            h.Status,
		Error:             h.ErrorMessage.String,
	}
	if h.CompletedAt.Valid {
		t := h.CompletedAt.Time
		v.CompletedAt = &t
	}
	return v
}

type conflictView struct {
	ID             string          `json:"id"`
	EntityType     string          `json:"entityType"`
	EntityID       string          `json:"entityId"`
	LocalVersion   json.RawMessage `json:"localVersion,omitempty"`
	ServerVersion  json.RawMessage `json:"serverVersion,omitempty"`
	ConflictFields []string        `json:"conflictFields"`
	DetectedAt     time.Time       `json:"detectedAt"`
	Resolution     string          `json:"resolution,omitempty"`
	ResolvedAt     *time.Time      `json:"resolvedAt,omitempty"`
	ResolvedBy     string          `json:"resolvedBy,omitempty"`
}

func newConflictView(c *store.Conflict) conflictView {
	v := conflictView{
		ID:             c.ID,
		EntityType:     c.EntityType,
		EntityID:       c.EntityID,
		LocalVersion:   c.LocalData,
		ServerVersion:  c.ServerData,
		ConflictFields: c.ConflictFields,
		DetectedAt:     c.DetectedAt,
		Resolution:     c.Resolution.String,
		ResolvedBy:     c.ResolvedBy.String,
	}
	if v.ConflictFields == nil {
		v.ConflictFields = []string{}
	}
	if c.ResolvedAt.Valid {
		t := c.ResolvedAt.Time
		v.ResolvedAt = &t
	}
	return v
}
