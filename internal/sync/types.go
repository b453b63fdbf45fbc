package sync

import (
	"errors"
	"time"
)

var (
	ErrAlreadySyncing = errors.New("sync: already syncing")
	ErrOffline        = errors.New("sync: offline")
)

type PassState string

const (
	StateIdle    PassState = "idle"
	StateSyncing PassState = "syncing"
)

// Trigger records what started a pass.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerForce     Trigger = "force"
	TriggerAuto      Trigger = "auto"
	TriggerReconnect Trigger = "reconnect"
	TriggerWrite     Trigger = "write"
)

// PassResult aggregates one full pass over the queue snapshot. Detached
// counts LOW items handed to the background dispatcher, whose outcomes
// are not part of this result.
type PassResult struct {
	ID          string    `json:"id"`
	Trigger     Trigger   `json:"trigger"`
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt"`
	Total       int       `json:"total"`
	Synced      int       `json:"synced"`
	Failed      int       `json:"failed"`
	Rejected    int       `json:"rejected"`
	Conflicts   int       `json:"conflicts"`
	Resolved    int       `json:"resolved"`
	Detached    int       `json:"detached"`
	Errors      []string  `json:"errors,omitempty"`
}

type Status struct {
	State           PassState  `json:"state"`
	Online          bool       `json:"online"`
	LastSyncAt      *time.Time `json:"lastSyncAt,omitempty"`
	Pending         int        `json:"pending"`
	CriticalPending int        `json:"criticalPending"`
	Parked          int        `json:"parked"`
	LastError       string     `json:"lastError,omitempty"`
}

// Progress is the payload of sync-progress events.
type Progress struct {
	Phase       string `json:"phase"`
	Total       int    `json:"total"`
	Completed   int    `json:"completed"`
	CurrentItem string `json:"currentItem,omitempty"`
}

type itemOutcome int

const (
	outcomeSynced itemOutcome = iota
	outcomeConflict
	outcomeRejected
	outcomeFailed
)
