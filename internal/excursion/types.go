package excursion

import (
	"errors"

	"excursion-sync-service/internal/domain"
)

var (
	ErrInvalidInput = errors.New("excursion: invalid input")
	ErrUnsyncedData = errors.New("excursion: unsynced data remains")
)

type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type CheckInInput struct {
	ExcursionID    string               `json:"excursionId"`
	CheckpointID   string               `json:"checkpointId"`
	CheckpointName string               `json:"checkpointName"`
	StudentID      string               `json:"studentId"`
	StudentName    string               `json:"studentName"`
	Status         domain.CheckInStatus `json:"status"`
	Actor          Actor                `json:"actor"`
	Method         domain.CheckInMethod `json:"method"`
	Location       *domain.Location     `json:"location,omitempty"`
	Notes          string               `json:"notes,omitempty"`
}

// MissingResult is what marking a student missing produced locally.
// Delivered is true when the forced pass synced the alert.
type MissingResult struct {
	CheckIn   *domain.CheckIn             `json:"checkIn"`
	Alert     *domain.MissingStudentAlert `json:"alert"`
	Delivered bool                        `json:"delivered"`
}

type RollCallEntry struct {
	StudentID   string               `json:"studentId"`
	StudentName string               `json:"studentName"`
	Status      domain.CheckInStatus `json:"status"`
	Method      domain.CheckInMethod `json:"method"`
	Notes       string               `json:"notes,omitempty"`
}

type RollCallInput struct {
	ExcursionID    string           `json:"excursionId"`
	CheckpointID   string           `json:"checkpointId"`
	CheckpointName string           `json:"checkpointName"`
	Actor          Actor            `json:"actor"`
	Location       *domain.Location `json:"location,omitempty"`
	Entries        []RollCallEntry  `json:"entries"`
}

// RollCallResult summarises a checkpoint. MissingCount is only computed for
// checkpoints that require a full count.
type RollCallResult struct {
	CheckpointID string                      `json:"checkpointId"`
	CheckedIn    int                         `json:"checkedIn"`
	Missing      []string                    `json:"missing"`
	MissingCount *int                        `json:"missingCount,omitempty"`
	Alert        *domain.MissingStudentAlert `json:"alert,omitempty"`
}

type HeadCountResult struct {
	ExcursionID string `json:"excursionId"`
	Expected    int    `json:"expected"`
	Actual      int    `json:"actual"`
	Discrepancy int    `json:"discrepancy"`
	Alert       bool   `json:"alert"`
}

type CaptureInput struct {
	ExcursionID   string             `json:"excursionId"`
	TaskID        string             `json:"taskId"`
	ParticipantID string             `json:"participantId"`
	Type          domain.CaptureType `json:"captureType"`
	Media         []byte             `json:"media,omitempty"`
	MediaType     string             `json:"mediaType,omitempty"`
	TextContent   string             `json:"textContent,omitempty"`
	Tags          []string           `json:"tags,omitempty"`
	Location      *domain.Location   `json:"location,omitempty"`
}

type ProgressInput struct {
	ExcursionID   string                `json:"excursionId"`
	TaskID        string                `json:"taskId"`
	ParticipantID string                `json:"participantId"`
	Status        domain.ProgressStatus `json:"status"`
	Percent       int                   `json:"percent"`
}

type HelpInput struct {
	ExcursionID   string           `json:"excursionId"`
	ParticipantID string           `json:"participantId"`
	Message       string           `json:"message"`
	SOS           bool             `json:"sos"`
	Location      *domain.Location `json:"location,omitempty"`
}

type FeedbackInput struct {
	ExcursionID   string `json:"excursionId"`
	ParticipantID string `json:"participantId"`
	Rating        int    `json:"rating"`
	Comment       string `json:"comment,omitempty"`
}
