package domain

import "time"

type CheckInStatus string

const (
	StatusNotCheckedIn   CheckInStatus = "not-checked-in"
	StatusDeparted       CheckInStatus = "departed"
	StatusAtDestination  CheckInStatus = "at-destination"
	StatusReturning      CheckInStatus = "returning"
	StatusReturned       CheckInStatus = "returned"
	StatusMissing        CheckInStatus = "missing"
	StatusMedical        CheckInStatus = "medical"
	StatusEarlyDeparture CheckInStatus = "early-departure"
)

func (s CheckInStatus) Valid() bool {
	switch s {
	case StatusNotCheckedIn, StatusDeparted, StatusAtDestination, StatusReturning,
		StatusReturned, StatusMissing, StatusMedical, StatusEarlyDeparture:
		return true
	}
	return false
}

type CheckInMethod string

const (
	MethodManual CheckInMethod = "manual"
	MethodQR     CheckInMethod = "qr"
	MethodNFC    CheckInMethod = "nfc"
	MethodRoll   CheckInMethod = "roll-call"
	MethodFound  CheckInMethod = "found"
)

type CheckIn struct {
	LocalRecord
	ExcursionID    string        `json:"excursionId"`
	CheckpointID   string        `json:"checkpointId"`
	CheckpointName string        `json:"checkpointName"`
	StudentID      string        `json:"studentId"`
	StudentName    string        `json:"studentName"`
	Status         CheckInStatus `json:"status"`
	Timestamp      time.Time     `json:"timestamp"`
	ActorID        string        `json:"actorId"`
	ActorName      string        `json:"actorName"`
	Method         CheckInMethod `json:"method"`
	Location       *Location     `json:"location,omitempty"`
	Notes          string        `json:"notes,omitempty"`
}

type CaptureType string

const (
	CapturePhoto    CaptureType = "photo"
	CaptureVideo    CaptureType = "video"
	CaptureAudio    CaptureType = "audio"
	CaptureText     CaptureType = "text"
	CaptureSketch   CaptureType = "sketch"
	CaptureLocation CaptureType = "location"
	CaptureSensor   CaptureType = "sensor"
	CaptureScan     CaptureType = "scan"
)

func (t CaptureType) Valid() bool {
	switch t {
	case CapturePhoto, CaptureVideo, CaptureAudio, CaptureText,
		CaptureSketch, CaptureLocation, CaptureSensor, CaptureScan:
		return true
	}
	return false
}

// Capture never embeds media bytes; MediaRef points into the media store.
type Capture struct {
	LocalRecord
	ExcursionID   string      `json:"excursionId"`
	TaskID        string      `json:"taskId"`
	ParticipantID string      `json:"participantId"`
	Type          CaptureType `json:"captureType"`
	MediaRef      string      `json:"mediaRef,omitempty"`
	MediaType     string      `json:"mediaType,omitempty"`
	TextContent   string      `json:"textContent,omitempty"`
	Tags          []string    `json:"tags,omitempty"`
	Location      *Location   `json:"location,omitempty"`
	CapturedAt    time.Time   `json:"capturedAt"`
}

type MissingStudentAlert struct {
	LocalRecord
	ExcursionID    string    `json:"excursionId"`
	CheckpointID   string    `json:"checkpointId"`
	CheckpointName string    `json:"checkpointName"`
	StudentIDs     []string  `json:"studentIds"`
	StudentNames   []string  `json:"studentNames"`
	ReporterID     string    `json:"reporterId"`
	ReporterName   string    `json:"reporterName"`
	Timestamp      time.Time `json:"timestamp"`
	Location       *Location `json:"location,omitempty"`
}

type ProgressStatus string

const (
	ProgressStarted    ProgressStatus = "started"
	ProgressInProgress ProgressStatus = "in-progress"
	ProgressCompleted  ProgressStatus = "completed"
)

type TaskProgress struct {
	LocalRecord
	ExcursionID   string         `json:"excursionId"`
	TaskID        string         `json:"taskId"`
	ParticipantID string         `json:"participantId"`
	Status        ProgressStatus `json:"status"`
	Percent       int            `json:"percent"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

type HelpRequest struct {
	LocalRecord
	ExcursionID   string    `json:"excursionId"`
	ParticipantID string    `json:"participantId"`
	Message       string    `json:"message"`
	SOS           bool      `json:"sos"`
	Location      *Location `json:"location,omitempty"`
	RequestedAt   time.Time `json:"requestedAt"`
}

type Feedback struct {
	LocalRecord
	ExcursionID   string    `json:"excursionId"`
	ParticipantID string    `json:"participantId"`
	Rating        int       `json:"rating"`
	Comment       string    `json:"comment,omitempty"`
	SubmittedAt   time.Time `json:"submittedAt"`
}
