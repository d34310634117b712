package taskstore

import (
	"encoding/json"
	"fmt"
)

// Status is the lifecycle state of a work unit.
type Status string

const (
	StatusPending   Status = "pending"
	StatusLocked    Status = "locked"
	StatusCompleted Status = "completed"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusLocked, StatusCompleted:
		return true
	}
	return false
}

// UnitKey identifies one page of one document within a project.
type UnitKey struct {
	Project string `json:"project"`
	Machine string `json:"machine"`
	// Page is 1-based. The external page renderer must name images
	// <machine>_<page>.png with the same numbering.
	Page int `json:"page"`
}

// String renders the key in path form for logs and API payloads.
func (k UnitKey) String() string {
	return fmt.Sprintf("%s/%s/%d", k.Project, k.Machine, k.Page)
}

// Task is the durable record of one work unit.
type Task struct {
	Key        UnitKey `json:"key"`
	Status     Status  `json:"status"`
	Owner      string  `json:"owner,omitempty"`
	LockedAtMs int64   `json:"locked_at_ms,omitempty"`
	PageCount  int     `json:"page_count"`
	ImagePath  string  `json:"image_path"`
	CreatedMs  int64   `json:"created_ms"`
	UpdatedMs  int64   `json:"updated_ms"`
}

// Row is one annotated machine entry extracted from a page.
type Row struct {
	MachineID     string `json:"machine_id"`
	CircuitName   string `json:"circuit_name"`
	Area          string `json:"area"`
	DevicePos     string `json:"device_pos"`
	Voltage       string `json:"voltage"`
	PhaseWire     string `json:"phase_wire"`
	Power         string `json:"power"`
	MaxCurrent    string `json:"max_current"`
	RunCurrent    string `json:"run_current"`
	MachineSwitch string `json:"machine_switch"`
	FactorySwitch string `json:"factory_switch"`
	Remark        string `json:"remark"`
}

// Submission is the durable record of one completed unit's annotations.
type Submission struct {
	ID          string  `json:"id"`
	Key         UnitKey `json:"key"`
	Username    string  `json:"username"`
	Rows        []Row   `json:"rows"`
	SubmittedMs int64   `json:"submitted_ms"`
	UpdatedMs   int64   `json:"updated_ms,omitempty"`
}

func encodeTask(t *Task) ([]byte, error) {
	return json.Marshal(t)
}

func decodeTask(data []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode task record: %w", err)
	}
	return &t, nil
}

func encodeSubmission(s *Submission) ([]byte, error) {
	return json.Marshal(s)
}

func decodeSubmission(data []byte) (*Submission, error) {
	var s Submission
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode submission record: %w", err)
	}
	return &s, nil
}
