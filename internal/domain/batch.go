package domain

import (
	"fmt"
	"strings"
	"time"
)

// BatchStatus represents the lifecycle state of a batch record.
type BatchStatus string

const (
	BatchStatusPrepared  BatchStatus = "prepared"
	BatchStatusSubmitted BatchStatus = "submitted"
	BatchStatusCompleted BatchStatus = "completed"
	BatchStatusFailed    BatchStatus = "failed"
)

func (s BatchStatus) String() string { return string(s) }

func (s BatchStatus) IsValid() bool {
	switch s {
	case BatchStatusPrepared, BatchStatusSubmitted, BatchStatusCompleted, BatchStatusFailed:
		return true
	}
	return false
}

func (s BatchStatus) IsTerminal() bool {
	return s == BatchStatusCompleted || s == BatchStatusFailed
}

// CanTransitionTo reports whether next is a legal successor of s.
// The control store does not consult it; stages only ever attempt legal edges.
func (s BatchStatus) CanTransitionTo(next BatchStatus) bool {
	switch s {
	case BatchStatusPrepared:
		return next == BatchStatusSubmitted || next == BatchStatusFailed
	case BatchStatusSubmitted:
		return next == BatchStatusCompleted || next == BatchStatusFailed
	}
	return false
}

func ParseBatchStatusFromString(s string) (BatchStatus, error) {
	st := BatchStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid batch status %q", ErrValidation, s)
	}
	return st, nil
}

// Well-known keys stored in BatchRecord.Extra by the pipeline stages.
const (
	ExtraRiderCount   = "rider_count"
	ExtraFileID       = "file_id"
	ExtraJobID        = "openai_batch_id"
	ExtraError        = "error"
	ExtraCompletedAt  = "completed_at"
	ExtraJobStatus    = "job_status"
	ExtraResultCount  = "result_count"
	ExtraSuccessCount = "success_count"
)

// BatchRecord tracks one submitted unit of work through its lifecycle.
type BatchRecord struct {
	ID           string
	AlternateKey string
	Status       BatchStatus
	TargetDate   string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Extra        map[string]any

	// Stored timestamps that matched no known layout, written back as read.
	rawCreatedAt string
	rawUpdatedAt string
}

// MergeExtra copies extra into the record. Keys naming a fixed field are ignored.
func (r *BatchRecord) MergeExtra(extra map[string]any) {
	if len(extra) == 0 {
		return
	}
	if r.Extra == nil {
		r.Extra = make(map[string]any, len(extra))
	}
	for k, v := range extra {
		if IsReservedKey(k) {
			continue
		}
		r.Extra[k] = v
	}
}

// ExtraString returns Extra[key] when it holds a non-empty string.
func (r BatchRecord) ExtraString(key string) (string, bool) {
	v, ok := r.Extra[key].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

// Clone returns a copy whose Extra map is not shared with r.
func (r BatchRecord) Clone() BatchRecord {
	out := r
	if r.Extra != nil {
		out.Extra = make(map[string]any, len(r.Extra))
		for k, v := range r.Extra {
			out.Extra[k] = v
		}
	}
	return out
}
