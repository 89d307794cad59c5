// Package batchapi talks to an LLM batch-job service.
package batchapi

import (
	"context"
	"io"
	"strings"
)

// Client is the outbound batch-job port used by the Submit and Collect stages.
type Client interface {
	// UploadFile stores a JSONL request file for batch use and returns its file id.
	UploadFile(ctx context.Context, filename string, body io.Reader) (string, error)
	CreateBatch(ctx context.Context, inputFileID string) (Job, error)
	RetrieveBatch(ctx context.Context, batchID string) (Job, error)
	FileContent(ctx context.Context, fileID string) ([]byte, error)
}

// JobState is the pipeline's view of a remote job status.
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

// RequestCounts mirrors the per-request tallies reported for a job.
type RequestCounts struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Job is a remote batch job.
type Job struct {
	ID            string        `json:"id"`
	Status        string        `json:"status"`
	InputFileID   string        `json:"input_file_id"`
	OutputFileID  string        `json:"output_file_id"`
	ErrorFileID   string        `json:"error_file_id"`
	RequestCounts RequestCounts `json:"request_counts"`
}

// State maps the remote status onto pending/completed/failed.
func (j Job) State() JobState {
	switch strings.ToLower(strings.TrimSpace(j.Status)) {
	case "completed":
		return JobStateCompleted
	case "failed", "expired", "cancelled", "canceled":
		return JobStateFailed
	default:
		return JobStatePending
	}
}
