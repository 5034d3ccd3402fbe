// Copyright 2025 James Ross
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobEnvelope is the unit published to and consumed from the job stream.
// Payload is kept as opaque JSON so the core never needs to model
// submitter-specific hints (reason, image_ids, coverage, ...).
type JobEnvelope struct {
	JobID      string          `json:"job_id"`
	SubjectID  string          `json:"subject_id"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt string          `json:"enqueued_at"`
}

// NewEnvelope builds an envelope for first-time submission. A job ID is
// generated when the caller doesn't supply one; enqueued_at is stamped once
// and preserved across retries.
func NewEnvelope(jobID, subjectID string, payload json.RawMessage) JobEnvelope {
	if jobID == "" {
		jobID = uuid.New().String()
	}
	if payload == nil {
		payload = json.RawMessage("{}")
	}
	return JobEnvelope{
		JobID:      jobID,
		SubjectID:  subjectID,
		Payload:    payload,
		Attempts:   0,
		EnqueuedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// Marshal encodes the envelope as the JSON string stored in a stream entry's
// "payload" field.
func (e JobEnvelope) Marshal() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(b), nil
}

// UnmarshalEnvelope decodes a stream entry's "payload" field back into a
// JobEnvelope. Required fields (subject_id) are validated here so malformed
// entries fail fast in the worker's parse step.
func UnmarshalEnvelope(s string) (JobEnvelope, error) {
	var e JobEnvelope
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return JobEnvelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if e.SubjectID == "" {
		return JobEnvelope{}, fmt.Errorf("envelope missing subject_id")
	}
	return e, nil
}

// WithAttempt returns a copy of the envelope with Attempts incremented,
// ready for republish on the retry path.
func (e JobEnvelope) WithAttempt() JobEnvelope {
	e.Attempts++
	return e
}
