// Copyright 2025 James Ross
package queue

import (
	"encoding/json"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	e := NewEnvelope("job-1", "pet-xyz", json.RawMessage(`{"reason":"insights_ready"}`))
	s, err := e.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	e2, err := UnmarshalEnvelope(s)
	if err != nil {
		t.Fatal(err)
	}
	if e2.JobID != e.JobID || e2.SubjectID != e.SubjectID || e2.Attempts != e.Attempts || e2.EnqueuedAt != e.EnqueuedAt {
		t.Fatalf("roundtrip mismatch: %#v vs %#v", e, e2)
	}
	if string(e2.Payload) != string(e.Payload) {
		t.Fatalf("payload mismatch: %s vs %s", e2.Payload, e.Payload)
	}
}

func TestNewEnvelopeGeneratesJobID(t *testing.T) {
	e := NewEnvelope("", "pet-1", nil)
	if e.JobID == "" {
		t.Fatalf("expected generated job id")
	}
	if string(e.Payload) != "{}" {
		t.Fatalf("expected default empty payload, got %s", e.Payload)
	}
}

func TestUnmarshalRejectsMissingSubject(t *testing.T) {
	if _, err := UnmarshalEnvelope(`{"job_id":"x"}`); err == nil {
		t.Fatalf("expected error for missing subject_id")
	}
}

func TestUnmarshalRejectsMalformedJSON(t *testing.T) {
	if _, err := UnmarshalEnvelope(`not json`); err == nil {
		t.Fatalf("expected error for malformed json")
	}
}

func TestWithAttemptIncrements(t *testing.T) {
	e := NewEnvelope("job-1", "pet-1", nil)
	e2 := e.WithAttempt()
	if e2.Attempts != e.Attempts+1 {
		t.Fatalf("expected attempts incremented")
	}
	if e.Attempts != 0 {
		t.Fatalf("original envelope must not be mutated")
	}
}
