// Copyright 2025 James Ross
// Package clustererr defines the tagged error values the worker loop
// discriminates on to choose ack+drop, ack+retry, or ack+dead-letter.
package clustererr

import "errors"

// Sentinel errors classifying a handler failure. Wrap with fmt.Errorf("...: %w", ErrX)
// to attach context while keeping errors.Is classification intact.
var (
	// ErrMalformedEnvelope marks a stream entry whose payload could not be
	// parsed into a JobEnvelope. Terminal: ack and drop, never retried.
	ErrMalformedEnvelope = errors.New("malformed job envelope")

	// ErrUpstreamUnavailable marks a transient insights-service or stream
	// error. Retried up to max_attempts, then dead-lettered.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrEmptyEmbeddings marks a subject with image IDs but no usable
	// embeddings among them.
	ErrEmptyEmbeddings = errors.New("no usable embeddings")

	// ErrClusteringFailure marks a numeric or resource failure in the
	// clustering engine.
	ErrClusteringFailure = errors.New("clustering failed")

	// ErrPersistFailure marks a failure writing ClusterState to the state
	// store.
	ErrPersistFailure = errors.New("failed to persist cluster state")
)
