// Copyright 2025 James Ross
// Package frontdoor is the internal HTTP submission surface: it accepts
// cluster-job requests, serves cached cluster state, and handles explicit
// cache invalidation. Every route (other than /healthz) is gated by a
// constant-time comparison of a shared secret header.
package frontdoor

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/sploot/media-clustering/internal/obs"
	"github.com/sploot/media-clustering/internal/queue"
	"github.com/sploot/media-clustering/internal/statestore"
	"github.com/sploot/media-clustering/internal/streamqueue"
)

// Enqueuer is the subset of streamqueue.Queue the front door needs.
type Enqueuer interface {
	Publish(ctx context.Context, env queue.JobEnvelope) (string, error)
}

// StateReader is the subset of statestore.Store the front door needs.
type StateReader interface {
	Get(ctx context.Context, subjectID string) (statestore.State, error)
	Invalidate(ctx context.Context, subjectID string) (bool, error)
}

// HealthChecker reports whether the backing stream is reachable.
type HealthChecker func(ctx context.Context) error

// Server wires the internal routes behind shared-secret auth.
type Server struct {
	router        *mux.Router
	queue         Enqueuer
	store         StateReader
	health        HealthChecker
	internalToken string
	log           *zap.Logger
}

// New builds a Server. internalToken is compared against the
// X-Internal-Token header on every protected route.
func New(q *streamqueue.Queue, store *statestore.Store, health HealthChecker, internalToken string, log *zap.Logger) *Server {
	s := &Server{
		router:        mux.NewRouter(),
		queue:         q,
		store:         store,
		health:        health,
		internalToken: internalToken,
		log:           log,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(s.recoveryMiddleware, s.requestIDMiddleware)

	protected := s.router.PathPrefix("/internal").Subrouter()
	protected.Use(s.authMiddleware)
	protected.HandleFunc("/cluster-jobs", s.submitClusterJob).Methods(http.MethodPost)
	protected.HandleFunc("/pets/{subject_id}/clusters", s.getClusters).Methods(http.MethodGet)
	protected.HandleFunc("/pets/{subject_id}/invalidate", s.invalidateClusters).Methods(http.MethodPost)
	protected.HandleFunc("/health/stream", s.healthStream).Methods(http.MethodGet)

	s.router.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
}

// Handler exposes the assembled router for http.Server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-Internal-Token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.internalToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid internal token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("panic recovered", obs.String("path", r.URL.Path), zap.Any("recover", rec))
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = fmt.Sprintf("%d", time.Now().UnixNano())
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

type clusterJobRequest struct {
	SubjectID string          `json:"subject_id"`
	JobID     string          `json:"job_id"`
	Reason    string          `json:"reason"`
	Force     bool            `json:"force"`
	Payload   json.RawMessage `json:"payload"`
	Metadata  json.RawMessage `json:"metadata"`
}

func (s *Server) submitClusterJob(w http.ResponseWriter, r *http.Request) {
	var req clusterJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SubjectID == "" {
		writeError(w, http.StatusBadRequest, "subject_id is required")
		return
	}

	payload := req.Payload
	if payload == nil {
		payload = json.RawMessage("{}")
	}
	env := queue.NewEnvelope(req.JobID, req.SubjectID, payload)

	if _, err := s.queue.Publish(r.Context(), env); err != nil {
		s.log.Error("enqueue cluster job failed", obs.Err(err), obs.String("subject_id", req.SubjectID))
		writeError(w, http.StatusServiceUnavailable, "failed to enqueue job")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type clusterMemberResponse struct {
	ImageID  string  `json:"image_id"`
	Score    float64 `json:"score"`
	Position int     `json:"position"`
}

type clusterPayloadResponse struct {
	ID          string                  `json:"id"`
	Label       string                  `json:"label"`
	Members     []clusterMemberResponse `json:"members"`
	HeroImageID string                  `json:"hero_image_id,omitempty"`
}

type clusterStateResponse struct {
	SubjectID string                    `json:"subject_id"`
	Clusters  []clusterPayloadResponse  `json:"clusters"`
	Metrics   statestore.Metrics        `json:"metrics"`
	UpdatedAt string                    `json:"updated_at"`
}

func toResponse(state statestore.State) clusterStateResponse {
	clusters := make([]clusterPayloadResponse, len(state.Clusters))
	for i, c := range state.Clusters {
		members := make([]clusterMemberResponse, len(c.Members))
		hero := ""
		for j, m := range c.Members {
			members[j] = clusterMemberResponse{ImageID: m.ImageID, Score: m.Score, Position: m.Position}
			if m.IsHero {
				hero = m.ImageID
			}
		}
		clusters[i] = clusterPayloadResponse{ID: c.ClusterID, Label: c.Label, Members: members, HeroImageID: hero}
	}
	return clusterStateResponse{
		SubjectID: state.SubjectID,
		Clusters:  clusters,
		Metrics:   state.Metrics,
		UpdatedAt: state.UpdatedAt,
	}
}

func (s *Server) getClusters(w http.ResponseWriter, r *http.Request) {
	subjectID := mux.Vars(r)["subject_id"]
	state, err := s.store.Get(r.Context(), subjectID)
	if errors.Is(err, statestore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "cluster state not found")
		return
	}
	if err != nil {
		s.log.Error("fetch cluster state failed", obs.Err(err), obs.String("subject_id", subjectID))
		writeError(w, http.StatusInternalServerError, "failed to fetch cluster state")
		return
	}
	writeJSON(w, http.StatusOK, toResponse(state))
}

func (s *Server) invalidateClusters(w http.ResponseWriter, r *http.Request) {
	subjectID := mux.Vars(r)["subject_id"]
	existed, err := s.store.Invalidate(r.Context(), subjectID)
	if err != nil {
		s.log.Error("invalidate cluster state failed", obs.Err(err), obs.String("subject_id", subjectID))
		writeError(w, http.StatusInternalServerError, "failed to invalidate cluster state")
		return
	}
	status := "noop"
	if existed {
		status = "removed"
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": status})
}

func (s *Server) healthStream(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if err := s.health(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
