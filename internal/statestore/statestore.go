// Copyright 2025 James Ross
// Package statestore persists the last cluster run for a subject under a
// namespaced, TTL'd Redis key, and answers the front door's lookup and
// invalidation routes.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sploot/media-clustering/internal/clustering"
)

// ErrNotFound is returned by Get when no state is cached for a subject.
var ErrNotFound = errors.New("cluster state not found")

// Metrics mirrors the summary numbers computed once per worker run.
type Metrics struct {
	NumClusters int     `json:"num_clusters"`
	NumImages   int     `json:"num_images"`
	AvgQuality  float64 `json:"avg_quality"`
	ProcessedAt string  `json:"processed_at"`
}

// Member is the wire shape of a clustering.Member inside a persisted State.
type Member struct {
	ImageID  string  `json:"image_id"`
	Score    float64 `json:"score"`
	Position int     `json:"position"`
	IsHero   bool    `json:"is_hero"`
}

// Cluster is the wire shape of a clustering.Cluster inside a persisted State.
type Cluster struct {
	ClusterID string   `json:"cluster_id"`
	Label     string   `json:"label"`
	Members   []Member `json:"members"`
}

// State is the full result of one clustering run for one subject.
type State struct {
	SubjectID string    `json:"subject_id"`
	Clusters  []Cluster `json:"clusters"`
	Metrics   Metrics   `json:"metrics"`
	UpdatedAt string    `json:"updated_at"`
}

// FromClusters builds a State from the clustering engine's output, composing
// each public cluster ID as "{subjectID}-cluster-{RawLabel}".
func FromClusters(subjectID string, clusters []clustering.Cluster, numImages int, now time.Time) State {
	out := make([]Cluster, 0, len(clusters))
	qualitySum := 0.0
	for _, c := range clusters {
		members := make([]Member, len(c.Members))
		for i, m := range c.Members {
			members[i] = Member{
				ImageID:  m.ImageID,
				Score:    m.Score,
				Position: m.Position,
				IsHero:   m.ImageID == c.HeroImageID,
			}
		}
		out = append(out, Cluster{
			ClusterID: fmt.Sprintf("%s-cluster-%d", subjectID, c.RawLabel),
			Label:     c.Label,
			Members:   members,
		})
		qualitySum += c.QualityScore
	}
	avgQuality := 0.0
	if len(clusters) > 0 {
		avgQuality = qualitySum / float64(len(clusters))
	}
	return State{
		SubjectID: subjectID,
		Clusters:  out,
		Metrics: Metrics{
			NumClusters: len(clusters),
			NumImages:   numImages,
			AvgQuality:  avgQuality,
			ProcessedAt: now.UTC().Format(time.RFC3339Nano),
		},
		UpdatedAt: now.UTC().Format(time.RFC3339Nano),
	}
}

// Store persists cluster state under "{namespace}:state:{subject_id}".
type Store struct {
	client    redis.Cmdable
	namespace string
	ttl       time.Duration
}

// New builds a Store bound to client.
func New(client redis.Cmdable, namespace string, ttl time.Duration) *Store {
	return &Store{client: client, namespace: namespace, ttl: ttl}
}

func (s *Store) key(subjectID string) string {
	return fmt.Sprintf("%s:state:%s", s.namespace, subjectID)
}

// Put writes state with the store's configured TTL.
func (s *Store) Put(ctx context.Context, state State) error {
	b, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal cluster state: %w", err)
	}
	if err := s.client.Set(ctx, s.key(state.SubjectID), b, s.ttl).Err(); err != nil {
		return fmt.Errorf("persist cluster state: %w", err)
	}
	return nil
}

// Get fetches the cached state for subjectID, or ErrNotFound if absent.
func (s *Store) Get(ctx context.Context, subjectID string) (State, error) {
	raw, err := s.client.Get(ctx, s.key(subjectID)).Result()
	if errors.Is(err, redis.Nil) {
		return State{}, ErrNotFound
	}
	if err != nil {
		return State{}, fmt.Errorf("fetch cluster state: %w", err)
	}
	var state State
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return State{}, fmt.Errorf("unmarshal cluster state: %w", err)
	}
	return state, nil
}

// Invalidate deletes any cached state for subjectID, reporting whether a key
// existed to delete.
func (s *Store) Invalidate(ctx context.Context, subjectID string) (bool, error) {
	deleted, err := s.client.Del(ctx, s.key(subjectID)).Result()
	if err != nil {
		return false, fmt.Errorf("invalidate cluster state: %w", err)
	}
	return deleted > 0, nil
}
