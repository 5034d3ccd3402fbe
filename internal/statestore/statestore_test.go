// Copyright 2025 James Ross
package statestore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/sploot/media-clustering/internal/clustering"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, "sploot-media-clustering", time.Hour)
}

func fixedClusters() []clustering.Cluster {
	return []clustering.Cluster{
		{
			RawLabel: 0,
			Label:    "Pet A",
			Members: []clustering.Member{
				{ImageID: "img-1", Score: 0.98, Position: 0},
				{ImageID: "img-2", Score: 0.91, Position: 1},
			},
			HeroImageID:  "img-1",
			QualityScore: 0.945,
		},
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	state := FromClusters("pet-42", fixedClusters(), 3, now)

	if err := store.Put(ctx, state); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := store.Get(ctx, "pet-42")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.SubjectID != "pet-42" {
		t.Fatalf("expected subject pet-42, got %s", got.SubjectID)
	}
	if len(got.Clusters) != 1 || got.Clusters[0].ClusterID != "pet-42-cluster-0" {
		t.Fatalf("unexpected clusters: %+v", got.Clusters)
	}
	if !got.Clusters[0].Members[0].IsHero {
		t.Fatalf("expected first member to be marked hero")
	}
	if got.Metrics.NumImages != 3 {
		t.Fatalf("expected num_images 3, got %d", got.Metrics.NumImages)
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Get(ctx, "no-such-pet")
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInvalidate(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Now().UTC()
	state := FromClusters("pet-7", fixedClusters(), 2, now)

	if err := store.Put(ctx, state); err != nil {
		t.Fatalf("Put: %v", err)
	}

	existed, err := store.Invalidate(ctx, "pet-7")
	if err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if !existed {
		t.Fatalf("expected Invalidate to report an existing key removed")
	}

	existed, err = store.Invalidate(ctx, "pet-7")
	if err != nil {
		t.Fatalf("Invalidate (second call): %v", err)
	}
	if existed {
		t.Fatalf("expected second Invalidate to report noop")
	}

	if _, err := store.Get(ctx, "pet-7"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after invalidate, got %v", err)
	}
}

func TestAvgQualityZeroWhenNoClusters(t *testing.T) {
	now := time.Now().UTC()
	state := FromClusters("pet-1", nil, 0, now)
	if state.Metrics.AvgQuality != 0 {
		t.Fatalf("expected avg_quality 0 for no clusters, got %v", state.Metrics.AvgQuality)
	}
	if state.Metrics.NumClusters != 0 {
		t.Fatalf("expected num_clusters 0, got %d", state.Metrics.NumClusters)
	}
}
