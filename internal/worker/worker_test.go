// Copyright 2025 James Ross
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sploot/media-clustering/internal/clustererr"
	"github.com/sploot/media-clustering/internal/config"
	"github.com/sploot/media-clustering/internal/insights"
	"github.com/sploot/media-clustering/internal/queue"
	"github.com/sploot/media-clustering/internal/statestore"
	"github.com/sploot/media-clustering/internal/streamqueue"
)

type fakeInsightsService struct {
	imageIDs []string
	records  map[string]insights.InsightRecord
	posts    []insights.Update
}

func (f *fakeInsightsService) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/internal/pets/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"image_ids": f.imageIDs})
	})
	mux.HandleFunc("/internal/insights/", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/internal/insights/"):]
		rec, ok := f.records[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(rec)
	})
	mux.HandleFunc("/internal/insights", func(w http.ResponseWriter, r *http.Request) {
		var u insights.Update
		json.NewDecoder(r.Body).Decode(&u)
		f.posts = append(f.posts, u)
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func setupWorker(t *testing.T, fake *fakeInsightsService) (*Worker, *streamqueue.Queue, *statestore.Store, redis.Cmdable) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	cfg := &config.Config{}
	cfg.Worker.MaxAttempts = 3
	cfg.Stream.ConsumerName = "worker-1"
	cfg.Stream.ReadCount = 10
	cfg.Stream.ReadTimeout = 10 * time.Millisecond
	cfg.Clustering.Eps = 0.3
	cfg.Clustering.IdentityEps = 0.15
	cfg.Clustering.MinSamples = 2
	cfg.Clustering.MaxClusterSize = 24
	cfg.Insights.ProcessorVersion = "v1.0.0"

	q := streamqueue.New(client, streamqueue.Config{
		StreamName:     "cluster-jobs",
		DeadLetterName: "cluster-jobs-dead-letter",
		ConsumerGroup:  "cluster-workers",
		ConsumerName:   "worker-1",
	})
	store := statestore.New(client, "sploot-media-clustering", time.Hour)
	insightsClient := insights.New(insights.Config{
		BaseURL:        srv.URL,
		Timeout:        2 * time.Second,
		FanOut:         4,
		BreakerWindow:  time.Minute,
		BreakerCooloff: time.Second,
		BreakerThresh:  0.9,
		BreakerMinSamp: 100,
	}, zap.NewNop())

	w := New(cfg, q, store, insightsClient, zap.NewNop())
	return w, q, store, client
}

func unitVec(x, y float64) []float64 {
	m := x*x + y*y
	root := m
	for i := 0; i < 40 && root > 0; i++ {
		root -= (root*root - m) / (2 * root)
	}
	if root == 0 {
		return []float64{x, y}
	}
	return []float64{x / root, y / root}
}

func TestProcessHappyPath(t *testing.T) {
	ctx := context.Background()
	fake := &fakeInsightsService{
		imageIDs: []string{"img-1", "img-2"},
		records: map[string]insights.InsightRecord{
			"img-1": {SourceImageID: "img-1", HasEmbedding: true, Embedding: unitVec(1, 0)},
			"img-2": {SourceImageID: "img-2", HasEmbedding: true, Embedding: unitVec(1, 0.01)},
		},
	}
	w, _, store, _ := setupWorker(t, fake)

	err := w.process(ctx, queue.NewEnvelope("job-1", "pet-1", nil))
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	state, err := store.Get(ctx, "pet-1")
	if err != nil {
		t.Fatalf("Get state: %v", err)
	}
	if state.Metrics.NumImages != 2 {
		t.Fatalf("expected num_images 2, got %d", state.Metrics.NumImages)
	}
	wantPosts := 0
	for _, c := range state.Clusters {
		wantPosts += len(c.Members)
	}
	if len(fake.posts) != wantPosts {
		t.Fatalf("expected %d insight tag posts, got %d", wantPosts, len(fake.posts))
	}
}

func TestProcessEmptyImagesSkipped(t *testing.T) {
	ctx := context.Background()
	fake := &fakeInsightsService{imageIDs: []string{}}
	w, _, _, _ := setupWorker(t, fake)

	err := w.process(ctx, queue.NewEnvelope("job-1", "pet-empty", nil))
	if !errors.Is(err, clustererr.ErrEmptyEmbeddings) {
		t.Fatalf("expected ErrEmptyEmbeddings, got %v", err)
	}
}

func TestHandleEntryAcksMalformedEnvelope(t *testing.T) {
	ctx := context.Background()
	fake := &fakeInsightsService{imageIDs: []string{}}
	w, q, _, client := setupWorker(t, fake)
	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}

	// An envelope without subject_id is malformed: the worker acks it
	// immediately, without retry or dead-letter.
	id, err := q.Publish(ctx, queue.JobEnvelope{SubjectID: "", JobID: "bad"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	entries, err := q.ReadGroup(ctx, "worker-1", 10, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("ReadGroup: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	w.handleEntry(ctx, entries[0])

	pending, err := client.XPending(ctx, "cluster-jobs", "cluster-workers").Result()
	if err != nil {
		t.Fatalf("XPending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected malformed entry %s to be acked, pending=%d", id, pending.Count)
	}
}
