// Copyright 2025 James Ross
package insights

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestNormalizeBaseURL(t *testing.T) {
	cases := map[string]string{
		"http://svc":            "http://svc/internal",
		"http://svc/":           "http://svc/internal",
		"http://svc/internal":   "http://svc/internal",
		"http://svc/internal/":  "http://svc/internal",
	}
	for in, want := range cases {
		if got := normalizeBaseURL(in); got != want {
			t.Errorf("normalizeBaseURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	return New(Config{
		BaseURL:        srv.URL,
		Token:          "secret",
		Timeout:        2 * time.Second,
		FanOut:         4,
		BreakerWindow:  time.Minute,
		BreakerCooloff: time.Second,
		BreakerThresh:  0.5,
		BreakerMinSamp: 3,
	}, zap.NewNop())
}

func TestListImagesWithEmbeddings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/internal/pets/pet-1/images-with-embeddings" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{"image_ids": []string{"img-1", "img-2"}})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	ids := c.ListImagesWithEmbeddings(context.Background(), "pet-1")
	if len(ids) != 2 || ids[0] != "img-1" {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

func TestListImagesWithEmbeddingsDegradesOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	ids := c.ListImagesWithEmbeddings(context.Background(), "pet-1")
	if ids != nil {
		t.Fatalf("expected nil ids on failure, got %v", ids)
	}
}

func TestFetchInsightsBatchOmitsMissingEmbeddings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/internal/insights/img-1":
			json.NewEncoder(w).Encode(InsightRecord{SourceImageID: "img-1", HasEmbedding: true, Embedding: []float64{1, 0}})
		case "/internal/insights/img-2":
			json.NewEncoder(w).Encode(InsightRecord{SourceImageID: "img-2", HasEmbedding: false})
		case "/internal/insights/img-3":
			w.WriteHeader(http.StatusNotFound)
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	got, err := c.FetchInsightsBatch(context.Background(), []string{"img-1", "img-2", "img-3"})
	if err != nil {
		t.Fatalf("FetchInsightsBatch: %v", err)
	}
	if len(got) != 1 || got[0].SourceImageID != "img-1" {
		t.Fatalf("expected only img-1 to survive, got %+v", got)
	}
}

func TestPostInsightsBatchSwallowsFailures(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Path != "/internal/insights" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	c.PostInsightsBatch(context.Background(), []Update{
		{SourceImageID: "img-1", QualityScore: 0.9, ProcessorVersion: "v1.0.0"},
		{SourceImageID: "img-2", QualityScore: 0.8, ProcessorVersion: "v1.0.0"},
	})
	if calls != 2 {
		t.Fatalf("expected 2 post attempts despite failures, got %d", calls)
	}
}
