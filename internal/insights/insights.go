// Copyright 2025 James Ross
// Package insights is the HTTP client for the upstream insights service: it
// lists a subject's embeddable images, fetches their insight records in
// bulk, and posts cluster tags back. All calls are resilient by contract:
// failures are logged and degrade to an empty result rather than bubbling an
// exception, matching the upstream service's own tolerance for a partially
// available insights backend.
package insights

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sploot/media-clustering/internal/breaker"
	"github.com/sploot/media-clustering/internal/clustererr"
	"github.com/sploot/media-clustering/internal/obs"
)

// InsightRecord is one image's stored insight data, including its embedding.
type InsightRecord struct {
	SourceImageID string    `json:"source_image_id"`
	HasEmbedding  bool      `json:"has_embedding"`
	Embedding     []float64 `json:"embedding,omitempty"`
	Species       string    `json:"species,omitempty"`
}

// ClusterTag is the nested "cluster" object inside an Update's "tags" field.
type ClusterTag struct {
	ID       string  `json:"id"`
	Label    string  `json:"label"`
	Position int     `json:"position"`
	Score    float64 `json:"score"`
	IsHero   bool    `json:"is_hero"`
}

// Tags is the nested tag object an Update carries, matching the insights
// service's `tags.cluster.*` wire shape.
type Tags struct {
	Cluster ClusterTag `json:"cluster"`
}

// Update is one cluster-tagging write posted back per clustered image.
type Update struct {
	SourceImageID    string  `json:"source_image_id"`
	QualityScore     float64 `json:"quality_score"`
	ProcessorVersion string  `json:"processor_version"`
	Tags             Tags    `json:"tags"`
}

// Client talks to the insights service's /internal namespace.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	breaker    *breaker.CircuitBreaker
	log        *zap.Logger
	fanOut     int
}

// Config configures a Client.
type Config struct {
	BaseURL        string
	Token          string
	Timeout        time.Duration
	FanOut         int
	BreakerWindow  time.Duration
	BreakerCooloff time.Duration
	BreakerThresh  float64
	BreakerMinSamp int
}

// New builds a Client. The configured base URL is normalized to end with
// exactly one "/internal" suffix, the same rule the reference storage
// client applies.
func New(cfg Config, log *zap.Logger) *Client {
	fanOut := cfg.FanOut
	if fanOut <= 0 {
		fanOut = 8
	}
	return &Client{
		baseURL:    normalizeBaseURL(cfg.BaseURL),
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    breaker.New(cfg.BreakerWindow, cfg.BreakerCooloff, cfg.BreakerThresh, cfg.BreakerMinSamp),
		log:        log,
		fanOut:     fanOut,
	}
}

// normalizeBaseURL ensures the base URL ends with exactly one "/internal"
// segment, regardless of whether the caller already included it or left a
// trailing slash.
func normalizeBaseURL(base string) string {
	base = strings.TrimRight(base, "/")
	if strings.HasSuffix(base, "/internal") {
		return base
	}
	return base + "/internal"
}

func (c *Client) url(path string) string {
	return c.baseURL + "/" + strings.TrimLeft(path, "/")
}

// ListImagesWithEmbeddings fetches all embeddable image IDs for a subject.
// On any HTTP failure it logs and returns an empty list rather than an
// error, matching the reference client's "never throw" contract.
func (c *Client) ListImagesWithEmbeddings(ctx context.Context, subjectID string) []string {
	var body struct {
		ImageIDs []string `json:"image_ids"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("pets/%s/images-with-embeddings", subjectID), &body); err != nil {
		c.log.Error("fetch images with embeddings failed", obs.Err(err), obs.String("subject_id", subjectID))
		return nil
	}
	return body.ImageIDs
}

// FetchInsightsBatch fetches insight records for imageIDs concurrently,
// bounded to the client's fan-out limit, and omits any image whose fetch
// failed or whose record has no embedding.
func (c *Client) FetchInsightsBatch(ctx context.Context, imageIDs []string) ([]InsightRecord, error) {
	results := make([]*InsightRecord, len(imageIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.fanOut)

	for i, id := range imageIDs {
		i, id := i, id
		g.Go(func() error {
			rec, err := c.fetchInsight(gctx, id)
			if err != nil {
				c.log.Warn("fetch insight failed", obs.Err(err), obs.String("image_id", id))
				return nil
			}
			results[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %v", clustererr.ErrUpstreamUnavailable, err)
	}

	out := make([]InsightRecord, 0, len(imageIDs))
	for _, r := range results {
		if r != nil && r.HasEmbedding && len(r.Embedding) > 0 {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (c *Client) fetchInsight(ctx context.Context, imageID string) (*InsightRecord, error) {
	if !c.breaker.Allow() {
		return nil, fmt.Errorf("circuit open")
	}
	var rec InsightRecord
	err := c.getJSON(ctx, fmt.Sprintf("insights/%s", imageID), &rec)
	c.breaker.Record(err == nil)
	obs.CircuitBreakerState.Set(float64(c.breaker.State()))
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// PostInsightsBatch posts cluster tag updates concurrently, logging and
// omitting any individual failure rather than aborting the batch.
func (c *Client) PostInsightsBatch(ctx context.Context, updates []Update) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.fanOut)
	for _, u := range updates {
		u := u
		g.Go(func() error {
			if err := c.postJSON(gctx, "insights", u); err != nil {
				c.log.Error("store insight failed", obs.Err(err), obs.String("image_id", u.SourceImageID))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) postJSON(ctx context.Context, path string, body interface{}) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path), bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
