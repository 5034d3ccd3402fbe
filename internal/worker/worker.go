// Copyright 2025 James Ross
// Package worker implements the consumer loop: read a job off the stream,
// resolve the subject's embeddable images, cluster them, persist the
// result, tag the source images, and ack. Failures are classified by
// clustererr sentinel and either dropped, retried, or dead-lettered.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sploot/media-clustering/internal/clustererr"
	"github.com/sploot/media-clustering/internal/clustering"
	"github.com/sploot/media-clustering/internal/config"
	"github.com/sploot/media-clustering/internal/insights"
	"github.com/sploot/media-clustering/internal/obs"
	"github.com/sploot/media-clustering/internal/queue"
	"github.com/sploot/media-clustering/internal/statestore"
	"github.com/sploot/media-clustering/internal/streamqueue"
)

// Clock is injected so tests can control timestamps; production code uses
// time.Now.
type Clock func() time.Time

// Worker owns one logical consumer identity against the shared stream and
// consumer group. Scale-out happens by running more processes sharing the
// same consumer group, not more goroutines inside one process, so each
// process's pending entries stay attributable to one consumer name.
type Worker struct {
	cfg      *config.Config
	queue    *streamqueue.Queue
	store    *statestore.Store
	insights *insights.Client
	log      *zap.Logger
	clock    Clock
}

// New builds a Worker from its already-constructed dependencies.
func New(cfg *config.Config, q *streamqueue.Queue, store *statestore.Store, insightsClient *insights.Client, log *zap.Logger) *Worker {
	return &Worker{cfg: cfg, queue: q, store: store, insights: insightsClient, log: log, clock: time.Now}
}

// Run blocks, consuming entries until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("ensure consumer group: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		entries, err := w.queue.ReadGroup(ctx, w.cfg.Stream.ConsumerName, w.cfg.Stream.ReadCount, w.cfg.Stream.ReadTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Error("read group failed", obs.Err(err))
			w.refreshStreamGauges(ctx)
			continue
		}

		for _, e := range entries {
			w.handleEntry(ctx, e)
		}
		w.refreshStreamGauges(ctx)
	}
}

func (w *Worker) refreshStreamGauges(ctx context.Context) {
	obs.PendingJobs.Set(float64(w.queue.PendingSummary(ctx)))
	obs.StreamLagSeconds.Set(w.queue.OldestPendingAge(ctx).Seconds())
}

func (w *Worker) handleEntry(ctx context.Context, e streamqueue.Entry) {
	start := w.clock()
	if e.Envelope.SubjectID == "" {
		w.log.Error("invalid job payload", obs.String("entry_id", e.ID))
		if err := w.queue.Ack(ctx, e.ID); err != nil {
			w.log.Error("ack invalid entry failed", obs.Err(err))
		}
		obs.JobsProcessed.WithLabelValues("invalid").Inc()
		return
	}

	result := w.process(ctx, e.Envelope)

	switch {
	case result == nil:
		if err := w.queue.Ack(ctx, e.ID); err != nil {
			w.log.Error("ack success failed", obs.Err(err))
		}
		obs.JobsProcessed.WithLabelValues("success").Inc()

	case errors.Is(result, clustererr.ErrEmptyEmbeddings):
		// Recommended resolution: ack and count as skipped rather than
		// retry forever on a subject with no usable embeddings yet.
		if err := w.queue.Ack(ctx, e.ID); err != nil {
			w.log.Error("ack skipped failed", obs.Err(err))
		}
		w.log.Warn("no embeddings found for any images", obs.String("subject_id", e.Envelope.SubjectID))
		obs.JobsProcessed.WithLabelValues("skipped").Inc()

	default:
		obs.JobsProcessed.WithLabelValues("failure").Inc()
		w.retryOrDeadLetter(ctx, e, result)
	}
	obs.JobProcessingSeconds.Observe(w.clock().Sub(start).Seconds())
}

// process runs one job to completion, returning nil on success or a
// clustererr-classified error on failure. Both "no images at all" and
// "images exist but none have usable embeddings" resolve to
// ErrEmptyEmbeddings: ack + skipped, per the recommended resolution of the
// reference worker's ambiguous unacked-return case.
func (w *Worker) process(ctx context.Context, env queue.JobEnvelope) error {
	w.log.Info("processing cluster job", obs.String("subject_id", env.SubjectID), obs.String("job_id", env.JobID))

	imageIDs := w.insights.ListImagesWithEmbeddings(ctx, env.SubjectID)
	if len(imageIDs) == 0 {
		w.log.Warn("no images with embeddings found for subject", obs.String("subject_id", env.SubjectID))
		return clustererr.ErrEmptyEmbeddings
	}

	records, err := w.insights.FetchInsightsBatch(ctx, imageIDs)
	if err != nil {
		return fmt.Errorf("fetch insights batch: %w", clustererr.ErrUpstreamUnavailable)
	}
	if len(records) == 0 {
		return clustererr.ErrEmptyEmbeddings
	}

	validIDs := make([]string, len(records))
	embeddings := make([][]float64, len(records))
	for i, r := range records {
		validIDs[i] = r.SourceImageID
		embeddings[i] = r.Embedding
	}

	params := clustering.Params{
		Eps:            w.cfg.Clustering.Eps,
		IdentityEps:    w.cfg.Clustering.IdentityEps,
		MinSamples:     w.cfg.Clustering.MinSamples,
		MaxClusterSize: w.cfg.Clustering.MaxClusterSize,
	}
	clusters, err := clustering.Cluster(validIDs, embeddings, clustering.ModeIdentity, params)
	if err != nil {
		return fmt.Errorf("%w: %v", clustererr.ErrClusteringFailure, err)
	}

	state := statestore.FromClusters(env.SubjectID, clusters, len(imageIDs), w.clock())
	if err := w.store.Put(ctx, state); err != nil {
		return fmt.Errorf("%w: %v", clustererr.ErrPersistFailure, err)
	}

	updates := make([]insights.Update, 0)
	for _, c := range clusters {
		clusterID := fmt.Sprintf("%s-cluster-%d", env.SubjectID, c.RawLabel)
		for _, m := range c.Members {
			updates = append(updates, insights.Update{
				SourceImageID:    m.ImageID,
				QualityScore:     m.Score,
				ProcessorVersion: w.cfg.Insights.ProcessorVersion,
				Tags: insights.Tags{
					Cluster: insights.ClusterTag{
						ID:       clusterID,
						Label:    c.Label,
						Position: m.Position,
						Score:    m.Score,
						IsHero:   m.ImageID == c.HeroImageID,
					},
				},
			})
		}
	}
	if len(updates) > 0 {
		// Non-fatal: a failed tag write never blocks acking the job,
		// matching the upstream reference's "log and move on" contract.
		w.insights.PostInsightsBatch(ctx, updates)
	}

	w.log.Info("cluster state updated",
		obs.String("subject_id", env.SubjectID),
		obs.Int("num_clusters", len(clusters)),
		obs.Int("num_images", len(imageIDs)))
	return nil
}

func (w *Worker) retryOrDeadLetter(ctx context.Context, e streamqueue.Entry, cause error) {
	next := e.Envelope.WithAttempt()

	if err := w.queue.Ack(ctx, e.ID); err != nil {
		w.log.Error("ack before retry/dead-letter failed", obs.Err(err))
	}

	if next.Attempts >= w.cfg.Worker.MaxAttempts {
		w.log.Error("job moved to dead-letter stream",
			obs.String("subject_id", next.SubjectID),
			obs.String("job_id", next.JobID),
			obs.Int("attempts", next.Attempts))
		if err := w.queue.DeadLetterPublish(ctx, next, cause.Error()); err != nil {
			w.log.Error("dead letter publish failed", obs.Err(err))
		}
		obs.JobsProcessed.WithLabelValues("dead_letter").Inc()
		return
	}

	w.log.Warn("retrying job",
		obs.String("subject_id", next.SubjectID),
		obs.String("job_id", next.JobID),
		obs.Int("attempts", next.Attempts))
	if _, err := w.queue.Publish(ctx, next); err != nil {
		w.log.Error("republish for retry failed", obs.Err(err))
	}
	obs.JobsProcessed.WithLabelValues("retry").Inc()
}
