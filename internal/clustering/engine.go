// Copyright 2025 James Ross
// Package clustering implements the pure, I/O-free density-based clustering
// algorithm described in the clustering engine component: given unit-norm
// embedding vectors, it groups visually-similar images, picks a hero per
// group, and scores members by cosine similarity to the group's centroid.
//
// There is no DBSCAN implementation among this codebase's dependencies, so
// this package ports the reference algorithm (a precomputed cosine-distance
// matrix fed through a DBSCAN-equivalent pass) directly against the standard
// library. See DESIGN.md for why no third-party clustering library was
// substituted.
package clustering

import (
	"fmt"
	"sort"
)

// Mode selects the epsilon and label table used for a clustering run.
type Mode string

const (
	// ModeIdentity uses a tighter epsilon intended to separate distinct
	// individuals of the same species.
	ModeIdentity Mode = "identity"
	// ModePose uses the general epsilon intended to group poses of the
	// same individual.
	ModePose Mode = "pose"
)

// Params bundles the tunable knobs for a clustering run.
type Params struct {
	Eps            float64
	IdentityEps    float64
	MinSamples     int
	MaxClusterSize int
}

// Member is a single ranked image within a Cluster.
type Member struct {
	ImageID      string
	Score        float64
	Position     int
	QualityScore float64
}

// Cluster is one visually-coherent group of images.
type Cluster struct {
	// RawLabel is the DBSCAN cluster label (>= 0); callers compose the
	// public cluster ID as "{subject_id}-cluster-{RawLabel}".
	RawLabel     int
	Label        string
	HeroImageID  string
	Members      []Member
	QualityScore float64
}

// InvalidInputError reports a caller precondition violation (len(imageIDs) != len(embeddings)).
type InvalidInputError struct {
	NumIDs        int
	NumEmbeddings int
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid input: %d image ids but %d embeddings", e.NumIDs, e.NumEmbeddings)
}

var identityLabels = []string{"Pet A", "Pet B", "Pet C", "Pet D", "Pet E"}
var poseLabels = []string{"Portraits", "Action Shots", "Close-ups", "Outdoor Scenes", "Group Photos"}

func labelFor(mode Mode, rawLabel int) string {
	if mode == ModeIdentity {
		if rawLabel >= 0 && rawLabel < len(identityLabels) {
			return identityLabels[rawLabel]
		}
		return fmt.Sprintf("Pet %c", rune('A'+rawLabel))
	}
	idx := rawLabel % len(poseLabels)
	if idx < 0 {
		idx += len(poseLabels)
	}
	return poseLabels[idx]
}

// Cluster groups imageIDs by cosine similarity of their (assumed unit-norm)
// embeddings. Returns the empty list, never an error, when there are fewer
// points than min_samples.
func Cluster(imageIDs []string, embeddings [][]float64, mode Mode, p Params) ([]Cluster, error) {
	if len(imageIDs) != len(embeddings) {
		return nil, &InvalidInputError{NumIDs: len(imageIDs), NumEmbeddings: len(embeddings)}
	}
	n := len(imageIDs)
	if n < p.MinSamples {
		return []Cluster{}, nil
	}

	eps := p.Eps
	if mode == ModeIdentity {
		eps = p.IdentityEps
	}

	dist := cosineDistanceMatrix(embeddings)
	labels := dbscan(dist, eps, p.MinSamples)

	// Group point indices by label, preserving input order within each group.
	byLabel := map[int][]int{}
	order := []int{}
	for i, l := range labels {
		if l == -1 {
			continue
		}
		if _, ok := byLabel[l]; !ok {
			order = append(order, l)
		}
		byLabel[l] = append(byLabel[l], i)
	}

	clusters := make([]Cluster, 0, len(order))
	for _, rawLabel := range order {
		idxs := byLabel[rawLabel]
		centroid := renormalizedCentroid(embeddings, idxs)

		type scored struct {
			idx   int
			score float64
		}
		scoredMembers := make([]scored, len(idxs))
		for i, idx := range idxs {
			scoredMembers[i] = scored{idx: idx, score: dot(embeddings[idx], centroid)}
		}
		// Descending score; ties broken by ascending original input index.
		sort.SliceStable(scoredMembers, func(a, b int) bool {
			if scoredMembers[a].score != scoredMembers[b].score {
				return scoredMembers[a].score > scoredMembers[b].score
			}
			return scoredMembers[a].idx < scoredMembers[b].idx
		})

		if p.MaxClusterSize > 0 && len(scoredMembers) > p.MaxClusterSize {
			scoredMembers = scoredMembers[:p.MaxClusterSize]
		}

		members := make([]Member, len(scoredMembers))
		sum := 0.0
		for pos, sm := range scoredMembers {
			members[pos] = Member{
				ImageID:      imageIDs[sm.idx],
				Score:        sm.score,
				Position:     pos,
				QualityScore: sm.score,
			}
			sum += sm.score
		}
		quality := 0.0
		if len(members) > 0 {
			quality = sum / float64(len(members))
		}

		clusters = append(clusters, Cluster{
			RawLabel:     rawLabel,
			Label:        labelFor(mode, rawLabel),
			HeroImageID:  members[0].ImageID,
			Members:      members,
			QualityScore: quality,
		})
	}

	return clusters, nil
}

func dot(a, b []float64) float64 {
	s := 0.0
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func norm(v []float64) float64 {
	s := 0.0
	for _, x := range v {
		s += x * x
	}
	if s <= 0 {
		return 0
	}
	return sqrt(s)
}

func sqrt(x float64) float64 {
	// Newton's method avoids pulling in math just for Sqrt's single call site;
	// kept trivial and exact enough for cosine-similarity scoring.
	if x == 0 {
		return 0
	}
	z := x
	for i := 0; i < 40; i++ {
		z -= (z*z - x) / (2 * z)
	}
	return z
}

// renormalizedCentroid computes the arithmetic mean of the member vectors at
// idxs, then renormalizes it to unit length. Vectors entering the engine are
// assumed unit-norm but the centroid is always renormalized before scoring.
func renormalizedCentroid(embeddings [][]float64, idxs []int) []float64 {
	d := len(embeddings[0])
	c := make([]float64, d)
	for _, idx := range idxs {
		v := embeddings[idx]
		for j := 0; j < d; j++ {
			c[j] += v[j]
		}
	}
	n := float64(len(idxs))
	for j := 0; j < d; j++ {
		c[j] /= n
	}
	mag := norm(c)
	if mag > 0 {
		for j := 0; j < d; j++ {
			c[j] /= mag
		}
	}
	return c
}

// cosineDistanceMatrix computes the full N×N cosine-distance matrix,
// distance(u,v) = 1 - (u . v), in double precision.
func cosineDistanceMatrix(embeddings [][]float64) [][]float64 {
	n := len(embeddings)
	d := make([][]float64, n)
	for i := range d {
		d[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		d[i][i] = 0
		for j := i + 1; j < n; j++ {
			dist := 1 - dot(embeddings[i], embeddings[j])
			d[i][j] = dist
			d[j][i] = dist
		}
	}
	return d
}

// dbscan runs a textbook DBSCAN pass over a precomputed distance matrix.
// Labels are 0-based cluster IDs assigned in the order clusters are
// discovered; noise points get label -1.
func dbscan(dist [][]float64, eps float64, minSamples int) []int {
	n := len(dist)
	const unvisited = -2
	const noise = -1
	labels := make([]int, n)
	for i := range labels {
		labels[i] = unvisited
	}

	regionQuery := func(i int) []int {
		neighbors := make([]int, 0)
		for j := 0; j < n; j++ {
			if dist[i][j] <= eps {
				neighbors = append(neighbors, j)
			}
		}
		return neighbors
	}

	nextLabel := 0
	for i := 0; i < n; i++ {
		if labels[i] != unvisited {
			continue
		}
		neighbors := regionQuery(i)
		if len(neighbors) < minSamples {
			labels[i] = noise
			continue
		}

		label := nextLabel
		nextLabel++
		labels[i] = label

		seeds := append([]int{}, neighbors...)
		for k := 0; k < len(seeds); k++ {
			q := seeds[k]
			if labels[q] == noise {
				labels[q] = label
			}
			if labels[q] != unvisited {
				continue
			}
			labels[q] = label
			qNeighbors := regionQuery(q)
			if len(qNeighbors) >= minSamples {
				seeds = append(seeds, qNeighbors...)
			}
		}
	}

	return labels
}
