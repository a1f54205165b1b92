// Package clusterer groups unassigned faces by embedding similarity so a
// reviewer can name whole clusters instead of single faces.
package clusterer

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/photokeep/photokeep/internal/config"
	"github.com/photokeep/photokeep/internal/database"
)

// Store is the persistence surface clustering needs.
type Store interface {
	ListUnassignedFaces(ctx context.Context) ([]database.DetectedFace, error)
	UpsertSimilarities(ctx context.Context, sims []database.FaceSimilarity) error
	ReplaceClusters(ctx context.Context, clusters []database.FaceCluster, members [][]database.ClusterMember) error
	ListPersons(ctx context.Context) ([]database.Person, error)
}

// Result summarizes one clustering run.
type Result struct {
	Faces          int
	CandidatePairs int
	Clusters       int
	Suggested      int // clusters that received a person suggestion
}

// Clusterer rebuilds the face clusters from scratch on every run. Given the
// same faces it produces the same grouping; only row identities differ.
type Clusterer struct {
	store          Store
	minSimilarity  float64
	minClusterSize int
	candidates     int
	algorithm      string
}

// New wires a clusterer from configuration.
func New(cfg config.ClusteringConfig, store Store) *Clusterer {
	return &Clusterer{
		store:          store,
		minSimilarity:  cfg.MinSimilarity,
		minClusterSize: cfg.MinClusterSize,
		candidates:     cfg.Candidates,
		algorithm:      cfg.Algorithm,
	}
}

// Run performs a full rebuild: candidate pairs via the in-memory nearest
// neighbor index (bounding the quadratic scan), exact cosine scoring,
// grouping, then a destructive replace of the stored clusters.
func (c *Clusterer) Run(ctx context.Context) (*Result, error) {
	faces, err := c.store.ListUnassignedFaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("load unassigned faces: %w", err)
	}

	// Stable input order regardless of query plan.
	sort.Slice(faces, func(i, j int) bool { return faces[i].ID < faces[j].ID })

	if len(faces) < 2 {
		// Still clear stale clusters so the stored state matches reality.
		if err := c.store.ReplaceClusters(ctx, nil, nil); err != nil {
			return nil, fmt.Errorf("clear clusters: %w", err)
		}
		return &Result{Faces: len(faces)}, nil
	}

	pairs := c.candidatePairs(faces)
	if len(pairs) > 0 {
		sims := make([]database.FaceSimilarity, 0, len(pairs))
		for pair, score := range pairs {
			sims = append(sims, database.FaceSimilarity{
				FaceA:  pair[0],
				FaceB:  pair[1],
				Score:  score,
				Method: c.algorithm,
			})
		}
		sort.Slice(sims, func(i, j int) bool {
			if sims[i].FaceA != sims[j].FaceA {
				return sims[i].FaceA < sims[j].FaceA
			}
			return sims[i].FaceB < sims[j].FaceB
		})
		if err := c.store.UpsertSimilarities(ctx, sims); err != nil {
			return nil, fmt.Errorf("store similarities: %w", err)
		}
	}

	groups := groupFaces(faces, pairs, c.minSimilarity)

	clusters, members, suggested, err := c.buildClusters(ctx, faces, groups)
	if err != nil {
		return nil, err
	}
	if err := c.store.ReplaceClusters(ctx, clusters, members); err != nil {
		return nil, fmt.Errorf("replace clusters: %w", err)
	}

	result := &Result{
		Faces:          len(faces),
		CandidatePairs: len(pairs),
		Clusters:       len(clusters),
		Suggested:      suggested,
	}
	logrus.WithFields(logrus.Fields{
		"faces":     result.Faces,
		"pairs":     result.CandidatePairs,
		"clusters":  result.Clusters,
		"suggested": result.Suggested,
	}).Info("face clustering finished")
	return result, nil
}

// candidatePairs finds likely-similar pairs through k-NN queries and scores
// them with exact cosine similarity. Keys are ordered (a < b).
func (c *Clusterer) candidatePairs(faces []database.DetectedFace) map[[2]int64]float64 {
	index := database.NewFaceIndex()
	index.Build(faces)

	byID := make(map[int64]*database.DetectedFace, len(faces))
	for i := range faces {
		byID[faces[i].ID] = &faces[i]
	}

	pairs := make(map[[2]int64]float64)
	for i := range faces {
		face := &faces[i]
		if len(face.Embedding) == 0 {
			continue
		}
		neighbors, err := index.Nearest(face.Embedding, c.candidates+1)
		if err != nil {
			continue
		}
		for _, n := range neighbors {
			if n.FaceID == face.ID {
				continue
			}
			other := byID[n.FaceID]
			if other == nil {
				continue
			}
			key := orderPair(face.ID, n.FaceID)
			if _, seen := pairs[key]; seen {
				continue
			}
			score := database.CosineSimilarity(face.Embedding, other.Embedding)
			if score >= c.minSimilarity {
				pairs[key] = score
			}
		}
	}
	return pairs
}

func orderPair(a, b int64) [2]int64 {
	if a < b {
		return [2]int64{a, b}
	}
	return [2]int64{b, a}
}

// groupFaces merges faces connected by an above-threshold pair. Roots are
// the smallest face id of each component, which keeps group identity stable
// across runs.
func groupFaces(faces []database.DetectedFace, pairs map[[2]int64]float64, minSimilarity float64) map[int64][]int64 {
	parent := make(map[int64]int64, len(faces))
	for _, f := range faces {
		parent[f.ID] = f.ID
	}

	var find func(int64) int64
	find = func(x int64) int64 {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	union := func(a, b int64) {
		ra, rb := find(a), find(b)
		if ra == rb {
			return
		}
		// Smaller id wins as root.
		if rb < ra {
			ra, rb = rb, ra
		}
		parent[rb] = ra
	}

	for pair, score := range pairs {
		if score >= minSimilarity {
			union(pair[0], pair[1])
		}
	}

	groups := make(map[int64][]int64)
	for _, f := range faces {
		root := find(f.ID)
		groups[root] = append(groups[root], f.ID)
	}
	for root, ids := range groups {
		if len(ids) < 2 {
			delete(groups, root) // singletons are not clusters
			continue
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}
	return groups
}

// buildClusters scores members, elects representatives and suggests persons
// for clusters large enough to act on.
func (c *Clusterer) buildClusters(ctx context.Context, faces []database.DetectedFace, groups map[int64][]int64) ([]database.FaceCluster, [][]database.ClusterMember, int, error) {
	byID := make(map[int64]*database.DetectedFace, len(faces))
	for i := range faces {
		byID[faces[i].ID] = &faces[i]
	}

	roots := make([]int64, 0, len(groups))
	for root := range groups {
		roots = append(roots, root)
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i] < roots[j] })

	var persons []database.Person
	if len(roots) > 0 {
		var err error
		persons, err = c.store.ListPersons(ctx)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("load persons: %w", err)
		}
	}

	var (
		clusters  []database.FaceCluster
		members   [][]database.ClusterMember
		suggested int
	)
	for _, root := range roots {
		ids := groups[root]

		fit := fitScores(ids, byID)
		repID, repFit := ids[0], -1.0
		var fitSum float64
		for _, id := range ids {
			fitSum += fit[id]
			if fit[id] > repFit {
				repID, repFit = id, fit[id]
			}
		}
		avg := fitSum / float64(len(ids))

		cluster := database.FaceCluster{
			ClusterUUID:          uuid.New().String(),
			MinSimilarity:        c.minSimilarity,
			Algorithm:            c.algorithm,
			MemberCount:          len(ids),
			AvgSimilarity:        avg,
			RepresentativeFaceID: &repID,
			NeedsReview:          true,
		}

		if len(ids) >= c.minClusterSize {
			if personID, confidence, ok := c.suggestPerson(ids, byID, persons); ok {
				cluster.SuggestedPersonID = &personID
				cluster.SuggestedConfidence = &confidence
				suggested++
			}
		}

		rows := make([]database.ClusterMember, len(ids))
		for i, id := range ids {
			rows[i] = database.ClusterMember{
				FaceID:           id,
				FitScore:         fit[id],
				IsRepresentative: id == repID,
			}
		}
		clusters = append(clusters, cluster)
		members = append(members, rows)
	}
	return clusters, members, suggested, nil
}

// fitScores computes each member's average similarity to the rest of its
// cluster.
func fitScores(ids []int64, byID map[int64]*database.DetectedFace) map[int64]float64 {
	fit := make(map[int64]float64, len(ids))
	for _, a := range ids {
		var sum float64
		for _, b := range ids {
			if a == b {
				continue
			}
			sum += database.CosineSimilarity(byID[a].Embedding, byID[b].Embedding)
		}
		fit[a] = sum / float64(len(ids)-1)
	}
	return fit
}

// suggestPerson compares the cluster centroid against the aggregate
// embeddings of known persons.
func (c *Clusterer) suggestPerson(ids []int64, byID map[int64]*database.DetectedFace, persons []database.Person) (int64, float64, bool) {
	centroid := centroidOf(ids, byID)
	if centroid == nil {
		return 0, 0, false
	}

	bestID, bestScore := int64(0), c.minSimilarity
	for _, person := range persons {
		if len(person.AggregateEmbedding) == 0 {
			continue
		}
		score := database.CosineSimilarity(centroid, person.AggregateEmbedding)
		if score >= bestScore {
			bestID, bestScore = person.ID, score
		}
	}
	if bestID == 0 {
		return 0, 0, false
	}
	return bestID, bestScore, true
}

func centroidOf(ids []int64, byID map[int64]*database.DetectedFace) []float32 {
	var centroid []float32
	count := 0
	for _, id := range ids {
		emb := byID[id].Embedding
		if len(emb) == 0 {
			continue
		}
		if centroid == nil {
			centroid = make([]float32, len(emb))
		}
		if len(emb) != len(centroid) {
			continue
		}
		for i, v := range emb {
			centroid[i] += v
		}
		count++
	}
	if count == 0 {
		return nil
	}
	for i := range centroid {
		centroid[i] /= float32(count)
	}
	return centroid
}
