package clusterer

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/photokeep/photokeep/internal/config"
	"github.com/photokeep/photokeep/internal/database"
)

type fakeStore struct {
	mu       sync.Mutex
	faces    []database.DetectedFace
	persons  []database.Person
	sims     []database.FaceSimilarity
	clusters []database.FaceCluster
	members  [][]database.ClusterMember
	replaced int
}

func (s *fakeStore) ListUnassignedFaces(context.Context) ([]database.DetectedFace, error) {
	out := make([]database.DetectedFace, len(s.faces))
	copy(out, s.faces)
	return out, nil
}

func (s *fakeStore) UpsertSimilarities(_ context.Context, sims []database.FaceSimilarity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sims = sims
	return nil
}

func (s *fakeStore) ReplaceClusters(_ context.Context, clusters []database.FaceCluster, members [][]database.ClusterMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaced++
	s.clusters = clusters
	s.members = members
	return nil
}

func (s *fakeStore) ListPersons(context.Context) ([]database.Person, error) {
	return s.persons, nil
}

// embedding returns a unit-direction vector near the given axis with a
// small per-face perturbation, so same-axis faces are highly similar and
// cross-axis faces are nearly orthogonal.
func embedding(axis int, perturbation float32) []float32 {
	v := make([]float32, 8)
	v[axis] = 1
	v[(axis+1)%8] = perturbation
	return v
}

func testClusterConfig() config.ClusteringConfig {
	return config.ClusteringConfig{
		MinSimilarity:  0.7,
		Algorithm:      "embedding_distance",
		MinClusterSize: 3,
		Candidates:     20,
	}
}

func facesOnAxes(countA, countB int) []database.DetectedFace {
	var faces []database.DetectedFace
	id := int64(0)
	for i := range countA {
		id++
		faces = append(faces, database.DetectedFace{ID: id, Embedding: embedding(0, float32(i)*0.01)})
	}
	for i := range countB {
		id++
		faces = append(faces, database.DetectedFace{ID: id, Embedding: embedding(4, float32(i)*0.01)})
	}
	return faces
}

func TestRun_GroupsSimilarFaces(t *testing.T) {
	store := &fakeStore{faces: facesOnAxes(5, 4)}
	// One outlier pointing somewhere else entirely.
	store.faces = append(store.faces, database.DetectedFace{ID: 100, Embedding: embedding(7, 0)})

	c := New(testClusterConfig(), store)
	result, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 10, result.Faces)
	require.Equal(t, 2, result.Clusters)
	require.Len(t, store.members, 2)

	sizes := []int{len(store.members[0]), len(store.members[1])}
	assert.ElementsMatch(t, []int{5, 4}, sizes)

	for i, cluster := range store.clusters {
		assert.True(t, cluster.NeedsReview)
		assert.Equal(t, "embedding_distance", cluster.Algorithm)
		assert.Equal(t, len(store.members[i]), cluster.MemberCount)
		require.NotNil(t, cluster.RepresentativeFaceID)
		assert.NotEmpty(t, cluster.ClusterUUID)

		reps := 0
		for _, m := range store.members[i] {
			assert.GreaterOrEqual(t, m.FitScore, 0.7)
			if m.IsRepresentative {
				reps++
				assert.Equal(t, *cluster.RepresentativeFaceID, m.FaceID)
			}
		}
		assert.Equal(t, 1, reps)
	}
}

func TestRun_StoresOrderedSimilarities(t *testing.T) {
	store := &fakeStore{faces: facesOnAxes(3, 0)}

	_, err := New(testClusterConfig(), store).Run(context.Background())
	require.NoError(t, err)

	require.NotEmpty(t, store.sims)
	for _, sim := range store.sims {
		assert.Less(t, sim.FaceA, sim.FaceB, "pairs must be ordered")
		assert.GreaterOrEqual(t, sim.Score, 0.7)
		assert.Equal(t, "embedding_distance", sim.Method)
	}
}

func TestRun_SuggestsKnownPerson(t *testing.T) {
	store := &fakeStore{
		faces: facesOnAxes(4, 0),
		persons: []database.Person{
			{ID: 3, Name: "Alice", AggregateEmbedding: embedding(0, 0.02)},
			{ID: 9, Name: "Bob", AggregateEmbedding: embedding(4, 0)},
		},
	}

	result, err := New(testClusterConfig(), store).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Suggested)

	require.Len(t, store.clusters, 1)
	cluster := store.clusters[0]
	require.NotNil(t, cluster.SuggestedPersonID)
	assert.Equal(t, int64(3), *cluster.SuggestedPersonID)
	require.NotNil(t, cluster.SuggestedConfidence)
	assert.GreaterOrEqual(t, *cluster.SuggestedConfidence, 0.7)
}

func TestRun_SmallClusterGetsNoSuggestion(t *testing.T) {
	store := &fakeStore{
		faces: facesOnAxes(2, 0), // below MinClusterSize
		persons: []database.Person{
			{ID: 3, Name: "Alice", AggregateEmbedding: embedding(0, 0.02)},
		},
	}

	result, err := New(testClusterConfig(), store).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Suggested)
	require.Len(t, store.clusters, 1)
	assert.Nil(t, store.clusters[0].SuggestedPersonID)
}

func TestRun_RepeatedRunsProduceSameGrouping(t *testing.T) {
	store := &fakeStore{faces: facesOnAxes(6, 5)}
	c := New(testClusterConfig(), store)

	_, err := c.Run(context.Background())
	require.NoError(t, err)
	first := memberIDs(store.members)

	_, err = c.Run(context.Background())
	require.NoError(t, err)
	second := memberIDs(store.members)

	assert.Equal(t, first, second)
	assert.Equal(t, 2, store.replaced)
}

func TestRun_NoFacesClearsClusters(t *testing.T) {
	store := &fakeStore{}
	result, err := New(testClusterConfig(), store).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, result.Clusters)
	assert.Equal(t, 1, store.replaced, "stale clusters must still be cleared")
	assert.Nil(t, store.clusters)
}

func memberIDs(members [][]database.ClusterMember) [][]int64 {
	out := make([][]int64, len(members))
	for i, rows := range members {
		ids := make([]int64, len(rows))
		for j, m := range rows {
			ids[j] = m.FaceID
		}
		out[i] = ids
	}
	return out
}
