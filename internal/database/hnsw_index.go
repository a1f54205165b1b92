package database

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/coder/hnsw"
)

// hnswMaxNeighbors is the M parameter of the graph.
const hnswMaxNeighbors = 16

// FaceIndex is an in-memory approximate nearest-neighbor index over face
// embeddings, used to bound the candidate set of the pairwise clustering
// scan. Safe for concurrent use.
type FaceIndex struct {
	mu         sync.RWMutex
	graph      *hnsw.Graph[int64]
	savedGraph *hnsw.SavedGraph[int64] // set when restored from disk
	idToFace   map[int64]*DetectedFace
}

// NewFaceIndex returns an empty index.
func NewFaceIndex() *FaceIndex {
	return &FaceIndex{idToFace: make(map[int64]*DetectedFace)}
}

func newFaceGraph() *hnsw.Graph[int64] {
	g := hnsw.NewGraph[int64]()
	g.M = hnswMaxNeighbors
	g.Ml = 1.0 / float64(hnswMaxNeighbors)
	g.Distance = hnsw.CosineDistance
	return g
}

// Build replaces the index contents with the given faces. Faces without an
// embedding are skipped.
func (f *FaceIndex) Build(faces []DetectedFace) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.savedGraph = nil
	if len(faces) == 0 {
		f.graph = nil
		f.idToFace = make(map[int64]*DetectedFace)
		return
	}

	g := newFaceGraph()
	f.idToFace = make(map[int64]*DetectedFace, len(faces))
	for i := range faces {
		face := &faces[i]
		if len(face.Embedding) == 0 {
			continue
		}
		g.Add(hnsw.MakeNode(face.ID, face.Embedding))
		f.idToFace[face.ID] = face
	}
	f.graph = g
}

// Add inserts one face. A restored index falls back to a fresh graph on
// first insert.
func (f *FaceIndex) Add(face *DetectedFace) {
	if len(face.Embedding) == 0 {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.graph == nil {
		f.graph = newFaceGraph()
		f.savedGraph = nil
	}
	f.graph.Add(hnsw.MakeNode(face.ID, face.Embedding))
	f.idToFace[face.ID] = face
}

// Remove drops a face from lookup. The underlying graph keeps the node but
// callers never see it again since results are filtered through the map.
func (f *FaceIndex) Remove(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.idToFace, id)
}

// Neighbor is one k-NN result.
type Neighbor struct {
	FaceID     int64
	Similarity float64
}

// Nearest returns up to k faces nearest to the query embedding, most
// similar first. Removed faces are filtered out.
func (f *FaceIndex) Nearest(query []float32, k int) ([]Neighbor, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.graph == nil && f.savedGraph == nil {
		return nil, errors.New("face index is empty")
	}

	var nodes []hnsw.Node[int64]
	if f.savedGraph != nil {
		nodes = f.savedGraph.Search(query, k)
	} else {
		nodes = f.graph.Search(query, k)
	}

	out := make([]Neighbor, 0, len(nodes))
	for _, n := range nodes {
		if _, ok := f.idToFace[n.Key]; !ok {
			continue
		}
		out = append(out, Neighbor{
			FaceID:     n.Key,
			Similarity: CosineSimilarity(query, n.Value),
		})
	}
	return out, nil
}

// Face returns the indexed face for an id, or nil.
func (f *FaceIndex) Face(id int64) *DetectedFace {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.idToFace[id]
}

// Count returns the number of searchable faces.
func (f *FaceIndex) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.idToFace)
}

// Save exports the graph to path so a restart can skip the rebuild.
func (f *FaceIndex) Save(path string) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.graph == nil {
		_ = os.Remove(path)
		return nil
	}

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	defer out.Close()

	if err := f.graph.Export(out); err != nil {
		return fmt.Errorf("export face index: %w", err)
	}
	return nil
}

// LoadFaceIndex restores a saved graph from path and rebuilds the lookup
// map from repository rows. A missing file builds the index from scratch.
func LoadFaceIndex(path string, faces []DetectedFace) (*FaceIndex, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		idx := NewFaceIndex()
		idx.Build(faces)
		return idx, nil
	}

	saved, err := hnsw.LoadSavedGraph[int64](path)
	if err != nil {
		return nil, fmt.Errorf("load face index: %w", err)
	}

	idx := &FaceIndex{
		savedGraph: saved,
		idToFace:   make(map[int64]*DetectedFace, len(faces)),
	}
	for i := range faces {
		idx.idToFace[faces[i].ID] = &faces[i]
	}
	return idx, nil
}
