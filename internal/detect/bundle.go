package detect

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Manifest describes the model bundle served by the inference server.
type Manifest struct {
	Name      string   `json:"name"`
	Version   string   `json:"version"`
	InputEdge int      `json:"inputEdge"`
	Labels    []string `json:"labels"`
}

// defaultManifest is used when no bundle directory is configured; the
// inference server ships the same model.
var defaultManifest = Manifest{
	Name:      "yolo-coco",
	Version:   "builtin",
	InputEdge: 640,
}

// Bundle is a local model bundle directory holding manifest.json next to
// the weights the inference server loads.
type Bundle struct {
	Dir      string
	Manifest Manifest
}

// Load reads the manifest, falling back to defaults when no directory is
// configured.
func (b *Bundle) Load() error {
	if b.Dir == "" {
		b.Manifest = defaultManifest
		return nil
	}

	data, err := os.ReadFile(filepath.Join(b.Dir, "manifest.json"))
	if err != nil {
		return fmt.Errorf("read model manifest: %w", err)
	}
	if err := json.Unmarshal(data, &b.Manifest); err != nil {
		return fmt.Errorf("parse model manifest: %w", err)
	}
	if b.Manifest.InputEdge <= 0 {
		b.Manifest.InputEdge = defaultManifest.InputEdge
	}
	if b.Manifest.Name == "" {
		return fmt.Errorf("model manifest in %s has no name", b.Dir)
	}
	return nil
}

// HasLabel reports whether the bundle's label set contains the class. An
// empty label list accepts everything.
func (b *Bundle) HasLabel(label string) bool {
	if len(b.Manifest.Labels) == 0 {
		return true
	}
	for _, l := range b.Manifest.Labels {
		if l == label {
			return true
		}
	}
	return false
}
