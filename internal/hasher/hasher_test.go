package hasher

import (
	"os"
	"path/filepath"
	"testing"
)

func TestHashFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.bin")
	content := []byte("hello photokeep")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write sample: %v", err)
	}

	res, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile failed: %v", err)
	}

	if res.Size != int64(len(content)) {
		t.Errorf("size = %d, want %d", res.Size, len(content))
	}
	if len(res.Hex) != 64 {
		t.Errorf("digest length = %d, want 64", len(res.Hex))
	}
	if res.Hex != HashBytes(content) {
		t.Error("HashFile and HashBytes disagree for identical content")
	}
}

func TestHashFile_Deterministic(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.jpg")
	b := filepath.Join(dir, "b.jpg")
	content := []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10}
	for _, p := range []string{a, b} {
		if err := os.WriteFile(p, content, 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	ra, err := HashFile(a)
	if err != nil {
		t.Fatalf("HashFile(a): %v", err)
	}
	rb, err := HashFile(b)
	if err != nil {
		t.Fatalf("HashFile(b): %v", err)
	}

	if ra.Hex != rb.Hex {
		t.Errorf("same bytes under different names hashed differently: %s vs %s", ra.Hex, rb.Hex)
	}
}

func TestHashFile_Missing(t *testing.T) {
	_, err := HashFile(filepath.Join(t.TempDir(), "nope.jpg"))
	if err == nil {
		t.Error("expected error for missing file")
	}
}
