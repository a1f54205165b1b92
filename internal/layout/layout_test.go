package layout

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/photokeep/photokeep/internal/hasher"
)

const testHash = "ab34ef0123456789ab34ef0123456789ab34ef0123456789ab34ef0123456789"

func TestPaths(t *testing.T) {
	l := New("/data/processed")
	date := time.Date(2023, 6, 15, 14, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"media", l.MediaPath(testHash, date, ".JPG"), "media/2023/06/" + testHash + ".jpg"},
		{"meta", l.MetaPath(testHash, date), "meta/2023/06/" + testHash + ".json"},
		{"face", l.FaceCropPath(testHash, 0, ".jpg"), "faces/ab/" + testHash + "_face_0.jpg"},
		{"thumb", l.ThumbPath(testHash, 256, ".png"), "thumbs/ab/" + testHash + "_256.png"},
	}

	for _, tt := range tests {
		if tt.got != filepath.FromSlash(tt.want) {
			t.Errorf("%s path = %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}

func TestNormalizeExt(t *testing.T) {
	tests := []struct{ in, want string }{
		{".JPG", ".jpg"},
		{"JPEG", ".jpeg"},
		{".png", ".png"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeExt(tt.in); got != tt.want {
			t.Errorf("NormalizeExt(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPlace(t *testing.T) {
	root := t.TempDir()
	source := filepath.Join(t.TempDir(), "IMG_0001.JPG")
	content := []byte("jpeg bytes")
	if err := os.WriteFile(source, content, 0o644); err != nil {
		t.Fatal(err)
	}

	l := New(root)
	rel := l.MediaPath(testHash, time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC), ".jpg")

	result, err := l.Place(source, rel)
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if !result.Copied {
		t.Error("first placement should copy")
	}

	placed, err := os.ReadFile(l.Abs(rel))
	if err != nil {
		t.Fatalf("read placed file: %v", err)
	}
	if string(placed) != string(content) {
		t.Error("placed content differs from source")
	}

	info, err := os.Stat(l.Abs(rel))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o644 {
		t.Errorf("file mode = %v, want 0644", info.Mode().Perm())
	}

	// Source is untouched.
	if _, err := os.Stat(source); err != nil {
		t.Errorf("source file missing after placement: %v", err)
	}
}

func TestPlace_ExistingIsNoOp(t *testing.T) {
	root := t.TempDir()
	source := filepath.Join(t.TempDir(), "a.jpg")
	if err := os.WriteFile(source, []byte("original"), 0o644); err != nil {
		t.Fatal(err)
	}

	l := New(root)
	rel := "media/2023/06/" + testHash + ".jpg"

	if _, err := l.Place(source, rel); err != nil {
		t.Fatal(err)
	}

	// Second placement from a different source must not overwrite.
	other := filepath.Join(t.TempDir(), "b.jpg")
	if err := os.WriteFile(other, []byte("different"), 0o644); err != nil {
		t.Fatal(err)
	}
	result, err := l.Place(other, rel)
	if err != nil {
		t.Fatalf("re-place: %v", err)
	}
	if result.Copied {
		t.Error("re-placement of existing target should be a no-op")
	}

	placed, _ := os.ReadFile(l.Abs(rel))
	if string(placed) != "original" {
		t.Error("re-placement overwrote existing file")
	}
}

func TestVerify(t *testing.T) {
	root := t.TempDir()
	l := New(root)

	content := []byte("verified bytes")
	rel := "media/2023/06/x.jpg"
	if err := l.WriteFile(rel, content); err != nil {
		t.Fatal(err)
	}

	if err := l.Verify(rel, hasher.HashBytes(content)); err != nil {
		t.Errorf("Verify with correct hash: %v", err)
	}
	if err := l.Verify(rel, "deadbeef"); err == nil {
		t.Error("Verify with wrong hash should fail")
	}
}

func TestWriteFile_NoPartialOnExisting(t *testing.T) {
	root := t.TempDir()
	l := New(root)

	if err := l.WriteFile("faces/ab/crop.jpg", []byte("one")); err != nil {
		t.Fatal(err)
	}
	if err := l.WriteFile("faces/ab/crop.jpg", []byte("two")); err != nil {
		t.Fatal(err)
	}

	got, _ := os.ReadFile(l.Abs("faces/ab/crop.jpg"))
	if string(got) != "two" {
		t.Errorf("content = %q, want %q", got, "two")
	}

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Join(root, "faces", "ab"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("leftover files in target dir: %d entries", len(entries))
	}
}

func TestRemove(t *testing.T) {
	root := t.TempDir()
	l := New(root)

	if err := l.WriteFile("media/2023/06/x.jpg", []byte("x")); err != nil {
		t.Fatal(err)
	}

	if err := l.Remove("media/2023/06/x.jpg", "media/2023/06/missing.jpg", ""); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(l.Abs("media/2023/06/x.jpg")); !os.IsNotExist(err) {
		t.Error("file not removed")
	}
}
