// Package hasher computes content digests of source files. The digest is the
// basis for deduplication and for the hash-addressed processed layout.
package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Result holds the digest and byte size of a hashed file.
type Result struct {
	Hex  string // lowercase hex SHA-256
	Size int64
}

// HashFile streams the file through SHA-256. Memory use is bounded
// irrespective of file size.
func HashFile(path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	return &Result{
		Hex:  hex.EncodeToString(h.Sum(nil)),
		Size: n,
	}, nil
}

// HashBytes digests an in-memory buffer. Used to verify placed copies.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
