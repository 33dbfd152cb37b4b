// Package digest computes SHA-256 checksums of rendered content.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// chunkSize is the read buffer used when streaming content into the hasher.
const chunkSize = 512

// Hash returns the hex encoded SHA-256 digest of b.
func Hash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashString returns the hex encoded SHA-256 digest of s.
func HashString(s string) string {
	return Hash([]byte(s))
}

// HashReader streams r in fixed-size chunks and returns its hex encoded
// SHA-256 digest.
func HashReader(r io.Reader) (string, error) {
	h := sha256.New()
	buf := make([]byte, chunkSize)
	// Hide any WriterTo (such as *os.File) so reads go through buf.
	if _, err := io.CopyBuffer(h, struct{ io.Reader }{r}, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashFile computes the SHA-256 hash of a file without buffering it fully.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()

	sum, err := HashReader(f)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return sum, nil
}
