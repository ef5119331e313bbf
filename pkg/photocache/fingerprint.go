package photocache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Fingerprint returns the lowercase hex SHA-256 digest of data.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FingerprintFile hashes the file at path without loading it into memory.
func FingerprintFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Key derives the cache key for one image under one scoring setup.
// The key depends only on the image content fingerprint, the configuration
// fingerprint, and the model identifier. File names and paths play no part,
// so duplicates and renamed files resolve to the same entry, and changing
// the prompt or model invalidates every prior result.
func Key(contentFP, configFP, model string) string {
	h := sha256.New()
	io.WriteString(h, contentFP)
	io.WriteString(h, "|")
	io.WriteString(h, configFP)
	io.WriteString(h, "|")
	io.WriteString(h, model)
	return hex.EncodeToString(h.Sum(nil))
}
