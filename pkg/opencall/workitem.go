// Package opencall runs a batch of photographs through a scoring analyzer
// under adaptive admission control. For every image it consults the
// content-addressed cache first, only spends a concurrency slot on real
// analyzer calls, checkpoints completed work so interrupted runs resume
// where they stopped, and reports per-item outcomes without letting one
// bad image abort the batch.
package opencall

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/darthpelo/photo-open-call-analyzer-sub004/pkg/photocache"
)

// WorkItem is one image queued for scoring, bound to the configuration
// and model it will be scored under. Items are immutable once built.
type WorkItem struct {
	Path      string // path to the image file
	ContentFP string // SHA-256 of the image bytes
	ConfigFP  string // SHA-256 of the scoring configuration
	Model     string // model identifier, e.g. "llava:13b"
}

// NewWorkItem fingerprints the file at path and binds it to a scoring
// setup. The file is hashed once here; the engine rereads the bytes only
// when the item actually needs computing.
func NewWorkItem(path, configFP, model string) (WorkItem, error) {
	fp, err := photocache.FingerprintFile(path)
	if err != nil {
		return WorkItem{}, fmt.Errorf("failed to fingerprint %s: %w", path, err)
	}
	return WorkItem{
		Path:      path,
		ContentFP: fp,
		ConfigFP:  configFP,
		Model:     model,
	}, nil
}

// NewWorkItems builds items for every path, preserving order.
func NewWorkItems(paths []string, configFP, model string) ([]WorkItem, error) {
	items := make([]WorkItem, 0, len(paths))
	for _, p := range paths {
		item, err := NewWorkItem(p, configFP, model)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// Key returns the cache and checkpoint key for this item. Two items with
// the same content, configuration, and model share a key no matter what
// their files are named.
func (w WorkItem) Key() string {
	return photocache.Key(w.ContentFP, w.ConfigFP, w.Model)
}

// imageExtensions lists the file types the directory scan picks up.
var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
	".webp": true,
}

// ListImages returns the image files directly inside dir in name order.
// Subdirectories are not descended into; a submission folder is flat.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	// os.ReadDir returns entries sorted by name, which fixes the
	// enumeration order for the whole run.
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	return paths, nil
}
