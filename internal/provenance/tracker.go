package provenance

import (
	"errors"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultTrackerSize = 4096

// Tracker keeps a bounded in-memory index of the most recent record per path,
// so long ingest runs can gate re-chunking without unbounded growth.
// Durable persistence of records stays with the caller.
type Tracker struct {
	cache *lru.Cache[string, Record]
}

func NewTracker(size int) (*Tracker, error) {
	if size <= 0 {
		size = defaultTrackerSize
	}
	cache, err := lru.New[string, Record](size)
	if err != nil {
		return nil, err
	}
	return &Tracker{cache: cache}, nil
}

// Lookup returns the remembered record for path, if any.
func (t *Tracker) Lookup(path string) (Record, bool) {
	if t == nil || t.cache == nil {
		return Record{}, false
	}
	return t.cache.Get(strings.TrimSpace(path))
}

// Check reports whether data differs from the remembered record for path.
// An unknown path is always changed.
func (t *Tracker) Check(path string, data []byte) bool {
	prev, ok := t.Lookup(path)
	if !ok {
		return true
	}
	return HasChangedBytes(data, prev.FileHash, prev.TextHash)
}

// Remember stores rec as the current record for its path.
func (t *Tracker) Remember(rec Record) error {
	if t == nil || t.cache == nil {
		return errors.New("tracker not initialized")
	}
	path := strings.TrimSpace(rec.Path)
	if path == "" {
		return errors.New("record missing path")
	}
	t.cache.Add(path, rec)
	return nil
}

// Forget drops the remembered record for path.
func (t *Tracker) Forget(path string) {
	if t == nil || t.cache == nil {
		return
	}
	t.cache.Remove(strings.TrimSpace(path))
}
