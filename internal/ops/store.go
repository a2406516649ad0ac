// store.go — Operation snapshot persistence.
// The store is a single JSON document replaced atomically on every write
// (write-tmp-then-rename). A malformed file is renamed aside and replaced
// with an empty store; losing history is preferable to refusing to start.
package ops

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/chatrelay/chatrelay/internal/metrics"
)

// storeDocument is the on-disk format.
type storeDocument struct {
	Operations map[string]Operation `json:"operations"`
	SavedAt    time.Time            `json:"savedAt"`
}

// Store owns the operation snapshot file. Only the Manager may touch it.
type Store struct {
	path string
	log  *zap.Logger
}

// NewStore creates a store rooted at path. The parent directory is created
// on the first save.
func NewStore(path string, log *zap.Logger) *Store {
	return &Store{path: path, log: log}
}

// Load reads the snapshot. An absent file yields an empty store without
// error. A malformed file is renamed aside with a warning and an empty
// store is returned.
func (s *Store) Load() (map[string]Operation, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]Operation{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading operation store: %w", err)
	}

	var doc storeDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		aside := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().Unix())
		s.log.Warn("operation store malformed, renaming aside",
			zap.String("path", s.path),
			zap.String("renamed_to", aside),
			zap.Error(err))
		if renameErr := os.Rename(s.path, aside); renameErr != nil {
			s.log.Warn("could not rename corrupt store", zap.Error(renameErr))
		}
		return map[string]Operation{}, nil
	}
	if doc.Operations == nil {
		doc.Operations = map[string]Operation{}
	}
	return doc.Operations, nil
}

// Save atomically replaces the snapshot with the given operation set.
func (s *Store) Save(operations map[string]Operation) error {
	doc := storeDocument{Operations: operations, SavedAt: time.Now()}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		metrics.StoreWritesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("marshaling operation store: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		metrics.StoreWritesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("creating store directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-")
	if err != nil {
		metrics.StoreWritesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("creating temp store file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		metrics.StoreWritesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("writing temp store file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		metrics.StoreWritesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("closing temp store file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		metrics.StoreWritesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("replacing operation store: %w", err)
	}
	metrics.StoreWritesTotal.WithLabelValues("ok").Inc()
	return nil
}
