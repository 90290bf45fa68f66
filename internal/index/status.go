package index

import (
	"time"

	"github.com/anurse/pkgsearch/internal/store"
)

// Status describes the index at a point in time.
type Status struct {
	// Path is the index location, empty for an in-memory index.
	Path string `json:"path"`
	// Documents is the number of indexed packages.
	Documents uint64 `json:"documents"`
	// Generation counts applied batches since the index was opened.
	Generation uint64 `json:"generation"`
	// Checkpoint is the last successful update; zero when never indexed.
	Checkpoint time.Time `json:"checkpoint"`
}

// NeverIndexed reports whether the next update is a full rebuild.
func (s *Status) NeverIndexed() bool {
	return s.Checkpoint.IsZero()
}

// ReadStatus collects the index status.
func ReadStatus(idx *store.PackageIndex, cp *store.Checkpoint) (*Status, error) {
	docs, err := idx.DocCount()
	if err != nil {
		return nil, err
	}
	checkpoint, err := cp.Read()
	if err != nil {
		return nil, err
	}
	return &Status{
		Path:       idx.Path(),
		Documents:  docs,
		Generation: idx.Generation(),
		Checkpoint: checkpoint,
	}, nil
}
