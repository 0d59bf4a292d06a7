// Package partition splits a listing snapshot into ordered work units.
package partition

import (
	"objmover/internal/storage"
)

// Batch is an ordered, bounded group of artifacts assigned to one scheduling
// slot. Batches are immutable once formed; an artifact belongs to exactly one
// batch per run.
type Batch struct {
	Seq       int
	Artifacts []storage.ArtifactInfo
	Bytes     int64
}

// Split partitions artifacts into batches bounded by maxCount artifacts and
// maxBytes aggregate size, whichever trips first. Zero or negative bounds are
// unbounded. The split is deterministic given the same input and parameters,
// preserves listing order, and never splits a single artifact: an artifact
// larger than maxBytes gets a batch of its own.
func Split(artifacts []storage.ArtifactInfo, maxCount int, maxBytes int64) []Batch {
	if len(artifacts) == 0 {
		return nil
	}

	var batches []Batch
	current := Batch{Seq: 0}

	flush := func() {
		if len(current.Artifacts) == 0 {
			return
		}
		batches = append(batches, current)
		current = Batch{Seq: len(batches)}
	}

	for _, art := range artifacts {
		countFull := maxCount > 0 && len(current.Artifacts) >= maxCount
		bytesFull := maxBytes > 0 && len(current.Artifacts) > 0 && current.Bytes+art.Size > maxBytes
		if countFull || bytesFull {
			flush()
		}

		current.Artifacts = append(current.Artifacts, art)
		current.Bytes += art.Size
	}
	flush()

	return batches
}
