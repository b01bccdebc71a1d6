package imagestore

import (
	"context"

	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
)

// PruneResult reports what Prune reclaimed.
type PruneResult struct {
	Removed        []digest.Digest
	ReclaimedBytes int64
}

// Prune deletes every blob not reachable from any reference currently in
// the index, under the store lock so no concurrent pull/push can add a
// dependency on a blob mid-sweep.
func (s *Store) Prune(ctx context.Context) (PruneResult, error) {
	var result PruneResult
	err := s.lock.WithLock(ctx, func(context.Context) error {
		idx, err := s.loadIndexUnlocked()
		if err != nil {
			return err
		}

		keep := map[digest.Digest]bool{}
		for _, desc := range idx {
			if err := s.markReachable(desc, keep); err != nil {
				return err
			}
		}

		before := map[digest.Digest]int64{}
		if err := s.blobs.Walk(func(d digest.Digest, size int64) error {
			before[d] = size
			return nil
		}); err != nil {
			return err
		}

		removed, err := s.blobs.DeleteKeeping(keep)
		if err != nil {
			return err
		}
		result.Removed = removed
		for _, d := range removed {
			result.ReclaimedBytes += before[d]
		}
		return nil
	})
	if err != nil {
		return PruneResult{}, err
	}
	s.logger.Infof("pruned %d blobs, reclaimed %d bytes", len(result.Removed), result.ReclaimedBytes)
	return result, nil
}

// markReachable walks desc's tree from the local content store, marking
// every digest it depends on (including itself) in keep. Missing blobs
// (already partially pruned, or never fully pulled) are skipped rather
// than treated as an error, since Prune must still make forward progress
// on the rest of the index.
func (s *Store) markReachable(desc specs.Descriptor, keep map[digest.Digest]bool) error {
	if keep[desc.Digest] {
		return nil
	}
	if !s.blobs.Has(desc.Digest) {
		return nil
	}
	keep[desc.Digest] = true

	children, err := s.localChildren(desc)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := s.markReachable(c, keep); err != nil {
			return err
		}
	}
	return nil
}
