package imagestore

import (
	"context"
	"sort"

	specs "github.com/opencontainers/image-spec/specs-go/v1"

	"vmimage/internal/imageref"
	"vmimage/internal/vmerr"
)

// Tag records name as an additional reference for the descriptor
// currently recorded under existing, without touching any backend.
func (s *Store) Tag(ctx context.Context, existing, name string) error {
	existingRef, err := imageref.ParseNormalized(existing)
	if err != nil {
		return err
	}
	newRef, err := imageref.ParseNormalized(name)
	if err != nil {
		return err
	}

	return s.lock.WithLock(ctx, func(context.Context) error {
		idx, err := s.loadIndexUnlocked()
		if err != nil {
			return err
		}
		d, ok := idx[referenceKey(existingRef)]
		if !ok {
			return vmerr.Newf(vmerr.KindNotFound, "no local image for %s", existing)
		}
		idx[referenceKey(newRef)] = d
		return s.saveIndexUnlocked(idx)
	})
}

// Get returns the descriptor recorded locally for reference.
func (s *Store) Get(ctx context.Context, reference string) (specs.Descriptor, error) {
	ref, err := imageref.ParseNormalized(reference)
	if err != nil {
		return specs.Descriptor{}, err
	}

	var desc specs.Descriptor
	err = s.lock.WithLock(ctx, func(context.Context) error {
		idx, err := s.loadIndexUnlocked()
		if err != nil {
			return err
		}
		d, ok := idx[referenceKey(ref)]
		if !ok {
			return vmerr.Newf(vmerr.KindNotFound, "no local image for %s", reference)
		}
		desc = d
		return nil
	})
	return desc, err
}

// Entry is one row of List's result.
type Entry struct {
	Reference  string
	Descriptor specs.Descriptor
}

// List returns every reference currently recorded, sorted by reference
// string for stable output.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := s.lock.WithLock(ctx, func(context.Context) error {
		idx, err := s.loadIndexUnlocked()
		if err != nil {
			return err
		}
		entries = make([]Entry, 0, len(idx))
		for ref, desc := range idx {
			entries = append(entries, Entry{Reference: ref, Descriptor: desc})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Reference < entries[j].Reference })
	return entries, nil
}

// Delete removes reference's entry from the index. It does not reclaim
// any content; call Prune to garbage-collect blobs no longer referenced
// by any remaining entry.
func (s *Store) Delete(ctx context.Context, reference string) error {
	ref, err := imageref.ParseNormalized(reference)
	if err != nil {
		return err
	}

	return s.lock.WithLock(ctx, func(context.Context) error {
		idx, err := s.loadIndexUnlocked()
		if err != nil {
			return err
		}
		key := referenceKey(ref)
		if _, ok := idx[key]; !ok {
			return vmerr.Newf(vmerr.KindNotFound, "no local image for %s", reference)
		}
		delete(idx, key)
		return s.saveIndexUnlocked(idx)
	})
}
