package imagestore

import (
	"context"
	"path/filepath"

	specs "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/fsnotify/fsnotify"

	"vmimage/internal/vmerr"
)

// EventKind classifies a Watch event.
type EventKind string

const (
	EventCreated EventKind = "created"
	EventUpdated EventKind = "updated"
	EventDeleted EventKind = "deleted"
)

// Event reports a change to a single reference in the store's index, as
// observed by diffing consecutive snapshots of state.json after an
// fsnotify write event — this is a supplementary capability beyond
// spec.md's original scope (see SPEC_FULL.md §3.1), for a caller sharing
// a store root with another process that also mutates it.
type Event struct {
	Kind       EventKind
	Reference  string
	Descriptor specs.Descriptor
}

// Watch starts watching state.json for writes from other processes and
// reports the reference-level diff of each change on the returned
// channel. The channel is closed when ctx is done or the watch fails
// irrecoverably; callers should drain it until closed.
func (s *Store) Watch(ctx context.Context) (<-chan Event, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindInternal, err, "create fsnotify watcher")
	}
	if err := w.Add(s.root); err != nil {
		w.Close()
		return nil, vmerr.Wrap(vmerr.KindInternal, err, "watch store root")
	}

	events := make(chan Event)
	go s.watchLoop(ctx, w, events)
	return events, nil
}

func (s *Store) watchLoop(ctx context.Context, w *fsnotify.Watcher, events chan<- Event) {
	defer close(events)
	defer w.Close()

	prev, err := s.snapshotIndex(ctx)
	if err != nil {
		s.logger.Warnf("watch: initial snapshot failed: %v", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.logger.Warnf("watch: fsnotify error: %v", err)

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != stateFile {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			cur, err := s.snapshotIndex(ctx)
			if err != nil {
				s.logger.Warnf("watch: snapshot failed: %v", err)
				continue
			}
			for _, diffEvent := range diffIndexes(prev, cur) {
				select {
				case events <- diffEvent:
				case <-ctx.Done():
					return
				}
			}
			prev = cur
		}
	}
}

func (s *Store) snapshotIndex(ctx context.Context) (map[string]specs.Descriptor, error) {
	var idx map[string]specs.Descriptor
	err := s.lock.WithLock(ctx, func(context.Context) error {
		loaded, err := s.loadIndexUnlocked()
		if err != nil {
			return err
		}
		idx = loaded
		return nil
	})
	return idx, err
}

func diffIndexes(prev, cur map[string]specs.Descriptor) []Event {
	var events []Event
	for ref, desc := range cur {
		old, existed := prev[ref]
		switch {
		case !existed:
			events = append(events, Event{Kind: EventCreated, Reference: ref, Descriptor: desc})
		case old.Digest != desc.Digest:
			events = append(events, Event{Kind: EventUpdated, Reference: ref, Descriptor: desc})
		}
	}
	for ref, desc := range prev {
		if _, stillExists := cur[ref]; !stillExists {
			events = append(events, Event{Kind: EventDeleted, Reference: ref, Descriptor: desc})
		}
	}
	return events
}
