package imagestore

import (
	"context"
	"encoding/json"
	"io"
	"sort"

	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go/v1"

	"vmimage/internal/imageref"
	"vmimage/internal/progress"
	"vmimage/internal/vmerr"
)

// PushOptions configures Push and Export.
type PushOptions struct {
	// Platform, if set, pushes only the matching manifest(s) of a
	// multi-platform index, synthesizing a filtered index as the final
	// step rather than pushing the original multi-platform one.
	Platform *imageref.Platform
	Progress *progress.Reporter
}

// pushNode is one local blob discovered while walking the tree rooted at
// a pushed reference's descriptor, tagged with its distance from the
// root so Push can push leaves (layers, configs) before the manifests
// and index that reference them.
type pushNode struct {
	desc  specs.Descriptor
	depth int
}

// Push looks up reference in the local index, then pushes its manifest
// tree to the backend reference resolves to: leaves first, level by
// level, per spec.md §4.F's push algorithm.
func (s *Store) Push(ctx context.Context, reference string, opts PushOptions) (specs.Descriptor, error) {
	ref, err := imageref.ParseNormalized(reference)
	if err != nil {
		return specs.Descriptor{}, err
	}

	var root specs.Descriptor
	if err := s.lock.WithLock(ctx, func(context.Context) error {
		idx, err := s.loadIndexUnlocked()
		if err != nil {
			return err
		}
		d, ok := idx[referenceKey(ref)]
		if !ok {
			return vmerr.Newf(vmerr.KindNotFound, "no local image for %s", reference)
		}
		root = d
		return nil
	}); err != nil {
		return specs.Descriptor{}, err
	}

	backend, repo := s.backendForReference(ref)
	destTag := ref.Tag
	if destTag == "" {
		destTag = ref.Digest.String()
	}
	pushed, err := s.pushTree(ctx, backend, repo, root, destTag, opts)
	if err != nil {
		return specs.Descriptor{}, err
	}

	s.logger.Infof("pushed %s -> %s", reference, pushed.Digest)
	return pushed, nil
}

// Export pushes a locally stored reference into an OCI-layout directory
// backend rather than a registry, reusing the same tree-walk and
// level-ordered push as Push.
func (s *Store) Export(ctx context.Context, reference string, dest Backend, opts PushOptions) (specs.Descriptor, error) {
	ref, err := imageref.ParseNormalized(reference)
	if err != nil {
		return specs.Descriptor{}, err
	}

	var root specs.Descriptor
	if err := s.lock.WithLock(ctx, func(context.Context) error {
		idx, err := s.loadIndexUnlocked()
		if err != nil {
			return err
		}
		d, ok := idx[referenceKey(ref)]
		if !ok {
			return vmerr.Newf(vmerr.KindNotFound, "no local image for %s", reference)
		}
		root = d
		return nil
	}); err != nil {
		return specs.Descriptor{}, err
	}

	destTag := ref.Tag
	if destTag == "" {
		destTag = ref.Digest.String()
	}
	return s.pushTree(ctx, dest, ref.Path, root, destTag, opts)
}

// pushTree builds the push levels rooted at root from the local content
// store, then pushes them bottom-up (deepest level, i.e. leaves, first),
// maxConcurrentFetches at a time per level. The root (depth 0) is pushed
// last and tagged with destTag — its descendants are pushed referenced
// only by digest, since a registry or layout has no use for a human name
// on an intermediate manifest. It returns the descriptor now tagged at
// the destination: root itself, unless a platform filter requires
// synthesizing a narrower index in root's place.
func (s *Store) pushTree(ctx context.Context, backend Backend, repo string, root specs.Descriptor, destTag string, opts PushOptions) (specs.Descriptor, error) {
	levels, maxDepth, err := s.buildPushLevels(root)
	if err != nil {
		return specs.Descriptor{}, err
	}

	if opts.Progress != nil {
		var total int64
		for _, nodes := range levels {
			total += int64(len(nodes))
		}
		opts.Progress.TotalItems(total)
	}

	for depth := maxDepth; depth >= 1; depth-- {
		nodes := levels[depth]
		if opts.Platform != nil && depth == 1 {
			nodes = filterManifestsByPlatform(nodes, *opts.Platform)
		}
		if err := forEachBounded(ctx, nodes, maxConcurrentFetches, func(ctx context.Context, n pushNode) error {
			return s.pushOne(ctx, backend, repo, n.desc.Digest.String(), n.desc, opts.Progress)
		}); err != nil {
			return specs.Descriptor{}, err
		}
	}

	if opts.Platform != nil && isIndexMediaType(root.MediaType) {
		matching := filterManifestsByPlatform(levels[1], *opts.Platform)
		manifests := make([]specs.Descriptor, len(matching))
		for i, n := range matching {
			manifests[i] = n.desc
		}
		data, err := json.Marshal(specs.Index{
			Versioned: specs.Versioned{SchemaVersion: 2},
			MediaType: specs.MediaTypeImageIndex,
			Manifests: manifests,
		})
		if err != nil {
			return specs.Descriptor{}, vmerr.Wrap(vmerr.KindInternal, err, "marshal filtered index")
		}
		return backend.PushManifest(ctx, repo, destTag, specs.MediaTypeImageIndex, data)
	}

	if err := s.pushOne(ctx, backend, repo, destTag, root, opts.Progress); err != nil {
		return specs.Descriptor{}, err
	}
	return root, nil
}

// pushOne pushes a single node: via PushManifest (tagged with reference)
// for index/manifest media types, or PushBlob for everything else
// (config, layers, which never carry a human-readable reference).
func (s *Store) pushOne(ctx context.Context, backend Backend, repo, reference string, desc specs.Descriptor, p *progress.Reporter) error {
	if isIndexMediaType(desc.MediaType) || isManifestMediaType(desc.MediaType) {
		rc, err := s.blobs.Open(desc.Digest)
		if err != nil {
			return err
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return err
		}
		if _, err := backend.PushManifest(ctx, repo, reference, desc.MediaType, data); err != nil {
			return err
		}
	} else {
		has, err := backend.HasBlob(ctx, repo, desc.Digest)
		if err != nil {
			return err
		}
		if !has {
			rc, err := s.blobs.Open(desc.Digest)
			if err != nil {
				return err
			}
			defer rc.Close()
			if err := backend.PushBlob(ctx, repo, desc.Digest, desc.Size, rc); err != nil {
				return err
			}
		}
	}
	if p != nil {
		p.Items(1)
		p.Size(desc.Size)
	}
	return nil
}

// buildPushLevels walks root's tree entirely from the local content
// store (no network access), grouping descriptors by their distance
// from root: depth 0 is root itself, depth 1 its immediate manifests
// (or config+layers if root is itself a bare manifest), and so on.
func (s *Store) buildPushLevels(root specs.Descriptor) (map[int][]pushNode, int, error) {
	levels := map[int][]pushNode{}
	visited := map[digest.Digest]bool{}
	maxDepth := 0

	frontier := []pushNode{{desc: root, depth: 0}}
	for len(frontier) > 0 {
		var next []pushNode
		for _, n := range frontier {
			if visited[n.desc.Digest] {
				continue
			}
			visited[n.desc.Digest] = true
			levels[n.depth] = append(levels[n.depth], n)
			if n.depth > maxDepth {
				maxDepth = n.depth
			}

			children, err := s.localChildren(n.desc)
			if err != nil {
				return nil, 0, err
			}
			for _, c := range children {
				next = append(next, pushNode{desc: c, depth: n.depth + 1})
			}
		}
		frontier = next
	}
	return levels, maxDepth, nil
}

// localChildren returns desc's immediate children (manifests of an
// index; config+layers of a manifest), read from the local content
// store. Leaf blobs (config, layers) return no children.
func (s *Store) localChildren(desc specs.Descriptor) ([]specs.Descriptor, error) {
	switch {
	case isIndexMediaType(desc.MediaType):
		rc, err := s.blobs.Open(desc.Digest)
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, err
		}
		var idx specs.Index
		if err := json.Unmarshal(data, &idx); err != nil {
			return nil, vmerr.Wrap(vmerr.KindInternal, err, "parse local index")
		}
		return idx.Manifests, nil

	case isManifestMediaType(desc.MediaType):
		rc, err := s.blobs.Open(desc.Digest)
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, err
		}
		var man specs.Manifest
		if err := json.Unmarshal(data, &man); err != nil {
			return nil, vmerr.Wrap(vmerr.KindInternal, err, "parse local manifest")
		}
		children := make([]specs.Descriptor, 0, len(man.Layers)+1)
		children = append(children, man.Config)
		children = append(children, man.Layers...)
		return children, nil

	default:
		return nil, nil
	}
}

func filterManifestsByPlatform(nodes []pushNode, want imageref.Platform) []pushNode {
	out := make([]pushNode, 0, len(nodes))
	for _, n := range nodes {
		if n.desc.Platform == nil {
			continue
		}
		have := imageref.FromSpec(*n.desc.Platform)
		if have.Satisfies(want) {
			out = append(out, n)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].desc.Digest < out[j].desc.Digest })
	return out
}

