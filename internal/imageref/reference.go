// Package imageref implements component B: parsing and normalizing OCI
// image references of the form
//
//	[domain[:port]/]path[:tag][@digest]
//
// and the Platform type with its equality/compatibility tables. Grounded
// on the teacher's internal/image/store.go reference helpers
// (splitRepoTag, splitRegistry, isRegistryHost, normalizeTagRef, and its
// Docker-Hub short-name aliasing), generalized into the full grammar
// spec.md §4.B specifies.
package imageref

import (
	"regexp"
	"strings"

	"github.com/opencontainers/go-digest"

	"vmimage/internal/vmerr"
)

const (
	// MaxReferenceLength is the maximum total length of a reference string.
	MaxReferenceLength = 255
	// MaxPathLength is the maximum length of the path component after
	// normalization.
	MaxPathLength = 127
	// DefaultTag is used when a reference carries neither tag nor digest.
	DefaultTag = "latest"
)

var (
	pathComponentRE = regexp.MustCompile(`^[a-z0-9]+((\.|_|__|-+)[a-z0-9]+)*$`)
	tagRE           = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]{0,127}$`)
	hexOnlyRE       = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

// Reference is a parsed, not-yet-normalized OCI image reference.
type Reference struct {
	Domain string // host[:port], empty if not present
	Path   string
	Tag    string // empty if unset
	Digest digest.Digest
}

// Parse parses s per spec.md §4.B's grammar. It does not apply
// normalization (domain/library prefixing, default tag); call Normalize
// on the result, or use ParseNormalized.
func Parse(s string) (Reference, error) {
	if len(s) == 0 || len(s) > MaxReferenceLength {
		return Reference{}, vmerr.Newf(vmerr.KindInvalidArgument, "reference length %d exceeds %d", len(s), MaxReferenceLength)
	}

	if hexOnlyRE.MatchString(s) {
		return Reference{}, vmerr.New(vmerr.KindInvalidArgument, "reference cannot be a bare 64-hex digest")
	}

	rest := s
	var dgst digest.Digest
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		digestPart := rest[at+1:]
		d, err := digest.Parse(digestPart)
		if err != nil {
			return Reference{}, vmerr.Wrapf(vmerr.KindInvalidArgument, err, "invalid digest %q", digestPart)
		}
		if d.Algorithm() != digest.SHA256 {
			return Reference{}, vmerr.Newf(vmerr.KindInvalidArgument, "unsupported digest algorithm %q", d.Algorithm())
		}
		dgst = d
		rest = rest[:at]
	}

	var tag string
	if colon := lastTagColon(rest); colon >= 0 {
		tagPart := rest[colon+1:]
		if !tagRE.MatchString(tagPart) {
			return Reference{}, vmerr.Newf(vmerr.KindInvalidArgument, "invalid tag %q", tagPart)
		}
		tag = tagPart
		rest = rest[:colon]
	}

	domain, path := splitDomain(rest)

	if err := validatePath(path); err != nil {
		return Reference{}, err
	}

	return Reference{Domain: domain, Path: path, Tag: tag, Digest: dgst}, nil
}

// ParseNormalized parses s and applies Normalize.
func ParseNormalized(s string) (Reference, error) {
	ref, err := Parse(s)
	if err != nil {
		return Reference{}, err
	}
	return ref.Normalize(), nil
}

// lastTagColon finds the ':' that introduces a tag, i.e. the last ':' that
// occurs after the last '/'. Returns -1 if there is none.
func lastTagColon(s string) int {
	slash := strings.LastIndex(s, "/")
	colon := strings.LastIndex(s, ":")
	if colon > slash {
		return colon
	}
	return -1
}

// splitDomain recognizes a leading domain component per spec.md §4.B: the
// first '/'-separated segment is a domain only if it starts with
// "localhost", or contains '.' or ':'.
func splitDomain(s string) (domain, path string) {
	slash := strings.Index(s, "/")
	var first string
	if slash < 0 {
		first = s
	} else {
		first = s[:slash]
	}

	if first == "localhost" || strings.HasPrefix(first, "localhost:") ||
		strings.Contains(first, ".") || strings.Contains(first, ":") {
		if slash < 0 {
			return first, ""
		}
		return first, s[slash+1:]
	}
	return "", s
}

func validatePath(path string) error {
	if path == "" {
		return vmerr.New(vmerr.KindInvalidArgument, "reference path is empty")
	}
	if len(path) > MaxPathLength {
		return vmerr.Newf(vmerr.KindInvalidArgument, "reference path length %d exceeds %d", len(path), MaxPathLength)
	}
	for _, component := range strings.Split(path, "/") {
		if !pathComponentRE.MatchString(component) {
			return vmerr.Newf(vmerr.KindInvalidArgument, "invalid path component %q", component)
		}
	}
	return nil
}

// dockerHubDomains are the domain spellings that Normalize treats as Docker
// Hub and therefore gives the "library/" prefix. ResolveDomain rewrites only
// "docker.io" (and the empty domain); the other two are dialed as written.
var dockerHubDomains = map[string]bool{
	"docker.io":            true,
	"registry-1.docker.io": true,
	"index.docker.io":      true,
}

// Normalize applies spec.md §4.B's normalization rules: Docker-Hub
// single-component paths get a "library/" prefix, and a reference with
// neither tag nor digest gets the default tag.
func (r Reference) Normalize() Reference {
	out := r
	if dockerHubDomains[out.Domain] && !strings.Contains(out.Path, "/") {
		out.Path = "library/" + out.Path
	}
	if out.Tag == "" && out.Digest == "" {
		out.Tag = DefaultTag
	}
	return out
}

// ResolveDomain maps a reference domain to the host actually dialed,
// per spec.md §4.B: "docker.io" and the empty domain resolve to
// "registry-1.docker.io". All other domains are returned unchanged.
func ResolveDomain(domain string) string {
	if domain == "docker.io" || domain == "" {
		return "registry-1.docker.io"
	}
	return domain
}

// String renders the reference back to its canonical string form.
func (r Reference) String() string {
	var b strings.Builder
	if r.Domain != "" {
		b.WriteString(r.Domain)
		b.WriteByte('/')
	}
	b.WriteString(r.Path)
	if r.Tag != "" {
		b.WriteByte(':')
		b.WriteString(r.Tag)
	}
	if r.Digest != "" {
		b.WriteByte('@')
		b.WriteString(r.Digest.String())
	}
	return b.String()
}

// Equal reports whether two references denote the same identity after
// normalization.
func (r Reference) Equal(other Reference) bool {
	a, b := r.Normalize(), other.Normalize()
	return a.Domain == b.Domain && a.Path == b.Path && a.Tag == b.Tag && a.Digest == b.Digest
}
