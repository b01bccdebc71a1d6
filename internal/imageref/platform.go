package imageref

import (
	"fmt"
	"strconv"
	"strings"

	specs "github.com/opencontainers/image-spec/specs-go/v1"
)

// Platform identifies an OS/architecture/variant triple. It mirrors
// specs-go/v1.Platform but adds the canonicalization and compatibility
// rules spec.md §3 requires for image selection.
type Platform struct {
	OS           string
	Architecture string
	Variant      string
	OSVersion    string
	OSFeatures   []string
}

// architectureAliases canonicalizes the handful of spellings seen in the
// wild to the values OCI manifests actually use.
var architectureAliases = map[string]string{
	"x86_64":  "amd64",
	"x86-64":  "amd64",
	"aarch64": "arm64",
	"armhf":   "arm",
	"armel":   "arm",
}

// FromSpec converts an image-spec Platform into our canonical form.
func FromSpec(p specs.Platform) Platform {
	return Platform{
		OS:           strings.ToLower(p.OS),
		Architecture: canonicalArch(p.Architecture),
		Variant:      p.Variant,
		OSVersion:    p.OSVersion,
		OSFeatures:   append([]string(nil), p.OSFeatures...),
	}.canonicalizeVariant()
}

// ToSpec converts back to the image-spec representation.
func (p Platform) ToSpec() specs.Platform {
	return specs.Platform{
		OS:           p.OS,
		Architecture: p.Architecture,
		Variant:      p.Variant,
		OSVersion:    p.OSVersion,
		OSFeatures:   append([]string(nil), p.OSFeatures...),
	}
}

func canonicalArch(arch string) string {
	arch = strings.ToLower(arch)
	if alias, ok := architectureAliases[arch]; ok {
		return alias
	}
	return arch
}

// canonicalizeVariant fills in the implied variant for architectures
// where spec.md §3 says a bare architecture is equivalent to a specific
// variant: arm64 with no variant is arm64/v8.
func (p Platform) canonicalizeVariant() Platform {
	if p.Architecture == "arm64" && p.Variant == "" {
		p.Variant = "v8"
	}
	return p
}

// String renders the platform as "os/arch[/variant]".
func (p Platform) String() string {
	s := p.OS + "/" + p.Architecture
	if p.Variant != "" {
		s += "/" + p.Variant
	}
	return s
}

// Equal reports exact equality after canonicalization (variant-filling for
// arm64). OS and architecture are compared case-sensitively.
func (p Platform) Equal(other Platform) bool {
	a, b := p.canonicalizeVariant(), other.canonicalizeVariant()
	return a.OS == b.OS && a.Architecture == b.Architecture && a.Variant == b.Variant
}

// Satisfies reports whether an image built for p can run on a host
// advertising want, applying spec.md §3's compatibility rules:
//
//   - arm64 with no variant is treated as arm64/v8 (Equal handles this).
//   - amd64 hosts accept 386 images.
//   - arm/vN hosts accept arm/vM images for any M <= N.
//
// Otherwise platforms must match exactly.
func (p Platform) Satisfies(want Platform) bool {
	if p.OS != want.OS {
		return false
	}
	if p.Equal(want) {
		return true
	}
	if want.Architecture == "amd64" && p.Architecture == "386" {
		return true
	}
	if want.Architecture == "arm" && p.Architecture == "arm" {
		wantV, wOk := parseArmVariant(want.Variant)
		haveV, hOk := parseArmVariant(p.Variant)
		if wOk && hOk && haveV <= wantV {
			return true
		}
	}
	return false
}

// parseArmVariant extracts the numeric generation from an "vN" arm
// variant string.
func parseArmVariant(variant string) (int, bool) {
	if !strings.HasPrefix(variant, "v") {
		return 0, false
	}
	n, err := strconv.Atoi(variant[1:])
	if err != nil {
		return 0, false
	}
	return n, true
}

// MatchString renders the platform as "os/arch" only, e.g. "linux/arm64";
// unlike String, the variant is omitted.
func (p Platform) MatchString() string {
	return fmt.Sprintf("%s/%s", p.OS, p.Architecture)
}
