package imageref

import (
	"testing"

	specs "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"
)

func specPlatform(os, arch, variant string) specs.Platform {
	return specs.Platform{OS: os, Architecture: arch, Variant: variant}
}

func TestArm64BareVariantEqualsV8(t *testing.T) {
	bare := Platform{OS: "linux", Architecture: "arm64"}
	v8 := Platform{OS: "linux", Architecture: "arm64", Variant: "v8"}
	require.True(t, bare.Equal(v8))
}

func TestAmd64HostSatisfiesBy386Image(t *testing.T) {
	image := Platform{OS: "linux", Architecture: "386"}
	host := Platform{OS: "linux", Architecture: "amd64"}
	require.True(t, image.Satisfies(host))
	require.False(t, host.Satisfies(image))
}

func TestArmVariantSatisfiesLowerOrEqualGeneration(t *testing.T) {
	hostV7 := Platform{OS: "linux", Architecture: "arm", Variant: "v7"}
	imageV6 := Platform{OS: "linux", Architecture: "arm", Variant: "v6"}
	imageV8 := Platform{OS: "linux", Architecture: "arm", Variant: "v8"}

	require.True(t, imageV6.Satisfies(hostV7))
	require.True(t, hostV7.Satisfies(hostV7))
	require.False(t, imageV8.Satisfies(hostV7))
}

func TestMismatchedOSNeverSatisfies(t *testing.T) {
	linux := Platform{OS: "linux", Architecture: "amd64"}
	windows := Platform{OS: "windows", Architecture: "amd64"}
	require.False(t, linux.Satisfies(windows))
}

func TestArchitectureAliasesCanonicalize(t *testing.T) {
	p := FromSpec(specPlatform("linux", "x86_64", ""))
	require.Equal(t, "amd64", p.Architecture)

	p2 := FromSpec(specPlatform("linux", "aarch64", ""))
	require.Equal(t, "arm64", p2.Architecture)
	require.Equal(t, "v8", p2.Variant)
}

func TestPlatformStringFormatting(t *testing.T) {
	p := Platform{OS: "linux", Architecture: "arm", Variant: "v7"}
	require.Equal(t, "linux/arm/v7", p.String())
}
