package imageref

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSplitsDomainPathTagDigest(t *testing.T) {
	ref, err := Parse("registry.example.com:5000/team/app:v1.2.3")
	require.NoError(t, err)
	require.Equal(t, "registry.example.com:5000", ref.Domain)
	require.Equal(t, "team/app", ref.Path)
	require.Equal(t, "v1.2.3", ref.Tag)
	require.Empty(t, ref.Digest)
}

func TestParseWithoutDomainTreatsWholeStringAsPath(t *testing.T) {
	ref, err := Parse("library/ubuntu")
	require.NoError(t, err)
	require.Empty(t, ref.Domain)
	require.Equal(t, "library/ubuntu", ref.Path)
}

func TestParseLocalhostIsADomain(t *testing.T) {
	ref, err := Parse("localhost:5000/app")
	require.NoError(t, err)
	require.Equal(t, "localhost:5000", ref.Domain)
	require.Equal(t, "app", ref.Path)
}

func TestParseWithDigest(t *testing.T) {
	d := "sha256:" + mustHex64(t)
	ref, err := Parse("alpine@" + d)
	require.NoError(t, err)
	require.Equal(t, "alpine", ref.Path)
	require.Equal(t, d, ref.Digest.String())
}

func TestParseRejectsBareDigestString(t *testing.T) {
	_, err := Parse(mustHex64(t))
	require.Error(t, err)
}

func TestParseRejectsInvalidPathComponent(t *testing.T) {
	_, err := Parse("Upper/Case")
	require.Error(t, err)
}

func TestParseRejectsOverlongReference(t *testing.T) {
	long := make([]byte, MaxReferenceLength+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err := Parse(string(long))
	require.Error(t, err)
}

func TestNormalizeAddsLibraryPrefixOnDockerHub(t *testing.T) {
	ref, err := Parse("docker.io/alpine")
	require.NoError(t, err)
	norm := ref.Normalize()
	require.Equal(t, "library/alpine", norm.Path)
	require.Equal(t, DefaultTag, norm.Tag)
}

func TestNormalizeLeavesMultiComponentPathAlone(t *testing.T) {
	ref, err := Parse("docker.io/team/app")
	require.NoError(t, err)
	norm := ref.Normalize()
	require.Equal(t, "team/app", norm.Path)
}

func TestNormalizeDoesNotOverrideDigestWithDefaultTag(t *testing.T) {
	d := "sha256:" + mustHex64(t)
	ref, err := Parse("alpine@" + d)
	require.NoError(t, err)
	norm := ref.Normalize()
	require.Empty(t, norm.Tag)
}

func TestResolveDomain(t *testing.T) {
	require.Equal(t, "registry-1.docker.io", ResolveDomain("docker.io"))
	require.Equal(t, "registry-1.docker.io", ResolveDomain(""))
	require.Equal(t, "quay.io", ResolveDomain("quay.io"))
}

func TestReferenceStringRoundTrips(t *testing.T) {
	const s = "registry.example.com:5000/team/app:v1.2.3"
	ref, err := Parse(s)
	require.NoError(t, err)
	require.Equal(t, s, ref.String())
}

func TestParseAcceptsPathAtMaxPathLength(t *testing.T) {
	path := strings.Repeat("a", MaxPathLength)
	ref, err := Parse(path)
	require.NoError(t, err)
	require.Equal(t, path, ref.Path)
}

func TestParseRejectsPathOverMaxPathLength(t *testing.T) {
	path := strings.Repeat("a", MaxPathLength+1)
	_, err := Parse(path)
	require.Error(t, err)
}

func mustHex64(t *testing.T) string {
	t.Helper()
	return "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
}
