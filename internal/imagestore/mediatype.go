package imagestore

import specs "github.com/opencontainers/image-spec/specs-go/v1"

// Docker media types the walk treats as synonyms for their OCI
// counterparts, since real-world registries still serve them.
const (
	mediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
	mediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	mediaTypeDockerConfig       = "application/vnd.docker.container.image.v1+json"
)

func isIndexMediaType(mt string) bool {
	return mt == specs.MediaTypeImageIndex || mt == mediaTypeDockerManifestList
}

func isManifestMediaType(mt string) bool {
	return mt == specs.MediaTypeImageManifest || mt == mediaTypeDockerManifest
}

func isConfigMediaType(mt string) bool {
	return mt == specs.MediaTypeImageConfig || mt == mediaTypeDockerConfig
}
