package storage

import (
	"fmt"
	"path"
	"strings"

	"github.com/opencontainers/go-digest"
)

// storagePathRoot is the prefix of every path handed to the storage
// driver. The layout sits directly under the driver root.
const storagePathRoot = "/"

// pathFor maps paths based on "object names" and their ids. The "object
// names" mapped by are internal to the storage system.
//
// The path layout in the storage backend is roughly as follows:
//
//	<root>
//	├── blobs
//	│   └── <algorithm>
//	│       └── <first two hex bytes of digest>
//	│           └── <hex digest>
//	├── repositories
//	│   └── <name>
//	│       ├── _layers
//	│       │   └── <algorithm>
//	│       │       └── <hex digest>
//	│       │           └── link
//	│       └── _manifests
//	│           ├── revisions
//	│           │   └── <algorithm>
//	│           │       └── <hex digest>
//	│           │           └── link
//	│           └── tags
//	│               └── <tag>
//	│                   └── current
//	│                       └── link
//	└── uploads
//	    └── <uuid>
//	        ├── data
//	        ├── startedat
//	        └── target
//
// The storage backend layout is broken up into a content-addressable blob
// store and repositories. The content-addressable blob store holds most
// data throughout the backend, keyed by algorithm and digest. Access to
// the blob store is controlled through links in the repository tree: a
// repository can address a blob only if a link for it exists under the
// repository's namespace.
//
// Uploads are sessions global to the registry, keyed by a random id. The
// data file accumulates chunks as they arrive, startedat records the
// session start time, and target names the repository the finished blob
// will be linked into.
//
// For more information on the semantic meaning of each path and their
// contents, please see the path spec documentation.
func pathFor(spec pathSpec) (string, error) {
	// Switch on the path object type and return the appropriate path. At
	// first glance, one may wonder why we don't use an interface to
	// accomplish this. By keeping the formatting separate from the pathSpec,
	// we keep separate the path generation componentized. These specs could
	// be passed to a completely different mapper implementation and generate
	// a different set of paths.
	//
	// For example, imagine migrating from one backend to the other: one
	// could build a filesystem walker that converts a string path in one
	// version, to an intermediate path object, than can be consumed and
	// mapped by the other version.

	rootPrefix := []string{storagePathRoot}
	repoPrefix := append(rootPrefix, "repositories")

	switch v := spec.(type) {
	case manifestRevisionsPathSpec:
		return path.Join(append(repoPrefix, v.name, "_manifests", "revisions")...), nil
	case manifestRevisionPathSpec:
		components, err := digestPathComponents(v.revision, false)
		if err != nil {
			return "", err
		}

		return path.Join(append(append(repoPrefix, v.name, "_manifests", "revisions"), components...)...), nil
	case manifestRevisionLinkPathSpec:
		root, err := pathFor(manifestRevisionPathSpec(v))
		if err != nil {
			return "", err
		}

		return path.Join(root, "link"), nil
	case manifestTagsPathSpec:
		return path.Join(append(repoPrefix, v.name, "_manifests", "tags")...), nil
	case manifestTagPathSpec:
		root, err := pathFor(manifestTagsPathSpec{name: v.name})
		if err != nil {
			return "", err
		}

		return path.Join(root, v.tag), nil
	case manifestTagCurrentPathSpec:
		root, err := pathFor(manifestTagPathSpec(v))
		if err != nil {
			return "", err
		}

		return path.Join(root, "current", "link"), nil
	case layersPathSpec:
		return path.Join(append(repoPrefix, v.name, "_layers")...), nil
	case layerLinkPathSpec:
		components, err := digestPathComponents(v.digest, false)
		if err != nil {
			return "", err
		}

		layerLinkPathComponents := append(repoPrefix, v.name, "_layers")

		return path.Join(path.Join(append(layerLinkPathComponents, components...)...), "link"), nil
	case blobsPathSpec:
		blobsPathPrefix := append(rootPrefix, "blobs")
		return path.Join(blobsPathPrefix...), nil
	case blobPathSpec:
		components, err := digestPathComponents(v.digest, true)
		if err != nil {
			return "", err
		}

		blobPathPrefix := append(rootPrefix, "blobs")
		return path.Join(append(blobPathPrefix, components...)...), nil
	case uploadDataPathSpec:
		return path.Join(append(rootPrefix, "uploads", v.id, "data")...), nil
	case uploadStartedAtPathSpec:
		return path.Join(append(rootPrefix, "uploads", v.id, "startedat")...), nil
	case uploadTargetPathSpec:
		return path.Join(append(rootPrefix, "uploads", v.id, "target")...), nil
	case uploadPathSpec:
		return path.Join(append(rootPrefix, "uploads", v.id)...), nil
	case uploadsRootPathSpec:
		return path.Join(append(rootPrefix, "uploads")...), nil
	case repositoriesRootPathSpec:
		return path.Join(repoPrefix...), nil
	default:
		return "", fmt.Errorf("unknown path spec: %#v", v)
	}
}

// pathSpec is a type to mark structs as path specs. There is no
// implementation because we'd like to keep the specs and the mappers
// decoupled.
type pathSpec interface {
	pathSpec()
}

// manifestRevisionsPathSpec describes the directory of revisions stored for
// a repository.
type manifestRevisionsPathSpec struct {
	name string
}

func (manifestRevisionsPathSpec) pathSpec() {}

// manifestRevisionPathSpec describes the components of the directory path
// for a manifest revision.
type manifestRevisionPathSpec struct {
	name     string
	revision digest.Digest
}

func (manifestRevisionPathSpec) pathSpec() {}

// manifestRevisionLinkPathSpec describes the path components required to
// look up the data link for a revision of a manifest. If this file is not
// present, the manifest blob is not allowed in the repository.
type manifestRevisionLinkPathSpec struct {
	name     string
	revision digest.Digest
}

func (manifestRevisionLinkPathSpec) pathSpec() {}

// manifestTagsPathSpec describes the path elements required to point to the
// directory with active tags for a repository.
type manifestTagsPathSpec struct {
	name string
}

func (manifestTagsPathSpec) pathSpec() {}

// manifestTagPathSpec describes the path elements required to point to the
// directory for a single tag.
type manifestTagPathSpec struct {
	name string
	tag  string
}

func (manifestTagPathSpec) pathSpec() {}

// manifestTagCurrentPathSpec describes the link to the current revision for
// a given tag.
type manifestTagCurrentPathSpec struct {
	name string
	tag  string
}

func (manifestTagCurrentPathSpec) pathSpec() {}

// layersPathSpec contains the path for the layers inside a repo.
type layersPathSpec struct {
	name string
}

func (layersPathSpec) pathSpec() {}

// layerLinkPathSpec specifies a path for a layer link, which is a file with
// a blob id. The layer link indicates that the repository named may access
// the blob.
type layerLinkPathSpec struct {
	name   string
	digest digest.Digest
}

func (layerLinkPathSpec) pathSpec() {}

// blobsPathSpec contains the path for the blobs directory.
type blobsPathSpec struct{}

func (blobsPathSpec) pathSpec() {}

// blobPathSpec contains the path for the registry global blob store. The
// digest content is stored directly at this path.
type blobPathSpec struct {
	digest digest.Digest
}

func (blobPathSpec) pathSpec() {}

// uploadDataPathSpec defines the path parameters of the data file for
// uploads.
type uploadDataPathSpec struct {
	id string
}

func (uploadDataPathSpec) pathSpec() {}

// uploadStartedAtPathSpec defines the path parameters for the file that
// stores the start time of an upload. If it is missing, the upload is
// considered unknown.
type uploadStartedAtPathSpec struct {
	id string
}

func (uploadStartedAtPathSpec) pathSpec() {}

// uploadTargetPathSpec defines the path parameters for the file naming the
// repository an upload will be linked into on commit. Garbage collection
// reads it to avoid sweeping blobs with an outstanding upload.
type uploadTargetPathSpec struct {
	id string
}

func (uploadTargetPathSpec) pathSpec() {}

// uploadPathSpec defines the path parameters of an upload session
// directory.
type uploadPathSpec struct {
	id string
}

func (uploadPathSpec) pathSpec() {}

// uploadsRootPathSpec defines the path prefix under which all upload
// sessions are stored.
type uploadsRootPathSpec struct{}

func (uploadsRootPathSpec) pathSpec() {}

// repositoriesRootPathSpec returns the root of the repositories.
type repositoriesRootPathSpec struct{}

func (repositoriesRootPathSpec) pathSpec() {}

// digestPathComponents provides a consistent path breakdown for a given
// digest. For a generic digest, it will be as follows:
//
//	<algorithm>/<hex digest>
//
// If multilevel is true, the first two bytes of the digest will separate
// groups of digest folder. It will be as follows:
//
//	<algorithm>/<first two bytes of digest>/<full digest>
func digestPathComponents(dgst digest.Digest, multilevel bool) ([]string, error) {
	if err := dgst.Validate(); err != nil {
		return nil, err
	}

	algorithm := blobAlgorithmReplacer.Replace(string(dgst.Algorithm()))
	hex := dgst.Hex()
	prefix := []string{algorithm}

	var suffix []string

	if multilevel {
		suffix = append(suffix, hex[:2])
	}

	suffix = append(suffix, hex)

	return append(prefix, suffix...), nil
}

// blobAlgorithmReplacer does some very simple path sanitization for user
// input. Paths should be "safe" before getting this far due to the name
// validation in upper levels, but one of these roll through just in case.
var blobAlgorithmReplacer = strings.NewReplacer(
	"+", "/",
	".", "/",
	";", "/",
)
