package ocischema

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/stowage/stowage"
	"github.com/stowage/stowage/manifest"
)

// IndexSchemaVersion provides a pre-initialized version structure for OCI
// image indices.
var IndexSchemaVersion = manifest.Versioned{
	SchemaVersion: 2,
	MediaType:     v1.MediaTypeImageIndex,
}

func init() {
	if err := stowage.RegisterManifestSchema(v1.MediaTypeImageIndex, unmarshalImageIndex); err != nil {
		panic(fmt.Sprintf("Unable to register OCI Image Index: %s", err))
	}
}

func unmarshalImageIndex(b []byte) (stowage.Manifest, stowage.Descriptor, error) {
	m := &DeserializedImageIndex{}
	if err := m.UnmarshalJSON(b); err != nil {
		return nil, stowage.Descriptor{}, err
	}

	dgst := digest.FromBytes(b)
	return m, stowage.Descriptor{Digest: dgst, Size: int64(len(b)), MediaType: v1.MediaTypeImageIndex}, nil
}

// ImageIndex references manifests for various platforms.
type ImageIndex struct {
	manifest.Versioned

	// Manifests references a list of manifests
	Manifests []stowage.Descriptor `json:"manifests"`

	// Annotations is an optional field that contains arbitrary metadata for
	// the image index
	Annotations map[string]string `json:"annotations,omitempty"`
}

// References returns the distribution descriptors for the referenced image
// manifests.
func (ii ImageIndex) References() []stowage.Descriptor {
	return ii.Manifests
}

// DeserializedImageIndex wraps ImageIndex with a copy of the original
// JSON.
type DeserializedImageIndex struct {
	ImageIndex

	// canonical is the canonical byte representation of the Manifest.
	canonical []byte
}

// FromDescriptors takes a slice of descriptors and a map of annotations, and
// returns a DeserializedImageIndex which contains the resulting manifest list
// and its JSON representation.
func FromDescriptors(descriptors []stowage.Descriptor, annotations map[string]string) (*DeserializedImageIndex, error) {
	m := ImageIndex{
		Versioned:   IndexSchemaVersion,
		Annotations: annotations,
	}

	m.Manifests = make([]stowage.Descriptor, len(descriptors))
	copy(m.Manifests, descriptors)

	deserialized := DeserializedImageIndex{
		ImageIndex: m,
	}

	var err error
	deserialized.canonical, err = json.MarshalIndent(&m, "", "   ")
	return &deserialized, err
}

// UnmarshalJSON populates a new ImageIndex struct from JSON data.
func (m *DeserializedImageIndex) UnmarshalJSON(b []byte) error {
	m.canonical = make([]byte, len(b))
	// store manifest list in canonical
	copy(m.canonical, b)

	// Unmarshal canonical JSON into ImageIndex object
	var manifestList ImageIndex
	if err := json.Unmarshal(m.canonical, &manifestList); err != nil {
		return err
	}

	if manifestList.SchemaVersion != IndexSchemaVersion.SchemaVersion {
		return fmt.Errorf("unexpected index schema version=%d", manifestList.SchemaVersion)
	}

	if manifestList.MediaType != "" && manifestList.MediaType != v1.MediaTypeImageIndex {
		return fmt.Errorf("if present, mediaType in image index should be '%s' not '%s'",
			v1.MediaTypeImageIndex, manifestList.MediaType)
	}

	m.ImageIndex = manifestList

	return nil
}

// MarshalJSON returns the contents of canonical. If canonical is empty,
// marshals the inner contents.
func (m *DeserializedImageIndex) MarshalJSON() ([]byte, error) {
	if len(m.canonical) > 0 {
		return m.canonical, nil
	}

	return nil, errors.New("JSON representation not initialized in DeserializedImageIndex")
}

// Payload returns the raw content of the manifest list. The contents can be
// used to calculate the content identifier.
func (m DeserializedImageIndex) Payload() (string, []byte, error) {
	return v1.MediaTypeImageIndex, m.canonical, nil
}
