package storage

import (
	"testing"

	"github.com/opencontainers/go-digest"
)

func TestPathMapper(t *testing.T) {
	for _, testcase := range []struct {
		spec     pathSpec
		expected string
		err      error
	}{
		{
			spec: manifestRevisionsPathSpec{
				name: "foo/bar",
			},
			expected: "/repositories/foo/bar/_manifests/revisions",
		},
		{
			spec: manifestRevisionPathSpec{
				name:     "foo/bar",
				revision: "sha256:abcdef0123456789abcdef0123456789abcdef0123456789abcdef0123456789",
			},
			expected: "/repositories/foo/bar/_manifests/revisions/sha256/abcdef0123456789abcdef0123456789abcdef0123456789abcdef0123456789",
		},
		{
			spec: manifestRevisionLinkPathSpec{
				name:     "foo/bar",
				revision: "sha256:abcdef0123456789abcdef0123456789abcdef0123456789abcdef0123456789",
			},
			expected: "/repositories/foo/bar/_manifests/revisions/sha256/abcdef0123456789abcdef0123456789abcdef0123456789abcdef0123456789/link",
		},
		{
			spec: manifestTagsPathSpec{
				name: "foo/bar",
			},
			expected: "/repositories/foo/bar/_manifests/tags",
		},
		{
			spec: manifestTagPathSpec{
				name: "foo/bar",
				tag:  "thetag",
			},
			expected: "/repositories/foo/bar/_manifests/tags/thetag",
		},
		{
			spec: manifestTagCurrentPathSpec{
				name: "foo/bar",
				tag:  "thetag",
			},
			expected: "/repositories/foo/bar/_manifests/tags/thetag/current/link",
		},
		{
			spec: layersPathSpec{
				name: "foo/bar",
			},
			expected: "/repositories/foo/bar/_layers",
		},
		{
			spec: layerLinkPathSpec{
				name:   "foo/bar",
				digest: "sha256:abcdef0123456789abcdef0123456789abcdef0123456789abcdef0123456789",
			},
			expected: "/repositories/foo/bar/_layers/sha256/abcdef0123456789abcdef0123456789abcdef0123456789abcdef0123456789/link",
		},
		{
			spec:     blobsPathSpec{},
			expected: "/blobs",
		},
		{
			spec: blobPathSpec{
				digest: "sha256:abcdef0123456789abcdef0123456789abcdef0123456789abcdef0123456789",
			},
			expected: "/blobs/sha256/ab/abcdef0123456789abcdef0123456789abcdef0123456789abcdef0123456789",
		},
		{
			spec: uploadDataPathSpec{
				id: "asdf-asdf-asdf-adsf",
			},
			expected: "/uploads/asdf-asdf-asdf-adsf/data",
		},
		{
			spec: uploadStartedAtPathSpec{
				id: "asdf-asdf-asdf-adsf",
			},
			expected: "/uploads/asdf-asdf-asdf-adsf/startedat",
		},
		{
			spec: uploadTargetPathSpec{
				id: "asdf-asdf-asdf-adsf",
			},
			expected: "/uploads/asdf-asdf-asdf-adsf/target",
		},
		{
			spec: uploadPathSpec{
				id: "asdf-asdf-asdf-adsf",
			},
			expected: "/uploads/asdf-asdf-asdf-adsf",
		},
		{
			spec:     uploadsRootPathSpec{},
			expected: "/uploads",
		},
		{
			spec:     repositoriesRootPathSpec{},
			expected: "/repositories",
		},
	} {
		p, err := pathFor(testcase.spec)
		if err != nil {
			t.Fatalf("unexpected generating path (%T): %v", testcase.spec, err)
		}

		if p != testcase.expected {
			t.Fatalf("unexpected path generated (%T): %q != %q", testcase.spec, p, testcase.expected)
		}
	}

	// Add a few test cases to ensure we cover some errors

	// Specify a path that requires a revision and get a digest validation error.
	badpath, err := pathFor(manifestRevisionPathSpec{
		name: "foo/bar",
	})
	if err == nil {
		t.Fatalf("expected an error when mapping an invalid revision: %s", badpath)
	}
}

func TestDigestPathComponents(t *testing.T) {
	dgst := digest.Digest("sha256:abcdef0123456789abcdef0123456789abcdef0123456789abcdef0123456789")

	flat, err := digestPathComponents(dgst, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(flat) != 2 || flat[0] != "sha256" || flat[1] != dgst.Hex() {
		t.Fatalf("unexpected flat components: %v", flat)
	}

	multi, err := digestPathComponents(dgst, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(multi) != 3 || multi[1] != "ab" {
		t.Fatalf("unexpected multilevel components: %v", multi)
	}

	if _, err := digestPathComponents("not-a-digest", false); err == nil {
		t.Fatal("expected error for invalid digest")
	}
}
