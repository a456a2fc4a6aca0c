package stowage

import (
	"context"
)

// TagService provides access to information about tagged objects.
type TagService interface {
	// Get retrieves the descriptor identified by the tag. If the tag is
	// unknown to the service, ErrTagUnknown will be returned.
	Get(ctx context.Context, tag string) (Descriptor, error)

	// Tag associates the tag with the provided descriptor, updating the
	// current association, if needed.
	Tag(ctx context.Context, tag string, desc Descriptor) error

	// Untag removes the given tag association
	Untag(ctx context.Context, tag string) error

	// All returns the set of tags managed by this tag service, sorted
	// lexicographically.
	All(ctx context.Context) ([]string, error)

	// List returns up to limit tags lexicographically after last. The
	// returned error is io.EOF when the listing is exhausted. A limit less
	// than zero returns all tags.
	List(ctx context.Context, limit int, last string) ([]string, error)

	// Lookup returns the set of tags referencing the given digest.
	Lookup(ctx context.Context, desc Descriptor) ([]string, error)
}
